package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Queue item stored in Redis. The outbox row written by the worker is the
// source of truth; the queue only smooths bursts from bulk marks.
type queuedNotification struct {
	ClassID   string    `json:"class_id"`
	StudentID string    `json:"student_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Channels  []string  `json:"channels,omitempty"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const redisListKey = "notifications:attendance:queue"

// Notification kinds.
const (
	KindAttendance = "attendance"
	KindAlert      = "alert"
)

// Sender pushes a text message to a chat group.
type Sender interface {
	SendToGroup(groupID, message string) error
}

// GroupResolver maps a class to the chat group bound to it, or "".
type GroupResolver interface {
	GroupForClass(classID string) string
}

// Outbox persists notifications.
type Outbox interface {
	Save(ctx context.Context, notifs []models.Notification) error
}

// GormOutbox writes notifications to the notifications table.
type GormOutbox struct {
	db *gorm.DB
}

func NewGormOutbox(db *gorm.DB) *GormOutbox {
	return &GormOutbox{db: db}
}

func (o *GormOutbox) Save(ctx context.Context, notifs []models.Notification) error {
	if len(notifs) == 0 {
		return nil
	}
	return o.db.WithContext(ctx).Create(&notifs).Error
}

// Options configures a Service.
type Options struct {
	Redis        *redis.Client
	UseRedis     bool
	Sender       Sender
	DefaultGroup string
	// Resolver is consulted before ClassGroups.
	Resolver GroupResolver
	// ClassGroups maps a class id to its chat group, overriding DefaultGroup.
	ClassGroups map[string]string
	Log         logrus.FieldLogger
}

// Service turns flagged marks and serious alerts into outbound notices.
// With Redis enabled it only enqueues; otherwise it delivers on a background
// goroutine. Callers never wait on LINE.
type Service struct {
	outbox   Outbox
	redis    *redis.Client
	useRedis bool
	sender   Sender
	resolver GroupResolver
	groups   map[string]string
	defGroup string
	now      func() time.Time
	log      logrus.FieldLogger
	inflight sync.WaitGroup
}

func NewService(outbox Outbox, opts Options) *Service {
	s := &Service{
		outbox:   outbox,
		redis:    opts.Redis,
		useRedis: opts.UseRedis && opts.Redis != nil,
		sender:   opts.Sender,
		resolver: opts.Resolver,
		groups:   opts.ClassGroups,
		defGroup: opts.DefaultGroup,
		now:      time.Now,
		log:      opts.Log,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// normalizeChannels keeps only allowed values and ensures default channel
func normalizeChannels(in []string) []string {
	if len(in) == 0 {
		return []string{"normal"}
	}
	allowed := map[string]struct{}{"normal": {}, "line": {}}
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, ch := range in {
		if _, ok := allowed[ch]; ok {
			if _, dup := seen[ch]; !dup {
				out = append(out, ch)
				seen[ch] = struct{}{}
			}
		}
	}
	if len(out) == 0 {
		out = []string{"normal"}
	}
	return out
}

func (s *Service) groupFor(classID string) string {
	if s.resolver != nil {
		if g := s.resolver.GroupForClass(classID); g != "" {
			return g
		}
	}
	if g, ok := s.groups[classID]; ok && g != "" {
		return g
	}
	return s.defGroup
}

func (s *Service) channels() []string {
	if s.sender != nil {
		return []string{"normal", "line"}
	}
	return []string{"normal"}
}

// NotifyRecords queues one notice per flagged record. Delivery errors are
// logged, not returned.
func (s *Service) NotifyRecords(ctx context.Context, records []models.AttendanceRecord) error {
	items := make([]queuedNotification, 0, len(records))
	for _, r := range records {
		items = append(items, queuedNotification{
			ClassID:   r.ClassID,
			StudentID: r.StudentID,
			Kind:      KindAttendance,
			Title:     fmt.Sprintf("Attendance: %s", r.Status),
			Message: fmt.Sprintf("Student %s was marked %s in class %s on %s.",
				r.StudentID, r.Status, r.ClassID, utils.FormatDate(r.AttendanceDate)),
			Channels: s.channels(),
			Data: map[string]any{
				"record_id": r.ID,
				"status":    r.Status,
				"date":      utils.FormatDate(r.AttendanceDate),
				"note":      r.Note,
			},
		})
	}
	return s.enqueueOrCreate(ctx, items)
}

// NotifyAlerts queues one notice per alert.
func (s *Service) NotifyAlerts(ctx context.Context, alerts []models.AttendanceAlert) error {
	items := make([]queuedNotification, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, queuedNotification{
			ClassID:   a.ClassID,
			StudentID: a.StudentID,
			Kind:      KindAlert,
			Title:     fmt.Sprintf("Attendance alert (%s)", a.Severity),
			Message:   fmt.Sprintf("Student %s: %s", a.StudentID, a.Message),
			Channels:  s.channels(),
			Data: map[string]any{
				"alert_id":   a.ID,
				"alert_type": a.AlertType,
				"severity":   a.Severity,
				"date":       utils.FormatDate(a.TriggeredDate),
			},
		})
	}
	return s.enqueueOrCreate(ctx, items)
}

// enqueueOrCreate uses the Redis queue if enabled, else writes directly.
func (s *Service) enqueueOrCreate(ctx context.Context, items []queuedNotification) error {
	if len(items) == 0 {
		return nil
	}
	now := s.now().UTC()
	for i := range items {
		items[i].CreatedAt = now
	}

	if s.useRedis {
		vals := make([]interface{}, 0, len(items))
		for _, it := range items {
			b, err := json.Marshal(it)
			if err != nil {
				return errors.Wrap(err, "marshal notification")
			}
			vals = append(vals, b)
		}
		err := s.redis.RPush(ctx, redisListKey, vals...).Err()
		if err == nil {
			return nil
		}
		s.log.WithError(err).Warn("notification queue failed, falling back to direct insert")
	}
	s.deliverAsync(ctx, items)
	return nil
}

// deliverAsync runs the direct path on its own goroutine and logs the outcome.
func (s *Service) deliverAsync(ctx context.Context, items []queuedNotification) {
	ctx = context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.createDirect(ctx, items); err != nil {
			s.log.WithError(err).WithField("count", len(items)).Error("notification delivery failed")
		}
	}()
}

// Wait blocks until every delivery started so far has been recorded.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// createDirect delivers over LINE where requested and records the outcome in the outbox.
func (s *Service) createDirect(ctx context.Context, items []queuedNotification) error {
	notifs := make([]models.Notification, 0, len(items))
	for _, it := range items {
		channels := normalizeChannels(it.Channels)
		channelsJSON, err := json.Marshal(channels)
		if err != nil {
			channelsJSON = []byte(`["normal"]`)
		}
		var dataJSON []byte
		if it.Data != nil {
			if b, err := json.Marshal(it.Data); err == nil {
				dataJSON = b
			}
		}

		n := models.Notification{
			ClassID:   it.ClassID,
			StudentID: it.StudentID,
			Kind:      it.Kind,
			Title:     it.Title,
			Message:   it.Message,
			Channels:  channelsJSON,
			Data:      dataJSON,
		}
		if contains(channels, "line") {
			s.deliverLine(&n)
		}
		notifs = append(notifs, n)
	}

	if s.outbox == nil {
		return nil
	}
	if err := s.outbox.Save(ctx, notifs); err != nil {
		return errors.Wrap(err, "save notifications")
	}
	return nil
}

func (s *Service) deliverLine(n *models.Notification) {
	if s.sender == nil {
		n.Error = "line sender not configured"
		return
	}
	group := s.groupFor(n.ClassID)
	if group == "" {
		n.Error = "no line group for class " + n.ClassID
		return
	}
	if err := s.sender.SendToGroup(group, n.Title+"\n"+n.Message); err != nil {
		n.Error = err.Error()
		s.log.WithError(err).WithField("class_id", n.ClassID).Warn("line delivery failed")
		return
	}
	now := s.now().UTC()
	n.Delivered = true
	n.DeliveredAt = &now
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// StartWorker starts a background worker polling the Redis queue. It returns
// immediately; the worker exits when stop is closed.
func (s *Service) StartWorker(stop <-chan struct{}) {
	if !s.useRedis {
		s.log.Info("redis notifications disabled; worker not started")
		return
	}
	go func() {
		s.log.Info("notification worker started")
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		ctx := context.Background()
		batchSize := 200
		for {
			select {
			case <-stop:
				s.log.Info("notification worker stopping")
				return
			case <-ticker.C:
				s.flushBatch(ctx, batchSize)
			}
		}
	}()
}

// flushBatch drains up to five batches per tick.
func (s *Service) flushBatch(ctx context.Context, batchSize int) {
	for i := 0; i < 5; i++ {
		vals, err := s.redis.LRange(ctx, redisListKey, 0, int64(batchSize-1)).Result()
		if err != nil || len(vals) == 0 {
			return
		}
		// Trim immediately to avoid duplicates (best-effort)
		if err = s.redis.LTrim(ctx, redisListKey, int64(len(vals)), -1).Err(); err != nil {
			s.log.WithError(err).Warn("notification queue trim failed")
		}

		items := make([]queuedNotification, 0, len(vals))
		for _, raw := range vals {
			var q queuedNotification
			if err := json.Unmarshal([]byte(raw), &q); err != nil {
				continue
			}
			items = append(items, q)
		}
		if err := s.createDirect(ctx, items); err != nil {
			s.log.WithError(err).Error("notification flush failed")
		}
		if len(vals) < batchSize {
			return
		}
	}
}
