package attendance

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := utils.ParseDate(s)
	if err != nil {
		t.Fatalf("mustDate(%q) failed: %v", s, err)
	}
	return d
}

func record(studentID, classID string, date time.Time, status models.AttendanceStatus) models.AttendanceRecord {
	return models.AttendanceRecord{
		StudentID:      studentID,
		ClassID:        classID,
		AttendanceDate: date,
		Status:         status,
	}
}

// series builds one record per consecutive day starting at start.
func series(studentID, classID string, start time.Time, statuses ...models.AttendanceStatus) []models.AttendanceRecord {
	out := make([]models.AttendanceRecord, len(statuses))
	for i, s := range statuses {
		out[i] = record(studentID, classID, start.AddDate(0, 0, i), s)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ string, e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) count(t EventType) int {
	n := 0
	for _, got := range p.types() {
		if got == t {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []models.AttendanceRecord
	alerts  []models.AttendanceAlert
}

func (n *recordingNotifier) NotifyRecords(_ context.Context, recs []models.AttendanceRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, recs...)
	return nil
}

func (n *recordingNotifier) NotifyAlerts(_ context.Context, alerts []models.AttendanceAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alerts...)
	return nil
}

type fixture struct {
	store     *MemoryStore
	publisher *recordingPublisher
	notifier  *recordingNotifier
	svc       *Service
	now       time.Time
}

func setup(t *testing.T, now time.Time, concurrency int) *fixture {
	t.Helper()
	return setupWith(t, now, concurrency, nil, nil)
}

// setupWith builds a fixture whose service talks to wrap(store) and caches
// aggregates in cache. Nil arguments mean the plain memory store and no cache.
func setupWith(t *testing.T, now time.Time, concurrency int, wrap func(*MemoryStore) Store, cache AggregateCache) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		now:       now,
	}
	var store Store = f.store
	if wrap != nil {
		store = wrap(f.store)
	}
	f.svc = NewService(store, DefaultThresholds(), CoordinatorOptions{
		Publisher:   f.publisher,
		Notifier:    f.notifier,
		Cache:       cache,
		Concurrency: concurrency,
		Now:         func() time.Time { return now },
		Log:         quietLogger(),
	})
	return f
}

func (f *fixture) seed(t *testing.T, recs ...models.AttendanceRecord) {
	t.Helper()
	for _, r := range recs {
		r.RecordedAt = f.now
		if _, err := f.store.Upsert(context.Background(), r); err != nil {
			t.Fatalf("seed() failed: %v", err)
		}
	}
}

// mapCache is an in-process AggregateCache.
type mapCache struct {
	mu   sync.Mutex
	aggs map[string]DayAggregate
}

func newMapCache() *mapCache {
	return &mapCache{aggs: make(map[string]DayAggregate)}
}

func (c *mapCache) Get(_ context.Context, classID string, date time.Time) (*DayAggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.aggs[aggregateKey(classID, date)]
	if !ok {
		return nil, false
	}
	return &agg, true
}

func (c *mapCache) Set(_ context.Context, agg DayAggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggs[aggregateKey(agg.ClassID, agg.Date)] = agg
}

func (c *mapCache) Invalidate(_ context.Context, classID string, date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.aggs, aggregateKey(classID, date))
}

func (c *mapCache) has(classID string, date time.Time) bool {
	_, ok := c.Get(context.Background(), classID, date)
	return ok
}

// slowStore adds a database-like round trip to FindOpen.
type slowStore struct {
	*MemoryStore
	delay time.Duration
}

func (s slowStore) FindOpen(ctx context.Context, studentID string, alertType models.AlertType) (*models.AttendanceAlert, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.FindOpen(ctx, studentID, alertType)
}
