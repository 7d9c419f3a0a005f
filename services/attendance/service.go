package attendance

import (
	"context"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/sirupsen/logrus"
)

// Roles that may record attendance in bulk and acknowledge alerts.
var privilegedRoles = map[string]bool{
	"owner":   true,
	"admin":   true,
	"teacher": true,
}

// Actor is the identity behind a request, taken from the auth token.
type Actor struct {
	ID   uint
	Role string
}

// Privileged reports whether the actor may run staff-only operations.
func (a Actor) Privileged() bool {
	return privilegedRoles[a.Role]
}

// MarkInput is a single mark as submitted by a client.
type MarkInput struct {
	StudentID      string
	ClassID        string
	AttendanceDate time.Time
	Status         models.AttendanceStatus
	CheckInAt      *time.Time
	CheckOutAt     *time.Time
	Note           string
	Notify         bool
}

// SweepResult counts what a scheduled alert sweep did.
type SweepResult struct {
	Students int `json:"students"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// Service is the entry point used by controllers and the scheduler.
type Service struct {
	coord *Coordinator
	store Store
	th    Thresholds
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewService(store Store, th Thresholds, opts CoordinatorOptions) *Service {
	coord := NewCoordinator(store, th, opts)
	return &Service{
		coord: coord,
		store: store,
		th:    th,
		now:   coord.now,
		log:   coord.log,
	}
}

func (s *Service) today() time.Time {
	return utils.DateOnly(s.now())
}

// MarkOne records one student's status for a class and date.
func (s *Service) MarkOne(ctx context.Context, actor Actor, in MarkInput) (MarkResult, error) {
	rec := models.AttendanceRecord{
		StudentID:             in.StudentID,
		ClassID:               in.ClassID,
		AttendanceDate:        in.AttendanceDate,
		Status:                in.Status,
		CheckInAt:             in.CheckInAt,
		CheckOutAt:            in.CheckOutAt,
		Note:                  in.Note,
		RecordedBy:            actor.ID,
		NotificationRequested: in.Notify,
	}
	return s.coord.MarkOne(ctx, rec, s.today())
}

// MarkBulk applies a class roster for one date. Only staff may call it.
func (s *Service) MarkBulk(ctx context.Context, actor Actor, req BulkRequest) (BulkResult, error) {
	if !actor.Privileged() {
		return BulkResult{}, ErrPermissionDenied
	}
	req.RecorderID = actor.ID
	req.Today = s.today()
	return s.coord.ApplyBulk(ctx, req), nil
}

// GetDayAggregate returns the class statistics for one date.
func (s *Service) GetDayAggregate(ctx context.Context, classID string, date time.Time) (DayAggregate, error) {
	if classID == "" {
		return DayAggregate{}, NewValidationError(FieldError{Field: "class_id", Error: "this field is required"})
	}
	return s.coord.DayAggregate(ctx, classID, date)
}

// GetPeriodSummary summarizes one student's records over an inclusive period.
func (s *Service) GetPeriodSummary(ctx context.Context, studentID string, start, end time.Time) (PeriodSummary, error) {
	var flds []FieldError
	if studentID == "" {
		flds = append(flds, FieldError{Field: "student_id", Error: "this field is required"})
	}
	if start.IsZero() || end.IsZero() {
		flds = append(flds, FieldError{Field: "period", Error: "start and end are required"})
	} else if utils.DateOnly(start).After(utils.DateOnly(end)) {
		flds = append(flds, FieldError{Field: "period", Error: "start must not be after end"})
	}
	if len(flds) > 0 {
		return PeriodSummary{}, NewValidationError(flds...)
	}

	records, err := s.store.Query(ctx, RecordFilter{StudentID: studentID, From: start, To: end})
	if err != nil {
		return PeriodSummary{}, err
	}
	return s.th.Summarize(studentID, start, end, records), nil
}

// ListAlerts returns alerts matching f, newest first.
func (s *Service) ListAlerts(ctx context.Context, f AlertFilter) ([]models.AttendanceAlert, error) {
	return s.store.ListAlerts(ctx, f)
}

// AcknowledgeAlert marks an alert handled. Only staff may call it; repeating it is a no-op.
func (s *Service) AcknowledgeAlert(ctx context.Context, actor Actor, alertID uint) (models.AttendanceAlert, error) {
	if !actor.Privileged() {
		return models.AttendanceAlert{}, ErrPermissionDenied
	}
	alert, changed, err := s.coord.evaluator.acknowledge(ctx, alertID, actor.ID)
	if err != nil {
		return models.AttendanceAlert{}, err
	}
	if changed {
		s.coord.invalidateAlertDays(ctx, []models.AttendanceAlert{alert})
		s.coord.publisher.Publish(alert.ClassID, Event{
			Type:      EventAlertAcknowledged,
			ClassID:   alert.ClassID,
			Timestamp: s.now().UTC(),
			Payload:   alert,
		})
		s.log.WithFields(logrus.Fields{"alert_id": alert.ID, "actor_id": actor.ID}).Info("attendance alert acknowledged")
	}
	return alert, nil
}

// SweepAlerts re-evaluates every student with a record in the trailing window
// ending today. Students with no mark today still have their alerts refreshed.
func (s *Service) SweepAlerts(ctx context.Context) (SweepResult, error) {
	from, to := s.coord.evaluator.Window(s.today())
	records, err := s.store.Query(ctx, RecordFilter{From: from, To: to})
	if err != nil {
		return SweepResult{}, err
	}

	// Query is date-ordered, so the last record seen per student is the latest.
	latest := make(map[string]models.AttendanceRecord)
	var order []string
	for _, r := range records {
		if _, ok := latest[r.StudentID]; !ok {
			order = append(order, r.StudentID)
		}
		latest[r.StudentID] = r
	}

	var res SweepResult
	var created, changed []models.AttendanceAlert
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Students++
		rec := latest[id]
		ev, err := s.coord.evaluateStudent(ctx, rec)
		if err != nil {
			res.Failed++
			s.log.WithError(err).WithField("student_id", id).Error("alert sweep evaluation failed")
			continue
		}
		res.Created += len(ev.Created)
		res.Updated += len(ev.Updated)
		s.coord.publishAlerts(rec.ClassID, ev)
		created = append(created, ev.Created...)
		changed = append(changed, ev.Created...)
		changed = append(changed, ev.Updated...)
	}
	if len(changed) > 0 {
		s.coord.invalidateAlertDays(ctx, changed)
	}
	if len(created) > 0 {
		s.coord.notifyAlerts(ctx, created)
	}

	s.log.WithFields(logrus.Fields{
		"students": res.Students,
		"created":  res.Created,
		"updated":  res.Updated,
		"failed":   res.Failed,
	}).Info("attendance alert sweep finished")
	return res, nil
}
