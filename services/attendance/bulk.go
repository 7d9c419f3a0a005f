package attendance

import (
	"context"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultBulkConcurrency bounds in-flight writes of one bulk batch.
const DefaultBulkConcurrency = 4

// BulkEntry is one student's status in a bulk mark.
type BulkEntry struct {
	StudentID  string                  `json:"student_id"`
	Status     models.AttendanceStatus `json:"status"`
	Note       string                  `json:"note,omitempty"`
	CheckInAt  *time.Time              `json:"check_in_at,omitempty"`
	CheckOutAt *time.Time              `json:"check_out_at,omitempty"`
}

// BulkRequest marks many students of one class on one date.
type BulkRequest struct {
	ClassID    string
	Date       time.Time
	Entries    []BulkEntry
	RecorderID uint
	Notify     bool
	Today      time.Time
}

// BulkFailure explains why one entry was not applied.
type BulkFailure struct {
	StudentID string                  `json:"student_id"`
	Status    models.AttendanceStatus `json:"status"`
	Code      string                  `json:"code"`
	Reason    string                  `json:"reason"`
}

// BulkResult is returned instead of an error so callers can render per-student outcomes.
type BulkResult struct {
	Applied   []models.AttendanceRecord `json:"applied"`
	Failed    []BulkFailure             `json:"failed"`
	Aggregate *DayAggregate             `json:"aggregate,omitempty"`
	Alerts    Evaluation                `json:"alerts"`
}

// PartialFailure reports whether some but not all entries failed.
func (r BulkResult) PartialFailure() bool {
	return len(r.Failed) > 0 && len(r.Applied) > 0
}

// MarkResult is the outcome of a single mark.
type MarkResult struct {
	Record    models.AttendanceRecord `json:"record"`
	Aggregate *DayAggregate           `json:"aggregate,omitempty"`
	Alerts    Evaluation              `json:"alerts"`
}

// Coordinator applies marks and fans the outcome out to the aggregator,
// the alert evaluator and the realtime publisher.
type Coordinator struct {
	adapter     *RecordAdapter
	store       Store
	evaluator   *Evaluator
	publisher   Publisher
	notifier    Notifier
	cache       AggregateCache
	th          Thresholds
	concurrency int
	now         func() time.Time
	log         logrus.FieldLogger
}

// CoordinatorOptions holds the optional collaborators of a Coordinator.
type CoordinatorOptions struct {
	Publisher   Publisher
	Notifier    Notifier
	Cache       AggregateCache
	Concurrency int
	Now         func() time.Time
	Log         logrus.FieldLogger
}

func NewCoordinator(store Store, th Thresholds, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		store:       store,
		th:          th,
		publisher:   opts.Publisher,
		notifier:    opts.Notifier,
		cache:       opts.Cache,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		log:         opts.Log,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.publisher == nil {
		c.publisher = nopPublisher{}
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.cache == nil {
		c.cache = NewRedisAggregateCache(nil, 0, c.log)
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultBulkConcurrency
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.adapter = NewRecordAdapter(store, c.log)
	c.evaluator = NewEvaluator(store, th, c.log)
	c.evaluator.now = c.now
	return c
}

// MarkOne applies one mark, failing fast on the first error.
func (c *Coordinator) MarkOne(ctx context.Context, rec models.AttendanceRecord, today time.Time) (MarkResult, error) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = c.now().UTC()
	}
	stored, err := c.adapter.MarkAttendance(ctx, rec, today)
	if err != nil {
		return MarkResult{}, err
	}

	agg, ev := c.afterWrite(context.WithoutCancel(ctx), stored.ClassID, stored.AttendanceDate, []models.AttendanceRecord{stored})
	if stored.NotificationRequested {
		c.notifyRecords(context.WithoutCancel(ctx), []models.AttendanceRecord{stored})
	}
	return MarkResult{Record: stored, Aggregate: agg, Alerts: ev}, nil
}

// dedupe keeps the last entry per student, in first-seen order.
func dedupe(entries []BulkEntry) []BulkEntry {
	index := make(map[string]int, len(entries))
	out := make([]BulkEntry, 0, len(entries))
	for _, e := range entries {
		e.StudentID = utils.SanitizeString(e.StudentID)
		if i, ok := index[e.StudentID]; ok {
			out[i] = e
			continue
		}
		index[e.StudentID] = len(out)
		out = append(out, e)
	}
	return out
}

// ApplyBulk writes the batch with bounded fan-out and waits for every write
// before recomputing. Failed entries are reported, applied entries are kept.
func (c *Coordinator) ApplyBulk(ctx context.Context, req BulkRequest) BulkResult {
	date := utils.DateOnly(req.Date)
	recordedAt := c.now().UTC()
	entries := dedupe(req.Entries)

	recs := make([]models.AttendanceRecord, len(entries))
	for i, e := range entries {
		recs[i] = models.AttendanceRecord{
			StudentID:             e.StudentID,
			ClassID:               req.ClassID,
			AttendanceDate:        date,
			Status:                e.Status,
			Note:                  e.Note,
			CheckInAt:             e.CheckInAt,
			CheckOutAt:            e.CheckOutAt,
			RecordedBy:            req.RecorderID,
			RecordedAt:            recordedAt,
			NotificationRequested: req.Notify,
		}
	}

	var applied []models.AttendanceRecord
	var failed []BulkFailure
	if c.concurrency == 1 {
		applied, failed = c.writeBatch(ctx, recs, req.Today)
	} else {
		applied, failed = c.writeConcurrent(ctx, recs, req.Today)
	}

	res := BulkResult{Applied: applied, Failed: failed}
	if res.Applied == nil {
		res.Applied = []models.AttendanceRecord{}
	}
	if res.Failed == nil {
		res.Failed = []BulkFailure{}
	}

	detached := context.WithoutCancel(ctx)
	if len(applied) > 0 {
		res.Aggregate, res.Alerts = c.afterWrite(detached, req.ClassID, date, applied)
		if req.Notify {
			c.notifyRecords(detached, applied)
		}
	}

	c.publisher.Publish(req.ClassID, Event{
		Type:      EventBulkCompleted,
		ClassID:   req.ClassID,
		Timestamp: c.now().UTC(),
		Payload: BulkCompleted{
			Date:      date,
			Applied:   len(res.Applied),
			Failed:    len(res.Failed),
			Timestamp: c.now().UTC(),
		},
	})

	c.log.WithFields(logrus.Fields{
		"class_id": req.ClassID,
		"date":     utils.FormatDate(date),
		"applied":  len(res.Applied),
		"failed":   len(res.Failed),
	}).Info("bulk attendance applied")
	return res
}

// writeBatch sends the whole batch through one store round trip.
func (c *Coordinator) writeBatch(ctx context.Context, recs []models.AttendanceRecord, today time.Time) ([]models.AttendanceRecord, []BulkFailure) {
	succeeded, failedRecs := c.adapter.MarkAttendanceBulk(context.WithoutCancel(ctx), recs, today)
	failed := make([]BulkFailure, 0, len(failedRecs))
	for _, f := range failedRecs {
		failed = append(failed, failure(f.Record, f.Err))
	}
	return succeeded, failed
}

// writeConcurrent issues one write per entry, at most c.concurrency at a time.
// Writes already dispatched run to completion even if ctx is cancelled; entries
// not yet dispatched are reported as cancelled.
func (c *Coordinator) writeConcurrent(ctx context.Context, recs []models.AttendanceRecord, today time.Time) ([]models.AttendanceRecord, []BulkFailure) {
	type outcome struct {
		rec models.AttendanceRecord
		err error
	}
	outcomes := make([]outcome, len(recs))
	writeCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range recs {
		if err := ctx.Err(); err != nil {
			outcomes[i] = outcome{rec: recs[i], err: errors.Wrap(err, "cancelled before dispatch")}
			continue
		}
		i := i
		g.Go(func() error {
			stored, err := c.adapter.MarkAttendance(writeCtx, recs[i], today)
			if err != nil {
				outcomes[i] = outcome{rec: recs[i], err: err}
				return nil
			}
			outcomes[i] = outcome{rec: stored}
			return nil
		})
	}
	_ = g.Wait()

	var applied []models.AttendanceRecord
	var failed []BulkFailure
	for _, o := range outcomes {
		if o.err != nil {
			failed = append(failed, failure(o.rec, o.err))
			continue
		}
		applied = append(applied, o.rec)
	}
	return applied, failed
}

func failure(rec models.AttendanceRecord, err error) BulkFailure {
	code := "store_unavailable"
	switch {
	case errors.Is(err, ErrInvalidDate):
		code = "invalid_date"
	case IsValidation(err):
		code = "validation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = "cancelled"
	}
	return BulkFailure{StudentID: rec.StudentID, Status: rec.Status, Code: code, Reason: err.Error()}
}

// afterWrite recomputes derived state once per batch. Alert evaluation never
// fails the write: errors are logged and treated as no new alerts.
func (c *Coordinator) afterWrite(ctx context.Context, classID string, date time.Time, applied []models.AttendanceRecord) (*DayAggregate, Evaluation) {
	c.cache.Invalidate(ctx, classID, date)

	var ev Evaluation
	seen := make(map[string]struct{}, len(applied))
	for _, rec := range applied {
		if _, ok := seen[rec.StudentID]; ok {
			continue
		}
		seen[rec.StudentID] = struct{}{}

		one, err := c.evaluateStudent(ctx, rec)
		if err != nil {
			c.log.WithError(err).WithField("student_id", rec.StudentID).Error("alert evaluation failed")
		}
		ev.Created = append(ev.Created, one.Created...)
		ev.Updated = append(ev.Updated, one.Updated...)
	}

	c.publishAlerts(classID, ev)
	if len(ev.Created) > 0 {
		c.invalidateAlertDays(ctx, ev.Created)
		c.notifyAlerts(ctx, ev.Created)
	}

	agg, err := c.DayAggregate(ctx, classID, date)
	if err != nil {
		c.log.WithError(err).WithField("class_id", classID).Error("day aggregate recompute failed")
		return nil, ev
	}
	c.publisher.Publish(classID, Event{Type: EventStatsUpdated, ClassID: classID, Timestamp: c.now().UTC(), Payload: agg})
	return &agg, ev
}

// evaluateStudent summarizes the trailing window ending at rec's date and evaluates it.
// The student's lock spans the read and the alert writes, so concurrent marks and
// the sweep see each other's alerts.
func (c *Coordinator) evaluateStudent(ctx context.Context, rec models.AttendanceRecord) (Evaluation, error) {
	unlock := c.evaluator.lockStudent(rec.StudentID)
	defer unlock()

	from, to := c.evaluator.Window(rec.AttendanceDate)
	records, err := c.store.Query(ctx, RecordFilter{StudentID: rec.StudentID, From: from, To: to})
	if err != nil {
		return Evaluation{}, err
	}
	sum := c.th.Summarize(rec.StudentID, from, to, records)
	return c.evaluator.evaluate(ctx, rec.StudentID, rec, sum)
}

// invalidateAlertDays drops every cached aggregate that reports one of the
// alerts: each class-day the student has a record on from the triggered date on.
func (c *Coordinator) invalidateAlertDays(ctx context.Context, alerts []models.AttendanceAlert) {
	since := make(map[string]time.Time, len(alerts))
	for _, a := range alerts {
		d := utils.DateOnly(a.TriggeredDate)
		if cur, ok := since[a.StudentID]; !ok || d.Before(cur) {
			since[a.StudentID] = d
		}
	}

	type classDay struct {
		classID string
		date    time.Time
	}
	done := make(map[classDay]struct{})
	for studentID, from := range since {
		recs, err := c.store.Query(ctx, RecordFilter{StudentID: studentID, From: from})
		if err != nil {
			c.log.WithError(err).WithField("student_id", studentID).Warn("aggregate cache invalidation skipped")
			continue
		}
		for _, r := range recs {
			key := classDay{r.ClassID, utils.DateOnly(r.AttendanceDate)}
			if _, ok := done[key]; ok {
				continue
			}
			done[key] = struct{}{}
			c.cache.Invalidate(ctx, key.classID, key.date)
		}
	}
}

func (c *Coordinator) publishAlerts(classID string, ev Evaluation) {
	now := c.now().UTC()
	for _, a := range ev.Created {
		c.publisher.Publish(classID, Event{Type: EventAlertCreated, ClassID: classID, Timestamp: now, Payload: a})
	}
	for _, a := range ev.Updated {
		c.publisher.Publish(classID, Event{Type: EventAlertUpdated, ClassID: classID, Timestamp: now, Payload: a})
	}
}

// DayAggregate returns the cached aggregate or recomputes it from the store.
func (c *Coordinator) DayAggregate(ctx context.Context, classID string, date time.Time) (DayAggregate, error) {
	day := utils.DateOnly(date)
	if agg, ok := c.cache.Get(ctx, classID, day); ok {
		return *agg, nil
	}

	records, err := c.store.Query(ctx, RecordFilter{ClassID: classID, From: day, To: day})
	if err != nil {
		return DayAggregate{}, err
	}

	var open []models.AttendanceAlert
	if len(records) > 0 {
		students := make([]string, 0, len(records))
		for _, r := range records {
			students = append(students, r.StudentID)
		}
		unacked := false
		open, err = c.store.ListAlerts(ctx, AlertFilter{StudentIDs: students, Acknowledged: &unacked, To: day})
		if err != nil {
			return DayAggregate{}, err
		}
	}

	agg := AggregateDay(classID, day, records, open)
	c.cache.Set(ctx, agg)
	return agg, nil
}

func (c *Coordinator) notifyRecords(ctx context.Context, recs []models.AttendanceRecord) {
	var flagged []models.AttendanceRecord
	for _, r := range recs {
		if r.NotificationRequested && (r.Status == models.StatusAbsent || r.Status.IsLate()) {
			flagged = append(flagged, r)
		}
	}
	if len(flagged) == 0 {
		return
	}
	if err := c.notifier.NotifyRecords(ctx, flagged); err != nil {
		c.log.WithError(err).Warn("attendance notification enqueue failed")
	}
}

func (c *Coordinator) notifyAlerts(ctx context.Context, alerts []models.AttendanceAlert) {
	var serious []models.AttendanceAlert
	for _, a := range alerts {
		if a.Severity.Rank() >= models.SeverityHigh.Rank() {
			serious = append(serious, a)
		}
	}
	if len(serious) == 0 {
		return
	}
	if err := c.notifier.NotifyAlerts(ctx, serious); err != nil {
		c.log.WithError(err).Warn("alert notification enqueue failed")
	}
}
