package attendance

import (
	"context"
	"fmt"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Evaluation lists the alerts an evaluation pass created or changed in place.
type Evaluation struct {
	Created []models.AttendanceAlert `json:"created"`
	Updated []models.AttendanceAlert `json:"updated"`
}

type candidate struct {
	alertType models.AlertType
	severity  models.Severity
	message   string
}

// Evaluator owns AttendanceAlert: it raises alerts from summaries and acknowledges them.
type Evaluator struct {
	store AlertStore
	th    Thresholds
	now   func() time.Time
	log   logrus.FieldLogger
	locks *keyedMutex
}

func NewEvaluator(store AlertStore, th Thresholds, log logrus.FieldLogger) *Evaluator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Evaluator{store: store, th: th, now: time.Now, log: log, locks: newKeyedMutex()}
}

// Window returns the trailing evaluation window ending on date.
func (e *Evaluator) Window(date time.Time) (time.Time, time.Time) {
	end := utils.DateOnly(date)
	return end.AddDate(0, 0, -(e.th.WindowDays - 1)), end
}

func (e *Evaluator) candidates(sum PeriodSummary) []candidate {
	var out []candidate

	switch run := sum.ConsecutiveAbsences; {
	case run >= e.th.ConsecutiveAbsenceCritical:
		out = append(out, candidate{models.AlertConsecutiveAbsences, models.SeverityCritical,
			fmt.Sprintf("Absent %d consecutive school days", run)})
	case run >= e.th.ConsecutiveAbsenceMedium:
		out = append(out, candidate{models.AlertConsecutiveAbsences, models.SeverityMedium,
			fmt.Sprintf("Absent %d consecutive school days", run)})
	}

	if sum.HasPattern(PatternLate) {
		out = append(out, candidate{models.AlertLatePattern, models.SeverityLow,
			fmt.Sprintf("Late on %d of %d days (%.0f%% punctual)", sum.DaysLate, sum.TotalDays, sum.PunctualityPercentage)})
	}
	if sum.HasPattern(PatternChronicAbsence) {
		out = append(out, candidate{models.AlertChronicAbsence, models.SeverityHigh,
			fmt.Sprintf("Attendance %.1f%% is below %.0f%%", sum.AttendancePercentage, e.th.ChronicAttendancePercent)})
	}
	if e.th.SuddenChangeAlerts && sum.ImprovementTrend == TrendDeclining {
		out = append(out, candidate{models.AlertSuddenChange, models.SeverityMedium,
			"Attendance dropped sharply in the second half of the period"})
	}
	return out
}

// lockStudent serializes evaluations of one student within this process.
func (e *Evaluator) lockStudent(studentID string) func() {
	return e.locks.Lock(studentID)
}

// Evaluate raises alerts for the conditions the summary crosses. An open alert of
// the same (student, type) is updated in place instead of duplicated.
func (e *Evaluator) Evaluate(ctx context.Context, studentID string, rec models.AttendanceRecord, sum PeriodSummary) (Evaluation, error) {
	unlock := e.lockStudent(studentID)
	defer unlock()
	return e.evaluate(ctx, studentID, rec, sum)
}

// evaluate expects the caller to hold the student's lock.
func (e *Evaluator) evaluate(ctx context.Context, studentID string, rec models.AttendanceRecord, sum PeriodSummary) (Evaluation, error) {
	var ev Evaluation
	for _, c := range e.candidates(sum) {
		open, created, err := e.openOrCreate(ctx, studentID, rec, c)
		if err != nil {
			return ev, err
		}
		if created {
			e.log.WithFields(logrus.Fields{
				"alert_id":   open.ID,
				"student_id": studentID,
				"type":       open.AlertType,
				"severity":   open.Severity,
			}).Info("attendance alert raised")
			ev.Created = append(ev.Created, *open)
			continue
		}

		if open.Severity == c.severity && open.Message == c.message {
			continue
		}
		open.Severity = c.severity
		open.Message = c.message
		if err := e.store.UpdateAlert(ctx, open); err != nil {
			return ev, err
		}
		ev.Updated = append(ev.Updated, *open)
	}
	return ev, nil
}

// openOrCreate returns the open alert for c, creating it when there is none.
// A create that loses to another writer re-reads the winner instead.
func (e *Evaluator) openOrCreate(ctx context.Context, studentID string, rec models.AttendanceRecord, c candidate) (*models.AttendanceAlert, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		open, err := e.store.FindOpen(ctx, studentID, c.alertType)
		if err != nil {
			return nil, false, err
		}
		if open != nil {
			return open, false, nil
		}

		alert := models.AttendanceAlert{
			StudentID:     studentID,
			ClassID:       rec.ClassID,
			AlertType:     c.alertType,
			Severity:      c.severity,
			Message:       c.message,
			TriggeredDate: utils.DateOnly(rec.AttendanceDate),
		}
		err = e.store.CreateAlert(ctx, &alert)
		if err == nil {
			return &alert, true, nil
		}
		if !errors.Is(err, ErrAlertOpen) {
			return nil, false, err
		}
	}
	return nil, false, errors.Wrapf(ErrAlertOpen, "student %s type %s", studentID, c.alertType)
}

// Acknowledge flips an alert to acknowledged. Acknowledging twice is a no-op.
func (e *Evaluator) Acknowledge(ctx context.Context, alertID uint, actorID uint) (models.AttendanceAlert, error) {
	alert, _, err := e.acknowledge(ctx, alertID, actorID)
	return alert, err
}

func (e *Evaluator) acknowledge(ctx context.Context, alertID uint, actorID uint) (models.AttendanceAlert, bool, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return models.AttendanceAlert{}, false, err
	}
	if alert.Acknowledged {
		return *alert, false, nil
	}

	now := e.now().UTC()
	alert.Acknowledged = true
	alert.AcknowledgedBy = &actorID
	alert.AcknowledgedAt = &now
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return models.AttendanceAlert{}, false, err
	}
	return *alert, true, nil
}
