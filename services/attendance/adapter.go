package attendance

import (
	"context"
	"strings"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FailedRecord is a record the adapter could not apply, with the reason.
type FailedRecord struct {
	Record models.AttendanceRecord
	Err    error
}

// RecordAdapter shapes mark operations into store calls. It holds no business logic
// beyond validation and conflict handling.
type RecordAdapter struct {
	store RecordStore
	log   logrus.FieldLogger
}

func NewRecordAdapter(store RecordStore, log logrus.FieldLogger) *RecordAdapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RecordAdapter{store: store, log: log}
}

// ValidateRecord checks the shape of a mark against the caller-supplied today.
func ValidateRecord(rec models.AttendanceRecord, today time.Time) error {
	var flds []FieldError
	if strings.TrimSpace(rec.StudentID) == "" {
		flds = append(flds, FieldError{Field: "student_id", Error: "this field is required"})
	}
	if strings.TrimSpace(rec.ClassID) == "" {
		flds = append(flds, FieldError{Field: "class_id", Error: "this field is required"})
	}
	if !rec.Status.Valid() {
		flds = append(flds, FieldError{Field: "status", Error: "unknown status " + string(rec.Status)})
	}
	if rec.AttendanceDate.IsZero() {
		flds = append(flds, FieldError{Field: "attendance_date", Error: "this field is required"})
	}
	if len(flds) > 0 {
		return NewValidationError(flds...)
	}
	if utils.DateOnly(rec.AttendanceDate).After(utils.DateOnly(today)) {
		return ErrInvalidDate
	}
	return nil
}

func normalize(rec models.AttendanceRecord) models.AttendanceRecord {
	rec.StudentID = utils.SanitizeString(rec.StudentID)
	rec.ClassID = utils.SanitizeString(rec.ClassID)
	rec.Note = utils.SanitizeString(rec.Note)
	rec.AttendanceDate = utils.DateOnly(rec.AttendanceDate)
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return rec
}

// MarkAttendance validates and upserts one record. A stale write loses to the
// stored record and is logged, not returned as a failure.
func (a *RecordAdapter) MarkAttendance(ctx context.Context, rec models.AttendanceRecord, today time.Time) (models.AttendanceRecord, error) {
	rec = normalize(rec)
	if err := ValidateRecord(rec, today); err != nil {
		return models.AttendanceRecord{}, err
	}

	stored, err := a.store.Upsert(ctx, rec)
	return a.resolve(rec, stored, err)
}

// MarkAttendanceBulk validates every record, then upserts the valid ones in one
// store call. Failures are isolated per record.
func (a *RecordAdapter) MarkAttendanceBulk(ctx context.Context, recs []models.AttendanceRecord, today time.Time) ([]models.AttendanceRecord, []FailedRecord) {
	var (
		succeeded []models.AttendanceRecord
		failed    []FailedRecord
		valid     []models.AttendanceRecord
	)
	for _, rec := range recs {
		rec = normalize(rec)
		if err := ValidateRecord(rec, today); err != nil {
			failed = append(failed, FailedRecord{Record: rec, Err: err})
			continue
		}
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		return succeeded, failed
	}

	for i, res := range a.store.BatchUpsert(ctx, valid) {
		stored, err := a.resolve(valid[i], res.Record, res.Err)
		if err != nil {
			failed = append(failed, FailedRecord{Record: valid[i], Err: err})
			continue
		}
		succeeded = append(succeeded, stored)
	}
	return succeeded, failed
}

func (a *RecordAdapter) resolve(rec, stored models.AttendanceRecord, err error) (models.AttendanceRecord, error) {
	if err == nil {
		return stored, nil
	}
	if errors.Is(err, ErrConflict) {
		a.log.WithFields(logrus.Fields{
			"student_id":  rec.StudentID,
			"class_id":    rec.ClassID,
			"date":        utils.FormatDate(rec.AttendanceDate),
			"stale_at":    rec.RecordedAt,
			"current_at":  stored.RecordedAt,
			"kept_status": stored.Status,
		}).Warn("attendance write conflict resolved by last-write-wins")
		return stored, nil
	}
	return models.AttendanceRecord{}, err
}
