package attendance

import (
	"context"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists records and alerts through GORM.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Query(ctx context.Context, f RecordFilter) ([]models.AttendanceRecord, error) {
	q := s.db.WithContext(ctx).Model(&models.AttendanceRecord{})
	if f.ClassID != "" {
		q = q.Where("class_id = ?", f.ClassID)
	}
	if f.StudentID != "" {
		q = q.Where("student_id = ?", f.StudentID)
	}
	if len(f.StudentIDs) > 0 {
		q = q.Where("student_id IN ?", f.StudentIDs)
	}
	if !f.From.IsZero() {
		q = q.Where("attendance_date >= ?", utils.FormatDate(f.From))
	}
	if !f.To.IsZero() {
		q = q.Where("attendance_date <= ?", utils.FormatDate(f.To))
	}

	var out []models.AttendanceRecord
	if err := q.Order("attendance_date ASC, student_id ASC").Find(&out).Error; err != nil {
		return nil, storeUnavailable("query records", err)
	}
	for i := range out {
		out[i].AttendanceDate = utils.DateOnly(out[i].AttendanceDate)
	}
	return out, nil
}

func (s *GormStore) Upsert(ctx context.Context, rec models.AttendanceRecord) (models.AttendanceRecord, error) {
	rec.AttendanceDate = utils.DateOnly(rec.AttendanceDate)

	stored, err := s.upsertOnce(ctx, rec)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the insert race for a new key; the row exists now
		stored, err = s.upsertOnce(ctx, rec)
	}
	if err == nil || errors.Is(err, ErrConflict) {
		return stored, err
	}
	return stored, storeUnavailable("upsert record", err)
}

func (s *GormStore) upsertOnce(ctx context.Context, rec models.AttendanceRecord) (models.AttendanceRecord, error) {
	var stored models.AttendanceRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.AttendanceRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("student_id = ? AND class_id = ? AND attendance_date = ?",
				rec.StudentID, rec.ClassID, utils.FormatDate(rec.AttendanceDate)).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			stored = rec
			return tx.Create(&stored).Error
		}
		if err != nil {
			return err
		}

		if existing.RecordedAt.After(rec.RecordedAt) {
			stored = existing
			return ErrConflict
		}

		rec.BaseModel = existing.BaseModel
		stored = rec
		return tx.Save(&stored).Error
	})
	stored.AttendanceDate = utils.DateOnly(stored.AttendanceDate)
	return stored, err
}

func (s *GormStore) BatchUpsert(ctx context.Context, recs []models.AttendanceRecord) []UpsertResult {
	results := make([]UpsertResult, len(recs))
	for i, rec := range recs {
		stored, err := s.Upsert(ctx, rec)
		results[i] = UpsertResult{Record: stored, Err: err}
	}
	return results
}

func (s *GormStore) FindOpen(ctx context.Context, studentID string, alertType models.AlertType) (*models.AttendanceAlert, error) {
	var alert models.AttendanceAlert
	err := s.db.WithContext(ctx).
		Where("student_id = ? AND alert_type = ? AND acknowledged = ?", studentID, alertType, false).
		Order("id ASC").
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable("find open alert", err)
	}
	return &alert, nil
}

// CreateAlert inserts alert unless its (student, type) already has an open one.
// The row lock covers callers in this process; the open-key unique index covers the rest.
func (s *GormStore) CreateAlert(ctx context.Context, alert *models.AttendanceAlert) error {
	setOpenKey(alert)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !alert.Acknowledged {
			var existing models.AttendanceAlert
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("student_id = ? AND alert_type = ? AND acknowledged = ?", alert.StudentID, alert.AlertType, false).
				First(&existing).Error
			if err == nil {
				return ErrAlertOpen
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Create(alert).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlertOpen):
		return ErrAlertOpen
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrAlertOpen
	}
	return storeUnavailable("create alert", err)
}

func setOpenKey(alert *models.AttendanceAlert) {
	if alert.Acknowledged {
		alert.OpenKey = nil
		return
	}
	key := models.OpenAlertKey(alert.StudentID, alert.AlertType)
	alert.OpenKey = &key
}

func (s *GormStore) UpdateAlert(ctx context.Context, alert *models.AttendanceAlert) error {
	setOpenKey(alert)
	res := s.db.WithContext(ctx).Save(alert)
	if res.Error != nil {
		return storeUnavailable("update alert", res.Error)
	}
	return nil
}

func (s *GormStore) GetAlert(ctx context.Context, id uint) (*models.AttendanceAlert, error) {
	var alert models.AttendanceAlert
	err := s.db.WithContext(ctx).First(&alert, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeUnavailable("get alert", err)
	}
	return &alert, nil
}

func (s *GormStore) ListAlerts(ctx context.Context, f AlertFilter) ([]models.AttendanceAlert, error) {
	q := s.db.WithContext(ctx).Model(&models.AttendanceAlert{})
	if f.StudentID != "" {
		q = q.Where("student_id = ?", f.StudentID)
	}
	if len(f.StudentIDs) > 0 {
		q = q.Where("student_id IN ?", f.StudentIDs)
	}
	if f.ClassID != "" {
		q = q.Where("class_id = ?", f.ClassID)
	}
	if f.AlertType != "" {
		q = q.Where("alert_type = ?", f.AlertType)
	}
	if f.Acknowledged != nil {
		q = q.Where("acknowledged = ?", *f.Acknowledged)
	}
	if !f.From.IsZero() {
		q = q.Where("triggered_date >= ?", utils.FormatDate(f.From))
	}
	if !f.To.IsZero() {
		q = q.Where("triggered_date <= ?", utils.FormatDate(f.To))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []models.AttendanceAlert
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, storeUnavailable("list alerts", err)
	}
	for i := range out {
		out[i].TriggeredDate = utils.DateOnly(out[i].TriggeredDate)
	}
	return out, nil
}
