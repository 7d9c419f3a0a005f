package attendance

import (
	"context"
	"time"

	"attendance_go/models"
)

// RecordFilter selects attendance records. Zero fields are ignored; dates are inclusive.
type RecordFilter struct {
	ClassID    string
	StudentID  string
	StudentIDs []string
	From       time.Time
	To         time.Time
}

// UpsertResult is the per-record outcome of a batch upsert.
type UpsertResult struct {
	Record models.AttendanceRecord
	Err    error
}

// RecordStore is the persistence boundary for attendance records.
// Every write is keyed by (student_id, class_id, attendance_date).
type RecordStore interface {
	Query(ctx context.Context, filter RecordFilter) ([]models.AttendanceRecord, error)
	Upsert(ctx context.Context, rec models.AttendanceRecord) (models.AttendanceRecord, error)
	BatchUpsert(ctx context.Context, recs []models.AttendanceRecord) []UpsertResult
}

// AlertFilter selects alerts. Date range applies to triggered_date and is inclusive.
type AlertFilter struct {
	StudentID    string
	StudentIDs   []string
	ClassID      string
	AlertType    models.AlertType
	Acknowledged *bool
	From         time.Time
	To           time.Time
	Limit        int
}

// AlertStore persists alerts owned by the Evaluator.
type AlertStore interface {
	FindOpen(ctx context.Context, studentID string, alertType models.AlertType) (*models.AttendanceAlert, error)
	CreateAlert(ctx context.Context, alert *models.AttendanceAlert) error
	UpdateAlert(ctx context.Context, alert *models.AttendanceAlert) error
	GetAlert(ctx context.Context, id uint) (*models.AttendanceAlert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.AttendanceAlert, error)
}

// Store is implemented by GormStore and MemoryStore.
type Store interface {
	RecordStore
	AlertStore
}
