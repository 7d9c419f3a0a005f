package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendance_go/models"
	"attendance_go/utils"
)

type recordKey struct {
	studentID string
	classID   string
	date      string
}

func keyOf(r models.AttendanceRecord) recordKey {
	return recordKey{studentID: r.StudentID, classID: r.ClassID, date: utils.FormatDate(r.AttendanceDate)}
}

// MemoryStore is an in-process Store used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]models.AttendanceRecord
	alerts  map[uint]models.AttendanceAlert
	nextRec uint
	nextAl  uint
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]models.AttendanceRecord),
		alerts:  make(map[uint]models.AttendanceAlert),
		now:     time.Now,
	}
}

func (s *MemoryStore) Query(_ context.Context, f RecordFilter) ([]models.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	students := make(map[string]struct{}, len(f.StudentIDs))
	for _, id := range f.StudentIDs {
		students[id] = struct{}{}
	}

	out := make([]models.AttendanceRecord, 0)
	for _, r := range s.records {
		if f.ClassID != "" && r.ClassID != f.ClassID {
			continue
		}
		if f.StudentID != "" && r.StudentID != f.StudentID {
			continue
		}
		if len(students) > 0 {
			if _, ok := students[r.StudentID]; !ok {
				continue
			}
		}
		if !f.From.IsZero() && r.AttendanceDate.Before(utils.DateOnly(f.From)) {
			continue
		}
		if !f.To.IsZero() && r.AttendanceDate.After(utils.DateOnly(f.To)) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AttendanceDate.Equal(out[j].AttendanceDate) {
			return out[i].AttendanceDate.Before(out[j].AttendanceDate)
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec models.AttendanceRecord) (models.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(rec)
}

func (s *MemoryStore) upsertLocked(rec models.AttendanceRecord) (models.AttendanceRecord, error) {
	rec.AttendanceDate = utils.DateOnly(rec.AttendanceDate)
	k := keyOf(rec)
	now := s.now()

	existing, ok := s.records[k]
	if !ok {
		s.nextRec++
		rec.ID = s.nextRec
		rec.CreatedAt = now
		rec.UpdatedAt = now
		s.records[k] = rec
		return rec, nil
	}
	if existing.RecordedAt.After(rec.RecordedAt) {
		return existing, ErrConflict
	}
	rec.BaseModel = existing.BaseModel
	rec.UpdatedAt = now
	s.records[k] = rec
	return rec, nil
}

func (s *MemoryStore) BatchUpsert(_ context.Context, recs []models.AttendanceRecord) []UpsertResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]UpsertResult, len(recs))
	for i, rec := range recs {
		stored, err := s.upsertLocked(rec)
		results[i] = UpsertResult{Record: stored, Err: err}
	}
	return results
}

func (s *MemoryStore) FindOpen(_ context.Context, studentID string, alertType models.AlertType) (*models.AttendanceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.AttendanceAlert
	for _, a := range s.alerts {
		if a.StudentID != studentID || a.AlertType != alertType || a.Acknowledged {
			continue
		}
		if found == nil || a.ID < found.ID {
			cp := a
			found = &cp
		}
	}
	return found, nil
}

func (s *MemoryStore) CreateAlert(_ context.Context, alert *models.AttendanceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !alert.Acknowledged {
		for _, a := range s.alerts {
			if a.StudentID == alert.StudentID && a.AlertType == alert.AlertType && !a.Acknowledged {
				return ErrAlertOpen
			}
		}
	}

	now := s.now()
	s.nextAl++
	alert.ID = s.nextAl
	alert.CreatedAt = now
	alert.UpdatedAt = now
	s.alerts[alert.ID] = *alert
	return nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, alert *models.AttendanceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[alert.ID]; !ok {
		return ErrNotFound
	}
	alert.UpdatedAt = s.now()
	s.alerts[alert.ID] = *alert
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id uint) (*models.AttendanceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]models.AttendanceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	students := make(map[string]struct{}, len(f.StudentIDs))
	for _, id := range f.StudentIDs {
		students[id] = struct{}{}
	}

	out := make([]models.AttendanceAlert, 0)
	for _, a := range s.alerts {
		if f.StudentID != "" && a.StudentID != f.StudentID {
			continue
		}
		if len(students) > 0 {
			if _, ok := students[a.StudentID]; !ok {
				continue
			}
		}
		if f.ClassID != "" && a.ClassID != f.ClassID {
			continue
		}
		if f.AlertType != "" && a.AlertType != f.AlertType {
			continue
		}
		if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
			continue
		}
		if !f.From.IsZero() && a.TriggeredDate.Before(utils.DateOnly(f.From)) {
			continue
		}
		if !f.To.IsZero() && a.TriggeredDate.After(utils.DateOnly(f.To)) {
			continue
		}
		out = append(out, a)
	}
	// newest first, as the gorm store orders them
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
