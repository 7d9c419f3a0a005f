package attendance

import (
	"context"
	"testing"
	"time"

	"attendance_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRecord(t *testing.T) {
	today := mustDate(t, "2025-03-10")
	tests := []struct {
		name    string
		rec     models.AttendanceRecord
		wantErr error
		invalid bool
	}{
		{"valid", record("a", "c1", today, P), nil, false},
		{"yesterday", record("a", "c1", today.AddDate(0, 0, -1), A), nil, false},
		{"tomorrow", record("a", "c1", today.AddDate(0, 0, 1), P), ErrInvalidDate, true},
		{"missing student", record("", "c1", today, P), nil, true},
		{"missing class", record("a", " ", today, P), nil, true},
		{"unknown status", record("a", "c1", today, "sick"), nil, true},
		{"missing date", record("a", "c1", time.Time{}, P), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecord(tt.rec, today)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.invalid, IsValidation(err))
		})
	}
}

func TestMarkAttendanceUpserts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewRecordAdapter(store, quietLogger())
	day := mustDate(t, "2025-03-10")
	t0 := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	rec := record("a", "c1", day, P)
	rec.RecordedAt = t0
	first, err := a.MarkAttendance(ctx, rec, day)
	require.NoError(t, err)

	rec.Status = L
	rec.RecordedAt = t0.Add(time.Minute)
	second, err := a.MarkAttendance(ctx, rec, day)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.Query(ctx, RecordFilter{StudentID: "a", ClassID: "c1", From: day, To: day})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, L, got[0].Status)
}

func TestMarkAttendanceFutureDateStoresNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewRecordAdapter(store, quietLogger())
	today := mustDate(t, "2025-03-10")

	_, err := a.MarkAttendance(ctx, record("a", "c1", today.AddDate(0, 0, 1), P), today)
	assert.ErrorIs(t, err, ErrInvalidDate)

	got, err := store.Query(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMarkAttendanceStaleWriteKeepsNewer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewRecordAdapter(store, quietLogger())
	day := mustDate(t, "2025-03-10")
	t0 := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	newer := record("a", "c1", day, A)
	newer.RecordedAt = t0.Add(time.Hour)
	_, err := a.MarkAttendance(ctx, newer, day)
	require.NoError(t, err)

	stale := record("a", "c1", day, P)
	stale.RecordedAt = t0
	got, err := a.MarkAttendance(ctx, stale, day)
	require.NoError(t, err)
	assert.Equal(t, A, got.Status)

	_, err = store.Upsert(ctx, stale)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkAttendanceBulkIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewRecordAdapter(store, quietLogger())
	today := mustDate(t, "2025-03-10")

	recs := []models.AttendanceRecord{
		record("a", "c1", today, P),
		record("b", "c1", today.AddDate(0, 0, 2), P),
		record("", "c1", today, A),
		record("c", "c1", today, T),
	}
	ok, failed := a.MarkAttendanceBulk(ctx, recs, today)
	assert.Len(t, ok, 2)
	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed[0].Err, ErrInvalidDate)
	assert.True(t, IsValidation(failed[1].Err))

	got, err := store.Query(ctx, RecordFilter{ClassID: "c1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
