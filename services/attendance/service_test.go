package attendance

import (
	"context"
	"testing"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorPrivileged(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{"owner", true},
		{"admin", true},
		{"teacher", true},
		{"student", false},
		{"parent", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			assert.Equal(t, tt.want, Actor{ID: 1, Role: tt.role}.Privileged())
		})
	}
}

func TestMarkBulkRequiresPrivilege(t *testing.T) {
	f := setup(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), 4)
	_, err := f.svc.MarkBulk(context.Background(), Actor{ID: 9, Role: "student"}, BulkRequest{
		ClassID: "c1",
		Date:    mustDate(t, "2025-03-10"),
		Entries: []BulkEntry{{StudentID: "A", Status: P}},
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, f.publisher.types())
}

func TestAcknowledgeAlert(t *testing.T) {
	ctx := context.Background()
	f := setup(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), 4)
	alert := models.AttendanceAlert{
		StudentID:     "A",
		ClassID:       "c1",
		AlertType:     models.AlertChronicAbsence,
		Severity:      models.SeverityHigh,
		TriggeredDate: mustDate(t, "2025-03-10"),
	}
	require.NoError(t, f.store.CreateAlert(ctx, &alert))

	_, err := f.svc.AcknowledgeAlert(ctx, Actor{ID: 9, Role: "parent"}, alert.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	teacher := Actor{ID: 4, Role: "teacher"}
	got, err := f.svc.AcknowledgeAlert(ctx, teacher, alert.ID)
	require.NoError(t, err)
	assert.True(t, got.Acknowledged)

	again, err := f.svc.AcknowledgeAlert(ctx, teacher, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, got.AcknowledgedAt, again.AcknowledgedAt)
	assert.Equal(t, 1, f.publisher.count(EventAlertAcknowledged))

	_, err = f.svc.AcknowledgeAlert(ctx, teacher, 12345)
	assert.ErrorIs(t, err, ErrNotFound)

	unacked := false
	open, err := f.svc.ListAlerts(ctx, AlertFilter{Acknowledged: &unacked})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGetPeriodSummary(t *testing.T) {
	ctx := context.Background()
	f := setup(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), 4)
	start := mustDate(t, "2025-03-01")
	f.seed(t, series("A", "c1", start, P, P, A, L)...)
	f.seed(t, series("A", "c2", start, P)...)

	sum, err := f.svc.GetPeriodSummary(ctx, "A", start, mustDate(t, "2025-03-04"))
	require.NoError(t, err)
	// records of both classes count toward the student's period
	assert.Equal(t, 5, sum.TotalDays)
	assert.Equal(t, 3, sum.DaysPresent)

	_, err = f.svc.GetPeriodSummary(ctx, "A", mustDate(t, "2025-03-05"), start)
	assert.True(t, IsValidation(err))

	_, err = f.svc.GetPeriodSummary(ctx, "", start, start)
	assert.True(t, IsValidation(err))
}

func TestGetDayAggregateRequiresClass(t *testing.T) {
	f := setup(t, time.Now(), 4)
	_, err := f.svc.GetDayAggregate(context.Background(), "", time.Now())
	assert.True(t, IsValidation(err))
}

func TestSweepAlerts(t *testing.T) {
	ctx := context.Background()
	f := setup(t, time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC), 4)
	f.seed(t, series("A", "c1", mustDate(t, "2025-03-06"), A, A, A, A, A)...)
	f.seed(t, series("B", "c1", mustDate(t, "2025-03-06"), P, P, P, P, P)...)

	res, err := f.svc.SweepAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Students)
	assert.Equal(t, 0, res.Failed)
	assert.Positive(t, res.Created)

	alerts, err := f.svc.ListAlerts(ctx, AlertFilter{StudentID: "A", AlertType: models.AlertConsecutiveAbsences})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)

	none, err := f.svc.ListAlerts(ctx, AlertFilter{StudentID: "B"})
	require.NoError(t, err)
	assert.Empty(t, none)

	second, err := f.svc.SweepAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.NotEmpty(t, f.notifier.alerts)
}

func TestSweepAlertsInvalidatesCachedAggregates(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	f := setupWith(t, time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC), 4, nil, cache)
	teacher := Actor{ID: 4, Role: "teacher"}
	today := mustDate(t, "2025-03-10")

	for d := mustDate(t, "2025-03-08"); !d.After(today); d = d.AddDate(0, 0, 1) {
		_, err := f.svc.MarkOne(ctx, teacher, MarkInput{StudentID: "A", ClassID: "c1", AttendanceDate: d, Status: A})
		require.NoError(t, err)
	}
	alerts, err := f.svc.ListAlerts(ctx, AlertFilter{StudentID: "A"})
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	for _, a := range alerts {
		_, err := f.svc.AcknowledgeAlert(ctx, teacher, a.ID)
		require.NoError(t, err)
	}

	agg, err := f.svc.GetDayAggregate(ctx, "c1", today)
	require.NoError(t, err)
	assert.False(t, agg.HasAlerts)
	require.True(t, cache.has("c1", today))

	res, err := f.svc.SweepAlerts(ctx)
	require.NoError(t, err)
	assert.Positive(t, res.Created)
	for d := mustDate(t, "2025-03-08"); !d.After(today); d = d.AddDate(0, 0, 1) {
		assert.False(t, cache.has("c1", d), utils.FormatDate(d))
	}

	agg, err = f.svc.GetDayAggregate(ctx, "c1", today)
	require.NoError(t, err)
	assert.True(t, agg.HasAlerts)
}

func TestAcknowledgeAlertInvalidatesLaterDays(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	f := setupWith(t, time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC), 4, nil, cache)
	f.seed(t, series("A", "c1", mustDate(t, "2025-03-08"), A, A, A)...)
	f.seed(t, series("A", "c2", mustDate(t, "2025-03-10"), A)...)
	alert := models.AttendanceAlert{
		StudentID:     "A",
		ClassID:       "c1",
		AlertType:     models.AlertConsecutiveAbsences,
		Severity:      models.SeverityMedium,
		TriggeredDate: mustDate(t, "2025-03-09"),
	}
	require.NoError(t, f.store.CreateAlert(ctx, &alert))

	days := []struct {
		classID string
		date    string
		want    bool
	}{
		{"c1", "2025-03-08", false},
		{"c1", "2025-03-09", true},
		{"c1", "2025-03-10", true},
		{"c2", "2025-03-10", true},
	}
	for _, d := range days {
		agg, err := f.svc.GetDayAggregate(ctx, d.classID, mustDate(t, d.date))
		require.NoError(t, err)
		assert.Equal(t, d.want, agg.HasAlerts, d.classID+" "+d.date)
	}

	_, err := f.svc.AcknowledgeAlert(ctx, Actor{ID: 4, Role: "teacher"}, alert.ID)
	require.NoError(t, err)
	for _, d := range days {
		agg, err := f.svc.GetDayAggregate(ctx, d.classID, mustDate(t, d.date))
		require.NoError(t, err)
		assert.False(t, agg.HasAlerts, d.classID+" "+d.date)
	}
}
