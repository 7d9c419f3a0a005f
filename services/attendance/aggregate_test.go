package attendance

import (
	"fmt"
	"testing"

	"attendance_go/models"

	"github.com/stretchr/testify/assert"
)

func TestAggregateDay(t *testing.T) {
	day := mustDate(t, "2025-03-10")

	t.Run("twenty students one absent one late", func(t *testing.T) {
		var recs []models.AttendanceRecord
		for i := 0; i < 20; i++ {
			status := models.StatusPresent
			switch i {
			case 0:
				status = models.StatusAbsent
			case 1:
				status = models.StatusLate
			}
			recs = append(recs, record(fmt.Sprintf("s%02d", i), "c1", day, status))
		}
		agg := AggregateDay("c1", day, recs, nil)
		assert.Equal(t, 20, agg.TotalStudents)
		assert.Equal(t, 18, agg.PresentCount)
		assert.Equal(t, 1, agg.AbsentCount)
		assert.Equal(t, 1, agg.LateCount)
		assert.InDelta(t, 90.0, agg.AttendanceRate, 1e-9)
		assert.False(t, agg.HasAlerts)
	})

	t.Run("empty day", func(t *testing.T) {
		agg := AggregateDay("c1", day, nil, nil)
		assert.Equal(t, 0, agg.TotalStudents)
		assert.Equal(t, 0.0, agg.AttendanceRate)
	})

	t.Run("other classes and dates ignored", func(t *testing.T) {
		recs := []models.AttendanceRecord{
			record("a", "c1", day, models.StatusPresent),
			record("b", "c2", day, models.StatusAbsent),
			record("c", "c1", day.AddDate(0, 0, 1), models.StatusAbsent),
		}
		agg := AggregateDay("c1", day, recs, nil)
		assert.Equal(t, 1, agg.TotalStudents)
		assert.Equal(t, 100.0, agg.AttendanceRate)
	})

	t.Run("late and tardy share a bucket", func(t *testing.T) {
		recs := []models.AttendanceRecord{
			record("a", "c1", day, models.StatusLate),
			record("b", "c1", day, models.StatusTardy),
			record("c", "c1", day, models.StatusExcused),
			record("d", "c1", day, models.StatusEarlyDeparture),
		}
		agg := AggregateDay("c1", day, recs, nil)
		assert.Equal(t, 4, agg.TotalStudents)
		assert.Equal(t, 2, agg.LateCount)
		assert.Equal(t, 0, agg.PresentCount)
		assert.Equal(t, 0, agg.AbsentCount)
	})

	t.Run("has alerts", func(t *testing.T) {
		recs := []models.AttendanceRecord{record("a", "c1", day, models.StatusAbsent)}
		tests := []struct {
			name  string
			alert models.AttendanceAlert
			want  bool
		}{
			{"open alert today", models.AttendanceAlert{StudentID: "a", TriggeredDate: day}, true},
			{"acknowledged", models.AttendanceAlert{StudentID: "a", TriggeredDate: day, Acknowledged: true}, false},
			{"other student", models.AttendanceAlert{StudentID: "z", TriggeredDate: day}, false},
			{"open since earlier day", models.AttendanceAlert{StudentID: "a", TriggeredDate: day.AddDate(0, 0, -2)}, true},
			{"acknowledged earlier day", models.AttendanceAlert{StudentID: "a", TriggeredDate: day.AddDate(0, 0, -2), Acknowledged: true}, false},
			{"triggered after day", models.AttendanceAlert{StudentID: "a", TriggeredDate: day.AddDate(0, 0, 1)}, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				agg := AggregateDay("c1", day, recs, []models.AttendanceAlert{tt.alert})
				assert.Equal(t, tt.want, agg.HasAlerts)
			})
		}
	})
}

func TestAggregateDayBounds(t *testing.T) {
	day := mustDate(t, "2025-03-10")
	statuses := []models.AttendanceStatus{
		models.StatusPresent, models.StatusAbsent, models.StatusLate,
		models.StatusExcused, models.StatusTardy, models.StatusEarlyDeparture,
	}
	for n := 0; n < 30; n++ {
		var recs []models.AttendanceRecord
		for i := 0; i < n; i++ {
			recs = append(recs, record(fmt.Sprintf("s%d", i), "c1", day, statuses[(i*7+n)%len(statuses)]))
		}
		agg := AggregateDay("c1", day, recs, nil)
		assert.LessOrEqual(t, agg.PresentCount+agg.AbsentCount+agg.LateCount, agg.TotalStudents)
		assert.GreaterOrEqual(t, agg.AttendanceRate, 0.0)
		assert.LessOrEqual(t, agg.AttendanceRate, 100.0)
	}
}
