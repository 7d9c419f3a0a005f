package attendance

import (
	"math/rand"
	"testing"

	"attendance_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	P = models.StatusPresent
	A = models.StatusAbsent
	L = models.StatusLate
	T = models.StatusTardy
	E = models.StatusExcused
	D = models.StatusEarlyDeparture
)

func TestSummarizeEmpty(t *testing.T) {
	start, end := mustDate(t, "2025-03-01"), mustDate(t, "2025-03-31")
	sum := Summarize("a", start, end, nil)

	assert.Equal(t, 0, sum.TotalDays)
	assert.Equal(t, 0.0, sum.AttendancePercentage)
	assert.Equal(t, 0.0, sum.PunctualityPercentage)
	assert.Equal(t, 0, sum.ConsecutiveAbsences)
	assert.NotNil(t, sum.PatternsDetected)
	assert.Empty(t, sum.PatternsDetected)
	assert.Equal(t, TrendStable, sum.ImprovementTrend)
}

func TestSummarizeCounts(t *testing.T) {
	start := mustDate(t, "2025-03-01")
	recs := series("a", "c1", start, P, A, L, T, E, D, P, P)
	sum := Summarize("a", start, start.AddDate(0, 0, 7), recs)

	assert.Equal(t, 8, sum.TotalDays)
	assert.Equal(t, 3, sum.DaysPresent)
	assert.Equal(t, 1, sum.DaysAbsent)
	assert.Equal(t, 2, sum.DaysLate)
	assert.Equal(t, 1, sum.DaysExcused)
	assert.Equal(t, 1, sum.DaysEarlyDeparture)
	assert.InDelta(t, 37.5, sum.AttendancePercentage, 1e-9)
	// late, tardy and early departure are not punctual
	assert.InDelta(t, 62.5, sum.PunctualityPercentage, 1e-9)
}

func TestSummarizeFiltersStudentAndPeriod(t *testing.T) {
	start := mustDate(t, "2025-03-05")
	end := mustDate(t, "2025-03-07")
	recs := []models.AttendanceRecord{
		record("a", "c1", start.AddDate(0, 0, -1), A),
		record("a", "c1", start, P),
		record("b", "c1", start, A),
		record("a", "c2", end, P),
		record("a", "c1", end.AddDate(0, 0, 1), A),
	}
	sum := Summarize("a", start, end, recs)
	assert.Equal(t, 2, sum.TotalDays)
	assert.Equal(t, 100.0, sum.AttendancePercentage)
}

func TestSummarizeConsecutiveAbsences(t *testing.T) {
	start := mustDate(t, "2025-03-01")
	tests := []struct {
		name     string
		statuses []models.AttendanceStatus
		want     int
	}{
		{"trailing run", []models.AttendanceStatus{P, A, A, A}, 3},
		{"run broken by present", []models.AttendanceStatus{A, A, P}, 0},
		{"excused breaks the run", []models.AttendanceStatus{A, A, E, A}, 1},
		{"all absent", []models.AttendanceStatus{A, A, A, A, A}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := series("a", "c1", start, tt.statuses...)
			sum := Summarize("a", start, start.AddDate(0, 0, len(recs)), recs)
			assert.Equal(t, tt.want, sum.ConsecutiveAbsences)
			assert.LessOrEqual(t, sum.ConsecutiveAbsences, sum.DaysAbsent)
			assert.Equal(t, tt.want >= 3, sum.HasPattern(PatternConsecutiveAbsences))
		})
	}
}

func TestSummarizeUnorderedInput(t *testing.T) {
	start := mustDate(t, "2025-03-01")
	recs := series("a", "c1", start, P, P, A, L, P, A, A)
	want := Summarize("a", start, start.AddDate(0, 0, 6), recs)

	shuffled := append([]models.AttendanceRecord(nil), recs...)
	r := rand.New(rand.NewSource(42))
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	got := Summarize("a", start, start.AddDate(0, 0, 6), shuffled)
	assert.Equal(t, want, got)
	assert.Equal(t, 2, got.ConsecutiveAbsences)
	assert.Equal(t, want, Summarize("a", start, start.AddDate(0, 0, 6), recs))
}

func TestSummarizePatterns(t *testing.T) {
	start := mustDate(t, "2025-03-01")

	t.Run("late pattern at threshold", func(t *testing.T) {
		recs := series("a", "c1", start, P, L, P, P, T, P, P, P)
		sum := Summarize("a", start, start.AddDate(0, 0, 7), recs)
		assert.True(t, sum.HasPattern(PatternLate))
	})

	t.Run("chronic absence", func(t *testing.T) {
		recs := series("a", "c1", start, P, A, P, A, P, A, P, A, P, P)
		sum := Summarize("a", start, start.AddDate(0, 0, 9), recs)
		assert.InDelta(t, 60.0, sum.AttendancePercentage, 1e-9)
		assert.True(t, sum.HasPattern(PatternChronicAbsence))
		assert.False(t, sum.HasPattern(PatternLate))
	})

	t.Run("perfect attendance", func(t *testing.T) {
		recs := series("a", "c1", start, P, P, P, P)
		sum := Summarize("a", start, start.AddDate(0, 0, 3), recs)
		assert.Empty(t, sum.PatternsDetected)
	})
}

func TestSummarizeTrend(t *testing.T) {
	start := mustDate(t, "2025-03-01")
	end := start.AddDate(0, 0, 9)
	tests := []struct {
		name     string
		statuses []models.AttendanceStatus
		want     Trend
	}{
		{"declining", []models.AttendanceStatus{P, P, P, P, P, A, A, A, P, A}, TrendDeclining},
		{"improving", []models.AttendanceStatus{A, A, P, A, A, P, P, P, P, P}, TrendImproving},
		{"stable", []models.AttendanceStatus{P, A, P, A, P, A, P, A, P, P}, TrendStable},
		{"too few records", []models.AttendanceStatus{P, P, A}, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := series("a", "c1", start, tt.statuses...)
			sum := Summarize("a", start, end, recs)
			assert.Equal(t, tt.want, sum.ImprovementTrend)
		})
	}

	t.Run("one half empty", func(t *testing.T) {
		recs := series("a", "c1", start, P, P, A, A)
		sum := Summarize("a", start, end, recs)
		require.Equal(t, 4, sum.TotalDays)
		assert.Equal(t, TrendStable, sum.ImprovementTrend)
	})
}
