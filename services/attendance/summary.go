package attendance

import (
	"sort"
	"time"

	"attendance_go/models"
	"attendance_go/utils"
)

// Trend classifies second-half versus first-half attendance within a period.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Pattern tags reported in PeriodSummary.PatternsDetected.
const (
	PatternConsecutiveAbsences = string(models.AlertConsecutiveAbsences)
	PatternLate                = string(models.AlertLatePattern)
	PatternChronicAbsence      = string(models.AlertChronicAbsence)
)

// PeriodSummary is computed fresh from the ordered record sequence of one student.
type PeriodSummary struct {
	StudentID             string    `json:"student_id"`
	PeriodStart           time.Time `json:"period_start"`
	PeriodEnd             time.Time `json:"period_end"`
	TotalDays             int       `json:"total_days"`
	DaysPresent           int       `json:"days_present"`
	DaysAbsent            int       `json:"days_absent"`
	DaysLate              int       `json:"days_late"`
	DaysExcused           int       `json:"days_excused"`
	DaysEarlyDeparture    int       `json:"days_early_departure"`
	AttendancePercentage  float64   `json:"attendance_percentage"`
	PunctualityPercentage float64   `json:"punctuality_percentage"`
	ConsecutiveAbsences   int       `json:"consecutive_absences"`
	PatternsDetected      []string  `json:"patterns_detected"`
	ImprovementTrend      Trend     `json:"improvement_trend"`
}

// HasPattern reports whether tag was detected.
func (s PeriodSummary) HasPattern(tag string) bool {
	for _, p := range s.PatternsDetected {
		if p == tag {
			return true
		}
	}
	return false
}

// Summarize uses DefaultThresholds.
func Summarize(studentID string, periodStart, periodEnd time.Time, records []models.AttendanceRecord) PeriodSummary {
	return DefaultThresholds().Summarize(studentID, periodStart, periodEnd, records)
}

// Summarize filters records to the student and the inclusive period, sorts them
// by date and derives the summary. It has no side effects.
func (t Thresholds) Summarize(studentID string, periodStart, periodEnd time.Time, records []models.AttendanceRecord) PeriodSummary {
	start, end := utils.DateOnly(periodStart), utils.DateOnly(periodEnd)
	sum := PeriodSummary{
		StudentID:        studentID,
		PeriodStart:      start,
		PeriodEnd:        end,
		PatternsDetected: []string{},
		ImprovementTrend: TrendStable,
	}

	seq := make([]models.AttendanceRecord, 0, len(records))
	for _, r := range records {
		d := utils.DateOnly(r.AttendanceDate)
		if r.StudentID != studentID || d.Before(start) || d.After(end) {
			continue
		}
		seq = append(seq, r)
	}
	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].AttendanceDate.Before(seq[j].AttendanceDate)
	})

	sum.TotalDays = len(seq)
	if sum.TotalDays == 0 {
		return sum
	}

	unpunctual := 0
	for _, r := range seq {
		switch {
		case r.Status == models.StatusPresent:
			sum.DaysPresent++
		case r.Status == models.StatusAbsent:
			sum.DaysAbsent++
		case r.Status.IsLate():
			sum.DaysLate++
		case r.Status == models.StatusExcused:
			sum.DaysExcused++
		case r.Status == models.StatusEarlyDeparture:
			sum.DaysEarlyDeparture++
		}
		if r.Status.IsLate() || r.Status == models.StatusEarlyDeparture {
			unpunctual++
		}
	}

	total := float64(sum.TotalDays)
	sum.AttendancePercentage = float64(sum.DaysPresent) / total * 100
	sum.PunctualityPercentage = float64(sum.TotalDays-unpunctual) / total * 100
	sum.ConsecutiveAbsences = currentAbsenceRun(seq)
	sum.ImprovementTrend = t.trend(seq, start, end)

	if sum.ConsecutiveAbsences >= t.ConsecutiveAbsenceMedium {
		sum.PatternsDetected = append(sum.PatternsDetected, PatternConsecutiveAbsences)
	}
	if float64(sum.DaysLate)/total >= t.LateRatio {
		sum.PatternsDetected = append(sum.PatternsDetected, PatternLate)
	}
	if sum.AttendancePercentage < t.ChronicAttendancePercent {
		sum.PatternsDetected = append(sum.PatternsDetected, PatternChronicAbsence)
	}
	return sum
}

// currentAbsenceRun counts absent records backward from the most recent one.
func currentAbsenceRun(seq []models.AttendanceRecord) int {
	run := 0
	for i := len(seq) - 1; i >= 0; i-- {
		if seq[i].Status != models.StatusAbsent {
			break
		}
		run++
	}
	return run
}

// trend splits the period at its middle day; records on the middle day belong
// to the earlier half.
func (t Thresholds) trend(seq []models.AttendanceRecord, start, end time.Time) Trend {
	if len(seq) < t.MinTrendRecords {
		return TrendStable
	}

	span := int(end.Sub(start).Hours() / 24)
	mid := start.AddDate(0, 0, span/2)

	var firstTotal, firstPresent, secondTotal, secondPresent int
	for _, r := range seq {
		present := 0
		if r.Status == models.StatusPresent {
			present = 1
		}
		if !utils.DateOnly(r.AttendanceDate).After(mid) {
			firstTotal++
			firstPresent += present
		} else {
			secondTotal++
			secondPresent += present
		}
	}
	if firstTotal == 0 || secondTotal == 0 {
		return TrendStable
	}

	first := float64(firstPresent) / float64(firstTotal) * 100
	second := float64(secondPresent) / float64(secondTotal) * 100
	switch {
	case second-first > t.TrendMargin:
		return TrendImproving
	case first-second > t.TrendMargin:
		return TrendDeclining
	default:
		return TrendStable
	}
}
