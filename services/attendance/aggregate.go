package attendance

import (
	"time"

	"attendance_go/models"
	"attendance_go/utils"
)

// DayAggregate is the class-day roll-up. It is derived, never stored as a row.
type DayAggregate struct {
	ClassID        string    `json:"class_id"`
	Date           time.Time `json:"date"`
	TotalStudents  int       `json:"total_students"`
	PresentCount   int       `json:"present_count"`
	AbsentCount    int       `json:"absent_count"`
	LateCount      int       `json:"late_count"`
	AttendanceRate float64   `json:"attendance_rate"`
	HasAlerts      bool      `json:"has_alerts"`
}

// AggregateDay folds the records matching (classID, date) into a DayAggregate.
// Records for other classes or dates are ignored. Excused and early_departure
// count toward the total only. HasAlerts is set when a student in the day's
// record set has an unacknowledged alert triggered on or before the day.
func AggregateDay(classID string, date time.Time, records []models.AttendanceRecord, openAlerts []models.AttendanceAlert) DayAggregate {
	day := utils.DateOnly(date)
	agg := DayAggregate{ClassID: classID, Date: day}

	students := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.ClassID != classID || !utils.DateOnly(r.AttendanceDate).Equal(day) {
			continue
		}
		students[r.StudentID] = struct{}{}
		agg.TotalStudents++
		switch {
		case r.Status == models.StatusPresent:
			agg.PresentCount++
		case r.Status == models.StatusAbsent:
			agg.AbsentCount++
		case r.Status.IsLate():
			agg.LateCount++
		}
	}

	if agg.TotalStudents > 0 {
		agg.AttendanceRate = float64(agg.PresentCount) / float64(agg.TotalStudents) * 100
	}

	for _, a := range openAlerts {
		if a.Acknowledged || utils.DateOnly(a.TriggeredDate).After(day) {
			continue
		}
		if _, ok := students[a.StudentID]; ok {
			agg.HasAlerts = true
			break
		}
	}
	return agg
}
