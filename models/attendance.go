package models

import "time"

// AttendanceStatus is the status recorded for one student on one day.
type AttendanceStatus string

const (
	StatusPresent        AttendanceStatus = "present"
	StatusAbsent         AttendanceStatus = "absent"
	StatusLate           AttendanceStatus = "late"
	StatusExcused        AttendanceStatus = "excused"
	StatusTardy          AttendanceStatus = "tardy"
	StatusEarlyDeparture AttendanceStatus = "early_departure"
)

// Valid reports whether s is a known status.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused, StatusTardy, StatusEarlyDeparture:
		return true
	default:
		return false
	}
}

// IsLate treats late and tardy as synonyms.
func (s AttendanceStatus) IsLate() bool {
	return s == StatusLate || s == StatusTardy
}

// AttendanceRecord is one status per (student, class, date).
type AttendanceRecord struct {
	BaseModel
	StudentID             string           `json:"student_id" gorm:"size:64;not null;uniqueIndex:idx_attendance_key,priority:1"`
	ClassID               string           `json:"class_id" gorm:"size:64;not null;uniqueIndex:idx_attendance_key,priority:2;index:idx_attendance_class_date,priority:1"`
	AttendanceDate        time.Time        `json:"attendance_date" gorm:"type:date;not null;uniqueIndex:idx_attendance_key,priority:3;index:idx_attendance_class_date,priority:2"`
	Status                AttendanceStatus `json:"status" gorm:"size:20;not null;type:enum('present','absent','late','excused','tardy','early_departure')"`
	CheckInAt             *time.Time       `json:"check_in_at,omitempty"`
	CheckOutAt            *time.Time       `json:"check_out_at,omitempty"`
	Note                  string           `json:"note,omitempty" gorm:"type:text"`
	RecordedBy            uint             `json:"recorded_by"`
	RecordedAt            time.Time        `json:"recorded_at" gorm:"not null"`
	NotificationRequested bool             `json:"notification_requested" gorm:"default:false"`
}

// AlertType enumerates the triggered conditions.
type AlertType string

const (
	AlertConsecutiveAbsences AlertType = "consecutive_absences"
	AlertLatePattern         AlertType = "late_pattern"
	AlertChronicAbsence      AlertType = "chronic_absence"
	AlertSuddenChange        AlertType = "sudden_change"
)

// Severity ranks alerts for notification and UI treatment.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, low first.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AttendanceAlert is a triggered condition awaiting acknowledgement.
type AttendanceAlert struct {
	BaseModel
	StudentID      string     `json:"student_id" gorm:"size:64;not null;index:idx_alert_open,priority:1"`
	ClassID        string     `json:"class_id" gorm:"size:64;index"`
	AlertType      AlertType  `json:"alert_type" gorm:"size:50;not null;index:idx_alert_open,priority:2;type:enum('consecutive_absences','late_pattern','chronic_absence','sudden_change')"`
	Severity       Severity   `json:"severity" gorm:"size:20;not null;type:enum('low','medium','high','critical')"`
	Message        string     `json:"message" gorm:"type:text;not null"`
	TriggeredDate  time.Time  `json:"triggered_date" gorm:"type:date;not null;index"`
	Acknowledged   bool       `json:"acknowledged" gorm:"default:false;index:idx_alert_open,priority:3"`
	AcknowledgedBy *uint      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	// OpenKey is set while the alert is unacknowledged; the unique index keeps
	// one open alert per (student, type). NULLs do not collide.
	OpenKey        *string    `json:"-" gorm:"size:128;uniqueIndex:idx_alert_open_key"`
}

// OpenAlertKey identifies the single open alert allowed per (student, type).
func OpenAlertKey(studentID string, alertType AlertType) string {
	return studentID + "|" + string(alertType)
}
