package models

import (
	"database/sql/driver"
	"time"

	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// JSON field type for GORM
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = append((*j)[0:0], v...)
	}
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return nil
	}
	*j = append((*j)[0:0], data...)
	return nil
}

func (j JSON) IsNull() bool {
	return len(j) == 0 || string(j) == "null"
}

// ActivityLog is the audit trail of mutating API calls.
type ActivityLog struct {
	BaseModel
	UserID     uint   `json:"user_id" gorm:"index"`
	Role       string `json:"role" gorm:"size:50"`
	Action     string `json:"action" gorm:"size:100;not null"`
	Resource   string `json:"resource" gorm:"size:100;not null"`
	ResourceID string `json:"resource_id" gorm:"size:100"`
	Details    JSON   `json:"details" gorm:"type:json"`
	IPAddress  string `json:"ip_address" gorm:"size:45"`
	UserAgent  string `json:"user_agent" gorm:"size:500"`
	RequestID  string `json:"request_id" gorm:"size:64"`
}

// LogArchive tracks activity logs that were moved to object storage.
type LogArchive struct {
	BaseModel
	FileName    string    `json:"file_name" gorm:"size:255;not null"`
	S3Key       string    `json:"s3_key" gorm:"size:500;not null"`
	EndDate     time.Time `json:"end_date" gorm:"not null"`
	RecordCount int       `json:"record_count" gorm:"not null"`
	FileSize    int64     `json:"file_size" gorm:"not null"`
	Status      string    `json:"status" gorm:"size:50;not null;default:'pending';type:enum('pending','completed','failed')"` // pending, completed, failed
	Error       string    `json:"error" gorm:"type:text"`
}

// Notification is the outbox row for an outbound attendance notice.
type Notification struct {
	BaseModel
	ClassID     string     `json:"class_id" gorm:"size:64;index"`
	StudentID   string     `json:"student_id" gorm:"size:64;index"`
	Kind        string     `json:"kind" gorm:"size:50;not null"` // attendance, alert
	Title       string     `json:"title" gorm:"size:255;not null"`
	Message     string     `json:"message" gorm:"type:text;not null"`
	Channels    JSON       `json:"channels" gorm:"type:json"`
	Data        JSON       `json:"data" gorm:"type:json"`
	Delivered   bool       `json:"delivered" gorm:"default:false"`
	DeliveredAt *time.Time `json:"delivered_at"`
	Error       string     `json:"error,omitempty" gorm:"type:text"`
}

// LineGroup is a LINE chat group the bot has joined. ClassID is set once the
// group is bound to a class; alerts for that class are pushed there.
type LineGroup struct {
	BaseModel
	GroupID      string     `json:"group_id" gorm:"size:64;uniqueIndex;not null"`
	GroupName    string     `json:"group_name" gorm:"size:255"`
	ClassID      string     `json:"class_id" gorm:"size:64;index"`
	IsActive     bool       `json:"is_active" gorm:"default:true"`
	LastJoinedAt time.Time  `json:"last_joined_at"`
	LastLeftAt   *time.Time `json:"last_left_at,omitempty"`
}
