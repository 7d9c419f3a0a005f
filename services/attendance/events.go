package attendance

import (
	"context"
	"time"

	"attendance_go/models"
)

// EventType names the realtime events pushed to class viewers.
type EventType string

const (
	EventStatsUpdated      EventType = "stats_updated"
	EventAlertCreated      EventType = "alert_created"
	EventAlertUpdated      EventType = "alert_updated"
	EventAlertAcknowledged EventType = "alert_acknowledged"
	EventBulkCompleted     EventType = "bulk_completed"
)

// Event is the structured payload handed to the notification transport.
type Event struct {
	Type      EventType   `json:"type"`
	ClassID   string      `json:"class_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// BulkCompleted is the payload of a bulk_completed event.
type BulkCompleted struct {
	Date      time.Time `json:"date"`
	Applied   int       `json:"applied"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events to viewers of one class. Delivery is at-most-once.
type Publisher interface {
	Publish(classID string, event Event)
}

// Notifier forwards records flagged for notification and serious alerts to the
// outbound transport. Implementations must not block on delivery.
type Notifier interface {
	NotifyRecords(ctx context.Context, records []models.AttendanceRecord) error
	NotifyAlerts(ctx context.Context, alerts []models.AttendanceAlert) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Event) {}

type nopNotifier struct{}

func (nopNotifier) NotifyRecords(context.Context, []models.AttendanceRecord) error { return nil }
func (nopNotifier) NotifyAlerts(context.Context, []models.AttendanceAlert) error   { return nil }
