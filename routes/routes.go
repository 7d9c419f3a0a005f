package routes

import (
	"attendance_go/controllers"
	"attendance_go/handlers"
	"attendance_go/middleware"

	"github.com/gofiber/fiber/v2"
)

// Deps carries the controllers mounted by SetupRoutes. Logs, Notifications
// and Webhook may be nil when the database or LINE integration is not configured.
type Deps struct {
	Attendance    *controllers.AttendanceController
	WebSocket     *controllers.WebSocketController
	Health        *controllers.HealthController
	Logs          *controllers.LogController
	Notifications *controllers.NotificationController
	Webhook       *handlers.LineWebhookHandler
	Recorder      *middleware.ActivityRecorder
}

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/health", d.Health.GetHealthStatus)

	// Protected routes (require authentication)
	api := app.Group("/api", middleware.JWTMiddleware())
	if d.Recorder != nil {
		api.Use(middleware.LogActivityMiddleware(d.Recorder))
	}

	att := api.Group("/attendance")
	att.Post("/records", d.Attendance.MarkRecord)
	att.Post("/records/bulk", d.Attendance.MarkBulk)
	att.Get("/classes/:class_id/days/:date", d.Attendance.GetDayAggregate)
	att.Get("/students/:student_id/summary", d.Attendance.GetPeriodSummary)
	att.Get("/alerts", d.Attendance.ListAlerts)
	att.Patch("/alerts/:id/acknowledge", d.Attendance.AcknowledgeAlert)

	ownerOrAdmin := middleware.RequireRole("owner", "admin")
	api.Get("/ws/stats", middleware.RequireTeacherOrAbove(), d.WebSocket.GetWebSocketStats)

	// Log management routes (Admin/Owner only)
	if d.Logs != nil {
		logs := api.Group("/logs", ownerOrAdmin)
		logs.Get("/", d.Logs.GetLogs)
		logs.Post("/flush-cache", d.Logs.FlushCachedLogs)
		logs.Get("/archives", d.Logs.GetArchives)
		logs.Get("/archives/:id/download", d.Logs.DownloadArchive)
	}

	// Notification outbox (Teacher and above)
	if d.Notifications != nil {
		notifications := api.Group("/notifications", middleware.RequireTeacherOrAbove())
		notifications.Get("/", d.Notifications.GetNotifications)
		notifications.Get("/stats", d.Notifications.GetNotificationStats)
		notifications.Get("/:id", d.Notifications.GetNotification)
	}

	// WebSocket connection endpoint; the token travels in the query string
	app.Get("/ws", d.WebSocket.Upgrade, d.WebSocket.WebSocketHandler())

	if d.Webhook != nil {
		app.Post("/line/webhook", d.Webhook.Handle)
		// GET lets operators check the endpoint from a browser
		app.Get("/line/webhook", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{
				"status":  "ok",
				"message": "LINE webhook endpoint ready (use POST for real events)",
			})
		})
	}
}
