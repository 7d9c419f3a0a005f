package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/services/attendance"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// failingStore reports every read and write as unavailable.
type failingStore struct {
	*attendance.MemoryStore
}

func (failingStore) Query(context.Context, attendance.RecordFilter) ([]models.AttendanceRecord, error) {
	return nil, &attendance.StoreError{Op: "query", Err: errors.New("connection refused"), RetryAfter: 7 * time.Second}
}

func newTestApp(t *testing.T, store attendance.Store) *fiber.App {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	svc := attendance.NewService(store, attendance.DefaultThresholds(), attendance.CoordinatorOptions{
		Now: func() time.Time { return testNow },
		Log: log,
	})
	ac := NewAttendanceController(svc)

	app := fiber.New()
	// X-Role stands in for a verified token.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("claims", &middleware.Claims{UserID: 1, Role: c.Get("X-Role", "teacher")})
		return c.Next()
	})
	g := app.Group("/api/attendance")
	g.Post("/records", ac.MarkRecord)
	g.Post("/records/bulk", ac.MarkBulk)
	g.Get("/classes/:class_id/days/:date", ac.GetDayAggregate)
	g.Get("/students/:student_id/summary", ac.GetPeriodSummary)
	g.Get("/alerts", ac.ListAlerts)
	g.Patch("/alerts/:id/acknowledge", ac.AcknowledgeAlert)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body, role string, out interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Role", role)
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type errorBody struct {
	Error      string                  `json:"error"`
	Fields     []attendance.FieldError `json:"fields"`
	RetryAfter int                     `json:"retry_after"`
}

func TestMarkRecordEndpoint(t *testing.T) {
	app := newTestApp(t, attendance.NewMemoryStore())

	var res attendance.MarkResult
	resp := doJSON(t, app, "POST", "/api/attendance/records",
		`{"student_id":"s1","class_id":"c1","attendance_date":"2025-03-14","status":"late","note":"bus"}`, "student", &res)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, models.StatusLate, res.Record.Status)
	require.NotNil(t, res.Aggregate)
	assert.Equal(t, 1, res.Aggregate.LateCount)

	resp = doJSON(t, app, "POST", "/api/attendance/records",
		`{"student_id":"s2","class_id":"c1","attendance_date":"2025-03-14","status":"present"}`, "", nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var agg attendance.DayAggregate
	resp = doJSON(t, app, "GET", "/api/attendance/classes/c1/days/2025-03-14", "", "", &agg)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, agg.TotalStudents)
	assert.Equal(t, 1, agg.LateCount)
	assert.Equal(t, 50.0, agg.AttendanceRate)

	resp = doJSON(t, app, "GET", "/api/attendance/classes/c1/days/yesterday", "", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMarkRecordValidation(t *testing.T) {
	app := newTestApp(t, attendance.NewMemoryStore())

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing student", `{"class_id":"c1","attendance_date":"2025-03-14","status":"present"}`, "student_id"},
		{"bad date", `{"student_id":"s1","class_id":"c1","attendance_date":"14/03/2025","status":"present"}`, "attendance_date"},
		{"unknown status", `{"student_id":"s1","class_id":"c1","attendance_date":"2025-03-14","status":"sick"}`, "status"},
		{"malformed", `{"student_id":`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			resp := doJSON(t, app, "POST", "/api/attendance/records", tt.body, "", &body)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			require.NotEmpty(t, body.Fields)
			var names []string
			for _, f := range body.Fields {
				names = append(names, f.Field)
			}
			assert.Contains(t, names, tt.field)
		})
	}

	var body errorBody
	resp := doJSON(t, app, "POST", "/api/attendance/records",
		`{"student_id":"s1","class_id":"c1","attendance_date":"2025-03-15","status":"present"}`, "", &body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Error, "future")
}

func TestMarkBulkEndpoint(t *testing.T) {
	app := newTestApp(t, attendance.NewMemoryStore())
	payload := `{"class_id":"c1","date":"2025-03-14","entries":[
		{"student_id":"s1","status":"present"},
		{"student_id":"s2","status":"absent"},
		{"student_id":"s3","status":"sick"}
	]}`

	resp := doJSON(t, app, "POST", "/api/attendance/records/bulk", payload, "student", nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	var res BulkMarkResponse
	resp = doJSON(t, app, "POST", "/api/attendance/records/bulk", payload, "teacher", &res)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, res.PartialFailure)
	assert.Len(t, res.Applied, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "s3", res.Failed[0].StudentID)
	assert.Equal(t, "validation", res.Failed[0].Code)
	require.NotNil(t, res.Aggregate)
	assert.Equal(t, 2, res.Aggregate.TotalStudents)

	var body errorBody
	resp = doJSON(t, app, "POST", "/api/attendance/records/bulk", `{"class_id":"c1","date":"2025-03-14","entries":[]}`, "teacher", &body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "entries", body.Fields[0].Field)
}

func TestSummaryAndAlertEndpoints(t *testing.T) {
	app := newTestApp(t, attendance.NewMemoryStore())
	for day := 10; day <= 14; day++ {
		body := `{"student_id":"s1","class_id":"c1","attendance_date":"` + fmt.Sprintf("2025-03-%02d", day) + `","status":"absent"}`
		resp := doJSON(t, app, "POST", "/api/attendance/records", body, "", nil)
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	var summary attendance.PeriodSummary
	resp := doJSON(t, app, "GET", "/api/attendance/students/s1/summary?start=2025-03-01&end=2025-03-14", "", "", &summary)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, summary.DaysAbsent)
	assert.Equal(t, 5, summary.ConsecutiveAbsences)

	resp = doJSON(t, app, "GET", "/api/attendance/students/s1/summary?start=2025-03-14&end=2025-03-01", "", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var list struct {
		Alerts []models.AttendanceAlert `json:"alerts"`
		Count  int                      `json:"count"`
	}
	resp = doJSON(t, app, "GET", "/api/attendance/alerts?student_id=s1&acknowledged=false&type=consecutive_absences", "", "", &list)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, 1, list.Count)
	alert := list.Alerts[0]
	assert.Equal(t, models.SeverityCritical, alert.Severity)

	resp = doJSON(t, app, "GET", "/api/attendance/alerts?acknowledged=maybe", "", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	path := fmt.Sprintf("/api/attendance/alerts/%d/acknowledge", alert.ID)
	resp = doJSON(t, app, "PATCH", path, "", "parent", nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	var acked models.AttendanceAlert
	resp = doJSON(t, app, "PATCH", path, "", "admin", &acked)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, acked.Acknowledged)

	resp = doJSON(t, app, "PATCH", "/api/attendance/alerts/9999/acknowledge", "", "admin", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, app, "PATCH", "/api/attendance/alerts/abc/acknowledge", "", "admin", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	app := newTestApp(t, failingStore{attendance.NewMemoryStore()})

	var body errorBody
	resp := doJSON(t, app, "GET", "/api/attendance/classes/c1/days/2025-03-14", "", "", &body)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "7", resp.Header.Get("Retry-After"))
	assert.Equal(t, 7, body.RetryAfter)
}
