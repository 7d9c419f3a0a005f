package controllers

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/services/attendance"
	"attendance_go/utils"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AttendanceController exposes marking, statistics and alert endpoints.
type AttendanceController struct {
	svc      *attendance.Service
	validate *validator.Validate
}

func NewAttendanceController(svc *attendance.Service) *AttendanceController {
	v := validator.New()
	// report json field names instead of Go struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &AttendanceController{svc: svc, validate: v}
}

// MarkRecordRequest is the body of POST /records.
type MarkRecordRequest struct {
	StudentID      string     `json:"student_id" validate:"required,max=64"`
	ClassID        string     `json:"class_id" validate:"required,max=64"`
	AttendanceDate string     `json:"attendance_date" validate:"required,datetime=2006-01-02"`
	Status         string     `json:"status" validate:"required"`
	CheckInAt      *time.Time `json:"check_in_at"`
	CheckOutAt     *time.Time `json:"check_out_at"`
	Note           string     `json:"note" validate:"max=1000"`
	Notify         bool       `json:"notify"`
}

// BulkMarkRequest is the body of POST /records/bulk. Entry statuses are
// checked per entry so one bad entry does not reject the batch.
type BulkMarkRequest struct {
	ClassID string                 `json:"class_id" validate:"required,max=64"`
	Date    string                 `json:"date" validate:"required,datetime=2006-01-02"`
	Notify  bool                   `json:"notify"`
	Entries []attendance.BulkEntry `json:"entries" validate:"required,min=1,max=500"`
}

// BulkMarkResponse wraps the per-student outcome.
type BulkMarkResponse struct {
	attendance.BulkResult
	PartialFailure bool `json:"partial_failure"`
}

func (ac *AttendanceController) bind(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return attendance.NewValidationError(attendance.FieldError{Field: "body", Error: "malformed JSON body"})
	}
	if err := ac.validate.Struct(dst); err != nil {
		return validationFromValidator(err)
	}
	return nil
}

func validationFromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return attendance.NewValidationError(attendance.FieldError{Field: "body", Error: err.Error()})
	}
	fields := make([]attendance.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Tag()
		switch fe.Tag() {
		case "required":
			msg = "this field is required"
		case "datetime":
			msg = "must be a date formatted YYYY-MM-DD"
		case "max":
			msg = "must be at most " + fe.Param()
		case "min":
			msg = "must be at least " + fe.Param()
		}
		fields = append(fields, attendance.FieldError{Field: fe.Field(), Error: msg})
	}
	return attendance.NewValidationError(fields...)
}

func dateParam(field, raw string) (time.Time, error) {
	d, err := utils.ParseDate(raw)
	if err != nil {
		return time.Time{}, attendance.NewValidationError(attendance.FieldError{Field: field, Error: "must be a date formatted YYYY-MM-DD"})
	}
	return d, nil
}

// MarkRecord handles POST /records.
func (ac *AttendanceController) MarkRecord(c *fiber.Ctx) error {
	actor, err := middleware.CurrentActor(c)
	if err != nil {
		return err
	}
	var req MarkRecordRequest
	if err := ac.bind(c, &req); err != nil {
		return respondError(c, err)
	}
	date, err := dateParam("attendance_date", req.AttendanceDate)
	if err != nil {
		return respondError(c, err)
	}

	res, err := ac.svc.MarkOne(c.UserContext(), actor, attendance.MarkInput{
		StudentID:      req.StudentID,
		ClassID:        req.ClassID,
		AttendanceDate: date,
		Status:         models.AttendanceStatus(req.Status),
		CheckInAt:      req.CheckInAt,
		CheckOutAt:     req.CheckOutAt,
		Note:           req.Note,
		Notify:         req.Notify,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// MarkBulk handles POST /records/bulk.
func (ac *AttendanceController) MarkBulk(c *fiber.Ctx) error {
	actor, err := middleware.CurrentActor(c)
	if err != nil {
		return err
	}
	var req BulkMarkRequest
	if err := ac.bind(c, &req); err != nil {
		return respondError(c, err)
	}
	date, err := dateParam("date", req.Date)
	if err != nil {
		return respondError(c, err)
	}

	res, err := ac.svc.MarkBulk(c.UserContext(), actor, attendance.BulkRequest{
		ClassID: req.ClassID,
		Date:    date,
		Entries: req.Entries,
		Notify:  req.Notify,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(BulkMarkResponse{BulkResult: res, PartialFailure: res.PartialFailure()})
}

// GetDayAggregate handles GET /classes/:class_id/days/:date.
func (ac *AttendanceController) GetDayAggregate(c *fiber.Ctx) error {
	date, err := dateParam("date", c.Params("date"))
	if err != nil {
		return respondError(c, err)
	}
	agg, err := ac.svc.GetDayAggregate(c.UserContext(), c.Params("class_id"), date)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(agg)
}

// GetPeriodSummary handles GET /students/:student_id/summary?start=&end=.
func (ac *AttendanceController) GetPeriodSummary(c *fiber.Ctx) error {
	start, err := dateParam("start", c.Query("start"))
	if err != nil {
		return respondError(c, err)
	}
	end, err := dateParam("end", c.Query("end"))
	if err != nil {
		return respondError(c, err)
	}
	summary, err := ac.svc.GetPeriodSummary(c.UserContext(), c.Params("student_id"), start, end)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}

// ListAlerts handles GET /alerts.
func (ac *AttendanceController) ListAlerts(c *fiber.Ctx) error {
	f := attendance.AlertFilter{
		StudentID: c.Query("student_id"),
		ClassID:   c.Query("class_id"),
		AlertType: models.AlertType(c.Query("type")),
	}
	var fields []attendance.FieldError
	if raw := c.Query("acknowledged"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fields = append(fields, attendance.FieldError{Field: "acknowledged", Error: "must be true or false"})
		} else {
			f.Acknowledged = &v
		}
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		d, err := utils.ParseDate(raw)
		if err != nil {
			fields = append(fields, attendance.FieldError{Field: p.name, Error: "must be a date formatted YYYY-MM-DD"})
			continue
		}
		*p.dst = d
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			fields = append(fields, attendance.FieldError{Field: "limit", Error: "must be between 1 and 500"})
		} else {
			f.Limit = n
		}
	}
	if len(fields) > 0 {
		return respondError(c, attendance.NewValidationError(fields...))
	}

	alerts, err := ac.svc.ListAlerts(c.UserContext(), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"alerts": alerts, "count": len(alerts)})
}

// AcknowledgeAlert handles PATCH /alerts/:id/acknowledge.
func (ac *AttendanceController) AcknowledgeAlert(c *fiber.Ctx) error {
	actor, err := middleware.CurrentActor(c)
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return respondError(c, attendance.NewValidationError(attendance.FieldError{Field: "id", Error: "must be a positive integer"}))
	}
	alert, err := ac.svc.AcknowledgeAlert(c.UserContext(), actor, uint(id))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(alert)
}

// respondError maps attendance errors to HTTP responses.
func respondError(c *fiber.Ctx, err error) error {
	var ve *attendance.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "validation failed",
			"fields": ve.Fields,
		})
	case errors.Is(err, attendance.ErrInvalidDate):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, attendance.ErrPermissionDenied):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Insufficient permissions"})
	case errors.Is(err, attendance.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Resource not found"})
	case errors.Is(err, attendance.ErrStoreUnavailable):
		retry := attendance.RetryAfter(err)
		if retry <= 0 {
			retry = attendance.DefaultRetryAfter
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Seconds())))
		logrus.WithError(err).WithField("path", c.Path()).Warn("attendance store unavailable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":       "attendance store unavailable, retry later",
			"retry_after": int(retry.Seconds()),
		})
	}
	return err
}
