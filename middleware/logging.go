package middleware

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"attendance_go/models"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Redis keys shared with the log archive service.
const (
	ActivityLogQueueKey  = "logs:queue"
	activityLogKeyPrefix = "log:"
)

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		logrus.WithFields(logrus.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"duration":   time.Since(start).String(),
			"ip":         c.IP(),
			"user_agent": c.Get("User-Agent"),
			"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
		}).Info("HTTP Request")

		return err
	}
}

// ActivityRecorder writes the audit trail. Entries go to Redis first and
// fall back to the database when Redis is unavailable.
type ActivityRecorder struct {
	db    *gorm.DB
	redis *redis.Client
	save  func(models.ActivityLog) error
}

func NewActivityRecorder(db *gorm.DB, redisClient *redis.Client) *ActivityRecorder {
	r := &ActivityRecorder{db: db, redis: redisClient}
	r.save = r.cacheOrStore
	return r
}

// LogActivity records an action taken by the current user.
func (r *ActivityRecorder) LogActivity(c *fiber.Ctx, action, resource, resourceID string, details interface{}) {
	var userID uint
	var role string
	if claims, err := GetCurrentClaims(c); err == nil {
		userID, role = claims.UserID, claims.Role
	}

	requestID := c.GetRespHeader(fiber.HeaderXRequestID)
	if requestID == "" {
		requestID = c.Get(fiber.HeaderXRequestID)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	activityLog := models.ActivityLog{
		UserID:     userID,
		Role:       role,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		IPAddress:  c.IP(),
		UserAgent:  c.Get("User-Agent"),
		RequestID:  requestID,
	}
	t := time.Now()
	activityLog.CreatedAt = &t

	securityDetails := map[string]interface{}{
		"original_details": details,
		"integrity_hash":   generateIntegrityHash(activityLog),
		"forwarded_for":    c.Get("X-Forwarded-For"),
		"method":           c.Method(),
		"path":             c.Path(),
		"query":            string(c.Request().URI().QueryString()),
		"status_code":      c.Response().StatusCode(),
		"timestamp_utc":    t.UTC().Unix(),
	}
	if b, err := json.Marshal(securityDetails); err == nil {
		activityLog.Details = b
	}

	go func(al models.ActivityLog) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.WithField("panic", rec).Error("panic recovered in LogActivity goroutine")
			}
		}()
		if err := r.save(al); err != nil {
			logrus.WithError(err).Error("Failed to record activity log")
		}
	}(activityLog)
}

func (r *ActivityRecorder) cacheOrStore(al models.ActivityLog) error {
	err := cacheActivityLog(context.Background(), r.redis, al)
	if err == nil {
		return nil
	}
	logrus.WithError(err).Debug("activity log cache unavailable, saving directly to database")
	if r.db == nil {
		return errors.New("no database available for activity log")
	}
	return r.db.Create(&al).Error
}

// generateIntegrityHash creates a hash for tamper detection
func generateIntegrityHash(log models.ActivityLog) string {
	createdAtStr := ""
	if log.CreatedAt != nil {
		createdAtStr = log.CreatedAt.Format(time.RFC3339)
	}
	data := fmt.Sprintf("%d:%s:%s:%s:%s:%s:%s",
		log.UserID,
		log.Action,
		log.Resource,
		log.ResourceID,
		log.IPAddress,
		log.UserAgent,
		createdAtStr,
	)
	return fmt.Sprintf("%x", md5.Sum([]byte(data)))
}

// cacheActivityLog stores activity log in Redis with 24-hour TTL
func cacheActivityLog(ctx context.Context, client *redis.Client, log models.ActivityLog) error {
	if client == nil {
		return errors.New("redis client is nil")
	}

	logData, err := json.Marshal(log)
	if err != nil {
		return errors.Wrap(err, "failed to marshal log")
	}

	cacheKey := activityLogKeyPrefix + log.RequestID
	if err := client.Set(ctx, cacheKey, logData, 24*time.Hour).Err(); err != nil {
		return errors.Wrap(err, "failed to cache log")
	}

	// Also add to a sorted set for efficient batch processing
	if err := client.ZAdd(ctx, ActivityLogQueueKey, &redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: cacheKey,
	}).Err(); err != nil {
		logrus.WithError(err).Error("Failed to add log to processing queue")
	}
	return nil
}

// actionFor maps an HTTP method to an audit action.
func actionFor(method string) string {
	switch method {
	case fiber.MethodPost:
		return "CREATE"
	case fiber.MethodPut, fiber.MethodPatch:
		return "UPDATE"
	case fiber.MethodDelete:
		return "DELETE"
	}
	return ""
}

// resourceFor turns "/api/attendance/alerts/:id/acknowledge" into
// "attendance/alerts", skipping the api prefix and route parameters.
func resourceFor(routePath string) string {
	parts := strings.Split(strings.Trim(routePath, "/"), "/")
	out := make([]string, 0, 2)
	for i, p := range parts {
		if i == 0 && p == "api" {
			continue
		}
		if p == "" || strings.HasPrefix(p, ":") {
			break
		}
		out = append(out, p)
		if len(out) == 2 {
			break
		}
	}
	return strings.Join(out, "/")
}

// LogActivityMiddleware automatically logs mutating requests that succeed.
func LogActivityMiddleware(r *ActivityRecorder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		action := actionFor(c.Method())
		if action == "" || strings.Contains(c.Path(), "/webhook") {
			return c.Next()
		}

		err := c.Next()
		if err != nil || c.Response().StatusCode() >= 400 {
			return err
		}

		routePath := c.Path()
		if rt := c.Route(); rt != nil && rt.Path != "" && rt.Path != "/" {
			routePath = rt.Path
		}
		resourceID := c.Params("id")
		if resourceID == "" {
			resourceID = c.Params("class_id")
		}
		r.LogActivity(c, action, resourceFor(routePath), resourceID, nil)
		return nil
	}
}
