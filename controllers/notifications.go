package controllers

import (
	"strconv"

	"attendance_go/models"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationController exposes the notification outbox: what was sent to
// LINE for flagged marks and serious alerts, and what failed.
type NotificationController struct {
	db *gorm.DB
}

func NewNotificationController(db *gorm.DB) *NotificationController {
	return &NotificationController{db: db}
}

// GetNotifications returns outbox entries, newest first
func (nc *NotificationController) GetNotifications(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	query := nc.db.WithContext(c.UserContext()).Model(&models.Notification{})
	if classID := c.Query("class_id"); classID != "" {
		query = query.Where("class_id = ?", classID)
	}
	if studentID := c.Query("student_id"); studentID != "" {
		query = query.Where("student_id = ?", studentID)
	}
	if kind := c.Query("kind"); kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if delivered := c.Query("delivered"); delivered != "" {
		v, err := strconv.ParseBool(delivered)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "delivered must be true or false",
			})
		}
		query = query.Where("delivered = ?", v)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		logrus.WithError(err).Error("Failed to count notifications")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch notifications",
		})
	}

	var notifications []models.Notification
	if err := query.Order("created_at DESC").
		Offset(offset).Limit(limit).Find(&notifications).Error; err != nil {
		logrus.WithError(err).Error("Failed to fetch notifications")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch notifications",
		})
	}

	return c.JSON(fiber.Map{
		"notifications": notifications,
		"pagination": fiber.Map{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetNotification returns a specific notification
func (nc *NotificationController) GetNotification(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid notification ID",
		})
	}

	var notification models.Notification
	if err := nc.db.WithContext(c.UserContext()).First(&notification, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Notification not found",
			})
		}
		return err
	}

	return c.JSON(fiber.Map{
		"notification": notification,
	})
}

// GetNotificationStats returns delivery counts overall and per kind
func (nc *NotificationController) GetNotificationStats(c *fiber.Ctx) error {
	var stats struct {
		Total     int64            `json:"total"`
		Delivered int64            `json:"delivered"`
		Failed    int64            `json:"failed"`
		ByKind    map[string]int64 `json:"by_kind"`
	}
	db := nc.db.WithContext(c.UserContext())

	if err := db.Model(&models.Notification{}).Count(&stats.Total).Error; err != nil {
		logrus.WithError(err).Error("Failed to count notifications")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch notification stats",
		})
	}
	db.Model(&models.Notification{}).Where("delivered = ?", true).Count(&stats.Delivered)
	db.Model(&models.Notification{}).Where("delivered = ? AND error <> ''", false).Count(&stats.Failed)

	var rows []struct {
		Kind  string
		Count int64
	}
	db.Model(&models.Notification{}).Select("kind, COUNT(*) AS count").Group("kind").Scan(&rows)
	stats.ByKind = make(map[string]int64, len(rows))
	for _, r := range rows {
		stats.ByKind[r.Kind] = r.Count
	}

	return c.JSON(fiber.Map{
		"stats": stats,
	})
}
