package services

import (
	"context"
	"regexp"
	"strings"
	"time"

	"attendance_go/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var spaces = regexp.MustCompile(`\s+`)

// normalizeName lowercases, trims and collapses whitespace so names compare equal.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return spaces.ReplaceAllString(s, " ")
}

// bindPrefix is the chat command that binds a group to a class, e.g. "/bind 7A".
const bindPrefix = "/bind "

// ParseBindCommand extracts the class id from a bind command.
func ParseBindCommand(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if len(t) <= len(bindPrefix) || !strings.EqualFold(t[:len(bindPrefix)], bindPrefix) {
		return "", false
	}
	classID := strings.TrimSpace(t[len(bindPrefix):])
	if classID == "" || strings.ContainsAny(classID, " \t\n") {
		return "", false
	}
	return classID, true
}

// LineGroupMatcher keeps track of LINE groups and which class each one serves.
type LineGroupMatcher struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

func NewLineGroupMatcher(db *gorm.DB) *LineGroupMatcher {
	return &LineGroupMatcher{db: db, log: logrus.WithField("component", "line_groups")}
}

// Joined records that the bot entered a group. A group whose name matches a
// class seen in attendance records is bound to it.
func (m *LineGroupMatcher) Joined(ctx context.Context, groupID, groupName string) error {
	db := m.db.WithContext(ctx)
	var lg models.LineGroup
	err := db.Where("group_id = ?", groupID).First(&lg).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		lg = models.LineGroup{GroupID: groupID}
	default:
		return errors.Wrap(err, "failed to load line group")
	}

	lg.GroupName = groupName
	lg.IsActive = true
	lg.LastJoinedAt = time.Now()
	lg.LastLeftAt = nil
	if lg.ClassID == "" {
		lg.ClassID = m.matchClass(ctx, groupName)
	}
	if err := db.Save(&lg).Error; err != nil {
		return errors.Wrap(err, "failed to save line group")
	}
	m.log.WithFields(logrus.Fields{"group_id": groupID, "group_name": groupName, "class_id": lg.ClassID}).Info("bot joined LINE group")
	return nil
}

// Left marks a group inactive.
func (m *LineGroupMatcher) Left(ctx context.Context, groupID string) error {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&models.LineGroup{}).
		Where("group_id = ?", groupID).
		Updates(map[string]interface{}{"is_active": false, "last_left_at": &now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update line group")
	}
	if res.RowsAffected == 0 {
		m.log.WithField("group_id", groupID).Warn("leave event for unknown LINE group")
	}
	return nil
}

// Bind ties a group to a class explicitly.
func (m *LineGroupMatcher) Bind(ctx context.Context, groupID, classID string) error {
	res := m.db.WithContext(ctx).Model(&models.LineGroup{}).
		Where("group_id = ?", groupID).
		Update("class_id", classID)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to bind line group")
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("line group %s is not registered", groupID)
	}
	m.log.WithFields(logrus.Fields{"group_id": groupID, "class_id": classID}).Info("LINE group bound to class")
	return nil
}

// GroupForClass returns the active group bound to classID, or "".
func (m *LineGroupMatcher) GroupForClass(classID string) string {
	var lg models.LineGroup
	err := m.db.Where("class_id = ? AND is_active = ?", classID, true).
		Order("last_joined_at DESC").
		First(&lg).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			m.log.WithError(err).Warn("LINE group lookup failed")
		}
		return ""
	}
	return lg.GroupID
}

// matchClass compares the group name against known class ids.
func (m *LineGroupMatcher) matchClass(ctx context.Context, groupName string) string {
	var classIDs []string
	if err := m.db.WithContext(ctx).Model(&models.AttendanceRecord{}).Distinct().Pluck("class_id", &classIDs).Error; err != nil {
		m.log.WithError(err).Warn("failed to list classes for LINE group matching")
		return ""
	}
	return matchClassName(groupName, classIDs)
}

func matchClassName(groupName string, classIDs []string) string {
	clean := normalizeName(groupName)
	for _, id := range classIDs {
		if normalizeName(id) == clean {
			return id
		}
	}
	return ""
}
