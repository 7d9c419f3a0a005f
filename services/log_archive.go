package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/storage"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const minArchiveAgeDays = 7

// LogArchiveService flushes cached activity logs and archives old ones to object storage.
type LogArchiveService struct {
	db    *gorm.DB
	redis *redis.Client
	store storage.ObjectStore
	now   func() time.Time
	log   logrus.FieldLogger
}

// ArchivedLog is the exported representation stored inside archives
type ArchivedLog struct {
	ID         uint           `json:"id"`
	UserID     uint           `json:"user_id"`
	Role       string         `json:"role"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	RequestID  string         `json:"request_id"`
	Details    map[string]any `json:"details"`
	IPAddress  string         `json:"ip_address"`
	UserAgent  string         `json:"user_agent"`
	CreatedAt  *time.Time     `json:"created_at"`
}

// NewLogArchiveService accepts a nil redis client or store; the matching job then reports an error.
func NewLogArchiveService(db *gorm.DB, redisClient *redis.Client, store storage.ObjectStore) *LogArchiveService {
	return &LogArchiveService{
		db:    db,
		redis: redisClient,
		store: store,
		now:   time.Now,
		log:   logrus.WithField("component", "log_archive"),
	}
}

// FlushCachedLogsToDatabase moves queued activity logs from Redis to the database.
func (las *LogArchiveService) FlushCachedLogsToDatabase(ctx context.Context) (int, error) {
	if las.redis == nil {
		return 0, errors.New("redis client not available")
	}
	if las.db == nil {
		return 0, errors.New("database not available")
	}

	keys, err := las.redis.ZRangeByScore(ctx, middleware.ActivityLogQueueKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(las.now().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read activity log queue")
	}

	var processed, failed int
	for _, key := range keys {
		raw, err := las.redis.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				// expired before flush; drop the dangling queue entry
				las.redis.ZRem(ctx, middleware.ActivityLogQueueKey, key)
			} else {
				las.log.WithError(err).WithField("key", key).Error("Failed to get cached activity log")
				failed++
			}
			continue
		}

		var activityLog models.ActivityLog
		if err := json.Unmarshal([]byte(raw), &activityLog); err != nil {
			las.log.WithError(err).WithField("key", key).Error("Failed to unmarshal cached activity log")
			failed++
			continue
		}
		if err := las.db.WithContext(ctx).Create(&activityLog).Error; err != nil {
			las.log.WithError(err).WithField("key", key).Error("Failed to save activity log")
			failed++
			continue
		}

		pipe := las.redis.Pipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, middleware.ActivityLogQueueKey, key)
		if _, err := pipe.Exec(ctx); err != nil {
			las.log.WithError(err).WithField("key", key).Warn("Failed to remove flushed log from cache")
		}
		processed++
	}

	las.log.WithFields(logrus.Fields{"flushed": processed, "errors": failed}).Info("Flushed cached activity logs")
	return processed, nil
}

// ArchiveOldLogs uploads logs older than daysOld to object storage and removes them from the database.
func (las *LogArchiveService) ArchiveOldLogs(ctx context.Context, daysOld int) (*models.LogArchive, error) {
	if daysOld < minArchiveAgeDays {
		return nil, errors.Errorf("minimum archive age is %d days", minArchiveAgeDays)
	}
	if las.store == nil {
		return nil, errors.New("object storage not configured")
	}
	if las.db == nil {
		return nil, errors.New("database not available")
	}

	now := las.now()
	cutoff := now.AddDate(0, 0, -daysOld)
	db := las.db.WithContext(ctx)

	var logs []ArchivedLog
	var batch []models.ActivityLog
	err := db.Where("created_at < ?", cutoff).Order("id").FindInBatches(&batch, 1000, func(tx *gorm.DB, _ int) error {
		for _, l := range batch {
			logs = append(logs, toArchived(l))
		}
		return nil
	}).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch logs for archiving")
	}
	if len(logs) == 0 {
		las.log.Info("No activity logs to archive")
		return nil, nil
	}

	fileName := fmt.Sprintf("activity_logs_%s.zip", cutoff.Format("2006-01-02"))
	buf, err := createZipArchive(logs, fileName, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ZIP archive")
	}

	meta := models.LogArchive{
		FileName:    fileName,
		S3Key:       storage.ObjectKey("logs/archived", cutoff, fileName),
		EndDate:     cutoff,
		RecordCount: len(logs),
		FileSize:    int64(buf.Len()),
		Status:      "pending",
	}

	if err := las.store.Put(ctx, meta.S3Key, "application/zip", buf.Bytes()); err != nil {
		meta.Status = "failed"
		meta.Error = err.Error()
		if dbErr := db.Create(&meta).Error; dbErr != nil {
			las.log.WithError(dbErr).Error("Failed to save archive metadata")
		}
		return nil, err
	}

	lastID := logs[len(logs)-1].ID
	res := db.Where("created_at < ? AND id <= ?", cutoff, lastID).Delete(&models.ActivityLog{})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "failed to delete archived logs")
	}

	meta.Status = "completed"
	if err := db.Create(&meta).Error; err != nil {
		las.log.WithError(err).Error("Failed to save archive metadata")
	}

	las.log.WithFields(logrus.Fields{
		"key":     meta.S3Key,
		"records": len(logs),
		"deleted": res.RowsAffected,
	}).Info("Archived activity logs")
	return &meta, nil
}

func toArchived(l models.ActivityLog) ArchivedLog {
	out := ArchivedLog{
		ID:         l.ID,
		UserID:     l.UserID,
		Role:       l.Role,
		Action:     l.Action,
		Resource:   l.Resource,
		ResourceID: l.ResourceID,
		RequestID:  l.RequestID,
		IPAddress:  l.IPAddress,
		UserAgent:  l.UserAgent,
		CreatedAt:  l.CreatedAt,
	}
	if len(l.Details) > 0 {
		var details map[string]any
		if err := json.Unmarshal(l.Details, &details); err == nil {
			out.Details = details
		}
	}
	return out
}

// createZipArchive bundles the logs as JSON and CSV plus a metadata file.
func createZipArchive(logs []ArchivedLog, fileName string, now time.Time) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	logsFile, err := zw.Create("activity_logs.json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create logs file in ZIP")
	}
	enc := json.NewEncoder(logsFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"export_date":    now.UTC(),
		"record_count":   len(logs),
		"format_version": "1.0",
		"logs":           logs,
	}); err != nil {
		return nil, errors.Wrap(err, "failed to encode logs to JSON")
	}

	metaFile, err := zw.Create("metadata.json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metadata file in ZIP")
	}
	if err := json.NewEncoder(metaFile).Encode(map[string]any{
		"file_name":    fileName,
		"created_at":   now.UTC(),
		"record_count": len(logs),
		"date_range": map[string]any{
			"start": logs[0].CreatedAt,
			"end":   logs[len(logs)-1].CreatedAt,
		},
		"schema_version": "1.0",
		"description":    "Attendance service activity logs archive",
	}); err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata to JSON")
	}

	csvFile, err := zw.Create("activity_logs.csv")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CSV file in ZIP")
	}
	w := csv.NewWriter(csvFile)
	_ = w.Write([]string{"ID", "User ID", "Role", "Action", "Resource", "Resource ID", "Request ID", "IP Address", "User Agent", "Created At", "Details"})
	for _, l := range logs {
		details := ""
		if l.Details != nil {
			if b, err := json.Marshal(l.Details); err == nil {
				details = string(b)
			}
		}
		created := ""
		if l.CreatedAt != nil {
			created = l.CreatedAt.Format("2006-01-02 15:04:05")
		}
		_ = w.Write([]string{
			strconv.FormatUint(uint64(l.ID), 10),
			strconv.FormatUint(uint64(l.UserID), 10),
			l.Role, l.Action, l.Resource, l.ResourceID, l.RequestID,
			l.IPAddress, l.UserAgent, created, details,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to write CSV")
	}

	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close ZIP writer")
	}
	return buf, nil
}

// GetArchivedLogs lists archive metadata, newest first.
func (las *LogArchiveService) GetArchivedLogs(ctx context.Context) ([]models.LogArchive, error) {
	var archives []models.LogArchive
	if err := las.db.WithContext(ctx).Order("created_at DESC").Find(&archives).Error; err != nil {
		return nil, errors.Wrap(err, "failed to retrieve archived logs")
	}
	return archives, nil
}

// DownloadArchivedLogs opens a stored archive.
func (las *LogArchiveService) DownloadArchivedLogs(ctx context.Context, archiveID uint) (io.ReadCloser, string, error) {
	if las.store == nil {
		return nil, "", errors.New("object storage not configured")
	}
	var archive models.LogArchive
	if err := las.db.WithContext(ctx).First(&archive, archiveID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", errors.New("archive not found")
		}
		return nil, "", errors.Wrap(err, "failed to retrieve archive")
	}
	reader, err := las.store.Get(ctx, archive.S3Key)
	if err != nil {
		return nil, "", err
	}
	return reader, archive.FileName, nil
}
