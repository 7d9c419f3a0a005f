package database

import (
	"context"
	"net"
	"time"

	"attendance_go/config"
	"attendance_go/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB          *gorm.DB
	RedisClient *redis.Client

	log = logrus.WithField("component", "database")
)

// connectRetries bounds the MySQL dial loop; tunnels often need a few seconds.
const connectRetries = 7

// Connect opens MySQL, migrates the schema unless SKIP_MIGRATE is set and then
// connects Redis.
func Connect() error {
	db, err := openMySQL(config.AppConfig)
	if err != nil {
		return err
	}
	DB = db

	if config.AppConfig.SkipMigrate {
		log.Info("skipping database migration (SKIP_MIGRATE=true)")
	} else if err := AutoMigrate(db); err != nil {
		return err
	}
	ConnectRedis()
	return nil
}

func openMySQL(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Silent
	if cfg.AppEnv == "development" {
		level = logger.Info
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(level), TranslateError: true}

	var db *gorm.DB
	attempt := 0
	dial := func() error {
		attempt++
		var err error
		if db, err = gorm.Open(mysql.Open(cfg.GetDSN()), gormCfg); err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("database connect failed")
		}
		return err
	}
	if err := backoff.Retry(dial, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries)); err != nil {
		return nil, errors.Wrapf(err, "connect database after %d attempts", attempt)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get database handle")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(55 * time.Minute)

	log.WithField("attempts", attempt).Info("database connected")
	return db, nil
}

// Models lists the tables this service owns.
func Models() []any {
	return []any{
		&models.AttendanceRecord{},
		&models.AttendanceAlert{},
		&models.ActivityLog{},
		&models.Notification{},
		&models.LogArchive{},
		&models.LineGroup{},
	}
}

// AutoMigrate creates or alters every table in Models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	log.Info("database migration completed")
	return nil
}

// ConnectRedis pings Redis and leaves RedisClient nil when it is unreachable;
// callers then skip the aggregate cache and write activity logs directly.
func ConnectRedis() {
	cfg := config.AppConfig
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unavailable, continuing without it")
		_ = client.Close()
		RedisClient = nil
		return
	}
	RedisClient = client
	log.Info("redis connected")
}

func GetRedisClient() *redis.Client {
	return RedisClient
}

func GetDB() *gorm.DB {
	return DB
}

// Close releases Redis and the MySQL pool.
func Close() {
	if RedisClient != nil {
		if err := RedisClient.Close(); err != nil {
			log.WithError(err).Warn("closing redis failed")
		}
	}
	if DB == nil {
		return
	}
	sqlDB, err := DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		log.WithError(err).Warn("closing database failed")
		return
	}
	log.Info("database connection closed")
}
