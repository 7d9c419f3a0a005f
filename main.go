package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"attendance_go/config"
	"attendance_go/controllers"
	"attendance_go/database"
	"attendance_go/handlers"
	"attendance_go/middleware"
	"attendance_go/routes"
	"attendance_go/services"
	"attendance_go/services/attendance"
	"attendance_go/services/notifications"
	"attendance_go/services/websocket"
	"attendance_go/storage"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	serviceName    = "Attendance API"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	// Initialize logging
	setupLogging(cfg)

	var db *gorm.DB
	var store attendance.Store
	if cfg.StoreDriver == "mysql" {
		if err := database.Connect(); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}
		db = database.GetDB()
		store = attendance.NewGormStore(db)
	} else {
		database.ConnectRedis()
		store = attendance.NewMemoryStore()
		log.Println("Using in-memory attendance store; records are lost on restart")
	}
	redisClient := database.GetRedisClient()

	thresholds, err := attendance.LoadThresholds(cfg.AlertPolicyFile)
	if err != nil {
		log.Fatal("Invalid alert policy: ", err)
	}

	// Create WebSocket hub first
	wsHub := websocket.NewHub(logrus.WithField("component", "ws_hub"))
	go wsHub.Run()

	lineService, err := services.NewLineMessagingService(cfg.LineChannelSecret, cfg.LineChannelToken)
	if err != nil {
		log.Fatal("Failed to initialise LINE client: ", err)
	}

	notifOpts := notifications.Options{
		Redis:        redisClient,
		UseRedis:     cfg.UseRedisNotifications,
		DefaultGroup: cfg.LineDefaultGroup,
		ClassGroups:  cfg.LineClassGroups,
		Log:          logrus.WithField("component", "notifications"),
	}
	if lineService.Enabled() {
		notifOpts.Sender = lineService
	}
	var outbox notifications.Outbox
	var groupMatcher *services.LineGroupMatcher
	if db != nil {
		outbox = notifications.NewGormOutbox(db)
		groupMatcher = services.NewLineGroupMatcher(db)
		notifOpts.Resolver = groupMatcher
	}
	notifService := notifications.NewService(outbox, notifOpts)
	stopNotif := make(chan struct{})
	notifService.StartWorker(stopNotif)

	attendanceService := attendance.NewService(store, thresholds, attendance.CoordinatorOptions{
		Publisher:   wsHub,
		Notifier:    notifService,
		Cache:       attendance.NewRedisAggregateCache(redisClient, cfg.AggregateCacheTTL, logrus.WithField("component", "aggregate_cache")),
		Concurrency: cfg.BulkConcurrency,
		Log:         logrus.WithField("component", "attendance"),
	})

	var logArchive *services.LogArchiveService
	var recorder *middleware.ActivityRecorder
	archiveEnabled := false
	if db != nil {
		var objects storage.ObjectStore
		if cfg.S3BucketName != "" {
			s3Store, err := storage.NewS3Store(context.Background(), storage.S3Config{
				Region:          cfg.AWSRegion,
				Bucket:          cfg.S3BucketName,
				AccessKeyID:     cfg.AWSAccessKeyID,
				SecretAccessKey: cfg.AWSSecretAccessKey,
			})
			if err != nil {
				log.Printf("Log archiving disabled: %v", err)
			} else {
				objects = s3Store
				archiveEnabled = true
			}
		}
		logArchive = services.NewLogArchiveService(db, redisClient, objects)
		recorder = middleware.NewActivityRecorder(db, redisClient)
	}

	schedules := services.JobSchedules{
		AlertSweep:          cfg.AlertSweepCron,
		LogFlush:            cfg.LogFlushCron,
		LogArchive:          cfg.LogArchiveCron,
		LogArchiveAfterDays: cfg.LogArchiveAfterDays,
	}
	if redisClient == nil {
		schedules.LogFlush = ""
	}
	if !archiveEnabled {
		schedules.LogArchive = ""
	}
	scheduler := services.NewScheduler(logrus.StandardLogger())
	for _, job := range services.AttendanceJobs(attendanceService, logArchive, schedules) {
		if err := scheduler.Add(job); err != nil {
			log.Fatal("Invalid job schedule: ", err)
		}
	}
	scheduler.Start()

	healthService := services.NewHealthService(serviceName, serviceVersion, services.HealthDeps{
		DB:          db,
		Redis:       redisClient,
		Hub:         wsHub,
		StoreDriver: cfg.StoreDriver,
		Environment: cfg.AppEnv,
		Flags: services.HealthFlags{
			SkipMigrate:           cfg.SkipMigrate,
			UseRedisNotifications: cfg.UseRedisNotifications,
			LineEnabled:           lineService.Enabled(),
			ArchiveEnabled:        archiveEnabled,
		},
	})

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    2 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))
	app.Use(middleware.LoggerMiddleware())

	deps := routes.Deps{
		Attendance: controllers.NewAttendanceController(attendanceService),
		WebSocket:  controllers.NewWebSocketController(wsHub),
		Health:     controllers.NewHealthController(healthService),
		Recorder:   recorder,
	}
	if logArchive != nil {
		deps.Logs = controllers.NewLogController(db, logArchive)
		deps.Notifications = controllers.NewNotificationController(db)
	}
	if cfg.LineChannelSecret != "" && groupMatcher != nil {
		deps.Webhook = handlers.NewLineWebhookHandler(cfg.LineChannelSecret, groupMatcher, lineService)
		log.Println("LINE Webhook enabled at /line/webhook")
	} else {
		log.Println("LINE Webhook disabled: missing LINE_CHANNEL_SECRET or database")
	}
	routes.SetupRoutes(app, deps)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":  "Route not found",
			"path":   c.Path(),
			"method": c.Method(),
		})
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("%s v%s (%s store)", serviceName, serviceVersion, cfg.StoreDriver)
	log.Printf("Environment: %s", cfg.AppEnv)

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}

	scheduler.Stop()
	close(stopNotif)
	notifService.Wait()
	wsHub.Stop()
	database.Close()
	log.Println("Server stopped")
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Log to stdout in development, to a file otherwise
	if cfg.AppEnv == "development" || cfg.LogFile == "" {
		logrus.SetOutput(os.Stdout)
		return
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		log.Printf("Warning: Could not create logs directory: %v", err)
	}
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err == nil {
		logrus.SetOutput(file)
	}
}

// customErrorHandler handles application errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	logrus.WithFields(logrus.Fields{
		"error":  err.Error(),
		"path":   c.Path(),
		"method": c.Method(),
		"ip":     c.IP(),
		"status": code,
	}).Error("Request error")

	return c.Status(code).JSON(fiber.Map{
		"error":  message,
		"code":   code,
		"path":   c.Path(),
		"method": c.Method(),
	})
}
