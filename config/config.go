package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	// StoreDriver selects "mysql" or "memory" for attendance storage.
	StoreDriver string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// JWT
	JWTSecret    string
	JWTExpiresIn time.Duration

	// AWS S3
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3BucketName       string

	// Server
	Port   string
	AppEnv string

	// Attendance
	AlertPolicyFile   string
	BulkConcurrency   int
	AggregateCacheTTL time.Duration
	AlertSweepCron    string

	// LINE
	LineChannelSecret string
	LineChannelToken  string
	LineDefaultGroup  string
	// LineClassGroups is parsed from "classA=groupA,classB=groupB".
	LineClassGroups map[string]string

	// Logging
	LogLevel string
	LogFile  string

	// Activity log maintenance
	LogFlushCron        string
	LogArchiveCron      string
	LogArchiveAfterDays int

	// Feature Toggles
	UseRedisNotifications bool
	SkipMigrate           bool
}

func (c *Config) GetDSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?charset=utf8mb4&parseTime=True&loc=Local"
}

var AppConfig *Config

func LoadConfig() {
	useSSM := getEnv("USE_SSM", "false") == "true"

	var paramMap map[string]string

	// Stage & base path for SSM (allows multi-env without code changes)
	basePath := getEnv("SSM_BASE_PATH", "/attendance")
	stage := getEnv("STAGE", getEnv("APP_ENV", "production"))
	basePath = strings.TrimRight(basePath, "/")
	prefix := basePath + "/" + stage

	if useSSM {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(getEnv("AWS_REGION", "ap-southeast-1"))})
		if err != nil {
			log.Fatal("Failed to create AWS session:", err)
		}
		log.Printf("Using AWS SSM Parameter Store (prefix=%s)", prefix)
		paramMap = fetchSSMParameters(ssm.New(sess), prefix)
	} else {
		if err := godotenv.Load(); err != nil {
			log.Println("Warning: .env file not found, using environment variables")
		}
	}

	getVal := func(key, def string) string {
		if useSSM {
			if v, ok := paramMap[strings.ToUpper(key)]; ok && v != "" {
				return v
			}
		}
		return getEnv(strings.ToUpper(key), def)
	}

	cfg, err := build(getVal)
	if err != nil {
		log.Fatal(err)
	}
	AppConfig = cfg

	validateConfig(AppConfig, useSSM)
}

// build assembles a Config from a key lookup.
func build(getVal func(key, def string) string) (*Config, error) {
	jwtExpires, err := parseDuration(getVal("JWT_EXPIRES_IN", "24h"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid JWT_EXPIRES_IN")
	}
	cacheTTL, err := parseDuration(getVal("AGGREGATE_CACHE_TTL", "10m"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid AGGREGATE_CACHE_TTL")
	}
	concurrency, err := strconv.Atoi(getVal("BULK_CONCURRENCY", "4"))
	if err != nil || concurrency < 1 {
		return nil, errors.Errorf("invalid BULK_CONCURRENCY %q", getVal("BULK_CONCURRENCY", "4"))
	}
	archiveDays, err := strconv.Atoi(getVal("LOG_ARCHIVE_AFTER_DAYS", "30"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid LOG_ARCHIVE_AFTER_DAYS")
	}
	driver := strings.ToLower(getVal("STORE_DRIVER", "mysql"))
	if driver != "mysql" && driver != "memory" {
		return nil, errors.Errorf("unknown STORE_DRIVER %q", driver)
	}

	return &Config{
		DBHost:      getVal("DB_HOST", "localhost"),
		DBPort:      getVal("DB_PORT", "3306"),
		DBUser:      getVal("DB_USER", "root"),
		DBPassword:  getVal("DB_PASSWORD", ""),
		DBName:      getVal("DB_NAME", "attendance"),
		StoreDriver: driver,

		RedisHost:     getVal("REDIS_HOST", "localhost"),
		RedisPort:     getVal("REDIS_PORT", "6379"),
		RedisPassword: getVal("REDIS_PASSWORD", ""),

		JWTSecret:    getVal("JWT_SECRET", "your_super_secret_jwt_key"),
		JWTExpiresIn: jwtExpires,

		AWSRegion:          getVal("AWS_REGION", "ap-southeast-1"),
		AWSAccessKeyID:     getVal("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getVal("AWS_SECRET_ACCESS_KEY", ""),
		S3BucketName:       getVal("S3_BUCKET_NAME", ""),

		Port:   getVal("PORT", "3000"),
		AppEnv: getVal("APP_ENV", "development"),

		AlertPolicyFile:   getVal("ALERT_POLICY_FILE", ""),
		BulkConcurrency:   concurrency,
		AggregateCacheTTL: cacheTTL,
		AlertSweepCron:    getVal("ALERT_SWEEP_CRON", "0 18 * * 1-5"),

		LineChannelSecret: getVal("LINE_CHANNEL_SECRET", ""),
		LineChannelToken:  getVal("LINE_CHANNEL_ACCESS_TOKEN", ""),
		LineDefaultGroup:  getVal("LINE_DEFAULT_GROUP_ID", ""),
		LineClassGroups:   parseClassGroups(getVal("LINE_CLASS_GROUPS", "")),

		LogLevel: getVal("LOG_LEVEL", "info"),
		LogFile:  getVal("LOG_FILE", "logs/app.log"),

		LogFlushCron:        getVal("LOG_FLUSH_CRON", "@hourly"),
		LogArchiveCron:      getVal("LOG_ARCHIVE_CRON", "30 2 * * *"),
		LogArchiveAfterDays: archiveDays,

		UseRedisNotifications: strings.ToLower(getVal("USE_REDIS_NOTIFICATIONS", "false")) == "true",
		SkipMigrate:           strings.ToLower(getVal("SKIP_MIGRATE", "false")) == "true",
	}, nil
}

// parseDuration accepts Go durations plus day ("7d") and week ("2w") shorthands.
func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err == nil {
		return d, nil
	}
	s := strings.TrimSpace(strings.ToLower(raw))
	if len(s) > 1 {
		unit := s[len(s)-1]
		if n, err2 := strconv.Atoi(s[:len(s)-1]); err2 == nil {
			switch unit {
			case 'd':
				return time.Duration(n) * 24 * time.Hour, nil
			case 'w':
				return time.Duration(n*7) * 24 * time.Hour, nil
			}
		}
	}
	return 0, err
}

func parseClassGroups(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// fetchSSMParameters reads all parameters under prefix and returns map with UPPERCASE keys.
func fetchSSMParameters(client *ssm.SSM, prefix string) map[string]string {
	out := make(map[string]string)
	next := aws.String("")
	for {
		in := &ssm.GetParametersByPathInput{
			Path:           aws.String(prefix),
			WithDecryption: aws.Bool(true),
			Recursive:      aws.Bool(true),
		}
		if *next != "" {
			in.NextToken = next
		}
		resp, err := client.GetParametersByPath(in)
		if err != nil {
			log.Printf("Warning: unable to fetch SSM parameters for prefix %s: %v", prefix, err)
			break
		}
		for _, p := range resp.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			name := *p.Name
			key := name
			if idx := strings.LastIndex(name, "/"); idx >= 0 {
				key = name[idx+1:]
			}
			if key == "" {
				continue
			}
			out[strings.ToUpper(key)] = *p.Value
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		next = resp.NextToken
	}
	return out
}

func validateConfig(c *Config, usedSSM bool) {
	// Only enforce stricter rules in production
	if strings.ToLower(c.AppEnv) != "production" {
		return
	}
	required := map[string]string{
		"JWT_SECRET": c.JWTSecret,
	}
	if c.StoreDriver == "mysql" {
		required["DB_PASSWORD"] = c.DBPassword
	}
	for k, v := range required {
		if strings.TrimSpace(v) == "" {
			log.Fatalf("Missing required secret %s in production (SSM=%v)", k, usedSSM)
		}
	}
	if len(c.JWTSecret) < 16 {
		log.Fatal("JWT_SECRET too short (min 16 chars)")
	}
}
