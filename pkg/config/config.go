package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds worker and scheduler configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string // empty selects the embedded SQLite store under DataDir
	DataDir     string

	RedisURL     string // empty selects in-process queues and breaker state
	NATSURL      string // empty logs alerts instead of publishing them
	AlertSubject string

	BlobType     string
	BlobBucket   string
	BlobRegion   string
	BlobEndpoint string
	BlobPrefix   string

	KeystorePath string
	ControlsFile string

	WorkerConcurrency int
	JobMaxAttempts    int
	JobBackoff        time.Duration
	JobVisibility     time.Duration // redelivery deadline for unsettled Redis jobs
	SchedulerInterval time.Duration

	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	BreakerThreshold    int
	BreakerResetTimeout time.Duration

	OTelEnabled  bool
	OTelEndpoint string
	ServiceName  string
	Environment  string
	MetricsAddr  string // empty disables the Prometheus endpoint
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := env("DATA_DIR", "data")

	return &Config{
		LogLevel:    strings.ToUpper(env("LOG_LEVEL", "INFO")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     dataDir,

		RedisURL:     os.Getenv("REDIS_URL"),
		NATSURL:      os.Getenv("NATS_URL"),
		AlertSubject: env("ALERT_SUBJECT", "assure.alerts"),

		BlobType:     env("EVIDENCE_BLOB_STORAGE", "fs"),
		BlobBucket:   os.Getenv("EVIDENCE_BLOB_BUCKET"),
		BlobRegion:   env("EVIDENCE_BLOB_REGION", "us-east-1"),
		BlobEndpoint: os.Getenv("EVIDENCE_BLOB_ENDPOINT"),
		BlobPrefix:   os.Getenv("EVIDENCE_BLOB_PREFIX"),

		KeystorePath: env("KEYSTORE_PATH", filepath.Join(dataDir, "keystore.json")),
		ControlsFile: os.Getenv("CONTROLS_FILE"),

		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
		JobMaxAttempts:    envInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoff:        envDuration("JOB_BACKOFF", 2*time.Second),
		JobVisibility:     envDuration("JOB_VISIBILITY_TIMEOUT", 10*time.Minute),
		SchedulerInterval: envDuration("SCHEDULER_INTERVAL", time.Hour),

		RetryMaxAttempts:    envInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:      envDuration("RETRY_BASE_DELAY", time.Second),
		BreakerThreshold:    envInt("BREAKER_THRESHOLD", 5),
		BreakerResetTimeout: envDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName:  env("OTEL_SERVICE_NAME", "assure"),
		Environment:  env("ENVIRONMENT", "development"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.JobMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1, got %d", c.JobMaxAttempts))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("BREAKER_THRESHOLD must be >= 1, got %d", c.BreakerThreshold))
	}
	if c.JobVisibility <= 0 {
		errs = append(errs, errors.New("JOB_VISIBILITY_TIMEOUT must be positive"))
	}
	if c.SchedulerInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL must be positive"))
	}
	if c.BreakerResetTimeout <= 0 {
		errs = append(errs, errors.New("BREAKER_RESET_TIMEOUT must be positive"))
	}
	switch c.BlobType {
	case "fs", "memory":
	case "s3", "gcs":
		if c.BlobBucket == "" {
			errs = append(errs, fmt.Errorf("EVIDENCE_BLOB_BUCKET is required for %s storage", c.BlobType))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported EVIDENCE_BLOB_STORAGE %q", c.BlobType))
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("unsupported LOG_LEVEL %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
