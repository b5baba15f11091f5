package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	AWS           AWSConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region       string
	SourceBucket string
	MediaBucket  string
	LessonsTable string
	CDNDomain    string
}

// RedisConfig holds queue backend connection configuration.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	MaxRetries  int
}

// QueueConfig holds job queue behaviour configuration.
type QueueConfig struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CompletedRetention int
	FailedRetention    int
	LeaseDuration      time.Duration
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	RateLimitStarts   int
	RateLimitWindow   time.Duration
	TranscodeTimeout  time.Duration
	ProbeTimeout      time.Duration
	ScratchDir        string
	OutputDir         string
	MetricsPort       int
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// Default values
const (
	DefaultRegion            = "us-west-2"
	DefaultRedisAddr         = "localhost:6379"
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisMaxRetries   = 3
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffMax        = 1 * time.Minute
	DefaultCompletedRetain   = 100
	DefaultFailedRetain      = 1000
	DefaultLeaseDuration     = 20 * time.Minute
	DefaultMaxConcurrentJobs = 2
	DefaultRateLimitStarts   = 5
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultTranscodeTimeout  = 15 * time.Minute
	DefaultProbeTimeout      = 30 * time.Second
	DefaultScratchDir        = "/tmp/uploads"
	DefaultOutputDir         = "/tmp/hls"
	DefaultMetricsPort       = 2112
	DefaultOTLPEndpoint      = "localhost:4317"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		AWS: AWSConfig{
			Region:       getEnv("AWS_REGION", DefaultRegion),
			SourceBucket: os.Getenv("SOURCE_BUCKET"),
			MediaBucket:  os.Getenv("MEDIA_BUCKET"),
			LessonsTable: os.Getenv("LESSONS_TABLE"),
			CDNDomain:    os.Getenv("CDN_DOMAIN"),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", DefaultRedisAddr),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          getEnvInt("REDIS_DB", 0),
			DialTimeout: getEnvDuration("REDIS_DIAL_TIMEOUT", DefaultRedisDialTimeout),
			MaxRetries:  getEnvInt("REDIS_MAX_RETRIES", DefaultRedisMaxRetries),
		},
		Queue: QueueConfig{
			MaxAttempts:        getEnvInt("QUEUE_MAX_ATTEMPTS", DefaultMaxAttempts),
			BackoffBase:        getEnvDuration("QUEUE_BACKOFF_BASE", DefaultBackoffBase),
			BackoffMax:         getEnvDuration("QUEUE_BACKOFF_MAX", DefaultBackoffMax),
			CompletedRetention: getEnvInt("QUEUE_COMPLETED_RETENTION", DefaultCompletedRetain),
			FailedRetention:    getEnvInt("QUEUE_FAILED_RETENTION", DefaultFailedRetain),
			LeaseDuration:      getEnvDuration("QUEUE_LEASE_DURATION", DefaultLeaseDuration),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			RateLimitStarts:   getEnvInt("RATE_LIMIT_STARTS", DefaultRateLimitStarts),
			RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
			TranscodeTimeout:  getEnvDuration("TRANSCODE_TIMEOUT", DefaultTranscodeTimeout),
			ProbeTimeout:      getEnvDuration("PROBE_TIMEOUT", DefaultProbeTimeout),
			ScratchDir:        getEnv("SCRATCH_DIR", DefaultScratchDir),
			OutputDir:         getEnv("OUTPUT_DIR", DefaultOutputDir),
			MetricsPort:       getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadCtl loads configuration required for the jobctl binary.
func LoadCtl() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateCtl(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateWorker validates configuration required for the worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	if c.AWS.SourceBucket == "" {
		errs = append(errs, "SOURCE_BUCKET is required")
	}
	if c.AWS.MediaBucket == "" {
		errs = append(errs, "MEDIA_BUCKET is required")
	}
	if c.AWS.LessonsTable == "" {
		errs = append(errs, "LESSONS_TABLE is required")
	}
	if c.AWS.CDNDomain == "" {
		errs = append(errs, "CDN_DOMAIN is required")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "REDIS_ADDR is required")
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Worker.MaxConcurrentJobs < 1 {
		errs = append(errs, "MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.Worker.RateLimitStarts < 1 {
		errs = append(errs, "RATE_LIMIT_STARTS must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateCtl validates configuration required for the jobctl binary.
func (c *Config) ValidateCtl() error {
	var errs []string

	if c.AWS.SourceBucket == "" {
		errs = append(errs, "SOURCE_BUCKET is required")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "REDIS_ADDR is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal >= 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
