// Package config assembles the runtime configuration of every component from
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/env"
)

type AppConfig struct {
	Env      string `validate:"oneof=dev prod test"`
	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=trace debug info warn error"`
}

type TempConfig struct {
	Root          string        `validate:"required"`
	MaxBytes      int64         `validate:"min=0"`
	DefaultTTL    time.Duration `validate:"min=0"`
	SweepInterval time.Duration `validate:"min=0"`
	OrphanGrace   time.Duration `validate:"min=0"`
}

type CacheConfig struct {
	MemoryBytes int64         `validate:"min=0"`
	DefaultTTL  time.Duration `validate:"min=0"`
	// Secondary is the second tier: "disk", "redis" or "none".
	Secondary   string `validate:"oneof=disk redis none"`
	DiskDir     string `validate:"required_if=Secondary disk"`
	DiskBytes   int64  `validate:"min=0"`
	Host        string
	Port        string
	Password    string
	DB          int    `validate:"min=0"`
	// Fingerprint selects the source identity: "content" hashes the file
	// bytes, "stat" uses path, size and modification time.
	Fingerprint string `validate:"oneof=content stat"`
}

// RedisAddr returns host:port of the cache server.
func (c CacheConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type QueueConfig struct {
	Workers       int           `validate:"min=1,max=256"`
	MaxBacklog    int           `validate:"min=1"`
	MaxRetries    int           `validate:"min=0,max=10"`
	TaskTimeout   time.Duration `validate:"min=0"`
	Retention     time.Duration `validate:"min=0"`
	SweepInterval time.Duration `validate:"min=0"`
	PollInterval  time.Duration `validate:"min=0"`
	StatusMirror  bool
	StatusTTL     time.Duration `validate:"min=0"`
}

type ProcessingConfig struct {
	MaxConcurrent    int           `validate:"min=1"`
	Timeout          time.Duration `validate:"min=0"`
	MaxFileBytes     int64         `validate:"min=1"`
	MaxPixels        int           `validate:"min=1"`
	DefaultQuality   int           `validate:"min=1,max=100"`
	MinQuality       int           `validate:"min=1,max=100,ltefield=DefaultQuality"`
	SizeThreshold    float64       `validate:"gt=0,lte=1"`
	ThumbnailSizes   string        `validate:"required"`
	ThumbnailFormat  string        `validate:"oneof=jpeg png webp"`
	ThumbnailQuality int           `validate:"min=1,max=100"`
	ThumbnailWorkers int           `validate:"min=1"`
	TargetFormat     string        `validate:"omitempty,oneof=jpeg png webp"`
	Background       string        `validate:"omitempty,hexcolor"`
	StripLocation    bool
}

type MonitorConfig struct {
	Enabled           bool
	Interval          time.Duration `validate:"min=0"`
	BufferSize        int           `validate:"min=1"`
	MaxDuration       time.Duration `validate:"min=0"`
	MaxMemoryBytes    int64         `validate:"min=0"`
	StorageLimitBytes int64         `validate:"min=0"`
	StorageHistory    int           `validate:"min=2"`
	BaselineWindow    time.Duration `validate:"min=0"`
	RecentWindow      time.Duration `validate:"min=0"`
	AutoMitigate      bool
}

type S3Config struct {
	AccessKeyID     string `validate:"required"`
	SecretAccessKey string `validate:"required"`
	Region          string `validate:"required"`
	Bucket          string `validate:"required"`
	EndpointURL     string `validate:"omitempty,url"`
	PathPrefix      string
	UsePathStyle    bool
}

type StorageConfig struct {
	Backend  string `validate:"oneof=local s3"`
	LocalDir string `validate:"required_if=Backend local"`
	S3       *S3Config
}

// Config is the complete runtime configuration.
type Config struct {
	App        AppConfig
	Temp       TempConfig
	Cache      CacheConfig
	Queue      QueueConfig
	Processing ProcessingConfig
	Monitor    MonitorConfig
	Storage    StorageConfig
}

var validate = validator.New()

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	dataDir := env.GetEnv("DATA_DIR", filepath.Join(os.TempDir(), "pixelcore"))

	cfg := &Config{
		App: AppConfig{
			Env:      env.GetEnv("APP_ENV", "prod"),
			Host:     env.GetEnv("APP_HOST", "0.0.0.0"),
			Port:     env.GetEnvInt("APP_PORT", 8080),
			LogLevel: strings.ToLower(env.GetEnv("LOG_LEVEL", "info")),
		},
		Temp: TempConfig{
			Root:          env.GetEnv("TEMP_ROOT", filepath.Join(dataDir, "tmp")),
			MaxBytes:      env.GetEnvBytes("TEMP_MAX_BYTES", 2<<30),
			DefaultTTL:    env.GetEnvDuration("TEMP_DEFAULT_TTL", time.Hour),
			SweepInterval: env.GetEnvDuration("TEMP_SWEEP_INTERVAL", 5*time.Minute),
			OrphanGrace:   env.GetEnvDuration("TEMP_ORPHAN_GRACE", 2*time.Hour),
		},
		Cache: CacheConfig{
			MemoryBytes: env.GetEnvBytes("CACHE_MEMORY_BYTES", 256<<20),
			DefaultTTL:  env.GetEnvDuration("CACHE_DEFAULT_TTL", 24*time.Hour),
			Secondary:   strings.ToLower(env.GetEnv("CACHE_SECONDARY", "disk")),
			DiskDir:     env.GetEnv("CACHE_DISK_DIR", filepath.Join(dataDir, "cache")),
			DiskBytes:   env.GetEnvBytes("CACHE_DISK_BYTES", 2<<30),
			Host:        env.GetEnv("CACHE_HOST", "localhost"),
			Port:        env.GetEnv("CACHE_PORT", "6379"),
			Password:    env.GetEnv("CACHE_PASSWORD", ""),
			DB:          env.GetEnvInt("CACHE_DB", 0),
			Fingerprint: strings.ToLower(env.GetEnv("CACHE_FINGERPRINT", "content")),
		},
		Queue: QueueConfig{
			Workers:       env.GetEnvInt("QUEUE_WORKERS", 4),
			MaxBacklog:    env.GetEnvInt("QUEUE_MAX_BACKLOG", 1000),
			MaxRetries:    env.GetEnvInt("QUEUE_MAX_RETRIES", 3),
			TaskTimeout:   env.GetEnvDuration("QUEUE_TASK_TIMEOUT", 5*time.Minute),
			Retention:     env.GetEnvDuration("QUEUE_RETENTION", time.Hour),
			SweepInterval: env.GetEnvDuration("QUEUE_SWEEP_INTERVAL", 5*time.Minute),
			PollInterval:  env.GetEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			StatusMirror:  env.GetEnvBool("QUEUE_STATUS_MIRROR", false),
			StatusTTL:     env.GetEnvDuration("QUEUE_STATUS_TTL", time.Hour),
		},
		Processing: ProcessingConfig{
			MaxConcurrent:    env.GetEnvInt("PROCESSING_MAX_CONCURRENT", 4),
			Timeout:          env.GetEnvDuration("PROCESSING_TIMEOUT", 2*time.Minute),
			MaxFileBytes:     env.GetEnvBytes("PROCESSING_MAX_FILE_BYTES", 100<<20),
			MaxPixels:        env.GetEnvInt("PROCESSING_MAX_PIXELS", 100_000_000),
			DefaultQuality:   env.GetEnvInt("PROCESSING_DEFAULT_QUALITY", 85),
			MinQuality:       env.GetEnvInt("PROCESSING_MIN_QUALITY", 60),
			SizeThreshold:    env.GetEnvFloat("PROCESSING_SIZE_THRESHOLD", 0.95),
			ThumbnailSizes:   env.GetEnv("PROCESSING_THUMBNAIL_SIZES", "150x150,300x300,600x400"),
			ThumbnailFormat:  strings.ToLower(env.GetEnv("PROCESSING_THUMBNAIL_FORMAT", "jpeg")),
			ThumbnailQuality: env.GetEnvInt("PROCESSING_THUMBNAIL_QUALITY", 85),
			ThumbnailWorkers: env.GetEnvInt("PROCESSING_THUMBNAIL_WORKERS", 2),
			TargetFormat:     strings.ToLower(env.GetEnv("PROCESSING_TARGET_FORMAT", "")),
			Background:       env.GetEnv("PROCESSING_BACKGROUND", "#ffffff"),
			StripLocation:    env.GetEnvBool("PROCESSING_STRIP_LOCATION", false),
		},
		Monitor: MonitorConfig{
			Enabled:           env.GetEnvBool("MONITOR_ENABLED", true),
			Interval:          env.GetEnvDuration("MONITOR_INTERVAL", time.Minute),
			BufferSize:        env.GetEnvInt("MONITOR_BUFFER_SIZE", 10000),
			MaxDuration:       env.GetEnvDuration("MONITOR_MAX_DURATION", 30*time.Second),
			MaxMemoryBytes:    env.GetEnvBytes("MONITOR_MAX_MEMORY_BYTES", 1<<30),
			StorageLimitBytes: env.GetEnvBytes("MONITOR_STORAGE_LIMIT_BYTES", 10<<30),
			StorageHistory:    env.GetEnvInt("MONITOR_STORAGE_HISTORY", 60),
			BaselineWindow:    env.GetEnvDuration("MONITOR_BASELINE_WINDOW", time.Hour),
			RecentWindow:      env.GetEnvDuration("MONITOR_RECENT_WINDOW", 10*time.Minute),
			AutoMitigate:      env.GetEnvBool("MONITOR_AUTO_MITIGATE", false),
		},
		Storage: StorageConfig{
			Backend:  strings.ToLower(env.GetEnv("STORAGE_BACKEND", "local")),
			LocalDir: env.GetEnv("STORAGE_LOCAL_DIR", filepath.Join(dataDir, "media")),
		},
	}

	if cfg.Storage.Backend == "s3" {
		cfg.Storage.S3 = &S3Config{
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_REGION", "eu-central-1"),
			Bucket:          env.GetEnv("S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
			PathPrefix:      env.GetEnv("S3_BACKUP_PATH", ""),
			UsePathStyle:    env.GetEnvBool("S3_USE_PATH_STYLE", false),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every group against its constraints.
func (c *Config) Validate() error {
	if c.Storage.Backend == "s3" && c.Storage.S3 == nil {
		return errors.New("invalid configuration: STORAGE_BACKEND=s3 requires S3 settings")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ApplyLogLevel sets the global fiber log level.
func (c *Config) ApplyLogLevel() {
	switch c.App.LogLevel {
	case "trace":
		log.SetLevel(log.LevelTrace)
	case "debug":
		log.SetLevel(log.LevelDebug)
	case "warn":
		log.SetLevel(log.LevelWarn)
	case "error":
		log.SetLevel(log.LevelError)
	default:
		log.SetLevel(log.LevelInfo)
	}
}
