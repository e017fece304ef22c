package models

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr   string        `yaml:"server_addr"`
	DatabaseURL  string        `yaml:"database_url"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	Queue   QueueConfig   `yaml:"queue"`
	Shopify ShopifyConfig `yaml:"shopify"`
	WebP    WebPConfig    `yaml:"webp"`
	Backup  BackupConfig  `yaml:"backup"`
	Jobs    JobsConfig    `yaml:"jobs"`
}

type QueueConfig struct {
	Driver        string `yaml:"driver"` // inline, kafka, asynq
	KafkaBroker   string `yaml:"kafka_broker"`
	KafkaTopic    string `yaml:"kafka_topic"`
	KafkaGroup    string `yaml:"kafka_group"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type ShopifyConfig struct {
	APIVersion     string            `yaml:"api_version"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	MaxRetries     int               `yaml:"max_retries"`
	Shops          map[string]string `yaml:"shops"` // shop domain -> admin access token
}

type WebPConfig struct {
	Quality      int `yaml:"quality"`
	MaxDimension int `yaml:"max_dimension"`
}

type BackupConfig struct {
	Driver        string `yaml:"driver"` // shopify, s3
	S3Endpoint    string `yaml:"s3_endpoint"`
	S3AccessKey   string `yaml:"s3_access_key"`
	S3SecretKey   string `yaml:"s3_secret_key"`
	S3UseSSL      bool   `yaml:"s3_use_ssl"`
	S3Region      string `yaml:"s3_region"`
	S3Bucket      string `yaml:"s3_bucket"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type JobsConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

const (
	defaultServerAddr     = ":8080"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultFetchTimeout   = 60 * time.Second
	defaultQueueDriver    = "inline"
	defaultKafkaTopic     = "webp-optimizer-jobs"
	defaultKafkaGroup     = "webp-optimizer-group"
	defaultAPIVersion     = "2024-10"
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultWebPQuality    = 85
	defaultBackupDriver   = "shopify"
	defaultStaleAfter     = 30 * time.Minute
	defaultMaxDuration    = 6 * time.Hour
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:   defaultServerAddr,
		LogLevel:     defaultLogLevel,
		LogFormat:    defaultLogFormat,
		FetchTimeout: defaultFetchTimeout,
		Queue: QueueConfig{
			Driver:     defaultQueueDriver,
			KafkaTopic: defaultKafkaTopic,
			KafkaGroup: defaultKafkaGroup,
		},
		Shopify: ShopifyConfig{
			APIVersion:     defaultAPIVersion,
			RequestTimeout: defaultRequestTimeout,
			MaxRetries:     defaultMaxRetries,
			Shops:          map[string]string{},
		},
		WebP:   WebPConfig{Quality: defaultWebPQuality},
		Backup: BackupConfig{Driver: defaultBackupDriver},
		Jobs:   JobsConfig{StaleAfter: defaultStaleAfter, MaxDuration: defaultMaxDuration},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// OPTIMIZER_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("%s: %w", op, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%s: parse %s: %w", op, path, err)
			}
		}
	}
	applyEnv(cfg)
	if cfg.Shopify.Shops == nil {
		cfg.Shopify.Shops = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a job.
func (c *Config) Validate() error {
	if c.WebP.Quality < 0 || c.WebP.Quality > 100 {
		return fmt.Errorf("webp.quality must be within 0..100, got %d", c.WebP.Quality)
	}
	if c.WebP.MaxDimension < 0 {
		return fmt.Errorf("webp.max_dimension must not be negative, got %d", c.WebP.MaxDimension)
	}
	if c.Jobs.MaxDuration <= 0 {
		return fmt.Errorf("jobs.max_duration must be positive, got %s", c.Jobs.MaxDuration)
	}
	switch c.Queue.Driver {
	case "inline":
	case "kafka":
		if c.Queue.KafkaBroker == "" {
			return errors.New("queue.kafka_broker is required for the kafka driver")
		}
	case "asynq":
		if c.Queue.RedisAddr == "" {
			return errors.New("queue.redis_addr is required for the asynq driver")
		}
	default:
		return fmt.Errorf("queue.driver: unsupported value %q", c.Queue.Driver)
	}
	switch c.Backup.Driver {
	case "shopify":
	case "s3":
		if c.Backup.S3Endpoint == "" || c.Backup.S3Bucket == "" || c.Backup.PublicBaseURL == "" {
			return errors.New("backup.s3_endpoint, backup.s3_bucket and backup.public_base_url are required for the s3 driver")
		}
	default:
		return fmt.Errorf("backup.driver: unsupported value %q", c.Backup.Driver)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerAddr = readEnv("OPTIMIZER_SERVER_ADDR", cfg.ServerAddr)
	cfg.DatabaseURL = readEnv("OPTIMIZER_DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = readEnv("OPTIMIZER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = readEnv("OPTIMIZER_LOG_FORMAT", cfg.LogFormat)
	cfg.FetchTimeout = parseDuration("OPTIMIZER_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.Jobs.MaxDuration = parseDuration("OPTIMIZER_JOB_MAX_DURATION", cfg.Jobs.MaxDuration)

	cfg.Queue.Driver = readEnv("OPTIMIZER_QUEUE_DRIVER", cfg.Queue.Driver)
	cfg.Queue.KafkaBroker = readEnv("OPTIMIZER_KAFKA_BROKER", cfg.Queue.KafkaBroker)
	cfg.Queue.KafkaTopic = readEnv("OPTIMIZER_KAFKA_TOPIC", cfg.Queue.KafkaTopic)
	cfg.Queue.RedisAddr = readEnv("OPTIMIZER_REDIS_ADDR", cfg.Queue.RedisAddr)
	cfg.Queue.RedisPassword = readEnv("OPTIMIZER_REDIS_PASSWORD", cfg.Queue.RedisPassword)

	cfg.WebP.Quality = parseInt("OPTIMIZER_WEBP_QUALITY", cfg.WebP.Quality)
	cfg.Backup.Driver = readEnv("OPTIMIZER_BACKUP_DRIVER", cfg.Backup.Driver)
	cfg.Backup.S3AccessKey = readEnv("OPTIMIZER_S3_ACCESS_KEY", cfg.Backup.S3AccessKey)
	cfg.Backup.S3SecretKey = readEnv("OPTIMIZER_S3_SECRET_KEY", cfg.Backup.S3SecretKey)

	// OPTIMIZER_SHOPS=shop-a.myshopify.com=token,shop-b.myshopify.com=token
	if v, ok := os.LookupEnv("OPTIMIZER_SHOPS"); ok && v != "" {
		if cfg.Shopify.Shops == nil {
			cfg.Shopify.Shops = map[string]string{}
		}
		for _, pair := range strings.Split(v, ",") {
			shop, token, found := strings.Cut(strings.TrimSpace(pair), "=")
			if found && shop != "" {
				cfg.Shopify.Shops[shop] = token
			}
		}
	}
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
