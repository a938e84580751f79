package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config holds all configuration for the Bubble Monitor server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ingest   IngestConfig
	Enrich   EnrichConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel slog.Level
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. Without a URL the ingest endpoint is not rate limited.
type RedisConfig struct {
	URL string
}

type IngestConfig struct {
	MaxBatch        int
	SampleRate      float64
	BreadcrumbBatch int
	RateLimitPerMin int
}

// EnrichConfig controls the new-group notification webhook.
// An empty WebhookURL disables notification.
type EnrichConfig struct {
	WebhookURL string
	WebhookKey string
	Timeout    time.Duration
	Workers    int
	QueueSize  int
}

// Load reads configuration from environment variables and returns a validated Config.
// All validation problems are reported together.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("BUBBLEMON_PORT", 8080),
			Env:      envString("BUBBLEMON_ENV", "development"),
			LogLevel: envLevel("LOG_LEVEL", slog.LevelInfo),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", StoreDriverPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Ingest: IngestConfig{
			MaxBatch:        envInt("INGEST_MAX_BATCH", 50),
			SampleRate:      envFloat("INGEST_SAMPLE_RATE", 0.1),
			BreadcrumbBatch: envInt("INGEST_BREADCRUMB_BATCH", 10),
			RateLimitPerMin: envInt("INGEST_RATE_LIMIT_PER_MIN", 600),
		},
		Enrich: EnrichConfig{
			WebhookURL: os.Getenv("ENRICH_WEBHOOK_URL"),
			WebhookKey: os.Getenv("ENRICH_WEBHOOK_KEY"),
			Timeout:    envDuration("ENRICH_TIMEOUT", 10*time.Second),
			Workers:    envInt("ENRICH_WORKERS", 4),
			QueueSize:  envInt("ENRICH_QUEUE_SIZE", 256),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs *multierror.Error

	switch c.Database.Driver {
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			errs = multierror.Append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER is postgres"))
		}
	case StoreDriverMemory:
	default:
		errs = multierror.Append(errs, fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver))
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		errs = multierror.Append(errs, fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL))
	}

	if c.Ingest.MaxBatch <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("INGEST_MAX_BATCH must be positive, got %d", c.Ingest.MaxBatch))
	}
	if c.Ingest.SampleRate < 0 || c.Ingest.SampleRate > 1 {
		errs = multierror.Append(errs, fmt.Errorf("INGEST_SAMPLE_RATE must be within [0, 1], got %v", c.Ingest.SampleRate))
	}
	if c.Ingest.BreadcrumbBatch <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("INGEST_BREADCRUMB_BATCH must be positive, got %d", c.Ingest.BreadcrumbBatch))
	}

	if c.Enrich.WebhookURL != "" &&
		!strings.HasPrefix(c.Enrich.WebhookURL, "http://") && !strings.HasPrefix(c.Enrich.WebhookURL, "https://") {
		errs = multierror.Append(errs, fmt.Errorf("ENRICH_WEBHOOK_URL must start with http:// or https://, got %q", c.Enrich.WebhookURL))
	}
	if c.Enrich.Workers <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("ENRICH_WORKERS must be positive, got %d", c.Enrich.Workers))
	}
	if c.Enrich.QueueSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("ENRICH_QUEUE_SIZE must be positive, got %d", c.Enrich.QueueSize))
	}

	return errs.ErrorOrNil()
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
