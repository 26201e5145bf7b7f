// Package config provides centralized configuration management for the
// OpenText service. Values merge in three layers: built-in defaults, an
// optional YAML file, and OPENTEXT_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/centerfuze/opentext-service/internal/errors"
)

// Config represents the complete application configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	NATS      NATSConfig      `mapstructure:"nats"`
	OpenText  OpenTextConfig  `mapstructure:"opentext"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServiceConfig identifies this instance on the bus.
type ServiceConfig struct {
	Name          string `mapstructure:"name"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	QueueGroup    string `mapstructure:"queue_group"`
}

// NATSConfig contains bus connection settings.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// OpenTextConfig contains upstream API credentials and transport limits.
type OpenTextConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig tunes the adaptive upstream limiter.
type RateLimitConfig struct {
	InitialRate        float64       `mapstructure:"initial_rate"`
	MinRate            float64       `mapstructure:"min_rate"`
	MaxRate            float64       `mapstructure:"max_rate"`
	Burst              int           `mapstructure:"burst"`
	IncreaseStep       float64       `mapstructure:"increase_step"`
	IncreaseAfter      int           `mapstructure:"increase_after"`
	DecreaseFactor     float64       `mapstructure:"decrease_factor"`
	AdjustmentInterval time.Duration `mapstructure:"adjustment_interval"`
}

// CacheConfig contains the result cache size, TTLs, and compaction cadence.
type CacheConfig struct {
	Capacity           int           `mapstructure:"capacity"`
	AccountTTL         time.Duration `mapstructure:"account_ttl"`
	FaxUsageTTL        time.Duration `mapstructure:"fax_usage_ttl"`
	UsageTTL           time.Duration `mapstructure:"usage_ttl"`
	PortingTTL         time.Duration `mapstructure:"porting_ttl"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`
}

// EngineConfig bounds request resolution.
type EngineConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ServerConfig contains the HTTP health/version server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level.
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.NewConfigInvalidError("nats.url is required")
	}
	if c.OpenText.BaseURL == "" {
		return errors.NewConfigInvalidError("opentext.base_url is required")
	}
	if c.OpenText.APIKey == "" {
		return errors.NewConfigInvalidError("opentext.api_key is required")
	}
	if c.RateLimit.MinRate > c.RateLimit.MaxRate {
		return errors.NewConfigInvalidError(
			fmt.Sprintf("rate_limit.min_rate %.2f exceeds rate_limit.max_rate %.2f",
				c.RateLimit.MinRate, c.RateLimit.MaxRate))
	}
	if c.RateLimit.DecreaseFactor <= 0 || c.RateLimit.DecreaseFactor >= 1 {
		return errors.NewConfigInvalidError("rate_limit.decrease_factor must be in (0, 1)")
	}
	if c.Engine.Concurrency <= 0 {
		return errors.NewConfigInvalidError("engine.concurrency must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return errors.NewConfigInvalidError("cache.capacity must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.NewConfigInvalidError("server.port out of range")
	}
	return nil
}

// Redacted returns a copy safe for logging and `config show`.
func (c Config) Redacted() Config {
	if c.OpenText.APIKey != "" {
		c.OpenText.APIKey = "[REDACTED]"
	}
	if c.OpenText.APISecret != "" {
		c.OpenText.APISecret = "[REDACTED]"
	}
	return c
}
