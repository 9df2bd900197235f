package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the embed host server
type Config struct {
	// Server configuration
	Port int `envconfig:"PORT" default:"10080"`

	// Widget pool configuration
	PoolCapacity            int `envconfig:"POOL_CAPACITY" default:"3"`
	PoolConstructTimeoutSec int `envconfig:"POOL_CONSTRUCT_TIMEOUT_SEC" default:"10"`

	// Playback thresholds and timers
	PooledActiveThreshold  float64 `envconfig:"POOLED_ACTIVE_THRESHOLD" default:"0.99"`
	MessageActiveThreshold float64 `envconfig:"MESSAGE_ACTIVE_THRESHOLD" default:"0.5"`
	ReadinessFallbackMS    int     `envconfig:"READINESS_FALLBACK_MS" default:"500"`

	// Feed storage
	FeedDBPath   string `envconfig:"FEED_DB_PATH" default:"feed.db"`
	FeedManifest string `envconfig:"FEED_MANIFEST" default:"feed.yaml"`

	// Session journal output directory. Journaling is disabled when empty.
	JournalDir string `envconfig:"JOURNAL_DIR" default:""`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 {
		return fmt.Errorf("PORT must be greater than 0")
	}
	if config.PoolCapacity <= 0 {
		return fmt.Errorf("POOL_CAPACITY must be greater than 0")
	}
	if config.PoolConstructTimeoutSec <= 0 {
		return fmt.Errorf("POOL_CONSTRUCT_TIMEOUT_SEC must be greater than 0")
	}
	if config.PooledActiveThreshold <= 0 || config.PooledActiveThreshold > 1 {
		return fmt.Errorf("POOLED_ACTIVE_THRESHOLD must be in (0, 1]")
	}
	if config.MessageActiveThreshold <= 0 || config.MessageActiveThreshold >= 1 {
		return fmt.Errorf("MESSAGE_ACTIVE_THRESHOLD must be in (0, 1)")
	}
	if config.ReadinessFallbackMS <= 0 {
		return fmt.Errorf("READINESS_FALLBACK_MS must be greater than 0")
	}
	if config.FeedDBPath == "" {
		return fmt.Errorf("FEED_DB_PATH is required")
	}
	if config.FeedManifest == "" {
		return fmt.Errorf("FEED_MANIFEST is required")
	}
	return nil
}

// ConstructTimeout returns the pool construction timeout as a duration.
func (c *Config) ConstructTimeout() time.Duration {
	return time.Duration(c.PoolConstructTimeoutSec) * time.Second
}

// ReadinessFallback returns the readiness fallback as a duration.
func (c *Config) ReadinessFallback() time.Duration {
	return time.Duration(c.ReadinessFallbackMS) * time.Millisecond
}
