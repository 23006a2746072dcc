// Package config loads runner configuration from file, environment,
// and defaults, in that order of increasing precedence for the
// environment and decreasing for defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runner configuration.
type Config struct {
	// CacheDB is the SQLite result-cache path. Empty disables caching.
	CacheDB string `mapstructure:"cache_db"`

	// RulesDir holds user CUE interruption-rule files layered on top of
	// the built-in table. Empty means built-ins only.
	RulesDir string `mapstructure:"rules_dir"`

	// Manifest is the default suite manifest, used when a run names no
	// tests explicitly.
	Manifest string `mapstructure:"manifest"`

	// TickPeriod is the interruption automaton poll interval.
	TickPeriod time.Duration `mapstructure:"tick_period"`

	// MaxConcurrency bounds simultaneous test executions.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// MaxDevices caps pool usage. Zero means auto-sized per suite.
	MaxDevices int `mapstructure:"max_devices"`

	// AppID is the application under test.
	AppID string `mapstructure:"app_id"`

	// Capabilities are pre-granted to AppID before tests start.
	Capabilities []string `mapstructure:"capabilities"`

	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig is the per-test retry policy.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

const envPrefix = "FIELDTEST"

// Load reads configuration from the given file (optional; empty means
// file-less), overlays FIELDTEST_* environment variables, and applies
// defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("cache_db", ".fieldtest/cache.db")
	v.SetDefault("tick_period", 300*time.Millisecond)
	v.SetDefault("max_concurrency", 4)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// AutomaticEnv never reaches keys absent from both the defaults and
	// the file, so every key is bound explicitly; FIELDTEST_* variables
	// apply whether or not the key appears anywhere else.
	for _, key := range []string{
		"cache_db", "rules_dir", "manifest", "tick_period",
		"max_concurrency", "max_devices", "app_id", "capabilities",
		"retry.max_retries", "retry.initial_delay",
		"retry.multiplier", "retry.max_delay",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the runner cannot operate with.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("config: max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.MaxDevices < 0 {
		return fmt.Errorf("config: max_devices must not be negative, got %d", c.MaxDevices)
	}
	if c.TickPeriod <= 0 {
		return fmt.Errorf("config: tick_period must be positive, got %s", c.TickPeriod)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config: retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	return nil
}
