package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all refdispatch configuration. It is built once in main and
// handed to each component's constructor.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// Capacity store connection
	Store StoreConfig `yaml:"store"`

	// Reservation scheduler
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Per-unit automation protocol
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Seeking/draining loop and worker pool
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Chrome automation backend
	Browser BrowserConfig `yaml:"browser"`

	// Session file import
	Importer ImporterConfig `yaml:"importer"`

	// Cross-worker wake signal
	Notify NotifyConfig `yaml:"notify"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SchedulerConfig configures the reservation scheduler.
type SchedulerConfig struct {
	// MaxBatch caps how many units one claim may take (0 = fill the campaign).
	MaxBatch int `yaml:"max_batch"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "refdispatch",

		Store: StoreConfig{
			Driver:       DriverSQLite,
			DSN:          "data/refdispatch.db",
			MaxOpenConns: 1,
			BusyTimeout:  "5s",
		},

		Scheduler: SchedulerConfig{
			MaxBatch: 0,
		},

		Pipeline: DefaultPipelineConfig(),

		Dispatch: DispatchConfig{
			Workers:           1,
			PoolSize:          1,
			IdleBackoff:       "5m",
			StoreRetryBackoff: "5s",
			UnitTimeout:       "10m",
			FailurePolicy:     FailureRelease,
			MaxAttempts:       3,
		},

		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			NavigationTimeout: "30s",
			LaunchesPerMinute: 6,
		},

		Importer: ImporterConfig{
			Enabled:    false,
			WatchDir:   "sessions/inbox",
			Debounce:   "500ms",
			RetryDelay: "5s",
		},

		Notify: NotifyConfig{
			Channel: "refdispatch:wake",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file, then applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// defaults
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides declared with
// `env` struct tags. Unset variables leave the file value in place.
func (c *Config) applyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if c.Scheduler.MaxBatch < 0 {
		return fmt.Errorf("scheduler.max_batch must be >= 0")
	}
	if c.Notify.RedisAddr != "" && c.Notify.Channel == "" {
		return fmt.Errorf("notify.channel is required when notify.redis_addr is set")
	}
	return nil
}

// parseDuration returns fallback when s is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
