package config

import "time"

// ImporterConfig configures the session file importer.
type ImporterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	WatchDir string `yaml:"watch_dir" env:"REFDISPATCH_WATCH_DIR"`
	Debounce string `yaml:"debounce"`
	// RetryDelay is how long a file waits before another import attempt
	// after a store error.
	RetryDelay string `yaml:"retry_delay"`
}

// GetDebounce returns how long a file must be quiet before import.
func (i ImporterConfig) GetDebounce() time.Duration {
	return parseDuration(i.Debounce, 500*time.Millisecond)
}

// GetRetryDelay returns the delay before a failed import is retried.
func (i ImporterConfig) GetRetryDelay() time.Duration {
	return parseDuration(i.RetryDelay, 5*time.Second)
}

// NotifyConfig configures the wake signal. Without a Redis address the
// signal stays inside the process.
type NotifyConfig struct {
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"`
	Channel       string `yaml:"channel"`
}
