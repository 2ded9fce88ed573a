package config

import (
	"fmt"
	"time"
)

// Failure policies for units whose pipeline run failed.
const (
	FailureRelease = "release" // claimed -> released (reclaimable) until max_attempts
	FailureRetain  = "retain"  // unit stays claimed
)

// DispatchConfig configures the dispatch loop and worker pool.
type DispatchConfig struct {
	Workers           int    `yaml:"workers" env:"REFDISPATCH_WORKERS"`
	PoolSize          int    `yaml:"pool_size"` // units processed in parallel per batch
	IdleBackoff       string `yaml:"idle_backoff"`
	StoreRetryBackoff string `yaml:"store_retry_backoff"`
	UnitTimeout       string `yaml:"unit_timeout"`
	FailurePolicy     string `yaml:"failure_policy"`
	MaxAttempts       int    `yaml:"max_attempts"`
}

// GetIdleBackoff returns the sleep used when no claimable work exists.
func (d DispatchConfig) GetIdleBackoff() time.Duration {
	return parseDuration(d.IdleBackoff, 5*time.Minute)
}

// GetStoreRetryBackoff returns the first wait after a store failure.
func (d DispatchConfig) GetStoreRetryBackoff() time.Duration {
	return parseDuration(d.StoreRetryBackoff, 5*time.Second)
}

// GetUnitTimeout returns the upper bound for a single pipeline run.
func (d DispatchConfig) GetUnitTimeout() time.Duration {
	return parseDuration(d.UnitTimeout, 10*time.Minute)
}

// Validate validates the dispatch settings.
func (d DispatchConfig) Validate() error {
	if d.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be >= 1")
	}
	if d.PoolSize < 1 {
		return fmt.Errorf("dispatch.pool_size must be >= 1")
	}
	switch d.FailurePolicy {
	case FailureRelease, FailureRetain:
	default:
		return fmt.Errorf("invalid dispatch.failure_policy: %s (valid: release, retain)", d.FailurePolicy)
	}
	if d.FailurePolicy == FailureRelease && d.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1")
	}
	return nil
}
