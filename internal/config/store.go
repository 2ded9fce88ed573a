package config

import (
	"fmt"
	"strings"
	"time"
)

// Supported store drivers. "sqlite" is the pure-Go modernc driver, "sqlite3"
// the cgo mattn driver, "pgx" the Postgres driver.
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "pgx"
)

// StoreConfig configures the capacity store connection.
type StoreConfig struct {
	Driver       string `yaml:"driver" env:"REFDISPATCH_DB_DRIVER"`
	DSN          string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	BusyTimeout  string `yaml:"busy_timeout"` // SQLite only
}

// NormalizedDriver maps aliases ("postgres", "postgresql") to a driver name.
func (s StoreConfig) NormalizedDriver() string {
	switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
	case "postgres", "postgresql", "pg":
		return DriverPostgres
	case "":
		return DriverSQLite
	default:
		return d
	}
}

// GetBusyTimeout returns the SQLite busy timeout as a duration.
func (s StoreConfig) GetBusyTimeout() time.Duration {
	return parseDuration(s.BusyTimeout, 5*time.Second)
}

// Validate checks the driver name and DSN.
func (s StoreConfig) Validate() error {
	switch s.NormalizedDriver() {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
	default:
		return fmt.Errorf("invalid store driver: %s (valid: sqlite, sqlite3, pgx)", s.Driver)
	}
	if strings.TrimSpace(s.DSN) == "" {
		return fmt.Errorf("store.dsn is required (or set DATABASE_URL)")
	}
	if s.MaxOpenConns < 0 {
		return fmt.Errorf("store.max_open_conns must be >= 0")
	}
	return nil
}
