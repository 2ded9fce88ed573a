// Package store is the capacity store: the durable record of campaigns and
// resource units. It is the single writer of unit and campaign status; every
// transition goes through one of its atomic operations.
//
// Two dialects share one schema:
//
//	// SQLite (modernc "sqlite" or mattn "sqlite3"): claims run in an
//	// immediate-mode transaction, which takes the write lock up front.
//	s, _ := store.Open(ctx, config.StoreConfig{Driver: "sqlite", DSN: "data/refdispatch.db"}, log)
//
//	// Postgres (pgx): claims lock rows with FOR UPDATE SKIP LOCKED.
//	s, _ := store.Open(ctx, config.StoreConfig{Driver: "pgx", DSN: os.Getenv("DATABASE_URL")}, log)
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"refdispatch/internal/config"
	"refdispatch/internal/logging"

	"go.uber.org/zap"
)

// CampaignStatus is the administrative state of a campaign.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignInactive CampaignStatus = "inactive"
)

// UnitStatus is the lifecycle state of a resource unit.
type UnitStatus string

const (
	UnitFree      UnitStatus = "free"
	UnitClaimed   UnitStatus = "claimed"
	UnitSpent     UnitStatus = "spent"
	UnitReleased  UnitStatus = "released"  // failed run, reclaimable
	UnitExhausted UnitStatus = "exhausted" // failed max_attempts times
)

// Campaign is a work source with a fixed unit quota.
type Campaign struct {
	ID        int64
	URL       string
	Capacity  int
	Status    CampaignStatus
	CreatedAt time.Time
}

// Unit is one exclusively ownable automation session.
type Unit struct {
	ID        int64
	Filename  string
	Payload   []byte
	Status    UnitStatus
	ClaimedBy int64 // 0 when unowned
	SpentFor  int64 // campaign the unit was consumed by, 0 until spent
	Attempts  int
	LastError string
	ClaimedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrNotFound is returned when a campaign or unit id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateUnit is returned by AddUnit when the filename is taken.
	ErrDuplicateUnit = errors.New("unit already exists")
	// ErrUnreachable is returned by Open when the database does not answer.
	ErrUnreachable = errors.New("failed to reach database")
)

// Store wraps the database handle and its dialect.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     *zap.Logger
	now     func() time.Time
}

// Open connects to the configured database, verifies the connection and
// applies the schema.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	timer := logging.StartTimer(log, "store open")
	defer timer.Stop()

	driver := cfg.NormalizedDriver()
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d.sqlite {
		dsn, err = prepareSQLiteDSN(dsn)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.sqlite {
		// PRAGMAs are per connection; one connection keeps them in force.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	if d.sqlite {
		pragmas := []string{
			"PRAGMA busy_timeout = " + strconv.FormatInt(cfg.GetBusyTimeout().Milliseconds(), 10),
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA foreign_keys = ON",
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				log.Debug("pragma failed", zap.String("pragma", p), zap.Error(err))
			}
		}
	}

	s := &Store{db: db, dialect: d, log: log, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store ready", zap.String("driver", driver))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.log.Debug("closing store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// prepareSQLiteDSN creates the database directory and forces immediate
// transactions so that a claim holds the write lock from BEGIN.
func prepareSQLiteDSN(dsn string) (string, error) {
	path, query, _ := strings.Cut(dsn, "?")
	path = strings.TrimPrefix(path, "file:")
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if strings.Contains(query, "_txlock=") {
		return dsn, nil
	}
	if query == "" {
		return dsn + "?_txlock=immediate", nil
	}
	return dsn + "&_txlock=immediate", nil
}

// millis converts a time to the unix-millisecond column encoding.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

// rollback is deferred after BeginTx; it is a no-op once committed.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
