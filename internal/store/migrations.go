package store

import (
	"context"
	"database/sql"
	"fmt"

	"refdispatch/internal/logging"

	"go.uber.org/zap"
)

// Schema versions:
// v1: campaigns + units (status, claimed_by)
// v2: units.spent_for so consumption survives clearing claimed_by
// v3: units.attempts, units.last_error for the released/exhausted states
const CurrentSchemaVersion = 3

// Migration defines a column added after v1.
type Migration struct {
	Table  string
	Column string
	Def    func(dialect) string
}

// pendingMigrations upgrade databases created by an older schema.
var pendingMigrations = []Migration{
	{"units", "spent_for", func(d dialect) string { return d.intColumn() + " REFERENCES campaigns(id)" }},
	{"units", "attempts", func(dialect) string { return "INTEGER NOT NULL DEFAULT 0" }},
	{"units", "last_error", func(dialect) string { return "TEXT NOT NULL DEFAULT ''" }},
}

// Migrate creates missing tables and indexes and applies column migrations.
// It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	timer := logging.StartTimer(s.log, "migrate")
	defer timer.Stop()

	d := s.dialect
	statements := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id ` + d.idColumn() + `,
			url TEXT NOT NULL,
			capacity INTEGER NOT NULL CHECK (capacity >= 0),
			status TEXT NOT NULL DEFAULT 'active',
			created_at ` + d.intColumn() + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS units (
			id ` + d.idColumn() + `,
			filename TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'free',
			claimed_by ` + d.intColumn() + ` REFERENCES campaigns(id),
			spent_for ` + d.intColumn() + ` REFERENCES campaigns(id),
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			claimed_at ` + d.intColumn() + `,
			updated_at ` + d.intColumn() + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER NOT NULL,
			applied_at ` + d.intColumn() + ` NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	applied, err := s.runColumnMigrations(ctx)
	if err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_units_claimable ON units(status, claimed_by, id)`,
		`CREATE INDEX IF NOT EXISTS idx_units_claimed_by ON units(claimed_by, status)`,
		`CREATE INDEX IF NOT EXISTS idx_units_spent_for ON units(spent_for, status)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_active ON campaigns(status, id)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version < CurrentSchemaVersion {
		q := d.rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`)
		if _, err := s.db.ExecContext(ctx, q, CurrentSchemaVersion, millis(s.now())); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		s.log.Info("schema migrated",
			zap.Int("from", version), zap.Int("to", CurrentSchemaVersion), zap.Int("columns_added", applied))
	}
	return nil
}

// SchemaVersion returns the highest recorded schema version (0 when none).
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_versions`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// runColumnMigrations adds columns that older tables lack.
func (s *Store) runColumnMigrations(ctx context.Context) (int, error) {
	applied := 0
	for _, m := range pendingMigrations {
		exists, err := s.columnExists(ctx, m.Table, m.Column)
		if err != nil {
			return applied, err
		}
		if exists {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def(s.dialect))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return applied, fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		s.log.Info("migration applied", zap.String("table", m.Table), zap.String("column", m.Column))
		applied++
	}
	return applied, nil
}

// columnExists checks if a column exists in a table.
func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	if !s.dialect.sqlite {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`,
			table, column).Scan(&count)
		if err != nil {
			return false, fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		return count > 0, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
