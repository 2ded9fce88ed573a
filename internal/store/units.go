package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AddUnit inserts a new free unit. A filename that already exists yields
// ErrDuplicateUnit and leaves the stored unit untouched.
func (s *Store) AddUnit(ctx context.Context, filename string, payload []byte) (int64, error) {
	if filename == "" {
		return 0, fmt.Errorf("add unit: filename is required")
	}
	q := s.dialect.rebind(`INSERT INTO units (filename, payload, status, updated_at)
		VALUES (?, ?, 'free', ?)
		ON CONFLICT (filename) DO NOTHING
		RETURNING id`)
	var id int64
	err := s.db.QueryRowContext(ctx, q, filename, string(payload), millis(s.now())).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("add unit %s: %w", filename, ErrDuplicateUnit)
	}
	if err != nil {
		return 0, fmt.Errorf("add unit %s: %w", filename, err)
	}
	return id, nil
}

// GetUnit loads one unit by id.
func (s *Store) GetUnit(ctx context.Context, id int64) (*Unit, error) {
	q := s.dialect.rebind(`SELECT id, filename, payload, status, claimed_by, spent_for,
			attempts, last_error, claimed_at, updated_at
		FROM units WHERE id = ?`)
	var u Unit
	var payload, status string
	var claimedBy, spentFor, claimedAt, updatedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Filename, &payload, &status,
		&claimedBy, &spentFor, &u.Attempts, &u.LastError, &claimedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %d: %w", id, err)
	}
	u.Payload = []byte(payload)
	u.Status = UnitStatus(status)
	u.ClaimedBy = claimedBy.Int64
	u.SpentFor = spentFor.Int64
	u.ClaimedAt = fromMillis(claimedAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

// MarkSpent moves a claimed unit to spent, clears its owner and records the
// campaign that consumed it, in one update. It reports whether a transition
// happened; a unit that is not claimed is left alone, which makes repeated
// reports harmless.
func (s *Store) MarkSpent(ctx context.Context, unitID int64) (bool, error) {
	q := s.dialect.rebind(`UPDATE units
		SET status = 'spent', spent_for = claimed_by, claimed_by = NULL, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'claimed'`)
	return s.transition(ctx, "mark spent", q, millis(s.now()), unitID)
}

// MarkReleased moves a claimed unit to released so a later claim can take
// it again. reason is kept on the unit.
func (s *Store) MarkReleased(ctx context.Context, unitID int64, reason string) (bool, error) {
	q := s.dialect.rebind(`UPDATE units
		SET status = 'released', claimed_by = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'claimed'`)
	return s.transition(ctx, "mark released", q, reason, millis(s.now()), unitID)
}

// ReturnUnstarted releases a claimed unit that never ran and takes back the
// attempt its claim counted.
func (s *Store) ReturnUnstarted(ctx context.Context, unitID int64, reason string) (bool, error) {
	q := s.dialect.rebind(`UPDATE units
		SET status = 'released', claimed_by = NULL, last_error = ?, updated_at = ?,
			attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END
		WHERE id = ? AND status = 'claimed'`)
	return s.transition(ctx, "return unstarted", q, reason, millis(s.now()), unitID)
}

// MarkExhausted retires a claimed unit that failed too often.
func (s *Store) MarkExhausted(ctx context.Context, unitID int64, reason string) (bool, error) {
	q := s.dialect.rebind(`UPDATE units
		SET status = 'exhausted', claimed_by = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'claimed'`)
	return s.transition(ctx, "mark exhausted", q, reason, millis(s.now()), unitID)
}

// RecordError stores the last failure on a claimed unit without moving it.
func (s *Store) RecordError(ctx context.Context, unitID int64, reason string) (bool, error) {
	q := s.dialect.rebind(`UPDATE units SET last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'claimed'`)
	return s.transition(ctx, "record error", q, reason, millis(s.now()), unitID)
}

func (s *Store) transition(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// UnitCounts returns the number of units per status.
func (s *Store) UnitCounts(ctx context.Context) (map[UnitStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM units GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("unit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[UnitStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("unit counts: %w", err)
		}
		counts[UnitStatus(status)] = n
	}
	return counts, rows.Err()
}
