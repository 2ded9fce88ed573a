package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Claim is the result of one ClaimBatch transaction.
//
// Campaign is nil when no active campaign has spare capacity. Needed is the
// campaign's unfilled quota as computed inside the transaction; Needed <= 0
// means other claims already cover it. Needed > 0 with no Units means every
// claimable unit was taken or locked by a concurrent claim.
type Claim struct {
	Campaign *Campaign
	Needed   int
	Units    []Unit
}

// campaignColumns is the select list for Campaign scans.
const campaignColumns = `c.id, c.url, c.capacity, c.status, c.created_at`

// nextCampaignQuery selects the active campaign with the smallest id whose
// spent count is below capacity. lock adds the dialect's row lock.
func nextCampaignQuery(d dialect, lock bool) string {
	q := `SELECT ` + campaignColumns + `
		FROM campaigns c
		WHERE c.status = 'active'
		  AND (SELECT COUNT(*) FROM units u WHERE u.status = 'spent' AND u.spent_for = c.id) < c.capacity
		ORDER BY c.id
		LIMIT 1`
	if lock {
		q += d.lockCampaign()
	}
	return d.rebind(q)
}

// claimUnitsQuery marks up to N claimable units as claimed by a campaign and
// returns them. Arguments: campaign id, claimed_at, updated_at, limit.
func claimUnitsQuery(d dialect) string {
	return d.rebind(`UPDATE units
		SET status = 'claimed', claimed_by = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM units
			WHERE status IN ('free', 'released') AND claimed_by IS NULL
			ORDER BY id
			LIMIT ?` + d.lockUnits() + `
		)
		RETURNING id, filename, payload, status, attempts, last_error, claimed_at, updated_at`)
}

// NextCampaign returns the campaign the next claim would serve, without
// locking anything. It returns nil when every active campaign is full.
func (s *Store) NextCampaign(ctx context.Context) (*Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, nextCampaignQuery(s.dialect, false)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next campaign: %w", err)
	}
	return c, nil
}

// ClaimBatch selects one campaign with spare capacity and claims enough
// free units to fill it, all in one transaction. limit caps the number of
// units taken (0 = no cap).
func (s *Store) ClaimBatch(ctx context.Context, limit int) (Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, fmt.Errorf("begin claim: %w", err)
	}
	defer rollback(tx)

	campaign, err := scanCampaign(tx.QueryRowContext(ctx, nextCampaignQuery(s.dialect, true)))
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, tx.Commit()
	}
	if err != nil {
		return Claim{}, fmt.Errorf("select campaign: %w", err)
	}

	// Recount under the transaction: another worker may have filled the
	// campaign since it was last observed.
	consumed, reserved, err := countUsage(ctx, tx, s.dialect, campaign.ID)
	if err != nil {
		return Claim{}, err
	}
	needed := campaign.Capacity - consumed - reserved
	claim := Claim{Campaign: campaign, Needed: needed}
	if needed <= 0 {
		return claim, tx.Commit()
	}

	take := needed
	if limit > 0 && limit < take {
		take = limit
	}

	now := millis(s.now())
	rows, err := tx.QueryContext(ctx, claimUnitsQuery(s.dialect), campaign.ID, now, now, take)
	if err != nil {
		return Claim{}, fmt.Errorf("claim units: %w", err)
	}
	units, err := scanUnits(rows, campaign.ID)
	if err != nil {
		return Claim{}, fmt.Errorf("claim units: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Claim{}, fmt.Errorf("commit claim: %w", err)
	}

	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	claim.Units = units

	s.log.Debug("claim committed",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int("needed", needed),
		zap.Int("claimed", len(units)))
	return claim, nil
}

// countUsage returns the spent and outstanding-claim counts of a campaign.
func countUsage(ctx context.Context, q queryer, d dialect, campaignID int64) (consumed, reserved int, err error) {
	query := d.rebind(`SELECT
			COALESCE(SUM(CASE WHEN status = 'spent' AND spent_for = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'claimed' AND claimed_by = ? THEN 1 ELSE 0 END), 0)
		FROM units
		WHERE spent_for = ? OR claimed_by = ?`)
	if err := q.QueryRowContext(ctx, query, campaignID, campaignID, campaignID, campaignID).Scan(&consumed, &reserved); err != nil {
		return 0, 0, fmt.Errorf("count usage: %w", err)
	}
	return consumed, reserved, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var c Campaign
	var status string
	var created sql.NullInt64
	if err := row.Scan(&c.ID, &c.URL, &c.Capacity, &status, &created); err != nil {
		return nil, err
	}
	c.Status = CampaignStatus(status)
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// scanUnits reads RETURNING rows of the claim update.
func scanUnits(rows *sql.Rows, campaignID int64) ([]Unit, error) {
	defer rows.Close()
	var units []Unit
	for rows.Next() {
		var u Unit
		var payload, status string
		var claimedAt, updatedAt sql.NullInt64
		if err := rows.Scan(&u.ID, &u.Filename, &payload, &status, &u.Attempts, &u.LastError, &claimedAt, &updatedAt); err != nil {
			return nil, err
		}
		u.Payload = []byte(payload)
		u.Status = UnitStatus(status)
		u.ClaimedBy = campaignID
		u.ClaimedAt = fromMillis(claimedAt)
		u.UpdatedAt = fromMillis(updatedAt)
		units = append(units, u)
	}
	return units, rows.Err()
}
