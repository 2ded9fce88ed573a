package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CampaignStats is a campaign with its consumption counters.
type CampaignStats struct {
	Campaign
	Consumed int // units spent for this campaign
	Reserved int // units currently claimed by this campaign
}

// Remaining is the capacity not yet spent or reserved.
func (c CampaignStats) Remaining() int {
	r := c.Capacity - c.Consumed - c.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// CreateCampaign inserts an active campaign and returns its id.
func (s *Store) CreateCampaign(ctx context.Context, url string, capacity int) (int64, error) {
	if strings.TrimSpace(url) == "" {
		return 0, fmt.Errorf("create campaign: url is required")
	}
	if capacity < 0 {
		return 0, fmt.Errorf("create campaign: capacity must be >= 0")
	}
	q := s.dialect.rebind(`INSERT INTO campaigns (url, capacity, status, created_at)
		VALUES (?, ?, 'active', ?) RETURNING id`)
	var id int64
	if err := s.db.QueryRowContext(ctx, q, url, capacity, millis(s.now())).Scan(&id); err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}
	return id, nil
}

// SetCampaignStatus activates or deactivates a campaign. Outstanding claims
// are not touched; an inactive campaign simply stops receiving new ones.
func (s *Store) SetCampaignStatus(ctx context.Context, id int64, status CampaignStatus) error {
	if status != CampaignActive && status != CampaignInactive {
		return fmt.Errorf("invalid campaign status: %s", status)
	}
	q := s.dialect.rebind(`UPDATE campaigns SET status = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, string(status), id)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetCampaign loads one campaign with its counters.
func (s *Store) GetCampaign(ctx context.Context, id int64) (*CampaignStats, error) {
	q := s.dialect.rebind(`SELECT ` + campaignColumns + ` FROM campaigns c WHERE c.id = ?`)
	c, err := scanCampaign(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %d: %w", id, err)
	}
	consumed, reserved, err := countUsage(ctx, s.db, s.dialect, id)
	if err != nil {
		return nil, err
	}
	return &CampaignStats{Campaign: *c, Consumed: consumed, Reserved: reserved}, nil
}

// ListCampaigns returns every campaign ordered by id, with counters.
func (s *Store) ListCampaigns(ctx context.Context) ([]CampaignStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+`,
			(SELECT COUNT(*) FROM units u WHERE u.status = 'spent' AND u.spent_for = c.id),
			(SELECT COUNT(*) FROM units u WHERE u.status = 'claimed' AND u.claimed_by = c.id)
		FROM campaigns c
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []CampaignStats
	for rows.Next() {
		var cs CampaignStats
		var status string
		var created sql.NullInt64
		if err := rows.Scan(&cs.ID, &cs.URL, &cs.Capacity, &status, &created, &cs.Consumed, &cs.Reserved); err != nil {
			return nil, fmt.Errorf("list campaigns: %w", err)
		}
		cs.Status = CampaignStatus(status)
		cs.CreatedAt = fromMillis(created)
		out = append(out, cs)
	}
	return out, rows.Err()
}
