// Package scheduler decides which campaign to serve next and reserves the
// units that will serve it.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"refdispatch/internal/config"
	"refdispatch/internal/logging"
	"refdispatch/internal/store"

	"go.uber.org/zap"
)

// ErrStoreUnavailable wraps every failure of the underlying store.
var ErrStoreUnavailable = errors.New("store unavailable")

// ClaimStore is the part of the capacity store the scheduler needs.
type ClaimStore interface {
	ClaimBatch(ctx context.Context, limit int) (store.Claim, error)
}

// Batch is a campaign and the units reserved for it. The zero Batch means
// there is nothing to do right now.
type Batch struct {
	Campaign *store.Campaign
	Units    []store.Unit
}

// Empty reports whether the batch carries no work.
func (b Batch) Empty() bool {
	return b.Campaign == nil || len(b.Units) == 0
}

// Scheduler reserves batches of units against campaign capacity.
type Scheduler struct {
	store    ClaimStore
	maxBatch int
	log      *zap.Logger
	audit    *logging.Auditor
}

// New creates a scheduler over st.
func New(st ClaimStore, cfg config.SchedulerConfig, log *zap.Logger, audit *logging.Auditor) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if audit == nil {
		audit = logging.NopAuditor()
	}
	return &Scheduler{store: st, maxBatch: cfg.MaxBatch, log: log, audit: audit}
}

// AcquireBatch claims units for the lowest-id active campaign that still has
// capacity. It returns an empty Batch with a nil error when every campaign
// is full, no units are free, or a concurrent claim took them first.
func (s *Scheduler) AcquireBatch(ctx context.Context) (Batch, error) {
	claim, err := s.store.ClaimBatch(ctx, s.maxBatch)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	switch {
	case claim.Campaign == nil:
		s.log.Debug("no campaign with spare capacity")
		return Batch{}, nil
	case claim.Needed <= 0:
		s.log.Debug("campaign capacity covered by outstanding claims",
			zap.Int64("campaign_id", claim.Campaign.ID))
		return Batch{}, nil
	case len(claim.Units) == 0:
		s.log.Debug("claim race: no claimable units",
			zap.Int64("campaign_id", claim.Campaign.ID),
			zap.Int("needed", claim.Needed))
		return Batch{}, nil
	}

	for _, u := range claim.Units {
		s.audit.Event(logging.AuditClaim, u.ID, claim.Campaign.ID, zap.Int("attempt", u.Attempts))
	}
	s.log.Info("batch acquired",
		zap.Int64("campaign_id", claim.Campaign.ID),
		zap.Int("needed", claim.Needed),
		zap.Int("units", len(claim.Units)))

	return Batch{Campaign: claim.Campaign, Units: claim.Units}, nil
}
