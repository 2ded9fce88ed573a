// Package reporter commits pipeline outcomes to the capacity store.
package reporter

import (
	"context"
	"fmt"

	"refdispatch/internal/config"
	"refdispatch/internal/logging"
	"refdispatch/internal/pipeline"
	"refdispatch/internal/store"

	"go.uber.org/zap"
)

// UnitStore is the part of the capacity store the reporter writes to.
type UnitStore interface {
	MarkSpent(ctx context.Context, unitID int64) (bool, error)
	MarkReleased(ctx context.Context, unitID int64, reason string) (bool, error)
	MarkExhausted(ctx context.Context, unitID int64, reason string) (bool, error)
	RecordError(ctx context.Context, unitID int64, reason string) (bool, error)
	ReturnUnstarted(ctx context.Context, unitID int64, reason string) (bool, error)
}

// Reporter applies the unit transition that matches an outcome.
type Reporter struct {
	store       UnitStore
	policy      string
	maxAttempts int
	log         *zap.Logger
	audit       *logging.Auditor
}

// New creates a reporter using the failure policy of cfg.
func New(st UnitStore, cfg config.DispatchConfig, log *zap.Logger, audit *logging.Auditor) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	if audit == nil {
		audit = logging.NopAuditor()
	}
	policy := cfg.FailurePolicy
	if policy == "" {
		policy = config.FailureRelease
	}
	return &Reporter{store: st, policy: policy, maxAttempts: cfg.MaxAttempts, log: log, audit: audit}
}

// Report records the outcome of one run.
//
// Completed marks the unit spent. Reporting the same unit again finds it no
// longer claimed and changes nothing. Failed follows the failure policy:
// release (retry later) until the unit has used max_attempts claims, then
// exhausted; retain leaves the unit claimed.
func (r *Reporter) Report(ctx context.Context, unit store.Unit, out pipeline.Outcome) error {
	campaignID := unit.ClaimedBy
	log := r.log.With(zap.Int64("unit_id", unit.ID), zap.Int64("campaign_id", campaignID))

	if out.Status == pipeline.Completed {
		changed, err := r.store.MarkSpent(ctx, unit.ID)
		if err != nil {
			return fmt.Errorf("report unit %d: %w", unit.ID, err)
		}
		if !changed {
			log.Debug("unit already settled, spend ignored")
			return nil
		}
		r.audit.Event(logging.AuditSpent, unit.ID, campaignID, zap.Duration("elapsed", out.Duration))
		log.Info("unit spent")
		return nil
	}

	reason := "failed"
	if out.Err != nil {
		reason = out.Err.Error()
	}

	if r.policy == config.FailureRetain {
		if _, err := r.store.RecordError(ctx, unit.ID, reason); err != nil {
			return fmt.Errorf("report unit %d: %w", unit.ID, err)
		}
		r.audit.Event(logging.AuditRetained, unit.ID, campaignID, zap.String("reason", reason))
		log.Warn("unit retained after failure", zap.String("reason", reason))
		return nil
	}

	if r.maxAttempts > 0 && unit.Attempts >= r.maxAttempts {
		changed, err := r.store.MarkExhausted(ctx, unit.ID, reason)
		if err != nil {
			return fmt.Errorf("report unit %d: %w", unit.ID, err)
		}
		if changed {
			r.audit.Event(logging.AuditExhausted, unit.ID, campaignID,
				zap.Int("attempts", unit.Attempts), zap.String("reason", reason))
			log.Warn("unit exhausted", zap.Int("attempts", unit.Attempts), zap.String("reason", reason))
		}
		return nil
	}

	changed, err := r.store.MarkReleased(ctx, unit.ID, reason)
	if err != nil {
		return fmt.Errorf("report unit %d: %w", unit.ID, err)
	}
	if changed {
		r.audit.Event(logging.AuditReleased, unit.ID, campaignID,
			zap.Int("attempts", unit.Attempts), zap.String("reason", reason))
		log.Info("unit released for retry", zap.Int("attempts", unit.Attempts), zap.String("reason", reason))
	}
	return nil
}

// Release returns a claimed unit that never ran to the pool without counting
// the attempt. It is used for the unstarted remainder of a batch interrupted
// by shutdown.
func (r *Reporter) Release(ctx context.Context, unit store.Unit, reason string) error {
	changed, err := r.store.ReturnUnstarted(ctx, unit.ID, reason)
	if err != nil {
		return fmt.Errorf("release unit %d: %w", unit.ID, err)
	}
	if changed {
		r.audit.Event(logging.AuditReleased, unit.ID, unit.ClaimedBy, zap.String("reason", reason))
		r.log.Debug("unit released", zap.Int64("unit_id", unit.ID), zap.String("reason", reason))
	}
	return nil
}
