package logging

import (
	"go.uber.org/zap"
)

// AuditEventType names one unit lifecycle event.
type AuditEventType string

const (
	AuditClaim     AuditEventType = "unit_claimed"
	AuditRunStart  AuditEventType = "run_started"
	AuditStepFail  AuditEventType = "step_failed"
	AuditRunEnd    AuditEventType = "run_finished"
	AuditSpent     AuditEventType = "unit_spent"
	AuditReleased  AuditEventType = "unit_released"
	AuditExhausted AuditEventType = "unit_exhausted"
	AuditRetained  AuditEventType = "unit_retained"
	AuditImported  AuditEventType = "unit_imported"
)

// Auditor writes unit lifecycle events to the audit category, one line per
// event with the unit and campaign ids attached.
type Auditor struct {
	log *zap.Logger
}

// NewAuditor returns an auditor on the audit category of l.
func NewAuditor(l *Logger) *Auditor {
	return &Auditor{log: l.Get(CategoryAudit)}
}

// NopAuditor discards every event.
func NopAuditor() *Auditor {
	return &Auditor{log: zap.NewNop()}
}

// Event records one lifecycle event.
func (a *Auditor) Event(ev AuditEventType, unitID, campaignID int64, fields ...zap.Field) {
	if a == nil {
		return
	}
	base := []zap.Field{
		zap.String("event", string(ev)),
		zap.Int64("unit_id", unitID),
	}
	if campaignID != 0 {
		base = append(base, zap.Int64("campaign_id", campaignID))
	}
	a.log.Info("audit", append(base, fields...)...)
}
