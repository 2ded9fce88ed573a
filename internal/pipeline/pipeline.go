// Package pipeline runs the fixed per-unit protocol against one campaign:
// open a session from the unit's payload, enter the bot, walk the reward
// actions, and report how it went.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"refdispatch/internal/automation"
	"refdispatch/internal/config"
	"refdispatch/internal/logging"
	"refdispatch/internal/store"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Status is the result class of a run.
type Status int

const (
	Completed Status = iota
	Failed
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrExtractionMiss means the task message carried no recognizable target.
var ErrExtractionMiss = errors.New("no target in task message")

// StepError records which protocol step failed.
type StepError struct {
	Step  string // launch, navigate, submit, menu, action, visit, focus, verify, back
	Label string // reward label, when the step belongs to one
	Err   error
}

func (e *StepError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Step, e.Label, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ActionResult is what happened for one reward label.
type ActionResult struct {
	Label      string
	Target     string // extracted identifier, empty on a miss
	Subscribed bool   // the visit found and clicked the subscribe element
	Err        error  // recoverable error recorded for this action
}

// Outcome is the result of one Run.
type Outcome struct {
	Status   Status
	Err      error // first unrecoverable error, nil when Completed
	Actions  []ActionResult
	Duration time.Duration
}

// Pipeline executes the protocol. It is safe for concurrent use; every Run
// opens its own session.
type Pipeline struct {
	launcher    automation.Launcher
	cfg         config.PipelineConfig
	pattern     *regexp.Regexp
	limiter     *rate.Limiter
	stepTimeout time.Duration
	settle      time.Duration
	log         *zap.Logger
	audit       *logging.Auditor
}

// NewLimiter returns the session launch limiter for a per-minute budget.
// perMinute <= 0 disables limiting.
func NewLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Max(1, math.Ceil(perMinute/60)))
	return rate.NewLimiter(rate.Limit(perMinute/60), burst)
}

// New validates cfg and builds a pipeline. A nil limiter means unlimited.
func New(l automation.Launcher, cfg config.PipelineConfig, limiter *rate.Limiter, log *zap.Logger, audit *logging.Auditor) (*Pipeline, error) {
	if l == nil {
		return nil, errors.New("pipeline: launcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pattern, err := regexp.Compile(cfg.TargetPattern)
	if err != nil {
		return nil, fmt.Errorf("compile target pattern: %w", err)
	}
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if audit == nil {
		audit = logging.NopAuditor()
	}
	return &Pipeline{
		launcher:    l,
		cfg:         cfg,
		pattern:     pattern,
		limiter:     limiter,
		stepTimeout: cfg.GetStepTimeout(),
		settle:      cfg.GetSettleDelay(),
		log:         log,
		audit:       audit,
	}, nil
}

// ExtractTarget returns the first capture group of the target pattern in
// text.
func (p *Pipeline) ExtractTarget(text string) (string, bool) {
	m := p.pattern.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// Run executes the protocol for unit on behalf of campaign. The session is
// closed on every path.
func (p *Pipeline) Run(ctx context.Context, campaign *store.Campaign, unit store.Unit) Outcome {
	start := time.Now()
	log := p.log.With(
		zap.Int64("unit_id", unit.ID),
		zap.String("filename", unit.Filename),
		zap.Int64("campaign_id", campaign.ID))

	p.audit.Event(logging.AuditRunStart, unit.ID, campaign.ID, zap.Int("attempt", unit.Attempts))
	log.Info("run started", zap.String("url", campaign.URL))

	out := p.run(ctx, log, campaign, unit)
	out.Duration = time.Since(start)

	fields := []zap.Field{
		zap.String("status", out.Status.String()),
		zap.Duration("elapsed", out.Duration),
		zap.Int("actions", len(out.Actions)),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
		log.Warn("run failed", fields...)
	} else {
		log.Info("run completed", fields...)
	}
	p.audit.Event(logging.AuditRunEnd, unit.ID, campaign.ID, fields...)
	return out
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, campaign *store.Campaign, unit store.Unit) Outcome {
	fail := func(out Outcome, step, label string, err error) Outcome {
		out.Status = Failed
		out.Err = &StepError{Step: step, Label: label, Err: err}
		p.audit.Event(logging.AuditStepFail, unit.ID, campaign.ID,
			zap.String("step", step), zap.String("label", label), zap.Error(err))
		return out
	}

	var out Outcome
	if err := p.limiter.Wait(ctx); err != nil {
		return fail(out, "launch", "", err)
	}
	session, err := p.launcher.Open(ctx, unit.Payload)
	if err != nil {
		return fail(out, "launch", "", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("session close failed", zap.Error(err))
		}
	}()

	if err := session.Navigate(ctx, campaign.URL); err != nil {
		return fail(out, "navigate", "", err)
	}
	if err := p.pause(ctx); err != nil {
		return fail(out, "navigate", "", err)
	}
	if err := session.SubmitText(ctx, p.cfg.EntryCommand, p.stepTimeout); err != nil {
		return fail(out, "submit", "", err)
	}
	if err := p.pause(ctx); err != nil {
		return fail(out, "submit", "", err)
	}
	if err := p.click(ctx, session, p.cfg.MenuLabel); err != nil {
		return fail(out, "menu", "", err)
	}

	for _, label := range p.cfg.RewardLabels {
		res, step, err := p.action(ctx, log, session, label)
		out.Actions = append(out.Actions, res)
		if err != nil {
			return fail(out, step, label, err)
		}
	}

	out.Status = Completed
	return out
}

// action runs one reward label. A non-nil error is unrecoverable; recoverable
// problems are recorded on the result.
func (p *Pipeline) action(ctx context.Context, log *zap.Logger, session automation.Session, label string) (ActionResult, string, error) {
	res := ActionResult{Label: label}
	alog := log.With(zap.String("label", label))

	if err := p.click(ctx, session, label); err != nil {
		return res, "action", err
	}

	target, err := p.readTarget(ctx, session)
	if err != nil {
		if !errors.Is(err, ErrExtractionMiss) {
			return res, "action", err
		}
		res.Err = err
		alog.Warn("no target extracted, skipping action", zap.Error(err))
		return res, "", nil
	}
	res.Target = target
	alog.Info("target extracted", zap.String("target", target))

	subscribed, err := session.Visit(ctx, fmt.Sprintf(p.cfg.TargetURL, target), p.cfg.SubscribeLabel, p.stepTimeout)
	switch {
	case err == nil:
		res.Subscribed = subscribed
		if !subscribed {
			alog.Info("already subscribed or no subscribe button", zap.String("target", target))
		}
	case automation.IsUnrecoverable(err) && !errors.Is(err, automation.ErrTimeout):
		return res, "visit", err
	default:
		res.Err = &StepError{Step: "visit", Label: label, Err: err}
		alog.Warn("visit failed, continuing", zap.String("target", target), zap.Error(err))
	}

	if err := session.Focus(ctx, p.stepTimeout); err != nil {
		return res, "focus", err
	}
	if err := p.click(ctx, session, p.cfg.VerifyLabel); err != nil {
		return res, "verify", err
	}
	if err := p.click(ctx, session, p.cfg.BackLabel); err != nil {
		return res, "back", err
	}
	return res, "", nil
}

// readTarget reads the task message and extracts the target. A message that
// never appears, or carries no match, is an extraction miss; a dead session
// or cancelled context is returned as is.
func (p *Pipeline) readTarget(ctx context.Context, session automation.Session) (string, error) {
	text, err := session.ReadText(ctx, p.cfg.PromptMarker, p.stepTimeout)
	if err != nil {
		if errors.Is(err, automation.ErrTimeout) {
			return "", fmt.Errorf("%w: %v", ErrExtractionMiss, err)
		}
		return "", err
	}
	target, ok := p.ExtractTarget(text)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrExtractionMiss, truncate(text, 120))
	}
	return target, nil
}

func (p *Pipeline) click(ctx context.Context, session automation.Session, label string) error {
	if err := session.ClickText(ctx, label, p.stepTimeout); err != nil {
		return err
	}
	return p.pause(ctx)
}

// pause waits the settle delay so the client can render the response.
func (p *Pipeline) pause(ctx context.Context) error {
	if p.settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
