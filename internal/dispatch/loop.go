// Package dispatch drives the claim / run / report cycle.
//
// A Loop alternates between two states. Seeking asks the scheduler for a
// batch and sleeps when there is none. Draining pushes the batch through a
// bounded set of concurrent pipeline runs and reports each outcome. A Pool
// runs several Loops against the same store.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"refdispatch/internal/config"
	"refdispatch/internal/logging"
	"refdispatch/internal/notify"
	"refdispatch/internal/pipeline"
	"refdispatch/internal/scheduler"
	"refdispatch/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// reportTimeout bounds the store write after a run, independent of the run's
// own deadline.
const reportTimeout = 30 * time.Second

// State is the loop's current phase.
type State int

const (
	Seeking State = iota
	Draining
)

func (s State) String() string {
	switch s {
	case Seeking:
		return "seeking"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Acquirer hands out batches of claimed units.
type Acquirer interface {
	AcquireBatch(ctx context.Context) (scheduler.Batch, error)
}

// Runner executes the task pipeline for one unit.
type Runner interface {
	Run(ctx context.Context, campaign *store.Campaign, unit store.Unit) pipeline.Outcome
}

// Recorder commits outcomes and returns unstarted units.
type Recorder interface {
	Report(ctx context.Context, unit store.Unit, out pipeline.Outcome) error
	Release(ctx context.Context, unit store.Unit, reason string) error
}

// Components are the collaborators a Loop drives. Waker is optional.
type Components struct {
	Scheduler Acquirer
	Pipeline  Runner
	Reporter  Recorder
	Waker     notify.Waker
}

func (c Components) validate() error {
	if c.Scheduler == nil || c.Pipeline == nil || c.Reporter == nil {
		return errors.New("dispatch: scheduler, pipeline and reporter are required")
	}
	return nil
}

// Loop is one dispatch worker.
type Loop struct {
	id       string
	c        Components
	poolSize int64
	idle     time.Duration
	unitMax  time.Duration
	retry    *backoff.ExponentialBackOff
	log      *zap.Logger

	mu    sync.Mutex
	state State
}

// NewLoop creates a loop with a fresh worker id.
func NewLoop(c Components, cfg config.DispatchConfig, log *zap.Logger) (*Loop, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	idle := cfg.GetIdleBackoff()

	id := uuid.NewString()
	return &Loop{
		id:       id,
		c:        c,
		poolSize: int64(poolSize),
		idle:     idle,
		unitMax:  cfg.GetUnitTimeout(),
		retry:    NewStoreBackOff(cfg),
		log:      log.With(zap.String("worker_id", id)),
		state:    Seeking,
	}, nil
}

// NewStoreBackOff returns the backoff applied while the store is
// unavailable: it starts at store_retry_backoff and grows to idle_backoff.
func NewStoreBackOff(cfg config.DispatchConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.GetStoreRetryBackoff()
	b.MaxInterval = max(cfg.GetIdleBackoff(), b.InitialInterval)
	b.Reset()
	return b
}

// ID returns the worker id used in logs.
func (l *Loop) ID() string { return l.id }

// State returns the current phase.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run dispatches until ctx is cancelled, then lets in-flight runs finish,
// returns unstarted units of the current batch, and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("dispatch loop started",
		zap.Int64("pool_size", l.poolSize),
		zap.Duration("idle_backoff", l.idle))

	for ctx.Err() == nil {
		var wake <-chan struct{}
		if l.c.Waker != nil {
			wake = l.c.Waker.Wait()
		}

		batch, err := l.c.Scheduler.AcquireBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d := l.retry.NextBackOff()
			l.log.Warn("acquire failed, backing off", zap.Error(err), zap.Duration("retry_in", d))
			sleep(ctx, d, nil)
			continue
		}
		l.retry.Reset()

		if batch.Empty() {
			l.log.Debug("no work, idling", zap.Duration("idle_backoff", l.idle))
			if sleep(ctx, l.idle, wake) {
				l.log.Debug("woken")
			}
			continue
		}

		l.drain(ctx, batch)
	}

	l.log.Info("dispatch loop stopped")
	return nil
}

// drain runs every unit of batch. Runs are detached from stop so a shutdown
// does not cut a session short; units not yet started when stop fires are
// released.
func (l *Loop) drain(stop context.Context, batch scheduler.Batch) {
	l.setState(Draining)
	defer l.setState(Seeking)

	timer := logging.StartTimer(l.log, "drain batch")
	defer timer.StopWithInfo()

	work := context.WithoutCancel(stop)
	slots := semaphore.NewWeighted(l.poolSize)
	var g errgroup.Group

	for i, unit := range batch.Units {
		if err := slots.Acquire(stop, 1); err != nil {
			l.releaseAll(work, batch.Units[i:])
			break
		}
		g.Go(func() error {
			defer slots.Release(1)
			l.process(work, batch.Campaign, unit)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Loop) process(ctx context.Context, campaign *store.Campaign, unit store.Unit) {
	runCtx, cancel := context.WithTimeout(ctx, l.unitMax)
	out := l.c.Pipeline.Run(runCtx, campaign, unit)
	cancel()

	repCtx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	if err := l.c.Reporter.Report(repCtx, unit, out); err != nil {
		// The unit stays claimed; the store is the source of truth.
		l.log.Error("report failed", zap.Int64("unit_id", unit.ID),
			zap.String("outcome", out.Status.String()), zap.Error(err))
	}
}

func (l *Loop) releaseAll(ctx context.Context, units []store.Unit) {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	for _, u := range units {
		if err := l.c.Reporter.Release(ctx, u, "stopped before start"); err != nil {
			l.log.Error("release failed", zap.Int64("unit_id", u.ID), zap.Error(err))
		}
	}
	l.log.Info("released unstarted units", zap.Int("count", len(units)))
}

// sleep waits for d, a wake, or ctx. It reports whether a wake ended it.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}
