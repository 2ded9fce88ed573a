package dispatch

import (
	"context"
	"fmt"

	"refdispatch/internal/config"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs several loops against one store. The store's claim transaction
// keeps their batches disjoint.
type Pool struct {
	loops []*Loop
	log   *zap.Logger
}

// NewPool creates cfg.Workers loops sharing c.
func NewPool(c Components, cfg config.DispatchConfig, log *zap.Logger) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n := cfg.Workers
	if n < 1 {
		n = 1
	}
	p := &Pool{log: log}
	for i := 0; i < n; i++ {
		l, err := NewLoop(c, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		p.loops = append(p.loops, l)
	}
	return p, nil
}

// Loops returns the pool's loops.
func (p *Pool) Loops() []*Loop { return p.loops }

// Run runs every loop until ctx is cancelled and all have stopped.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("dispatch pool starting", zap.Int("workers", len(p.loops)))
	var g errgroup.Group
	for _, l := range p.loops {
		g.Go(func() error { return l.Run(ctx) })
	}
	err := g.Wait()
	p.log.Info("dispatch pool stopped")
	return err
}
