// Package notify carries "new work may be available" signals to idle
// dispatch loops, so an import or a new campaign does not wait out the full
// idle backoff.
package notify

import (
	"context"
	"sync"
)

// Waker broadcasts wake-ups.
type Waker interface {
	// Wake signals every current waiter.
	Wake(ctx context.Context) error
	// Wait returns a channel that is closed by the next Wake. Obtain it
	// before checking for work so a wake in between is not lost.
	Wait() <-chan struct{}
}

// Local is an in-process Waker.
type Local struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewLocal returns an in-process waker.
func NewLocal() *Local {
	return &Local{ch: make(chan struct{})}
}

// Wake implements Waker.
func (l *Local) Wake(context.Context) error {
	l.mu.Lock()
	close(l.ch)
	l.ch = make(chan struct{})
	l.mu.Unlock()
	return nil
}

// Wait implements Waker.
func (l *Local) Wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}
