// Package automationtest provides a scripted in-memory automation backend.
package automationtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"refdispatch/internal/automation"
)

// Call is one recorded session operation, e.g. {"click", "Задания"}.
type Call struct {
	Op  string
	Arg string
}

func (c Call) String() string { return c.Op + ":" + c.Arg }

// Script describes how fake sessions respond.
type Script struct {
	// Prompts maps a clicked label to the text ReadText returns afterwards.
	// A label without an entry leaves the previous text in place.
	Prompts map[string]string
	// Errors fails an operation, keyed by Call.String() ("click:Проверить").
	Errors map[string]error
	// Block makes an operation hang until its timeout expires (ErrTimeout)
	// or its context ends, keyed like Errors.
	Block map[string]bool
	// NoButton lists visited URLs whose page has no clickable element.
	NoButton map[string]bool
	// OpenErr fails Launcher.Open.
	OpenErr error
}

// Launcher hands out fake sessions that all follow one script.
type Launcher struct {
	Script Script

	mu       sync.Mutex
	sessions []*Session
}

// NewLauncher returns a launcher for script.
func NewLauncher(script Script) *Launcher {
	return &Launcher{Script: script}
}

// Open implements automation.Launcher.
func (l *Launcher) Open(ctx context.Context, payload []byte) (automation.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Script.OpenErr != nil {
		return nil, l.Script.OpenErr
	}
	s := &Session{script: l.Script, Payload: payload}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Session is a fake automation.Session that records its calls.
type Session struct {
	Payload []byte

	script Script

	mu     sync.Mutex
	calls  []Call
	screen string
	closed bool
}

func (s *Session) do(ctx context.Context, op, arg string, timeout time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, Arg: arg})
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return automation.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := Call{Op: op, Arg: arg}.String()
	if s.script.Block[key] {
		if timeout <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return fmt.Errorf("%s %q: %w", op, arg, automation.ErrTimeout)
		}
	}
	if err, ok := s.script.Errors[key]; ok {
		return err
	}
	return nil
}

// Navigate implements automation.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.do(ctx, "navigate", url, 0)
}

// SubmitText implements automation.Session.
func (s *Session) SubmitText(ctx context.Context, text string, timeout time.Duration) error {
	return s.do(ctx, "submit", text, timeout)
}

// ClickText implements automation.Session.
func (s *Session) ClickText(ctx context.Context, text string, timeout time.Duration) error {
	if err := s.do(ctx, "click", text, timeout); err != nil {
		return err
	}
	if p, ok := s.script.Prompts[text]; ok {
		s.mu.Lock()
		s.screen = p
		s.mu.Unlock()
	}
	return nil
}

// ReadText implements automation.Session.
func (s *Session) ReadText(ctx context.Context, containing string, timeout time.Duration) (string, error) {
	if err := s.do(ctx, "read", containing, timeout); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.Contains(s.screen, containing) {
		return "", fmt.Errorf("read %q: %w", containing, automation.ErrTimeout)
	}
	return s.screen, nil
}

// Visit implements automation.Session.
func (s *Session) Visit(ctx context.Context, url, clickText string, timeout time.Duration) (bool, error) {
	if err := s.do(ctx, "visit", url, timeout); err != nil {
		return false, err
	}
	return !s.script.NoButton[url], nil
}

// Focus implements automation.Session.
func (s *Session) Focus(ctx context.Context, timeout time.Duration) error {
	return s.do(ctx, "focus", "", timeout)
}

// Close implements automation.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Calls returns the recorded operations in order.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
