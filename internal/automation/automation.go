// Package automation defines the capability the task pipeline drives: open
// an isolated client session from a stored session payload, navigate, type,
// click and read by visible text, then tear the session down.
//
// The go-rod implementation lives in internal/browser; tests use the
// scripted fake in automation/automationtest.
package automation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout means a bounded wait expired before its element appeared.
	ErrTimeout = errors.New("automation: step timed out")
	// ErrSessionClosed means the client session or its transport is gone.
	ErrSessionClosed = errors.New("automation: session closed")
)

// Launcher opens client sessions.
type Launcher interface {
	// Open starts an isolated session restored from payload, an opaque
	// storage-state blob.
	Open(ctx context.Context, payload []byte) (Session, error)
}

// Session is one live client session. Methods are not safe for concurrent
// use; a session belongs to a single pipeline run.
type Session interface {
	// Navigate loads url in the main page.
	Navigate(ctx context.Context, url string) error
	// SubmitText types text into the input field and submits it.
	SubmitText(ctx context.Context, text string, timeout time.Duration) error
	// ClickText clicks the last element whose visible text contains text.
	ClickText(ctx context.Context, text string, timeout time.Duration) error
	// ReadText returns the visible text of the last element containing
	// the given fragment.
	ReadText(ctx context.Context, containing string, timeout time.Duration) (string, error)
	// Visit opens url in an auxiliary page, clicks clickText when it shows
	// up within timeout, and closes the page. clicked reports whether the
	// element was found.
	Visit(ctx context.Context, url, clickText string, timeout time.Duration) (clicked bool, err error)
	// Focus brings the main page back to the front.
	Focus(ctx context.Context, timeout time.Duration) error
	// Close releases the session. It is safe to call more than once.
	Close() error
}

// IsUnrecoverable reports whether err should abort a pipeline run.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
