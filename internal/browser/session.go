package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"refdispatch/internal/automation"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// findTextJS returns the last visible element matching selector whose text
// contains the given fragment and which has no matching descendant that also
// contains it. "Last" picks the most recent chat message.
const findTextJS = `(selector, text) => {
	const visible = (el) => !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
	const textOf = (el) => (el.innerText || el.textContent || "");
	let found = null;
	for (const el of document.querySelectorAll(selector)) {
		if (!visible(el) || !textOf(el).includes(text)) continue;
		const nested = Array.from(el.querySelectorAll(selector)).some((c) => textOf(c).includes(text));
		if (!nested) found = el;
	}
	return found;
}`

// closeTimeout bounds session teardown, which has no caller deadline.
const closeTimeout = 10 * time.Second

const (
	clickableSelector = "*"
	messageSelector   = "div"
	buttonSelector    = "button, a, [role=button]"
)

// Session is one incognito browser context with its main page.
type Session struct {
	id        string
	manager   *Manager
	incognito *rod.Browser
	page      *rod.Page
	log       *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ automation.Session = (*Session)(nil)

// ID returns the session's uuid.
func (s *Session) ID() string { return s.id }

// restore loads cookies and localStorage into the fresh context and opens
// the main page.
func (s *Session) restore(ctx context.Context, state StorageState) error {
	if cookies := state.CookieParams(); len(cookies) > 0 {
		if err := s.incognito.SetCookies(cookies); err != nil {
			return fmt.Errorf("restore cookies: %w", classify(ctx, err))
		}
	}

	page, err := s.incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("create page: %w", classify(ctx, err))
	}
	s.page = page
	s.manager.setViewport(page)

	// localStorage is per origin: load each origin before writing to it.
	for _, origin := range state.Origins {
		if len(origin.LocalStorage) == 0 {
			continue
		}
		localJSON, err := origin.localStorageJSON()
		if err != nil {
			return fmt.Errorf("encode local storage for %s: %w", origin.Origin, err)
		}
		if err := s.navigate(ctx, origin.Origin); err != nil {
			return fmt.Errorf("restore origin %s: %w", origin.Origin, err)
		}
		if err := restoreStorage(page.Context(ctx), localJSON); err != nil {
			return fmt.Errorf("restore local storage for %s: %w", origin.Origin, classify(ctx, err))
		}
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) navigate(ctx context.Context, url string) error {
	tctx, cancel := context.WithTimeout(ctx, s.manager.cfg.GetNavigationTimeout())
	defer cancel()
	p := s.page.Context(tctx)
	if err := p.Navigate(url); err != nil {
		return s.fail(ctx, err)
	}
	if err := p.WaitLoad(); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// Navigate implements automation.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.isClosed() {
		return automation.ErrSessionClosed
	}
	if err := s.navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// SubmitText implements automation.Session.
func (s *Session) SubmitText(ctx context.Context, text string, timeout time.Duration) error {
	if s.isClosed() {
		return automation.ErrSessionClosed
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := s.page.Context(tctx)
	el, err := p.Element(s.manager.inputSelector)
	if err != nil {
		return fmt.Errorf("find input %q: %w", s.manager.inputSelector, s.fail(ctx, err))
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("focus input: %w", s.fail(ctx, err))
	}
	if err := p.InsertText(text); err != nil {
		return fmt.Errorf("type %q: %w", text, s.fail(ctx, err))
	}
	if err := p.KeyActions().Type(input.Enter).Do(); err != nil {
		return fmt.Errorf("submit %q: %w", text, s.fail(ctx, err))
	}
	return nil
}

func (s *Session) findText(ctx context.Context, page *rod.Page, selector, text string) (*rod.Element, error) {
	el, err := page.ElementByJS(rod.Eval(findTextJS, selector, text))
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return el, nil
}

// ClickText implements automation.Session.
func (s *Session) ClickText(ctx context.Context, text string, timeout time.Duration) error {
	if s.isClosed() {
		return automation.ErrSessionClosed
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	el, err := s.findText(ctx, s.page.Context(tctx), clickableSelector, text)
	if err != nil {
		return fmt.Errorf("locate %q: %w", text, err)
	}
	if err := el.ScrollIntoView(); err != nil {
		s.log.Debug("scroll into view failed", zap.String("text", text), zap.Error(err))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", text, s.fail(ctx, err))
	}
	s.log.Debug("clicked", zap.String("text", text))
	return nil
}

// ReadText implements automation.Session.
func (s *Session) ReadText(ctx context.Context, containing string, timeout time.Duration) (string, error) {
	if s.isClosed() {
		return "", automation.ErrSessionClosed
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	el, err := s.findText(ctx, s.page.Context(tctx), messageSelector, containing)
	if err != nil {
		return "", fmt.Errorf("locate %q: %w", containing, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("read %q: %w", containing, s.fail(ctx, err))
	}
	return text, nil
}

// Visit implements automation.Session. A clickText element that does not
// show up within timeout is reported as clicked=false with a nil error.
func (s *Session) Visit(ctx context.Context, url, clickText string, timeout time.Duration) (bool, error) {
	if s.isClosed() {
		return false, automation.ErrSessionClosed
	}
	aux, err := s.incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return false, fmt.Errorf("open page for %s: %w", url, s.fail(ctx, err))
	}
	defer func() {
		if err := aux.Close(); err != nil {
			s.log.Debug("closing visit page failed", zap.Error(err))
		}
	}()

	nctx, cancel := context.WithTimeout(ctx, s.manager.cfg.GetNavigationTimeout())
	defer cancel()
	np := aux.Context(nctx)
	if err := np.Navigate(url); err != nil {
		return false, fmt.Errorf("visit %s: %w", url, s.fail(ctx, err))
	}
	if err := np.WaitLoad(); err != nil {
		return false, fmt.Errorf("visit %s: %w", url, s.fail(ctx, err))
	}

	tctx, cancelClick := context.WithTimeout(ctx, timeout)
	defer cancelClick()
	el, err := s.findText(ctx, aux.Context(tctx), buttonSelector, clickText)
	if errors.Is(err, automation.ErrTimeout) {
		s.log.Debug("no element to click", zap.String("url", url), zap.String("text", clickText))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("visit %s: %w", url, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, fmt.Errorf("click %q on %s: %w", clickText, url, s.fail(ctx, err))
	}
	return true, nil
}

// Focus implements automation.Session. Page.Activate sends through the
// browser handle, so the call is bound to a browser clone carrying tctx.
func (s *Session) Focus(ctx context.Context, timeout time.Duration) error {
	if s.isClosed() {
		return automation.ErrSessionClosed
	}
	err := bounded(ctx, timeout, func(tctx context.Context) error {
		return proto.TargetActivateTarget{TargetID: s.page.TargetID}.Call(s.incognito.Context(tctx))
	})
	if err != nil {
		return fmt.Errorf("focus: %w", s.fail(ctx, err))
	}
	return nil
}

// Close implements automation.Session. Disposing the incognito context
// closes every page in it. Disposal is bounded by closeTimeout.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.manager.forget(s.id)
	err := bounded(context.Background(), closeTimeout, func(tctx context.Context) error {
		return s.incognito.Context(tctx).Close()
	})
	s.log.Debug("session closed")
	err = classify(context.Background(), err)
	if err != nil && !errors.Is(err, automation.ErrSessionClosed) {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// bounded runs fn with ctx limited to timeout. A non-positive timeout
// leaves ctx as is.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(tctx)
}

// fail classifies err, treating any failure after Close as a closed session.
func (s *Session) fail(ctx context.Context, err error) error {
	if s.isClosed() {
		return automation.ErrSessionClosed
	}
	return classify(ctx, err)
}

// classify maps rod and CDP errors onto the automation taxonomy. ctx is the
// caller's context: its own cancellation is returned as is, while a deadline
// that only a step timeout imposed becomes ErrTimeout.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var pageNotFound *rod.PageNotFoundError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return automation.ErrTimeout
	case errors.Is(err, cdp.ErrSessionNotFound),
		errors.As(err, &pageNotFound),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", automation.ErrSessionClosed, err)
	default:
		return err
	}
}
