// Package browser implements the automation capability on top of Chrome via
// go-rod. One Manager owns one Chrome process; every session it opens lives
// in its own incognito context, restored from the unit's storage state.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"refdispatch/internal/automation"
	"refdispatch/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInputSelector locates the chat input field.
const DefaultInputSelector = "textarea"

// Option configures a Manager.
type Option func(*Manager)

// WithInputSelector sets the CSS selector SubmitText types into.
func WithInputSelector(selector string) Option {
	return func(m *Manager) {
		if selector != "" {
			m.inputSelector = selector
		}
	}
}

// Manager owns the Chrome instance and tracks open sessions.
type Manager struct {
	cfg           config.BrowserConfig
	log           *zap.Logger
	inputSelector string

	mu         sync.Mutex
	browser    *rod.Browser
	launch     *launcher.Launcher // nil when attached to an external Chrome
	controlURL string
	sessions   map[string]*Session
}

var _ automation.Launcher = (*Manager)(nil)

// NewManager creates a manager. Chrome is started lazily by the first Open.
func NewManager(cfg config.BrowserConfig, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:           cfg,
		log:           log,
		inputSelector: DefaultInputSelector,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start connects to the configured DevTools endpoint or launches Chrome.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection, reconnecting")
		m.closeLocked()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := m.launcher()
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
		m.launch = l
	}

	// The connection outlives any single run; per-call contexts are applied
	// on pages.
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if m.launch != nil {
			m.launch.Kill()
			m.launch = nil
		}
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = b
	m.controlURL = controlURL
	m.log.Info("browser connected", zap.Bool("launched", m.launch != nil))
	return nil
}

// launcher builds the Chrome launcher from browser.launch: the first entry
// is the binary, the rest are flags ("--name=value" or "--name").
func (m *Manager) launcher() *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.Headless)
	if len(m.cfg.Launch) == 0 {
		return l
	}
	if bin := m.cfg.Launch[0]; bin != "" {
		l = l.Bin(bin)
	}
	for _, raw := range m.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// ControlURL returns the DevTools WebSocket URL, empty before Start.
func (m *Manager) ControlURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlURL
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Open implements automation.Launcher. It creates an incognito context,
// restores the storage state into it and opens the main page.
func (m *Manager) Open(ctx context.Context, payload []byte) (automation.Session, error) {
	state, err := ParseStorageState(payload)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.startLocked(ctx); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	b := m.browser
	m.mu.Unlock()

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", classify(ctx, err))
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		manager:   m,
		incognito: incognito,
		log:       m.log.With(zap.String("browser_session", id)),
	}

	if err := s.restore(ctx, state); err != nil {
		_ = incognito.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.log.Debug("session opened",
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)))
	return s, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Shutdown closes every session and the browser. A launched Chrome process
// is killed and its profile directory removed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.launch != nil {
		m.launch.Kill()
		m.launch.Cleanup()
		m.launch = nil
	}
	m.controlURL = ""
	if err != nil && !errors.Is(classify(context.Background(), err), automation.ErrSessionClosed) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// setViewport applies the configured viewport to a page.
func (m *Manager) setViewport(page *rod.Page) {
	w, h := m.cfg.ViewportWidth, m.cfg.ViewportHeight
	if w <= 0 || h <= 0 {
		return
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             w,
		Height:            h,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.log.Debug("failed to set viewport", zap.Error(err))
	}
}
