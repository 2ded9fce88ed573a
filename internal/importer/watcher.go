package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"refdispatch/internal/config"
	"refdispatch/internal/store"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ArchiveDir is the subdirectory of the watch dir that receives processed
// files.
const ArchiveDir = "imported"

const minDebounce = 10 * time.Millisecond

// WatcherStats counts watcher activity.
type WatcherStats struct {
	Imported   int
	Duplicates int
	Invalid    int
	Errors     int
	LastPath   string
	LastEvent  time.Time
}

// Watcher imports session files dropped into a directory. A file is imported
// once it has been quiet for the debounce window, then moved to ArchiveDir.
// Invalid files are left in place.
type Watcher struct {
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	im         *Importer
	dir        string
	archiveDir string
	pending    map[string]time.Time
	debounce   time.Duration
	retryDelay time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
	log        *zap.Logger

	stats WatcherStats
}

// NewWatcher creates a watcher on cfg.WatchDir.
func NewWatcher(im *Importer, cfg config.ImporterConfig, log *zap.Logger) (*Watcher, error) {
	if cfg.WatchDir == "" {
		return nil, errors.New("importer: watch_dir is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    fw,
		im:         im,
		dir:        cfg.WatchDir,
		archiveDir: filepath.Join(cfg.WatchDir, ArchiveDir),
		pending:    make(map[string]time.Time),
		debounce:   max(cfg.GetDebounce(), minDebounce),
		retryDelay: cfg.GetRetryDelay(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		log:        log,
	}, nil
}

// Start begins watching. Files already in the directory are queued too.
// It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.prepare(); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) prepare() error {
	if err := os.MkdirAll(w.archiveDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", w.archiveDir, err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching for session files", zap.String("dir", w.dir))

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", w.dir, err)
	}
	w.mu.Lock()
	for _, e := range entries {
		if !e.IsDir() && IsSessionFile(e.Name()) {
			w.pending[filepath.Join(w.dir, e.Name())] = time.Time{}
		}
	}
	w.mu.Unlock()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit. It is safe
// to call on a watcher that never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Error("closing watcher", zap.Error(err))
	}
	w.log.Info("watcher stopped")
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(min(100*time.Millisecond, w.debounce))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-tick.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !IsSessionFile(ev.Name) || filepath.Dir(ev.Name) != filepath.Clean(w.dir) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	now := time.Now()
	w.mu.Lock()
	w.pending[ev.Name] = now
	w.stats.LastPath = ev.Name
	w.stats.LastEvent = now
	w.mu.Unlock()
}

func (w *Watcher) processSettled(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	imported := 0
	for _, path := range ready {
		if w.importOne(ctx, path) {
			imported++
		}
	}
	if imported > 0 {
		w.im.wake(ctx)
	}
}

// importOne imports and archives path. It reports whether a new unit was
// added.
func (w *Watcher) importOne(ctx context.Context, path string) bool {
	_, err := w.im.ImportFile(ctx, path)
	switch {
	case err == nil:
		w.archive(path)
		w.count(func(s *WatcherStats) { s.Imported++ })
		return true
	case errors.Is(err, store.ErrDuplicateUnit):
		w.log.Debug("already imported", zap.String("path", path))
		w.archive(path)
		w.count(func(s *WatcherStats) { s.Duplicates++ })
	case errors.Is(err, os.ErrNotExist):
	case errors.Is(err, ErrInvalidSession):
		w.log.Warn("invalid session file left in place", zap.String("path", path), zap.Error(err))
		w.count(func(s *WatcherStats) { s.Invalid++ })
	default:
		w.log.Error("import failed, will retry", zap.String("path", path),
			zap.Duration("retry_in", w.retryDelay), zap.Error(err))
		w.count(func(s *WatcherStats) { s.Errors++ })
		w.requeue(path)
	}
	return false
}

// requeue schedules path for another attempt after retryDelay. A newer
// event already pending with a later timestamp is kept.
func (w *Watcher) requeue(path string) {
	at := time.Now().Add(w.retryDelay - w.debounce)
	w.mu.Lock()
	if prev, ok := w.pending[path]; !ok || prev.Before(at) {
		w.pending[path] = at
	}
	w.mu.Unlock()
}

func (w *Watcher) archive(path string) {
	dest := filepath.Join(w.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn("archive failed", zap.String("path", path), zap.Error(err))
		w.count(func(s *WatcherStats) { s.Errors++ })
	}
}

func (w *Watcher) count(f func(*WatcherStats)) {
	w.mu.Lock()
	f(&w.stats)
	w.mu.Unlock()
}
