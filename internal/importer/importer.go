// Package importer loads session storage-state files into the capacity store
// as free units.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"refdispatch/internal/browser"
	"refdispatch/internal/logging"
	"refdispatch/internal/notify"
	"refdispatch/internal/store"

	"go.uber.org/zap"
)

// ErrInvalidSession is returned for files that are not a storage state.
var ErrInvalidSession = errors.New("invalid session file")

// UnitAdder is the part of the store the importer writes to.
type UnitAdder interface {
	AddUnit(ctx context.Context, filename string, payload []byte) (int64, error)
}

// Result summarizes one import pass.
type Result struct {
	Imported   int
	Duplicates int
	Invalid    int
}

// Importer adds session files to the store and wakes idle workers when new
// units arrive.
type Importer struct {
	store UnitAdder
	waker notify.Waker
	log   *zap.Logger
	audit *logging.Auditor
}

// New creates an importer. waker may be nil.
func New(st UnitAdder, waker notify.Waker, log *zap.Logger, audit *logging.Auditor) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	if audit == nil {
		audit = logging.NopAuditor()
	}
	return &Importer{store: st, waker: waker, log: log, audit: audit}
}

// IsSessionFile reports whether path looks like an importable file.
func IsSessionFile(path string) bool {
	base := filepath.Base(path)
	return strings.EqualFold(filepath.Ext(base), ".json") && !strings.HasPrefix(base, ".")
}

// ImportFile adds one file. The unit is keyed by the file's base name, so a
// file imported twice reports store.ErrDuplicateUnit.
func (im *Importer) ImportFile(ctx context.Context, path string) (int64, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		return 0, fmt.Errorf("%w: %s is empty", ErrInvalidSession, path)
	}
	if _, err := browser.ParseStorageState(payload); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidSession, path, err)
	}

	name := filepath.Base(path)
	id, err := im.store.AddUnit(ctx, name, payload)
	if err != nil {
		return 0, err
	}
	im.audit.Event(logging.AuditImported, id, 0, zap.String("filename", name))
	im.log.Info("unit imported", zap.Int64("unit_id", id), zap.String("filename", name))
	return id, nil
}

// ImportDir imports every session file directly inside dir, in name order.
// Duplicates and invalid files are counted and skipped; a store failure
// aborts the pass.
func (im *Importer) ImportDir(ctx context.Context, dir string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var res Result
	for _, e := range entries {
		if e.IsDir() || !IsSessionFile(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		path := filepath.Join(dir, e.Name())
		switch _, err := im.ImportFile(ctx, path); {
		case err == nil:
			res.Imported++
		case errors.Is(err, store.ErrDuplicateUnit):
			res.Duplicates++
		case errors.Is(err, ErrInvalidSession):
			res.Invalid++
			im.log.Warn("skipping invalid session file", zap.String("path", path), zap.Error(err))
		default:
			return res, err
		}
	}

	im.log.Info("directory imported", zap.String("dir", dir),
		zap.Int("imported", res.Imported),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("invalid", res.Invalid))
	if res.Imported > 0 {
		im.wake(ctx)
	}
	return res, nil
}

func (im *Importer) wake(ctx context.Context) {
	if im.waker == nil {
		return
	}
	if err := im.waker.Wake(ctx); err != nil {
		im.log.Warn("wake failed", zap.Error(err))
	}
}
