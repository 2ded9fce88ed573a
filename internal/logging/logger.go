// Package logging builds the categorized zap loggers used across refdispatch.
// Every component receives a logger named after its category, so one process
// log can be filtered per subsystem.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryStore     Category = "store"     // Capacity store, migrations
	CategoryScheduler Category = "scheduler" // Claim decisions
	CategoryPipeline  Category = "pipeline"  // Per-unit automation runs
	CategoryBrowser   Category = "browser"   // Chrome process and pages
	CategoryReporter  Category = "reporter"  // Unit state commits
	CategoryDispatch  Category = "dispatch"  // Seeking/draining loop
	CategoryImporter  Category = "importer"  // Session file import and watch
	CategoryNotify    Category = "notify"    // Wake signals
	CategoryAudit     Category = "audit"     // Unit lifecycle events
)

// AllCategories lists every category in declaration order.
var AllCategories = []Category{
	CategoryBoot, CategoryStore, CategoryScheduler, CategoryPipeline, CategoryBrowser,
	CategoryReporter, CategoryDispatch, CategoryImporter, CategoryNotify, CategoryAudit,
}

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, text
	File       string          // optional extra sink, appended
	Categories map[string]bool // per-category toggles; missing = enabled
}

// Logger is the root logger plus the category filter.
type Logger struct {
	root       *zap.Logger
	categories map[string]bool
	closeFile  func() error
}

// New builds a root logger from opts. The returned Logger must be closed at
// shutdown to flush and release the file sink.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "text", "console":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q (valid: json, text)", opts.Format)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	closeFile := func() error { return nil }
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		sinks = append(sinks, zapcore.Lock(f))
		closeFile = f.Close
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return &Logger{
		root:       zap.New(core, zap.AddCaller()),
		categories: opts.Categories,
		closeFile:  closeFile,
	}, nil
}

// Wrap adapts an existing zap logger (tests use zaptest/zap.NewNop).
func Wrap(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{root: l, closeFile: func() error { return nil }}
}

// ParseLevel maps a config level string to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// IsCategoryEnabled reports whether a category is enabled (default true).
func (l *Logger) IsCategoryEnabled(category Category) bool {
	if l.categories == nil {
		return true
	}
	enabled, exists := l.categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns the logger for a category, or a no-op logger when disabled.
func (l *Logger) Get(category Category) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	if !l.IsCategoryEnabled(category) {
		return zap.NewNop()
	}
	return l.root.Named(string(category))
}

// Root returns the unnamed root logger.
func (l *Logger) Root() *zap.Logger {
	return l.root
}

// Close flushes buffered entries and closes the file sink.
func (l *Logger) Close() error {
	_ = l.root.Sync() // stderr sync fails on some platforms
	return l.closeFile()
}

// Timer helps measure operation duration
type Timer struct {
	log   *zap.Logger
	op    string
	start time.Time
}

// StartTimer begins timing an operation
func StartTimer(log *zap.Logger, operation string) *Timer {
	return &Timer{log: log, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.log.Debug(t.op+" completed", zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	t.log.Info(t.op+" completed", zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		t.log.Warn(t.op+" slow", zap.Duration("elapsed", elapsed), zap.Duration("threshold", threshold))
	} else {
		t.log.Debug(t.op+" completed", zap.Duration("elapsed", elapsed))
	}
	return elapsed
}
