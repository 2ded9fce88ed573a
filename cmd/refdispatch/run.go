package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refdispatch/internal/browser"
	"refdispatch/internal/config"
	"refdispatch/internal/dispatch"
	"refdispatch/internal/importer"
	"refdispatch/internal/logging"
	"refdispatch/internal/notify"
	"refdispatch/internal/pipeline"
	"refdispatch/internal/reporter"
	"refdispatch/internal/scheduler"
	"refdispatch/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch daemon until interrupted",
		Long: `Starts the worker pool. Each worker claims a batch of sessions for the
next campaign with spare capacity, runs the task flow for each, and records
the result. SIGINT/SIGTERM stop claiming; sessions already running finish
and unstarted ones are returned to the pool.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runDaemon(ctx)
		},
	}
}

func (a *app) runDaemon(ctx context.Context) error {
	boot := a.logs.Get(logging.CategoryBoot)
	audit := logging.NewAuditor(a.logs)
	cfg := a.cfg

	storeLog := a.logs.Get(logging.CategoryStore)
	st, err := openStoreWithRetry(ctx, func(ctx context.Context) (*store.Store, error) {
		return store.Open(ctx, cfg.Store, storeLog)
	}, cfg.Dispatch, boot)
	if err != nil {
		return err
	}
	defer st.Close()

	var waker notify.Waker = notify.NewLocal()
	rw, err := notify.Dial(ctx, cfg.Notify, a.logs.Get(logging.CategoryNotify))
	if err != nil {
		return err
	}
	if rw != nil {
		defer rw.Close()
		waker = rw
	}

	mgr := browser.NewManager(cfg.Browser, a.logs.Get(logging.CategoryBrowser),
		browser.WithInputSelector(cfg.Pipeline.InputSelector))
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			boot.Warn("browser shutdown", zap.Error(err))
		}
	}()

	pipe, err := pipeline.New(mgr, cfg.Pipeline, pipeline.NewLimiter(cfg.Browser.LaunchesPerMinute),
		a.logs.Get(logging.CategoryPipeline), audit)
	if err != nil {
		return err
	}

	if cfg.Importer.Enabled {
		im := importer.New(st, waker, a.logs.Get(logging.CategoryImporter), audit)
		w, err := importer.NewWatcher(im, cfg.Importer, a.logs.Get(logging.CategoryImporter))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			w.Stop()
			return err
		}
		defer w.Stop()
	}

	pool, err := dispatch.NewPool(dispatch.Components{
		Scheduler: scheduler.New(st, cfg.Scheduler, a.logs.Get(logging.CategoryScheduler), audit),
		Pipeline:  pipe,
		Reporter:  reporter.New(st, cfg.Dispatch, a.logs.Get(logging.CategoryReporter), audit),
		Waker:     waker,
	}, cfg.Dispatch, a.logs.Get(logging.CategoryDispatch))
	if err != nil {
		return err
	}

	boot.Info("refdispatch started",
		zap.String("driver", cfg.Store.NormalizedDriver()),
		zap.Int("workers", cfg.Dispatch.Workers),
		zap.Int("pool_size", cfg.Dispatch.PoolSize),
		zap.Bool("importer", cfg.Importer.Enabled),
		zap.Bool("redis_wake", rw != nil))

	err = pool.Run(ctx)
	boot.Info("refdispatch stopped")
	return err
}

// openStoreWithRetry calls open until the database answers or ctx ends,
// backing off the way a worker does when the store drops. Errors other
// than store.ErrUnreachable fail at once.
func openStoreWithRetry(ctx context.Context, open func(context.Context) (*store.Store, error),
	cfg config.DispatchConfig, log *zap.Logger) (*store.Store, error) {
	op := func() (*store.Store, error) {
		st, err := open(ctx)
		if err != nil && !errors.Is(err, store.ErrUnreachable) {
			return nil, backoff.Permanent(err)
		}
		return st, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(dispatch.NewStoreBackOff(cfg)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("store unavailable, retrying", zap.Duration("retry_in", d), zap.Error(err))
		}))
}
