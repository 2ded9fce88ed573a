package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"refdispatch/internal/config"
	"refdispatch/internal/notify"
	"refdispatch/internal/pipeline"
	"refdispatch/internal/reporter"
	"refdispatch/internal/scheduler"
	"refdispatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedAcquirer struct {
	mu      sync.Mutex
	calls   int
	at      []time.Time
	batches []scheduler.Batch
	err     error
}

func (a *scriptedAcquirer) AcquireBatch(context.Context) (scheduler.Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.at = append(a.at, time.Now())
	if a.err != nil {
		return scheduler.Batch{}, a.err
	}
	if len(a.batches) == 0 {
		return scheduler.Batch{}, nil
	}
	b := a.batches[0]
	a.batches = a.batches[1:]
	return b, nil
}

func (a *scriptedAcquirer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Gaps returns the time between consecutive acquires.
func (a *scriptedAcquirer) Gaps() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	var gaps []time.Duration
	for i := 1; i < len(a.at); i++ {
		gaps = append(gaps, a.at[i].Sub(a.at[i-1]))
	}
	return gaps
}

type runnerFunc func(ctx context.Context, c *store.Campaign, u store.Unit) pipeline.Outcome

func (f runnerFunc) Run(ctx context.Context, c *store.Campaign, u store.Unit) pipeline.Outcome {
	return f(ctx, c, u)
}

func completed(context.Context, *store.Campaign, store.Unit) pipeline.Outcome {
	return pipeline.Outcome{Status: pipeline.Completed}
}

type recorder struct {
	mu       sync.Mutex
	reported []int64
	released []int64
}

func (r *recorder) Report(_ context.Context, u store.Unit, _ pipeline.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, u.ID)
	return nil
}

func (r *recorder) Release(_ context.Context, u store.Unit, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, u.ID)
	return nil
}

func (r *recorder) snapshot() (reported, released []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.reported...), append([]int64(nil), r.released...)
}

func fastConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Workers:           1,
		PoolSize:          1,
		IdleBackoff:       "10ms",
		StoreRetryBackoff: "1ms",
		UnitTimeout:       "5s",
		FailurePolicy:     config.FailureRelease,
		MaxAttempts:       3,
	}
}

func batchOf(ids ...int64) scheduler.Batch {
	b := scheduler.Batch{Campaign: &store.Campaign{ID: 1, Capacity: len(ids), Status: store.CampaignActive}}
	for _, id := range ids {
		b.Units = append(b.Units, store.Unit{ID: id, Status: store.UnitClaimed, ClaimedBy: 1, Attempts: 1})
	}
	return b
}

// start runs l in the background and returns a stop function that cancels
// and waits for Run to return.
func start(t *testing.T, run func(context.Context) error) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func TestNewLoop_RequiresComponents(t *testing.T) {
	_, err := NewLoop(Components{}, fastConfig(), nil)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "seeking", Seeking.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestLoop_StoreUnavailableKeepsRunning(t *testing.T) {
	acq := &scriptedAcquirer{err: fmt.Errorf("%w: dial tcp: connection refused", scheduler.ErrStoreUnavailable)}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.StoreRetryBackoff = "20ms"
	cfg.IdleBackoff = "200ms"
	l, err := NewLoop(Components{Scheduler: acq, Pipeline: runnerFunc(completed), Reporter: rec},
		cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := start(t, l.Run)
	require.Eventually(t, func() bool { return acq.Calls() >= 4 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, Seeking, l.State())
	stop()

	// The first wait is 20ms with +-50% jitter and later ones only grow.
	gaps := acq.Gaps()
	require.GreaterOrEqual(t, len(gaps), 3)
	for i, g := range gaps {
		assert.GreaterOrEqual(t, g, 9*time.Millisecond, "acquire %d retried without backing off", i+1)
	}

	reported, released := rec.snapshot()
	assert.Empty(t, reported)
	assert.Empty(t, released)
}

func TestNewStoreBackOff(t *testing.T) {
	b := NewStoreBackOff(config.DispatchConfig{StoreRetryBackoff: "1s", IdleBackoff: "4s"})
	b.RandomizationFactor = 0

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond,
		3375 * time.Millisecond, 4 * time.Second, 4 * time.Second,
	}, got)

	// An idle backoff below the first wait never shrinks it.
	b = NewStoreBackOff(config.DispatchConfig{StoreRetryBackoff: "2s", IdleBackoff: "1s"})
	assert.Equal(t, 2*time.Second, b.MaxInterval)
}

func TestLoop_DrainsBatch(t *testing.T) {
	acq := &scriptedAcquirer{batches: []scheduler.Batch{batchOf(1, 2, 3)}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.PoolSize = 2
	l, err := NewLoop(Components{Scheduler: acq, Pipeline: runnerFunc(completed), Reporter: rec},
		cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := start(t, l.Run)
	require.Eventually(t, func() bool {
		reported, _ := rec.snapshot()
		return len(reported) == 3
	}, 5*time.Second, time.Millisecond)
	stop()

	reported, released := rec.snapshot()
	assert.ElementsMatch(t, []int64{1, 2, 3}, reported)
	assert.Empty(t, released)
}

func TestLoop_StopReleasesUnstartedUnits(t *testing.T) {
	acq := &scriptedAcquirer{batches: []scheduler.Batch{batchOf(1, 2, 3)}}
	rec := &recorder{}
	started := make(chan struct{})
	unblock := make(chan struct{})
	var runCtxErr error

	runner := runnerFunc(func(ctx context.Context, _ *store.Campaign, u store.Unit) pipeline.Outcome {
		if u.ID == 1 {
			close(started)
			<-unblock
			runCtxErr = ctx.Err()
		}
		return pipeline.Outcome{Status: pipeline.Completed}
	})
	l, err := NewLoop(Components{Scheduler: acq, Pipeline: runner, Reporter: rec},
		fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-started
	assert.Equal(t, Draining, l.State())
	cancel()
	require.Eventually(t, func() bool {
		_, released := rec.snapshot()
		return len(released) == 2
	}, 5*time.Second, time.Millisecond)
	close(unblock)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	reported, released := rec.snapshot()
	assert.Equal(t, []int64{1}, reported, "in-flight unit finishes and is reported")
	assert.Equal(t, []int64{2, 3}, released)
	assert.NoError(t, runCtxErr, "in-flight run is not cancelled by stop")
}

func TestLoop_WakeEndsIdle(t *testing.T) {
	acq := &scriptedAcquirer{}
	waker := notify.NewLocal()
	cfg := fastConfig()
	cfg.IdleBackoff = "1h"
	l, err := NewLoop(Components{Scheduler: acq, Pipeline: runnerFunc(completed), Reporter: &recorder{}, Waker: waker},
		cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := start(t, l.Run)
	require.Eventually(t, func() bool { return acq.Calls() == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, waker.Wake(context.Background()))
	require.Eventually(t, func() bool { return acq.Calls() == 2 }, 5*time.Second, time.Millisecond)
	stop()
}

func TestLoop_ReportErrorDoesNotStopLoop(t *testing.T) {
	acq := &scriptedAcquirer{batches: []scheduler.Batch{batchOf(1), batchOf(2)}}
	rec := &failingRecorder{}
	l, err := NewLoop(Components{Scheduler: acq, Pipeline: runnerFunc(completed), Reporter: rec},
		fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := start(t, l.Run)
	require.Eventually(t, func() bool { return rec.count() == 2 }, 5*time.Second, time.Millisecond)
	stop()
}

type failingRecorder struct {
	mu sync.Mutex
	n  int
}

func (r *failingRecorder) Report(context.Context, store.Unit, pipeline.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return errors.New("database is locked")
}

func (r *failingRecorder) Release(context.Context, store.Unit, string) error { return nil }

func (r *failingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Several workers against one SQLite store never run a unit twice and never
// spend past capacity.
func TestPool_EndToEndCapacity(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	st, err := store.Open(ctx, config.StoreConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "dispatch.db"),
	}, log)
	require.NoError(t, err)
	defer st.Close()

	campaign, err := st.CreateCampaign(ctx, "https://t.me/bot?start=ref", 3)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := st.AddUnit(ctx, fmt.Sprintf("session_%03d.json", i), []byte(`{}`))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	runner := runnerFunc(func(_ context.Context, _ *store.Campaign, u store.Unit) pipeline.Outcome {
		mu.Lock()
		seen[u.ID]++
		mu.Unlock()
		return pipeline.Outcome{Status: pipeline.Completed}
	})

	cfg := fastConfig()
	cfg.Workers = 3
	cfg.PoolSize = 2
	pool, err := NewPool(Components{
		Scheduler: scheduler.New(st, config.SchedulerConfig{}, log, nil),
		Pipeline:  runner,
		Reporter:  reporter.New(st, cfg, log, nil),
	}, cfg, log)
	require.NoError(t, err)
	require.Len(t, pool.Loops(), 3)
	assert.NotEqual(t, pool.Loops()[0].ID(), pool.Loops()[1].ID())

	stop := start(t, pool.Run)
	require.Eventually(t, func() bool {
		stats, err := st.GetCampaign(ctx, campaign)
		return err == nil && stats.Consumed == 3
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	counts, err := st.UnitCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[store.UnitSpent])
	assert.Equal(t, 2, counts[store.UnitFree])

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
	for id, n := range seen {
		assert.Equal(t, 1, n, "unit %d ran more than once", id)
	}
}
