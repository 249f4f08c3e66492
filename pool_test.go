package threadbench

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, opts PoolOptions) *ThreadPool {
	t.Helper()
	p, err := NewThreadPool(opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// blockN submits n tasks that hold their worker until release is closed and
// reports each task's thread on the returned channel as it starts.
func blockN(t *testing.T, p *ThreadPool, n int, release <-chan struct{}) <-chan ThreadID {
	t.Helper()
	started := make(chan ThreadID, n)
	for range n {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			started <- CurrentThread(ctx)
			<-release
		}))
	}
	return started
}

func TestNewThreadPool_InvalidBounds(t *testing.T) {
	_, err := NewThreadPool(PoolOptions{Min: 0, Max: 2})
	assert.ErrorIs(t, err, ErrInvalidThreadCount)

	_, err = NewThreadPool(PoolOptions{Min: 3, Max: 2})
	assert.ErrorIs(t, err, ErrInvalidThreadCount)
}

func TestThreadPool_SubmitCarriesIdentity(t *testing.T) {
	p := newTestPool(t, PoolOptions{Min: 1, Max: 1, InjectionDelay: time.Hour})

	type seen struct {
		thread ThreadID
		pool   *ThreadPool
		sched  Scheduler
	}
	got := make(chan seen, 1)
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		got <- seen{CurrentThread(ctx), PoolFrom(ctx), SchedulerFrom(ctx)}
	}))

	s := <-got
	assert.NotZero(t, s.thread)
	assert.Same(t, p, s.pool)
	assert.True(t, s.sched == Scheduler(p), "workers should resume continuations on their pool")
	assert.Contains(t, p.Threads(), s.thread)
}

func TestThreadPool_SpawnsUpToMinWithoutDelay(t *testing.T) {
	p := newTestPool(t, PoolOptions{Min: 2, Max: 2, InjectionDelay: time.Hour})

	release := make(chan struct{})
	defer close(release)
	started := blockN(t, p, 2, release)

	a, b := <-started, <-started
	assert.NotEqual(t, a, b, "each task should get its own worker")
	assert.Equal(t, int64(0), p.Stats().Injected)

	if runtime.GOOS == "linux" {
		threads := p.Threads()
		assert.NotEqual(t, threads[a], threads[b], "workers must sit on distinct OS threads")
	}
}

func TestThreadPool_InjectsPastMinAfterDelay(t *testing.T) {
	const delay = 30 * time.Millisecond
	p := newTestPool(t, PoolOptions{Min: 1, Max: 2, InjectionDelay: delay, Tick: 5 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)

	submitted := time.Now()
	started := blockN(t, p, 2, release)
	<-started
	<-started
	waited := time.Since(submitted)

	assert.GreaterOrEqual(t, waited, delay, "second worker appeared before the injection delay")
	assert.Equal(t, int64(1), p.Stats().Injected)
	t.Logf("✓ second worker injected after %v", waited)
}

func TestThreadPool_NeverExceedsMax(t *testing.T) {
	p := newTestPool(t, PoolOptions{Min: 1, Max: 2, InjectionDelay: 5 * time.Millisecond, Tick: time.Millisecond})

	release := make(chan struct{})
	started := blockN(t, p, 5, release)

	require.Eventually(t, func() bool { return p.Stats().Busy == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 3, stats.Queued)

	close(release)
	for range 5 {
		<-started
	}
	require.Eventually(t, func() bool { return p.Stats().Completed == 5 }, 2*time.Second, time.Millisecond)
}

func TestThreadPool_RetiresIdleWorkersAboveMin(t *testing.T) {
	p := newTestPool(t, PoolOptions{
		Min:            1,
		Max:            3,
		InjectionDelay: 5 * time.Millisecond,
		IdleTimeout:    20 * time.Millisecond,
		Tick:           time.Millisecond,
	})

	release := make(chan struct{})
	started := blockN(t, p, 3, release)
	for range 3 {
		<-started
	}
	assert.Equal(t, 3, p.Stats().Workers)

	close(release)
	require.Eventually(t, func() bool { return p.Stats().Workers == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), p.Stats().Retired)
}

func TestThreadPool_SetBounds(t *testing.T) {
	p := newTestPool(t, PoolOptions{Min: 1, Max: 4, InjectionDelay: time.Hour})

	assert.ErrorIs(t, p.SetMinThreads(0), ErrInvalidThreadCount)
	assert.ErrorIs(t, p.SetMinThreads(5), ErrInvalidThreadCount)
	require.NoError(t, p.SetMinThreads(2))

	assert.ErrorIs(t, p.SetMaxThreads(1), ErrInvalidThreadCount)
	require.NoError(t, p.SetMaxThreads(2))

	minThreads, maxThreads := p.Bounds()
	assert.Equal(t, 2, minThreads)
	assert.Equal(t, 2, maxThreads)

	// Rejected changes leave both bounds alone.
	assert.Error(t, p.SetMinThreads(0))
	assert.Error(t, p.SetMaxThreads(minThreads-1))
	minAfter, maxAfter := p.Bounds()
	assert.Equal(t, minThreads, minAfter)
	assert.Equal(t, maxThreads, maxAfter)
}

func TestSetThreads_RejectedLeavesDefaultPool(t *testing.T) {
	minBefore, maxBefore := MinThreads(), MaxThreads()

	assert.False(t, SetMinThreads(0))
	assert.False(t, SetMinThreads(maxBefore+1))
	assert.False(t, SetMaxThreads(minBefore-1))

	assert.Equal(t, minBefore, MinThreads())
	assert.Equal(t, maxBefore, MaxThreads())
}

// captureHandler records every log record it receives.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.records = append(h.records, r.Clone())
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count(level slog.Level, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

func TestThreadPool_WarnsOncePerSaturation(t *testing.T) {
	const warning = "thread pool saturated"
	logs := &captureHandler{}
	p := newTestPool(t, PoolOptions{
		Min:            1,
		Max:            1,
		InjectionDelay: 5 * time.Millisecond,
		Tick:           time.Millisecond,
		Logger:         slog.New(logs),
	})

	saturate := func() chan struct{} {
		release := make(chan struct{})
		started := blockN(t, p, 1, release)
		<-started
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))
		return release
	}
	drain := func(release chan struct{}, completed int64) {
		close(release)
		require.Eventually(t, func() bool { return p.Stats().Completed == completed }, 2*time.Second, time.Millisecond)
		// Let the monitor observe the empty queue.
		time.Sleep(20 * time.Millisecond)
	}

	release := saturate()
	require.Eventually(t, func() bool { return logs.count(slog.LevelWarn, warning) == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, logs.count(slog.LevelWarn, warning), "one saturation episode must warn once")
	drain(release, 2)

	assert.Equal(t, 1, logs.count(slog.LevelWarn, warning))

	release = saturate()
	require.Eventually(t, func() bool { return logs.count(slog.LevelWarn, warning) == 2 }, 2*time.Second, time.Millisecond)
	drain(release, 4)

	assert.Equal(t, 2, logs.count(slog.LevelWarn, warning))
	t.Logf("✓ %d saturation episodes, %d warnings", 2, logs.count(slog.LevelWarn, warning))
}

func TestThreadPool_LoweringMaxRetiresParkedWorkers(t *testing.T) {
	p := newTestPool(t, PoolOptions{Min: 3, Max: 3, InjectionDelay: time.Hour})

	release := make(chan struct{})
	started := blockN(t, p, 3, release)
	for range 3 {
		<-started
	}
	close(release)
	require.Eventually(t, func() bool { return p.Stats().Idle == 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, p.SetMinThreads(1))
	require.NoError(t, p.SetMaxThreads(1))
	require.Eventually(t, func() bool { return p.Stats().Workers == 1 }, 2*time.Second, time.Millisecond)
}

func TestThreadPool_CloseDrainsQueue(t *testing.T) {
	p, err := NewThreadPool(PoolOptions{Min: 1, Max: 1, InjectionDelay: time.Hour})
	require.NoError(t, err)

	var mu sync.Mutex
	ran := 0
	for range 10 {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}

	p.Close()
	assert.Equal(t, 10, ran)
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrPoolClosed)
	assert.Zero(t, p.Stats().Workers)
}

func TestThreadPool_RecoversFromPanics(t *testing.T) {
	p := newTestPool(t, PoolOptions{Min: 1, Max: 1, InjectionDelay: time.Hour})

	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("task failed") }))

	done := make(chan ThreadID, 1)
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) { done <- CurrentThread(ctx) }))

	select {
	case id := <-done:
		assert.NotZero(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}
}

func TestThreadPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewThreadPool(PoolOptions{Min: 1, Max: 3, InjectionDelay: time.Hour, Registerer: reg})
	require.NoError(t, err)

	for range 4 {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))
	}
	p.Close()

	expected := `
# HELP threadbench_pool_max_workers Configured maximum workers.
# TYPE threadbench_pool_max_workers gauge
threadbench_pool_max_workers 3
# HELP threadbench_pool_tasks_completed_total Tasks completed.
# TYPE threadbench_pool_tasks_completed_total counter
threadbench_pool_tasks_completed_total 4
# HELP threadbench_pool_tasks_submitted_total Tasks submitted.
# TYPE threadbench_pool_tasks_submitted_total counter
threadbench_pool_tasks_submitted_total 4
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"threadbench_pool_max_workers",
		"threadbench_pool_tasks_completed_total",
		"threadbench_pool_tasks_submitted_total")
	assert.NoError(t, err)

	_, err = NewThreadPool(PoolOptions{Min: 1, Max: 1, Registerer: reg})
	assert.Error(t, err, "registering a second pool on the same registry must fail")
}
