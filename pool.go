package threadbench

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/prometheus/client_golang/prometheus"
)

var _ Scheduler = (*ThreadPool)(nil)

// PoolOptions controls a ThreadPool.
type PoolOptions struct {
	Min            int           // Workers created on demand without delay
	Max            int           // Hard upper bound on workers
	InjectionDelay time.Duration // Starvation required before growing past Min
	IdleTimeout    time.Duration // Idle time before a worker above Min exits
	Tick           time.Duration // Monitor period (0 = derived from InjectionDelay)

	// Registerer receives the pool collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	// Logger defaults to slog.Default() at the time of each log call.
	Logger *slog.Logger
}

// DefaultPoolOptions mirrors a general-purpose runtime pool: one worker per
// processor created eagerly on demand, slow injection beyond that.
func DefaultPoolOptions() PoolOptions {
	procs := runtime.GOMAXPROCS(0)
	return PoolOptions{
		Min:            procs,
		Max:            max(256, procs),
		InjectionDelay: 500 * time.Millisecond,
		IdleTimeout:    20 * time.Second,
	}
}

// PoolStats is a point-in-time view of a ThreadPool.
type PoolStats struct {
	Workers   int
	Busy      int
	Idle      int
	Queued    int
	Min       int
	Max       int
	Submitted int64
	Completed int64
	Created   int64 // Workers ever started
	Injected  int64 // Workers started by starvation injection
	Retired   int64 // Workers that exited on idle timeout or a lowered maximum
}

// ThreadPool is a bounded pool of worker goroutines, each locked to its own
// OS thread and carrying a ThreadID for its whole life.
type ThreadPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue // *task, FIFO
	workers map[ThreadID]*worker

	min, max       int
	injectionDelay time.Duration
	idleTimeout    time.Duration

	busy      int
	idle      int
	closed    bool
	saturated bool
	stats     PoolStats

	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type worker struct {
	id        ThreadID
	osThread  int
	parked    bool
	retire    bool
	idleSince time.Time
}

type task struct {
	ctx      context.Context
	fn       func(ctx context.Context)
	enqueued time.Time
}

// NewThreadPool validates opts and starts the pool monitor. Workers are
// created lazily as work arrives.
func NewThreadPool(opts PoolOptions) (*ThreadPool, error) {
	if opts.Min < 1 || opts.Max < opts.Min {
		return nil, fmt.Errorf("min=%d max=%d: %w", opts.Min, opts.Max, ErrInvalidThreadCount)
	}

	tick := opts.Tick
	if tick <= 0 {
		tick = min(max(opts.InjectionDelay/4, time.Millisecond), 100*time.Millisecond)
	}

	p := &ThreadPool{
		tasks:          queue.New(),
		workers:        make(map[ThreadID]*worker),
		min:            opts.Min,
		max:            opts.Max,
		injectionDelay: opts.InjectionDelay,
		idleTimeout:    opts.IdleTimeout,
		logger:         opts.Logger,
		stopCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if opts.Registerer != nil {
		if err := registerPoolCollectors(opts.Registerer, p); err != nil {
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}

	go p.monitor(tick)
	return p, nil
}

func (p *ThreadPool) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

// Submit queues fn. It runs on a worker with a context carrying the worker's
// ThreadID and this pool as the current scheduler; ctx values and
// cancellation are inherited.
func (p *ThreadPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.tasks.Add(&task{ctx: ctx, fn: fn, enqueued: time.Now()})
	p.stats.Submitted++

	if p.tasks.Length() > p.idle && len(p.workers) < p.min {
		p.spawnLocked()
		return nil
	}
	p.cond.Signal()
	return nil
}

// Schedule implements Scheduler.
func (p *ThreadPool) Schedule(ctx context.Context, fn func(ctx context.Context)) error {
	return p.Submit(ctx, fn)
}

// SetMinThreads changes the minimum. It fails when n < 1 or n exceeds the maximum.
func (p *ThreadPool) SetMinThreads(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n > p.max {
		return fmt.Errorf("min=%d max=%d: %w", n, p.max, ErrInvalidThreadCount)
	}
	p.min = n
	return nil
}

// SetMaxThreads changes the maximum. It fails when n < 1 or n is below the
// minimum. Parked workers above the new maximum exit immediately; busy ones
// exit after their current task.
func (p *ThreadPool) SetMaxThreads(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n < p.min {
		return fmt.Errorf("min=%d max=%d: %w", p.min, n, ErrInvalidThreadCount)
	}
	p.max = n

	excess := len(p.workers) - n
	for _, w := range p.workers {
		if excess <= 0 {
			break
		}
		if w.parked && !w.retire {
			w.retire = true
			excess--
		}
	}
	p.cond.Broadcast()
	return nil
}

// Bounds returns the current minimum and maximum.
func (p *ThreadPool) Bounds() (minThreads, maxThreads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min, p.max
}

// Stats returns a snapshot of the pool counters.
func (p *ThreadPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Workers = len(p.workers)
	s.Busy = p.busy
	s.Idle = p.idle
	s.Queued = p.tasks.Length()
	s.Min = p.min
	s.Max = p.max
	return s
}

// Threads returns the ids of the live workers mapped to their OS thread ids.
func (p *ThreadPool) Threads() map[ThreadID]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[ThreadID]int, len(p.workers))
	for id, w := range p.workers {
		out[id] = w.osThread
	}
	return out
}

// Close stops the monitor, lets the workers drain the queue and waits for
// them to exit. Submit fails with ErrPoolClosed afterwards.
func (p *ThreadPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *ThreadPool) spawnLocked() {
	w := &worker{id: nextThreadID(), idleSince: time.Now()}
	p.workers[w.id] = w
	p.stats.Created++
	p.wg.Add(1)
	go p.run(w)
}

func (p *ThreadPool) run(w *worker) {
	defer p.wg.Done()

	// Never unlocked: the OS thread is torn down together with the worker.
	runtime.LockOSThread()
	osThread := osThreadID()

	p.mu.Lock()
	w.osThread = osThread
	p.log().Debug("worker started", "thread", w.id, "os_thread", osThread)

	for {
		for p.tasks.Length() == 0 && !p.closed && !w.retire {
			w.parked = true
			w.idleSince = time.Now()
			p.idle++
			p.cond.Wait()
			p.idle--
			w.parked = false
		}

		overMax := len(p.workers) > p.max
		if p.tasks.Length() > 0 && !overMax {
			w.retire = false
		} else if w.retire || overMax || p.closed {
			delete(p.workers, w.id)
			if !p.closed {
				p.stats.Retired++
			}
			p.mu.Unlock()
			p.log().Debug("worker exited", "thread", w.id)
			return
		}

		t := p.tasks.Remove().(*task)
		p.busy++
		p.mu.Unlock()

		p.execute(w, t)

		p.mu.Lock()
		p.busy--
		p.stats.Completed++
	}
}

func (p *ThreadPool) execute(w *worker, t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.log().Error("task panicked", "thread", w.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	ctx := withScheduler(withThread(WithPool(t.ctx, p), w.id), p)
	t.fn(ctx)
}

func (p *ThreadPool) monitor(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.adjust(now)
		}
	}
}

// adjust applies one injection decision.
func (p *ThreadPool) adjust(now time.Time) InjectionRecommendation {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.snapshotLocked(now)
	if p.closed {
		return InjectionRecommendation{Decision: Hold, TargetN: snap.Workers, Reason: "closed"}
	}

	rec := ShouldInject(snap)
	switch rec.Decision {
	case InjectBelowMin, Inject:
		for n := snap.Workers; n < rec.TargetN; n++ {
			p.spawnLocked()
			if rec.Decision == Inject {
				p.stats.Injected++
			}
		}
		p.saturated = false
		p.log().Debug("thread injected", "decision", rec.Decision, "workers", rec.TargetN, "reason", rec.Reason)

	case Saturated:
		if !p.saturated {
			p.saturated = true
			p.log().Warn("thread pool saturated", "workers", snap.Workers, "queued", snap.Queued, "reason", rec.Reason)
		}

	case Retire:
		p.retireLocked(snap.Workers-rec.TargetN, now)

	default:
		if snap.Queued == 0 {
			p.saturated = false
		}
	}
	return rec
}

func (p *ThreadPool) snapshotLocked(now time.Time) PoolSnapshot {
	s := PoolSnapshot{
		Workers:        len(p.workers),
		Busy:           p.busy,
		Idle:           p.idle,
		Queued:         p.tasks.Length(),
		Min:            p.min,
		Max:            p.max,
		InjectionDelay: p.injectionDelay,
	}
	if s.Queued > 0 {
		s.OldestWait = now.Sub(p.tasks.Peek().(*task).enqueued)
	}
	if p.idleTimeout > 0 {
		for _, w := range p.workers {
			if w.parked && !w.retire && now.Sub(w.idleSince) >= p.idleTimeout {
				s.ExpiredIdle++
			}
		}
	}
	return s
}

func (p *ThreadPool) retireLocked(n int, now time.Time) {
	for _, w := range p.workers {
		if n <= 0 {
			break
		}
		if w.parked && !w.retire && now.Sub(w.idleSince) >= p.idleTimeout {
			w.retire = true
			n--
		}
	}
	p.cond.Broadcast()
}

var (
	defaultPool     *ThreadPool
	defaultPoolOnce sync.Once
)

// ConfigureDefaultPool creates the process-wide pool from opts. It must run
// before anything else touches the default pool.
func ConfigureDefaultPool(opts PoolOptions) error {
	var err error
	created := false
	defaultPoolOnce.Do(func() {
		created = true
		defaultPool, err = NewThreadPool(opts)
	})
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("default pool already in use")
	}
	return nil
}

// DefaultPool returns the process-wide pool, creating it on first use.
// It lives until the process exits.
func DefaultPool() *ThreadPool {
	defaultPoolOnce.Do(func() {
		p, err := NewThreadPool(DefaultPoolOptions())
		if err != nil {
			panic(fmt.Sprintf("threadbench: default pool: %v", err))
		}
		defaultPool = p
	})
	if defaultPool == nil {
		panic("threadbench: default pool was misconfigured")
	}
	return defaultPool
}

// SetMinThreads sets the minimum worker count of the process-wide pool.
// It returns false and changes nothing when n is invalid.
func SetMinThreads(n int) bool {
	return DefaultPool().SetMinThreads(n) == nil
}

// SetMaxThreads sets the maximum worker count of the process-wide pool.
// It returns false and changes nothing when n is invalid.
func SetMaxThreads(n int) bool {
	return DefaultPool().SetMaxThreads(n) == nil
}

// MinThreads reports the process-wide pool minimum.
func MinThreads() int {
	n, _ := DefaultPool().Bounds()
	return n
}

// MaxThreads reports the process-wide pool maximum.
func MaxThreads() int {
	_, n := DefaultPool().Bounds()
	return n
}
