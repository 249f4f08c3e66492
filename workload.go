package threadbench

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Observation labels, in the order a run records them.
const (
	LabelStarted       = "started"
	LabelSuspendBefore = "suspend.before"
	LabelSuspendAfter  = "suspend.after"
	LabelBlockBefore   = "block.before"
	LabelBlockAfter    = "block.after"
	LabelCompleted     = "completed"
)

// ObservationsPerRun is the number of observations a complete run records.
const ObservationsPerRun = 6

// Observation records which thread executed one point of a workload run.
type Observation struct {
	Label    string
	Thread   ThreadID
	OSThread int // Kernel thread id, -1 where unavailable
	At       time.Time
}

type recorder struct {
	mu  sync.Mutex
	obs []Observation
}

func (r *recorder) mark(ctx context.Context, label string) ThreadID {
	id := CurrentThread(ctx)
	o := Observation{Label: label, Thread: id, OSThread: osThreadID(), At: time.Now()}
	r.mu.Lock()
	r.obs = append(r.obs, o)
	r.mu.Unlock()
	return id
}

func (r *recorder) observations() []Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Observation(nil), r.obs...)
}

var completedRuns atomic.Int64

// CompletedRuns reports how many workload runs have finished in this process.
func CompletedRuns() int64 {
	return completedRuns.Load()
}

// Workload drives two sub-tasks through s, one after the other: a sleep that
// suspends on a timer, then a sleep that blocks whichever thread runs it.
// The executing thread is recorded at start, around each sub-task and at
// completion.
func Workload(ctx context.Context, s Strategy, sleep time.Duration) *Future[[]Observation] {
	rec := &recorder{}
	id := rec.mark(ctx, LabelStarted)
	slog.DebugContext(ctx, "workload started", "thread", id)

	first := s(ctx, func(ctx context.Context) *Future[int] {
		return suspendingSleep(ctx, rec, sleep)
	})
	return Await(ctx, first, func(ctx context.Context, _ int) *Future[[]Observation] {
		second := s(ctx, func(ctx context.Context) *Future[int] {
			return blockingSleep(ctx, rec, sleep)
		})
		return Await(ctx, second, func(ctx context.Context, _ int) *Future[[]Observation] {
			id := rec.mark(ctx, LabelCompleted)
			slog.InfoContext(ctx, "workload completed", "thread", id, "completed", completedRuns.Add(1))
			return Completed(rec.observations(), nil)
		})
	})
}

func suspendingSleep(ctx context.Context, rec *recorder, d time.Duration) *Future[int] {
	id := rec.mark(ctx, LabelSuspendBefore)
	slog.DebugContext(ctx, "suspending sleep started", "thread", id)

	return Await(ctx, Delay(ctx, d), func(ctx context.Context, _ struct{}) *Future[int] {
		id := rec.mark(ctx, LabelSuspendAfter)
		slog.DebugContext(ctx, "suspending sleep finished", "thread", id)
		return Completed(0, nil)
	})
}

func blockingSleep(ctx context.Context, rec *recorder, d time.Duration) *Future[int] {
	id := rec.mark(ctx, LabelBlockBefore)
	slog.DebugContext(ctx, "blocking sleep started", "thread", id)

	time.Sleep(d)

	id = rec.mark(ctx, LabelBlockAfter)
	slog.DebugContext(ctx, "blocking sleep finished", "thread", id)
	return Completed(0, nil)
}
