package threadbench

import (
	"context"
	"sync/atomic"
)

// ThreadID identifies an execution thread for the lifetime of the process.
// Ids are never reused: a retired worker's id disappears with it.
type ThreadID int64

var lastThreadID atomic.Int64

func nextThreadID() ThreadID {
	return ThreadID(lastThreadID.Add(1))
}

// Scheduler runs continuations posted by Await.
type Scheduler interface {
	Schedule(ctx context.Context, fn func(ctx context.Context)) error
}

type (
	threadKey    struct{}
	schedulerKey struct{}
	poolKey      struct{}
)

// NewCallerContext gives the calling goroutine its own thread identity.
// The benchmark driver uses it for the goroutine that launches runs.
func NewCallerContext(ctx context.Context) context.Context {
	return withThread(ctx, nextThreadID())
}

func withThread(ctx context.Context, id ThreadID) context.Context {
	return context.WithValue(ctx, threadKey{}, id)
}

// CurrentThread returns the thread identity carried by ctx, or 0 when the
// context was not created by a pool worker or NewCallerContext.
func CurrentThread(ctx context.Context) ThreadID {
	id, _ := ctx.Value(threadKey{}).(ThreadID)
	return id
}

// WithPool makes p the target of explicit dispatch and the default scheduler.
func WithPool(ctx context.Context, p *ThreadPool) context.Context {
	return context.WithValue(ctx, poolKey{}, p)
}

// PoolFrom returns the pool carried by ctx, falling back to the process-wide pool.
func PoolFrom(ctx context.Context) *ThreadPool {
	if p, ok := ctx.Value(poolKey{}).(*ThreadPool); ok && p != nil {
		return p
	}
	return DefaultPool()
}

func withScheduler(ctx context.Context, s Scheduler) context.Context {
	return context.WithValue(ctx, schedulerKey{}, s)
}

// SchedulerFrom returns the scheduler continuations should resume on.
// Inside a nested wait loop that is the loop; otherwise it is the pool.
func SchedulerFrom(ctx context.Context) Scheduler {
	if s, ok := ctx.Value(schedulerKey{}).(Scheduler); ok && s != nil {
		return s
	}
	return PoolFrom(ctx)
}
