package threadbench

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Future is a deferred result that completes exactly once.
//
// The result can be obtained synchronously with Get or Wait, which block the
// calling goroutine, or asynchronously with Await, which posts a continuation
// to the current scheduler and releases the caller.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	// mu orders OnComplete registration against completion.
	mu   sync.Mutex
	res  T
	err  error
	then []func(T, error)
}

// NewPromise returns an incomplete future and the function that completes it.
// Only the first call to the completion function has any effect.
func NewPromise[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.complete
}

// Completed returns a future that is already complete.
func Completed[T any](v T, err error) *Future[T] {
	f, complete := NewPromise[T]()
	complete(v, err)
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.res, f.err = v, err
		close(f.done)
		then := f.then
		f.then = nil
		f.mu.Unlock()

		for _, fn := range then {
			fn(v, err)
		}
	})
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks the calling goroutine until the result is available.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.res, f.err
}

// Wait is Get bounded by ctx.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run once the future completes. If it already
// has, fn runs immediately on the caller. Callbacks run on whichever goroutine
// completes the future and must not block.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if f.IsDone() {
		f.mu.Unlock()
		fn(f.res, f.err)
		return
	}
	f.then = append(f.then, fn)
	f.mu.Unlock()
}

// Await suspends until f is ready, then continues with next.
//
// A future that is already complete continues inline on the current thread.
// Otherwise the continuation is posted to SchedulerFrom(ctx) and Await returns
// at once, leaving the calling thread free. Errors from f skip next.
func Await[T, U any](ctx context.Context, f *Future[T], next func(ctx context.Context, v T) *Future[U]) *Future[U] {
	if f.IsDone() {
		v, err := f.Get()
		if err != nil {
			var zero U
			return Completed(zero, err)
		}
		return continueSafely(ctx, next, v)
	}

	out, complete := NewPromise[U]()
	sched := SchedulerFrom(ctx)
	f.OnComplete(func(v T, err error) {
		var zero U
		if err != nil {
			complete(zero, err)
			return
		}
		serr := sched.Schedule(ctx, func(ctx context.Context) {
			continueSafely(ctx, next, v).OnComplete(complete)
		})
		if serr != nil {
			complete(zero, fmt.Errorf("schedule continuation: %w", serr))
		}
	})
	return out
}

func continueSafely[T, U any](ctx context.Context, next func(ctx context.Context, v T) *Future[U], v T) (f *Future[U]) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "continuation panicked", "panic", r, "stack", string(debug.Stack()))
			var zero U
			f = Completed(zero, fmt.Errorf("continuation panicked: %v", r))
		}
	}()
	f = next(ctx, v)
	if f == nil {
		var zero U
		f = Completed(zero, nil)
	}
	return f
}

// Delay returns a future completed by a timer after d, or with ctx's error if
// ctx ends first. Continuations awaiting it run on the scheduler, never on the
// timer goroutine.
func Delay(ctx context.Context, d time.Duration) *Future[struct{}] {
	f, complete := NewPromise[struct{}]()
	t := time.AfterFunc(d, func() { complete(struct{}{}, nil) })
	stop := context.AfterFunc(ctx, func() {
		if t.Stop() {
			complete(struct{}{}, ctx.Err())
		}
	})
	f.OnComplete(func(struct{}, error) { stop() })
	return f
}

// WhenAll waits for every future and returns their results in order.
// The first error aborts the wait and is returned.
func WhenAll[T any](ctx context.Context, futures ...*Future[T]) ([]T, error) {
	g, gctx := errgroup.WithContext(ctx)
	out := make([]T, len(futures))
	for i, f := range futures {
		g.Go(func() error {
			v, err := f.Wait(gctx)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
