package threadbench

import (
	"context"
	"fmt"
)

// Thunk starts a piece of asynchronous work and returns its deferred result.
type Thunk func(ctx context.Context) *Future[int]

// Strategy drives a thunk to completion. The returned future is complete
// only after the thunk's own result is.
type Strategy func(ctx context.Context, thunk Thunk) *Future[int]

// NamedStrategy pairs a strategy with its report name.
type NamedStrategy struct {
	Name     string
	Strategy Strategy
	Blocks   bool // Holds the calling thread until the thunk finishes
	Dispatch bool // Starts the thunk on the pool instead of the caller
}

// Strategies lists the five invocation strategies in benchmark order.
func Strategies() []NamedStrategy {
	return []NamedStrategy{
		{Name: "NestedWait", Strategy: NestedWait, Blocks: true},
		{Name: "BlockingUnwrap", Strategy: BlockingUnwrap, Blocks: true},
		{Name: "DispatchThenBlock", Strategy: DispatchThenBlock, Blocks: true, Dispatch: true},
		{Name: "DispatchThenAwait", Strategy: DispatchThenAwait, Dispatch: true},
		{Name: "Await", Strategy: AwaitDirect},
	}
}

// StrategyByName looks a strategy up by its report name.
func StrategyByName(name string) (NamedStrategy, error) {
	for _, s := range Strategies() {
		if s.Name == name {
			return s, nil
		}
	}
	return NamedStrategy{}, fmt.Errorf("unknown strategy %q", name)
}

// NestedWait blocks the caller in a private loop that runs the thunk's
// continuations on the caller itself until the result is ready.
func NestedWait(ctx context.Context, thunk Thunk) *Future[int] {
	loop := newJoinLoop(CurrentThread(ctx), PoolFrom(ctx))
	f := thunk(withScheduler(ctx, loop))
	if err := loop.pump(ctx, f.Done()); err != nil {
		return Completed(0, err)
	}
	v, err := f.Get()
	return Completed(v, err)
}

// BlockingUnwrap runs the thunk on the caller and blocks the caller until
// the result is ready. Its continuations need other pool workers.
func BlockingUnwrap(ctx context.Context, thunk Thunk) *Future[int] {
	v, err := thunk(ctx).Wait(ctx)
	return Completed(v, err)
}

// DispatchThenBlock starts the thunk on the pool and blocks the caller
// until the result is ready.
func DispatchThenBlock(ctx context.Context, thunk Thunk) *Future[int] {
	v, err := Dispatch[int](ctx, thunk).Wait(ctx)
	return Completed(v, err)
}

// DispatchThenAwait starts the thunk on the pool and suspends until ready.
func DispatchThenAwait(ctx context.Context, thunk Thunk) *Future[int] {
	return Await(ctx, Dispatch[int](ctx, thunk), passThrough)
}

// AwaitDirect runs the thunk on the caller and suspends until ready.
func AwaitDirect(ctx context.Context, thunk Thunk) *Future[int] {
	return Await(ctx, thunk(ctx), passThrough)
}

func passThrough(_ context.Context, v int) *Future[int] {
	return Completed(v, nil)
}

// Dispatch queues thunk on the pool carried by ctx and returns a future that
// follows the thunk's result.
func Dispatch[T any](ctx context.Context, thunk func(ctx context.Context) *Future[T]) *Future[T] {
	out, complete := NewPromise[T]()
	start := func(ctx context.Context, _ struct{}) *Future[T] { return thunk(ctx) }
	err := PoolFrom(ctx).Submit(ctx, func(ctx context.Context) {
		continueSafely(ctx, start, struct{}{}).OnComplete(complete)
	})
	if err != nil {
		var zero T
		complete(zero, fmt.Errorf("dispatch: %w", err))
	}
	return out
}
