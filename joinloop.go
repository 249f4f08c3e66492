package threadbench

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue"
)

var _ Scheduler = (*joinLoop)(nil)

// joinLoop is a private scheduler owned by a blocked thread. Continuations
// posted to it run on that thread while it waits, so the work it joins never
// needs another pool worker. Once the owner stops pumping, late posts fall
// through to the pool.
type joinLoop struct {
	owner    ThreadID
	fallback Scheduler

	mu     sync.Mutex
	items  *queue.Queue // *task
	closed bool
	wake   chan struct{}
}

func newJoinLoop(owner ThreadID, fallback Scheduler) *joinLoop {
	return &joinLoop{
		owner:    owner,
		fallback: fallback,
		items:    queue.New(),
		wake:     make(chan struct{}, 1),
	}
}

func (l *joinLoop) Schedule(ctx context.Context, fn func(ctx context.Context)) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return l.fallback.Schedule(ctx, fn)
	}
	l.items.Add(&task{ctx: ctx, fn: fn, enqueued: time.Now()})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *joinLoop) pop() *task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items.Length() == 0 {
		return nil
	}
	return l.items.Remove().(*task)
}

// pump runs posted continuations on the calling goroutine until done is
// closed or ctx ends.
func (l *joinLoop) pump(ctx context.Context, done <-chan struct{}) error {
	defer l.close()
	for {
		for t := l.pop(); t != nil; t = l.pop() {
			l.run(t)
		}
		select {
		case <-done:
			return nil
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *joinLoop) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("joined continuation panicked", "thread", l.owner, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.fn(withScheduler(withThread(t.ctx, l.owner), l))
}

func (l *joinLoop) close() {
	l.mu.Lock()
	l.closed = true
	var left []*task
	for l.items.Length() > 0 {
		left = append(left, l.items.Remove().(*task))
	}
	l.mu.Unlock()

	for _, t := range left {
		if err := l.fallback.Schedule(t.ctx, t.fn); err != nil {
			slog.Error("dropping continuation after join", "thread", l.owner, "error", err)
		}
	}
}
