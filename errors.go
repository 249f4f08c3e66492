package threadbench

import "errors"

var (
	// ErrPoolClosed indicates the pool no longer accepts work.
	ErrPoolClosed = errors.New("thread pool is closed")

	// ErrInvalidThreadCount indicates a min/max worker bound that cannot be applied.
	ErrInvalidThreadCount = errors.New("invalid thread count")

	// ErrStarved indicates a case did not finish before its timeout,
	// usually because every worker was blocked waiting on queued work.
	ErrStarved = errors.New("runs starved for threads")

	// ErrNotEnoughLevels indicates a USL fit was requested with fewer than 3 levels.
	ErrNotEnoughLevels = errors.New("need at least 3 concurrency levels")
)
