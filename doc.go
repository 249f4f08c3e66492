// Package threadbench measures how the way asynchronous work is invoked
// changes thread usage and latency on a constrained thread pool.
//
// # Overview
//
// A workload run does two things in sequence: it sleeps on a timer without
// holding a thread, then it sleeps while holding whatever thread runs it.
// Every run records which thread executed it at start, around each phase and
// at completion. The benchmark launches N runs concurrently per strategy,
// waits for all of them and reports:
//
//   - wall-clock duration of the batch
//   - count and identity of the distinct threads touched by the batch
//
// # Components
//
//   - pool       - ThreadPool with min/max workers, each locked to an OS thread
//   - injection  - decision table for growing and shrinking the pool
//   - future     - Future, Await, Delay, WhenAll
//   - strategy   - the five invocation strategies
//   - workload   - the two-phase instrumented run
//   - benchmark  - Run, Result, Statistics, USL fit
//   - tail       - latency tail divergence across repeats
//   - assertions - test helpers over results
//
// # Strategies
//
//	NestedWait         block the caller, run the thunk's continuations on it
//	BlockingUnwrap     run the thunk on the caller, block until ready
//	DispatchThenBlock  start the thunk on the pool, block until ready
//	DispatchThenAwait  start the thunk on the pool, suspend until ready
//	Await              run the thunk on the caller, suspend until ready
//
// Blocking strategies hold a thread while a timer runs, so with a pool of
// two workers the batch is serialised behind them. Suspending strategies
// hand the thread back and the batch finishes in roughly the length of its
// two phases.
//
// # Quick Start
//
//	cfg := threadbench.DefaultConfig() // one to two pool threads
//	cfg.Progress = func(r threadbench.Result) {
//	    fmt.Println(threadbench.ThreadsLine(r))
//	}
//
//	results, err := threadbench.Run(ctx, nil, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	threadbench.WriteReport(os.Stdout, results)
//
// # Thread identity
//
// Pool workers never unlock their OS thread, so a ThreadID maps to exactly
// one kernel thread for the worker's life and is never reused. The goroutine
// that launches runs gets its own id from NewCallerContext; lock it with
// runtime.LockOSThread if its OS thread id should be stable too.
package threadbench
