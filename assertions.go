package threadbench

import (
	"testing"
	"time"
)

// AssertThreadsAtMost verifies a case touched no more than limit distinct
// threads, caller included.
//
// A strategy that never parks a worker on blocked work stays within
// MaxThreads+1 no matter how many runs are in flight.
func AssertThreadsAtMost(t testing.TB, r Result, limit int) {
	t.Helper()

	if r.ThreadCount() > limit {
		t.Errorf("%s (N=%d) touched %d threads (max: %d)\n%s",
			r.Name, r.N, r.ThreadCount(), limit, ThreadsLine(r))
		return
	}
	t.Logf("✓ %s: %s (limit %d)", r.Name, ThreadsLine(r), limit)
}

// AssertFinishedWithin verifies the wall clock of a case.
func AssertFinishedWithin(t testing.TB, r Result, limit time.Duration) {
	t.Helper()

	if r.Duration > limit {
		t.Errorf("%s (N=%d) finished in %v (max: %v)\n"+
			"Runs were serialised behind blocked threads.",
			r.Name, r.N, r.Duration, limit)
		return
	}
	t.Logf("✓ %s finished in %v (limit %v)", r.Name, r.Duration, limit)
}

// AssertAllRunsCompleted verifies every run recorded its full set of
// observations, ending with completion.
func AssertAllRunsCompleted(t testing.TB, r Result) {
	t.Helper()

	if len(r.Runs) != r.N {
		t.Fatalf("%s: expected %d runs, got %d", r.Name, r.N, len(r.Runs))
	}
	for i, run := range r.Runs {
		if len(run) != ObservationsPerRun {
			t.Errorf("%s run %d: expected %d observations, got %d", r.Name, i, ObservationsPerRun, len(run))
			continue
		}
		if last := run[len(run)-1]; last.Label != LabelCompleted {
			t.Errorf("%s run %d: last observation is %q, want %q", r.Name, i, last.Label, LabelCompleted)
		}
	}
}

// AssertSingleThreadPerRun verifies that each run executed entirely on one
// thread, which is what a nested wait loop on the caller produces.
func AssertSingleThreadPerRun(t testing.TB, r Result) {
	t.Helper()

	for i, run := range r.Runs {
		for _, o := range run {
			if o.Thread != run[0].Thread {
				t.Errorf("%s run %d: %s ran on thread %d, run started on %d",
					r.Name, i, o.Label, o.Thread, run[0].Thread)
				break
			}
		}
	}
}
