package threadbench

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ThreadsLine formats the per-case thread line: "Threads used: 3. 1,2,3".
func ThreadsLine(r Result) string {
	ids := make([]string, len(r.Threads))
	for i, id := range r.Threads {
		ids[i] = strconv.FormatInt(int64(id), 10)
	}
	return fmt.Sprintf("Threads used: %d. %s", len(r.Threads), strings.Join(ids, ","))
}

// WriteThreads writes the thread line of one result.
func WriteThreads(w io.Writer, r Result) error {
	_, err := fmt.Fprintln(w, ThreadsLine(r))
	return err
}

// WriteReport writes one "<Name>: Finished in <duration>" line per result,
// in run order.
func WriteReport(w io.Writer, results []Result) error {
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "%s: Finished in %v\n", r.Name, r.Duration); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary writes latency statistics, tail divergence and thread counts
// per strategy aggregated over its repeats, plus a USL fit when a strategy
// was measured at three or more levels.
func WriteSummary(w io.Writer, results []Result) error {
	var order []string
	byName := make(map[string][]Result)
	for _, r := range results {
		if _, ok := byName[r.Name]; !ok {
			order = append(order, r.Name)
		}
		byName[r.Name] = append(byName[r.Name], r)
	}

	for _, name := range order {
		group := byName[name]

		merged := Result{Name: name}
		tracker := NewTailTracker(0)
		var maxThreads, maxOSThreads int
		var procThreads int32
		for _, r := range group {
			merged.Latencies = append(merged.Latencies, r.Latencies...)
			tracker.RecordAll(r.Latencies)
			maxThreads = max(maxThreads, r.ThreadCount())
			maxOSThreads = max(maxOSThreads, len(r.OSThreads))
			procThreads = max(procThreads, r.ProcessThreads)
		}
		stats := CalculateStatistics(merged)
		tail := tracker.Stats()
		wait, start := strategyMode(name)

		if _, err := fmt.Fprintf(w, "%s: runs=%d mean=%v p50=%v p95=%v p99=%v stddev=%v tail=%.2fx "+
			"max_threads=%d os_threads=%d process_threads=%d wait=%s start=%s\n",
			name, len(merged.Latencies), stats.Mean, stats.P50, stats.P95, stats.P99, stats.Stddev,
			tail.DivergenceRatio, maxThreads, maxOSThreads, procThreads, wait, start); err != nil {
			return err
		}

		usl, err := FitUSL(group)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "  USL: λ=%.2f α=%.4f β=%.4f R²=%.3f\n",
			usl.Lambda, usl.Alpha, usl.Beta, usl.RSquared); err != nil {
			return err
		}
	}
	return nil
}

// strategyMode describes how a named strategy waits and where it starts the
// thunk; "-" for names that are not a known strategy.
func strategyMode(name string) (wait, start string) {
	s, err := StrategyByName(name)
	if err != nil {
		return "-", "-"
	}
	wait, start = "suspend", "caller"
	if s.Blocks {
		wait = "block"
	}
	if s.Dispatch {
		start = "pool"
	}
	return wait, start
}
