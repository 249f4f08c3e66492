package threadbench

import (
	"slices"
	"sync"
	"time"
)

// HeavyTailRatio is the P99/P50 ratio above which latencies stop looking
// Gaussian: a few starved runs dominate the average.
const HeavyTailRatio = 10.0

// TailTracker keeps the most recent run latencies of one strategy and
// reports how far the tail has drifted from the median.
//
// A strategy that keeps pool workers free shows a ratio near 1: every run
// waits for the same two sleeps. A strategy that blocks workers serialises
// runs behind each other and the ratio grows with the batch size.
//
// Example:
//
//	tracker := NewTailTracker(1000)
//	for _, r := range results {
//	    tracker.RecordAll(r.Latencies)
//	}
//	if tracker.IsHeavyTailed() {
//	    // runs queued behind blocked workers
//	}
type TailTracker struct {
	mu      sync.Mutex
	samples []time.Duration // Ring buffer
	next    int             // Next write position
	count   int64           // Total samples recorded
}

// NewTailTracker creates a tracker holding up to maxSamples latencies.
func NewTailTracker(maxSamples int) *TailTracker {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &TailTracker{samples: make([]time.Duration, maxSamples)}
}

// Record adds one latency, overwriting the oldest once full.
func (t *TailTracker) Record(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = latency
	t.next = (t.next + 1) % len(t.samples)
	t.count++
}

// RecordAll adds every latency in order.
func (t *TailTracker) RecordAll(latencies []time.Duration) {
	for _, l := range latencies {
		t.Record(l)
	}
}

// P50 returns the median latency.
func (t *TailTracker) P50() time.Duration {
	return t.percentile(0.50)
}

// P99 returns the 99th percentile latency.
func (t *TailTracker) P99() time.Duration {
	return t.percentile(0.99)
}

// P999 returns the 99.9th percentile latency.
func (t *TailTracker) P999() time.Duration {
	return t.percentile(0.999)
}

// Mean returns the arithmetic mean of the retained samples.
func (t *TailTracker) Mean() time.Duration {
	s := t.sorted()
	if len(s) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range s {
		sum += l
	}
	return sum / time.Duration(len(s))
}

// DivergenceRatio returns P99/P50, or 1 with no samples.
func (t *TailTracker) DivergenceRatio() float64 {
	p50 := t.P50()
	if p50 == 0 {
		return 1.0
	}
	return float64(t.P99()) / float64(p50)
}

// IsHeavyTailed reports a divergence ratio above HeavyTailRatio.
func (t *TailTracker) IsHeavyTailed() bool {
	return t.DivergenceRatio() > HeavyTailRatio
}

func (t *TailTracker) percentile(p float64) time.Duration {
	s := t.sorted()
	if len(s) == 0 {
		return 0
	}
	idx := int(float64(len(s)) * p)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func (t *TailTracker) sorted() []time.Duration {
	t.mu.Lock()
	n := len(t.samples)
	if t.count < int64(n) {
		n = int(t.count)
	}
	s := slices.Clone(t.samples[:n])
	t.mu.Unlock()

	slices.Sort(s)
	return s
}

// TailStats is a summary of a TailTracker.
type TailStats struct {
	Samples         int64
	P50             time.Duration
	P99             time.Duration
	P999            time.Duration
	Mean            time.Duration
	DivergenceRatio float64
	HeavyTailed     bool
}

// Stats summarises the tracker.
func (t *TailTracker) Stats() TailStats {
	t.mu.Lock()
	count := t.count
	t.mu.Unlock()

	ratio := t.DivergenceRatio()
	return TailStats{
		Samples:         count,
		P50:             t.P50(),
		P99:             t.P99(),
		P999:            t.P999(),
		Mean:            t.Mean(),
		DivergenceRatio: ratio,
		HeavyTailed:     ratio > HeavyTailRatio,
	}
}
