package threadbench

import (
	"math/rand"
	"testing"
	"time"
)

func TestTailTracker_ConcurrentRuns(t *testing.T) {
	tracker := NewTailTracker(1000)

	// Runs that never wait for a thread: two 50ms phases plus jitter
	for i := 0; i < 1000; i++ {
		tracker.Record(100*time.Millisecond + time.Duration(rand.Intn(5))*time.Millisecond)
	}

	stats := tracker.Stats()

	if stats.DivergenceRatio > 1.1 {
		t.Errorf("Concurrent runs should have ratio ≈ 1, got %.2f", stats.DivergenceRatio)
	}
	if stats.HeavyTailed {
		t.Errorf("Should NOT be heavy tailed")
	}

	t.Logf("✓ Concurrent runs:")
	t.Logf("  P50: %v", stats.P50)
	t.Logf("  P99: %v", stats.P99)
	t.Logf("  Tail Ratio: %.2f", stats.DivergenceRatio)
}

func TestTailTracker_SerialisedRuns(t *testing.T) {
	tracker := NewTailTracker(1000)

	// 98% of runs finish quickly, 2% queue behind blocked threads for seconds
	for i := 0; i < 980; i++ {
		tracker.Record(time.Duration(1+rand.Intn(10)) * time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		tracker.Record(time.Duration(1000+rand.Intn(4000)) * time.Millisecond)
	}

	stats := tracker.Stats()

	if stats.DivergenceRatio < HeavyTailRatio {
		t.Errorf("Serialised runs should have ratio > %.0f, got %.2f", HeavyTailRatio, stats.DivergenceRatio)
	}
	if !stats.HeavyTailed {
		t.Errorf("Should detect heavy tail")
	}

	t.Logf("✓ Serialised runs:")
	t.Logf("  Mean: %v (dominated by the tail)", stats.Mean)
	t.Logf("  P50: %v", stats.P50)
	t.Logf("  P99: %v", stats.P99)
	t.Logf("  Tail Ratio: %.2f", stats.DivergenceRatio)
}

func TestTailTracker_RingBufferOverwrite(t *testing.T) {
	tracker := NewTailTracker(10)

	for i := 0; i < 10; i++ {
		tracker.Record(time.Second)
	}
	// Overwrite everything with fast samples
	for i := 0; i < 10; i++ {
		tracker.Record(time.Millisecond)
	}

	if p99 := tracker.P99(); p99 != time.Millisecond {
		t.Errorf("Old samples should be evicted, P99 = %v", p99)
	}
	if got := tracker.Stats().Samples; got != 20 {
		t.Errorf("Expected 20 samples recorded, got %d", got)
	}
}

func TestTailTracker_Empty(t *testing.T) {
	tracker := NewTailTracker(0)

	if tracker.P50() != 0 || tracker.Mean() != 0 {
		t.Errorf("Empty tracker should report zero latencies")
	}
	if r := tracker.DivergenceRatio(); r != 1.0 {
		t.Errorf("Empty tracker ratio should be 1, got %.2f", r)
	}
}

func TestTailTracker_RecordAll(t *testing.T) {
	tracker := NewTailTracker(100)
	tracker.RecordAll([]time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
	})

	if p50 := tracker.P50(); p50 != 20*time.Millisecond {
		t.Errorf("P50: expected 20ms, got %v", p50)
	}
	if mean := tracker.Mean(); mean != 20*time.Millisecond {
		t.Errorf("Mean: expected 20ms, got %v", mean)
	}
}
