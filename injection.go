package threadbench

import (
	"fmt"
	"time"
)

// InjectionDecision is the pool monitor's action for one tick.
type InjectionDecision string

const (
	Hold           InjectionDecision = "HOLD"             // Enough idle workers, or nothing queued long enough
	InjectBelowMin InjectionDecision = "INJECT_BELOW_MIN" // Under the minimum: add workers without delay
	Inject         InjectionDecision = "INJECT"           // Starved past the injection delay: add one worker
	Saturated      InjectionDecision = "SATURATED"        // Starved, but already at the maximum
	Retire         InjectionDecision = "RETIRE"           // Idle workers above the minimum timed out
)

// PoolSnapshot is the pool state the injection policy decides on.
type PoolSnapshot struct {
	Workers        int           // Live workers
	Busy           int           // Workers running a task
	Idle           int           // Workers parked waiting for work
	Queued         int           // Tasks waiting for a worker
	Min            int           // Minimum workers
	Max            int           // Maximum workers
	OldestWait     time.Duration // How long the head of the queue has waited
	InjectionDelay time.Duration // Starvation needed before growing past Min
	ExpiredIdle    int           // Idle workers parked longer than the idle timeout
}

// InjectionRecommendation carries the decision with its reasoning.
type InjectionRecommendation struct {
	Decision InjectionDecision
	TargetN  int    // Worker count after applying the decision
	Reason   string // Human-readable explanation
}

// ShouldInject decides whether the pool grows, shrinks or holds.
//
// Growth follows the classic thread pool shape:
//   - below Min, a worker is created as soon as work outnumbers idle workers
//   - between Min and Max, one worker is injected per tick once the oldest
//     queued task has waited InjectionDelay with no idle worker to take it
//   - at Max, starvation is reported but nothing is added
//
// Shrinking only removes workers that outlived the idle timeout and only
// down to Min.
func ShouldInject(s PoolSnapshot) InjectionRecommendation {
	rec := InjectionRecommendation{TargetN: s.Workers}

	starved := s.Queued > 0 && s.Idle == 0 && s.OldestWait >= s.InjectionDelay

	switch {
	case s.Workers < s.Min && s.Queued > s.Idle:
		need := s.Queued - s.Idle
		if room := s.Min - s.Workers; need > room {
			need = room
		}
		rec.Decision = InjectBelowMin
		rec.TargetN = s.Workers + need
		rec.Reason = fmt.Sprintf("below minimum (%d < %d) with %d queued", s.Workers, s.Min, s.Queued)

	case starved && s.Workers < s.Max:
		rec.Decision = Inject
		rec.TargetN = s.Workers + 1
		rec.Reason = fmt.Sprintf("queue head waited %v (delay %v) with no idle worker", s.OldestWait, s.InjectionDelay)

	case starved:
		rec.Decision = Saturated
		rec.Reason = fmt.Sprintf("queue head waited %v but pool is at maximum (%d)", s.OldestWait, s.Max)

	case s.ExpiredIdle > 0 && s.Workers > s.Min:
		n := s.ExpiredIdle
		if surplus := s.Workers - s.Min; n > surplus {
			n = surplus
		}
		rec.Decision = Retire
		rec.TargetN = s.Workers - n
		rec.Reason = fmt.Sprintf("%d idle workers above minimum timed out", n)

	default:
		rec.Decision = Hold
		rec.Reason = "no starvation"
	}

	return rec
}
