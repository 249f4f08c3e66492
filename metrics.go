package threadbench

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "threadbench"

// registerPoolCollectors exposes PoolStats. Every collector reads a fresh
// snapshot, so scrapes never race with the workers.
func registerPoolCollectors(reg prometheus.Registerer, p *ThreadPool) error {
	gauge := func(name, help string, read func(PoolStats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(p.Stats())) })
	}
	counter := func(name, help string, read func(PoolStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(p.Stats())) })
	}

	collectors := []prometheus.Collector{
		gauge("workers", "Live worker threads.", func(s PoolStats) int { return s.Workers }),
		gauge("busy_workers", "Workers running a task.", func(s PoolStats) int { return s.Busy }),
		gauge("queue_length", "Tasks waiting for a worker.", func(s PoolStats) int { return s.Queued }),
		gauge("max_workers", "Configured maximum workers.", func(s PoolStats) int { return s.Max }),
		counter("tasks_submitted_total", "Tasks submitted.", func(s PoolStats) int64 { return s.Submitted }),
		counter("tasks_completed_total", "Tasks completed.", func(s PoolStats) int64 { return s.Completed }),
		counter("workers_injected_total", "Workers added by starvation injection.", func(s PoolStats) int64 { return s.Injected }),
		counter("workers_retired_total", "Workers that exited while the pool was open.", func(s PoolStats) int64 { return s.Retired }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
