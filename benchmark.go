package threadbench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"time"
)

// Case is one measured entry: a strategy and which repetition of it this is.
type Case struct {
	Name     string
	Repeat   int
	Strategy Strategy
}

// Result contains measurements from one case at one concurrency level.
type Result struct {
	Name           string          // Strategy name
	Repeat         int             // 1-based repetition of the strategy
	N              int             // Concurrent workload runs
	Duration       time.Duration   // Wall clock from first launch to last completion
	Threads        []ThreadID      // Distinct threads seen across all runs, ascending
	OSThreads      []int           // Distinct kernel thread ids, ascending (empty off Linux)
	Latencies      []time.Duration // Per run, from case start to that run's completion
	Throughput     float64         // Runs per second
	Runs           [][]Observation // Observations of each run
	Pool           PoolStats       // Pool state after the case
	ProcessThreads int32           // OS threads owned by the process after the case (0 if unknown)
}

// ThreadCount is the number of distinct threads the case touched.
func (r Result) ThreadCount() int {
	return len(r.Threads)
}

// Statistics contains percentile latency data.
type Statistics struct {
	Mean   time.Duration
	Stddev time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
}

// USLCoefficients contains the Universal Scalability Law parameters.
type USLCoefficients struct {
	Lambda   float64 // λ: Serial throughput (runs/sec at N=1)
	Alpha    float64 // α: Contention coefficient
	Beta     float64 // β: Coordination coefficient
	RSquared float64 // R²: Goodness of fit (1.0 = perfect)
}

// Config controls benchmark execution.
type Config struct {
	Levels        []int         // Concurrent runs per case (default: [10])
	Repeats       int           // Times each strategy is measured in a row (default: 3)
	SleepDuration time.Duration // Length of each workload phase (default: 50ms)
	MinThreads    int           // Pool minimum applied by Run (default: 1, 0 = leave as is)
	MaxThreads    int           // Pool maximum applied by Run (default: 2, 0 = leave as is)
	Timeout       time.Duration // Per case; exceeding it fails with ErrStarved
	MaxProcs      int           // GOMAXPROCS limit (0 = use runtime default)
	LaunchOnPool  bool          // Start runs on the pool instead of the caller thread
	Strategies    []string      // Subset of strategy names (default: all five)

	// Progress, when set, receives every result as soon as its case ends.
	Progress func(Result)
}

// DefaultConfig returns the classic setup: ten runs of 50ms phases on a
// pool of one to two workers, each strategy measured three times.
func DefaultConfig() Config {
	return Config{
		Levels:        []int{10},
		Repeats:       3,
		SleepDuration: 50 * time.Millisecond,
		MinThreads:    1,
		MaxThreads:    2,
		Timeout:       30 * time.Second,
	}
}

// Cases expands cfg into the ordered list of measured cases.
func Cases(cfg Config) ([]Case, error) {
	named := Strategies()
	if len(cfg.Strategies) > 0 {
		named = named[:0:0]
		for _, name := range cfg.Strategies {
			s, err := StrategyByName(name)
			if err != nil {
				return nil, err
			}
			named = append(named, s)
		}
	}

	repeats := max(cfg.Repeats, 1)
	cases := make([]Case, 0, len(named)*repeats)
	for _, s := range named {
		for r := 1; r <= repeats; r++ {
			cases = append(cases, Case{Name: s.Name, Repeat: r, Strategy: s.Strategy})
		}
	}
	return cases, nil
}

// Run applies cfg's thread bounds to pool (the process-wide pool when nil)
// and measures every case at every level on it. Cases run one after another;
// the first failing case aborts the run.
func Run(ctx context.Context, pool *ThreadPool, cfg Config) ([]Result, error) {
	if pool == nil {
		pool = DefaultPool()
	}
	if cfg.MaxProcs > 0 {
		oldMaxProcs := runtime.GOMAXPROCS(cfg.MaxProcs)
		defer runtime.GOMAXPROCS(oldMaxProcs)
	}

	if err := applyBounds(pool, cfg.MinThreads, cfg.MaxThreads); err != nil {
		return nil, fmt.Errorf("apply pool bounds: %w", err)
	}
	minThreads, maxThreads := pool.Bounds()
	slog.InfoContext(ctx, "thread pool bounds",
		"min", minThreads,
		"max", maxThreads,
		"gomaxprocs", runtime.GOMAXPROCS(0))

	cases, err := Cases(cfg)
	if err != nil {
		return nil, err
	}
	levels := cfg.Levels
	if len(levels) == 0 {
		levels = []int{10}
	}

	results := make([]Result, 0, len(cases)*len(levels))
	for _, c := range cases {
		for _, n := range levels {
			result, err := runCase(ctx, pool, c, n, cfg)
			if err != nil {
				return nil, fmt.Errorf("case %s failed at N=%d: %w", c.Name, n, err)
			}
			if cfg.Progress != nil {
				cfg.Progress(result)
			}
			results = append(results, result)
		}
	}

	return results, nil
}

// applyBounds sets the pool bounds the cases run under; zero keeps the
// current value. The minimum is applied first unless it would exceed the
// current maximum, in which case the maximum is raised first.
func applyBounds(pool *ThreadPool, minThreads, maxThreads int) error {
	if minThreads == 0 && maxThreads == 0 {
		return nil
	}
	curMin, curMax := pool.Bounds()
	if minThreads == 0 {
		minThreads = curMin
	}
	if maxThreads == 0 {
		maxThreads = curMax
	}
	if minThreads > maxThreads {
		return fmt.Errorf("min=%d max=%d: %w", minThreads, maxThreads, ErrInvalidThreadCount)
	}

	if minThreads > curMax {
		if err := pool.SetMaxThreads(maxThreads); err != nil {
			return err
		}
		return pool.SetMinThreads(minThreads)
	}
	if err := pool.SetMinThreads(minThreads); err != nil {
		return err
	}
	return pool.SetMaxThreads(maxThreads)
}

// runCase launches n workload runs concurrently and waits for all of them.
func runCase(ctx context.Context, pool *ThreadPool, c Case, n int, cfg Config) (Result, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	ctx = WithPool(NewCallerContext(ctx), pool)

	launch := func(ctx context.Context) *Future[[]Observation] {
		return Workload(ctx, c.Strategy, cfg.SleepDuration)
	}

	start := time.Now()
	runs := make([]*Future[[]Observation], n)
	for i := range runs {
		if cfg.LaunchOnPool {
			runs[i] = Dispatch(ctx, launch)
		} else {
			runs[i] = launch(ctx)
		}
	}

	observed, err := WhenAll(ctx, runs...)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("no completion within %v: %w", cfg.Timeout, ErrStarved)
		}
		return Result{}, err
	}

	result := Result{
		Name:       c.Name,
		Repeat:     c.Repeat,
		N:          n,
		Duration:   elapsed,
		Latencies:  make([]time.Duration, 0, n),
		Throughput: float64(n) / elapsed.Seconds(),
		Runs:       observed,
		Pool:       pool.Stats(),
	}

	threads := make(map[ThreadID]struct{})
	osThreads := make(map[int]struct{})
	for _, run := range observed {
		for _, o := range run {
			threads[o.Thread] = struct{}{}
			if o.OSThread >= 0 {
				osThreads[o.OSThread] = struct{}{}
			}
		}
		if len(run) > 0 {
			result.Latencies = append(result.Latencies, run[len(run)-1].At.Sub(start))
		}
	}
	for id := range threads {
		result.Threads = append(result.Threads, id)
	}
	for id := range osThreads {
		result.OSThreads = append(result.OSThreads, id)
	}
	slices.Sort(result.Threads)
	slices.Sort(result.OSThreads)

	if procThreads, err := ProcessThreads(); err != nil {
		slog.DebugContext(ctx, "process thread count unavailable", "error", err)
	} else {
		result.ProcessThreads = procThreads
	}

	slog.InfoContext(ctx, "case finished",
		"case", c.Name,
		"repeat", c.Repeat,
		"n", n,
		"elapsed", elapsed,
		"threads", len(result.Threads),
		"pool_workers", result.Pool.Workers)

	return result, nil
}

// CalculateStatistics computes percentile run latencies.
func CalculateStatistics(result Result) Statistics {
	if len(result.Latencies) == 0 {
		return Statistics{}
	}

	sorted := slices.Clone(result.Latencies)
	slices.Sort(sorted)

	var sum time.Duration
	for _, lat := range sorted {
		sum += lat
	}
	mean := sum / time.Duration(len(sorted))

	var variance float64
	for _, lat := range sorted {
		diff := float64(lat - mean)
		variance += diff * diff
	}

	return Statistics{
		Mean:   mean,
		Stddev: time.Duration(math.Sqrt(variance / float64(len(sorted)))),
		P50:    sorted[len(sorted)*50/100],
		P95:    sorted[len(sorted)*95/100],
		P99:    sorted[len(sorted)*99/100],
	}
}

// FitUSL fits λ, α, β to the throughput of results across concurrency levels.
//
// The USL C(N) = λN / (1 + α(N-1) + βN(N-1)) is linear after rearranging:
//
//	N/C(N) = 1/λ + (α/λ)(N-1) + (β/λ)N(N-1)
//
// so ordinary least squares on [1, N-1, N(N-1)] recovers the coefficients.
// A negative β is a noise artifact and triggers a contention-only refit.
func FitUSL(results []Result) (USLCoefficients, error) {
	levels := make(map[int]struct{})
	pts := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Throughput > 0 {
			pts = append(pts, r)
			levels[r.N] = struct{}{}
		}
	}
	if len(levels) < 3 {
		return USLCoefficients{}, fmt.Errorf("got %d: %w", len(levels), ErrNotEnoughLevels)
	}

	var a [3][3]float64
	var y [3]float64
	for _, r := range pts {
		n := float64(r.N)
		x := [3]float64{1, n - 1, n * (n - 1)}
		yy := n / r.Throughput
		for i := range x {
			for j := range x {
				a[i][j] += x[i] * x[j]
			}
			y[i] += x[i] * yy
		}
	}

	b, ok := solve3(a, y)
	if !ok {
		return USLCoefficients{Lambda: pts[0].Throughput, Alpha: 0.01}, nil
	}
	lambda, alpha, beta := 1/b[0], b[1]/b[0], b[2]/b[0]

	if beta < 0 && alpha > 0 {
		var s1, sx, sxx, sy, sxy float64
		for _, r := range pts {
			n := float64(r.N)
			x, yy := n-1, n/r.Throughput
			s1++
			sx += x
			sxx += x * x
			sy += yy
			sxy += x * yy
		}
		if det := s1*sxx - sx*sx; math.Abs(det) > 1e-10 {
			b0 := (sxx*sy - sx*sxy) / det
			b1 := (s1*sxy - sx*sy) / det
			lambda, alpha, beta = 1/b0, b1/b0, 0
		}
	}

	var mean float64
	for _, r := range pts {
		mean += r.Throughput
	}
	mean /= float64(len(pts))

	var ssRes, ssTot float64
	for _, r := range pts {
		predicted := uslModel(float64(r.N), lambda, alpha, beta)
		ssRes += (r.Throughput - predicted) * (r.Throughput - predicted)
		ssTot += (r.Throughput - mean) * (r.Throughput - mean)
	}
	rSquared := 1.0
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}

	return USLCoefficients{Lambda: lambda, Alpha: alpha, Beta: beta, RSquared: rSquared}, nil
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// solve3 solves a·x = y by Cramer's rule.
func solve3(a [3][3]float64, y [3]float64) ([3]float64, bool) {
	det := det3(a)
	if math.Abs(det) < 1e-10 {
		return [3]float64{}, false
	}
	var x [3]float64
	for col := range x {
		m := a
		for row := range m {
			m[row][col] = y[row]
		}
		x[col] = det3(m) / det
	}
	return x, true
}

// uslModel calculates predicted throughput using USL formula.
func uslModel(n, lambda, alpha, beta float64) float64 {
	return (lambda * n) / (1 + alpha*(n-1) + beta*n*(n-1))
}

// PredictThroughput estimates throughput at a given concurrency level.
func (c USLCoefficients) PredictThroughput(n int) float64 {
	return uslModel(float64(n), c.Lambda, c.Alpha, c.Beta)
}

// Efficiency returns the ratio of predicted to ideal throughput.
// 1.0 = perfect linear scaling, <1.0 = contention/coordination overhead.
func (c USLCoefficients) Efficiency(n int) float64 {
	ideal := c.Lambda * float64(n)
	if ideal == 0 {
		return 0
	}
	return c.PredictThroughput(n) / ideal
}
