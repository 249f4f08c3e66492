// Command threadbench runs every invocation strategy against a small thread
// pool and prints how many threads each one touched and how long it took.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/alexshd/threadbench"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
)

func init() {
	// main launches every run; keep it on one OS thread so its id is stable.
	runtime.LockOSThread()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("threadbench failed", "error", err)
		os.Exit(1)
	}
}

func newFlags() *pflag.FlagSet {
	def := threadbench.DefaultConfig()
	pool := threadbench.DefaultPoolOptions()

	fs := pflag.NewFlagSet("threadbench", pflag.ContinueOnError)
	fs.IntSlice("levels", def.Levels, "concurrent runs per case; three or more levels enable the USL fit")
	fs.Int("repeats", def.Repeats, "times each strategy is measured in a row")
	fs.StringSlice("strategies", nil, "subset of strategies to run (default all)")
	fs.Duration("sleep", def.SleepDuration, "length of each workload phase")
	fs.Int("min-threads", def.MinThreads, "pool minimum worker threads")
	fs.Int("max-threads", def.MaxThreads, "pool maximum worker threads")
	fs.Duration("injection-delay", pool.InjectionDelay, "starvation before the pool grows past its minimum")
	fs.Duration("idle-timeout", pool.IdleTimeout, "idle time before a worker above the minimum exits")
	fs.Duration("timeout", def.Timeout, "per-case timeout")
	fs.Int("max-procs", def.MaxProcs, "GOMAXPROCS override (0 keeps the container-aware default)")
	fs.Bool("launch-on-pool", def.LaunchOnPool, "start runs on the pool instead of the main thread")
	fs.Bool("summary", false, "print per-strategy latency statistics")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-file", "", "also write JSON logs to this rolling file")
	fs.String("metrics-addr", "", "serve pool metrics on this address, e.g. :9090")
	return fs
}

func run(args []string) error {
	fs := newFlags()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	v := viper.New()
	v.SetEnvPrefix("THREADBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	logger, closeLog, err := newLogger(v.GetString("log-level"), v.GetString("log-file"))
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		slog.Debug(fmt.Sprintf(format, args...))
	}))
	defer undo()
	if err != nil {
		slog.Warn("could not apply container CPU quota", "error", err)
	}

	reg := prometheus.NewRegistry()
	opts := threadbench.DefaultPoolOptions()
	opts.InjectionDelay = v.GetDuration("injection-delay")
	opts.IdleTimeout = v.GetDuration("idle-timeout")
	opts.Registerer = reg
	if err := threadbench.ConfigureDefaultPool(opts); err != nil {
		return fmt.Errorf("configure pool: %w", err)
	}

	if addr := v.GetString("metrics-addr"); addr != "" {
		go serveMetrics(addr, reg)
	}

	cfg := threadbench.Config{
		Levels:        v.GetIntSlice("levels"),
		Repeats:       v.GetInt("repeats"),
		SleepDuration: v.GetDuration("sleep"),
		MinThreads:    v.GetInt("min-threads"),
		MaxThreads:    v.GetInt("max-threads"),
		Timeout:       v.GetDuration("timeout"),
		MaxProcs:      v.GetInt("max-procs"),
		LaunchOnPool:  v.GetBool("launch-on-pool"),
		Strategies:    v.GetStringSlice("strategies"),
		Progress: func(r threadbench.Result) {
			if err := threadbench.WriteThreads(os.Stdout, r); err != nil {
				slog.Error("write result", "error", err)
			}
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := threadbench.Run(ctx, nil, cfg)
	if err != nil {
		return err
	}

	if err := threadbench.WriteReport(os.Stdout, results); err != nil {
		return err
	}
	if v.GetBool("summary") {
		return threadbench.WriteSummary(os.Stdout, results)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "error", err)
	}
}
