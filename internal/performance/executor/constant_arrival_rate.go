package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/rate"
)

// ConstantArrivalRate maintains a fixed iteration rate (open model).
//
// Unlike VU-based executors where throughput depends on response time,
// arrival-rate executors start iterations at a constant rate regardless
// of how long each iteration takes.
//
// Iterations run on a pool of VUs. When every VU is busy the pool grows up
// to MaxVUs; beyond that the iteration is dropped and counted in
// dropped_iterations instead of being queued.
//
// Example:
//
//	config:
//	  executor: constant-arrival-rate
//	  rate: 100              # 100 iterations per timeUnit
//	  timeUnit: 1s
//	  duration: 5m
//	  preAllocatedVUs: 10    # Start with 10 VUs
//	  maxVUs: 50             # Scale up to 50 VUs if needed
type ConstantArrivalRate struct {
	base

	pool atomic.Pointer[vuPool]
}

// NewConstantArrivalRate creates a new constant arrival rate executor.
func NewConstantArrivalRate() *ConstantArrivalRate {
	return &ConstantArrivalRate{}
}

// Type returns the executor type.
func (e *ConstantArrivalRate) Type() Type {
	return TypeConstantArrivalRate
}

// Init initializes the executor with configuration.
func (e *ConstantArrivalRate) Init(ctx context.Context, config *Config) error {
	return e.init(TypeConstantArrivalRate, config)
}

// Run starts the executor and blocks until completion.
func (e *ConstantArrivalRate) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	runCtx, cancel := e.start(ctx, scheduler, metricsEngine, e.config.Duration)
	defer cancel()

	pacer := rate.NewPacer(e.config.Rate, e.config.TimeUnit)
	pool := newVUPool(scheduler, e.config.PreAllocatedVUs, e.config.MaxVUs)
	e.pool.Store(pool)

	e.setPhase(metrics.PhaseSteady)

	var wg sync.WaitGroup
	e.runArrivals(ctx, runCtx, pacer, pool, &wg)

	e.finish()
	wg.Wait()
	return nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantArrivalRate) GetProgress() float64 {
	return e.timeProgress(e.config.Duration)
}

// GetStats returns executor statistics.
func (e *ConstantArrivalRate) GetStats() *Stats {
	stats := e.stats()
	stats.TargetRate = rate.PerSecond(e.config.Rate, e.config.TimeUnit)
	stats.TargetVUs = e.config.MaxVUs

	if elapsed := stats.Elapsed.Seconds(); elapsed > 0 {
		stats.CurrentRate = float64(stats.Iterations) / elapsed
	}
	if pool := e.pool.Load(); pool != nil {
		stats.TargetVUs = pool.size()
	}
	return stats
}

// Ensure ConstantArrivalRate implements Executor
var _ Executor = (*ConstantArrivalRate)(nil)
