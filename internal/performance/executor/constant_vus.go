package executor

import (
	"context"
	"sync"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// This is the simplest executor: spawn N VUs and let them run iterations
// until the duration expires. Each VU runs as fast as it can (closed model),
// optionally with pacing between iterations.
//
// Use cases:
//   - Basic load testing
//   - Determining max throughput for N concurrent users
//   - Simple soak testing
type ConstantVUs struct {
	base
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	return e.init(TypeConstantVUs, config)
}

// Run starts the executor and blocks until completion.
func (e *ConstantVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	runCtx, cancel := e.start(ctx, scheduler, metricsEngine, e.config.Duration)
	defer cancel()

	e.setPhase(metrics.PhaseSteady)

	var wg sync.WaitGroup
	for i := 0; i < e.config.VUs; i++ {
		vu := scheduler.SpawnVU()
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.RunVUWhile(ctx, vu, e.config.Pacing, e.whileRunning(runCtx))
		}()
	}

	<-runCtx.Done()

	e.finish()
	wg.Wait()
	return nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	return e.timeProgress(e.config.Duration)
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	stats := e.stats()
	stats.TargetVUs = e.config.VUs
	return stats
}

// Ensure ConstantVUs implements Executor
var _ Executor = (*ConstantVUs)(nil)
