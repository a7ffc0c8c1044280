package executor

import (
	"context"
	"sync"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// PerVUIterations has each of VUs run exactly Iterations iterations.
//
// The executor finishes as soon as every VU is done, or when MaxDuration
// elapses, whichever comes first. Total work is VUs * Iterations.
//
// Example:
//
//	config:
//	  executor: per-vu-iterations
//	  vus: 5
//	  iterations: 10     # 50 iterations in total
//	  maxDuration: 1m
type PerVUIterations struct {
	base
}

// NewPerVUIterations creates a new per-VU iterations executor.
func NewPerVUIterations() *PerVUIterations {
	return &PerVUIterations{}
}

// Type returns the executor type.
func (e *PerVUIterations) Type() Type {
	return TypePerVUIterations
}

// Init initializes the executor with configuration.
func (e *PerVUIterations) Init(ctx context.Context, config *Config) error {
	return e.init(TypePerVUIterations, config)
}

// Run starts the executor and blocks until completion.
func (e *PerVUIterations) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	runCtx, cancel := e.start(ctx, scheduler, metricsEngine, e.config.MaxDuration)
	defer cancel()

	e.setPhase(metrics.PhaseSteady)

	var wg sync.WaitGroup
	for i := 0; i < e.config.VUs; i++ {
		vu := scheduler.SpawnVU()
		remaining := e.config.Iterations
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.RunVUWhile(ctx, vu, e.config.Pacing, func() bool {
				if remaining <= 0 || runCtx.Err() != nil {
					return false
				}
				remaining--
				e.iterations.Add(1)
				return true
			})
		}()
	}

	waitOrDone(runCtx, &wg)

	e.finish()
	wg.Wait()
	return nil
}

// GetProgress returns completed share of VUs * Iterations.
func (e *PerVUIterations) GetProgress() float64 {
	return e.iterationProgress(int64(e.config.VUs) * e.config.Iterations)
}

// GetStats returns executor statistics.
func (e *PerVUIterations) GetStats() *Stats {
	stats := e.stats()
	stats.TargetVUs = e.config.VUs
	stats.TotalIterations = int64(e.config.VUs) * e.config.Iterations
	return stats
}

// Ensure PerVUIterations implements Executor
var _ Executor = (*PerVUIterations)(nil)
