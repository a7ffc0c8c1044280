package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// SharedIterations splits a total of Iterations across VUs.
//
// VUs claim iterations from a shared counter, so fast VUs end up running
// more of them than slow ones. The executor finishes when the counter is
// exhausted and every claimed iteration is done, or when MaxDuration
// elapses.
//
// Example:
//
//	config:
//	  executor: shared-iterations
//	  vus: 10
//	  iterations: 200
//	  maxDuration: 5m
type SharedIterations struct {
	base

	claimed atomic.Int64
}

// NewSharedIterations creates a new shared iterations executor.
func NewSharedIterations() *SharedIterations {
	return &SharedIterations{}
}

// Type returns the executor type.
func (e *SharedIterations) Type() Type {
	return TypeSharedIterations
}

// Init initializes the executor with configuration.
func (e *SharedIterations) Init(ctx context.Context, config *Config) error {
	return e.init(TypeSharedIterations, config)
}

// Run starts the executor and blocks until completion.
func (e *SharedIterations) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	runCtx, cancel := e.start(ctx, scheduler, metricsEngine, e.config.MaxDuration)
	defer cancel()

	e.setPhase(metrics.PhaseSteady)

	vus := e.config.VUs
	if int64(vus) > e.config.Iterations {
		vus = int(e.config.Iterations)
	}

	var wg sync.WaitGroup
	for i := 0; i < vus; i++ {
		vu := scheduler.SpawnVU()
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.RunVUWhile(ctx, vu, e.config.Pacing, e.claim(runCtx))
		}()
	}

	waitOrDone(runCtx, &wg)

	e.finish()
	wg.Wait()
	return nil
}

func (e *SharedIterations) claim(runCtx context.Context) func() bool {
	return func() bool {
		if runCtx.Err() != nil {
			return false
		}
		if e.claimed.Add(1) > e.config.Iterations {
			return false
		}
		e.iterations.Add(1)
		return true
	}
}

// GetProgress returns completed share of Iterations.
func (e *SharedIterations) GetProgress() float64 {
	return e.iterationProgress(e.config.Iterations)
}

// GetStats returns executor statistics.
func (e *SharedIterations) GetStats() *Stats {
	stats := e.stats()
	stats.TargetVUs = e.config.VUs
	stats.TotalIterations = e.config.Iterations
	return stats
}

// Ensure SharedIterations implements Executor
var _ Executor = (*SharedIterations)(nil)
