package executor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/rate"
)

// RampingArrivalRate ramps the iteration rate according to stages.
//
// The rate starts at StartRate and moves linearly to each stage target
// over the stage duration. Like ConstantArrivalRate it is an open model:
// iterations that find no free VU are dropped.
//
// Example:
//
//	config:
//	  executor: ramping-arrival-rate
//	  startRate: 10
//	  timeUnit: 1s
//	  preAllocatedVUs: 10
//	  maxVUs: 100
//	  stages:
//	    - duration: 1m
//	      target: 50     # 10 -> 50 iterations/s over a minute
//	    - duration: 2m
//	      target: 50
//	    - duration: 30s
//	      target: 0
type RampingArrivalRate struct {
	base

	pacer        atomic.Pointer[rate.Pacer]
	pool         atomic.Pointer[vuPool]
	currentRate  atomic.Uint64 // float64 bits, per TimeUnit
	currentStage atomic.Int32
}

// rateEpsilon is the smallest change that resets the pacer.
const rateEpsilon = 0.01

// NewRampingArrivalRate creates a new ramping arrival rate executor.
func NewRampingArrivalRate() *RampingArrivalRate {
	return &RampingArrivalRate{}
}

// Type returns the executor type.
func (e *RampingArrivalRate) Type() Type {
	return TypeRampingArrivalRate
}

// Init initializes the executor with configuration.
func (e *RampingArrivalRate) Init(ctx context.Context, config *Config) error {
	return e.init(TypeRampingArrivalRate, config)
}

// RateAt returns the iteration rate per TimeUnit the stages call for at
// elapsed.
func RateAt(stages []Stage, startRate float64, elapsed time.Duration) float64 {
	v, _ := rate.ValueAt(rateStages(stages), startRate, elapsed)
	return v
}

// Run starts the executor and blocks until completion.
func (e *RampingArrivalRate) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	runCtx, cancel := e.start(ctx, scheduler, metricsEngine, e.config.TotalDuration())
	defer cancel()

	pacer := rate.NewPacer(e.config.StartRate, e.config.TimeUnit)
	pool := newVUPool(scheduler, e.config.PreAllocatedVUs, e.config.MaxVUs)
	e.pacer.Store(pacer)
	e.pool.Store(pool)
	e.currentRate.Store(math.Float64bits(e.config.StartRate))
	e.updatePhase()

	var ctrl sync.WaitGroup
	ctrl.Add(1)
	go func() {
		defer ctrl.Done()
		e.rateController(runCtx, pacer)
	}()

	var wg sync.WaitGroup
	e.runArrivals(ctx, runCtx, pacer, pool, &wg)
	ctrl.Wait()

	e.finish()
	wg.Wait()
	return nil
}

// rateController follows the stage ramp until ctx ends.
func (e *RampingArrivalRate) rateController(ctx context.Context, pacer *rate.Pacer) {
	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsed := e.elapsed()
		target := RateAt(e.config.Stages, e.config.StartRate, elapsed)
		if idx := rate.StageIndex(rateStages(e.config.Stages), elapsed); idx >= 0 {
			e.currentStage.Store(int32(idx))
		}

		current := math.Float64frombits(e.currentRate.Load())
		if math.Abs(target-current) >= rateEpsilon {
			pacer.SetRate(target, e.config.TimeUnit)
			e.currentRate.Store(math.Float64bits(target))
		}
		e.updatePhase()
	}
}

// updatePhase updates the metrics phase based on current stage.
func (e *RampingArrivalRate) updatePhase() {
	stageIdx := int(e.currentStage.Load())
	if stageIdx >= len(e.config.Stages) {
		return
	}

	target := float64(e.config.Stages[stageIdx].Target)
	prev := e.config.StartRate
	if stageIdx > 0 {
		prev = float64(e.config.Stages[stageIdx-1].Target)
	}

	switch {
	case target == prev:
		e.setPhase(metrics.PhaseSteady)
	case target > prev:
		e.setPhase(metrics.PhaseRampUp)
	default:
		e.setPhase(metrics.PhaseRampDown)
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingArrivalRate) GetProgress() float64 {
	return e.timeProgress(e.config.TotalDuration())
}

// GetStats returns executor statistics.
func (e *RampingArrivalRate) GetStats() *Stats {
	stats := e.stats()

	stageIdx := int(e.currentStage.Load())
	if stageIdx < len(e.config.Stages) {
		stats.CurrentStageName = e.config.Stages[stageIdx].Name
		stats.TargetRate = rate.PerSecond(float64(e.config.Stages[stageIdx].Target), e.config.TimeUnit)
	}
	stats.CurrentStage = stageIdx
	stats.TotalStages = len(e.config.Stages)

	if pacer := e.pacer.Load(); pacer != nil {
		stats.CurrentRate = pacer.PerSecondRate()
	}
	if pool := e.pool.Load(); pool != nil {
		stats.TargetVUs = pool.size()
	}
	return stats
}

// Ensure RampingArrivalRate implements Executor
var _ Executor = (*RampingArrivalRate)(nil)
