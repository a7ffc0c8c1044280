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

// RampingVUs ramps VU count up and down according to stages.
//
// This executor smoothly interpolates VU counts between stages,
// avoiding step-wise VU changes that cause jarring throughput variations.
// VUs removed while ramping down may finish their iteration within
// gracefulRampDown before it is interrupted.
//
// Use cases:
//   - Realistic traffic simulation (morning ramp-up, evening ramp-down)
//   - Finding the breaking point of a system
//   - Stress testing with gradual load increase
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	base

	targetVUs    atomic.Int32
	currentStage atomic.Int32
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	return e.init(TypeRampingVUs, config)
}

// TargetVUsAt returns the VU count the stages call for at elapsed.
//
// Each stage moves linearly from the previous target (startVUs for the
// first stage) to its own target, so at the end of stage i the result is
// exactly stages[i].Target. Past the last stage the last target holds.
func TargetVUsAt(stages []Stage, startVUs int, elapsed time.Duration) int {
	v, _ := rate.ValueAt(rateStages(stages), float64(startVUs), elapsed)
	return int(math.Round(v))
}

func rateStages(stages []Stage) []rate.Stage {
	out := make([]rate.Stage, len(stages))
	for i, s := range stages {
		out[i] = rate.Stage{Duration: s.Duration, Target: float64(s.Target)}
	}
	return out
}

// Run starts the executor and blocks until completion.
func (e *RampingVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	runCtx, cancel := e.start(ctx, scheduler, metricsEngine, e.config.TotalDuration())
	defer cancel()

	var wg sync.WaitGroup
	onSpawn := func(vu *performance.VirtualUser) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.RunVUWhile(ctx, vu, e.config.Pacing, e.whileRunning(runCtx))
		}()
	}

	// Adjust VUs every 100ms for smooth ramping
	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()

	e.adjustVUs(onSpawn)
	for running := true; running; {
		select {
		case <-runCtx.Done():
			running = false
		case <-ticker.C:
			e.adjustVUs(onSpawn)
		}
	}

	e.finish()
	wg.Wait()
	return nil
}

// adjustVUs moves the VU count to the target for the current time.
func (e *RampingVUs) adjustVUs(onSpawn func(*performance.VirtualUser)) {
	elapsed := e.elapsed()
	target := TargetVUsAt(e.config.Stages, e.config.StartVUs, elapsed)
	e.targetVUs.Store(int32(target))

	if idx := rate.StageIndex(rateStages(e.config.Stages), elapsed); idx >= 0 {
		e.currentStage.Store(int32(idx))
	}

	e.scheduler.ScaleVUs(target, e.config.GracefulRampDown, onSpawn)
	e.updatePhase()
}

// updatePhase updates the metrics phase based on current stage.
func (e *RampingVUs) updatePhase() {
	stageIdx := int(e.currentStage.Load())
	if stageIdx >= len(e.config.Stages) {
		return
	}

	stage := e.config.Stages[stageIdx]
	prevTarget := e.config.StartVUs
	if stageIdx > 0 {
		prevTarget = e.config.Stages[stageIdx-1].Target
	}

	switch {
	case stage.Target == prevTarget:
		e.setPhase(metrics.PhaseSteady)
	case stage.Target > prevTarget:
		e.setPhase(metrics.PhaseRampUp)
	default:
		e.setPhase(metrics.PhaseRampDown)
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	return e.timeProgress(e.config.TotalDuration())
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	stats := e.stats()

	stageIdx := int(e.currentStage.Load())
	if stageIdx < len(e.config.Stages) {
		stats.CurrentStageName = e.config.Stages[stageIdx].Name
	}
	stats.TargetVUs = int(e.targetVUs.Load())
	stats.CurrentStage = stageIdx
	stats.TotalStages = len(e.config.Stages)
	return stats
}

// Ensure RampingVUs implements Executor
var _ Executor = (*RampingVUs)(nil)
