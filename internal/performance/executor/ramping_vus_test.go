package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

func TestTargetVUsAt(t *testing.T) {
	stages := []executor.Stage{
		{Duration: 10 * time.Second, Target: 10},
		{Duration: 20 * time.Second, Target: 10},
		{Duration: 10 * time.Second, Target: 0},
	}

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{5 * time.Second, 5},
		{10 * time.Second, 10},
		{20 * time.Second, 10},
		{30 * time.Second, 10},
		{35 * time.Second, 5},
		{40 * time.Second, 0},
		{time.Minute, 0},
	}

	for _, tt := range tests {
		if got := executor.TargetVUsAt(stages, 0, tt.elapsed); got != tt.want {
			t.Errorf("TargetVUsAt(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}
}

func TestTargetVUsAt_ReachesEveryStageTarget(t *testing.T) {
	stages := []executor.Stage{
		{Duration: 3 * time.Second, Target: 7},
		{Duration: 4 * time.Second, Target: 2},
		{Duration: 5 * time.Second, Target: 13},
		{Duration: time.Second, Target: 13},
	}

	var end time.Duration
	for i, s := range stages {
		end += s.Duration
		if got := executor.TargetVUsAt(stages, 4, end); got != s.Target {
			t.Errorf("stage %d: TargetVUsAt(%v) = %d, want %d", i, end, got, s.Target)
		}
	}
}

func TestTargetVUsAt_StartVUs(t *testing.T) {
	stages := []executor.Stage{{Duration: 10 * time.Second, Target: 0}}
	assert.Equal(t, 20, executor.TargetVUsAt(stages, 20, 0))
	assert.Equal(t, 10, executor.TargetVUsAt(stages, 20, 5*time.Second))
}

func TestRampingVUs_Init(t *testing.T) {
	e := executor.NewRampingVUs()
	err := e.Init(context.Background(), &executor.Config{Type: executor.TypeRampingVUs})
	if err == nil {
		t.Fatal("Init() expected error without stages, got nil")
	}

	config := &executor.Config{
		Type:   executor.TypeRampingVUs,
		Stages: []executor.Stage{{Duration: time.Second, Target: 1}},
	}
	require.NoError(t, e.Init(context.Background(), config))
	assert.Equal(t, executor.DefaultGracefulRampDown, config.GracefulRampDown)
}

func TestRampingVUs_Init_NegativeTarget(t *testing.T) {
	err := executor.NewRampingVUs().Init(context.Background(), &executor.Config{
		Type:   executor.TypeRampingVUs,
		Stages: []executor.Stage{{Duration: time.Second, Target: 2}, {Duration: time.Second, Target: -1}},
	})

	var verr *executor.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "stages[1].target", verr.Field)
}

func TestRampingVUs_Run(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "up", sleepFlow(10*time.Millisecond), eng)

	e := executor.NewRampingVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type: executor.TypeRampingVUs,
		Stages: []executor.Stage{
			{Duration: 200 * time.Millisecond, Target: 4, Name: "up"},
			{Duration: 300 * time.Millisecond, Target: 4, Name: "hold"},
			{Duration: 200 * time.Millisecond, Target: 0, Name: "down"},
		},
		GracefulRampDown: 100 * time.Millisecond,
	}))

	peak := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 20; i++ {
			<-ticker.C
			if n := e.GetActiveVUs(); n > peak {
				peak = n
			}
		}
	}()

	runWithin(t, 5*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})
	<-done

	assert.Equal(t, 4, peak)
	assert.Equal(t, 0, e.GetActiveVUs())
	assert.Equal(t, 4, eng.GetMaxVUs())
	assert.Greater(t, count(eng, metrics.Iterations), 0.0)

	stats := e.GetStats()
	assert.Equal(t, 3, stats.TotalStages)
	assert.Equal(t, 1.0, e.GetProgress())
}

func TestRampingVUs_PhaseTransitions(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "", sleepFlow(5*time.Millisecond), eng)

	e := executor.NewRampingVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type: executor.TypeRampingVUs,
		Stages: []executor.Stage{
			{Duration: 250 * time.Millisecond, Target: 2},
			{Duration: 250 * time.Millisecond, Target: 2},
			{Duration: 250 * time.Millisecond, Target: 0},
		},
	}))

	runWithin(t, 5*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})

	var phases []metrics.Phase
	for _, change := range eng.GetPhaseHistory() {
		phases = append(phases, change.Phase)
	}
	assert.Contains(t, phases, metrics.PhaseRampUp)
	assert.Contains(t, phases, metrics.PhaseSteady)
	assert.Contains(t, phases, metrics.PhaseRampDown)
}
