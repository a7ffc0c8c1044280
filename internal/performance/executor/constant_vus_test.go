package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

func TestConstantVUs_Type(t *testing.T) {
	e := executor.NewConstantVUs()
	if e.Type() != executor.TypeConstantVUs {
		t.Errorf("Type() = %v, want %v", e.Type(), executor.TypeConstantVUs)
	}
}

func TestConstantVUs_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  *executor.Config
		wantErr bool
	}{
		{
			name:   "valid",
			config: &executor.Config{Type: executor.TypeConstantVUs, VUs: 10, Duration: time.Minute},
		},
		{
			name: "with pacing",
			config: &executor.Config{Type: executor.TypeConstantVUs, VUs: 5, Duration: 30 * time.Second,
				Pacing: &performance.Pacing{Type: performance.PacingConstant, Duration: 100 * time.Millisecond}},
		},
		{
			name:    "wrong type",
			config:  &executor.Config{Type: executor.TypeRampingVUs, VUs: 10, Duration: time.Minute},
			wantErr: true,
		},
		{
			name:    "zero vus",
			config:  &executor.Config{Type: executor.TypeConstantVUs, Duration: time.Minute},
			wantErr: true,
		},
		{
			name:    "negative duration",
			config:  &executor.Config{Type: executor.TypeConstantVUs, VUs: 10, Duration: -time.Minute},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executor.NewConstantVUs().Init(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConstantVUs_Init_AppliesDefaults(t *testing.T) {
	config := &executor.Config{Type: executor.TypeConstantVUs, VUs: 1, Duration: time.Second}
	require.NoError(t, executor.NewConstantVUs().Init(context.Background(), config))
	assert.Equal(t, executor.DefaultGracefulStop, config.GracefulStop)
}

func TestConstantVUs_Run(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "steady", sleepFlow(10*time.Millisecond), eng)

	e := executor.NewConstantVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Name:     "steady",
		Type:     executor.TypeConstantVUs,
		VUs:      3,
		Duration: 300 * time.Millisecond,
	}))

	if p := e.GetProgress(); p != 0 {
		t.Errorf("GetProgress() before Run = %v, want 0", p)
	}

	elapsed := runWithin(t, 5*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, 1.0, e.GetProgress())
	assert.Equal(t, 0, e.GetActiveVUs())
	assert.Equal(t, 0, eng.GetActiveVUs())

	stats := e.GetStats()
	assert.Equal(t, 3, stats.TargetVUs)
	assert.Greater(t, stats.Iterations, int64(10))
	assert.Equal(t, float64(stats.Iterations), count(eng, metrics.Iterations))
	assert.Equal(t, float64(stats.Iterations), eng.Value(metrics.Iterations, metrics.Tags{"scenario": "steady"}, "count"))
	assert.Equal(t, 0.0, count(eng, metrics.InterruptedIterations))
}

func TestConstantVUs_Run_WithPacing(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "", sleepFlow(0), eng)

	e := executor.NewConstantVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type:     executor.TypeConstantVUs,
		VUs:      1,
		Duration: 350 * time.Millisecond,
		Pacing:   &performance.Pacing{Type: performance.PacingConstant, Duration: 100 * time.Millisecond},
	}))

	runWithin(t, 5*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})

	// one iteration at 0ms then one per 100ms
	iterations := e.GetStats().Iterations
	if iterations < 3 || iterations > 5 {
		t.Errorf("Iterations = %d, want 3..5", iterations)
	}
}

func TestConstantVUs_Stop_DrainsInFlight(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "", sleepFlow(150*time.Millisecond), eng)

	e := executor.NewConstantVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          2,
		Duration:     time.Minute,
		GracefulStop: 5 * time.Second,
	}))

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = e.Stop(context.Background())
	}()

	elapsed := runWithin(t, 5*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})

	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0.0, count(eng, metrics.InterruptedIterations))
	assert.Equal(t, float64(e.GetStats().Iterations), count(eng, metrics.Iterations))
}

func TestConstantVUs_Stop_BeforeRun(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "", sleepFlow(time.Millisecond), eng)

	e := executor.NewConstantVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type: executor.TypeConstantVUs, VUs: 1, Duration: time.Minute,
	}))
	require.NoError(t, e.Stop(context.Background()))

	runWithin(t, 2*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})
	assert.Equal(t, int64(0), e.GetStats().Iterations)
}

func TestConstantVUs_GracefulStopInterrupts(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "", sleepFlow(10*time.Second), eng)

	e := executor.NewConstantVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          2,
		Duration:     100 * time.Millisecond,
		GracefulStop: 100 * time.Millisecond,
	}))

	elapsed := runWithin(t, 5*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})

	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, 2.0, count(eng, metrics.InterruptedIterations))
	assert.Equal(t, 0.0, count(eng, metrics.Iterations))
}

func TestConstantVUs_ContextCancellation(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "", sleepFlow(10*time.Second), eng)

	e := executor.NewConstantVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type: executor.TypeConstantVUs, VUs: 2, Duration: time.Minute,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	elapsed := runWithin(t, 5*time.Second, func() error {
		return e.Run(ctx, scheduler, eng)
	})
	assert.Less(t, elapsed, 3*time.Second)
}

func TestConstantVUs_ConcurrentAccess(t *testing.T) {
	eng := newEngine(t)
	scheduler := newScheduler(t, "", sleepFlow(5*time.Millisecond), eng)

	e := executor.NewConstantVUs()
	require.NoError(t, e.Init(context.Background(), &executor.Config{
		Type: executor.TypeConstantVUs, VUs: 4, Duration: 200 * time.Millisecond,
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = e.GetProgress()
					_ = e.GetActiveVUs()
					_ = e.GetStats()
				}
			}
		}()
	}

	runWithin(t, 5*time.Second, func() error {
		return e.Run(context.Background(), scheduler, eng)
	})
	close(stop)
	wg.Wait()
}
