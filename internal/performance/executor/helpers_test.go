package executor_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/flow"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// sleepFlow is a one-step flow that takes d per iteration.
func sleepFlow(d time.Duration) *flow.Flow {
	return &flow.Flow{
		Name: "sleep",
		Steps: []flow.Step{{
			Name: "wait",
			Run: func(ctx context.Context, it *flow.Iteration) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d):
					return nil
				}
			},
		}},
	}
}

func newEngine(t *testing.T) *metrics.Engine {
	t.Helper()
	eng := metrics.NewEngine()
	t.Cleanup(eng.Stop)
	return eng
}

func newScheduler(t *testing.T, scenario string, f *flow.Flow, eng *metrics.Engine) *performance.VUScheduler {
	t.Helper()
	return performance.NewVUScheduler(performance.SchedulerConfig{
		Scenario: scenario,
		Flow:     f,
		Metrics:  eng,
		Logger:   zaptest.NewLogger(t),
		HTTP:     performance.DefaultHTTPClientConfig(),
	})
}

func count(eng *metrics.Engine, name string) float64 {
	return eng.Value(name, nil, "count")
}

// runWithin runs fn and fails the test if it takes longer than limit.
func runWithin(t *testing.T, limit time.Duration, fn func() error) time.Duration {
	t.Helper()
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(limit):
		t.Fatalf("Run() did not return within %v", limit)
	}
	return time.Since(start)
}
