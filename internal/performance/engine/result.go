package engine

import (
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult = metrics.ThresholdResult

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name        string          `json:"name"`
	Executor    string          `json:"executor"`
	StartTime   time.Time       `json:"startTime"`
	Duration    time.Duration   `json:"duration"`
	Iterations  int64           `json:"iterations"`
	Dropped     int64           `json:"droppedIterations"`
	Interrupted int64           `json:"interruptedIterations"`
	MaxVUs      int             `json:"maxVUs"`
	Stats       *executor.Stats `json:"stats,omitempty"`

	// Skipped is set when the run stopped before the scenario's start time
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TestResult contains the complete test results.
type TestResult struct {
	// Test metadata
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	TypeTest    string        `json:"typeTest,omitempty"`
	Environment string        `json:"environment,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	// Scenario results, sorted by name
	Scenarios []*ScenarioResult `json:"scenarios"`

	// Aggregated metrics across all scenarios
	Metrics    []metrics.MetricSummary `json:"metrics"`
	Snapshot   *metrics.Snapshot       `json:"snapshot"`
	TimeSeries []*metrics.TimeBucket   `json:"timeSeries,omitempty"`
	Phases     []metrics.PhaseChange   `json:"phases,omitempty"`

	// Threshold evaluation
	Passed      bool              `json:"passed"`
	Thresholds  []ThresholdResult `json:"thresholds,omitempty"`
	Aborted     bool              `json:"aborted,omitempty"`
	AbortReason string            `json:"abortReason,omitempty"`

	// Error is set if the run ended on an error rather than on schedule
	Error string `json:"error,omitempty"`
}

// Scenario returns the result of the named scenario.
func (r *TestResult) Scenario(name string) (*ScenarioResult, bool) {
	for _, s := range r.Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Metric returns the summary of a metric, or of one of its sub-metrics
// when tags is non-empty.
func (r *TestResult) Metric(name string, tags metrics.Tags) (metrics.MetricSummary, bool) {
	want := tags.String()
	for _, m := range r.Metrics {
		if m.Name == name && m.Tags.String() == want {
			return m, true
		}
	}
	return metrics.MetricSummary{}, false
}

// FailedThresholds returns the thresholds that did not pass.
func (r *TestResult) FailedThresholds() []ThresholdResult {
	var out []ThresholdResult
	for _, t := range r.Thresholds {
		if !t.Passed {
			out = append(out, t)
		}
	}
	return out
}
