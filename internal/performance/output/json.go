package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
)

// Summary is the machine-readable form of a test result. Metrics are keyed
// by their display name, so sub-metrics appear as
// "http_req_duration{step:login}".
type Summary struct {
	RunID       string    `json:"runId"`
	Name        string    `json:"name"`
	TypeTest    string    `json:"typeTest,omitempty"`
	Environment string    `json:"environment,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	DurationMs  int64     `json:"durationMs"`

	Passed      bool   `json:"passed"`
	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abortReason,omitempty"`
	Error       string `json:"error,omitempty"`

	Scenarios  []ScenarioSummary        `json:"scenarios"`
	Metrics    map[string]MetricSummary `json:"metrics"`
	Thresholds []engine.ThresholdResult `json:"thresholds,omitempty"`
}

// ScenarioSummary is one scenario in a Summary.
type ScenarioSummary struct {
	Name        string `json:"name"`
	Executor    string `json:"executor"`
	Iterations  int64  `json:"iterations"`
	Dropped     int64  `json:"droppedIterations"`
	Interrupted int64  `json:"interruptedIterations"`
	MaxVUs      int    `json:"maxVUs"`
	DurationMs  int64  `json:"durationMs"`
	Skipped     bool   `json:"skipped,omitempty"`
}

// MetricSummary is one metric or sub-metric in a Summary.
type MetricSummary struct {
	Type     string             `json:"type"`
	Contains string             `json:"contains"`
	Values   map[string]float64 `json:"values"`

	// Thresholds maps each expression on this metric to whether it passed
	Thresholds map[string]bool `json:"thresholds,omitempty"`
}

// NewSummary builds the machine-readable summary of result.
func NewSummary(result *engine.TestResult) *Summary {
	s := &Summary{
		RunID:       result.RunID,
		Name:        result.Name,
		TypeTest:    result.TypeTest,
		Environment: result.Environment,
		StartTime:   result.StartTime,
		EndTime:     result.EndTime,
		DurationMs:  result.Duration.Milliseconds(),
		Passed:      result.Passed,
		Aborted:     result.Aborted,
		AbortReason: result.AbortReason,
		Error:       result.Error,
		Scenarios:   make([]ScenarioSummary, 0, len(result.Scenarios)),
		Metrics:     make(map[string]MetricSummary, len(result.Metrics)),
		Thresholds:  result.Thresholds,
	}

	for _, sc := range result.Scenarios {
		s.Scenarios = append(s.Scenarios, ScenarioSummary{
			Name:        sc.Name,
			Executor:    sc.Executor,
			Iterations:  sc.Iterations,
			Dropped:     sc.Dropped,
			Interrupted: sc.Interrupted,
			MaxVUs:      sc.MaxVUs,
			DurationMs:  sc.Duration.Milliseconds(),
			Skipped:     sc.Skipped,
		})
	}

	for _, m := range result.Metrics {
		s.Metrics[m.DisplayName()] = MetricSummary{
			Type:     m.Type,
			Contains: m.Contains,
			Values:   m.Values,
		}
	}
	for _, t := range result.Thresholds {
		m, ok := s.Metrics[t.Metric]
		if !ok {
			continue
		}
		if m.Thresholds == nil {
			m.Thresholds = make(map[string]bool)
		}
		m.Thresholds[t.Expression] = t.Passed
		s.Metrics[t.Metric] = m
	}
	return s
}

// WriteJSON writes the summary of result to w as indented JSON.
func WriteJSON(w io.Writer, result *engine.TestResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewSummary(result)); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

// ExportSummary writes the JSON summary of result to path, creating the
// directory if needed.
func ExportSummary(path string, result *engine.TestResult) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	if err := WriteJSON(f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
