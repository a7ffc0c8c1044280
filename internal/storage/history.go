// Package storage keeps the history of test runs in a local bbolt database.
package storage

import (
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/output"
)

// HistoryItem is one recorded run.
type HistoryItem struct {
	ID          string        `json:"id"`
	Script      string        `json:"script,omitempty"`
	Name        string        `json:"name"`
	TypeTest    string        `json:"typeTest,omitempty"`
	Environment string        `json:"environment,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
	Passed      bool          `json:"passed"`
	Aborted     bool          `json:"aborted,omitempty"`

	Summary RunSummary      `json:"summary"`
	Report  *output.Summary `json:"report,omitempty"`
}

// RunSummary holds the headline numbers shown in history listings.
type RunSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	Iterations        int64   `json:"iterations"`
	DroppedIterations int64   `json:"dropped_iterations"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	P95LatencyMs      float64 `json:"p95_latency_ms"`
	FailedThresholds  int     `json:"failed_thresholds"`
}

// NewHistoryItem records result as run from script.
func NewHistoryItem(script string, result *engine.TestResult) HistoryItem {
	item := HistoryItem{
		ID:          result.RunID,
		Script:      script,
		Name:        result.Name,
		TypeTest:    result.TypeTest,
		Environment: result.Environment,
		Timestamp:   result.StartTime,
		Duration:    result.Duration,
		Passed:      result.Passed,
		Aborted:     result.Aborted,
		Report:      output.NewSummary(result),
	}

	value := func(name, agg string) float64 {
		m, ok := result.Metric(name, nil)
		if !ok {
			return 0
		}
		return m.Values[agg]
	}
	item.Summary = RunSummary{
		TotalRequests:     int64(value("http_reqs", "count")),
		FailedRequests:    int64(value("http_req_failed", "passes")),
		Iterations:        int64(value("iterations", "count")),
		DroppedIterations: int64(value("dropped_iterations", "count")),
		AvgLatencyMs:      value("http_req_duration", "avg"),
		P95LatencyMs:      value("http_req_duration", "p(95)"),
		FailedThresholds:  len(result.FailedThresholds()),
	}
	return item
}
