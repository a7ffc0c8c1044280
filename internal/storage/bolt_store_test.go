package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func item(id string, start time.Time) HistoryItem {
	return HistoryItem{ID: id, Name: "run " + id, Timestamp: start, Passed: true}
}

func TestStore_SaveListGet(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(item("bbb-2", base.Add(time.Minute))))
	require.NoError(t, s.Save(item("aaa-1", base)))
	require.NoError(t, s.Save(item("ccc-3", base.Add(2*time.Minute))))

	items, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"ccc-3", "bbb-2", "aaa-1"}, []string{items[0].ID, items[1].ID, items[2].ID})

	items, err = s.List(2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	got, err := s.Get("bbb-2")
	require.NoError(t, err)
	assert.Equal(t, "run bbb-2", got.Name)
	assert.True(t, got.Timestamp.Equal(base.Add(time.Minute)))
}

func TestStore_GetByPrefix(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	require.NoError(t, s.Save(item("5e1d0c7a", now)))
	require.NoError(t, s.Save(item("5e9f3b21", now.Add(time.Second))))

	got, err := s.Get("5e1")
	require.NoError(t, err)
	assert.Equal(t, "5e1d0c7a", got.ID)

	_, err = s.Get("5e")
	assert.ErrorIs(t, err, ErrAmbiguousID)

	_, err = s.Get("ff")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openStore(t)
	now := time.Now()

	require.NoError(t, s.Save(item("run-1", now)))
	updated := item("run-1", now.Add(time.Hour))
	updated.Passed = false
	require.NoError(t, s.Save(updated))

	items, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].Passed)
}

func TestStore_Delete(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Save(item("run-1", time.Now())))

	require.NoError(t, s.Delete("run-1"))
	items, err := s.List(0)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.ErrorIs(t, s.Delete("run-1"), ErrNotFound)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(item("persisted", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("persisted")
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	assert.Equal(t, "persisted", got.ID)
}

func TestNewHistoryItem(t *testing.T) {
	start := time.Now()
	result := &engine.TestResult{
		RunID:     "r-42",
		Name:      "checkout",
		TypeTest:  "smokeTest",
		StartTime: start,
		Duration:  3 * time.Second,
		Passed:    false,
		Metrics: []metrics.MetricSummary{
			{Name: "http_reqs", Type: "counter", Values: map[string]float64{"count": 120}},
			{Name: "http_req_failed", Type: "rate", Values: map[string]float64{"rate": 0.05, "passes": 6, "fails": 114}},
			{Name: "http_req_duration", Type: "trend", Contains: "time", Values: map[string]float64{"avg": 42, "p(95)": 80}},
			{Name: "http_req_duration", Type: "trend", Contains: "time", Tags: metrics.Tags{"step": "login"}, Values: map[string]float64{"avg": 99}},
			{Name: "iterations", Type: "counter", Values: map[string]float64{"count": 60}},
		},
		Thresholds: []engine.ThresholdResult{
			{Metric: "http_req_failed", Expression: "rate < 0.01", Passed: false, Value: 0.05},
		},
	}

	h := NewHistoryItem("scripts/checkout.yaml", result)
	assert.Equal(t, "r-42", h.ID)
	assert.Equal(t, "scripts/checkout.yaml", h.Script)
	assert.Equal(t, "smokeTest", h.TypeTest)
	assert.Equal(t, int64(120), h.Summary.TotalRequests)
	assert.Equal(t, int64(6), h.Summary.FailedRequests)
	assert.Equal(t, int64(60), h.Summary.Iterations)
	assert.Equal(t, 42.0, h.Summary.AvgLatencyMs)
	assert.Equal(t, 80.0, h.Summary.P95LatencyMs)
	assert.Equal(t, 1, h.Summary.FailedThresholds)
	require.NotNil(t, h.Report)
	assert.Contains(t, h.Report.Metrics, "http_req_duration{step:login}")

	s := openStore(t)
	require.NoError(t, s.Save(h))
	got, err := s.Get("r-42")
	require.NoError(t, err)
	assert.Equal(t, h.Summary, got.Summary)
}
