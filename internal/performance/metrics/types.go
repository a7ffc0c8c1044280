package metrics

import "time"

// Phase represents a phase of the load test.
type Phase string

const (
	// PhaseInit is the initialization phase before the test starts
	PhaseInit Phase = "init"

	// PhaseSetup runs the flow's setup step once
	PhaseSetup Phase = "setup"

	// PhaseRampUp is the ramp-up phase when load is increasing
	PhaseRampUp Phase = "ramp-up"

	// PhaseSteady is the steady-state phase at target load
	PhaseSteady Phase = "steady"

	// PhaseRampDown is the ramp-down phase when load is decreasing
	PhaseRampDown Phase = "ramp-down"

	// PhaseTeardown runs the flow's teardown step once
	PhaseTeardown Phase = "teardown"

	// PhaseDone indicates the test has completed
	PhaseDone Phase = "done"
)

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// Snapshot is a point-in-time view used for live progress.
type Snapshot struct {
	Requests       int64         `json:"requests"`
	FailedRequests int64         `json:"failedRequests"`
	ErrorRate      float64       `json:"errorRate"`
	RPS            float64       `json:"rps"`
	SteadyStateRPS float64       `json:"steadyStateRps"`
	LatencyAvg     float64       `json:"latencyAvg"`
	LatencyP95     float64       `json:"latencyP95"`
	Iterations     int64         `json:"iterations"`
	Dropped        int64         `json:"dropped"`
	ActiveVUs      int           `json:"activeVUs"`
	CurrentPhase   Phase         `json:"currentPhase"`
	Elapsed        time.Duration `json:"elapsed"`
	StartTime      time.Time     `json:"startTime"`
	Timestamp      time.Time     `json:"timestamp"`
}

// TimeBucket captures one emitter interval.
//
// Cumulative fields are totals since test start; interval fields cover
// only this bucket.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	TotalRequests   int64 `json:"totalRequests"`
	TotalFailures   int64 `json:"totalFailures"`
	TotalIterations int64 `json:"totalIterations"`

	IntervalRequests   int64   `json:"intervalRequests"`
	IntervalIterations int64   `json:"intervalIterations"`
	IntervalRPS        float64 `json:"intervalRPS"`
	IntervalErrorRate  float64 `json:"intervalErrorRate"`

	// Request latency in milliseconds, cumulative
	LatencyP50 float64 `json:"latencyP50"`
	LatencyP95 float64 `json:"latencyP95"`
	LatencyP99 float64 `json:"latencyP99"`

	ActiveVUs int   `json:"activeVUs"`
	Phase     Phase `json:"phase"`
}

// MetricSummary is the end-of-run aggregate of a metric or sub-metric.
type MetricSummary struct {
	Name     string             `json:"name"`
	Type     string             `json:"type"`
	Contains string             `json:"contains"`
	Tags     Tags               `json:"tags,omitempty"`
	Values   map[string]float64 `json:"values"`
}

// DisplayName renders the metric with its tag filter, e.g. "http_req_duration{step:login}".
func (s MetricSummary) DisplayName() string {
	return s.Name + s.Tags.String()
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// BucketInterval is the emitter interval (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the lowest discernible trend value in 1/1000 units (default: 1)
	HistogramMin int64

	// HistogramMax is the highest trackable trend value in 1/1000 units
	// (default: 3600000000, one hour of milliseconds)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int

	// BreakdownTags get an automatic sub-metric per distinct value.
	BreakdownTags []string
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
		BreakdownTags:    []string{"step", "group", "scenario"},
	}
}
