// Package config provides configuration parsing and validation for stampede scripts.
package config

import (
	"time"
)

// TestConfig is the root configuration for a load test script.
//
// Example YAML:
//
//	name: "API Load Test"
//	environments:
//	  DEV:
//	    baseUrl: "https://dev.example.com"
//	variants:
//	  smokeTest:
//	    scenarios:
//	      smoke:
//	        executor: per-vu-iterations
//	        vus: 1
//	        iterations: 1
//	flow:
//	  steps:
//	    - name: authenticate
//	      request:
//	        method: POST
//	        url: "{{baseUrl}}/auth"
//	thresholds:
//	  http_req_duration:
//	    - "p(95) < 1000"
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global HTTP settings for all scenarios
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are global variables available to every flow
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Environments maps an ENV name to its URL table
	Environments map[string]*EnvironmentConfig `json:"environments,omitempty" yaml:"environments,omitempty"`

	// Variants maps a TYPE_TEST name to the scenarios and thresholds it runs
	Variants map[string]*VariantConfig `json:"variants,omitempty" yaml:"variants,omitempty"`

	// Scenarios defines the load profiles to run when no variant applies.
	// Each scenario runs independently with its own executor.
	Scenarios map[string]*ScenarioConfig `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`

	// Thresholds define pass/fail criteria keyed by metric selector
	Thresholds ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Metrics declares custom metrics emitted by flows
	Metrics map[string]*MetricConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Data declares shared read-only fixtures
	Data map[string]*DataConfig `json:"data,omitempty" yaml:"data,omitempty"`

	// Setup runs once before any VU starts; its extracted values are shared
	Setup *FlowConfig `json:"setup,omitempty" yaml:"setup,omitempty"`

	// Teardown runs once after all VUs stop
	Teardown *FlowConfig `json:"teardown,omitempty" yaml:"teardown,omitempty"`

	// Flow is the default iteration body
	Flow *FlowConfig `json:"flow,omitempty" yaml:"flow,omitempty"`

	// Flows are named iteration bodies a scenario may select
	Flows map[string]*FlowConfig `json:"flows,omitempty" yaml:"flows,omitempty"`

	// Tags are attached to every sample
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Options for test execution
	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings contains global HTTP settings.
type GlobalSettings struct {
	// BaseURL is the default base URL for all requests
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// EnvironmentConfig is the URL table of one target environment.
type EnvironmentConfig struct {
	BaseURL        string            `json:"baseUrl" yaml:"baseUrl"`
	PrivateBaseURL string            `json:"privateBaseUrl,omitempty" yaml:"privateBaseUrl,omitempty"`
	APIBaseURL     string            `json:"apiBaseUrl,omitempty" yaml:"apiBaseUrl,omitempty"`
	Variables      map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// VariantConfig is a named load profile, e.g. smokeTest or stressTest.
type VariantConfig struct {
	Scenarios  map[string]*ScenarioConfig `json:"scenarios" yaml:"scenarios"`
	Thresholds ThresholdsConfig           `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Tags       map[string]string          `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// ScenarioConfig defines a single load testing scenario.
type ScenarioConfig struct {
	// Executor specifies the load generation strategy.
	// Options: "constant-vus", "ramping-vus", "constant-arrival-rate",
	// "ramping-arrival-rate", "per-vu-iterations", "shared-iterations"
	Executor string `json:"executor" yaml:"executor"`

	// VUs is the number of virtual users (for VU-based executors)
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Iterations is the iteration count (per VU or shared)
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// Duration is how long to run (e.g., "30s", "2m", "1h")
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// MaxDuration bounds iteration-based executors
	MaxDuration string `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// Rate is iterations per TimeUnit (for arrival-rate executors)
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`

	// TimeUnit is the period Rate and stage targets refer to (default 1s)
	TimeUnit string `json:"timeUnit,omitempty" yaml:"timeUnit,omitempty"`

	// StartRate is the initial rate of ramping-arrival-rate
	StartRate float64 `json:"startRate,omitempty" yaml:"startRate,omitempty"`

	// StartVUs is the initial VU count of ramping-vus
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// PreAllocatedVUs is the number of VUs to pre-allocate (for arrival-rate executors)
	PreAllocatedVUs int `json:"preAllocatedVUs,omitempty" yaml:"preAllocatedVUs,omitempty"`

	// MaxVUs is the maximum number of VUs to scale up to (for arrival-rate executors)
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Stages defines ramping stages (for ramping executors)
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Flow names the entry of flows to run; empty means the default flow
	Flow string `json:"flow,omitempty" yaml:"flow,omitempty"`

	// GracefulStop is how long to wait for iterations to finish
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// GracefulRampDown is how long a VU removed by ramping may finish its iteration
	GracefulRampDown string `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	// Pacing controls time between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// StartTime specifies when this scenario should start (relative to test start)
	StartTime string `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// Tags are custom tags for this scenario's metrics
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Env are variables visible only to this scenario's flow
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// StageConfig defines a single stage in a ramping executor.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count (for ramping-vus) or rate (for ramping-arrival-rate)
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// FlowConfig is a declarative iteration body.
type FlowConfig struct {
	Steps []StepConfig `json:"steps" yaml:"steps"`
}

// StepConfig is one named unit of a flow. A step with nested Steps is a group.
type StepConfig struct {
	Name string `json:"name" yaml:"name"`

	// Request is the HTTP call this step performs
	Request *RequestConfig `json:"request,omitempty" yaml:"request,omitempty"`

	// Steps turns the step into a group of nested steps
	Steps []StepConfig `json:"steps,omitempty" yaml:"steps,omitempty"`

	// Requires lists variables that must be defined before the step runs
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty"`

	// OnMissing is "abort" (default) or "skip"
	OnMissing string `json:"onMissing,omitempty" yaml:"onMissing,omitempty"`

	// ContinueOnError keeps the iteration going after a network error
	ContinueOnError bool `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`

	// Pick binds a record of the named dataset before the step runs
	Pick string `json:"pick,omitempty" yaml:"pick,omitempty"`

	// As is the variable the picked record is bound to (default: dataset name)
	As string `json:"as,omitempty" yaml:"as,omitempty"`

	// Sleep is think time after the step
	Sleep string `json:"sleep,omitempty" yaml:"sleep,omitempty"`
}

// RequestConfig defines a single HTTP request.
type RequestConfig struct {
	// Name for this request (used in metrics, defaults to the step name)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method" yaml:"method"`

	// URL is the request URL (supports variable substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the raw request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// JSON is a structured body sent as application/json
	JSON any `json:"json,omitempty" yaml:"json,omitempty"`

	// Form is sent as application/x-www-form-urlencoded
	Form map[string]string `json:"form,omitempty" yaml:"form,omitempty"`

	// Timeout is request-specific timeout (overrides global)
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Extract defines variable extraction from response
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`

	// Assertions validate the response
	Assertions []AssertionConfig `json:"assertions,omitempty" yaml:"assertions,omitempty"`
}

// ExtractConfig defines how to extract variables from a response.
type ExtractConfig struct {
	// Name of the variable to store
	Name string `json:"name" yaml:"name"`

	// Source is where to extract from: "body", "header", "cookie", "status", "regex"
	Source string `json:"source" yaml:"source"`

	// Path is the JSONPath for body, the header name or the cookie name
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Regex is the pattern for regex extraction; the first group is kept
	Regex string `json:"regex,omitempty" yaml:"regex,omitempty"`

	// Scope is "iteration" (default) or "vu" to persist across iterations
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// AssertionConfig defines a response validation.
type AssertionConfig struct {
	// Type is the assertion type: "status", "body", "header", "duration", "schema"
	Type string `json:"type" yaml:"type"`

	// Condition is the comparison: "eq", "ne", "gt", "lt", "gte", "lte",
	// "contains", "matches", "exists"
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Value is the expected value; for schema checks, the JSON schema document
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Path is for extracting a specific value (JSONPath for body, header name for header)
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Message is a custom error message on failure
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// Fatal fails the iteration when the check fails
	Fatal bool `json:"fatal,omitempty" yaml:"fatal,omitempty"`
}

// MetricConfig declares a custom metric.
type MetricConfig struct {
	// Type is "counter", "gauge", "rate" or "trend"
	Type string `json:"type" yaml:"type"`

	// Contains is "default", "time" or "data"
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`
}

// DataConfig declares a shared read-only dataset.
type DataConfig struct {
	// File is a JSON or YAML file holding the records
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Path selects the record array inside the file (gjson syntax)
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Records are inline records, used when File is empty
	Records []any `json:"records,omitempty" yaml:"records,omitempty"`

	// Order is the pick strategy: "vu" (default), "random", "sequential"
	Order string `json:"order,omitempty" yaml:"order,omitempty"`
}

// ExecutionOptions controls test execution behavior.
type ExecutionOptions struct {
	// Sequential runs scenarios one-by-one instead of parallel
	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`

	// SetupTimeout is the maximum time for setup operations
	SetupTimeout string `json:"setupTimeout,omitempty" yaml:"setupTimeout,omitempty"`

	// TeardownTimeout is the maximum time for teardown operations
	TeardownTimeout string `json:"teardownTimeout,omitempty" yaml:"teardownTimeout,omitempty"`

	// ThresholdInterval is how often thresholds are evaluated during the run
	ThresholdInterval string `json:"thresholdInterval,omitempty" yaml:"thresholdInterval,omitempty"`

	// NoVUConnectionReuse disables HTTP connection reuse between VUs
	NoVUConnectionReuse bool `json:"noVUConnectionReuse,omitempty" yaml:"noVUConnectionReuse,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
