package config

import (
	"errors"
	"strings"
	"testing"
)

func minimalConfig() *TestConfig {
	return &TestConfig{
		Name: "Test",
		Scenarios: map[string]*ScenarioConfig{
			"test": {Executor: "constant-vus", VUs: 10, Duration: "30s"},
		},
		Flow: &FlowConfig{Steps: []StepConfig{
			{Name: "get", Request: &RequestConfig{Method: "GET", URL: "{{baseUrl}}/api/test"}},
		}},
	}
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error %v is not *ValidationErrors", err)
	}
	return verrs.Fields()
}

func hasField(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}

func TestValidate_MinimalValid(t *testing.T) {
	if err := minimalConfig().Validate(); err != nil {
		t.Errorf("Validate() returned error for valid config: %v", err)
	}
}

func TestValidate_NoScenarios(t *testing.T) {
	config := &TestConfig{Name: "Test", Scenarios: map[string]*ScenarioConfig{}}

	err := config.Validate()
	if err == nil {
		t.Fatal("Validate() should return error when no scenarios defined")
	}
	if !strings.Contains(err.Error(), "scenario") {
		t.Errorf("Error should mention 'scenario', got: %v", err)
	}
}

func TestValidate_Scenarios(t *testing.T) {
	tests := []struct {
		name      string
		scenario  *ScenarioConfig
		wantField string
	}{
		{
			name:     "valid ramping-vus",
			scenario: &ScenarioConfig{Executor: "ramping-vus", Stages: []StageConfig{{Duration: "10s", Target: 5}}},
		},
		{
			name:      "unknown executor",
			scenario:  &ScenarioConfig{Executor: "bursty", VUs: 1},
			wantField: "scenarios.s.executor",
		},
		{
			name:      "missing executor",
			scenario:  &ScenarioConfig{VUs: 1},
			wantField: "scenarios.s.executor",
		},
		{
			name:      "constant-vus without vus",
			scenario:  &ScenarioConfig{Executor: "constant-vus", Duration: "10s"},
			wantField: "scenarios.s.vus",
		},
		{
			name:      "constant-vus without duration",
			scenario:  &ScenarioConfig{Executor: "constant-vus", VUs: 1},
			wantField: "scenarios.s.duration",
		},
		{
			name: "negative stage target",
			scenario: &ScenarioConfig{Executor: "ramping-vus", Stages: []StageConfig{
				{Duration: "10s", Target: 5}, {Duration: "10s", Target: 2}, {Duration: "10s", Target: -1},
			}},
			wantField: "scenarios.s.stages[2].target",
		},
		{
			name:      "invalid stage duration",
			scenario:  &ScenarioConfig{Executor: "ramping-vus", Stages: []StageConfig{{Duration: "soon", Target: 1}}},
			wantField: "scenarios.s.stages[0].duration",
		},
		{
			name:      "negative stage duration",
			scenario:  &ScenarioConfig{Executor: "ramping-vus", Stages: []StageConfig{{Duration: "-5s", Target: 1}}},
			wantField: "scenarios.s.stages[0].duration",
		},
		{
			name:      "arrival rate without rate",
			scenario:  &ScenarioConfig{Executor: "constant-arrival-rate", Duration: "10s", PreAllocatedVUs: 1, MaxVUs: 1},
			wantField: "scenarios.s.rate",
		},
		{
			name:      "maxVUs below preAllocatedVUs",
			scenario:  &ScenarioConfig{Executor: "constant-arrival-rate", Rate: 5, Duration: "10s", PreAllocatedVUs: 10, MaxVUs: 2},
			wantField: "scenarios.s.maxVUs",
		},
		{
			name:      "ramping-arrival-rate without stages",
			scenario:  &ScenarioConfig{Executor: "ramping-arrival-rate", PreAllocatedVUs: 1},
			wantField: "scenarios.s.stages",
		},
		{
			name:      "per-vu-iterations without iterations",
			scenario:  &ScenarioConfig{Executor: "per-vu-iterations", VUs: 5},
			wantField: "scenarios.s.iterations",
		},
		{
			name:      "shared-iterations with more vus than iterations",
			scenario:  &ScenarioConfig{Executor: "shared-iterations", VUs: 5, Iterations: 2},
			wantField: "scenarios.s.vus",
		},
		{
			name:      "bad graceful stop",
			scenario:  &ScenarioConfig{Executor: "constant-vus", VUs: 1, Duration: "1s", GracefulStop: "later"},
			wantField: "scenarios.s.gracefulStop",
		},
		{
			name:      "unknown flow",
			scenario:  &ScenarioConfig{Executor: "constant-vus", VUs: 1, Duration: "1s", Flow: "checkout"},
			wantField: "scenarios.s.flow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := minimalConfig()
			config.Scenarios = map[string]*ScenarioConfig{"s": tt.scenario}

			err := config.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() should return an error")
			}
			if fields := fieldsOf(t, err); !hasField(fields, tt.wantField) {
				t.Errorf("fields = %v, want %s", fields, tt.wantField)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	config := minimalConfig()
	config.Scenarios = map[string]*ScenarioConfig{
		"a": {Executor: "warp"},
		"b": {Executor: "constant-vus"},
	}

	fields := fieldsOf(t, config.Validate())
	for _, want := range []string{"scenarios.a.executor", "scenarios.b.vus", "scenarios.b.duration"} {
		if !hasField(fields, want) {
			t.Errorf("fields = %v, missing %s", fields, want)
		}
	}
}

func TestValidate_Pacing(t *testing.T) {
	tests := []struct {
		name      string
		pacing    *PacingConfig
		wantField string
	}{
		{"valid constant", &PacingConfig{Type: "constant", Duration: "1s"}, ""},
		{"valid random", &PacingConfig{Type: "random", Min: "1s", Max: "2s"}, ""},
		{"invalid type", &PacingConfig{Type: "jittery"}, "scenarios.test.pacing.type"},
		{"constant without duration", &PacingConfig{Type: "constant"}, "scenarios.test.pacing.duration"},
		{"random min > max", &PacingConfig{Type: "random", Min: "3s", Max: "1s"}, "scenarios.test.pacing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := minimalConfig()
			config.Scenarios["test"].Pacing = tt.pacing

			err := config.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if fields := fieldsOf(t, err); !hasField(fields, tt.wantField) {
				t.Errorf("fields = %v, want %s", fields, tt.wantField)
			}
		})
	}
}

func TestValidate_Flow(t *testing.T) {
	tests := []struct {
		name      string
		steps     []StepConfig
		wantField string
	}{
		{
			name:      "missing name",
			steps:     []StepConfig{{Request: &RequestConfig{Method: "GET", URL: "/"}}},
			wantField: "flow.steps[0].name",
		},
		{
			name: "duplicate name",
			steps: []StepConfig{
				{Name: "a", Request: &RequestConfig{Method: "GET", URL: "/"}},
				{Name: "a", Request: &RequestConfig{Method: "GET", URL: "/"}},
			},
			wantField: "flow.steps[1].name",
		},
		{
			name:      "invalid method",
			steps:     []StepConfig{{Name: "a", Request: &RequestConfig{Method: "FETCH", URL: "/"}}},
			wantField: "flow.steps[0].request.method",
		},
		{
			name:      "missing url",
			steps:     []StepConfig{{Name: "a", Request: &RequestConfig{Method: "GET"}}},
			wantField: "flow.steps[0].request.url",
		},
		{
			name:      "empty step",
			steps:     []StepConfig{{Name: "a"}},
			wantField: "flow.steps[0]",
		},
		{
			name:      "bad onMissing",
			steps:     []StepConfig{{Name: "a", OnMissing: "retry", Sleep: "1s"}},
			wantField: "flow.steps[0].onMissing",
		},
		{
			name:      "unknown dataset",
			steps:     []StepConfig{{Name: "a", Pick: "users"}},
			wantField: "flow.steps[0].pick",
		},
		{
			name: "nested group error",
			steps: []StepConfig{{Name: "g", Steps: []StepConfig{
				{Name: "x", Request: &RequestConfig{Method: "GET", URL: "/", Extract: []ExtractConfig{{Name: "v", Source: "xml"}}}},
			}}},
			wantField: "flow.steps[0].steps[0].request.extract[0].source",
		},
		{
			name: "two bodies",
			steps: []StepConfig{{Name: "a", Request: &RequestConfig{
				Method: "POST", URL: "/", Body: "x", Form: map[string]string{"a": "b"},
			}}},
			wantField: "flow.steps[0].request",
		},
		{
			name: "bad regex",
			steps: []StepConfig{{Name: "a", Request: &RequestConfig{
				Method: "GET", URL: "/", Extract: []ExtractConfig{{Name: "v", Source: "regex", Regex: "(unclosed"}},
			}}},
			wantField: "flow.steps[0].request.extract[0].regex",
		},
		{
			name: "bad assertion",
			steps: []StepConfig{{Name: "a", Request: &RequestConfig{
				Method: "GET", URL: "/", Assertions: []AssertionConfig{{Type: "status", Condition: "approx", Value: "200"}},
			}}},
			wantField: "flow.steps[0].request.assertions[0].condition",
		},
		{
			name: "schema without document",
			steps: []StepConfig{{Name: "a", Request: &RequestConfig{
				Method: "GET", URL: "/", Assertions: []AssertionConfig{{Type: "schema"}},
			}}},
			wantField: "flow.steps[0].request.assertions[0].value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := minimalConfig()
			config.Flow = &FlowConfig{Steps: tt.steps}

			fields := fieldsOf(t, config.Validate())
			if !hasField(fields, tt.wantField) {
				t.Errorf("fields = %v, want %s", fields, tt.wantField)
			}
		})
	}
}

func TestValidate_AssertionDefaultCondition(t *testing.T) {
	script := []byte(`
name: defaults
scenarios:
  smoke:
    executor: per-vu-iterations
    vus: 1
    iterations: 1
flow:
  steps:
    - name: health
      request:
        method: GET
        url: http://localhost/health
        assertions:
          - type: status
            value: "200"
          - type: duration
            value: "500"
          - type: body
            path: status
            value: ok
          - type: header
            path: Content-Type
            condition: CONTAINS
            value: json
`)
	config, err := ParseConfig(script, "defaults.yaml")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	ApplyDefaults(config)
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() returned error for assertions without condition: %v", err)
	}
}

func TestValidate_Thresholds(t *testing.T) {
	config := minimalConfig()
	config.Thresholds = ThresholdsConfig{
		"http_req_duration":  {{Threshold: "p(95) < 500"}, {Threshold: "p95 <<< 1"}},
		"bad selector{":      {{Threshold: "count > 1"}},
		"http_req_failed":    {{Threshold: ""}},
		"iteration_duration": {{Threshold: "avg < 1s", DelayAbortEval: "never"}},
	}

	fields := fieldsOf(t, config.Validate())
	for _, want := range []string{
		"thresholds.http_req_duration[1]",
		"thresholds.bad selector{",
		"thresholds.http_req_failed[0]",
		"thresholds.iteration_duration[0].delayAbortEval",
	} {
		if !hasField(fields, want) {
			t.Errorf("fields = %v, missing %s", fields, want)
		}
	}
	if hasField(fields, "thresholds.http_req_duration[0]") {
		t.Error("valid threshold reported as error")
	}
}

func TestValidate_MetricsDataEnvironments(t *testing.T) {
	config := minimalConfig()
	config.Metrics = map[string]*MetricConfig{
		"ok":      {Type: "counter"},
		"badtype": {Type: "histogram"},
	}
	config.Data = map[string]*DataConfig{
		"empty": {},
		"order": {Records: []any{1}, Order: "shuffled"},
	}
	config.Environments = map[string]*EnvironmentConfig{
		"DEV": {BaseURL: "dev.example.com"},
	}

	fields := fieldsOf(t, config.Validate())
	for _, want := range []string{
		"metrics.badtype.type",
		"data.empty",
		"data.order.order",
		"environments.DEV.baseUrl",
	} {
		if !hasField(fields, want) {
			t.Errorf("fields = %v, missing %s", fields, want)
		}
	}
	if hasField(fields, "metrics.ok.type") {
		t.Error("valid metric reported as error")
	}
}

func TestValidationError_Format(t *testing.T) {
	single := &ValidationErrors{}
	single.Add("scenarios.a.vus", "vus must be greater than 0")
	if got := single.Error(); got != "validation error on field 'scenarios.a.vus': vus must be greater than 0" {
		t.Errorf("Error() = %q", got)
	}

	multi := &ValidationErrors{}
	multi.Add("a", "x")
	multi.Add("", "y")
	if got := multi.Error(); !strings.HasPrefix(got, "2 validation errors:") || !strings.Contains(got, "validation error: y") {
		t.Errorf("Error() = %q", got)
	}
}
