package config

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Fields returns the field paths of all errors.
func (e *ValidationErrors) Fields() []string {
	out := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err.Field
	}
	return out
}

// ValidExecutors lists the executor kinds a scenario may use.
var ValidExecutors = map[string]bool{
	"constant-vus":          true,
	"ramping-vus":           true,
	"constant-arrival-rate": true,
	"ramping-arrival-rate":  true,
	"per-vu-iterations":     true,
	"shared-iterations":     true,
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all validation
// errors in a stable order.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}
	c.ValidateInto(errs)
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateInto appends every problem found in c to errs.
func (c *TestConfig) ValidateInto(errs *ValidationErrors) {
	if len(c.Scenarios) == 0 && len(c.Variants) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	for _, name := range sortedKeys(c.Scenarios) {
		validateScenario("scenarios."+name, c.Scenarios[name], c, errs)
	}

	for _, vname := range sortedKeys(c.Variants) {
		v := c.Variants[vname]
		prefix := "variants." + vname
		if v == nil || len(v.Scenarios) == 0 {
			errs.Add(prefix+".scenarios", "at least one scenario is required")
			continue
		}
		for _, name := range sortedKeys(v.Scenarios) {
			validateScenario(prefix+".scenarios."+name, v.Scenarios[name], c, errs)
		}
		validateThresholds(prefix+".thresholds", v.Thresholds, errs)
	}

	validateThresholds("thresholds", c.Thresholds, errs)

	for _, name := range sortedKeys(c.Environments) {
		env := c.Environments[name]
		if env == nil {
			errs.Add("environments."+name, "environment is empty")
			continue
		}
		validateURL("environments."+name+".baseUrl", env.BaseURL, errs)
		validateURL("environments."+name+".privateBaseUrl", env.PrivateBaseURL, errs)
		validateURL("environments."+name+".apiBaseUrl", env.APIBaseURL, errs)
	}

	for _, name := range sortedKeys(c.Metrics) {
		validateMetric(name, c.Metrics[name], errs)
	}

	for _, name := range sortedKeys(c.Data) {
		validateData("data."+name, c.Data[name], errs)
	}

	if c.Flow != nil {
		validateFlow("flow", c.Flow, c, errs)
	}
	for _, name := range sortedKeys(c.Flows) {
		validateFlow("flows."+name, c.Flows[name], c, errs)
	}
	if c.Setup != nil {
		validateFlow("setup", c.Setup, c, errs)
	}
	if c.Teardown != nil {
		validateFlow("teardown", c.Teardown, c, errs)
	}

	validateSettings(&c.Settings, errs)

	if c.Options != nil {
		validateDuration("options.setupTimeout", c.Options.SetupTimeout, errs)
		validateDuration("options.teardownTimeout", c.Options.TeardownTimeout, errs)
		validateDuration("options.thresholdInterval", c.Options.ThresholdInterval, errs)
	}
}

// validateScenario validates a single scenario configuration.
func validateScenario(prefix string, sc *ScenarioConfig, c *TestConfig, errs *ValidationErrors) {
	if sc == nil {
		errs.Add(prefix, "scenario is empty")
		return
	}

	if sc.Executor == "" {
		errs.Add(prefix+".executor", "executor type is required")
	} else if !ValidExecutors[sc.Executor] {
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	switch sc.Executor {
	case "constant-vus":
		validateConstantVUs(prefix, sc, errs)
	case "ramping-vus":
		validateRampingVUs(prefix, sc, errs)
	case "constant-arrival-rate":
		validateConstantArrivalRate(prefix, sc, errs)
	case "ramping-arrival-rate":
		validateRampingArrivalRate(prefix, sc, errs)
	case "per-vu-iterations", "shared-iterations":
		validateIterationBased(prefix, sc, errs)
	}

	if sc.Pacing != nil {
		validatePacing(prefix+".pacing", sc.Pacing, errs)
	}

	for i, stage := range sc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &stage, errs)
	}

	validateDuration(prefix+".gracefulStop", sc.GracefulStop, errs)
	validateDuration(prefix+".gracefulRampDown", sc.GracefulRampDown, errs)
	validateDuration(prefix+".startTime", sc.StartTime, errs)
	validateDuration(prefix+".maxDuration", sc.MaxDuration, errs)
	validateDuration(prefix+".timeUnit", sc.TimeUnit, errs)

	if sc.Flow != "" {
		if _, ok := c.Flows[sc.Flow]; !ok {
			errs.Add(prefix+".flow", fmt.Sprintf("unknown flow: %s", sc.Flow))
		}
	}
}

// validateConstantVUs validates constant-vus executor config.
func validateConstantVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs <= 0 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}
	requireDuration(prefix+".duration", sc.Duration, "constant-vus", errs)
}

// validateRampingVUs validates ramping-vus executor config.
func validateRampingVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if len(sc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required for ramping-vus executor")
	}
	if sc.StartVUs < 0 {
		errs.Add(prefix+".startVUs", "startVUs cannot be negative")
	}
}

// validateConstantArrivalRate validates constant-arrival-rate executor config.
func validateConstantArrivalRate(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.Rate <= 0 {
		errs.Add(prefix+".rate", "rate must be greater than 0")
	}
	requireDuration(prefix+".duration", sc.Duration, "constant-arrival-rate", errs)
	validatePool(prefix, sc, errs)
}

// validateRampingArrivalRate validates ramping-arrival-rate executor config.
func validateRampingArrivalRate(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if len(sc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required for ramping-arrival-rate executor")
	}
	if sc.StartRate < 0 {
		errs.Add(prefix+".startRate", "startRate cannot be negative")
	}
	validatePool(prefix, sc, errs)
}

func validatePool(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.PreAllocatedVUs < 0 {
		errs.Add(prefix+".preAllocatedVUs", "preAllocatedVUs cannot be negative")
	}
	if sc.MaxVUs < 0 {
		errs.Add(prefix+".maxVUs", "maxVUs cannot be negative")
	}
	if sc.MaxVUs > 0 && sc.PreAllocatedVUs > sc.MaxVUs {
		errs.Add(prefix+".maxVUs", "maxVUs cannot be less than preAllocatedVUs")
	}
}

// validateIterationBased validates per-vu-iterations and shared-iterations executor config.
func validateIterationBased(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs <= 0 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}
	if sc.Iterations <= 0 {
		errs.Add(prefix+".iterations", "iterations must be greater than 0")
	}
	if sc.Executor == "shared-iterations" && sc.Iterations > 0 && sc.VUs > sc.Iterations {
		errs.Add(prefix+".vus", "vus cannot exceed shared iterations")
	}
}

func requireDuration(field, value, executor string, errs *ValidationErrors) {
	if value == "" {
		errs.Add(field, fmt.Sprintf("duration is required for %s executor", executor))
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(field, "duration must be greater than 0")
	}
}

func validateDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
	} else if d < 0 {
		errs.Add(field, "duration cannot be negative")
	}
}

// validatePacing validates pacing configuration.
func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	validTypes := map[string]bool{
		"none": true, "constant": true, "random": true,
	}

	if !validTypes[pacing.Type] {
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}

	switch pacing.Type {
	case "constant":
		if pacing.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant pacing")
		} else {
			validateDuration(prefix+".duration", pacing.Duration, errs)
		}

	case "random":
		if pacing.Min == "" {
			errs.Add(prefix+".min", "min is required for random pacing")
		} else {
			validateDuration(prefix+".min", pacing.Min, errs)
		}
		if pacing.Max == "" {
			errs.Add(prefix+".max", "max is required for random pacing")
		} else {
			validateDuration(prefix+".max", pacing.Max, errs)
		}

		if pacing.Min != "" && pacing.Max != "" {
			minDur, _ := ParseDurationString(pacing.Min)
			maxDur, _ := ParseDurationString(pacing.Max)
			if minDur > maxDur {
				errs.Add(prefix, "min must be less than or equal to max")
			}
		}
	}
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else {
		validateDuration(prefix+".duration", stage.Duration, errs)
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

var placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}`)

// validateFlow validates a declarative flow and its nested groups.
func validateFlow(prefix string, f *FlowConfig, c *TestConfig, errs *ValidationErrors) {
	if f == nil || len(f.Steps) == 0 {
		errs.Add(prefix+".steps", "at least one step is required")
		return
	}
	validateSteps(prefix+".steps", f.Steps, c, errs)
}

func validateSteps(prefix string, steps []StepConfig, c *TestConfig, errs *ValidationErrors) {
	seen := make(map[string]bool)
	for i, step := range steps {
		p := fmt.Sprintf("%s[%d]", prefix, i)

		if step.Name == "" {
			errs.Add(p+".name", "name is required")
		} else if seen[step.Name] {
			errs.Add(p+".name", fmt.Sprintf("duplicate step name: %s", step.Name))
		}
		seen[step.Name] = true

		switch {
		case step.Request != nil && len(step.Steps) > 0:
			errs.Add(p, "a step has either a request or nested steps, not both")
		case step.Request == nil && len(step.Steps) == 0 && step.Sleep == "" && step.Pick == "":
			errs.Add(p, "step does nothing: add a request, nested steps, sleep or pick")
		}

		switch strings.ToLower(step.OnMissing) {
		case "", "abort", "skip":
		default:
			errs.Add(p+".onMissing", fmt.Sprintf("invalid onMissing: %s (want abort or skip)", step.OnMissing))
		}

		if step.Pick != "" {
			if _, ok := c.Data[step.Pick]; !ok {
				errs.Add(p+".pick", fmt.Sprintf("unknown dataset: %s", step.Pick))
			}
		}

		validateDuration(p+".sleep", step.Sleep, errs)

		if step.Request != nil {
			validateRequest(p+".request", step.Request, errs)
		}
		if len(step.Steps) > 0 {
			validateSteps(p+".steps", step.Steps, c, errs)
		}
	}
}

// validateRequest validates a single request configuration.
func validateRequest(prefix string, req *RequestConfig, errs *ValidationErrors) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		errs.Add(prefix+".method", "method is required")
	} else if !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", req.Method))
	}

	if req.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else {
		// Placeholders may expand to a scheme and host.
		urlToCheck := placeholderRe.ReplaceAllString(req.URL, "placeholder")
		if _, err := url.Parse(urlToCheck); err != nil {
			errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	bodies := 0
	if req.Body != "" {
		bodies++
	}
	if req.JSON != nil {
		bodies++
	}
	if len(req.Form) > 0 {
		bodies++
	}
	if bodies > 1 {
		errs.Add(prefix, "only one of body, json and form may be set")
	}

	validateDuration(prefix+".timeout", req.Timeout, errs)

	for i, extract := range req.Extract {
		validateExtract(fmt.Sprintf("%s.extract[%d]", prefix, i), &extract, errs)
	}

	for i, assertion := range req.Assertions {
		validateAssertion(fmt.Sprintf("%s.assertions[%d]", prefix, i), &assertion, errs)
	}
}

// validateExtract validates an extract configuration.
func validateExtract(prefix string, extract *ExtractConfig, errs *ValidationErrors) {
	if extract.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	switch extract.Source {
	case "":
		errs.Add(prefix+".source", "source is required")
	case "body", "header", "cookie":
		if extract.Path == "" {
			errs.Add(prefix+".path", fmt.Sprintf("path is required for %s extraction", extract.Source))
		}
	case "regex":
		if extract.Regex == "" {
			errs.Add(prefix+".regex", "regex is required for regex extraction")
		} else if _, err := regexp.Compile(extract.Regex); err != nil {
			errs.Add(prefix+".regex", fmt.Sprintf("invalid regex: %v", err))
		}
	case "status":
	default:
		errs.Add(prefix+".source", fmt.Sprintf("invalid source: %s", extract.Source))
	}

	switch extract.Scope {
	case "", "iteration", "vu":
	default:
		errs.Add(prefix+".scope", fmt.Sprintf("invalid scope: %s (want iteration or vu)", extract.Scope))
	}
}

// validateAssertion validates an assertion configuration.
func validateAssertion(prefix string, assertion *AssertionConfig, errs *ValidationErrors) {
	validTypes := map[string]bool{
		"status": true, "body": true, "header": true, "duration": true, "schema": true,
	}

	if assertion.Type == "" {
		errs.Add(prefix+".type", "type is required")
	} else if !validTypes[assertion.Type] {
		errs.Add(prefix+".type", fmt.Sprintf("invalid assertion type: %s", assertion.Type))
	}

	if assertion.Type == "schema" {
		if assertion.Value == "" {
			errs.Add(prefix+".value", "schema document is required")
		}
		return
	}

	validConditions := map[string]bool{
		"eq": true, "ne": true, "gt": true, "lt": true,
		"gte": true, "lte": true, "contains": true, "matches": true, "exists": true,
	}

	// an empty condition means eq, or lt for duration
	if assertion.Condition != "" && !validConditions[strings.ToLower(assertion.Condition)] {
		errs.Add(prefix+".condition", fmt.Sprintf("invalid condition: %s", assertion.Condition))
	}
}

// validateThresholds checks selector and expression syntax. Whether the
// metric exists is decided when the plan is compiled against a catalog.
func validateThresholds(prefix string, t ThresholdsConfig, errs *ValidationErrors) {
	for _, selector := range sortedKeys(t) {
		if _, _, err := metrics.ParseSelector(selector); err != nil {
			errs.Add(prefix+"."+selector, err.Error())
			continue
		}
		for i, th := range t[selector] {
			field := fmt.Sprintf("%s.%s[%d]", prefix, selector, i)
			if strings.TrimSpace(th.Threshold) == "" {
				errs.Add(field, "threshold expression cannot be empty")
				continue
			}
			if _, err := metrics.ParseThresholdExpression(th.Threshold); err != nil {
				errs.Add(field, err.Error())
			}
			validateDuration(field+".delayAbortEval", th.DelayAbortEval, errs)
		}
	}
}

func validateMetric(name string, m *MetricConfig, errs *ValidationErrors) {
	prefix := "metrics." + name
	if _, _, err := metrics.ParseSelector(name); err != nil || strings.Contains(name, "{") {
		errs.Add(prefix, "metric name must be a plain identifier")
	}
	if m == nil {
		errs.Add(prefix+".type", "type is required")
		return
	}
	if _, err := metrics.ParseMetricType(m.Type); err != nil {
		errs.Add(prefix+".type", err.Error())
	}
	switch m.Contains {
	case "", "default", "time", "data":
	default:
		errs.Add(prefix+".contains", fmt.Sprintf("invalid contains: %s", m.Contains))
	}
}

func validateData(prefix string, d *DataConfig, errs *ValidationErrors) {
	if d == nil {
		errs.Add(prefix, "dataset is empty")
		return
	}
	if d.File == "" && len(d.Records) == 0 {
		errs.Add(prefix, "either file or records is required")
	}
	switch d.Order {
	case "", "vu", "random", "sequential":
	default:
		errs.Add(prefix+".order", fmt.Sprintf("invalid order: %s (want vu, random or sequential)", d.Order))
	}
}

func validateURL(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid URL: %v", err))
		return
	}
	if u.Scheme == "" || u.Host == "" {
		errs.Add(field, fmt.Sprintf("URL must be absolute: %s", value))
	}
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	validateURL("settings.baseUrl", s.BaseURL, errs)

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
