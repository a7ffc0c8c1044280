// Package plan compiles a resolved test configuration into an immutable
// execution plan.
//
// Compilation is where everything that can be checked before traffic starts
// is checked: executor parameters, stage lists, and thresholds against the
// catalog of metrics the run can produce. All problems are collected into a
// single ConfigError so a script author sees every mistake at once.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// Defaults for execution options left unset in the script.
const (
	DefaultSetupTimeout      = 60 * time.Second
	DefaultTeardownTimeout   = 60 * time.Second
	DefaultThresholdInterval = time.Second
)

// Threshold is a compiled pass/fail criterion.
type Threshold = metrics.Threshold

// ExecutionPlan is the compiled, immutable form of a test script.
type ExecutionPlan struct {
	Name string `json:"name"`

	// Executors run the scenarios, sorted by name
	Executors []executor.Config `json:"executors"`

	// Thresholds sorted by selector, then by position in the script
	Thresholds []Threshold `json:"thresholds,omitempty"`

	// Metrics are the custom metrics the script declares, sorted by name
	Metrics []metrics.Definition `json:"metrics,omitempty"`

	// Tags are attached to every sample
	Tags map[string]string `json:"tags,omitempty"`

	// Variables are the resolved global variables
	Variables map[string]string `json:"variables,omitempty"`

	SetupTimeout      time.Duration `json:"setupTimeout"`
	TeardownTimeout   time.Duration `json:"teardownTimeout"`
	ThresholdInterval time.Duration `json:"thresholdInterval"`
	Sequential        bool          `json:"sequential,omitempty"`

	// MaxVUs is the most VUs the plan can have alive at once
	MaxVUs int `json:"maxVUs"`

	// HTTP configures every VU client
	HTTP performance.HTTPClientConfig `json:"http"`
}

// ConfigError reports a script that cannot be run. It wraps the
// *config.ValidationErrors listing every problem found.
type ConfigError struct {
	Errs *config.ValidationErrors
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Errs.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Errs
}

// IsConfigError reports whether err is, or wraps, a configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	var ve *config.ValidationErrors
	return errors.As(err, &ce) || errors.As(err, &ve)
}

// Prepare resolves the TYPE_TEST variant and ENV environment of cfg, applies
// command-line overrides and compiles the result.
func Prepare(cfg *config.TestConfig, typeTest, env string, o Overrides, extra ...metrics.Definition) (*config.TestConfig, *ExecutionPlan, error) {
	resolved, err := config.Resolve(cfg, typeTest, env)
	if err != nil {
		var ve *config.ValidationErrors
		if errors.As(err, &ve) {
			return nil, nil, &ConfigError{Errs: ve}
		}
		return nil, nil, err
	}

	resolved = o.Apply(resolved)
	p, err := Compile(resolved, extra...)
	if err != nil {
		return nil, nil, err
	}
	return resolved, p, nil
}

// Compile checks cfg and builds its execution plan. extra declares metrics
// that Go flows emit in addition to the built-ins and the script's own.
//
// cfg is not modified, and compiling the same config twice yields equal
// plans.
func Compile(cfg *config.TestConfig, extra ...metrics.Definition) (*ExecutionPlan, error) {
	errs := &config.ValidationErrors{}
	cfg.ValidateInto(errs)

	p := &ExecutionPlan{
		Name:      cfg.Name,
		Tags:      config.MergeVariables(cfg.Tags),
		Variables: config.MergeVariables(cfg.Variables),
	}

	p.Metrics = compileMetrics(cfg, extra, errs)
	catalog := make(map[string]metrics.MetricType)
	for _, def := range metrics.Builtins() {
		catalog[def.Name] = def.Type
	}
	for _, def := range p.Metrics {
		catalog[def.Name] = def.Type
	}

	for _, name := range sortedKeys(cfg.Scenarios) {
		ec, ok := compileScenario(name, cfg.Scenarios[name], errs)
		if !ok {
			continue
		}
		p.Executors = append(p.Executors, ec)
		p.MaxVUs += executor.CalculateMaxVUs(&ec)
	}
	if len(cfg.Scenarios) == 0 && !hasField(errs, "scenarios") {
		errs.Add("scenarios", "at least one scenario is required")
	}

	p.Thresholds = compileThresholds(cfg.Thresholds, catalog, errs)
	compileOptions(p, cfg.Options)
	p.HTTP = compileHTTP(cfg)

	if errs.HasErrors() {
		return nil, &ConfigError{Errs: errs}
	}
	return p, nil
}

func compileScenario(name string, sc *config.ScenarioConfig, errs *config.ValidationErrors) (executor.Config, bool) {
	prefix := "scenarios." + name
	if sc == nil {
		return executor.Config{}, false
	}
	// Problems the script validator already reported are not repeated.
	reported := hasField(errs, prefix)

	ec, err := executor.FromScenarioConfig(name, sc)
	if err != nil {
		if !reported {
			addExecutorError(errs, prefix, err)
		}
		return executor.Config{}, false
	}

	ec.ApplyDefaults()
	if err := ec.Validate(); err != nil {
		if !reported {
			addExecutorError(errs, prefix, err)
		}
		return executor.Config{}, false
	}
	return *ec, !reported
}

func addExecutorError(errs *config.ValidationErrors, prefix string, err error) {
	var verr *executor.ValidationError
	if errors.As(err, &verr) {
		errs.Add(prefix+"."+verr.Field, verr.Message)
		return
	}
	errs.Add(prefix, err.Error())
}

func compileMetrics(cfg *config.TestConfig, extra []metrics.Definition, errs *config.ValidationErrors) []metrics.Definition {
	builtin := make(map[string]metrics.MetricType)
	for _, def := range metrics.Builtins() {
		builtin[def.Name] = def.Type
	}

	declared := make(map[string]metrics.Definition)
	for _, name := range sortedKeys(cfg.Metrics) {
		mc := cfg.Metrics[name]
		if mc == nil {
			continue
		}
		t, err := metrics.ParseMetricType(mc.Type)
		if err != nil {
			// reported by the script validator
			continue
		}
		def := metrics.Definition{Name: name, Type: t, Contains: parseContains(mc.Contains)}
		if bt, ok := builtin[name]; ok {
			if bt != t {
				errs.Add("metrics."+name, fmt.Sprintf("conflicts with built-in %s metric %s", bt, name))
			}
			continue
		}
		declared[name] = def
	}

	for _, def := range extra {
		if bt, ok := builtin[def.Name]; ok {
			if bt != def.Type {
				errs.Add("metrics."+def.Name, fmt.Sprintf("conflicts with built-in %s metric %s", bt, def.Name))
			}
			continue
		}
		if prev, ok := declared[def.Name]; ok && prev.Type != def.Type {
			errs.Add("metrics."+def.Name, fmt.Sprintf("declared as %s and %s", prev.Type, def.Type))
			continue
		}
		declared[def.Name] = def
	}

	out := make([]metrics.Definition, 0, len(declared))
	for _, name := range sortedKeys(declared) {
		out = append(out, declared[name])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseContains(s string) metrics.ValueType {
	switch strings.ToLower(s) {
	case "time":
		return metrics.Time
	case "data":
		return metrics.Data
	default:
		return metrics.Default
	}
}

func compileThresholds(tc config.ThresholdsConfig, catalog map[string]metrics.MetricType, errs *config.ValidationErrors) []Threshold {
	var out []Threshold
	for _, selector := range sortedKeys(tc) {
		field := "thresholds." + selector
		name, tags, err := metrics.ParseSelector(selector)
		if err != nil {
			continue
		}
		kind, ok := catalog[name]
		if !ok {
			errs.Add(field, fmt.Sprintf("unknown metric: %s", name))
			continue
		}

		for i, th := range tc[selector] {
			expr, err := metrics.ParseThresholdExpression(th.Threshold)
			if err != nil {
				continue
			}
			if !expr.ValidFor(kind) {
				errs.Add(fmt.Sprintf("%s[%d]", field, i),
					fmt.Sprintf("aggregation %s is not valid for %s metric %s", expr.Aggregation, kind, name))
				continue
			}
			delay, err := config.ParseDurationString(th.DelayAbortEval)
			if err != nil {
				continue
			}
			out = append(out, Threshold{
				Selector:       selector,
				Metric:         name,
				Tags:           tags,
				Expr:           expr,
				AbortOnFail:    th.AbortOnFail,
				DelayAbortEval: delay,
			})
		}
	}
	return out
}

func compileOptions(p *ExecutionPlan, opts *config.ExecutionOptions) {
	p.SetupTimeout = DefaultSetupTimeout
	p.TeardownTimeout = DefaultTeardownTimeout
	p.ThresholdInterval = DefaultThresholdInterval
	if opts == nil {
		return
	}
	p.Sequential = opts.Sequential

	for _, o := range []struct {
		value string
		dst   *time.Duration
	}{
		{opts.SetupTimeout, &p.SetupTimeout},
		{opts.TeardownTimeout, &p.TeardownTimeout},
		{opts.ThresholdInterval, &p.ThresholdInterval},
	} {
		// parse errors are reported by the script validator
		if d, err := config.ParseDurationString(o.value); err == nil && d > 0 {
			*o.dst = d
		}
	}
}

func compileHTTP(cfg *config.TestConfig) performance.HTTPClientConfig {
	h := performance.DefaultHTTPClientConfig()
	s := cfg.Settings

	h.BaseURL = s.BaseURL
	if t := time.Duration(s.Timeout); t > 0 {
		h.Timeout = t
	}
	h.UserAgent = s.UserAgent
	if len(s.Headers) > 0 {
		h.Headers = config.MergeVariables(s.Headers)
	}
	h.Transport.MaxConnsPerHost = s.MaxConnectionsPerHost
	if s.MaxIdleConnsPerHost > 0 {
		h.Transport.MaxIdleConns = s.MaxIdleConnsPerHost
	}
	h.Transport.InsecureSkipVerify = s.InsecureSkipVerify
	if cfg.Options != nil && cfg.Options.NoVUConnectionReuse {
		h.UseSharedTransport = false
	}
	return h
}

// Executor returns the executor config for the named scenario.
func (p *ExecutionPlan) Executor(name string) (executor.Config, bool) {
	i := sort.Search(len(p.Executors), func(i int) bool { return p.Executors[i].Name >= name })
	if i < len(p.Executors) && p.Executors[i].Name == name {
		return p.Executors[i], true
	}
	return executor.Config{}, false
}

// TotalDuration is the longest scheduled end of any executor, counting its
// start offset and graceful stop.
func (p *ExecutionPlan) TotalDuration() time.Duration {
	var total, offset time.Duration
	for _, ec := range p.Executors {
		end := ec.StartTime + ec.TotalDuration() + ec.GracefulStop
		if p.Sequential {
			offset += ec.TotalDuration() + ec.GracefulStop
			end = offset
		}
		if end > total {
			total = end
		}
	}
	return total
}

func hasField(errs *config.ValidationErrors, prefix string) bool {
	for _, f := range errs.Fields() {
		if f == prefix || strings.HasPrefix(f, prefix+".") || strings.HasPrefix(f, prefix+"[") {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
