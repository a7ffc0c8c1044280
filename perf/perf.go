package perf

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	stampedehttp "github.com/wesleyorama2/stampede/internal/http"
	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/flow"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/plan"
)

// Types shared with the engine.
type (
	Script           = config.TestConfig
	TestResult       = engine.TestResult
	ThresholdResult  = engine.ThresholdResult
	Flow             = flow.Flow
	Step             = flow.Step
	Iteration        = flow.Iteration
	Request          = stampedehttp.Request
	Response         = stampedehttp.Response
	MetricDefinition = metrics.Definition
	Snapshot         = metrics.Snapshot
	Tags             = metrics.Tags
)

// Custom metric types for MetricDefinition.
const (
	Counter = metrics.Counter
	Gauge   = metrics.Gauge
	Rate    = metrics.Rate
	Trend   = metrics.Trend
)

// NewRequest creates a request; a relative path resolves against the
// script's base URL.
func NewRequest(method, path string) *Request {
	return stampedehttp.NewRequest(method, path)
}

// Group nests steps under name.
func Group(name string, steps ...Step) Step {
	return flow.Group(name, steps...)
}

// Runner runs one script with Go-defined flows mixed in.
//
//	runner, _ := perf.Load("checkout.yaml",
//	    perf.WithVariant("loadTest"),
//	    perf.WithFlow(&perf.Flow{Name: "orders", Steps: steps}))
//	result, _ := runner.Run(ctx)
type Runner struct {
	script    *Script
	typeTest  string
	env       string
	overrides plan.Overrides
	flows     []*Flow
	metrics   []MetricDefinition
	logger    *zap.Logger

	mu     sync.Mutex
	engine *engine.Engine
}

// Option configures a Runner.
type Option func(*Runner)

// WithVariant selects the TYPE_TEST variant to run.
func WithVariant(name string) Option {
	return func(r *Runner) { r.typeTest = name }
}

// WithEnvironment selects the ENV environment to target.
func WithEnvironment(name string) Option {
	return func(r *Runner) { r.env = name }
}

// WithFlow registers f under its name, replacing a script flow of the same
// name. An unnamed flow is the default iteration body.
func WithFlow(f *Flow) Option {
	return func(r *Runner) { r.flows = append(r.flows, f) }
}

// WithMetric declares a custom metric a Go flow emits.
func WithMetric(def MetricDefinition) Option {
	return func(r *Runner) { r.metrics = append(r.metrics, def) }
}

// WithLoad replaces the script's scenarios, as the CLI's --vus, --duration
// and --iterations flags do.
func WithLoad(vus int, duration string, iterations int) Option {
	return func(r *Runner) {
		r.overrides = plan.Overrides{VUs: vus, Duration: duration, Iterations: iterations}
	}
}

// WithLogger sets the logger of the run.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// Load reads a YAML or JSON script from path.
func Load(path string, opts ...Option) (*Runner, error) {
	script, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return NewRunner(script, opts...), nil
}

// NewRunner creates a runner for script.
func NewRunner(script *Script, opts ...Option) *Runner {
	r := &Runner{script: script, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) build() (*engine.Engine, error) {
	resolved, p, err := plan.Prepare(r.script, r.typeTest, r.env, r.overrides, r.metrics...)
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{engine.WithLogger(r.logger)}
	for _, f := range r.flows {
		opts = append(opts, engine.WithFlow(f))
	}
	return engine.Load(resolved, p, opts...)
}

// Validate checks the script for the selected variant and environment
// without sending traffic.
func (r *Runner) Validate() error {
	_, err := r.build()
	return err
}

// Run executes the script. A runner runs once.
func (r *Runner) Run(ctx context.Context) (*TestResult, error) {
	r.mu.Lock()
	if r.engine != nil {
		r.mu.Unlock()
		return nil, engine.ErrAlreadyRun
	}
	eng, err := r.build()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to prepare run: %w", err)
	}
	r.engine = eng
	r.mu.Unlock()

	return eng.Run(ctx)
}

func (r *Runner) current() *engine.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine
}

// Progress returns how far the run is, from 0 to 1.
func (r *Runner) Progress() float64 {
	eng := r.current()
	if eng == nil {
		return 0
	}
	return eng.GetProgress()
}

// Snapshot returns live headline metrics, or nil before the run starts.
func (r *Runner) Snapshot() *Snapshot {
	eng := r.current()
	if eng == nil {
		return nil
	}
	return eng.GetMetrics()
}

// IsConfigError reports whether err means the script cannot be run.
func IsConfigError(err error) bool {
	return plan.IsConfigError(err)
}
