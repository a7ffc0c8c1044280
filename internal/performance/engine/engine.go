// Package engine provides the main orchestrator for performance test runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/data"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/flow"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/plan"
)

var (
	// ErrUnknownFlow is returned when a scenario names a flow nobody registered.
	ErrUnknownFlow = errors.New("unknown flow")

	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("engine has already run")

	errStopped = errors.New("run stopped")
)

// Engine is the main orchestrator for a test run.
//
// It coordinates:
//   - Setup and teardown of every flow in use
//   - Scenario execution with their respective executors
//   - Metrics collection and aggregation
//   - Continuous threshold evaluation with early abort
//
// Example usage:
//
//	cfg, p, _ := plan.Prepare(script, "loadTest", "DEV", plan.Overrides{})
//	eng, _ := engine.Load(cfg, p, engine.WithLogger(logger))
//	result, _ := eng.Run(ctx)
//	fmt.Printf("Test passed: %v\n", result.Passed)
//
// An Engine runs once.
type Engine struct {
	plan        *plan.ExecutionPlan
	description string
	flows       flow.Registry
	data        *data.Store
	logger      *zap.Logger
	runID       string

	metricsEngine *metrics.Engine
	evaluator     *metrics.ThresholdEvaluator

	// Scenario runners, sorted by name
	scenarios []*scenarioRunner
	mu        sync.RWMutex

	// State
	startTime time.Time
	running   bool
	ran       bool

	stopCh      chan struct{}
	stopOnce    sync.Once
	abortReason atomic.Pointer[string]
}

// scenarioRunner manages the execution of a single scenario.
type scenarioRunner struct {
	config    executor.Config
	flow      *flow.Flow
	executor  executor.Executor
	scheduler *performance.VUScheduler
	result    *ScenarioResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithFlows registers flows by name, replacing declarative flows of the
// same name.
func WithFlows(reg flow.Registry) Option {
	return func(e *Engine) {
		for name, f := range reg {
			e.flows[name] = f
		}
	}
}

// WithFlow registers a single flow under its name, or as the default flow
// when the name is empty.
func WithFlow(f *flow.Flow) Option {
	return func(e *Engine) {
		name := f.Name
		if name == "" {
			name = flow.DefaultFlow
		}
		e.flows[name] = f
	}
}

// WithDataStore supplies the shared fixtures.
func WithDataStore(store *data.Store) Option {
	return func(e *Engine) {
		e.data = store
	}
}

// WithLogger sets the logger handed to schedulers, VUs and flows.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics makes the run record into m instead of a private engine, so
// outputs can subscribe before the run starts.
func WithMetrics(m *metrics.Engine) Option {
	return func(e *Engine) {
		e.metricsEngine = m
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(e *Engine) {
		e.runID = id
	}
}

// WithDescription sets the description carried into the result.
func WithDescription(d string) Option {
	return func(e *Engine) {
		e.description = d
	}
}

// New creates an engine for p.
//
// Every scenario's flow must be registered through WithFlows or WithFlow.
func New(p *plan.ExecutionPlan, opts ...Option) (*Engine, error) {
	e := &Engine{
		plan:   p,
		flows:  flow.Registry{},
		logger: zap.NewNop(),
		runID:  uuid.NewString(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.data == nil {
		e.data = data.NewStore()
	}

	for _, ec := range p.Executors {
		if _, ok := e.flows.Get(ec.Flow); !ok {
			name := ec.Flow
			if name == "" {
				name = flow.DefaultFlow
			}
			return nil, fmt.Errorf("scenario %s: %w: %s", ec.Name, ErrUnknownFlow, name)
		}
	}
	return e, nil
}

// Load compiles the declarative flows and fixtures of a resolved script
// and creates an engine for its plan. Flows passed in opts take precedence.
func Load(cfg *config.TestConfig, p *plan.ExecutionPlan, opts ...Option) (*Engine, error) {
	reg, err := flow.FromTestConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to compile flows: %w", err)
	}
	store, err := data.Load(cfg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	base := []Option{WithFlows(reg), WithDataStore(store), WithDescription(cfg.Description)}
	return New(p, append(base, opts...)...)
}

// Run executes all scenarios and returns the test results.
//
// By default, all scenarios run concurrently, each starting after its
// startTime. If the plan is sequential, scenarios run one at a time in
// name order.
//
// Cancelling ctx interrupts iterations in flight; the partial result is
// still returned alongside the context error.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already running")
	}
	if e.ran {
		e.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	e.running = true
	e.ran = true
	e.startTime = time.Now()
	if e.metricsEngine == nil {
		e.metricsEngine = metrics.NewEngine()
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	m := e.metricsEngine
	m.SetPhase(metrics.PhaseInit)

	for _, def := range e.plan.Metrics {
		if _, err := m.Register(def); err != nil {
			m.Stop()
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	evaluator, err := metrics.NewThresholdEvaluator(m, e.plan.Thresholds, e.onAbort)
	if err != nil {
		m.Stop()
		return nil, fmt.Errorf("failed to bind thresholds: %w", err)
	}
	e.mu.Lock()
	e.evaluator = evaluator
	e.mu.Unlock()

	e.logger.Info("starting test run",
		zap.String("run_id", e.runID),
		zap.String("name", e.plan.Name),
		zap.Int("scenarios", len(e.plan.Executors)),
		zap.Int("max_vus", e.plan.MaxVUs))

	evalCtx, stopEval := context.WithCancel(ctx)
	var evalWg sync.WaitGroup
	evalWg.Add(1)
	go func() {
		defer evalWg.Done()
		e.evaluateLoop(evalCtx, evaluator)
	}()

	setupData, runErr := e.setup(ctx)
	if runErr == nil {
		if err := e.initializeScenarios(ctx, setupData); err != nil {
			stopEval()
			evalWg.Wait()
			m.Stop()
			return nil, fmt.Errorf("failed to initialize scenarios: %w", err)
		}
		if e.plan.Sequential {
			runErr = e.runScenariosSequentially(ctx)
		} else {
			runErr = e.runScenariosConcurrently(ctx)
		}
		if err := e.teardown(ctx, setupData); err != nil && runErr == nil {
			runErr = err
		}
	}

	stopEval()
	evalWg.Wait()

	m.SetPhase(metrics.PhaseDone)
	m.Stop()

	result := e.buildResult(evaluator.Evaluate(), evaluator.Aborted(), runErr)
	e.logger.Info("test run finished",
		zap.String("run_id", e.runID),
		zap.Bool("passed", result.Passed),
		zap.Bool("aborted", result.Aborted),
		zap.Duration("duration", result.Duration))

	return result, runErr
}

func (e *Engine) evaluateLoop(ctx context.Context, ev *metrics.ThresholdEvaluator) {
	interval := e.plan.ThresholdInterval
	if interval <= 0 {
		interval = plan.DefaultThresholdInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev.Check()
		}
	}
}

// onAbort stops the run when an abortOnFail threshold is breached.
// In-flight iterations drain within each scenario's graceful stop.
func (e *Engine) onAbort(r metrics.ThresholdResult) {
	reason := fmt.Sprintf("threshold %s on %s crossed: %s", r.Expression, r.Metric, r.Message)
	e.abortReason.Store(&reason)
	e.logger.Warn("aborting test run",
		zap.String("metric", r.Metric),
		zap.String("threshold", r.Expression),
		zap.Float64("value", r.Value))
	_ = e.Stop(context.Background())
}

// flowsInUse returns the distinct flows the plan's scenarios run, by name.
func (e *Engine) flowsInUse() []*flow.Flow {
	seen := make(map[*flow.Flow]bool)
	var out []*flow.Flow
	for _, ec := range e.plan.Executors {
		f, _ := e.flows.Get(ec.Flow)
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) runtime(phase string, setupData flow.Values) *flow.Runtime {
	return &flow.Runtime{
		Client:    performance.NewHTTPClient(e.plan.HTTP),
		Metrics:   e.metricsEngine,
		Logger:    e.logger.With(zap.String("phase", phase)),
		Tags:      metrics.Tags(e.plan.Tags),
		Globals:   e.plan.Variables,
		SetupData: setupData,
		Data:      e.data,
	}
}

// setup runs the setup steps of every flow in use, once, before any VU
// starts. The values each produces are shared read-only with its VUs.
func (e *Engine) setup(ctx context.Context) (map[*flow.Flow]flow.Values, error) {
	out := make(map[*flow.Flow]flow.Values)
	for _, f := range e.flowsInUse() {
		if len(f.Setup) == 0 {
			out[f] = flow.Values{}
			continue
		}
		e.metricsEngine.SetPhase(metrics.PhaseSetup)

		sctx, cancel := context.WithTimeout(ctx, e.plan.SetupTimeout)
		vals, err := f.RunSetup(sctx, e.runtime("setup", nil))
		timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut {
				return nil, fmt.Errorf("flow %s: setup exceeded %s: %w", f.Name, e.plan.SetupTimeout, err)
			}
			return nil, fmt.Errorf("flow %s: %w", f.Name, err)
		}
		e.logger.Debug("setup finished", zap.String("flow", f.Name), zap.Int("values", len(vals)))
		out[f] = vals
	}
	return out, nil
}

// teardown runs the teardown steps of every flow in use after all VUs
// stopped. It runs even when ctx was cancelled, bounded by the teardown
// timeout.
func (e *Engine) teardown(ctx context.Context, setupData map[*flow.Flow]flow.Values) error {
	var errs []error
	for _, f := range e.flowsInUse() {
		if len(f.Teardown) == 0 {
			continue
		}
		e.metricsEngine.SetPhase(metrics.PhaseTeardown)

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.plan.TeardownTimeout)
		err := f.RunTeardown(tctx, e.runtime("teardown", setupData[f]))
		cancel()
		if err != nil {
			e.logger.Warn("teardown failed", zap.String("flow", f.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("flow %s: %w", f.Name, err))
		}
	}
	return errors.Join(errs...)
}

// initializeScenarios creates executors and schedulers for all scenarios.
func (e *Engine) initializeScenarios(ctx context.Context, setupData map[*flow.Flow]flow.Values) error {
	ids := &atomic.Int64{}
	runners := make([]*scenarioRunner, 0, len(e.plan.Executors))

	for _, ec := range e.plan.Executors {
		f, _ := e.flows.Get(ec.Flow)

		exec, err := executor.CreateAndInitExecutor(ctx, &ec)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", ec.Name, err)
		}

		scheduler := performance.NewVUScheduler(performance.SchedulerConfig{
			Scenario:  ec.Name,
			Flow:      f,
			Metrics:   e.metricsEngine,
			Logger:    e.logger,
			HTTP:      e.plan.HTTP,
			Tags:      metrics.Tags(e.plan.Tags).Merge(ec.Tags),
			Globals:   e.plan.Variables,
			Env:       ec.Env,
			SetupData: setupData[f],
			Data:      e.data,
			IDs:       ids,
		})

		runners = append(runners, &scenarioRunner{
			config:    ec,
			flow:      f,
			executor:  exec,
			scheduler: scheduler,
			result: &ScenarioResult{
				Name:     ec.Name,
				Executor: string(ec.Type),
				MaxVUs:   executor.CalculateMaxVUs(&ec),
			},
		})
	}

	e.mu.Lock()
	e.scenarios = runners
	e.mu.Unlock()
	return nil
}

// runScenariosConcurrently runs all scenarios in parallel.
func (e *Engine) runScenariosConcurrently(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, runner := range e.runners() {
		g.Go(func() error {
			if err := e.waitForStart(gctx, runner); err != nil {
				return nil
			}
			if err := e.runScenario(gctx, runner); err != nil {
				return fmt.Errorf("scenario %s failed: %w", runner.config.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runScenariosSequentially runs all scenarios one at a time. Start times
// are ignored.
func (e *Engine) runScenariosSequentially(ctx context.Context) error {
	for _, runner := range e.runners() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.stopping() {
			runner.result.Skipped = true
			continue
		}
		if err := e.runScenario(ctx, runner); err != nil {
			return fmt.Errorf("scenario %s failed: %w", runner.config.Name, err)
		}
	}
	return ctx.Err()
}

// waitForStart blocks until the runner's start time. It returns an error
// when the run ended first.
func (e *Engine) waitForStart(ctx context.Context, runner *scenarioRunner) error {
	d := runner.config.StartTime
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d - time.Since(e.startTime))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		runner.result.Skipped = true
		return ctx.Err()
	case <-e.stopCh:
		runner.result.Skipped = true
		return errStopped
	case <-timer.C:
		return nil
	}
}

// runScenario runs a single scenario to completion.
func (e *Engine) runScenario(ctx context.Context, runner *scenarioRunner) error {
	if e.stopping() {
		runner.result.Skipped = true
		return nil
	}

	e.logger.Debug("starting scenario",
		zap.String("scenario", runner.config.Name),
		zap.String("executor", string(runner.config.Type)))

	startTime := time.Now()
	runner.result.StartTime = startTime

	err := runner.executor.Run(ctx, runner.scheduler, e.metricsEngine)

	runner.result.Duration = time.Since(startTime)
	if err != nil {
		runner.result.Error = err.Error()
	}

	e.logger.Debug("scenario finished",
		zap.String("scenario", runner.config.Name),
		zap.Duration("duration", runner.result.Duration),
		zap.Error(err))
	return err
}

func (e *Engine) buildResult(thresholds []ThresholdResult, aborted bool, runErr error) *TestResult {
	m := e.metricsEngine
	end := time.Now()

	result := &TestResult{
		RunID:       e.runID,
		Name:        e.plan.Name,
		Description: e.description,
		TypeTest:    e.plan.Tags["type_test"],
		Environment: e.plan.Tags["env"],
		StartTime:   e.startTime,
		EndTime:     end,
		Duration:    end.Sub(e.startTime),
		Metrics:     m.Summary(),
		Snapshot:    m.GetSnapshot(),
		TimeSeries:  m.GetTimeSeries(),
		Phases:      m.GetPhaseHistory(),
		Thresholds:  thresholds,
		Passed:      true,
		Aborted:     aborted,
	}
	if reason := e.abortReason.Load(); reason != nil {
		result.AbortReason = *reason
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	for _, tr := range thresholds {
		if !tr.Passed {
			result.Passed = false
			break
		}
	}

	for _, runner := range e.runners() {
		sr := runner.result
		scenario := metrics.Tags{"scenario": runner.config.Name}
		sr.Iterations = int64(m.Value(metrics.Iterations, scenario, "count"))
		sr.Dropped = int64(m.Value(metrics.DroppedIterations, scenario, "count"))
		sr.Interrupted = int64(m.Value(metrics.InterruptedIterations, scenario, "count"))
		sr.Stats = runner.executor.GetStats()
		result.Scenarios = append(result.Scenarios, sr)
	}
	return result
}

func (e *Engine) runners() []*scenarioRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scenarios
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// RunID returns the id the run's results are stored under.
func (e *Engine) RunID() string {
	return e.runID
}

// GetPlan returns the execution plan.
func (e *Engine) GetPlan() *plan.ExecutionPlan {
	return e.plan
}

// MetricsEngine returns the metrics engine of the run, or nil before Run
// unless one was supplied with WithMetrics.
func (e *Engine) MetricsEngine() *metrics.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metricsEngine
}

// GetMetrics returns the current metrics snapshot.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	m := e.MetricsEngine()
	if m == nil {
		return nil
	}
	return m.GetSnapshot()
}

// GetTimeSeries returns the time series data.
func (e *Engine) GetTimeSeries() []*metrics.TimeBucket {
	m := e.MetricsEngine()
	if m == nil {
		return nil
	}
	return m.GetTimeSeries()
}

// GetThresholds returns the latest live threshold evaluation.
func (e *Engine) GetThresholds() []ThresholdResult {
	e.mu.RLock()
	ev := e.evaluator
	e.mu.RUnlock()
	if ev == nil {
		return nil
	}
	return ev.Last()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop ends the run early. Scenarios that have not started are skipped;
// running ones stop scheduling and let in-flight iterations drain within
// their graceful stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})

	var errs []error
	for _, runner := range e.runners() {
		if err := runner.executor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetProgress returns the overall test progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	runners := e.runners()
	if len(runners) == 0 {
		return 0.0
	}

	var totalProgress float64
	for _, runner := range runners {
		totalProgress += runner.executor.GetProgress()
	}
	return totalProgress / float64(len(runners))
}

// GetScenarioStats returns current stats for all scenarios.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	stats := make(map[string]*executor.Stats)
	for _, runner := range e.runners() {
		stats[runner.config.Name] = runner.executor.GetStats()
	}
	return stats
}
