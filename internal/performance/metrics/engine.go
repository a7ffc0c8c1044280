package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownMetric is returned when a sample names a metric that was never registered.
var ErrUnknownMetric = errors.New("unknown metric")

// Metric is a registered metric with its root sink and tag-filtered views.
type Metric struct {
	Name     string
	Type     MetricType
	Contains ValueType

	sink Sink

	subMu    sync.RWMutex
	subs     []*Submetric
	subIndex map[string]*Submetric
}

// Submetric is a view of a metric restricted to samples whose tags contain Tags.
type Submetric struct {
	Tags Tags
	sink Sink
}

// Sink returns the root aggregate of the metric.
func (m *Metric) Sink() Sink { return m.sink }

// Engine collects and aggregates samples.
//
// Key features:
// - Typed metrics (counter, gauge, rate, trend) with tag-filtered sub-metrics
// - HDR histograms for trend percentiles
// - Continuous time-bucket emission (even during low activity)
// - Phase-aware time series
//
// # Thread Safety
//
// Engine is safe for concurrent use. Counter and rate sinks are lock-free,
// trend and gauge sinks use a mutex per sink, and the background emitter
// runs in its own goroutine.
type Engine struct {
	config EngineConfig

	mu      sync.RWMutex
	metrics map[string]*Metric

	// Active VU tracking, shared by every executor
	activeVUs atomic.Int64
	maxVUs    atomic.Int64

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time
	endTime   atomic.Int64

	hooksMu sync.Mutex
	hooks   []func()

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a metrics engine with the built-in metrics
// registered and starts its background emitter.
func NewEngineWithConfig(config EngineConfig) *Engine {
	defaults := DefaultEngineConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = defaults.BucketInterval
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = defaults.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = defaults.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = defaults.HistogramSigFigs
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		config:        config,
		metrics:       make(map[string]*Metric),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		phaseHistory:  make([]PhaseChange, 0),
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
	}

	for _, def := range Builtins() {
		_, _ = engine.Register(def)
	}

	engine.emitterWg.Add(1)
	go engine.runEmitter()

	return engine
}

// Register declares a metric. Registering an existing name with the same
// type is a no-op; a conflicting type is an error.
func (e *Engine) Register(def Definition) (*Metric, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("metric name is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.metrics[def.Name]; ok {
		if existing.Type != def.Type {
			return nil, fmt.Errorf("metric %s already registered as %s", def.Name, existing.Type)
		}
		return existing, nil
	}

	m := &Metric{
		Name:     def.Name,
		Type:     def.Type,
		Contains: def.Contains,
		sink:     newSink(def.Type, e.config),
		subIndex: make(map[string]*Submetric),
	}
	e.metrics[def.Name] = m
	return m, nil
}

// Get returns a registered metric.
func (e *Engine) Get(name string) (*Metric, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.metrics[name]
	return m, ok
}

// Names returns all registered metric names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add records a sample on the metric and every sub-metric it matches.
func (e *Engine) Add(s Sample) error {
	m, ok := e.Get(s.Metric)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, s.Metric)
	}

	m.sink.Add(s.Value)
	if len(s.Tags) > 0 {
		e.addTagged(m, s.Tags, s.Value)
	}

	switch s.Metric {
	case HTTPReqFailed:
		e.bucketStore.RecordRequest(s.Value != 0)
	case Iterations:
		e.bucketStore.RecordIteration()
	}
	return nil
}

// Emit is shorthand for Add with the current time.
func (e *Engine) Emit(name string, value float64, tags Tags) error {
	return e.Add(Sample{Metric: name, Value: value, Tags: tags, Time: time.Now()})
}

func (e *Engine) addTagged(m *Metric, tags Tags, value float64) {
	for _, key := range e.config.BreakdownTags {
		if v := tags[key]; v != "" {
			m.ensureSubmetric(Tags{key: v}, e.config)
		}
	}

	m.subMu.RLock()
	for _, sub := range m.subs {
		if tags.Contains(sub.Tags) {
			sub.sink.Add(value)
		}
	}
	m.subMu.RUnlock()
}

func (m *Metric) ensureSubmetric(tags Tags, cfg EngineConfig) *Submetric {
	key := tags.String()

	m.subMu.RLock()
	sub, ok := m.subIndex[key]
	m.subMu.RUnlock()
	if ok {
		return sub
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	if sub, ok := m.subIndex[key]; ok {
		return sub
	}
	sub = &Submetric{Tags: tags, sink: newSink(m.Type, cfg)}
	m.subIndex[key] = sub
	m.subs = append(m.subs, sub)
	return sub
}

// Submetric returns (creating if needed) the view of name filtered by tags.
func (e *Engine) Submetric(name string, tags Tags) (Sink, error) {
	m, ok := e.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	if len(tags) == 0 {
		return m.sink, nil
	}
	return m.ensureSubmetric(tags, e.config).sink, nil
}

// Sink looks up the aggregate for name and an optional tag filter
// without creating anything.
func (e *Engine) Sink(name string, tags Tags) (Sink, bool) {
	m, ok := e.Get(name)
	if !ok {
		return nil, false
	}
	if len(tags) == 0 {
		return m.sink, true
	}
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	sub, ok := m.subIndex[tags.String()]
	if !ok {
		return nil, false
	}
	return sub.sink, true
}

// Value is a convenience lookup of one aggregate; missing metrics read as zero.
func (e *Engine) Value(name string, tags Tags, agg string) float64 {
	sink, ok := e.Sink(name, tags)
	if !ok {
		return 0
	}
	v, _ := sink.Value(agg, e.Elapsed().Seconds())
	return v
}

// SetPhase updates the current test phase.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  int64(e.Value(HTTPReqs, nil, "count")),
	})
}

// GetPhase returns the current test phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// AddActiveVUs adjusts the running VU count by delta.
func (e *Engine) AddActiveVUs(delta int) {
	n := e.activeVUs.Add(int64(delta))
	for {
		max := e.maxVUs.Load()
		if n <= max || e.maxVUs.CompareAndSwap(max, n) {
			return
		}
	}
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

// GetMaxVUs returns the highest active VU count seen so far.
func (e *Engine) GetMaxVUs() int {
	return int(e.maxVUs.Load())
}

// OnTick registers fn to run on every emitter interval and once on Stop.
func (e *Engine) OnTick(fn func()) {
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, fn)
	e.hooksMu.Unlock()
}

// Elapsed returns the time since the engine started, frozen once stopped.
func (e *Engine) Elapsed() time.Duration {
	if end := e.endTime.Load(); end != 0 {
		return time.Unix(0, end).Sub(e.startTime)
	}
	return time.Since(e.startTime)
}

// StartTime returns when the engine was created.
func (e *Engine) StartTime() time.Time {
	return e.startTime
}

func (e *Engine) runEmitter() {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.emitterCtx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	now := time.Now()
	_ = e.Add(Sample{Metric: VUs, Value: float64(e.activeVUs.Load()), Time: now})
	_ = e.Add(Sample{Metric: VUsMax, Value: float64(e.maxVUs.Load()), Time: now})
	e.emitBucket()

	e.hooksMu.Lock()
	hooks := make([]func(), len(e.hooks))
	copy(hooks, e.hooks)
	e.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (e *Engine) emitBucket() {
	e.bucketStore.CreateBucket(TimeBucket{
		TotalRequests:   int64(e.Value(HTTPReqs, nil, "count")),
		TotalFailures:   int64(e.Value(HTTPReqFailed, nil, "passes")),
		TotalIterations: int64(e.Value(Iterations, nil, "count")),
		LatencyP50:      e.Value(HTTPReqDuration, nil, "med"),
		LatencyP95:      e.Value(HTTPReqDuration, nil, "p(95)"),
		LatencyP99:      e.Value(HTTPReqDuration, nil, "p(99)"),
		ActiveVUs:       e.GetActiveVUs(),
		Phase:           e.GetPhase(),
	})
}

// GetSnapshot returns a point-in-time view of the headline metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	elapsed := e.Elapsed()
	requests := int64(e.Value(HTTPReqs, nil, "count"))
	failed := int64(e.Value(HTTPReqFailed, nil, "passes"))

	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(requests) / elapsed.Seconds()
	}
	steadyRPS, steadyBuckets := e.bucketStore.CalculateSteadyStateRPS()
	if steadyBuckets > 0 {
		rps = steadyRPS
	}

	errorRate := 0.0
	if requests > 0 {
		errorRate = float64(failed) / float64(requests)
	}

	return &Snapshot{
		Requests:       requests,
		FailedRequests: failed,
		ErrorRate:      errorRate,
		RPS:            rps,
		SteadyStateRPS: steadyRPS,
		LatencyAvg:     e.Value(HTTPReqDuration, nil, "avg"),
		LatencyP95:     e.Value(HTTPReqDuration, nil, "p(95)"),
		Iterations:     int64(e.Value(Iterations, nil, "count")),
		Dropped:        int64(e.Value(DroppedIterations, nil, "count")),
		ActiveVUs:      e.GetActiveVUs(),
		CurrentPhase:   e.GetPhase(),
		Elapsed:        elapsed,
		StartTime:      e.startTime,
		Timestamp:      time.Now(),
	}
}

// GetTimeSeries returns all time-series buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// Summary returns the aggregates of every metric that received samples,
// each followed by its sub-metrics.
func (e *Engine) Summary() []MetricSummary {
	elapsed := e.Elapsed().Seconds()

	var out []MetricSummary
	for _, name := range e.Names() {
		m, _ := e.Get(name)
		if m.sink.Count() == 0 {
			continue
		}
		out = append(out, MetricSummary{
			Name:     m.Name,
			Type:     m.Type.String(),
			Contains: m.Contains.String(),
			Values:   m.sink.Values(elapsed),
		})

		m.subMu.RLock()
		subs := make([]*Submetric, len(m.subs))
		copy(subs, m.subs)
		m.subMu.RUnlock()

		sort.Slice(subs, func(i, j int) bool {
			return subs[i].Tags.String() < subs[j].Tags.String()
		})
		for _, sub := range subs {
			if sub.sink.Count() == 0 {
				continue
			}
			out = append(out, MetricSummary{
				Name:     m.Name,
				Type:     m.Type.String(),
				Contains: m.Contains.String(),
				Tags:     sub.Tags,
				Values:   sub.sink.Values(elapsed),
			})
		}
	}
	return out
}

// Stop stops the emitter, freezes elapsed time and runs a final tick.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.tick()
		e.endTime.Store(time.Now().UnixNano())
	})
}
