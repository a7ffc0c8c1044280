package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine(t *testing.T) {
	engine := NewEngine()
	if engine == nil {
		t.Fatal("NewEngine() returned nil")
	}
	defer engine.Stop()

	snapshot := engine.GetSnapshot()
	if snapshot.Requests != 0 {
		t.Errorf("Initial Requests = %d, want 0", snapshot.Requests)
	}
	if snapshot.CurrentPhase != PhaseInit {
		t.Errorf("Initial phase = %v, want %v", snapshot.CurrentPhase, PhaseInit)
	}

	for _, def := range Builtins() {
		m, ok := engine.Get(def.Name)
		if !ok {
			t.Errorf("builtin %s not registered", def.Name)
			continue
		}
		if m.Type != def.Type {
			t.Errorf("builtin %s type = %v, want %v", def.Name, m.Type, def.Type)
		}
	}
}

func TestEngine_TrendPercentiles(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	for _, v := range []float64{10, 20, 30, 40, 50} {
		require.NoError(t, engine.Emit(HTTPReqDuration, v, nil))
	}

	assert.InDelta(t, 30, engine.Value(HTTPReqDuration, nil, "med"), 0.5)
	assert.InDelta(t, 30, engine.Value(HTTPReqDuration, nil, "p(50)"), 0.5)
	assert.Equal(t, 50.0, engine.Value(HTTPReqDuration, nil, "max"))
	assert.Equal(t, 10.0, engine.Value(HTTPReqDuration, nil, "min"))
	assert.Equal(t, 30.0, engine.Value(HTTPReqDuration, nil, "avg"))
	assert.Equal(t, 5.0, engine.Value(HTTPReqDuration, nil, "count"))
	assert.LessOrEqual(t, engine.Value(HTTPReqDuration, nil, "p(99)"), 50.0)
}

func TestEngine_CounterAndRate(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	require.NoError(t, engine.Emit(HTTPReqs, 1, nil))
	require.NoError(t, engine.Emit(HTTPReqs, 1, nil))
	require.NoError(t, engine.Emit(HTTPReqs, 1, nil))
	require.NoError(t, engine.Emit(HTTPReqFailed, 0, nil))
	require.NoError(t, engine.Emit(HTTPReqFailed, 0, nil))
	require.NoError(t, engine.Emit(HTTPReqFailed, 1, nil))
	require.NoError(t, engine.Emit(DataReceived, 1500, nil))
	require.NoError(t, engine.Emit(DataReceived, 500, nil))

	assert.Equal(t, 3.0, engine.Value(HTTPReqs, nil, "count"))
	assert.InDelta(t, 1.0/3.0, engine.Value(HTTPReqFailed, nil, "rate"), 1e-9)
	assert.Equal(t, 1.0, engine.Value(HTTPReqFailed, nil, "passes"))
	assert.Equal(t, 2.0, engine.Value(HTTPReqFailed, nil, "fails"))
	assert.Equal(t, 2000.0, engine.Value(DataReceived, nil, "count"))

	snapshot := engine.GetSnapshot()
	assert.Equal(t, int64(3), snapshot.Requests)
	assert.Equal(t, int64(1), snapshot.FailedRequests)
	assert.InDelta(t, 1.0/3.0, snapshot.ErrorRate, 1e-9)
}

func TestEngine_UnknownMetric(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	err := engine.Emit("no_such_metric", 1, nil)
	require.ErrorIs(t, err, ErrUnknownMetric)

	_, err = engine.Submetric("no_such_metric", Tags{"a": "b"})
	require.ErrorIs(t, err, ErrUnknownMetric)
}

func TestEngine_RegisterCustom(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	m, err := engine.Register(Definition{Name: "login_time", Type: Trend, Contains: Time})
	require.NoError(t, err)
	assert.Equal(t, Trend, m.Type)

	again, err := engine.Register(Definition{Name: "login_time", Type: Trend})
	require.NoError(t, err)
	assert.Same(t, m, again)

	_, err = engine.Register(Definition{Name: "login_time", Type: Counter})
	assert.Error(t, err)

	_, err = engine.Register(Definition{})
	assert.Error(t, err)
}

func TestEngine_BreakdownSubmetrics(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	require.NoError(t, engine.Emit(StepDuration, 10, Tags{"step": "auth", "scenario": "main"}))
	require.NoError(t, engine.Emit(StepDuration, 20, Tags{"step": "infoUser", "scenario": "main"}))
	require.NoError(t, engine.Emit(StepDuration, 30, Tags{"step": "infoUser", "scenario": "main"}))

	auth, ok := engine.Sink(StepDuration, Tags{"step": "auth"})
	require.True(t, ok)
	assert.Equal(t, int64(1), auth.Count())

	info, ok := engine.Sink(StepDuration, Tags{"step": "infoUser"})
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Count())

	scenario, ok := engine.Sink(StepDuration, Tags{"scenario": "main"})
	require.True(t, ok)
	assert.Equal(t, int64(3), scenario.Count())

	_, ok = engine.Sink(StepDuration, Tags{"step": "missing"})
	assert.False(t, ok)
}

func TestEngine_ExplicitSubmetricFilter(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	sink, err := engine.Submetric(HTTPReqDuration, Tags{"status": "200", "method": "GET"})
	require.NoError(t, err)

	require.NoError(t, engine.Emit(HTTPReqDuration, 5, Tags{"status": "200", "method": "GET", "name": "a"}))
	require.NoError(t, engine.Emit(HTTPReqDuration, 7, Tags{"status": "500", "method": "GET"}))
	require.NoError(t, engine.Emit(HTTPReqDuration, 9, Tags{"status": "200", "method": "POST"}))

	assert.Equal(t, int64(1), sink.Count())
	v, ok := sink.Value("max", 0)
	require.True(t, ok)
	assert.Equal(t, 5.0, v)
}

func TestEngine_Summary(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	require.NoError(t, engine.Emit(Iterations, 1, Tags{"scenario": "s1"}))
	require.NoError(t, engine.Emit(IterationDuration, 12, Tags{"scenario": "s1"}))

	summary := engine.Summary()

	var names []string
	for _, s := range summary {
		names = append(names, s.DisplayName())
	}
	assert.Contains(t, names, "iterations")
	assert.Contains(t, names, "iterations{scenario:s1}")
	assert.Contains(t, names, "iteration_duration")
	assert.NotContains(t, names, "http_reqs")

	for _, s := range summary {
		if s.Name == IterationDuration && len(s.Tags) == 0 {
			assert.Equal(t, "trend", s.Type)
			assert.Equal(t, "time", s.Contains)
			assert.Equal(t, 12.0, s.Values["max"])
		}
	}
}

func TestEngine_Phase(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	engine.SetPhase(PhaseRampUp)
	engine.SetPhase(PhaseRampUp)
	engine.SetPhase(PhaseSteady)

	if engine.GetPhase() != PhaseSteady {
		t.Errorf("phase = %v, want %v", engine.GetPhase(), PhaseSteady)
	}

	history := engine.GetPhaseHistory()
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Phase != PhaseRampUp || history[1].Phase != PhaseSteady {
		t.Errorf("history = %+v", history)
	}
}

func TestEngine_ActiveVUs(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	engine.AddActiveVUs(5)
	engine.AddActiveVUs(-2)

	if got := engine.GetActiveVUs(); got != 3 {
		t.Errorf("GetActiveVUs() = %d, want 3", got)
	}

	engine.Stop()
	assert.Equal(t, 3.0, engine.Value(VUs, nil, "value"))
	assert.Equal(t, 5.0, engine.Value(VUsMax, nil, "value"))
}

func TestEngine_ConcurrentEmit(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(vu int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = engine.Emit(HTTPReqs, 1, Tags{"scenario": "load"})
				_ = engine.Emit(HTTPReqDuration, float64(j), Tags{"scenario": "load"})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2000.0, engine.Value(HTTPReqs, nil, "count"))
	assert.Equal(t, 2000.0, engine.Value(HTTPReqs, Tags{"scenario": "load"}, "count"))
	assert.Equal(t, 2000.0, engine.Value(HTTPReqDuration, nil, "count"))
}

func TestEngine_TimeSeriesAndTick(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.BucketInterval = 20 * time.Millisecond
	engine := NewEngineWithConfig(cfg)
	defer engine.Stop()

	var mu sync.Mutex
	ticks := 0
	engine.OnTick(func() {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	require.NoError(t, engine.Emit(HTTPReqs, 1, nil))
	require.NoError(t, engine.Emit(HTTPReqFailed, 0, nil))

	require.Eventually(t, func() bool {
		return len(engine.GetTimeSeries()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	var total int64
	for _, b := range engine.GetTimeSeries() {
		total += b.IntervalRequests
	}
	assert.Equal(t, int64(1), total)

	mu.Lock()
	assert.GreaterOrEqual(t, ticks, 1)
	mu.Unlock()
}

func TestEngine_ElapsedFrozenAfterStop(t *testing.T) {
	engine := NewEngine()
	engine.Stop()

	first := engine.Elapsed()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, first, engine.Elapsed())

	// Stop is idempotent.
	engine.Stop()
}

func TestEngineWithConfig_Defaults(t *testing.T) {
	engine := NewEngineWithConfig(EngineConfig{})
	defer engine.Stop()

	assert.Equal(t, time.Second, engine.config.BucketInterval)
	assert.Equal(t, int64(3), int64(engine.config.HistogramSigFigs))
}
