package performance

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	stampedehttp "github.com/wesleyorama2/stampede/internal/http"
	"github.com/wesleyorama2/stampede/internal/performance/data"
	"github.com/wesleyorama2/stampede/internal/performance/flow"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// interruptGrace bounds the wait for interrupted iterations to unwind.
const interruptGrace = 2 * time.Second

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// BaseURL is what relative request paths resolve against
	BaseURL string

	// Timeout for HTTP requests
	Timeout time.Duration

	// UserAgent and Headers are sent with every request
	UserAgent string
	Headers   map[string]string

	// Transport tunes the connection pool
	Transport stampedehttp.TransportConfig

	// UseSharedTransport lets VUs reuse each other's connections.
	// Cookie jars are never shared.
	UseSharedTransport bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout: 30 * time.Second,
		Transport: stampedehttp.TransportConfig{
			MaxIdleConns:    1000,
			IdleConnTimeout: 90 * time.Second,
		},
		UseSharedTransport: true,
	}
}

// SchedulerConfig is everything a scheduler needs to build VUs.
type SchedulerConfig struct {
	// Scenario names the executor the VUs belong to
	Scenario string

	// Flow is what every VU iterates
	Flow *flow.Flow

	Metrics *metrics.Engine
	Logger  *zap.Logger
	HTTP    HTTPClientConfig

	// Tags are attached to every sample of this scenario
	Tags metrics.Tags

	// Globals are the script variables, Env the scenario environment
	Globals map[string]string
	Env     map[string]string

	// SetupData is the read-only result of the setup phase
	SetupData flow.Values

	// Data holds the shared fixtures
	Data *data.Store

	// IDs hands out VU ids. Schedulers of one run share it so ids are
	// unique across scenarios. Nil means a private counter.
	IDs *atomic.Int64
}

// VUScheduler manages the lifecycle of Virtual Users.
//
// It provides:
// - VU pool management (spawning/ stopping VUs)
// - A shared HTTP transport with per-VU cookie jars
// - Graceful shutdown coordination
//
// The scheduler is used by executors to control VU counts.
type VUScheduler struct {
	cfg    SchedulerConfig
	logger *zap.Logger

	vus     map[int]*VirtualUser
	vusMu   sync.RWMutex
	spawned bool
	base    *zap.Logger

	ids *atomic.Int64

	sharedTransport *http.Transport

	shutdownMu   sync.Mutex
	shutdown     bool
	shutdownCh   chan struct{}
	shutdownWg   sync.WaitGroup
	shutdownOnce sync.Once
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(cfg SchedulerConfig) *VUScheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Flow == nil {
		cfg.Flow = &flow.Flow{}
	}
	ids := cfg.IDs
	if ids == nil {
		ids = &atomic.Int64{}
	}

	s := &VUScheduler{
		cfg:        cfg,
		logger:     logger.With(zap.String("scenario", cfg.Scenario)),
		base:       logger,
		vus:        make(map[int]*VirtualUser),
		ids:        ids,
		shutdownCh: make(chan struct{}),
	}
	if cfg.HTTP.UseSharedTransport {
		s.sharedTransport = stampedehttp.NewTransport(cfg.HTTP.Transport)
	}
	return s
}

// Scenario returns the name the scheduler's VUs tag their samples with.
func (s *VUScheduler) Scenario() string {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.cfg.Scenario
}

// BindScenario renames the scenario the VUs belong to. It reports false,
// leaving the name unchanged, once a VU has been spawned.
func (s *VUScheduler) BindScenario(name string) bool {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()
	if s.cfg.Scenario == name {
		return true
	}
	if s.spawned {
		s.logger.Warn("VUs already spawned, keeping scenario name", zap.String("requested", name))
		return false
	}
	s.cfg.Scenario = name
	s.logger = s.base.With(zap.String("scenario", name))
	return true
}

// newClient builds a VU client with its own cookie jar.
func (s *VUScheduler) newClient() *stampedehttp.Client {
	transport := s.sharedTransport
	if transport == nil {
		transport = stampedehttp.NewTransport(s.cfg.HTTP.Transport)
	}
	return newClient(s.cfg.HTTP, transport)
}

// NewHTTPClient builds a standalone client with a private transport and
// cookie jar, as used by setup and teardown.
func NewHTTPClient(cfg HTTPClientConfig) *stampedehttp.Client {
	return newClient(cfg, stampedehttp.NewTransport(cfg.Transport))
}

func newClient(cfg HTTPClientConfig, transport http.RoundTripper) *stampedehttp.Client {
	opts := []stampedehttp.ClientOption{
		stampedehttp.WithTransport(transport),
		stampedehttp.WithCookieJar(stampedehttp.NewCookieJar()),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, stampedehttp.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, stampedehttp.WithTimeout(cfg.Timeout))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, stampedehttp.WithUserAgent(cfg.UserAgent))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, stampedehttp.WithHeader(k, v))
	}
	return stampedehttp.NewClient(opts...)
}

// SpawnVU creates and returns a new Virtual User.
//
// The VU is registered with the scheduler but not started.
// The caller is responsible for running the VU and calling MarkStopped.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.ids.Add(1))

	s.vusMu.Lock()
	s.spawned = true
	scenario, logger := s.cfg.Scenario, s.logger
	s.vusMu.Unlock()

	rt := &flow.Runtime{
		VU:        id,
		Scenario:  scenario,
		Client:    s.newClient(),
		Metrics:   s.cfg.Metrics,
		Logger:    logger.With(zap.Int("vu", id)),
		Tags:      s.cfg.Tags,
		Globals:   s.cfg.Globals,
		Env:       s.cfg.Env,
		Locals:    flow.NewScope(),
		SetupData: s.cfg.SetupData,
		Data:      s.cfg.Data,
	}

	vu := NewVirtualUser(id, s.cfg.Flow, rt)
	vu.onStopped = s.release

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AddActiveVUs(1)
	}
	return vu
}

// release forgets a stopped VU.
func (s *VUScheduler) release(vu *VirtualUser) {
	s.vusMu.Lock()
	_, exists := s.vus[vu.ID]
	delete(s.vus, vu.ID)
	s.vusMu.Unlock()

	if exists && s.cfg.Metrics != nil {
		s.cfg.Metrics.AddActiveVUs(-1)
	}
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUs returns all VUs not yet asked to stop, ordered by ID.
func (s *VUScheduler) GetActiveVUs() []*VirtualUser {
	s.vusMu.RLock()
	result := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		if !vu.Stopping() {
			result = append(result, vu)
		}
	}
	s.vusMu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetActiveVUCount returns the count of VUs not yet asked to stop.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if !vu.Stopping() {
			count++
		}
	}
	return count
}

// StopVU requests a specific VU to stop.
func (s *VUScheduler) StopVU(id int) {
	if vu := s.GetVU(id); vu != nil {
		vu.RequestStop()
	}
}

// StopAllVUs requests all VUs to stop.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// InterruptAll cancels every iteration in flight.
func (s *VUScheduler) InterruptAll() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.Interrupt()
	}
}

// RemoveVU stops and forgets a VU.
func (s *VUScheduler) RemoveVU(id int) {
	if vu := s.GetVU(id); vu != nil {
		vu.MarkStopped()
	}
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns the number of VUs that did not stop within the timeout.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		vus = append(vus, vu)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 || !vu.WaitForStop(remaining) {
			notStopped++
		}
	}
	return notStopped
}

// track registers a VU goroutine for Shutdown. It returns false once the
// scheduler is shutting down.
func (s *VUScheduler) track() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.shutdown {
		return false
	}
	s.shutdownWg.Add(1)
	return true
}

// RunVU runs iterations on vu until it is stopped or ctx is cancelled.
//
// This is a helper method for executors. It runs iterations continuously
// and handles the VU lifecycle automatically.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser, pacing *Pacing) {
	s.RunVUWhile(ctx, vu, pacing, nil)
}

// RunVUWhile is RunVU that also stops once next returns false. next is
// consulted after pacing, right before every iteration.
func (s *VUScheduler) RunVUWhile(ctx context.Context, vu *VirtualUser, pacing *Pacing, next func() bool) {
	defer vu.MarkStopped()
	if !s.track() {
		return
	}
	defer s.shutdownWg.Done()

	for first := true; ; first = false {
		if ctx.Err() != nil || vu.Stopping() {
			return
		}
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		if !first && !s.pace(ctx, vu, pacing) {
			return
		}
		if next != nil && !next() {
			return
		}

		err := vu.RunIteration(ctx)
		if errors.Is(err, ErrIterationInterrupted) || errors.Is(err, ErrVUStopped) || ctx.Err() != nil {
			return
		}
	}
}

// pace waits between iterations. It returns false when the VU should stop.
func (s *VUScheduler) pace(ctx context.Context, vu *VirtualUser, pacing *Pacing) bool {
	wait := pacing.Next()
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.shutdownCh:
		return false
	case <-vu.Stopped():
		return false
	case <-timer.C:
		return true
	}
}

// Run executes a single iteration on vu, for executors that hand out
// iterations to a pool themselves.
func (s *VUScheduler) Run(ctx context.Context, vu *VirtualUser) error {
	if !s.track() {
		return ErrVUStopped
	}
	defer s.shutdownWg.Done()
	return vu.RunIteration(ctx)
}

// Shutdown stops all VUs, waits up to timeout for their iterations to
// finish, then interrupts whatever is still running.
//
// Returns true if every iteration finished within timeout.
func (s *VUScheduler) Shutdown(timeout time.Duration) bool {
	s.shutdownOnce.Do(func() {
		s.shutdownMu.Lock()
		s.shutdown = true
		s.shutdownMu.Unlock()
		close(s.shutdownCh)
	})

	s.StopAllVUs()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	graceful := true
	timer := time.NewTimer(timeout)
	select {
	case <-done:
	case <-timer.C:
		graceful = false
		s.logger.Debug("graceful stop expired, interrupting iterations", zap.Duration("timeout", timeout))
		s.InterruptAll()

		grace := time.NewTimer(interruptGrace)
		select {
		case <-done:
		case <-grace.C:
			s.logger.Warn("iterations ignored cancellation", zap.Int("vus", s.GetVUCount()))
		}
		grace.Stop()
	}
	timer.Stop()

	// VUs that never ran still hold an active-VU slot.
	s.vusMu.RLock()
	idle := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		if vu.GetState() != VUStateRunning {
			idle = append(idle, vu)
		}
	}
	s.vusMu.RUnlock()
	for _, vu := range idle {
		vu.MarkStopped()
	}

	if s.sharedTransport != nil {
		s.sharedTransport.CloseIdleConnections()
	}
	return graceful
}

// GetVUCount returns the count of registered VUs, stopping ones included.
func (s *VUScheduler) GetVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return len(s.vus)
}

// ScaleVUs adjusts the VU count to the target.
//
// This is a helper for ramping executors. It spawns or stops VUs
// as needed to reach the target count. Removed VUs are the most recently
// spawned ones; they may finish their iteration within rampDown.
//
// Parameters:
//   - target: Target number of VUs
//   - rampDown: How long a removed VU may finish its iteration
//   - onSpawn: Callback when a new VU is spawned (for goroutine management)
//
// Returns:
//   - Current VU count after adjustment
func (s *VUScheduler) ScaleVUs(target int, rampDown time.Duration, onSpawn func(*VirtualUser)) int {
	active := s.GetActiveVUs()
	current := len(active)

	if target > current {
		for i := current; i < target; i++ {
			vu := s.SpawnVU()
			if onSpawn != nil {
				onSpawn(vu)
			}
		}
	} else if target < current {
		for i := current - 1; i >= target; i-- {
			vu := active[i]
			vu.RequestStop()
			if rampDown > 0 {
				time.AfterFunc(rampDown, vu.Interrupt)
			} else {
				vu.Interrupt()
			}
		}
	}

	return s.GetActiveVUCount()
}
