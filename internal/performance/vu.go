// Package performance runs virtual users that execute flows.
package performance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/flow"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is actively running an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrVUStopped is returned by RunIteration once the VU was asked to stop.
	ErrVUStopped = errors.New("vu is stopping or stopped")

	// ErrIterationInterrupted is returned when an iteration was cancelled
	// before it completed.
	ErrIterationInterrupted = errors.New("iteration interrupted")

	errInterrupted = errors.New("interrupted by executor")
)

// VirtualUser represents a single simulated user executing iterations.
//
// Each VU has its own:
// - HTTP client with a private cookie jar
// - Variable scope persisting across iterations (Runtime.Locals)
// - Iteration counter
// - Lifecycle management
//
// Iterations of one VU run strictly one after another.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	// Flow is what every iteration executes
	Flow *flow.Flow

	// Runtime carries the per-VU client, scope and metrics
	Runtime *flow.Runtime

	tags   metrics.Tags
	logger *zap.Logger

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once

	onStopped func(*VirtualUser)

	iteration atomic.Int64

	mu            sync.Mutex
	cancelIter    context.CancelCauseFunc
	lastIterStart time.Time
	lastIterEnd   time.Time
}

// NewVirtualUser creates a VU running f with the state in rt.
func NewVirtualUser(id int, f *flow.Flow, rt *flow.Runtime) *VirtualUser {
	rt.VU = id
	if rt.Locals == nil {
		rt.Locals = flow.NewScope()
	}
	logger := rt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tags := rt.Tags.Merge(nil)
	if rt.Scenario != "" {
		tags["scenario"] = rt.Scenario
	}

	return &VirtualUser{
		ID:      id,
		Flow:    f,
		Runtime: rt,
		tags:    tags,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// Stopping reports whether the VU was asked to stop or has stopped.
func (vu *VirtualUser) Stopping() bool {
	s := vu.GetState()
	return s == VUStateStopping || s == VUStateStopped
}

// RunIteration executes the flow once.
//
// Returns:
//   - nil if the iteration completed, even when some checks failed
//   - the flow error if the iteration ended early
//   - ErrIterationInterrupted if ctx was cancelled or Interrupt was called
//   - ErrVUStopped if the VU is stopping
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	if vu.Stopping() {
		return ErrVUStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	iterCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	vu.mu.Lock()
	vu.cancelIter = cancel
	vu.lastIterStart = time.Now()
	vu.mu.Unlock()

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	n := vu.iteration.Add(1)
	it := vu.Runtime.NewIteration(n)

	start := time.Now()
	err := vu.Flow.Run(iterCtx, it)
	elapsed := time.Since(start)

	vu.mu.Lock()
	vu.cancelIter = nil
	vu.lastIterEnd = time.Now()
	vu.mu.Unlock()
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))

	if err != nil && iterCtx.Err() != nil {
		vu.emit(metrics.InterruptedIterations, 1)
		vu.logger.Debug("iteration interrupted",
			zap.Int64("iter", n), zap.NamedError("cause", context.Cause(iterCtx)))
		return ErrIterationInterrupted
	}

	vu.emit(metrics.Iterations, 1)
	vu.emit(metrics.IterationDuration, float64(elapsed)/float64(time.Millisecond))
	failed := 0.0
	if err != nil {
		failed = 1
		vu.logger.Debug("iteration failed", zap.Int64("iter", n), zap.Error(err))
	}
	vu.emit(metrics.IterationFailed, failed)
	return err
}

func (vu *VirtualUser) emit(name string, value float64) {
	m := vu.Runtime.Metrics
	if m == nil {
		return
	}
	if err := m.Add(metrics.Sample{Metric: name, Value: value, Tags: vu.tags, Time: time.Now()}); err != nil {
		vu.logger.Debug("dropping sample", zap.String("metric", name), zap.Error(err))
	}
}

// Interrupt cancels the iteration in flight, if any.
func (vu *VirtualUser) Interrupt() {
	vu.mu.Lock()
	cancel := vu.cancelIter
	vu.mu.Unlock()
	if cancel != nil {
		cancel(errInterrupted)
	}
}

// Stopped returns a channel closed once RequestStop was called.
func (vu *VirtualUser) Stopped() <-chan struct{} {
	return vu.stopCh
}

// RequestStop signals the VU to stop after completing the current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		vu.stopOnce.Do(func() { close(vu.stopCh) })
	}
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped marks the VU as fully stopped.
// Should be called by whoever ran the VU once it will run no more iterations.
func (vu *VirtualUser) MarkStopped() {
	vu.state.Store(int32(VUStateStopped))
	vu.stopOnce.Do(func() { close(vu.stopCh) })
	vu.doneOnce.Do(func() {
		close(vu.doneCh)
		if vu.onStopped != nil {
			vu.onStopped(vu)
		}
	})
}

// LastIteration returns the bounds of the most recent iteration.
func (vu *VirtualUser) LastIteration() (start, end time.Time) {
	vu.mu.Lock()
	defer vu.mu.Unlock()
	return vu.lastIterStart, vu.lastIterEnd
}

// SetData stores a value that persists across this VU's iterations.
func (vu *VirtualUser) SetData(key string, value any) {
	vu.Runtime.Locals.Set(key, value)
}

// GetData retrieves a VU-persistent value.
func (vu *VirtualUser) GetData(key string) (any, bool) {
	return vu.Runtime.Locals.Get(key)
}

// ClearData removes a VU-persistent value.
func (vu *VirtualUser) ClearData(key string) {
	vu.Runtime.Locals.Delete(key)
}
