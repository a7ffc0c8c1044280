package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/rate"
)

// base holds the bookkeeping every executor shares: configuration, timing,
// iteration counters and early-stop wiring.
type base struct {
	config    *Config
	scheduler *performance.VUScheduler
	metrics   *metrics.Engine
	tags      metrics.Tags

	// State
	startTime  time.Time
	running    atomic.Bool
	finished   atomic.Bool
	iterations atomic.Int64
	dropped    atomic.Int64

	// Cancellation
	cancelMu   sync.Mutex // Protects cancelFunc and stopped
	cancelFunc context.CancelFunc
	stopped    bool

	mu sync.RWMutex // Protects startTime
}

func (b *base) init(t Type, config *Config) error {
	if config.Type != t {
		return fmt.Errorf("invalid config type: expected %s, got %s", t, config.Type)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	b.config = config
	b.tags = metrics.Tags(config.Tags).With("scenario", config.Name)
	return nil
}

// start marks the executor running and returns the context bounding its
// schedule. A zero d means no time bound.
func (b *base) start(ctx context.Context, scheduler *performance.VUScheduler, m *metrics.Engine, d time.Duration) (context.Context, context.CancelFunc) {
	b.scheduler = scheduler
	b.metrics = m
	scheduler.BindScenario(b.config.Name)

	b.mu.Lock()
	b.startTime = time.Now()
	b.mu.Unlock()
	b.running.Store(true)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	b.cancelMu.Lock()
	b.cancelFunc = cancel
	stopped := b.stopped
	b.cancelMu.Unlock()
	if stopped {
		cancel()
	}
	return runCtx, cancel
}

// finish gives iterations in flight the graceful stop, then interrupts them.
func (b *base) finish() {
	b.scheduler.Shutdown(b.config.GracefulStop)
	b.running.Store(false)
	b.finished.Store(true)
}

func (b *base) elapsed() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.startTime.IsZero() {
		return 0
	}
	return time.Since(b.startTime)
}

func (b *base) started() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startTime
}

// timeProgress reports elapsed time against total.
func (b *base) timeProgress(total time.Duration) float64 {
	if !b.running.Load() {
		if b.finished.Load() {
			return 1.0
		}
		return 0.0
	}
	if total <= 0 {
		return 1.0
	}

	progress := float64(b.elapsed()) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// drop records an iteration that could not be started.
func (b *base) drop() {
	b.dropped.Add(1)
	if b.metrics != nil {
		_ = b.metrics.Emit(metrics.DroppedIterations, 1, b.tags)
	}
}

func (b *base) setPhase(p metrics.Phase) {
	if b.metrics != nil && b.metrics.GetPhase() != p {
		b.metrics.SetPhase(p)
	}
}

// GetActiveVUs returns current active VU count.
func (b *base) GetActiveVUs() int {
	if b.scheduler == nil {
		return 0
	}
	return b.scheduler.GetActiveVUCount()
}

// Stop ends the schedule early; Run still drains iterations in flight.
func (b *base) Stop(ctx context.Context) error {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	b.stopped = true
	if b.cancelFunc != nil {
		b.cancelFunc()
	}
	return nil
}

func (b *base) stats() *Stats {
	return &Stats{
		StartTime:         b.started(),
		CurrentTime:       time.Now(),
		Elapsed:           b.elapsed(),
		TotalDuration:     b.config.TotalDuration(),
		ActiveVUs:         b.GetActiveVUs(),
		Iterations:        b.iterations.Load(),
		DroppedIterations: b.dropped.Load(),
	}
}

// vuPool hands out idle VUs to arrival-rate executors, spawning new ones
// up to max.
type vuPool struct {
	scheduler *performance.VUScheduler
	idle      chan *performance.VirtualUser
	max       int

	mu    sync.Mutex
	total int
}

func newVUPool(scheduler *performance.VUScheduler, preAllocated, max int) *vuPool {
	p := &vuPool{
		scheduler: scheduler,
		idle:      make(chan *performance.VirtualUser, max),
		max:       max,
	}
	for i := 0; i < preAllocated; i++ {
		p.idle <- scheduler.SpawnVU()
		p.total++
	}
	return p
}

// acquire returns a free VU without blocking, or false when every VU is
// busy and the pool is at its maximum.
func (p *vuPool) acquire() (*performance.VirtualUser, bool) {
	select {
	case vu := <-p.idle:
		return vu, true
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total >= p.max {
		return nil, false
	}
	p.total++
	return p.scheduler.SpawnVU(), true
}

func (p *vuPool) release(vu *performance.VirtualUser) {
	if vu.Stopping() {
		return
	}
	select {
	case p.idle <- vu:
	default:
	}
}

func (p *vuPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// whileRunning is a RunVUWhile condition that counts iterations until
// runCtx ends.
func (b *base) whileRunning(runCtx context.Context) func() bool {
	return func() bool {
		if runCtx.Err() != nil {
			return false
		}
		b.iterations.Add(1)
		return true
	}
}

// runArrivals starts one iteration per pacer slot until runCtx ends. A slot
// with no free VU is dropped rather than queued.
func (b *base) runArrivals(ctx, runCtx context.Context, pacer *rate.Pacer, pool *vuPool, wg *sync.WaitGroup) {
	for {
		if _, err := pacer.Wait(runCtx); err != nil {
			return
		}
		if runCtx.Err() != nil {
			return
		}

		vu, ok := pool.acquire()
		if !ok {
			b.drop()
			continue
		}

		b.iterations.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pool.release(vu)
			_ = b.scheduler.Run(ctx, vu)
		}()
	}
}

// iterationProgress reports started iterations against total.
func (b *base) iterationProgress(total int64) float64 {
	if b.finished.Load() {
		return 1.0
	}
	if total <= 0 {
		return 0.0
	}
	progress := float64(b.iterations.Load()) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// waitOrDone blocks until wg is done or ctx ends.
func waitOrDone(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
