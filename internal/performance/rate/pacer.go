// Package rate schedules iteration starts for arrival-rate executors.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pacer hands out iteration start times at a fixed rate.
//
// It works like a leaky bucket: a virtual drip time advances by 1/rate per
// slot. When the caller falls behind, slots are released immediately but at
// most maxBurst of them accumulate, so a stalled consumer does not trigger a
// flood once it recovers.
//
// # Thread Safety
//
// Pacer is safe for concurrent use from multiple goroutines.
//
// # Example
//
//	p := NewPacer(50, time.Second) // 50 iterations per second
//	for {
//	    if _, err := p.Wait(ctx); err != nil {
//	        return
//	    }
//	    // start iteration
//	}
type Pacer struct {
	mu          sync.Mutex
	perSecond   float64
	lastDrip    time.Time
	accumulated float64
	maxBurst    float64

	slots    atomic.Int64
	waitNano atomic.Int64
}

// NewPacer creates a pacer releasing rate slots per timeUnit.
// A zero timeUnit means one second.
func NewPacer(rate float64, timeUnit time.Duration) *Pacer {
	return &Pacer{
		perSecond: PerSecond(rate, timeUnit),
		lastDrip:  time.Now(),
		maxBurst:  1.0,
	}
}

// PerSecond converts a rate per timeUnit into a rate per second.
func PerSecond(rate float64, timeUnit time.Duration) float64 {
	if timeUnit <= 0 {
		timeUnit = time.Second
	}
	return rate * float64(time.Second) / float64(timeUnit)
}

// Next reserves the next slot and returns when it starts.
// The returned time is now if the pacer is behind schedule.
func (p *Pacer) Next() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.slots.Add(1)

	if p.perSecond <= 0 {
		// Paused; park the slot one second out and re-check then.
		p.lastDrip = now.Add(time.Second)
		return p.lastDrip
	}

	elapsed := now.Sub(p.lastDrip).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	p.accumulated += elapsed * p.perSecond
	if p.accumulated > p.maxBurst {
		p.accumulated = p.maxBurst
	}

	if p.accumulated >= 1.0 {
		p.accumulated -= 1.0
		p.lastDrip = now
		return now
	}

	wait := time.Duration((1.0 - p.accumulated) / p.perSecond * float64(time.Second))
	p.accumulated = 0

	// Advance the drip to the slot itself so waking at it does not
	// accumulate a second slot.
	next := now.Add(wait)
	p.lastDrip = next
	p.waitNano.Add(int64(wait))
	return next
}

// Wait blocks until the next slot and returns its scheduled time.
func (p *Pacer) Wait(ctx context.Context) (time.Time, error) {
	next := p.Next()

	d := time.Until(next)
	if d <= 0 {
		return next, ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return next, ctx.Err()
	case <-timer.C:
		return next, nil
	}
}

// SetRate changes the rate without carrying over accumulated slots.
func (p *Pacer) SetRate(rate float64, timeUnit time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.perSecond = PerSecond(rate, timeUnit)
	p.accumulated = 0
	p.lastDrip = time.Now()
}

// PerSecondRate returns the current rate in slots per second.
func (p *Pacer) PerSecondRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perSecond
}

// SetMaxBurst sets how many slots may accumulate while behind. Minimum 1.
func (p *Pacer) SetMaxBurst(burst float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if burst < 1.0 {
		burst = 1.0
	}
	p.maxBurst = burst
}

// Stats returns counters about the pacer's operation.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	perSecond, burst := p.perSecond, p.maxBurst
	p.mu.Unlock()

	return Stats{
		PerSecond: perSecond,
		MaxBurst:  burst,
		Slots:     p.slots.Load(),
		Waited:    time.Duration(p.waitNano.Load()),
	}
}

// Stats contains statistics about a pacer.
type Stats struct {
	PerSecond float64       `json:"perSecond"`
	MaxBurst  float64       `json:"maxBurst"`
	Slots     int64         `json:"slots"`
	Waited    time.Duration `json:"waited"`
}
