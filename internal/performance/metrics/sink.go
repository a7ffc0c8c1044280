package metrics

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Sink aggregates the samples of one metric (or one tag-filtered view of it).
type Sink interface {
	Add(value float64)
	// Value returns the aggregate named agg, e.g. "count", "rate", "avg", "p(95)".
	Value(agg string, elapsedSeconds float64) (float64, bool)
	// Values returns every aggregate the sink reports in summaries.
	Values(elapsedSeconds float64) map[string]float64
	Count() int64
}

func newSink(t MetricType, cfg EngineConfig) Sink {
	switch t {
	case Counter:
		return &CounterSink{}
	case Gauge:
		return newGaugeSink()
	case Rate:
		return &RateSink{}
	default:
		return newTrendSink(cfg)
	}
}

// atomicFloat is a float64 updated with compare-and-swap.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) Load() float64 { return math.Float64frombits(f.bits.Load()) }

// CounterSink sums sample values.
type CounterSink struct {
	sum   atomicFloat
	count atomic.Int64
}

func (s *CounterSink) Add(value float64) {
	s.sum.Add(value)
	s.count.Add(1)
}

func (s *CounterSink) Count() int64 { return s.count.Load() }

func (s *CounterSink) Value(agg string, elapsed float64) (float64, bool) {
	switch agg {
	case "count":
		return s.sum.Load(), true
	case "rate":
		if elapsed <= 0 {
			return 0, true
		}
		return s.sum.Load() / elapsed, true
	}
	return 0, false
}

func (s *CounterSink) Values(elapsed float64) map[string]float64 {
	count, _ := s.Value("count", elapsed)
	rate, _ := s.Value("rate", elapsed)
	return map[string]float64{"count": count, "rate": rate}
}

// GaugeSink keeps the latest value.
type GaugeSink struct {
	mu    sync.Mutex
	value float64
	min   float64
	max   float64
	count int64
}

func newGaugeSink() *GaugeSink {
	return &GaugeSink{min: math.Inf(1), max: math.Inf(-1)}
}

func (s *GaugeSink) Add(value float64) {
	s.mu.Lock()
	s.value = value
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
	s.count++
	s.mu.Unlock()
}

func (s *GaugeSink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *GaugeSink) Value(agg string, _ float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		switch agg {
		case "value", "min", "max":
			return 0, true
		}
		return 0, false
	}
	switch agg {
	case "value":
		return s.value, true
	case "min":
		return s.min, true
	case "max":
		return s.max, true
	}
	return 0, false
}

func (s *GaugeSink) Values(elapsed float64) map[string]float64 {
	out := make(map[string]float64, 3)
	for _, agg := range []string{"value", "min", "max"} {
		out[agg], _ = s.Value(agg, elapsed)
	}
	return out
}

// RateSink tracks how many samples were non-zero.
type RateSink struct {
	trues atomic.Int64
	total atomic.Int64
}

func (s *RateSink) Add(value float64) {
	if value != 0 {
		s.trues.Add(1)
	}
	s.total.Add(1)
}

func (s *RateSink) Count() int64 { return s.total.Load() }

func (s *RateSink) Value(agg string, _ float64) (float64, bool) {
	switch agg {
	case "rate":
		total := s.total.Load()
		if total == 0 {
			return 0, true
		}
		return float64(s.trues.Load()) / float64(total), true
	case "passes":
		return float64(s.trues.Load()), true
	case "fails":
		return float64(s.total.Load() - s.trues.Load()), true
	}
	return 0, false
}

func (s *RateSink) Values(elapsed float64) map[string]float64 {
	out := make(map[string]float64, 3)
	for _, agg := range []string{"rate", "passes", "fails"} {
		out[agg], _ = s.Value(agg, elapsed)
	}
	return out
}

// trendScale converts sample values into histogram units (1/1000 of a value).
const trendScale = 1000

// TrendSink keeps an HDR histogram plus exact min, max and sum.
//
// HDR histogram RecordValue is NOT thread-safe, so every access holds mu.
type TrendSink struct {
	mu    sync.Mutex
	hist  *hdrhistogram.Histogram
	max   float64
	min   float64
	sum   float64
	count int64
	limit int64
}

func newTrendSink(cfg EngineConfig) *TrendSink {
	return &TrendSink{
		hist:  hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
		min:   math.Inf(1),
		max:   math.Inf(-1),
		limit: cfg.HistogramMax,
	}
}

func (s *TrendSink) Add(value float64) {
	scaled := int64(math.Round(value * trendScale))
	if scaled < 0 {
		scaled = 0
	}
	if scaled > s.limit {
		scaled = s.limit
	}

	s.mu.Lock()
	_ = s.hist.RecordValue(scaled)
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
	s.sum += value
	s.count++
	s.mu.Unlock()
}

func (s *TrendSink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Percentile returns the value at quantile q (0-100).
func (s *TrendSink) Percentile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percentileLocked(q)
}

func (s *TrendSink) percentileLocked(q float64) float64 {
	if s.count == 0 {
		return 0
	}
	v := float64(s.hist.ValueAtQuantile(q)) / trendScale
	// Histogram buckets round up; never report past the exact bounds.
	if v > s.max {
		v = s.max
	}
	if v < s.min {
		v = s.min
	}
	return v
}

func (s *TrendSink) Value(agg string, _ float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := parsePercentile(agg); ok {
		return s.percentileLocked(q), true
	}

	switch agg {
	case "count":
		return float64(s.count), true
	case "avg":
		if s.count == 0 {
			return 0, true
		}
		return s.sum / float64(s.count), true
	case "min":
		if s.count == 0 {
			return 0, true
		}
		return s.min, true
	case "max":
		if s.count == 0 {
			return 0, true
		}
		return s.max, true
	case "med":
		return s.percentileLocked(50), true
	}
	return 0, false
}

func (s *TrendSink) Values(elapsed float64) map[string]float64 {
	out := make(map[string]float64, 8)
	for _, agg := range []string{"avg", "min", "med", "max", "p(90)", "p(95)", "p(99)", "count"} {
		out[agg], _ = s.Value(agg, elapsed)
	}
	return out
}
