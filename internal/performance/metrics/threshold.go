package metrics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ThresholdExpr is a parsed assertion such as "p(95) < 500".
type ThresholdExpr struct {
	Source      string  `json:"source"`
	Aggregation string  `json:"aggregation"`
	Operator    string  `json:"operator"`
	Value       float64 `json:"value"`
}

var thresholdRe = regexp.MustCompile(`^(\w+(?:\(\s*[\d.]+\s*\))?)\s*([<>=!]+)\s*(.+)$`)

var percentileRe = regexp.MustCompile(`^p\(?\s*([\d.]+)\s*\)?$`)

// ParseThresholdExpression parses an expression like "p(95) < 1000",
// "p95 < 500ms", "rate < 0.01" or "count > 10".
//
// Duration operands ("500ms", "1s") are converted to milliseconds.
func ParseThresholdExpression(expr string) (ThresholdExpr, error) {
	expr = strings.TrimSpace(expr)
	matches := thresholdRe.FindStringSubmatch(expr)
	if len(matches) != 4 {
		return ThresholdExpr{}, fmt.Errorf("invalid expression format: %s", expr)
	}

	agg, err := normalizeAggregation(matches[1])
	if err != nil {
		return ThresholdExpr{}, err
	}

	op := matches[2]
	switch op {
	case "<", "<=", ">", ">=", "==", "=", "!=":
	default:
		return ThresholdExpr{}, fmt.Errorf("unknown operator %q in %s", op, expr)
	}

	value, err := parseOperand(strings.TrimSpace(matches[3]))
	if err != nil {
		return ThresholdExpr{}, fmt.Errorf("invalid threshold value in %s: %w", expr, err)
	}

	return ThresholdExpr{Source: expr, Aggregation: agg, Operator: op, Value: value}, nil
}

func normalizeAggregation(s string) (string, error) {
	s = strings.ToLower(strings.ReplaceAll(s, " ", ""))
	if q, ok := parsePercentile(s); ok {
		return "p(" + strconv.FormatFloat(q, 'f', -1, 64) + ")", nil
	}
	switch s {
	case "avg", "min", "max", "med", "count", "rate", "value":
		return s, nil
	}
	return "", fmt.Errorf("unknown aggregation: %s", s)
}

func parsePercentile(s string) (float64, bool) {
	m := percentileRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	q, err := strconv.ParseFloat(m[1], 64)
	if err != nil || q < 0 || q > 100 {
		return 0, false
	}
	return q, true
}

func parseOperand(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("not a number or duration: %s", s)
	}
	return float64(d) / float64(time.Millisecond), nil
}

// ValidFor reports whether the aggregation makes sense for a metric type.
func (x ThresholdExpr) ValidFor(t MetricType) bool {
	switch t {
	case Trend:
		if strings.HasPrefix(x.Aggregation, "p(") {
			return true
		}
		switch x.Aggregation {
		case "avg", "min", "max", "med", "count":
			return true
		}
	case Counter:
		return x.Aggregation == "count" || x.Aggregation == "rate"
	case Rate:
		return x.Aggregation == "rate"
	case Gauge:
		switch x.Aggregation {
		case "value", "min", "max":
			return true
		}
	}
	return false
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==", "=":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}

// Threshold is a compiled pass/fail criterion bound to a metric selector.
type Threshold struct {
	Selector       string        `json:"selector"`
	Metric         string        `json:"metric"`
	Tags           Tags          `json:"tags,omitempty"`
	Expr           ThresholdExpr `json:"expr"`
	AbortOnFail    bool          `json:"abortOnFail,omitempty"`
	DelayAbortEval time.Duration `json:"delayAbortEval,omitempty"`
}

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric      string  `json:"metric"`
	Expression  string  `json:"expression"`
	Passed      bool    `json:"passed"`
	Value       float64 `json:"value"`
	AbortOnFail bool    `json:"abortOnFail,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// ThresholdEvaluator evaluates thresholds against a live engine.
type ThresholdEvaluator struct {
	engine     *Engine
	thresholds []Threshold
	onAbort    func(ThresholdResult)
	aborted    atomic.Bool

	mu   sync.Mutex
	last []ThresholdResult
}

// NewThresholdEvaluator binds thresholds to engine, creating the sub-metrics
// their tag filters need so matching samples are counted from the start.
func NewThresholdEvaluator(engine *Engine, thresholds []Threshold, onAbort func(ThresholdResult)) (*ThresholdEvaluator, error) {
	for _, th := range thresholds {
		m, ok := engine.Get(th.Metric)
		if !ok {
			return nil, fmt.Errorf("threshold %q: %w: %s", th.Expr.Source, ErrUnknownMetric, th.Metric)
		}
		if !th.Expr.ValidFor(m.Type) {
			return nil, fmt.Errorf("threshold %q: aggregation %s is not valid for %s metric %s",
				th.Expr.Source, th.Expr.Aggregation, m.Type, th.Metric)
		}
		if len(th.Tags) > 0 {
			if _, err := engine.Submetric(th.Metric, th.Tags); err != nil {
				return nil, err
			}
		}
	}
	return &ThresholdEvaluator{engine: engine, thresholds: thresholds, onAbort: onAbort}, nil
}

// Evaluate computes every threshold against the current aggregates.
func (ev *ThresholdEvaluator) Evaluate() []ThresholdResult {
	elapsed := ev.engine.Elapsed().Seconds()
	results := make([]ThresholdResult, 0, len(ev.thresholds))

	for _, th := range ev.thresholds {
		result := ThresholdResult{
			Metric:      th.Selector,
			Expression:  th.Expr.Source,
			AbortOnFail: th.AbortOnFail,
		}

		sink, ok := ev.engine.Sink(th.Metric, th.Tags)
		if !ok {
			result.Message = "metric not found"
			results = append(results, result)
			continue
		}

		value, ok := sink.Value(th.Expr.Aggregation, elapsed)
		if !ok {
			result.Message = fmt.Sprintf("aggregation %s not supported", th.Expr.Aggregation)
			results = append(results, result)
			continue
		}

		result.Value = value
		result.Passed = compareValues(value, th.Expr.Operator, th.Expr.Value)
		if !result.Passed {
			result.Message = fmt.Sprintf("%s is %.4g, threshold: %s %g",
				th.Expr.Aggregation, value, th.Expr.Operator, th.Expr.Value)
		}
		results = append(results, result)
	}

	ev.mu.Lock()
	ev.last = results
	ev.mu.Unlock()
	return results
}

// Check evaluates thresholds and fires the abort hook once for the first
// failing abortOnFail threshold past its evaluation delay.
func (ev *ThresholdEvaluator) Check() {
	results := ev.Evaluate()
	if ev.onAbort == nil || ev.aborted.Load() {
		return
	}

	elapsed := ev.engine.Elapsed()
	for i, r := range results {
		th := ev.thresholds[i]
		if r.Passed || !th.AbortOnFail || elapsed < th.DelayAbortEval {
			continue
		}
		if ev.aborted.CompareAndSwap(false, true) {
			_ = ev.engine.Add(Sample{Metric: ThresholdsAbortedCount, Value: 1, Time: time.Now()})
			ev.onAbort(r)
		}
		return
	}
}

// Aborted reports whether an abortOnFail threshold has fired.
func (ev *ThresholdEvaluator) Aborted() bool {
	return ev.aborted.Load()
}

// Last returns the results of the most recent evaluation.
func (ev *ThresholdEvaluator) Last() []ThresholdResult {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	out := make([]ThresholdResult, len(ev.last))
	copy(out, ev.last)
	return out
}
