// Package metrics collects and aggregates samples emitted while a test runs.
package metrics

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// MetricType identifies how samples of a metric are aggregated.
type MetricType int

const (
	// Counter is a monotonic sum.
	Counter MetricType = iota
	// Gauge keeps the last value along with the observed min and max.
	Gauge
	// Rate tracks the fraction of non-zero samples.
	Rate
	// Trend keeps a distribution for percentiles.
	Trend
)

func (t MetricType) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Rate:
		return "rate"
	case Trend:
		return "trend"
	default:
		return "unknown"
	}
}

// ParseMetricType parses a metric type name as used in configuration files.
func ParseMetricType(s string) (MetricType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "counter":
		return Counter, nil
	case "gauge":
		return Gauge, nil
	case "rate":
		return Rate, nil
	case "trend":
		return Trend, nil
	default:
		return 0, fmt.Errorf("unknown metric type: %q", s)
	}
}

// ValueType describes the unit of the values a metric holds.
type ValueType int

const (
	// Default values are plain numbers.
	Default ValueType = iota
	// Time values are milliseconds.
	Time
	// Data values are bytes.
	Data
)

func (v ValueType) String() string {
	switch v {
	case Time:
		return "time"
	case Data:
		return "data"
	default:
		return "default"
	}
}

// Definition declares a metric before any sample is recorded.
type Definition struct {
	Name     string
	Type     MetricType
	Contains ValueType
}

// Built-in metric names.
const (
	HTTPReqs               = "http_reqs"
	HTTPReqDuration        = "http_req_duration"
	HTTPReqFailed          = "http_req_failed"
	HTTPReqBlocked         = "http_req_blocked"
	HTTPReqDNS             = "http_req_dns"
	HTTPReqConnecting      = "http_req_connecting"
	HTTPReqTLSHandshaking  = "http_req_tls_handshaking"
	HTTPReqSending         = "http_req_sending"
	HTTPReqWaiting         = "http_req_waiting"
	HTTPReqReceiving       = "http_req_receiving"
	DataSent               = "data_sent"
	DataReceived           = "data_received"
	Iterations             = "iterations"
	IterationDuration      = "iteration_duration"
	IterationFailed        = "iteration_failed"
	InterruptedIterations  = "interrupted_iterations"
	DroppedIterations      = "dropped_iterations"
	StepDuration           = "step_duration"
	StepFailed             = "step_failed"
	GroupDuration          = "group_duration"
	Checks                 = "checks"
	Errors                 = "errors"
	VUs                    = "vus"
	VUsMax                 = "vus_max"
	SetupDuration          = "setup_duration"
	TeardownDuration       = "teardown_duration"
	ThresholdsAbortedCount = "thresholds_aborted"
)

// Builtins returns the definitions of every metric the runtime emits on its own.
func Builtins() []Definition {
	return []Definition{
		{HTTPReqs, Counter, Default},
		{HTTPReqDuration, Trend, Time},
		{HTTPReqFailed, Rate, Default},
		{HTTPReqBlocked, Trend, Time},
		{HTTPReqDNS, Trend, Time},
		{HTTPReqConnecting, Trend, Time},
		{HTTPReqTLSHandshaking, Trend, Time},
		{HTTPReqSending, Trend, Time},
		{HTTPReqWaiting, Trend, Time},
		{HTTPReqReceiving, Trend, Time},
		{DataSent, Counter, Data},
		{DataReceived, Counter, Data},
		{Iterations, Counter, Default},
		{IterationDuration, Trend, Time},
		{IterationFailed, Rate, Default},
		{InterruptedIterations, Counter, Default},
		{DroppedIterations, Counter, Default},
		{StepDuration, Trend, Time},
		{StepFailed, Rate, Default},
		{GroupDuration, Trend, Time},
		{Checks, Rate, Default},
		{Errors, Counter, Default},
		{VUs, Gauge, Default},
		{VUsMax, Gauge, Default},
		{SetupDuration, Trend, Time},
		{TeardownDuration, Trend, Time},
		{ThresholdsAbortedCount, Counter, Default},
	}
}

// Tags are key/value labels attached to samples.
type Tags map[string]string

// With returns a copy of t with key set to value.
func (t Tags) With(key, value string) Tags {
	out := make(Tags, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[key] = value
	return out
}

// Merge returns a copy of t overlaid with other.
func (t Tags) Merge(other Tags) Tags {
	out := make(Tags, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Contains reports whether every pair of filter is present in t.
func (t Tags) Contains(filter Tags) bool {
	for k, v := range filter {
		if t[k] != v {
			return false
		}
	}
	return true
}

// String renders tags in the canonical "{k:v,k2:v2}" form with sorted keys.
func (t Tags) String() string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(t[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Sample is a single observation of a metric.
type Sample struct {
	Metric string
	Value  float64
	Tags   Tags
	Time   time.Time
}

var selectorRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(\{(.*)\})?$`)

// ParseSelector splits "name{k:v,k2:v2}" into the metric name and its tag filter.
func ParseSelector(s string) (string, Tags, error) {
	m := selectorRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", nil, fmt.Errorf("invalid metric selector: %q", s)
	}
	name := m[1]
	if m[2] == "" {
		return name, nil, nil
	}

	filter := Tags{}
	body := strings.TrimSpace(m[3])
	if body == "" {
		return "", nil, fmt.Errorf("empty tag filter in %q", s)
	}
	for _, part := range strings.Split(body, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid tag filter %q in %q", part, s)
		}
		k := strings.TrimSpace(kv[0])
		v := strings.Trim(strings.TrimSpace(kv[1]), `"'`)
		if k == "" {
			return "", nil, fmt.Errorf("empty tag key in %q", s)
		}
		filter[k] = v
	}
	return name, filter, nil
}
