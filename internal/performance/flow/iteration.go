package flow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/http"
	"github.com/wesleyorama2/stampede/internal/performance/data"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// Runtime is the per-VU state iterations are created from.
type Runtime struct {
	VU       int
	Scenario string
	Client   *http.Client
	Metrics  *metrics.Engine
	Logger   *zap.Logger

	// Tags are attached to every sample.
	Tags metrics.Tags

	// Globals are the configured variables, Env the scenario environment.
	Globals map[string]string
	Env     map[string]string

	Locals    *Scope
	SetupData Values
	Data      *data.Store
}

// NewIteration creates the state of iteration n with a fresh variable scope.
func (rt *Runtime) NewIteration(n int64) *Iteration {
	logger := rt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locals := rt.Locals
	if locals == nil {
		locals = NewScope()
		rt.Locals = locals
	}

	return &Iteration{
		VU:        rt.VU,
		Number:    n,
		Scenario:  rt.Scenario,
		Vars:      NewScope(),
		Locals:    locals,
		SetupData: rt.SetupData,
		Metrics:   rt.Metrics,
		Logger:    logger,
		rt:        rt,
	}
}

// Iteration is the state of one pass through a flow.
type Iteration struct {
	VU       int
	Number   int64
	Scenario string

	Vars      *Scope
	Locals    *Scope
	SetupData Values

	Metrics *metrics.Engine
	Logger  *zap.Logger

	rt      *Runtime
	groups  []string
	step    string
	failure error
}

// Step returns the name of the step being run.
func (it *Iteration) Step() string { return it.step }

// GroupPath returns the nested group path in the "::outer::inner" form.
func (it *Iteration) GroupPath() string {
	if len(it.groups) == 0 {
		return ""
	}
	return "::" + strings.Join(it.groups, "::")
}

// Fail marks the iteration failed without stopping it.
func (it *Iteration) Fail(err error) {
	if it.failure == nil {
		it.failure = err
	}
}

// Lookup resolves a variable: iteration vars, then VU locals, then setup
// data, then configured globals. Dotted names descend into structured
// values ("user.username").
func (it *Iteration) Lookup(name string) (any, bool) {
	v, ok := resolve(name, it.Vars, it.Locals, it.SetupData, stringValues(it.rt.Globals))
	if !ok || !present(v) {
		return nil, false
	}
	return v, true
}

// Require returns a MissingValueError naming every undefined variable.
func (it *Iteration) Require(names ...string) error {
	if missing := it.missing(names); len(missing) > 0 {
		return &MissingValueError{Step: it.step, Names: missing}
	}
	return nil
}

// Client returns the VU's HTTP client.
func (it *Iteration) Client() *http.Client {
	return it.rt.Client
}

// Data returns a shared fixture dataset.
func (it *Iteration) Data(name string) (*data.Dataset, error) {
	return it.rt.Data.Get(name)
}

// Pick selects a record from a dataset using the dataset's order.
func (it *Iteration) Pick(dataset string) (gjson.Result, error) {
	ds, err := it.rt.Data.Get(dataset)
	if err != nil {
		return gjson.Result{}, err
	}
	return ds.Pick(it.VU), nil
}

// Do sends req through the VU client and records the request metrics.
//
// Responses with any status are returned without error. Transport failures
// are counted in http_req_failed and errors{kind:network} and returned.
func (it *Iteration) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	name := req.Name
	if name == "" {
		name = req.Path
	}
	tags := it.tags()
	tags["name"] = name
	tags["method"] = strings.ToUpper(req.Method)
	if tags["method"] == "" {
		tags["method"] = "GET"
	}

	resp, err := it.rt.Client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}

		kind := string(http.ErrorKindOther)
		var reqErr *http.RequestError
		if errors.As(err, &reqErr) {
			kind = string(reqErr.Kind)
		}
		tags["status"] = "0"
		tags["error_kind"] = kind

		it.emit(metrics.HTTPReqs, 1, tags)
		it.emit(metrics.HTTPReqFailed, 1, tags)
		it.emit(metrics.Errors, 1, tags.With("kind", "network"))
		it.Logger.Debug("request failed",
			zap.Int("vu", it.VU),
			zap.Int64("iter", it.Number),
			zap.String("step", it.step),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return nil, err
	}

	tags["status"] = strconv.Itoa(resp.StatusCode)
	failed := resp.StatusCode >= 400
	tags["expected_response"] = strconv.FormatBool(!failed)

	tm := resp.Timing
	it.emit(metrics.HTTPReqs, 1, tags)
	it.emit(metrics.HTTPReqFailed, boolValue(failed), tags)
	it.emit(metrics.HTTPReqDuration, ms(tm.Duration), tags)
	it.emit(metrics.HTTPReqBlocked, ms(tm.Blocked), tags)
	it.emit(metrics.HTTPReqDNS, ms(tm.DNSLookup), tags)
	it.emit(metrics.HTTPReqConnecting, ms(tm.Connecting), tags)
	it.emit(metrics.HTTPReqTLSHandshaking, ms(tm.TLSHandshaking), tags)
	it.emit(metrics.HTTPReqSending, ms(tm.Sending), tags)
	it.emit(metrics.HTTPReqWaiting, ms(tm.Waiting), tags)
	it.emit(metrics.HTTPReqReceiving, ms(tm.Receiving), tags)
	it.emit(metrics.DataSent, float64(resp.BytesSent), tags)
	it.emit(metrics.DataReceived, float64(resp.BytesReceived), tags)
	return resp, nil
}

// Check records a named check in the checks rate and returns ok.
func (it *Iteration) Check(name string, ok bool) bool {
	it.emit(metrics.Checks, boolValue(ok), it.tags().With("check", name))
	return ok
}

// Emit records a sample of a custom or built-in metric.
func (it *Iteration) Emit(name string, value float64, tags metrics.Tags) error {
	if it.Metrics == nil {
		return nil
	}
	return it.Metrics.Add(metrics.Sample{
		Metric: name,
		Value:  value,
		Tags:   it.tags().Merge(tags),
		Time:   time.Now(),
	})
}

// Sleep pauses the VU for d or until ctx is done.
func (it *Iteration) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// tags returns a fresh copy of the sample tags at the current position.
func (it *Iteration) tags() metrics.Tags {
	tags := it.rt.Tags.Merge(nil)
	if it.Scenario != "" {
		tags["scenario"] = it.Scenario
	}
	if g := it.GroupPath(); g != "" {
		tags["group"] = g
	}
	if it.step != "" {
		tags["step"] = it.step
	}
	return tags
}

func (it *Iteration) emit(name string, value float64, tags metrics.Tags) {
	if it.Metrics == nil {
		return
	}
	if err := it.Metrics.Add(metrics.Sample{Metric: name, Value: value, Tags: tags, Time: time.Now()}); err != nil {
		it.Logger.Debug("dropping sample", zap.String("metric", name), zap.Error(err))
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
