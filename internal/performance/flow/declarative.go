package flow

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/http"
	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/pkg/jsonschema"
)

// DefaultFlow is the name of the flow declared under the top-level "flow" key.
const DefaultFlow = "default"

// Registry maps flow names to compiled flows.
type Registry map[string]*Flow

// Get returns the named flow; the empty name selects DefaultFlow.
func (r Registry) Get(name string) (*Flow, bool) {
	if name == "" {
		name = DefaultFlow
	}
	f, ok := r[name]
	return f, ok
}

// FromTestConfig compiles every declarative flow of cfg. The default flow
// carries the setup and teardown steps.
func FromTestConfig(cfg *config.TestConfig) (Registry, error) {
	reg := Registry{}

	if cfg.Flow != nil || cfg.Setup != nil || cfg.Teardown != nil {
		def, err := FromConfig(DefaultFlow, cfg.Flow)
		if err != nil {
			return nil, err
		}
		if cfg.Setup != nil {
			if def.Setup, err = compileSteps(cfg.Setup.Steps); err != nil {
				return nil, fmt.Errorf("setup: %w", err)
			}
		}
		if cfg.Teardown != nil {
			if def.Teardown, err = compileSteps(cfg.Teardown.Steps); err != nil {
				return nil, fmt.Errorf("teardown: %w", err)
			}
		}
		reg[DefaultFlow] = def
	}

	names := make([]string, 0, len(cfg.Flows))
	for name := range cfg.Flows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := FromConfig(name, cfg.Flows[name])
		if err != nil {
			return nil, err
		}
		reg[name] = f
	}
	return reg, nil
}

// FromConfig compiles a declarative flow.
func FromConfig(name string, fc *config.FlowConfig) (*Flow, error) {
	f := &Flow{Name: name}
	if fc == nil {
		return f, nil
	}
	steps, err := compileSteps(fc.Steps)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", name, err)
	}
	f.Steps = steps
	return f, nil
}

func compileSteps(cfgs []config.StepConfig) ([]Step, error) {
	steps := make([]Step, 0, len(cfgs))
	for i := range cfgs {
		s, err := compileStep(&cfgs[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func compileStep(sc *config.StepConfig) (Step, error) {
	policy, err := ParseMissingPolicy(sc.OnMissing)
	if err != nil {
		return Step{}, fmt.Errorf("step %s: %w", sc.Name, err)
	}

	step := Step{
		Name:      sc.Name,
		Requires:  sc.Requires,
		OnMissing: policy,
	}

	if sc.Pick != "" {
		dataset, as := sc.Pick, sc.As
		if as == "" {
			as = dataset
		}
		step.Before = func(_ context.Context, it *Iteration) error {
			rec, err := it.Pick(dataset)
			if err != nil {
				return err
			}
			it.Vars.Set(as, rec)
			return nil
		}
	}

	var sleep time.Duration
	if sc.Sleep != "" {
		if sleep, err = config.ParseDurationString(sc.Sleep); err != nil {
			return Step{}, fmt.Errorf("step %s: invalid sleep: %w", sc.Name, err)
		}
	}

	if len(sc.Steps) > 0 {
		if step.Steps, err = compileSteps(sc.Steps); err != nil {
			return Step{}, err
		}
		if sleep > 0 {
			step.Steps = append(step.Steps, Step{Name: sc.Name + " sleep", Run: sleepStep(sleep)})
		}
		return step, nil
	}

	if sc.Request == nil {
		if sleep > 0 {
			step.Run = sleepStep(sleep)
		}
		return step, nil
	}

	rs, err := compileRequest(sc.Name, sc.Request)
	if err != nil {
		return Step{}, fmt.Errorf("step %s: %w", sc.Name, err)
	}
	rs.continueOnError = sc.ContinueOnError
	rs.sleep = sleep
	step.Run = rs.run
	return step, nil
}

func sleepStep(d time.Duration) func(context.Context, *Iteration) error {
	return func(ctx context.Context, it *Iteration) error {
		return it.Sleep(ctx, d)
	}
}

// requestStep is a compiled declarative HTTP call.
type requestStep struct {
	name    string
	method  string
	url     *Template
	headers map[string]*Template
	body    *Template
	json    any
	form    map[string]*Template
	timeout time.Duration

	extracts        []extractor
	assertions      []*assertion
	continueOnError bool
	sleep           time.Duration
}

func compileRequest(stepName string, rc *config.RequestConfig) (*requestStep, error) {
	rs := &requestStep{
		name:   rc.Name,
		method: strings.ToUpper(rc.Method),
	}
	if rs.name == "" {
		rs.name = stepName
	}
	if rs.method == "" {
		rs.method = "GET"
	}

	var err error
	if rs.url, err = ParseTemplate(rc.URL); err != nil {
		return nil, err
	}
	if len(rc.Headers) > 0 {
		rs.headers = make(map[string]*Template, len(rc.Headers))
		for k, v := range rc.Headers {
			if rs.headers[k], err = ParseTemplate(v); err != nil {
				return nil, fmt.Errorf("header %s: %w", k, err)
			}
		}
	}
	if rc.Body != "" {
		if rs.body, err = ParseTemplate(rc.Body); err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
	}
	if rc.JSON != nil {
		if rs.json, err = compileJSON(rc.JSON); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	}
	if len(rc.Form) > 0 {
		rs.form = make(map[string]*Template, len(rc.Form))
		for k, v := range rc.Form {
			if rs.form[k], err = ParseTemplate(v); err != nil {
				return nil, fmt.Errorf("form %s: %w", k, err)
			}
		}
	}
	if rc.Timeout != "" {
		if rs.timeout, err = config.ParseDurationString(rc.Timeout); err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}

	for _, ec := range rc.Extract {
		ex, err := compileExtract(ec)
		if err != nil {
			return nil, err
		}
		rs.extracts = append(rs.extracts, ex)
	}
	for _, ac := range rc.Assertions {
		a, err := compileAssertion(ac)
		if err != nil {
			return nil, err
		}
		rs.assertions = append(rs.assertions, a)
	}
	return rs, nil
}

// compileJSON replaces every string in a decoded JSON/YAML value by a
// template.
func compileJSON(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return ParseTemplate(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			c, err := compileJSON(child)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			c, err := compileJSON(child)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderJSON(v any, it *Iteration) (any, error) {
	switch val := v.(type) {
	case *Template:
		return val.Value(it)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			c, err := renderJSON(child, it)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			c, err := renderJSON(child, it)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func (rs *requestStep) build(it *Iteration) (*http.Request, error) {
	target, err := rs.url.Render(it)
	if err != nil {
		return nil, err
	}

	req := http.NewRequest(rs.method, target)
	req.Name = rs.name
	req.Timeout = rs.timeout

	for k, tmpl := range rs.headers {
		v, err := tmpl.Render(it)
		if err != nil {
			return nil, err
		}
		req.WithHeader(k, v)
	}

	switch {
	case rs.body != nil:
		body, err := rs.body.Render(it)
		if err != nil {
			return nil, err
		}
		req.WithBody(body)
	case rs.json != nil:
		body, err := renderJSON(rs.json, it)
		if err != nil {
			return nil, err
		}
		req.WithBody(body)
	case rs.form != nil:
		form := url.Values{}
		for k, tmpl := range rs.form {
			v, err := tmpl.Render(it)
			if err != nil {
				return nil, err
			}
			form.Set(k, v)
		}
		req.WithBody(form)
	}
	return req, nil
}

func (rs *requestStep) run(ctx context.Context, it *Iteration) error {
	req, err := rs.build(it)
	if err != nil {
		return err
	}

	resp, err := it.Do(ctx, req)
	if err != nil {
		if rs.continueOnError && ctx.Err() == nil {
			return it.Sleep(ctx, rs.sleep)
		}
		return err
	}

	for _, ex := range rs.extracts {
		ex.apply(it, resp)
	}

	var fatal error
	for _, a := range rs.assertions {
		ok, msg := a.evaluate(it, resp)
		it.Check(a.name, ok)
		if ok {
			continue
		}
		it.Logger.Debug("check failed",
			zap.Int("vu", it.VU),
			zap.String("step", it.step),
			zap.String("check", a.name),
			zap.String("detail", msg),
		)
		if a.fatal && fatal == nil {
			fatal = &CheckError{Step: it.step, Check: a.name, Message: msg}
		}
	}
	if fatal != nil {
		return fatal
	}

	return it.Sleep(ctx, rs.sleep)
}

// extractor copies a value from a response into a scope.
type extractor struct {
	name   string
	source string
	path   string
	re     *regexp.Regexp
	vu     bool
}

func compileExtract(ec config.ExtractConfig) (extractor, error) {
	ex := extractor{
		name:   ec.Name,
		source: strings.ToLower(ec.Source),
		path:   ec.Path,
		vu:     strings.EqualFold(ec.Scope, "vu"),
	}
	if ex.source == "" {
		ex.source = "body"
	}
	switch ex.source {
	case "body", "header", "cookie", "status":
	case "regex":
		re, err := regexp.Compile(ec.Regex)
		if err != nil {
			return ex, fmt.Errorf("extract %s: %w", ec.Name, err)
		}
		ex.re = re
	default:
		return ex, fmt.Errorf("extract %s: unknown source %q", ec.Name, ec.Source)
	}
	return ex, nil
}

func (ex extractor) value(it *Iteration, resp *http.Response) (any, bool) {
	switch ex.source {
	case "body":
		res, err := resp.Path(ex.path)
		if err != nil {
			return nil, false
		}
		return res, true
	case "header":
		v := resp.GetHeader(ex.path)
		return v, v != ""
	case "cookie":
		if c, ok := resp.Cookie(ex.path); ok {
			return c.Value, true
		}
		if jar := it.Client().Jar(); jar != nil {
			if u, err := url.Parse(resp.URL); err == nil {
				for _, c := range jar.Cookies(u) {
					if c.Name == ex.path {
						return c.Value, true
					}
				}
			}
		}
		return nil, false
	case "status":
		return resp.StatusCode, true
	case "regex":
		m := ex.re.FindSubmatch(resp.Body)
		switch {
		case m == nil:
			return nil, false
		case len(m) > 1:
			return string(m[1]), true
		default:
			return string(m[0]), true
		}
	}
	return nil, false
}

func (ex extractor) apply(it *Iteration, resp *http.Response) {
	v, ok := ex.value(it, resp)
	if !ok {
		it.Logger.Warn("extraction found nothing",
			zap.Int("vu", it.VU),
			zap.Int64("iter", it.Number),
			zap.String("step", it.step),
			zap.String("name", ex.name),
			zap.String("source", ex.source),
		)
		return
	}
	if ex.vu {
		it.Locals.Set(ex.name, v)
	} else {
		it.Vars.Set(ex.name, v)
	}
}

// assertion is a compiled check on a response.
type assertion struct {
	name      string
	kind      string
	condition string
	path      string
	value     *Template
	re        *regexp.Regexp
	schema    *jsonschema.Schema
	limit     float64
	fatal     bool
}

func compileAssertion(ac config.AssertionConfig) (*assertion, error) {
	a := &assertion{
		kind:      strings.ToLower(ac.Type),
		condition: strings.ToLower(ac.Condition),
		path:      ac.Path,
		fatal:     ac.Fatal,
	}
	if a.condition == "" {
		a.condition = "eq"
		if a.kind == "duration" {
			a.condition = "lt"
		}
	}

	a.name = ac.Message
	if a.name == "" {
		a.name = strings.TrimSpace(strings.Join([]string{a.kind, ac.Path, a.condition, ac.Value}, " "))
		a.name = strings.Join(strings.Fields(a.name), " ")
	}

	var err error
	switch a.kind {
	case "status", "header", "body":
	case "duration":
		if n, nerr := strconv.ParseFloat(ac.Value, 64); nerr == nil {
			a.limit = n
			return a, nil
		}
		d, err := time.ParseDuration(ac.Value)
		if err != nil {
			return nil, fmt.Errorf("check %s: invalid duration %q", a.name, ac.Value)
		}
		a.limit = float64(d) / float64(time.Millisecond)
		return a, nil
	case "schema":
		if a.schema, err = jsonschema.Compile(ac.Value); err != nil {
			return nil, fmt.Errorf("check %s: %w", a.name, err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("check %s: unknown type %q", a.name, ac.Type)
	}

	switch a.condition {
	case "matches":
		if a.re, err = regexp.Compile(ac.Value); err != nil {
			return nil, fmt.Errorf("check %s: %w", a.name, err)
		}
	case "eq", "ne", "gt", "lt", "gte", "lte", "contains", "exists":
		if a.value, err = ParseTemplate(ac.Value); err != nil {
			return nil, fmt.Errorf("check %s: %w", a.name, err)
		}
	default:
		return nil, fmt.Errorf("check %s: unknown condition %q", a.name, ac.Condition)
	}
	return a, nil
}

// evaluate returns whether the response satisfies the check and a detail
// message for failures.
func (a *assertion) evaluate(it *Iteration, resp *http.Response) (bool, string) {
	switch a.kind {
	case "schema":
		if err := a.schema.Validate(resp.Body); err != nil {
			return false, err.Error()
		}
		return true, ""
	case "duration":
		actual := ms(resp.Timing.Duration)
		if !compareNumbers(actual, a.condition, a.limit) {
			return false, fmt.Sprintf("response time %.1fms, want %s %.1fms", actual, a.condition, a.limit)
		}
		return true, ""
	}

	var (
		actual string
		exists bool
	)
	switch a.kind {
	case "status":
		actual, exists = strconv.Itoa(resp.StatusCode), true
	case "header":
		vals := resp.Headers.Values(a.path)
		if len(vals) > 0 {
			actual, exists = vals[0], true
		}
	case "body":
		if a.path == "" {
			actual, exists = resp.String(), len(resp.Body) > 0
		} else if res, err := resp.Path(a.path); err == nil {
			actual, exists = Stringify(res), true
		}
	}

	if a.condition == "exists" {
		want := true
		if b, err := strconv.ParseBool(a.value.String()); err == nil {
			want = b
		}
		if exists != want {
			return false, fmt.Sprintf("exists = %v, want %v", exists, want)
		}
		return true, ""
	}
	if !exists {
		return false, fmt.Sprintf("%s %s not found", a.kind, a.path)
	}

	if a.condition == "matches" {
		if !a.re.MatchString(actual) {
			return false, fmt.Sprintf("%q does not match %s", actual, a.re)
		}
		return true, ""
	}

	expected, err := a.value.Render(it)
	if err != nil {
		return false, err.Error()
	}
	if !compareValues(actual, a.condition, expected) {
		return false, fmt.Sprintf("got %q, want %s %q", actual, a.condition, expected)
	}
	return true, ""
}

func compareValues(actual, condition, expected string) bool {
	if condition == "contains" {
		return strings.Contains(actual, expected)
	}

	an, aerr := strconv.ParseFloat(actual, 64)
	en, eerr := strconv.ParseFloat(expected, 64)
	if aerr == nil && eerr == nil {
		return compareNumbers(an, condition, en)
	}

	switch condition {
	case "eq":
		return actual == expected
	case "ne":
		return actual != expected
	default:
		return false
	}
}

func compareNumbers(actual float64, condition string, expected float64) bool {
	switch condition {
	case "eq":
		return actual == expected
	case "ne":
		return actual != expected
	case "gt":
		return actual > expected
	case "lt":
		return actual < expected
	case "gte":
		return actual >= expected
	case "lte":
		return actual <= expected
	default:
		return false
	}
}
