// Package flow runs the steps a virtual user performs in each iteration.
//
// A Flow is a sequence of named steps. Every iteration gets a fresh variable
// scope; values that must survive across iterations live in the VU locals,
// and the result of the setup steps is shared read-only by every VU.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/http"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// MissingPolicy decides what happens when a step lacks a required value.
type MissingPolicy int

const (
	// Abort skips the rest of the iteration and marks it failed.
	Abort MissingPolicy = iota
	// Skip skips only the step.
	Skip
)

// ParseMissingPolicy parses "abort" or "skip"; empty means Abort.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return Abort, nil
	case "skip":
		return Skip, nil
	default:
		return Abort, fmt.Errorf("unknown onMissing policy %q", s)
	}
}

// Step is one named unit of work.
type Step struct {
	Name string

	// Requires lists variables that must be set before Run is called.
	Requires  []string
	OnMissing MissingPolicy

	// Before runs ahead of the requirement check, e.g. to bind a fixture record.
	Before func(ctx context.Context, it *Iteration) error

	Run func(ctx context.Context, it *Iteration) error

	// Steps makes this step a group.
	Steps []Step
}

// Group nests steps under name. Samples emitted inside carry a group tag.
func Group(name string, steps ...Step) Step {
	return Step{Name: name, Steps: steps}
}

// Flow is the body of an iteration plus the one-off setup and teardown.
type Flow struct {
	Name     string
	Steps    []Step
	Setup    []Step
	Teardown []Step
}

// MissingValueError reports required values that were not defined.
type MissingValueError struct {
	Step  string
	Names []string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("step %q: missing required value: %s", e.Step, strings.Join(e.Names, ", "))
}

// CheckError is returned by a fatal check that failed.
type CheckError struct {
	Step    string
	Check   string
	Message string
}

func (e *CheckError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("step %q: check %q failed: %s", e.Step, e.Check, e.Message)
	}
	return fmt.Sprintf("step %q: check %q failed", e.Step, e.Check)
}

// StepError wraps a failure inside a step, including recovered panics.
type StepError struct {
	Step  string
	Panic any
	Err   error
}

func (e *StepError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("step %q panicked: %v", e.Step, e.Panic)
	}
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Run executes the flow steps in order for one iteration.
//
// It returns nil when every step completed, or the error that ended the
// iteration early. A nil error may still hide failed non-fatal checks.
func (f *Flow) Run(ctx context.Context, it *Iteration) error {
	if err := it.runSteps(ctx, f.Steps); err != nil {
		return err
	}
	return it.failure
}

// RunSetup runs the setup steps once and returns the variables they set.
func (f *Flow) RunSetup(ctx context.Context, rt *Runtime) (Values, error) {
	if len(f.Setup) == 0 {
		return Values{}, nil
	}

	it := rt.NewIteration(0)
	start := time.Now()
	err := it.runSteps(ctx, f.Setup)
	if err == nil {
		err = it.failure
	}
	it.emit(metrics.SetupDuration, msSince(start), rt.Tags)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	vals := it.Vars.Snapshot()
	for _, name := range it.Locals.Names() {
		if _, ok := vals[name]; !ok {
			vals[name], _ = it.Locals.Get(name)
		}
	}
	return vals, nil
}

// RunTeardown runs the teardown steps once.
func (f *Flow) RunTeardown(ctx context.Context, rt *Runtime) error {
	if len(f.Teardown) == 0 {
		return nil
	}

	it := rt.NewIteration(0)
	start := time.Now()
	err := it.runSteps(ctx, f.Teardown)
	if err == nil {
		err = it.failure
	}
	it.emit(metrics.TeardownDuration, msSince(start), rt.Tags)
	if err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}

func (it *Iteration) runSteps(ctx context.Context, steps []Step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.runStep(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (it *Iteration) runStep(ctx context.Context, s Step) (err error) {
	if s.Before != nil {
		if err := it.guard(ctx, s, s.Before); err != nil {
			return it.stepFailed(ctx, s, err)
		}
	}

	if missing := it.missing(s.Requires); len(missing) > 0 {
		return it.stepFailed(ctx, s, &MissingValueError{Step: s.Name, Names: missing})
	}

	if len(s.Steps) > 0 {
		return it.runGroup(ctx, s)
	}
	if s.Run == nil {
		return nil
	}

	prev := it.step
	it.step = s.Name
	defer func() { it.step = prev }()

	start := time.Now()
	err = it.guard(ctx, s, s.Run)
	if ctx.Err() != nil && err != nil {
		return err
	}

	var missing *MissingValueError
	if !errors.As(err, &missing) {
		tags := it.tags()
		it.emit(metrics.StepDuration, msSince(start), tags)
		it.emit(metrics.StepFailed, boolValue(err != nil), tags)
	}

	if err != nil {
		return it.stepFailed(ctx, s, err)
	}
	return nil
}

func (it *Iteration) runGroup(ctx context.Context, s Step) error {
	it.groups = append(it.groups, s.Name)
	tags := it.tags()
	start := time.Now()

	err := it.runSteps(ctx, s.Steps)

	it.emit(metrics.GroupDuration, msSince(start), tags)
	it.groups = it.groups[:len(it.groups)-1]
	return err
}

// guard calls fn and converts a panic into a StepError.
func (it *Iteration) guard(ctx context.Context, s Step, fn func(context.Context, *Iteration) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			it.emit(metrics.Errors, 1, it.tags().With("kind", "panic"))
			err = &StepError{Step: s.Name, Panic: r}
		}
	}()
	return fn(ctx, it)
}

// stepFailed applies the missing-value policy, counts the error and logs it.
// It returns nil when the iteration should go on.
func (it *Iteration) stepFailed(ctx context.Context, s Step, err error) error {
	if ctx.Err() != nil {
		return err
	}

	var (
		missing *MissingValueError
		reqErr  *http.RequestError
		stepErr *StepError
	)
	tags := it.tags().With("step", s.Name)
	switch {
	case errors.As(err, &missing):
		it.emit(metrics.Errors, 1, tags.With("kind", "flow"))
		it.Logger.Warn("missing required value",
			zap.Int("vu", it.VU),
			zap.Int64("iter", it.Number),
			zap.String("step", s.Name),
			zap.Strings("names", missing.Names),
		)
		if s.OnMissing == Skip {
			return nil
		}
	case errors.As(err, &reqErr):
		// counted by Do
	case errors.As(err, &stepErr) && stepErr.Panic != nil:
		// counted by guard
	default:
		it.emit(metrics.Errors, 1, tags.With("kind", "flow"))
	}

	it.Logger.Debug("step failed",
		zap.Int("vu", it.VU),
		zap.Int64("iter", it.Number),
		zap.String("step", s.Name),
		zap.Error(err),
	)

	if errors.As(err, &stepErr) {
		return err
	}
	return &StepError{Step: s.Name, Err: err}
}

func (it *Iteration) missing(names []string) []string {
	var out []string
	for _, name := range names {
		if _, ok := it.Lookup(name); !ok {
			out = append(out, name)
		}
	}
	return out
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
