// Package executor provides load generation strategies for performance testing.
package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"

	// TypeConstantArrivalRate maintains a fixed iteration rate.
	TypeConstantArrivalRate Type = "constant-arrival-rate"

	// TypeRampingArrivalRate ramps iteration rate up and down.
	TypeRampingArrivalRate Type = "ramping-arrival-rate"

	// TypePerVUIterations runs a fixed number of iterations per VU.
	TypePerVUIterations Type = "per-vu-iterations"

	// TypeSharedIterations shares a total iteration count across VUs.
	TypeSharedIterations Type = "shared-iterations"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultGracefulStop     = 30 * time.Second
	DefaultGracefulRampDown = 30 * time.Second
	DefaultMaxDuration      = 10 * time.Minute
	DefaultTimeUnit         = time.Second
)

// controlInterval is how often ramping executors re-evaluate their target.
const controlInterval = 100 * time.Millisecond

// Executor defines the interface for load generation strategies.
//
// Executors control HOW load is generated - whether by managing a pool
// of virtual users or by controlling iteration rates. Each executor
// implements a different load generation strategy suitable for
// different testing scenarios.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init initializes the executor with configuration.
	// Called once before Run().
	Init(ctx context.Context, config *Config) error

	// Run starts the executor and blocks until completion, including the
	// graceful stop of iterations in flight. Cancelling ctx interrupts
	// iterations immediately.
	Run(ctx context.Context, scheduler *performance.VUScheduler, metrics *metrics.Engine) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the executor early. Iterations in flight get the
	// configured graceful stop before they are interrupted.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the name of this executor instance
	Name string `json:"name" yaml:"name"`

	// Type is the executor type
	Type Type `json:"type" yaml:"type"`

	// VU-based executors
	VUs         int           `json:"vus,omitempty" yaml:"vus,omitempty"`
	StartVUs    int           `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`
	Duration    time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Iterations  int64         `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	MaxDuration time.Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// Arrival-rate executors; Rate and stage targets count iterations per TimeUnit
	Rate            float64       `json:"rate,omitempty" yaml:"rate,omitempty"`
	StartRate       float64       `json:"startRate,omitempty" yaml:"startRate,omitempty"`
	TimeUnit        time.Duration `json:"timeUnit,omitempty" yaml:"timeUnit,omitempty"`
	PreAllocatedVUs int           `json:"preAllocatedVUs,omitempty" yaml:"preAllocatedVUs,omitempty"`
	MaxVUs          int           `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Stages (for ramping executors)
	Stages []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Graceful stop timeout
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// GracefulRampDown is how long a VU removed by ramping-vus may finish
	GracefulRampDown time.Duration `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	// StartTime delays the executor relative to the start of the run
	StartTime time.Duration `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// Pacing between iterations
	Pacing *performance.Pacing `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Flow names the flow VUs iterate; empty means the default flow
	Flow string `json:"flow,omitempty" yaml:"flow,omitempty"`

	// Tags and Env are scoped to this executor's VUs
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Stage defines a stage in ramping executors.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count (for ramping-vus) or rate (for ramping-arrival-rate)
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	// Iteration stats
	Iterations        int64 `json:"iterations"`
	TotalIterations   int64 `json:"totalIterations"` // For per-vu-iterations / shared-iterations
	DroppedIterations int64 `json:"droppedIterations"`

	// Stage info (for ramping executors)
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`

	// Rate info (for arrival-rate executors), per second
	CurrentRate float64 `json:"currentRate"`
	TargetRate  float64 `json:"targetRate"`
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.GracefulStop == 0 {
		c.GracefulStop = DefaultGracefulStop
	}
	if c.Type == TypeRampingVUs && c.GracefulRampDown == 0 {
		c.GracefulRampDown = DefaultGracefulRampDown
	}

	switch c.Type {
	case TypeConstantArrivalRate, TypeRampingArrivalRate:
		if c.TimeUnit == 0 {
			c.TimeUnit = DefaultTimeUnit
		}
		if c.PreAllocatedVUs <= 0 {
			c.PreAllocatedVUs = 1
		}
		if c.MaxVUs <= 0 {
			c.MaxVUs = c.PreAllocatedVUs
		}
	case TypePerVUIterations, TypeSharedIterations:
		if c.MaxDuration == 0 {
			c.MaxDuration = DefaultMaxDuration
		}
	}
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}

	for i, stage := range c.Stages {
		if stage.Duration < 0 {
			return &ValidationError{Field: stageField(i, "duration"), Message: "stage duration cannot be negative"}
		}
		if stage.Target < 0 {
			return &ValidationError{Field: stageField(i, "target"), Message: "stage target cannot be negative"}
		}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop cannot be negative"}
	}
	if c.StartTime < 0 {
		return &ValidationError{Field: "startTime", Message: "startTime cannot be negative"}
	}

	switch c.Type {
	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		if c.StartVUs < 0 {
			return &ValidationError{Field: "startVUs", Message: "startVUs cannot be negative"}
		}

	case TypeConstantArrivalRate:
		if c.Rate <= 0 {
			return &ValidationError{Field: "rate", Message: "rate must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}
		return c.validatePool()

	case TypeRampingArrivalRate:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		if c.StartRate < 0 {
			return &ValidationError{Field: "startRate", Message: "startRate cannot be negative"}
		}
		return c.validatePool()

	case TypePerVUIterations, TypeSharedIterations:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Iterations <= 0 {
			return &ValidationError{Field: "iterations", Message: "iterations must be > 0"}
		}
		if c.MaxDuration < 0 {
			return &ValidationError{Field: "maxDuration", Message: "maxDuration cannot be negative"}
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	return nil
}

func (c *Config) validatePool() error {
	if c.PreAllocatedVUs < 0 {
		return &ValidationError{Field: "preAllocatedVUs", Message: "preAllocatedVUs cannot be negative"}
	}
	if c.MaxVUs > 0 && c.MaxVUs < c.PreAllocatedVUs {
		return &ValidationError{Field: "maxVUs", Message: "maxVUs cannot be less than preAllocatedVUs"}
	}
	return nil
}

// TotalDuration calculates the scheduled duration for this executor,
// excluding graceful stop.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeConstantVUs, TypeConstantArrivalRate:
		return c.Duration

	case TypeRampingVUs, TypeRampingArrivalRate:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total

	case TypePerVUIterations, TypeSharedIterations:
		// Upper bound; usually finishes earlier
		return c.MaxDuration

	default:
		return 0
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

func stageField(i int, name string) string {
	return "stages[" + strconv.Itoa(i) + "]." + name
}
