package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/config"
)

// NewExecutor creates a new executor of the specified type.
//
// Supported types:
//   - "constant-vus" - Fixed number of VUs for a duration
//   - "ramping-vus" - VU count ramps up/down according to stages
//   - "constant-arrival-rate" - Fixed iteration rate (open model)
//   - "ramping-arrival-rate" - Iteration rate ramps up/down
//   - "per-vu-iterations" - Each VU runs a fixed number of iterations
//   - "shared-iterations" - VUs share a fixed total of iterations
//
// Returns an uninitialized executor. Call Init() before Run().
func NewExecutor(executorType Type) (Executor, error) {
	switch executorType {
	case TypeConstantVUs:
		return NewConstantVUs(), nil
	case TypeRampingVUs:
		return NewRampingVUs(), nil
	case TypeConstantArrivalRate:
		return NewConstantArrivalRate(), nil
	case TypeRampingArrivalRate:
		return NewRampingArrivalRate(), nil
	case TypePerVUIterations:
		return NewPerVUIterations(), nil
	case TypeSharedIterations:
		return NewSharedIterations(), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", executorType)
	}
}

// NewExecutorFromString creates a new executor from a string type name.
func NewExecutorFromString(executorType string) (Executor, error) {
	return NewExecutor(Type(executorType))
}

// CreateAndInitExecutor creates and initializes an executor with the given config.
func CreateAndInitExecutor(ctx context.Context, cfg *Config) (Executor, error) {
	exec, err := NewExecutor(cfg.Type)
	if err != nil {
		return nil, err
	}

	if err := exec.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	return exec, nil
}

// FromScenarioConfig converts a scenario from the test file into an
// executor config, parsing every duration string.
func FromScenarioConfig(name string, sc *config.ScenarioConfig) (*Config, error) {
	cfg := &Config{
		Name:            name,
		Type:            Type(sc.Executor),
		VUs:             sc.VUs,
		StartVUs:        sc.StartVUs,
		Iterations:      int64(sc.Iterations),
		Rate:            sc.Rate,
		StartRate:       sc.StartRate,
		PreAllocatedVUs: sc.PreAllocatedVUs,
		MaxVUs:          sc.MaxVUs,
		Flow:            sc.Flow,
		Tags:            sc.Tags,
		Env:             sc.Env,
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"duration", sc.Duration, &cfg.Duration},
		{"maxDuration", sc.MaxDuration, &cfg.MaxDuration},
		{"timeUnit", sc.TimeUnit, &cfg.TimeUnit},
		{"gracefulStop", sc.GracefulStop, &cfg.GracefulStop},
		{"gracefulRampDown", sc.GracefulRampDown, &cfg.GracefulRampDown},
		{"startTime", sc.StartTime, &cfg.StartTime},
	}
	for _, d := range durations {
		v, err := config.ParseDurationString(d.value)
		if err != nil {
			return nil, &ValidationError{Field: d.field, Message: err.Error()}
		}
		*d.dst = v
	}

	for i, stage := range sc.Stages {
		d, err := config.ParseDurationString(stage.Duration)
		if err != nil {
			return nil, &ValidationError{Field: stageField(i, "duration"), Message: err.Error()}
		}
		cfg.Stages = append(cfg.Stages, Stage{
			Duration: d,
			Target:   stage.Target,
			Name:     stage.Name,
		})
	}

	pacing, err := performance.ParsePacing(sc.Pacing)
	if err != nil {
		return nil, &ValidationError{Field: "pacing", Message: err.Error()}
	}
	cfg.Pacing = pacing

	return cfg, nil
}

// CreateExecutorFromScenarioConfig creates and initializes an executor from a scenario config.
func CreateExecutorFromScenarioConfig(ctx context.Context, name string, sc *config.ScenarioConfig) (Executor, *Config, error) {
	execConfig, err := FromScenarioConfig(name, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to convert scenario config: %w", err)
	}

	exec, err := CreateAndInitExecutor(ctx, execConfig)
	if err != nil {
		return nil, nil, err
	}

	return exec, execConfig, nil
}

// IsValidExecutorType returns true if the type is a valid executor type.
func IsValidExecutorType(executorType string) bool {
	for _, t := range GetSupportedExecutors() {
		if string(t) == executorType {
			return true
		}
	}
	return false
}

// GetSupportedExecutors returns a list of all supported executor types.
func GetSupportedExecutors() []Type {
	return []Type{
		TypeConstantVUs,
		TypeRampingVUs,
		TypeConstantArrivalRate,
		TypeRampingArrivalRate,
		TypePerVUIterations,
		TypeSharedIterations,
	}
}

// ExecutorDescription provides documentation for an executor type.
type ExecutorDescription struct {
	Type        Type
	Name        string
	Description string
	UseCases    []string
}

// GetExecutorDescription returns documentation for an executor type.
func GetExecutorDescription(executorType Type) *ExecutorDescription {
	switch executorType {
	case TypeConstantVUs:
		return &ExecutorDescription{
			Type:        TypeConstantVUs,
			Name:        "Constant VUs",
			Description: "Runs a fixed number of VUs for a specified duration. Each VU runs as fast as it can (closed model).",
			UseCases: []string{
				"Basic load testing",
				"Determining max throughput for N concurrent users",
				"Simple soak testing",
			},
		}
	case TypeRampingVUs:
		return &ExecutorDescription{
			Type:        TypeRampingVUs,
			Name:        "Ramping VUs",
			Description: "Ramps VU count up and down according to stages. Smoothly interpolates between stage targets.",
			UseCases: []string{
				"Realistic traffic simulation (morning ramp-up, evening ramp-down)",
				"Finding the breaking point of a system",
				"Stress testing with gradual load increase",
			},
		}
	case TypeConstantArrivalRate:
		return &ExecutorDescription{
			Type:        TypeConstantArrivalRate,
			Name:        "Constant Arrival Rate",
			Description: "Starts iterations at a fixed rate regardless of response time. Iterations that find no free VU are dropped.",
			UseCases: []string{
				"Testing system behavior under constant load",
				"SLA validation (e.g., system must handle 100 RPS)",
				"Capacity testing with predictable arrival patterns",
			},
		}
	case TypeRampingArrivalRate:
		return &ExecutorDescription{
			Type:        TypeRampingArrivalRate,
			Name:        "Ramping Arrival Rate",
			Description: "Ramps iteration rate from startRate through stage targets. Like constant-arrival-rate but with variable rate over time.",
			UseCases: []string{
				"Simulating realistic traffic patterns",
				"Testing auto-scaling behavior",
				"Gradual load test warm-up",
			},
		}
	case TypePerVUIterations:
		return &ExecutorDescription{
			Type:        TypePerVUIterations,
			Name:        "Per-VU Iterations",
			Description: "Each VU runs exactly the configured number of iterations, bounded by maxDuration.",
			UseCases: []string{
				"Running each user journey a fixed number of times",
				"Functional smoke runs under light concurrency",
			},
		}
	case TypeSharedIterations:
		return &ExecutorDescription{
			Type:        TypeSharedIterations,
			Name:        "Shared Iterations",
			Description: "VUs share a fixed total of iterations; faster VUs run more of them. Bounded by maxDuration.",
			UseCases: []string{
				"Processing a fixed batch of work as fast as possible",
				"Seeding data with bounded concurrency",
			},
		}
	default:
		return nil
	}
}

// CalculateMaxVUs returns the maximum number of VUs that might be used.
//
// For VU-based executors, this is the VU count or the max stage target.
// For arrival-rate executors, this is MaxVUs.
func CalculateMaxVUs(cfg *Config) int {
	switch cfg.Type {
	case TypeRampingVUs:
		maxVUs := cfg.StartVUs
		for _, stage := range cfg.Stages {
			if stage.Target > maxVUs {
				maxVUs = stage.Target
			}
		}
		return maxVUs
	case TypeConstantArrivalRate, TypeRampingArrivalRate:
		if cfg.MaxVUs < cfg.PreAllocatedVUs {
			return cfg.PreAllocatedVUs
		}
		return cfg.MaxVUs
	case TypeSharedIterations:
		if int64(cfg.VUs) > cfg.Iterations {
			return int(cfg.Iterations)
		}
		return cfg.VUs
	default:
		return cfg.VUs
	}
}
