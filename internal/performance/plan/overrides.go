package plan

import (
	"github.com/wesleyorama2/stampede/internal/performance/config"
)

// DefaultScenario names the scenario built from command-line overrides.
const DefaultScenario = "default"

// Overrides replace the script's scenarios with a single one built from
// command-line flags.
type Overrides struct {
	VUs        int
	Duration   string
	Iterations int
}

// IsZero reports whether no override is set.
func (o Overrides) IsZero() bool {
	return o.VUs == 0 && o.Duration == "" && o.Iterations == 0
}

// Apply returns cfg with its scenarios replaced according to o. With
// iterations set the scenario is shared-iterations; with a duration it is
// constant-vus. VUs alone scales every scenario's VU count instead.
// cfg itself is not modified.
func (o Overrides) Apply(cfg *config.TestConfig) *config.TestConfig {
	if o.IsZero() {
		return cfg
	}
	out := *cfg

	vus := o.VUs
	if vus <= 0 {
		vus = 1
	}

	switch {
	case o.Iterations > 0:
		out.Scenarios = map[string]*config.ScenarioConfig{
			DefaultScenario: {
				Executor:    "shared-iterations",
				VUs:         vus,
				Iterations:  o.Iterations,
				MaxDuration: o.Duration,
			},
		}
	case o.Duration != "":
		out.Scenarios = map[string]*config.ScenarioConfig{
			DefaultScenario: {
				Executor: "constant-vus",
				VUs:      vus,
				Duration: o.Duration,
			},
		}
	default:
		out.Scenarios = make(map[string]*config.ScenarioConfig, len(cfg.Scenarios))
		for name, sc := range cfg.Scenarios {
			if sc == nil {
				continue
			}
			cp := *sc
			switch cp.Executor {
			case "constant-vus", "per-vu-iterations", "shared-iterations":
				cp.VUs = o.VUs
			}
			out.Scenarios[name] = &cp
		}
	}

	// the overridden scenarios replace whatever a variant would select
	out.Variants = nil
	return &out
}
