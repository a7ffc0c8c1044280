package performance

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/config"
)

// PacingType identifies the type of pacing.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// Pacing controls time between iterations of one VU.
type Pacing struct {
	Type PacingType `json:"type" yaml:"type"`

	// Duration for constant pacing
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min and Max bound random pacing
	Min time.Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// ParsePacing converts the script form. A nil config means no pacing.
func ParsePacing(pc *config.PacingConfig) (*Pacing, error) {
	if pc == nil || pc.Type == "" || pc.Type == string(PacingNone) {
		return nil, nil
	}

	parse := func(field, s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		d, err := config.ParseDurationString(s)
		if err != nil {
			return 0, fmt.Errorf("pacing.%s: %w", field, err)
		}
		return d, nil
	}

	p := &Pacing{Type: PacingType(pc.Type)}
	var err error
	switch p.Type {
	case PacingConstant:
		p.Duration, err = parse("duration", pc.Duration)
	case PacingRandom:
		if p.Min, err = parse("min", pc.Min); err != nil {
			return nil, err
		}
		p.Max, err = parse("max", pc.Max)
	default:
		return nil, fmt.Errorf("unknown pacing type: %s", pc.Type)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Next returns how long to wait before the next iteration.
func (p *Pacing) Next() time.Duration {
	if p == nil {
		return 0
	}
	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		diff := p.Max - p.Min
		if diff > 0 {
			return p.Min + rand.N(diff)
		}
		return p.Min
	default:
		return 0
	}
}
