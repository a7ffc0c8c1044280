package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ThresholdsConfig maps a metric selector such as "http_req_duration{step:auth}"
// to its assertions.
type ThresholdsConfig map[string][]ThresholdConfig

// ThresholdConfig is one assertion. It is written either as a bare
// expression string or as an object:
//
//	http_req_failed:
//	  - "rate < 0.01"
//	  - threshold: "rate < 0.1"
//	    abortOnFail: true
//	    delayAbortEval: 10s
type ThresholdConfig struct {
	Threshold      string `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool   `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval string `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

type thresholdObject ThresholdConfig

// UnmarshalYAML accepts a scalar expression or a mapping.
func (t *ThresholdConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = ThresholdConfig{Threshold: node.Value}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: threshold must be a string or an object", node.Line)
	}
	var obj thresholdObject
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*t = ThresholdConfig(obj)
	return nil
}

// UnmarshalJSON accepts a string expression or an object.
func (t *ThresholdConfig) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = ThresholdConfig{Threshold: s}
		return nil
	}
	var obj thresholdObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("threshold must be a string or an object: %w", err)
	}
	*t = ThresholdConfig(obj)
	return nil
}

// Merge returns t overlaid with other; selectors in other replace those in t.
func (t ThresholdsConfig) Merge(other ThresholdsConfig) ThresholdsConfig {
	if len(t) == 0 && len(other) == 0 {
		return nil
	}
	out := make(ThresholdsConfig, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
