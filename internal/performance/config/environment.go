package config

import (
	"fmt"
	"sort"
	"strings"
)

// Default selections when TYPE_TEST and ENV are unset.
const (
	DefaultVariant     = "smokeTest"
	DefaultEnvironment = "DEV"
)

// Resolve applies a variant and an environment to cfg and returns the result.
// cfg itself is not modified.
//
// An empty typeTest picks DefaultVariant when declared, otherwise the
// top-level scenarios. An empty env picks DefaultEnvironment when any
// environment is declared. Naming an undeclared variant or environment, or
// an environment without a baseUrl, is a validation error.
func Resolve(cfg *TestConfig, typeTest, env string) (*TestConfig, error) {
	out := *cfg
	out.Variables = MergeVariables(cfg.Variables)
	out.Tags = MergeVariables(cfg.Tags)
	out.Scenarios = cfg.Scenarios
	out.Thresholds = cfg.Thresholds.Merge(nil)

	errs := &ValidationErrors{}

	if name, variant, ok := selectVariant(cfg, typeTest, errs); ok {
		if len(variant.Scenarios) > 0 {
			out.Scenarios = variant.Scenarios
		}
		out.Thresholds = out.Thresholds.Merge(variant.Thresholds)
		out.Tags = MergeVariables(out.Tags, variant.Tags)
		out.Tags["type_test"] = name
	}

	if name, environment, ok := selectEnvironment(cfg, env, errs); ok {
		if environment.BaseURL == "" {
			errs.Add(fmt.Sprintf("environments.%s.baseUrl", name), "baseUrl is required")
		}
		out.Settings.BaseURL = environment.BaseURL
		out.Variables = MergeVariables(out.Variables, environment.Variables, map[string]string{
			"baseUrl":        environment.BaseURL,
			"privateBaseUrl": environment.PrivateBaseURL,
			"apiBaseUrl":     environment.APIBaseURL,
		})
		out.Tags["env"] = name
	} else if cfg.Settings.BaseURL != "" {
		if _, set := out.Variables["baseUrl"]; !set {
			out.Variables["baseUrl"] = cfg.Settings.BaseURL
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return &out, nil
}

func selectVariant(cfg *TestConfig, typeTest string, errs *ValidationErrors) (string, *VariantConfig, bool) {
	if typeTest == "" {
		if v, ok := cfg.Variants[DefaultVariant]; ok && v != nil {
			return DefaultVariant, v, true
		}
		return "", nil, false
	}
	v, ok := cfg.Variants[typeTest]
	if !ok || v == nil {
		errs.Add("variants", fmt.Sprintf("unknown test type %q (declared: %s)", typeTest, declared(cfg.Variants)))
		return "", nil, false
	}
	return typeTest, v, true
}

func selectEnvironment(cfg *TestConfig, env string, errs *ValidationErrors) (string, *EnvironmentConfig, bool) {
	if env == "" {
		if len(cfg.Environments) == 0 {
			return "", nil, false
		}
		env = DefaultEnvironment
	}
	e, ok := cfg.Environments[env]
	if !ok || e == nil {
		errs.Add("environments", fmt.Sprintf("unknown environment %q (declared: %s)", env, declared(cfg.Environments)))
		return "", nil, false
	}
	return env, e, true
}

func declared[V any](m map[string]V) string {
	if len(m) == 0 {
		return "none"
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
