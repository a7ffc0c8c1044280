package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadSample(t *testing.T) *TestConfig {
	t.Helper()
	cfg, err := ParseConfig([]byte(sampleYAML), "sample.yaml")
	require.NoError(t, err)
	return cfg
}

func TestResolve_Defaults(t *testing.T) {
	cfg := loadSample(t)

	resolved, err := Resolve(cfg, "", "")
	require.NoError(t, err)

	assert.Contains(t, resolved.Scenarios, "smoke")
	assert.Equal(t, "https://dev.example.com", resolved.Settings.BaseURL)
	assert.Equal(t, "https://dev.example.com", resolved.Variables["baseUrl"])
	assert.Equal(t, "https://api.dev.example.com", resolved.Variables["apiBaseUrl"])
	assert.Equal(t, "web", resolved.Variables["clientId"])
	assert.Equal(t, "smokeTest", resolved.Tags["type_test"])
	assert.Equal(t, "DEV", resolved.Tags["env"])
	assert.Equal(t, "perf", resolved.Tags["team"])

	// The input is left untouched.
	assert.Empty(t, cfg.Settings.BaseURL)
	assert.NotContains(t, cfg.Variables, "baseUrl")
}

func TestResolve_VariantAndEnvironment(t *testing.T) {
	cfg := loadSample(t)

	resolved, err := Resolve(cfg, "loadTest", "PROD")
	require.NoError(t, err)

	assert.Contains(t, resolved.Scenarios, "load")
	assert.NotContains(t, resolved.Scenarios, "smoke")
	assert.Equal(t, "https://example.com", resolved.Variables["baseUrl"])

	// Variant thresholds are merged over the top-level ones.
	assert.Contains(t, resolved.Thresholds, "http_req_duration")
	require.Contains(t, resolved.Thresholds, "http_req_failed")
	assert.True(t, resolved.Thresholds["http_req_failed"][0].AbortOnFail)
}

func TestResolve_UnknownVariant(t *testing.T) {
	cfg := loadSample(t)

	_, err := Resolve(cfg, "soakTest", "DEV")
	require.Error(t, err)

	var verrs *ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{"variants"}, verrs.Fields())
	assert.Contains(t, err.Error(), "loadTest, smokeTest")
}

func TestResolve_UnknownEnvironment(t *testing.T) {
	cfg := loadSample(t)

	_, err := Resolve(cfg, "", "STAGING")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "STAGING"))
}

func TestResolve_EmptyBaseURL(t *testing.T) {
	cfg := loadSample(t)
	cfg.Environments["QA"] = &EnvironmentConfig{}

	_, err := Resolve(cfg, "", "QA")
	require.Error(t, err)

	var verrs *ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{"environments.QA.baseUrl"}, verrs.Fields())
}

func TestResolve_NoVariantsOrEnvironments(t *testing.T) {
	cfg := &TestConfig{
		Settings:  GlobalSettings{BaseURL: "http://localhost:8080"},
		Scenarios: map[string]*ScenarioConfig{"s": {Executor: "constant-vus", VUs: 1, Duration: "1s"}},
	}

	resolved, err := Resolve(cfg, "", "")
	require.NoError(t, err)
	assert.Contains(t, resolved.Scenarios, "s")
	assert.Equal(t, "http://localhost:8080", resolved.Variables["baseUrl"])
	assert.NotContains(t, resolved.Tags, "type_test")

	_, err = Resolve(cfg, "smokeTest", "")
	assert.Error(t, err, "an explicit variant must be declared")
}
