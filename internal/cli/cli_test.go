package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/output"
	"github.com/wesleyorama2/stampede/internal/performance/plan"
	"github.com/wesleyorama2/stampede/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":42}}`))
	})
	mux.HandleFunc("GET /fail", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

const script = `
name: cli auth flow
environments:
  DEV:
    baseUrl: %[1]s
  STAGING:
    baseUrl: %[1]s
variants:
  smokeTest:
    scenarios:
      smoke:
        executor: per-vu-iterations
        vus: 2
        iterations: 3
  loadTest:
    scenarios:
      load:
        executor: shared-iterations
        vus: 3
        iterations: 12
flow:
  steps:
    - name: authenticate
      request:
        method: POST
        url: "{{baseUrl}}/auth"
        extract:
          - name: token
            source: body
            path: token
    - name: infoUser
      requires: [token]
      request:
        method: GET
        url: "{{baseUrl}}/info"
        headers:
          Authorization: "Bearer {{token}}"
        assertions:
          - type: status
            value: "200"
thresholds:
  http_req_failed:
    - "rate == 0"
`

const failingScript = `
name: failing
settings:
  baseUrl: %s
scenarios:
  errors:
    executor: shared-iterations
    vus: 1
    iterations: 5
flow:
  steps:
    - name: fail
      request:
        method: GET
        url: "{{baseUrl}}/fail"
thresholds:
  http_req_failed:
    - "rate < 0.01"
`

func writeScript(t *testing.T, format string, args ...any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(format, args...)), 0o644))
	return path
}

type result struct {
	stdout string
	stderr string
	err    error
}

func (r result) code() int {
	return ExitCode(r.err)
}

func execute(t *testing.T, args ...string) result {
	t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestRun_Passing(t *testing.T) {
	srv, hits := newTestServer(t)
	path := writeScript(t, script, srv.URL)
	history := filepath.Join(t.TempDir(), "history.db")

	r := execute(t, "run", path, "--history", history)
	require.NoError(t, r.err, r.stderr)
	assert.Equal(t, ExitOK, r.code())

	assert.Contains(t, r.stdout, "cli auth flow - Completed ✓")
	assert.Contains(t, r.stdout, "Test type:     smokeTest")
	assert.Contains(t, r.stdout, "Environment:   DEV")
	assert.Contains(t, r.stdout, "smoke [per-vu-iterations]  iterations=6")
	assert.Contains(t, r.stdout, "✓ http_req_failed 'rate == 0'")
	assert.Equal(t, int64(12), hits.Load())

	store, err := storage.Open(history)
	require.NoError(t, err)
	defer store.Close()
	items, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "cli auth flow", items[0].Name)
	assert.True(t, items[0].Passed)
	assert.Equal(t, int64(12), items[0].Summary.TotalRequests)
}

func TestRun_VariantAndEnvironmentFromEnv(t *testing.T) {
	srv, _ := newTestServer(t)
	path := writeScript(t, script, srv.URL)
	t.Setenv("TYPE_TEST", "loadTest")
	t.Setenv("ENV", "STAGING")

	r := execute(t, "run", path, "--history", "", "--json")
	require.NoError(t, r.err, r.stderr)

	var s output.Summary
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &s))
	assert.Equal(t, "loadTest", s.TypeTest)
	assert.Equal(t, "STAGING", s.Environment)
	require.Len(t, s.Scenarios, 1)
	assert.Equal(t, int64(12), s.Scenarios[0].Iterations)
}

func TestRun_FlagsOverrideEnv(t *testing.T) {
	srv, _ := newTestServer(t)
	path := writeScript(t, script, srv.URL)
	t.Setenv("TYPE_TEST", "stressTest")

	r := execute(t, "run", path, "--history", "", "--json", "--type", "smokeTest")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, `"typeTest": "smokeTest"`)
}

func TestRun_UnknownVariantIsConfigError(t *testing.T) {
	srv, hits := newTestServer(t)
	path := writeScript(t, script, srv.URL)
	t.Setenv("TYPE_TEST", "stressTest")

	r := execute(t, "run", path, "--history", "")
	assert.Equal(t, ExitConfigError, r.code())
	assert.True(t, plan.IsConfigError(r.err))
	assert.Contains(t, r.err.Error(), `unknown test type "stressTest"`)
	assert.Zero(t, hits.Load(), "no traffic on config errors")
}

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{
			name: "unknown executor",
			script: `
name: bad
scenarios:
  s:
    executor: warp-speed
flow:
  steps:
    - name: a
      request:
        method: GET
        url: http://localhost/
`,
		},
		{
			name:   "malformed yaml",
			script: "name: [unclosed\n",
		},
		{
			name: "bad threshold",
			script: `
name: bad
scenarios:
  s:
    executor: shared-iterations
    iterations: 1
flow:
  steps:
    - name: a
      request:
        method: GET
        url: http://localhost/
thresholds:
  http_req_duration:
    - "p(95) <<< 3"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, "%s", tt.script)
			r := execute(t, "run", path, "--history", "")
			assert.Equal(t, ExitConfigError, r.code(), "err: %v", r.err)
		})
	}

	r := execute(t, "run", filepath.Join(t.TempDir(), "missing.yaml"), "--history", "")
	assert.Equal(t, ExitConfigError, r.code())
}

func TestRun_ThresholdsFailed(t *testing.T) {
	srv, _ := newTestServer(t)
	path := writeScript(t, failingScript, srv.URL)
	export := filepath.Join(t.TempDir(), "out", "summary.json")

	r := execute(t, "run", path, "--history", "", "--summary-export", export)
	require.Error(t, r.err)
	assert.Equal(t, ExitThresholdsFailed, r.code())
	assert.Contains(t, r.err.Error(), "thresholds on metrics 'http_req_failed' have been crossed")
	assert.Contains(t, r.stdout, "failing - Failed ✗")
	assert.Contains(t, r.stdout, "✗ http_req_failed 'rate < 0.01'")

	b, err := os.ReadFile(export)
	require.NoError(t, err)
	var s output.Summary
	require.NoError(t, json.Unmarshal(b, &s))
	assert.False(t, s.Passed)
	assert.Equal(t, map[string]bool{"rate < 0.01": false}, s.Metrics["http_req_failed"].Thresholds)
}

func TestRun_Overrides(t *testing.T) {
	srv, hits := newTestServer(t)
	path := writeScript(t, failingScript, srv.URL)

	r := execute(t, "run", path, "--history", "", "--quiet", "--vus", "2", "--iterations", "8")
	assert.Equal(t, ExitThresholdsFailed, r.code())
	assert.Equal(t, int64(8), hits.Load())
	assert.Equal(t, "FAILED\n", r.stdout)
}

func TestRun_PrometheusAddr(t *testing.T) {
	srv, _ := newTestServer(t)
	path := writeScript(t, script, srv.URL)

	r := execute(t, "run", path, "--history", "", "--quiet", "--prometheus-addr", "127.0.0.1:0")
	require.NoError(t, r.err, r.stderr)
	assert.Equal(t, "PASSED\n", r.stdout)

	r = execute(t, "run", path, "--history", "", "--prometheus-addr", "256.0.0.1:bad")
	assert.Equal(t, ExitFailure, r.code())
}

func TestRun_InvalidLogFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	path := writeScript(t, script, srv.URL)

	r := execute(t, "run", path, "--history", "", "--log-format", "xml")
	assert.Equal(t, ExitConfigError, r.code())
}

func TestRun_StructuredLogs(t *testing.T) {
	srv, _ := newTestServer(t)
	path := writeScript(t, script, srv.URL)

	r := execute(t, "run", path, "--history", "", "--quiet", "--log-level", "info", "--log-format", "json")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, `"msg":"starting test run"`)
}

func TestValidate(t *testing.T) {
	srv, hits := newTestServer(t)
	path := writeScript(t, script, srv.URL)

	r := execute(t, "validate", path)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "is valid")
	assert.Contains(t, r.stdout, "Test type:     smokeTest")
	assert.Contains(t, r.stdout, "smoke [per-vu-iterations]")
	assert.Contains(t, r.stdout, "baseUrl = "+srv.URL)
	assert.Zero(t, hits.Load())

	r = execute(t, "validate", path, "--type", "loadTest", "--json")
	require.NoError(t, r.err)
	var p plan.ExecutionPlan
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &p))
	require.Len(t, p.Executors, 1)
	assert.Equal(t, "load", p.Executors[0].Name)
	assert.Equal(t, 3, p.MaxVUs)

	r = execute(t, "validate", path, "--env", "PROD")
	assert.Equal(t, ExitConfigError, r.code())
	var ve *config.ValidationErrors
	assert.True(t, errors.As(r.err, &ve))
}

func TestHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	path := writeScript(t, script, srv.URL)
	history := filepath.Join(t.TempDir(), "history.db")

	r := execute(t, "history", "--history", history)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "No runs recorded.")

	for i := 0; i < 2; i++ {
		require.NoError(t, execute(t, "run", path, "--history", history, "--quiet").err)
	}

	r = execute(t, "history", "--history", history)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "ID")
	assert.Contains(t, r.stdout, "cli auth flow")
	assert.Contains(t, r.stdout, "passed")

	r = execute(t, "history", "--history", history, "--json", "--limit", "1")
	require.NoError(t, r.err)
	var items []storage.HistoryItem
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &items))
	require.Len(t, items, 1)
	id := items[0].ID

	r = execute(t, "history", id[:8], "--history", history)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Run "+id+" (passed)")
	assert.Contains(t, r.stdout, "✓ http_req_failed 'rate == 0'")

	r = execute(t, "history", id, "--history", history, "--delete")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Deleted run "+id)

	r = execute(t, "history", id, "--history", history)
	assert.ErrorIs(t, r.err, storage.ErrNotFound)

	r = execute(t, "history", "--history", "")
	assert.Error(t, r.err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitThresholdsFailed, ExitCode(&ExitError{Code: ExitThresholdsFailed, Err: errors.New("x")}))
	assert.Equal(t, ExitConfigError, ExitCode(fmt.Errorf("wrapped: %w", &plan.ConfigError{Errs: &config.ValidationErrors{}})))
	assert.Equal(t, "exit status 99", (&ExitError{Code: 99}).Error())
}

func TestExecuteContext_UnknownCommand(t *testing.T) {
	assert.Equal(t, ExitFailure, ExecuteContext(context.Background(), []string{"nope", "--history", ""}))
}
