package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/perf"
)

func TestServer_Routes(t *testing.T) {
	s := newServer(0, zap.NewNop())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/auth/login", "application/json", strings.NewReader(`{"username":"ada"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/users/1/profile", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.PostForm(srv.URL+"/auth/token", url.Values{"grant_type": {"password"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/auth/logout", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// exampleScript copies the auth-flow example next to its data, pointed at
// baseURL.
func exampleScript(t *testing.T, baseURL string) string {
	t.Helper()
	src, err := os.ReadFile(filepath.Join("..", "..", "examples", "auth-flow.yaml"))
	require.NoError(t, err)
	users, err := os.ReadFile(filepath.Join("..", "..", "examples", "data", "users.json"))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "users.json"), users, 0o644))

	script := strings.ReplaceAll(string(src), "http://localhost:8080", baseURL)
	path := filepath.Join(dir, "auth-flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	return path
}

func TestExample_AuthFlowSmoke(t *testing.T) {
	s := newServer(0, zap.NewNop())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	runner, err := perf.Load(exampleScript(t, srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.True(t, result.Passed, "failed thresholds: %+v", result.FailedThresholds())
	assert.Equal(t, "smokeTest", result.TypeTest)
	assert.Equal(t, "DEV", result.Environment)

	iterations, ok := result.Metric("iterations", nil)
	require.True(t, ok)
	assert.Equal(t, 6.0, iterations.Values["count"])

	assert.Equal(t, int64(6), s.logins.Load())
	assert.Equal(t, int64(6), s.profiles.Load())
	assert.Equal(t, int64(6), s.exchanges.Load())
	assert.Equal(t, int64(6), s.opened.Load())
	assert.Equal(t, int64(6), s.logouts.Load())
	assert.Zero(t, s.sessionCount(), "every session was logged out")
}

func TestExample_ValidatesForEveryVariant(t *testing.T) {
	path := exampleScript(t, "http://localhost:8080")
	for _, variant := range []string{"smokeTest", "loadTest", "stressTest"} {
		runner, err := perf.Load(path, perf.WithVariant(variant))
		require.NoError(t, err)
		assert.NoError(t, runner.Validate(), variant)
	}

	runner, err := perf.Load(path, perf.WithEnvironment("PROD"))
	require.NoError(t, err)
	assert.True(t, perf.IsConfigError(runner.Validate()))
}
