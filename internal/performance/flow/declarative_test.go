package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stampedehttp "github.com/wesleyorama2/stampede/internal/http"
	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/data"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// authServer issues a token on POST /auth and requires it on GET /me.
func authServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var meCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Username string `json:"username"`
			ClientID string `json:"clientId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "sess-" + body.Username, Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-" + body.Username, "expires_in": 300})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		meCalls.Add(1)
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":7,"name":"alice","roles":["user"]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &meCalls
}

const authFlowYAML = `
name: auth
variables:
  clientId: web
data:
  users:
    records:
      - username: alice
      - username: bob
flow:
  steps:
    - name: authenticate
      pick: users
      as: user
      request:
        method: POST
        url: /auth
        json:
          username: "{{user.username}}"
          clientId: "{{clientId}}"
        extract:
          - name: token
            source: body
            path: $.access_token
          - name: session
            source: cookie
            path: JSESSIONID
            scope: vu
        assertions:
          - type: status
            condition: eq
            value: "200"
            fatal: true
    - name: infoUser
      requires: [token]
      request:
        method: GET
        url: /me
        headers:
          Authorization: "Bearer {{token}}"
        assertions:
          - type: status
            value: "200"
          - type: body
            path: $.roles[0]
            condition: eq
            value: user
          - type: header
            path: Content-Type
            condition: contains
            value: json
          - type: duration
            value: 5s
          - type: schema
            value: '{"type":"object","required":["id","name"]}'
`

func loadFlow(t *testing.T, src string) (*config.TestConfig, Registry) {
	t.Helper()
	cfg, err := config.ParseConfig([]byte(src), "test.yaml")
	require.NoError(t, err)
	reg, err := FromTestConfig(cfg)
	require.NoError(t, err)
	return cfg, reg
}

func TestDeclarative_AuthThenInfoUser(t *testing.T) {
	srv, meCalls := authServer(t)
	cfg, reg := loadFlow(t, authFlowYAML)

	store, err := data.Load(cfg.Data)
	require.NoError(t, err)

	client := stampedehttp.NewClient(
		stampedehttp.WithBaseURL(srv.URL),
		stampedehttp.WithCookieJar(stampedehttp.NewCookieJar()),
	)
	rt, eng := newTestRuntime(t, client)
	rt.Globals = cfg.Variables
	rt.Data = store

	f, ok := reg.Get("")
	require.True(t, ok)

	const iterations = 3
	for i := int64(1); i <= iterations; i++ {
		require.NoError(t, f.Run(context.Background(), rt.NewIteration(i)))
	}

	assert.Equal(t, int64(iterations), meCalls.Load())
	assert.Equal(t, int64(iterations), count(eng, metrics.StepDuration, metrics.Tags{"step": "authenticate"}))
	assert.Equal(t, int64(iterations), count(eng, metrics.StepDuration, metrics.Tags{"step": "infoUser"}))
	assert.Equal(t, float64(0), eng.Value(metrics.StepFailed, nil, "rate"))
	assert.Equal(t, float64(0), eng.Value(metrics.HTTPReqFailed, nil, "rate"))
	assert.Equal(t, float64(1), eng.Value(metrics.Checks, nil, "rate"))
	assert.Equal(t, float64(2*iterations), eng.Value(metrics.HTTPReqs, nil, "count"))

	session, ok := rt.Locals.Get("session")
	require.True(t, ok, "vu-scoped extraction persists")
	assert.Equal(t, "sess-alice", session)
}

func TestDeclarative_MissingTokenDoesNotCrash(t *testing.T) {
	srv, meCalls := authServer(t)
	_, reg := loadFlow(t, `
flow:
  steps:
    - name: infoUser
      requires: [token]
      request:
        method: GET
        url: /me
    - name: templated
      onMissing: skip
      request:
        url: "/me?user={{undefinedVar}}"
`)

	rt, eng := newTestRuntime(t, stampedehttp.NewClient(stampedehttp.WithBaseURL(srv.URL)))
	_, err := eng.Submetric(metrics.Errors, metrics.Tags{"kind": "flow"})
	require.NoError(t, err)
	f, _ := reg.Get(DefaultFlow)

	for i := int64(1); i <= 5; i++ {
		err := f.Run(context.Background(), rt.NewIteration(i))
		var missing *MissingValueError
		require.ErrorAs(t, err, &missing)
	}

	assert.Equal(t, int64(0), meCalls.Load())
	assert.Equal(t, int64(5), count(eng, metrics.Errors, metrics.Tags{"kind": "flow"}))
}

func TestDeclarative_TemplateSkipPolicy(t *testing.T) {
	srv, meCalls := authServer(t)
	_, reg := loadFlow(t, `
flow:
  steps:
    - name: templated
      onMissing: skip
      request:
        url: "/me?user={{undefinedVar}}"
    - name: plain
      request:
        url: /me
`)
	rt, _ := newTestRuntime(t, stampedehttp.NewClient(stampedehttp.WithBaseURL(srv.URL)))
	f, _ := reg.Get(DefaultFlow)

	require.NoError(t, f.Run(context.Background(), rt.NewIteration(1)))
	assert.Equal(t, int64(1), meCalls.Load(), "only the plain step sends a request")
}

func TestDeclarative_FatalCheckFailsIteration(t *testing.T) {
	srv, _ := authServer(t)
	_, reg := loadFlow(t, `
flow:
  steps:
    - name: unauthorized
      request:
        url: /me
        assertions:
          - type: status
            value: "200"
            message: "is authorized"
            fatal: true
    - name: unreachable
      request:
        url: /me
`)
	rt, eng := newTestRuntime(t, stampedehttp.NewClient(stampedehttp.WithBaseURL(srv.URL)))
	f, _ := reg.Get(DefaultFlow)

	err := f.Run(context.Background(), rt.NewIteration(1))
	var checkErr *CheckError
	require.ErrorAs(t, err, &checkErr)
	assert.Equal(t, "is authorized", checkErr.Check)
	assert.Equal(t, float64(0), eng.Value(metrics.Checks, metrics.Tags{"step": "unauthorized"}, "rate"))
	assert.Equal(t, float64(1), eng.Value(metrics.HTTPReqs, nil, "count"))
	assert.Equal(t, float64(1), eng.Value(metrics.HTTPReqFailed, nil, "rate"))
}

func TestDeclarative_NonFatalCheckContinues(t *testing.T) {
	srv, meCalls := authServer(t)
	_, reg := loadFlow(t, `
flow:
  steps:
    - name: first
      request:
        url: /me
        assertions:
          - type: status
            value: "200"
    - name: second
      request:
        url: /me
`)
	rt, _ := newTestRuntime(t, stampedehttp.NewClient(stampedehttp.WithBaseURL(srv.URL)))
	f, _ := reg.Get(DefaultFlow)

	require.NoError(t, f.Run(context.Background(), rt.NewIteration(1)))
	assert.Equal(t, int64(2), meCalls.Load())
}

func TestDeclarative_NetworkErrorAbortsUnlessContinue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, reg := loadFlow(t, `
flow:
  steps:
    - name: tolerant
      continueOnError: true
      request:
        url: /down
    - name: strict
      request:
        url: /down
    - name: never
      request:
        url: /down
`)
	rt, eng := newTestRuntime(t, stampedehttp.NewClient(stampedehttp.WithBaseURL(addr)))
	_, err := eng.Submetric(metrics.Errors, metrics.Tags{"kind": "network"})
	require.NoError(t, err)
	f, _ := reg.Get(DefaultFlow)

	err = f.Run(context.Background(), rt.NewIteration(1))
	var reqErr *stampedehttp.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, int64(2), count(eng, metrics.Errors, metrics.Tags{"kind": "network"}))
	assert.Equal(t, float64(1), eng.Value(metrics.HTTPReqFailed, nil, "rate"))
}

func TestDeclarative_GroupsAndExtractionSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "rid-1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`<input name="csrf" value="abc123">`))
	}))
	defer srv.Close()

	_, reg := loadFlow(t, `
flow:
  steps:
    - name: checkout
      steps:
        - name: form
          request:
            url: /form
            extract:
              - name: csrf
                source: regex
                regex: 'name="csrf" value="([^"]+)"'
              - name: rid
                source: header
                path: X-Request-Id
              - name: code
                source: status
        - name: submit
          requires: [csrf, rid, code]
          request:
            method: POST
            url: /submit
            form:
              csrf: "{{csrf}}"
            assertions:
              - type: body
                condition: contains
                value: "{{csrf}}"
`)
	rt, eng := newTestRuntime(t, stampedehttp.NewClient(stampedehttp.WithBaseURL(srv.URL)))
	f, _ := reg.Get(DefaultFlow)

	it := rt.NewIteration(1)
	require.NoError(t, f.Run(context.Background(), it))

	csrf, _ := it.Vars.Get("csrf")
	rid, _ := it.Vars.Get("rid")
	code, _ := it.Vars.Get("code")
	assert.Equal(t, "abc123", csrf)
	assert.Equal(t, "rid-1", rid)
	assert.Equal(t, 201, code)
	assert.Equal(t, int64(1), count(eng, metrics.GroupDuration, metrics.Tags{"group": "::checkout"}))
	assert.Equal(t, float64(1), eng.Value(metrics.Checks, nil, "rate"))
}

func TestFromConfig_CompileErrors(t *testing.T) {
	tests := map[string]*config.FlowConfig{
		"bad template": {Steps: []config.StepConfig{{Name: "s", Request: &config.RequestConfig{URL: "/{{oops"}}}},
		"bad regex": {Steps: []config.StepConfig{{Name: "s", Request: &config.RequestConfig{URL: "/",
			Extract: []config.ExtractConfig{{Name: "x", Source: "regex", Regex: "("}}}}}},
		"bad schema": {Steps: []config.StepConfig{{Name: "s", Request: &config.RequestConfig{URL: "/",
			Assertions: []config.AssertionConfig{{Type: "schema", Value: "{"}}}}}},
		"bad condition": {Steps: []config.StepConfig{{Name: "s", Request: &config.RequestConfig{URL: "/",
			Assertions: []config.AssertionConfig{{Type: "status", Condition: "approx", Value: "200"}}}}}},
		"bad policy": {Steps: []config.StepConfig{{Name: "s", OnMissing: "retry"}}},
		"bad sleep":  {Steps: []config.StepConfig{{Name: "s", Sleep: "soon"}}},
	}
	for name, fc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromConfig("f", fc)
			assert.Error(t, err)
		})
	}
}

func TestCompareValues(t *testing.T) {
	assert.True(t, compareValues("200", "eq", "200.0"))
	assert.True(t, compareValues("abc", "ne", "abd"))
	assert.True(t, compareValues("10", "gt", "9"))
	assert.False(t, compareValues("abc", "gt", "abb"))
	assert.True(t, compareValues("hello world", "contains", "lo w"))
	assert.True(t, compareValues("5", "lte", "5"))
}
