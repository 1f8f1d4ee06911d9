package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/artifact"
	"github.com/taku10101/playwright-secretary/internal/discovery"
	"github.com/taku10101/playwright-secretary/internal/driver"
	"github.com/taku10101/playwright-secretary/internal/driver/htmlpage"
	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/history"
	"github.com/taku10101/playwright-secretary/internal/idempotency"
	"github.com/taku10101/playwright-secretary/internal/lease"
	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/matcher"
	"github.com/taku10101/playwright-secretary/internal/metrics"
	"github.com/taku10101/playwright-secretary/internal/pool"
	"github.com/taku10101/playwright-secretary/internal/runner"
	"github.com/taku10101/playwright-secretary/internal/store"
)

const searchHTML = `<html><head><title>Search</title></head><body>
<form><input id="q" name="q" placeholder="Search"><button id="go" type="button">Go</button></form>
</body></html>`

const searchPatternJSON = `{
  "id": "search",
  "name": "Search the web",
  "description": "Type a query and submit it",
  "service": "web",
  "category": "search",
  "parameters": [{"name": "query", "type": "string", "required": true}],
  "steps": [
    {"order": 1, "type": "fill", "selector": "#q", "value": "{{query}}"},
    {"order": 2, "type": "click", "selector": "#go"}
  ]
}`

type testServer struct {
	handler http.Handler
	lib     *library.Library
}

func newTestServer(t *testing.T, cfg Config) testServer {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	leases := lease.NewInMemoryManager()

	lib, err := library.New(store.NewMemory(), leases, library.Config{Metrics: m}, logger)
	require.NoError(t, err)

	pages := pool.New(pool.OpenerFunc(func(context.Context) (driver.Page, error) {
		return htmlpage.FromString(searchHTML, "https://search.example.com/")
	}), pool.Config{Size: 1, WaitTimeout: time.Second, PollInterval: time.Millisecond}, logger)
	t.Cleanup(func() { _ = pages.Close() })

	executions := history.NewInMemory()
	artifacts, err := artifact.NewLocalStore(t.TempDir(), "/artifacts")
	require.NoError(t, err)
	run := runner.New(lib, engine.New(engine.Config{Metrics: m}, logger), pages, executions, artifacts, runner.Config{Metrics: m}, logger)

	srv := NewServer(Dependencies{
		Library:         lib,
		Matcher:         matcher.New(lib, logger),
		Discoverer:      discovery.New(nil, logger),
		Runner:          run,
		History:         executions,
		Pages:           pages,
		Idempotency:     idempotency.NewGuard(idempotency.NewMemory(100, time.Hour), leases, idempotency.Config{}),
		Metrics:         m,
		Gatherer:        reg,
		Artifacts:       artifacts.Handler(),
		ArtifactBaseURL: artifacts.BaseURL(),
	}, cfg, logger)
	return testServer{handler: srv.Routes(), lib: lib}
}

func (ts testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{})
	rr := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestPatternLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{})

	rr := ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/patterns/web/search", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"Search the web"`)

	rr = ts.do(t, http.MethodGet, "/v1/patterns?service=web&category=search", "")
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode[map[string][]json.RawMessage](t, rr)
	assert.Len(t, listed["patterns"], 1)

	updated := strings.Replace(searchPatternJSON, "Search the web", "Web search", 1)
	rr = ts.do(t, http.MethodPut, "/v1/patterns/web/search", updated)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"name":"Web search"`)

	rr = ts.do(t, http.MethodPut, "/v1/patterns/mail/search", updated)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "body and path disagree")

	rr = ts.do(t, http.MethodDelete, "/v1/patterns/web/search", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, http.MethodDelete, "/v1/patterns/web/search", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = ts.do(t, http.MethodGet, "/v1/patterns/web/search", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreatePatternRejectsInvalid(t *testing.T) {
	ts := newTestServer(t, Config{})

	rr := ts.do(t, http.MethodPost, "/v1/patterns", `{"id":"x","service":"web","steps":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid_pattern")

	rr = ts.do(t, http.MethodPost, "/v1/patterns", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON).Code)

	exported := ts.do(t, http.MethodGet, "/v1/patterns/export?format=yaml", "")
	require.Equal(t, http.StatusOK, exported.Code)
	assert.Equal(t, "application/yaml", exported.Header().Get("Content-Type"))

	other := newTestServer(t, Config{})
	rr := other.do(t, http.MethodPost, "/v1/patterns/import?format=yaml", exported.Body.String())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"imported":1}`, rr.Body.String())

	rr = other.do(t, http.MethodPost, "/v1/patterns/import?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMatch(t *testing.T) {
	ts := newTestServer(t, Config{})

	rr := ts.do(t, http.MethodPost, "/v1/match", `{"service":"web","action":"search"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code, "empty library")

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON).Code)
	rr = ts.do(t, http.MethodPost, "/v1/match", `{"service":"web","action":"search","parameters":["query"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decode[matchResponse](t, rr)
	assert.Equal(t, "search", got.Match.Pattern.ID)
	assert.Greater(t, got.Match.Score, matcher.Threshold)
	assert.Len(t, got.Candidates, 1)

	rr = ts.do(t, http.MethodPost, "/v1/patterns/suggest", `{"pattern":{"service":"web","name":"search"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"id":"search"`)
}

func TestExecuteAndInspect(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON).Code)

	rr := ts.do(t, http.MethodPost, "/v1/executions", `{"service":"web","pattern_id":"search","parameters":{"query":"golang"},"wait":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	done := decode[history.Execution](t, rr)
	assert.Equal(t, history.StatusSucceeded, done.Status)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.Success)

	rr = ts.do(t, http.MethodGet, "/v1/executions/"+done.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/executions?pattern_id=search&status=succeeded", "")
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode[map[string][]history.Execution](t, rr)
	require.Len(t, listed["executions"], 1)

	rr = ts.do(t, http.MethodPost, "/v1/executions/"+done.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/executions/exec_missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/executions", `{"pattern_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/executions?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[statsResponse](t, rr)
	assert.Equal(t, 1, stats.Library.TotalPatterns)
	assert.Equal(t, 1, stats.Library.TotalUsage)
	assert.Len(t, stats.Pages, 1)
}

func TestQueuedExecutionIsIdempotent(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON).Code)

	body := `{"pattern_id":"search","parameters":{"query":"golang"}}`
	first := ts.do(t, http.MethodPost, "/v1/executions", body, idempotencyHeader, "req-1")
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	second := ts.do(t, http.MethodPost, "/v1/executions", body, idempotencyHeader, "req-1")
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.Equal(t, decode[history.Execution](t, first).ID, decode[history.Execution](t, second).ID)

	third := ts.do(t, http.MethodPost, "/v1/executions", body, idempotencyHeader, "req-2")
	require.Equal(t, http.StatusAccepted, third.Code)
	assert.NotEqual(t, decode[history.Execution](t, first).ID, decode[history.Execution](t, third).ID)

	queued := decode[history.Execution](t, third)
	rr := ts.do(t, http.MethodPost, "/v1/executions/"+queued.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, history.StatusCanceled, decode[history.Execution](t, rr).Status)
}

func TestDiscoverInlineHTML(t *testing.T) {
	ts := newTestServer(t, Config{})

	payload, err := json.Marshal(map[string]any{"html": searchHTML, "url": "https://search.example.com/"})
	require.NoError(t, err)
	rr := ts.do(t, http.MethodPost, "/v1/discover", string(payload))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	structure := decode[discovery.PageStructure](t, rr)
	assert.Equal(t, "Search", structure.Title)
	assert.NotEmpty(t, discovery.FindByType(structure.Elements, discovery.TypeButton))

	payload, err = json.Marshal(map[string]any{"html": searchHTML, "type": "input"})
	require.NoError(t, err)
	rr = ts.do(t, http.MethodPost, "/v1/discover", string(payload))
	require.Equal(t, http.StatusOK, rr.Code)
	structure = decode[discovery.PageStructure](t, rr)
	for _, el := range structure.Elements {
		assert.Equal(t, discovery.TypeInput, el.Type)
	}

	rr = ts.do(t, http.MethodPost, "/v1/discover", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPIKeyGuardsMutations(t *testing.T) {
	ts := newTestServer(t, Config{APIKey: "topsecret"})

	rr := ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/patterns", searchPatternJSON, "Authorization", "Bearer topsecret")
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/patterns", "")
	assert.Equal(t, http.StatusOK, rr.Code, "reads stay open")
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimitPerMinute: 1})

	rr := ts.do(t, http.MethodPost, "/v1/match", `{"service":"web"}`)
	assert.NotEqual(t, http.StatusTooManyRequests, rr.Code)
	rr = ts.do(t, http.MethodPost, "/v1/match", `{"service":"web"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.do(t, http.MethodGet, "/healthz", "")

	rr := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "secretary_http_requests_total")
}

func TestArtifactsAreServed(t *testing.T) {
	ts := newTestServer(t, Config{})
	rr := ts.do(t, http.MethodGet, "/artifacts/screenshots/none/000.png", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/":                              "/",
		"/healthz":                       "/healthz",
		"/v1/patterns":                   "/v1/patterns",
		"/v1/patterns/suggest":           "/v1/patterns/suggest",
		"/v1/patterns/web/search":        "/v1/patterns/{service}/{id}",
		"/v1/executions/exec_1":          "/v1/executions/{id}",
		"/v1/executions/exec_1/cancel":   "/v1/executions/{id}/cancel",
		"/artifacts/screenshots/a/0.png": "/artifacts",
	}
	for path, want := range cases {
		assert.Equal(t, want, routeLabel(path), path)
	}
}
