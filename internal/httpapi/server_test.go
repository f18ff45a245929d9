package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/bus"
	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/health"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/learning"
	"github.com/dirigent-run/dirigent/internal/memory"
	"github.com/dirigent-run/dirigent/internal/orchestrator"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/session"
	"github.com/dirigent-run/dirigent/internal/taskerr"
	"github.com/dirigent-run/dirigent/internal/tracker"
)

// newFakeBackend speaks enough of the backend wire protocol for the
// handlers under test: NDJSON chat chunks and the tags listing. The reply
// text arrives in deltas when the caller streams and joined otherwise.
func newFakeBackend(t *testing.T, deltas ...string) *httptest.Server {
	t.Helper()
	if len(deltas) == 0 {
		deltas = []string{"hello", " ", "world"}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &req))

		if req.Stream {
			flusher := w.(http.Flusher)
			for _, d := range deltas {
				fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":%q},"done":false}`+"\n", req.Model, d)
				flusher.Flush()
			}
			fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":""},"done":true,"eval_count":3}`+"\n", req.Model)
			return
		}
		fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":%q},"done":true,"prompt_eval_count":12,"eval_count":3}`+"\n",
			req.Model, strings.Join(deltas, ""))
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"models":[{"name":"qwen2.5:latest","size":4000000000},{"name":"llama3.1:latest","size":8000000000}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type staticResolver struct{ model string }

func (r staticResolver) Resolve(context.Context, inference.Class) string { return r.model }

type templateGenerator struct{}

func (templateGenerator) Generate(_ context.Context, _ string, req personas.Requirements) personas.AgentDNA {
	return personas.TemplateDNA(req)
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Inference.Host = backendURL
	cfg.Storage.DataDir = dir
	cfg.Storage.PersonaFile = filepath.Join(dir, "personas.yaml")
	cfg.Storage.MemoryDir = filepath.Join(dir, "memory")
	cfg.Storage.ConversationDir = filepath.Join(dir, "conversations")
	cfg.Storage.WorkspaceDir = filepath.Join(dir, "workspace")
	return cfg
}

type fixture struct {
	api  *httptest.Server
	cfg  *config.Config
	deps Deps
}

type fixtureOpt func(*Deps)

func withEngine(eng Orchestrator) fixtureOpt {
	return func(d *Deps) { d.Engine = eng }
}

// newFixture stands up the full stack behind an httptest server: real
// engine, real inference client, fake backend.
func newFixture(t *testing.T, backendURL string, opts ...fixtureOpt) *fixture {
	t.Helper()
	logger := zap.NewNop()
	cfg := testConfig(t, backendURL)

	client := inference.NewClient(cfg.Inference, logger)
	resolver := staticResolver{model: "test-model"}

	store, err := personas.NewStore(cfg.Storage.PersonaFile, logger)
	require.NoError(t, err)
	mem, err := memory.NewStore(cfg.Storage.MemoryDir, cfg.Storage.RetainRecords, logger)
	require.NoError(t, err)
	t.Cleanup(mem.Close)
	events := bus.New(64, logger)
	t.Cleanup(events.Close)
	sessions, err := session.NewManager(cfg.Session, cfg.Storage.ConversationDir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })
	track := tracker.New(logger)
	optimizer := learning.NewOptimizer(logger)

	eng, err := orchestrator.New(orchestrator.Environment{
		Inference: client,
		Models:    resolver,
		Personas:  store,
		Generator: templateGenerator{},
		Tracker:   track,
		Bus:       events,
		Evaluator: learning.NewEvaluator(logger),
		Optimizer: optimizer,
		Memory:    mem,
		Sessions:  sessions,
		Logger:    logger,
	}, cfg.Orchestrator, cfg.Personality)
	require.NoError(t, err)

	hm := health.NewManager(logger)
	require.NoError(t, hm.Register(health.NewBackendChecker(client)))

	deps := Deps{
		Engine:    eng,
		Inference: client,
		Models:    resolver,
		Health:    hm,
		Personas:  store,
		Tracker:   track,
		Bus:       events,
		Memory:    mem,
		Sessions:  sessions,
		Optimizer: optimizer,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(cfg, deps)
	require.NoError(t, err)

	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)
	return &fixture{api: api, cfg: cfg, deps: deps}
}

func (f *fixture) url(path string) string { return f.api.URL + path }

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(f.url(path))
	require.NoError(t, err)
	return res
}

func (f *fixture) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	res, err := http.Post(f.url(path), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

func TestTaskEndToEnd(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/task", `{"task":"say hi","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var rec memory.WorkflowRecord
	decodeBody(t, res, &rec)
	assert.Equal(t, memory.StatusOK, rec.Status)
	assert.Equal(t, "simple", rec.Complexity)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "completed", rec.Results[0].Status)
	assert.Equal(t, "hello world", rec.Results[0].Output)
	assert.NotEmpty(t, rec.Output)
	assert.NotEmpty(t, rec.WorkflowID)
}

func TestTaskValidationErrors(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	cases := []struct {
		name string
		body string
	}{
		{"missing task", `{}`},
		{"blank task", `{"task":"   "}`},
		{"unknown field", `{"task":"hi","bogus":1}`},
		{"trailing data", `{"task":"hi"}{"task":"again"}`},
		{"bad session id", `{"task":"hi","session_id":"no spaces"}`},
		{"bad format", `{"task":"hi","format":"sonnet"}`},
		{"control characters", "{\"task\":\"hi\\u0000there\"}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := fx.postJSON(t, "/api/task", tc.body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)

			var body errorBody
			decodeBody(t, res, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestTaskBackendDownStillReturnsRecord(t *testing.T) {
	// Reserve a port and close it so every dial is refused.
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := backend.URL
	backend.Close()

	fx := newFixture(t, url)

	res := fx.postJSON(t, "/api/task", `{"task":"say hi"}`)
	require.Equal(t, http.StatusOK, res.StatusCode, "infrastructure failure must surface inside the record")

	var rec memory.WorkflowRecord
	decodeBody(t, res, &rec)
	assert.Equal(t, memory.StatusFailed, rec.Status)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "failed", rec.Results[0].Status)
	assert.Equal(t, "InferenceUnreachable", rec.Results[0].Reason)

	probe := fx.get(t, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, probe.StatusCode)

	var hr healthResponse
	decodeBody(t, probe, &hr)
	assert.Equal(t, "unhealthy", hr.Status)
	assert.Equal(t, "unreachable", hr.Backend)
}

func TestHealthReachableBackend(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.get(t, "/api/health")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var hr healthResponse
	decodeBody(t, res, &hr)
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "reachable", hr.Backend)
	assert.False(t, hr.Timestamp.IsZero())
}

func TestDirectChatBypassesOrchestrator(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/task", `{"task":"what is 2+2","use_orchestrator":false,"session_id":"chat-1"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var cr chatResponse
	decodeBody(t, res, &cr)
	assert.Equal(t, "hello world", cr.Response)
	assert.Equal(t, "test-model", cr.Model)

	assert.Zero(t, fx.deps.Memory.Stats().Total, "direct chat must not record a workflow")

	turns, err := fx.deps.Sessions.History("chat-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, "what is 2+2", turns[0].Content)
	assert.Equal(t, session.RoleAssistant, turns[1].Role)
	assert.Equal(t, "hello world", turns[1].Content)
}

type stubEngine struct {
	rec *memory.WorkflowRecord
	err error
}

func (s stubEngine) Execute(context.Context, orchestrator.Request) (*memory.WorkflowRecord, error) {
	return s.rec, s.err
}

func TestTaskErrorStatusMapping(t *testing.T) {
	backend := newFakeBackend(t)

	cases := []struct {
		code taskerr.Code
		want int
	}{
		{taskerr.CodeValidation, http.StatusBadRequest},
		{taskerr.CodeDecomposition, http.StatusUnprocessableEntity},
		{taskerr.CodeState, http.StatusConflict},
		{taskerr.CodeInferenceUnreachable, http.StatusBadGateway},
		{taskerr.CodeInferenceBackend, http.StatusBadGateway},
		{taskerr.CodeInferenceTimeout, http.StatusGatewayTimeout},
		{taskerr.CodePersonaStore, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			fx := newFixture(t, backend.URL,
				withEngine(stubEngine{err: taskerr.New(tc.code, "synthetic failure")}))

			res := fx.postJSON(t, "/api/task", `{"task":"anything"}`)
			assert.Equal(t, tc.want, res.StatusCode)

			var body errorBody
			decodeBody(t, res, &body)
			assert.Equal(t, string(tc.code), body.Code)
			assert.Contains(t, body.Error, "synthetic failure")
		})
	}
}

func TestHistoryEndpoint(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	ctx := context.Background()
	require.NoError(t, fx.deps.Sessions.AppendTurn(ctx, "h1", session.RoleUser, "first"))
	require.NoError(t, fx.deps.Sessions.AppendTurn(ctx, "h1", session.RoleAssistant, "second"))

	res := fx.get(t, "/api/conversation/history?session=h1")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var hr historyResponse
	decodeBody(t, res, &hr)
	assert.Equal(t, "h1", hr.SessionID)
	require.Len(t, hr.Turns, 2)
	assert.Equal(t, "first", hr.Turns[0].Content)
	assert.Equal(t, "second", hr.Turns[1].Content)

	res = fx.get(t, "/api/conversation/history?session=h1&limit=1")
	decodeBody(t, res, &hr)
	require.Len(t, hr.Turns, 1)
	assert.Equal(t, "second", hr.Turns[0].Content, "limit keeps the most recent turns")
}

func TestHistoryValidation(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.get(t, "/api/conversation/history")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	res = fx.get(t, "/api/conversation/history?session=h1&limit=zero")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	res = fx.get(t, "/api/conversation/history?session=h1&limit=100000")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	// Unknown session is empty history, not an error.
	res = fx.get(t, "/api/conversation/history?session=never-used")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var hr historyResponse
	decodeBody(t, res, &hr)
	assert.Empty(t, hr.Turns)
}

func TestStatsAfterWorkflow(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/task", `{"task":"say hi","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = fx.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var stats statsResponse
	decodeBody(t, res, &stats)
	assert.Equal(t, 1, stats.Workflows.Total)
	assert.GreaterOrEqual(t, stats.Personas.Total, 1)
	assert.Greater(t, stats.Personas.MeanScore, 0.0)
	assert.NotEmpty(t, stats.TopPerformers)
	assert.Nil(t, stats.Database, "no database configured")
}

func TestModelsEndpoint(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.get(t, "/api/models")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Models []inference.ModelInfo `json:"models"`
	}
	decodeBody(t, res, &body)
	require.Len(t, body.Models, 2)
	assert.Equal(t, "qwen2.5:latest", body.Models[0].Name)
}

func TestModelsBackendDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := backend.URL
	backend.Close()

	fx := newFixture(t, url)
	res := fx.get(t, "/api/models")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	res.Body.Close()
}

func TestPersonasEndpoint(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/task", `{"task":"say hi"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = fx.get(t, "/api/personas")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var list []personaSummary
	decodeBody(t, res, &list)
	require.NotEmpty(t, list)
	assert.NotEmpty(t, list[0].ID)
	assert.NotEmpty(t, list[0].Role)

	res = fx.get(t, "/api/personas?domain=no-such-domain")
	decodeBody(t, res, &list)
	assert.Empty(t, list)
}

func TestProgressEmpty(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.get(t, "/api/progress")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Active []tracker.WorkflowStatus `json:"active"`
		Count  int                      `json:"count"`
	}
	decodeBody(t, res, &body)
	assert.Empty(t, body.Active)
	assert.Zero(t, body.Count)
}

func TestMetricsExposed(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	// A request beforehand guarantees the HTTP counters have samples.
	res := fx.get(t, "/api/health")
	res.Body.Close()

	res = fx.get(t, "/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dirigent_")
}

func TestRouting(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.get(t, "/api/task")
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	res.Body.Close()

	res = fx.get(t, "/api/no-such-route")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestOversizedBodyRejected(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	big := strings.Repeat("x", int(fx.cfg.HTTP.MaxBodyBytes)+1)
	res := fx.postJSON(t, "/api/task", `{"task":"`+big+`"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestDepsValidation(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")
	_, err := New(cfg, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deps missing")
}
