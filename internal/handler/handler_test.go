package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfscope/api/internal/collector"
	"github.com/shelfscope/api/internal/model"
	"github.com/shelfscope/api/internal/orchestrator"
	"github.com/shelfscope/api/internal/service"
	"github.com/shelfscope/api/internal/store"
	"github.com/shelfscope/api/internal/websocket"
)

type stubCollector struct{}

func (stubCollector) Collect(_ context.Context, subject string, progress collector.ProgressFunc) (*collector.Result, error) {
	progress(0.5, "Collecting related items")
	return &collector.Result{
		Subject: model.CollectedRecord{Locator: subject, Title: "Desk Lamp", IsSubject: true, Success: true},
		Related: []model.CollectedRecord{
			{Locator: "https://example.com/dp/B000000001", Title: "Other Lamp", Success: true},
		},
		SearchTerms: []string{"desk lamp"},
	}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, section model.InsightSection, _ any) (string, error) {
	return string(section) + " text", nil
}

type testApp struct {
	app     *fiber.App
	store   *store.Store
	manager *orchestrator.Manager
	hub     *websocket.Hub
	events  *EventsHandler
}

// setupApp wires the gateway the same way main does, with in-memory stores
// and stub collaborators.
func setupApp(t *testing.T, checks ...HealthCheck) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(store.NewCache(rdb, time.Hour), db, store.Options{})
	t.Cleanup(st.Close)
	hub := websocket.NewHub(websocket.Options{})
	manager := orchestrator.NewManager(st, stubCollector{}, stubGenerator{}, hub, orchestrator.Options{PhaseTimeout: 5 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	svc := service.NewAnalysisService(manager, st)
	analysis := NewAnalysisHandler(svc, validator.New())
	events := NewEventsHandler(svc, hub)
	if len(checks) == 0 {
		checks = []HealthCheck{{Name: "sqlite", Critical: true, Check: st.PingDurable}}
	}
	health := NewHealthHandler(checks...)

	app := fiber.New()
	app.Get("/health", health.Health)

	api := app.Group("/api/analysis")
	api.Post("/start", analysis.Start)
	api.Get("/status/:jobId", analysis.Status)
	api.Get("/result/:jobId", analysis.Result)
	api.Get("/detail/:jobId", analysis.Detail)
	api.Get("/jobs", analysis.List)
	api.Get("/active", analysis.Active)
	api.Post("/cancel/:jobId", analysis.Cancel)

	app.Get("/ws/jobs/:jobId", events.Upgrade, events.Stream())

	return &testApp{app: app, store: st, manager: manager, hub: hub, events: events}
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, bodyReader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// startJob posts a start request and waits until the job is terminal and
// its runner has exited.
func (a *testApp) startJob(t *testing.T) string {
	t.Helper()
	resp, body := doRequest(t, a.app, http.MethodPost, "/api/analysis/start", `{"subjectUrl":"https://example.com/dp/B0TEST0001"}`)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "created", body["status"])
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		job, err := a.store.Load(context.Background(), jobID)
		return err == nil && job.Status.IsTerminal() && len(a.manager.Active()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	return jobID
}

func TestStart_Validation(t *testing.T) {
	a := setupApp(t)

	cases := map[string]string{
		"malformed json": `{"subjectUrl":`,
		"missing url":    `{}`,
		"not a url":      `{"subjectUrl":"shoes"}`,
		"wrong scheme":   `{"subjectUrl":"ftp://example.com/dp/B0TEST0001"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, out := doRequest(t, a.app, http.MethodPost, "/api/analysis/start", body)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", errorCode(out))
		})
	}
}

func TestStart_RunsToCompletion(t *testing.T) {
	a := setupApp(t)
	jobID := a.startJob(t)

	resp, status := doRequest(t, a.app, http.MethodGet, "/api/analysis/status/"+jobID, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, 1.0, status["progress"])

	phases, _ := status["phases"].(map[string]interface{})
	require.Len(t, phases, 3)
	for name, p := range phases {
		assert.Equal(t, "completed", p.(map[string]interface{})["status"], name)
	}
}

func TestResult_IsStableAfterCompletion(t *testing.T) {
	a := setupApp(t)
	jobID := a.startJob(t)

	_, first := doRequest(t, a.app, http.MethodGet, "/api/analysis/result/"+jobID, "")
	_, second := doRequest(t, a.app, http.MethodGet, "/api/analysis/result/"+jobID, "")

	require.Contains(t, first, "results")
	assert.Equal(t, first, second)

	results := first["results"].(map[string]interface{})
	assert.Contains(t, results, "collection")
	assert.Contains(t, results, "analysis")
	assert.Contains(t, results, "optimization")
}

func TestDetail_IncludesRecordsAndEvents(t *testing.T) {
	a := setupApp(t)
	jobID := a.startJob(t)

	resp, detail := doRequest(t, a.app, http.MethodGet, "/api/analysis/detail/"+jobID, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	records, _ := detail["records"].([]interface{})
	assert.Len(t, records, 2)
	events, _ := detail["events"].([]interface{})
	require.NotEmpty(t, events)
	last := events[len(events)-1].(map[string]interface{})
	assert.Equal(t, "job_complete", last["type"])
}

func TestUnknownJob_NotFound(t *testing.T) {
	a := setupApp(t)

	for _, path := range []string{
		"/api/analysis/status/missing",
		"/api/analysis/result/missing",
		"/api/analysis/detail/missing",
	} {
		resp, out := doRequest(t, a.app, http.MethodGet, path, "")
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "NOT_FOUND", errorCode(out), path)
	}

	resp, _ := doRequest(t, a.app, http.MethodPost, "/api/analysis/cancel/missing", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCancel_FinishedJobConflicts(t *testing.T) {
	a := setupApp(t)
	jobID := a.startJob(t)

	resp, out := doRequest(t, a.app, http.MethodPost, "/api/analysis/cancel/"+jobID, "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(out))
}

func TestList(t *testing.T) {
	a := setupApp(t)
	a.startJob(t)
	a.startJob(t)

	resp, out := doRequest(t, a.app, http.MethodGet, "/api/analysis/jobs?status=completed&pageSize=1", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), out["total"])
	assert.Len(t, out["jobs"], 1)

	resp, out = doRequest(t, a.app, http.MethodGet, "/api/analysis/jobs?pageSize=1000", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(out))
}

func TestActive_EmptyWhenIdle(t *testing.T) {
	a := setupApp(t)
	a.startJob(t)

	require.Eventually(t, func() bool {
		_, out := doRequest(t, a.app, http.MethodGet, "/api/analysis/active", "")
		return out["count"] == float64(0)
	}, time.Second, 10*time.Millisecond)
}

func TestEvents_RequiresUpgrade(t *testing.T) {
	a := setupApp(t)
	jobID := a.startJob(t)

	resp, _ := doRequest(t, a.app, http.MethodGet, "/ws/jobs/"+jobID, "")
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *frameSink) WriteMessage(kind int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case fiberws.TextMessage:
		s.frames = append(s.frames, append([]byte(nil), data...))
	case fiberws.CloseMessage:
		s.closed = true
	}
	return nil
}

func (s *frameSink) types(t *testing.T) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		var msg model.WSMessage
		require.NoError(t, json.Unmarshal(f, &msg))
		out = append(out, msg.Type)
	}
	return out
}

func upgradeRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return req
}

// A job that finished before this process saw it (restart, expired session)
// still answers a late observer with its outcome and a close.
func TestEvents_FinishedJobIsSealed(t *testing.T) {
	a := setupApp(t)
	ctx := context.Background()

	now := time.Now()
	job := model.NewJob("job-done", "https://example.com/dp/B0TEST0001", now)
	require.NoError(t, a.store.Create(ctx, job))
	require.NoError(t, job.Start(now))
	require.NoError(t, job.Fail(model.CodeFetchBlocked, "subject blocked", now))
	require.NoError(t, a.store.SaveTerminal(ctx, job))

	gate := fiber.New()
	gate.Get("/ws/jobs/:jobId", a.events.Upgrade, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := gate.Test(upgradeRequest(t, "/ws/jobs/job-done"), -1)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	sink := &frameSink{}
	o := a.hub.Attach("job-done", sink)
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("observer of a finished job was not released")
	}
	assert.Equal(t, []string{model.WSMessageTypeConnected, model.WSMessageTypeError}, sink.types(t))
	assert.True(t, sink.closed)
	assert.Equal(t, 0, a.hub.ObserverCount("job-done"))

	resp, err = gate.Test(upgradeRequest(t, "/ws/jobs/missing"), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	a := setupApp(t)
	resp, out := doRequest(t, a.app, http.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	a = setupApp(t,
		HealthCheck{Name: "sqlite", Critical: true, Check: up},
		HealthCheck{Name: "llm", Check: down},
	)
	resp, out = doRequest(t, a.app, http.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, false, out["services"].(map[string]interface{})["llm"])

	a = setupApp(t, HealthCheck{Name: "sqlite", Critical: true, Check: down})
	resp, out = doRequest(t, a.app, http.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", out["status"])
}
