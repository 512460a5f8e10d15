package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/config"
	"github.com/kingrea/playbooks/internal/feed"
	"github.com/kingrea/playbooks/internal/metrics"
	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/catalog"
	"github.com/kingrea/playbooks/internal/playbook/manager"
	"github.com/kingrea/playbooks/internal/recommend"
	"github.com/kingrea/playbooks/internal/store"
)

var fixed = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type stubRecommender struct {
	customerID int64
	playbookID string
	triggers   []playbook.TriggerThreshold
	err        error
}

func (s *stubRecommender) Recommend(_ context.Context, customerID int64, playbookID string, triggers []playbook.TriggerThreshold) ([]recommend.AccountRecommendation, error) {
	s.customerID, s.playbookID, s.triggers = customerID, playbookID, triggers
	if s.err != nil {
		return nil, s.err
	}
	return []recommend.AccountRecommendation{{AccountID: 42, AccountName: "Acme", Needed: true, UrgencyLevel: recommend.UrgencyHigh, Reasons: []string{"NPS 4"}}}, nil
}

type serverHarness struct {
	server      *Server
	http        *httptest.Server
	store       store.Store
	manager     *manager.Manager
	router      *feed.Router
	metrics     *metrics.Metrics
	recommender *stubRecommender
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	h := &serverHarness{
		store:       store.NewMemory(),
		router:      feed.NewRouter(),
		metrics:     metrics.New(),
		recommender: &stubRecommender{},
	}
	cat := catalog.MustLoad()
	var seq int
	mgr, err := manager.New(cat, h.store,
		manager.WithClock(func() time.Time { return fixed }),
		manager.WithIDGenerator(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
		manager.WithNotifier(h.router),
		manager.WithMetrics(h.metrics),
	)
	require.NoError(t, err)
	h.manager = mgr
	h.server = NewServer(Settings{Enabled: true},
		WithClock(func() time.Time { return fixed.Add(time.Hour) }),
		WithStore(h.store),
		WithCatalog(cat),
		WithManager(mgr),
		WithFeed(h.router),
		WithMetrics(h.metrics),
		WithRecommender(h.recommender),
	)
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(h.http.Close)
	return h
}

func (h *serverHarness) do(t *testing.T, method, path string, customerID int64, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(t, err)
	if customerID != 0 {
		req.Header.Set(config.DefaultTenantHeader, fmt.Sprint(customerID))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) playbook.ErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func startBody() map[string]any {
	return map[string]any{
		"playbookId": "voc-sprint",
		"context":    map[string]any{"accountId": 42, "userId": 1, "userName": "U"},
	}
}

func TestSettingsFromConfig(t *testing.T) {
	t.Setenv("PLAYBOOKS_PORT", "9001")
	t.Setenv("PLAYBOOKS_SERVER_ENABLED", "false")
	cfg, err := config.Load("")
	require.NoError(t, err)
	settings := SettingsFromConfig(cfg)
	assert.Equal(t, 9001, settings.Port)
	assert.False(t, settings.Enabled)
	assert.Equal(t, config.DefaultTenantHeader, settings.TenantHeader)
	assert.Equal(t, "http://127.0.0.1:9001", settings.URL())
}

func TestServerLifecycle(t *testing.T) {
	srv := NewServer(Settings{Enabled: true, Host: "127.0.0.1", Port: 0}, WithCatalog(catalog.MustLoad()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	require.NoError(t, srv.Start(context.Background()))
	assert.Equal(t, StatusReady, srv.Status())
	assert.Error(t, srv.Start(context.Background()))

	resp, err := http.Get(srv.BaseURL() + "/health")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ready", health.Status)
	assert.Equal(t, 5, health.Playbooks)
	assert.False(t, health.Engine)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, StatusDraining, srv.Status())
	assert.Empty(t, srv.Addr())
}

func TestDisabledServerDoesNotStart(t *testing.T) {
	srv := NewServer(Settings{Enabled: false})
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerDisabled)
}

func TestPersistenceRoutes(t *testing.T) {
	h := newServerHarness(t)
	exec, err := h.manager.StartPlaybook(context.Background(), "voc-sprint", playbook.ExecutionContext{CustomerID: 7, UserID: 1, UserName: "U"})
	require.NoError(t, err)

	resp, data := h.do(t, http.MethodGet, "/playbooks/executions?customer_id=7", 7, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var env playbook.ExecutionsEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Len(t, env.Executions, 1)
	assert.Equal(t, exec.ID, env.Executions[0].ID)
	assert.Contains(t, string(data), `"results":[]`)
	assert.Contains(t, string(data), `"completedAt":null`)

	resp, data = h.do(t, http.MethodGet, "/playbooks/executions?customer_id=8", 7, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, playbook.KindValidation, decodeError(t, data).Kind)

	resp, _ = h.do(t, http.MethodGet, "/playbooks/executions", 0, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	foreign := exec
	foreign.Revision = 5
	resp, data = h.do(t, http.MethodPost, "/playbooks/executions", 8, foreign)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))

	stale := exec
	resp, data = h.do(t, http.MethodPost, "/playbooks/executions", 7, stale)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, playbook.KindConflict, decodeError(t, data).Kind)

	resp, _ = h.do(t, http.MethodPost, "/playbooks/executions", 7, "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/playbooks/executions/"+exec.ID, 8, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/playbooks/executions/"+exec.ID, 7, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSaveRejectsOversizedBody(t *testing.T) {
	srv := NewServer(Settings{Enabled: true, MaxBodyBytes: 64}, WithStore(store.NewMemory()))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/playbooks/executions", strings.NewReader(strings.Repeat("x", 256)))
	req.Header.Set(config.DefaultTenantHeader, "7")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCatalogRoutes(t *testing.T) {
	h := newServerHarness(t)

	resp, data := h.do(t, http.MethodGet, "/playbooks", 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list playbooksResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Playbooks, 5)

	_, data = h.do(t, http.MethodGet, "/playbooks?category=onboarding", 0, nil)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Playbooks, 1)
	assert.Equal(t, "onboarding-launch", list.Playbooks[0].ID)

	_, data = h.do(t, http.MethodGet, "/playbooks?category=voice-of-customer&tag=nps", 0, nil)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Playbooks, 1)

	resp, _ = h.do(t, http.MethodGet, "/playbooks?category=sales", 0, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = h.do(t, http.MethodGet, "/playbooks/voc-sprint", 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one playbookResponse
	require.NoError(t, json.Unmarshal(data, &one))
	assert.Len(t, one.Playbook.Steps, 12)
	assert.Len(t, one.Triggers, 3)

	resp, data = h.do(t, http.MethodGet, "/playbooks/NOT-REAL", 0, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, playbook.KindNotFound, decodeError(t, data).Kind)
}

func TestEngineFlow(t *testing.T) {
	h := newServerHarness(t)

	resp, data := h.do(t, http.MethodPost, "/engine/executions", 7, startBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var started executionResponse
	require.NoError(t, json.Unmarshal(data, &started))
	exec := started.Execution
	assert.Equal(t, playbook.StatusInProgress, exec.Status)
	assert.Empty(t, exec.Results)
	assert.Equal(t, int64(7), exec.Context.CustomerID)
	require.Len(t, started.Summary.NextSteps, 1)
	assert.Equal(t, "voc-trigger-check", started.Summary.NextSteps[0].ID)
	assert.Equal(t, time.Hour, started.Summary.Elapsed)

	base := "/engine/executions/" + exec.ID
	resp, data = h.do(t, http.MethodPost, base+"/steps/voc-stakeholder-map", 7, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, data).Message, "blocked by voc-trigger-check")

	resp, data = h.do(t, http.MethodPost, base+"/steps/voc-trigger-check", 7, map[string]any{"notes": "nps 6"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var step resultResponse
	require.NoError(t, json.Unmarshal(data, &step))
	assert.Equal(t, "voc-trigger-check", step.Result.StepID)
	assert.Equal(t, "nps 6", step.Result.Notes)

	resp, data = h.do(t, http.MethodGet, base+"/plan", 7, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var plan planResponse
	require.NoError(t, json.Unmarshal(data, &plan))
	assert.Equal(t, []string{"voc-stakeholder-map", "voc-survey-design"}, plan.Next)
	assert.Equal(t, 8, plan.Progress)
	assert.Empty(t, plan.Queue)

	resp, data = h.do(t, http.MethodGet, base+"/plan?target=voc-interviews", 7, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	plan = planResponse{}
	require.NoError(t, json.Unmarshal(data, &plan))
	assert.Equal(t, []string{"voc-stakeholder-map", "voc-interview-schedule", "voc-interviews"}, plan.Queue)

	resp, data = h.do(t, http.MethodGet, base+"/plan?target=voc-nope", 7, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, playbook.KindNotFound, decodeError(t, data).Kind)

	resp, _ = h.do(t, http.MethodGet, base, 8, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "other tenants cannot see the execution")

	resp, data = h.do(t, http.MethodPut, base+"/status", 7, map[string]string{"status": "paused"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	resp, data = h.do(t, http.MethodPut, base+"/status", 7, map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, playbook.KindInvalidTransition, decodeError(t, data).Kind)
	resp, _ = h.do(t, http.MethodPut, base+"/status", 7, map[string]string{"status": "finished"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = h.do(t, http.MethodGet, "/engine/board", 7, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var board boardResponse
	require.NoError(t, json.Unmarshal(data, &board))
	require.Len(t, board.Summaries, 1)
	assert.Equal(t, "Paused", board.Summaries[0].StatusLabel)

	resp, _ = h.do(t, http.MethodDelete, base, 8, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, base, 7, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, base, 7, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEngineStartValidation(t *testing.T) {
	h := newServerHarness(t)
	body := startBody()
	body["playbookId"] = "NOT-REAL"
	resp, _ := h.do(t, http.MethodPost, "/engine/executions", 7, body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body = startBody()
	body["context"] = map[string]any{"customerId": 8, "userId": 1, "userName": "U"}
	resp, _ = h.do(t, http.MethodPost, "/engine/executions", 7, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body = startBody()
	body["context"] = map[string]any{"userId": 1}
	resp, _ = h.do(t, http.MethodPost, "/engine/executions", 7, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/engine/executions", 7, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEngineListHydratesFromStore(t *testing.T) {
	h := newServerHarness(t)
	seeded := playbook.Execution{
		ID: "seeded", PlaybookID: "churn-rescue", CustomerID: 7, Status: playbook.StatusInProgress,
		StartedAt: fixed, Results: []playbook.Result{},
		Context: playbook.ExecutionContext{CustomerID: 7, UserID: 1, UserName: "U"}, Revision: 1,
	}
	require.NoError(t, h.store.Save(context.Background(), seeded))

	resp, data := h.do(t, http.MethodGet, "/engine/executions", 7, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var env playbook.ExecutionsEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Len(t, env.Executions, 1)
	assert.Equal(t, "seeded", env.Executions[0].ID)

	_, data = h.do(t, http.MethodGet, "/engine/executions", 8, nil)
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Empty(t, env.Executions)
}

func TestRecommendRoute(t *testing.T) {
	h := newServerHarness(t)
	resp, data := h.do(t, http.MethodPost, "/engine/playbooks/voc-sprint/recommendations", 7, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var recs recommendationsResponse
	require.NoError(t, json.Unmarshal(data, &recs))
	require.Len(t, recs.Recommendations, 1)
	assert.Equal(t, recommend.UrgencyHigh, recs.Recommendations[0].UrgencyLevel)
	assert.Equal(t, int64(7), h.recommender.customerID)
	assert.Len(t, h.recommender.triggers, 3)

	h.recommender.err = errors.New("connection refused")
	resp, _ = h.do(t, http.MethodPost, "/engine/playbooks/voc-sprint/recommendations", 7, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/engine/playbooks/NOT-REAL/recommendations", 7, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecommendRouteWithoutService(t *testing.T) {
	srv := NewServer(Settings{Enabled: true}, WithCatalog(catalog.MustLoad()))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/engine/playbooks/voc-sprint/recommendations", nil)
	req.Header.Set(config.DefaultTenantHeader, "7")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnsupportedContentType(t *testing.T) {
	h := newServerHarness(t)
	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/engine/executions", strings.NewReader("playbookId=voc-sprint"))
	require.NoError(t, err)
	req.Header.Set(config.DefaultTenantHeader, "7")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	h := newServerHarness(t)
	_, _ = h.do(t, http.MethodPost, "/engine/executions", 7, startBody())
	resp, data := h.do(t, http.MethodGet, "/metrics", 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `playbooks_executions_started_total{playbook="voc-sprint"} 1`)
}

func TestFeedStreamsTenantChanges(t *testing.T) {
	h := newServerHarness(t)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/engine/feed"
	header := http.Header{}
	header.Set(config.DefaultTenantHeader, "7")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "subscribed", hello["type"])
	require.Eventually(t, func() bool { return h.router.Subscribers(7) == 1 }, time.Second, 10*time.Millisecond)

	_, err = h.manager.StartPlaybook(context.Background(), "churn-rescue", playbook.ExecutionContext{CustomerID: 8, UserID: 1, UserName: "U"})
	require.NoError(t, err)
	exec, err := h.manager.StartPlaybook(context.Background(), "voc-sprint", playbook.ExecutionContext{CustomerID: 7, UserID: 1, UserName: "U"})
	require.NoError(t, err)

	var change feed.Change
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, feed.ChangeStarted, change.Type)
	assert.Equal(t, exec.ID, change.ExecutionID)
	assert.Equal(t, int64(7), change.CustomerID)
}

func TestFeedRequiresTenant(t *testing.T) {
	h := newServerHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/engine/feed", 0, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[playbook.Kind]int{
		playbook.KindNotFound:          http.StatusNotFound,
		playbook.KindValidation:        http.StatusBadRequest,
		playbook.KindPersistence:       http.StatusBadGateway,
		playbook.KindInvalidTransition: http.StatusConflict,
		playbook.KindConflict:          http.StatusConflict,
		"":                             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), string(kind))
	}
}
