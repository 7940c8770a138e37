package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/adapter"
	"github.com/voragate/gateway/internal/budget"
	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/gateway"
	"github.com/voragate/gateway/internal/ratelimit"
	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/internal/store/model"
	"github.com/voragate/gateway/internal/swap"
	"github.com/voragate/gateway/pkg/api"
)

const testKey = "test-key-123"

type nopIngestor struct{}

func (nopIngestor) Append(*model.LedgerEntry) {}
func (nopIngestor) Start(context.Context)     {}
func (nopIngestor) Stop()                     {}

type memSwapRepo struct {
	decisions []model.SwapDecision
}

func (m *memSwapRepo) Append(ctx context.Context, d *model.SwapDecision) error {
	m.decisions = append(m.decisions, *d)
	return nil
}

func (m *memSwapRepo) Recent(ctx context.Context, limit int) ([]model.SwapDecision, error) {
	return m.decisions, nil
}

type echoRegistrar struct{ active map[string]string }

func (r *echoRegistrar) SetActiveModel(workload, modelID string) {
	if r.active == nil {
		r.active = make(map[string]string)
	}
	r.active[workload] = modelID
}
func (r *echoRegistrar) ActiveModel(workload string) string { return r.active[workload] }

func newTestServer(t *testing.T) *Server {
	return newTestServerWithLimit(t, 1000)
}

func newTestServerWithLimit(t *testing.T, maxRequests int) *Server {
	t.Helper()
	logger := zap.NewNop()

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "0", Env: "production", APIKeys: []string{testKey}},
		RateLimit: config.RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   1000,
		},
		Router: config.RouterConfig{
			AttemptTimeoutSeconds: 5,
			MaxRetries:            1,
			BackoffBaseMS:         1,
			BackoffCapMS:          5,
			HandleTTLSeconds:      600,
		},
	}

	reg := registry.New(logger)
	require.NoError(t, reg.Register(registry.Descriptor{
		ID:           "static-1",
		Category:     api.CategoryLanguage,
		Capabilities: []api.Capability{api.CapabilityTextGeneration},
		PriorityRank: 1,
		Pricing:      api.Pricing{InputMicrosPer1K: 100, OutputMicrosPer1K: 200},
	}))

	limiter := ratelimit.New(ratelimit.Limits{Window: time.Minute, MaxRequests: maxRequests}, logger)
	tracker := budget.NewTracker(nil, nopIngestor{}, logger)
	service := gateway.New(reg, limiter, tracker, nil, cfg.Router, logger)

	factory, err := adapter.Get("static")
	require.NoError(t, err)
	ad, err := factory(config.ProviderConfig{ID: "static-1", Type: "static", ModelID: "canned"})
	require.NoError(t, err)
	service.RegisterAdapter("static-1", ad)

	swaps := swap.NewController(
		swap.NoopLoader{}, &echoRegistrar{}, &memSwapRepo{}, service.InFlight,
		config.SwapConfig{DrainGraceSeconds: 1, MemoryPressureThreshold: 0.85}, logger,
	)
	swaps.Configure("llm", []string{"small", "large"})

	return New(cfg, logger, service, swaps)
}

func doRequest(srv *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

const executeBody = `{"capability":"text.generation","caller_key":"tester","payload":{"prompt":"hello there","estimated_input_tokens":2,"max_output_tokens":8}}`

func TestHealth_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecute_RequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/requests", executeBody, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(executeBody))
	req.Header.Set("Authorization", "Bearer wrong-key")
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req)
	assert.Equal(t, http.StatusUnauthorized, w2.Code)
}

func TestExecute_ReturnsOutcome(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/requests", executeBody, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var outcome api.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, "static-1", outcome.ProviderID)
	assert.Equal(t, "ok: hello there", outcome.Output)
	assert.NotEmpty(t, outcome.RequestID)
	assert.Positive(t, outcome.CostMicros)
}

func TestExecute_RateLimitedSetsRetryAfterHeader(t *testing.T) {
	srv := newTestServerWithLimit(t, 1)

	w := doRequest(srv, http.MethodPost, "/v1/requests", executeBody, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(srv, http.MethodPost, "/v1/requests", executeBody, true)
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())

	header := w.Header().Get("Retry-After")
	require.NotEmpty(t, header, "advisory wait from the sliding window must reach the caller")
	seconds, err := strconv.Atoi(header)
	require.NoError(t, err)
	assert.Positive(t, seconds)

	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, "rate_limited", problem["kind"])
	assert.Positive(t, problem["retry_after_seconds"])
}

func TestExecute_ValidationProblem(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/requests", `{"payload":{"prompt":"hi"}}`, true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, "Validation Error", problem["title"])
	errs, ok := problem["errors"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, errs, "capability")
}

func TestStatus_UnknownHandle(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/v1/requests/nope", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitThenStatus(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/requests/async", executeBody, true)
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted struct {
		Handle string `json:"handle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.Handle)

	require.Eventually(t, func() bool {
		resp := doRequest(srv, http.MethodGet, "/v1/requests/"+accepted.Handle, "", true)
		if resp.Code != http.StatusOK {
			return false
		}
		var status api.RequestStatus
		if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.State == api.StateCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestUsage_ReportsSpend(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/requests", executeBody, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/v1/usage/tester?window=day", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var report api.UsageReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "tester", report.CallerKey)
	assert.Equal(t, int64(1), report.RequestCount)
	assert.Positive(t, report.SpentMicros)
}

func TestUsage_InvalidWindow(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/v1/usage/tester?window=fortnight", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProviders_ListsHealth(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/v1/providers", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []registry.ProviderStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "static-1", resp.Data[0].ID)
	assert.Equal(t, registry.Healthy, resp.Data[0].Health)
}

func TestSwap_ManualTriggerAndStatuses(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/swaps", `{"category":"llm","model":"large"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(srv, http.MethodGet, "/v1/swaps", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []swap.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "large", resp.Data[0].Model)
}
