package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/openrelay/internal/cache"
	"github.com/openrelay/openrelay/internal/kv"
	"github.com/openrelay/openrelay/internal/pipeline"
	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/internal/ratelimit"
	"github.com/openrelay/openrelay/internal/secrets"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/internal/usage"
	"github.com/openrelay/openrelay/pkg/models"
)

// scripted upstream for end-to-end handler tests.
type fakeClient struct {
	kind  models.ProviderKind
	calls int
	fail  *provider.Error
}

func (f *fakeClient) Kind() models.ProviderKind             { return f.kind }
func (f *fakeClient) TestCredentials(context.Context) error { return nil }
func (f *fakeClient) Supports(string) bool                  { return true }

func (f *fakeClient) ChatComplete(ctx context.Context, req *models.ChatRequest) (*models.Completion, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	return &models.Completion{
		Response: models.ChatResponse{
			ID:     "chatcmpl-test",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []models.ChatChoice{{
				Message:      models.ChatMessage{Role: "assistant", Content: "hello"},
				FinishReason: "stop",
			}},
			Usage: models.TokenUsage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
		},
		Provider: f.kind,
		Model:    req.Model,
		Cost:     0.001,
	}, nil
}

type fakeFactory struct {
	clients map[models.ProviderKind]*fakeClient
}

func (f *fakeFactory) New(kind models.ProviderKind, apiKey string) (provider.Client, error) {
	if c, ok := f.clients[kind]; ok {
		return c, nil
	}
	return nil, errors.New("no fake adapter")
}

type env struct {
	router  http.Handler
	st      *store.Memory
	factory *fakeFactory
	apiKey  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	mem := kv.NewMemory()
	box := secrets.NewRandomBox()
	factory := &fakeFactory{clients: map[models.ProviderKind]*fakeClient{}}
	limiter := ratelimit.New(mem, st)
	c := cache.New(mem, st, time.Minute)
	w := usage.NewWriter(st)
	w.Start(context.Background())
	t.Cleanup(w.Close)

	s := &Server{
		Store:    st,
		Pipeline: pipeline.New(st, c, limiter, w, box, factory),
		Cache:    c,
		Limiter:  limiter,
		Factory:  factory,
		Box:      box,
		Version:  "test",
	}
	e := &env{router: NewRouter(s), st: st, factory: factory}
	e.apiKey = e.register(t, "acme")
	return e
}

func (e *env) register(t *testing.T, name string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["api_key"])
	return body["api_key"]
}

func (e *env) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// addProvider registers a scripted upstream through the public API.
func (e *env) addProvider(t *testing.T, kind models.ProviderKind, priority int) *fakeClient {
	t.Helper()
	c := &fakeClient{kind: kind}
	e.factory.clients[kind] = c
	rec := e.do(t, http.MethodPost, "/providers/", e.apiKey, map[string]any{
		"provider": kind, "api_key": "sk-upstream", "priority": priority,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return c
}

func chatBody() map[string]any {
	return map[string]any{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "hi there"}},
	}
}

func TestHealthAndVersionArePublic(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", "", nil).Code)

	rec := e.do(t, http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openrelay")
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/v1/chat/completions", "", chatBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/chat/completions", "orl_wrong", chatBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid API key")
}

func TestBearerTokenEquivalentToHeader(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, models.ProviderOpenAI, 1)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(chatBody()))
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", &buf)
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	e := newEnv(t)
	c := e.addProvider(t, models.ProviderOpenAI, 1)

	rec := e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.Extension)
	assert.False(t, resp.Extension.Cached)
	assert.Equal(t, "openai", resp.Extension.Provider)

	// Identical request: served from cache, provider untouched.
	rec = e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hot", rec.Header().Get("X-Cache-Source"))
	assert.Equal(t, 1, c.calls)
}

func TestChatCompletionsValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "model is required")

	rec = e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, map[string]any{
		"model": "gpt-4o-mini", "messages": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, map[string]any{
		"model": "gpt-4o-mini", "stream": true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "streaming")
}

func TestChatCompletionsRateLimited(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, models.ProviderOpenAI, 1)
	rec := e.do(t, http.MethodPut, "/rate-limits/config", e.apiKey, map[string]any{
		"per_minute": 1, "per_hour": 100, "per_day": 1000, "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody()).Code)

	body := chatBody()
	body["messages"] = []map[string]string{{"role": "user", "content": "different"}}
	rec = e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var envelope models.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "rate_limit_error", envelope.Error.Type)
}

func TestChatCompletionsUpstreamExhaustion(t *testing.T) {
	e := newEnv(t)
	c := e.addProvider(t, models.ProviderOpenAI, 1)
	c.fail = &provider.Error{Provider: models.ProviderOpenAI, Class: provider.ClassTransient, Message: "boom"}

	rec := e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody())
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var envelope models.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "api_error", envelope.Error.Type)
	assert.Contains(t, envelope.Error.Message, "transient")
}

func TestChatCompletionsNoProviders(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSmartAnalyze(t *testing.T) {
	e := newEnv(t)
	c := e.addProvider(t, models.ProviderGroq, 1)

	rec := e.do(t, http.MethodPost, "/v1/smart/analyze", e.apiKey, map[string]any{
		"messages":     []map[string]string{{"role": "user", "content": "Classify sentiment: I love this!"}},
		"optimize_for": "cost",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d models.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, models.ComplexitySimple, d.Complexity)
	assert.Equal(t, "llama-3.1-8b-instant", d.ChosenModel)
	assert.Zero(t, c.calls, "analyze must not call providers")
}

func TestSmartCompletions(t *testing.T) {
	e := newEnv(t)
	c := e.addProvider(t, models.ProviderGroq, 1)

	rec := e.do(t, http.MethodPost, "/v1/smart/completions", e.apiKey, map[string]any{
		"messages":     []map[string]string{{"role": "user", "content": "Classify sentiment: nice"}},
		"optimize_for": "cost",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, c.calls)

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "llama-3.1-8b-instant", resp.Model)
}

func TestListModelsFiltersByEnabledProviders(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, models.ProviderMistral, 1)

	rec := e.do(t, http.MethodGet, "/v1/models", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data)
	for _, m := range body.Data {
		assert.Equal(t, "mistral", m.OwnedBy)
	}
}

func TestProviderCRUD(t *testing.T) {
	e := newEnv(t)
	e.factory.clients[models.ProviderOpenAI] = &fakeClient{kind: models.ProviderOpenAI}

	rec := e.do(t, http.MethodPost, "/providers/", e.apiKey, map[string]any{
		"provider": "openai", "api_key": "sk-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cfg models.ProviderConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.True(t, cfg.Enabled)

	// Same (tenant, provider) twice conflicts.
	rec = e.do(t, http.MethodPost, "/providers/", e.apiKey, map[string]any{
		"provider": "openai", "api_key": "sk-2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPut, "/providers/"+cfg.ID+"/", e.apiKey, map[string]any{
		"enabled": false, "priority": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 5, cfg.Priority)

	rec = e.do(t, http.MethodPost, "/providers/"+cfg.ID+"/test", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/providers/"+cfg.ID+"/", e.apiKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/providers/"+cfg.ID+"/", e.apiKey, nil).Code)
}

func TestProviderValidation(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/providers/", e.apiKey, map[string]any{
		"provider": "skynet", "api_key": "sk-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/providers/", e.apiKey, map[string]any{"provider": "openai"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitConfigValidation(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/rate-limits/config", e.apiKey, map[string]any{
		"per_minute": 0, "per_hour": 100, "per_day": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Defaults are served when nothing is stored.
	rec = e.do(t, http.MethodGet, "/rate-limits/config", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg models.RateLimitConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, int64(models.DefaultPerMinute), cfg.PerMinute)
}

func TestRateLimitUsageAndReset(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, models.ProviderOpenAI, 1)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody()).Code)

	rec := e.do(t, http.MethodGet, "/rate-limits/usage", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Windows []models.WindowUsage `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Windows, 3)
	assert.Equal(t, int64(1), body.Windows[0].Used)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/rate-limits/reset", e.apiKey, nil).Code)
	rec = e.do(t, http.MethodGet, "/rate-limits/usage", e.apiKey, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Windows[0].Used)
}

func TestCacheStatsAndClear(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, models.ProviderOpenAI, 1)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody()).Code)

	rec := e.do(t, http.MethodGet, "/cache/stats", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Entries)

	rec = e.do(t, http.MethodPost, "/cache/clear", e.apiKey, map[string]string{"scope": "all"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cold_removed":1`)

	rec = e.do(t, http.MethodPost, "/cache/clear", e.apiKey, map[string]string{"scope": "everything"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertChannelValidation(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/alerts/channels/", e.apiKey, map[string]any{
		"kind": "slack", "config": map[string]string{}, "enabled": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/alerts/channels/", e.apiKey, map[string]any{
		"kind":    "slack",
		"config":  map[string]string{"webhook_url": "https://hooks.slack.com/services/x"},
		"enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAlertConfigRoundTrip(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/alerts/configs", e.apiKey, map[string]any{
		"daily_cost_limit": 5.0, "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/alerts/configs", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg models.AlertConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.InDelta(t, 5.0, cfg.DailyCostLimit, 1e-9)
	assert.True(t, cfg.Enabled)

	rec = e.do(t, http.MethodPut, "/alerts/configs", e.apiKey, map[string]any{
		"rate_limit_fraction": 1.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsEndpoints(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, models.ProviderOpenAI, 1)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody()).Code)
	// Same prompt again: cache hit, logged with provider=cache.
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody()).Code)

	// Give the async writer a moment.
	require.Eventually(t, func() bool {
		return len(e.st.Usage()) == 2
	}, 3*time.Second, 20*time.Millisecond)

	rec := e.do(t, http.MethodGet, "/analytics/usage?group_by=provider", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"cache"`)

	rec = e.do(t, http.MethodGet, "/analytics/breakdown?by=model", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/analytics/usage?group_by=century", e.apiKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/analytics/recommendations", e.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantIsolation(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, models.ProviderOpenAI, 1)
	otherKey := e.register(t, "globex")

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/chat/completions", e.apiKey, chatBody()).Code)

	// The other tenant sees no providers and no cache.
	rec := e.do(t, http.MethodGet, "/providers/", otherKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/cache/stats", otherKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.Entries)
}
