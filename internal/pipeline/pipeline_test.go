package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/openrelay/internal/cache"
	"github.com/openrelay/openrelay/internal/kv"
	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/internal/ratelimit"
	"github.com/openrelay/openrelay/internal/secrets"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/internal/usage"
	"github.com/openrelay/openrelay/pkg/models"
)

// fakeClient scripts one upstream's behavior.
type fakeClient struct {
	kind    models.ProviderKind
	calls   int
	respond func(ctx context.Context, req *models.ChatRequest) (*models.Completion, error)
}

func (f *fakeClient) Kind() models.ProviderKind            { return f.kind }
func (f *fakeClient) TestCredentials(context.Context) error { return nil }
func (f *fakeClient) Supports(model string) bool           { return true }

func (f *fakeClient) ChatComplete(ctx context.Context, req *models.ChatRequest) (*models.Completion, error) {
	f.calls++
	return f.respond(ctx, req)
}

type fakeFactory struct {
	clients map[models.ProviderKind]*fakeClient
}

func (f *fakeFactory) New(kind models.ProviderKind, apiKey string) (provider.Client, error) {
	c, ok := f.clients[kind]
	if !ok {
		return nil, errors.New("no fake for " + string(kind))
	}
	return c, nil
}

func succeed(kind models.ProviderKind, cost float64) func(context.Context, *models.ChatRequest) (*models.Completion, error) {
	return func(_ context.Context, req *models.ChatRequest) (*models.Completion, error) {
		return &models.Completion{
			Response: models.ChatResponse{
				ID:     "chatcmpl-ok",
				Object: "chat.completion",
				Model:  req.Model,
				Choices: []models.ChatChoice{{
					Message:      models.ChatMessage{Role: "assistant", Content: "ok"},
					FinishReason: "stop",
				}},
				Usage: models.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
			},
			Provider: kind,
			Model:    req.Model,
			Cost:     cost,
		}, nil
	}
}

func fail(kind models.ProviderKind, class provider.Class) func(context.Context, *models.ChatRequest) (*models.Completion, error) {
	return func(context.Context, *models.ChatRequest) (*models.Completion, error) {
		return nil, &provider.Error{Provider: kind, Class: class, Message: "scripted failure"}
	}
}

type fixture struct {
	p       *Pipeline
	st      *store.Memory
	writer  *usage.Writer
	factory *fakeFactory
	tenant  *models.Tenant
	box     *secrets.Box
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	mem := kv.NewMemory()
	box := secrets.NewRandomBox()
	w := usage.NewWriter(st)
	w.Start(ctx)
	factory := &fakeFactory{clients: map[models.ProviderKind]*fakeClient{}}

	p := New(st, cache.New(mem, st, time.Minute), ratelimit.New(mem, st), w, box, factory)

	tenant := &models.Tenant{ID: "t1", Name: "acme", APIKeyDigest: "d1"}
	require.NoError(t, st.CreateTenant(ctx, tenant))
	return &fixture{p: p, st: st, writer: w, factory: factory, tenant: tenant, box: box}
}

// addProvider wires a scripted upstream at the given priority.
func (f *fixture) addProvider(t *testing.T, kind models.ProviderKind, priority int, respond func(context.Context, *models.ChatRequest) (*models.Completion, error)) *fakeClient {
	t.Helper()
	sealed, err := f.box.Seal("sk-" + string(kind))
	require.NoError(t, err)
	require.NoError(t, f.st.CreateProviderConfig(context.Background(), &models.ProviderConfig{
		ID: "p-" + string(kind), TenantID: f.tenant.ID, Provider: kind,
		APIKeyEncrypted: sealed, Priority: priority, Enabled: true,
	}))
	c := &fakeClient{kind: kind, respond: respond}
	f.factory.clients[kind] = c
	return c
}

func chatReq() *models.ChatRequest {
	return &models.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []models.ChatMessage{{Role: "user", Content: "hello there"}},
	}
}

func (f *fixture) flushedUsage() []models.UsageRecord {
	f.writer.Close()
	return f.st.Usage()
}

func TestChatCompleteSuccess(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, models.ProviderOpenAI, 1, succeed(models.ProviderOpenAI, 0.002))

	res, err := f.p.ChatComplete(context.Background(), f.tenant, chatReq(), false)
	require.NoError(t, err)
	assert.Equal(t, models.CacheNone, res.CacheSource)
	assert.NotEmpty(t, res.Fingerprint)
	require.NotNil(t, res.Completion.Response.Extension)
	assert.False(t, res.Completion.Response.Extension.Cached)
	assert.InDelta(t, 0.002, res.Completion.Response.Extension.Cost, 1e-9)

	recs := f.flushedUsage()
	require.Len(t, recs, 1)
	assert.Equal(t, models.ProviderOpenAI, recs[0].Provider)
	assert.InDelta(t, 0.002, recs[0].Cost, 1e-9)
	assert.Equal(t, models.CacheNone, recs[0].CacheSource)
}

func TestChatCompleteSecondCallHitsCache(t *testing.T) {
	f := newFixture(t)
	c := f.addProvider(t, models.ProviderOpenAI, 1, succeed(models.ProviderOpenAI, 0.002))
	ctx := context.Background()

	_, err := f.p.ChatComplete(ctx, f.tenant, chatReq(), false)
	require.NoError(t, err)

	res, err := f.p.ChatComplete(ctx, f.tenant, chatReq(), false)
	require.NoError(t, err)
	assert.Equal(t, models.CacheHot, res.CacheSource)
	assert.Equal(t, 1, c.calls, "cached call must not reach the provider")
	require.NotNil(t, res.Completion.Response.Extension)
	assert.True(t, res.Completion.Response.Extension.Cached)
	assert.Zero(t, res.Completion.Response.Extension.Cost)

	recs := f.flushedUsage()
	require.Len(t, recs, 2)
	assert.Equal(t, models.ProviderCache, recs[1].Provider)
	assert.Zero(t, recs[1].Cost)
	assert.Equal(t, models.CacheHot, recs[1].CacheSource)
}

func TestChatCompleteFailoverOnTransient(t *testing.T) {
	f := newFixture(t)
	first := f.addProvider(t, models.ProviderOpenAI, 1, fail(models.ProviderOpenAI, provider.ClassTransient))
	second := f.addProvider(t, models.ProviderGroq, 2, succeed(models.ProviderGroq, 0.0001))

	res, err := f.p.ChatComplete(context.Background(), f.tenant, chatReq(), false)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGroq, res.Completion.Provider)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestChatCompleteAuthFailureSkipsConfig(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, models.ProviderOpenAI, 1, fail(models.ProviderOpenAI, provider.ClassAuth))
	f.addProvider(t, models.ProviderMistral, 2, succeed(models.ProviderMistral, 0.0002))

	res, err := f.p.ChatComplete(context.Background(), f.tenant, chatReq(), false)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderMistral, res.Completion.Provider)
}

func TestChatCompleteBadRequestStopsFailover(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, models.ProviderOpenAI, 1, fail(models.ProviderOpenAI, provider.ClassBadRequest))
	second := f.addProvider(t, models.ProviderGroq, 2, succeed(models.ProviderGroq, 0.0001))

	_, err := f.p.ChatComplete(context.Background(), f.tenant, chatReq(), false)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Exhausted)
	assert.Equal(t, provider.ClassBadRequest, ue.Last.Class)
	assert.Zero(t, second.calls)
}

func TestChatCompleteExhaustionWritesErrorRecord(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, models.ProviderOpenAI, 1, fail(models.ProviderOpenAI, provider.ClassTransient))
	f.addProvider(t, models.ProviderGroq, 2, fail(models.ProviderGroq, provider.ClassRateLimited))

	_, err := f.p.ChatComplete(context.Background(), f.tenant, chatReq(), false)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Exhausted)
	assert.Equal(t, provider.ClassRateLimited, ue.Last.Class)

	recs := f.flushedUsage()
	require.Len(t, recs, 1)
	assert.Zero(t, recs[0].Cost)
	assert.Equal(t, string(provider.ClassRateLimited), recs[0].ErrorTag)
}

func TestChatCompleteNoProviders(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.ChatComplete(context.Background(), f.tenant, chatReq(), false)
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.Empty(t, f.flushedUsage())
}

func TestChatCompleteRateLimited(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, models.ProviderOpenAI, 1, succeed(models.ProviderOpenAI, 0.002))
	ctx := context.Background()
	require.NoError(t, f.st.UpsertRateLimitConfig(ctx, &models.RateLimitConfig{
		TenantID: f.tenant.ID, PerMinute: 1, PerHour: 100, PerDay: 1000, Enabled: true,
	}))

	_, err := f.p.ChatComplete(ctx, f.tenant, chatReq(), false)
	require.NoError(t, err)

	req2 := chatReq()
	req2.Messages[0].Content = "something else entirely"
	_, err = f.p.ChatComplete(ctx, f.tenant, req2, false)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, models.WindowMinute, rle.Decision.Window)
	assert.GreaterOrEqual(t, rle.Decision.RetryAfter, int64(1))

	// Denied request leaves no trace in the ledger.
	recs := f.flushedUsage()
	assert.Len(t, recs, 1)
}

func TestChatCompleteCancelledWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.addProvider(t, models.ProviderOpenAI, 1, func(callCtx context.Context, _ *models.ChatRequest) (*models.Completion, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	})

	_, err := f.p.ChatComplete(ctx, f.tenant, chatReq(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.flushedUsage())
}

func TestChatCompleteSmartRouting(t *testing.T) {
	f := newFixture(t)
	groq := f.addProvider(t, models.ProviderGroq, 1, succeed(models.ProviderGroq, 0.00005))

	req := &models.ChatRequest{
		Messages:    []models.ChatMessage{{Role: "user", Content: "Classify sentiment: great!"}},
		OptimizeFor: "cost",
	}
	res, err := f.p.ChatComplete(context.Background(), f.tenant, req, true)
	require.NoError(t, err)
	require.NotNil(t, res.Routing)
	assert.Equal(t, models.ComplexitySimple, res.Routing.Complexity)
	assert.Equal(t, "llama-3.1-8b-instant", res.Routing.ChosenModel)
	assert.Equal(t, 1, groq.calls)

	recs := f.flushedUsage()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Routing)
	assert.Equal(t, "llama-3.1-8b-instant", recs[0].Routing.ChosenModel)
}

func TestAnalyzeDoesNotInvokeProvider(t *testing.T) {
	f := newFixture(t)
	c := f.addProvider(t, models.ProviderGroq, 1, succeed(models.ProviderGroq, 0.0001))

	d, err := f.p.Analyze(context.Background(), f.tenant.ID, &models.ChatRequest{
		Messages:    []models.ChatMessage{{Role: "user", Content: "Classify sentiment: I love this!"}},
		OptimizeFor: "cost",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ComplexitySimple, d.Complexity)
	assert.Zero(t, c.calls)
}
