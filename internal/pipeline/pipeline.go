// Package pipeline orchestrates one chat completion end to end: rate-limit
// check, cache lookup, optional smart routing, priority-ordered provider
// failover, metering, and cache fill. The pipeline is sequential within a
// request and fully cancellable; a cancelled request writes no usage record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/cache"
	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/internal/ratelimit"
	"github.com/openrelay/openrelay/internal/secrets"
	"github.com/openrelay/openrelay/internal/smart"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/internal/usage"
	"github.com/openrelay/openrelay/pkg/models"
)

// DefaultCallTimeout bounds a single provider invocation.
const DefaultCallTimeout = 60 * time.Second

// RateLimitError carries the denial decision for the 429 response.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window, retry after %ds", e.Decision.Window, e.Decision.RetryAfter)
}

// UpstreamError is returned when provider calls could not produce a
// completion. Exhausted means every candidate was tried.
type UpstreamError struct {
	Last      *provider.Error
	Exhausted bool
}

func (e *UpstreamError) Error() string {
	if e.Exhausted {
		return "all providers exhausted: " + e.Last.Error()
	}
	return e.Last.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Last }

// ErrNoProviders is returned when the tenant has no enabled provider config
// that can serve the target model.
var ErrNoProviders = errors.New("no enabled provider supports the requested model")

// Result is a successful pipeline outcome.
type Result struct {
	Completion  *models.Completion
	CacheSource models.CacheSource
	Fingerprint string
	RateUsage   []models.WindowUsage
	Routing     *models.RoutingDecision
}

// Pipeline wires the serving path's collaborators together.
type Pipeline struct {
	store   store.Store
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	writer  *usage.Writer
	box     *secrets.Box
	factory provider.Factory

	callTimeout time.Duration
}

// New builds a Pipeline with the default per-call timeout.
func New(st store.Store, c *cache.Cache, l *ratelimit.Limiter, w *usage.Writer, box *secrets.Box, f provider.Factory) *Pipeline {
	return &Pipeline{
		store:       st,
		cache:       c,
		limiter:     l,
		writer:      w,
		box:         box,
		factory:     f,
		callTimeout: DefaultCallTimeout,
	}
}

// candidate is one adapter ready to try, in priority order.
type candidate struct {
	client   provider.Client
	priority int
}

// adapters builds working adapters for the tenant's enabled configs, in
// priority order. Configs whose key fails to decrypt or whose kind has no
// adapter are skipped with a log line rather than failing the request.
func (p *Pipeline) adapters(ctx context.Context, tenantID string) ([]candidate, error) {
	configs, err := p.store.ListProviderConfigs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	out := make([]candidate, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		key, err := p.box.Open(cfg.APIKeyEncrypted)
		if err != nil {
			log.Error().Err(err).Str("provider", string(cfg.Provider)).Str("tenant", tenantID).
				Msg("provider key decrypt failed, skipping")
			continue
		}
		client, err := p.factory.New(cfg.Provider, key)
		if err != nil {
			log.Error().Err(err).Str("provider", string(cfg.Provider)).Msg("adapter build failed, skipping")
			continue
		}
		out = append(out, candidate{client: client, priority: cfg.Priority})
	}
	return out, nil
}

// EnabledKinds reports which provider kinds the tenant can route to, used
// by smart selection and the models listing.
func (p *Pipeline) EnabledKinds(ctx context.Context, tenantID string) (map[models.ProviderKind]bool, error) {
	configs, err := p.store.ListProviderConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	kinds := make(map[models.ProviderKind]bool, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			kinds[cfg.Provider] = true
		}
	}
	return kinds, nil
}

// Analyze runs the smart routing decision without invoking any provider.
func (p *Pipeline) Analyze(ctx context.Context, tenantID string, req *models.ChatRequest) (*models.RoutingDecision, error) {
	kinds, err := p.EnabledKinds(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	complexity := smart.Classify(req.Messages)
	optimizeFor := models.OptimizeFor(req.OptimizeFor)
	if optimizeFor == "" {
		optimizeFor = models.OptimizeCost
	}
	return smart.Select(complexity, optimizeFor, req.MaxLatencyMs, kinds)
}

// ChatComplete serves one request. With smartRoute set the target model is
// chosen by the router instead of taken from the request.
func (p *Pipeline) ChatComplete(ctx context.Context, tenant *models.Tenant, req *models.ChatRequest, smartRoute bool) (*Result, error) {
	dec, err := p.limiter.Check(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, &RateLimitError{Decision: dec}
	}

	var routing *models.RoutingDecision
	if smartRoute {
		routing, err = p.Analyze(ctx, tenant.ID, req)
		if err != nil {
			return nil, err
		}
		req.Model = routing.ChosenModel
	}

	fp := cache.Fingerprint(req)
	start := time.Now()

	comp, source, err := p.cache.Lookup(ctx, tenant.ID, fp)
	if err != nil {
		return nil, err
	}
	if comp != nil {
		p.record(ctx, models.UsageRecord{
			ID:               uuid.NewString(),
			TenantID:         tenant.ID,
			Timestamp:        time.Now().UTC(),
			Model:            comp.Model,
			Provider:         models.ProviderCache,
			PromptTokens:     comp.Response.Usage.PromptTokens,
			CompletionTokens: comp.Response.Usage.CompletionTokens,
			Cost:             0,
			LatencyMs:        time.Since(start).Milliseconds(),
			CacheSource:      source,
			Fingerprint:      fp,
			Routing:          routing,
		})
		annotate(comp, source, fp)
		return &Result{
			Completion:  comp,
			CacheSource: source,
			Fingerprint: fp,
			RateUsage:   dec.Usage,
			Routing:     routing,
		}, nil
	}

	candidates, err := p.adapters(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	var lastErr *provider.Error
	tried := 0
	for _, cand := range candidates {
		if !cand.client.Supports(req.Model) {
			continue
		}
		tried++

		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		comp, err := cand.client.ChatComplete(callCtx, req)
		cancel()

		if err == nil {
			latency := time.Since(start).Milliseconds()
			p.record(ctx, models.UsageRecord{
				ID:               uuid.NewString(),
				TenantID:         tenant.ID,
				Timestamp:        time.Now().UTC(),
				Model:            comp.Model,
				Provider:         comp.Provider,
				PromptTokens:     comp.Response.Usage.PromptTokens,
				CompletionTokens: comp.Response.Usage.CompletionTokens,
				Cost:             comp.Cost,
				LatencyMs:        latency,
				CacheSource:      models.CacheNone,
				Fingerprint:      fp,
				Routing:          routing,
			})
			if ferr := p.cache.Fill(ctx, tenant.ID, fp, comp); ferr != nil {
				log.Warn().Err(ferr).Msg("cache fill failed")
			}
			annotate(comp, models.CacheNone, fp)
			return &Result{
				Completion:  comp,
				CacheSource: models.CacheNone,
				Fingerprint: fp,
				RateUsage:   dec.Usage,
				Routing:     routing,
			}, nil
		}

		// Caller gone: abort without metering.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		pe, ok := provider.AsError(err)
		if !ok {
			pe = &provider.Error{Provider: cand.client.Kind(), Class: provider.ClassTransient, Message: err.Error()}
		}
		lastErr = pe
		log.Warn().
			Str("provider", string(pe.Provider)).
			Str("class", string(pe.Class)).
			Int("status", pe.Status).
			Str("tenant", tenant.ID).
			Msg("provider call failed")

		if !pe.Retriable() {
			if pe.Class == provider.ClassBadRequest {
				// The request itself is broken; no other provider will help.
				return nil, &UpstreamError{Last: pe}
			}
			// Auth failure disqualifies this config, keep going.
			continue
		}
	}

	if tried == 0 {
		return nil, ErrNoProviders
	}

	p.record(ctx, models.UsageRecord{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		Timestamp:   time.Now().UTC(),
		Model:       req.Model,
		Provider:    lastErr.Provider,
		Cost:        0,
		LatencyMs:   time.Since(start).Milliseconds(),
		CacheSource: models.CacheNone,
		Fingerprint: fp,
		Routing:     routing,
		ErrorTag:    string(lastErr.Class),
	})
	return nil, &UpstreamError{Last: lastErr, Exhausted: true}
}

// record enqueues a usage record unless the request was cancelled.
func (p *Pipeline) record(ctx context.Context, rec models.UsageRecord) {
	if ctx.Err() != nil {
		return
	}
	p.writer.Record(rec)
}

// annotate attaches the gateway extension object to the outgoing envelope.
func annotate(comp *models.Completion, source models.CacheSource, fp string) {
	comp.Response.Extension = &models.Extension{
		Cached:      source != models.CacheNone,
		Cost:        comp.Cost,
		Provider:    string(comp.Provider),
		Fingerprint: fp,
	}
	if source != models.CacheNone {
		comp.Response.Extension.CacheSource = string(source)
		comp.Response.Extension.Cost = 0
	}
}
