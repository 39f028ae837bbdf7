// Package cache implements the two-tier response cache: a hot tier in the
// KV store with a TTL, and a durable cold tier in the relational store.
// Hot hits cost one KV round trip; cold hits additionally promote the entry
// back into the hot tier. Either tier failing degrades to a miss, never to
// a request failure.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/kv"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

// DefaultTTL is the hot-tier lifetime when none is configured.
const DefaultTTL = time.Hour

// Cache is the two-tier lookup/fill service.
type Cache struct {
	kv    kv.Client
	store store.ColdCacheStore
	ttl   time.Duration
}

// New builds a Cache. A non-positive ttl falls back to DefaultTTL.
func New(kvc kv.Client, st store.ColdCacheStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kvc, store: st, ttl: ttl}
}

func hotKey(tenantID, fingerprint string) string {
	return fmt.Sprintf("cache:%s:%s", tenantID, fingerprint)
}

// Lookup checks the hot tier, then the cold tier. A cold hit bumps the
// entry's hit counters and promotes it to the hot tier. Returns the cache
// source the completion came from, or CacheNone on a miss.
func (c *Cache) Lookup(ctx context.Context, tenantID, fingerprint string) (*models.Completion, models.CacheSource, error) {
	raw, err := c.kv.Get(ctx, hotKey(tenantID, fingerprint))
	switch {
	case err == nil:
		var comp models.Completion
		if uerr := json.Unmarshal([]byte(raw), &comp); uerr == nil {
			return &comp, models.CacheHot, nil
		}
		// Corrupt hot entry; drop it and fall through to cold.
		_ = c.kv.Delete(ctx, hotKey(tenantID, fingerprint))
	case errors.Is(err, kv.ErrUnavailable):
		log.Warn().Err(err).Msg("hot cache unavailable, falling through to cold")
	case errors.Is(err, kv.ErrNotFound):
		// miss, check cold
	default:
		return nil, models.CacheNone, err
	}

	entry, err := c.store.GetColdEntry(ctx, tenantID, fingerprint)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, models.CacheNone, nil
		}
		// Cold tier down degrades to a miss rather than failing the request.
		log.Warn().Err(err).Msg("cold cache lookup failed, treating as miss")
		return nil, models.CacheNone, nil
	}

	if err := c.store.RecordColdHit(ctx, tenantID, fingerprint, entry.Completion.Cost); err != nil {
		log.Warn().Err(err).Msg("cold hit accounting failed")
	}
	c.promote(ctx, tenantID, fingerprint, &entry.Completion)
	return &entry.Completion, models.CacheCold, nil
}

// Fill stores a fresh completion in both tiers. Hot-tier failure is logged
// and ignored; cold-tier failure is returned so the caller can log it once.
func (c *Cache) Fill(ctx context.Context, tenantID, fingerprint string, comp *models.Completion) error {
	c.promote(ctx, tenantID, fingerprint, comp)

	now := time.Now().UTC()
	return c.store.UpsertColdEntry(ctx, &models.ColdCacheEntry{
		TenantID:    tenantID,
		Fingerprint: fingerprint,
		Completion:  *comp,
		CreatedAt:   now,
		LastHitAt:   now,
	})
}

// promote writes an entry into the hot tier, best effort.
func (c *Cache) promote(ctx context.Context, tenantID, fingerprint string, comp *models.Completion) {
	raw, err := json.Marshal(comp)
	if err != nil {
		log.Error().Err(err).Msg("marshal completion for hot cache")
		return
	}
	if err := c.kv.SetEx(ctx, hotKey(tenantID, fingerprint), string(raw), c.ttl); err != nil {
		log.Warn().Err(err).Msg("hot cache write failed")
	}
}

// Stats reports the tenant's cold-tier effectiveness counters.
func (c *Cache) Stats(ctx context.Context, tenantID string) (models.CacheStats, error) {
	return c.store.ColdStats(ctx, tenantID)
}

// Clear removes the tenant's cache entries in the given scope and returns
// how many entries were removed per tier.
func (c *Cache) Clear(ctx context.Context, tenantID string, scope models.CacheScope) (hot, cold int64, err error) {
	if scope == models.ScopeHot || scope == models.ScopeAll {
		n, derr := c.kv.DeleteByPrefix(ctx, fmt.Sprintf("cache:%s:", tenantID))
		if derr != nil && !errors.Is(derr, kv.ErrUnavailable) {
			return hot, cold, derr
		}
		if derr != nil {
			log.Warn().Err(derr).Msg("hot cache clear failed")
		}
		hot = n
	}
	if scope == models.ScopeCold || scope == models.ScopeAll {
		n, derr := c.store.DeleteColdEntries(ctx, tenantID)
		if derr != nil {
			return hot, cold, derr
		}
		cold = n
	}
	return hot, cold, nil
}
