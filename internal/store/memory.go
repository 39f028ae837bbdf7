package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openrelay/openrelay/pkg/models"
)

// Memory is an in-process Store used by tests. It implements the same
// semantics as the PostgreSQL store, including the monotone cold-cache
// upsert and the uniqueness invariants.
type Memory struct {
	mu          sync.RWMutex
	tenants     map[string]models.Tenant
	providers   map[string]models.ProviderConfig
	usage       []models.UsageRecord
	cold        map[string]models.ColdCacheEntry // tenant|fingerprint
	rateConfigs map[string]models.RateLimitConfig
	channels    map[string]models.AlertChannel
	alertCfgs   map[string]models.AlertConfig // by tenant
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants:     make(map[string]models.Tenant),
		providers:   make(map[string]models.ProviderConfig),
		cold:        make(map[string]models.ColdCacheEntry),
		rateConfigs: make(map[string]models.RateLimitConfig),
		channels:    make(map[string]models.AlertChannel),
		alertCfgs:   make(map[string]models.AlertConfig),
	}
}

func (m *Memory) Ping(ctx context.Context) error    { return nil }
func (m *Memory) Close() error                      { return nil }
func (m *Memory) Migrate(ctx context.Context) error { return nil }

func coldKey(tenantID, fingerprint string) string { return tenantID + "|" + fingerprint }

// ── Tenants ─────────────────────────────────────────────────

func (m *Memory) CreateTenant(ctx context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.APIKeyDigest == t.APIKeyDigest {
			return &ErrConflict{Entity: "tenant", Key: t.Name}
		}
	}
	m.tenants[t.ID] = *t
	return nil
}

func (m *Memory) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	return &t, nil
}

func (m *Memory) GetTenantByDigest(ctx context.Context, digest string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.APIKeyDigest == digest {
			cp := t
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "tenant", Key: "by digest"}
}

// ── Provider configs ────────────────────────────────────────

func (m *Memory) ListProviderConfigs(ctx context.Context, tenantID string) ([]models.ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProviderConfig
	for _, c := range m.providers {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

func (m *Memory) GetProviderConfig(ctx context.Context, tenantID, id string) (*models.ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.providers[id]
	if !ok || c.TenantID != tenantID {
		return nil, &ErrNotFound{Entity: "provider config", Key: id}
	}
	return &c, nil
}

func (m *Memory) CreateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.providers {
		if c.TenantID == cfg.TenantID && c.Provider == cfg.Provider {
			return &ErrConflict{Entity: "provider config", Key: string(cfg.Provider)}
		}
	}
	m.providers[cfg.ID] = *cfg
	return nil
}

func (m *Memory) UpdateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.providers[cfg.ID]
	if !ok || existing.TenantID != cfg.TenantID {
		return &ErrNotFound{Entity: "provider config", Key: cfg.ID}
	}
	m.providers[cfg.ID] = *cfg
	return nil
}

func (m *Memory) DeleteProviderConfig(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.providers[id]
	if !ok || c.TenantID != tenantID {
		return &ErrNotFound{Entity: "provider config", Key: id}
	}
	delete(m.providers, id)
	return nil
}

// ── Usage log ───────────────────────────────────────────────

func (m *Memory) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, *rec)
	return nil
}

func (m *Memory) InsertUsageBatch(ctx context.Context, recs []models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, recs...)
	return nil
}

// Usage returns a copy of all records, oldest first. Test helper.
func (m *Memory) Usage() []models.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.UsageRecord, len(m.usage))
	copy(out, m.usage)
	return out
}

func (m *Memory) AggregateUsage(ctx context.Context, tenantID string, from, to time.Time, by UsageGroupBy) ([]models.UsageAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byBucket := make(map[string]*models.UsageAggregate)
	latencySum := make(map[string]int64)
	for _, r := range m.usage {
		if r.TenantID != tenantID || r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		var bucket string
		switch by {
		case GroupByModel:
			bucket = r.Model
		case GroupByProvider:
			bucket = string(r.Provider)
		default:
			bucket = r.Timestamp.UTC().Format("2006-01-02")
		}
		a, ok := byBucket[bucket]
		if !ok {
			a = &models.UsageAggregate{Bucket: bucket}
			switch by {
			case GroupByModel:
				a.Model = bucket
			case GroupByProvider:
				a.Provider = r.Provider
			}
			byBucket[bucket] = a
		}
		a.Requests++
		a.PromptTokens += int64(r.PromptTokens)
		a.CompletionTokens += int64(r.CompletionTokens)
		a.Cost += r.Cost
		latencySum[bucket] += r.LatencyMs
		if r.CacheSource != models.CacheNone {
			a.CacheHits++
		}
	}

	keys := make([]string, 0, len(byBucket))
	for k := range byBucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.UsageAggregate, 0, len(keys))
	for _, k := range keys {
		a := byBucket[k]
		a.AvgLatencyMs = float64(latencySum[k]) / float64(a.Requests)
		out = append(out, *a)
	}
	return out, nil
}

func (m *Memory) TopDuplicateFingerprints(ctx context.Context, tenantID string, since time.Time, k int) ([]models.DuplicateFingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		k = 10
	}

	byFP := make(map[string]*models.DuplicateFingerprint)
	for _, r := range m.usage {
		if r.TenantID != tenantID || r.Timestamp.Before(since) ||
			r.Fingerprint == "" || r.CacheSource != models.CacheNone {
			continue
		}
		d, ok := byFP[r.Fingerprint]
		if !ok {
			d = &models.DuplicateFingerprint{Fingerprint: r.Fingerprint, Model: r.Model}
			byFP[r.Fingerprint] = d
		}
		d.Count++
		d.WastedCost += r.Cost
	}

	var out []models.DuplicateFingerprint
	for _, d := range byFP {
		if d.Count > 1 {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.Compare(out[i].Fingerprint, out[j].Fingerprint) < 0
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) SpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var spend float64
	for _, r := range m.usage {
		if r.TenantID == tenantID && !r.Timestamp.Before(since) {
			spend += r.Cost
		}
	}
	return spend, nil
}

func (m *Memory) RequestStats(ctx context.Context, tenantID string, since time.Time) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var requests, hits int64
	for _, r := range m.usage {
		if r.TenantID == tenantID && !r.Timestamp.Before(since) {
			requests++
			if r.CacheSource != models.CacheNone {
				hits++
			}
		}
	}
	return requests, hits, nil
}

// ── Cold cache ──────────────────────────────────────────────

func (m *Memory) GetColdEntry(ctx context.Context, tenantID, fingerprint string) (*models.ColdCacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cold[coldKey(tenantID, fingerprint)]
	if !ok {
		return nil, &ErrNotFound{Entity: "cache entry", Key: fingerprint}
	}
	return &e, nil
}

func (m *Memory) UpsertColdEntry(ctx context.Context, e *models.ColdCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := coldKey(e.TenantID, e.Fingerprint)
	now := time.Now().UTC()
	if existing, ok := m.cold[key]; ok {
		existing.Completion = e.Completion
		existing.HitCount++
		existing.LastHitAt = now
		m.cold[key] = existing
		return nil
	}
	m.cold[key] = models.ColdCacheEntry{
		TenantID:    e.TenantID,
		Fingerprint: e.Fingerprint,
		Completion:  e.Completion,
		CreatedAt:   now,
		LastHitAt:   now,
	}
	return nil
}

func (m *Memory) RecordColdHit(ctx context.Context, tenantID, fingerprint string, savedCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := coldKey(tenantID, fingerprint)
	e, ok := m.cold[key]
	if !ok {
		return nil
	}
	e.HitCount++
	e.SavedCost += savedCost
	e.LastHitAt = time.Now().UTC()
	m.cold[key] = e
	return nil
}

func (m *Memory) ColdStats(ctx context.Context, tenantID string) (models.CacheStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s models.CacheStats
	for _, e := range m.cold {
		if e.TenantID != tenantID {
			continue
		}
		s.Entries++
		s.Hits += e.HitCount
		s.EstimatedSavings += e.SavedCost
	}
	if total := s.Entries + s.Hits; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

func (m *Memory) DeleteColdEntries(ctx context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for k, e := range m.cold {
		if e.TenantID == tenantID {
			delete(m.cold, k)
			deleted++
		}
	}
	return deleted, nil
}

// ── Retention ───────────────────────────────────────────────

func (m *Memory) PruneColdEntries(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for k, e := range m.cold {
		if e.LastHitAt.Before(before) {
			delete(m.cold, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.usage[:0]
	var deleted int64
	for _, rec := range m.usage {
		if rec.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.usage = kept
	return deleted, nil
}

// ── Rate limit configs ──────────────────────────────────────

func (m *Memory) GetRateLimitConfig(ctx context.Context, tenantID string) (*models.RateLimitConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rateConfigs[tenantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "rate limit config", Key: tenantID}
	}
	return &c, nil
}

func (m *Memory) UpsertRateLimitConfig(ctx context.Context, cfg *models.RateLimitConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateConfigs[cfg.TenantID] = *cfg
	return nil
}

func (m *Memory) DeleteRateLimitConfig(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rateConfigs, tenantID)
	return nil
}

// ── Alert channels and configs ──────────────────────────────

func (m *Memory) ListAlertChannels(ctx context.Context, tenantID string) ([]models.AlertChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AlertChannel
	for _, ch := range m.channels {
		if ch.TenantID == tenantID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (m *Memory) GetAlertChannel(ctx context.Context, tenantID, id string) (*models.AlertChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok || ch.TenantID != tenantID {
		return nil, &ErrNotFound{Entity: "alert channel", Key: id}
	}
	return &ch, nil
}

func (m *Memory) CreateAlertChannel(ctx context.Context, ch *models.AlertChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = *ch
	return nil
}

func (m *Memory) UpdateAlertChannel(ctx context.Context, ch *models.AlertChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.channels[ch.ID]
	if !ok || existing.TenantID != ch.TenantID {
		return &ErrNotFound{Entity: "alert channel", Key: ch.ID}
	}
	m.channels[ch.ID] = *ch
	return nil
}

func (m *Memory) DeleteAlertChannel(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok || ch.TenantID != tenantID {
		return &ErrNotFound{Entity: "alert channel", Key: id}
	}
	delete(m.channels, id)
	return nil
}

func (m *Memory) GetAlertConfig(ctx context.Context, tenantID string) (*models.AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.alertCfgs[tenantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "alert config", Key: tenantID}
	}
	return &c, nil
}

func (m *Memory) UpsertAlertConfig(ctx context.Context, cfg *models.AlertConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.alertCfgs[cfg.TenantID]; ok {
		cfg.LastFired = existing.LastFired
	}
	m.alertCfgs[cfg.TenantID] = *cfg
	return nil
}

func (m *Memory) ListEnabledAlertConfigs(ctx context.Context) ([]models.AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AlertConfig
	for _, c := range m.alertCfgs {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *Memory) SetLastFired(ctx context.Context, tenantID string, kind models.ThresholdKind, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.alertCfgs[tenantID]
	if !ok {
		return &ErrNotFound{Entity: "alert config", Key: tenantID}
	}
	if c.LastFired == nil {
		c.LastFired = make(map[models.ThresholdKind]time.Time)
	}
	c.LastFired[kind] = at
	m.alertCfgs[tenantID] = c
	return nil
}
