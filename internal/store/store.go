// Package store provides the durable storage interface and implementations
// for the OpenRelay gateway. Handlers and services depend on the Store
// interface, making it easy to swap between in-memory (tests) and
// PostgreSQL (production) implementations.
package store

import (
	"context"
	"time"

	"github.com/openrelay/openrelay/pkg/models"
)

// Store is the primary storage interface for the gateway.
type Store interface {
	TenantStore
	ProviderConfigStore
	UsageStore
	ColdCacheStore
	RateLimitConfigStore
	AlertStore
	RetentionStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
}

// ── Tenant Store ────────────────────────────────────────────

type TenantStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	// GetTenantByDigest resolves an API-key digest to its tenant. Digests
	// are unique; a miss returns ErrNotFound.
	GetTenantByDigest(ctx context.Context, digest string) (*models.Tenant, error)
}

// ── Provider Config Store ───────────────────────────────────

type ProviderConfigStore interface {
	// ListProviderConfigs returns a tenant's configs ordered by priority
	// ascending.
	ListProviderConfigs(ctx context.Context, tenantID string) ([]models.ProviderConfig, error)
	GetProviderConfig(ctx context.Context, tenantID, id string) (*models.ProviderConfig, error)
	CreateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error
	UpdateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error
	DeleteProviderConfig(ctx context.Context, tenantID, id string) error
}

// ── Usage Store ─────────────────────────────────────────────

// UsageGroupBy selects the aggregation dimension for usage rollups.
type UsageGroupBy string

const (
	GroupByDay      UsageGroupBy = "day"
	GroupByModel    UsageGroupBy = "model"
	GroupByProvider UsageGroupBy = "provider"
)

type UsageStore interface {
	// InsertUsage appends one usage record. Records are immutable.
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
	// InsertUsageBatch appends many records in one transaction.
	InsertUsageBatch(ctx context.Context, recs []models.UsageRecord) error

	// AggregateUsage rolls up usage for a tenant between from and to,
	// grouped by the given dimension.
	AggregateUsage(ctx context.Context, tenantID string, from, to time.Time, by UsageGroupBy) ([]models.UsageAggregate, error)

	// TopDuplicateFingerprints returns the k fingerprints with the most
	// non-cached repeats since the given time.
	TopDuplicateFingerprints(ctx context.Context, tenantID string, since time.Time, k int) ([]models.DuplicateFingerprint, error)

	// SpendSince sums UsageRecord cost for a tenant from the given instant.
	SpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error)

	// RequestStats returns total requests and cache hits since the given
	// instant, used for the cache-hit-floor alert.
	RequestStats(ctx context.Context, tenantID string, since time.Time) (requests, cacheHits int64, err error)
}

// ── Cold Cache Store ────────────────────────────────────────

type ColdCacheStore interface {
	GetColdEntry(ctx context.Context, tenantID, fingerprint string) (*models.ColdCacheEntry, error)
	// UpsertColdEntry inserts the entry, or on conflict refreshes the
	// envelope and increments hit_count. Monotone and commutative.
	UpsertColdEntry(ctx context.Context, e *models.ColdCacheEntry) error
	// RecordColdHit bumps hit_count and the saved-cost accumulator.
	RecordColdHit(ctx context.Context, tenantID, fingerprint string, savedCost float64) error
	ColdStats(ctx context.Context, tenantID string) (models.CacheStats, error)
	DeleteColdEntries(ctx context.Context, tenantID string) (int64, error)
}

// ── Rate Limit Config Store ─────────────────────────────────

type RateLimitConfigStore interface {
	GetRateLimitConfig(ctx context.Context, tenantID string) (*models.RateLimitConfig, error)
	UpsertRateLimitConfig(ctx context.Context, cfg *models.RateLimitConfig) error
	DeleteRateLimitConfig(ctx context.Context, tenantID string) error
}

// ── Alert Store ─────────────────────────────────────────────

type AlertStore interface {
	ListAlertChannels(ctx context.Context, tenantID string) ([]models.AlertChannel, error)
	GetAlertChannel(ctx context.Context, tenantID, id string) (*models.AlertChannel, error)
	CreateAlertChannel(ctx context.Context, ch *models.AlertChannel) error
	UpdateAlertChannel(ctx context.Context, ch *models.AlertChannel) error
	DeleteAlertChannel(ctx context.Context, tenantID, id string) error

	GetAlertConfig(ctx context.Context, tenantID string) (*models.AlertConfig, error)
	UpsertAlertConfig(ctx context.Context, cfg *models.AlertConfig) error
	// ListEnabledAlertConfigs returns every enabled config across tenants,
	// used by the background evaluator.
	ListEnabledAlertConfigs(ctx context.Context) ([]models.AlertConfig, error)
	// SetLastFired records that a threshold fired at the given instant.
	SetLastFired(ctx context.Context, tenantID string, kind models.ThresholdKind, at time.Time) error
}

// ── Retention Store ─────────────────────────────────────────

type RetentionStore interface {
	// PruneColdEntries deletes cold-cache entries across all tenants whose
	// last hit is older than the cutoff.
	PruneColdEntries(ctx context.Context, before time.Time) (int64, error)
	// PruneUsage deletes usage records across all tenants older than the
	// cutoff. Aggregates computed afterwards no longer include them.
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a uniqueness invariant would be violated,
// e.g. a second provider config for the same (tenant, provider).
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
