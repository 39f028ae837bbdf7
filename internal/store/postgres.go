package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openrelay/openrelay/pkg/models"
)

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, url string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	api_key_digest TEXT NOT NULL UNIQUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_configs (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	provider          TEXT NOT NULL,
	api_key_encrypted TEXT NOT NULL,
	priority          INT NOT NULL DEFAULT 0,
	enabled           BOOLEAN NOT NULL DEFAULT true,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, provider)
);

CREATE TABLE IF NOT EXISTS usage_log (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	ts                TIMESTAMPTZ NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	prompt_tokens     INT NOT NULL,
	completion_tokens INT NOT NULL,
	cost              DOUBLE PRECISION NOT NULL,
	latency_ms        BIGINT NOT NULL,
	cache_source      TEXT NOT NULL DEFAULT 'none',
	fingerprint       TEXT NOT NULL DEFAULT '',
	routing_decision  JSONB,
	error_tag         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS usage_log_tenant_ts ON usage_log (tenant_id, ts);
CREATE INDEX IF NOT EXISTS usage_log_tenant_fp ON usage_log (tenant_id, fingerprint);

CREATE TABLE IF NOT EXISTS cache_cold (
	tenant_id   TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	fingerprint TEXT NOT NULL,
	envelope    JSONB NOT NULL,
	hit_count   BIGINT NOT NULL DEFAULT 0,
	saved_cost  DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_hit_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS rate_limit_configs (
	tenant_id  TEXT PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
	per_minute BIGINT NOT NULL,
	per_hour   BIGINT NOT NULL,
	per_day    BIGINT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT true,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alert_channels (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	kind      TEXT NOT NULL,
	config    JSONB NOT NULL DEFAULT '{}',
	enabled   BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS alert_configs (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL UNIQUE REFERENCES tenants(id) ON DELETE CASCADE,
	daily_cost_limit    DOUBLE PRECISION NOT NULL DEFAULT 0,
	monthly_cost_limit  DOUBLE PRECISION NOT NULL DEFAULT 0,
	rate_limit_fraction DOUBLE PRECISION NOT NULL DEFAULT 0,
	cache_hit_floor     DOUBLE PRECISION NOT NULL DEFAULT 0,
	enabled             BOOLEAN NOT NULL DEFAULT true,
	last_fired          JSONB NOT NULL DEFAULT '{}'
);
`

// Migrate creates the schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Tenants ─────────────────────────────────────────────────

func (p *Postgres) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, api_key_digest, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.APIKeyDigest, t.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "tenant", Key: t.Name}
	}
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (p *Postgres) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	return p.scanTenant(p.pool.QueryRow(ctx,
		`SELECT id, name, api_key_digest, created_at FROM tenants WHERE id = $1`, id), id)
}

func (p *Postgres) GetTenantByDigest(ctx context.Context, digest string) (*models.Tenant, error) {
	return p.scanTenant(p.pool.QueryRow(ctx,
		`SELECT id, name, api_key_digest, created_at FROM tenants WHERE api_key_digest = $1`, digest), "by digest")
}

func (p *Postgres) scanTenant(row pgx.Row, key string) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyDigest, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

// ── Provider configs ────────────────────────────────────────

const providerConfigCols = `id, tenant_id, provider, api_key_encrypted, priority, enabled, created_at, updated_at`

func (p *Postgres) ListProviderConfigs(ctx context.Context, tenantID string) ([]models.ProviderConfig, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+providerConfigCols+` FROM provider_configs WHERE tenant_id = $1 ORDER BY priority ASC, provider ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderConfig
	for rows.Next() {
		var c models.ProviderConfig
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Provider, &c.APIKeyEncrypted,
			&c.Priority, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) GetProviderConfig(ctx context.Context, tenantID, id string) (*models.ProviderConfig, error) {
	var c models.ProviderConfig
	err := p.pool.QueryRow(ctx,
		`SELECT `+providerConfigCols+` FROM provider_configs WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).
		Scan(&c.ID, &c.TenantID, &c.Provider, &c.APIKeyEncrypted,
			&c.Priority, &c.Enabled, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "provider config", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get provider config: %w", err)
	}
	return &c, nil
}

func (p *Postgres) CreateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO provider_configs (`+providerConfigCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cfg.ID, cfg.TenantID, cfg.Provider, cfg.APIKeyEncrypted,
		cfg.Priority, cfg.Enabled, cfg.CreatedAt, cfg.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "provider config", Key: string(cfg.Provider)}
	}
	if err != nil {
		return fmt.Errorf("create provider config: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE provider_configs SET api_key_encrypted = $1, priority = $2, enabled = $3, updated_at = $4
		 WHERE tenant_id = $5 AND id = $6`,
		cfg.APIKeyEncrypted, cfg.Priority, cfg.Enabled, cfg.UpdatedAt, cfg.TenantID, cfg.ID)
	if err != nil {
		return fmt.Errorf("update provider config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "provider config", Key: cfg.ID}
	}
	return nil
}

func (p *Postgres) DeleteProviderConfig(ctx context.Context, tenantID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM provider_configs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete provider config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "provider config", Key: id}
	}
	return nil
}

// ── Usage log ───────────────────────────────────────────────

const usageInsert = `INSERT INTO usage_log
	(id, tenant_id, ts, model, provider, prompt_tokens, completion_tokens, cost, latency_ms, cache_source, fingerprint, routing_decision, error_tag)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func usageArgs(rec *models.UsageRecord) ([]any, error) {
	var routing []byte
	if rec.Routing != nil {
		var err error
		routing, err = json.Marshal(rec.Routing)
		if err != nil {
			return nil, fmt.Errorf("marshal routing decision: %w", err)
		}
	}
	return []any{
		rec.ID, rec.TenantID, rec.Timestamp, rec.Model, rec.Provider,
		rec.PromptTokens, rec.CompletionTokens, rec.Cost, rec.LatencyMs,
		rec.CacheSource, rec.Fingerprint, routing, rec.ErrorTag,
	}, nil
}

func (p *Postgres) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	args, err := usageArgs(rec)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, usageInsert, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (p *Postgres) InsertUsageBatch(ctx context.Context, recs []models.UsageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range recs {
		args, err := usageArgs(&recs[i])
		if err != nil {
			return err
		}
		batch.Queue(usageInsert, args...)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert usage batch: %w", err)
		}
	}
	return nil
}

func (p *Postgres) AggregateUsage(ctx context.Context, tenantID string, from, to time.Time, by UsageGroupBy) ([]models.UsageAggregate, error) {
	var bucketExpr string
	switch by {
	case GroupByModel:
		bucketExpr = "model"
	case GroupByProvider:
		bucketExpr = "provider"
	default:
		bucketExpr = "to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+bucketExpr+` AS bucket,
			count(*),
			coalesce(sum(prompt_tokens), 0),
			coalesce(sum(completion_tokens), 0),
			coalesce(sum(cost), 0),
			coalesce(avg(latency_ms), 0),
			count(*) FILTER (WHERE cache_source <> 'none')
		 FROM usage_log
		 WHERE tenant_id = $1 AND ts >= $2 AND ts < $3
		 GROUP BY bucket ORDER BY bucket`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageAggregate
	for rows.Next() {
		var a models.UsageAggregate
		if err := rows.Scan(&a.Bucket, &a.Requests, &a.PromptTokens, &a.CompletionTokens,
			&a.Cost, &a.AvgLatencyMs, &a.CacheHits); err != nil {
			return nil, fmt.Errorf("scan usage aggregate: %w", err)
		}
		switch by {
		case GroupByModel:
			a.Model = a.Bucket
		case GroupByProvider:
			a.Provider = models.ProviderKind(a.Bucket)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) TopDuplicateFingerprints(ctx context.Context, tenantID string, since time.Time, k int) ([]models.DuplicateFingerprint, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := p.pool.Query(ctx,
		`SELECT fingerprint, min(model), count(*), sum(cost)
		 FROM usage_log
		 WHERE tenant_id = $1 AND ts >= $2 AND fingerprint <> '' AND cache_source = 'none'
		 GROUP BY fingerprint HAVING count(*) > 1
		 ORDER BY count(*) DESC LIMIT $3`,
		tenantID, since, k)
	if err != nil {
		return nil, fmt.Errorf("top duplicates: %w", err)
	}
	defer rows.Close()

	var out []models.DuplicateFingerprint
	for rows.Next() {
		var d models.DuplicateFingerprint
		if err := rows.Scan(&d.Fingerprint, &d.Model, &d.Count, &d.WastedCost); err != nil {
			return nil, fmt.Errorf("scan duplicate: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) SpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var spend float64
	err := p.pool.QueryRow(ctx,
		`SELECT coalesce(sum(cost), 0) FROM usage_log WHERE tenant_id = $1 AND ts >= $2`,
		tenantID, since).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return spend, nil
}

func (p *Postgres) RequestStats(ctx context.Context, tenantID string, since time.Time) (int64, int64, error) {
	var requests, hits int64
	err := p.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE cache_source <> 'none')
		 FROM usage_log WHERE tenant_id = $1 AND ts >= $2`,
		tenantID, since).Scan(&requests, &hits)
	if err != nil {
		return 0, 0, fmt.Errorf("request stats: %w", err)
	}
	return requests, hits, nil
}

// ── Cold cache ──────────────────────────────────────────────

func (p *Postgres) GetColdEntry(ctx context.Context, tenantID, fingerprint string) (*models.ColdCacheEntry, error) {
	var e models.ColdCacheEntry
	var envelope []byte
	err := p.pool.QueryRow(ctx,
		`SELECT tenant_id, fingerprint, envelope, hit_count, saved_cost, created_at, last_hit_at
		 FROM cache_cold WHERE tenant_id = $1 AND fingerprint = $2`,
		tenantID, fingerprint).
		Scan(&e.TenantID, &e.Fingerprint, &envelope, &e.HitCount, &e.SavedCost, &e.CreatedAt, &e.LastHitAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "cache entry", Key: fingerprint}
	}
	if err != nil {
		return nil, fmt.Errorf("get cold entry: %w", err)
	}
	if err := json.Unmarshal(envelope, &e.Completion); err != nil {
		return nil, fmt.Errorf("decode cold envelope: %w", err)
	}
	return &e, nil
}

func (p *Postgres) UpsertColdEntry(ctx context.Context, e *models.ColdCacheEntry) error {
	envelope, err := json.Marshal(e.Completion)
	if err != nil {
		return fmt.Errorf("encode cold envelope: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO cache_cold (tenant_id, fingerprint, envelope, hit_count, saved_cost, created_at, last_hit_at)
		 VALUES ($1, $2, $3, 0, 0, now(), now())
		 ON CONFLICT (tenant_id, fingerprint) DO UPDATE
		 SET envelope = EXCLUDED.envelope,
		     hit_count = cache_cold.hit_count + 1,
		     last_hit_at = now()`,
		e.TenantID, e.Fingerprint, envelope)
	if err != nil {
		return fmt.Errorf("upsert cold entry: %w", err)
	}
	return nil
}

func (p *Postgres) RecordColdHit(ctx context.Context, tenantID, fingerprint string, savedCost float64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE cache_cold
		 SET hit_count = hit_count + 1, saved_cost = saved_cost + $3, last_hit_at = now()
		 WHERE tenant_id = $1 AND fingerprint = $2`,
		tenantID, fingerprint, savedCost)
	if err != nil {
		return fmt.Errorf("record cold hit: %w", err)
	}
	return nil
}

func (p *Postgres) ColdStats(ctx context.Context, tenantID string) (models.CacheStats, error) {
	var s models.CacheStats
	err := p.pool.QueryRow(ctx,
		`SELECT count(*), coalesce(sum(hit_count), 0), coalesce(sum(saved_cost), 0)
		 FROM cache_cold WHERE tenant_id = $1`,
		tenantID).Scan(&s.Entries, &s.Hits, &s.EstimatedSavings)
	if err != nil {
		return s, fmt.Errorf("cold stats: %w", err)
	}
	if total := s.Entries + s.Hits; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

func (p *Postgres) DeleteColdEntries(ctx context.Context, tenantID string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM cache_cold WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete cold entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Retention ───────────────────────────────────────────────

func (p *Postgres) PruneColdEntries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM cache_cold WHERE last_hit_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune cold entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM usage_log WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Rate limit configs ──────────────────────────────────────

func (p *Postgres) GetRateLimitConfig(ctx context.Context, tenantID string) (*models.RateLimitConfig, error) {
	var c models.RateLimitConfig
	err := p.pool.QueryRow(ctx,
		`SELECT tenant_id, per_minute, per_hour, per_day, enabled, updated_at
		 FROM rate_limit_configs WHERE tenant_id = $1`, tenantID).
		Scan(&c.TenantID, &c.PerMinute, &c.PerHour, &c.PerDay, &c.Enabled, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "rate limit config", Key: tenantID}
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit config: %w", err)
	}
	return &c, nil
}

func (p *Postgres) UpsertRateLimitConfig(ctx context.Context, cfg *models.RateLimitConfig) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rate_limit_configs (tenant_id, per_minute, per_hour, per_day, enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET per_minute = $2, per_hour = $3, per_day = $4, enabled = $5, updated_at = $6`,
		cfg.TenantID, cfg.PerMinute, cfg.PerHour, cfg.PerDay, cfg.Enabled, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rate limit config: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteRateLimitConfig(ctx context.Context, tenantID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM rate_limit_configs WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete rate limit config: %w", err)
	}
	return nil
}

// ── Alert channels and configs ──────────────────────────────

func (p *Postgres) ListAlertChannels(ctx context.Context, tenantID string) ([]models.AlertChannel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, kind, config, enabled FROM alert_channels WHERE tenant_id = $1 ORDER BY kind`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list alert channels: %w", err)
	}
	defer rows.Close()

	var out []models.AlertChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

func scanChannel(row pgx.Row) (*models.AlertChannel, error) {
	var ch models.AlertChannel
	var cfg []byte
	if err := row.Scan(&ch.ID, &ch.TenantID, &ch.Kind, &cfg, &ch.Enabled); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &ch.Config); err != nil {
		return nil, fmt.Errorf("decode channel config: %w", err)
	}
	return &ch, nil
}

func (p *Postgres) GetAlertChannel(ctx context.Context, tenantID, id string) (*models.AlertChannel, error) {
	ch, err := scanChannel(p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, kind, config, enabled FROM alert_channels WHERE tenant_id = $1 AND id = $2`,
		tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "alert channel", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get alert channel: %w", err)
	}
	return ch, nil
}

func (p *Postgres) CreateAlertChannel(ctx context.Context, ch *models.AlertChannel) error {
	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("encode channel config: %w", err)
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO alert_channels (id, tenant_id, kind, config, enabled) VALUES ($1, $2, $3, $4, $5)`,
		ch.ID, ch.TenantID, ch.Kind, cfg, ch.Enabled); err != nil {
		return fmt.Errorf("create alert channel: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateAlertChannel(ctx context.Context, ch *models.AlertChannel) error {
	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("encode channel config: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE alert_channels SET kind = $1, config = $2, enabled = $3 WHERE tenant_id = $4 AND id = $5`,
		ch.Kind, cfg, ch.Enabled, ch.TenantID, ch.ID)
	if err != nil {
		return fmt.Errorf("update alert channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "alert channel", Key: ch.ID}
	}
	return nil
}

func (p *Postgres) DeleteAlertChannel(ctx context.Context, tenantID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM alert_channels WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete alert channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "alert channel", Key: id}
	}
	return nil
}

const alertConfigCols = `id, tenant_id, daily_cost_limit, monthly_cost_limit, rate_limit_fraction, cache_hit_floor, enabled, last_fired`

func scanAlertConfig(row pgx.Row) (*models.AlertConfig, error) {
	var c models.AlertConfig
	var lastFired []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.DailyCostLimit, &c.MonthlyCostLimit,
		&c.RateLimitFraction, &c.CacheHitFloor, &c.Enabled, &lastFired); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lastFired, &c.LastFired); err != nil {
		return nil, fmt.Errorf("decode last_fired: %w", err)
	}
	return &c, nil
}

func (p *Postgres) GetAlertConfig(ctx context.Context, tenantID string) (*models.AlertConfig, error) {
	c, err := scanAlertConfig(p.pool.QueryRow(ctx,
		`SELECT `+alertConfigCols+` FROM alert_configs WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "alert config", Key: tenantID}
	}
	if err != nil {
		return nil, fmt.Errorf("get alert config: %w", err)
	}
	return c, nil
}

func (p *Postgres) UpsertAlertConfig(ctx context.Context, cfg *models.AlertConfig) error {
	lastFired, err := json.Marshal(cfg.LastFired)
	if err != nil {
		return fmt.Errorf("encode last_fired: %w", err)
	}
	if cfg.LastFired == nil {
		lastFired = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO alert_configs (`+alertConfigCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET daily_cost_limit = $3, monthly_cost_limit = $4, rate_limit_fraction = $5,
		     cache_hit_floor = $6, enabled = $7`,
		cfg.ID, cfg.TenantID, cfg.DailyCostLimit, cfg.MonthlyCostLimit,
		cfg.RateLimitFraction, cfg.CacheHitFloor, cfg.Enabled, lastFired)
	if err != nil {
		return fmt.Errorf("upsert alert config: %w", err)
	}
	return nil
}

func (p *Postgres) ListEnabledAlertConfigs(ctx context.Context) ([]models.AlertConfig, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+alertConfigCols+` FROM alert_configs WHERE enabled ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list alert configs: %w", err)
	}
	defer rows.Close()

	var out []models.AlertConfig
	for rows.Next() {
		c, err := scanAlertConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert config: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *Postgres) SetLastFired(ctx context.Context, tenantID string, kind models.ThresholdKind, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE alert_configs
		 SET last_fired = last_fired || jsonb_build_object($2::text, to_jsonb($3::timestamptz))
		 WHERE tenant_id = $1`,
		tenantID, string(kind), at)
	if err != nil {
		return fmt.Errorf("set last fired: %w", err)
	}
	return nil
}
