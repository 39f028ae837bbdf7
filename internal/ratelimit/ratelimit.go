// Package ratelimit enforces per-tenant request quotas over calendar-aligned
// UTC windows (minute, hour, day). Counters live in the KV store under
// rate:{tenant}:{window}:{bucket}; the bucket is the window's start time, so
// limits reset on calendar boundaries rather than rolling.
//
// The limiter fails open: if the KV store is unreachable the request is
// allowed and a warning is logged. Rate limiting protects spend, it is not
// a security boundary.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/kv"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

// counter TTLs outlive their window by a grace period so a bucket read just
// after the boundary still sees the old count.
const ttlGrace = 2 * time.Minute

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed bool
	// Window is the first exceeded window when denied.
	Window models.RateWindow
	// RetryAfter is the whole seconds until the exceeded window resets.
	RetryAfter int64
	// Usage reports all windows' counters for response headers.
	Usage []models.WindowUsage
}

// Limiter checks and reports per-tenant quotas.
type Limiter struct {
	kv    kv.Client
	store store.RateLimitConfigStore

	// now is overridable in tests.
	now func() time.Time
}

// New builds a Limiter.
func New(kvc kv.Client, st store.RateLimitConfigStore) *Limiter {
	return &Limiter{kv: kvc, store: st, now: time.Now}
}

// DefaultConfig returns the limits applied to tenants with no stored config.
func DefaultConfig(tenantID string) models.RateLimitConfig {
	return models.RateLimitConfig{
		TenantID:  tenantID,
		PerMinute: models.DefaultPerMinute,
		PerHour:   models.DefaultPerHour,
		PerDay:    models.DefaultPerDay,
		Enabled:   true,
	}
}

// Validate checks a config's limits against their allowed ranges.
func Validate(cfg *models.RateLimitConfig) error {
	if cfg.PerMinute < 1 || cfg.PerMinute > 10_000 {
		return fmt.Errorf("per_minute must be between 1 and 10000, got %d", cfg.PerMinute)
	}
	if cfg.PerHour < 1 || cfg.PerHour > 1_000_000 {
		return fmt.Errorf("per_hour must be between 1 and 1000000, got %d", cfg.PerHour)
	}
	if cfg.PerDay < 1 || cfg.PerDay > 10_000_000 {
		return fmt.Errorf("per_day must be between 1 and 10000000, got %d", cfg.PerDay)
	}
	return nil
}

// bucket formats the window start for the key.
func bucket(w models.RateWindow, t time.Time) string {
	t = t.UTC()
	switch w {
	case models.WindowMinute:
		return t.Format("2006-01-02T15:04")
	case models.WindowHour:
		return t.Format("2006-01-02T15")
	default:
		return t.Format("2006-01-02")
	}
}

// windowEnd returns the instant the window containing t resets.
func windowEnd(w models.RateWindow, t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case models.WindowMinute:
		return t.Truncate(time.Minute).Add(time.Minute)
	case models.WindowHour:
		return t.Truncate(time.Hour).Add(time.Hour)
	default:
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}

func key(tenantID string, w models.RateWindow, t time.Time) string {
	return fmt.Sprintf("rate:%s:%s:%s", tenantID, w, bucket(w, t))
}

// config loads the tenant's limits, falling back to defaults on a missing row.
func (l *Limiter) config(ctx context.Context, tenantID string) models.RateLimitConfig {
	cfg, err := l.store.GetRateLimitConfig(ctx, tenantID)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			log.Warn().Err(err).Str("tenant", tenantID).Msg("rate limit config load failed, using defaults")
		}
		return DefaultConfig(tenantID)
	}
	return *cfg
}

// Check consumes one request from the window counters and reports whether
// the request may proceed. Windows are checked minute, hour, day; the first
// exceeded window denies, and windows after it are only read, never
// incremented, so denied requests do not consume larger-window quota.
// KV failure allows the request.
func (l *Limiter) Check(ctx context.Context, tenantID string) (Decision, error) {
	cfg := l.config(ctx, tenantID)
	now := l.now()

	if !cfg.Enabled {
		return Decision{Allowed: true, Usage: l.usageSnapshot(ctx, tenantID, cfg, now)}, nil
	}

	dec := Decision{Allowed: true}
	for _, w := range models.RateWindows {
		limit := cfg.Limit(w)

		if !dec.Allowed {
			dec.Usage = append(dec.Usage, l.readWindow(ctx, tenantID, w, limit, now))
			continue
		}

		end := windowEnd(w, now)
		ttl := end.Sub(now) + ttlGrace

		used, err := l.kv.IncrWithExpiry(ctx, key(tenantID, w, now), ttl)
		if err != nil {
			if errors.Is(err, kv.ErrUnavailable) {
				log.Warn().Err(err).Str("tenant", tenantID).Msg("rate limiter KV unavailable, failing open")
				return Decision{Allowed: true, Usage: defaultUsage(cfg)}, nil
			}
			return Decision{}, err
		}

		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		dec.Usage = append(dec.Usage, models.WindowUsage{
			Window: w, Used: used, Limit: limit, Remaining: remaining,
		})

		if used > limit {
			retry := int64(math.Ceil(end.Sub(now).Seconds()))
			if retry < 1 {
				retry = 1
			}
			dec.Allowed = false
			dec.Window = w
			dec.RetryAfter = retry
		}
	}
	return dec, nil
}

// Usage reads the current window counters without consuming quota.
func (l *Limiter) Usage(ctx context.Context, tenantID string) ([]models.WindowUsage, error) {
	cfg := l.config(ctx, tenantID)
	return l.usageSnapshot(ctx, tenantID, cfg, l.now()), nil
}

func (l *Limiter) usageSnapshot(ctx context.Context, tenantID string, cfg models.RateLimitConfig, now time.Time) []models.WindowUsage {
	out := make([]models.WindowUsage, 0, len(models.RateWindows))
	for _, w := range models.RateWindows {
		out = append(out, l.readWindow(ctx, tenantID, w, cfg.Limit(w), now))
	}
	return out
}

// readWindow reads one window counter without consuming quota.
func (l *Limiter) readWindow(ctx context.Context, tenantID string, w models.RateWindow, limit int64, now time.Time) models.WindowUsage {
	var used int64
	raw, err := l.kv.Get(ctx, key(tenantID, w, now))
	switch {
	case err == nil:
		used, _ = strconv.ParseInt(raw, 10, 64)
	case errors.Is(err, kv.ErrNotFound):
		// fresh window
	default:
		log.Warn().Err(err).Str("tenant", tenantID).Msg("rate usage read failed")
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return models.WindowUsage{Window: w, Used: used, Limit: limit, Remaining: remaining}
}

func defaultUsage(cfg models.RateLimitConfig) []models.WindowUsage {
	out := make([]models.WindowUsage, 0, len(models.RateWindows))
	for _, w := range models.RateWindows {
		limit := cfg.Limit(w)
		out = append(out, models.WindowUsage{Window: w, Limit: limit, Remaining: limit})
	}
	return out
}

// Reset clears all of a tenant's live counters.
func (l *Limiter) Reset(ctx context.Context, tenantID string) error {
	_, err := l.kv.DeleteByPrefix(ctx, fmt.Sprintf("rate:%s:", tenantID))
	return err
}
