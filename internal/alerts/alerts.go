// Package alerts runs the background threshold evaluator. On a wall-clock
// schedule it computes each tenant's day and month spend, rate-limit
// saturation, and cache hit rate, compares them to the tenant's configured
// thresholds, and dispatches notifications. Every threshold fires at most
// once per its window, tracked via the per-threshold last-fired timestamps.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/notify"
	"github.com/openrelay/openrelay/internal/ratelimit"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

// DefaultInterval is how often the evaluator wakes.
const DefaultInterval = time.Hour

// cacheHitFloorMinRequests guards the hit-rate alert against firing on a
// handful of requests.
const cacheHitFloorMinRequests = 50

// Evaluator is the background alert loop.
type Evaluator struct {
	store    store.Store
	limiter  *ratelimit.Limiter
	interval time.Duration

	// dispatch and now are overridable in tests.
	dispatch func(ctx context.Context, channels []models.AlertChannel, n *models.Notification) (int, error)
	now      func() time.Time
}

// NewEvaluator builds an Evaluator. A non-positive interval falls back to
// DefaultInterval.
func NewEvaluator(st store.Store, limiter *ratelimit.Limiter, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Evaluator{
		store:    st,
		limiter:  limiter,
		interval: interval,
		dispatch: notify.Dispatch,
		now:      time.Now,
	}
}

// Run evaluates on every tick until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	log.Info().Dur("interval", e.interval).Msg("alert evaluator started")
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("alert evaluator stopped")
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep runs one evaluation pass over every enabled alert config.
func (e *Evaluator) Sweep(ctx context.Context) {
	configs, err := e.store.ListEnabledAlertConfigs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list alert configs")
		return
	}
	for _, cfg := range configs {
		if err := e.evaluateTenant(ctx, &cfg); err != nil {
			log.Error().Err(err).Str("tenant", cfg.TenantID).Msg("alert evaluation failed")
		}
	}
}

// window boundaries, all UTC calendar-aligned.

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func (e *Evaluator) evaluateTenant(ctx context.Context, cfg *models.AlertConfig) error {
	now := e.now().UTC()

	channels, err := e.store.ListAlertChannels(ctx, cfg.TenantID)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	if len(channels) == 0 {
		return nil
	}

	tenantName := cfg.TenantID
	if tenant, terr := e.store.GetTenant(ctx, cfg.TenantID); terr == nil {
		tenantName = tenant.Name
	}

	if cfg.DailyCostLimit > 0 {
		spend, err := e.store.SpendSince(ctx, cfg.TenantID, dayStart(now))
		if err != nil {
			return fmt.Errorf("day spend: %w", err)
		}
		if spend >= cfg.DailyCostLimit {
			e.fire(ctx, cfg, channels, &models.Notification{
				TenantID:    cfg.TenantID,
				TenantName:  tenantName,
				Threshold:   models.ThresholdDailyCost,
				Value:       spend,
				Limit:       cfg.DailyCostLimit,
				WindowStart: dayStart(now),
				WindowEnd:   dayStart(now).AddDate(0, 0, 1),
				Severity:    "critical",
				Message:     fmt.Sprintf("daily spend $%.4f reached the $%.4f limit", spend, cfg.DailyCostLimit),
			})
		}
	}

	if cfg.MonthlyCostLimit > 0 {
		spend, err := e.store.SpendSince(ctx, cfg.TenantID, monthStart(now))
		if err != nil {
			return fmt.Errorf("month spend: %w", err)
		}
		if spend >= cfg.MonthlyCostLimit {
			e.fire(ctx, cfg, channels, &models.Notification{
				TenantID:    cfg.TenantID,
				TenantName:  tenantName,
				Threshold:   models.ThresholdMonthlyCost,
				Value:       spend,
				Limit:       cfg.MonthlyCostLimit,
				WindowStart: monthStart(now),
				WindowEnd:   monthStart(now).AddDate(0, 1, 0),
				Severity:    "critical",
				Message:     fmt.Sprintf("monthly spend $%.4f reached the $%.4f limit", spend, cfg.MonthlyCostLimit),
			})
		}
	}

	if cfg.RateLimitFraction > 0 {
		usage, err := e.limiter.Usage(ctx, cfg.TenantID)
		if err == nil {
			for _, u := range usage {
				if u.Window != models.WindowDay || u.Limit == 0 {
					continue
				}
				frac := float64(u.Used) / float64(u.Limit)
				if frac >= cfg.RateLimitFraction {
					e.fire(ctx, cfg, channels, &models.Notification{
						TenantID:    cfg.TenantID,
						TenantName:  tenantName,
						Threshold:   models.ThresholdRateFraction,
						Value:       frac,
						Limit:       cfg.RateLimitFraction,
						WindowStart: dayStart(now),
						WindowEnd:   dayStart(now).AddDate(0, 0, 1),
						Severity:    "warning",
						Message:     fmt.Sprintf("daily rate limit %.0f%% consumed", frac*100),
					})
				}
			}
		}
	}

	if cfg.CacheHitFloor > 0 {
		requests, hits, err := e.store.RequestStats(ctx, cfg.TenantID, dayStart(now))
		if err != nil {
			return fmt.Errorf("request stats: %w", err)
		}
		if requests >= cacheHitFloorMinRequests {
			rate := float64(hits) / float64(requests)
			if rate < cfg.CacheHitFloor {
				e.fire(ctx, cfg, channels, &models.Notification{
					TenantID:    cfg.TenantID,
					TenantName:  tenantName,
					Threshold:   models.ThresholdCacheHitFloor,
					Value:       rate,
					Limit:       cfg.CacheHitFloor,
					WindowStart: dayStart(now),
					WindowEnd:   dayStart(now).AddDate(0, 0, 1),
					Severity:    "warning",
					Message:     fmt.Sprintf("cache hit rate %.1f%% fell below the %.1f%% floor", rate*100, cfg.CacheHitFloor*100),
				})
			}
		}
	}

	e.maybeDailySummary(ctx, cfg, channels, tenantName, now)
	return nil
}

// fire dispatches a notification unless the threshold already fired inside
// its current window. Last-fired advances only when at least one channel
// accepted the notification, so a total dispatch failure is retried on the
// next sweep.
func (e *Evaluator) fire(ctx context.Context, cfg *models.AlertConfig, channels []models.AlertChannel, n *models.Notification) {
	if last, ok := cfg.LastFired[n.Threshold]; ok && !last.Before(n.WindowStart) {
		return
	}
	delivered, err := e.dispatch(ctx, channels, n)
	if err != nil {
		log.Warn().Err(err).Str("threshold", string(n.Threshold)).Int("delivered", delivered).Msg("alert dispatch errors")
	}
	if delivered == 0 {
		return
	}
	now := e.now().UTC()
	if cfg.LastFired == nil {
		cfg.LastFired = map[models.ThresholdKind]time.Time{}
	}
	cfg.LastFired[n.Threshold] = now
	if err := e.store.SetLastFired(ctx, cfg.TenantID, n.Threshold, now); err != nil {
		log.Error().Err(err).Msg("persist last-fired")
	}
}

// maybeDailySummary emits yesterday's totals once per calendar day.
func (e *Evaluator) maybeDailySummary(ctx context.Context, cfg *models.AlertConfig, channels []models.AlertChannel, tenantName string, now time.Time) {
	today := dayStart(now)
	if last, ok := cfg.LastFired[models.ThresholdDailySummary]; ok && !last.Before(today) {
		return
	}
	yStart := today.AddDate(0, 0, -1)
	rows, err := e.store.AggregateUsage(ctx, cfg.TenantID, yStart, today, store.GroupByDay)
	if err != nil {
		log.Error().Err(err).Msg("daily summary aggregate")
		return
	}
	var spend float64
	var requests, hits int64
	for _, row := range rows {
		spend += row.Cost
		requests += row.Requests
		hits += row.CacheHits
	}

	e.fire(ctx, cfg, channels, &models.Notification{
		TenantID:    cfg.TenantID,
		TenantName:  tenantName,
		Threshold:   models.ThresholdDailySummary,
		Value:       spend,
		WindowStart: yStart,
		WindowEnd:   today,
		Severity:    "info",
		Message:     fmt.Sprintf("yesterday: %d requests, %d cache hits, $%.4f spent", requests, hits, spend),
	})
}
