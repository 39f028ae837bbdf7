// Package retention implements data retention for the OpenRelay gateway.
// It periodically prunes two tables that otherwise grow without bound:
//
//   - cache_cold: cold-tier response cache entries that have not been hit
//     within the cold-cache window (default 30 days). The hot tier expires
//     on its own via KV TTLs.
//   - usage_log: usage ledger records older than the usage window (default
//     180 days). Analytics and alert evaluations only look back days to
//     months, so old rows carry cost without value.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. A window of zero or less disables
// pruning for that table.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/store"
)

// DefaultColdCacheDays is how long an unhit cold entry is kept.
const DefaultColdCacheDays = 30

// DefaultUsageDays is how long usage ledger records are kept.
const DefaultUsageDays = 180

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	ColdPruned  int64
	UsagePruned int64
	Errors      []error
}

// Janitor periodically prunes expired cold-cache entries and usage records.
type Janitor struct {
	store    store.Store
	interval time.Duration

	coldCacheDays int
	usageDays     int

	// now is swappable for tests.
	now func() time.Time
}

// NewJanitor creates a retention janitor that runs on the given interval.
func NewJanitor(s store.Store, interval time.Duration, coldCacheDays, usageDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:         s,
		interval:      interval,
		coldCacheDays: coldCacheDays,
		usageDays:     usageDays,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the janitor until ctx is cancelled. The first cycle runs
// immediately.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("cold_cache_days", j.coldCacheDays).
		Int("usage_days", j.usageDays).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one retention sweep and logs the outcome.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	stats := j.Sweep(ctx)

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("retention cycle error")
	}
	if stats.ColdPruned > 0 || stats.UsagePruned > 0 {
		log.Info().
			Int64("cold_pruned", stats.ColdPruned).
			Int64("usage_pruned", stats.UsagePruned).
			Dur("elapsed", time.Since(start)).
			Msg("retention cycle complete")
	}
}

// Sweep prunes both tables once and returns what it did.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	var stats CycleStats
	now := j.now()

	if j.coldCacheDays > 0 {
		cutoff := now.AddDate(0, 0, -j.coldCacheDays)
		n, err := j.store.PruneColdEntries(ctx, cutoff)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
		} else {
			stats.ColdPruned = n
		}
	}

	if j.usageDays > 0 {
		cutoff := now.AddDate(0, 0, -j.usageDays)
		n, err := j.store.PruneUsage(ctx, cutoff)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
		} else {
			stats.UsagePruned = n
		}
	}

	return stats
}
