package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

func TestSweepPrunesOldUsage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()

	require.NoError(t, mem.InsertUsage(ctx, &models.UsageRecord{
		ID: "old", TenantID: "t1", Timestamp: now.AddDate(0, 0, -200),
	}))
	require.NoError(t, mem.InsertUsage(ctx, &models.UsageRecord{
		ID: "recent", TenantID: "t1", Timestamp: now.AddDate(0, 0, -2),
	}))

	j := NewJanitor(mem, time.Hour, DefaultColdCacheDays, DefaultUsageDays)
	stats := j.Sweep(ctx)

	assert.Empty(t, stats.Errors)
	assert.Equal(t, int64(1), stats.UsagePruned)

	left := mem.Usage()
	require.Len(t, left, 1)
	assert.Equal(t, "recent", left[0].ID)
}

func TestSweepPrunesStaleColdEntries(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.UpsertColdEntry(ctx, &models.ColdCacheEntry{
		TenantID: "t1", Fingerprint: "fp1", Completion: models.Completion{},
	}))

	j := NewJanitor(mem, time.Hour, DefaultColdCacheDays, DefaultUsageDays)

	// Fresh entry survives a sweep at the current time.
	stats := j.Sweep(ctx)
	assert.Zero(t, stats.ColdPruned)

	// The same entry is stale when the clock moves past the window.
	j.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, DefaultColdCacheDays+1) }
	stats = j.Sweep(ctx)
	assert.Equal(t, int64(1), stats.ColdPruned)

	_, err := mem.GetColdEntry(ctx, "t1", "fp1")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestSweepDisabledWindows(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()

	require.NoError(t, mem.InsertUsage(ctx, &models.UsageRecord{
		ID: "ancient", TenantID: "t1", Timestamp: now.AddDate(-2, 0, 0),
	}))

	j := NewJanitor(mem, time.Hour, 0, 0)
	stats := j.Sweep(ctx)

	assert.Zero(t, stats.ColdPruned)
	assert.Zero(t, stats.UsagePruned)
	assert.Len(t, mem.Usage(), 1)
}

func TestStartStopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	j := NewJanitor(mem, time.Hour, DefaultColdCacheDays, DefaultUsageDays)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop on cancel")
	}
}
