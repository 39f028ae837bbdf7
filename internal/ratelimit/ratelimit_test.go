package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/openrelay/internal/kv"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

func newTestLimiter(t *testing.T, at time.Time) (*Limiter, *store.Memory, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	st := store.NewMemory()
	l := New(mem, st)
	l.now = func() time.Time { return at }
	return l, st, mem
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 10, 30, 15, 0, time.UTC)
	l, st, _ := newTestLimiter(t, at)
	require.NoError(t, st.UpsertRateLimitConfig(ctx, &models.RateLimitConfig{
		TenantID: "t1", PerMinute: 3, PerHour: 100, PerDay: 1000, Enabled: true,
	}))

	for i := 0; i < 3; i++ {
		dec, err := l.Check(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "request %d", i+1)
	}

	dec, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, models.WindowMinute, dec.Window)
	// 45 seconds to the top of the minute.
	assert.Equal(t, int64(45), dec.RetryAfter)
}

func TestCheckUsesDefaultsWithoutConfig(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))

	dec, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	require.Len(t, dec.Usage, 3)
	assert.Equal(t, int64(models.DefaultPerMinute), dec.Usage[0].Limit)
	assert.Equal(t, int64(models.DefaultPerDay), dec.Usage[2].Limit)
	assert.Equal(t, int64(1), dec.Usage[0].Used)
}

func TestCheckDisabledConfigSkipsCounting(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	l, st, _ := newTestLimiter(t, at)
	require.NoError(t, st.UpsertRateLimitConfig(ctx, &models.RateLimitConfig{
		TenantID: "t1", PerMinute: 1, PerHour: 1, PerDay: 1, Enabled: false,
	}))

	for i := 0; i < 5; i++ {
		dec, err := l.Check(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
}

func TestCheckCalendarBoundaryResets(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 10, 0, 59, 0, time.UTC)
	l, st, _ := newTestLimiter(t, at)
	require.NoError(t, st.UpsertRateLimitConfig(ctx, &models.RateLimitConfig{
		TenantID: "t1", PerMinute: 1, PerHour: 100, PerDay: 1000, Enabled: true,
	}))

	dec, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(1), dec.RetryAfter)

	// Next calendar minute, counter starts over.
	l.now = func() time.Time { return at.Add(time.Second) }
	dec, err = l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestDeniedRequestsDoNotConsumeLargerWindows(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	l, st, _ := newTestLimiter(t, at)
	require.NoError(t, st.UpsertRateLimitConfig(ctx, &models.RateLimitConfig{
		TenantID: "t1", PerMinute: 1, PerHour: 2, PerDay: 1000, Enabled: true,
	}))

	// One allowed, two minute-denied. Only the allowed request may count
	// against the hour.
	for i := 0; i < 3; i++ {
		dec, err := l.Check(ctx, "t1")
		require.NoError(t, err)
		if i == 0 {
			assert.True(t, dec.Allowed)
		} else {
			assert.False(t, dec.Allowed)
			assert.Equal(t, models.WindowMinute, dec.Window)
		}
		// The usage slice still reports every window.
		require.Len(t, dec.Usage, 3)
	}

	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage[1].Used, "hour counter must only see allowed requests")

	// Next minute: the second allowed request of the hour goes through.
	l.now = func() time.Time { return at.Add(time.Minute) }
	dec, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestCheckFailsOpenOnKVOutage(t *testing.T) {
	ctx := context.Background()
	l, _, mem := newTestLimiter(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	mem.Fail = true

	dec, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	require.Len(t, dec.Usage, 3)
}

func TestUsageDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))

	_, err := l.Check(ctx, "t1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		usage, err := l.Usage(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), usage[0].Used)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))

	_, err := l.Check(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, l.Reset(ctx, "t1"))

	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, usage[0].Used)
}

func TestValidate(t *testing.T) {
	ok := &models.RateLimitConfig{PerMinute: 100, PerHour: 3000, PerDay: 50000}
	assert.NoError(t, Validate(ok))

	assert.Error(t, Validate(&models.RateLimitConfig{PerMinute: 0, PerHour: 1, PerDay: 1}))
	assert.Error(t, Validate(&models.RateLimitConfig{PerMinute: 10_001, PerHour: 1, PerDay: 1}))
	assert.Error(t, Validate(&models.RateLimitConfig{PerMinute: 1, PerHour: 1_000_001, PerDay: 1}))
	assert.Error(t, Validate(&models.RateLimitConfig{PerMinute: 1, PerHour: 1, PerDay: 10_000_001}))
}

func TestBucketFormats(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 30, 15, 0, time.UTC)
	assert.Equal(t, "2026-08-24T10:30", bucket(models.WindowMinute, at))
	assert.Equal(t, "2026-08-24T10", bucket(models.WindowHour, at))
	assert.Equal(t, "2026-08-24", bucket(models.WindowDay, at))
}
