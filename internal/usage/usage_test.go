package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

// flakyStore fails batch inserts on demand.
type flakyStore struct {
	*store.Memory
	fail atomic.Bool
}

func (f *flakyStore) InsertUsageBatch(ctx context.Context, recs []models.UsageRecord) error {
	if f.fail.Load() {
		return errors.New("store down")
	}
	return f.Memory.InsertUsageBatch(ctx, recs)
}

func rec(id string) models.UsageRecord {
	return models.UsageRecord{
		ID:          id,
		TenantID:    "t1",
		Timestamp:   time.Now().UTC(),
		Model:       "gpt-4o-mini",
		Provider:    models.ProviderOpenAI,
		Cost:        0.001,
		CacheSource: models.CacheNone,
	}
}

func TestWriterFlushesOnClose(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st)
	w.Start(context.Background())

	w.Record(rec("r1"))
	w.Record(rec("r2"))
	w.Close()

	assert.Len(t, st.Usage(), 2)
	assert.Zero(t, w.Dropped())
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st)
	w.batch = 2
	w.Start(context.Background())

	w.Record(rec("r1"))
	w.Record(rec("r2"))
	w.Record(rec("r3"))

	require.Eventually(t, func() bool {
		return len(st.Usage()) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	w.Close()
	assert.Len(t, st.Usage(), 3)
}

func TestWriterFlushesOnInterval(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st)
	w.flush = 20 * time.Millisecond
	w.Start(context.Background())
	defer w.Close()

	w.Record(rec("r1"))
	require.Eventually(t, func() bool {
		return len(st.Usage()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriterRetriesFailedBatch(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory()}
	st.fail.Store(true)
	w := NewWriter(st)
	w.flush = 20 * time.Millisecond
	w.Start(context.Background())
	defer w.Close()

	w.Record(rec("r1"))
	w.Record(rec("r2"))

	// Give the writer a few failing flush ticks, then recover the store.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, st.Usage())
	st.fail.Store(false)

	require.Eventually(t, func() bool {
		return len(st.Usage()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, w.Dropped())
}

func TestWriterBoundsRetainedBatchOnPersistentFailure(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory()}
	st.fail.Store(true)
	w := NewWriter(st)
	w.batch = 2
	w.retain = 3
	w.Start(context.Background())

	for i := 0; i < 6; i++ {
		w.Record(rec("r" + string(rune('0'+i))))
	}

	// With the store down the carry-over is capped at retain; the oldest
	// records beyond it are shed into the drop counter.
	require.Eventually(t, func() bool {
		return w.Dropped() > 0
	}, 2*time.Second, 10*time.Millisecond)
	w.Close()
	assert.Empty(t, st.Usage())
}

func TestWriterDropsWhenFull(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st)
	w.ch = make(chan models.UsageRecord, 1)
	// Not started: the queue can only hold one record.

	w.Record(rec("r1"))
	w.Record(rec("r2"))
	assert.Equal(t, int64(1), w.Dropped())
}

func TestWriterStopsOnContextCancel(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Record(rec("r1"))
	cancel()

	require.Eventually(t, func() bool {
		return len(st.Usage()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
