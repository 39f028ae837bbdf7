// Package usage provides the asynchronous metering writer and the analytics
// read surface over the usage ledger. Writes are decoupled from the serving
// path: the pipeline enqueues records and a background goroutine batches
// them into the store.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second
	// defaultRetainLimit bounds how many records a failing store may pile
	// up in the flush buffer before the oldest are shed.
	defaultRetainLimit = 1024
)

// Writer batches usage records into the store off the request path.
type Writer struct {
	store store.UsageStore

	ch      chan models.UsageRecord
	batch   int
	flush   time.Duration
	retain  int
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// NewWriter builds a Writer; call Start to begin draining.
func NewWriter(st store.UsageStore) *Writer {
	return &Writer{
		store: st,
		ch:     make(chan models.UsageRecord, defaultQueueSize),
		batch:  defaultBatchSize,
		flush:  defaultFlushInterval,
		retain: defaultRetainLimit,
		done:   make(chan struct{}),
	}
}

// Start launches the drain loop. It runs until ctx is cancelled or Close is
// called, flushing whatever is buffered on the way out.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Writer) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	buf := make([]models.UsageRecord, 0, w.batch)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		// Detached context: request contexts are long gone by now.
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.store.InsertUsageBatch(wctx, buf)
		cancel()
		if err == nil {
			buf = buf[:0]
			return
		}
		// Keep the batch for the next flush so a store hiccup does not
		// lose records. The carry-over is bounded; overflow sheds the
		// oldest records into the drop counter.
		log.Error().Err(err).Int("records", len(buf)).Msg("usage batch write failed, retrying next flush")
		if over := len(buf) - w.retain; over > 0 {
			buf = append(buf[:0], buf[over:]...)
			w.addDropped(int64(over))
		}
	}

	for {
		select {
		case rec := <-w.ch:
			buf = append(buf, rec)
			if len(buf) >= w.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			w.drain(&buf)
			flush()
			w.addDropped(int64(len(buf)))
			return
		case <-w.done:
			w.drain(&buf)
			flush()
			w.addDropped(int64(len(buf)))
			return
		}
	}
}

// drain moves any still-queued records into buf without blocking.
func (w *Writer) drain(buf *[]models.UsageRecord) {
	for {
		select {
		case rec := <-w.ch:
			*buf = append(*buf, rec)
		default:
			return
		}
	}
}

// Record enqueues one usage record. It never blocks the caller: if the
// queue is full the record is dropped and counted.
func (w *Writer) Record(rec models.UsageRecord) {
	select {
	case w.ch <- rec:
	default:
		n := w.addDropped(1)
		log.Warn().Int64("dropped_total", n).Msg("usage queue full, record dropped")
	}
}

func (w *Writer) addDropped(n int64) int64 {
	if n == 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped += n
	return w.dropped
}

// Dropped reports how many records were lost to backpressure.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close stops the drain loop after flushing buffered records and waits for
// the final flush to complete.
func (w *Writer) Close() {
	w.stopped.Do(func() { close(w.done) })
	w.wg.Wait()
}
