// Package buffer accumulates decoded events and flushes them to the
// database in batched transactions, trading latency for throughput on
// pooled remote databases.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/handlers"
	"github.com/alt-research/8004-solana-indexer/internal/metrics"
	"github.com/alt-research/8004-solana-indexer/internal/store"

	"github.com/jackc/pgx/v5"
)

const (
	// maxBufferedEvents triggers an immediate flush.
	maxBufferedEvents = 500
	// flushInterval bounds how long an event waits in the buffer.
	flushInterval = 500 * time.Millisecond
	// maxFlushRetries bounds retries before events dead-letter.
	maxFlushRetries = 3
)

// Entry is one decoded event with its transaction position.
type Entry struct {
	Meta  handlers.TxMeta
	Event events.Event
}

// Buffer is the batched write path. At most one flush is in flight at a
// time; adds during a flush queue for the next one.
type Buffer struct {
	st     *store.Store
	reg    *handlers.Registry
	dlq    *DeadLetterQueue
	logger *zap.Logger

	mu       sync.Mutex
	pending  []Entry
	timer    *time.Timer
	flushing bool
	stopped  bool

	// Stats, guarded by mu.
	flushCount   uint64
	totalFlushMs int64
}

// New builds a buffer writing through the given handler registry.
func New(st *store.Store, reg *handlers.Registry, logger *zap.Logger) *Buffer {
	return &Buffer{
		st:     st,
		reg:    reg,
		dlq:    NewDeadLetterQueue(logger),
		logger: logger.Named("buffer"),
	}
}

// DLQ exposes the dead-letter queue for the health endpoint.
func (b *Buffer) DLQ() *DeadLetterQueue { return b.dlq }

// Add appends an event. The first entry arms the flush timer; reaching the
// high-water mark flushes immediately.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.logger.Warn("event added after stop, dropping",
			zap.String("event", entry.Event.Type()))
		return
	}
	b.pending = append(b.pending, entry)
	n := len(b.pending)
	metrics.EventsBuffered.Set(float64(n))
	if n == 1 && b.timer == nil {
		b.timer = time.AfterFunc(flushInterval, func() {
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Error("timed flush failed", zap.Error(err))
			}
		})
	}
	b.mu.Unlock()

	if n >= maxBufferedEvents {
		if err := b.Flush(context.Background()); err != nil {
			b.logger.Error("high-water flush failed", zap.Error(err))
		}
	}
}

// Flush drains the buffer inside one database transaction: per-event SQL
// dispatch, then the cursor upsert, then commit. Failures re-queue the
// batch and retry with linear backoff; exhausted batches dead-letter.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	metrics.EventsBuffered.Set(0)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		rearm := len(b.pending) > 0 && !b.stopped
		b.mu.Unlock()
		if rearm {
			// Events arrived while we were flushing.
			if err := b.Flush(ctx); err != nil {
				b.logger.Error("follow-up flush failed", zap.Error(err))
			}
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= maxFlushRetries; attempt++ {
		start := time.Now()
		lastErr = b.writeBatch(ctx, batch)
		if lastErr == nil {
			elapsed := time.Since(start)
			metrics.FlushCount.Inc()
			metrics.EventsFlushed.Add(float64(len(batch)))
			metrics.FlushDuration.Observe(elapsed.Seconds())
			b.mu.Lock()
			b.flushCount++
			b.totalFlushMs += elapsed.Milliseconds()
			b.mu.Unlock()
			return nil
		}

		b.logger.Warn("flush attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("events", len(batch)),
			zap.Error(lastErr))
		if attempt < maxFlushRetries {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxFlushRetries
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	// Exhausted: move the batch to the dead-letter queue and carry on. The
	// retry counter resets with the next batch.
	b.logger.Error("flush retries exhausted, dead-lettering batch",
		zap.Int("events", len(batch)), zap.Error(lastErr))
	for _, entry := range batch {
		b.dlq.Add(entry, lastErr)
		b.persistDeadLetter(ctx, entry, lastErr)
	}
	return fmt.Errorf("flush failed after %d attempts: %w", maxFlushRetries, lastErr)
}

func (b *Buffer) writeBatch(ctx context.Context, batch []Entry) error {
	return b.st.WithTx(ctx, func(tx pgx.Tx) error {
		for _, entry := range batch {
			if err := b.reg.Handle(ctx, tx, entry.Meta, entry.Event); err != nil {
				// Single-event rejections must not poison the batch into
				// the retry loop.
				if errors.Is(err, handlers.ErrReservedMetadataKey) || errors.Is(err, handlers.ErrUnknownEvent) {
					b.logger.Warn("event rejected, skipping",
						zap.String("signature", entry.Meta.Signature),
						zap.String("event", entry.Event.Type()),
						zap.Error(err))
					continue
				}
				return fmt.Errorf("handle %s: %w", entry.Event.Type(), err)
			}
		}
		last := batch[len(batch)-1]
		if err := store.UpsertCursor(ctx, tx, last.Meta.Signature, last.Meta.Slot, "buffer"); err != nil {
			return err
		}
		return nil
	})
}

// persistDeadLetter mirrors a DLQ entry into the database, best-effort.
func (b *Buffer) persistDeadLetter(ctx context.Context, entry Entry, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := store.InsertDeadLetter(ctx, b.st.Pool, entry.Event.Type(), handlers.Payload(entry.Event), msg); err != nil {
		b.logger.Error("failed to persist dead letter", zap.Error(err))
	}
}

// Stats reports buffer counters for the health endpoint.
func (b *Buffer) Stats() (buffered int, flushes uint64, avgFlushMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buffered = len(b.pending)
	flushes = b.flushCount
	if b.flushCount > 0 {
		avgFlushMs = float64(b.totalFlushMs) / float64(b.flushCount)
	}
	return
}

// Stop flushes outstanding events and refuses further adds.
func (b *Buffer) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	return b.Flush(ctx)
}
