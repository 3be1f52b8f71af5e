// Package poller drives ingestion: ordered backfill on cold start, then
// live tailing of the program's signature stream. It is the single owner of
// the indexer cursor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/buffer"
	"github.com/alt-research/8004-solana-indexer/internal/config"
	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/handlers"
	"github.com/alt-research/8004-solana-indexer/internal/ledger"
	"github.com/alt-research/8004-solana-indexer/internal/metrics"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

const (
	// signaturePageSize is the page used when walking the signature stream.
	signaturePageSize = 1000
	// maxGapSignatures caps how many signatures one tick will hold in
	// memory before checkpointing a continuation.
	maxGapSignatures = 100000
	// txCacheSize bounds the parsed-transaction cache.
	txCacheSize = 2048
	// progressEvery is the periodic progress log interval.
	progressEvery = 60 * time.Second
	// backfillProgressEvery logs progress this often during backfill.
	backfillProgressEvery = 100
)

// Poller owns the ingestion loop.
type Poller struct {
	client  ledger.Client
	decoder events.Decoder
	st      *store.Store
	reg     *handlers.Registry
	buf     *buffer.Buffer // nil in local (single-transaction) mode
	program solana.PublicKey
	cfg     *config.Config
	logger  *zap.Logger

	txCache *lru.Cache[solana.Signature, *ledger.Transaction]

	running  atomic.Bool
	inTick   atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	cursorMu sync.Mutex
	cursor   *store.Cursor

	processedCount atomic.Uint64
	errorCount     atomic.Uint64
	lastProgress   time.Time

	// Seams for tests; New wires them to the store and the real pipeline.
	saveContinuation func(ctx context.Context, continuation, stop string) error
	process          func(ctx context.Context, sigs []ledger.SignatureInfo, backfilling bool) error
}

// New builds a poller. buf is nil when events are handled inline.
func New(client ledger.Client, decoder events.Decoder, st *store.Store, reg *handlers.Registry, buf *buffer.Buffer, program solana.PublicKey, cfg *config.Config, logger *zap.Logger) (*Poller, error) {
	cache, err := lru.New[solana.Signature, *ledger.Transaction](txCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tx cache: %w", err)
	}
	p := &Poller{
		client:       client,
		decoder:      decoder,
		st:           st,
		reg:          reg,
		buf:          buf,
		program:      program,
		cfg:          cfg,
		logger:       logger.Named("poller"),
		txCache:      cache,
		done:         make(chan struct{}),
		lastProgress: time.Now(),
	}
	p.saveContinuation = func(ctx context.Context, continuation, stop string) error {
		return store.SaveContinuation(ctx, p.st.Pool, continuation, stop)
	}
	p.process = p.processSignatures
	return p, nil
}

// Start loads the cursor and launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	cursor, err := store.LoadCursor(ctx, p.st.Pool)
	if err != nil {
		return err
	}
	p.cursorMu.Lock()
	p.cursor = cursor
	p.cursorMu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	p.running.Store(true)

	go p.loop(ctx)
	p.logger.Info("poller started",
		zap.String("program", p.program.String()),
		zap.Duration("interval", p.cfg.PollingInterval()),
		zap.Bool("resuming", cursor != nil && cursor.LastSignature != ""))
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollingInterval())
	defer ticker.Stop()

	// First tick immediately so a cold start begins backfilling without
	// waiting out the interval.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.running.Load() {
				return
			}
			p.tick(ctx)
		}
	}
}

// tick runs one poll cycle. A cycle still in flight suppresses the next.
func (p *Poller) tick(ctx context.Context) {
	if !p.inTick.CompareAndSwap(false, true) {
		p.logger.Debug("previous tick still running, skipping")
		return
	}
	defer p.inTick.Store(false)

	p.cursorMu.Lock()
	cold := p.cursor == nil || p.cursor.LastSignature == ""
	p.cursorMu.Unlock()

	var err error
	if cold {
		err = p.backfill(ctx)
	} else {
		err = p.tail(ctx)
	}
	if err != nil && ctx.Err() == nil {
		p.logger.Error("poll cycle failed", zap.Error(err))
	}
	p.maybeLogProgress(false)
}

// tail pages backwards from the head until the saved cursor signature (or
// continuation stop) is reached, then processes the gap oldest-first.
func (p *Poller) tail(ctx context.Context) error {
	p.cursorMu.Lock()
	cursor := *p.cursor
	p.cursorMu.Unlock()

	stop := cursor.LastSignature
	var before *solana.Signature
	resuming := cursor.PendingContinuation != ""
	if resuming {
		// Resume a checkpointed gap without losing the original stop.
		if cursor.PendingStopSignature != "" {
			stop = cursor.PendingStopSignature
		}
		sig, err := solana.SignatureFromBase58(cursor.PendingContinuation)
		if err != nil {
			return fmt.Errorf("corrupt continuation signature: %w", err)
		}
		before = &sig
	}

	collected, continuation, err := p.collectGap(ctx, before, stop)
	if err != nil {
		return err
	}

	if continuation != "" {
		if err := p.saveContinuation(ctx, continuation, stop); err != nil {
			return err
		}
		p.rememberContinuation(continuation, stop)
		p.logger.Warn("signature gap exceeds memory guard, checkpointing",
			zap.Int("collected", len(collected)),
			zap.String("continuation", continuation))
	}

	if len(collected) > 0 {
		if err := p.process(ctx, collected, false); err != nil {
			return err
		}
	}

	// The checkpoint outlives its window until the window is durably
	// processed; clearing earlier would skip the remainder if a batch
	// failed or the process died mid-window.
	if continuation == "" && resuming {
		if err := p.saveContinuation(ctx, "", ""); err != nil {
			return err
		}
		p.rememberContinuation("", "")
	}
	return nil
}

// collectGap pages backwards collecting successful signatures newest-first,
// then reverses them. When the gap exceeds the memory guard it returns the
// truncated ascending slice plus the continuation signature to resume from.
func (p *Poller) collectGap(ctx context.Context, before *solana.Signature, stop string) ([]ledger.SignatureInfo, string, error) {
	var until *solana.Signature
	if stop != "" {
		sig, err := solana.SignatureFromBase58(stop)
		if err != nil {
			return nil, "", fmt.Errorf("corrupt cursor signature: %w", err)
		}
		until = &sig
	}

	var newestFirst []ledger.SignatureInfo
	continuation := ""
	for {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		page, err := p.client.ListSignatures(ctx, p.program, before, until, signaturePageSize)
		if err != nil {
			return nil, "", fmt.Errorf("list signatures: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, si := range page {
			if !si.Failed {
				newestFirst = append(newestFirst, si)
			}
		}
		oldest := page[len(page)-1].Signature

		if len(newestFirst) > maxGapSignatures {
			newestFirst = newestFirst[:maxGapSignatures]
			continuation = newestFirst[len(newestFirst)-1].Signature.String()
			break
		}
		if len(page) < signaturePageSize {
			break
		}
		before = &oldest
	}

	// Reverse to ascending processing order.
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, continuation, nil
}

// processSignatures orders the ascending signatures canonically and runs
// each through the decoder and handlers. Per-transaction errors are counted
// and do not abort the batch.
func (p *Poller) processSignatures(ctx context.Context, sigs []ledger.SignatureInfo, backfilling bool) error {
	ordered := p.resolveTxIndexes(ctx, sigs)

	// Warm the parsed-transaction cache in bounded batches.
	var missing []solana.Signature
	for _, os := range ordered {
		if _, ok := p.txCache.Get(os.Info.Signature); !ok {
			missing = append(missing, os.Info.Signature)
		}
	}
	if len(missing) > 1 {
		fetched, err := p.client.GetTransactions(ctx, missing)
		if err != nil {
			p.logger.Warn("batch transaction fetch failed, falling back to per-item", zap.Error(err))
		}
		for sig, tx := range fetched {
			p.txCache.Add(sig, tx)
		}
	}

	for _, os := range ordered {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.processTransaction(ctx, os); err != nil {
			p.errorCount.Add(1)
			metrics.TransactionErrors.Inc()
			p.logger.Error("transaction processing failed",
				zap.String("signature", os.Info.Signature.String()),
				zap.Uint64("slot", os.Info.Slot),
				zap.Error(err))
			// Unhandled transient: stop here so the cursor never skips
			// past an unprocessed transaction.
			return err
		}
		p.processedCount.Add(1)
		metrics.TransactionsProcessed.Inc()
		if backfilling && p.processedCount.Load()%backfillProgressEvery == 0 {
			p.maybeLogProgress(true)
		}
	}
	return nil
}

// processTransaction fetches, decodes and projects one transaction, then
// advances the cursor.
func (p *Poller) processTransaction(ctx context.Context, os orderedSig) error {
	sig := os.Info.Signature

	tx, ok := p.txCache.Get(sig)
	if !ok || tx == nil {
		var err error
		tx, err = p.client.GetTransaction(ctx, sig)
		if err != nil {
			return fmt.Errorf("fetch transaction: %w", err)
		}
		if tx != nil {
			p.txCache.Add(sig, tx)
		}
	}
	if tx == nil {
		return fmt.Errorf("transaction %s not found", sig)
	}
	if tx.Failed {
		// Errored on-chain: no events, but the cursor still advances.
		return p.advanceCursor(ctx, os)
	}

	decoded, err := p.decoder.DecodeTransaction(tx)
	if err != nil {
		// Malformed input: skip the events, count the transaction as seen.
		p.logger.Warn("decoder failed, skipping events",
			zap.String("signature", sig.String()), zap.Error(err))
		return p.advanceCursor(ctx, os)
	}

	meta := handlers.TxMeta{
		Signature: sig.String(),
		Slot:      os.Info.Slot,
		TxIndex:   os.TxIndex,
		BlockTime: os.Info.BlockTime,
	}

	if p.buf != nil {
		for _, ev := range decoded {
			p.buf.Add(buffer.Entry{Meta: meta, Event: ev})
		}
		// The buffer owns the cursor on its flush path; remember position
		// locally so tailing does not re-collect this transaction.
		p.rememberCursor(meta.Signature, meta.Slot)
		return nil
	}

	// Local mode: handle inline, one transaction scope per ledger
	// transaction, with the event log appended alongside.
	err = p.st.WithTx(ctx, func(dbtx pgx.Tx) error {
		for _, ev := range decoded {
			if err := p.reg.Handle(ctx, dbtx, meta, ev); err != nil {
				if isSkippableEventError(err) {
					p.logger.Warn("event rejected, skipping",
						zap.String("signature", meta.Signature),
						zap.String("event", ev.Type()),
						zap.Error(err))
					continue
				}
				return err
			}
			if err := store.AppendEventLog(ctx, dbtx, meta.Signature, meta.Slot, meta.TxIndex, ev.Type(), handlers.Payload(ev)); err != nil {
				return err
			}
		}
		return store.UpsertCursor(ctx, dbtx, meta.Signature, meta.Slot, "poller")
	})
	if err != nil {
		return err
	}
	p.rememberCursor(meta.Signature, meta.Slot)
	metrics.CursorSlot.Set(float64(meta.Slot))
	return nil
}

// advanceCursor commits the cursor for a transaction that produced no
// projections.
func (p *Poller) advanceCursor(ctx context.Context, os orderedSig) error {
	if err := store.UpsertCursor(ctx, p.st.Pool, os.Info.Signature.String(), os.Info.Slot, "poller"); err != nil {
		return err
	}
	p.rememberCursor(os.Info.Signature.String(), os.Info.Slot)
	metrics.CursorSlot.Set(float64(os.Info.Slot))
	return nil
}

func (p *Poller) rememberCursor(signature string, slot uint64) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()
	if p.cursor == nil {
		p.cursor = &store.Cursor{}
	}
	if p.cursor.LastSlot <= slot {
		p.cursor.LastSignature = signature
		p.cursor.LastSlot = slot
	}
}

// rememberContinuation mirrors a persisted continuation checkpoint into the
// in-memory cursor so the next tick of this process resumes it; LoadCursor
// only runs at startup.
func (p *Poller) rememberContinuation(continuation, stop string) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()
	if p.cursor == nil {
		p.cursor = &store.Cursor{}
	}
	p.cursor.PendingContinuation = continuation
	p.cursor.PendingStopSignature = stop
}

// isSkippableEventError reports whether a handler error affects only the
// single event (reserved key, unknown variant) rather than the batch.
func isSkippableEventError(err error) bool {
	return errors.Is(err, handlers.ErrReservedMetadataKey) || errors.Is(err, handlers.ErrUnknownEvent)
}

func (p *Poller) maybeLogProgress(force bool) {
	if !force && time.Since(p.lastProgress) < progressEvery {
		return
	}
	p.lastProgress = time.Now()

	p.cursorMu.Lock()
	var slot uint64
	if p.cursor != nil {
		slot = p.cursor.LastSlot
	}
	p.cursorMu.Unlock()

	p.logger.Info("ingestion progress",
		zap.Uint64("processed", p.processedCount.Load()),
		zap.Uint64("errors", p.errorCount.Load()),
		zap.Uint64("cursor_slot", slot))
}

// Stats returns the processed and error counters.
func (p *Poller) Stats() (processed, errors uint64) {
	return p.processedCount.Load(), p.errorCount.Load()
}

// Stop halts the loop, flushes the buffer and waits for the in-flight tick.
func (p *Poller) Stop(ctx context.Context) error {
	p.running.Store(false)
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	if p.buf != nil {
		return p.buf.Stop(ctx)
	}
	return nil
}
