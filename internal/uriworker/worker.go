// Package uriworker fetches off-chain agent metadata documents and projects
// their fields into the reserved "_uri:" metadata namespace. It is the only
// writer of that namespace. Every fetch goes through an SSRF guard that
// validates the URL, every redirect and every resolved address.
package uriworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alt-research/8004-solana-indexer/internal/compress"
	"github.com/alt-research/8004-solana-indexer/internal/config"
	"github.com/alt-research/8004-solana-indexer/internal/handlers"
	"github.com/alt-research/8004-solana-indexer/internal/metrics"
	"github.com/alt-research/8004-solana-indexer/internal/pda"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

const (
	queueCapacity = 5000
	workerCount   = 10
	// dispatchInterval smooths fetch dispatch so a burst of URI updates
	// does not hammer one gateway.
	dispatchInterval = 100 * time.Millisecond
	// statusKey is the reserved entry recording why the last fetch
	// produced no fields.
	statusKey = "_status"
)

type task struct {
	asset string
	uri   string
}

// Worker owns the URI fetch queue and the "_uri:" namespace.
type Worker struct {
	st         *store.Store
	cfg        *config.Config
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter

	mu      sync.Mutex
	pending map[string]string // asset -> latest uri
	order   []string          // FIFO of assets with a pending fetch
	stopped bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a worker. It satisfies handlers.URIEnqueuer.
func New(st *store.Store, cfg *config.Config, logger *zap.Logger) *Worker {
	return &Worker{
		st:         st,
		cfg:        cfg,
		logger:     logger.Named("uriworker"),
		httpClient: newFetchClient(),
		limiter:    rate.NewLimiter(rate.Every(dispatchInterval), 1),
		pending:    make(map[string]string),
		wake:       make(chan struct{}, 1),
	}
}

var _ handlers.URIEnqueuer = (*Worker)(nil)

// Enqueue records that asset's metadata should be (re)fetched from uri.
// Only the latest URI per asset is kept; exact repeats are dropped. A full
// queue rejects the task.
func (w *Worker) Enqueue(asset, uri string) {
	if uri == "" || w.cfg.Metadata.IndexMode == config.MetadataIndexOff {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if prev, queued := w.pending[asset]; queued {
		if prev == uri {
			return
		}
		// Newer URI supersedes the queued one; keep the queue position.
		w.pending[asset] = uri
		return
	}
	if len(w.order) >= queueCapacity {
		w.logger.Warn("uri queue full, rejecting task",
			zap.String("asset", asset), zap.String("uri", uri))
		metrics.URIFetches.WithLabelValues("rejected").Inc()
		return
	}
	w.pending[asset] = uri
	w.order = append(w.order, asset)
	metrics.URIQueueDepth.Set(float64(len(w.order)))

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports the number of assets waiting for a fetch.
func (w *Worker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Start launches the dispatcher and the fetch pool.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	tasks := make(chan task)
	for i := 0; i < workerCount; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for t := range tasks {
				w.process(ctx, t)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(tasks)
		w.dispatch(ctx, tasks)
	}()

	w.logger.Info("uri worker started",
		zap.Int("workers", workerCount),
		zap.String("index_mode", string(w.cfg.Metadata.IndexMode)))
}

func (w *Worker) dispatch(ctx context.Context, tasks chan<- task) {
	for {
		t, ok := w.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
				continue
			}
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case tasks <- t:
		}
	}
}

func (w *Worker) pop() (task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.order) > 0 {
		asset := w.order[0]
		w.order = w.order[1:]
		uri, ok := w.pending[asset]
		if !ok {
			continue
		}
		delete(w.pending, asset)
		metrics.URIQueueDepth.Set(float64(len(w.order)))
		return task{asset: asset, uri: uri}, true
	}
	return task{}, false
}

// process runs one fetch end to end. Failures never propagate: they become
// a status entry under the asset's "_uri:_status" key.
func (w *Worker) process(ctx context.Context, t task) {
	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.MetadataTimeout())
	defer cancel()

	fields, err := w.fetchAndExtract(fetchCtx, t)
	metrics.URIFetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := classify(err)
		metrics.URIFetches.WithLabelValues(outcome).Inc()
		w.logger.Info("uri fetch failed",
			zap.String("asset", t.asset), zap.String("uri", t.uri),
			zap.String("outcome", outcome), zap.Error(err))
		if werr := w.write(ctx, t, []field{{Key: statusKey, Value: []byte(outcome), WellKnown: true}}); werr != nil {
			w.logger.Error("status entry write failed", zap.String("asset", t.asset), zap.Error(werr))
		}
		return
	}

	if err := w.write(ctx, t, fields); err != nil {
		if errors.Is(err, errStale) {
			metrics.URIFetches.WithLabelValues("stale").Inc()
			return
		}
		metrics.URIFetches.WithLabelValues("error").Inc()
		w.logger.Error("metadata write failed", zap.String("asset", t.asset), zap.Error(err))
		return
	}
	metrics.URIFetches.WithLabelValues("success").Inc()
}

func (w *Worker) fetchAndExtract(ctx context.Context, t task) ([]field, error) {
	doc, err := w.fetch(ctx, t.uri)
	if err != nil {
		return nil, err
	}
	return w.extract(doc)
}

// classify maps a fetch failure to its status entry value.
func classify(err error) string {
	switch {
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrOversize):
		return "oversize"
	case errors.Is(err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// errStale aborts a write whose agent vanished or moved to a newer URI
// while the fetch was in flight.
var errStale = errors.New("agent uri changed since fetch")

// write replaces the asset's "_uri:" rows with the extracted fields inside
// one transaction, after re-reading agent_uri for freshness.
func (w *Worker) write(ctx context.Context, t task, fields []field) error {
	return w.st.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			currentURI  *string
			slot        uint64
			txIndex     *int32
			txSignature string
		)
		err := tx.QueryRow(ctx,
			`SELECT agent_uri, block_slot, tx_index, tx_signature FROM agents
			 WHERE asset = $1 AND status <> $2`,
			t.asset, store.StatusOrphaned).Scan(&currentURI, &slot, &txIndex, &txSignature)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errStale
			}
			return fmt.Errorf("freshness read: %w", err)
		}
		if currentURI == nil || *currentURI != t.uri {
			return errStale
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM metadata_entries WHERE asset = $1 AND key LIKE $2`,
			t.asset, `\_uri:%`); err != nil {
			return fmt.Errorf("clear uri namespace: %w", err)
		}

		for _, f := range fields {
			key := handlers.ReservedURIPrefix + f.Key
			var value []byte
			if f.WellKnown {
				value = compress.FrameRaw(f.Value)
			} else {
				value = compress.Compress(f.Value)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO metadata_entries
				   (asset, key_hash, key, value, immutable, status, block_slot, tx_index, tx_signature)
				 VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $8)`,
				t.asset, pda.KeyHash(key), key, value,
				store.StatusPending, slot, txIndex, txSignature); err != nil {
				return fmt.Errorf("insert %s: %w", key, err)
			}
		}
		return nil
	})
}

// Stop drains nothing: queued fetches that have not started are dropped,
// in-flight ones run to completion or their timeout.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
