// Package metrics registers the indexer's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poller.
	TransactionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_transactions_processed_total",
		Help: "Total number of program transactions processed",
	})
	TransactionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_transaction_errors_total",
		Help: "Total number of per-transaction processing errors",
	})
	CursorSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_cursor_slot",
		Help: "Slot of the last committed cursor position",
	})
	BackfillCheckpoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_backfill_checkpoints",
		Help: "Number of checkpoints recorded during the backfill scan",
	})

	// Event buffer.
	EventsBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_events_buffered",
		Help: "Events currently waiting in the buffer",
	})
	EventsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_events_flushed_total",
		Help: "Events written to the database by the buffer",
	})
	FlushCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_flush_total",
		Help: "Buffer flush transactions committed",
	})
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "indexer_flush_duration_seconds",
		Help:    "Time taken to flush one event batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_dead_lettered_total",
		Help: "Events moved to the dead-letter queue after exhausted retries",
	})
	DLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_dlq_size",
		Help: "Entries currently held in the dead-letter queue",
	})

	// Verifier.
	VerifierCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_verifier_cycles_total",
		Help: "Completed verification cycles",
	})
	RowsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_rows_finalized_total",
		Help: "Rows promoted to FINALIZED, by table",
	}, []string{"table"})
	RowsOrphaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_rows_orphaned_total",
		Help: "Rows demoted to ORPHANED, by table",
	}, []string{"table"})
	HashChainMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_hash_chain_mismatches_total",
		Help: "Agents whose local running digest disagreed with the chain",
	})

	// URI worker.
	URIFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_uri_fetches_total",
		Help: "URI metadata fetches, by outcome",
	}, []string{"outcome"})
	URIQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_uri_queue_depth",
		Help: "Tasks currently queued for the URI metadata worker",
	})
	URIFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "indexer_uri_fetch_duration_seconds",
		Help:    "Time taken to fetch and extract one metadata document",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
