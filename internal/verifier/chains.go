package verifier

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/metrics"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

// chainVerdict is the outcome of comparing a local chain against the
// on-chain digest at the same count.
type chainVerdict int

const (
	// chainBehind: the indexer has not yet seen everything on chain; the
	// rows stay PENDING and a later cycle retries.
	chainBehind chainVerdict = iota
	// chainMismatch: counts or digests disagree; suspected reorg, rows
	// stay PENDING.
	chainMismatch
	// chainFinalize: the local chain is provably the on-chain chain.
	chainFinalize
)

// compareChain applies the comparison lattice. localDigest is the stored
// running digest of the latest non-orphaned event, nil when absent.
func compareChain(localCount uint64, localDigest []byte, onchain chainState) chainVerdict {
	switch {
	case localCount < onchain.Count:
		return chainBehind
	case localCount > onchain.Count:
		return chainMismatch
	case localCount == 0:
		return chainFinalize
	case bytes.Equal(localDigest, onchain.Digest[:]):
		return chainFinalize
	default:
		return chainMismatch
	}
}

// chainSpec binds one hash chain to its projection table and the on-chain
// triplet that proves it.
type chainSpec struct {
	name    string
	table   string
	onchain func(*agentAccount) chainState
}

var chainSpecs = []chainSpec{
	{"feedback", "feedbacks", func(a *agentAccount) chainState { return a.Feedback }},
	{"response", "responses", func(a *agentAccount) chainState { return a.Response }},
	{"revoke", "revocations", func(a *agentAccount) chainState { return a.Revoke }},
}

// verifyChain reconciles one hash chain for every asset that has PENDING
// rows at or below the cutoff.
func (v *Verifier) verifyChain(ctx context.Context, spec chainSpec, cutoff uint64, cache *digestCache) error {
	assets, err := v.pendingChainAssets(ctx, spec.table, cutoff)
	if err != nil {
		return err
	}

	for _, asset := range assets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry, err := cache.get(ctx, v, asset)
		if err != nil {
			v.logger.Warn("agent probe failed, chain left pending",
				zap.String("chain", spec.name), zap.String("asset", asset), zap.Error(err))
			continue
		}
		if !entry.exists {
			// The agent itself is gone from finalized state: its chain
			// events orphan with it.
			if err := v.orphanRows(ctx, spec.table, asset, cutoff); err != nil {
				return err
			}
			continue
		}
		if entry.account == nil {
			v.logger.Warn("agent account undecodable, chain left pending",
				zap.String("chain", spec.name), zap.String("asset", asset))
			continue
		}

		localCount, localDigest, err := v.localChainState(ctx, spec.table, asset)
		if err != nil {
			return err
		}

		onchain := spec.onchain(entry.account)
		switch compareChain(localCount, localDigest, onchain) {
		case chainBehind:
			v.logger.Debug("chain behind head, waiting",
				zap.String("chain", spec.name), zap.String("asset", asset),
				zap.Uint64("local", localCount), zap.Uint64("onchain", onchain.Count))
		case chainMismatch:
			if cache.firstMismatch(asset) {
				metrics.HashChainMismatches.Inc()
			}
			v.logger.Warn("hash chain mismatch, leaving pending",
				zap.String("chain", spec.name), zap.String("asset", asset),
				zap.Uint64("local", localCount), zap.Uint64("onchain", onchain.Count))
		case chainFinalize:
			if err := v.finalizeRows(ctx, spec.table, asset, cutoff); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Verifier) pendingChainAssets(ctx context.Context, table string, cutoff uint64) ([]string, error) {
	q := fmt.Sprintf(
		`SELECT DISTINCT asset FROM %s WHERE status = $1 AND block_slot <= $2 LIMIT $3`,
		table)
	rows, err := v.st.Pool.Query(ctx, q, store.StatusPending, cutoff, v.cfg.Verify.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("pending %s assets: %w", table, err)
	}
	defer rows.Close()

	var assets []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// localChainState reads the non-orphaned event count and the running digest
// of the canonically latest event. A NULL tx_index sorts after real indexes,
// so the sentinel coalesce flips for descending order.
func (v *Verifier) localChainState(ctx context.Context, table string, asset string) (uint64, []byte, error) {
	var count uint64
	q := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE asset = $1 AND status <> $2`, table)
	if err := v.st.Pool.QueryRow(ctx, q, asset, store.StatusOrphaned).Scan(&count); err != nil {
		return 0, nil, fmt.Errorf("%s count: %w", table, err)
	}
	if count == 0 {
		return 0, nil, nil
	}

	var digest []byte
	q = fmt.Sprintf(
		`SELECT running_digest FROM %s
		 WHERE asset = $1 AND status <> $2
		 ORDER BY block_slot DESC, COALESCE(tx_index, %d) DESC, tx_signature DESC
		 LIMIT 1`, table, store.TxIndexNull)
	if err := v.st.Pool.QueryRow(ctx, q, asset, store.StatusOrphaned).Scan(&digest); err != nil {
		return 0, nil, fmt.Errorf("%s latest digest: %w", table, err)
	}
	return count, digest, nil
}

func (v *Verifier) finalizeRows(ctx context.Context, table, asset string, cutoff uint64) error {
	q := fmt.Sprintf(
		`UPDATE %s SET status = $1, verified_at = now()
		 WHERE asset = $2 AND status = $3 AND block_slot <= $4`, table)
	tag, err := v.st.Pool.Exec(ctx, q, store.StatusFinalized, asset, store.StatusPending, cutoff)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", table, err)
	}
	metrics.RowsFinalized.WithLabelValues(table).Add(float64(tag.RowsAffected()))
	return nil
}

func (v *Verifier) orphanRows(ctx context.Context, table, asset string, cutoff uint64) error {
	q := fmt.Sprintf(
		`UPDATE %s SET status = $1, verified_at = now()
		 WHERE asset = $2 AND status = $3 AND block_slot <= $4`, table)
	tag, err := v.st.Pool.Exec(ctx, q, store.StatusOrphaned, asset, store.StatusPending, cutoff)
	if err != nil {
		return fmt.Errorf("orphan %s: %w", table, err)
	}
	metrics.RowsOrphaned.WithLabelValues(table).Add(float64(tag.RowsAffected()))
	return nil
}
