package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/ledger"
	"github.com/alt-research/8004-solana-indexer/internal/metrics"
)

// scanMaxFailures aborts the checkpoint scan after this many consecutive
// page failures.
const scanMaxFailures = 5

// scanBackoffBase is a var so tests can shrink the retry delays.
var scanBackoffBase = time.Second

// backfill ingests the program's full history in chronological order
// without holding it all in memory. It first scans backwards recording one
// checkpoint signature per page, then replays the windows between adjacent
// checkpoints oldest-first through the normal processing path.
func (p *Poller) backfill(ctx context.Context) error {
	p.logger.Info("cursor empty, starting backfill")

	checkpoints, err := p.scanCheckpoints(ctx)
	if err != nil {
		return err
	}
	if len(checkpoints) == 0 {
		p.logger.Info("no history for program, backfill complete")
		return nil
	}
	metrics.BackfillCheckpoints.Set(float64(len(checkpoints)))
	p.logger.Info("backfill scan complete", zap.Int("checkpoints", len(checkpoints)))

	// checkpoints[0] is the oldest page boundary, which is also the oldest
	// signature overall: nothing exists below it, so it goes first.
	if err := p.processSignatures(ctx, []ledger.SignatureInfo{checkpoints[0]}, true); err != nil {
		return err
	}

	// Replay each adjacent window (c_i, c_{i+1}] oldest-first.
	for i := 1; i < len(checkpoints); i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		newer := checkpoints[i]
		older := checkpoints[i-1]
		if err := p.processWindow(ctx, &newer.Signature, &older.Signature); err != nil {
			return err
		}
		if err := p.processSignatures(ctx, []ledger.SignatureInfo{newer}, true); err != nil {
			return err
		}
	}

	// Bridge to live: anything newer than the newest checkpoint.
	newest := checkpoints[len(checkpoints)-1]
	if err := p.processWindow(ctx, nil, &newest.Signature); err != nil {
		return err
	}

	p.logger.Info("backfill complete", zap.Uint64("processed", p.processedCount.Load()))
	return nil
}

// scanCheckpoints pages backwards from the head recording the oldest
// signature of each page. Returned oldest-first. Page errors retry with
// exponential backoff; five consecutive failures abort the scan.
func (p *Poller) scanCheckpoints(ctx context.Context) ([]ledger.SignatureInfo, error) {
	var newestFirst []ledger.SignatureInfo
	var before *solana.Signature
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		page, err := p.client.ListSignatures(ctx, p.program, before, nil, signaturePageSize)
		if err != nil {
			failures++
			if failures >= scanMaxFailures {
				return nil, fmt.Errorf("backfill scan aborted after %d consecutive failures: %w", failures, err)
			}
			backoff := scanBackoffBase << (failures - 1)
			p.logger.Warn("backfill scan page failed",
				zap.Int("failures", failures),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		failures = 0
		if len(page) == 0 {
			break
		}
		oldest := page[len(page)-1]
		newestFirst = append(newestFirst, oldest)
		if len(page) < signaturePageSize {
			break
		}
		before = &newestFirst[len(newestFirst)-1].Signature
	}

	// Reverse to oldest-first.
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// processWindow fetches the signatures strictly between before (exclusive,
// newer boundary; nil means the head) and until (exclusive, older boundary)
// and processes them oldest-first.
func (p *Poller) processWindow(ctx context.Context, before, until *solana.Signature) error {
	var window []ledger.SignatureInfo
	cursor := before
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		page, err := p.client.ListSignatures(ctx, p.program, cursor, until, signaturePageSize)
		if err != nil {
			return fmt.Errorf("backfill window: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, si := range page {
			if !si.Failed {
				window = append(window, si)
			}
		}
		if len(page) < signaturePageSize {
			break
		}
		last := page[len(page)-1].Signature
		cursor = &last
	}
	if len(window) == 0 {
		return nil
	}
	// Reverse to ascending.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return p.processSignatures(ctx, window, true)
}
