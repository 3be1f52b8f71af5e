package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func (r *Registry) handleAgentRegistered(ctx context.Context, db store.DBTX, meta TxMeta, e events.AgentRegistered) error {
	var wallet *string
	if e.AgentWallet != nil {
		w := e.AgentWallet.String()
		wallet = &w
	}
	uri := sanitizeText(e.AgentURI)

	// Conflict means a replay: refresh the event-derived columns but leave
	// status and global_id alone so a terminal state is never reopened.
	_, err := db.Exec(ctx, `
		INSERT INTO agents (
			asset, owner, collection, agent_wallet, agent_uri, atom_enabled,
			status, block_slot, tx_index, tx_signature
		) VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8, $9)
		ON CONFLICT (asset) DO UPDATE SET
			owner        = EXCLUDED.owner,
			collection   = EXCLUDED.collection,
			agent_wallet = EXCLUDED.agent_wallet,
			agent_uri    = EXCLUDED.agent_uri,
			atom_enabled = EXCLUDED.atom_enabled,
			updated_at   = now()`,
		e.Asset.String(), e.Owner.String(), e.Collection.String(),
		wallet, uri, e.AtomEnabled,
		int64(meta.Slot), meta.TxIndex, meta.Signature)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}

	r.enqueueURI(e.Asset.String(), uri)
	r.logger.Debug("agent registered",
		zap.String("asset", e.Asset.String()),
		zap.Uint64("slot", meta.Slot))
	return nil
}

func (r *Registry) handleURIUpdated(ctx context.Context, db store.DBTX, meta TxMeta, e events.URIUpdated) error {
	uri := sanitizeText(e.AgentURI)
	if _, err := db.Exec(ctx, `
		UPDATE agents SET agent_uri = $2, updated_at = now() WHERE asset = $1`,
		e.Asset.String(), uri); err != nil {
		return fmt.Errorf("update agent uri: %w", err)
	}
	r.enqueueURI(e.Asset.String(), uri)
	return nil
}

func (r *Registry) handleWalletUpdated(ctx context.Context, db store.DBTX, e events.WalletUpdated) error {
	var wallet *string
	if e.Wallet != nil {
		w := e.Wallet.String()
		wallet = &w
	}
	if _, err := db.Exec(ctx, `
		UPDATE agents SET agent_wallet = $2, updated_at = now() WHERE asset = $1`,
		e.Asset.String(), wallet); err != nil {
		return fmt.Errorf("update agent wallet: %w", err)
	}
	return nil
}

func (r *Registry) handleAtomEnabled(ctx context.Context, db store.DBTX, e events.AtomEnabled) error {
	if _, err := db.Exec(ctx, `
		UPDATE agents SET atom_enabled = TRUE, updated_at = now() WHERE asset = $1`,
		e.Asset.String()); err != nil {
		return fmt.Errorf("enable atom: %w", err)
	}
	return nil
}

func (r *Registry) handleOwnerSynced(ctx context.Context, db store.DBTX, e events.OwnerSynced) error {
	if _, err := db.Exec(ctx, `
		UPDATE agents SET owner = $2, updated_at = now() WHERE asset = $1`,
		e.Asset.String(), e.Owner.String()); err != nil {
		return fmt.Errorf("sync owner: %w", err)
	}
	return nil
}

// recomputeAgentStats refreshes feedback_count and raw_avg_score from the
// non-revoked, non-orphaned feedback rows in a single statement.
func recomputeAgentStats(ctx context.Context, db store.DBTX, asset string) error {
	_, err := db.Exec(ctx, `
		UPDATE agents SET
			feedback_count = s.cnt,
			raw_avg_score  = s.avg,
			updated_at     = now()
		FROM (
			SELECT COUNT(*) AS cnt, COALESCE(AVG(score), 0) AS avg
			FROM feedbacks
			WHERE asset = $1 AND is_revoked = FALSE AND status <> 'ORPHANED'
		) s
		WHERE asset = $1`, asset)
	if err != nil {
		return fmt.Errorf("recompute agent stats: %w", err)
	}
	return nil
}
