package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/alt-research/8004-solana-indexer/internal/compress"
	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/pda"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

// ErrReservedMetadataKey rejects on-chain writes into the URI worker's
// namespace.
var ErrReservedMetadataKey = fmt.Errorf("metadata key uses reserved prefix %q", ReservedURIPrefix)

func (r *Registry) handleMetadataSet(ctx context.Context, db store.DBTX, meta TxMeta, e events.MetadataSet) error {
	key := sanitizeText(e.Key)
	if strings.HasPrefix(key, ReservedURIPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedMetadataKey, key)
	}

	// An immutable entry wins every conflict: the re-set is a no-op.
	_, err := db.Exec(ctx, `
		INSERT INTO metadata_entries (
			asset, key_hash, key, value, immutable,
			status, block_slot, tx_index, tx_signature
		) VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $7, $8)
		ON CONFLICT (asset, key_hash) DO UPDATE SET
			value      = EXCLUDED.value,
			immutable  = EXCLUDED.immutable,
			updated_at = now()
		WHERE metadata_entries.immutable = FALSE`,
		e.Asset.String(), pda.KeyHash(key), key,
		compress.Compress(e.Value), e.Immutable,
		int64(meta.Slot), meta.TxIndex, meta.Signature)
	if err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	return nil
}

func (r *Registry) handleMetadataDeleted(ctx context.Context, db store.DBTX, e events.MetadataDeleted) error {
	key := sanitizeText(e.Key)
	if _, err := db.Exec(ctx, `
		DELETE FROM metadata_entries WHERE asset = $1 AND key_hash = $2`,
		e.Asset.String(), pda.KeyHash(key)); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func (r *Registry) handleRegistryInitialized(ctx context.Context, db store.DBTX, meta TxMeta, e events.RegistryInitialized) error {
	_, err := db.Exec(ctx, `
		INSERT INTO collections (
			collection, authority, first_seen_slot, last_seen_slot,
			status, block_slot, tx_index, tx_signature
		) VALUES ($1, $2, $3, $3, 'PENDING', $3, $4, $5)
		ON CONFLICT (collection) DO UPDATE SET
			authority      = EXCLUDED.authority,
			last_seen_slot = GREATEST(collections.last_seen_slot, EXCLUDED.last_seen_slot)`,
		e.Collection.String(), e.Authority.String(),
		int64(meta.Slot), meta.TxIndex, meta.Signature)
	if err != nil {
		return fmt.Errorf("upsert collection: %w", err)
	}
	return nil
}
