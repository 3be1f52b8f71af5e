package store

import (
	"context"
	"fmt"
	"time"
)

// cursorID is the single cursor row. The poller is its only writer.
const cursorID = "main"

// Cursor is the indexer's processing frontier.
type Cursor struct {
	LastSignature        string
	LastSlot             uint64
	Source               string
	PendingContinuation  string
	PendingStopSignature string
	UpdatedAt            time.Time
}

// LoadCursor returns the cursor row, or nil when the indexer has never run.
func LoadCursor(ctx context.Context, db DBTX) (*Cursor, error) {
	var (
		c        Cursor
		lastSig  *string
		lastSlot *int64
		source   *string
		cont     *string
		stop     *string
	)
	err := db.QueryRow(ctx, `
		SELECT last_signature, last_slot, source, pending_continuation, pending_stop_signature, updated_at
		FROM indexer_state WHERE id = $1`, cursorID,
	).Scan(&lastSig, &lastSlot, &source, &cont, &stop, &c.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if lastSig != nil {
		c.LastSignature = *lastSig
	}
	if lastSlot != nil {
		c.LastSlot = uint64(*lastSlot)
	}
	if source != nil {
		c.Source = *source
	}
	if cont != nil {
		c.PendingContinuation = *cont
	}
	if stop != nil {
		c.PendingStopSignature = *stop
	}
	return &c, nil
}

// UpsertCursor advances the cursor with a slot-monotonic guard: a write for
// an older slot never regresses the frontier, while equal-slot writes are
// last-wins so the newest signature inside a slot sticks.
func UpsertCursor(ctx context.Context, db DBTX, signature string, slot uint64, source string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO indexer_state (id, last_signature, last_slot, source, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET last_signature = EXCLUDED.last_signature,
		    last_slot      = EXCLUDED.last_slot,
		    source         = EXCLUDED.source,
		    updated_at     = now()
		WHERE indexer_state.last_slot IS NULL
		   OR indexer_state.last_slot <= EXCLUDED.last_slot`,
		cursorID, signature, int64(slot), source)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// SaveContinuation checkpoints a partially paged signature gap so the next
// tick resumes where this one stopped without losing the original stop
// boundary. Empty strings clear the checkpoint.
func SaveContinuation(ctx context.Context, db DBTX, continuation, stopSignature string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO indexer_state (id, pending_continuation, pending_stop_signature, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), now())
		ON CONFLICT (id) DO UPDATE
		SET pending_continuation   = NULLIF($2, ''),
		    pending_stop_signature = NULLIF($3, ''),
		    updated_at             = now()`,
		cursorID, continuation, stopSignature)
	if err != nil {
		return fmt.Errorf("save continuation: %w", err)
	}
	return nil
}
