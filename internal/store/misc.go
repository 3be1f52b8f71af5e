package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// InsertDeadLetter persists one dead-lettered event for operator
// inspection. Entries older than the retention window are evicted on every
// insert so the table tracks the in-memory queue.
func InsertDeadLetter(ctx context.Context, db DBTX, eventType string, payload []byte, lastError string) error {
	if _, err := db.Exec(ctx,
		`DELETE FROM dead_letter_queue WHERE inserted_at < now() - interval '5 minutes'`); err != nil {
		return fmt.Errorf("evict dead letters: %w", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO dead_letter_queue (id, event_type, payload, last_error)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), eventType, payload, lastError); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// AppendEventLog records one handled event in the append-only audit log.
// Used by the single-transaction (local) write path.
func AppendEventLog(ctx context.Context, db DBTX, signature string, slot uint64, txIndex *int32, eventType string, payload []byte) error {
	if _, err := db.Exec(ctx, `
		INSERT INTO event_log (tx_signature, block_slot, tx_index, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		signature, int64(slot), txIndex, eventType, payload); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}
