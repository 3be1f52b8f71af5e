// Package handlers projects decoded program events into their SQL tables.
// Every projection is an idempotent upsert: replaying any prefix of the
// signature stream converges to the same final state.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

// ReservedURIPrefix marks metadata rows owned by the URI worker. On-chain
// events must never write into this namespace.
const ReservedURIPrefix = "_uri:"

// ErrUnknownEvent is returned for a variant outside the closed event set.
var ErrUnknownEvent = fmt.Errorf("unknown event variant")

// TxMeta carries the transaction position every projection records.
type TxMeta struct {
	Signature string
	Slot      uint64
	TxIndex   *int32
	BlockTime *time.Time
}

// URIEnqueuer receives (asset, uri) pairs for off-chain enrichment. May be
// nil when metadata indexing is off.
type URIEnqueuer interface {
	Enqueue(asset, uri string)
}

// Registry dispatches events to their projections.
type Registry struct {
	logger *zap.Logger
	uris   URIEnqueuer
}

// NewRegistry builds the handler registry. uris may be nil.
func NewRegistry(logger *zap.Logger, uris URIEnqueuer) *Registry {
	return &Registry{logger: logger.Named("handlers"), uris: uris}
}

// Handle projects one event inside the caller's transaction scope.
func (r *Registry) Handle(ctx context.Context, db store.DBTX, meta TxMeta, ev events.Event) error {
	switch e := ev.(type) {
	case events.AgentRegistered:
		return r.handleAgentRegistered(ctx, db, meta, e)
	case events.URIUpdated:
		return r.handleURIUpdated(ctx, db, meta, e)
	case events.WalletUpdated:
		return r.handleWalletUpdated(ctx, db, e)
	case events.AtomEnabled:
		return r.handleAtomEnabled(ctx, db, e)
	case events.OwnerSynced:
		return r.handleOwnerSynced(ctx, db, e)
	case events.MetadataSet:
		return r.handleMetadataSet(ctx, db, meta, e)
	case events.MetadataDeleted:
		return r.handleMetadataDeleted(ctx, db, e)
	case events.NewFeedback:
		return r.handleNewFeedback(ctx, db, meta, e)
	case events.ResponseAppended:
		return r.handleResponseAppended(ctx, db, meta, e)
	case events.FeedbackRevoked:
		return r.handleFeedbackRevoked(ctx, db, meta, e)
	case events.ValidationRecorded:
		return r.handleValidationRecorded(ctx, db, meta, e)
	case events.RegistryInitialized:
		return r.handleRegistryInitialized(ctx, db, meta, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

// Payload renders an event for the event log and dead-letter storage.
func Payload(ev events.Event) []byte {
	body, err := json.Marshal(ev)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	out, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: ev.Type(), Data: body})
	if err != nil {
		return []byte(`{}`)
	}
	return out
}

func (r *Registry) enqueueURI(asset, uri string) {
	if r.uris == nil || strings.TrimSpace(uri) == "" {
		return
	}
	r.uris.Enqueue(asset, uri)
}

// agentExists reports whether a non-orphaned agent row exists for asset.
func agentExists(ctx context.Context, db store.DBTX, asset string) (bool, error) {
	var one int
	err := db.QueryRow(ctx,
		`SELECT 1 FROM agents WHERE asset = $1 AND status <> 'ORPHANED'`, asset).Scan(&one)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("agent existence check: %w", err)
	}
	return true, nil
}

// feedbackExists reports whether a non-orphaned feedback row exists for the
// composite key.
func feedbackExists(ctx context.Context, db store.DBTX, asset, client string, index uint64) (bool, error) {
	var one int
	err := db.QueryRow(ctx, `
		SELECT 1 FROM feedbacks
		WHERE asset = $1 AND client_address = $2 AND feedback_index = $3
		  AND status <> 'ORPHANED'`,
		asset, client, int64(index)).Scan(&one)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("feedback existence check: %w", err)
	}
	return true, nil
}
