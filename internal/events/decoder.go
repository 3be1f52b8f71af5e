package events

import (
	"github.com/alt-research/8004-solana-indexer/internal/ledger"
)

// Decoder turns a parsed transaction into its ordered typed events. The
// concrete decoder (Anchor event log parsing) lives with the program's
// generated bindings and is injected at startup; the indexer only depends
// on this contract.
type Decoder interface {
	// DecodeTransaction returns the events the transaction emitted, in
	// emission order. A transaction that touches the program but emits no
	// events yields an empty slice. Decode failures are returned as errors
	// and skip the transaction's events, not the transaction itself.
	DecodeTransaction(tx *ledger.Transaction) ([]Event, error)

	// Version identifies the decoder build. Tracked for diagnostics; the
	// indexer treats it as opaque.
	Version() string
}
