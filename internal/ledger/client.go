// Package ledger abstracts the chain RPC surface the indexer consumes:
// signature listing, transaction and block fetch, and account probes.
package ledger

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Commitment is the visibility level of a ledger read.
type Commitment string

const (
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// SignatureInfo is one entry of the signature stream for the program
// address, newest-first.
type SignatureInfo struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *time.Time
	// Failed is true when the transaction errored on-chain. Failed
	// transactions emit no events and are skipped by the poller.
	Failed bool
}

// Transaction is a fetched, parsed program transaction. The decoder reads
// the structured log messages; the indexer itself only needs identity and
// position.
type Transaction struct {
	Signature   solana.Signature
	Slot        uint64
	BlockTime   *time.Time
	LogMessages []string
	// Failed mirrors the on-chain error status of the transaction.
	Failed bool
}

// Account is a fetched on-chain account.
type Account struct {
	Owner    solana.PublicKey
	Data     []byte
	Lamports uint64
}

// Client is the capability set the indexer requires from a ledger node.
// Implementations surface transport errors without masking; retry policy
// belongs to the caller except where documented.
type Client interface {
	// ListSignatures pages the program's signature stream newest-first.
	// before (exclusive) moves toward older entries; until (inclusive
	// boundary) stops the page. A zero limit uses the node default.
	ListSignatures(ctx context.Context, program solana.PublicKey, before, until *solana.Signature, limit int) ([]SignatureInfo, error)

	// GetTransaction fetches one parsed transaction. Returns (nil, nil)
	// when the node does not know the signature.
	GetTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error)

	// GetTransactions fetches many transactions, chunked at most 100 at a
	// time, degrading to per-item fetch when a chunk fails. Missing
	// signatures are absent from the result map.
	GetTransactions(ctx context.Context, sigs []solana.Signature) (map[solana.Signature]*Transaction, error)

	// GetBlockSignatures fetches the ordered transaction signatures of a
	// block; the position in the returned slice is the transaction's index
	// within the block.
	GetBlockSignatures(ctx context.Context, slot uint64) ([]solana.Signature, error)

	// GetAccount fetches one account at the given commitment. Returns
	// (nil, nil) when the account does not exist.
	GetAccount(ctx context.Context, key solana.PublicKey, commitment Commitment) (*Account, error)

	// GetAccounts batch-fetches accounts at the given commitment, chunked
	// at most 100 at a time. The result is positionally aligned with keys;
	// missing accounts are nil.
	GetAccounts(ctx context.Context, keys []solana.PublicKey, commitment Commitment) ([]*Account, error)

	// CurrentSlot returns the node's head slot at the given commitment.
	CurrentSlot(ctx context.Context, commitment Commitment) (uint64, error)
}
