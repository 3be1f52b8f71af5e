// Package events defines the typed events emitted by the agent registry
// program, as produced by the transaction decoder.
package events

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// Event is the closed set of decoded program events. Handlers switch over
// the concrete types and reject anything else, so adding a variant without
// a projection is an error, not a silent skip.
type Event interface {
	// Type returns the wire name of the event, used for logging, the event
	// log and dead-letter payloads.
	Type() string

	isEvent()
}

// AtomMetrics carries aggregate trust/quality scores when the program
// attaches them to a feedback event.
type AtomMetrics struct {
	TrustScore   int64
	QualityScore int64
}

// AgentRegistered announces a new agent asset.
type AgentRegistered struct {
	Asset       solana.PublicKey
	Owner       solana.PublicKey
	Collection  solana.PublicKey
	AgentWallet *solana.PublicKey
	AgentURI    string
	AtomEnabled bool
}

// URIUpdated changes an agent's metadata URI.
type URIUpdated struct {
	Asset    solana.PublicKey
	AgentURI string
}

// WalletUpdated changes an agent's payout wallet.
type WalletUpdated struct {
	Asset  solana.PublicKey
	Wallet *solana.PublicKey
}

// AtomEnabled switches the agent's ATOM scoring on.
type AtomEnabled struct {
	Asset solana.PublicKey
}

// OwnerSynced refreshes the agent owner from the underlying asset.
type OwnerSynced struct {
	Asset solana.PublicKey
	Owner solana.PublicKey
}

// MetadataSet writes one on-chain metadata entry.
type MetadataSet struct {
	Asset     solana.PublicKey
	Key       string
	Value     []byte
	Immutable bool
}

// MetadataDeleted removes one on-chain metadata entry.
type MetadataDeleted struct {
	Asset solana.PublicKey
	Key   string
}

// NewFeedback records a client rating against an agent.
type NewFeedback struct {
	Asset         solana.PublicKey
	Client        solana.PublicKey
	FeedbackIndex uint64
	Value         *big.Int
	ValueDecimals uint8
	Score         uint8
	Tag1          string
	Tag2          string
	Endpoint      string
	FeedbackURI   string
	FeedbackHash  [32]byte
	RunningDigest [32]byte
	Atom          *AtomMetrics
}

// ResponseAppended records a responder's reply to a feedback.
type ResponseAppended struct {
	Asset         solana.PublicKey
	Client        solana.PublicKey
	FeedbackIndex uint64
	Responder     solana.PublicKey
	ResponseURI   string
	ResponseHash  [32]byte
	RunningDigest [32]byte
}

// FeedbackRevoked terminally marks a feedback as withdrawn.
type FeedbackRevoked struct {
	Asset         solana.PublicKey
	Client        solana.PublicKey
	FeedbackIndex uint64
	RunningDigest [32]byte
}

// ValidationRecorded stores a validator's attestation for an agent.
type ValidationRecorded struct {
	Asset     solana.PublicKey
	Validator solana.PublicKey
	Nonce     uint32
	DataHash  [32]byte
	Response  uint8
	URI       string
}

// RegistryInitialized announces a collection registry.
type RegistryInitialized struct {
	Collection solana.PublicKey
	Authority  solana.PublicKey
}

func (AgentRegistered) Type() string     { return "AgentRegistered" }
func (URIUpdated) Type() string          { return "UriUpdated" }
func (WalletUpdated) Type() string       { return "WalletUpdated" }
func (AtomEnabled) Type() string         { return "AtomEnabled" }
func (OwnerSynced) Type() string         { return "OwnerSynced" }
func (MetadataSet) Type() string         { return "MetadataSet" }
func (MetadataDeleted) Type() string     { return "MetadataDeleted" }
func (NewFeedback) Type() string         { return "NewFeedback" }
func (ResponseAppended) Type() string    { return "ResponseAppended" }
func (FeedbackRevoked) Type() string     { return "FeedbackRevoked" }
func (ValidationRecorded) Type() string  { return "ValidationRecorded" }
func (RegistryInitialized) Type() string { return "RegistryInitialized" }

func (AgentRegistered) isEvent()     {}
func (URIUpdated) isEvent()          {}
func (WalletUpdated) isEvent()       {}
func (AtomEnabled) isEvent()         {}
func (OwnerSynced) isEvent()         {}
func (MetadataSet) isEvent()         {}
func (MetadataDeleted) isEvent()     {}
func (NewFeedback) isEvent()         {}
func (ResponseAppended) isEvent()    {}
func (FeedbackRevoked) isEvent()     {}
func (ValidationRecorded) isEvent()  {}
func (RegistryInitialized) isEvent() {}
