package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/alt-research/8004-solana-indexer/internal/ledger"
)

// logDataPrefix marks an emitted event in the program's log stream.
const logDataPrefix = "Program data: "

// LogDecoder decodes events from the base64 JSON envelopes the program
// writes to its transaction logs.
type LogDecoder struct {
	version string
}

// NewLogDecoder returns the current log-envelope decoder.
func NewLogDecoder() *LogDecoder {
	return &LogDecoder{version: "log-v1"}
}

// Version identifies the decoder for the event log.
func (d *LogDecoder) Version() string { return d.version }

// envelope is the wire shape of one logged event.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeTransaction returns the transaction's events in log order. Log
// lines that are not event envelopes are skipped; an envelope that fails to
// decode fails the whole transaction so the caller can decide to skip it.
func (d *LogDecoder) DecodeTransaction(tx *ledger.Transaction) ([]Event, error) {
	var out []Event
	for _, line := range tx.LogMessages {
		payload, ok := strings.CutPrefix(line, logDataPrefix)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Other programs in the same transaction log binary data
			// under the same prefix.
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			continue
		}
		ev, err := decodeEnvelope(env)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

// wire field helpers. Keys travel as base58 strings, hashes as base64,
// arbitrary-precision values as decimal strings.

type wireKey solana.PublicKey

func (k *wireKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return fmt.Errorf("bad pubkey %q: %w", s, err)
	}
	*k = wireKey(pk)
	return nil
}

func (k wireKey) pk() solana.PublicKey { return solana.PublicKey(k) }

type wireHash [32]byte

func (h *wireHash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*h = wireHash{}
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bad hash: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("hash is %d bytes, want 32", len(raw))
	}
	copy(h[:], raw)
	return nil
}

type wireBig big.Int

func (v *wireBig) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("bad integer %q", s)
	}
	*v = wireBig(*n)
	return nil
}

func (v *wireBig) big() *big.Int {
	if v == nil {
		return nil
	}
	return (*big.Int)(v)
}

func decodeEnvelope(env envelope) (Event, error) {
	switch env.Event {
	case "AgentRegistered":
		var p struct {
			Asset       wireKey  `json:"asset"`
			Owner       wireKey  `json:"owner"`
			Collection  wireKey  `json:"collection"`
			AgentWallet *wireKey `json:"agent_wallet"`
			AgentURI    string   `json:"agent_uri"`
			AtomEnabled bool     `json:"atom_enabled"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		ev := AgentRegistered{
			Asset:       p.Asset.pk(),
			Owner:       p.Owner.pk(),
			Collection:  p.Collection.pk(),
			AgentURI:    p.AgentURI,
			AtomEnabled: p.AtomEnabled,
		}
		if p.AgentWallet != nil {
			w := p.AgentWallet.pk()
			ev.AgentWallet = &w
		}
		return ev, nil

	case "UriUpdated":
		var p struct {
			Asset    wireKey `json:"asset"`
			AgentURI string  `json:"agent_uri"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return URIUpdated{Asset: p.Asset.pk(), AgentURI: p.AgentURI}, nil

	case "WalletUpdated":
		var p struct {
			Asset  wireKey  `json:"asset"`
			Wallet *wireKey `json:"wallet"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		ev := WalletUpdated{Asset: p.Asset.pk()}
		if p.Wallet != nil {
			w := p.Wallet.pk()
			ev.Wallet = &w
		}
		return ev, nil

	case "AtomEnabled":
		var p struct {
			Asset wireKey `json:"asset"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return AtomEnabled{Asset: p.Asset.pk()}, nil

	case "OwnerSynced":
		var p struct {
			Asset wireKey `json:"asset"`
			Owner wireKey `json:"owner"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return OwnerSynced{Asset: p.Asset.pk(), Owner: p.Owner.pk()}, nil

	case "MetadataSet":
		var p struct {
			Asset     wireKey `json:"asset"`
			Key       string  `json:"key"`
			Value     []byte  `json:"value"`
			Immutable bool    `json:"immutable"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return MetadataSet{Asset: p.Asset.pk(), Key: p.Key, Value: p.Value, Immutable: p.Immutable}, nil

	case "MetadataDeleted":
		var p struct {
			Asset wireKey `json:"asset"`
			Key   string  `json:"key"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return MetadataDeleted{Asset: p.Asset.pk(), Key: p.Key}, nil

	case "NewFeedback":
		var p struct {
			Asset         wireKey  `json:"asset"`
			Client        wireKey  `json:"client"`
			FeedbackIndex uint64   `json:"feedback_index"`
			Value         *wireBig `json:"value"`
			ValueDecimals uint8    `json:"value_decimals"`
			Score         uint8    `json:"score"`
			Tag1          string   `json:"tag1"`
			Tag2          string   `json:"tag2"`
			Endpoint      string   `json:"endpoint"`
			FeedbackURI   string   `json:"feedback_uri"`
			FeedbackHash  wireHash `json:"feedback_hash"`
			RunningDigest wireHash `json:"running_digest"`
			TrustScore    *int64   `json:"trust_score"`
			QualityScore  *int64   `json:"quality_score"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		ev := NewFeedback{
			Asset:         p.Asset.pk(),
			Client:        p.Client.pk(),
			FeedbackIndex: p.FeedbackIndex,
			Value:         p.Value.big(),
			ValueDecimals: p.ValueDecimals,
			Score:         p.Score,
			Tag1:          p.Tag1,
			Tag2:          p.Tag2,
			Endpoint:      p.Endpoint,
			FeedbackURI:   p.FeedbackURI,
			FeedbackHash:  p.FeedbackHash,
			RunningDigest: p.RunningDigest,
		}
		if p.TrustScore != nil && p.QualityScore != nil {
			ev.Atom = &AtomMetrics{TrustScore: *p.TrustScore, QualityScore: *p.QualityScore}
		}
		return ev, nil

	case "ResponseAppended":
		var p struct {
			Asset         wireKey  `json:"asset"`
			Client        wireKey  `json:"client"`
			FeedbackIndex uint64   `json:"feedback_index"`
			Responder     wireKey  `json:"responder"`
			ResponseURI   string   `json:"response_uri"`
			ResponseHash  wireHash `json:"response_hash"`
			RunningDigest wireHash `json:"running_digest"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return ResponseAppended{
			Asset:         p.Asset.pk(),
			Client:        p.Client.pk(),
			FeedbackIndex: p.FeedbackIndex,
			Responder:     p.Responder.pk(),
			ResponseURI:   p.ResponseURI,
			ResponseHash:  p.ResponseHash,
			RunningDigest: p.RunningDigest,
		}, nil

	case "FeedbackRevoked":
		var p struct {
			Asset         wireKey  `json:"asset"`
			Client        wireKey  `json:"client"`
			FeedbackIndex uint64   `json:"feedback_index"`
			RunningDigest wireHash `json:"running_digest"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return FeedbackRevoked{
			Asset:         p.Asset.pk(),
			Client:        p.Client.pk(),
			FeedbackIndex: p.FeedbackIndex,
			RunningDigest: p.RunningDigest,
		}, nil

	case "ValidationRecorded":
		var p struct {
			Asset     wireKey  `json:"asset"`
			Validator wireKey  `json:"validator"`
			Nonce     uint32   `json:"nonce"`
			DataHash  wireHash `json:"data_hash"`
			Response  uint8    `json:"response"`
			URI       string   `json:"uri"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return ValidationRecorded{
			Asset:     p.Asset.pk(),
			Validator: p.Validator.pk(),
			Nonce:     p.Nonce,
			DataHash:  p.DataHash,
			Response:  p.Response,
			URI:       p.URI,
		}, nil

	case "RegistryInitialized":
		var p struct {
			Collection wireKey `json:"collection"`
			Authority  wireKey `json:"authority"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return RegistryInitialized{Collection: p.Collection.pk(), Authority: p.Authority.pk()}, nil

	default:
		// Unknown events from newer program versions are skipped, not
		// fatal: the event log keeps the raw transaction for replay.
		return nil, nil
	}
}
