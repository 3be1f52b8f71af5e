package verifier

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// minAccountLen is the agent account with the optional wallet absent:
// 8 discriminator + 3*32 pubkeys + bump + atom flag + 1 option tag +
// 3 digest/count triplets of 40 bytes.
const minAccountLen = 8 + 32*3 + 1 + 1 + 1 + 3*40

var errAccountUndecodable = errors.New("agent account undecodable")

// chainState is one on-chain running digest with its event count.
type chainState struct {
	Digest [32]byte
	Count  uint64
}

// agentAccount is the decoded on-chain agent record, limited to the fields
// the verifier consumes.
type agentAccount struct {
	Collection  solana.PublicKey
	Owner       solana.PublicKey
	Asset       solana.PublicKey
	Bump        byte
	AtomEnabled bool
	Wallet      *solana.PublicKey

	Feedback chainState
	Response chainState
	Revoke   chainState
}

// decodeAgentAccount parses the raw account data. Accounts shorter than the
// minimum layout, or with a corrupt option tag, are undecodable.
func decodeAgentAccount(data []byte) (*agentAccount, error) {
	if len(data) < minAccountLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", errAccountUndecodable, len(data), minAccountLen)
	}

	var acc agentAccount
	off := 8 // discriminator, opaque

	copy(acc.Collection[:], data[off:off+32])
	off += 32
	copy(acc.Owner[:], data[off:off+32])
	off += 32
	copy(acc.Asset[:], data[off:off+32])
	off += 32

	acc.Bump = data[off]
	off++
	acc.AtomEnabled = data[off] != 0
	off++

	switch data[off] {
	case 0:
		off++
	case 1:
		off++
		if len(data) < off+32+3*40 {
			return nil, fmt.Errorf("%w: truncated wallet option", errAccountUndecodable)
		}
		var w solana.PublicKey
		copy(w[:], data[off:off+32])
		acc.Wallet = &w
		off += 32
	default:
		return nil, fmt.Errorf("%w: option tag %d", errAccountUndecodable, data[off])
	}

	for _, cs := range []*chainState{&acc.Feedback, &acc.Response, &acc.Revoke} {
		copy(cs.Digest[:], data[off:off+32])
		off += 32
		cs.Count = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}
	return &acc, nil
}
