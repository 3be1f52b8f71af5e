package verifier

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
)

// buildAccount assembles raw agent account data for the decoder.
func buildAccount(wallet *solana.PublicKey, chains [3]chainState) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 8)) // discriminator

	collection := bytes.Repeat([]byte{0x01}, 32)
	owner := bytes.Repeat([]byte{0x02}, 32)
	asset := bytes.Repeat([]byte{0x03}, 32)
	buf.Write(collection)
	buf.Write(owner)
	buf.Write(asset)

	buf.WriteByte(0xfe) // bump
	buf.WriteByte(1)    // atom_enabled

	if wallet == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.Write(wallet[:])
	}

	for _, cs := range chains {
		buf.Write(cs.Digest[:])
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], cs.Count)
		buf.Write(n[:])
	}
	return buf.Bytes()
}

func TestDecodeAgentAccountNoWallet(t *testing.T) {
	chains := [3]chainState{
		{Digest: [32]byte{0xaa}, Count: 5},
		{Digest: [32]byte{0xbb}, Count: 2},
		{Digest: [32]byte{0xcc}, Count: 1},
	}
	data := buildAccount(nil, chains)
	if len(data) != minAccountLen {
		t.Fatalf("fixture is %d bytes, want the %d-byte minimum layout", len(data), minAccountLen)
	}

	acc, err := decodeAgentAccount(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acc.Wallet != nil {
		t.Error("wallet decoded where the option tag said absent")
	}
	if acc.Bump != 0xfe || !acc.AtomEnabled {
		t.Errorf("bump=%#x atom=%v", acc.Bump, acc.AtomEnabled)
	}
	if acc.Owner[0] != 0x02 || acc.Asset[0] != 0x03 || acc.Collection[0] != 0x01 {
		t.Error("pubkey fields decoded at wrong offsets")
	}
	if acc.Feedback != chains[0] || acc.Response != chains[1] || acc.Revoke != chains[2] {
		t.Errorf("chain triplets = %+v / %+v / %+v", acc.Feedback, acc.Response, acc.Revoke)
	}
}

func TestDecodeAgentAccountWithWallet(t *testing.T) {
	var wallet solana.PublicKey
	wallet[0] = 0x44
	chains := [3]chainState{{Count: 7}, {}, {}}

	acc, err := decodeAgentAccount(buildAccount(&wallet, chains))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acc.Wallet == nil || *acc.Wallet != wallet {
		t.Errorf("wallet = %v, want %v", acc.Wallet, wallet)
	}
	if acc.Feedback.Count != 7 {
		t.Errorf("feedback count = %d, want 7", acc.Feedback.Count)
	}
}

func TestDecodeAgentAccountTooShort(t *testing.T) {
	data := buildAccount(nil, [3]chainState{})
	if _, err := decodeAgentAccount(data[:len(data)-1]); !errors.Is(err, errAccountUndecodable) {
		t.Errorf("short account error = %v, want errAccountUndecodable", err)
	}
	if _, err := decodeAgentAccount(nil); !errors.Is(err, errAccountUndecodable) {
		t.Errorf("empty account error = %v", err)
	}
}

func TestDecodeAgentAccountTruncatedWallet(t *testing.T) {
	// Tag says present but the account stops at the no-wallet minimum:
	// the triplets would run past the end.
	var wallet solana.PublicKey
	data := buildAccount(&wallet, [3]chainState{})
	if _, err := decodeAgentAccount(data[:minAccountLen]); !errors.Is(err, errAccountUndecodable) {
		t.Errorf("truncated wallet error = %v, want errAccountUndecodable", err)
	}
}

func TestDecodeAgentAccountBadOptionTag(t *testing.T) {
	data := buildAccount(nil, [3]chainState{})
	data[8+96+2] = 9 // option tag offset
	if _, err := decodeAgentAccount(data); !errors.Is(err, errAccountUndecodable) {
		t.Errorf("bad tag error = %v, want errAccountUndecodable", err)
	}
}
