// Package pda derives the program accounts the verifier probes.
package pda

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Deriver computes program-derived addresses for a fixed program id.
type Deriver struct {
	program solana.PublicKey
}

// NewDeriver returns a Deriver bound to the given program.
func NewDeriver(program solana.PublicKey) *Deriver {
	return &Deriver{program: program}
}

func (d *Deriver) derive(seeds [][]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(seeds, d.program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive pda: %w", err)
	}
	return addr, nil
}

// Agent derives the agent account for an asset.
func (d *Deriver) Agent(asset solana.PublicKey) (solana.PublicKey, error) {
	return d.derive([][]byte{[]byte("agent"), asset.Bytes()})
}

// Validation derives the validation account for (asset, validator, nonce).
func (d *Deriver) Validation(asset, validator solana.PublicKey, nonce uint32) (solana.PublicKey, error) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], nonce)
	return d.derive([][]byte{[]byte("validation"), asset.Bytes(), validator.Bytes(), n[:]})
}

// Metadata derives the metadata account for (asset, key). The key is
// shortened to the first 16 bytes of its sha256 so arbitrary-length keys fit
// the seed size limit.
func (d *Deriver) Metadata(asset solana.PublicKey, key string) (solana.PublicKey, error) {
	sum := sha256.Sum256([]byte(key))
	return d.derive([][]byte{[]byte("agent_meta"), asset.Bytes(), sum[:16]})
}

// RegistryConfig derives the registry account for a collection.
func (d *Deriver) RegistryConfig(collection solana.PublicKey) (solana.PublicKey, error) {
	return d.derive([][]byte{[]byte("registry_config"), collection.Bytes()})
}

// RootConfig derives the program's root configuration account.
func (d *Deriver) RootConfig() (solana.PublicKey, error) {
	return d.derive([][]byte{[]byte("root_config")})
}

// KeyHash returns the 16-byte metadata key hash in hex, as stored in the
// metadata table's key_hash column.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum[:16])
}
