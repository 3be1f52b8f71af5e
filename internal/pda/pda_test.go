package pda

import (
	"testing"

	"github.com/gagliardetto/solana-go"
)

var (
	testProgram = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	testAsset   = solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")
)

func TestDerivationsAreDeterministic(t *testing.T) {
	d := NewDeriver(testProgram)

	a1, err := d.Agent(testAsset)
	if err != nil {
		t.Fatalf("Agent() error: %v", err)
	}
	a2, err := d.Agent(testAsset)
	if err != nil {
		t.Fatalf("Agent() error: %v", err)
	}
	if !a1.Equals(a2) {
		t.Error("agent derivation not deterministic")
	}
}

func TestDerivationsAreDistinctPerSeed(t *testing.T) {
	d := NewDeriver(testProgram)

	agent, _ := d.Agent(testAsset)
	registry, _ := d.RegistryConfig(testAsset)
	root, _ := d.RootConfig()
	meta, _ := d.Metadata(testAsset, "endpoint")

	keys := map[string]solana.PublicKey{
		"agent":    agent,
		"registry": registry,
		"root":     root,
		"metadata": meta,
	}
	seen := make(map[solana.PublicKey]string)
	for name, k := range keys {
		if prev, ok := seen[k]; ok {
			t.Errorf("derivations %q and %q collide", prev, name)
		}
		seen[k] = name
	}
}

func TestValidationNonceChangesAddress(t *testing.T) {
	d := NewDeriver(testProgram)
	validator := solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")

	v0, err := d.Validation(testAsset, validator, 0)
	if err != nil {
		t.Fatalf("Validation() error: %v", err)
	}
	v1, err := d.Validation(testAsset, validator, 1)
	if err != nil {
		t.Fatalf("Validation() error: %v", err)
	}
	if v0.Equals(v1) {
		t.Error("different nonces derived the same address")
	}
}

func TestMetadataKeyHashIsStable(t *testing.T) {
	h1 := KeyHash("endpoint")
	h2 := KeyHash("endpoint")
	if h1 != h2 {
		t.Error("key hash not stable")
	}
	if len(h1) != 32 {
		t.Errorf("key hash hex length = %d, want 32", len(h1))
	}
	if KeyHash("endpoint") == KeyHash("other") {
		t.Error("distinct keys share a hash")
	}
}
