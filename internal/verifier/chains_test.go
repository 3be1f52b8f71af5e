package verifier

import "testing"

func TestCompareChain(t *testing.T) {
	digest := [32]byte{0xde, 0xad}
	other := [32]byte{0xbe, 0xef}

	tests := []struct {
		name        string
		localCount  uint64
		localDigest []byte
		onchain     chainState
		want        chainVerdict
	}{
		{
			name:    "both empty finalizes trivially",
			onchain: chainState{},
			want:    chainFinalize,
		},
		{
			name:       "local behind stays pending",
			localCount: 2, localDigest: digest[:],
			onchain: chainState{Digest: digest, Count: 5},
			want:    chainBehind,
		},
		{
			name:       "local ahead is a suspected reorg",
			localCount: 9, localDigest: digest[:],
			onchain: chainState{Digest: digest, Count: 5},
			want:    chainMismatch,
		},
		{
			name:       "equal count and digest finalizes",
			localCount: 5, localDigest: digest[:],
			onchain: chainState{Digest: digest, Count: 5},
			want:    chainFinalize,
		},
		{
			name:       "equal count different digest mismatches",
			localCount: 5, localDigest: other[:],
			onchain: chainState{Digest: digest, Count: 5},
			want:    chainMismatch,
		},
		{
			name:       "missing local digest at nonzero count mismatches",
			localCount: 5, localDigest: nil,
			onchain: chainState{Digest: digest, Count: 5},
			want:    chainMismatch,
		},
		{
			name:       "onchain empty but local populated mismatches",
			localCount: 1, localDigest: digest[:],
			onchain: chainState{},
			want:    chainMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := compareChain(tc.localCount, tc.localDigest, tc.onchain); got != tc.want {
				t.Errorf("compareChain(%d, ...) = %v, want %v", tc.localCount, got, tc.want)
			}
		})
	}
}

func TestFirstMismatchOncePerAgentPerCycle(t *testing.T) {
	cache := newDigestCache()

	// An agent with several divergent chains still counts once.
	if !cache.firstMismatch("agent-a") {
		t.Error("first mismatch for an agent must count")
	}
	if cache.firstMismatch("agent-a") {
		t.Error("second chain mismatch of the same agent must not count again")
	}
	if !cache.firstMismatch("agent-b") {
		t.Error("a different agent counts independently")
	}

	// The cache is per cycle, so the next cycle counts the agent afresh.
	if !newDigestCache().firstMismatch("agent-a") {
		t.Error("a new cycle must count the agent again")
	}
}
