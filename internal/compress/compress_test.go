package compress

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestCompressRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: []byte{}},
		{name: "small stays raw", input: []byte("hello")},
		{name: "binary with nulls", input: []byte{0x00, 0x01, 0x02, 0x00}},
		{name: "large compressible", input: bytes.Repeat([]byte("agent metadata "), 200)},
		{name: "exactly at threshold", input: bytes.Repeat([]byte{'a'}, 256)},
		{name: "just above threshold", input: bytes.Repeat([]byte{'b'}, 257)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := Compress(tt.input)
			out, err := Decompress(stored)
			if err != nil {
				t.Fatalf("Decompress() error: %v", err)
			}
			if !bytes.Equal(out, tt.input) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(out), len(tt.input))
			}
		})
	}
}

func TestCompressSmallPayloadStaysRaw(t *testing.T) {
	stored := Compress([]byte("short"))
	if stored[0] != PrefixRaw {
		t.Errorf("small payload got prefix 0x%02x, want raw", stored[0])
	}
}

func TestCompressLargeCompressiblePayloadUsesZstd(t *testing.T) {
	stored := Compress(bytes.Repeat([]byte("abcd"), 500))
	if stored[0] != PrefixZstd {
		t.Errorf("compressible payload got prefix 0x%02x, want zstd", stored[0])
	}
}

func TestCompressIncompressibleStaysRaw(t *testing.T) {
	// Already-compressed data does not shrink under zstd; the writer must
	// fall back to raw framing rather than grow the payload.
	seed := bytes.Repeat([]byte("incompressible seed material "), 40)
	enc, _ := zstd.NewWriter(nil)
	dense := enc.EncodeAll(seed, nil)
	if len(dense) <= compressThreshold {
		t.Skip("seed compressed below threshold")
	}
	stored := Compress(dense)
	if stored[0] != PrefixRaw {
		t.Errorf("incompressible payload got prefix 0x%02x, want raw", stored[0])
	}
	out, err := Decompress(stored)
	if err != nil {
		t.Fatalf("Decompress() error: %v", err)
	}
	if !bytes.Equal(out, dense) {
		t.Error("round trip mismatch for incompressible payload")
	}
}

func TestDecompressLegacyUnprefixed(t *testing.T) {
	// Rows written before the prefix scheme have no framing byte.
	legacy := []byte(`{"name":"agent"}`)
	out, err := Decompress(legacy)
	if err != nil {
		t.Fatalf("Decompress() error: %v", err)
	}
	if !bytes.Equal(out, legacy) {
		t.Error("legacy value should pass through unchanged")
	}
}

func TestDecompressRejectsOversizedCompressed(t *testing.T) {
	stored := make([]byte, 1+maxCompressedSize+1)
	stored[0] = PrefixZstd
	if _, err := Decompress(stored); err == nil {
		t.Fatal("expected error for oversized compressed payload")
	}
}

func TestDecompressRejectsBomb(t *testing.T) {
	// A highly repetitive 2 MiB input compresses under the 10 KiB transport
	// limit but must be rejected after decompression exceeds 1 MiB.
	bomb := make([]byte, 2*1024*1024)
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	payload := enc.EncodeAll(bomb, nil)
	if len(payload) > maxCompressedSize {
		t.Skipf("bomb payload %d bytes, does not fit transport limit", len(payload))
	}
	stored := append([]byte{PrefixZstd}, payload...)
	if _, err := Decompress(stored); err == nil {
		t.Fatal("expected error for decompression bomb")
	}
}

func TestDecompressEmpty(t *testing.T) {
	out, err := Decompress(nil)
	if err != nil {
		t.Fatalf("Decompress(nil) error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Decompress(nil) = %v, want empty", out)
	}
}
