// Package compress implements the storage framing codec used for metadata
// values: a one-byte prefix (0x00 raw, 0x01 zstd) followed by the payload.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// PrefixRaw marks an uncompressed payload.
	PrefixRaw byte = 0x00
	// PrefixZstd marks a zstd-compressed payload.
	PrefixZstd byte = 0x01

	// maxCompressedSize is the largest compressed payload the reader will
	// attempt to decompress. Anything larger is treated as hostile.
	maxCompressedSize = 10 * 1024
	// maxDecompressedSize caps the decompressed output.
	maxDecompressedSize = 1024 * 1024

	// compressThreshold is the payload size above which writers attempt
	// compression.
	compressThreshold = 256
)

var (
	// ErrCompressedTooLarge is returned when the stored compressed payload
	// exceeds the pre-decompression limit.
	ErrCompressedTooLarge = errors.New("compressed payload exceeds limit")
	// ErrDecompressedTooLarge is returned when decompression would exceed
	// the output limit.
	ErrDecompressedTooLarge = errors.New("decompressed payload exceeds limit")
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("compress: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		panic(fmt.Sprintf("compress: init zstd decoder: %v", err))
	}
}

// Compress frames value for storage. Values above the threshold are
// zstd-compressed when compression actually shrinks them; everything else is
// stored raw. Empty input stays empty.
func Compress(value []byte) []byte {
	if len(value) == 0 {
		return []byte{}
	}
	if len(value) > compressThreshold {
		compressed := encoder.EncodeAll(value, make([]byte, 0, len(value)))
		if len(compressed) < len(value) {
			out := make([]byte, 1, 1+len(compressed))
			out[0] = PrefixZstd
			return append(out, compressed...)
		}
	}
	out := make([]byte, 1, 1+len(value))
	out[0] = PrefixRaw
	return append(out, value...)
}

// FrameRaw frames value for storage without attempting compression,
// regardless of size. Empty input stays empty.
func FrameRaw(value []byte) []byte {
	if len(value) == 0 {
		return []byte{}
	}
	out := make([]byte, 1, 1+len(value))
	out[0] = PrefixRaw
	return append(out, value...)
}

// Decompress unframes a stored value. Data written before the prefix scheme
// was introduced has no prefix byte and is returned as-is; a leading 0x00 or
// 0x01 selects raw or zstd. Both bomb-protection limits are enforced before
// and after decompression.
func Decompress(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return []byte{}, nil
	}
	switch stored[0] {
	case PrefixRaw:
		return stored[1:], nil
	case PrefixZstd:
		payload := stored[1:]
		if len(payload) > maxCompressedSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrCompressedTooLarge, len(payload))
		}
		out, err := decoder.DecodeAll(payload, make([]byte, 0, len(payload)*4))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) > maxDecompressedSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrDecompressedTooLarge, len(out))
		}
		return out, nil
	default:
		// Legacy unprefixed value.
		return stored, nil
	}
}
