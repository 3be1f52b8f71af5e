package handlers

import "strings"

// sanitizeText strips NUL bytes so values survive the driver's UTF-8
// encoding. No other bytes are touched.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// normalizeHash maps the decoder's all-zero 32-byte hash to nil so it is
// stored as NULL rather than a string of zero bytes.
func normalizeHash(h [32]byte) []byte {
	zero := true
	for _, b := range h {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil
	}
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}
