package handlers

import (
	"fmt"
	"math/big"
	"strings"
)

// EncodeValue splits an arbitrary-precision amount into the stored form:
// the raw integer as a decimal string plus the decimal exponent.
func EncodeValue(raw *big.Int, decimals uint8) (string, int32) {
	if raw == nil {
		return "0", int32(decimals)
	}
	return raw.String(), int32(decimals)
}

// FormatDecimal reconstructs the human-readable decimal string from the
// stored (raw, decimals) pair. The raw digits are zero-padded to at least
// decimals+1 places so a fraction always has an integer part, and trailing
// fraction zeros are stripped.
func FormatDecimal(raw string, decimals int32) (string, error) {
	if raw == "" {
		raw = "0"
	}
	neg := strings.HasPrefix(raw, "-")
	digits := strings.TrimPrefix(raw, "-")
	if _, ok := new(big.Int).SetString(digits, 10); !ok {
		return "", fmt.Errorf("invalid raw value %q", raw)
	}
	if decimals < 0 {
		return "", fmt.Errorf("invalid decimals %d", decimals)
	}

	if len(digits) < int(decimals)+1 {
		digits = strings.Repeat("0", int(decimals)+1-len(digits)) + digits
	}

	intPart := digits[:len(digits)-int(decimals)]
	fracPart := ""
	if decimals > 0 {
		fracPart = strings.TrimRight(digits[len(digits)-int(decimals):], "0")
	}

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out, nil
}
