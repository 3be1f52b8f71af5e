package handlers

import (
	"math/big"
	"testing"
)

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		decimals int32
		want     string
	}{
		{name: "integer", raw: "8500", decimals: 0, want: "8500"},
		{name: "two decimals", raw: "8500", decimals: 2, want: "85"},
		{name: "fraction kept", raw: "8543", decimals: 2, want: "85.43"},
		{name: "trailing zero stripped", raw: "8540", decimals: 2, want: "85.4"},
		{name: "pads below one", raw: "5", decimals: 2, want: "0.05"},
		{name: "pads to exponent plus one", raw: "5", decimals: 6, want: "0.000005"},
		{name: "zero", raw: "0", decimals: 2, want: "0"},
		{name: "empty raw treated as zero", raw: "", decimals: 3, want: "0"},
		{name: "negative", raw: "-8543", decimals: 2, want: "-85.43"},
		{name: "negative below one", raw: "-5", decimals: 2, want: "-0.05"},
		{name: "negative zero collapses", raw: "-0", decimals: 2, want: "0"},
		{name: "large value", raw: "123456789012345678901234567890", decimals: 18, want: "123456789012.34567890123456789"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatDecimal(tt.raw, tt.decimals)
			if err != nil {
				t.Fatalf("FormatDecimal(%q, %d) error: %v", tt.raw, tt.decimals, err)
			}
			if got != tt.want {
				t.Errorf("FormatDecimal(%q, %d) = %q, want %q", tt.raw, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatDecimalRejectsGarbage(t *testing.T) {
	if _, err := FormatDecimal("12x4", 2); err == nil {
		t.Error("expected error for non-numeric raw")
	}
	if _, err := FormatDecimal("85", -1); err == nil {
		t.Error("expected error for negative decimals")
	}
}

func TestEncodeValueRoundTrip(t *testing.T) {
	// Encoding then formatting must parse back to the same scaled value,
	// modulo trailing zeros.
	raw, decimals := EncodeValue(big.NewInt(8500), 2)
	if raw != "8500" || decimals != 2 {
		t.Fatalf("EncodeValue = (%q, %d), want (8500, 2)", raw, decimals)
	}
	formatted, err := FormatDecimal(raw, decimals)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := new(big.Float).SetString(formatted)
	if !ok {
		t.Fatalf("formatted value %q does not parse", formatted)
	}
	want := new(big.Float).SetInt64(85)
	if f.Cmp(want) != 0 {
		t.Errorf("formatted value %q != 85", formatted)
	}
}

func TestEncodeValueNil(t *testing.T) {
	raw, decimals := EncodeValue(nil, 4)
	if raw != "0" || decimals != 4 {
		t.Errorf("EncodeValue(nil, 4) = (%q, %d), want (0, 4)", raw, decimals)
	}
}
