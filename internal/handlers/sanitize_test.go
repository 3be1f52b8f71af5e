package handlers

import "testing"

func TestSanitizeTextStripsNul(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "clean passes through", in: "quality", want: "quality"},
		{name: "embedded nul", in: "qua\x00lity", want: "quality"},
		{name: "only nuls", in: "\x00\x00", want: ""},
		{name: "utf8 preserved", in: "日本\x00語", want: "日本語"},
		{name: "other control bytes untouched", in: "a\tb\nc", want: "a\tb\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeText(tt.in); got != tt.want {
				t.Errorf("sanitizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeHash(t *testing.T) {
	var zero [32]byte
	if normalizeHash(zero) != nil {
		t.Error("all-zero hash should normalize to nil")
	}

	var h [32]byte
	h[0] = 0x01
	out := normalizeHash(h)
	if len(out) != 32 || out[0] != 0x01 {
		t.Errorf("normalizeHash lost data: %v", out[:4])
	}

	// The returned slice must be a copy, not an alias.
	out[1] = 0xff
	if h[1] == 0xff {
		t.Error("normalizeHash aliases its input")
	}
}
