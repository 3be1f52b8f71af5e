package uriworker

import (
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/config"
)

func testWorker(allowHTTP bool) *Worker {
	cfg := &config.Config{}
	cfg.Metadata.IndexMode = config.MetadataIndexStandard
	cfg.Metadata.MaxBytes = 65536
	cfg.Metadata.MaxValueBytes = 1024 * 1024
	cfg.Metadata.AllowInsecureURI = allowHTTP
	cfg.Metadata.IPFSGateway = "https://ipfs.io/ipfs/"
	cfg.Metadata.ArweaveGateway = "https://arweave.net/"
	return New(nil, cfg, zap.NewNop())
}

func TestParseIPLiteralTextualForms(t *testing.T) {
	loopback := net.IPv4(127, 0, 0, 1).To4()

	tests := []struct {
		host string
		want net.IP
	}{
		{"127.0.0.1", loopback},
		{"0x7f000001", loopback},  // hex
		{"2130706433", loopback},  // decimal
		{"017700000001", loopback}, // octal
		{"0x7f.0.0.1", loopback},  // hex octet
		{"127.1", loopback},       // inet_aton two-part
		{"127.0.1", loopback},     // inet_aton three-part
		{"::ffff:127.0.0.1", loopback},
		{"::1", net.IPv6loopback},
		{"not-an-ip", nil},
		{"256.1.1.1", nil},
		{"1.2.3.4.5", nil},
	}
	for _, tc := range tests {
		got := parseIPLiteral(tc.host)
		if tc.want == nil {
			if got != nil {
				t.Errorf("parseIPLiteral(%q) = %v, want nil", tc.host, got)
			}
			continue
		}
		if got == nil || !got.Equal(tc.want) {
			t.Errorf("parseIPLiteral(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestIsForbiddenIP(t *testing.T) {
	forbidden := []string{
		"127.0.0.1",
		"0.0.0.0",
		"10.1.2.3",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.169.254",
		"100.64.0.1", // CGNAT
		"::1",
		"::",
		"fe80::1",
		"fc00::1",
		"::ffff:10.0.0.1",
	}
	for _, s := range forbidden {
		if !isForbiddenIP(net.ParseIP(s)) {
			t.Errorf("isForbiddenIP(%s) = false, want true", s)
		}
	}

	allowed := []string{
		"8.8.8.8",
		"1.1.1.1",
		"2606:4700:4700::1111",
		"::ffff:8.8.8.8",
	}
	for _, s := range allowed {
		if isForbiddenIP(net.ParseIP(s)) {
			t.Errorf("isForbiddenIP(%s) = true, want false", s)
		}
	}
}

func TestIPv4CompatibleUnwrap(t *testing.T) {
	// Deprecated ::x.y.z.w form embedding a loopback.
	ip := net.ParseIP("::127.0.0.1")
	if ip == nil {
		t.Fatal("fixture did not parse")
	}
	if !isForbiddenIP(ip) {
		t.Error("IPv4-compatible loopback not forbidden")
	}
}

func TestValidateURLSchemes(t *testing.T) {
	w := testWorker(false)

	blocked := []string{
		"http://example.com/a.json", // http without opt-in
		"ftp://example.com/a.json",
		"file:///etc/passwd",
		"gopher://example.com",
		"https://localhost/a.json",
		"https://metadata.google.internal/computeMetadata",
		"https://169.254.169.254/latest/meta-data",
		"https://127.0.0.1/a.json",
		"https://0x7f000001/a.json",
		"https://2130706433/a.json",
		"https://017700000001/a.json",
		"https://[::ffff:127.0.0.1]/a.json",
		"https://[::1]/a.json",
		"https://192.168.0.10/a.json",
	}
	for _, raw := range blocked {
		if _, err := w.validateURL(raw); !errors.Is(err, ErrBlocked) {
			t.Errorf("validateURL(%q) err = %v, want ErrBlocked", raw, err)
		}
	}

	if _, err := w.validateURL("https://example.com/agent.json"); err != nil {
		t.Errorf("https url rejected: %v", err)
	}
}

func TestValidateURLHTTPOptIn(t *testing.T) {
	w := testWorker(true)
	if _, err := w.validateURL("http://example.com/a.json"); err != nil {
		t.Errorf("http with opt-in rejected: %v", err)
	}
	// Private targets stay blocked even with the opt-in.
	if _, err := w.validateURL("http://127.0.0.1/a.json"); !errors.Is(err, ErrBlocked) {
		t.Errorf("http loopback err = %v, want ErrBlocked", err)
	}
}

func TestValidateURLGatewayRewrite(t *testing.T) {
	w := testWorker(false)

	u, err := w.validateURL("ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG/agent.json")
	if err != nil {
		t.Fatalf("ipfs rewrite failed: %v", err)
	}
	if u.Scheme != "https" || u.Host != "ipfs.io" {
		t.Errorf("ipfs rewrote to %s", u)
	}

	u, err = w.validateURL("ar://abc123xyz")
	if err != nil {
		t.Fatalf("ar rewrite failed: %v", err)
	}
	if u.Host != "arweave.net" {
		t.Errorf("ar rewrote to %s", u)
	}
}
