package uriworker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrBlocked marks a URL rejected by the fetch guard. It maps to the
// "blocked" status entry rather than a retryable failure.
var ErrBlocked = errors.New("uri blocked")

// hostnameBlacklist rejects well-known internal names before any DNS work.
// Cloud metadata IPs are caught again by the range checks after resolution.
var hostnameBlacklist = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"169.254.169.254":          true, // AWS/GCP/Azure metadata
	"100.100.100.200":          true, // Alibaba metadata
}

// validateURL checks the scheme, rewrites gateway schemes and rejects
// blacklisted hosts. DNS-level checks happen at dial time in safeDialContext
// so the IP that is validated is the IP that is connected to.
func (w *Worker) validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable url", ErrBlocked)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !w.cfg.Metadata.AllowInsecureURI {
			return nil, fmt.Errorf("%w: http not allowed", ErrBlocked)
		}
	case "ipfs":
		rewritten := w.cfg.Metadata.IPFSGateway + u.Host + u.Path
		return w.validateURL(rewritten)
	case "ar":
		rewritten := w.cfg.Metadata.ArweaveGateway + u.Host + u.Path
		return w.validateURL(rewritten)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrBlocked)
	}
	if hostnameBlacklist[host] {
		return nil, fmt.Errorf("%w: blacklisted host %q", ErrBlocked, host)
	}
	// A host that is itself an IP literal, in any textual form, is checked
	// here as well so obviously-hostile URLs never reach the resolver.
	if ip := parseIPLiteral(host); ip != nil && isForbiddenIP(ip) {
		return nil, fmt.Errorf("%w: private address %s", ErrBlocked, ip)
	}
	return u, nil
}

// safeDialContext resolves the host, rejects private or otherwise forbidden
// addresses, and dials the exact IP that passed the check. Resolving inside
// the dialer pins the connection to a vetted address, which also covers DNS
// rebinding between validation and connect. Resolution failures are closed.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed address %q", ErrBlocked, addr)
	}

	var ips []net.IP
	if ip := parseIPLiteral(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %q: %v", ErrBlocked, host, err)
		}
		for _, r := range resolved {
			ips = append(ips, r.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %q resolves to nothing", ErrBlocked, host)
	}
	// Every address must be safe: an attacker controlling one A record
	// must not be able to smuggle a private one alongside public ones.
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return nil, fmt.Errorf("%w: %q resolves to private address %s", ErrBlocked, host, ip)
		}
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// parseIPLiteral parses every textual IP form an attacker can reach a
// private address through: standard dotted-decimal and IPv6 (which the net
// package handles), plus the hex, octal and plain-decimal IPv4 forms it
// deliberately rejects but libcs accept.
func parseIPLiteral(host string) net.IP {
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return parseNumericIPv4(host)
}

// parseNumericIPv4 handles 0x7f000001, 2130706433, 017700000001 and dotted
// forms with hex/octal octets such as 0x7f.0.0.1.
func parseNumericIPv4(host string) net.IP {
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return nil
	}

	vals := make([]uint64, len(parts))
	for i, part := range parts {
		v, err := parseNumericOctet(part)
		if err != nil {
			return nil
		}
		vals[i] = v
	}

	// Fewer than four parts: the last value spans the remaining bytes,
	// matching inet_aton.
	var n uint64
	switch len(vals) {
	case 1:
		n = vals[0]
	case 2:
		if vals[0] > 0xff || vals[1] > 0xffffff {
			return nil
		}
		n = vals[0]<<24 | vals[1]
	case 3:
		if vals[0] > 0xff || vals[1] > 0xff || vals[2] > 0xffff {
			return nil
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]
	case 4:
		for _, v := range vals {
			if v > 0xff {
				return nil
			}
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]<<8 | vals[3]
	}
	if n > 0xffffffff {
		return nil
	}
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func parseNumericOctet(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty octet")
	}
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		return strconv.ParseUint(s[2:], 16, 64)
	case len(s) > 1 && s[0] == '0':
		return strconv.ParseUint(s[1:], 8, 64)
	default:
		return strconv.ParseUint(s, 10, 64)
	}
}

// isForbiddenIP reports whether connecting to ip could reach internal
// infrastructure. IPv4-mapped and -compatible IPv6 addresses are unwrapped
// first so every textual form of 127.0.0.1 lands in the same checks.
func isForbiddenIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	} else if compat := ipv4Compatible(ip); compat != nil {
		ip = compat
	}

	switch {
	case ip.IsLoopback(), ip.IsUnspecified():
		return true
	case ip.IsPrivate(): // RFC 1918 and fc00::/7
		return true
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return true
	case ip.IsMulticast():
		return true
	}
	// CGNAT 100.64.0.0/10: routable only inside carrier networks.
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1]&0xc0 == 64 {
		return true
	}
	return false
}

// ipv4Compatible unwraps ::x.y.z.w (deprecated IPv4-compatible form),
// which To4 does not treat as IPv4.
func ipv4Compatible(ip net.IP) net.IP {
	v6 := ip.To16()
	if v6 == nil {
		return nil
	}
	for _, b := range v6[:12] {
		if b != 0 {
			return nil
		}
	}
	// ::0.0.x.y with a tiny value is ::1 or :: territory, already IPv6
	// loopback/unspecified; anything else is an embedded IPv4.
	if v6[12] == 0 && v6[13] == 0 && v6[14] == 0 && v6[15] <= 1 {
		return nil
	}
	return net.IPv4(v6[12], v6[13], v6[14], v6[15])
}
