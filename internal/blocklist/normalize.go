package blocklist

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/miekg/dns"

	"grimm.is/apwatch/internal/firewall"
)

var (
	schemePrefix = regexp.MustCompile(`^https?://`)
	pathSuffix   = regexp.MustCompile(`/.*$`)
	portSuffix   = regexp.MustCompile(`:.*$`)
)

// Normalize turns user input into a block key: trimmed, lowercased, with
// the http(s) scheme, path, port and leading "www." removed. IPv4 CIDR
// input is kept whole and masked, and a /32 becomes a bare address.
// Normalize is idempotent.
func Normalize(input string) string {
	s := input
	for {
		next := normalizeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func normalizeOnce(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = schemePrefix.ReplaceAllString(s, "")
	if p, err := netip.ParsePrefix(s); err == nil && p.Addr().Is4() {
		return firewall.FormatDestination(p.Masked())
	}
	s = pathSuffix.ReplaceAllString(s, "")
	s = portSuffix.ReplaceAllString(s, "")
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, ".")
}

// IsIPTarget reports whether key is a literal IPv4 address or prefix.
func IsIPTarget(key string) bool {
	if addr, err := netip.ParseAddr(key); err == nil {
		return addr.Is4()
	}
	if p, err := netip.ParsePrefix(key); err == nil {
		return p.Addr().Is4()
	}
	return false
}

// validDomain reports whether key can be resolved as a hostname.
func validDomain(key string) bool {
	if strings.ContainsAny(key, " \t\\\"'`;|&$") {
		return false
	}
	_, ok := dns.IsDomainName(key)
	return ok
}
