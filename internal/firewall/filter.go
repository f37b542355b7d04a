package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrRuleNotFound is returned by DeleteDrop when no matching rule exists.
var ErrRuleNotFound = errors.New("firewall rule not found")

// ErrInvalidDestination is returned for destinations that are neither an
// IPv4 address nor an IPv4 prefix.
var ErrInvalidDestination = errors.New("invalid destination")

// Filter controls drop rules for traffic toward a destination.
// dst is an IPv4 address ("1.2.3.4") or prefix ("10.0.0.0/8").
type Filter interface {
	// InsertDrop adds one drop rule for dst at the head of the chain.
	InsertDrop(ctx context.Context, dst string) error
	// DeleteDrop removes one drop rule for dst.
	// Returns ErrRuleNotFound when none exists.
	DeleteDrop(ctx context.Context, dst string) error
}

// ClientFilter drops forwarded traffic from one hotspot client. Rules
// match the client's hardware address and, when ip is valid, its IPv4
// source address.
type ClientFilter interface {
	// InsertClientDrop adds the client's drop rules at the head of the chain.
	InsertClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error
	// DeleteClientDrop removes one of each of the client's drop rules.
	// Returns ErrRuleNotFound when none existed.
	DeleteClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error
}

// ErrInvalidClient is returned for a client without a 48-bit hardware
// address or with a non-IPv4 source address.
var ErrInvalidClient = errors.New("invalid client")

// clientTags validates a client and names its rules: "mac:<addr>" and,
// when ip is set, "src:<ip>".
func clientTags(mac net.HardwareAddr, ip netip.Addr) ([]string, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("%w: hardware address %q", ErrInvalidClient, mac)
	}
	tags := []string{"mac:" + mac.String()}
	if ip.IsValid() {
		if !ip.Is4() {
			return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidClient, ip)
		}
		tags = append(tags, "src:"+ip.String())
	}
	return tags, nil
}

// ParseDestination parses dst as an IPv4 address or prefix.
// A bare address is returned as a /32 prefix.
func ParseDestination(dst string) (netip.Prefix, error) {
	if addr, err := netip.ParseAddr(dst); err == nil {
		if !addr.Is4() {
			return netip.Prefix{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidDestination, dst)
		}
		return netip.PrefixFrom(addr, 32), nil
	}
	prefix, err := netip.ParsePrefix(dst)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidDestination, dst)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidDestination, dst)
	}
	return prefix.Masked(), nil
}

// FormatDestination renders a /32 as a bare address, anything wider in
// CIDR form.
func FormatDestination(p netip.Prefix) string {
	if p.Bits() == 32 {
		return p.Addr().String()
	}
	return p.String()
}

// CanonicalDestination returns the single spelling of dst that every
// backend matches on: "1.2.3.4/32" becomes "1.2.3.4" and "10.1.2.3/24"
// becomes "10.1.2.0/24".
func CanonicalDestination(dst string) (string, error) {
	p, err := ParseDestination(dst)
	if err != nil {
		return "", err
	}
	return FormatDestination(p), nil
}
