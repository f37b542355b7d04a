package capture

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrNoInterface is returned when no candidate interface has an address
// inside the monitored subnet.
var ErrNoInterface = errors.New("no hotspot interface found")

// DefaultCandidates are probed in order when no interface is configured.
var DefaultCandidates = []string{"wlan0", "swlan0", "ap0", "softap0"}

// AddrLister returns the IPv4 addresses assigned to an interface.
type AddrLister func(name string) ([]netip.Prefix, error)

// DetectInterface returns the first candidate with an IPv4 address inside subnet.
func DetectInterface(candidates []string, subnet netip.Prefix) (string, error) {
	return DetectInterfaceWith(candidates, subnet, linkAddrs)
}

// DetectInterfaceWith is DetectInterface with an explicit address source.
func DetectInterfaceWith(candidates []string, subnet netip.Prefix, list AddrLister) (string, error) {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	for _, name := range candidates {
		addrs, err := list(name)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if subnet.Contains(a.Addr()) {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("%w in %s (tried %v)", ErrNoInterface, subnet, candidates)
}
