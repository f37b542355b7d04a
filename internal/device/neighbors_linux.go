//go:build linux

package device

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// ListNeighbors reads the kernel neighbor table for iface.
func ListNeighbors(iface string) ([]Neighbor, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", iface, err)
	}
	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("neighbors on %s: %w", iface, err)
	}
	return fromNetlink(neighs), nil
}

func fromNetlink(neighs []netlink.Neigh) []Neighbor {
	out := make([]Neighbor, 0, len(neighs))
	for _, n := range neighs {
		state := neighState(n.State)
		if state == "" || len(n.HardwareAddr) != 6 {
			continue
		}
		ip, ok := netip.AddrFromSlice(n.IP.To4())
		if !ok {
			continue
		}
		out = append(out, Neighbor{IP: ip, MAC: n.HardwareAddr, State: state})
	}
	return out
}

func neighState(s int) string {
	switch s {
	case netlink.NUD_REACHABLE:
		return StateReachable
	case netlink.NUD_STALE:
		return StateStale
	case netlink.NUD_DELAY:
		return StateDelay
	case netlink.NUD_PROBE:
		return StateProbe
	}
	return ""
}
