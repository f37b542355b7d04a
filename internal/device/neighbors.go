package device

import (
	"net"
	"net/netip"
)

// Neighbor is one usable IPv4 entry from the interface's neighbor table.
type Neighbor struct {
	IP    netip.Addr
	MAC   net.HardwareAddr
	State string
}

// NeighborLister returns the neighbors seen on an interface.
type NeighborLister func(iface string) ([]Neighbor, error)

// Neighbor states kept in the device list. Failed, incomplete and
// permanent entries are not clients.
const (
	StateReachable = "REACHABLE"
	StateStale     = "STALE"
	StateDelay     = "DELAY"
	StateProbe     = "PROBE"
)
