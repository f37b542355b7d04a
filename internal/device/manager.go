// Package device lists the hotspot's clients and remembers what the user
// said about them.
//
// Clients come from the kernel neighbor table of the hotspot interface.
// Each is enriched with its vendor (OUI prefix), a reverse DNS hostname and
// the persisted name and notes. Blocking a device installs a MAC drop rule
// and, when the address is known, a source address drop rule. Blocks are
// persisted and reinstalled by Replay.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"grimm.is/apwatch/internal/clock"
	"grimm.is/apwatch/internal/firewall"
	"grimm.is/apwatch/internal/logging"
	"grimm.is/apwatch/internal/state"
)

var (
	// ErrMACRequired is returned when no MAC address was given.
	ErrMACRequired = errors.New("MAC address is required")
	// ErrInvalidMAC is returned for strings that are not 6-byte MAC addresses.
	ErrInvalidMAC = errors.New("invalid MAC address")
	// ErrInvalidIP is returned for block addresses that are not IPv4.
	ErrInvalidIP = errors.New("invalid device IP")
	// ErrNotBlocked is returned when unblocking a device with no block.
	ErrNotBlocked = errors.New("device not blocked")
	// ErrNoFilter is returned when the packet filter cannot drop by client.
	ErrNoFilter = errors.New("packet filter does not support device blocks")
)

const DefaultHostnameTimeout = 2 * time.Second

// Device is one client as shown to the user.
type Device struct {
	IP         string
	MAC        string
	Hostname   string
	Vendor     string
	State      string
	Name       string
	CustomName string
	Notes      string
	Blocked    bool
}

// HostnameResolver finds a name for a client address.
type HostnameResolver interface {
	LookupHostname(ctx context.Context, ip netip.Addr) (string, error)
}

// Options configures a Manager.
type Options struct {
	Store     state.Store
	Filter    firewall.ClientFilter
	Resolver  HostnameResolver
	Vendors   *OUIDB
	Neighbors NeighborLister
	Clock     clock.Clock
	Logger    *logging.Logger

	HostnameTimeout time.Duration
}

// Manager serves device listing, naming and blocking.
type Manager struct {
	records   *state.DeviceBucket
	filter    firewall.ClientFilter
	resolver  HostnameResolver
	vendors   *OUIDB
	neighbors NeighborLister
	clock     clock.Clock
	logger    *logging.Logger
	timeout   time.Duration

	mu sync.Mutex
}

// NewManager creates a Manager. Store is required; a nil Filter makes
// Block and Unblock fail with ErrNoFilter.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("device manager requires a store")
	}
	records, err := state.NewDeviceBucket(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create devices bucket: %w", err)
	}
	m := &Manager{
		records:   records,
		filter:    opts.Filter,
		resolver:  opts.Resolver,
		vendors:   opts.Vendors,
		neighbors: opts.Neighbors,
		clock:     opts.Clock,
		logger:    logging.OrDefault(opts.Logger).WithComponent("device"),
		timeout:   opts.HostnameTimeout,
	}
	if m.vendors == nil {
		m.vendors = BuiltinOUI()
	}
	if m.neighbors == nil {
		m.neighbors = ListNeighbors
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.timeout <= 0 {
		m.timeout = DefaultHostnameTimeout
	}
	return m, nil
}

// ParseMAC parses s as a 6-byte hardware address.
func ParseMAC(s string) (net.HardwareAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMACRequired
	}
	mac, err := net.ParseMAC(s)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	return mac, nil
}

func parseIP(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return ip, nil
}

// List returns the clients currently in iface's neighbor table, sorted by
// address.
func (m *Manager) List(ctx context.Context, iface string) ([]Device, error) {
	neighbors, err := m.neighbors(iface)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(neighbors, func(a, b Neighbor) int { return a.IP.Compare(b.IP) })

	out := make([]Device, 0, len(neighbors))
	for _, n := range neighbors {
		d := Device{
			IP:     n.IP.String(),
			MAC:    n.MAC.String(),
			Vendor: m.vendors.Vendor(n.MAC),
			State:  n.State,
		}
		if rec, err := m.records.Get(d.MAC); err == nil {
			d.CustomName = rec.Name
			d.Notes = rec.Notes
			d.Blocked = rec.Blocked
		}
		d.Hostname = m.hostname(ctx, n.IP)
		d.Name = displayName(d)
		out = append(out, d)
	}
	return out, nil
}

func (m *Manager) hostname(ctx context.Context, ip netip.Addr) string {
	if m.resolver == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	name, err := m.resolver.LookupHostname(ctx, ip)
	if err != nil {
		return ""
	}
	return name
}

// displayName picks custom name, then hostname, then "<vendor> Device".
func displayName(d Device) string {
	switch {
	case d.CustomName != "":
		return d.CustomName
	case d.Hostname != "":
		return d.Hostname
	}
	return d.Vendor + " Device"
}

// SaveInfo stores the user's name and notes for a device.
func (m *Manager) SaveInfo(mac, name, notes string) (*state.DeviceRecord, error) {
	hw, err := ParseMAC(mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.load(hw)
	rec.Name = strings.TrimSpace(name)
	rec.Notes = strings.TrimSpace(notes)
	rec.UpdatedAt = m.clock.Now()
	if err := m.records.Put(rec); err != nil {
		return nil, fmt.Errorf("save device %s: %w", rec.MAC, err)
	}
	return rec, nil
}

// Get returns the stored record for mac.
func (m *Manager) Get(mac string) (*state.DeviceRecord, error) {
	hw, err := ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	return m.records.Get(hw.String())
}

func (m *Manager) load(mac net.HardwareAddr) *state.DeviceRecord {
	rec, err := m.records.Get(mac.String())
	if err != nil {
		return &state.DeviceRecord{MAC: mac.String()}
	}
	return rec
}

// Block drops all traffic from mac, and from ip when given. Blocking an
// already blocked device replaces its rules.
func (m *Manager) Block(ctx context.Context, mac, ip string) (*state.DeviceRecord, error) {
	hw, err := ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	addr, err := parseIP(ip)
	if err != nil {
		return nil, err
	}
	if m.filter == nil {
		return nil, ErrNoFilter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.load(hw)
	if rec.Blocked {
		if err := m.deleteRules(ctx, hw, rec.BlockedIP); err != nil {
			return nil, err
		}
	}
	if err := m.filter.InsertClientDrop(ctx, hw, addr); err != nil {
		return nil, fmt.Errorf("block device %s: %w", rec.MAC, err)
	}
	rec.Blocked = true
	rec.BlockedIP = ""
	if addr.IsValid() {
		rec.BlockedIP = addr.String()
	}
	rec.UpdatedAt = m.clock.Now()
	if err := m.records.Put(rec); err != nil {
		return nil, fmt.Errorf("save device %s: %w", rec.MAC, err)
	}
	m.logger.Audit("block_device", rec.MAC, map[string]any{"ip": rec.BlockedIP})
	return rec, nil
}

// Unblock removes the device's drop rules.
func (m *Manager) Unblock(ctx context.Context, mac string) (*state.DeviceRecord, error) {
	hw, err := ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	if m.filter == nil {
		return nil, ErrNoFilter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.load(hw)
	if !rec.Blocked {
		return nil, fmt.Errorf("%w: %s", ErrNotBlocked, rec.MAC)
	}
	if err := m.deleteRules(ctx, hw, rec.BlockedIP); err != nil {
		return nil, err
	}
	rec.Blocked = false
	rec.BlockedIP = ""
	rec.UpdatedAt = m.clock.Now()
	if err := m.records.Put(rec); err != nil {
		return nil, fmt.Errorf("save device %s: %w", rec.MAC, err)
	}
	m.logger.Audit("unblock_device", rec.MAC, nil)
	return rec, nil
}

// deleteRules removes a block's rules. Rules already gone are fine.
func (m *Manager) deleteRules(ctx context.Context, mac net.HardwareAddr, ip string) error {
	addr, _ := parseIP(ip)
	err := m.filter.DeleteClientDrop(ctx, mac, addr)
	if err != nil && !errors.Is(err, firewall.ErrRuleNotFound) {
		return fmt.Errorf("unblock device %s: %w", mac, err)
	}
	return nil
}

// Replay reinstalls the rules of every persisted device block. Failures
// are logged and the rest still installed.
func (m *Manager) Replay(ctx context.Context) error {
	if m.filter == nil {
		return nil
	}
	recs, err := m.records.List()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	blocked := 0
	for _, rec := range recs {
		if !rec.Blocked {
			continue
		}
		hw, err := ParseMAC(rec.MAC)
		if err != nil {
			m.logger.Warn("skipping stored device block", "mac", rec.MAC, "error", err)
			continue
		}
		addr, _ := parseIP(rec.BlockedIP)
		_ = m.filter.DeleteClientDrop(ctx, hw, addr)
		if err := m.filter.InsertClientDrop(ctx, hw, addr); err != nil {
			m.logger.Warn("failed to restore device block", "mac", rec.MAC, "error", err)
			continue
		}
		blocked++
	}
	m.logger.Info("device blocks restored", "count", blocked)
	return nil
}
