package ctlplane

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/apwatch/internal/blocklist"
	"grimm.is/apwatch/internal/device"
	"grimm.is/apwatch/internal/flowlog"
	"grimm.is/apwatch/internal/monitor"
	"grimm.is/apwatch/internal/state"
)

var (
	// ErrLogNotFound is returned by GetLog for IDs no longer held.
	ErrLogNotFound = errors.New("log entry not found")
	// ErrDevicesUnavailable is returned by device operations when the
	// daemon runs without a device manager.
	ErrDevicesUnavailable = errors.New("device management unavailable")
)

// InterfaceFunc names the hotspot interface whose clients are listed.
type InterfaceFunc func() (string, error)

// Control is the front-end facing surface of the daemon.
type Control struct {
	blocklist *blocklist.Synchronizer
	monitor   *monitor.Service
	log       *flowlog.Store
	devices   *device.Manager
	iface     InterfaceFunc
}

// NewControl wires the facade to its owned components.
func NewControl(bl *blocklist.Synchronizer, mon *monitor.Service, log *flowlog.Store) *Control {
	return &Control{blocklist: bl, monitor: mon, log: log}
}

// WithDevices enables the device operations.
func (c *Control) WithDevices(m *device.Manager, iface InterfaceFunc) *Control {
	c.devices = m
	c.iface = iface
	return c
}

// Block blocks a domain or IP.
func (c *Control) Block(ctx context.Context, target string) (*blocklist.Result, error) {
	return c.blocklist.Block(ctx, target)
}

// BlockWithRanges blocks target with explicit IP ranges.
func (c *Control) BlockWithRanges(ctx context.Context, target string, ranges []string) (*blocklist.Result, error) {
	return c.blocklist.BlockWithRanges(ctx, target, ranges)
}

// Unblock removes a block.
func (c *Control) Unblock(ctx context.Context, target string) (*blocklist.Result, error) {
	return c.blocklist.Unblock(ctx, target)
}

// UpdateRanges replaces the IP ranges of an existing block.
func (c *Control) UpdateRanges(ctx context.Context, target string, ranges []string) (*blocklist.Result, error) {
	return c.blocklist.Update(ctx, target, ranges)
}

// ListBlocked returns every block sorted by key.
func (c *Control) ListBlocked() []*blocklist.Rule {
	return c.blocklist.List()
}

// GetBlocked returns one block.
func (c *Control) GetBlocked(target string) (*blocklist.Rule, error) {
	return c.blocklist.Get(target)
}

// QueryLogs filters, sorts and pages the flow log.
func (c *Control) QueryLogs(q flowlog.Query) flowlog.Page {
	return c.log.Query(q)
}

// GetLog returns one flow by ID.
func (c *Control) GetLog(id uint64) (flowlog.Flow, error) {
	f, ok := c.log.Get(id)
	if !ok {
		return flowlog.Flow{}, fmt.Errorf("%w: %d", ErrLogNotFound, id)
	}
	return f, nil
}

// SetMonitoringEnabled toggles flow logging. Enabling clears the log.
func (c *Control) SetMonitoringEnabled(enabled bool) {
	c.monitor.SetEnabled(enabled)
}

// MonitorStatus returns the capture task state.
func (c *Control) MonitorStatus() monitor.Status {
	return c.monitor.Status()
}

// SetMaxLogs resizes the flow log.
func (c *Control) SetMaxLogs(n int) error {
	return c.monitor.SetMaxLogs(n)
}

// ClearLogs empties the flow log.
func (c *Control) ClearLogs() {
	c.monitor.ClearLogs()
}

// ListDevices returns the hotspot's current clients.
func (c *Control) ListDevices(ctx context.Context) ([]device.Device, error) {
	if c.devices == nil || c.iface == nil {
		return nil, ErrDevicesUnavailable
	}
	iface, err := c.iface()
	if err != nil {
		return nil, err
	}
	return c.devices.List(ctx, iface)
}

// SaveDeviceInfo stores a device's name and notes.
func (c *Control) SaveDeviceInfo(mac, name, notes string) (*state.DeviceRecord, error) {
	if c.devices == nil {
		return nil, ErrDevicesUnavailable
	}
	return c.devices.SaveInfo(mac, name, notes)
}

// BlockDevice drops traffic from a device. ip may be empty.
func (c *Control) BlockDevice(ctx context.Context, mac, ip string) (*state.DeviceRecord, error) {
	if c.devices == nil {
		return nil, ErrDevicesUnavailable
	}
	return c.devices.Block(ctx, mac, ip)
}

// UnblockDevice removes a device block.
func (c *Control) UnblockDevice(ctx context.Context, mac string) (*state.DeviceRecord, error) {
	if c.devices == nil {
		return nil, ErrDevicesUnavailable
	}
	return c.devices.Unblock(ctx, mac)
}
