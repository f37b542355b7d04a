package ctlplane

import (
	"errors"
	"fmt"
	"net/rpc"
	"strings"
	"sync"

	"grimm.is/apwatch/internal/blocklist"
	"grimm.is/apwatch/internal/device"
	"grimm.is/apwatch/internal/flowlog"
	"grimm.is/apwatch/internal/monitor"
	"grimm.is/apwatch/internal/state"
)

// Client is the RPC client for a running daemon.
type Client struct {
	network string
	address string

	mu     sync.RWMutex
	client *rpc.Client
}

// NewClient connects to the daemon's Unix socket.
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return Dial("unix", socketPath)
}

// Dial connects to a control server on any stream network.
func Dial(network, address string) (*Client, error) {
	client, err := rpc.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control plane at %s: %w", address, err)
	}
	return &Client{network: network, address: address, client: client}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// call performs one RPC, reconnecting once if the connection dropped.
func (c *Client) call(method string, args, reply any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	err := client.Call(serviceName+"."+method, args, reply)
	if err == nil {
		return nil
	}
	if errors.Is(err, rpc.ErrShutdown) || isNetworkError(err) {
		if recErr := c.reconnect(client); recErr != nil {
			return fmt.Errorf("RPC call failed (%v) and reconnection failed: %w", err, recErr)
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
		err = client.Call(serviceName+"."+method, args, reply)
	}
	return decodeError(err)
}

func (c *Client) reconnect(old *rpc.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != old {
		return nil
	}
	c.client.Close()

	client, err := rpc.Dial(c.network, c.address)
	if err != nil {
		return fmt.Errorf("failed to reconnect to control plane: %w", err)
	}
	c.client = client
	return nil
}

func isNetworkError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection is shut down") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "use of closed network connection")
}

// remoteSentinels are the errors callers branch on. net/rpc only carries
// the message, so they are recovered by matching it.
// Longer messages come first where one contains another.
var remoteSentinels = []error{
	device.ErrNotBlocked,
	device.ErrMACRequired,
	device.ErrInvalidMAC,
	device.ErrInvalidIP,
	device.ErrNoFilter,
	ErrDevicesUnavailable,
	blocklist.ErrDuplicate,
	blocklist.ErrNotBlocked,
	blocklist.ErrInvalidRange,
	blocklist.ErrEmptyTarget,
	blocklist.ErrInvalidTarget,
	ErrLogNotFound,
	ErrInternal,
	monitor.ErrInvalidMaxLogs,
}

// remoteError is a server error that unwraps to a known sentinel.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func decodeError(err error) error {
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	msg := string(serverErr)
	for _, sentinel := range remoteSentinels {
		if strings.Contains(msg, sentinel.Error()) {
			return &remoteError{msg: msg, sentinel: sentinel}
		}
	}
	return err
}

// Block blocks a domain or IP.
func (c *Client) Block(target string) (*blocklist.Result, error) {
	var reply BlockReply
	if err := c.call("Block", &BlockArgs{Target: target}, &reply); err != nil {
		return nil, err
	}
	return &reply.Result, nil
}

// BlockWithRanges blocks target with explicit IP ranges.
func (c *Client) BlockWithRanges(target string, ranges []string) (*blocklist.Result, error) {
	var reply BlockReply
	if err := c.call("BlockWithRanges", &BlockArgs{Target: target, Ranges: ranges}, &reply); err != nil {
		return nil, err
	}
	return &reply.Result, nil
}

// Unblock removes a block.
func (c *Client) Unblock(target string) (*blocklist.Result, error) {
	var reply BlockReply
	if err := c.call("Unblock", &BlockArgs{Target: target}, &reply); err != nil {
		return nil, err
	}
	return &reply.Result, nil
}

// UpdateRanges replaces the IP ranges of a block.
func (c *Client) UpdateRanges(target string, ranges []string) (*blocklist.Result, error) {
	var reply BlockReply
	if err := c.call("UpdateRanges", &BlockArgs{Target: target, Ranges: ranges}, &reply); err != nil {
		return nil, err
	}
	return &reply.Result, nil
}

// ListBlocked returns every block.
func (c *Client) ListBlocked() ([]*blocklist.Rule, error) {
	var reply ListBlockedReply
	if err := c.call("ListBlocked", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Rules, nil
}

// GetBlocked returns one block.
func (c *Client) GetBlocked(target string) (*blocklist.Rule, error) {
	var reply GetBlockedReply
	if err := c.call("GetBlocked", &BlockArgs{Target: target}, &reply); err != nil {
		return nil, err
	}
	return reply.Rule, nil
}

// QueryLogs returns one page of flows.
func (c *Client) QueryLogs(q flowlog.Query) (*flowlog.Page, error) {
	var reply QueryLogsReply
	if err := c.call("QueryLogs", &QueryLogsArgs{Query: q}, &reply); err != nil {
		return nil, err
	}
	return &reply.Page, nil
}

// GetLog returns one flow.
func (c *Client) GetLog(id uint64) (*flowlog.Flow, error) {
	var reply GetLogReply
	if err := c.call("GetLog", &GetLogArgs{ID: id}, &reply); err != nil {
		return nil, err
	}
	return &reply.Flow, nil
}

// SetMonitoringEnabled toggles flow logging.
func (c *Client) SetMonitoringEnabled(enabled bool) error {
	return c.call("SetMonitoring", &SetMonitoringArgs{Enabled: enabled}, &Empty{})
}

// MonitorStatus returns the capture task state.
func (c *Client) MonitorStatus() (*monitor.Status, error) {
	var reply MonitorStatusReply
	if err := c.call("MonitorStatus", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply.Status, nil
}

// SetMaxLogs resizes the flow log.
func (c *Client) SetMaxLogs(n int) error {
	return c.call("SetMaxLogs", &SetMaxLogsArgs{MaxLogs: n}, &Empty{})
}

// ClearLogs empties the flow log.
func (c *Client) ClearLogs() error {
	return c.call("ClearLogs", &Empty{}, &Empty{})
}

// ListDevices returns the hotspot's current clients.
func (c *Client) ListDevices() ([]device.Device, error) {
	var reply ListDevicesReply
	if err := c.call("ListDevices", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Devices, nil
}

// SaveDeviceInfo stores a device's name and notes.
func (c *Client) SaveDeviceInfo(mac, name, notes string) (*state.DeviceRecord, error) {
	var reply DeviceReply
	if err := c.call("SaveDeviceInfo", &DeviceArgs{MAC: mac, Name: name, Notes: notes}, &reply); err != nil {
		return nil, err
	}
	return &reply.Record, nil
}

// BlockDevice drops traffic from a device. ip may be empty.
func (c *Client) BlockDevice(mac, ip string) (*state.DeviceRecord, error) {
	var reply DeviceReply
	if err := c.call("BlockDevice", &DeviceArgs{MAC: mac, IP: ip}, &reply); err != nil {
		return nil, err
	}
	return &reply.Record, nil
}

// UnblockDevice removes a device block.
func (c *Client) UnblockDevice(mac string) (*state.DeviceRecord, error) {
	var reply DeviceReply
	if err := c.call("UnblockDevice", &DeviceArgs{MAC: mac}, &reply); err != nil {
		return nil, err
	}
	return &reply.Record, nil
}
