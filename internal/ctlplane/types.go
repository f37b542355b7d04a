package ctlplane

import (
	"grimm.is/apwatch/internal/blocklist"
	"grimm.is/apwatch/internal/device"
	"grimm.is/apwatch/internal/flowlog"
	"grimm.is/apwatch/internal/monitor"
	"grimm.is/apwatch/internal/state"
)

// Empty is used for methods with no arguments or no reply.
type Empty struct{}

// BlockArgs names a block target. Ranges are only used by
// BlockWithRanges and UpdateRanges.
type BlockArgs struct {
	Target string
	Ranges []string
}

// BlockReply carries the outcome of a block mutation.
type BlockReply struct {
	Result blocklist.Result
}

// ListBlockedReply lists every block.
type ListBlockedReply struct {
	Rules []*blocklist.Rule
}

// GetBlockedReply carries one block.
type GetBlockedReply struct {
	Rule *blocklist.Rule
}

// QueryLogsArgs wraps a flow log query.
type QueryLogsArgs struct {
	Query flowlog.Query
}

// QueryLogsReply carries one page of flows.
type QueryLogsReply struct {
	Page flowlog.Page
}

// GetLogArgs names a flow by ID.
type GetLogArgs struct {
	ID uint64
}

// GetLogReply carries one flow.
type GetLogReply struct {
	Flow flowlog.Flow
}

// SetMonitoringArgs toggles flow logging.
type SetMonitoringArgs struct {
	Enabled bool
}

// SetMaxLogsArgs resizes the flow log.
type SetMaxLogsArgs struct {
	MaxLogs int
}

// MonitorStatusReply describes the capture task.
type MonitorStatusReply struct {
	Status monitor.Status
}

// ListDevicesReply lists the hotspot's clients.
type ListDevicesReply struct {
	Devices []device.Device
}

// DeviceArgs names a device. Name and Notes are used by SaveDeviceInfo,
// IP by BlockDevice.
type DeviceArgs struct {
	MAC   string
	IP    string
	Name  string
	Notes string
}

// DeviceReply carries the stored device record after a change.
type DeviceReply struct {
	Record state.DeviceRecord
}
