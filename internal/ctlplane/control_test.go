package ctlplane

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/apwatch/internal/blocklist"
	"grimm.is/apwatch/internal/classify"
	"grimm.is/apwatch/internal/device"
	"grimm.is/apwatch/internal/firewall"
	"grimm.is/apwatch/internal/flowlog"
	"grimm.is/apwatch/internal/monitor"
	"grimm.is/apwatch/internal/state"
)

type testStack struct {
	control *Control
	filter  *firewall.MemoryFilter
	log     *flowlog.Store
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	filter := firewall.NewMemoryFilter()
	bl, err := blocklist.New(blocklist.Options{Filter: filter})
	require.NoError(t, err)

	log := flowlog.New(flowlog.Options{MaxEntries: 50})
	mon, err := monitor.New(monitor.Options{
		Start: func(ctx context.Context) (monitor.Stream, error) {
			return nil, errors.New("no capture in tests")
		},
		Classifier: classify.New(classify.Options{}),
		Log:        log,
		Blocklist:  bl,
	})
	require.NoError(t, err)

	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	devices, err := device.NewManager(device.Options{
		Store:  store,
		Filter: filter,
		Neighbors: func(string) ([]device.Neighbor, error) {
			mac, _ := net.ParseMAC("b8:27:eb:00:00:05")
			return []device.Neighbor{{IP: netip.MustParseAddr("192.168.43.5"), MAC: mac, State: device.StateReachable}}, nil
		},
	})
	require.NoError(t, err)

	control := NewControl(bl, mon, log).WithDevices(devices, func() (string, error) { return "wlan0", nil })
	return &testStack{control: control, filter: filter, log: log}
}

func sampleFlow(domain string) flowlog.Flow {
	return flowlog.Flow{
		SrcIP:       netip.MustParseAddr("192.168.1.5"),
		DstIP:       netip.MustParseAddr("93.184.216.34"),
		Protocol:    "TCP",
		Port:        443,
		RequestType: classify.TypeHTTPS,
		Domain:      domain,
	}
}

func TestControl_BlockLifecycle(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	res, err := s.control.BlockWithRanges(ctx, "ads.test", []string{"1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RulesCount)

	_, err = s.control.Block(ctx, "10.0.0.9")
	require.NoError(t, err)

	rules := s.control.ListBlocked()
	require.Len(t, rules, 2)
	assert.Equal(t, "10.0.0.9", rules[0].Key)

	res, err = s.control.UpdateRanges(ctx, "ads.test", []string{"5.6.7.8"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RulesRemoved)

	rule, err := s.control.GetBlocked("ads.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"5.6.7.8"}, rule.IPSet)

	_, err = s.control.Unblock(ctx, "ads.test")
	require.NoError(t, err)
	_, err = s.control.GetBlocked("ads.test")
	assert.ErrorIs(t, err, blocklist.ErrNotBlocked)
	assert.Equal(t, []string{"10.0.0.9"}, s.filter.Rules())
}

func TestControl_Logs(t *testing.T) {
	s := newTestStack(t)
	f := s.log.Append(sampleFlow("a.test"))
	s.log.Append(sampleFlow("b.test"))

	page := s.control.QueryLogs(flowlog.Query{URL: "b.test"})
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Filtered)

	got, err := s.control.GetLog(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.test", got.Domain)

	_, err = s.control.GetLog(999)
	assert.ErrorIs(t, err, ErrLogNotFound)

	s.control.ClearLogs()
	assert.Equal(t, 0, s.log.Len())
}

func TestControl_MonitoringToggle(t *testing.T) {
	s := newTestStack(t)
	s.log.Append(sampleFlow("a.test"))

	assert.False(t, s.control.MonitorStatus().Enabled)
	s.control.SetMonitoringEnabled(true)
	assert.True(t, s.control.MonitorStatus().Enabled)
	assert.Equal(t, 0, s.log.Len(), "enabling starts a fresh log")

	require.NoError(t, s.control.SetMaxLogs(20))
	st := s.control.MonitorStatus()
	assert.True(t, st.Enabled)
	assert.False(t, st.Running)
	assert.Equal(t, 20, st.MaxLogs)
}

func startRPC(t *testing.T, s *testStack) *Client {
	t.Helper()
	return serve(t, s.control)
}

func serve(t *testing.T, control *Control) *Client {
	t.Helper()
	srv, err := NewServer(control, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.StartWithListener(ln))
	t.Cleanup(func() { srv.Stop() })

	client, err := Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRPC_RoundTrip(t *testing.T) {
	s := newTestStack(t)
	client := startRPC(t, s)

	res, err := client.BlockWithRanges("ads.test", []string{"1.2.3.4", "5.6.0.0/16"})
	require.NoError(t, err)
	assert.Equal(t, "ads.test", res.Key)
	assert.Equal(t, 2, res.RulesCount)

	_, err = client.Block("ads.test")
	assert.ErrorIs(t, err, blocklist.ErrDuplicate)

	_, err = client.UpdateRanges("ads.test", []string{"nope"})
	assert.ErrorIs(t, err, blocklist.ErrInvalidRange)

	_, err = client.Unblock("missing.test")
	assert.ErrorIs(t, err, blocklist.ErrNotBlocked)

	rules, err := client.ListBlocked()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"1.2.3.4", "5.6.0.0/16"}, rules[0].IPSet)

	rule, err := client.GetBlocked("ads.test")
	require.NoError(t, err)
	assert.Equal(t, 2, rule.RulesCount)

	require.NoError(t, client.SetMonitoringEnabled(true))
	f := s.log.Append(sampleFlow("ads.test"))

	page, err := client.QueryLogs(flowlog.Query{})
	require.NoError(t, err)
	require.Len(t, page.Flows, 1)
	assert.Equal(t, netip.MustParseAddr("192.168.1.5"), page.Flows[0].SrcIP)

	flow, err := client.GetLog(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "ads.test", flow.Domain)

	_, err = client.GetLog(f.ID + 100)
	assert.ErrorIs(t, err, ErrLogNotFound)

	st, err := client.MonitorStatus()
	require.NoError(t, err)
	assert.True(t, st.Enabled)

	require.NoError(t, client.SetMaxLogs(10))
	assert.ErrorIs(t, client.SetMaxLogs(-1), monitor.ErrInvalidMaxLogs)
	assert.ErrorIs(t, client.SetMaxLogs(1<<62), monitor.ErrInvalidMaxLogs)

	require.NoError(t, client.ClearLogs())
	assert.Equal(t, 0, s.log.Len())

	res, err = client.Unblock("ads.test")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RulesRemoved)
	assert.Equal(t, 0, s.filter.Len())
}

func TestRPC_HugePageDoesNotCrash(t *testing.T) {
	s := newTestStack(t)
	client := startRPC(t, s)
	s.log.Append(sampleFlow("a.test"))

	page, err := client.QueryLogs(flowlog.Query{Page: 1<<62 + 1, PerPage: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Flows)

	page, err = client.QueryLogs(flowlog.Query{})
	require.NoError(t, err)
	assert.Len(t, page.Flows, 1)
}

func TestRPC_HandlerPanicBecomesError(t *testing.T) {
	// a facade with nothing wired panics on every call
	client := serve(t, &Control{})

	_, err := client.MonitorStatus()
	assert.ErrorIs(t, err, ErrInternal)

	_, err = client.ListBlocked()
	assert.ErrorIs(t, err, ErrInternal, "the server survives and keeps answering")
}

func TestServer_StartTwice(t *testing.T) {
	s := newTestStack(t)
	srv, err := NewServer(s.control, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.StartWithListener(ln))
	assert.Error(t, srv.StartWithListener(ln))
	require.NoError(t, srv.Stop())
}

func TestRPC_Devices(t *testing.T) {
	s := newTestStack(t)
	client := startRPC(t, s)

	rec, err := client.SaveDeviceInfo("B8:27:EB:00:00:05", "Pi", "garage")
	require.NoError(t, err)
	assert.Equal(t, "b8:27:eb:00:00:05", rec.MAC)

	devices, err := client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Pi", devices[0].Name)
	assert.Equal(t, "Raspberry Pi", devices[0].Vendor)
	assert.Equal(t, "garage", devices[0].Notes)

	rec, err = client.BlockDevice("b8:27:eb:00:00:05", "192.168.43.5")
	require.NoError(t, err)
	assert.True(t, rec.Blocked)
	assert.ElementsMatch(t, []string{"mac:b8:27:eb:00:00:05", "src:192.168.43.5"}, s.filter.ClientRules())

	devices, err = client.ListDevices()
	require.NoError(t, err)
	assert.True(t, devices[0].Blocked)

	_, err = client.UnblockDevice("b8:27:eb:00:00:05")
	require.NoError(t, err)
	assert.Empty(t, s.filter.ClientRules())

	_, err = client.UnblockDevice("b8:27:eb:00:00:05")
	assert.ErrorIs(t, err, device.ErrNotBlocked)
	assert.NotErrorIs(t, err, blocklist.ErrNotBlocked)

	_, err = client.SaveDeviceInfo("", "x", "")
	assert.ErrorIs(t, err, device.ErrMACRequired)
	_, err = client.BlockDevice("zz", "")
	assert.ErrorIs(t, err, device.ErrInvalidMAC)
}

func TestControl_DevicesUnavailable(t *testing.T) {
	c := &Control{}
	_, err := c.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrDevicesUnavailable)
	_, err = c.BlockDevice(context.Background(), "aa:bb:cc:dd:ee:ff", "")
	assert.ErrorIs(t, err, ErrDevicesUnavailable)
}
