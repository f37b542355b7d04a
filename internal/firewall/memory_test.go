package firewall

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFilter_InsertAtHead(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFilter()

	require.NoError(t, f.InsertDrop(ctx, "1.1.1.1"))
	require.NoError(t, f.InsertDrop(ctx, "2.2.2.2"))
	require.NoError(t, f.InsertDrop(ctx, "1.1.1.1"))

	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2", "1.1.1.1"}, f.Rules())
	assert.Equal(t, 2, f.Count("1.1.1.1"))
	assert.Equal(t, 3, f.Len())
}

func TestMemoryFilter_DeleteOne(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFilter()
	require.NoError(t, f.InsertDrop(ctx, "1.1.1.1"))
	require.NoError(t, f.InsertDrop(ctx, "1.1.1.1"))

	require.NoError(t, f.DeleteDrop(ctx, "1.1.1.1"))
	assert.Equal(t, 1, f.Count("1.1.1.1"))

	require.NoError(t, f.DeleteDrop(ctx, "1.1.1.1"))
	assert.ErrorIs(t, f.DeleteDrop(ctx, "1.1.1.1"), ErrRuleNotFound)

	inserts, deletes := f.Calls()
	assert.Equal(t, 2, inserts)
	assert.Equal(t, 3, deletes)
}

func TestMemoryFilter_InjectedFailures(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFilter()
	boom := errors.New("boom")

	f.FailInsert("3.3.3.3", boom)
	assert.ErrorIs(t, f.InsertDrop(ctx, "3.3.3.3"), boom)
	assert.Equal(t, 0, f.Len())

	f.FailInsert("3.3.3.3", nil)
	require.NoError(t, f.InsertDrop(ctx, "3.3.3.3"))

	f.FailDelete("3.3.3.3", boom)
	assert.ErrorIs(t, f.DeleteDrop(ctx, "3.3.3.3"), boom)
	assert.Equal(t, 1, f.Count("3.3.3.3"))
}

func TestMemoryFilter_MatchesParsedPrefix(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFilter()

	require.NoError(t, f.InsertDrop(ctx, "1.2.3.4/32"))
	require.NoError(t, f.InsertDrop(ctx, "10.1.2.3/24"))
	assert.Equal(t, []string{"10.1.2.0/24", "1.2.3.4"}, f.Rules())
	assert.Equal(t, 1, f.Count("1.2.3.4"))

	require.NoError(t, f.DeleteDrop(ctx, "1.2.3.4"))
	require.NoError(t, f.DeleteDrop(ctx, "10.1.2.0/24"))
	assert.Equal(t, 0, f.Len())
}

func TestCanonicalDestination(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1.2.3.4", "1.2.3.4"},
		{"1.2.3.4/32", "1.2.3.4"},
		{"10.1.2.3/24", "10.1.2.0/24"},
		{"10.1.2.0/24", "10.1.2.0/24"},
		{"0.0.0.0/0", "0.0.0.0/0"},
	}
	for _, tt := range tests {
		got, err := CanonicalDestination(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := CanonicalDestination("2001:db8::1")
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestParseDestination(t *testing.T) {
	p, err := ParseDestination("10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3/32", p.String())

	p, err = ParseDestination("10.1.2.3/8")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", p.String())

	_, err = ParseDestination("::1")
	assert.ErrorIs(t, err, ErrInvalidDestination)
	_, err = ParseDestination("not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestMemoryFilter_ClientDrop(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryFilter()
	mac, err := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	require.NoError(t, m.InsertClientDrop(ctx, mac, netip.Addr{}))
	assert.Equal(t, []string{"mac:aa:bb:cc:dd:ee:ff"}, m.ClientRules())

	ip := netip.MustParseAddr("192.168.43.7")
	require.NoError(t, m.InsertClientDrop(ctx, mac, ip))
	assert.Equal(t, []string{"mac:aa:bb:cc:dd:ee:ff", "src:192.168.43.7", "mac:aa:bb:cc:dd:ee:ff"}, m.ClientRules())

	require.NoError(t, m.DeleteClientDrop(ctx, mac, ip))
	assert.Equal(t, []string{"mac:aa:bb:cc:dd:ee:ff"}, m.ClientRules())
	require.NoError(t, m.DeleteClientDrop(ctx, mac, ip))
	assert.Empty(t, m.ClientRules())
	assert.ErrorIs(t, m.DeleteClientDrop(ctx, mac, ip), ErrRuleNotFound)
	assert.Zero(t, m.Len())

	assert.ErrorIs(t, m.InsertClientDrop(ctx, nil, ip), ErrInvalidClient)
}
