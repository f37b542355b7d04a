//go:build !linux

package firewall

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"grimm.is/apwatch/internal/logging"
)

// ErrNFTablesUnsupported is returned on platforms without nftables.
var ErrNFTablesUnsupported = errors.New("nftables backend requires linux")

// NFTablesOptions configures an NFTables filter.
type NFTablesOptions struct {
	Table  string
	Logger *logging.Logger
}

// NFTables is unavailable on this platform.
type NFTables struct{}

// NewNFTables always fails on this platform.
func NewNFTables(opts NFTablesOptions) (*NFTables, error) {
	return nil, ErrNFTablesUnsupported
}

func (f *NFTables) InsertDrop(ctx context.Context, dst string) error {
	return ErrNFTablesUnsupported
}

func (f *NFTables) DeleteDrop(ctx context.Context, dst string) error {
	return ErrNFTablesUnsupported
}

func (f *NFTables) InsertClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	return ErrNFTablesUnsupported
}

func (f *NFTables) DeleteClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	return ErrNFTablesUnsupported
}
