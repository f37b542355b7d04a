//go:build !linux

package device

import (
	"errors"
	"fmt"
)

// ListNeighbors is only available on Linux.
func ListNeighbors(iface string) ([]Neighbor, error) {
	return nil, fmt.Errorf("neighbor table for %s: %w", iface, errors.ErrUnsupported)
}
