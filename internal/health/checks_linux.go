//go:build linux

package health

import (
	"net"

	"github.com/vishvananda/netlink"
)

func linkUp(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false, err
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}
