//go:build !linux

package health

import "net"

func linkUp(name string) (bool, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false, err
	}
	return iface.Flags&net.FlagUp != 0, nil
}
