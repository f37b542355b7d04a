package classify

import (
	"net/netip"
	"strconv"
	"strings"
)

// Transport protocols.
const (
	ProtoTCP = "TCP"
	ProtoUDP = "UDP"
)

// Header is the parsed first line of a capture group.
type Header struct {
	SrcIP    netip.Addr
	SrcPort  uint16
	DstIP    netip.Addr
	DstPort  uint16
	Protocol string
}

// ParseHeader parses a capture header line such as
//
//	12:00:00.000001 IP 192.168.1.5.51000 > 8.8.8.8.53: 1+ A? example.com. (29)
//
// Token 2 is the source and token 4 the destination, each "address.port".
func ParseHeader(line string) (Header, bool) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return Header{}, false
	}
	srcIP, srcPort, ok := splitAddrPort(parts[2])
	if !ok {
		return Header{}, false
	}
	dstIP, dstPort, ok := splitAddrPort(strings.TrimSuffix(parts[4], ":"))
	if !ok {
		return Header{}, false
	}
	proto := ProtoTCP
	if strings.Contains(line, ProtoUDP) {
		proto = ProtoUDP
	}
	return Header{
		SrcIP:    srcIP,
		SrcPort:  srcPort,
		DstIP:    dstIP,
		DstPort:  dstPort,
		Protocol: proto,
	}, true
}

// splitAddrPort splits "a.b.c.d.port" on the last dot.
func splitAddrPort(s string) (netip.Addr, uint16, bool) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return netip.Addr{}, 0, false
	}
	addr, err := netip.ParseAddr(s[:i])
	if err != nil {
		return netip.Addr{}, 0, false
	}
	port, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil {
		return netip.Addr{}, 0, false
	}
	return addr, uint16(port), true
}
