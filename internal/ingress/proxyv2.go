package ingress

import (
	"encoding/binary"
	"fmt"
	"net"
)

// proxyV2Signature is the fixed 12-byte PROXY protocol v2 preamble
// (spec.md §4.8.5: "the 12-byte signature is fixed").
var proxyV2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	proxyV2VersionCmd = 0x21 // version 2, command PROXY
	proxyV2FamilyTCP4 = 0x11
	proxyV2FamilyTCP6 = 0x21
)

// EncodeProxyV2 builds a PROXY protocol v2 header carrying the real client
// address and the edge listener's local address. IPv4 sources/destinations
// are mapped into the IPv6 family when either endpoint is IPv6, since the
// overlay fabric is IPv6-first (spec.md §4.8.5).
func EncodeProxyV2(clientAddr, localAddr net.Addr) ([]byte, error) {
	srcIP, srcPort, err := splitHostPort(clientAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy v2 source address: %w", err)
	}
	dstIP, dstPort, err := splitHostPort(localAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy v2 destination address: %w", err)
	}

	useV6 := srcIP.To4() == nil || dstIP.To4() == nil
	var family byte
	var addrLen int
	var src, dst []byte
	if useV6 {
		family = proxyV2FamilyTCP6
		addrLen = 16
		src = to16(srcIP)
		dst = to16(dstIP)
	} else {
		family = proxyV2FamilyTCP4
		addrLen = 4
		src = srcIP.To4()
		dst = dstIP.To4()
	}

	addrBlockLen := addrLen*2 + 4 // src + dst + 2 ports
	header := make([]byte, 0, 16+addrBlockLen)
	header = append(header, proxyV2Signature[:]...)
	header = append(header, proxyV2VersionCmd, family)
	header = binary.BigEndian.AppendUint16(header, uint16(addrBlockLen))
	header = append(header, src...)
	header = append(header, dst...)
	header = binary.BigEndian.AppendUint16(header, uint16(srcPort))
	header = binary.BigEndian.AppendUint16(header, uint16(dstPort))
	return header, nil
}

func to16(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		mapped := make(net.IP, 16)
		copy(mapped[12:], v4)
		mapped[10], mapped[11] = 0xff, 0xff
		return mapped
	}
	return ip.To16()
}

func splitHostPort(addr net.Addr) (net.IP, int, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil, 0, err
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, 0, fmt.Errorf("not an IP: %s", host)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, 0, err
		}
		return ip, port, nil
	}
	return tcpAddr.IP, tcpAddr.Port, nil
}
