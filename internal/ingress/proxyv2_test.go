package ingress

import (
	"encoding/binary"
	"net"
	"testing"
)

func TestEncodeProxyV2IPv4Addresses(t *testing.T) {
	client := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51234}
	local := &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 443}

	header, err := EncodeProxyV2(client, local)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(header) != 16+4+4+2+2 {
		t.Fatalf("unexpected header length %d", len(header))
	}
	for i, b := range proxyV2Signature {
		if header[i] != b {
			t.Fatalf("signature mismatch at byte %d", i)
		}
	}
	if header[12] != proxyV2VersionCmd {
		t.Fatalf("expected version/cmd byte 0x21, got 0x%x", header[12])
	}
	if header[13] != proxyV2FamilyTCP4 {
		t.Fatalf("expected TCP4 family, got 0x%x", header[13])
	}
	addrLen := binary.BigEndian.Uint16(header[14:16])
	if addrLen != 12 {
		t.Fatalf("expected addr block len 12 for v4, got %d", addrLen)
	}

	srcIP := net.IP(header[16:20])
	dstIP := net.IP(header[20:24])
	if !srcIP.Equal(client.IP) {
		t.Fatalf("src ip mismatch: got %s want %s", srcIP, client.IP)
	}
	if !dstIP.Equal(local.IP) {
		t.Fatalf("dst ip mismatch: got %s want %s", dstIP, local.IP)
	}
	srcPort := binary.BigEndian.Uint16(header[24:26])
	dstPort := binary.BigEndian.Uint16(header[26:28])
	if srcPort != 51234 || dstPort != 443 {
		t.Fatalf("port mismatch: src=%d dst=%d", srcPort, dstPort)
	}
}

func TestEncodeProxyV2PromotesToIPv6WhenEitherSideIsV6(t *testing.T) {
	client := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1000}
	local := &net.TCPAddr{IP: net.ParseIP("fd00::1"), Port: 8080}

	header, err := EncodeProxyV2(client, local)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if header[13] != proxyV2FamilyTCP6 {
		t.Fatalf("expected TCP6 family when one side is v6, got 0x%x", header[13])
	}
	addrLen := binary.BigEndian.Uint16(header[14:16])
	if addrLen != 36 {
		t.Fatalf("expected addr block len 36 for v6, got %d", addrLen)
	}

	srcIP := net.IP(header[16:32])
	if !srcIP.Equal(client.IP.To16()) && !srcIP.Equal(client.IP) {
		t.Fatalf("expected v4-mapped src ip to round-trip, got %s", srcIP)
	}
}

func TestEncodeProxyV2RejectsNonTCPAddrWithoutAnIP(t *testing.T) {
	if _, err := EncodeProxyV2(fakeAddr{"not-an-ip"}, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}); err == nil {
		t.Fatalf("expected an error for an unparseable source address")
	}
}

type fakeAddr struct{ s string }

func (f fakeAddr) Network() string { return "tcp" }
func (f fakeAddr) String() string  { return f.s }
