package ingress

import (
	"encoding/binary"
	"errors"
	"net"
	"time"
)

const (
	sniPeekLimit   = 8192
	sniPeekTimeout = 200 * time.Millisecond

	tlsHandshakeContentType = 0x16
	tlsExtensionServerName  = 0x0000
)

// SniResult is the outcome of peeking a connection's opening bytes for a
// TLS ClientHello's server_name extension (spec.md §4.8.2).
type SniResult struct {
	Status   SniStatus
	Hostname string
	Peeked   []byte // raw bytes read off the wire, to be replayed to the backend
}

type SniStatus string

const (
	SniFound    SniStatus = "found"
	SniNoSni    SniStatus = "no_sni"
	SniNotTLS   SniStatus = "not_tls"
	SniTimeout  SniStatus = "timeout"
	SniMalformed SniStatus = "malformed"
	SniIOError  SniStatus = "io_error"
)

// PeekSNI reads up to sniPeekLimit bytes under sniPeekTimeout, parsing
// just enough of a TLS record + ClientHello to extract server_name. A
// malformed handshake is reported, never panicked on; the caller decides
// whether to drop the connection.
func PeekSNI(conn net.Conn) SniResult {
	_ = conn.SetReadDeadline(time.Now().Add(sniPeekTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, sniPeekLimit)
	n, err := readAtLeastTLSRecord(conn, buf)
	if n == 0 && err != nil {
		if isTimeout(err) {
			return SniResult{Status: SniTimeout}
		}
		return SniResult{Status: SniIOError}
	}
	peeked := buf[:n]

	if n < 5 || peeked[0] != tlsHandshakeContentType {
		return SniResult{Status: SniNotTLS, Peeked: peeked}
	}
	version := binary.BigEndian.Uint16(peeked[1:3])
	if version < 0x0300 || version > 0x0303 {
		return SniResult{Status: SniNotTLS, Peeked: peeked}
	}

	hostname, status := parseClientHelloSNI(peeked)
	return SniResult{Status: status, Hostname: hostname, Peeked: peeked}
}

// readAtLeastTLSRecord reads until it has the record header plus the
// declared record length, or hits the peek limit / deadline.
func readAtLeastTLSRecord(conn net.Conn, buf []byte) (int, error) {
	n, err := conn.Read(buf)
	if err != nil {
		return n, err
	}
	if n < 5 {
		return n, nil
	}
	recordLen := int(binary.BigEndian.Uint16(buf[3:5]))
	want := 5 + recordLen
	if want > len(buf) {
		want = len(buf)
	}
	for n < want {
		m, err := conn.Read(buf[n:want])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseClientHelloSNI walks a single TLS record believed to hold a
// ClientHello handshake message, returning the server_name extension's
// hostname if present.
func parseClientHelloSNI(record []byte) (string, SniStatus) {
	if len(record) < 5 {
		return "", SniMalformed
	}
	recordLen := int(binary.BigEndian.Uint16(record[3:5]))
	if 5+recordLen > len(record) {
		return "", SniMalformed
	}
	body := record[5 : 5+recordLen]

	if len(body) < 4 || body[0] != 0x01 { // handshake type 1 = client_hello
		return "", SniMalformed
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if 4+hsLen > len(body) {
		return "", SniMalformed
	}
	hello := body[4 : 4+hsLen]

	// client_version(2) + random(32)
	pos := 34
	if pos+1 > len(hello) {
		return "", SniMalformed
	}
	sessionIDLen := int(hello[pos])
	pos += 1 + sessionIDLen
	if pos+2 > len(hello) {
		return "", SniMalformed
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(hello[pos : pos+2]))
	pos += 2 + cipherSuitesLen
	if pos+1 > len(hello) {
		return "", SniMalformed
	}
	compressionLen := int(hello[pos])
	pos += 1 + compressionLen
	if pos+2 > len(hello) {
		return "", SniNoSni
	}
	extsLen := int(binary.BigEndian.Uint16(hello[pos : pos+2]))
	pos += 2
	if pos+extsLen > len(hello) {
		return "", SniMalformed
	}
	exts := hello[pos : pos+extsLen]

	for len(exts) >= 4 {
		extType := binary.BigEndian.Uint16(exts[0:2])
		extLen := int(binary.BigEndian.Uint16(exts[2:4]))
		if 4+extLen > len(exts) {
			return "", SniMalformed
		}
		extBody := exts[4 : 4+extLen]
		if extType == tlsExtensionServerName {
			name, ok := parseServerNameExtension(extBody)
			if !ok {
				return "", SniMalformed
			}
			if name == "" {
				return "", SniNoSni
			}
			return name, SniFound
		}
		exts = exts[4+extLen:]
	}
	return "", SniNoSni
}

func parseServerNameExtension(body []byte) (string, bool) {
	if len(body) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(body[0:2]))
	if 2+listLen > len(body) {
		return "", false
	}
	list := body[2 : 2+listLen]
	for len(list) >= 3 {
		nameType := list[0]
		nameLen := int(binary.BigEndian.Uint16(list[1:3]))
		if 3+nameLen > len(list) {
			return "", false
		}
		name := list[3 : 3+nameLen]
		if nameType == 0x00 { // host_name
			return string(name), true
		}
		list = list[3+nameLen:]
	}
	return "", true
}
