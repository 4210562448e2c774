package ingress

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// buildClientHelloRecord assembles a minimal TLS 1.2 handshake record
// containing a ClientHello with (optionally) a server_name extension, by
// hand, the same level spec.md's byte-level walk expects PeekSNI to parse.
func buildClientHelloRecord(t *testing.T, hostname string) []byte {
	t.Helper()

	var hello []byte
	hello = append(hello, 0x03, 0x03)               // client_version: TLS 1.2
	hello = append(hello, make([]byte, 32)...)       // random
	hello = append(hello, 0x00)                      // session_id len 0
	hello = append(hello, 0x00, 0x02, 0x00, 0x2f)     // 1 cipher suite
	hello = append(hello, 0x01, 0x00)                 // 1 compression method, null

	var exts []byte
	if hostname != "" {
		var nameList []byte
		nameList = append(nameList, 0x00) // name_type host_name
		nameList = append(nameList, byte(len(hostname)>>8), byte(len(hostname)))
		nameList = append(nameList, []byte(hostname)...)

		var sniExtBody []byte
		sniExtBody = append(sniExtBody, byte(len(nameList)>>8), byte(len(nameList)))
		sniExtBody = append(sniExtBody, nameList...)

		exts = append(exts, 0x00, 0x00) // extension type server_name
		exts = append(exts, byte(len(sniExtBody)>>8), byte(len(sniExtBody)))
		exts = append(exts, sniExtBody...)
	}
	hello = append(hello, byte(len(exts)>>8), byte(len(exts)))
	hello = append(hello, exts...)

	var handshake []byte
	handshake = append(handshake, 0x01) // handshake type client_hello
	handshake = append(handshake, byte(len(hello)>>16), byte(len(hello)>>8), byte(len(hello)))
	handshake = append(handshake, hello...)

	record := make([]byte, 5, 5+len(handshake))
	record[0] = tlsHandshakeContentType
	binary.BigEndian.PutUint16(record[1:3], 0x0303)
	binary.BigEndian.PutUint16(record[3:5], uint16(len(handshake)))
	record = append(record, handshake...)
	return record
}

func TestPeekSNIFindsServerName(t *testing.T) {
	record := buildClientHelloRecord(t, "example.com")
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan SniResult, 1)
	go func() { done <- PeekSNI(server) }()

	if _, err := client.Write(record); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-done:
		if res.Status != SniFound || res.Hostname != "example.com" {
			t.Fatalf("expected found/example.com, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeekSNI")
	}
}

func TestPeekSNINoSniWhenExtensionAbsent(t *testing.T) {
	record := buildClientHelloRecord(t, "")
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan SniResult, 1)
	go func() { done <- PeekSNI(server) }()

	if _, err := client.Write(record); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-done:
		if res.Status != SniNoSni {
			t.Fatalf("expected no_sni, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeekSNI")
	}
}

func TestPeekSNINotTLSForPlainBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan SniResult, 1)
	go func() { done <- PeekSNI(server) }()

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-done:
		if res.Status != SniNotTLS {
			t.Fatalf("expected not_tls, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeekSNI")
	}
}

func TestPeekSNITimeoutOnNoBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	res := PeekSNI(server)
	_ = client
	if res.Status != SniTimeout && res.Status != SniIOError {
		t.Fatalf("expected timeout or io_error on a silent peer, got %+v", res)
	}
}

func TestPeekSNIMalformedOnTruncatedHandshake(t *testing.T) {
	// a TLS record header claiming far more handshake bytes than follow
	record := []byte{tlsHandshakeContentType, 0x03, 0x03, 0x00, 0x40, 0x01, 0x00, 0x00, 0x01}
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan SniResult, 1)
	go func() { done <- PeekSNI(server) }()

	if _, err := client.Write(record); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-done:
		if res.Status != SniMalformed && res.Status != SniTimeout {
			t.Fatalf("expected malformed (or a read timeout while short-read blocks), got %+v", res)
		}
	case <-time.After(500 * time.Millisecond):
		// readAtLeastTLSRecord legitimately blocks waiting for the
		// declared (but never-sent) remaining record bytes until the
		// peek deadline fires; that is acceptable, just drain it.
		<-done
	}
}
