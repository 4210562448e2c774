package ingress

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// IdleTimeout bounds a spliced connection with no traffic in either
// direction, closing it rather than leaking a socket forever.
const IdleTimeout = 5 * time.Minute

const connectTimeout = 2 * time.Second

// Listener runs one edge TCP listen socket, routing each accepted
// connection through SNI inspection, backend selection, optional PROXY v2
// injection, and bidirectional splice. Grounded on the teacher's
// Proxy.Start (accept-loop-in-goroutine, context-driven shutdown) but at
// raw net.Conn granularity instead of net/http.
type Listener struct {
	Port    int
	Table   *RouteTable
	Pools   PoolLookup
	Logger  zerolog.Logger
	MaxConn int // per-listener concurrency cap (spec.md §4.8.7)

	sem chan struct{}
}

// PoolLookup resolves a route to its current backend pool; ingresssync
// owns the actual route_id → *Pool map.
type PoolLookup interface {
	PoolFor(routeID string) (*Pool, bool)
}

// Stats is what the splice reports back for metering (spec.md §4.8.6).
type Stats struct {
	BytesIn  int64
	BytesOut int64
}

func (l *Listener) Serve(ctx context.Context) error {
	if l.MaxConn <= 0 {
		l.MaxConn = 4096
	}
	l.sem = make(chan struct{}, l.MaxConn)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", l.Port, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Logger.Warn().Err(err).Int("port", l.Port).Msg("ingress accept error")
			time.Sleep(50 * time.Millisecond) // avoid a tight error loop
			continue
		}

		select {
		case l.sem <- struct{}{}:
			go func() {
				defer func() { <-l.sem }()
				l.handle(conn)
			}()
		default:
			conn.Close() // over concurrency limit: immediate close, spec.md §4.8.7
		}
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	hasTLSPassthroughRoute := l.portHasTLSPassthrough()
	var sni string
	var replay []byte
	if hasTLSPassthroughRoute {
		result := PeekSNI(conn)
		replay = result.Peeked
		switch result.Status {
		case SniFound:
			sni = result.Hostname
		case SniMalformed:
			l.Logger.Debug().Int("port", l.Port).Msg("malformed TLS handshake, dropping")
			return
		case SniTimeout, SniIOError:
			return
		// NoSni and NotTls fall through with sni == ""
		default:
		}
	}

	decision := l.Table.Resolve(l.Port, sni)
	if decision.Reason != Matched {
		l.Logger.Debug().Int("port", l.Port).Str("reason", string(decision.Reason)).Msg("ingress route miss")
		return
	}
	route := decision.Route

	pool, ok := l.Pools.PoolFor(route.RouteID)
	if !ok {
		return
	}
	backend, err := pool.Select()
	if err != nil {
		l.Logger.Warn().Str("route_id", route.RouteID).Msg("no eligible backend")
		return
	}

	upstream, err := net.DialTimeout("tcp", fmt.Sprintf("[%s]:%d", backend.OverlayIPv6, backend.Port), connectTimeout)
	if err != nil {
		backend.MarkUnhealthy()
		l.Logger.Warn().Str("instance_id", backend.InstanceID).Err(err).Msg("backend connect failed")
		return
	}
	backend.MarkHealthy()
	defer upstream.Close()

	if route.ProxyProtocol == ProxyProtocolV2 {
		header, err := EncodeProxyV2(conn.RemoteAddr(), conn.LocalAddr())
		if err != nil {
			l.Logger.Warn().Err(err).Msg("encode proxy v2 header")
			return
		}
		if _, err := upstream.Write(header); err != nil {
			return
		}
	}
	if len(replay) > 0 {
		if _, err := upstream.Write(replay); err != nil {
			return
		}
	}

	splice(conn, upstream)
}

func (l *Listener) portHasTLSPassthrough() bool {
	decision := l.Table.Resolve(l.Port, "")
	if decision.Route != nil {
		return decision.Route.ProtocolHint == ProtocolTLSPassthrough
	}
	// Ambiguous/no-match at the SNI-absent path doesn't tell us whether any
	// bound route wants TLS sniffing; conservatively sniff whenever more
	// than one route shares the port, since the decision will need SNI.
	// A port whose only route is TLS passthrough without non-TLS fallback
	// resolves to NonTLSRejected here, and needs SNI just the same.
	return decision.Reason == Ambiguous || decision.Reason == NonTLSRejected
}

// splice copies bytes bidirectionally until both directions finish or the
// idle timeout fires. Errors in one direction never cancel the other's
// in-flight copy (spec.md §4.8.6).
func splice(a, b net.Conn) Stats {
	var stats Stats
	done := make(chan struct{}, 2)

	go func() {
		stats.BytesIn = copyWithIdleTimeout(b, a)
		done <- struct{}{}
	}()
	go func() {
		stats.BytesOut = copyWithIdleTimeout(a, b)
		done <- struct{}{}
	}()
	<-done
	<-done
	return stats
}

func copyWithIdleTimeout(dst, src net.Conn) int64 {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		src.SetReadDeadline(time.Now().Add(IdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total
			}
			total += int64(n)
		}
		if err != nil {
			return total
		}
	}
}
