// Package ingress is the L4 TCP edge (C8): a raw-socket-level proxy that
// inspects TLS ClientHello SNI without terminating TLS, routes by
// (listen_port, hostname), injects PROXY protocol v2 headers, and splices
// bytes bidirectionally. Grounded on the teacher's pkg/ingress
// Proxy/Router/LoadBalancer shape for lifecycle (Start/Stop, atomic
// reload-and-swap) but rewritten from an L7 http.Handler reverse proxy to
// an L4 net.Conn splicer, since spec.md §4.8 routes TCP bytes, never HTTP
// requests, and must work for non-HTTP TLS traffic too.
package ingress

import (
	"strings"
	"sync/atomic"
)

// Route is the ingress's own shape of domain.RouteView, trimmed to what
// the data plane needs to make a forwarding decision (no timestamps, no
// org/app bookkeeping — that stays in the control-plane read model).
type Route struct {
	RouteID             string
	Hostname            string // normalized; "" means "the only route on this port"
	ListenPort           int
	ProtocolHint         ProtocolHint
	ProxyProtocol        ProxyProtocolMode
	AllowNonTLSFallback  bool
}

type ProtocolHint string

const (
	ProtocolTLSPassthrough ProtocolHint = "tls_passthrough"
	ProtocolTCPRaw         ProtocolHint = "tcp_raw"
)

type ProxyProtocolMode string

const (
	ProxyProtocolOff ProxyProtocolMode = "off"
	ProxyProtocolV2  ProxyProtocolMode = "v2"
)

// routeKey is the by_key index's key: (port, normalized hostname).
type routeKey struct {
	port     int
	hostname string
}

// table is the immutable snapshot readers see; a new one is built and
// swapped in on every route-set change, never mutated in place.
type table struct {
	byKey  map[routeKey]*Route
	byPort map[int][]*Route
}

// RouteTable is the atomically-swapped route index spec.md §4.8.1
// describes: "a single atomic pointer swap replaces the entire table...
// readers on the hot path take a snapshot under no lock."
type RouteTable struct {
	current atomic.Pointer[table]
}

func NewRouteTable() *RouteTable {
	rt := &RouteTable{}
	rt.current.Store(&table{byKey: map[routeKey]*Route{}, byPort: map[int][]*Route{}})
	return rt
}

// Replace rebuilds the table from scratch and swaps it in atomically.
func (rt *RouteTable) Replace(routes []*Route) {
	next := &table{
		byKey:  make(map[routeKey]*Route, len(routes)),
		byPort: make(map[int][]*Route),
	}
	for _, r := range routes {
		r.Hostname = NormalizeHostname(r.Hostname)
		next.byKey[routeKey{r.ListenPort, r.Hostname}] = r
		next.byPort[r.ListenPort] = append(next.byPort[r.ListenPort], r)
	}
	rt.current.Store(next)
}

// Decision is the routing-decision outcome spec.md §4.8.3 enumerates.
type Decision struct {
	Route  *Route
	Reason DecisionReason
}

type DecisionReason string

const (
	Matched        DecisionReason = "matched"
	NoMatch        DecisionReason = "no_match"
	Ambiguous      DecisionReason = "ambiguous"
	NonTLSRejected DecisionReason = "non_tls_rejected"
)

// Resolve implements spec.md §4.8.3's decision table. sni is "" when no
// SNI was present (non-TLS or SNI-absent handshake).
func (rt *RouteTable) Resolve(port int, sni string) Decision {
	t := rt.current.Load()
	if sni != "" {
		sni = NormalizeHostname(sni)
		if r, ok := t.byKey[routeKey{port, sni}]; ok {
			return Decision{Route: r, Reason: Matched}
		}
		return Decision{Reason: NoMatch}
	}

	routes := t.byPort[port]
	switch len(routes) {
	case 0:
		return Decision{Reason: NoMatch}
	case 1:
		r := routes[0]
		if r.ProtocolHint == ProtocolTLSPassthrough && !r.AllowNonTLSFallback {
			return Decision{Reason: NonTLSRejected}
		}
		return Decision{Route: r, Reason: Matched}
	default:
		return Decision{Reason: Ambiguous}
	}
}

// NormalizeHostname lowercases and strips a trailing dot, so "Example.com."
// and "example.com" key identically.
func NormalizeHostname(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimSuffix(h, ".")
}
