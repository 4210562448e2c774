package ingress

import "testing"

func TestRouteTableResolveMatchesBySNI(t *testing.T) {
	rt := NewRouteTable()
	rt.Replace([]*Route{
		{RouteID: "r1", Hostname: "Example.com.", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough},
		{RouteID: "r2", Hostname: "other.com", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough},
	})

	d := rt.Resolve(443, "example.com")
	if d.Reason != Matched || d.Route == nil || d.Route.RouteID != "r1" {
		t.Fatalf("expected matched r1, got %+v", d)
	}
}

func TestRouteTableResolveNoMatchOnUnknownSNI(t *testing.T) {
	rt := NewRouteTable()
	rt.Replace([]*Route{{RouteID: "r1", Hostname: "example.com", ListenPort: 443}})

	d := rt.Resolve(443, "nope.com")
	if d.Reason != NoMatch || d.Route != nil {
		t.Fatalf("expected no_match, got %+v", d)
	}
}

func TestRouteTableResolveSingleRouteNonTLSFallback(t *testing.T) {
	rt := NewRouteTable()
	rt.Replace([]*Route{{
		RouteID: "r1", ListenPort: 80, ProtocolHint: ProtocolTCPRaw, AllowNonTLSFallback: true,
	}})

	d := rt.Resolve(80, "")
	if d.Reason != Matched || d.Route == nil || d.Route.RouteID != "r1" {
		t.Fatalf("expected matched r1 on no-SNI fallback, got %+v", d)
	}
}

func TestRouteTableResolveSingleTLSPassthroughRejectsNonTLS(t *testing.T) {
	rt := NewRouteTable()
	rt.Replace([]*Route{{
		RouteID: "r1", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough, AllowNonTLSFallback: false,
	}})

	d := rt.Resolve(443, "")
	if d.Reason != NonTLSRejected {
		t.Fatalf("expected non_tls_rejected, got %+v", d)
	}
}

func TestRouteTableResolveAmbiguousWithMultipleRoutesNoSNI(t *testing.T) {
	rt := NewRouteTable()
	rt.Replace([]*Route{
		{RouteID: "r1", Hostname: "a.com", ListenPort: 443},
		{RouteID: "r2", Hostname: "b.com", ListenPort: 443},
	})

	d := rt.Resolve(443, "")
	if d.Reason != Ambiguous {
		t.Fatalf("expected ambiguous, got %+v", d)
	}
}

func TestRouteTableResolveNoMatchOnUnknownPort(t *testing.T) {
	rt := NewRouteTable()
	rt.Replace([]*Route{{RouteID: "r1", Hostname: "a.com", ListenPort: 443}})

	d := rt.Resolve(9999, "")
	if d.Reason != NoMatch {
		t.Fatalf("expected no_match for unconfigured port, got %+v", d)
	}
}

func TestRouteTableReplaceSwapsAtomically(t *testing.T) {
	rt := NewRouteTable()
	rt.Replace([]*Route{{RouteID: "r1", Hostname: "a.com", ListenPort: 443}})
	if d := rt.Resolve(443, "a.com"); d.Reason != Matched {
		t.Fatalf("expected initial route to match")
	}

	rt.Replace([]*Route{{RouteID: "r2", Hostname: "b.com", ListenPort: 443}})
	if d := rt.Resolve(443, "a.com"); d.Reason != NoMatch {
		t.Fatalf("expected old route gone after replace")
	}
	if d := rt.Resolve(443, "b.com"); d.Reason != Matched || d.Route.RouteID != "r2" {
		t.Fatalf("expected new route to match, got %+v", d)
	}
}

func TestNormalizeHostname(t *testing.T) {
	cases := map[string]string{
		"Example.com.": "example.com",
		"  FOO.BAR  ":  "foo.bar",
		"bare":         "bare",
	}
	for in, want := range cases {
		if got := NormalizeHostname(in); got != want {
			t.Errorf("NormalizeHostname(%q) = %q, want %q", in, got, want)
		}
	}
}
