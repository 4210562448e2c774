package nodeagentgrpc

import (
	"testing"

	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &EnrollRequest{WireGuardPublicKey: "pubkey", Arch: "amd64", AllocatableCPU: 2}

	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out EnrollRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.WireGuardPublicKey != req.WireGuardPublicKey || out.Arch != req.Arch || out.AllocatableCPU != req.AllocatableCPU {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, req)
	}
}

func TestJSONCodecRegisteredUnderExpectedName(t *testing.T) {
	if got := (jsonCodec{}).Name(); got != "plfm-json" {
		t.Fatalf("expected codec name plfm-json, got %s", got)
	}
	if c := encoding.GetCodec(codecName); c == nil {
		t.Fatalf("expected codec %q to be registered via init()", codecName)
	}
}

func TestJSONCodecUnmarshalErrorWraps(t *testing.T) {
	var out EnrollRequest
	if err := (jsonCodec{}).Unmarshal([]byte("not json"), &out); err == nil {
		t.Fatal("expected an error unmarshaling invalid JSON")
	}
}
