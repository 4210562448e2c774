// Package nodeagentgrpc is the gRPC transport between a node agent and the
// control plane (spec.md §6 gRPC NodeAgent service): GetPlan, report
// instance status, and stream workload logs. The retrieval pack has no
// compiled .proto stub package for this service, so the wire messages are
// hand-written Go structs carried over a JSON grpc/encoding.Codec instead
// of generated protobuf — grpc-go's codec is pluggable exactly for this
// case. Grounded on the teacher's pkg/api/server.go for the service's
// method shapes (RegisterNode-style request/response pairs, streaming for
// logs), adapted from generated proto.RegisterNodeRequest structs to
// plain JSON-tagged structs.
package nodeagentgrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "plfm-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec over encoding/json, standing in for
// the protobuf wire codec grpc-go expects by default.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("nodeagentgrpc: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("nodeagentgrpc: unmarshal into %T: %w", v, err)
	}
	return nil
}
