package nodeagentgrpc

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

// asIncoming mirrors what the real transport does: WithNodeID attaches
// x-node-id to an outgoing (client-side) context, and the server reads it
// back off the incoming side after the RPC crosses the wire.
func asIncoming(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return ctx
	}
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestWithNodeIDAndNodeIDFromContextRoundTrip(t *testing.T) {
	ctx := asIncoming(WithNodeID(context.Background(), "node-123"))
	id, ok := NodeIDFromContext(ctx)
	if !ok || id != "node-123" {
		t.Fatalf("expected node-123, got %q ok=%v", id, ok)
	}
}

func TestNodeIDFromContextMissingMetadata(t *testing.T) {
	if _, ok := NodeIDFromContext(context.Background()); ok {
		t.Fatal("expected no node id on a context with no incoming metadata at all")
	}
}

func TestNodeIDFromContextIncomingButNoKey(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.MD{"other-key": []string{"v"}})
	if _, ok := NodeIDFromContext(ctx); ok {
		t.Fatal("expected no node id when x-node-id is absent from incoming metadata")
	}
}
