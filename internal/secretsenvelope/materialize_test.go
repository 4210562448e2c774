package secretsenvelope

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagentgrpc"
)

type fakeSecretClient struct {
	calls int
	resp  *nodeagentgrpc.GetSecretMaterialResponse
	err   error
}

func (f *fakeSecretClient) GetSecretMaterial(ctx context.Context, req *nodeagentgrpc.GetSecretMaterialRequest) (*nodeagentgrpc.GetSecretMaterialResponse, error) {
	f.calls++
	return f.resp, f.err
}

func TestMaterializeWritesEnvelopeAndCaches(t *testing.T) {
	client := &fakeSecretClient{resp: &nodeagentgrpc.GetSecretMaterialResponse{
		Values: map[string]string{"DATABASE_URL": "postgres://x"},
	}}
	m := &Materializer{client: client, nodeID: "node_1", dir: t.TempDir(), cached: map[string]string{}}

	path, err := m.Materialize(context.Background(), "sv_1")
	require.NoError(t, err)
	require.Equal(t, 1, client.calls)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "DATABASE_URL=postgres://x")
	require.Equal(t, filepath.Join(m.dir, "sv_1", "platform.env"), path)

	// Second call for the same version hits the cache, not the RPC.
	path2, err := m.Materialize(context.Background(), "sv_1")
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.Equal(t, 1, client.calls)
}

func TestMaterializeEvictForcesRefetch(t *testing.T) {
	client := &fakeSecretClient{resp: &nodeagentgrpc.GetSecretMaterialResponse{
		Values: map[string]string{"KEY": "v"},
	}}
	m := &Materializer{client: client, nodeID: "node_1", dir: t.TempDir(), cached: map[string]string{}}

	_, err := m.Materialize(context.Background(), "sv_1")
	require.NoError(t, err)
	m.Evict("sv_1")

	_, err = m.Materialize(context.Background(), "sv_1")
	require.NoError(t, err)
	require.Equal(t, 2, client.calls)
}
