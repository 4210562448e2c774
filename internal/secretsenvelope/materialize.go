package secretsenvelope

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagentgrpc"
)

const fetchTimeout = 10 * time.Second

// baseDir mirrors the teacher's SecretsBasePath convention of keeping
// guest-visible secret material under a dedicated runtime directory
// rather than alongside other agent state.
const baseDir = "/run/plfm-secrets"

// secretMaterialClient is the one RPC Materializer needs off
// *nodeagentgrpc.Client, narrowed so tests can fake the control-plane
// round trip without a live gRPC server.
type secretMaterialClient interface {
	GetSecretMaterial(ctx context.Context, req *nodeagentgrpc.GetSecretMaterialRequest) (*nodeagentgrpc.GetSecretMaterialResponse, error)
}

// Materializer resolves a secret bundle version against the control
// plane's GetSecretMaterial RPC and writes it to a local per-version
// file, implementing nodeagent.SecretMaterializer. It caches by version
// id so a poll cycle that sees the same version twice (the common case —
// secrets rotate far less often than the plan is polled) doesn't refetch.
type Materializer struct {
	client secretMaterialClient
	nodeID string
	dir    string

	mu     sync.Mutex
	cached map[string]string // versionID -> file path already written
}

func NewMaterializer(client *nodeagentgrpc.Client, nodeID string) *Materializer {
	return &Materializer{client: client, nodeID: nodeID, dir: baseDir, cached: map[string]string{}}
}

// Materialize returns the local path to versionID's rendered
// platform.env, fetching and writing it on first use.
func (m *Materializer) Materialize(ctx context.Context, versionID string) (string, error) {
	m.mu.Lock()
	if path, ok := m.cached[versionID]; ok {
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	resp, err := m.client.GetSecretMaterial(callCtx, &nodeagentgrpc.GetSecretMaterialRequest{
		NodeID: m.nodeID, VersionID: versionID,
	})
	if err != nil {
		return "", fmt.Errorf("fetch secret material %s: %w", versionID, err)
	}

	bundle, err := FromMap(resp.Values)
	if err != nil {
		return "", fmt.Errorf("build secret bundle %s: %w", versionID, err)
	}

	path := filepath.Join(m.dir, versionID, "platform.env")
	if err := bundle.WriteFile(path); err != nil {
		return "", fmt.Errorf("write secret bundle %s: %w", versionID, err)
	}

	m.mu.Lock()
	m.cached[versionID] = path
	m.mu.Unlock()
	return path, nil
}

// SetNodeID updates the node id used in GetSecretMaterial requests, for
// callers that must construct a Materializer before enrollment assigns
// this node its id.
func (m *Materializer) SetNodeID(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeID = nodeID
}

// Evict drops a version from the cache and forgets its path, used when a
// bundle is rotated out and its file should no longer be trusted to be
// current (the file itself is cleaned up by the caller once no instance
// references the version anymore).
func (m *Materializer) Evict(versionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cached, versionID)
}
