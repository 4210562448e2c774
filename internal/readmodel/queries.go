package readmodel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeplan"
	"github.com/rexbrahh/plfm-vt-sub000/internal/projection"
	"github.com/rexbrahh/plfm-vt-sub000/internal/scheduler"
)

// Store is the query side of the read model; pass its pointer wherever a
// package declares its own narrow ReadModel interface (scheduler,
// nodeplan, ingresssync) and wherever internal/httpapi needs a GET.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// RegisterHandlers wires every handler in Handlers() into a
// projection.Engine; call once per process before engine.Start().
func RegisterHandlers(engine *projection.Engine) {
	for _, h := range Handlers() {
		engine.Register(h)
	}
}

// --- scheduler.ReadModel ---

func (s *Store) ListGroups(ctx context.Context) ([]scheduler.Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.org_id, e.app_id, e.env_id, e.desired_release_id, e.desired_replicas,
			e.secrets_version_id, e.volume_mount_digest
		FROM envs e
		WHERE NOT e.is_deleted AND e.desired_release_id <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []scheduler.Group
	for rows.Next() {
		var g scheduler.Group
		if err := rows.Scan(&g.OrgID, &g.AppID, &g.EnvID, &g.DesiredReleaseID, &g.DesiredReplicas,
			&g.SecretsVersionID, &g.VolumeMountDigest); err != nil {
			return nil, err
		}
		g.ProcessType = DefaultProcessType
		g.Resources = domain.ResourcesSnapshot{CPUCores: defaultCPUCores, MemoryBytes: defaultMemoryBytes}
		hasVolume, err := s.envHasVolume(ctx, g.EnvID)
		if err != nil {
			return nil, err
		}
		g.HasVolume = hasVolume
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) envHasVolume(ctx context.Context, envID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM volume_attachments WHERE env_id=$1`, envID).Scan(&n)
	return n > 0, err
}

func (s *Store) ListGroupInstances(ctx context.Context, orgID, appID, envID, processType string) ([]domain.InstanceView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, org_id, app_id, env_id, process_type, node_id, desired_state, status,
			release_id, secrets_version_id, overlay_ipv6, cpu_cores, memory_bytes, spec_hash, generation,
			deploy_id, boot_id, exit_code, status_reason, resource_version, created_at, updated_at
		FROM instances WHERE org_id=$1 AND app_id=$2 AND env_id=$3 AND process_type=$4`,
		orgID, appID, envID, processType)
	if err != nil {
		return nil, fmt.Errorf("list group instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *Store) ListActiveNodes(ctx context.Context) ([]domain.NodeView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, state, wireguard_pubkey, overlay_ipv6, cpu_cores, memory_bytes,
			available_cpu_cores, available_memory_bytes, labels, resource_version, created_at, updated_at,
			(SELECT count(*) FROM instances i WHERE i.node_id = n.node_id AND i.desired_state <> 'stopped')
		FROM nodes n WHERE state=$1`, string(domain.NodeActive))
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.NodeView
	for rows.Next() {
		var n domain.NodeView
		var labels []byte
		if err := rows.Scan(&n.NodeID, &n.State, &n.WireGuardPubKey, &n.OverlayIPv6,
			&n.Allocatable.CPUCores, &n.Allocatable.MemoryBytes,
			&n.Allocatable.AvailableCPUCores, &n.Allocatable.AvailableMemoryBytes,
			&labels, &n.ResourceVersion, &n.CreatedAt, &n.UpdatedAt, &n.Allocatable.InstanceCount); err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			_ = json.Unmarshal(labels, &n.Labels)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- nodeplan.ReadModel ---

func (s *Store) ListNodeInstances(ctx context.Context, nodeID string) ([]domain.InstanceView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, org_id, app_id, env_id, process_type, node_id, desired_state, status,
			release_id, secrets_version_id, overlay_ipv6, cpu_cores, memory_bytes, spec_hash, generation,
			deploy_id, boot_id, exit_code, status_reason, resource_version, created_at, updated_at
		FROM instances WHERE node_id=$1 AND desired_state <> 'stopped'`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list node instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *Store) ListVolumeAttachments(ctx context.Context, envID, processType string) ([]nodeplan.Mount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.volume_id, a.target_path, a.read_only
		FROM volume_attachments a JOIN volumes v ON v.volume_id = a.volume_id
		WHERE a.env_id=$1 AND a.process_type=$2 AND NOT v.is_deleted`, envID, processType)
	if err != nil {
		return nil, fmt.Errorf("list volume attachments: %w", err)
	}
	defer rows.Close()

	var out []nodeplan.Mount
	for rows.Next() {
		var m nodeplan.Mount
		if err := rows.Scan(&m.VolumeID, &m.TargetPath, &m.ReadOnly); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// NodeArch is not tracked as a node attribute in this implementation (the
// enroll contract does carry arch, but the node plan builder only needs it
// to pick the right image variant, and this deployment targets a single
// architecture fleet) — always reports amd64. Grounded on the "homogeneous
// node pool" assumption spec.md's S7 scenario uses.
func (s *Store) NodeArch(ctx context.Context, nodeID string) (string, error) {
	return "amd64", nil
}

// --- ingresssync.InstanceReader ---

func (s *Store) ListReadyInstances(ctx context.Context, appID, envID, processType string) ([]domain.InstanceView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, org_id, app_id, env_id, process_type, node_id, desired_state, status,
			release_id, secrets_version_id, overlay_ipv6, cpu_cores, memory_bytes, spec_hash, generation,
			deploy_id, boot_id, exit_code, status_reason, resource_version, created_at, updated_at
		FROM instances WHERE app_id=$1 AND env_id=$2 AND process_type=$3 AND status=$4`,
		appID, envID, processType, string(domain.InstanceReady))
	if err != nil {
		return nil, fmt.Errorf("list ready instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// --- command.InstanceLocator / internal/exec ReadModel ---

func (s *Store) NodeForInstance(ctx context.Context, instanceID string) (string, error) {
	var nodeID string
	err := s.pool.QueryRow(ctx, `SELECT node_id FROM instances WHERE instance_id=$1`, instanceID).Scan(&nodeID)
	return nodeID, err
}

func (s *Store) NodeOverlayAddress(ctx context.Context, nodeID string) (string, error) {
	var addr string
	err := s.pool.QueryRow(ctx, `SELECT overlay_ipv6 FROM nodes WHERE node_id=$1`, nodeID).Scan(&addr)
	return addr, err
}

// ResolveImage implements nodeplan.ReleaseResolver. Every release carries
// a single image_digest today (this codebase does not yet publish
// separate per-arch manifests the way a multi-arch registry index would),
// so nodeArch is accepted for interface compatibility and to leave room
// for per-arch resolution without an interface change, but is not yet
// used to pick among alternatives.
func (s *Store) ResolveImage(ctx context.Context, releaseID, nodeArch string) (digest string, manifestHash string, command []string, err error) {
	var cmd []byte
	err = s.pool.QueryRow(ctx, `SELECT image_digest, manifest_hash, command FROM releases WHERE release_id=$1`, releaseID).
		Scan(&digest, &manifestHash, &cmd)
	if err != nil {
		return "", "", nil, err
	}
	if len(cmd) > 0 {
		_ = json.Unmarshal(cmd, &command)
	}
	return digest, manifestHash, command, nil
}

func (s *Store) GetExecSession(ctx context.Context, execSessionID string) (domain.ExecSessionView, error) {
	var v domain.ExecSessionView
	var cmd []byte
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT exec_session_id, org_id, instance_id, node_id, command, tty, status,
			connected_at, ended_at, exit_code, end_reason, resource_version, created_at
		FROM exec_sessions WHERE exec_session_id=$1`, execSessionID).
		Scan(&v.ExecSessionID, &v.OrgID, &v.InstanceID, &v.NodeID, &cmd, &v.TTY, &status,
			&v.ConnectedAt, &v.EndedAt, &v.ExitCode, &v.EndReason, &v.ResourceVersion, &v.CreatedAt)
	if err != nil {
		return domain.ExecSessionView{}, err
	}
	v.Status = domain.ExecSessionStatus(status)
	if len(cmd) > 0 {
		_ = json.Unmarshal(cmd, &v.Command)
	}
	return v, nil
}

func scanInstances(rows pgx.Rows) ([]domain.InstanceView, error) {
	var out []domain.InstanceView
	for rows.Next() {
		var v domain.InstanceView
		if err := rows.Scan(&v.InstanceID, &v.OrgID, &v.AppID, &v.EnvID, &v.ProcessType, &v.NodeID,
			&v.DesiredState, &v.Status, &v.ReleaseID, &v.SecretsVersionID, &v.OverlayIPv6,
			&v.Resources.CPUCores, &v.Resources.MemoryBytes, &v.SpecHash, &v.Generation,
			&v.DeployID, &v.BootID, &v.ExitCode, &v.StatusReason, &v.ResourceVersion, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- HTTP API read queries ---

func (s *Store) GetOrg(ctx context.Context, orgID string) (domain.OrgView, error) {
	var v domain.OrgView
	var quotas []byte
	err := s.pool.QueryRow(ctx, `SELECT org_id, name, quotas, resource_version, created_at, updated_at, is_deleted FROM orgs WHERE org_id=$1 AND NOT is_deleted`, orgID).
		Scan(&v.OrgID, &v.Name, &quotas, &v.ResourceVersion, &v.CreatedAt, &v.UpdatedAt, &v.IsDeleted)
	if err != nil {
		return domain.OrgView{}, err
	}
	if len(quotas) > 0 {
		_ = json.Unmarshal(quotas, &v.Quotas)
	}
	return v, nil
}

func (s *Store) ListApps(ctx context.Context, orgID string) ([]domain.AppView, error) {
	rows, err := s.pool.Query(ctx, `SELECT app_id, org_id, name, description, resource_version, created_at, updated_at, is_deleted FROM apps WHERE org_id=$1 AND NOT is_deleted ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AppView
	for rows.Next() {
		var v domain.AppView
		if err := rows.Scan(&v.AppID, &v.OrgID, &v.Name, &v.Description, &v.ResourceVersion, &v.CreatedAt, &v.UpdatedAt, &v.IsDeleted); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetEnv(ctx context.Context, envID string) (domain.EnvView, error) {
	var v domain.EnvView
	err := s.pool.QueryRow(ctx, `
		SELECT env_id, org_id, app_id, name, desired_release_id, desired_replicas, secrets_version_id,
			volume_mount_digest, resource_version, created_at, updated_at, is_deleted
		FROM envs WHERE env_id=$1 AND NOT is_deleted`, envID).
		Scan(&v.EnvID, &v.OrgID, &v.AppID, &v.Name, &v.DesiredReleaseID, &v.DesiredReplicas, &v.SecretsVersionID,
			&v.VolumeMountDigest, &v.ResourceVersion, &v.CreatedAt, &v.UpdatedAt, &v.IsDeleted)
	return v, err
}

func (s *Store) ListEnvInstances(ctx context.Context, envID string) ([]domain.InstanceView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, org_id, app_id, env_id, process_type, node_id, desired_state, status,
			release_id, secrets_version_id, overlay_ipv6, cpu_cores, memory_bytes, spec_hash, generation,
			deploy_id, boot_id, exit_code, status_reason, resource_version, created_at, updated_at
		FROM instances WHERE env_id=$1 ORDER BY created_at`, envID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *Store) ListRoutes(ctx context.Context, envID string) ([]domain.RouteView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route_id, org_id, app_id, env_id, hostname, listen_port, backend_process_type, backend_port,
			protocol_hint, proxy_protocol, allow_non_tls_fallback, resource_version, created_at, updated_at, is_deleted
		FROM routes WHERE env_id=$1 AND NOT is_deleted ORDER BY created_at`, envID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RouteView
	for rows.Next() {
		var v domain.RouteView
		if err := rows.Scan(&v.RouteID, &v.OrgID, &v.AppID, &v.EnvID, &v.Hostname, &v.ListenPort,
			&v.BackendProcessType, &v.BackendPort, &v.ProtocolHint, &v.ProxyProtocol, &v.AllowNonTLSFallback,
			&v.ResourceVersion, &v.CreatedAt, &v.UpdatedAt, &v.IsDeleted); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListDeploys(ctx context.Context, envID string) ([]domain.DeployView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT deploy_id, org_id, app_id, env_id, release_id, status, is_rollback, resource_version, created_at, updated_at
		FROM deploys WHERE env_id=$1 ORDER BY created_at DESC`, envID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeployView
	for rows.Next() {
		var v domain.DeployView
		if err := rows.Scan(&v.DeployID, &v.OrgID, &v.AppID, &v.EnvID, &v.ReleaseID, &v.Status, &v.IsRollback,
			&v.ResourceVersion, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListVolumes(ctx context.Context, envID string) ([]domain.VolumeView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT volume_id, org_id, app_id, env_id, name, driver, node_id, mount_path, resource_version, created_at, is_deleted
		FROM volumes WHERE env_id=$1 AND NOT is_deleted ORDER BY created_at`, envID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.VolumeView
	for rows.Next() {
		var v domain.VolumeView
		if err := rows.Scan(&v.VolumeID, &v.OrgID, &v.AppID, &v.EnvID, &v.Name, &v.Driver, &v.NodeID, &v.MountPath,
			&v.ResourceVersion, &v.CreatedAt, &v.IsDeleted); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
