package readmodel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

// DefaultProcessType is the only process type this implementation derives
// groups for. The distilled command inputs (CreateReleaseInput,
// SetEnvDesiredReleaseInput) carry no Procfile-style process list, so every
// env has exactly one implicit group — documented in DESIGN.md.
const DefaultProcessType = "web"

// defaultCPUCores / defaultMemoryBytes size every instance this
// implementation allocates, since no command input exposes per-release
// resource requests (documented in DESIGN.md's Open Question decisions).
const (
	defaultCPUCores    = 0.5
	defaultMemoryBytes = 512 * 1024 * 1024
)

// Handlers returns every projection.Handler this package registers,
// grouped one per aggregate type the way the rest of this codebase's
// command handlers are grouped (spec.md §4.2: each handler is a pure,
// idempotent function of (event, tx)).
func Handlers() []handler {
	return []handler{
		{name: "org_view", types: []string{"org.created"}, apply: applyOrg},
		{name: "app_view", types: []string{"app.created"}, apply: applyApp},
		{name: "env_view", types: []string{"env.created", "env.desired_release_changed"}, apply: applyEnv},
		{name: "release_view", types: []string{"release.created"}, apply: applyRelease},
		{name: "deploy_view", types: []string{"deploy.created", "deploy.status_changed"}, apply: applyDeploy},
		{name: "route_view", types: []string{"route.created", "route.updated", "route.deleted"}, apply: applyRoute},
		{name: "volume_view", types: []string{"volume.created", "volume_attachment.created"}, apply: applyVolume},
		{name: "secret_bundle_view", types: []string{"secret_bundle.updated"}, apply: applySecretBundle},
		{name: "node_view", types: []string{"node.enrolled", "node.state_changed", "node.heartbeat_received"}, apply: applyNode},
		{name: "instance_view", types: []string{"instance.allocated", "instance.desired_state_changed", "instance.status_changed"}, apply: applyInstance},
		{name: "exec_session_view", types: []string{"exec_session.started", "exec_session.connected", "exec_session.ended"}, apply: applyExecSession},
	}
}

// handler adapts a plain apply func into projection.Handler without eleven
// near-identical named types.
type handler struct {
	name  string
	types []string
	apply func(ctx context.Context, tx pgx.Tx, ev domain.Event) error
}

func (h handler) Name() string          { return h.name }
func (h handler) EventTypes() []string  { return h.types }
func (h handler) Apply(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	return h.apply(ctx, tx, ev)
}

func applyOrg(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	var p eventlog.OrgCreated
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode org.created: %w", err)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO orgs (org_id, name, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (org_id) DO UPDATE SET name=$2, updated_at=now(), resource_version=orgs.resource_version+1`,
		ev.AggregateID, p.Name)
	return err
}

func applyApp(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	var p eventlog.AppCreated
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode app.created: %w", err)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO apps (app_id, org_id, name, description, updated_at) VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (app_id) DO UPDATE SET name=$3, description=$4, updated_at=now(), resource_version=apps.resource_version+1`,
		ev.AggregateID, ev.OrgID, p.Name, p.Description)
	return err
}

func applyEnv(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	switch ev.EventType {
	case "env.created":
		var p eventlog.EnvCreated
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode env.created: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO envs (env_id, org_id, app_id, name, updated_at) VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (env_id) DO UPDATE SET name=$4, updated_at=now(), resource_version=envs.resource_version+1`,
			ev.AggregateID, ev.OrgID, ev.AppID, p.Name)
		return err
	case "env.desired_release_changed":
		var p eventlog.EnvDesiredReleaseChanged
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode env.desired_release_changed: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE envs SET desired_release_id=$2, desired_replicas=$3, updated_at=now(), resource_version=resource_version+1
			WHERE env_id=$1`,
			ev.AggregateID, p.ReleaseID, p.DesiredReplicas)
		return err
	}
	return nil
}

func applyRelease(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	var p eventlog.ReleaseCreated
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode release.created: %w", err)
	}
	cmd, err := json.Marshal(p.Command)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO releases (release_id, org_id, app_id, image_ref, image_digest, manifest_schema_version, manifest_hash, command)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (release_id) DO NOTHING`,
		ev.AggregateID, ev.OrgID, ev.AppID, p.ImageRef, p.ImageDigest, p.ManifestSchemaVersion, p.ManifestHash, cmd)
	return err
}

func applyDeploy(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	switch ev.EventType {
	case "deploy.created":
		var p eventlog.DeployCreated
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode deploy.created: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO deploys (deploy_id, org_id, app_id, env_id, release_id, status, is_rollback, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (deploy_id) DO NOTHING`,
			ev.AggregateID, ev.OrgID, ev.AppID, ev.EnvID, p.ReleaseID, string(domain.DeployPending), p.IsRollback)
		return err
	case "deploy.status_changed":
		var p eventlog.DeployStatusChanged
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode deploy.status_changed: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE deploys SET status=$2, updated_at=now(), resource_version=resource_version+1 WHERE deploy_id=$1`,
			ev.AggregateID, p.Status)
		return err
	}
	return nil
}

func applyRoute(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	switch ev.EventType {
	case "route.created", "route.updated":
		var p eventlog.RouteCreated
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.EventType, err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO routes (route_id, org_id, app_id, env_id, hostname, listen_port, backend_process_type, backend_port, protocol_hint, proxy_protocol, allow_non_tls_fallback, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
			ON CONFLICT (route_id) DO UPDATE SET
				hostname=$5, listen_port=$6, backend_process_type=$7, backend_port=$8,
				protocol_hint=$9, proxy_protocol=$10, allow_non_tls_fallback=$11,
				updated_at=now(), resource_version=routes.resource_version+1, is_deleted=false`,
			ev.AggregateID, ev.OrgID, ev.AppID, ev.EnvID, p.Hostname, p.ListenPort,
			p.BackendProcessType, p.BackendPort, p.ProtocolHint, p.ProxyProtocol, p.AllowNonTLSFallback)
		return err
	case "route.deleted":
		_, err := tx.Exec(ctx, `UPDATE routes SET is_deleted=true, updated_at=now(), resource_version=resource_version+1 WHERE route_id=$1`, ev.AggregateID)
		return err
	}
	return nil
}

func applyVolume(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	switch ev.EventType {
	case "volume.created":
		var p eventlog.VolumeCreated
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode volume.created: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO volumes (volume_id, org_id, app_id, env_id, name, driver, node_id, mount_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (volume_id) DO NOTHING`,
			ev.AggregateID, ev.OrgID, ev.AppID, ev.EnvID, p.Name, p.Driver, p.NodeID, p.MountPath)
		return err
	case "volume_attachment.created":
		var p eventlog.VolumeAttachmentCreated
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode volume_attachment.created: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO volume_attachments (attachment_id, volume_id, env_id, process_type, target_path, read_only)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (attachment_id) DO NOTHING`,
			p.AttachmentID, p.VolumeID, ev.EnvID, p.ProcessType, p.TargetPath, p.ReadOnly)
		return err
	}
	return nil
}

func applySecretBundle(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	var p eventlog.SecretBundleUpdated
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode secret_bundle.updated: %w", err)
	}
	keys, err := json.Marshal(p.Keys)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO secret_bundles (bundle_id, org_id, env_id, version_id, keys)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bundle_id) DO UPDATE SET version_id=$4, keys=$5, resource_version=secret_bundles.resource_version+1`,
		ev.AggregateID, ev.OrgID, ev.EnvID, p.VersionID, keys)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE envs SET secrets_version_id=$2, updated_at=now(), resource_version=resource_version+1 WHERE env_id=$1`,
		ev.EnvID, p.VersionID)
	return err
}

func applyNode(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	switch ev.EventType {
	case "node.enrolled":
		var p eventlog.NodeEnrolled
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode node.enrolled: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO nodes (node_id, state, wireguard_pubkey, overlay_ipv6, cpu_cores, memory_bytes, available_cpu_cores, available_memory_bytes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $5, $6, now())
			ON CONFLICT (node_id) DO NOTHING`,
			ev.AggregateID, string(domain.NodeActive), p.WireGuardPubKey, p.OverlayIPv6, p.CPUCores, p.MemoryBytes)
		return err
	case "node.state_changed":
		var p eventlog.NodeStateChanged
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode node.state_changed: %w", err)
		}
		_, err := tx.Exec(ctx, `UPDATE nodes SET state=$2, updated_at=now(), resource_version=resource_version+1 WHERE node_id=$1`,
			ev.AggregateID, p.State)
		return err
	case "node.heartbeat_received":
		var p eventlog.NodeHeartbeatReceived
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode node.heartbeat_received: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE nodes SET available_cpu_cores=$2, available_memory_bytes=$3, updated_at=now() WHERE node_id=$1`,
			ev.AggregateID, p.AvailableCPUCores, p.AvailableMemoryBytes)
		return err
	}
	return nil
}

func applyInstance(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	switch ev.EventType {
	case "instance.allocated":
		var p eventlog.InstanceAllocated
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode instance.allocated: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO instances (instance_id, org_id, app_id, env_id, process_type, node_id, desired_state, status,
				release_id, secrets_version_id, overlay_ipv6, cpu_cores, memory_bytes, spec_hash, deploy_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
			ON CONFLICT (instance_id) DO NOTHING`,
			ev.AggregateID, ev.OrgID, ev.AppID, ev.EnvID, p.ProcessType, p.NodeID,
			string(domain.InstanceRunning), string(domain.InstanceBooting),
			p.ReleaseID, p.SecretsVersionID, p.OverlayIPv6, p.CPUCores, p.MemoryBytes, p.SpecHash, p.DeployID)
		return err
	case "instance.desired_state_changed":
		var p eventlog.InstanceDesiredStateChanged
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode instance.desired_state_changed: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE instances SET desired_state=$2, updated_at=now(), resource_version=resource_version+1 WHERE instance_id=$1`,
			ev.AggregateID, p.DesiredState)
		return err
	case "instance.status_changed":
		var p eventlog.InstanceStatusChanged
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode instance.status_changed: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE instances SET status=$2, boot_id=$3, exit_code=$4, status_reason=$5, updated_at=now(), resource_version=resource_version+1
			WHERE instance_id=$1`,
			ev.AggregateID, p.Status, p.BootID, p.ExitCode, p.Reason)
		return err
	}
	return nil
}

func applyExecSession(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	switch ev.EventType {
	case "exec_session.started":
		var p eventlog.ExecSessionStarted
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode exec_session.started: %w", err)
		}
		cmd, err := json.Marshal(p.Command)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO exec_sessions (exec_session_id, org_id, instance_id, node_id, command, tty, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (exec_session_id) DO NOTHING`,
			ev.AggregateID, ev.OrgID, p.InstanceID, p.NodeID, cmd, p.TTY, string(domain.ExecSessionStarted))
		return err
	case "exec_session.connected":
		_, err := tx.Exec(ctx, `
			UPDATE exec_sessions SET status=$2, connected_at=now(), resource_version=resource_version+1 WHERE exec_session_id=$1`,
			ev.AggregateID, string(domain.ExecSessionConnected))
		return err
	case "exec_session.ended":
		var p eventlog.ExecSessionEnded
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode exec_session.ended: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE exec_sessions SET status=$2, ended_at=now(), exit_code=$3, end_reason=$4, resource_version=resource_version+1
			WHERE exec_session_id=$1`,
			ev.AggregateID, string(domain.ExecSessionEnded), p.ExitCode, p.Reason)
		return err
	}
	return nil
}
