// Package readmodel is the set of projection.Handler implementations that
// materialize every read-view table spec.md §3 names, plus the query
// methods the scheduler, node plan builder, ingress state syncer, and HTTP
// API read from. Grounded on this codebase's own pkg/api read path (plain
// SQL over pgx, one query method per resource shape) generalized from "one
// row per cluster resource" to "one row per read-view, kept current by a
// registered projection.Handler" (spec.md §4.2).
package readmodel

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS orgs (
	org_id           TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	quotas           JSONB NOT NULL DEFAULT '{}',
	resource_version BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_deleted       BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS apps (
	app_id           TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	resource_version BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_deleted       BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS envs (
	env_id              TEXT PRIMARY KEY,
	org_id              TEXT NOT NULL,
	app_id              TEXT NOT NULL,
	name                TEXT NOT NULL,
	desired_release_id  TEXT NOT NULL DEFAULT '',
	desired_replicas    INT NOT NULL DEFAULT 0,
	secrets_version_id  TEXT NOT NULL DEFAULT '',
	volume_mount_digest TEXT NOT NULL DEFAULT '',
	resource_version    BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_deleted          BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS releases (
	release_id              TEXT PRIMARY KEY,
	org_id                  TEXT NOT NULL,
	app_id                  TEXT NOT NULL,
	image_ref               TEXT NOT NULL,
	image_digest            TEXT NOT NULL,
	manifest_schema_version INT NOT NULL DEFAULT 1,
	manifest_hash           TEXT NOT NULL DEFAULT '',
	command                 JSONB NOT NULL DEFAULT '[]',
	resource_version        BIGINT NOT NULL DEFAULT 1,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deploys (
	deploy_id        TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	app_id           TEXT NOT NULL,
	env_id           TEXT NOT NULL,
	release_id       TEXT NOT NULL,
	status           TEXT NOT NULL,
	is_rollback      BOOLEAN NOT NULL DEFAULT false,
	resource_version BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS routes (
	route_id              TEXT PRIMARY KEY,
	org_id                TEXT NOT NULL,
	app_id                TEXT NOT NULL,
	env_id                TEXT NOT NULL,
	hostname              TEXT NOT NULL,
	listen_port           INT NOT NULL,
	backend_process_type  TEXT NOT NULL,
	backend_port          INT NOT NULL,
	protocol_hint         TEXT NOT NULL,
	proxy_protocol        TEXT NOT NULL,
	allow_non_tls_fallback BOOLEAN NOT NULL DEFAULT false,
	resource_version      BIGINT NOT NULL DEFAULT 1,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_deleted            BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS volumes (
	volume_id        TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	app_id           TEXT NOT NULL,
	env_id           TEXT NOT NULL,
	name             TEXT NOT NULL,
	driver           TEXT NOT NULL,
	node_id          TEXT NOT NULL,
	mount_path       TEXT NOT NULL,
	resource_version BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_deleted       BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS volume_attachments (
	attachment_id TEXT PRIMARY KEY,
	volume_id     TEXT NOT NULL,
	env_id        TEXT NOT NULL,
	process_type  TEXT NOT NULL,
	target_path   TEXT NOT NULL,
	read_only     BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS secret_bundles (
	bundle_id        TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	env_id           TEXT NOT NULL,
	version_id       TEXT NOT NULL,
	keys             JSONB NOT NULL DEFAULT '[]',
	resource_version BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nodes (
	node_id                TEXT PRIMARY KEY,
	state                  TEXT NOT NULL,
	wireguard_pubkey       TEXT NOT NULL,
	overlay_ipv6           TEXT NOT NULL,
	cpu_cores              INT NOT NULL,
	memory_bytes           BIGINT NOT NULL,
	available_cpu_cores    DOUBLE PRECISION NOT NULL,
	available_memory_bytes BIGINT NOT NULL,
	labels                 JSONB NOT NULL DEFAULT '{}',
	resource_version       BIGINT NOT NULL DEFAULT 1,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS instances (
	instance_id        TEXT PRIMARY KEY,
	org_id             TEXT NOT NULL,
	app_id             TEXT NOT NULL,
	env_id             TEXT NOT NULL,
	process_type       TEXT NOT NULL,
	node_id            TEXT NOT NULL,
	desired_state      TEXT NOT NULL,
	status             TEXT NOT NULL,
	release_id         TEXT NOT NULL,
	secrets_version_id TEXT NOT NULL DEFAULT '',
	overlay_ipv6       TEXT NOT NULL,
	cpu_cores          DOUBLE PRECISION NOT NULL,
	memory_bytes       BIGINT NOT NULL,
	spec_hash          TEXT NOT NULL,
	generation         BIGINT NOT NULL DEFAULT 1,
	deploy_id          TEXT NOT NULL DEFAULT '',
	boot_id            TEXT NOT NULL DEFAULT '',
	exit_code          INT NOT NULL DEFAULT 0,
	status_reason      TEXT NOT NULL DEFAULT '',
	resource_version   BIGINT NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS exec_sessions (
	exec_session_id  TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	instance_id      TEXT NOT NULL,
	node_id          TEXT NOT NULL,
	command          JSONB NOT NULL DEFAULT '[]',
	tty              BOOLEAN NOT NULL DEFAULT false,
	status           TEXT NOT NULL,
	connected_at     TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	exit_code        INT,
	end_reason       TEXT NOT NULL DEFAULT '',
	resource_version BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_instances_node ON instances(node_id);
CREATE INDEX IF NOT EXISTS idx_instances_group ON instances(org_id, app_id, env_id, process_type);
CREATE INDEX IF NOT EXISTS idx_routes_port ON routes(listen_port) WHERE NOT is_deleted;
`

// EnsureSchema creates every read-view table if absent. Safe to call from
// every process that registers readmodel handlers, matching how
// projection.EnsureSchema and eventlog's own schema init work.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
