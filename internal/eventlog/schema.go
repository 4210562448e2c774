package eventlog

// Schema is the DDL for the event log and its supporting tables. Every
// read view and the projection checkpoint / idempotency tables are owned
// by the packages that write them (internal/projection,
// internal/idempotency); this file only owns the append-only log itself.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id        BIGSERIAL PRIMARY KEY,
	aggregate_type  TEXT NOT NULL,
	aggregate_id    TEXT NOT NULL,
	aggregate_seq   BIGINT NOT NULL,
	event_type      TEXT NOT NULL,
	event_version   INT NOT NULL DEFAULT 1,
	actor_type      TEXT NOT NULL,
	actor_id        TEXT NOT NULL,
	org_id          TEXT,
	app_id          TEXT,
	env_id          TEXT,
	request_id      TEXT NOT NULL,
	idempotency_key TEXT,
	correlation_id  TEXT,
	causation_id    TEXT,
	occurred_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload         JSONB NOT NULL,
	UNIQUE (aggregate_type, aggregate_id, aggregate_seq)
);

CREATE INDEX IF NOT EXISTS events_org_id_event_id_idx ON events (org_id, event_id);
CREATE INDEX IF NOT EXISTS events_event_type_event_id_idx ON events (event_type, event_id);
CREATE INDEX IF NOT EXISTS events_aggregate_idx ON events (aggregate_type, aggregate_id);
`
