// Package eventlog is the append-only, aggregate-sequenced event store
// (spec.md C1): the single source of truth every read view is derived
// from. It generalizes this codebase's former storage.Store (one
// CRUD method per cluster resource, backed by BoltDB) into a single
// append/query surface over one Postgres table, backed by pgx.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/platmetrics"
)

// ErrSequenceConflict is returned when another writer already holds
// (aggregate_type, aggregate_id, aggregate_seq); the caller must re-read
// current state and retry, per spec.md §4.1.
var ErrSequenceConflict = errors.New("sequence conflict")

// NewEvent is the input to Append/AppendBatch; EventID is assigned by the
// store.
type NewEvent struct {
	AggregateType  domain.AggregateType
	AggregateID    string
	AggregateSeq   int64
	EventType      string
	EventVersion   int32
	ActorType      domain.ActorType
	ActorID        string
	OrgID          string
	AppID          string
	EnvID          string
	RequestID      string
	IdempotencyKey string
	CorrelationID  string
	CausationID    string
	Payload        Payload
}

// Store is the C1 contract: append, batch-append, and the four query
// shapes C2/C5/C6/C9 need.
type Store interface {
	Append(ctx context.Context, ev NewEvent) (domain.Event, error)
	AppendBatch(ctx context.Context, evs []NewEvent) ([]domain.Event, error)
	QueryAfter(ctx context.Context, afterEventID int64, limit int) ([]domain.Event, error)
	QueryByAggregate(ctx context.Context, aggType domain.AggregateType, aggID string) ([]domain.Event, error)
	GetLatestAggregateSeq(ctx context.Context, aggType domain.AggregateType, aggID string) (int64, error)
	QueryByOrgAfter(ctx context.Context, orgID string, afterEventID int64, limit int) ([]domain.Event, error)
	QueryByTypeAfter(ctx context.Context, eventType string, afterEventID int64, limit int) ([]domain.Event, error)
	GetMaxEventID(ctx context.Context) (int64, error)
	Close()
}

// PGStore is the Postgres-backed Store implementation.
type PGStore struct {
	pool     *pgxpool.Pool
	registry *Registry
}

// NewPGStore wires a pgxpool.Pool against databaseURL and returns a Store
// that canonicalizes payloads through registry.
func NewPGStore(ctx context.Context, databaseURL string, registry *Registry) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open event log pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping event log database: %w", err)
	}
	return &PGStore{pool: pool, registry: registry}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

const appendSQL = `
INSERT INTO events (
	aggregate_type, aggregate_id, aggregate_seq, event_type, event_version,
	actor_type, actor_id, org_id, app_id, env_id, request_id,
	idempotency_key, correlation_id, causation_id, occurred_at, payload
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
RETURNING event_id, occurred_at`

// Append assigns the next global event_id and writes one row. Sequence
// conflicts surface as ErrSequenceConflict (the unique constraint on
// (aggregate_type, aggregate_id, aggregate_seq) is the only lock the
// caller observes, per spec.md §5).
func (s *PGStore) Append(ctx context.Context, ev NewEvent) (domain.Event, error) {
	timer := platmetrics.NewTimer()
	defer timer.ObserveDuration(platmetrics.EventAppendDuration)

	canonical, err := s.registry.Canonicalize(ev.EventType, mustMarshal(ev.Payload))
	if err != nil {
		return domain.Event{}, fmt.Errorf("append %s: %w", ev.EventType, err)
	}

	requestID := ev.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	row := s.pool.QueryRow(ctx, appendSQL,
		ev.AggregateType, ev.AggregateID, ev.AggregateSeq, ev.EventType, ev.EventVersion,
		ev.ActorType, ev.ActorID, nullable(ev.OrgID), nullable(ev.AppID), nullable(ev.EnvID), requestID,
		nullable(ev.IdempotencyKey), nullable(ev.CorrelationID), nullable(ev.CausationID), time.Now().UTC(), canonical,
	)

	out := domain.Event{
		AggregateType:  ev.AggregateType,
		AggregateID:    ev.AggregateID,
		AggregateSeq:   ev.AggregateSeq,
		EventType:      ev.EventType,
		EventVersion:   ev.EventVersion,
		ActorType:      ev.ActorType,
		ActorID:        ev.ActorID,
		OrgID:          ev.OrgID,
		AppID:          ev.AppID,
		EnvID:          ev.EnvID,
		RequestID:      requestID,
		IdempotencyKey: ev.IdempotencyKey,
		CorrelationID:  ev.CorrelationID,
		CausationID:    ev.CausationID,
		Payload:        canonical,
	}
	if err := row.Scan(&out.EventID, &out.OccurredAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			platmetrics.EventAppendConflictsTotal.WithLabelValues(string(ev.AggregateType)).Inc()
			return domain.Event{}, fmt.Errorf("%s %s seq %d: %w", ev.AggregateType, ev.AggregateID, ev.AggregateSeq, ErrSequenceConflict)
		}
		return domain.Event{}, fmt.Errorf("append %s: %w", ev.EventType, err)
	}

	platmetrics.EventsAppendedTotal.WithLabelValues(ev.EventType).Inc()
	return out, nil
}

// AppendBatch appends all events in one transaction, all-or-nothing,
// preserving submission order and assigning contiguous ids.
func (s *PGStore) AppendBatch(ctx context.Context, evs []NewEvent) ([]domain.Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch append: %w", err)
	}
	defer tx.Rollback(ctx)

	out := make([]domain.Event, 0, len(evs))
	for _, ev := range evs {
		canonical, err := s.registry.Canonicalize(ev.EventType, mustMarshal(ev.Payload))
		if err != nil {
			return nil, fmt.Errorf("batch append %s: %w", ev.EventType, err)
		}
		requestID := ev.RequestID
		if requestID == "" {
			requestID = uuid.NewString()
		}
		row := tx.QueryRow(ctx, appendSQL,
			ev.AggregateType, ev.AggregateID, ev.AggregateSeq, ev.EventType, ev.EventVersion,
			ev.ActorType, ev.ActorID, nullable(ev.OrgID), nullable(ev.AppID), nullable(ev.EnvID), requestID,
			nullable(ev.IdempotencyKey), nullable(ev.CorrelationID), nullable(ev.CausationID), time.Now().UTC(), canonical,
		)
		e := domain.Event{
			AggregateType: ev.AggregateType, AggregateID: ev.AggregateID, AggregateSeq: ev.AggregateSeq,
			EventType: ev.EventType, EventVersion: ev.EventVersion, ActorType: ev.ActorType, ActorID: ev.ActorID,
			OrgID: ev.OrgID, AppID: ev.AppID, EnvID: ev.EnvID, RequestID: requestID,
			IdempotencyKey: ev.IdempotencyKey, CorrelationID: ev.CorrelationID, CausationID: ev.CausationID,
			Payload: canonical,
		}
		if err := row.Scan(&e.EventID, &e.OccurredAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return nil, fmt.Errorf("%s %s seq %d: %w", ev.AggregateType, ev.AggregateID, ev.AggregateSeq, ErrSequenceConflict)
			}
			return nil, fmt.Errorf("batch append %s: %w", ev.EventType, err)
		}
		out = append(out, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch append: %w", err)
	}
	for _, e := range out {
		platmetrics.EventsAppendedTotal.WithLabelValues(e.EventType).Inc()
	}
	return out, nil
}

const selectColumns = `event_id, aggregate_type, aggregate_id, aggregate_seq, event_type, event_version,
	actor_type, actor_id, coalesce(org_id,''), coalesce(app_id,''), coalesce(env_id,''), request_id,
	coalesce(idempotency_key,''), coalesce(correlation_id,''), coalesce(causation_id,''), occurred_at, payload`

func (s *PGStore) QueryAfter(ctx context.Context, afterEventID int64, limit int) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM events WHERE event_id > $1 ORDER BY event_id ASC LIMIT $2`,
		afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query_after: %w", err)
	}
	return scanEvents(rows)
}

func (s *PGStore) QueryByAggregate(ctx context.Context, aggType domain.AggregateType, aggID string) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM events WHERE aggregate_type=$1 AND aggregate_id=$2 ORDER BY aggregate_seq ASC`,
		aggType, aggID)
	if err != nil {
		return nil, fmt.Errorf("query_by_aggregate: %w", err)
	}
	return scanEvents(rows)
}

func (s *PGStore) GetLatestAggregateSeq(ctx context.Context, aggType domain.AggregateType, aggID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT coalesce(max(aggregate_seq), 0) FROM events WHERE aggregate_type=$1 AND aggregate_id=$2`,
		aggType, aggID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get_latest_aggregate_seq: %w", err)
	}
	return seq, nil
}

func (s *PGStore) QueryByOrgAfter(ctx context.Context, orgID string, afterEventID int64, limit int) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM events WHERE org_id=$1 AND event_id > $2 ORDER BY event_id ASC LIMIT $3`,
		orgID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query_by_org_after: %w", err)
	}
	return scanEvents(rows)
}

func (s *PGStore) QueryByTypeAfter(ctx context.Context, eventType string, afterEventID int64, limit int) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM events WHERE event_type=$1 AND event_id > $2 ORDER BY event_id ASC LIMIT $3`,
		eventType, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query_by_type_after: %w", err)
	}
	return scanEvents(rows)
}

func (s *PGStore) GetMaxEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT coalesce(max(event_id), 0) FROM events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("get_max_event_id: %w", err)
	}
	return id, nil
}

func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(
			&e.EventID, &e.AggregateType, &e.AggregateID, &e.AggregateSeq, &e.EventType, &e.EventVersion,
			&e.ActorType, &e.ActorID, &e.OrgID, &e.AppID, &e.EnvID, &e.RequestID,
			&e.IdempotencyKey, &e.CorrelationID, &e.CausationID, &e.OccurredAt, &e.Payload,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustMarshal(p Payload) []byte {
	if p == nil {
		return []byte("{}")
	}
	b, err := marshalPayload(p)
	if err != nil {
		// Canonicalize re-decodes and validates immediately after, so a
		// marshal failure here can only mean a payload type that violates
		// its own json tags; surfaced as an append error, never a panic.
		return []byte("{}")
	}
	return b
}
