// Package idempotency is the per-(org, actor, endpoint, key) memo layer
// (C4): a command handler checks it before executing, and stores the
// result in the same transaction that recorded the effect, per spec.md
// §4.4. Grounded on this codebase's pgx lookup-then-store key/value store
// pattern, generalized from API-key lookups to idempotent-request replay.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/platmetrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	org_scope     TEXT NOT NULL,
	actor_id      TEXT NOT NULL,
	endpoint_name TEXT NOT NULL,
	key           TEXT NOT NULL,
	request_hash  TEXT NOT NULL,
	status_code   INT NOT NULL,
	body          JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_scope, actor_id, endpoint_name, key)
);`

// Store looks up and records idempotency records.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// RequestHash computes the stable digest of a normalized request body.
func RequestHash(endpoint string, canonicalRequest []byte) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(canonicalRequest)
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome is the result of Check: whether this request should be replayed
// from a prior response, rejected as a conflict, or allowed to proceed.
type Outcome int

const (
	OutcomeProceed Outcome = iota
	OutcomeReplay
	OutcomeConflict
)

// Check looks up an existing record for (orgScope, actorID, endpoint, key).
// If none exists, returns OutcomeProceed. If one exists with a matching
// hash, returns OutcomeReplay with the stored status/body. A mismatched
// hash returns OutcomeConflict.
func (s *Store) Check(ctx context.Context, orgScope, actorID, endpoint, key, requestHash string) (Outcome, int, []byte, error) {
	if key == "" {
		return OutcomeProceed, 0, nil, nil
	}

	var storedHash string
	var status int
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT request_hash, status_code, body FROM idempotency_records
		 WHERE org_scope=$1 AND actor_id=$2 AND endpoint_name=$3 AND key=$4`,
		orgScope, actorID, endpoint, key).Scan(&storedHash, &status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		platmetrics.IdempotencyHitsTotal.WithLabelValues("miss").Inc()
		return OutcomeProceed, 0, nil, nil
	}
	if err != nil {
		return OutcomeProceed, 0, nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	if storedHash != requestHash {
		platmetrics.IdempotencyHitsTotal.WithLabelValues("conflict").Inc()
		return OutcomeConflict, 0, nil, nil
	}
	platmetrics.IdempotencyHitsTotal.WithLabelValues("replay").Inc()
	return OutcomeReplay, status, body, nil
}

// Record stores the response inside tx, the same transaction that
// appended the event and updated read views. Called only after the
// handler has fully succeeded — if the handler fails first, no record is
// written and the client may safely retry.
func (s *Store) Record(ctx context.Context, tx pgx.Tx, orgScope, actorID, endpoint, key, requestHash string, statusCode int, body any) error {
	if key == "" {
		return nil
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal idempotency response body: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO idempotency_records (org_scope, actor_id, endpoint_name, key, request_hash, status_code, body)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (org_scope, actor_id, endpoint_name, key) DO NOTHING`,
		orgScope, actorID, endpoint, key, requestHash, statusCode, bodyJSON)
	if err != nil {
		return fmt.Errorf("record idempotency response: %w", err)
	}
	return nil
}

// ConflictError is a convenience constructor command handlers use when
// Check returns OutcomeConflict.
func ConflictError(key string) *apierr.Error {
	return apierr.IdempotencyConflict(key)
}
