// Package command implements the write-path handlers of C5: one function
// per mutating endpoint, each following spec.md §4.5's seven steps
// (authenticate/authorize is done by the HTTP layer before the handler is
// called; a handler starts at input validation). Grounded on this
// codebase's pkg/api/server.go handler shape (ensureLeader → validate →
// build a types.X → call into the manager → shape the response), with
// ensureLeader dropped entirely: any control-plane process may accept a
// write here, since Postgres's unique sequence constraint — not raft
// leadership — is the serialization point (spec.md §5 "Shared resources").
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
	"github.com/rexbrahh/plfm-vt-sub000/internal/idempotency"
)

// ProjectionWaiter is the subset of *projection.Engine a handler needs.
type ProjectionWaiter interface {
	WaitFor(ctx context.Context, eventID int64, projections []string, timeout time.Duration) error
}

// Handlers holds the shared dependencies every command handler closes
// over. One instance is built at process start and passed to the HTTP
// and gRPC layers.
type Handlers struct {
	Store        eventlog.Store
	Projections  ProjectionWaiter
	Idempotency  *idempotency.Store
	WaitTimeout  time.Duration
	Logger       zerolog.Logger
}

// Request is the common envelope every write endpoint receives.
type Request struct {
	ActorID       string
	ActorType     domain.ActorType
	OrgID         string
	IdempotencyKey string
	RequestID     string
}

// Receipt is the uniform response shape for write endpoints (spec.md
// §4.5 step 8): the new resource id, the event's request_id, and a set of
// opaque suggested next-step commands.
type Receipt struct {
	ResourceID string   `json:"resource_id"`
	EventID    int64    `json:"event_id"`
	RequestID  string   `json:"request_id"`
	NextSteps  []string `json:"next_steps,omitempty"`
}

// CanonicalRequestHash hashes a request body for idempotency-key
// comparison (spec.md §4.4): the body is first re-marshaled through
// encoding/json for a deterministic byte form, independent of whitespace
// or key order in the original payload.
func CanonicalRequestHash(endpoint string, body any) (string, error) {
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	return idempotency.RequestHash(endpoint, canonical), nil
}

// checkIdempotency returns a non-nil *Receipt when this (actor, endpoint,
// key) pair already succeeded once and should be replayed verbatim,
// rather than re-executed.
func (h *Handlers) checkIdempotency(ctx context.Context, req Request, endpoint string, body any) (*Receipt, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	hash, err := CanonicalRequestHash(endpoint, body)
	if err != nil {
		return nil, err
	}
	outcome, _, stored, err := h.Idempotency.Check(ctx, req.OrgID, req.ActorID, endpoint, req.IdempotencyKey, hash)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case idempotency.OutcomeConflict:
		return nil, idempotency.ConflictError(req.IdempotencyKey)
	case idempotency.OutcomeReplay:
		var r Receipt
		if err := json.Unmarshal(stored, &r); err != nil {
			return nil, fmt.Errorf("decode replayed receipt: %w", err)
		}
		return &r, nil
	default:
		return nil, nil
	}
}

// recordIdempotency stores the receipt for future replay, inside the same
// transaction that appended the event.
func (h *Handlers) recordIdempotency(ctx context.Context, tx pgx.Tx, req Request, endpoint string, body any, receipt Receipt) error {
	if req.IdempotencyKey == "" {
		return nil
	}
	hash, err := CanonicalRequestHash(endpoint, body)
	if err != nil {
		return err
	}
	return h.Idempotency.Record(ctx, tx, req.OrgID, req.ActorID, endpoint, req.IdempotencyKey, hash, 200, receipt)
}

// appendAggregateEvent is the retry-on-conflict append path used
// by every handler: it reads the aggregate's current seq, builds the
// event at seq+1, appends, and on a unique-constraint collision re-reads
// and retries once.
func appendAggregateEvent(ctx context.Context, store eventlog.Store, aggregateType domain.AggregateType, aggregateID string, build func(nextSeq int64) eventlog.NewEvent) (domain.Event, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := store.GetLatestAggregateSeq(ctx, aggregateType, aggregateID)
		if err != nil {
			return domain.Event{}, fmt.Errorf("read aggregate seq: %w", err)
		}
		ev, err := store.Append(ctx, build(current+1))
		if err == nil {
			return ev, nil
		}
		if errors.Is(err, eventlog.ErrSequenceConflict) {
			lastErr = err
			continue
		}
		return domain.Event{}, err
	}
	return domain.Event{}, apierr.Wrap(apierr.KindConflict, "aggregate sequence conflict persisted after retry", lastErr)
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// waitForReadback blocks until the event is visible to the named
// projections, or returns KindProjectionTimeout; the event itself is
// already durable regardless (spec.md §4.3).
func (h *Handlers) waitForReadback(ctx context.Context, ev domain.Event, projections ...string) error {
	if h.Projections == nil || len(projections) == 0 {
		return nil
	}
	timeout := h.WaitTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return h.Projections.WaitFor(ctx, ev.EventID, projections, timeout)
}
