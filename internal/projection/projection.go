// Package projection is the projection engine (C2) and read-your-writes
// barrier (C3): it pulls events by global id into per-name read views
// inside one transaction per batch, and lets command handlers block until
// a given event id has been applied. The loop shape (ticker + stopCh,
// one goroutine per handler) is this codebase's own reconciler loop
// generalized from "reconcile cluster state against live nodes" to
// "advance one projection's checkpoint".
package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
	"github.com/rexbrahh/plfm-vt-sub000/internal/platmetrics"
)

// Handler is a named, pure function of (event, transaction). It must be
// idempotent: re-applying the same event after a crash produces the same
// final row, per spec.md §4.2.
type Handler interface {
	Name() string
	EventTypes() []string
	Apply(ctx context.Context, tx pgx.Tx, ev domain.Event) error
}

const (
	batchSize        = 200
	backoffInitial   = 200 * time.Millisecond
	backoffMax       = 30 * time.Second
	stallWindow      = 2 * time.Minute
	tickInterval     = 500 * time.Millisecond
)

// Engine owns one goroutine per registered Handler.
type Engine struct {
	pool   *pgxpool.Pool
	store  eventlog.Store
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewEngine(pool *pgxpool.Pool, store eventlog.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		pool:     pool,
		store:    store,
		logger:   logger.With().Str("component", "projection").Logger(),
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a handler. Call before Start.
func (e *Engine) Register(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[h.Name()] = h
}

// Start launches one goroutine per registered handler.
func (e *Engine) Start() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, h := range e.handlers {
		e.wg.Add(1)
		go e.run(h)
	}
}

func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) run(h Handler) {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	backoff := backoffInitial
	var lastAdvance time.Time = time.Now()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			advanced, err := e.runOnce(context.Background(), h)
			if err != nil {
				e.logger.Error().Err(err).Str("projection", h.Name()).Msg("projection batch failed, rolling back")
				time.Sleep(backoff)
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			backoff = backoffInitial
			if advanced {
				lastAdvance = time.Now()
			}
			platmetrics.ProjectionStalled.WithLabelValues(h.Name()).Set(stalledValue(lastAdvance))
		}
	}
}

func stalledValue(lastAdvance time.Time) float64 {
	if time.Since(lastAdvance) > stallWindow {
		return 1
	}
	return 0
}

// runOnce fetches the next batch after the handler's checkpoint and
// applies it inside one transaction; the checkpoint advance is in the
// same transaction as the last row update, per spec.md §3.
func (e *Engine) runOnce(ctx context.Context, h Handler) (bool, error) {
	timer := platmetrics.NewTimer()
	defer timer.ObserveDurationVec(platmetrics.ProjectionBatchDuration, h.Name())

	checkpoint, err := e.getCheckpoint(ctx, h.Name())
	if err != nil {
		return false, fmt.Errorf("get checkpoint for %s: %w", h.Name(), err)
	}

	events, err := e.store.QueryAfter(ctx, checkpoint, batchSize)
	if err != nil {
		return false, fmt.Errorf("query_after for %s: %w", h.Name(), err)
	}
	if len(events) == 0 {
		return false, nil
	}

	consumed := eventTypeSet(h.EventTypes())

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin projection tx for %s: %w", h.Name(), err)
	}
	defer tx.Rollback(ctx)

	lastID := checkpoint
	for _, ev := range events {
		if consumed != nil && !consumed[ev.EventType] {
			lastID = ev.EventID
			continue // unknown/unconsumed event types are skipped silently
		}
		if err := h.Apply(ctx, tx, ev); err != nil {
			return false, fmt.Errorf("apply %s to %s: %w", ev.EventType, h.Name(), err)
		}
		lastID = ev.EventID
	}

	if err := e.setCheckpoint(ctx, tx, h.Name(), lastID); err != nil {
		return false, fmt.Errorf("advance checkpoint for %s: %w", h.Name(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit projection batch for %s: %w", h.Name(), err)
	}

	platmetrics.ProjectionCheckpoint.WithLabelValues(h.Name()).Set(float64(lastID))
	return lastID > checkpoint, nil
}

func eventTypeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil // nil means "consume everything"
	}
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS projection_checkpoints (
	name          TEXT PRIMARY KEY,
	last_event_id BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// EnsureSchema creates the checkpoint table if absent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, checkpointSchema)
	return err
}

func (e *Engine) getCheckpoint(ctx context.Context, name string) (int64, error) {
	var id int64
	err := e.pool.QueryRow(ctx,
		`SELECT last_event_id FROM projection_checkpoints WHERE name=$1`, name).Scan(&id)
	if err == pgx.ErrNoRows {
		_, err := e.pool.Exec(ctx,
			`INSERT INTO projection_checkpoints (name, last_event_id) VALUES ($1, 0) ON CONFLICT DO NOTHING`, name)
		return 0, err
	}
	return id, err
}

func (e *Engine) setCheckpoint(ctx context.Context, tx pgx.Tx, name string, lastEventID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO projection_checkpoints (name, last_event_id, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET last_event_id=$2, updated_at=now()`,
		name, lastEventID)
	return err
}

// Checkpoint returns the current last_event_id for a named projection,
// for status reporting and WaitFor polling.
func (e *Engine) Checkpoint(ctx context.Context, name string) (int64, error) {
	return e.getCheckpoint(ctx, name)
}

