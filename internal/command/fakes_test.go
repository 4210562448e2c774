package command

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

// fakeStore is an in-memory eventlog.Store for exercising command
// handlers without a Postgres instance. It only implements the seq
// bookkeeping and Append semantics appendAggregateEvent relies on; the
// query methods no handler under test calls panic if ever invoked, so a
// missed collaborator shows up as a test failure instead of silently
// returning zero values.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	byAgg     map[string]int64 // aggregateType/aggregateID -> latest seq
	events    []domain.Event
	failNext  int // number of upcoming Append calls to fail with ErrSequenceConflict
}

func newFakeStore() *fakeStore {
	return &fakeStore{byAgg: map[string]int64{}}
}

func aggKey(t domain.AggregateType, id string) string { return string(t) + "/" + id }

func (s *fakeStore) GetLatestAggregateSeq(ctx context.Context, aggType domain.AggregateType, aggID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byAgg[aggKey(aggType, aggID)], nil
}

func (s *fakeStore) Append(ctx context.Context, ev eventlog.NewEvent) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return domain.Event{}, eventlog.ErrSequenceConflict
	}

	key := aggKey(ev.AggregateType, ev.AggregateID)
	if ev.AggregateSeq != s.byAgg[key]+1 {
		return domain.Event{}, eventlog.ErrSequenceConflict
	}
	s.byAgg[key] = ev.AggregateSeq
	s.nextID++
	out := domain.Event{
		EventID: s.nextID, AggregateType: ev.AggregateType, AggregateID: ev.AggregateID,
		AggregateSeq: ev.AggregateSeq, EventType: ev.EventType, EventVersion: ev.EventVersion,
		ActorType: ev.ActorType, ActorID: ev.ActorID, OrgID: ev.OrgID, AppID: ev.AppID, EnvID: ev.EnvID,
		RequestID: ev.RequestID, IdempotencyKey: ev.IdempotencyKey,
		CorrelationID: ev.CorrelationID, CausationID: ev.CausationID,
	}
	s.events = append(s.events, out)
	return out, nil
}

func (s *fakeStore) AppendBatch(ctx context.Context, evs []eventlog.NewEvent) ([]domain.Event, error) {
	panic("fakeStore: AppendBatch not used by these tests")
}

func (s *fakeStore) QueryAfter(ctx context.Context, afterEventID int64, limit int) ([]domain.Event, error) {
	panic("fakeStore: QueryAfter not used by these tests")
}

func (s *fakeStore) QueryByAggregate(ctx context.Context, aggType domain.AggregateType, aggID string) ([]domain.Event, error) {
	panic("fakeStore: QueryByAggregate not used by these tests")
}

func (s *fakeStore) QueryByOrgAfter(ctx context.Context, orgID string, afterEventID int64, limit int) ([]domain.Event, error) {
	panic("fakeStore: QueryByOrgAfter not used by these tests")
}

func (s *fakeStore) QueryByTypeAfter(ctx context.Context, eventType string, afterEventID int64, limit int) ([]domain.Event, error) {
	panic("fakeStore: QueryByTypeAfter not used by these tests")
}

func (s *fakeStore) GetMaxEventID(ctx context.Context) (int64, error) {
	panic("fakeStore: GetMaxEventID not used by these tests")
}

func (s *fakeStore) Close() {}

// fakeWaiter is a ProjectionWaiter that either succeeds immediately or
// returns a configured error, to exercise waitForReadback without a real
// projection.Engine.
type fakeWaiter struct {
	err error
}

func (w *fakeWaiter) WaitFor(ctx context.Context, eventID int64, projections []string, timeout time.Duration) error {
	return w.err
}

// fakeIPAM hands out sequential suffixes, or fails a configured number of
// times before succeeding, to exercise EnrollNode's bounded retry loop.
type fakeIPAM struct {
	mu        sync.Mutex
	failTimes int
	counter   int
}

func (a *fakeIPAM) NextSuffix(ctx context.Context, prefix string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failTimes > 0 {
		a.failTimes--
		return "", errors.New("collision")
	}
	a.counter++
	return prefix + strconv.Itoa(a.counter), nil
}
