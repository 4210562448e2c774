package scheduler

import (
	"sync"
	"time"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
)

func noEligibleNodesErr(g Group) error {
	return apierr.New(apierr.KindNoEligibleNodes, "no node meets the requested resources for "+resourceKey(g.OrgID, g.EnvID, g.ProcessType))
}

// retryTracker is the "per-resource-key failure counter within a sliding
// window" spec.md §4.6 calls for: once a key accumulates maxAttempts
// failures inside window, it is marked exhausted until the window
// elapses from the last failure, rather than retried every cycle.
type retryTracker struct {
	window      time.Duration
	maxAttempts int

	mu      sync.Mutex
	entries map[string]*retryEntry
}

type retryEntry struct {
	failures    int
	lastFailure time.Time
}

func newRetryTracker(window time.Duration, maxAttempts int) *retryTracker {
	return &retryTracker{window: window, maxAttempts: maxAttempts, entries: make(map[string]*retryEntry)}
}

func (t *retryTracker) RecordFailure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || time.Since(e.lastFailure) > t.window {
		e = &retryEntry{}
		t.entries[key] = e
	}
	e.failures++
	e.lastFailure = time.Now()
}

func (t *retryTracker) Exhausted(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if time.Since(e.lastFailure) > t.window {
		delete(t.entries, key)
		return false
	}
	return e.failures >= t.maxAttempts
}

func (t *retryTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
