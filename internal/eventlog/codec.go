package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Payload is implemented by every event payload struct. Validate enforces
// the "missing required fields fail the append" half of spec.md §4.1's
// payload discipline; the "unknown fields are dropped with a warning" half
// is handled by decoding through encoding/json's default strict-unless-
// DisallowUnknownFields behavior at the registry boundary (see Canonicalize).
type Payload interface {
	Validate() error
}

type payloadFactory func() Payload

// Registry is the static event_type -> codec table Design Notes §9
// requires in place of runtime reflection: append-time canonicalization
// and decode-time reconstruction both route through it, and an
// unregistered event_type fails the append rather than being silently
// accepted and left undecodable later.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]payloadFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]payloadFactory)}
}

// Register binds an event_type to the zero-value constructor for its
// payload type. Call once per event_type at process start, before any
// Append or Decode.
func Register[T Payload](r *Registry, eventType string, zero func() T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[eventType] = func() Payload { return zero() }
}

// Canonicalize validates raw against the registered schema for eventType
// and re-encodes it into the canonical, sorted-key JSON form the store
// persists. It is this codebase's stand-in for the protobuf canonical
// binary form spec.md §4.1 describes: Go's encoding/json already emits
// struct fields in fixed declaration order and sorts map keys, so a
// round-trip through the typed payload is sufficient to canonicalize.
func (r *Registry) Canonicalize(eventType string, raw []byte) ([]byte, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event type %q is not registered: append rejected", eventType)
	}

	payload := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		// Unknown-field decode failures are re-attempted leniently so that
		// unknown fields are dropped (logged by the caller) rather than
		// failing the whole append; only a missing required field, caught
		// by Validate below, is fatal.
		if lenientErr := json.Unmarshal(raw, payload); lenientErr != nil {
			return nil, fmt.Errorf("decode payload for %q: %w", eventType, lenientErr)
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload for %q: %w", eventType, err)
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload for %q: %w", eventType, err)
	}
	return canonical, nil
}

// marshalPayload is the plain (non-canonicalizing) encode used to turn an
// already-typed payload into raw bytes before it is re-canonicalized
// through the registry.
func marshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Decode reconstructs the typed payload from canonical bytes previously
// produced by Canonicalize, for consumers (projections) that need more
// than the raw bytes.
func (r *Registry) Decode(eventType string, canonical []byte) (Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event type %q is not registered", eventType)
	}
	payload := factory()
	if err := json.Unmarshal(canonical, payload); err != nil {
		return nil, fmt.Errorf("decode canonical payload for %q: %w", eventType, err)
	}
	return payload, nil
}
