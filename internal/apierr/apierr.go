// Package apierr declares the error-kind taxonomy every command handler,
// projection, and ingress component translates failures into. Kinds are
// sentinel values wrapped with fmt.Errorf("...: %w", err), the idiom the
// rest of this codebase's command and store layers already use.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories the HTTP and gRPC layers map
// onto status codes and error envelopes.
type Kind string

const (
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindSequenceConflict   Kind = "sequence_conflict"
	KindIdempotencyConflict Kind = "idempotency_key_conflict"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindBadRequest         Kind = "bad_request"
	KindProjectionTimeout  Kind = "projection_timeout"
	KindGatewayTimeout     Kind = "gateway_timeout"
	KindInternal           Kind = "internal_error"

	KindIPv4PoolExhausted  Kind = "ipv4_pool_exhausted"
	KindNoEligibleNodes    Kind = "no_eligible_nodes"
	KindExecSessionExpired Kind = "exec_session_expired"
	KindTokenRevoked       Kind = "token_revoked"
)

// Error is the typed error every command handler returns up to the
// transport layer. Message is safe to surface to the caller; it never
// includes internal detail beyond what Kind already conveys.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Fields    map[string]any
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithField attaches a structured field (e.g. dimension, limit,
// current_usage for quota_exceeded) and returns the same error for chaining.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithRequestID stamps the request id the error should carry in the
// response envelope.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// As reports whether err (or something it wraps) is an *Error, following
// the same errors.As convention as the rest of this codebase's error
// handling.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func NotFound(resource string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func SequenceConflict(aggregateType, aggregateID string) *Error {
	return New(KindSequenceConflict, fmt.Sprintf("sequence conflict on %s %s", aggregateType, aggregateID)).
		WithField("aggregate_type", aggregateType).WithField("aggregate_id", aggregateID)
}

func QuotaExceeded(dimension string, limit, current, requested int64) *Error {
	return New(KindQuotaExceeded, fmt.Sprintf("quota exceeded for %s", dimension)).
		WithField("dimension", dimension).
		WithField("limit", limit).
		WithField("current_usage", current).
		WithField("requested_delta", requested)
}

func IdempotencyConflict(key string) *Error {
	return New(KindIdempotencyConflict, fmt.Sprintf("idempotency key %s already used with a different request body", key))
}

func BadRequest(message string) *Error {
	return New(KindBadRequest, message)
}

func ProjectionTimeout(projection string, waitedFor string) *Error {
	return New(KindProjectionTimeout, fmt.Sprintf("timed out waiting for projection %s to reach %s", projection, waitedFor))
}

func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// HTTPStatus maps a Kind onto the status code the HTTP API returns for it
// (spec.md §7: RYW timeouts surface as 504 even though the underlying event
// is already durable; everything else follows the usual REST conventions).
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return 401
	case KindForbidden, KindTokenRevoked:
		return 403
	case KindNotFound:
		return 404
	case KindConflict, KindSequenceConflict, KindIdempotencyConflict:
		return 409
	case KindQuotaExceeded, KindIPv4PoolExhausted, KindNoEligibleNodes:
		return 429
	case KindBadRequest:
		return 400
	case KindExecSessionExpired:
		return 410
	case KindProjectionTimeout, KindGatewayTimeout:
		return 504
	case KindInternal:
		return 500
	default:
		return 500
	}
}
