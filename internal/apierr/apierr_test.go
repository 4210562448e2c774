package apierr

import "testing"

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindUnauthorized, 401},
		{KindForbidden, 403},
		{KindTokenRevoked, 403},
		{KindNotFound, 404},
		{KindConflict, 409},
		{KindSequenceConflict, 409},
		{KindIdempotencyConflict, 409},
		{KindQuotaExceeded, 429},
		{KindIPv4PoolExhausted, 429},
		{KindNoEligibleNodes, 429},
		{KindBadRequest, 400},
		{KindExecSessionExpired, 410},
		{KindProjectionTimeout, 504},
		{KindGatewayTimeout, 504},
		{KindInternal, 500},
		{Kind("unknown"), 500},
	}
	for _, c := range cases {
		if got := c.kind.HTTPStatus(); got != c.want {
			t.Errorf("Kind(%q).HTTPStatus() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestAsUnwrapsWrappedError(t *testing.T) {
	base := &Error{Kind: KindNotFound, Message: "org not found"}
	wrapped := wrapForTest(base)

	got, ok := As(wrapped)
	if !ok {
		t.Fatalf("As() failed to unwrap a wrapped *Error")
	}
	if got.Kind != KindNotFound {
		t.Errorf("got Kind %q, want %q", got.Kind, KindNotFound)
	}
}

func wrapForTest(err error) error {
	return &wrapper{err: err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
