package session

import (
	"errors"
	"fmt"

	"github.com/traceline-io/traceline/types"
)

// ErrSessionClosed is returned for operations on a shut-down session.
var ErrSessionClosed = errors.New("session closed")

// ErrInvalidState is returned when an operation is not legal in the
// run's current state, e.g. logging to a finished run. Caller misuse;
// never retried internally.
var ErrInvalidState = errors.New("invalid run state")

// invalidStateError wraps ErrInvalidState with the offending operation
// and state.
func invalidStateError(op string, state types.RunState) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, state)
}

// TransportError marks the session's channel as permanently failed:
// the reconnect budget was exhausted and no further records can be
// delivered. Every run operation after this surfaces the same error,
// with the final connection failure reachable via errors.As.
type TransportError struct {
	// Attempts is the number of reconnect attempts made.
	Attempts int
	// Err is the last connection failure observed.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport permanently failed after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportFailed reports whether err marks a permanently failed
// transport.
func IsTransportFailed(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
