package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is delivered to a caller whose request passed its deadline
	// without a matching response.
	ErrTimeout = errors.New("rpc: request timed out")
	// ErrConnectionClosed is matched by every *ClosedError.
	ErrConnectionClosed = errors.New("rpc: connection closed")
	// ErrDuplicateSeq means a sequence id was handed out while still pending.
	// It indicates a generator bug and closes the connection.
	ErrDuplicateSeq = errors.New("rpc: duplicate sequence id")
	// ErrLocalClose is the close reason when Close is called without one.
	ErrLocalClose = errors.New("closed locally")
	// ErrDispatcherClosed answers requests that arrive while the endpoint shuts down.
	ErrDispatcherClosed = errors.New("rpc: shutting down")
	// ErrHeartbeatTimeout is the close reason when the peer stops acknowledging heartbeats.
	ErrHeartbeatTimeout = errors.New("rpc: heartbeat not acknowledged")
	// ErrNoHandler is returned to peers sending requests to an endpoint without handlers.
	ErrNoHandler = errors.New("rpc: no handler registered")
)

// ClosedError is delivered to pending callers when their connection goes away.
type ClosedError struct {
	Reason error
}

func (e *ClosedError) Error() string {
	if e.Reason == nil {
		return ErrConnectionClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConnectionClosed, e.Reason)
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// Unwrap exposes the close reason. Reasons set by the connection itself never wrap
// ErrTimeout, so a caller's ErrTimeout always means its own request expired.
func (e *ClosedError) Unwrap() error {
	return e.Reason
}
