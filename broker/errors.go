package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrClientClosed is returned to callers still waiting when the client is torn down.
	ErrClientClosed = errors.New("rpc client closed")
	// ErrConnectionLost is returned to callers whose reply queue went away with the connection.
	ErrConnectionLost = errors.New("broker connection lost")
	// ErrSessionClosed is returned when a session is used after shutdown.
	ErrSessionClosed = errors.New("broker session closed")
	// ErrDuplicateCorrelation means a correlation id is already pending.
	ErrDuplicateCorrelation = errors.New("correlation id already pending")
	// ErrUnknownTask is reported in the TaskResult when no handler serves the task kind.
	ErrUnknownTask = errors.New("unknown task kind")
)

// TransportError is returned once every attempt to reach the broker failed.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: broker unreachable after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
