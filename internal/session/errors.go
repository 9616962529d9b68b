package session

import "errors"

var (
	// ErrDisconnected is returned by Send and Receive when the peer has
	// closed the connection. It ends a handler loop cleanly and is never
	// a fault condition.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrNotOpen is returned when Send or Receive is called while the
	// session is not in the Open state.
	ErrNotOpen = errors.New("session is not open")

	// ErrAlreadyConnected is returned by Connect when the handshake was
	// already attempted. Connecting twice is a programming error.
	ErrAlreadyConnected = errors.New("connect already attempted")
)

// DecodeError reports an inbound payload that failed to parse as JSON.
// It is recoverable: the session stays open and the caller may keep
// receiving.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return "decode message: " + e.Cause.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
