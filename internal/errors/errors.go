// Package errors defines the concrete error types the relay binding
// surfaces to callers, shared between the internal scheme
// implementations and the public façade so both sides agree on
// exactly one set of types.
package errors

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by any operation attempted after the owning
// connection or tunnel has been closed.
var ErrClosed = errors.New("iris: use of closed connection")

// ErrInitFailed is returned by connect/register when the relay refuses
// or disagrees on the init handshake.
var ErrInitFailed = errors.New("iris: relay initialization failed")

// ErrAlreadySubscribed is returned by subscribe when the topic already
// has an active subscription on this connection.
var ErrAlreadySubscribed = errors.New("iris: already subscribed to topic")

// ErrNotSubscribed is returned by unsubscribe for an unknown topic.
var ErrNotSubscribed = errors.New("iris: not subscribed to topic")

// TimeoutError is returned when a blocking call's deadline elapses
// before it could complete.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("iris: %s timed out", e.Op) }

// Timeout reports true, satisfying the conventional net.Error-style
// timeout interface some callers probe for.
func (e *TimeoutError) Timeout() bool { return true }

// RemoteError wraps an error string returned by a remote request
// handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "iris: remote error: " + e.Message }

// RemoteCloseError wraps the non-empty reason a tunnel peer gave when
// closing its end.
type RemoteCloseError struct {
	Reason string
}

func (e *RemoteCloseError) Error() string { return "iris: remote closed tunnel: " + e.Reason }

// ValidationError names the argument a validator rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return "iris: invalid " + e.Field + ": " + e.Message }
