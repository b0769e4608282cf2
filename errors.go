package iris

import (
	ierr "github.com/project-iris/iris-go/internal/errors"
	"github.com/project-iris/iris-go/internal/wire"
)

// Sentinel errors callers can compare against with errors.Is.
var (
	// ErrProtocol wraps every malformed-frame condition the wire codec
	// detects, or an opcode the driver does not recognise.
	ErrProtocol = wire.ErrProtocol
	// ErrClosed is returned by any operation attempted after the owning
	// connection or tunnel has already been closed.
	ErrClosed = ierr.ErrClosed
	// ErrInitFailed is returned by Connect/Register when the relay
	// refuses or disagrees on the init handshake.
	ErrInitFailed = ierr.ErrInitFailed
	// ErrAlreadySubscribed is returned by Subscribe for a topic that
	// already has an active subscription on this connection.
	ErrAlreadySubscribed = ierr.ErrAlreadySubscribed
	// ErrNotSubscribed is returned by Unsubscribe for an unknown topic.
	ErrNotSubscribed = ierr.ErrNotSubscribed
)

// TimeoutError is returned when a blocking call's deadline elapses
// before it could complete. It satisfies the conventional
// Timeout() bool probe.
type TimeoutError = ierr.TimeoutError

// RemoteError wraps an error string returned by a remote request
// handler.
type RemoteError = ierr.RemoteError

// RemoteCloseError wraps the non-empty reason a tunnel peer gave when
// closing its end.
type RemoteCloseError = ierr.RemoteCloseError

// ValidationError names the argument a validator rejected.
type ValidationError = ierr.ValidationError
