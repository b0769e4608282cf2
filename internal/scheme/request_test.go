package scheme

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/project-iris/iris-go/internal/errors"
	"github.com/project-iris/iris-go/internal/wire"
)

// replyReaderLoop plays the connection's reader thread for a Request
// scheme under test: it decodes inbound REPLY frames and hands them to
// HandleReply, as the relay driver would.
func replyReaderLoop(codec *wire.Codec, r *Request) {
	for {
		op, err := codec.RecvOpcode()
		if err != nil || op != wire.OpReply {
			return
		}
		id, _ := codec.RecvVarint()
		timeout, _ := codec.RecvBool()
		var success bool
		var payload []byte
		var errStr string
		if !timeout {
			success, _ = codec.RecvBool()
			if success {
				payload, _ = codec.RecvBinary()
			} else {
				errStr, _ = codec.RecvString()
			}
		}
		r.HandleReply(id, timeout, success, payload, errStr)
	}
}

func TestRequestSendReceivesSuccessReply(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	codec := wire.New(local)
	r := NewRequest(codec, nil, ServiceLimits{})
	defer r.Close(0)
	go replyReaderLoop(codec, r)

	go func() {
		peer := wire.New(remote)
		op, _ := peer.RecvOpcode()
		if op != wire.OpRequest {
			return
		}
		id, _ := peer.RecvVarint()
		peer.RecvString() // cluster
		peer.RecvBinary()  // payload
		peer.RecvVarint()  // timeout

		_ = peer.Send(wire.OpReply, func(c *wire.Codec) error {
			if err := c.SendVarint(id); err != nil {
				return err
			}
			if err := c.SendBool(false); err != nil { // not a timeout
				return err
			}
			if err := c.SendBool(true); err != nil { // success
				return err
			}
			return c.SendBinary([]byte("pong"))
		})
	}()

	reply, err := r.Send("workers", []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply)
}

func TestRequestSendReceivesRemoteError(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	codec := wire.New(local)
	r := NewRequest(codec, nil, ServiceLimits{})
	defer r.Close(0)
	go replyReaderLoop(codec, r)

	go func() {
		peer := wire.New(remote)
		peer.RecvOpcode()
		id, _ := peer.RecvVarint()
		peer.RecvString()
		peer.RecvBinary()
		peer.RecvVarint()

		_ = peer.Send(wire.OpReply, func(c *wire.Codec) error {
			if err := c.SendVarint(id); err != nil {
				return err
			}
			if err := c.SendBool(false); err != nil {
				return err
			}
			if err := c.SendBool(false); err != nil { // failure
				return err
			}
			return c.SendString("handler exploded")
		})
	}()

	_, err := r.Send("workers", []byte("ping"), time.Second)
	require.Error(t, err)
	var remoteErr *ierr.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, "handler exploded", remoteErr.Message)
}

func TestRequestSendTimesOutWithoutReply(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	r := NewRequest(wire.New(local), nil, ServiceLimits{})
	defer r.Close(0)

	go func() {
		peer := wire.New(remote)
		peer.RecvOpcode()
		peer.RecvVarint()
		peer.RecvString()
		peer.RecvBinary()
		peer.RecvVarint()
		// never reply
	}()

	_, err := r.Send("workers", []byte("ping"), 30*time.Millisecond)
	require.Error(t, err)
	var timeoutErr *ierr.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
}

func TestRequestHandleReplyIgnoresUnknownID(t *testing.T) {
	local, _ := net.Pipe()
	defer local.Close()

	r := NewRequest(wire.New(local), nil, ServiceLimits{})
	defer r.Close(0)

	assert.NotPanics(t, func() { r.HandleReply(999, false, true, []byte("x"), "") })
}

func TestRequestHandleRequestInvokesHandlerAndReplies(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	handler := RequestHandlerFunc(func(ctx context.Context, request []byte) ([]byte, error) {
		return append([]byte("echo:"), request...), nil
	})
	r := NewRequest(wire.New(local), handler, ServiceLimits{})
	defer r.Close(0)

	r.HandleRequest(42, []byte("hi"), 0)

	peer := wire.New(remote)
	op, err := peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpReply, op)

	id, err := peer.RecvVarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	timeout, err := peer.RecvBool()
	require.NoError(t, err)
	assert.False(t, timeout)

	success, err := peer.RecvBool()
	require.NoError(t, err)
	assert.True(t, success)

	payload, err := peer.RecvBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), payload)
}

func TestRequestFailAllSignalsPendingCallers(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	r := NewRequest(wire.New(local), nil, ServiceLimits{})
	defer r.Close(0)

	go func() {
		peer := wire.New(remote)
		peer.RecvOpcode()
		peer.RecvVarint()
		peer.RecvString()
		peer.RecvBinary()
		peer.RecvVarint()
		// leave pending, then fail it out of band
	}()

	fatal := errors.New("connection died")
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.FailAll(fatal)
	}()

	_, err := r.Send("workers", []byte("ping"), 0)
	assert.ErrorIs(t, err, fatal)
}
