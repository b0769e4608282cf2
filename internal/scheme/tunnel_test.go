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

// tunnelReaderLoop plays the connection's reader thread for a Tunnel
// scheme under test: it demultiplexes the tunnel opcodes exactly as
// the relay driver would, so Open/Send/Receive/Close can be exercised
// without a full Driver.
func tunnelReaderLoop(codec *wire.Codec, tun *Tunnel, stop chan struct{}) {
	for {
		op, err := codec.RecvOpcode()
		if err != nil {
			return
		}
		switch op {
		case wire.OpTunConfirm:
			initID, _ := codec.RecvVarint()
			tunID, _ := codec.RecvVarint()
			chunkLimit, _ := codec.RecvVarint()
			tun.HandleConfirm(initID, tunID, chunkLimit)
		case wire.OpTunInit:
			initID, _ := codec.RecvVarint()
			chunkLimit, _ := codec.RecvVarint()
			tun.HandleInit(initID, chunkLimit)
		case wire.OpTunAllow:
			id, _ := codec.RecvVarint()
			space, _ := codec.RecvVarint()
			tun.HandleAllow(id, space)
		case wire.OpTunTransfer:
			id, _ := codec.RecvVarint()
			sizeOrCont, _ := codec.RecvVarint()
			chunk, _ := codec.RecvBinary()
			tun.HandleTransfer(id, sizeOrCont, chunk)
		case wire.OpTunClose:
			id, _ := codec.RecvVarint()
			hasReason, _ := codec.RecvBool()
			var reason string
			if hasReason {
				reason, _ = codec.RecvString()
			}
			tun.HandleClose(id, reason)
		default:
			return
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

func newTunnelHarness(t *testing.T, handler TunnelHandler) (tun *Tunnel, peer *wire.Codec, stop chan struct{}) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })

	codec := wire.New(local)
	tun = NewTunnel(codec, handler)
	peer = wire.New(remote)
	stop = make(chan struct{})
	go tunnelReaderLoop(codec, tun, stop)
	t.Cleanup(func() { close(stop) })
	return tun, peer, stop
}

func TestTunnelOpenConstructionHandshake(t *testing.T) {
	tun, peer, _ := newTunnelHarness(t, nil)

	type result struct {
		ep  *Endpoint
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		ep, err := tun.Open("workers", time.Second)
		resultCh <- result{ep, err}
	}()

	op, err := peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunInit, op)
	initID, err := peer.RecvVarint()
	require.NoError(t, err)
	cluster, err := peer.RecvString()
	require.NoError(t, err)
	assert.Equal(t, "workers", cluster)
	_, err = peer.RecvVarint() // timeout
	require.NoError(t, err)

	require.NoError(t, peer.Send(wire.OpTunConfirm, func(c *wire.Codec) error {
		if err := c.SendVarint(initID); err != nil {
			return err
		}
		if err := c.SendVarint(500); err != nil {
			return err
		}
		return c.SendVarint(4)
	}))

	op, err = peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunAllow, op)
	id, err := peer.RecvVarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), id)
	space, err := peer.RecvVarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultTunnelBuffer), space)

	res := <-resultCh
	require.NoError(t, res.err)
	require.NotNil(t, res.ep)
	assert.Equal(t, uint64(500), res.ep.ID())
}

func TestTunnelOpenTimeoutWhenChunkLimitZero(t *testing.T) {
	tun, peer, _ := newTunnelHarness(t, nil)

	resultCh := make(chan error, 1)
	go func() {
		_, err := tun.Open("workers", time.Second)
		resultCh <- err
	}()

	peer.RecvOpcode()
	initID, _ := peer.RecvVarint()
	peer.RecvString()
	peer.RecvVarint()

	require.NoError(t, peer.Send(wire.OpTunConfirm, func(c *wire.Codec) error {
		if err := c.SendVarint(initID); err != nil {
			return err
		}
		if err := c.SendVarint(0); err != nil {
			return err
		}
		return c.SendVarint(0)
	}))

	err := <-resultCh
	require.Error(t, err)
	var timeoutErr *ierr.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
}

func TestTunnelOpenLocalTimeoutWithoutConfirm(t *testing.T) {
	tun, peer, _ := newTunnelHarness(t, nil)
	go func() {
		peer.RecvOpcode()
		peer.RecvVarint()
		peer.RecvString()
		peer.RecvVarint()
		// never confirm
	}()

	_, err := tun.Open("workers", 30*time.Millisecond)
	require.Error(t, err)
	var timeoutErr *ierr.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
}

// openEndpoint drives a full construction handshake and returns the
// resulting endpoint plus the peer codec left ready to script the
// data phase.
func openEndpoint(t *testing.T, chunkLimit uint64) (*Endpoint, *wire.Codec) {
	t.Helper()
	tun, peer, _ := newTunnelHarness(t, nil)

	resultCh := make(chan *Endpoint, 1)
	go func() {
		ep, err := tun.Open("workers", time.Second)
		require.NoError(t, err)
		resultCh <- ep
	}()

	peer.RecvOpcode()
	initID, _ := peer.RecvVarint()
	peer.RecvString()
	peer.RecvVarint()
	require.NoError(t, peer.Send(wire.OpTunConfirm, func(c *wire.Codec) error {
		if err := c.SendVarint(initID); err != nil {
			return err
		}
		if err := c.SendVarint(500); err != nil {
			return err
		}
		return c.SendVarint(chunkLimit)
	}))
	peer.RecvOpcode() // initial TUN_ALLOW
	peer.RecvVarint()
	peer.RecvVarint()

	return <-resultCh, peer
}

func TestTunnelSendChunksAndBlocksOnCredit(t *testing.T) {
	ep, peer := openEndpoint(t, 4)

	sendErr := make(chan error, 1)
	go func() { sendErr <- ep.Send([]byte("ABCDEFG"), time.Second) }()

	// No credit granted yet: the send must not have emitted anything.
	select {
	case <-sendErr:
		t.Fatal("send completed without any credit")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, peer.Send(wire.OpTunAllow, func(c *wire.Codec) error {
		if err := c.SendVarint(500); err != nil {
			return err
		}
		return c.SendVarint(100)
	}))

	op, err := peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunTransfer, op)
	id, _ := peer.RecvVarint()
	assert.Equal(t, uint64(500), id)
	size, _ := peer.RecvVarint()
	assert.Equal(t, uint64(7), size)
	chunk, _ := peer.RecvBinary()
	assert.Equal(t, []byte("ABCD"), chunk)

	op, err = peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunTransfer, op)
	peer.RecvVarint()
	cont, _ := peer.RecvVarint()
	assert.Equal(t, uint64(0), cont)
	chunk2, _ := peer.RecvBinary()
	assert.Equal(t, []byte("EFG"), chunk2)

	require.NoError(t, <-sendErr)
}

func TestTunnelSendTimesOutWithoutCredit(t *testing.T) {
	ep, _ := openEndpoint(t, 4)
	err := ep.Send([]byte("ABCD"), 30*time.Millisecond)
	require.Error(t, err)
	var timeoutErr *ierr.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
}

func TestTunnelReceiveReassemblesAndRefundsCredit(t *testing.T) {
	ep, peer := openEndpoint(t, 4)

	require.NoError(t, peer.Send(wire.OpTunTransfer, func(c *wire.Codec) error {
		if err := c.SendVarint(500); err != nil {
			return err
		}
		if err := c.SendVarint(7); err != nil {
			return err
		}
		return c.SendBinary([]byte("ABCD"))
	}))
	require.NoError(t, peer.Send(wire.OpTunTransfer, func(c *wire.Codec) error {
		if err := c.SendVarint(500); err != nil {
			return err
		}
		if err := c.SendVarint(0); err != nil {
			return err
		}
		return c.SendBinary([]byte("EFG"))
	}))

	msg, err := ep.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEFG"), msg)

	op, err := peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunAllow, op)
	id, _ := peer.RecvVarint()
	assert.Equal(t, uint64(500), id)
	refund, _ := peer.RecvVarint()
	assert.Equal(t, uint64(7), refund)
}

func TestTunnelReceiveTimesOutWithEmptyQueue(t *testing.T) {
	ep, _ := openEndpoint(t, 4)
	_, err := ep.Receive(30 * time.Millisecond)
	require.Error(t, err)
	var timeoutErr *ierr.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
}

func TestTunnelReassemblyDropRefundsDiscardedBytes(t *testing.T) {
	ep, peer := openEndpoint(t, 4)

	// Start a 10-byte message, but only send 4 bytes of it.
	require.NoError(t, peer.Send(wire.OpTunTransfer, func(c *wire.Codec) error {
		if err := c.SendVarint(500); err != nil {
			return err
		}
		if err := c.SendVarint(10); err != nil {
			return err
		}
		return c.SendBinary([]byte("ABCD"))
	}))

	// A new message begins before the first completes: the partial 4
	// bytes are discarded and refunded.
	require.NoError(t, peer.Send(wire.OpTunTransfer, func(c *wire.Codec) error {
		if err := c.SendVarint(500); err != nil {
			return err
		}
		if err := c.SendVarint(3); err != nil {
			return err
		}
		return c.SendBinary([]byte("xyz"))
	}))

	op, err := peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunAllow, op)
	peer.RecvVarint()
	refund, _ := peer.RecvVarint()
	assert.Equal(t, uint64(4), refund)

	msg, err := ep.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), msg)
}

func TestTunnelCloseHandshake(t *testing.T) {
	ep, peer := openEndpoint(t, 4)

	closeErr := make(chan error, 1)
	go func() { closeErr <- ep.Close() }()

	op, err := peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunClose, op)
	id, _ := peer.RecvVarint()
	assert.Equal(t, uint64(500), id)
	hasReason, _ := peer.RecvBool()
	assert.False(t, hasReason)

	require.NoError(t, peer.Send(wire.OpTunClose, func(c *wire.Codec) error {
		if err := c.SendVarint(500); err != nil {
			return err
		}
		return c.SendBool(false)
	}))

	require.NoError(t, <-closeErr)
}

func TestTunnelCloseSurfacesRemoteReason(t *testing.T) {
	ep, peer := openEndpoint(t, 4)

	closeErr := make(chan error, 1)
	go func() { closeErr <- ep.Close() }()

	peer.RecvOpcode()
	peer.RecvVarint()
	peer.RecvBool()

	require.NoError(t, peer.Send(wire.OpTunClose, func(c *wire.Codec) error {
		if err := c.SendVarint(500); err != nil {
			return err
		}
		if err := c.SendBool(true); err != nil {
			return err
		}
		return c.SendString("peer shutting down")
	}))

	err := <-closeErr
	require.Error(t, err)
	var closeErrType *ierr.RemoteCloseError
	require.True(t, errors.As(err, &closeErrType))
	assert.Equal(t, "peer shutting down", closeErrType.Reason)
}

func TestTunnelInboundAcceptInvokesHandler(t *testing.T) {
	accepted := make(chan *Endpoint, 1)
	handler := TunnelHandlerFunc(func(ep *Endpoint) { accepted <- ep })

	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })
	codec := wire.New(local)
	tun := NewTunnel(codec, handler)
	peer := wire.New(remote)
	stop := make(chan struct{})
	go tunnelReaderLoop(codec, tun, stop)
	t.Cleanup(func() { close(stop) })

	require.NoError(t, peer.Send(wire.OpTunInit, func(c *wire.Codec) error {
		if err := c.SendVarint(77); err != nil {
			return err
		}
		return c.SendVarint(8)
	}))

	op, err := peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunConfirm, op)
	initID, _ := peer.RecvVarint()
	assert.Equal(t, uint64(77), initID)
	newID, err := peer.RecvVarint()
	require.NoError(t, err)

	op, err = peer.RecvOpcode()
	require.NoError(t, err)
	require.Equal(t, wire.OpTunAllow, op)
	id, _ := peer.RecvVarint()
	assert.Equal(t, newID, id)
	space, _ := peer.RecvVarint()
	assert.Equal(t, uint64(DefaultTunnelBuffer), space)

	select {
	case ep := <-accepted:
		assert.Equal(t, newID, ep.ID())
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestTunnelFailAllWakesBlockedCallers(t *testing.T) {
	ep, _ := openEndpoint(t, 4)

	sendErr := make(chan error, 1)
	go func() { sendErr <- ep.Send([]byte("ABCD"), 0) }()

	time.Sleep(20 * time.Millisecond)
	ep.fail(context.DeadlineExceeded)

	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("send was never unblocked by fail")
	}
}
