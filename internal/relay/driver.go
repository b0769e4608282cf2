// Package relay owns the connection's single reader goroutine: the
// init and close handshakes, and the opcode dispatch loop that
// demultiplexes inbound frames to the four scheme implementations.
package relay

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	ierr "github.com/project-iris/iris-go/internal/errors"
	irislog "github.com/project-iris/iris-go/internal/log"
	"github.com/project-iris/iris-go/internal/pool"
	"github.com/project-iris/iris-go/internal/scheme"
	"github.com/project-iris/iris-go/internal/wire"
)

// Magic is the protocol version string exchanged during INIT.
const Magic = "iris-relay-v1.0"

// Driver owns the codec's read side and the schemes it dispatches to.
// Exactly one goroutine (Run) ever calls the schemes' inbound-frame
// handlers, which is what lets the tunnel scheme touch its endpoints'
// assembly buffers without a lock.
type Driver struct {
	codec *wire.Codec
	conn  io.Closer
	log   *slog.Logger

	Broadcast *scheme.Broadcast
	Request   *scheme.Request
	Publish   *scheme.Publish
	Tunnel    *scheme.Tunnel

	closeOnce sync.Once
	closeAck  chan struct{}
	stopped   chan struct{}
	fatal     error
}

// Handshake performs the INIT/INIT_ACK exchange over codec and, on
// success, returns a Driver ready to have Run started on it. cluster
// is empty for a client-only connection.
func Handshake(conn io.ReadWriteCloser, cluster string, handler scheme.Handler, serviceLimits scheme.ServiceLimits) (*Driver, error) {
	codec := wire.New(conn)

	if err := codec.Send(wire.OpInit, func(c *wire.Codec) error {
		if err := c.SendString(Magic); err != nil {
			return err
		}
		return c.SendString(cluster)
	}); err != nil {
		return nil, fmt.Errorf("iris: sending init: %w", err)
	}

	op, err := codec.RecvOpcode()
	if err != nil {
		return nil, fmt.Errorf("iris: reading init ack: %w", err)
	}
	if op != wire.OpInitAck {
		return nil, fmt.Errorf("%w: expected INIT_ACK, got %s", ierr.ErrInitFailed, op)
	}
	ok, err := codec.RecvBool()
	if err != nil {
		return nil, fmt.Errorf("iris: reading init ack status: %w", err)
	}
	if !ok {
		msg, err := codec.RecvString()
		if err != nil {
			return nil, fmt.Errorf("iris: reading init ack error: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ierr.ErrInitFailed, msg)
	}

	d := &Driver{
		codec:     codec,
		conn:      conn,
		log:       irislog.New("relay.driver"),
		Broadcast: scheme.NewBroadcast(codec, handler.Broadcast, serviceLimits),
		Request:   scheme.NewRequest(codec, handler.Request, serviceLimits),
		Publish:   scheme.NewPublish(codec),
		Tunnel:    scheme.NewTunnel(codec, handler.Tunnel),
		closeAck:  make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	return d, nil
}

// Run is the connection's sole reader loop. It returns once the
// connection is closed, locally or by a fatal protocol/IO error.
func (d *Driver) Run() {
	defer close(d.stopped)
	for {
		op, err := d.codec.RecvOpcode()
		if err != nil {
			d.fail(fmt.Errorf("iris: reading frame: %w", err))
			return
		}
		if err := d.dispatch(op); err != nil {
			d.fail(err)
			return
		}
		if op == wire.OpClose {
			d.drain(ierr.ErrClosed)
			return
		}
	}
}

func (d *Driver) dispatch(op wire.Opcode) error {
	switch op {
	case wire.OpBroadcast:
		payload, err := d.codec.RecvBinary()
		if err != nil {
			return err
		}
		d.Broadcast.Deliver(payload)

	case wire.OpRequest:
		id, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		if _, err := d.codec.RecvString(); err != nil { // cluster, unused inbound
			return err
		}
		payload, err := d.codec.RecvBinary()
		if err != nil {
			return err
		}
		timeoutMs, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		d.Request.HandleRequest(id, payload, timeoutMs)

	case wire.OpReply:
		id, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		timeout, err := d.codec.RecvBool()
		if err != nil {
			return err
		}
		var success bool
		var payload []byte
		var errStr string
		if !timeout {
			success, err = d.codec.RecvBool()
			if err != nil {
				return err
			}
			if success {
				payload, err = d.codec.RecvBinary()
			} else {
				errStr, err = d.codec.RecvString()
			}
			if err != nil {
				return err
			}
		}
		d.Request.HandleReply(id, timeout, success, payload, errStr)

	case wire.OpPublish:
		topic, err := d.codec.RecvString()
		if err != nil {
			return err
		}
		payload, err := d.codec.RecvBinary()
		if err != nil {
			return err
		}
		d.Publish.Deliver(topic, payload)

	case wire.OpTunInit:
		initID, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		chunkLimit, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		d.Tunnel.HandleInit(initID, chunkLimit)

	case wire.OpTunConfirm:
		initID, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		tunID, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		chunkLimit, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		d.Tunnel.HandleConfirm(initID, tunID, chunkLimit)

	case wire.OpTunAllow:
		id, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		space, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		d.Tunnel.HandleAllow(id, space)

	case wire.OpTunTransfer:
		id, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		sizeOrCont, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		chunk, err := d.codec.RecvBinary()
		if err != nil {
			return err
		}
		d.Tunnel.HandleTransfer(id, sizeOrCont, chunk)

	case wire.OpTunClose:
		id, err := d.codec.RecvVarint()
		if err != nil {
			return err
		}
		hasReason, err := d.codec.RecvBool()
		if err != nil {
			return err
		}
		var reason string
		if hasReason {
			reason, err = d.codec.RecvString()
			if err != nil {
				return err
			}
		}
		d.Tunnel.HandleClose(id, reason)

	case wire.OpClose:
		var reason string
		hasReason, err := d.codec.RecvBool()
		if err != nil {
			return err
		}
		if hasReason {
			reason, err = d.codec.RecvString()
			if err != nil {
				return err
			}
		}
		d.log.Debug("peer closed connection", "reason", reason)
		select {
		case d.closeAck <- struct{}{}:
		default:
		}

	default:
		return fmt.Errorf("%w: unknown opcode %d", wire.ErrProtocol, op)
	}
	return nil
}

// fail is invoked from the reader goroutine when a fatal protocol or
// I/O error occurs.
func (d *Driver) fail(err error) {
	d.log.Error("connection failed", "error", err)
	d.fatal = err
	d.drain(err)
}

// drain fails every pending request/tunnel operation with err, stops
// every scheme's worker pool from admitting further inbound work, and
// releases the transport. It runs on a fatal I/O/protocol error, on a
// CLOSE frame (ours echoed back or the peer's own), and from Close
// itself, so any Request/Tunnel call blocked with timeout<=0 is always
// woken up by whichever teardown path fires first. Calling it more
// than once is safe: FailAll and the pool Close calls see an
// already-drained table or an already-terminated pool, and closing
// conn twice is a harmless no-op past the first call.
func (d *Driver) drain(err error) {
	d.Request.FailAll(err)
	d.Tunnel.FailAll(err)
	d.Broadcast.Close(pool.Immediate)
	d.Request.Close(pool.Immediate)
	d.Publish.Close(pool.Immediate)
	_ = d.conn.Close()
}

// Err returns the error that terminated the reader loop, if any.
func (d *Driver) Err() error { return d.fatal }

// Close performs the graceful close handshake: send CLOSE, wait (up to
// timeout) for the peer's CLOSE acknowledgement, then release the
// reader goroutine and the transport. It is safe to call more than
// once; only the first call performs the handshake.
func (d *Driver) Close(timeout time.Duration) error {
	var sendErr error
	d.closeOnce.Do(func() {
		sendErr = d.codec.Send(wire.OpClose, func(c *wire.Codec) error {
			return c.SendBool(false)
		})
		if sendErr != nil {
			d.drain(ierr.ErrClosed)
			return
		}

		var timerC <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timerC = timer.C
		}
		select {
		case <-d.closeAck:
		case <-d.stopped:
		case <-timerC:
		}
		d.drain(ierr.ErrClosed)
		<-d.stopped
	})
	return sendErr
}
