package scheme

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ierr "github.com/project-iris/iris-go/internal/errors"
	irislog "github.com/project-iris/iris-go/internal/log"
	"github.com/project-iris/iris-go/internal/wire"
)

type pendingBuild struct {
	done       chan struct{}
	chunkLimit uint64
	endpoint   *Endpoint
	fatal      error
}

// Tunnel implements tunnel construction, chunked transfer and close
// handshakes for every endpoint owned by a connection. Endpoints are
// keyed in the active map by their connection-scoped id once
// confirmed; only the reader thread inserts into that map, so no
// endpoint is ever visible to a frame handler before it is fully
// constructed. FailAll clears it from whichever goroutine tears the
// connection down.
type Tunnel struct {
	codec   *wire.Codec
	handler TunnelHandler
	log     *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingBuild
	active  map[uint64]*Endpoint
}

// NewTunnel constructs the tunnel half of a connection. handler may be
// nil for a connection that never accepts inbound tunnels.
func NewTunnel(codec *wire.Codec, handler TunnelHandler) *Tunnel {
	return &Tunnel{
		codec:   codec,
		handler: handler,
		log:     irislog.New("scheme.tunnel"),
		pending: make(map[uint64]*pendingBuild),
		active:  make(map[uint64]*Endpoint),
	}
}

// Open constructs an outbound tunnel to cluster, blocking until the
// relay confirms it or timeout elapses (<=0 blocks forever).
func (t *Tunnel) Open(cluster string, timeout time.Duration) (*Endpoint, error) {
	id := t.nextID.Add(1)
	pb := &pendingBuild{done: make(chan struct{})}

	t.mu.Lock()
	t.pending[id] = pb
	t.mu.Unlock()

	timeoutMs := uint64(0)
	if timeout > 0 {
		timeoutMs = uint64(timeout / time.Millisecond)
	}

	if err := t.codec.Send(wire.OpTunInit, func(c *wire.Codec) error {
		if err := c.SendVarint(id); err != nil {
			return err
		}
		if err := c.SendString(cluster); err != nil {
			return err
		}
		return c.SendVarint(timeoutMs)
	}); err != nil {
		t.deregisterPending(id)
		return nil, err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-pb.done:
	case <-timerC:
		t.mu.Lock()
		_, stillPending := t.pending[id]
		if stillPending {
			delete(t.pending, id)
		}
		t.mu.Unlock()
		if stillPending {
			return nil, &ierr.TimeoutError{Op: "tunnel construction"}
		}
		<-pb.done
	}

	if pb.fatal != nil {
		return nil, pb.fatal
	}
	if pb.chunkLimit == 0 {
		return nil, &ierr.TimeoutError{Op: "tunnel construction"}
	}
	if err := t.sendAllow(pb.endpoint.id, DefaultTunnelBuffer); err != nil {
		return nil, err
	}
	return pb.endpoint, nil
}

func (t *Tunnel) deregisterPending(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// HandleConfirm processes an inbound TUN_CONFIRM, the relay's response
// to our own TUN_INIT. It constructs and registers the endpoint here,
// on the reader thread, so no later frame can find it half-built.
func (t *Tunnel) HandleConfirm(initID, tunID, chunkLimit uint64) {
	t.mu.Lock()
	pb, ok := t.pending[initID]
	if ok {
		delete(t.pending, initID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if chunkLimit == 0 {
		close(pb.done)
		return
	}

	ep := newEndpoint(tunID, chunkLimit, t)
	t.mu.Lock()
	t.active[tunID] = ep
	t.mu.Unlock()

	pb.chunkLimit = chunkLimit
	pb.endpoint = ep
	close(pb.done)
}

// HandleInit processes an inbound TUN_INIT offered by the relay on
// behalf of a remote peer: we allocate our own id, confirm it, grant
// initial credit, and hand the endpoint to the registered handler on
// its own goroutine.
func (t *Tunnel) HandleInit(initID, chunkLimit uint64) {
	if chunkLimit == 0 {
		t.log.Warn("relay offered tunnel with zero chunk limit", "init_id", initID)
		return
	}
	id := t.nextID.Add(1)
	ep := newEndpoint(id, chunkLimit, t)

	t.mu.Lock()
	t.active[id] = ep
	t.mu.Unlock()

	if err := t.codec.Send(wire.OpTunConfirm, func(c *wire.Codec) error {
		if err := c.SendVarint(initID); err != nil {
			return err
		}
		return c.SendVarint(id)
	}); err != nil {
		t.log.Warn("failed to confirm inbound tunnel", "error", err)
		return
	}
	if err := t.sendAllow(id, DefaultTunnelBuffer); err != nil {
		t.log.Warn("failed to grant initial tunnel credit", "error", err)
		return
	}

	if t.handler != nil {
		go t.handler.HandleTunnel(ep)
	}
}

// HandleAllow processes an inbound TUN_ALLOW, crediting the addressed
// endpoint's send budget.
func (t *Tunnel) HandleAllow(id uint64, space uint64) {
	ep := t.lookup(id)
	if ep == nil {
		return
	}
	ep.addCredit(int64(space))
}

// HandleTransfer processes an inbound TUN_TRANSFER on the reader
// thread, the only writer of an endpoint's assembly buffer.
func (t *Tunnel) HandleTransfer(id uint64, sizeOrCont uint64, chunk []byte) {
	ep := t.lookup(id)
	if ep == nil {
		return
	}
	ep.onTransfer(sizeOrCont, chunk)
}

// HandleClose processes an inbound TUN_CLOSE, waking the endpoint's
// close waiters and, if we did not initiate the close ourselves,
// acknowledging it.
func (t *Tunnel) HandleClose(id uint64, reason string) {
	ep := t.lookup(id)
	if ep == nil {
		return
	}
	needsAck := ep.notifyClose(reason)
	t.remove(id)
	if needsAck {
		if err := t.sendClose(id, ""); err != nil {
			t.log.Warn("failed to acknowledge tunnel close", "id", id, "error", err)
		}
	}
}

func (t *Tunnel) lookup(id uint64) *Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[id]
}

func (t *Tunnel) remove(id uint64) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

func (t *Tunnel) sendAllow(id uint64, space uint64) error {
	return t.codec.Send(wire.OpTunAllow, func(c *wire.Codec) error {
		if err := c.SendVarint(id); err != nil {
			return err
		}
		return c.SendVarint(space)
	})
}

// sendAllowAsync issues a credit refund off the reader thread, as
// required for the reassembly-drop and receive-drain paths.
func (t *Tunnel) sendAllowAsync(id uint64, space uint64) {
	if err := t.sendAllow(id, space); err != nil {
		t.log.Warn("failed to refund tunnel credit", "id", id, "error", err)
	}
}

func (t *Tunnel) sendTransfer(id uint64, sizeOrCont uint64, chunk []byte) error {
	return t.codec.Send(wire.OpTunTransfer, func(c *wire.Codec) error {
		if err := c.SendVarint(id); err != nil {
			return err
		}
		if err := c.SendVarint(sizeOrCont); err != nil {
			return err
		}
		return c.SendBinary(chunk)
	})
}

func (t *Tunnel) sendClose(id uint64, reason string) error {
	return t.codec.Send(wire.OpTunClose, func(c *wire.Codec) error {
		if err := c.SendVarint(id); err != nil {
			return err
		}
		if err := c.SendBool(reason != ""); err != nil {
			return err
		}
		if reason != "" {
			return c.SendString(reason)
		}
		return nil
	})
}

// FailAll signals every pending build and active endpoint with err.
// Called by the driver when the connection tears down.
func (t *Tunnel) FailAll(err error) {
	t.mu.Lock()
	pending := t.pending
	active := t.active
	t.pending = make(map[uint64]*pendingBuild)
	t.active = make(map[uint64]*Endpoint)
	t.mu.Unlock()

	for _, pb := range pending {
		pb.fatal = err
		close(pb.done)
	}
	for _, ep := range active {
		ep.fail(err)
	}
}
