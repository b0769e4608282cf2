package scheme

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ierr "github.com/project-iris/iris-go/internal/errors"
	irislog "github.com/project-iris/iris-go/internal/log"
	"github.com/project-iris/iris-go/internal/pool"
	"github.com/project-iris/iris-go/internal/wire"
)

type pendingRequest struct {
	done    chan struct{}
	timeout bool
	reply   []byte
	errStr  string
	fatal   error
}

// Request implements request/reply: an outbound call blocks on a
// per-id rendezvous fulfilled by the reader thread when a matching
// REPLY frame arrives, and inbound requests run the registered
// handler on a bounded worker pool before replying.
type Request struct {
	codec   *wire.Codec
	handler RequestHandler
	workers *pool.Pool
	log     *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
}

// NewRequest constructs the request/reply half of a connection.
// handler may be nil for a connection that never serves requests.
func NewRequest(codec *wire.Codec, handler RequestHandler, limits ServiceLimits) *Request {
	limits = limits.withDefaults()
	return &Request{
		codec:   codec,
		handler: handler,
		workers: pool.New("request", limits.RequestThreads, limits.RequestMemory),
		log:     irislog.New("scheme.request"),
		pending: make(map[uint64]*pendingRequest),
	}
}

// Send issues an outbound request and blocks for a reply. timeout <= 0
// means block forever, matching timeout_ms == 0 in the wire contract.
func (r *Request) Send(cluster string, message []byte, timeout time.Duration) ([]byte, error) {
	id := r.nextID.Add(1)
	pr := &pendingRequest{done: make(chan struct{})}

	r.mu.Lock()
	r.pending[id] = pr
	r.mu.Unlock()

	timeoutMs := uint64(0)
	if timeout > 0 {
		timeoutMs = uint64(timeout / time.Millisecond)
	}

	if err := r.codec.Send(wire.OpRequest, func(c *wire.Codec) error {
		if err := c.SendVarint(id); err != nil {
			return err
		}
		if err := c.SendString(cluster); err != nil {
			return err
		}
		if err := c.SendBinary(message); err != nil {
			return err
		}
		return c.SendVarint(timeoutMs)
	}); err != nil {
		r.deregister(id)
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
	case <-pr.done:
		return r.result(pr)
	case <-timerC:
		r.mu.Lock()
		_, stillPending := r.pending[id]
		if stillPending {
			delete(r.pending, id)
		}
		r.mu.Unlock()
		if stillPending {
			return nil, &ierr.TimeoutError{Op: "request"}
		}
		// The reader beat us to it; wait for it to finish signalling.
		<-pr.done
		return r.result(pr)
	}
}

func (r *Request) result(pr *pendingRequest) ([]byte, error) {
	if pr.fatal != nil {
		return nil, pr.fatal
	}
	if pr.timeout {
		return nil, &ierr.TimeoutError{Op: "request"}
	}
	if pr.errStr != "" {
		return nil, &ierr.RemoteError{Message: pr.errStr}
	}
	return pr.reply, nil
}

func (r *Request) deregister(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// HandleReply is invoked by the driver's reader loop for an inbound
// REPLY frame: id, timeout flag, then success+bytes or an error
// string. If no pending entry exists the fields have already been
// consumed by the caller reading r.codec directly by the time this is
// called, so this only ever mutates in-memory state.
func (r *Request) HandleReply(id uint64, timeout bool, success bool, reply []byte, errStr string) {
	r.mu.Lock()
	pr, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	pr.timeout = timeout
	if !timeout {
		if success {
			pr.reply = reply
		} else {
			pr.errStr = errStr
		}
	}
	close(pr.done)
}

// HandleRequest is invoked by the driver's reader loop for an inbound
// REQUEST frame. It schedules the handler on the request worker pool
// and does not wait for the handler to run; admission itself blocks
// the reader while the pool has no free worker slot or memory budget,
// for up to timeoutMs (0 waits without bound).
func (r *Request) HandleRequest(id uint64, message []byte, timeoutMs uint64) {
	if r.handler == nil {
		r.reply(id, false, nil, "iris: no request handler registered")
		return
	}
	admitTimeout := time.Duration(timeoutMs) * time.Millisecond
	ok := r.workers.Schedule(int64(len(message)), admitTimeout, func(ctx context.Context) {
		reply, err := r.handler.HandleRequest(ctx, message)
		if err != nil {
			r.reply(id, false, nil, err.Error())
			return
		}
		r.reply(id, true, reply, "")
	})
	if !ok {
		r.reply(id, false, nil, "iris: request handler pool overloaded")
	}
}

func (r *Request) reply(id uint64, success bool, payload []byte, errStr string) {
	err := r.codec.Send(wire.OpReply, func(c *wire.Codec) error {
		if err := c.SendVarint(id); err != nil {
			return err
		}
		if err := c.SendBool(false); err != nil { // timeout, never set by a live handler
			return err
		}
		if err := c.SendBool(success); err != nil {
			return err
		}
		if success {
			return c.SendBinary(payload)
		}
		return c.SendString(errStr)
	})
	if err != nil {
		r.log.Warn("failed to send reply", "id", id, "error", err)
	}
}

// FailAll signals every pending request with err, draining the table.
// Called by the driver when the connection tears down.
func (r *Request) FailAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*pendingRequest)
	r.mu.Unlock()

	for _, pr := range pending {
		pr.fatal = err
		close(pr.done)
	}
}

// Close terminates the request worker pool.
func (r *Request) Close(mode pool.TerminateMode) {
	r.workers.Terminate(mode)
}
