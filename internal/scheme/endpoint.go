package scheme

import (
	"sync"
	"time"

	ierr "github.com/project-iris/iris-go/internal/errors"
)

// Endpoint is one side of a tunnel: an ordered, reliable,
// credit-flow-controlled byte-message pipe. The assembly buffer is
// touched only by the tunnel scheme's reader-thread callbacks; the
// credit and inbound-queue state are guarded by their own locks so
// Send and Receive never contend with each other or with the reader.
type Endpoint struct {
	id         uint64
	chunkLimit uint64
	tunnel     *Tunnel

	cmu        sync.Mutex
	credit     int64
	creditWake chan struct{}

	// assembly* are owned exclusively by the reader thread.
	assembly         []byte
	assemblyCapacity uint64

	qmu   sync.Mutex
	queue [][]byte
	wake  chan struct{}

	exitMu     sync.Mutex
	exitCond   *sync.Cond
	exitReason *string

	closeOnce  sync.Once
	closeSent  bool
	closeErr   error

	fatal error
}

func newEndpoint(id uint64, chunkLimit uint64, t *Tunnel) *Endpoint {
	e := &Endpoint{
		id:         id,
		chunkLimit: chunkLimit,
		tunnel:     t,
		creditWake: make(chan struct{}),
		wake:       make(chan struct{}),
	}
	e.exitCond = sync.NewCond(&e.exitMu)
	return e
}

// ID returns the endpoint's connection-scoped tunnel id.
func (e *Endpoint) ID() uint64 { return e.id }

func (e *Endpoint) addCredit(n int64) {
	e.cmu.Lock()
	e.credit += n
	close(e.creditWake)
	e.creditWake = make(chan struct{})
	e.cmu.Unlock()
}

// waitForCredit blocks until at least need bytes of send credit are
// available, deducting them atomically with the check. A zero
// deadline means wait forever.
func (e *Endpoint) waitForCredit(need int64, deadline time.Time) error {
	for {
		e.cmu.Lock()
		if e.fatal != nil {
			err := e.fatal
			e.cmu.Unlock()
			return err
		}
		if e.credit >= need {
			e.credit -= need
			e.cmu.Unlock()
			return nil
		}
		wake := e.creditWake
		e.cmu.Unlock()

		if deadline.IsZero() {
			<-wake
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &ierr.TimeoutError{Op: "tunnel send"}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return &ierr.TimeoutError{Op: "tunnel send"}
		}
	}
}

// onTransfer is invoked by the reader thread for every inbound
// TUN_TRANSFER frame addressed to this endpoint. sizeOrCont != 0
// starts a new message, discarding and refunding any partial one in
// flight.
func (e *Endpoint) onTransfer(sizeOrCont uint64, chunk []byte) {
	if sizeOrCont != 0 {
		if e.assembly != nil && len(e.assembly) > 0 {
			discarded := len(e.assembly)
			go e.tunnel.sendAllowAsync(e.id, uint64(discarded))
		}
		e.assembly = make([]byte, 0, sizeOrCont)
		e.assemblyCapacity = sizeOrCont
	}
	e.assembly = append(e.assembly, chunk...)
	if uint64(len(e.assembly)) >= e.assemblyCapacity {
		msg := e.assembly
		e.assembly = nil
		e.assemblyCapacity = 0
		e.enqueue(msg)
	}
}

func (e *Endpoint) enqueue(msg []byte) {
	e.qmu.Lock()
	e.queue = append(e.queue, msg)
	close(e.wake)
	e.wake = make(chan struct{})
	e.qmu.Unlock()
}

// Send chunks message into pieces no larger than the peer-advertised
// chunk limit, blocking on send credit between chunks. timeout <= 0
// blocks forever.
func (e *Endpoint) Send(message []byte, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	pos := 0
	for {
		end := pos + int(e.chunkLimit)
		if end > len(message) {
			end = len(message)
		}
		var sizeOrCont uint64
		if pos == 0 {
			sizeOrCont = uint64(len(message))
		}
		chunk := message[pos:end]

		if err := e.waitForCredit(int64(len(chunk)), deadline); err != nil {
			return err
		}
		if err := e.tunnel.sendTransfer(e.id, sizeOrCont, chunk); err != nil {
			return err
		}
		pos = end
		if pos >= len(message) {
			return nil
		}
	}
}

// Receive dequeues the next fully reassembled message, waiting up to
// timeout (<=0 forever). On success it asynchronously replenishes the
// peer's send credit by the message's length.
func (e *Endpoint) Receive(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		e.qmu.Lock()
		if len(e.queue) > 0 {
			msg := e.queue[0]
			e.queue = e.queue[1:]
			e.qmu.Unlock()
			go e.tunnel.sendAllowAsync(e.id, uint64(len(msg)))
			return msg, nil
		}
		wake := e.wake
		e.qmu.Unlock()

		e.exitMu.Lock()
		closed := e.exitReason != nil
		e.exitMu.Unlock()
		if closed {
			return nil, ierr.ErrClosed
		}

		if deadline.IsZero() {
			<-wake
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &ierr.TimeoutError{Op: "tunnel receive"}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, &ierr.TimeoutError{Op: "tunnel receive"}
		}
	}
}

// Close initiates (or acknowledges an already-initiated) close
// handshake and waits for the peer's TUN_CLOSE. Concurrent callers
// all observe the single resulting error.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.exitMu.Lock()
		already := e.exitReason != nil
		e.exitMu.Unlock()

		if !already {
			if err := e.tunnel.sendClose(e.id, ""); err != nil {
				e.closeErr = err
				return
			}
			e.exitMu.Lock()
			e.closeSent = true
			e.exitMu.Unlock()
		}

		e.exitMu.Lock()
		for e.exitReason == nil {
			e.exitCond.Wait()
		}
		reason := *e.exitReason
		e.exitMu.Unlock()

		if reason != "" {
			e.closeErr = &ierr.RemoteCloseError{Reason: reason}
		}
	})
	return e.closeErr
}

// notifyClose is invoked by the tunnel scheme's reader-thread handler
// for TUN_CLOSE. It reports whether this connection still owes the
// peer an acknowledging TUN_CLOSE.
func (e *Endpoint) notifyClose(reason string) (needsAck bool) {
	e.exitMu.Lock()
	defer e.exitMu.Unlock()
	if e.exitReason != nil {
		return false
	}
	r := reason
	e.exitReason = &r
	e.exitCond.Broadcast()
	return !e.closeSent
}

// fail forces the endpoint into a closed state with err, waking every
// blocked Send/Receive/Close caller. Used when the connection tears
// down.
func (e *Endpoint) fail(err error) {
	e.exitMu.Lock()
	if e.exitReason == nil {
		r := err.Error()
		e.exitReason = &r
		e.exitCond.Broadcast()
	}
	e.exitMu.Unlock()

	e.cmu.Lock()
	e.fatal = err
	close(e.creditWake)
	e.creditWake = make(chan struct{})
	e.cmu.Unlock()

	e.qmu.Lock()
	close(e.wake)
	e.wake = make(chan struct{})
	e.qmu.Unlock()
}
