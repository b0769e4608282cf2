package scheme

import (
	"context"

	"github.com/project-iris/iris-go/internal/pool"
	"github.com/project-iris/iris-go/internal/wire"
)

// Broadcast implements the fire-and-forget broadcast pattern: outbound
// frames go straight to the codec, inbound payloads are handed to the
// registered handler on a bounded worker pool sized by ServiceLimits.
type Broadcast struct {
	codec   *wire.Codec
	handler BroadcastHandler
	workers *pool.Pool
}

// NewBroadcast constructs the broadcast half of a registered service or
// client connection. handler may be nil for a connection that never
// accepts inbound broadcasts.
func NewBroadcast(codec *wire.Codec, handler BroadcastHandler, limits ServiceLimits) *Broadcast {
	limits = limits.withDefaults()
	return &Broadcast{
		codec:   codec,
		handler: handler,
		workers: pool.New("broadcast", limits.BroadcastThreads, limits.BroadcastMemory),
	}
}

// Send emits BROADCAST{cluster, bytes} and returns once the frame has
// been flushed to the transport.
func (b *Broadcast) Send(cluster string, message []byte) error {
	return b.codec.Send(wire.OpBroadcast, func(c *wire.Codec) error {
		if err := c.SendString(cluster); err != nil {
			return err
		}
		return c.SendBinary(message)
	})
}

// Deliver is invoked by the driver's reader loop with a payload just
// read off the wire. It does not wait for the handler to run, but
// admission blocks while the pool has no free worker slot or memory
// budget for the payload; a payload larger than the whole budget is
// dropped.
func (b *Broadcast) Deliver(message []byte) {
	if b.handler == nil {
		return
	}
	b.workers.Schedule(int64(len(message)), 0, func(ctx context.Context) {
		b.handler.HandleBroadcast(ctx, message)
	})
}

// Close terminates the broadcast worker pool.
func (b *Broadcast) Close(mode pool.TerminateMode) {
	b.workers.Terminate(mode)
}
