package scheme

import (
	"context"
	"sync"

	ierr "github.com/project-iris/iris-go/internal/errors"
	"github.com/project-iris/iris-go/internal/pool"
	"github.com/project-iris/iris-go/internal/wire"
)

type subscription struct {
	handler TopicHandler
	workers *pool.Pool
}

// Publish implements publish/subscribe: a topic registry keyed by
// name, each with its own bounded worker pool so one slow topic never
// starves another.
type Publish struct {
	codec *wire.Codec

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewPublish constructs the publish/subscribe half of a connection.
func NewPublish(codec *wire.Codec) *Publish {
	return &Publish{
		codec: codec,
		subs:  make(map[string]*subscription),
	}
}

// Subscribe registers handler for topic with the given limits and
// emits SUBSCRIBE{topic}. Returns ErrAlreadySubscribed if topic
// already has an active subscription.
func (p *Publish) Subscribe(topic string, handler TopicHandler, limits TopicLimits) error {
	limits = limits.withDefaults()

	p.mu.Lock()
	if _, exists := p.subs[topic]; exists {
		p.mu.Unlock()
		return ierr.ErrAlreadySubscribed
	}
	sub := &subscription{
		handler: handler,
		workers: pool.New("topic:"+topic, limits.EventThreads, limits.EventMemory),
	}
	p.subs[topic] = sub
	p.mu.Unlock()

	if err := p.codec.Send(wire.OpSubscribe, func(c *wire.Codec) error {
		return c.SendString(topic)
	}); err != nil {
		p.mu.Lock()
		delete(p.subs, topic)
		p.mu.Unlock()
		sub.workers.Terminate(pool.Immediate)
		return err
	}
	return nil
}

// Unsubscribe emits UNSUBSCRIBE{topic}, removes the subscription and
// gracefully terminates its worker pool. Returns ErrNotSubscribed for
// an unknown topic.
func (p *Publish) Unsubscribe(topic string) error {
	p.mu.Lock()
	sub, exists := p.subs[topic]
	if exists {
		delete(p.subs, topic)
	}
	p.mu.Unlock()

	if !exists {
		return ierr.ErrNotSubscribed
	}

	err := p.codec.Send(wire.OpUnsubscribe, func(c *wire.Codec) error {
		return c.SendString(topic)
	})
	sub.workers.Terminate(pool.Graceful)
	return err
}

// Send emits PUBLISH{topic, bytes}.
func (p *Publish) Send(topic string, message []byte) error {
	return p.codec.Send(wire.OpPublish, func(c *wire.Codec) error {
		if err := c.SendString(topic); err != nil {
			return err
		}
		return c.SendBinary(message)
	})
}

// Deliver is invoked by the driver's reader loop for an inbound
// PUBLISH frame. An event for an unknown topic, or one that the
// topic's pool rejects for being over its memory budget, is dropped
// silently.
func (p *Publish) Deliver(topic string, message []byte) {
	p.mu.Lock()
	sub, ok := p.subs[topic]
	p.mu.Unlock()
	if !ok {
		return
	}
	sub.workers.Schedule(int64(len(message)), 0, func(ctx context.Context) {
		sub.handler.HandleEvent(ctx, message)
	})
}

// Close removes every subscription and terminates each topic's worker
// pool with mode.
func (p *Publish) Close(mode pool.TerminateMode) {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.workers.Terminate(mode)
	}
}
