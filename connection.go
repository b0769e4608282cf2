package iris

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	irislog "github.com/project-iris/iris-go/internal/log"
	"github.com/project-iris/iris-go/internal/relay"
)

// closeHandshakeTimeout bounds how long Close waits for the relay to
// acknowledge before releasing the transport unconditionally.
const closeHandshakeTimeout = 5 * time.Second

// Connection is a client-only binding to a relay: it can broadcast,
// request, publish and open tunnels, but never accepts inbound work.
// Register returns a Service, which embeds a Connection to additionally
// accept inbound broadcasts, requests and tunnels.
type Connection struct {
	id     uuid.UUID
	driver *relay.Driver
	log    *slog.Logger
	stats  stats

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the relay listening on port and returns a client-only
// Connection (cluster=""). The relay port must already have an Iris
// relay node listening; Connect does not retry.
func Connect(port int, opts ...Option) (*Connection, error) {
	return newConnection(port, "", nil, opts)
}

func newConnection(port int, cluster string, handler ServiceHandler, opts []Option) (*Connection, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	conn := &Connection{id: uuid.New()}
	if o.logger != nil {
		conn.log = o.logger
	} else {
		conn.log = irislog.New("iris.connection")
	}
	conn.log = conn.log.With("conn_id", conn.id)

	adapter := &serviceAdapter{handler: handler, conn: conn}

	transport, err := dialRelay(port, o.dialTimeout)
	if err != nil {
		return nil, err
	}

	driver, err := relay.Handshake(transport, cluster, adapter.asSchemeHandler(), o.serviceLimits)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	conn.driver = driver

	go driver.Run()
	return conn, nil
}

// Broadcast sends message to every service registered under cluster.
// Delivery is best-effort: Broadcast returns once the frame has been
// flushed to the relay, not once any service has received it.
func (c *Connection) Broadcast(cluster string, message []byte) error {
	if err := validateRemoteCluster(cluster); err != nil {
		return err
	}
	if err := c.driver.Broadcast.Send(cluster, message); err != nil {
		return err
	}
	c.stats.broadcastsSent.Add(1)
	c.stats.bytesOut.Add(int64(len(message)))
	return nil
}

// Request sends message to a single service in cluster, chosen by the
// relay's load-balancing policy, and blocks for its reply. timeout<=0
// blocks forever.
func (c *Connection) Request(cluster string, message []byte, timeout time.Duration) ([]byte, error) {
	if err := validateRemoteCluster(cluster); err != nil {
		return nil, err
	}
	c.stats.requestsSent.Add(1)
	c.stats.bytesOut.Add(int64(len(message)))
	return c.driver.Request.Send(cluster, message, timeout)
}

// Subscribe registers handler for topic. There is a brief propagation
// delay at the relay before published events start arriving.
func (c *Connection) Subscribe(topic string, handler TopicHandler, limits TopicLimits) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if handler == nil {
		return &ValidationError{Field: "handler", Message: "must not be nil"}
	}
	return c.driver.Publish.Subscribe(topic, &topicAdapter{handler: handler, conn: c}, limits)
}

// Unsubscribe removes a previously registered subscription and
// gracefully drains its event handler pool.
func (c *Connection) Unsubscribe(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	return c.driver.Publish.Unsubscribe(topic)
}

// Publish sends message to every subscriber of topic.
func (c *Connection) Publish(topic string, message []byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if err := c.driver.Publish.Send(topic, message); err != nil {
		return err
	}
	c.stats.eventsPublished.Add(1)
	c.stats.bytesOut.Add(int64(len(message)))
	return nil
}

// Tunnel opens a new ordered, credit-flow-controlled byte-message pipe
// to a service in cluster, blocking until the relay confirms it or
// timeout elapses (<=0 blocks forever).
func (c *Connection) Tunnel(cluster string, timeout time.Duration) (*Tunnel, error) {
	if err := validateRemoteCluster(cluster); err != nil {
		return nil, err
	}
	ep, err := c.driver.Tunnel.Open(cluster, timeout)
	if err != nil {
		return nil, err
	}
	c.stats.tunnelsOpened.Add(1)
	return &Tunnel{endpoint: ep, conn: c}, nil
}

// Close performs the graceful close handshake with the relay and
// releases the underlying transport. It is safe to call more than
// once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.driver.Close(closeHandshakeTimeout)
	})
	return c.closeErr
}

// Stats returns a point-in-time snapshot of this connection's traffic
// counters.
func (c *Connection) Stats() Stats {
	return c.stats.snapshot()
}
