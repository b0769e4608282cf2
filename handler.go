package iris

import (
	"context"

	"github.com/project-iris/iris-go/internal/scheme"
)

// ServiceHandler is implemented by an application registering itself
// under a cluster name. Any method may be left as a no-op by
// embedding a type that satisfies the interface trivially; a nil
// ServiceHandler passed to Register is itself a client-only
// connection that never accepts inbound work.
type ServiceHandler interface {
	// HandleBroadcast is invoked for every broadcast addressed to this
	// service's cluster. Panics are recovered and logged; they never
	// tear down the connection.
	HandleBroadcast(ctx context.Context, message []byte)
	// HandleRequest is invoked for every request addressed to this
	// service's cluster. A returned error is flattened into the
	// caller's reply and never propagated further.
	HandleRequest(ctx context.Context, request []byte) ([]byte, error)
	// HandleTunnel is invoked once, on its own goroutine, for every
	// tunnel a remote peer opens to this service's cluster.
	HandleTunnel(t *Tunnel)
}

// TopicHandler is implemented by an application subscribing to a
// publish/subscribe topic.
type TopicHandler interface {
	HandleEvent(ctx context.Context, event []byte)
}

// TopicHandlerFunc adapts a function to a TopicHandler.
type TopicHandlerFunc func(ctx context.Context, event []byte)

// HandleEvent calls f.
func (f TopicHandlerFunc) HandleEvent(ctx context.Context, event []byte) { f(ctx, event) }

// serviceAdapter bridges a public ServiceHandler into the scheme
// package's three separate handler interfaces, and updates the owning
// Connection's introspection counters as inbound work arrives.
type serviceAdapter struct {
	handler ServiceHandler
	conn    *Connection
}

func (a *serviceAdapter) HandleBroadcast(ctx context.Context, message []byte) {
	a.conn.stats.broadcastsReceived.Add(1)
	a.conn.stats.bytesIn.Add(int64(len(message)))
	a.handler.HandleBroadcast(ctx, message)
}

func (a *serviceAdapter) HandleRequest(ctx context.Context, request []byte) ([]byte, error) {
	a.conn.stats.requestsServed.Add(1)
	a.conn.stats.bytesIn.Add(int64(len(request)))
	return a.handler.HandleRequest(ctx, request)
}

func (a *serviceAdapter) HandleTunnel(ep *scheme.Endpoint) {
	a.conn.stats.tunnelsAccepted.Add(1)
	a.handler.HandleTunnel(&Tunnel{endpoint: ep, conn: a.conn})
}

func (a *serviceAdapter) asSchemeHandler() scheme.Handler {
	if a.handler == nil {
		return scheme.Handler{}
	}
	return scheme.Handler{Broadcast: a, Request: a, Tunnel: a}
}

// topicAdapter bridges a public TopicHandler into the scheme
// package's TopicHandler, counting delivered events.
type topicAdapter struct {
	handler TopicHandler
	conn    *Connection
}

func (a *topicAdapter) HandleEvent(ctx context.Context, event []byte) {
	a.conn.stats.eventsDelivered.Add(1)
	a.conn.stats.bytesIn.Add(int64(len(event)))
	a.handler.HandleEvent(ctx, event)
}
