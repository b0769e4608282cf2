// Package scheme implements the four messaging patterns the relay
// protocol multiplexes over one connection: broadcast, request/reply,
// publish/subscribe and tunnels. Each scheme owns its own correlation
// tables and worker pools; all four share the connection's wire codec
// for writes.
package scheme

import (
	"context"
	"runtime"
)

// BroadcastHandler processes an inbound broadcast payload. It never
// tears the connection down; a panic or error is logged and dropped.
type BroadcastHandler interface {
	HandleBroadcast(ctx context.Context, message []byte)
}

// BroadcastHandlerFunc adapts a function to a BroadcastHandler.
type BroadcastHandlerFunc func(ctx context.Context, message []byte)

func (f BroadcastHandlerFunc) HandleBroadcast(ctx context.Context, message []byte) { f(ctx, message) }

// RequestHandler processes an inbound request and returns the reply
// payload. A returned error is flattened into the reply's error string
// and never propagated further.
type RequestHandler interface {
	HandleRequest(ctx context.Context, request []byte) ([]byte, error)
}

// RequestHandlerFunc adapts a function to a RequestHandler.
type RequestHandlerFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// TopicHandler processes an inbound publish/subscribe event.
type TopicHandler interface {
	HandleEvent(ctx context.Context, event []byte)
}

// TopicHandlerFunc adapts a function to a TopicHandler.
type TopicHandlerFunc func(ctx context.Context, event []byte)

func (f TopicHandlerFunc) HandleEvent(ctx context.Context, event []byte) { f(ctx, event) }

// TunnelHandler is invoked with a freshly accepted inbound tunnel.
type TunnelHandler interface {
	HandleTunnel(t *Endpoint)
}

// TunnelHandlerFunc adapts a function to a TunnelHandler.
type TunnelHandlerFunc func(t *Endpoint)

func (f TunnelHandlerFunc) HandleTunnel(t *Endpoint) { f(t) }

// Handler bundles the three callback interfaces a registered service
// implements. Any subset may be nil for a client-only connection that
// never accepts inbound work.
type Handler struct {
	Broadcast BroadcastHandler
	Request   RequestHandler
	Tunnel    TunnelHandler
}

const defaultMemory = 64 * 1024 * 1024 // 64 MiB

func defaultThreads() int {
	return 4 * runtime.NumCPU()
}

// ServiceLimits bounds inbound broadcast/request handler concurrency
// and in-flight payload memory for a registered service.
type ServiceLimits struct {
	BroadcastThreads int
	BroadcastMemory  int64
	RequestThreads   int
	RequestMemory    int64
}

// DefaultServiceLimits returns the documented defaults: 4x CPU count
// worker threads and 64 MiB of in-flight payload memory per pattern.
func DefaultServiceLimits() ServiceLimits {
	return ServiceLimits{
		BroadcastThreads: defaultThreads(),
		BroadcastMemory:  defaultMemory,
		RequestThreads:   defaultThreads(),
		RequestMemory:    defaultMemory,
	}
}

func (l ServiceLimits) withDefaults() ServiceLimits {
	d := DefaultServiceLimits()
	if l.BroadcastThreads <= 0 {
		l.BroadcastThreads = d.BroadcastThreads
	}
	if l.BroadcastMemory <= 0 {
		l.BroadcastMemory = d.BroadcastMemory
	}
	if l.RequestThreads <= 0 {
		l.RequestThreads = d.RequestThreads
	}
	if l.RequestMemory <= 0 {
		l.RequestMemory = d.RequestMemory
	}
	return l
}

// TopicLimits bounds inbound event handler concurrency and in-flight
// payload memory for a single subscription.
type TopicLimits struct {
	EventThreads int
	EventMemory  int64
}

// DefaultTopicLimits returns the documented per-topic defaults.
func DefaultTopicLimits() TopicLimits {
	return TopicLimits{EventThreads: defaultThreads(), EventMemory: defaultMemory}
}

func (l TopicLimits) withDefaults() TopicLimits {
	d := DefaultTopicLimits()
	if l.EventThreads <= 0 {
		l.EventThreads = d.EventThreads
	}
	if l.EventMemory <= 0 {
		l.EventMemory = d.EventMemory
	}
	return l
}

// DefaultTunnelBuffer is the initial credit granted to the peer of a
// freshly constructed or accepted tunnel.
const DefaultTunnelBuffer = 64 * 1024 * 1024
