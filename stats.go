package iris

import "sync/atomic"

// stats holds the atomic counters backing Connection.Stats. It has no
// wire representation; it exists purely for local introspection.
type stats struct {
	broadcastsSent     atomic.Int64
	broadcastsReceived atomic.Int64
	requestsSent       atomic.Int64
	requestsServed     atomic.Int64
	eventsPublished    atomic.Int64
	eventsDelivered    atomic.Int64
	tunnelsOpened      atomic.Int64
	tunnelsAccepted    atomic.Int64
	bytesIn            atomic.Int64
	bytesOut           atomic.Int64
}

// Stats is a point-in-time snapshot of a Connection's traffic
// counters.
type Stats struct {
	BroadcastsSent     int64
	BroadcastsReceived int64
	RequestsSent       int64
	RequestsServed     int64
	EventsPublished    int64
	EventsDelivered    int64
	TunnelsOpened      int64
	TunnelsAccepted    int64
	BytesIn            int64
	BytesOut           int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		BroadcastsSent:     s.broadcastsSent.Load(),
		BroadcastsReceived: s.broadcastsReceived.Load(),
		RequestsSent:       s.requestsSent.Load(),
		RequestsServed:     s.requestsServed.Load(),
		EventsPublished:    s.eventsPublished.Load(),
		EventsDelivered:    s.eventsDelivered.Load(),
		TunnelsOpened:      s.tunnelsOpened.Load(),
		TunnelsAccepted:    s.tunnelsAccepted.Load(),
		BytesIn:            s.bytesIn.Load(),
		BytesOut:           s.bytesOut.Load(),
	}
}
