package iris

import (
	"time"

	"github.com/project-iris/iris-go/internal/scheme"
)

// Tunnel is an ordered, reliable, credit-flow-controlled
// byte-message pipe between this connection and a single remote
// endpoint, obtained from Connection.Tunnel or delivered to a
// ServiceHandler's HandleTunnel.
type Tunnel struct {
	endpoint *scheme.Endpoint
	conn     *Connection
}

// Send chunks message according to the peer-advertised chunk limit
// and blocks until every chunk has been admitted by the peer's send
// credit. timeout<=0 blocks forever.
func (t *Tunnel) Send(message []byte, timeout time.Duration) error {
	if err := t.endpoint.Send(message, timeout); err != nil {
		return err
	}
	t.conn.stats.bytesOut.Add(int64(len(message)))
	return nil
}

// Receive blocks for the next fully reassembled inbound message.
// timeout<=0 blocks forever.
func (t *Tunnel) Receive(timeout time.Duration) ([]byte, error) {
	message, err := t.endpoint.Receive(timeout)
	if err != nil {
		return nil, err
	}
	t.conn.stats.bytesIn.Add(int64(len(message)))
	return message, nil
}

// Close performs the tunnel close handshake and waits for the peer's
// acknowledgement. It is idempotent.
func (t *Tunnel) Close() error {
	return t.endpoint.Close()
}
