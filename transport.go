package iris

import (
	"fmt"
	"net"
	"time"
)

// dialRelay opens a loopback TCP connection to the relay listening on
// port. This is the one place the module touches a real socket; every
// component above it operates on io.ReadWriteCloser, which is also
// what makes them testable against net.Pipe.
func dialRelay(port int, timeout time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("iris: dialing relay at %s: %w", addr, err)
	}
	return conn, nil
}
