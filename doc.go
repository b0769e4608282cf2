// Package iris is a client-side binding for the Iris cloud messaging
// fabric. It multiplexes four messaging primitives — broadcast,
// request/reply, publish/subscribe and tunnelled byte streams — onto a
// single framed TCP connection to a relay node running on the local
// host.
//
// A client-only binding is obtained with Connect; a binding that also
// serves inbound work is obtained with Register, which additionally
// requires a ServiceHandler and a non-empty cluster name.
//
//	conn, err := iris.Connect(55555)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	reply, err := conn.Request("echo", []byte("hello"), 5*time.Second)
package iris
