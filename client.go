package quinn

import (
	"net"
	"time"

	"github.com/lineCode/quinn/transport"
)

// Client is a client-side QUIC endpoint. Multiple connections can
// share the client's UDP socket. All setters must be invoked before
// Serve.
type Client struct {
	localConn
}

// NewClient creates a new QUIC client.
func NewClient(config *transport.Config) *Client {
	c := &Client{}
	c.localConn.init(config)
	return c
}

// ListenAndServe starts listening on UDP network address addr and
// serves incoming packets. Unlike Server.ListenAndServe, this function
// does not block as Serve is invoked in a goroutine.
func (s *Client) ListenAndServe(addr string) error {
	if err := s.listen(addr); err != nil {
		return err
	}
	go s.Serve()
	return nil
}

// Connect establishes a new connection to UDP network address addr.
// Serve must be running; the connection is delivered to the handler
// once its handshake completes.
func (s *Client) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	req := connectRequest{
		addr:   addrPort(udpAddr),
		result: make(chan error, 1),
	}
	select {
	case s.connectCh <- req:
		return <-req.result
	case <-s.closeCh:
		return errClosed
	}
}

// Close closes all established connections and the listening socket.
func (s *Client) Close() error {
	return s.close(10 * time.Second)
}
