package quinn

import (
	"time"

	"github.com/lineCode/quinn/transport"
)

// Server is a server-side QUIC endpoint accepting connections over a
// single UDP socket. All setters must be invoked before Serve.
type Server struct {
	localConn
}

// NewServer creates a new QUIC server. config is the template for
// accepted connections; its TLS configuration must carry certificates.
func NewServer(config *transport.Config) *Server {
	s := &Server{}
	s.localConn.init(config)
	return s
}

// SetAddressValidation makes the server answer the first Initial of an
// unvalidated address with a Retry.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-8.1.2
func (s *Server) SetAddressValidation(v bool) {
	s.endpointConfig.RequireAddressValidation = v
}

// SetCIDIssuer sets the generator of the server's connection IDs, e.g.
// a ServerCIDIssuer so a LoadBalancer can route by server ID.
func (s *Server) SetCIDIssuer(v transport.CIDIssuer) {
	s.endpointConfig.CIDIssuer = v
}

// SetResetKey sets the HMAC key for stateless reset tokens. Sharing
// the key across restarts lets the server reset connections it lost
// state for.
func (s *Server) SetResetKey(key []byte) {
	s.endpointConfig.ResetKey = key
}

// SetAcceptBacklog bounds connections accepted but not yet handled.
func (s *Server) SetAcceptBacklog(n int) {
	s.endpointConfig.AcceptBacklog = n
}

// Listen starts listening on UDP network address addr.
func (s *Server) Listen(addr string) error {
	return s.listen(addr)
}

// ListenAndServe listens on addr and serves incoming packets.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Close sends close frames to all connected clients and closes the
// socket, which makes Serve return.
func (s *Server) Close() error {
	return s.close(10 * time.Second)
}
