package quinn

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"sort"
	"sync"
)

// ServerCIDIssuer issues connection IDs embedding a server identifier
// so a LoadBalancer can route short header packets without per-flow
// state. Layout:
//
//	length (1 byte) | server id (varint) | random
//
// The leading length byte makes the ID self-describing on the wire,
// where short headers do not carry a connection ID length.
type ServerCIDIssuer struct {
	id  []byte // encoded server id
	sid uint64
}

// NewServerCIDIssuer creates a CIDIssuer for the given server ID.
func NewServerCIDIssuer(id uint64) *ServerCIDIssuer {
	return &ServerCIDIssuer{
		id:  encodeServerID(id),
		sid: id,
	}
}

// NewCID generates a new connection ID.
func (s *ServerCIDIssuer) NewCID() ([]byte, error) {
	cid := make([]byte, 1+cidLength)
	cid[0] = cidLength
	n := copy(cid[1:], s.id)
	_, err := rand.Read(cid[1+n:])
	return cid, err
}

// CIDLength returns the length of generated connection IDs.
func (s *ServerCIDIssuer) CIDLength() int {
	return 1 + cidLength
}

// encodeServerID encodes id as a QUIC variable-length integer.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-16
func encodeServerID(id uint64) []byte {
	switch {
	case id < 1<<6:
		return []byte{byte(id)}
	case id < 1<<14:
		return []byte{0x40 | byte(id>>8), byte(id)}
	case id < 1<<30:
		return []byte{0x80 | byte(id>>24), byte(id >> 16), byte(id >> 8), byte(id)}
	default:
		return []byte{
			0xc0 | byte(id>>56), byte(id >> 48), byte(id >> 40), byte(id >> 32),
			byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id),
		}
	}
}

// decodeServerID returns the server ID and the number of bytes read,
// or n == 0 when b does not hold a whole varint.
func decodeServerID(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	n := 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, 0
	}
	id := uint64(b[0] & 0x3f)
	for i := 1; i < n; i++ {
		id = id<<8 | uint64(b[i])
	}
	return id, n
}

// LoadBalancer routes client packets to a pool of servers sharing its
// address. New connections are spread by hashing the client-chosen
// destination ID; established connections are routed by the server ID
// embedded in IDs from a ServerCIDIssuer, so they stick to their
// server across client address migration. Servers answer clients
// directly from the shared address.
type LoadBalancer struct {
	socket net.PacketConn

	mu      sync.RWMutex
	servers map[uint64]net.Addr
	ids     []uint64 // sorted keys of servers

	logger Logger
}

// NewLoadBalancer creates an idle load balancer.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		servers: make(map[uint64]net.Addr),
		logger:  LeveledLogger(LevelInfo),
	}
}

// SetLogger sets the routing logger.
func (s *LoadBalancer) SetLogger(v Logger) {
	s.logger = v
}

// AddServer registers a backend server. id must match the server's
// ServerCIDIssuer.
func (s *LoadBalancer) AddServer(id uint64, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.servers[id]; !ok {
		s.ids = append(s.ids, id)
		sort.Slice(s.ids, func(i, j int) bool { return s.ids[i] < s.ids[j] })
	}
	s.servers[id] = udpAddr
	s.mu.Unlock()
	return nil
}

// SetListener sets the listening socket.
func (s *LoadBalancer) SetListener(conn net.PacketConn) {
	s.socket = conn
}

// ListenAndServe starts listening on UDP network address addr and
// routes incoming packets.
func (s *LoadBalancer) ListenAndServe(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.socket = socket
	return s.Serve()
}

// Serve routes packets from the socket until it is closed.
func (s *LoadBalancer) Serve() error {
	if s.socket == nil {
		return errors.New("no listening connection")
	}
	s.logger.Log(LevelInfo, "%s balancing", s.socket.LocalAddr())
	var buf [bufferSize]byte
	for {
		n, addr, err := s.socket.ReadFrom(buf[:])
		if n > 0 {
			s.forward(buf[:n], addr)
		}
		if err != nil {
			return err
		}
	}
}

// Close closes the listening socket.
func (s *LoadBalancer) Close() error {
	if s.socket == nil {
		return nil
	}
	return s.socket.Close()
}

func (s *LoadBalancer) forward(b []byte, from net.Addr) {
	addr, ok := s.route(b)
	if !ok {
		s.logger.Log(LevelDebug, "%s dropped %d bytes: no route", from, len(b))
		return
	}
	_, err := s.socket.WriteTo(b, addr)
	if err != nil {
		s.logger.Log(LevelError, "%s forward to %s failed: %v", from, addr, err)
		return
	}
	s.logger.Log(LevelTrace, "%s forwarded %d bytes to %s", from, len(b), addr)
}

// route picks the backend server for one datagram.
func (s *LoadBalancer) route(b []byte) (net.Addr, bool) {
	dcid, ok := datagramDCID(b)
	if !ok {
		return nil, false
	}
	if sid, ok := serverIDFromCID(dcid); ok {
		s.mu.RLock()
		addr := s.servers[sid]
		s.mu.RUnlock()
		if addr != nil {
			return addr, true
		}
	}
	// Not one of ours: a client-chosen ID from a first flight. Spread
	// by hash so retransmitted Initials reach the same server.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return nil, false
	}
	h := fnv.New64a()
	h.Write(dcid)
	addr := s.servers[s.ids[h.Sum64()%uint64(len(s.ids))]]
	return addr, true
}

// datagramDCID extracts the destination ID of the datagram's first
// packet. Short header IDs are parsed with the self-describing length
// byte of ServerCIDIssuer.
func datagramDCID(b []byte) ([]byte, bool) {
	if len(b) < 2 {
		return nil, false
	}
	if b[0]&0x80 != 0 {
		// Long header: 4 bytes version, then length-prefixed DCID.
		if len(b) < 6 {
			return nil, false
		}
		l := int(b[5])
		if len(b) < 6+l {
			return nil, false
		}
		return b[6 : 6+l], true
	}
	l := int(b[1])
	if len(b) < 2+l {
		return nil, false
	}
	return b[1 : 2+l], true
}

// serverIDFromCID decodes the server ID of a ServerCIDIssuer-generated
// connection ID.
func serverIDFromCID(cid []byte) (uint64, bool) {
	if len(cid) < 2 || int(cid[0]) != len(cid)-1 {
		return 0, false
	}
	sid, n := decodeServerID(cid[1:])
	if n == 0 {
		return 0, false
	}
	return sid, true
}

// String implements fmt.Stringer for logging.
func (s *LoadBalancer) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("loadbalancer servers=%d", len(s.servers))
}
