package transport

import (
	"crypto/rand"
	"errors"
	"net/netip"
	"time"
)

// ErrConfig is returned by Connect and NewEndpoint when the provided
// configuration cannot produce a working connection.
var ErrConfig = errors.New("invalid configuration")

const (
	// Length of connection IDs this endpoint issues. Fixed so short
	// header packets can be routed without connection state.
	localCIDLength = 8

	defaultAcceptBacklog = 64

	// Smallest stateless reset we send: flags (1) + 4 random bytes +
	// token (16). Incoming datagrams must exceed it by one byte so two
	// endpoints cannot reset each other in a loop.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.3.3
	minStatelessResetSize = 21
)

// Transmit is one outgoing datagram. Ownership of Payload passes to the
// caller.
type Transmit struct {
	Addr    netip.AddrPort
	ECN     ECN
	Payload []byte
}

// TimerUpdate tells the host to arm or cancel one of a connection's
// timers. A zero Deadline cancels.
type TimerUpdate struct {
	Handle   ConnectionHandle
	Kind     TimerKind
	Deadline time.Time
}

// ConnectionHandle identifies a connection within an Endpoint. Handles
// are never reused while the connection is live: a freed slot gets a
// new generation.
type ConnectionHandle struct {
	index      uint32
	generation uint32
}

// CIDIssuer generates connection IDs. All IDs issued by one endpoint
// must share the same length so short header packets can be parsed
// without connection state. Implementations can encode routing
// information in the ID, e.g. a server identifier for a load balancer.
type CIDIssuer interface {
	// NewCID generates a new connection ID.
	NewCID() ([]byte, error)
	// CIDLength returns the length of generated connection IDs.
	CIDLength() int
}

// EndpointConfig carries endpoint-wide settings, separate from the
// per-connection Config.
type EndpointConfig struct {
	// ResetKey is the HMAC key for stateless reset tokens. Sharing it
	// across restarts lets the endpoint reset connections it lost state
	// for. Generated randomly when empty.
	ResetKey []byte

	// AcceptBacklog bounds connections accepted but not yet taken by
	// the application.
	AcceptBacklog int

	// RequireAddressValidation answers the first Initial of an
	// unvalidated address with a Retry.
	RequireAddressValidation bool

	// RejectWhenBusy answers Initial packets with a CONNECTION_REFUSED
	// close when the accept backlog is full, instead of dropping them.
	RejectWhenBusy bool

	// CIDIssuer generates the endpoint's connection IDs. When nil, IDs
	// are 8 random bytes.
	CIDIssuer CIDIssuer
}

// NewEndpointConfig returns the default endpoint configuration.
func NewEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		AcceptBacklog:  defaultAcceptBacklog,
		RejectWhenBusy: true,
	}
}

type connEntry struct {
	conn       *Conn
	generation uint32

	// Deadlines last reported to the host, per timer kind.
	reported [timerCount]time.Time

	ready     bool // in the transmit ready list
	extraCIDs bool // additional CIDs issued after handshake
}

// Endpoint multiplexes connections over one local address. It routes
// datagrams by connection ID, answers unroutable ones statelessly
// (Version Negotiation, Retry, stateless reset) and exposes a poll
// surface for transmits and timers. Like Conn it performs no I/O and
// must be externally serialized.
type Endpoint struct {
	config         *Config
	endpointConfig *EndpointConfig

	conns     []connEntry
	free      []uint32
	routes    map[string]ConnectionHandle
	backlog   []ConnectionHandle
	readyFIFO []ConnectionHandle

	// Stateless responses queued by Handle.
	stateless []Transmit

	timerUpdates []TimerUpdate

	tokens    *AddressValidator
	resetKey  []byte
	cidIssuer CIDIssuer
	cidLength int

	// Server side is enabled when the TLS config can respond to client
	// hellos.
	server bool

	lastResetSent time.Time
}

// NewEndpoint creates an endpoint. config is the template for accepted
// connections and the default for Connect. A nil endpointConfig uses
// NewEndpointConfig defaults.
func NewEndpoint(config *Config, endpointConfig *EndpointConfig) (*Endpoint, error) {
	if config == nil || config.TLS == nil {
		return nil, ErrConfig
	}
	if endpointConfig == nil {
		endpointConfig = NewEndpointConfig()
	}
	tokens, err := NewAddressValidator()
	if err != nil {
		return nil, err
	}
	resetKey := endpointConfig.ResetKey
	if len(resetKey) == 0 {
		resetKey = make([]byte, 32)
		if _, err := rand.Read(resetKey); err != nil {
			return nil, err
		}
	}
	cidLength := localCIDLength
	if endpointConfig.CIDIssuer != nil {
		cidLength = endpointConfig.CIDIssuer.CIDLength()
		if cidLength < 1 || cidLength > MaxCIDLength {
			return nil, ErrConfig
		}
	}
	return &Endpoint{
		config:         config,
		endpointConfig: endpointConfig,
		routes:         make(map[string]ConnectionHandle),
		tokens:         tokens,
		resetKey:       resetKey,
		cidIssuer:      endpointConfig.CIDIssuer,
		cidLength:      cidLength,
		server:         len(config.TLS.Certificates) > 0 || config.TLS.GetCertificate != nil,
	}, nil
}

// Connect opens a client connection to addr. The first flight is
// available from PollTransmit.
func (s *Endpoint) Connect(now time.Time, addr netip.AddrPort, config *Config) (ConnectionHandle, *Conn, error) {
	if config == nil {
		config = s.config
	}
	if config.TLS == nil || len(config.TLS.NextProtos) == 0 {
		return ConnectionHandle{}, nil, ErrConfig
	}
	scid, err := s.newCID()
	if err != nil {
		return ConnectionHandle{}, nil, err
	}
	c, err := Connect(scid, addr, config)
	if err != nil {
		return ConnectionHandle{}, nil, err
	}
	h := s.attach(c, now)
	return h, c, nil
}

// Accept pops one accepted server connection off the backlog.
func (s *Endpoint) Accept() (ConnectionHandle, *Conn, bool) {
	for len(s.backlog) > 0 {
		h := s.backlog[0]
		s.backlog = s.backlog[1:]
		if e := s.entry(h); e != nil {
			return h, e.conn, true
		}
	}
	return ConnectionHandle{}, nil, false
}

// Get returns the connection of a handle, or nil when the handle is
// stale.
func (s *Endpoint) Get(h ConnectionHandle) *Conn {
	e := s.entry(h)
	if e == nil {
		return nil
	}
	return e.conn
}

// Handle processes one received datagram. Unroutable or malformed
// datagrams are answered statelessly where the protocol allows it and
// dropped silently otherwise.
func (s *Endpoint) Handle(now time.Time, addr netip.AddrPort, ecn ECN, datagram []byte) {
	h, err := DecodeHeader(datagram, s.cidLength)
	if err != nil {
		return
	}
	if e, hd := s.route(h.DCID); e != nil {
		s.deliver(hd, e, now, addr, ecn, datagram)
		return
	}
	switch h.packetType() {
	case packetTypeVersionNegotiation, packetTypeRetry:
		// Never answered when unroutable.
		return
	case packetTypeShort:
		s.handleUnknownShort(now, addr, h, datagram)
		return
	}
	// Unroutable long header.
	if !versionSupported(h.Version) {
		if len(datagram) >= MinInitialPacketSize {
			s.queueVersionNegotiation(addr, h)
		}
		return
	}
	if h.packetType() != packetTypeInitial || !s.server || len(datagram) < MinInitialPacketSize {
		return
	}
	s.handleInitial(now, addr, ecn, h, datagram)
}

func (s *Endpoint) handleInitial(now time.Time, addr netip.AddrPort, ecn ECN, h *Header, datagram []byte) {
	var p packet
	p.header = *h
	if _, err := p.decodeHeader(datagram); err != nil {
		return
	}
	if _, err := p.decodeBody(datagram[p.headerLen:]); err != nil {
		return
	}
	addrBytes := addrToBytes(addr)
	var odcid []byte
	if len(p.token) > 0 {
		if odcid = s.tokens.Validate(now, addrBytes, p.token); odcid == nil {
			// Not a Retry token. NEW_TOKEN tokens are best effort:
			// invalid ones fall back to the Retry challenge.
			if !s.tokens.ValidateToken(now, addrBytes, p.token) && s.endpointConfig.RequireAddressValidation {
				s.queueRetry(now, addr, h)
				return
			}
		}
	} else if s.endpointConfig.RequireAddressValidation {
		s.queueRetry(now, addr, h)
		return
	}
	if len(s.backlog) >= s.endpointConfig.AcceptBacklog {
		if s.endpointConfig.RejectWhenBusy {
			s.queueConnectionRefused(addr, h)
		}
		return
	}
	var scid []byte
	if odcid != nil {
		// The client echoed the Retry source CID as its DCID.
		scid = h.DCID
	} else {
		var err error
		if scid, err = s.newCID(); err != nil {
			return
		}
	}
	c, err := Accept(scid, odcid, addr, s.config)
	if err != nil {
		return
	}
	hd := s.attach(c, now)
	// Route the client-chosen DCID too: it addresses the whole first
	// flight.
	s.routes[string(h.DCID)] = hd
	s.backlog = append(s.backlog, hd)
	e := s.entry(hd)
	s.deliver(hd, e, now, addr, ecn, datagram)
}

// handleUnknownShort answers unroutable short packets with a stateless
// reset so a rebooted peer does not wait out the idle timeout.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.3
func (s *Endpoint) handleUnknownShort(now time.Time, addr netip.AddrPort, h *Header, datagram []byte) {
	if len(datagram) <= minStatelessResetSize {
		return
	}
	if now.Sub(s.lastResetSent) < 100*time.Millisecond {
		// Rate limit.
		return
	}
	// The reset must be smaller than the datagram that evoked it so
	// two endpoints cannot bounce resets off each other.
	size := len(datagram) - 1
	if size > MinInitialPacketSize/2 {
		size = MinInitialPacketSize / 2
	}
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return
	}
	b[0] = 0x40 | (b[0] & 0x3f)
	token := computeResetToken(s.resetKey, h.DCID)
	copy(b[len(b)-resetTokenLen:], token)
	s.lastResetSent = now
	s.stateless = append(s.stateless, Transmit{Addr: addr, Payload: b})
}

func (s *Endpoint) queueVersionNegotiation(addr netip.AddrPort, h *Header) {
	b := make([]byte, 7+2*MaxCIDLength+4)
	n, err := NegotiateVersion(b, h.SCID, h.DCID)
	if err != nil {
		return
	}
	s.stateless = append(s.stateless, Transmit{Addr: addr, Payload: b[:n]})
}

func (s *Endpoint) queueRetry(now time.Time, addr netip.AddrPort, h *Header) {
	rscid, err := s.newCID()
	if err != nil {
		return
	}
	token := s.tokens.Generate(now, addrToBytes(addr), h.DCID)
	if token == nil {
		return
	}
	b := make([]byte, 7+2*MaxCIDLength+len(token)+retryIntegrityTagLen)
	n, err := Retry(b, h.SCID, rscid, h.DCID, token)
	if err != nil {
		return
	}
	s.stateless = append(s.stateless, Transmit{Addr: addr, Payload: b[:n]})
}

// queueConnectionRefused answers an Initial with a close packet sealed
// under the Initial keys derived from the client's DCID, without
// creating connection state.
func (s *Endpoint) queueConnectionRefused(addr netip.AddrPort, h *Header) {
	var initial initialAEAD
	if err := initial.init(h.DCID); err != nil {
		return
	}
	sealer := initial.server
	overhead := sealer.aead.Overhead()
	p := packet{
		typ: packetTypeInitial,
		header: Header{
			Version: h.Version,
			DCID:    h.SCID,
			SCID:    h.DCID,
		},
	}
	f := newConnectionCloseFrame(ConnectionRefused, 0, nil, false)
	payloadLen := f.encodedLen()
	if payloadLen < minPayloadLength {
		payloadLen = minPayloadLength
	}
	p.payloadLen = payloadLen + overhead
	b := make([]byte, p.encodedLen())
	payloadOffset, err := p.encode(b)
	if err != nil {
		return
	}
	n, err := f.encode(b[payloadOffset:])
	if err != nil {
		return
	}
	for i := payloadOffset + n; i < payloadOffset+payloadLen; i++ {
		b[i] = 0
	}
	size := payloadOffset + p.payloadLen
	sealer.encryptPayload(b[:size], 0, p.payloadLen)
	pnOffset := size - p.payloadLen - packetNumberLen(0)
	sealer.encryptHeader(b[:size], pnOffset)
	s.stateless = append(s.stateless, Transmit{Addr: addr, Payload: b[:size]})
}

// deliver routes a datagram into a connection and refreshes its poll
// state.
func (s *Endpoint) deliver(hd ConnectionHandle, e *connEntry, now time.Time, addr netip.AddrPort, ecn ECN, datagram []byte) {
	_, err := e.conn.Write(datagram, addr, ecn, now)
	if err != nil {
		debug("connection %x write: %v", e.conn.scid, err)
	}
	s.refresh(hd, e, now)
}

// PollTransmit returns the next datagram to send. Stateless responses
// go first, then ready connections round-robin.
func (s *Endpoint) PollTransmit(now time.Time) (Transmit, bool) {
	if len(s.stateless) > 0 {
		t := s.stateless[0]
		s.stateless[0] = Transmit{}
		s.stateless = s.stateless[1:]
		return t, true
	}
	for len(s.readyFIFO) > 0 {
		hd := s.readyFIFO[0]
		s.readyFIFO = s.readyFIFO[1:]
		e := s.entry(hd)
		if e == nil {
			continue
		}
		e.ready = false
		b := make([]byte, MaxIPv4PacketSize)
		n, err := e.conn.Read(b, now)
		if err != nil {
			debug("connection %x read: %v", e.conn.scid, err)
			s.refresh(hd, e, now)
			continue
		}
		if n == 0 {
			s.refresh(hd, e, now)
			continue
		}
		t := Transmit{
			Addr:    e.conn.sendAddr,
			ECN:     e.conn.recovery.sendMarking(),
			Payload: b[:n],
		}
		// More datagrams may be pending.
		s.markReady(hd, e)
		s.syncTimers(hd, e)
		return t, true
	}
	return Transmit{}, false
}

// PollTimers drains pending timer changes for the host scheduler.
func (s *Endpoint) PollTimers() (TimerUpdate, bool) {
	if len(s.timerUpdates) == 0 {
		return TimerUpdate{}, false
	}
	u := s.timerUpdates[0]
	s.timerUpdates = s.timerUpdates[1:]
	return u, true
}

// Timeout fires one timer of a connection. Stale handles and timers
// re-armed since the host scheduled the callback are ignored.
func (s *Endpoint) Timeout(now time.Time, hd ConnectionHandle, kind TimerKind) {
	e := s.entry(hd)
	if e == nil {
		return
	}
	e.conn.onTimeout(kind, now)
	s.refresh(hd, e, now)
}

// Notify marks a connection active after the application mutated it
// outside of Handle and Timeout, e.g. wrote to a stream. Transmit
// readiness and timers are refreshed so PollTransmit and PollTimers
// pick up the changes.
func (s *Endpoint) Notify(now time.Time, hd ConnectionHandle) {
	e := s.entry(hd)
	if e == nil {
		return
	}
	s.refresh(hd, e, now)
}

// Remove detaches a connection: routes are dropped and the handle is
// invalidated. Live connections are not closed first; the caller is
// expected to have driven the close.
func (s *Endpoint) Remove(hd ConnectionHandle) {
	e := s.entry(hd)
	if e == nil {
		return
	}
	for cid, h := range s.routes {
		if h == hd {
			delete(s.routes, cid)
		}
	}
	s.conns[hd.index] = connEntry{generation: hd.generation + 1}
	s.free = append(s.free, hd.index)
}

// refresh updates routing, readiness and timers after any activity on
// a connection, and removes it once closed with all events drained.
func (s *Endpoint) refresh(hd ConnectionHandle, e *connEntry, now time.Time) {
	if e.conn.state == stateClosed && len(e.conn.events) == 0 {
		s.Remove(hd)
		return
	}
	if !e.extraCIDs && e.conn.IsEstablished() {
		// Give the peer a spare CID for migration.
		e.extraCIDs = true
		if cid, err := s.newCID(); err == nil {
			e.conn.issueCID(cid, computeResetToken(s.resetKey, cid))
			s.routes[string(cid)] = hd
		}
	}
	s.markReady(hd, e)
	s.syncTimers(hd, e)
}

func (s *Endpoint) markReady(hd ConnectionHandle, e *connEntry) {
	if e.ready {
		return
	}
	e.ready = true
	s.readyFIFO = append(s.readyFIFO, hd)
}

func (s *Endpoint) syncTimers(hd ConnectionHandle, e *connEntry) {
	for kind := TimerKind(0); kind < timerCount; kind++ {
		d := e.conn.timerDeadline(kind)
		if d.Equal(e.reported[kind]) {
			continue
		}
		e.reported[kind] = d
		s.timerUpdates = append(s.timerUpdates, TimerUpdate{
			Handle:   hd,
			Kind:     kind,
			Deadline: d,
		})
	}
}

func (s *Endpoint) attach(c *Conn, now time.Time) ConnectionHandle {
	var hd ConnectionHandle
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		hd = ConnectionHandle{index: idx, generation: s.conns[idx].generation}
		s.conns[idx].conn = c
	} else {
		hd = ConnectionHandle{index: uint32(len(s.conns))}
		s.conns = append(s.conns, connEntry{conn: c})
	}
	s.routes[string(c.scid)] = hd
	c.retireCIDFn = func(cid []byte) {
		delete(s.routes, string(cid))
	}
	e := s.entry(hd)
	s.markReady(hd, e)
	s.syncTimers(hd, e)
	return hd
}

func (s *Endpoint) entry(hd ConnectionHandle) *connEntry {
	if int(hd.index) >= len(s.conns) {
		return nil
	}
	e := &s.conns[hd.index]
	if e.conn == nil || e.generation != hd.generation {
		return nil
	}
	return e
}

func (s *Endpoint) route(dcid []byte) (*connEntry, ConnectionHandle) {
	hd, ok := s.routes[string(dcid)]
	if !ok {
		return nil, ConnectionHandle{}
	}
	e := s.entry(hd)
	if e == nil {
		delete(s.routes, string(dcid))
		return nil, ConnectionHandle{}
	}
	return e, hd
}

func (s *Endpoint) newCID() ([]byte, error) {
	if s.cidIssuer != nil {
		return s.cidIssuer.NewCID()
	}
	cid := make([]byte, localCIDLength)
	if _, err := rand.Read(cid); err != nil {
		return nil, err
	}
	return cid, nil
}

func addrToBytes(addr netip.AddrPort) []byte {
	// Port excluded: NAT rebinding changes it without changing the host.
	a := addr.Addr()
	b := a.As16()
	return b[:]
}

// NewToken issues an address validation token for the peer of an
// established server connection, delivered in a NEW_TOKEN frame.
func (s *Endpoint) NewToken(now time.Time, hd ConnectionHandle) {
	e := s.entry(hd)
	if e == nil || e.conn.isClient {
		return
	}
	token := s.tokens.GenerateToken(now, addrToBytes(e.conn.remoteAddr))
	if token == nil {
		return
	}
	e.conn.setNewToken(token)
	s.markReady(hd, e)
}
