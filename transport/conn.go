package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"net/netip"
	"time"
)

// connectionState is the state of a connection.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-10
type connectionState uint8

const (
	stateAttempted connectionState = iota
	stateHandshake
	stateActive
	stateClosing
	stateDraining
	stateClosed
)

var connectionStateNames = [...]string{
	stateAttempted: "attempted",
	stateHandshake: "handshake",
	stateActive:    "active",
	stateClosing:   "closing",
	stateDraining:  "draining",
	stateClosed:    "closed",
}

func (s connectionState) String() string {
	return connectionStateNames[s]
}

// Timers owned by the connection. The endpoint polls each deadline and
// calls back into the connection when one fires.
type TimerKind int

const (
	timerIdle TimerKind = iota
	timerLossDetection
	timerKeyDiscard
	timerPathValidation
	timerClose
	timerCount
)

var timerKindNames = [...]string{
	timerIdle:           "idle",
	timerLossDetection:  "loss_detection",
	timerKeyDiscard:     "key_discard",
	timerPathValidation: "path_validation",
	timerClose:          "close",
}

func (k TimerKind) String() string {
	return timerKindNames[k]
}

// Terminal reasons that do not originate from a CONNECTION_CLOSE frame.
var (
	// ErrConnectionReset is reported when the peer sent a valid stateless reset.
	ErrConnectionReset = errors.New("connection reset by peer")
	// ErrTimedOut is reported when the connection idle timer expired.
	ErrTimedOut = errors.New("connection timed out")
	// ErrVersionMismatch is reported when version negotiation offered no
	// mutually supported version.
	ErrVersionMismatch = errors.New("no mutually supported version")
)

const (
	// Up to three PATH_CHALLENGE retransmissions per candidate path.
	maxPathValidationTries = 3
	// One CONNECTION_CLOSE is echoed for every closingRecvLimit packets
	// received while closing.
	closingRecvLimit = 3
)

// connectionID is an issued or received connection ID with its sequence
// number and associated stateless reset token.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-5.1
type connectionID struct {
	sequence   uint64
	cid        []byte
	resetToken []byte
	needSend   bool // NEW_CONNECTION_ID due (local CIDs only)
	retired    bool
}

// Conn is a QUIC connection presenting a non-blocking interface.
// It is not safe for concurrent use.
// Use Connect or Accept to create a connection.
type Conn struct {
	isClient bool
	state    connectionState
	version  uint32

	// Connection IDs
	scid  []byte // source
	dcid  []byte // destination
	odcid []byte // original destination
	rscid []byte // retry source
	token []byte // address validation token sent in Initial packets

	localCIDs   []connectionID // issued to the peer, sequence 0 is scid
	localCIDSeq uint64
	peerCIDs    []connectionID // issued by the peer
	peerCIDsRetirePrior uint64
	retireCIDs  []uint64 // pending RETIRE_CONNECTION_ID sequence numbers
	// retireCIDFn is invoked when the peer retires one of our CIDs so
	// the endpoint can unroute it.
	retireCIDFn func(cid []byte)

	packetNumberSpaces [packetSpaceCount]packetNumberSpace

	// 1-RTT keys support updates so they live outside the packet number space.
	// https://www.rfc-editor.org/rfc/rfc9001.html#section-6
	keys           updatableKeys
	appReadSecret  []byte
	appWriteSecret []byte
	appSuite       uint16

	// 0-RTT keys. Clients seal, servers open.
	earlySeal packetProtection
	earlyOpen packetProtection

	streams  streamMap
	datagram Datagram
	flow     flowControl

	localParams Parameters
	peerParams  Parameters

	handshake tlsHandshake
	tlsConfig *tls.Config
	recovery  lossRecovery

	// Paths. remoteAddr is the active path, candidateAddr is being
	// validated after an apparent peer migration.
	remoteAddr    netip.AddrPort
	sendAddr      netip.AddrPort // address for the datagram produced by last Read
	candidateAddr netip.AddrPort
	recvAddr      netip.AddrPort // address of the datagram being processed
	pathChallenge []byte
	pathChallengeSend bool
	pathTries     int
	recvProbing   bool

	pathResponse []byte

	timers [timerCount]time.Time

	closeFrame       *connectionCloseFrame
	closeErr         error
	closeSent        bool
	closeEventSent   bool
	closingRecvCount int

	events     []Event
	logEventFn func(LogEvent)

	// Anti-amplification accounting, server only.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-8
	bytesRecv     uint64
	bytesSent     uint64
	addrValidated bool

	decryptFailures uint64

	newToken     []byte // received in NEW_TOKEN, for future connections
	newTokenSend []byte // pending NEW_TOKEN, server only

	cryptoBuf [4096]byte
	lastNow   time.Time

	spin bool

	gotPeerCID            bool
	didRetry              bool
	didVersionNegotiation bool
	derivedInitialSecrets bool
	ackElicitingSent      bool
	handshakeComplete     bool
	handshakeConfirmed    bool
	handshakeDoneSend     bool
	updateMaxData         bool
	earlyDataOffered      bool
	earlyDataAccepted     bool
	earlyRejected         bool
}

// Connect creates a client connection. The endpoint supplies the chosen
// source connection ID and the peer address. Config must include a TLS
// configuration with at least one ALPN protocol.
func Connect(scid []byte, addr netip.AddrPort, config *Config) (*Conn, error) {
	return newConn(scid, nil, addr, config, true)
}

// Accept creates a server connection. If a Retry was performed, odcid
// is the destination connection ID from the client's first Initial
// packet, already validated by the endpoint.
func Accept(scid, odcid []byte, addr netip.AddrPort, config *Config) (*Conn, error) {
	return newConn(scid, odcid, addr, config, false)
}

func newConn(scid, odcid []byte, addr netip.AddrPort, config *Config, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	if config.TLS == nil {
		return nil, newError(InternalError, "tls config required")
	}
	if !versionSupported(config.Version) {
		return nil, newError(VersionNegotiationError, sprint("unsupported version ", config.Version))
	}
	s := &Conn{
		isClient:   isClient,
		version:    config.Version,
		remoteAddr: addr,
		sendAddr:   addr,
		tlsConfig:  config.TLS,
	}
	s.scid = append(s.scid[:0], scid...)
	s.localCIDs = append(s.localCIDs, connectionID{sequence: 0, cid: s.scid})
	s.localCIDSeq = 1
	s.localParams = config.Params
	s.localParams.InitialSourceCID = s.scid
	s.flow.init(s.localParams.InitialMaxData, 0)
	s.streams.init(isClient, s.localParams.InitialMaxStreamsBidi, s.localParams.InitialMaxStreamsUni)
	s.datagram.setMaxRecv(s.localParams.MaxDatagramFrameSize)
	s.recovery.init()
	for i := range s.packetNumberSpaces {
		s.packetNumberSpaces[i].init()
	}
	if isClient {
		s.localParams.OriginalDestinationCID = nil
		s.localParams.RetrySourceCID = nil
		s.localParams.StatelessResetToken = nil
		s.token = config.Token
		s.addrValidated = true
		s.dcid = make([]byte, MaxCIDLength)
		if err := s.rand(s.dcid); err != nil {
			return nil, newError(InternalError, "random: "+err.Error())
		}
		s.odcid = append(s.odcid[:0], s.dcid...)
		if err := s.deriveInitialKeyMaterial(s.dcid); err != nil {
			return nil, err
		}
		if config.EarlyParams != nil {
			// Remembered server parameters permit sending application
			// data in 0-RTT packets before the handshake completes.
			s.applySendParams(config.EarlyParams)
		}
	} else {
		// Clients validate the server address implicitly.
		s.recovery.setPeerCompletedAddressValidation()
		if len(odcid) > 0 {
			// The endpoint already validated a Retry token, so the
			// client address is proven and amplification limits lifted.
			s.odcid = append(s.odcid[:0], odcid...)
			s.rscid = s.scid
			s.didRetry = true
			s.addrValidated = true
			s.localParams.OriginalDestinationCID = s.odcid
			s.localParams.RetrySourceCID = s.rscid
			if err := s.deriveInitialKeyMaterial(s.scid); err != nil {
				return nil, err
			}
		}
	}
	s.handshake.init(s, config.TLS, isClient)
	if isClient {
		if err := s.handshake.start(&s.localParams); err != nil {
			return nil, err
		}
		s.earlyDataOffered = s.earlySeal.aead != nil
	} else {
		// Transport parameters are deferred until the original
		// destination CID is known from the first Initial packet.
		var params *Parameters
		if s.didRetry {
			params = &s.localParams
		}
		if err := s.handshake.start(params); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Conn) deriveInitialKeyMaterial(cid []byte) error {
	var initial initialAEAD
	if err := initial.init(cid); err != nil {
		return newError(InternalError, "initial key material: "+err.Error())
	}
	space := &s.packetNumberSpaces[packetSpaceInitial]
	if s.isClient {
		space.opener, space.sealer = initial.server, initial.client
	} else {
		space.opener, space.sealer = initial.client, initial.server
	}
	s.derivedInitialSecrets = true
	return nil
}

// IsClient returns true for client connections.
func (s *Conn) IsClient() bool {
	return s.isClient
}

// LocalID returns the connection's original source connection ID.
func (s *Conn) LocalID() []byte {
	return s.scid
}

// IsEstablished returns true once the handshake has completed.
func (s *Conn) IsEstablished() bool {
	return s.handshakeComplete
}

// IsClosed returns true once the connection reached its terminal state.
func (s *Conn) IsClosed() bool {
	return s.state == stateClosed
}

// RemoteAddr returns the active path's peer address.
func (s *Conn) RemoteAddr() netip.AddrPort {
	return s.remoteAddr
}

// Err returns the terminal reason once the connection is closing,
// draining or closed, and nil while it is live.
func (s *Conn) Err() error {
	return s.closeErr
}

// Token returns the address validation token received in a NEW_TOKEN
// frame, for use in a future connection to the same server.
func (s *Conn) Token() []byte {
	return s.newToken
}

// ZeroRTT reports whether early data was offered by the client and
// whether the peer accepted it.
func (s *Conn) ZeroRTT() (offered, accepted bool) {
	if s.isClient {
		return s.earlyDataOffered, s.earlyDataOffered && s.handshakeComplete && !s.earlyRejected
	}
	return s.earlyDataAccepted, s.earlyDataAccepted
}

// Write processes a received datagram. addr is the source address and
// ecn the codepoint from the IP header. It always consumes the whole
// datagram; the returned error indicates a connection error that has
// been scheduled to be sent to the peer.
func (s *Conn) Write(b []byte, addr netip.AddrPort, ecn ECN, now time.Time) (int, error) {
	s.lastNow = now
	if s.state >= stateDraining {
		return len(b), nil
	}
	if s.state == stateClosing {
		// Rate-limit close retransmission to the peer.
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.2.1
		s.closingRecvCount++
		if s.closingRecvCount%closingRecvLimit == 1 {
			s.closeSent = false
		}
		return len(b), nil
	}
	s.bytesRecv += uint64(len(b))
	s.recvAddr = addr
	n := 0
	for n < len(b) {
		i, err := s.recv(b[n:], b, ecn, now)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				s.abort(e, 0)
			}
			return len(b), err
		}
		if i <= 0 {
			break
		}
		n += i
		if s.state >= stateClosing {
			break
		}
	}
	if d := s.idleDuration(); d > 0 {
		s.timers[timerIdle] = now.Add(d)
	}
	s.ackElicitingSent = false
	s.checkTimeouts(now)
	s.addStreamEvents()
	return len(b), nil
}

// recv processes a single packet. datagram is the whole UDP payload,
// used for stateless reset detection. It returns the number of bytes
// consumed; dropped packets consume the remainder of the datagram.
func (s *Conn) recv(b, datagram []byte, ecn ECN, now time.Time) (int, error) {
	p := packet{
		header: Header{
			dcil: uint8(len(s.scid)),
		},
	}
	_, err := p.decodeHeader(b)
	if err != nil {
		s.logPacketDropped(&p, logTriggerHeaderParseError, now)
		return len(b), nil
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		return s.recvPacketVersionNegotiation(b, &p, now)
	case packetTypeRetry:
		return s.recvPacketRetry(b, &p, now)
	case packetTypeInitial:
		return s.recvPacketInitial(b, &p, ecn, now)
	case packetTypeHandshake:
		return s.recvPacket(b, &p, packetSpaceHandshake, ecn, now)
	case packetTypeZeroRTT:
		return s.recvPacketZeroRTT(b, &p, ecn, now)
	case packetTypeShort:
		return s.recvPacketShort(b, datagram, &p, ecn, now)
	default:
		s.logPacketDropped(&p, logTriggerUnexpectedPacket, now)
		return len(b), nil
	}
}

// https://www.rfc-editor.org/rfc/rfc9000.html#section-6
func (s *Conn) recvPacketVersionNegotiation(b []byte, p *packet, now time.Time) (int, error) {
	// Version Negotiation can only be sent by a server, in response to
	// the very first flight.
	if !s.isClient || s.didVersionNegotiation || s.state != stateAttempted ||
		s.packetNumberSpaces[packetSpaceInitial].nextPacketNumber == 0 {
		s.logPacketDropped(p, logTriggerUnexpectedPacket, now)
		return len(b), nil
	}
	if !bytes.Equal(p.header.DCID, s.scid) || !bytes.Equal(p.header.SCID, s.dcid) {
		s.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return len(b), nil
	}
	_, err := p.decodeBody(b[p.headerLen:])
	if err != nil {
		s.logPacketDropped(p, logTriggerHeaderParseError, now)
		return len(b), nil
	}
	for _, v := range p.supportedVersions {
		if v == s.version {
			// A Version Negotiation listing the current version is
			// ignored as it may be injected by an attacker.
			s.logPacketDropped(p, logTriggerUnexpectedPacket, now)
			return len(b), nil
		}
	}
	var newVersion uint32
	for _, v := range p.supportedVersions {
		if versionSupported(v) {
			newVersion = v
			break
		}
	}
	s.logPacketReceived(p, now)
	if newVersion == 0 {
		s.closeErr = ErrVersionMismatch
		s.closeOnce(false, 0)
		s.setState(stateClosed, now)
		return len(b), nil
	}
	s.version = newVersion
	s.didVersionNegotiation = true
	if err = s.restartInitial(now); err != nil {
		return 0, err
	}
	return len(b), nil
}

// https://www.rfc-editor.org/rfc/rfc9000.html#section-8.1.2
func (s *Conn) recvPacketRetry(b []byte, p *packet, now time.Time) (int, error) {
	// Retry can only be sent by a server, once, before any other
	// server packet is processed.
	if !s.isClient || s.didRetry || s.state != stateAttempted {
		s.logPacketDropped(p, logTriggerUnexpectedPacket, now)
		return len(b), nil
	}
	if !bytes.Equal(p.header.DCID, s.scid) || bytes.Equal(p.header.SCID, s.dcid) {
		s.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return len(b), nil
	}
	_, err := p.decodeBody(b[p.headerLen:])
	if err != nil {
		s.logPacketDropped(p, logTriggerHeaderParseError, now)
		return len(b), nil
	}
	if len(p.token) == 0 || !verifyRetryIntegrity(b, s.dcid) {
		s.logPacketDropped(p, logTriggerPayloadDecryptError, now)
		return len(b), nil
	}
	s.logPacketReceived(p, now)
	s.didRetry = true
	s.token = append(s.token[:0], p.token...)
	// dcid becomes odcid, the Retry SCID becomes the new dcid.
	s.odcid = append(s.odcid[:0], s.dcid...)
	s.dcid = append(s.dcid[:0], p.header.SCID...)
	s.rscid = append(s.rscid[:0], p.header.SCID...)
	if err = s.deriveInitialKeyMaterial(s.dcid); err != nil {
		return 0, err
	}
	if err = s.restartInitial(now); err != nil {
		return 0, err
	}
	return len(b), nil
}

// restartInitial produces a fresh first flight after a Retry or
// Version Negotiation packet. The TLS stack does not support resets so
// the handshake is created anew.
func (s *Conn) restartInitial(now time.Time) error {
	s.gotPeerCID = false
	s.packetNumberSpaces[packetSpaceInitial].reset()
	s.recovery.onPacketNumberSpaceDiscarded(packetSpaceInitial, now)
	s.handshake = tlsHandshake{}
	s.handshake.init(s, s.tlsConfig, true)
	return s.handshake.start(&s.localParams)
}

func (s *Conn) recvPacketInitial(b []byte, p *packet, ecn ECN, now time.Time) (int, error) {
	if s.gotPeerCID && (!bytes.Equal(p.header.DCID, s.scid) || !bytes.Equal(p.header.SCID, s.dcid)) {
		s.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return len(b), nil
	}
	if !s.derivedInitialSecrets {
		// Server: Initial secrets come from the client's first DCID.
		if err := s.deriveInitialKeyMaterial(p.header.DCID); err != nil {
			return 0, err
		}
	}
	if !s.gotPeerCID {
		if !s.isClient && !s.didRetry {
			s.odcid = append(s.odcid[:0], p.header.DCID...)
			s.localParams.OriginalDestinationCID = s.odcid
		}
		// Replace the randomly generated destination connection ID
		// with the one the peer chose.
		s.dcid = append(s.dcid[:0], p.header.SCID...)
		s.gotPeerCID = true
	}
	return s.recvPacket(b, p, packetSpaceInitial, ecn, now)
}

func (s *Conn) recvPacketZeroRTT(b []byte, p *packet, ecn ECN, now time.Time) (int, error) {
	if s.isClient {
		s.logPacketDropped(p, logTriggerUnexpectedPacket, now)
		return len(b), nil
	}
	if s.earlyOpen.aead == nil {
		s.logPacketDropped(p, logTriggerKeyUnavailable, now)
		return len(b), nil
	}
	pnSpace := &s.packetNumberSpaces[packetSpaceApplication]
	payload, length, err := decryptPacket(&s.earlyOpen, b, p, pnSpace.largestRecvPacketNumber)
	if err != nil {
		s.logPacketDropped(p, logTriggerPayloadDecryptError, now)
		return len(b), nil
	}
	if pnSpace.isPacketReceived(p.packetNumber) {
		s.logPacketDropped(p, logTriggerDuplicate, now)
		return length, nil
	}
	s.logPacketReceived(p, now)
	if err = s.recvFrames(payload, p, packetSpaceApplication, now); err != nil {
		return 0, err
	}
	pnSpace.onPacketReceived(p.packetNumber, ecn, now)
	return length, nil
}

func (s *Conn) recvPacketShort(b, datagram []byte, p *packet, ecn ECN, now time.Time) (int, error) {
	if !s.routedToLocalCID(p.header.DCID) {
		s.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return len(b), nil
	}
	if !s.keys.canDecrypt() {
		s.logPacketDropped(p, logTriggerKeyUnavailable, now)
		return len(b), nil
	}
	pnSpace := &s.packetNumberSpaces[packetSpaceApplication]
	payload, length, updated, err := s.keys.decryptPacket(b, p, pnSpace.largestRecvPacketNumber, s.handshakeConfirmed)
	if err != nil {
		if s.isStatelessReset(datagram) {
			s.handleStatelessReset(now)
			return len(b), nil
		}
		s.decryptFailures++
		if s.decryptFailures > maxDecryptFailures {
			return len(b), newError(AEADLimitReached, "too many decryption failures")
		}
		s.logPacketDropped(p, logTriggerPayloadDecryptError, now)
		return len(b), nil
	}
	if updated {
		// The peer initiated a key update. Old keys are kept around to
		// open reordered packets for a few PTOs.
		// https://www.rfc-editor.org/rfc/rfc9001.html#section-6.1
		s.armKeyDiscardTimer(now)
		s.logKeyUpdated(now)
	}
	if pnSpace.isPacketReceived(p.packetNumber) {
		s.logPacketDropped(p, logTriggerDuplicate, now)
		return length, nil
	}
	if p.packetNumber > pnSpace.largestRecvPacketNumber || pnSpace.largestRecvPacketTime.IsZero() {
		// Spin in response to the latest packet only.
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-17.4
		if s.isClient {
			s.spin = !p.spin
		} else {
			s.spin = p.spin
		}
	}
	s.logPacketReceived(p, now)
	s.recvProbing = true
	if err = s.recvFrames(payload, p, packetSpaceApplication, now); err != nil {
		return 0, err
	}
	pnSpace.onPacketReceived(p.packetNumber, ecn, now)
	if s.recvAddr != s.remoteAddr && !s.recvProbing {
		s.onPeerMigration(s.recvAddr, now)
	}
	return length, nil
}

func (s *Conn) recvPacket(b []byte, p *packet, space packetSpace, ecn ECN, now time.Time) (int, error) {
	pnSpace := &s.packetNumberSpaces[space]
	if !pnSpace.canDecrypt() {
		s.logPacketDropped(p, logTriggerKeyUnavailable, now)
		return len(b), nil
	}
	payload, length, err := pnSpace.decryptPacket(b, p)
	if err != nil {
		s.logPacketDropped(p, logTriggerPayloadDecryptError, now)
		return len(b), nil
	}
	if pnSpace.isPacketReceived(p.packetNumber) {
		// Ignore duplicates but continue, packets can be coalesced.
		s.logPacketDropped(p, logTriggerDuplicate, now)
		return length, nil
	}
	s.logPacketReceived(p, now)
	if space == packetSpaceHandshake {
		if s.isClient {
			// Processing a Handshake packet proves the server saw our
			// address.
			s.recovery.setPeerCompletedAddressValidation()
		} else if pnSpace.largestRecvPacketTime.IsZero() {
			// A server stops processing Initial packets when it
			// receives its first Handshake packet, and the client
			// address is then validated.
			// https://www.rfc-editor.org/rfc/rfc9000.html#section-17.2.2.1
			s.dropPacketSpace(packetSpaceInitial, now)
			s.addrValidated = true
		}
		if s.state < stateHandshake {
			s.setState(stateHandshake, now)
		}
	}
	if err = s.recvFrames(payload, p, space, now); err != nil {
		return 0, err
	}
	pnSpace.onPacketReceived(p.packetNumber, ecn, now)
	return length, nil
}

// routedToLocalCID reports whether dcid matches a connection ID we issued.
func (s *Conn) routedToLocalCID(dcid []byte) bool {
	for i := range s.localCIDs {
		if !s.localCIDs[i].retired && bytes.Equal(s.localCIDs[i].cid, dcid) {
			return true
		}
	}
	return false
}

// isStatelessReset checks the trailing token of an undecryptable
// datagram against the peer's stateless reset token.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.3
func (s *Conn) isStatelessReset(datagram []byte) bool {
	if len(datagram) < resetTokenLen+5 {
		return false
	}
	tail := datagram[len(datagram)-resetTokenLen:]
	if len(s.peerParams.StatelessResetToken) == resetTokenLen && bytes.Equal(tail, s.peerParams.StatelessResetToken) {
		return true
	}
	for i := range s.peerCIDs {
		if len(s.peerCIDs[i].resetToken) == resetTokenLen && bytes.Equal(tail, s.peerCIDs[i].resetToken) {
			return true
		}
	}
	return false
}

func (s *Conn) handleStatelessReset(now time.Time) {
	s.closeErr = ErrConnectionReset
	s.closeOnce(false, 0)
	s.setState(stateDraining, now)
	s.timers[timerClose] = now.Add(3 * s.recovery.probeTimeout())
}

// https://www.rfc-editor.org/rfc/rfc9000.html#section-12.4
func (s *Conn) recvFrames(b []byte, p *packet, space packetSpace, now time.Time) error {
	if len(b) == 0 {
		// A packet must contain at least one frame.
		return newError(ProtocolViolation, "empty packet payload")
	}
	ackElicited := false
	for len(b) > 0 {
		var typ uint64
		n := getVarint(b, &typ)
		if n == 0 {
			return newError(FrameEncodingError, "frame type")
		}
		if !isFrameAllowedInPacket(typ, p.typ) {
			return newError(ProtocolViolation, sprint("frame ", typ, " not allowed in ", p.typ.String(), " packet"))
		}
		var err error
		switch {
		case typ == frameTypePadding:
			for n < len(b) && b[n] == 0 {
				n++
			}
		case typ == frameTypePing:
			// Will elicit an ACK.
		case typ == frameTypeAck || typ == frameTypeAckECN:
			n, err = s.recvFrameAck(b, space, now)
		case typ == frameTypeResetStream:
			n, err = s.recvFrameResetStream(b, now)
		case typ == frameTypeStopSending:
			n, err = s.recvFrameStopSending(b, now)
		case typ == frameTypeCrypto:
			n, err = s.recvFrameCrypto(b, space, now)
		case typ == frameTypeNewToken:
			n, err = s.recvFrameNewToken(b, now)
		case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
			n, err = s.recvFrameStream(b, now)
		case typ == frameTypeMaxData:
			n, err = s.recvFrameMaxData(b, now)
		case typ == frameTypeMaxStreamData:
			n, err = s.recvFrameMaxStreamData(b, now)
		case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
			n, err = s.recvFrameMaxStreams(b, now)
		case typ == frameTypeDataBlocked:
			n, err = s.recvFrameDataBlocked(b, now)
		case typ == frameTypeStreamDataBlocked:
			n, err = s.recvFrameStreamDataBlocked(b, now)
		case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
			n, err = s.recvFrameStreamsBlocked(b, now)
		case typ == frameTypeNewConnectionID:
			n, err = s.recvFrameNewConnectionID(b, now)
		case typ == frameTypeRetireConnectionID:
			n, err = s.recvFrameRetireConnectionID(b, now)
		case typ == frameTypePathChallenge:
			n, err = s.recvFramePathChallenge(b, now)
		case typ == frameTypePathResponse:
			n, err = s.recvFramePathResponse(b, now)
		case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
			n, err = s.recvFrameConnectionClose(b, now)
		case typ == frameTypeHandshakeDone:
			n, err = s.recvFrameHandshakeDone(b, now)
		case typ == frameTypeDatagram || typ == frameTypeDatagramWithLength:
			n, err = s.recvFrameDatagram(b, now)
		default:
			return newError(FrameEncodingError, sprint("unsupported frame ", typ))
		}
		if err != nil {
			debug("error processing frame 0x%x: %v", typ, err)
			return err
		}
		if !ackElicited {
			ackElicited = isFrameAckEliciting(typ)
		}
		switch typ {
		case frameTypePadding, frameTypePathChallenge, frameTypePathResponse, frameTypeNewConnectionID:
			// Probing frames.
			// https://www.rfc-editor.org/rfc/rfc9000.html#section-9.2
		default:
			s.recvProbing = false
		}
		b = b[n:]
	}
	if ackElicited {
		s.packetNumberSpaces[space].ackElicited = true
	}
	return nil
}

func (s *Conn) recvFrameAck(b []byte, space packetSpace, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if f.largestAck >= s.packetNumberSpaces[space].nextPacketNumber {
		return 0, newError(ProtocolViolation, "ack of unsent packet")
	}
	ranges := f.toRangeSet()
	if ranges == nil {
		return 0, newError(FrameEncodingError, sprint("invalid ack ranges ", f.String()))
	}
	exp := s.peerParams.AckDelayExponent
	if exp == 0 {
		exp = 3
	}
	ackDelay := time.Duration(f.ackDelay<<exp) * time.Microsecond
	s.recovery.onAckReceived(ranges, ackDelay, f.ecnCounts, space, now)
	if space == packetSpaceApplication {
		s.keys.onPacketAcked(f.largestAck)
	}
	s.processAckedPackets(space, now)
	s.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a RESET_STREAM frame to abruptly terminate the
// sending part of a stream.
func (s *Conn) recvFrameResetStream(b []byte, now time.Time) (int, error) {
	var f resetStreamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	local := isStreamLocal(f.streamID, s.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		// Not for our send-only stream.
		return 0, newError(StreamStateError, sprint("reset_stream: invalid id ", f.streamID))
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	mayRecv := uint64(0)
	if f.finalSize > st.recv.length {
		mayRecv = f.finalSize - st.recv.length
	}
	if mayRecv > s.flow.canRecv() {
		return 0, newError(FlowControlError, sprint("reset_stream: connection data exceeded ", s.flow.maxRecv))
	}
	if _, err = st.resetRecv(f.finalSize, f.errorCode); err != nil {
		return 0, err
	}
	s.flow.addRecv(mayRecv)
	s.addEvent(newEventStreamReset(f.streamID, f.errorCode))
	s.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a STOP_SENDING frame to communicate that incoming
// data is being discarded on receipt at application request.
func (s *Conn) recvFrameStopSending(b []byte, now time.Time) (int, error) {
	var f stopSendingFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	local := isStreamLocal(f.streamID, s.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && s.streams.get(f.streamID) == nil {
		// Not for a locally-initiated stream that has not been created.
		return 0, newError(StreamStateError, sprint("stop_sending: stream not created ", f.streamID))
	}
	if !local && !bidi {
		// Not for a receive-only stream.
		return 0, newError(StreamStateError, sprint("stop_sending: stream readonly ", f.streamID))
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.stopSend(f.errorCode)
	s.addEvent(newEventStreamStop(f.streamID, f.errorCode))
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameCrypto(b []byte, space packetSpace, now time.Time) (int, error) {
	var f cryptoFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Push data to the crypto stream so it can be reordered, then
	// feed whatever became contiguous to the TLS stack.
	err = s.packetNumberSpaces[space].cryptoStream.pushRecv(f.data, f.offset, false)
	if err != nil {
		if errors.Is(err, errFlowControl) {
			return 0, newError(CryptoBufferExceeded, sprint("crypto data exceeded ", cryptoMaxData))
		}
		return 0, err
	}
	if err = s.deliverCryptoData(space); err != nil {
		return 0, err
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) deliverCryptoData(space packetSpace) error {
	st := &s.packetNumberSpaces[space].cryptoStream
	for {
		n, _ := st.recv.Read(s.cryptoBuf[:])
		if n == 0 {
			return nil
		}
		if err := s.handshake.handleCryptoData(space, s.cryptoBuf[:n]); err != nil {
			return err
		}
	}
}

func (s *Conn) recvFrameNewToken(b []byte, now time.Time) (int, error) {
	var f newTokenFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if !s.isClient {
		// Only servers send NEW_TOKEN.
		return 0, newError(ProtocolViolation, "unexpected new_token frame")
	}
	if len(f.token) == 0 {
		return 0, newError(FrameEncodingError, "empty token")
	}
	s.newToken = append(s.newToken[:0], f.token...)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	local := isStreamLocal(f.streamID, s.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		// Peer cannot send on our unidirectional streams.
		return 0, newError(StreamStateError, sprint("stream: writing not permitted ", f.streamID))
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	mayRecv := uint64(0)
	if end := f.offset + uint64(len(f.data)); end > st.recv.length {
		mayRecv = end - st.recv.length
	}
	if mayRecv > s.flow.canRecv() {
		return 0, newError(FlowControlError, sprint("stream: connection data exceeded ", s.flow.maxRecv))
	}
	if err = st.pushRecv(f.data, f.offset, f.fin); err != nil {
		return 0, err
	}
	// The receiver counts data on all streams by the maximum absolute
	// offset to check connection-level flow control.
	s.flow.addRecv(mayRecv)
	if st.isReadable() {
		s.addEvent(newEventStreamReadable(f.streamID))
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameMaxData(b []byte, now time.Time) (int, error) {
	var f maxDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	s.flow.setMaxSend(f.maximumData)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameMaxStreamData(b []byte, now time.Time) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.flow.setMaxSend(f.maximumData)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameMaxStreams(b []byte, now time.Time) (int, error) {
	var f maxStreamsFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if f.maximumStreams > maxStreams {
		return 0, newError(StreamLimitError, "max_streams")
	}
	if s.streams.setPeerMaxStreams(f.maximumStreams, f.bidi) {
		// A previously blocked open became possible.
		s.addEvent(newEventStreamCreatable(f.bidi))
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// The peer is blocked on connection flow control. Informational; the
// window update logic is driven by consumption on our side.
func (s *Conn) recvFrameDataBlocked(b []byte, now time.Time) (int, error) {
	var f dataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameStreamDataBlocked(b []byte, now time.Time) (int, error) {
	var f streamDataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if isStreamLocal(f.streamID, s.isClient) && !isStreamBidi(f.streamID) {
		return 0, newError(StreamStateError, sprint("stream_data_blocked: invalid id ", f.streamID))
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameStreamsBlocked(b []byte, now time.Time) (int, error) {
	var f streamsBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if f.streamLimit > maxStreams {
		return 0, newError(StreamLimitError, "streams_blocked")
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.15
func (s *Conn) recvFrameNewConnectionID(b []byte, now time.Time) (int, error) {
	var f newConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if len(s.dcid) == 0 {
		// The peer uses zero-length CIDs so it must not issue new ones.
		return 0, newError(ProtocolViolation, "new_connection_id with zero-length cid in use")
	}
	if f.retirePriorTo > f.sequenceNumber {
		return 0, newError(FrameEncodingError, "new_connection_id: retire_prior_to exceeds sequence")
	}
	for i := range s.peerCIDs {
		if s.peerCIDs[i].sequence == f.sequenceNumber {
			if !bytes.Equal(s.peerCIDs[i].cid, f.connectionID) {
				return 0, newError(ProtocolViolation, "new_connection_id: sequence reused")
			}
			s.logFrameProcessed(&f, now)
			return n, nil
		}
	}
	cid := connectionID{
		sequence:   f.sequenceNumber,
		cid:        append([]byte(nil), f.connectionID...),
		resetToken: append([]byte(nil), f.statelessResetToken...),
	}
	if f.sequenceNumber < s.peerCIDsRetirePrior {
		// Already retired, acknowledge with RETIRE_CONNECTION_ID.
		s.retireCIDs = append(s.retireCIDs, f.sequenceNumber)
		s.logFrameProcessed(&f, now)
		return n, nil
	}
	s.peerCIDs = append(s.peerCIDs, cid)
	if f.retirePriorTo > s.peerCIDsRetirePrior {
		s.peerCIDsRetirePrior = f.retirePriorTo
		kept := s.peerCIDs[:0]
		for _, c := range s.peerCIDs {
			if c.sequence < f.retirePriorTo {
				s.retireCIDs = append(s.retireCIDs, c.sequence)
			} else {
				kept = append(kept, c)
			}
		}
		s.peerCIDs = kept
		// Switch away from a retired destination CID.
		if len(s.peerCIDs) > 0 && !s.peerCIDInUse() {
			s.dcid = append(s.dcid[:0], s.peerCIDs[0].cid...)
		}
	}
	limit := s.localParams.ActiveCIDLimit
	if limit < minActiveCIDLimit {
		limit = minActiveCIDLimit
	}
	if uint64(len(s.peerCIDs)) > limit {
		return 0, newError(ConnectionIDLimitError, sprint("active connection ids exceeded ", limit))
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) peerCIDInUse() bool {
	for i := range s.peerCIDs {
		if bytes.Equal(s.peerCIDs[i].cid, s.dcid) {
			return true
		}
	}
	return false
}

func (s *Conn) recvFrameRetireConnectionID(b []byte, now time.Time) (int, error) {
	var f retireConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if f.sequenceNumber >= s.localCIDSeq {
		return 0, newError(ProtocolViolation, "retire_connection_id: unissued sequence")
	}
	for i := range s.localCIDs {
		c := &s.localCIDs[i]
		if c.sequence == f.sequenceNumber && !c.retired {
			c.retired = true
			if s.retireCIDFn != nil {
				s.retireCIDFn(c.cid)
			}
		}
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFramePathChallenge(b []byte, now time.Time) (int, error) {
	var f pathChallengeFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.pathResponse = append(s.pathResponse[:0], f.data...)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFramePathResponse(b []byte, now time.Time) (int, error) {
	var f pathResponseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if s.pathChallenge != nil && bytes.Equal(f.data, s.pathChallenge) {
		if s.candidateAddr.IsValid() {
			// The new path is validated: switch to it and reset
			// congestion state for the unknown path characteristics.
			// https://www.rfc-editor.org/rfc/rfc9000.html#section-9.4
			s.remoteAddr = s.candidateAddr
			s.candidateAddr = netip.AddrPort{}
			s.recovery.congestion.init()
		}
		s.pathChallenge = nil
		s.pathChallengeSend = false
		s.pathTries = 0
		s.timers[timerPathValidation] = time.Time{}
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameConnectionClose(b []byte, now time.Time) (int, error) {
	var f connectionCloseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v (%s)", b[0], &f, errorCodeString(f.errorCode))
	if s.state < stateDraining {
		if f.application {
			s.closeErr = &AppError{Code: f.errorCode, Message: string(f.reasonPhrase)}
		} else {
			s.closeErr = &Error{Code: f.errorCode, Message: string(f.reasonPhrase)}
		}
		s.closeOnce(f.application, f.errorCode)
		// Endpoints enter the draining state on receiving CONNECTION_CLOSE
		// and persist for three times the probe timeout.
		s.setState(stateDraining, now)
		s.timers[timerClose] = now.Add(3 * s.recovery.probeTimeout())
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameHandshakeDone(b []byte, now time.Time) (int, error) {
	var f handshakeDoneFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if !s.isClient {
		return 0, newError(ProtocolViolation, "unexpected handshake_done frame")
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if s.handshakeComplete && !s.handshakeConfirmed {
		// Handshake confirmed: handshake keys are no longer needed.
		// https://www.rfc-editor.org/rfc/rfc9001.html#section-4.1.2
		s.handshakeConfirmed = true
		s.recovery.setHandshakeConfirmed()
		s.dropPacketSpace(packetSpaceHandshake, now)
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameDatagram(b []byte, now time.Time) (int, error) {
	var f datagramFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if err = s.datagram.pushRecv(f.data); err != nil {
		return 0, err
	}
	if s.datagram.isReadable() {
		s.addEvent(newEventDatagramReadable())
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// onPeerMigration starts path validation after a non-probing packet
// arrived from a new peer address.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-9
func (s *Conn) onPeerMigration(addr netip.AddrPort, now time.Time) {
	if s.isClient || s.localParams.DisableActiveMigration {
		// We asked the peer not to migrate; keep the existing path.
		return
	}
	if addr == s.candidateAddr {
		return
	}
	s.candidateAddr = addr
	challenge := make([]byte, 8)
	if err := s.rand(challenge); err != nil {
		return
	}
	s.pathChallenge = challenge
	s.pathChallengeSend = true
	s.pathTries = 0
	// Switch to a fresh destination CID for the new path when the peer
	// issued spares.
	for i := range s.peerCIDs {
		if !bytes.Equal(s.peerCIDs[i].cid, s.dcid) {
			s.dcid = append(s.dcid[:0], s.peerCIDs[i].cid...)
			break
		}
	}
	s.timers[timerPathValidation] = now.Add(s.recovery.probeTimeout())
}

// processAckedPackets updates stream and crypto delivery state from
// frames carried in newly acknowledged packets.
func (s *Conn) processAckedPackets(space packetSpace, now time.Time) {
	s.recovery.drainAcked(space, func(f frame) {
		switch f := f.(type) {
		case *ackFrame:
			// Stop acknowledging packets whose receipt is confirmed.
			s.packetNumberSpaces[space].recvPacketNeedAck.removeUntil(f.largestAck)
		case *cryptoFrame:
			s.packetNumberSpaces[space].cryptoStream.ackSend(f.offset, uint64(len(f.data)), false)
		case *streamFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				if st.ackSend(f.offset, uint64(len(f.data)), f.fin) {
					s.addEvent(newEventStreamComplete(f.streamID))
				}
				s.checkStreamClosed(f.streamID, now)
			}
		case *resetStreamFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				st.send.resetAcked = true
				s.checkStreamClosed(f.streamID, now)
			}
		}
	})
}

func (s *Conn) processLostPackets(space packetSpace, now time.Time) {
	s.logPacketsLost(s.recovery.lost[space], space, now)
	s.recovery.drainLost(space, func(f frame) {
		debug("lost frame space=%v %v", space, f)
		switch f := f.(type) {
		case *ackFrame:
			s.packetNumberSpaces[space].ackElicited = true
		case *cryptoFrame:
			// Push data back to send again.
			err := s.packetNumberSpaces[space].cryptoStream.pushSend(f.data, f.offset, false)
			if err != nil {
				debug("process lost crypto frame %s: %v", f, err)
			}
		case *streamFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				err := st.pushSend(f.data, f.offset, f.fin)
				if err != nil {
					debug("process lost stream frame %s: %v", f, err)
				}
			}
		case *resetStreamFrame:
			st := s.streams.get(f.streamID)
			if st != nil && !st.send.resetAcked {
				st.updateResetStream = true
			}
		case *stopSendingFrame:
			st := s.streams.get(f.streamID)
			if st != nil && !st.recv.finRead && !st.recv.resetRead {
				st.updateStopSending = true
			}
		case *maxDataFrame:
			s.updateMaxData = true
		case *maxStreamDataFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				st.updateMaxData = true
			}
		case *maxStreamsFrame:
			if f.bidi {
				s.streams.updateMaxStreamsBidi = true
			} else {
				s.streams.updateMaxStreamsUni = true
			}
		case *newTokenFrame:
			s.newTokenSend = f.token
		case *newConnectionIDFrame:
			for i := range s.localCIDs {
				if s.localCIDs[i].sequence == f.sequenceNumber && !s.localCIDs[i].retired {
					s.localCIDs[i].needSend = true
				}
			}
		case *retireConnectionIDFrame:
			s.retireCIDs = append(s.retireCIDs, f.sequenceNumber)
		case *pathChallengeFrame:
			if s.pathChallenge != nil {
				s.pathChallengeSend = true
			}
		case *pathResponseFrame:
			s.pathResponse = f.data
		case *handshakeDoneFrame:
			s.handshakeDoneSend = true
		}
	})
}

// TLS callbacks, invoked by the handshake event loop.

func (s *Conn) setReadSecret(level tls.QUICEncryptionLevel, suite uint16, secret []byte) error {
	switch level {
	case tls.QUICEncryptionLevelHandshake:
		err := s.packetNumberSpaces[packetSpaceHandshake].opener.init(suite, secret)
		if err != nil {
			return newError(InternalError, "handshake read key: "+err.Error())
		}
	case tls.QUICEncryptionLevelApplication:
		s.appSuite = suite
		s.appReadSecret = append([]byte(nil), secret...)
		return s.maybeInitAppKeys()
	case tls.QUICEncryptionLevelEarly:
		// Server accepting 0-RTT.
		if err := s.earlyOpen.init(suite, secret); err != nil {
			return newError(InternalError, "early read key: "+err.Error())
		}
		s.earlyDataAccepted = true
	default:
		return newError(InternalError, "unexpected read secret level "+level.String())
	}
	return nil
}

func (s *Conn) setWriteSecret(level tls.QUICEncryptionLevel, suite uint16, secret []byte) error {
	switch level {
	case tls.QUICEncryptionLevelHandshake:
		err := s.packetNumberSpaces[packetSpaceHandshake].sealer.init(suite, secret)
		if err != nil {
			return newError(InternalError, "handshake write key: "+err.Error())
		}
		s.recovery.setHasHandshakeKeys()
	case tls.QUICEncryptionLevelApplication:
		s.appSuite = suite
		s.appWriteSecret = append([]byte(nil), secret...)
		return s.maybeInitAppKeys()
	case tls.QUICEncryptionLevelEarly:
		// Client offering 0-RTT.
		if err := s.earlySeal.init(suite, secret); err != nil {
			return newError(InternalError, "early write key: "+err.Error())
		}
	default:
		return newError(InternalError, "unexpected write secret level "+level.String())
	}
	return nil
}

func (s *Conn) maybeInitAppKeys() error {
	if s.keys.canEncrypt() || s.appReadSecret == nil || s.appWriteSecret == nil {
		return nil
	}
	err := s.keys.init(s.appSuite, s.appReadSecret, s.appWriteSecret)
	if err != nil {
		return newError(InternalError, "application keys: "+err.Error())
	}
	s.appReadSecret = nil
	s.appWriteSecret = nil
	return nil
}

func (s *Conn) sendCryptoData(level tls.QUICEncryptionLevel, data []byte) error {
	var space packetSpace
	switch level {
	case tls.QUICEncryptionLevelInitial:
		space = packetSpaceInitial
	case tls.QUICEncryptionLevelHandshake:
		space = packetSpaceHandshake
	case tls.QUICEncryptionLevelApplication:
		space = packetSpaceApplication
	default:
		return newError(InternalError, "unexpected crypto data level "+level.String())
	}
	st := &s.packetNumberSpaces[space].cryptoStream
	n, err := st.Write(data)
	if err != nil {
		return newError(InternalError, "crypto send: "+err.Error())
	}
	if n != len(data) {
		return newError(InternalError, "crypto send buffer full")
	}
	return nil
}

func (s *Conn) setPeerParams(params *Parameters) error {
	if err := s.validatePeerTransportParams(params); err != nil {
		return err
	}
	if params.AckDelayExponent == 0 {
		params.AckDelayExponent = 3
	}
	if params.ActiveCIDLimit < minActiveCIDLimit {
		params.ActiveCIDLimit = minActiveCIDLimit
	}
	s.peerParams = *params
	s.applySendParams(params)
	s.recovery.setMaxAckDelay(params.MaxAckDelay)
	s.logParametersSet(params, s.lastNow)
	return nil
}

// applySendParams applies peer-controlled sending limits. It is also
// used with remembered parameters when attempting 0-RTT.
func (s *Conn) applySendParams(p *Parameters) {
	s.flow.setMaxSend(p.InitialMaxData)
	s.streams.setPeerMaxStreams(p.InitialMaxStreamsBidi, true)
	s.streams.setPeerMaxStreams(p.InitialMaxStreamsUni, false)
	for id, st := range s.streams.streams {
		local := isStreamLocal(id, s.isClient)
		var v uint64
		switch {
		case isStreamBidi(id) && local:
			v = p.InitialMaxStreamDataBidiRemote
		case isStreamBidi(id):
			v = p.InitialMaxStreamDataBidiLocal
		case local:
			v = p.InitialMaxStreamDataUni
		default:
			continue
		}
		st.flow.setMaxSend(v)
	}
	if p.MaxDatagramFrameSize > 0 {
		s.datagram.setMaxSend(p.MaxDatagramFrameSize)
		s.addEvent(newEventDatagramWritable())
	}
}

// https://www.rfc-editor.org/rfc/rfc9000.html#section-7.3
//
// Client                                                  Server
// Initial: DCID=S1, SCID=C1 ->
//                                     <- Retry: DCID=C1, SCID=S2
// Initial: DCID=S2, SCID=C1 ->
//                                   <- Initial: DCID=C1, SCID=S3
// Client:
//   initial_source_connection_id = C1
// Server without Retry:
//   original_destination_connection_id = S1
//   initial_source_connection_id = S3
// Server with Retry:
//   original_destination_connection_id = S1
//   retry_source_connection_id = S2
//   initial_source_connection_id = S3
func (s *Conn) validatePeerTransportParams(p *Parameters) error {
	if p == nil {
		return newError(TransportParameterError, "")
	}
	if err := p.validate(!s.isClient); err != nil {
		return err
	}
	if !bytes.Equal(p.InitialSourceCID, s.dcid) {
		return newError(TransportParameterError, "initial_source_connection_id")
	}
	if s.isClient {
		if !bytes.Equal(p.OriginalDestinationCID, s.odcid) {
			return newError(TransportParameterError, "original_destination_connection_id")
		}
		if s.didRetry && !bytes.Equal(p.RetrySourceCID, s.rscid) {
			return newError(TransportParameterError, "retry_source_connection_id")
		}
	}
	return nil
}

// earlyDataRejected requeues data sent in 0-RTT packets for delivery
// over 1-RTT. The packets are removed from the sent history without
// being recorded as lost.
func (s *Conn) earlyDataRejected() {
	s.earlyRejected = true
	s.earlySeal = packetProtection{}
	var packets []*sentPacket
	s.recovery.filterSent(packetSpaceApplication, func(p *sentPacket) bool {
		packets = append(packets, p)
		return true
	})
	for _, p := range packets {
		if p.inFlight {
			s.recovery.congestion.onPacketDiscarded(uint(p.sentBytes))
		}
		for _, f := range p.frames {
			switch f := f.(type) {
			case *streamFrame:
				if st := s.streams.get(f.streamID); st != nil {
					st.pushSend(f.data, f.offset, f.fin)
				}
			case *resetStreamFrame:
				if st := s.streams.get(f.streamID); st != nil {
					st.updateResetStream = true
				}
			case *datagramFrame:
				s.datagram.send.push(f.data)
			}
		}
	}
}

func (s *Conn) handshakeDone() error {
	now := s.lastNow
	s.handshakeComplete = true
	if s.state < stateActive {
		s.setState(stateActive, now)
	}
	s.addEvent(newEventConnOpen())
	if !s.isClient {
		s.addrValidated = true
		s.handshakeDoneSend = true
		// The server confirms as soon as the handshake completes and
		// discards handshake keys.
		s.handshakeConfirmed = true
		s.recovery.setHandshakeConfirmed()
		s.dropPacketSpace(packetSpaceHandshake, now)
		if !s.tlsConfig.SessionTicketsDisabled {
			if err := s.handshake.sendSessionTicket(true); err != nil {
				return err
			}
		}
	} else {
		s.recovery.setPeerCompletedAddressValidation()
	}
	s.addStreamEvents()
	return nil
}

// Read produces a datagram for sending, or 0 when there is nothing to
// send. The endpoint pairs the payload with the destination address and
// ECN marking of the connection.
func (s *Conn) Read(b []byte, now time.Time) (int, error) {
	s.lastNow = now
	if s.state >= stateDraining {
		return 0, nil
	}
	s.sendAddr = s.remoteAddr
	if s.pathChallengeSend && s.keys.canEncrypt() {
		// Path validation probes travel on the candidate path, alone in
		// their datagram so the endpoint can address them separately.
		return s.sendPathChallenge(b, now)
	}
	if s.closeFrame == nil {
		s.checkStreamsState(now)
	}
	space := s.writeSpace()
	if space == packetSpaceCount {
		return 0, nil
	}
	avail := minInt(s.maxPacketSize(), len(b))
	if !s.isClient && !s.addrValidated {
		// Anti-amplification: at most three times the data received
		// from an unvalidated address.
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-8.1
		budget := 3 * s.bytesRecv
		if s.bytesSent >= budget {
			return 0, nil
		}
		avail = minInt(avail, int(budget-s.bytesSent))
	}
	n, err := s.send(b[:avail], space, now)
	if err != nil {
		return 0, err
	}
	// Coalesce packets from later spaces into the same datagram.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-12.2
	for n > 0 && space < packetSpaceApplication && s.state < stateClosing {
		if avail-n < 96 {
			break
		}
		nextSpace := s.writeSpace()
		if nextSpace >= packetSpaceCount || nextSpace <= space {
			break
		}
		debug("coalesce packet: space=%v space=%v", space, nextSpace)
		m, err := s.send(b[n:avail], nextSpace, now)
		if err != nil {
			return 0, err
		}
		if m == 0 {
			break
		}
		n += m
		space = nextSpace
	}
	s.bytesSent += uint64(n)
	s.logRecovery(now)
	return n, nil
}

// sendPathChallenge builds a datagram containing only a PATH_CHALLENGE,
// padded to permit path MTU validation, addressed to the candidate path.
func (s *Conn) sendPathChallenge(b []byte, now time.Time) (int, error) {
	avail := minInt(minInt(s.maxPacketSize(), len(b)), MinInitialPacketSize)
	p := packet{
		typ: packetTypeShort,
		header: Header{
			DCID: s.dcid,
		},
		packetNumber: s.packetNumberSpaces[packetSpaceApplication].nextPacketNumber,
		keyPhase:     s.keys.phase & 1,
		spin:         s.spin,
		payloadLen:   avail,
	}
	overhead := s.keys.seal.aead.Overhead()
	pktOverhead := p.encodedLen() + overhead - p.payloadLen
	left := avail - pktOverhead
	f := newPathChallengeFrame(s.pathChallenge)
	if left < f.encodedLen() {
		return 0, nil
	}
	op := newSentPacket(p.packetNumber, now)
	op.addFrame(f)
	payloadLen := f.encodedLen()
	if pad := left - payloadLen; pad > 0 {
		op.addFrame(newPaddingFrame(pad))
		payloadLen += pad
	}
	p.payloadLen = payloadLen + overhead
	payloadOffset, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	p.packetSize, err = encodeFrames(b[payloadOffset:], op.frames)
	if err != nil {
		return 0, err
	}
	p.packetSize += payloadOffset + overhead
	s.keys.encryptPacket(b[:p.packetSize], &p)
	op.sentBytes = uint64(p.packetSize)
	op.ecnMarked = s.recovery.sendMarking() == ECNECT0
	s.onPacketSent(op, packetSpaceApplication)
	s.logPacketSent(&p, op.frames, now)
	s.pathChallengeSend = false
	if s.candidateAddr.IsValid() {
		s.sendAddr = s.candidateAddr
	}
	s.bytesSent += uint64(p.packetSize)
	return p.packetSize, nil
}

// canSendEarly reports whether the client can send 0-RTT packets.
func (s *Conn) canSendEarly() bool {
	return s.isClient && !s.handshakeComplete && !s.earlyRejected && s.earlySeal.aead != nil
}

func (s *Conn) canEncryptSpace(space packetSpace) bool {
	if space == packetSpaceApplication {
		return s.keys.canEncrypt() || s.canSendEarly()
	}
	return s.packetNumberSpaces[space].canEncrypt()
}

func (s *Conn) send(b []byte, space packetSpace, now time.Time) (int, error) {
	if !s.canEncryptSpace(space) {
		return 0, newError(InternalError, "cannot encrypt space "+space.String())
	}
	pnSpace := &s.packetNumberSpaces[space]
	early := false
	typ := packetTypeFromSpace(space)
	var overhead int
	if space == packetSpaceApplication {
		if s.keys.canEncrypt() {
			overhead = s.keys.seal.aead.Overhead()
		} else {
			early = true
			typ = packetTypeZeroRTT
			overhead = s.earlySeal.aead.Overhead()
		}
	} else {
		overhead = pnSpace.sealer.aead.Overhead()
	}
	avail := len(b)
	p := packet{
		typ: typ,
		header: Header{
			Version: s.version,
			DCID:    s.dcid,
			SCID:    s.scid,
		},
		packetNumber: pnSpace.nextPacketNumber,
		payloadLen:   avail, // for calculating the packet size
		keyPhase:     s.keys.phase & 1,
		spin:         s.spin,
	}
	if typ == packetTypeInitial {
		p.token = s.token
	}
	pktOverhead := p.encodedLen() + overhead - p.payloadLen
	left := avail - pktOverhead
	if left <= minPayloadLength {
		// May be due to congestion control.
		debug("short buffer: avail=%d left=%d", avail, left)
		return 0, nil
	}
	s.processLostPackets(space, now)
	op := newSentPacket(p.packetNumber, now)
	payloadLen := s.sendFrames(op, space, left, early, now)
	if len(op.frames) == 0 {
		return 0, nil
	}
	p.payloadLen = payloadLen
	left -= p.payloadLen
	// Datagrams carrying ack-eliciting Initial packets are padded to
	// smallest allowed maximum datagram size.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-14.1
	if p.typ == packetTypeInitial && (s.isClient || op.ackEliciting) {
		n := MinInitialPacketSize - pktOverhead - p.payloadLen
		if n > 0 {
			if n > left {
				return 0, errShortBuffer
			}
			op.addFrame(newPaddingFrame(n))
			p.payloadLen += n
			left -= n
		}
	}
	if p.payloadLen < minPayloadLength {
		n := minPayloadLength - p.payloadLen
		if n > left {
			return 0, errShortBuffer
		}
		op.addFrame(newPaddingFrame(n))
		p.payloadLen += n
		left -= n
	}
	// Include crypto overhead to encode the header with correct length.
	p.payloadLen += overhead
	payloadOffset, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	p.packetSize, err = encodeFrames(b[payloadOffset:], op.frames)
	if err != nil {
		return 0, err
	}
	p.packetSize += payloadOffset + overhead
	if p.packetSize != payloadOffset+p.payloadLen || p.packetSize > len(b) {
		return 0, newError(InternalError, sprint("encoded payload length ", p.packetSize, " exceeded buffer capacity ", len(b)))
	}
	switch {
	case typ == packetTypeShort:
		s.keys.encryptPacket(b[:p.packetSize], &p)
	case early:
		s.earlySeal.encryptPayload(b[:p.packetSize], p.packetNumber, p.payloadLen)
		pnOffset := p.packetSize - p.payloadLen - packetNumberLen(p.packetNumber)
		s.earlySeal.encryptHeader(b[:p.packetSize], pnOffset)
	default:
		pnSpace.encryptPacket(b[:p.packetSize], &p)
	}
	op.sentBytes = uint64(p.packetSize)
	op.ecnMarked = s.recovery.sendMarking() == ECNECT0
	debug("sending packet %s %s", &p, op)
	s.onPacketSent(op, space)
	s.logPacketSent(&p, op.frames, now)
	// A client stops sending and processing Initial packets when it
	// sends its first Handshake packet.
	if p.typ == packetTypeHandshake {
		if s.isClient && p.packetNumber == 0 {
			s.dropPacketSpace(packetSpaceInitial, now)
		}
		if s.state < stateHandshake {
			s.setState(stateHandshake, now)
		}
	}
	return p.packetSize, nil
}

func (s *Conn) writeSpace() packetSpace {
	if s.closeFrame != nil {
		if s.closeSent {
			return packetSpaceCount
		}
		// Send the close in the latest space available.
		if s.keys.canEncrypt() && s.handshakeComplete {
			return packetSpaceApplication
		}
		if s.packetNumberSpaces[packetSpaceHandshake].canEncrypt() {
			return packetSpaceHandshake
		}
		if s.packetNumberSpaces[packetSpaceInitial].canEncrypt() {
			return packetSpaceInitial
		}
		return packetSpaceCount
	}
	for i := packetSpaceInitial; i < packetSpaceCount; i++ {
		if !s.canEncryptSpace(i) {
			continue
		}
		if i == packetSpaceApplication && !s.handshakeComplete && !s.canSendEarly() {
			continue
		}
		// Select the space which has crypto data or lost frames to
		// resend, or needs to send a PTO probe.
		if s.packetNumberSpaces[i].ready() || len(s.recovery.lost[i]) > 0 || s.recovery.lossProbes[i] > 0 {
			return i
		}
	}
	if s.canEncryptSpace(packetSpaceApplication) && (s.state == stateActive || s.canSendEarly()) {
		if s.streams.hasFlushable() || s.streams.hasUpdate() || s.flow.shouldUpdateMaxRecv() ||
			s.flow.shouldSendBlocked() || s.datagram.isFlushable() ||
			s.handshakeDoneSend || s.pathResponse != nil || len(s.newTokenSend) > 0 ||
			len(s.retireCIDs) > 0 || s.localCIDNeedSend() {
			return packetSpaceApplication
		}
	}
	return packetSpaceCount
}

func (s *Conn) localCIDNeedSend() bool {
	for i := range s.localCIDs {
		if s.localCIDs[i].needSend && !s.localCIDs[i].retired {
			return true
		}
	}
	return false
}

func (s *Conn) maxPacketSize() int {
	var n uint64
	if s.state >= stateActive && s.peerParams.MaxUDPPayloadSize > 0 {
		n = s.peerParams.MaxUDPPayloadSize
	} else {
		n = MinInitialPacketSize
	}
	if cwnd := s.recovery.canSend(); n > cwnd {
		n = cwnd
	}
	return int(n)
}

func (s *Conn) sendFrames(op *sentPacket, space packetSpace, left int, early bool, now time.Time) int {
	payloadLen := 0
	// ACK
	if !early {
		if f := s.sendFrameAck(space, now); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.packetNumberSpaces[space].ackElicited = false
			}
		}
	}
	// CONNECTION_CLOSE
	if s.closeFrame != nil {
		f := s.closeFrame
		if space != packetSpaceApplication && f.application {
			// Application close reasons must not leak before the
			// handshake completes.
			// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.2.3
			f = newConnectionCloseFrame(ApplicationError, 0, nil, false)
		}
		n := f.encodedLen()
		if left >= n {
			op.addFrame(f)
			payloadLen += n
			s.closeSent = true
			s.enterClosing(now)
			return payloadLen // nothing else goes in this packet
		}
	}
	// CRYPTO
	if !early {
		if f := s.sendFrameCrypto(space, left); f != nil {
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
		}
	}
	if space == packetSpaceApplication {
		if !early {
			// HANDSHAKE_DONE
			if f := s.sendFrameHandshakeDone(); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.handshakeDoneSend = false
				}
			}
			// PATH_RESPONSE
			if s.pathResponse != nil {
				f := newPathResponseFrame(s.pathResponse)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.pathResponse = nil
				}
			}
			// NEW_TOKEN
			if len(s.newTokenSend) > 0 {
				f := newNewTokenFrame(s.newTokenSend)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.newTokenSend = nil
				}
			}
		}
		// MAX_DATA
		if f := s.sendFrameMaxData(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.updateMaxData = false
				s.flow.commitMaxRecv()
			}
		}
		// MAX_STREAMS
		if s.streams.updateMaxStreamsBidi {
			f := newMaxStreamsFrame(s.streams.maxStreamsNext.bidi, true)
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.streams.commitMaxStreams(true)
			}
		}
		if s.streams.updateMaxStreamsUni {
			f := newMaxStreamsFrame(s.streams.maxStreamsNext.uni, false)
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.streams.commitMaxStreams(false)
			}
		}
		// NEW_CONNECTION_ID
		for i := range s.localCIDs {
			c := &s.localCIDs[i]
			if !c.needSend || c.retired {
				continue
			}
			f := &newConnectionIDFrame{
				sequenceNumber:      c.sequence,
				connectionID:        c.cid,
				statelessResetToken: c.resetToken,
			}
			n := f.encodedLen()
			if left < n {
				break
			}
			op.addFrame(f)
			payloadLen += n
			left -= n
			c.needSend = false
		}
		// RETIRE_CONNECTION_ID
		for len(s.retireCIDs) > 0 {
			f := &retireConnectionIDFrame{sequenceNumber: s.retireCIDs[0]}
			n := f.encodedLen()
			if left < n {
				break
			}
			op.addFrame(f)
			payloadLen += n
			left -= n
			s.retireCIDs = s.retireCIDs[1:]
		}
		// DATA_BLOCKED
		if s.flow.shouldSendBlocked() {
			f := newDataBlockedFrame(s.flow.maxSend)
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.flow.setSendBlocked(false)
			}
		}
		// STREAMS_BLOCKED
		if s.streams.sendBlockedBidi {
			f := newStreamsBlockedFrame(s.streams.maxStreams.peerBidi, true)
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.streams.sendBlockedBidi = false
			}
		}
		if s.streams.sendBlockedUni {
			f := newStreamsBlockedFrame(s.streams.maxStreams.peerUni, false)
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.streams.sendBlockedUni = false
			}
		}
		// DATAGRAM
		for f := s.sendFrameDatagram(left); f != nil; f = s.sendFrameDatagram(left) {
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
		}
		for id, st := range s.streams.streams {
			// STOP_SENDING
			if st.updateStopSending {
				f := newStopSendingFrame(id, st.recv.stopCode)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.updateStopSending = false
				}
			}
			// RESET_STREAM
			if st.updateResetStream {
				f := newResetStreamFrame(id, st.send.resetCode, st.send.length)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.updateResetStream = false
					st.send.resetSent = true
				}
			}
			// MAX_STREAM_DATA
			if f := s.sendFrameMaxStreamData(id, st); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.ackMaxData()
				}
			}
			// STREAM_DATA_BLOCKED
			if st.flow.shouldSendBlocked() {
				f := newStreamDataBlockedFrame(id, st.flow.maxSend)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.flow.setSendBlocked(false)
				}
			}
		}
		// STREAM
		for id, st := range s.streams.streams {
			if f := s.sendFrameStream(id, st, left); f != nil {
				n := f.encodedLen()
				op.addFrame(f)
				payloadLen += n
				left -= n
				if left <= maxStreamFrameOverhead {
					break
				}
			}
		}
	}
	// PING
	if s.recovery.lossProbes[space] > 0 {
		if op.ackEliciting {
			// No PING needed when an ack-eliciting frame is included.
			s.recovery.lossProbes[space]--
		} else if left >= 1 {
			op.addFrame(&pingFrame{})
			payloadLen++
			left--
			s.recovery.lossProbes[space]--
		}
	}
	return payloadLen
}

func (s *Conn) onPacketSent(op *sentPacket, space packetSpace) {
	s.recovery.onPacketSent(op, space)
	s.packetNumberSpaces[space].nextPacketNumber++
	// (Re)start the idle timer when sending the first ack-eliciting
	// packet since last receiving one.
	if op.ackEliciting {
		if !s.ackElicitingSent {
			if d := s.idleDuration(); d > 0 {
				s.timers[timerIdle] = op.timeSent.Add(d)
			}
		}
		s.ackElicitingSent = true
	}
}

func (s *Conn) sendFrameAck(space packetSpace, now time.Time) *ackFrame {
	pnSpace := &s.packetNumberSpaces[space]
	if (pnSpace.ackElicited || s.recovery.lossProbes[space] > 0) && len(pnSpace.recvPacketNeedAck) > 0 {
		exp := s.localParams.AckDelayExponent
		if exp == 0 {
			exp = 3
		}
		ackDelay := uint64(now.Sub(pnSpace.largestRecvPacketTime).Microseconds()) >> exp
		f := newAckFrame(ackDelay, pnSpace.recvPacketNeedAck)
		if pnSpace.ecnEct0 > 0 || pnSpace.ecnEct1 > 0 || pnSpace.ecnCe > 0 {
			// Echo received ECN counts so the peer can validate marking.
			// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.4.1
			f.ecnCounts = &ecnCounts{
				ect0Count: pnSpace.ecnEct0,
				ect1Count: pnSpace.ecnEct1,
				ceCount:   pnSpace.ecnCe,
			}
		}
		return f
	}
	return nil
}

func (s *Conn) sendFrameCrypto(space packetSpace, left int) *cryptoFrame {
	left -= maxCryptoFrameOverhead
	if left > 0 {
		data, offset, _ := s.packetNumberSpaces[space].cryptoStream.popSend(left)
		if len(data) > 0 {
			return newCryptoFrame(data, offset)
		}
	}
	return nil
}

func (s *Conn) sendFrameStream(id uint64, st *Stream, left int) *streamFrame {
	left -= maxStreamFrameOverhead
	if left <= 0 {
		return nil
	}
	data, offset, fin := st.popSend(left)
	if len(data) > 0 || fin {
		debug("stream %d send: %v", id, &st.send)
		return newStreamFrame(id, data, offset, fin)
	}
	return nil
}

func (s *Conn) sendFrameMaxData() *maxDataFrame {
	if s.updateMaxData || s.flow.shouldUpdateMaxRecv() {
		return newMaxDataFrame(s.flow.maxRecvNext)
	}
	return nil
}

func (s *Conn) sendFrameMaxStreamData(id uint64, st *Stream) *maxStreamDataFrame {
	if st.updateMaxData || st.flow.shouldUpdateMaxRecv() {
		return newMaxStreamDataFrame(id, st.flow.maxRecvNext)
	}
	return nil
}

func (s *Conn) sendFrameHandshakeDone() *handshakeDoneFrame {
	// HANDSHAKE_DONE is sent only by a server.
	if s.isClient || !s.handshakeDoneSend {
		return nil
	}
	return &handshakeDoneFrame{}
}

func (s *Conn) sendFrameDatagram(left int) *datagramFrame {
	left -= maxDatagramFrameOverhead
	if left > 0 {
		data := s.datagram.popSend(left)
		if len(data) > 0 {
			return newDatagramFrame(data)
		}
	}
	return nil
}

// Timers

func (s *Conn) timerDeadline(kind TimerKind) time.Time {
	if kind == timerLossDetection {
		return s.recovery.lossDetectionTimer
	}
	return s.timers[kind]
}

// onTimeout handles a fired timer. Spurious calls for timers that are
// not due are ignored.
func (s *Conn) onTimeout(kind TimerKind, now time.Time) {
	s.lastNow = now
	deadline := s.timerDeadline(kind)
	if deadline.IsZero() || now.Before(deadline) {
		return
	}
	switch kind {
	case timerIdle:
		debug("idle timeout expired")
		s.timers[timerIdle] = time.Time{}
		if s.state < stateClosing {
			s.closeErr = ErrTimedOut
			s.closeOnce(false, 0)
			s.setState(stateClosed, now)
		}
	case timerLossDetection:
		s.recovery.onLossDetectionTimeout(now)
	case timerKeyDiscard:
		s.timers[timerKeyDiscard] = time.Time{}
		s.keys.discardPrev()
	case timerPathValidation:
		s.timers[timerPathValidation] = time.Time{}
		if s.pathChallenge == nil {
			return
		}
		s.pathTries++
		if s.pathTries >= maxPathValidationTries {
			// Validation failed, keep the existing path.
			s.pathChallenge = nil
			s.pathChallengeSend = false
			s.candidateAddr = netip.AddrPort{}
			return
		}
		s.pathChallengeSend = true
		s.timers[timerPathValidation] = now.Add(s.recovery.probeTimeout() << uint(s.pathTries))
	case timerClose:
		s.timers[timerClose] = time.Time{}
		if s.state < stateClosed {
			s.setState(stateClosed, now)
		}
	}
}

func (s *Conn) checkTimeouts(now time.Time) {
	for kind := TimerKind(0); kind < timerCount; kind++ {
		s.onTimeout(kind, now)
	}
}

// Timeout returns the duration until the earliest timer deadline.
// A negative duration means all timers are disarmed.
func (s *Conn) Timeout(now time.Time) time.Duration {
	if s.state == stateClosed {
		return -1
	}
	var deadline time.Time
	for kind := TimerKind(0); kind < timerCount; kind++ {
		d := s.timerDeadline(kind)
		if d.IsZero() {
			continue
		}
		if deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	if deadline.IsZero() {
		return -1
	}
	timeout := deadline.Sub(now)
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// idleDuration returns the effective idle timeout: the minimum of both
// endpoints' announced timeouts, but no less than three probe timeouts.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.1
func (s *Conn) idleDuration() time.Duration {
	d := s.localParams.MaxIdleTimeout
	if p := s.peerParams.MaxIdleTimeout; p > 0 && (d == 0 || p < d) {
		d = p
	}
	if d == 0 {
		return 0
	}
	if m := 3 * s.recovery.probeTimeout(); d < m {
		d = m
	}
	return d
}

func (s *Conn) armKeyDiscardTimer(now time.Time) {
	d := now.Add(3 * s.recovery.probeTimeout())
	s.keys.prevDiscardTime = d
	s.timers[timerKeyDiscard] = d
}

// ForceKeyUpdate initiates a key update to the next phase. It fails
// until the handshake is confirmed and the previous update was
// acknowledged.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-6
func (s *Conn) ForceKeyUpdate(now time.Time) error {
	if !s.handshakeConfirmed {
		return newError(KeyUpdateError, "handshake not confirmed")
	}
	if !s.keys.canUpdate() {
		return newError(KeyUpdateError, "previous update not acknowledged")
	}
	if err := s.keys.update(); err != nil {
		return newError(InternalError, "key update: "+err.Error())
	}
	s.armKeyDiscardTimer(now)
	s.logKeyUpdated(now)
	return nil
}

// Close schedules a CONNECTION_CLOSE to the peer. app marks the error
// code as an application error. The connection transitions to the
// closing state once the frame is sent by Read.
func (s *Conn) Close(app bool, errCode uint64, reason string) error {
	if s.closeFrame != nil || s.state >= stateClosing {
		return nil
	}
	debug("set closing: code=%d reason=%v", errCode, reason)
	s.closeFrame = newConnectionCloseFrame(errCode, 0, []byte(reason), app)
	if s.closeErr == nil {
		if app {
			s.closeErr = &AppError{Code: errCode, Message: reason}
		} else {
			s.closeErr = &Error{Code: errCode, Message: reason}
		}
	}
	return nil
}

// abort schedules a CONNECTION_CLOSE carrying a transport error.
func (s *Conn) abort(err *Error, frameType uint64) {
	if s.closeFrame != nil || s.state >= stateClosing {
		return
	}
	debug("connection error: %v", err)
	s.closeFrame = newConnectionCloseFrame(err.Code, frameType, []byte(err.Message), false)
	s.closeErr = err
}

func (s *Conn) enterClosing(now time.Time) {
	if s.state >= stateClosing {
		return
	}
	app := s.closeFrame.application
	s.closeOnce(app, s.closeFrame.errorCode)
	s.setState(stateClosing, now)
	// The closing state persists for three probe timeouts.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.2
	s.timers[timerClose] = now.Add(3 * s.recovery.probeTimeout())
	s.timers[timerIdle] = time.Time{}
}

// closeOnce emits the terminal event exactly once.
func (s *Conn) closeOnce(app bool, errCode uint64) {
	if s.closeEventSent {
		return
	}
	s.closeEventSent = true
	s.addEvent(newEventConnClosed(app, errCode))
}

// ConnectionState returns details of the TLS connection.
func (s *Conn) ConnectionState() tls.ConnectionState {
	return s.handshake.connectionState()
}

// Events appends buffered connection events to the provided slice and
// clears the internal buffer.
func (s *Conn) Events(events []Event) []Event {
	events = append(events, s.events...)
	for i := range s.events {
		s.events[i] = Event{}
	}
	s.events = s.events[:0]
	return events
}

// Stream returns an open stream, creating the local stream if it does
// not exist yet. Client-initiated streams have even-numbered IDs,
// server-initiated streams odd-numbered IDs.
func (s *Conn) Stream(id uint64) (*Stream, error) {
	return s.getOrCreateStream(id, true)
}

// NewStream reserves the next locally-initiated stream. It returns
// ErrBlocked when the peer's stream limit is exhausted; an
// EventStreamCreatable event signals when to retry.
func (s *Conn) NewStream(bidi bool) (uint64, error) {
	id, ok := s.streams.open(bidi)
	if !ok {
		return 0, ErrBlocked
	}
	if _, err := s.getOrCreateStream(id, true); err != nil {
		return 0, err
	}
	return id, nil
}

// Datagram returns the unreliable datagram transport of the connection.
func (s *Conn) Datagram() *Datagram {
	return &s.datagram
}

// issueCID registers an additional source connection ID, to be
// advertised to the peer in a NEW_CONNECTION_ID frame. The endpoint
// routes the new CID to this connection.
func (s *Conn) issueCID(cid, resetToken []byte) {
	s.localCIDs = append(s.localCIDs, connectionID{
		sequence:   s.localCIDSeq,
		cid:        append([]byte(nil), cid...),
		resetToken: append([]byte(nil), resetToken...),
		needSend:   true,
	})
	s.localCIDSeq++
}

// setNewToken schedules a NEW_TOKEN frame carrying an address
// validation token for future connections. Server only.
func (s *Conn) setNewToken(token []byte) {
	if s.isClient || len(token) == 0 {
		return
	}
	s.newTokenSend = append([]byte(nil), token...)
}

func (s *Conn) getOrCreateStream(id uint64, local bool) (*Stream, error) {
	st := s.streams.get(id)
	if st != nil {
		return st, nil
	}
	if local != isStreamLocal(id, s.isClient) {
		return nil, newError(StreamStateError, sprint("invalid type of stream ", id))
	}
	bidi := isStreamBidi(id)
	st, err := s.streams.create(id, local, bidi)
	if err != nil {
		return nil, err
	}
	var maxRecv, maxSend uint64
	if local {
		if bidi {
			maxRecv = s.localParams.InitialMaxStreamDataBidiLocal
			maxSend = s.peerParams.InitialMaxStreamDataBidiRemote
		} else {
			maxSend = s.peerParams.InitialMaxStreamDataUni
		}
	} else {
		if bidi {
			maxRecv = s.localParams.InitialMaxStreamDataBidiRemote
			maxSend = s.peerParams.InitialMaxStreamDataBidiLocal
		} else {
			maxRecv = s.localParams.InitialMaxStreamDataUni
		}
	}
	st.flow.init(maxRecv, maxSend)
	st.connFlow = &s.flow
	if !local {
		s.addEvent(newEventStreamOpen(id, bidi))
	}
	return st, nil
}

// checkStreamsState garbage-collects closed streams.
func (s *Conn) checkStreamsState(now time.Time) {
	if s.state != stateActive {
		return
	}
	for id := range s.streams.streams {
		s.checkStreamClosed(id, now)
	}
}

func (s *Conn) checkStreamClosed(id uint64, now time.Time) {
	s.streams.checkClosed(id, func(id uint64) {
		s.addEvent(newEventStreamClosed(id))
		s.logStreamClosed(id, now)
	})
}

func (s *Conn) setState(state connectionState, now time.Time) {
	if state == s.state {
		return
	}
	s.logConnectionState(s.state, state, now)
	s.state = state
	debug("set state=%v", state)
}

func (s *Conn) dropPacketSpace(space packetSpace, now time.Time) {
	s.packetNumberSpaces[space].drop()
	s.recovery.onPacketNumberSpaceDiscarded(space, now)
	debug("dropped space=%v", space)
}

func (s *Conn) addStreamEvents() {
	if s.state != stateActive || s.flow.canSend() == 0 {
		return
	}
	for id, st := range s.streams.streams {
		if st.isWriteable() {
			s.addEvent(newEventStreamWritable(id))
		}
	}
}

func (s *Conn) addEvent(e Event) {
	// Events are unique.
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i] == e {
			return
		}
	}
	s.events = append(s.events, e)
}

// rand uses tls.Config.Rand if available.
func (s *Conn) rand(b []byte) error {
	var err error
	if s.tlsConfig != nil && s.tlsConfig.Rand != nil {
		_, err = io.ReadFull(s.tlsConfig.Rand, b)
	} else {
		_, err = rand.Read(b)
	}
	return err
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SetLogger sets the handler for transport log events.
func (s *Conn) SetLogger(fn func(LogEvent)) {
	s.logEventFn = fn
}

func (s *Conn) logPacketDropped(p *packet, trigger string, now time.Time) {
	debug("dropped packet: %v %v", trigger, p)
	if s.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketDropped, p)
		e.addField("trigger", trigger)
		s.logEventFn(e)
	}
}

func (s *Conn) logPacketReceived(p *packet, now time.Time) {
	debug("received packet: %v", p)
	if s.logEventFn != nil {
		s.logEventFn(newLogEventPacket(now, logEventPacketReceived, p))
	}
}

func (s *Conn) logPacketSent(p *packet, frames []frame, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventPacket(now, logEventPacketSent, p))
		for _, f := range frames {
			s.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
		}
	}
}

func (s *Conn) logPacketsLost(packets []*sentPacket, space packetSpace, now time.Time) {
	if s.logEventFn != nil && len(packets) > 0 {
		p := packet{
			typ: packetTypeFromSpace(space),
		}
		for _, sp := range packets {
			p.packetNumber = sp.packetNumber
			s.logEventFn(newLogEventPacket(now, logEventPacketLost, &p))
		}
	}
}

func (s *Conn) logFrameProcessed(f frame, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
	}
}

func (s *Conn) logParametersSet(p *Parameters, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventParametersSet(now, p))
	}
}

func (s *Conn) logRecovery(now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventRecovery(now, &s.recovery))
		s.logEventFn(newLogEventLossTimer(now, &s.recovery))
	}
}

func (s *Conn) logStreamClosed(id uint64, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventStreamClosed(now, id))
	}
}

func (s *Conn) logKeyUpdated(now time.Time) {
	if s.logEventFn != nil {
		e := newLogEvent(now, logEventKeyUpdated)
		e.addField("key_phase", uint64(s.keys.phase))
		s.logEventFn(e)
	}
}

func (s *Conn) logConnectionState(old, new connectionState, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventConnectionState(now, old, new))
	}
}
