package transport

import (
	"errors"
	"fmt"
	"time"
)

type packetSpace int

const (
	packetSpaceInitial packetSpace = iota
	packetSpaceHandshake
	packetSpaceApplication
	packetSpaceCount
)

var packetSpaceNames = [...]string{
	packetSpaceInitial:     "initial",
	packetSpaceHandshake:   "handshake",
	packetSpaceApplication: "application",
}

func (s packetSpace) String() string {
	return packetSpaceNames[s]
}

type packetType int

const (
	packetTypeInitial packetType = iota
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeShort
)

var packetTypeNames = [...]string{
	packetTypeInitial:            "initial",
	packetTypeZeroRTT:            "zeroRTT",
	packetTypeHandshake:          "handshake",
	packetTypeRetry:              "retry",
	packetTypeVersionNegotiation: "version",
	packetTypeShort:              "short",
}

func (s packetType) String() string {
	return packetTypeNames[s]
}

const (
	maxPacketNumberLength = 4

	// First byte bits.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-17
	headerFormLong = 0x80
	headerFixed    = 0x40
	headerSpin     = 0x20 // short header only
	headerKeyPhase = 0x04 // short header only

	retryIntegrityTagLen = 16
)

func isLongHeader(b byte) bool {
	return b&headerFormLong != 0
}

func packetTypeFromLongHeader(b uint8) packetType {
	switch b & 0x30 >> 4 {
	case 0:
		return packetTypeInitial
	case 1:
		return packetTypeZeroRTT
	case 2:
		return packetTypeHandshake
	case 3:
		return packetTypeRetry
	default:
		panic(fmt.Sprintf("unsupported packet type: 0x%x", b))
	}
}

func packetTypeFromSpace(space packetSpace) packetType {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	case packetSpaceApplication:
		return packetTypeShort
	default:
		panic(fmt.Sprintf("invalid state: space=%d", space))
	}
}

// Packet number length bits are at the same position in both short and
// long header packets, but protected by the header protection mask.
func packetNumberLenFromHeader(b uint8) int {
	return int(b&0x03) + 1
}

func packetNumberLenHeaderFlag(n int) uint8 {
	return uint8(n - 1)
}

// Header is the plaintext portion of QUIC packets, enough for routing.
//
// Long header:
//
// +-+-+-+-+-+-+-+-+
// |1|1|T T|X X X X|
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                         Version (32)                          |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// | DCID Len (8)  |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |               Destination Connection ID (0..160)            ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// | SCID Len (8)  |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                 Source Connection ID (0..160)               ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Short header:
// +-+-+-+-+-+-+-+-+
// |0|1|S|R|R|K|P P|
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                 Destination Connection ID (*)               ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Header struct {
	Flags   uint8
	Version uint32
	DCID    []byte
	SCID    []byte

	dcil uint8 // expected DCID length when decoding a short header
}

func (s *Header) encodedLen() int {
	if isLongHeader(s.Flags) {
		return s.encodedLenLong()
	}
	return s.encodedLenShort()
}

func (s *Header) encodedLenLong() int {
	return 7 + len(s.DCID) + len(s.SCID)
}

func (s *Header) encodedLenShort() int {
	return 1 + len(s.DCID)
}

func (s *Header) encode(b []byte) (int, error) {
	if len(s.DCID) > MaxCIDLength {
		return 0, errors.New("destination CID too long")
	}
	if len(s.SCID) > MaxCIDLength {
		return 0, errors.New("source CID too long")
	}
	enc := newCodec(b)
	if !enc.writeByte(s.Flags) {
		return 0, errShortBuffer
	}
	var ok bool
	if isLongHeader(s.Flags) {
		ok = enc.writeUint32(s.Version) &&
			enc.writeByte(uint8(len(s.DCID))) &&
			enc.write(s.DCID) &&
			enc.writeByte(uint8(len(s.SCID))) &&
			enc.write(s.SCID)
	} else {
		ok = enc.write(s.DCID)
	}
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (s *Header) decode(b []byte) (int, error) {
	dec := newCodec(b)
	if !dec.readByte(&s.Flags) {
		return 0, errInvalidPacket
	}
	if isLongHeader(s.Flags) {
		if !dec.readUint32(&s.Version) {
			return 0, errInvalidPacket
		}
		var length uint8
		if !dec.readByte(&length) || length > MaxCIDLength {
			return 0, errInvalidPacket
		}
		if !dec.read(&s.DCID, int(length)) {
			return 0, errInvalidPacket
		}
		if !dec.readByte(&length) || length > MaxCIDLength {
			return 0, errInvalidPacket
		}
		if !dec.read(&s.SCID, int(length)) {
			return 0, errInvalidPacket
		}
	} else {
		if !dec.read(&s.DCID, int(s.dcil)) {
			return 0, errInvalidPacket
		}
	}
	return dec.offset(), nil
}

func (s *Header) packetType() packetType {
	if isLongHeader(s.Flags) {
		if s.Version == 0 {
			return packetTypeVersionNegotiation
		}
		return packetTypeFromLongHeader(s.Flags)
	}
	return packetTypeShort
}

func (s *Header) String() string {
	return fmt.Sprintf("type=%s version=%d dcid=%x scid=%x", s.packetType(), s.Version, s.DCID, s.SCID)
}

// DecodeHeader decodes the plaintext header of a QUIC packet.
// dcil is the length of connection IDs this endpoint issues, needed to
// delimit the DCID of short header packets.
func DecodeHeader(b []byte, dcil int) (*Header, error) {
	h := &Header{
		dcil: uint8(dcil),
	}
	_, err := h.decode(b)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// packet is an union of all QUIC packets.
type packet struct {
	typ       packetType
	header    Header
	headerLen int // decoded header length (set by decodeHeader)

	supportedVersions []uint32 // Version Negotiation only
	token             []byte   // Initial and Retry only

	packetNumber uint64
	payloadLen   int
	packetSize   int   // full size on the wire, for logging
	keyPhase     uint8 // Short only
	spin         bool  // Short only
}

var packetEncodedLenFuncs = [...]func(*packet) int{
	packetTypeInitial:            packetInitialEncodedLen,
	packetTypeZeroRTT:            packetLongEncodedLen,
	packetTypeHandshake:          packetLongEncodedLen,
	packetTypeRetry:              packetRetryEncodedLen,
	packetTypeVersionNegotiation: packetVersionEncodedLen,
	packetTypeShort:              packetShortEncodedLen,
}

var packetEncodeFuncs = [...]func(*packet, []byte) (int, error){
	packetTypeInitial:            packetInitialEncode,
	packetTypeZeroRTT:            packetLongEncode,
	packetTypeHandshake:          packetLongEncode,
	packetTypeRetry:              packetRetryEncode,
	packetTypeVersionNegotiation: packetVersionEncode,
	packetTypeShort:              packetShortEncode,
}

var packetDecodeFuncs = [...]func(*packet, []byte) (int, error){
	packetTypeInitial:            packetInitialDecode,
	packetTypeZeroRTT:            packetLongDecode,
	packetTypeHandshake:          packetLongDecode,
	packetTypeRetry:              packetRetryDecode,
	packetTypeVersionNegotiation: packetVersionDecode,
	packetTypeShort:              packetShortDecode,
}

func (s *packet) encodedLen() int {
	return packetEncodedLenFuncs[s.typ](s)
}

func (s *packet) encode(b []byte) (int, error) {
	switch s.typ {
	case packetTypeInitial:
		s.header.Flags = 0xc0 | packetNumberLenHeaderFlag(packetNumberLen(s.packetNumber))
	case packetTypeZeroRTT:
		s.header.Flags = 0xd0 | packetNumberLenHeaderFlag(packetNumberLen(s.packetNumber))
	case packetTypeHandshake:
		s.header.Flags = 0xe0 | packetNumberLenHeaderFlag(packetNumberLen(s.packetNumber))
	case packetTypeRetry:
		s.header.Flags = 0xf0
	case packetTypeVersionNegotiation:
		s.header.Flags = 0xc0
	case packetTypeShort:
		s.header.Flags = headerFixed | packetNumberLenHeaderFlag(packetNumberLen(s.packetNumber))
		if s.spin {
			s.header.Flags |= headerSpin
		}
		if s.keyPhase != 0 {
			s.header.Flags |= headerKeyPhase
		}
	default:
		return 0, fmt.Errorf("unsupported packet type: %d", s.typ)
	}
	n, err := s.header.encode(b)
	if err != nil {
		return 0, err
	}
	m, err := packetEncodeFuncs[s.typ](s, b[n:])
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// decodeHeader decodes the header and packet type.
func (s *packet) decodeHeader(b []byte) (int, error) {
	n, err := s.header.decode(b)
	if err != nil {
		return 0, err
	}
	s.typ = s.header.packetType()
	if s.typ != packetTypeVersionNegotiation && s.header.Flags&headerFixed == 0 {
		// The fixed bit is never zero in a valid packet.
		return 0, errInvalidPacket
	}
	s.headerLen = n
	return n, nil
}

// decodeBody decodes the packet up to its payload. It returns the payload
// offset relative to the header.
func (s *packet) decodeBody(b []byte) (int, error) {
	return packetDecodeFuncs[s.typ](s, b)
}

// packetNumberOffset returns the index of the packet number field, which is
// where header protection sampling starts.
func (s *packet) packetNumberOffset(b []byte, headerLen int) (int, error) {
	if s.typ == packetTypeShort {
		return headerLen, nil
	}
	var length uint64
	dec := newCodec(b[headerLen:])
	if s.typ == packetTypeInitial {
		// Skip token
		if !dec.readVarint(&length) || !dec.skip(int(length)) {
			return 0, errInvalidPacket
		}
	}
	// Remainder Length
	if !dec.readVarint(&length) {
		return 0, errInvalidPacket
	}
	return headerLen + dec.offset(), nil
}

func (s *packet) String() string {
	switch s.typ {
	case packetTypeInitial:
		return fmt.Sprintf("type=%s version=%d dcid=%x scid=%x token=%x number=%d",
			s.typ, s.header.Version, s.header.DCID, s.header.SCID, s.token, s.packetNumber)
	case packetTypeRetry:
		return fmt.Sprintf("type=%s version=%d dcid=%x scid=%x token=%x",
			s.typ, s.header.Version, s.header.DCID, s.header.SCID, s.token)
	case packetTypeShort:
		return fmt.Sprintf("type=%s dcid=%x number=%d phase=%d",
			s.typ, s.header.DCID, s.packetNumber, s.keyPhase)
	default:
		return fmt.Sprintf("type=%s version=%d dcid=%x scid=%x number=%d",
			s.typ, s.header.Version, s.header.DCID, s.header.SCID, s.packetNumber)
	}
}

func (s *packet) log(b []byte) []byte {
	b = appendField(b, "packet_type", s.typ.String())
	if s.typ != packetTypeShort {
		b = appendField(b, "version", s.header.Version)
	}
	b = appendField(b, "dcid", s.header.DCID)
	if s.typ != packetTypeShort {
		b = appendField(b, "scid", s.header.SCID)
	}
	if len(s.token) > 0 {
		b = appendField(b, "token", s.token)
	}
	switch s.typ {
	case packetTypeVersionNegotiation:
		b = appendField(b, "supported_versions", s.supportedVersions)
	case packetTypeRetry:
	default:
		b = appendField(b, "packet_number", s.packetNumber)
		b = appendField(b, "packet_size", s.packetSize)
		b = appendField(b, "payload_length", s.payloadLen)
	}
	return b
}

// Version Negotiation carries no packet number; the version field is zero
// and the payload lists the versions the sender supports.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-17.2.1
func packetVersionEncodedLen(s *packet) int {
	return s.header.encodedLenLong() + 4*len(s.supportedVersions)
}

func packetVersionEncode(s *packet, b []byte) (int, error) {
	if len(s.supportedVersions) == 0 {
		return 0, errors.New("supported versions must not be empty")
	}
	enc := newCodec(b)
	for _, v := range s.supportedVersions {
		if !enc.writeUint32(v) {
			return 0, errShortBuffer
		}
	}
	return enc.offset(), nil
}

func packetVersionDecode(s *packet, b []byte) (int, error) {
	dec := newCodec(b)
	var vers uint32
	if !dec.readUint32(&vers) {
		return 0, errInvalidPacket
	}
	s.supportedVersions = make([]uint32, 0, 1+dec.len()/4)
	s.supportedVersions = append(s.supportedVersions, vers)
	for dec.len() > 0 {
		if !dec.readUint32(&vers) {
			return dec.offset(), errInvalidPacket
		}
		s.supportedVersions = append(s.supportedVersions, vers)
	}
	return dec.offset(), nil
}

// NegotiateVersion writes a Version Negotiation packet to b, echoing the
// connection IDs of the offending packet with source and destination swapped.
func NegotiateVersion(b, dcid, scid []byte) (int, error) {
	p := &packet{
		typ: packetTypeVersionNegotiation,
		header: Header{
			DCID: dcid,
			SCID: scid,
		},
		supportedVersions: []uint32{ProtocolVersion},
	}
	return p.encode(b)
}

// Initial packets carry a token echoed from Retry or NEW_TOKEN.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-17.2.2
func packetInitialEncodedLen(s *packet) int {
	return packetLongEncodedLen(s) +
		varintLen(uint64(len(s.token))) +
		len(s.token)
}

func packetInitialEncode(s *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(s.header.Flags)
	enc := newCodec(b)
	if !enc.writeVarint(uint64(len(s.token))) ||
		!enc.write(s.token) ||
		!enc.writeVarint(uint64(pnLen+s.payloadLen)) ||
		!enc.writePacketNumber(s.packetNumber, pnLen) {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func packetInitialDecode(s *packet, b []byte) (int, error) {
	dec := newCodec(b)
	if !dec.readVarintBytes(&s.token) {
		return 0, errInvalidPacket
	}
	// Remainder length includes Packet Number and Payload
	pnLen := packetNumberLenFromHeader(s.header.Flags)
	var length uint64
	if !dec.readVarint(&length) || int(length) < pnLen {
		return 0, errInvalidPacket
	}
	if !dec.readPacketNumber(&s.packetNumber, pnLen) {
		return 0, errInvalidPacket
	}
	s.payloadLen = int(length) - pnLen
	if s.payloadLen < 0 || dec.len() < s.payloadLen {
		return 0, errInvalidPacket
	}
	return dec.offset(), nil
}

// 0-RTT and Handshake packets share the plain long header layout.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-17.2.3
func packetLongEncodedLen(s *packet) int {
	pnLen := packetNumberLen(s.packetNumber)
	return s.header.encodedLenLong() +
		varintLen(uint64(pnLen+s.payloadLen)) +
		pnLen +
		s.payloadLen
}

func packetLongEncode(s *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(s.header.Flags)
	enc := newCodec(b)
	if !enc.writeVarint(uint64(pnLen+s.payloadLen)) ||
		!enc.writePacketNumber(s.packetNumber, pnLen) {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func packetLongDecode(s *packet, b []byte) (int, error) {
	dec := newCodec(b)
	var length uint64
	pnLen := packetNumberLenFromHeader(s.header.Flags)
	if !dec.readVarint(&length) || int(length) < pnLen {
		return 0, errInvalidPacket
	}
	if !dec.readPacketNumber(&s.packetNumber, pnLen) {
		return 0, errInvalidPacket
	}
	s.payloadLen = int(length) - pnLen
	if s.payloadLen < 0 || dec.len() < s.payloadLen {
		return 0, errInvalidPacket
	}
	return dec.offset(), nil
}

// Retry packets have no packet number. The token takes the rest of the
// packet up to a 16 byte integrity tag computed over the original
// destination CID and the packet itself.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-17.2.5
func packetRetryEncodedLen(s *packet) int {
	return s.header.encodedLenLong() +
		len(s.token) +
		retryIntegrityTagLen
}

func packetRetryEncode(s *packet, b []byte) (int, error) {
	enc := newCodec(b)
	if !enc.write(s.token) {
		return 0, errShortBuffer
	}
	// Tag is appended by Retry once the pseudo packet is complete.
	return enc.offset(), nil
}

func packetRetryDecode(s *packet, b []byte) (int, error) {
	if len(b) < retryIntegrityTagLen {
		return 0, errInvalidPacket
	}
	s.token = b[:len(b)-retryIntegrityTagLen]
	return len(b), nil
}

// Retry writes a Retry packet to b including its integrity tag.
// odcid is the destination CID of the Initial packet this responds to.
func Retry(b, dcid, scid, odcid, token []byte) (int, error) {
	if len(odcid) > MaxCIDLength {
		return 0, errors.New("original destination CID too long")
	}
	p := &packet{
		typ: packetTypeRetry,
		header: Header{
			Version: ProtocolVersion,
			DCID:    dcid,
			SCID:    scid,
		},
		token: token,
	}
	n, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	n -= retryIntegrityTagLen
	tag := computeRetryIntegrity(odcid, b[:n])
	if len(b) < n+len(tag) {
		return 0, errShortBuffer
	}
	copy(b[n:], tag)
	return n + len(tag), nil
}

// verifyRetryIntegrity checks the tag of a received Retry packet b against
// the DCID the client sent its Initial to.
func verifyRetryIntegrity(b, odcid []byte) bool {
	if len(b) < retryIntegrityTagLen {
		return false
	}
	n := len(b) - retryIntegrityTagLen
	tag := computeRetryIntegrity(odcid, b[:n])
	return string(tag) == string(b[n:])
}

func packetShortEncodedLen(s *packet) int {
	return s.header.encodedLenShort() +
		packetNumberLen(s.packetNumber) +
		s.payloadLen
}

func packetShortEncode(s *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(s.header.Flags)
	enc := newCodec(b)
	if !enc.writePacketNumber(s.packetNumber, pnLen) {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func packetShortDecode(s *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(s.header.Flags)
	dec := newCodec(b)
	if !dec.readPacketNumber(&s.packetNumber, pnLen) {
		return 0, errInvalidPacket
	}
	if s.header.Flags&headerKeyPhase != 0 {
		s.keyPhase = 1
	} else {
		s.keyPhase = 0
	}
	s.spin = s.header.Flags&headerSpin != 0
	s.payloadLen = dec.len()
	return dec.offset(), nil
}

// packetNumberWindow stores the availability of packet numbers received.
// Only 64 packet numbers can be tracked.
type packetNumberWindow struct {
	lower  uint64 // start number
	window uint64 // next 64 numbers availability are represented as bits of the window
}

func (s *packetNumberWindow) push(n uint64) {
	if n < s.lower {
		return
	}
	if n > s.upper() {
		// Shift window so that right end is the provided number
		diff := n - s.upper()
		s.lower += diff
		s.window <<= diff
	}
	mask := uint64(1) << (s.upper() - n)
	s.window |= mask
}

func (s *packetNumberWindow) contains(n uint64) bool {
	if n < s.lower {
		return true
	}
	if n > s.upper() {
		return false
	}
	mask := uint64(1) << (s.upper() - n)
	return s.window&mask != 0
}

func (s *packetNumberWindow) upper() uint64 {
	return s.lower + 63
}

func (s *packetNumberWindow) String() string {
	return fmt.Sprintf("%d+0x%x", s.lower, s.window)
}

type packetNumberSpace struct {
	largestRecvPacketNumber uint64
	largestRecvPacketTime   time.Time

	nextPacketNumber uint64
	// recvPacketNeedAck contains received packet numbers to acknowledge in
	// an ACK frame. Numbers are removed once the peer confirmed our ACK.
	recvPacketNeedAck rangeSet
	// recvPacketNumbers tracks packet numbers received for deduplication.
	recvPacketNumbers packetNumberWindow
	// ackElicited indicates whether received packets need acknowledging.
	ackElicited      bool
	firstPacketAcked bool

	// ECN counts of packets accepted in this space, echoed in ACK frames.
	ecnEct0, ecnEct1, ecnCe uint64

	opener packetProtection
	sealer packetProtection

	cryptoStream Stream
}

func (s *packetNumberSpace) init() {
	s.cryptoStream.init(true, true)
	s.cryptoStream.flow.init(cryptoMaxData, cryptoMaxData)
}

func (s *packetNumberSpace) reset() {
	s.cryptoStream.resetBuffers()
	s.ackElicited = false
}

func (s *packetNumberSpace) drop() {
	*s = packetNumberSpace{}
}

func (s *packetNumberSpace) canEncrypt() bool {
	return s.sealer.aead != nil
}

// encryptPacket seals the payload and applies header protection in place.
// b and payloadLen must include the AEAD overhead.
func (s *packetNumberSpace) encryptPacket(b []byte, p *packet) {
	payload := s.sealer.encryptPayload(b, p.packetNumber, p.payloadLen)
	if len(payload) != p.payloadLen {
		panic(fmt.Sprintf("encrypted payload length %d does not equal %d", len(payload), p.payloadLen))
	}
	pnOffset := len(b) - p.payloadLen - packetNumberLen(p.packetNumber)
	s.sealer.encryptHeader(b, pnOffset)
}

func (s *packetNumberSpace) canDecrypt() bool {
	return s.opener.aead != nil
}

func (s *packetNumberSpace) decryptPacket(b []byte, p *packet) ([]byte, int, error) {
	payload, length, err := decryptPacket(&s.opener, b, p, s.largestRecvPacketNumber)
	if err != nil {
		return nil, 0, err
	}
	return payload, length, nil
}

// decryptPacket removes header protection and opens the payload of one
// packet using the provided keys.
func decryptPacket(pp *packetProtection, b []byte, p *packet, largestRecvPN uint64) ([]byte, int, error) {
	pnOffset, err := p.packetNumberOffset(b, p.headerLen)
	if err != nil {
		return nil, 0, err
	}
	err = pp.decryptHeader(b, pnOffset)
	if err != nil {
		return nil, 0, err
	}
	p.header.Flags = b[0]
	n, err := p.decodeBody(b[p.headerLen:])
	if err != nil {
		return nil, 0, err
	}
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	p.packetNumber = decodePacketNumber(largestRecvPN, p.packetNumber, pnLen)
	length := p.headerLen + n + p.payloadLen
	payload, err := pp.decryptPayload(b[:length], p.packetNumber, p.payloadLen)
	if err != nil {
		return nil, 0, err
	}
	return payload, length, nil
}

func (s *packetNumberSpace) onCryptoReceived(b []byte, offset uint64) error {
	// Push the data to the stream so it can be re-ordered.
	return s.cryptoStream.recv.push(b, offset, false)
}

func (s *packetNumberSpace) isPacketReceived(pn uint64) bool {
	return s.recvPacketNumbers.contains(pn)
}

func (s *packetNumberSpace) onPacketReceived(pn uint64, ecn ECN, now time.Time) {
	if s.largestRecvPacketTime.IsZero() || s.recvPacketNeedAck.largest() < pn {
		s.largestRecvPacketTime = now
	}
	s.recvPacketNumbers.push(pn)
	s.recvPacketNeedAck.push(pn, pn)
	if pn > s.largestRecvPacketNumber {
		s.largestRecvPacketNumber = pn
	}
	switch ecn {
	case ECNECT0:
		s.ecnEct0++
	case ECNECT1:
		s.ecnEct1++
	case ECNCE:
		s.ecnCe++
	}
}

func (s *packetNumberSpace) ready() bool {
	// The crypto stream is not subject to peer flow limits.
	return s.ackElicited || s.cryptoStream.send.ready(maxUint64)
}

// https://www.rfc-editor.org/rfc/rfc9000.html#section-a.3
func decodePacketNumber(largest, truncated uint64, length int) uint64 {
	expected := largest + 1
	win := uint64(1) << (uint(length) * 8)
	hwin := win / 2
	// The incoming packet number should be greater than (expected - hwin)
	// and less than or equal to (expected + hwin)
	candidate := (expected & ^(win - 1)) | truncated
	if candidate+hwin <= expected {
		return candidate + win
	}
	if candidate > expected+hwin && candidate > win {
		return candidate - win
	}
	return candidate
}
