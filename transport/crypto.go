package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"encoding/binary"
	"hash"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.2
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

// Initial packets are always protected with AES-128-GCM regardless of
// the cipher suite the handshake later negotiates.
const initialCipherSuite = tls.TLS_AES_128_GCM_SHA256

const (
	aeadNonceLen = 12

	// All QUIC header protection schemes sample 16 bytes of ciphertext.
	// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.4.2
	headerProtectionSampleLen = 16
)

// initialAEAD is the packet protection of the Initial space, derived
// from the Destination Connection ID in the client's first packet.
type initialAEAD struct {
	client packetProtection
	server packetProtection
}

// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.2
func (s *initialAEAD) init(cid []byte) error {
	initialSecret := hkdf.Extract(sha256.New, cid, initialSalt)
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", sha256.Size)
	err := s.client.init(initialCipherSuite, clientSecret)
	if err != nil {
		return err
	}
	serverSecret := hkdfExpandLabel(sha256.New, initialSecret, "server in", sha256.Size)
	return s.server.init(initialCipherSuite, serverSecret)
}

// suiteHash returns the HKDF hash and AEAD key length of a TLS 1.3
// cipher suite usable with QUIC.
func suiteHash(suite uint16) (func() hash.Hash, int) {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		return sha256.New, 16
	case tls.TLS_AES_256_GCM_SHA384:
		return sha512.New384, 32
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return sha256.New, chacha20poly1305.KeySize
	}
	return nil, 0
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 Section 7.1
// with an empty context, which is all QUIC needs.
func hkdfExpandLabel(h func() hash.Hash, secret []byte, label string, length int) []byte {
	var hkdfLabel cryptobyte.Builder
	hkdfLabel.AddUint16(uint16(length))
	hkdfLabel.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	hkdfLabel.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {})
	out := make([]byte, length)
	n, err := hkdf.Expand(h, secret, hkdfLabel.BytesOrPanic()).Read(out)
	if err != nil || n != length {
		panic("quic: HKDF-Expand-Label failed")
	}
	return out
}

// updateSecret chains a packet protection secret to the secret of the
// following key phase.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-6.1
func updateSecret(suite uint16, secret []byte) []byte {
	h, _ := suiteHash(suite)
	return hkdfExpandLabel(h, secret, "quic ku", len(secret))
}

// packetProtection applies or removes the protection of one direction
// of one packet number space.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-5
type packetProtection struct {
	aead  cipher.AEAD
	hp    headerProtector
	iv    [aeadNonceLen]byte
	nonce [aeadNonceLen]byte // iv xor packet number
}

func (s *packetProtection) init(suite uint16, secret []byte) error {
	err := s.initKey(suite, secret)
	if err != nil {
		return err
	}
	return s.initHeaderKey(suite, secret)
}

// initKey derives the AEAD key and IV. Key updates replace these while
// the header protection key stays fixed.
func (s *packetProtection) initKey(suite uint16, secret []byte) error {
	h, keyLen := suiteHash(suite)
	if h == nil {
		return newError(InternalError, sprint("unsupported cipher suite ", suite))
	}
	key := hkdfExpandLabel(h, secret, "quic key", keyLen)
	copy(s.iv[:], hkdfExpandLabel(h, secret, "quic iv", aeadNonceLen))
	if suite == tls.TLS_CHACHA20_POLY1305_SHA256 {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return err
		}
		s.aead = aead
		return nil
	}
	blk, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return err
	}
	s.aead = aead
	return nil
}

func (s *packetProtection) initHeaderKey(suite uint16, secret []byte) error {
	h, keyLen := suiteHash(suite)
	if h == nil {
		return newError(InternalError, sprint("unsupported cipher suite ", suite))
	}
	hpKey := hkdfExpandLabel(h, secret, "quic hp", keyLen)
	if suite == tls.TLS_CHACHA20_POLY1305_SHA256 {
		s.hp = chachaHeaderProtector{key: hpKey}
		return nil
	}
	blk, err := aes.NewCipher(hpKey)
	if err != nil {
		return err
	}
	s.hp = &aesHeaderProtector{block: blk}
	return nil
}

// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.3
// Length of b and payloadLen must include the AEAD overhead.
func (s *packetProtection) encryptPayload(b []byte, packetNumber uint64, payloadLen int) []byte {
	s.makeNonce(packetNumber)
	offset := len(b) - payloadLen
	header := b[:offset]
	payload := b[offset : len(b)-s.aead.Overhead()]
	payload = s.aead.Seal(payload[:0], s.nonce[:], payload, header)
	return payload
}

// Length of b and payloadLen must include the AEAD overhead.
func (s *packetProtection) decryptPayload(b []byte, packetNumber uint64, payloadLen int) ([]byte, error) {
	s.makeNonce(packetNumber)
	offset := len(b) - payloadLen
	header := b[:offset]
	payload := b[offset:]
	payload, err := s.aead.Open(payload[:0], s.nonce[:], payload, header)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// The 62 bits of the reconstructed QUIC packet number in network byte order
// are left-padded with zeros to the size of the IV. The exclusive OR of the
// padded packet number and the IV forms the AEAD nonce.
func (s *packetProtection) makeNonce(packetNumber uint64) {
	copy(s.nonce[:], s.iv[:])
	for i := 0; i < 8; i++ {
		s.nonce[aeadNonceLen-1-i] ^= byte(packetNumber >> (8 * i))
	}
}

// pnOffset is where Packet Number starts.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.4
//
// Long Header:
// +-+-+-+-+-+-+-+-+
// |1|1|T T|E E E E|
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                    Version -> Length Fields                 ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Short Header:
// +-+-+-+-+-+-+-+-+
// |0|1|S|E E E E E|
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |               Destination Connection ID (0/32..144)         ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Common Fields:
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |E E E E E E E E E  Packet Number (8/16/24/32) E E E E E E E E...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |   [Protected Payload (8/16/24)]             ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |             Sampled part of Protected Payload (128)         ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                 Protected Payload Remainder (*)             ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
func (s *packetProtection) encryptHeader(b []byte, pnOffset int) {
	sampleOffset := pnOffset + maxPacketNumberLength
	sample := b[sampleOffset : sampleOffset+headerProtectionSampleLen]
	mask := s.hp.mask(sample)
	pnLen := packetNumberLenFromHeader(b[0])
	if isLongHeader(b[0]) {
		// Long header: 4 bits masked
		b[0] ^= mask[0] & 0x0f
	} else {
		// Short header: 5 bits masked
		b[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
}

func (s *packetProtection) decryptHeader(b []byte, pnOffset int) error {
	sampleOffset := pnOffset + maxPacketNumberLength
	if len(b) < sampleOffset+headerProtectionSampleLen {
		return errInvalidPacket
	}
	sample := b[sampleOffset : sampleOffset+headerProtectionSampleLen]
	mask := s.hp.mask(sample)
	if isLongHeader(b[0]) {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	pnLen := packetNumberLenFromHeader(b[0])
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	return nil
}

// headerProtector computes the 5 byte header protection mask from a
// sample of packet ciphertext.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.4.1
type headerProtector interface {
	mask(sample []byte) [5]byte
}

// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.4.3
type aesHeaderProtector struct {
	block   cipher.Block
	scratch [aes.BlockSize]byte
}

func (s *aesHeaderProtector) mask(sample []byte) (m [5]byte) {
	s.block.Encrypt(s.scratch[:], sample)
	copy(m[:], s.scratch[:])
	return m
}

// The first 4 bytes of the sample are the block counter and the
// remaining 12 bytes the nonce of a ChaCha20 keystream.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.4.4
type chachaHeaderProtector struct {
	key []byte
}

func (s chachaHeaderProtector) mask(sample []byte) (m [5]byte) {
	c, err := chacha20.NewUnauthenticatedCipher(s.key, sample[4:headerProtectionSampleLen])
	if err != nil {
		panic("quic: chacha20 header protection: " + err.Error())
	}
	c.SetCounter(binary.LittleEndian.Uint32(sample[:4]))
	c.XORKeyStream(m[:], m[:])
	return m
}

// updatableKeys is the 1-RTT packet protection across key updates.
// Three read generations are live at once: openPrev opens reordered
// packets from the previous phase until it is discarded, open is the
// current phase, and openNext is precomputed so a peer initiated update
// does not derive keys on the receive path. The header protection key
// never changes.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-6
type updatableKeys struct {
	suite uint16
	phase uint8 // current value of the key phase bit

	seal     packetProtection
	open     packetProtection
	openPrev packetProtection
	openNext packetProtection

	readSecret  []byte
	writeSecret []byte

	// firstSentPN is the lowest packet number protected by seal since the
	// last update. Another local update is allowed only after one of those
	// packets was acknowledged.
	firstSentPN uint64
	confirmed   bool

	// prevDiscardTime is when openPrev is dropped, three PTOs after an
	// update so reordered packets of the old phase can still be opened.
	prevDiscardTime time.Time
}

func (s *updatableKeys) init(suite uint16, readSecret, writeSecret []byte) error {
	s.suite = suite
	s.phase = 0
	s.readSecret = append(s.readSecret[:0], readSecret...)
	s.writeSecret = append(s.writeSecret[:0], writeSecret...)
	err := s.open.init(suite, readSecret)
	if err != nil {
		return err
	}
	err = s.seal.init(suite, writeSecret)
	if err != nil {
		return err
	}
	s.openNext = packetProtection{hp: s.open.hp}
	err = s.openNext.initKey(suite, updateSecret(suite, readSecret))
	if err != nil {
		return err
	}
	s.firstSentPN = maxUint64
	s.confirmed = false
	return nil
}

func (s *updatableKeys) canEncrypt() bool {
	return s.seal.aead != nil
}

func (s *updatableKeys) canDecrypt() bool {
	return s.open.aead != nil
}

// canUpdate returns whether a local key update may start. A packet of
// the current phase must have been acknowledged first.
// https://www.rfc-editor.org/rfc/rfc9001.html#section-6.1
func (s *updatableKeys) canUpdate() bool {
	return s.confirmed
}

// update moves both directions to the next key phase. The read keys of
// the replaced phase stay in openPrev until the caller discards them.
func (s *updatableKeys) update() error {
	s.phase ^= 1
	s.readSecret = updateSecret(s.suite, s.readSecret)
	s.writeSecret = updateSecret(s.suite, s.writeSecret)
	s.openPrev = s.open
	s.open = s.openNext
	err := s.seal.initKey(s.suite, s.writeSecret)
	if err != nil {
		return err
	}
	err = s.openNext.initKey(s.suite, updateSecret(s.suite, s.readSecret))
	if err != nil {
		return err
	}
	s.firstSentPN = maxUint64
	s.confirmed = false
	return nil
}

func (s *updatableKeys) discardPrev() {
	s.openPrev = packetProtection{}
	s.prevDiscardTime = time.Time{}
}

// onPacketAcked records that a packet sent in the current phase was
// acknowledged, which permits the next local key update.
func (s *updatableKeys) onPacketAcked(pn uint64) {
	if pn >= s.firstSentPN {
		s.confirmed = true
	}
}

// encryptPacket seals the payload and applies header protection in place.
// The caller sets the packet's key phase bit from s.phase before encoding.
func (s *updatableKeys) encryptPacket(b []byte, p *packet) {
	payload := s.seal.encryptPayload(b, p.packetNumber, p.payloadLen)
	if len(payload) != p.payloadLen {
		panic(sprint("encrypted payload length ", len(payload), " does not equal ", p.payloadLen))
	}
	pnOffset := len(b) - p.payloadLen - packetNumberLen(p.packetNumber)
	s.seal.encryptHeader(b, pnOffset)
	if s.firstSentPN == maxUint64 {
		s.firstSentPN = p.packetNumber
	}
}

// decryptPacket opens a short header packet under the key generation its
// key phase bit selects. Opening under openNext means the peer started a
// key update: the keys are promoted and updated reports the flip so the
// caller can arm the discard timer for the previous generation.
// allowUpdate gates that promotion until the handshake is confirmed.
func (s *updatableKeys) decryptPacket(b []byte, p *packet, largestRecvPN uint64, allowUpdate bool) (payload []byte, length int, updated bool, err error) {
	pnOffset, err := p.packetNumberOffset(b, p.headerLen)
	if err != nil {
		return nil, 0, false, err
	}
	err = s.open.decryptHeader(b, pnOffset)
	if err != nil {
		return nil, 0, false, err
	}
	p.header.Flags = b[0]
	n, err := p.decodeBody(b[p.headerLen:])
	if err != nil {
		return nil, 0, false, err
	}
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	p.packetNumber = decodePacketNumber(largestRecvPN, p.packetNumber, pnLen)
	length = p.headerLen + n + p.payloadLen
	switch {
	case p.keyPhase == s.phase:
		payload, err = s.open.decryptPayload(b[:length], p.packetNumber, p.payloadLen)
	case p.packetNumber < largestRecvPN && s.openPrev.aead != nil:
		// A reordered packet of the previous phase.
		payload, err = s.openPrev.decryptPayload(b[:length], p.packetNumber, p.payloadLen)
	default:
		payload, err = s.openNext.decryptPayload(b[:length], p.packetNumber, p.payloadLen)
		if err == nil {
			if !allowUpdate {
				return nil, 0, false, newError(KeyUpdateError, "key update before handshake confirmed")
			}
			err = s.update()
			updated = true
		}
	}
	if err != nil {
		return nil, 0, false, err
	}
	return payload, length, updated, nil
}

// Retry Packet Integrity

// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.8
var (
	retryIntegrityKey = []byte{
		0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
		0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
	}
	retryIntegrityNonce = []byte{
		0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2,
		0x23, 0x98, 0x25, 0xbb,
	}
	retryIntegrityAEAD = func() cipher.AEAD {
		blk, err := aes.NewCipher(retryIntegrityKey)
		if err != nil {
			panic("retry packet integrity AEAD: " + err.Error())
		}
		aead, err := cipher.NewGCM(blk)
		if err != nil {
			panic("retry packet integrity AEAD: " + err.Error())
		}
		return aead
	}()
)

// computeRetryIntegrity returns the integrity tag of the Retry packet b.
// The tag covers the pseudo packet formed by prefixing b with the length
// and value of the original destination CID.
func computeRetryIntegrity(odcid, b []byte) []byte {
	pseudo := make([]byte, 1+len(odcid)+len(b), 1+len(odcid)+len(b)+retryIntegrityTagLen)
	pseudo[0] = byte(len(odcid))
	copy(pseudo[1:], odcid)
	copy(pseudo[1+len(odcid):], b)
	tag := retryIntegrityAEAD.Seal(pseudo[len(pseudo):], retryIntegrityNonce, nil, pseudo)
	return tag
}

// Stateless Reset

// resetTokenLen is the length of a stateless reset token.
const resetTokenLen = 16

// computeResetToken derives the stateless reset token of a connection ID.
// Tokens are an HMAC of the CID so an endpoint can answer packets of
// connections it lost state for, even across restarts, without keeping a
// token table.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-10.3
func computeResetToken(key, cid []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(cid)
	return mac.Sum(nil)[:resetTokenLen]
}

// Address Validation

const (
	tokenTypeRetry  = 1
	tokenTypeResume = 2

	retryTokenValidity  = 10 * time.Second
	resumeTokenValidity = 24 * time.Hour
)

// AddressValidator generates and validates address validation tokens.
// Retry tokens seal the client's original destination CID, tokens sent in
// NEW_TOKEN frames only prove a prior connection from the same address.
// Both are AES-GCM sealed with a randomly generated key, bound to the
// client address and a type tag, and expire.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-8.1
type AddressValidator struct {
	aead cipher.AEAD
}

// NewAddressValidator creates a new AddressValidator or returns an error
// when it failed to generate the secret or the AEAD.
func NewAddressValidator() (*AddressValidator, error) {
	var key [16]byte
	_, err := rand.Read(key[:])
	if err != nil {
		return nil, err
	}
	blk, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	return &AddressValidator{aead: aead}, nil
}

// Generate encrypts odcid into a Retry token bound to the client address.
// Token layout: type (1) | issued time (4) | random (8) | ciphertext.
// The leading 12 bytes after the type form the nonce.
func (s *AddressValidator) Generate(now time.Time, addr, odcid []byte) []byte {
	return s.generate(now, tokenTypeRetry, addr, odcid)
}

// Validate decrypts a Retry token and returns the original destination
// CID, or nil when the token is forged or expired.
func (s *AddressValidator) Validate(now time.Time, addr, token []byte) []byte {
	odcid, ok := s.validate(now, tokenTypeRetry, retryTokenValidity, addr, token)
	if !ok || len(odcid) == 0 {
		return nil
	}
	return odcid
}

// GenerateToken creates an address validation token for a NEW_TOKEN
// frame. It carries no CID, only proof of the validated address.
func (s *AddressValidator) GenerateToken(now time.Time, addr []byte) []byte {
	return s.generate(now, tokenTypeResume, addr, nil)
}

// ValidateToken returns whether token proves that addr was validated by
// an earlier connection.
func (s *AddressValidator) ValidateToken(now time.Time, addr, token []byte) bool {
	_, ok := s.validate(now, tokenTypeResume, resumeTokenValidity, addr, token)
	return ok
}

func (s *AddressValidator) generate(now time.Time, typ byte, addr, data []byte) []byte {
	token := make([]byte, 13, 13+len(data)+s.aead.Overhead())
	token[0] = typ
	binary.BigEndian.PutUint32(token[1:], uint32(now.Unix()))
	_, err := rand.Read(token[5:13])
	if err != nil {
		return nil
	}
	ad := make([]byte, 1+len(addr))
	ad[0] = typ
	copy(ad[1:], addr)
	return s.aead.Seal(token, token[1:13], data, ad)
}

func (s *AddressValidator) validate(now time.Time, typ byte, validity time.Duration, addr, token []byte) ([]byte, bool) {
	if len(token) < 13+s.aead.Overhead() || token[0] != typ {
		return nil, false
	}
	sec := now.Unix()
	issued := int64(binary.BigEndian.Uint32(token[1:]))
	if issued < sec-int64(validity/time.Second) || issued > sec {
		return nil, false
	}
	ad := make([]byte, 1+len(addr))
	ad[0] = typ
	copy(ad[1:], addr)
	data, err := s.aead.Open(nil, token[1:13], token[13:], ad)
	if err != nil {
		return nil, false
	}
	return data, true
}
