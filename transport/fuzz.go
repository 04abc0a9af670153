//go:build quicfuzz

package transport

// BuildPacket builds and encrypts a 1-RTT packet carrying payload, for
// feeding mutated frames into a live connection under fuzzing.
// Payload shorter than the minimum required for header protection is
// zero padded. Returns nil when 1-RTT keys are not yet available.
// Only compiled with build tag "quicfuzz".
func (s *Conn) BuildPacket(payload []byte) []byte {
	if !s.keys.canEncrypt() {
		return nil
	}
	for len(payload) < minPayloadLength {
		payload = append(payload, 0)
	}
	pnSpace := &s.packetNumberSpaces[packetSpaceApplication]
	overhead := s.keys.seal.aead.Overhead()
	p := packet{
		typ: packetTypeShort,
		header: Header{
			DCID: s.dcid,
		},
		packetNumber: pnSpace.nextPacketNumber,
		keyPhase:     s.keys.phase & 1,
		spin:         s.spin,
		payloadLen:   len(payload) + overhead,
	}
	b := make([]byte, p.encodedLen())
	payloadOffset, err := p.encode(b)
	if err != nil {
		panic(err)
	}
	p.packetSize = payloadOffset + copy(b[payloadOffset:], payload) + overhead
	if p.packetSize > len(b) {
		panic("packet size miscalculated")
	}
	s.keys.encryptPacket(b[:p.packetSize], &p)
	pnSpace.nextPacketNumber++
	return b[:p.packetSize]
}
