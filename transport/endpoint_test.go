package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// endpointPair is a deterministic two-endpoint network: transmits are
// shuttled synchronously and time only moves when the test advances it.
type endpointPair struct {
	t      *testing.T
	client *Endpoint
	server *Endpoint
	now    time.Time

	clientHandle ConnectionHandle
	clientConn   *Conn
}

func newEndpointPair(t *testing.T, serverEndpointConfig *EndpointConfig) *endpointPair {
	t.Helper()
	client, err := NewEndpoint(newClientConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewEndpoint(newConfigWithCert(), serverEndpointConfig)
	if err != nil {
		t.Fatal(err)
	}
	if !server.server {
		t.Fatalf("expect server endpoint, actual client only")
	}
	p := &endpointPair{
		t:      t,
		client: client,
		server: server,
		now:    time.Now(),
	}
	p.clientHandle, p.clientConn, err = client.Connect(p.now, testServerAddr, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// pump moves all pending datagrams in both directions, returning false
// once the network is quiet.
func (p *endpointPair) pump() bool {
	moved := false
	for {
		tr, ok := p.client.PollTransmit(p.now)
		if !ok {
			break
		}
		moved = true
		p.server.Handle(p.now, testClientAddr, tr.ECN, tr.Payload)
	}
	for {
		tr, ok := p.server.PollTransmit(p.now)
		if !ok {
			break
		}
		moved = true
		p.client.Handle(p.now, testServerAddr, tr.ECN, tr.Payload)
	}
	p.now = p.now.Add(time.Millisecond)
	return moved
}

func (p *endpointPair) run() {
	p.t.Helper()
	for i := 0; ; i++ {
		if !p.pump() {
			return
		}
		if i > 50 {
			p.t.Fatalf("network did not become quiet")
		}
	}
}

func TestEndpointHandshake(t *testing.T) {
	p := newEndpointPair(t, nil)
	p.run()
	if !p.clientConn.IsEstablished() {
		t.Fatalf("expect client established, actual %v", p.clientConn.state)
	}
	_, serverConn, ok := p.server.Accept()
	if !ok {
		t.Fatalf("expect accepted connection")
	}
	if !serverConn.IsEstablished() {
		t.Fatalf("expect server established, actual %v", serverConn.state)
	}
}

func TestEndpointRetry(t *testing.T) {
	p := newEndpointPair(t, &EndpointConfig{
		AcceptBacklog:            1,
		RequireAddressValidation: true,
		RejectWhenBusy:           true,
	})
	p.run()
	if !p.clientConn.IsEstablished() {
		t.Fatalf("expect client established after retry, actual %v", p.clientConn.state)
	}
	if !p.clientConn.didRetry {
		t.Fatalf("expect client to have processed a retry packet")
	}
	_, serverConn, ok := p.server.Accept()
	if !ok {
		t.Fatalf("expect accepted connection")
	}
	if !serverConn.didRetry {
		t.Fatalf("expect server created from validated token")
	}
	if !bytes.Equal(serverConn.odcid, p.clientConn.odcid) {
		t.Fatalf("expect odcid %x, actual %x", p.clientConn.odcid, serverConn.odcid)
	}
}

func TestEndpointVersionNegotiation(t *testing.T) {
	p := newEndpointPair(t, nil)
	tr, ok := p.client.PollTransmit(p.now)
	if !ok {
		t.Fatalf("expect client initial packet")
	}
	// Rewrite the version so the server does not recognize it.
	binary.BigEndian.PutUint32(tr.Payload[1:], 0x1a2a3a4a)
	p.server.Handle(p.now, testClientAddr, tr.ECN, tr.Payload)
	resp, ok := p.server.PollTransmit(p.now)
	if !ok {
		t.Fatalf("expect version negotiation response")
	}
	h, err := DecodeHeader(resp.Payload, localCIDLength)
	if err != nil {
		t.Fatal(err)
	}
	if h.packetType() != packetTypeVersionNegotiation {
		t.Fatalf("expect packet type %v, actual %v", packetTypeVersionNegotiation, h.packetType())
	}
	if !bytes.Equal(h.DCID, p.clientConn.scid) {
		t.Fatalf("expect dcid %x, actual %x", p.clientConn.scid, h.DCID)
	}
	// The response lists the version the client is already using so the
	// client must discard it as a potential injection.
	p.client.Handle(p.now, testServerAddr, ECNNotECT, resp.Payload)
	if p.clientConn.state != stateAttempted {
		t.Fatalf("expect state %v, actual %v", stateAttempted, p.clientConn.state)
	}

	// A list with no mutual version is fatal.
	vn := &packet{
		typ: packetTypeVersionNegotiation,
		header: Header{
			DCID: p.clientConn.scid,
			SCID: p.clientConn.dcid,
		},
		supportedVersions: []uint32{0x5a6a7a8a},
	}
	b := make([]byte, 256)
	n, err := vn.encode(b)
	if err != nil {
		t.Fatal(err)
	}
	p.client.Handle(p.now, testServerAddr, ECNNotECT, b[:n])
	if p.clientConn.state != stateClosed {
		t.Fatalf("expect state %v, actual %v", stateClosed, p.clientConn.state)
	}
	if p.clientConn.Err() != ErrVersionMismatch {
		t.Fatalf("expect error %v, actual %v", ErrVersionMismatch, p.clientConn.Err())
	}
}

func TestEndpointServerBusy(t *testing.T) {
	p := newEndpointPair(t, &EndpointConfig{
		AcceptBacklog:  0,
		RejectWhenBusy: true,
	})
	p.run()
	var e *Error
	if !errors.As(p.clientConn.Err(), &e) || e.Code != ConnectionRefused {
		t.Fatalf("expect error %v, actual %v", errorCodeString(ConnectionRefused), p.clientConn.Err())
	}
	if _, _, ok := p.server.Accept(); ok {
		t.Fatalf("expect empty backlog")
	}
}

func TestEndpointStatelessReset(t *testing.T) {
	p := newEndpointPair(t, nil)
	b := make([]byte, 100)
	b[0] = 0x40
	for i := 1; i < len(b); i++ {
		b[i] = byte(i)
	}
	p.server.Handle(p.now, testClientAddr, ECNNotECT, b)
	resp, ok := p.server.PollTransmit(p.now)
	if !ok {
		t.Fatalf("expect stateless reset response")
	}
	if len(resp.Payload) >= len(b) {
		t.Fatalf("expect reset shorter than %d, actual %d", len(b), len(resp.Payload))
	}
	if resp.Payload[0]&0xc0 != 0x40 {
		t.Fatalf("expect short header flags, actual %x", resp.Payload[0])
	}
	token := computeResetToken(p.server.resetKey, b[1:1+localCIDLength])
	tail := resp.Payload[len(resp.Payload)-resetTokenLen:]
	if !bytes.Equal(tail, token) {
		t.Fatalf("expect reset token %x, actual %x", token, tail)
	}
}

func TestEndpointResetDetection(t *testing.T) {
	p := newEndpointPair(t, nil)
	p.run()
	_, serverConn, ok := p.server.Accept()
	if !ok {
		t.Fatalf("expect accepted connection")
	}
	// The server issued a spare CID with a reset token during the
	// handshake; a restarted server would answer with that token.
	var token []byte
	for i := range serverConn.localCIDs {
		if len(serverConn.localCIDs[i].resetToken) == resetTokenLen {
			token = serverConn.localCIDs[i].resetToken
			break
		}
	}
	if token == nil {
		t.Fatalf("expect spare cid with reset token, actual none issued")
	}
	reset := make([]byte, 60)
	reset[0] = 0x40
	copy(reset[1:], p.clientConn.scid)
	copy(reset[len(reset)-resetTokenLen:], token)
	p.client.Handle(p.now, testServerAddr, ECNNotECT, reset)
	if p.clientConn.Err() != ErrConnectionReset {
		t.Fatalf("expect error %v, actual %v", ErrConnectionReset, p.clientConn.Err())
	}
	if p.clientConn.state != stateDraining {
		t.Fatalf("expect state %v, actual %v", stateDraining, p.clientConn.state)
	}
}

func TestEndpointStaleTimeout(t *testing.T) {
	p := newEndpointPair(t, nil)
	h := p.clientHandle
	p.client.Remove(h)
	if p.client.Get(h) != nil {
		t.Fatalf("expect stale handle, actual live")
	}
	// Must not panic or dispatch anywhere.
	p.client.Timeout(p.now, h, timerIdle)

	// A new connection reusing the slot gets a different generation.
	h2, _, err := p.client.Connect(p.now, testServerAddr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2.index != h.index || h2.generation == h.generation {
		t.Fatalf("expect reused slot with new generation, actual %+v %+v", h, h2)
	}
	if p.client.Get(h) != nil {
		t.Fatalf("expect old handle still stale")
	}
}

func TestEndpointTimerUpdates(t *testing.T) {
	p := newEndpointPair(t, nil)
	// Sending the first flight arms the loss detection timer.
	if _, ok := p.client.PollTransmit(p.now); !ok {
		t.Fatalf("expect client initial packet")
	}
	found := false
	for {
		u, ok := p.client.PollTimers()
		if !ok {
			break
		}
		if u.Handle == p.clientHandle && !u.Deadline.IsZero() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expect a timer armed for the new connection")
	}
}
