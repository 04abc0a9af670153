package transport

import "testing"

func TestPacketNumberSpaceReady(t *testing.T) {
	var s packetNumberSpace
	s.init()
	if s.ready() {
		t.Fatalf("expect space not ready, actual ready")
	}
	if _, err := s.cryptoStream.Write([]byte("client hello")); err != nil {
		t.Fatal(err)
	}
	if !s.ready() {
		t.Fatalf("expect space ready with pending crypto data, actual not ready")
	}
	s.cryptoStream.resetBuffers()
	s.ackElicited = true
	if !s.ready() {
		t.Fatalf("expect space ready with pending ack, actual not ready")
	}
}
