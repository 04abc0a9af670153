//go:build quicfuzz

package transport

import "testing"

func TestFuzzBuildPacket(t *testing.T) {
	client, server, now := newTestConnPair(t, newClientConfig(), newConfigWithCert())

	b := client.BuildPacket([]byte{1, 0, 0})
	if len(b) == 0 {
		t.Fatalf("expect a valid packet, actual %v", b)
	}
	n, err := server.Write(b, testClientAddr, ECNNotECT, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("expect write %v, actual %v", len(b), n)
	}

	b = server.BuildPacket([]byte{0, 1, 0, 1})
	if len(b) == 0 {
		t.Fatalf("expect a valid packet, actual %v", b)
	}
	n, err = client.Write(b, testServerAddr, ECNNotECT, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("expect write %v, actual %v", len(b), n)
	}
}
