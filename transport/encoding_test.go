package transport

import (
	"bytes"
	"testing"
)

func TestVarint(t *testing.T) {
	data := []struct {
		v uint64
		b []byte
	}{
		{0, []byte{0x00}},
		{37, []byte{0x25}},
		{15293, []byte{0x7b, 0xbd}},
		{494878333, []byte{0x9d, 0x7f, 0x3e, 0x7d}},
		{151288809941952652, []byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}},
	}
	for _, d := range data {
		n := varintLen(d.v)
		if n != len(d.b) {
			t.Fatalf("expect varint length: %v, actual: %v", len(d.b), n)
		}
		b := make([]byte, n)
		putVarint(b, d.v, n)
		if !bytes.Equal(b, d.b) {
			t.Fatalf("expect varint encoding: %x, actual: %x", d.b, b)
		}
		var v uint64
		n = getVarint(d.b, &v)
		if n != len(d.b) || v != d.v {
			t.Fatalf("expect varint decoding: %v %v, actual: %v %v", len(d.b), d.v, n, v)
		}
		if !bytes.Equal(appendVarint(nil, d.v, varintLen(d.v)), d.b) {
			t.Fatalf("append varint mismatched: %x", d.b)
		}
	}
}

func TestVarintTruncated(t *testing.T) {
	b := []byte{0x9d, 0x7f, 0x3e, 0x7d}
	for i := 1; i < len(b); i++ {
		var v uint64
		if n := getVarint(b[:i], &v); n != 0 {
			t.Fatalf("expect decoding failure for %x, actual: %v", b[:i], n)
		}
	}
}

func TestCodecVarintBytes(t *testing.T) {
	b := make([]byte, 16)
	s := newCodec(b)
	if !s.writeVarintBytes([]byte("hello")) {
		t.Fatal("could not write bytes")
	}
	if s.offset() != 6 {
		t.Fatalf("expect offset: %v, actual: %v", 6, s.offset())
	}
	s = newCodec(b[:s.offset()])
	var v []byte
	if !s.readVarintBytes(&v) {
		t.Fatal("could not read bytes")
	}
	if string(v) != "hello" {
		t.Fatalf("expect bytes: %q, actual: %q", "hello", v)
	}
	if s.len() != 0 {
		t.Fatalf("expect no remaining bytes, actual: %v", s.len())
	}
	// Length prefix beyond available data
	s = newCodec([]byte{0x05, 'h', 'i'})
	if s.readVarintBytes(&v) {
		t.Fatal("expect reading truncated bytes to fail")
	}
}

func TestPacketNumberCodec(t *testing.T) {
	data := []struct {
		v      uint64
		length int
	}{
		{0, 1},
		{0xac5c02, 3},
		{0xace8fe, 3},
		{0x1ffffff, 4},
	}
	for _, d := range data {
		if n := packetNumberLen(d.v); n != d.length {
			t.Fatalf("expect packet number length: %v, actual: %v", d.length, n)
		}
		b := make([]byte, 4)
		putPacketNumber(b, d.v, d.length)
		if v := getPacketNumber(b, d.length); v != d.v {
			t.Fatalf("expect packet number: %x, actual: %x", d.v, v)
		}
	}
}
