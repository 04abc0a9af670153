package transport

import (
	"bytes"
	"io"
	"testing"
)

func TestStreamRecv(t *testing.T) {
	s := Stream{}
	s.init(false, true)
	s.flow.init(10, 0)
	// Receive data
	b := []byte("recvstream")
	err := s.pushRecv(b, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	// Consume
	b = make([]byte, 10)
	n, err := s.Read(b[:4])
	if err != nil || n != 4 || string(b[:n]) != "recv" {
		t.Fatalf("expect read %v %v %s, actual %v %v %s", 4, nil, "recv", n, err, b[:n])
	}
	// Continue consume
	n, err = s.Read(b)
	if err != nil || n != 6 || string(b[:n]) != "stream" {
		t.Fatalf("expect read %v %v %s, actual %v %v %s", 6, nil, "stream", n, err, b[:n])
	}
	// End
	_, err = s.Read(b)
	if err != io.EOF {
		t.Fatalf("expect error %v, actual %v", io.EOF, err)
	}
	// Receive wrong offset
	s.flow.maxRecv++
	err = s.pushRecv(b[:1], 10, true)
	if err != errFinalSize {
		t.Fatalf("expect error %v, actual %v", errFinalSize, err)
	}
}

func TestStreamRecvBlocked(t *testing.T) {
	s := Stream{}
	s.init(false, true)
	s.flow.init(20, 0)
	b := make([]byte, 10)
	// Nothing received yet
	n, err := s.Read(b)
	if n != 0 || err != ErrBlocked {
		t.Fatalf("expect read %v %v, actual %v %v", 0, ErrBlocked, n, err)
	}
	// Data right after a gap is not readable
	err = s.pushRecv([]byte("data"), 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.isReadable() {
		t.Fatalf("expect readable %v, actual %v", false, s.isReadable())
	}
	n, err = s.Read(b)
	if n != 0 || err != ErrBlocked {
		t.Fatalf("expect read %v %v, actual %v %v", 0, ErrBlocked, n, err)
	}
	// Filling the gap unblocks reading
	err = s.pushRecv([]byte("no"), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if !s.isReadable() {
		t.Fatalf("expect readable %v, actual %v", true, s.isReadable())
	}
	n, err = s.Read(b)
	if n != 6 || err != nil || string(b[:n]) != "nodata" {
		t.Fatalf("expect read %v %v %s, actual %v %v %s", 6, nil, "nodata", n, err, b[:n])
	}
}

func TestStreamRecvUnordered(t *testing.T) {
	s := Stream{}
	s.init(false, false)
	s.flow.init(100, 0)
	err := s.pushRecv([]byte("world"), 6, true)
	if err != nil {
		t.Fatal(err)
	}
	// Segments are delivered without waiting for the gap to fill.
	b, off, err := s.ReadUnordered()
	if err != nil || off != 6 || string(b) != "world" {
		t.Fatalf("expect read %q %v %v, actual %s %v %v", "world", 6, nil, b, off, err)
	}
	_, _, err = s.ReadUnordered()
	if err != ErrBlocked {
		t.Fatalf("expect error %v, actual %v", ErrBlocked, err)
	}
	err = s.pushRecv([]byte("hello "), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	b, off, err = s.ReadUnordered()
	if err != nil || off != 0 || string(b) != "hello " {
		t.Fatalf("expect read %q %v %v, actual %s %v %v", "hello ", 0, nil, b, off, err)
	}
	// All data consumed
	_, _, err = s.ReadUnordered()
	if err != io.EOF {
		t.Fatalf("expect error %v, actual %v", io.EOF, err)
	}
}

func TestStreamRecvDuplicate(t *testing.T) {
	s := Stream{}
	s.init(false, false)
	s.flow.init(100, 0)
	err := s.pushRecv([]byte("quic"), 4, false)
	if err != nil {
		t.Fatal(err)
	}
	b, off, err := s.ReadUnordered()
	if err != nil || off != 4 || string(b) != "quic" {
		t.Fatalf("expect read %q %v %v, actual %s %v %v", "quic", 4, nil, b, off, err)
	}
	// Retransmission overlapping consumed data must not be delivered again.
	err = s.pushRecv([]byte("onquicgo"), 2, false)
	if err != nil {
		t.Fatal(err)
	}
	b, off, err = s.ReadUnordered()
	if err != nil || off != 2 || string(b) != "on" {
		t.Fatalf("expect read %q %v %v, actual %s %v %v", "on", 2, nil, b, off, err)
	}
	b, off, err = s.ReadUnordered()
	if err != nil || off != 8 || string(b) != "go" {
		t.Fatalf("expect read %q %v %v, actual %s %v %v", "go", 8, nil, b, off, err)
	}
	_, _, err = s.ReadUnordered()
	if err != ErrBlocked {
		t.Fatalf("expect error %v, actual %v", ErrBlocked, err)
	}
}

func TestStreamRecvReset(t *testing.T) {
	s := Stream{}
	s.init(false, true)
	s.flow.init(100, 100)
	err := s.pushRecv([]byte("partial"), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	// Final size less than data received
	_, err = s.resetRecv(4, 7)
	if err != errFinalSize {
		t.Fatalf("expect error %v, actual %v", errFinalSize, err)
	}
	n, err := s.resetRecv(9, 7)
	if n != 2 || err != nil {
		t.Fatalf("expect reset %v %v, actual %v %v", 2, nil, n, err)
	}
	if !s.isReadable() {
		t.Fatalf("expect readable %v, actual %v", true, s.isReadable())
	}
	// Buffered data is dropped, the error is sticky.
	for i := 0; i < 2; i++ {
		b := make([]byte, 10)
		n, err := s.Read(b)
		if rst, ok := err.(StreamResetError); n != 0 || !ok || rst.ErrorCode != 7 {
			t.Fatalf("expect read %v %v, actual %v %v", 0, StreamResetError{ErrorCode: 7}, n, err)
		}
	}
	if !s.recv.done() {
		t.Fatalf("expect recv done %v, actual %v", true, s.recv.done())
	}
}

func TestStreamRecvResetAfterRead(t *testing.T) {
	s := Stream{}
	s.init(false, false)
	s.flow.init(100, 0)
	err := s.pushRecv([]byte("all"), 0, true)
	if err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 10)
	n, err := s.Read(b)
	if n != 3 || err != nil {
		t.Fatalf("expect read %v %v, actual %v %v", 3, nil, n, err)
	}
	if _, err = s.Read(b); err != io.EOF {
		t.Fatalf("expect error %v, actual %v", io.EOF, err)
	}
	// Late reset does not overwrite the terminal state already seen.
	n, err = s.resetRecv(3, 9)
	if n != 0 || err != nil {
		t.Fatalf("expect reset %v %v, actual %v %v", 0, nil, n, err)
	}
	if _, err = s.Read(b); err != io.EOF {
		t.Fatalf("expect error %v, actual %v", io.EOF, err)
	}
}

func TestStreamSend(t *testing.T) {
	s := Stream{}
	s.init(false, true)
	s.flow.init(0, 10)
	// Send
	b := []byte("sendstream")
	n, err := s.Write(b)
	if err != nil || n != len(b) {
		t.Fatalf("expect write %v %v, actual %v %v", len(b), nil, n, err)
	}
	// Done sending
	err = s.Close()
	if err != nil {
		t.Fatal(err)
	}
	// Consume
	b, off, fin := s.send.pop(4)
	if string(b) != "send" || off != 0 || fin != false {
		t.Fatalf("expect pop %q %v %v, actual %s %v %v", "send", 0, false, b, off, fin)
	}
	// Continue consume
	b, off, fin = s.send.pop(20)
	if string(b) != "stream" || off != 4 || fin != true {
		t.Fatalf("expect pop %q %v %v, actual %s %v %v", "stream", 4, true, b, off, fin)
	}
	// Stream is empty now
	if s.isFlushable() {
		t.Fatalf("expect flushable %v, actual %v", false, s.isFlushable())
	}
	// Cannot send more data
	s.flow.maxSend++
	n, err = s.Write(b[:1])
	if n != 0 || err != errFinalSize {
		t.Fatalf("expect write %v %v, actual %v %v", 0, errFinalSize, n, err)
	}
}

func TestStreamSendBlocked(t *testing.T) {
	s := Stream{}
	s.init(true, true)
	s.flow.init(0, 4)
	b := []byte("blocked")
	// Partial write up to the send window
	n, err := s.Write(b)
	if n != 4 || err != nil {
		t.Fatalf("expect write %v %v, actual %v %v", 4, nil, n, err)
	}
	// Window exhausted
	n, err = s.Write(b[4:])
	if n != 0 || err != ErrBlocked {
		t.Fatalf("expect write %v %v, actual %v %v", 0, ErrBlocked, n, err)
	}
	if !s.flow.shouldSendBlocked() {
		t.Fatalf("expect send blocked %v, actual %v", true, s.flow.shouldSendBlocked())
	}
	if s.isWriteable() {
		t.Fatalf("expect writeable %v, actual %v", false, s.isWriteable())
	}
	// Peer raises the limit
	s.flow.setMaxSend(7)
	if !s.isWriteable() {
		t.Fatalf("expect writeable %v, actual %v", true, s.isWriteable())
	}
	n, err = s.Write(b[4:])
	if n != 3 || err != nil {
		t.Fatalf("expect write %v %v, actual %v %v", 3, nil, n, err)
	}
	data, _, _ := s.send.pop(10)
	if string(data) != "blocked" {
		t.Fatalf("expect pop %q, actual %s", "blocked", data)
	}
}

func TestStreamSendAck(t *testing.T) {
	s := Stream{}
	s.init(true, false)
	s.flow.init(0, 100)
	b := []byte("acknowledge")
	if _, err := s.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	data, off, fin := s.popSend(len(b))
	if string(data) != "acknowledge" || off != 0 || !fin {
		t.Fatalf("expect pop %q %v %v, actual %s %v %v", b, 0, true, data, off, fin)
	}
	// Acknowledging all but one byte does not complete the stream.
	if s.ackSend(0, 5, false) {
		t.Fatalf("expect send complete %v, actual %v", false, s.send.complete())
	}
	if s.ackSend(6, 5, true) {
		t.Fatalf("expect send complete %v, actual %v", false, s.send.complete())
	}
	if !s.ackSend(5, 1, false) {
		t.Fatalf("expect send complete %v, actual %v", true, s.send.complete())
	}
	if !s.done() {
		t.Fatalf("expect done %v, actual %v", true, s.done())
	}
}

func TestStreamSendReset(t *testing.T) {
	s := Stream{}
	s.init(true, true)
	s.flow.init(100, 100)
	if _, err := s.Write([]byte("discarded")); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(3); err != nil {
		t.Fatal(err)
	}
	if !s.updateResetStream {
		t.Fatalf("expect update reset stream %v, actual %v", true, s.updateResetStream)
	}
	if s.send.resetCode != 3 {
		t.Fatalf("expect reset code %v, actual %v", 3, s.send.resetCode)
	}
	// Buffered data must not be flushed after reset.
	if s.isFlushable() {
		t.Fatalf("expect flushable %v, actual %v", false, s.isFlushable())
	}
	_, err := s.Write([]byte("more"))
	if err, ok := err.(*Error); !ok || err.Code != StreamStateError {
		t.Fatalf("expect error %v, actual %v", errorCodeString(StreamStateError), err)
	}
	// Reset and Close are no-ops now
	if err := s.Reset(5); err != nil || s.send.resetCode != 3 {
		t.Fatalf("expect reset code %v %v, actual %v %v", 3, nil, s.send.resetCode, err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.done() {
		t.Fatalf("expect done %v, actual %v", false, s.done())
	}
	s.send.resetAcked = true
	s.recv.finRead = true
	if !s.done() {
		t.Fatalf("expect done %v, actual %v", true, s.done())
	}
}

func TestStreamSendStopped(t *testing.T) {
	s := Stream{}
	s.init(true, false)
	s.flow.init(0, 100)
	if _, err := s.Write([]byte("stop")); err != nil {
		t.Fatal(err)
	}
	// Peer no longer wants this stream, the error code is echoed back
	// in the scheduled reset.
	s.stopSend(42)
	if !s.updateResetStream || s.send.resetCode != 42 {
		t.Fatalf("expect reset scheduled %v %v, actual %v %v", true, 42, s.updateResetStream, s.send.resetCode)
	}
	for i := 0; i < 2; i++ {
		_, err := s.Write([]byte("x"))
		if err, ok := err.(StreamStoppedError); !ok || err.ErrorCode != 42 {
			t.Fatalf("expect error %v, actual %v", StreamStoppedError{ErrorCode: 42}, err)
		}
	}
	if s.isFlushable() || s.isWriteable() {
		t.Fatalf("expect flushable %v writeable %v, actual %v %v",
			false, false, s.isFlushable(), s.isWriteable())
	}
}

func TestStreamType(t *testing.T) {
	data := []struct {
		id     uint64
		client bool
		local  bool
	}{
		{4, true, true},
		{3, true, false},
		{4, false, false},
		{3, false, true},
	}
	for _, d := range data {
		local := isStreamLocal(d.id, d.client)
		if local != d.local {
			t.Fatalf("expect %+v", d)
		}
	}
	ids := []struct {
		number uint64
		client bool
		bidi   bool
		id     uint64
	}{
		{0, true, true, 0},
		{0, false, true, 1},
		{0, true, false, 2},
		{0, false, false, 3},
		{2, true, false, 10},
	}
	for _, d := range ids {
		id := encodeStreamID(d.number, d.client, d.bidi)
		if id != d.id {
			t.Fatalf("expect id %v, actual %v (%+v)", d.id, id, d)
		}
	}
}

func TestStreamLocalBidi(t *testing.T) {
	s := Stream{}
	s.init(true, true)
	s.flow.init(10, 10)

	b := make([]byte, 10)
	// Send data
	n, err := s.Write(b)
	if err != nil || n != 10 {
		t.Fatalf("expect write %v %v, actual %v %v", 10, nil, n, err)
	}
	if s.flow.totalSend != 10 {
		t.Fatalf("expect flow send %v, actual %v", 10, s.flow.totalSend)
	}
	// Send too much data
	_, err = s.Write(b[:1])
	if err != ErrBlocked {
		t.Fatalf("expect error %v, actual %v", ErrBlocked, err)
	}
	if s.flow.totalSend != 10 {
		t.Fatalf("expect flow send %v, actual %v", 10, s.flow.totalSend)
	}
	// Receive data
	err = s.pushRecv(b[:4], 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if s.flow.totalRecv != 4 {
		t.Fatalf("expect flow recv %d, actual %v", 4, s.flow.totalRecv)
	}
	n, err = s.Read(b)
	if n != 4 || err != nil {
		t.Fatalf("expect read %v %v, actual %v %v", 4, nil, n, err)
	}
	if s.flow.maxRecvNext != 14 {
		t.Fatalf("expect flow recv next %v, actual %v", 14, s.flow.maxRecvNext)
	}
}

func TestStreamRemoteBidi(t *testing.T) {
	s := Stream{}
	s.init(false, true)
	s.flow.init(20, 20)

	b := make([]byte, 10)
	// Send data
	n, err := s.Write(b)
	if err != nil || n != 10 {
		t.Fatalf("expect write %v %v, actual %v %v", 10, nil, n, err)
	}
	s.send.pop(5)
	// Resend data
	err = s.send.push(b[:1], 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !s.isFlushable() {
		t.Fatalf("expect flushable %v, actual %v", true, s.isFlushable())
	}
	b, off, fin := s.send.pop(5)
	if len(b) != 1 || off != 2 || fin {
		t.Fatalf("expect pop %v %v %v, actual %v %v %v", 1, 2, false, len(b), off, fin)
	}
}

func TestStreamRemoteUni(t *testing.T) {
	s := Stream{}
	s.init(false, false)
	s.flow.init(20, 20)
	b := make([]byte, 10)
	// Not allow writing to remote unidirectional stream
	_, err := s.Write(b[:1])
	if err, ok := err.(*Error); !ok || err.Code != StreamStateError {
		t.Fatalf("expect error %+v, actual %+v", errorCodeString(StreamStateError), err)
	}
	err = s.Close()
	if err, ok := err.(*Error); !ok || err.Code != StreamStateError {
		t.Fatalf("expect error %+v, actual %+v", errorCodeString(StreamStateError), err)
	}
	// Receive data out of order
	err = s.pushRecv(b, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.flow.totalRecv != 15 {
		t.Fatalf("expect flow recv %v, actual %v", 15, s.flow.totalRecv)
	}
	err = s.pushRecv(b, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.flow.totalRecv != 15 {
		t.Fatalf("expect flow recv %v, actual %v", 15, s.flow.totalRecv)
	}
	// Exceeds limits
	err = s.pushRecv(b, 11, false)
	if err != errFlowControl {
		t.Fatalf("expect error %v, actual %v", errFinalSize, err)
	}
}

func TestStreamMapOpen(t *testing.T) {
	m := streamMap{}
	m.init(true, 0, 0)
	m.setPeerMaxStreams(2, true)
	m.setPeerMaxStreams(1, false)

	id, ok := m.open(true)
	if !ok || id != 0 {
		t.Fatalf("expect open %v %v, actual %v %v", 0, true, id, ok)
	}
	if _, err := m.create(id, true, true); err != nil {
		t.Fatal(err)
	}
	id, ok = m.open(true)
	if !ok || id != 4 {
		t.Fatalf("expect open %v %v, actual %v %v", 4, true, id, ok)
	}
	if _, err := m.create(id, true, true); err != nil {
		t.Fatal(err)
	}
	// Budget exhausted
	_, ok = m.open(true)
	if ok {
		t.Fatalf("expect open %v, actual %v", false, ok)
	}
	if !m.sendBlockedBidi {
		t.Fatalf("expect send blocked %v, actual %v", true, m.sendBlockedBidi)
	}
	// Unidirectional budget is separate
	id, ok = m.open(false)
	if !ok || id != 2 {
		t.Fatalf("expect open %v %v, actual %v %v", 2, true, id, ok)
	}
	if _, err := m.create(id, true, false); err != nil {
		t.Fatal(err)
	}
	// A higher limit makes blocked opens possible again.
	if m.setPeerMaxStreams(2, true) != false {
		t.Fatalf("expect unblocked %v, actual %v", false, true)
	}
	if !m.setPeerMaxStreams(3, true) {
		t.Fatalf("expect unblocked %v, actual %v", true, false)
	}
	id, ok = m.open(true)
	if !ok || id != 8 {
		t.Fatalf("expect open %v %v, actual %v %v", 8, true, id, ok)
	}
}

func TestStreamMapLimits(t *testing.T) {
	m := streamMap{}
	m.init(false, 2, 1)
	// Peer opens its first bidi streams
	if _, err := m.create(0, false, true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.create(4, false, true); err != nil {
		t.Fatal(err)
	}
	_, err := m.create(8, false, true)
	if err, ok := err.(*Error); !ok || err.Code != StreamLimitError {
		t.Fatalf("expect error %v, actual %v", errorCodeString(StreamLimitError), err)
	}
	if _, err := m.create(2, false, false); err != nil {
		t.Fatal(err)
	}
	_, err = m.create(6, false, false)
	if err, ok := err.(*Error); !ok || err.Code != StreamLimitError {
		t.Fatalf("expect error %v, actual %v", errorCodeString(StreamLimitError), err)
	}
}

func TestStreamMapClosed(t *testing.T) {
	m := streamMap{}
	m.init(false, 1, 1)
	st, err := m.create(2, false, false)
	if err != nil {
		t.Fatal(err)
	}
	st.flow.init(100, 0)
	if err := st.pushRecv([]byte("fin"), 0, true); err != nil {
		t.Fatal(err)
	}
	var closed []uint64
	cb := func(id uint64) { closed = append(closed, id) }
	m.checkClosed(2, cb)
	if len(closed) != 0 {
		t.Fatalf("expect closed %v, actual %v", 0, closed)
	}
	// Consume the stream to the end
	b := make([]byte, 4)
	if _, err := st.Read(b); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Read(b); err != io.EOF {
		t.Fatalf("expect error %v, actual %v", io.EOF, err)
	}
	m.checkClosed(2, cb)
	if len(closed) != 1 || closed[0] != 2 {
		t.Fatalf("expect closed %v, actual %v", []uint64{2}, closed)
	}
	if m.get(2) != nil {
		t.Fatalf("expect stream removed, actual %v", m.get(2))
	}
	// The freed slot raises the advertised limit.
	if !m.updateMaxStreamsUni || m.maxStreamsNext.uni != 2 {
		t.Fatalf("expect max streams next %v, actual %v", 2, m.maxStreamsNext.uni)
	}
	if n := m.commitMaxStreams(false); n != 2 {
		t.Fatalf("expect commit %v, actual %v", 2, n)
	}
	if m.updateMaxStreamsUni {
		t.Fatalf("expect update %v, actual %v", false, m.updateMaxStreamsUni)
	}
}

func TestStreamSendRecvOrder(t *testing.T) {
	s := Stream{}
	s.init(true, true)
	s.flow.init(1000, 1000)
	sent := make([]byte, 0, 100)
	recv := make([]byte, 0, 100)
	for i := 0; i < 10; i++ {
		b := bytes.Repeat([]byte{byte('a' + i)}, 10)
		n, err := s.Write(b)
		if n != 10 || err != nil {
			t.Fatalf("expect write %v %v, actual %v %v", 10, nil, n, err)
		}
		sent = append(sent, b...)
	}
	s.Close()
	for {
		data, _, fin := s.popSend(7)
		recv = append(recv, data...)
		if fin {
			break
		}
	}
	if !bytes.Equal(sent, recv) {
		t.Fatalf("expect data %s, actual %s", sent, recv)
	}
	if !s.send.finSent {
		t.Fatalf("expect fin sent %v, actual %v", true, s.send.finSent)
	}
}
