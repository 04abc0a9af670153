package transport

import (
	"fmt"
	"io"
)

// Stream is a data stream.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-2
type Stream struct {
	recv recvStream
	send sendStream

	// Stream flow control is based on absolute data offset.
	// In comparison, connection-level flow control manages volume of data instead.
	flow flowControl
	// Linked to connection-level flow control. Does not apply for crypto stream.
	connFlow *flowControl
	// Whether this stream needs to send MAX_STREAM_DATA
	updateMaxData bool
	// Whether this stream needs to send STOP_SENDING
	updateStopSending bool
	// Whether this stream needs to send RESET_STREAM
	updateResetStream bool

	local bool
	bidi  bool
}

func (s *Stream) init(local, bidi bool) {
	s.local = local
	s.bidi = bidi
}

// pushRecv checks for maximum data can be received and pushes data to recv stream.
func (s *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	if offset+uint64(len(data)) > s.flow.maxRecv {
		return errFlowControl
	}
	err := s.recv.push(data, offset, fin)
	if err == nil {
		// Keep flow received bytes in sync with maximum absolute offset of the stream.
		s.flow.setRecv(s.recv.length)
	}
	return err
}

// Read reads data in order from the stream.
// It returns ErrBlocked when no data is available at the current read
// offset, io.EOF once all data up to the final size has been delivered,
// and a sticky StreamResetError after the peer reset the stream.
func (s *Stream) Read(b []byte) (int, error) {
	n, err := s.recv.Read(b)
	if n > 0 {
		s.onRecvConsumed(uint64(n))
	}
	return n, err
}

// ReadUnordered returns the next buffered segment with its stream offset,
// regardless of gaps before it. Terminal conditions are reported like Read.
// Ordered reads should not be mixed with unordered reads.
func (s *Stream) ReadUnordered() ([]byte, uint64, error) {
	data, offset, err := s.recv.readUnordered()
	if len(data) > 0 {
		s.onRecvConsumed(uint64(len(data)))
	}
	return data, offset, err
}

// onRecvConsumed releases flow control credit consumed by the application.
func (s *Stream) onRecvConsumed(n uint64) {
	s.flow.addMaxRecvNext(n)
	if s.connFlow != nil {
		s.connFlow.addMaxRecvNext(n)
	}
	// Only tell peer to update max data when the stream is being consumed.
	if !s.recv.fin && s.flow.shouldUpdateMaxRecv() {
		s.updateMaxData = true
	}
}

// Write appends data to the send buffer, bounded by the stream and
// connection send windows. It returns the number of bytes accepted.
// When the windows admit nothing, it returns ErrBlocked and schedules a
// STREAM_DATA_BLOCKED. After the peer sent STOP_SENDING, every write
// returns the same StreamStoppedError.
func (s *Stream) Write(b []byte) (int, error) {
	if !s.bidi && !s.local {
		return 0, newError(StreamStateError, "cannot write to uni stream")
	}
	if s.send.stopped {
		return 0, StreamStoppedError{ErrorCode: s.send.stopCode}
	}
	if s.send.reset {
		return 0, newError(StreamStateError, "stream reset")
	}
	max := s.flow.canSend()
	if s.connFlow != nil {
		if n := s.connFlow.canSend(); n < max {
			max = n
		}
	}
	if max == 0 && len(b) > 0 {
		s.flow.setSendBlocked(true)
		return 0, ErrBlocked
	}
	if uint64(len(b)) > max {
		b = b[:max]
	}
	n, err := s.send.Write(b)
	if err == nil {
		// Keep flow sent bytes in sync with write offset of the stream.
		s.flow.setSend(s.send.length)
		if s.connFlow != nil {
			s.connFlow.addSend(n)
		}
	}
	return n, err
}

// WriteString writes the contents of string b to the stream.
func (s *Stream) WriteString(b string) (int, error) {
	return s.Write([]byte(b))
}

// Close sets the end of the sending stream. It is a no-op when the
// stream has already been closed or reset.
func (s *Stream) Close() error {
	if !s.bidi && !s.local {
		return newError(StreamStateError, "cannot close uni stream")
	}
	if s.send.reset {
		return nil
	}
	s.send.fin = true
	return nil
}

// Reset abruptly terminates the sending part of the stream.
// The error code is surfaced to the peer application. Repeated calls
// are no-ops.
func (s *Stream) Reset(errorCode uint64) error {
	if !s.bidi && !s.local {
		return newError(StreamStateError, "cannot reset uni stream")
	}
	if s.send.terminate(errorCode) {
		s.updateResetStream = true
	}
	return nil
}

// Stop requests the peer to stop sending on the stream. It does not
// close the local receiving part.
func (s *Stream) Stop(errorCode uint64) error {
	if !s.bidi && s.local {
		return newError(StreamStateError, "cannot stop local uni stream")
	}
	if s.recv.stopped || s.recv.reset || s.recv.finRead {
		return nil
	}
	s.recv.stopped = true
	s.recv.stopCode = errorCode
	s.updateStopSending = true
	return nil
}

// isReadable returns true if the stream has any data or a terminal
// condition to surface to the application.
func (s *Stream) isReadable() bool {
	if !s.bidi && s.local {
		return false
	}
	return s.recv.ready() ||
		(s.recv.fin && !s.recv.finRead && s.recv.read >= s.recv.length) ||
		(s.recv.reset && !s.recv.resetRead)
}

// isWriteable returns true if the stream has flow control capacity to
// be written to and is not finished.
func (s *Stream) isWriteable() bool {
	if !s.bidi && !s.local {
		return false
	}
	if s.send.fin || s.send.reset || s.send.stopped {
		return false
	}
	if s.connFlow != nil && s.connFlow.canSend() == 0 {
		return false
	}
	return s.flow.canSend() > 0
}

// isFlushable returns true if the stream has data to send.
func (s *Stream) isFlushable() bool {
	if s.send.reset {
		return false
	}
	// flow maxSend is controlled by peer via MAX_STREAM_DATA
	return s.send.ready(s.flow.maxSend) || (s.send.fin && !s.send.finSent)
}

// popSend returns continuous data from send buffer that size less than max bytes.
// max is calculated by availability of packet buffer.
func (s *Stream) popSend(max int) (data []byte, offset uint64, fin bool) {
	if !s.isFlushable() {
		return nil, 0, false
	}
	return s.send.pop(max)
}

// pushSend pushes data back to send stream to resend.
func (s *Stream) pushSend(data []byte, offset uint64, fin bool) error {
	if s.send.reset {
		// Reset streams do not retransmit data.
		return nil
	}
	return s.send.push(data, offset, fin)
}

// ackSend acknowledges that stream data has been received.
// It returns true if all data has been sent and confirmed.
func (s *Stream) ackSend(offset, length uint64, fin bool) bool {
	s.send.ack(offset, length, fin)
	return s.send.complete()
}

// resetRecv handles a RESET_STREAM from the peer. It returns the number
// of bytes the final size adds to connection-level flow control.
func (s *Stream) resetRecv(finalSize, errorCode uint64) (int, error) {
	if finalSize > s.flow.maxRecv {
		return 0, errFlowControl
	}
	n, err := s.recv.terminate(finalSize, errorCode)
	if err == nil {
		s.flow.setRecv(s.recv.length)
	}
	return n, err
}

// stopSend handles a STOP_SENDING from the peer: sending is aborted
// with a RESET_STREAM carrying an echo of the error code.
func (s *Stream) stopSend(errorCode uint64) {
	if s.send.complete() {
		return
	}
	s.send.stopped = true
	s.send.stopCode = errorCode
	if s.send.terminate(errorCode) {
		s.updateResetStream = true
	}
}

// ackMaxData acknowledges that the MAX_STREAM_DATA frame delivery is confirmed.
func (s *Stream) ackMaxData() {
	s.updateMaxData = false
}

// resetBuffers discards buffered data in both directions and rewinds
// offsets to zero, keeping flow limits. The crypto stream uses it when
// the handshake restarts after a Retry or Version Negotiation packet.
func (s *Stream) resetBuffers() {
	s.recv = recvStream{}
	s.send = sendStream{}
	s.flow.setRecv(0)
	s.flow.setSend(0)
}

// done returns true when both halves of the stream reached a terminal
// state that the application has observed. The stream can then be
// garbage collected and, for peer-initiated streams, its slot in the
// stream budget handed back.
func (s *Stream) done() bool {
	if (s.bidi || !s.local) && !s.recv.done() {
		return false
	}
	if (s.bidi || s.local) && !s.send.done() {
		return false
	}
	return true
}

func (s *Stream) String() string {
	return fmt.Sprintf("recv{%s} send{%s}", &s.recv, &s.send)
}

// recvStream is buffer for receiving data.
type recvStream struct {
	buf      rangeBufferList // Chunks of received data, ordered by offset
	received rangeSet        // Ranges of data received, possibly already delivered

	offset uint64 // Next in-order read offset
	read   uint64 // Total bytes delivered to the application
	length uint64 // Total length

	fin     bool
	finRead bool // Whether the application has seen io.EOF

	reset     bool // Peer sent RESET_STREAM
	resetCode uint64
	resetRead bool // Whether the application has seen the reset error

	stopped  bool // Application sent STOP_SENDING
	stopCode uint64
}

func (s *recvStream) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if s.fin {
		// Stream's size is known, forbid new data or changing it.
		if end > s.length {
			return errFinalSize
		}
	}
	if fin {
		if end < s.length {
			// Stream's known size is lower than data already received.
			return errFinalSize
		}
		s.fin = true
	}
	if s.reset || s.stopped {
		// Data is no longer delivered, only accounted for.
		if end > s.length {
			s.length = end
		}
		return nil
	}
	if len(data) > 0 && end > s.offset {
		s.pushUnread(data, offset)
	}
	if end > s.length {
		s.length = end
	}
	return nil
}

// pushUnread buffers the parts of data not already received, so that a
// retransmission never gets delivered twice even after unordered reads.
func (s *recvStream) pushUnread(data []byte, offset uint64) {
	end := offset + uint64(len(data))
	start := offset
	for _, r := range s.received {
		rEnd := r.end + 1
		if rEnd <= start {
			continue
		}
		if r.start >= end {
			break
		}
		if r.start > start {
			s.buf.write(data[start-offset:r.start-offset], start)
		}
		if rEnd >= end {
			start = end
			break
		}
		start = rEnd
	}
	if start < end {
		s.buf.write(data[start-offset:], start)
	}
	s.received.push(offset, end-1)
}

// terminate handles the peer resetting the stream. Buffered data is
// dropped. It returns how many bytes the final size adds to the number
// of bytes received.
func (s *recvStream) terminate(finalSize, errorCode uint64) (int, error) {
	if s.fin && finalSize != s.length {
		return 0, errFinalSize
	}
	if finalSize < s.length {
		return 0, errFinalSize
	}
	n := int(finalSize - s.length)
	s.fin = true
	s.length = finalSize
	if s.finRead {
		// The application already consumed the whole stream.
		return n, nil
	}
	s.reset = true
	s.resetCode = errorCode
	s.buf = nil
	return n, nil
}

// Read delivers data in order.
func (s *recvStream) Read(b []byte) (int, error) {
	if s.reset {
		s.resetRead = true
		return 0, StreamResetError{ErrorCode: s.resetCode}
	}
	if s.isFin() {
		s.finRead = true
		return 0, io.EOF
	}
	if !s.ready() {
		return 0, ErrBlocked
	}
	n := s.buf.read(b, s.offset)
	s.offset += uint64(n)
	s.read += uint64(n)
	return n, nil
}

// readUnordered delivers the first buffered segment with its offset.
func (s *recvStream) readUnordered() ([]byte, uint64, error) {
	if s.reset {
		s.resetRead = true
		return nil, 0, StreamResetError{ErrorCode: s.resetCode}
	}
	if s.isFin() {
		s.finRead = true
		return nil, 0, io.EOF
	}
	data, offset := s.buf.popFront()
	if len(data) == 0 {
		return nil, 0, ErrBlocked
	}
	if offset == s.offset {
		s.offset = offset + uint64(len(data))
	}
	s.read += uint64(len(data))
	return data, offset, nil
}

// ready returns true if data is available at the current read offset.
func (s *recvStream) ready() bool {
	return s.offset < s.length && len(s.buf) > 0 && s.buf[0].offset == s.offset
}

func (s *recvStream) isFin() bool {
	return s.fin && s.read >= s.length
}

// done returns true once the application observed the terminal state,
// or once a stopped stream got the requested reset.
func (s *recvStream) done() bool {
	return s.finRead || s.resetRead || (s.stopped && s.reset)
}

func (s *recvStream) String() string {
	return fmt.Sprintf("offset=%v length=%v fin=%v", s.offset, s.length, s.fin)
}

// sendStream is buffer for sending data.
type sendStream struct {
	buf   rangeBufferList // Chunks of data to be sent, ordered by offset
	acked rangeSet        // receive confirmed

	offset uint64 // read offset
	length uint64 // total length

	fin      bool
	finSent  bool // finSent is needed when sender closes the stream after data has already been read.
	finAcked bool

	stopped  bool // Peer sent STOP_SENDING
	stopCode uint64

	reset      bool // RESET_STREAM scheduled or sent
	resetCode  uint64
	resetSent  bool
	resetAcked bool
}

// push would only be called directly when it needs to bypass flow control.
// e.g. pushing data back to the stream to resend.
func (s *sendStream) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if s.fin {
		// Stream's size is known, forbid new data or changing it.
		if end > s.length {
			return errFinalSize
		}
	}
	if fin {
		if end < s.length {
			// Stream's known size is lower than data already sent.
			return errFinalSize
		}
		s.fin = true
	}
	s.buf.write(data, offset)
	if end > s.length {
		s.length = end
	}
	return nil
}

// pop returns continuous data in buffer with smallest offset up to max bytes in length.
// pop would be called after checking isFlushable.
func (s *sendStream) pop(max int) (data []byte, offset uint64, fin bool) {
	data, offset = s.buf.pop(max)
	if len(data) == 0 {
		// Use current read offset when there is no data available.
		offset = s.offset
	}
	end := offset + uint64(len(data))
	fin = s.fin && end >= s.length
	if fin {
		s.finSent = true
	}
	if end > s.offset {
		s.offset = end
	}
	return
}

// ready returns true if the stream has any data with offset less than maxOffset.
func (s *sendStream) ready(maxOffset uint64) bool {
	return len(s.buf) > 0 && s.buf[0].offset < maxOffset
}

// Write appends data to the stream.
func (s *sendStream) Write(b []byte) (int, error) {
	err := s.push(b, s.length, false)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ack acknowledges stream data received.
func (s *sendStream) ack(offset, length uint64, fin bool) {
	if length > 0 {
		s.acked.push(offset, offset+length-1)
	}
	if fin {
		s.finAcked = true
	}
}

// complete returns true if all data in the stream has been sent and
// acknowledged, including the final offset.
func (s *sendStream) complete() bool {
	if !s.fin || !s.finAcked || s.offset < s.length {
		return false
	}
	return s.length == 0 || s.acked.equals(0, s.length-1)
}

// terminate abandons sending. Buffered data is dropped so it will not
// be retransmitted. It returns true when the stream was newly reset and
// a RESET_STREAM needs to go out.
func (s *sendStream) terminate(errorCode uint64) bool {
	if s.reset || s.complete() {
		return false
	}
	s.reset = true
	s.resetCode = errorCode
	s.buf = nil
	return true
}

// done returns true once the peer confirmed the terminal state.
func (s *sendStream) done() bool {
	if s.reset {
		return s.resetAcked
	}
	return s.complete()
}

func (s *sendStream) String() string {
	return fmt.Sprintf("offset=%v length=%v fin=%v", s.offset, s.length, s.fin)
}

// streamMap keeps track of streams and enforces stream count limits.
type streamMap struct {
	// Streams indexed by stream ID
	streams map[uint64]*Stream
	client  bool

	// Number of streams opened, by initiator and direction.
	openedStreams struct {
		peerBidi  uint64
		peerUni   uint64
		localBidi uint64
		localUni  uint64
	}
	// Maximum stream counts. local* is advertised locally and enforced
	// on the peer, peer* is advertised by the peer and caps local opens.
	maxStreams struct {
		peerBidi  uint64
		peerUni   uint64
		localBidi uint64
		localUni  uint64
	}
	// Limits to advertise with the next MAX_STREAMS, raised when a
	// peer-initiated stream is fully closed and observed.
	maxStreamsNext struct {
		bidi uint64
		uni  uint64
	}
	updateMaxStreamsBidi bool
	updateMaxStreamsUni  bool

	// Local opens that failed on budget. A subsequent MAX_STREAMS from
	// the peer makes the stream creatable again.
	openBlockedBidi bool
	openBlockedUni  bool
	// Whether a STREAMS_BLOCKED is due.
	sendBlockedBidi bool
	sendBlockedUni  bool
}

func (s *streamMap) init(client bool, maxBidi, maxUni uint64) {
	s.streams = make(map[uint64]*Stream)
	s.client = client
	s.maxStreams.localBidi = maxBidi
	s.maxStreams.localUni = maxUni
	s.maxStreamsNext.bidi = maxBidi
	s.maxStreamsNext.uni = maxUni
}

func (s *streamMap) get(id uint64) *Stream {
	return s.streams[id]
}

// open reserves the next locally-initiated stream ID. It returns false
// when the peer-advertised stream budget is exhausted, in which case a
// STREAMS_BLOCKED is scheduled and the next MAX_STREAMS raising the
// limit makes the stream creatable.
func (s *streamMap) open(bidi bool) (uint64, bool) {
	var number uint64
	if bidi {
		if s.openedStreams.localBidi >= s.maxStreams.peerBidi {
			s.openBlockedBidi = true
			s.sendBlockedBidi = true
			return 0, false
		}
		number = s.openedStreams.localBidi
	} else {
		if s.openedStreams.localUni >= s.maxStreams.peerUni {
			s.openBlockedUni = true
			s.sendBlockedUni = true
			return 0, false
		}
		number = s.openedStreams.localUni
	}
	return encodeStreamID(number, s.client, bidi), true
}

// create adds and returns a new stream or an error when it exceeds limits.
func (s *streamMap) create(id uint64, local, bidi bool) (*Stream, error) {
	number := id >> 2
	if local {
		if bidi {
			if number >= s.maxStreams.peerBidi {
				return nil, newError(StreamLimitError, sprint("local bidi streams exceeded ", s.maxStreams.peerBidi))
			}
			if number >= s.openedStreams.localBidi {
				s.openedStreams.localBidi = number + 1
			}
		} else {
			if number >= s.maxStreams.peerUni {
				return nil, newError(StreamLimitError, sprint("local uni streams exceeded ", s.maxStreams.peerUni))
			}
			if number >= s.openedStreams.localUni {
				s.openedStreams.localUni = number + 1
			}
		}
	} else {
		if bidi {
			if number >= s.maxStreams.localBidi {
				return nil, newError(StreamLimitError, sprint("remote bidi streams exceeded ", s.maxStreams.localBidi))
			}
			if number >= s.openedStreams.peerBidi {
				s.openedStreams.peerBidi = number + 1
			}
		} else {
			if number >= s.maxStreams.localUni {
				return nil, newError(StreamLimitError, sprint("remote uni streams exceeded ", s.maxStreams.localUni))
			}
			if number >= s.openedStreams.peerUni {
				s.openedStreams.peerUni = number + 1
			}
		}
	}
	st := &Stream{}
	st.init(local, bidi)
	s.streams[id] = st
	return st, nil
}

// checkClosed garbage-collects the stream when both halves are done.
// For a peer-initiated stream, the freed slot raises the limit that the
// next MAX_STREAMS advertises. The closed callback is invoked so the
// connection can surface the closure.
func (s *streamMap) checkClosed(id uint64, closed func(uint64)) {
	st := s.streams[id]
	if st == nil || !st.done() {
		return
	}
	delete(s.streams, id)
	if !st.local {
		if st.bidi {
			s.maxStreamsNext.bidi++
			s.updateMaxStreamsBidi = true
		} else {
			s.maxStreamsNext.uni++
			s.updateMaxStreamsUni = true
		}
	}
	closed(id)
}

// setPeerMaxStreams updates the budget for local opens. It returns true
// when a previously blocked open became possible again.
func (s *streamMap) setPeerMaxStreams(v uint64, bidi bool) bool {
	if bidi {
		if v > s.maxStreams.peerBidi {
			s.maxStreams.peerBidi = v
			if s.openBlockedBidi {
				s.openBlockedBidi = false
				return true
			}
		}
	} else {
		if v > s.maxStreams.peerUni {
			s.maxStreams.peerUni = v
			if s.openBlockedUni {
				s.openBlockedUni = false
				return true
			}
		}
	}
	return false
}

// commitMaxStreams advertises the current limit and returns it.
func (s *streamMap) commitMaxStreams(bidi bool) uint64 {
	if bidi {
		s.updateMaxStreamsBidi = false
		s.maxStreams.localBidi = s.maxStreamsNext.bidi
		return s.maxStreamsNext.bidi
	}
	s.updateMaxStreamsUni = false
	s.maxStreams.localUni = s.maxStreamsNext.uni
	return s.maxStreamsNext.uni
}

func (s *streamMap) hasFlushable() bool {
	for _, st := range s.streams {
		if st.isFlushable() {
			return true
		}
	}
	return false
}

func (s *streamMap) hasUpdate() bool {
	if s.updateMaxStreamsBidi || s.updateMaxStreamsUni || s.sendBlockedBidi || s.sendBlockedUni {
		return true
	}
	for _, st := range s.streams {
		if st.updateMaxData || st.updateStopSending || st.updateResetStream || st.flow.shouldSendBlocked() {
			return true
		}
	}
	return false
}

// https://www.rfc-editor.org/rfc/rfc9000.html#section-2.1
// Client-initiated streams have even-numbered stream IDs (with the bit set to 0),
// and server-initiated streams have odd-numbered stream IDs (with the bit set to 1).
func isStreamLocal(id uint64, isClient bool) bool {
	return (id&0x1 == 0) == isClient
}

// The second least significant bit (0x2) of the stream ID distinguishes between
// bidirectional streams (with the bit set to 0) and unidirectional streams (with the bit set to 1).
func isStreamBidi(id uint64) bool {
	return id&0x2 == 0
}

func encodeStreamID(number uint64, client, bidi bool) uint64 {
	id := number << 2
	if !client {
		id |= 0x1
	}
	if !bidi {
		id |= 0x2
	}
	return id
}
