package transport

import "fmt"

// flowControl tracks data limits of a stream or a connection.
// The receiving direction is owned locally, the sending direction is
// advertised by the peer.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-4
type flowControl struct {
	totalRecv   uint64 // Total bytes received - updated when data is received.
	maxRecv     uint64 // Receiving limit - updated when MAX_DATA is sent.
	maxRecvNext uint64 // Receiving limit for the next MAX_DATA - updated when data is consumed.

	totalSend     uint64 // Total bytes sent - updated when data is accepted for sending.
	maxSend       uint64 // Sending limit - updated when MAX_DATA is received.
	sendBlocked   bool   // Whether a DATA_BLOCKED or STREAM_DATA_BLOCKED is due.
	sendBlockedAt uint64 // Limit at which sending got blocked.
}

func (s *flowControl) init(maxRecv, maxSend uint64) {
	s.maxRecv = maxRecv
	s.maxRecvNext = maxRecv
	s.maxSend = maxSend
}

// canRecv returns the number of bytes that can still be received.
func (s *flowControl) canRecv() uint64 {
	if s.maxRecv > s.totalRecv {
		return s.maxRecv - s.totalRecv
	}
	return 0
}

// addRecv adds to the number of bytes received.
func (s *flowControl) addRecv(n uint64) {
	s.totalRecv += n
}

// setRecv sets the number of bytes received.
// Stream data is counted by its maximum absolute offset instead.
func (s *flowControl) setRecv(n uint64) {
	s.totalRecv = n
}

// addMaxRecvNext adds to the limit that will be advertised next.
// It is called when the application consumed received data.
func (s *flowControl) addMaxRecvNext(n uint64) {
	s.maxRecvNext += n
}

// commitMaxRecv advertises the next limit.
func (s *flowControl) commitMaxRecv() {
	s.maxRecv = s.maxRecvNext
}

// shouldUpdateMaxRecv returns true when a MAX_DATA or MAX_STREAM_DATA
// is due. That happens once the remaining window dropped below half of
// the window the next limit would grant, so updates are not sent for
// every consumed byte. The advertised limit never shrinks.
func (s *flowControl) shouldUpdateMaxRecv() bool {
	return s.maxRecvNext > s.maxRecv && s.maxRecv >= s.totalRecv &&
		(s.maxRecv-s.totalRecv) < s.maxRecvNext/2
}

// canSend returns the number of bytes that can still be sent.
func (s *flowControl) canSend() uint64 {
	if s.maxSend > s.totalSend {
		return s.maxSend - s.totalSend
	}
	return 0
}

// addSend adds n to total bytes sent.
func (s *flowControl) addSend(n int) {
	s.totalSend += uint64(n)
}

// setSend sets total bytes sent.
func (s *flowControl) setSend(n uint64) {
	s.totalSend = n
}

// setMaxSend updates the sending limit. Limits never decrease.
func (s *flowControl) setMaxSend(n uint64) {
	if n > s.maxSend {
		s.maxSend = n
		s.sendBlocked = false
	}
}

// setSendBlocked records that sending stalled at the current limit, so
// a single DATA_BLOCKED or STREAM_DATA_BLOCKED is scheduled per limit.
func (s *flowControl) setSendBlocked(blocked bool) {
	s.sendBlocked = blocked
	if blocked {
		s.sendBlockedAt = s.maxSend
	}
}

// shouldSendBlocked returns true until the blocked frame for the
// current limit has been scheduled or the limit moved.
func (s *flowControl) shouldSendBlocked() bool {
	return s.sendBlocked && s.sendBlockedAt == s.maxSend
}

func (s *flowControl) String() string {
	return fmt.Sprintf("recv=%d maxRecv=%d maxRecvNext=%d send=%d maxSend=%d",
		s.totalRecv, s.maxRecv, s.maxRecvNext, s.totalSend, s.maxSend)
}
