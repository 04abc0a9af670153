package transport

// Supported connection events.
const (
	// EventConnOpen is an event where the connection handshake completed.
	EventConnOpen = "conn_open"
	// EventConnClosed is an event where the connection entered a terminal
	// state. ID is 1 for an application close and Data is the error code.
	// It is the last event the connection delivers.
	EventConnClosed = "conn_closed"
	// EventStreamOpen is an event where the peer opened a new stream.
	// Data is 1 when the stream is bidirectional.
	EventStreamOpen = "stream_open"
	// EventStreamReadable is an event where a stream has data or a
	// terminal condition ready to be read.
	EventStreamReadable = "stream_readable"
	// EventStreamWritable is an event where a stream gained capacity to
	// be written to.
	EventStreamWritable = "stream_writable"
	// EventStreamComplete is an event where all stream data sent has
	// been acknowledged by the peer.
	EventStreamComplete = "stream_complete"
	// EventStreamStop is an event where a STOP_SENDING frame was received.
	// Data is the application error code.
	EventStreamStop = "stream_stop"
	// EventStreamReset is an event where a RESET_STREAM frame was received.
	// Data is the application error code.
	EventStreamReset = "stream_reset"
	// EventStreamCreatable is an event where the peer raised the stream
	// limit after an open failed on budget. Data is 1 for bidirectional
	// streams.
	EventStreamCreatable = "stream_creatable"
	// EventStreamClosed is an event where a stream is fully closed and
	// its state has been released.
	EventStreamClosed = "stream_closed"
	// EventDatagramReadable is an event where a datagram was received.
	EventDatagramReadable = "datagram_readable"
	// EventDatagramWritable is an event where a datagram can be sent,
	// after the peer advertised support in its transport parameters.
	EventDatagramWritable = "datagram_writable"
)

// Event is a union of connection events.
type Event struct {
	Type string
	// ID is the stream ID when the event is about a stream.
	ID uint64
	// Data is extra information, depending on the event type.
	Data uint64
}

func newEventConnOpen() Event {
	return Event{Type: EventConnOpen}
}

func newEventConnClosed(app bool, code uint64) Event {
	e := Event{Type: EventConnClosed, Data: code}
	if app {
		e.ID = 1
	}
	return e
}

func newEventStreamOpen(id uint64, bidi bool) Event {
	e := Event{Type: EventStreamOpen, ID: id}
	if bidi {
		e.Data = 1
	}
	return e
}

func newEventStreamReadable(id uint64) Event {
	return Event{Type: EventStreamReadable, ID: id}
}

func newEventStreamWritable(id uint64) Event {
	return Event{Type: EventStreamWritable, ID: id}
}

func newEventStreamComplete(id uint64) Event {
	return Event{Type: EventStreamComplete, ID: id}
}

func newEventStreamStop(id, code uint64) Event {
	return Event{Type: EventStreamStop, ID: id, Data: code}
}

func newEventStreamReset(id, code uint64) Event {
	return Event{Type: EventStreamReset, ID: id, Data: code}
}

func newEventStreamCreatable(bidi bool) Event {
	e := Event{Type: EventStreamCreatable}
	if bidi {
		e.Data = 1
	}
	return e
}

func newEventStreamClosed(id uint64) Event {
	return Event{Type: EventStreamClosed, ID: id}
}

func newEventDatagramReadable() Event {
	return Event{Type: EventDatagramReadable}
}

func newEventDatagramWritable() Event {
	return Event{Type: EventDatagramWritable}
}
