// Package quinn provides QUIC client and server connections on top of
// the transport package. Connections are driven by a single goroutine
// per endpoint; applications react to connection events via a Handler
// and move blocking work onto Stream and Datagram adapters.
package quinn

import (
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/lineCode/quinn/transport"
)

const (
	bufferSize = 1536
	cidLength  = 8
)

var (
	errClosed           = errors.New("connection closed")
	errDeadlineExceeded = os.ErrDeadlineExceeded

	// errWait tells an adapter the operation would block; the result
	// arrives on its wait channel once the connection makes progress.
	errWait = errors.New("wait")
)

type command uint8

const (
	cmdStreamWrite command = iota
	cmdStreamRead
	cmdStreamClose
	cmdStreamCloseWrite
	cmdStreamCloseRead
	cmdDatagramWrite
	cmdDatagramRead
	cmdTimeout
)

// connCommand is sent by Stream and Datagram adapters to the driver
// goroutine. id is the stream ID, n carries an error code or, for
// cmdTimeout, the timer kind.
type connCommand struct {
	cmd command
	id  uint64
	n   uint64
}

// Handler processes connection events. Serve is called on the driver
// goroutine whenever a connection has new events, so it must not
// block; long-running work belongs in other goroutines using the
// Stream and Datagram adapters.
type Handler interface {
	Serve(conn *Conn, events []transport.Event)
}

type noopHandler struct{}

func (noopHandler) Serve(*Conn, []transport.Event) {}

// Conn is a QUIC connection managed by a Client or Server.
//
// The direct methods Stream, NewStream, StreamWrite, StreamRead,
// StreamClose, Datagram*, ConnectionState and Close must only be
// called from handler callbacks, which run on the driver goroutine.
// The adapters returned by Stream and Datagram are safe to use from
// other goroutines.
type Conn struct {
	scid   []byte
	addr   net.Addr
	conn   *transport.Conn
	handle transport.ConnectionHandle
	client bool

	cmdCh  chan connCommand
	events []transport.Event

	streams  map[uint64]*Stream
	datagram *Datagram

	// Armed timers, driver goroutine only.
	timers map[transport.TimerKind]*time.Timer

	closeOnce sync.Once
	closeCh   chan struct{}

	localAddr net.Addr
	userData  interface{}
}

func newRemoteConn(addr net.Addr, scid []byte, conn *transport.Conn, isClient bool) *Conn {
	c := &Conn{
		addr:    addr,
		scid:    scid,
		conn:    conn,
		client:  isClient,
		cmdCh:   make(chan connCommand),
		closeCh: make(chan struct{}),
		streams: make(map[uint64]*Stream),
		timers:  make(map[transport.TimerKind]*time.Timer),
	}
	c.datagram = newDatagram(c)
	return c
}

// Stream returns the adapter for the given stream, creating both the
// transport stream and the adapter as needed.
func (s *Conn) Stream(id uint64) (*Stream, error) {
	if st := s.streams[id]; st != nil {
		return st, nil
	}
	if _, err := s.conn.Stream(id); err != nil {
		return nil, err
	}
	st := newStream(s, id)
	s.streams[id] = st
	return st, nil
}

// NewStream opens the next locally-initiated stream. It returns false
// when the peer's stream limit is exhausted; an EventStreamCreatable
// event signals when to retry.
func (s *Conn) NewStream(bidi bool) (uint64, bool) {
	id, err := s.conn.NewStream(bidi)
	return id, err == nil
}

// StreamWrite writes directly to the stream send buffer. It returns
// the number of bytes buffered, which can be less than len(b) when
// flow control windows are exhausted.
func (s *Conn) StreamWrite(id uint64, b []byte) (int, error) {
	st, err := s.conn.Stream(id)
	if err != nil {
		return 0, err
	}
	return st.Write(b)
}

// StreamRead reads directly from the stream receive buffer. It returns
// transport.ErrBlocked when no data is available at the read offset.
func (s *Conn) StreamRead(id uint64, b []byte) (int, error) {
	st, err := s.conn.Stream(id)
	if err != nil {
		return 0, err
	}
	return st.Read(b)
}

// StreamClose ends the sending part of the stream.
func (s *Conn) StreamClose(id uint64) error {
	st, err := s.conn.Stream(id)
	if err != nil {
		return err
	}
	return st.Close()
}

// StreamCloseWrite aborts the sending part of the stream.
func (s *Conn) StreamCloseWrite(id, errorCode uint64) error {
	st, err := s.conn.Stream(id)
	if err != nil {
		return err
	}
	return st.Reset(errorCode)
}

// StreamCloseRead asks the peer to stop sending on the stream.
func (s *Conn) StreamCloseRead(id, errorCode uint64) error {
	st, err := s.conn.Stream(id)
	if err != nil {
		return err
	}
	return st.Stop(errorCode)
}

// Datagram returns the datagram adapter of the connection.
func (s *Conn) Datagram() *Datagram {
	return s.datagram
}

// DatagramWrite queues b for sending in a DATAGRAM frame. b must not
// be modified until it is sent.
func (s *Conn) DatagramWrite(b []byte) error {
	return s.conn.Datagram().Push(b)
}

// DatagramRead returns the next received datagram, or nil.
func (s *Conn) DatagramRead() []byte {
	return s.conn.Datagram().Pop()
}

// Close sets the connection to closing state. When the connection was
// already terminated by the peer or an error, that reason is returned.
func (s *Conn) Close() error {
	if err := s.conn.Err(); err != nil {
		return err
	}
	return s.conn.Close(true, transport.NoError, "bye")
}

// CloseWithError sets the connection to closing state with an
// application error code and reason for the peer.
func (s *Conn) CloseWithError(errorCode uint64, reason string) error {
	return s.conn.Close(true, errorCode, reason)
}

// ConnectionState returns the TLS state of the connection.
func (s *Conn) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// LocalAddr returns the local network address.
func (s *Conn) LocalAddr() net.Addr {
	return s.localAddr
}

// UserData returns the attached data.
func (s *Conn) UserData() interface{} {
	return s.userData
}

// SetUserData attaches application data to the connection, e.g. for
// keeping request state across handler callbacks.
func (s *Conn) SetUserData(data interface{}) {
	s.userData = data
}

// RemoteAddr returns the remote network address.
func (s *Conn) RemoteAddr() net.Addr {
	return s.addr
}

// setClosed releases all blocked adapter operations.
func (s *Conn) setClosed() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		for _, st := range s.streams {
			st.setClosed()
		}
		s.datagram.setClosed()
	})
}

// connMessage pairs an adapter command with its connection for the
// shared driver channel.
type connMessage struct {
	conn *Conn
	cmd  connCommand
}

type connectRequest struct {
	addr   netip.AddrPort
	result chan error
}

// localConn owns the endpoint and all connection state. Everything
// below socket and the channels is confined to the drive goroutine.
type localConn struct {
	config         *transport.Config
	endpointConfig *transport.EndpointConfig

	socket net.PacketConn

	endpoint *transport.Endpoint
	conns    map[transport.ConnectionHandle]*Conn

	recvCh    chan *packet
	msgCh     chan connMessage
	connectCh chan connectRequest

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}

	mu      sync.Mutex
	serving bool

	handler Handler
	logger  Logger
}

func (s *localConn) init(config *transport.Config) {
	s.config = config
	s.endpointConfig = transport.NewEndpointConfig()
	s.conns = make(map[transport.ConnectionHandle]*Conn)
	s.recvCh = make(chan *packet, 16)
	s.msgCh = make(chan connMessage)
	s.connectCh = make(chan connectRequest)
	s.closeCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.handler = noopHandler{}
	s.logger = LeveledLogger(LevelInfo)
}

// SetHandler sets QUIC connection callbacks.
func (s *localConn) SetHandler(v Handler) {
	s.handler = v
}

// SetLogger sets the connection logger.
func (s *localConn) SetLogger(v Logger) {
	s.logger = v
}

// SetListener sets the listening socket.
func (s *localConn) SetListener(conn net.PacketConn) {
	s.socket = conn
}

// LocalAddr returns the local socket address.
func (s *localConn) LocalAddr() net.Addr {
	if s.socket == nil {
		return nil
	}
	return s.socket.LocalAddr()
}

func (s *localConn) listen(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.socket = socket
	return nil
}

// Serve reads the socket and drives all connections until the socket
// is closed. SetListener or Listen must have been called.
func (s *localConn) Serve() error {
	s.mu.Lock()
	socket := s.socket
	if socket == nil {
		s.mu.Unlock()
		return errors.New("no listening connection")
	}
	if !s.serving {
		endpoint, err := transport.NewEndpoint(s.config, s.endpointConfig)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.endpoint = endpoint
		s.serving = true
		go s.drive()
	}
	s.mu.Unlock()
	s.logger.Log(LevelInfo, "%s listening", socket.LocalAddr())
	for {
		p := newPacket()
		n, addr, err := socket.ReadFrom(p.buf[:])
		if n > 0 {
			p.data = p.buf[:n]
			p.addr = addrPort(addr)
			select {
			case s.recvCh <- p:
			case <-s.doneCh:
				freePacket(p)
				return nil
			}
		} else {
			freePacket(p)
		}
		if err != nil {
			return err
		}
	}
}

// drive owns the endpoint. Received datagrams, adapter commands,
// connect requests and timer expiries are all funneled here.
func (s *localConn) drive() {
	defer close(s.doneCh)
	for {
		select {
		case p := <-s.recvCh:
			now := time.Now()
			s.endpoint.Handle(now, p.addr, transport.ECNNotECT, p.data)
			freePacket(p)
			s.pump(now)
		case m := <-s.msgCh:
			now := time.Now()
			s.handleCommand(m.conn, m.cmd, now)
			s.pump(now)
		case req := <-s.connectCh:
			now := time.Now()
			req.result <- s.connect(now, req.addr)
			s.pump(now)
		case <-s.closeCh:
			s.shutdown(time.Now())
			return
		}
	}
}

func (s *localConn) connect(now time.Time, addr netip.AddrPort) error {
	hd, c, err := s.endpoint.Connect(now, addr, nil)
	if err != nil {
		return err
	}
	s.attachConn(hd, c, now)
	return nil
}

func (s *localConn) attachConn(hd transport.ConnectionHandle, tc *transport.Conn, now time.Time) *Conn {
	addr := net.UDPAddrFromAddrPort(tc.RemoteAddr())
	c := newRemoteConn(addr, tc.LocalID(), tc, tc.IsClient())
	c.handle = hd
	c.localAddr = s.socket.LocalAddr()
	attachLogger(s.logger, c.scid, tc)
	s.conns[hd] = c
	go s.forwardCommands(c)
	s.logger.Log(LevelDebug, "%s new connection scid=%x", c.addr, c.scid)
	return c
}

// forwardCommands funnels one connection's adapter commands into the
// shared driver channel.
func (s *localConn) forwardCommands(c *Conn) {
	for {
		select {
		case cmd := <-c.cmdCh:
			select {
			case s.msgCh <- connMessage{conn: c, cmd: cmd}:
			case <-s.doneCh:
				return
			}
		case <-c.closeCh:
			return
		case <-s.doneCh:
			return
		}
	}
}

// pump moves the endpoint forward: accepted connections are attached,
// events serviced and handed to the application, pending datagrams
// sent and timer changes armed.
func (s *localConn) pump(now time.Time) {
	for {
		hd, tc, ok := s.endpoint.Accept()
		if !ok {
			break
		}
		s.attachConn(hd, tc, now)
	}
	for hd, c := range s.conns {
		s.serveConn(hd, c, now)
	}
	for {
		t, ok := s.endpoint.PollTransmit(now)
		if !ok {
			break
		}
		_, err := s.socket.WriteTo(t.Payload, net.UDPAddrFromAddrPort(t.Addr))
		if err != nil {
			s.logger.Log(LevelError, "%s send failed: %v", t.Addr, err)
		}
	}
	for {
		u, ok := s.endpoint.PollTimers()
		if !ok {
			break
		}
		s.setTimer(u)
	}
}

func (s *localConn) serveConn(hd transport.ConnectionHandle, c *Conn, now time.Time) {
	events := c.conn.Events(c.events)
	if len(events) > 0 {
		for _, e := range events {
			s.serviceEvent(c, e)
		}
		s.handler.Serve(c, events)
		for i := range events {
			events[i] = transport.Event{}
		}
	}
	c.events = events[:0]
	s.endpoint.Notify(now, hd)
	if c.conn.IsClosed() {
		s.removeConn(hd, c)
	}
}

func (s *localConn) removeConn(hd transport.ConnectionHandle, c *Conn) {
	s.endpoint.Remove(hd)
	for _, tm := range c.timers {
		tm.Stop()
	}
	c.setClosed()
	delete(s.conns, hd)
	s.logger.Log(LevelDebug, "%s connection closed scid=%x", c.addr, c.scid)
}

// serviceEvent completes adapter operations that were left pending
// with errWait, before the event reaches the application handler.
func (s *localConn) serviceEvent(c *Conn, e transport.Event) {
	switch e.Type {
	case transport.EventStreamWritable, transport.EventStreamStop:
		st := c.streams[e.ID]
		if st != nil && st.isWriting() {
			if ts, err := c.conn.Stream(e.ID); err == nil {
				s.streamWrite(st, ts, true)
			}
		}
	case transport.EventStreamReadable, transport.EventStreamReset:
		st := c.streams[e.ID]
		if st != nil && st.isReading() {
			if ts, err := c.conn.Stream(e.ID); err == nil {
				s.streamRead(st, ts, true)
			}
		}
	case transport.EventDatagramWritable:
		if c.datagram.isWriting() {
			s.datagramWrite(c, true)
		}
	case transport.EventDatagramReadable:
		if c.datagram.isReading() {
			s.datagramRead(c, true)
		}
	}
}

func (s *localConn) handleCommand(c *Conn, cmd connCommand, now time.Time) {
	switch cmd.cmd {
	case cmdStreamWrite:
		st := c.streams[cmd.id]
		if st == nil {
			return
		}
		ts, err := c.conn.Stream(cmd.id)
		if err != nil {
			st.sendWriteResult(err)
			return
		}
		s.streamWrite(st, ts, false)
	case cmdStreamRead:
		st := c.streams[cmd.id]
		if st == nil {
			return
		}
		ts, err := c.conn.Stream(cmd.id)
		if err != nil {
			st.sendReadResult(err)
			return
		}
		s.streamRead(st, ts, false)
	case cmdStreamClose:
		st := c.streams[cmd.id]
		if st == nil {
			return
		}
		ts, err := c.conn.Stream(cmd.id)
		if err != nil {
			st.sendCloseResult(err)
			return
		}
		st.sendCloseResult(ts.Close())
	case cmdStreamCloseWrite:
		st := c.streams[cmd.id]
		if st == nil {
			return
		}
		ts, err := c.conn.Stream(cmd.id)
		if err != nil {
			st.sendCloseResult(err)
			return
		}
		st.sendCloseResult(ts.Reset(cmd.n))
	case cmdStreamCloseRead:
		st := c.streams[cmd.id]
		if st == nil {
			return
		}
		ts, err := c.conn.Stream(cmd.id)
		if err != nil {
			st.sendCloseResult(err)
			return
		}
		st.sendCloseResult(ts.Stop(cmd.n))
	case cmdDatagramWrite:
		s.datagramWrite(c, false)
	case cmdDatagramRead:
		s.datagramRead(c, false)
	case cmdTimeout:
		s.endpoint.Timeout(now, c.handle, transport.TimerKind(cmd.id))
	}
}

// streamWrite moves adapter data into the stream send buffer. wait is
// true when resuming an operation that was answered with errWait.
func (s *localConn) streamWrite(st *Stream, ts *transport.Stream, wait bool) {
	done, err := st.recvWriteData(ts)
	if err == transport.ErrBlocked {
		err = nil
	}
	if done || err != nil {
		if wait {
			st.sendWriteWait(err)
		} else {
			st.sendWriteResult(err)
		}
		return
	}
	// Send window exhausted, resume on the next writable event.
	if !wait {
		st.sendWriteResult(errWait)
	}
}

func (s *localConn) streamRead(st *Stream, ts *transport.Stream, wait bool) {
	done, err := st.recvReadData(ts)
	if err == transport.ErrBlocked {
		if !done {
			// No data yet, resume on the next readable event.
			if !wait {
				st.sendReadResult(errWait)
			}
			return
		}
		err = nil
	}
	if wait {
		st.sendReadWait(err)
	} else {
		st.sendReadResult(err)
	}
}

func (s *localConn) datagramWrite(c *Conn, wait bool) {
	dg := c.datagram
	done, err := dg.recvWriteData(c.conn.Datagram())
	if err == transport.ErrBlocked {
		err = nil
	}
	if done || err != nil {
		if wait {
			dg.sendWriteWait(err)
		} else {
			dg.sendWriteResult(err)
		}
		return
	}
	if !wait {
		dg.sendWriteResult(errWait)
	}
}

func (s *localConn) datagramRead(c *Conn, wait bool) {
	dg := c.datagram
	done, err := dg.recvReadData(c.conn.Datagram())
	if err == transport.ErrBlocked {
		if !done {
			if !wait {
				dg.sendReadResult(errWait)
			}
			return
		}
		err = nil
	}
	if wait {
		dg.sendReadWait(err)
	} else {
		dg.sendReadResult(err)
	}
}

func (s *localConn) setTimer(u transport.TimerUpdate) {
	c := s.conns[u.Handle]
	if c == nil {
		return
	}
	if tm := c.timers[u.Kind]; tm != nil {
		tm.Stop()
		delete(c.timers, u.Kind)
	}
	if u.Deadline.IsZero() {
		return
	}
	d := time.Until(u.Deadline)
	if d < 0 {
		d = 0
	}
	kind := u.Kind
	c.timers[kind] = time.AfterFunc(d, func() {
		m := connMessage{conn: c, cmd: connCommand{cmd: cmdTimeout, id: uint64(kind)}}
		select {
		case s.msgCh <- m:
		case <-s.doneCh:
		}
	})
}

// shutdown closes all connections, flushes their close packets and
// releases blocked adapters.
func (s *localConn) shutdown(now time.Time) {
	for _, c := range s.conns {
		c.conn.Close(true, transport.NoError, "bye")
	}
	s.pump(now)
	for hd, c := range s.conns {
		s.removeConn(hd, c)
	}
}

// close asks the drive goroutine to shut down and waits for it.
func (s *localConn) close(timeout time.Duration) error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if serving {
		select {
		case <-s.doneCh:
		case <-time.After(timeout):
		}
	}
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}

type packet struct {
	buf  [bufferSize]byte
	data []byte // points into buf
	addr netip.AddrPort
}

var packetPool = sync.Pool{}

func newPacket() *packet {
	p := packetPool.Get()
	if p != nil {
		return p.(*packet)
	}
	return &packet{}
}

func freePacket(p *packet) {
	p.data = nil
	p.addr = netip.AddrPort{}
	packetPool.Put(p)
}

// addrPort converts a socket address, unmapping 4-in-6 addresses so
// path comparison does not mistake them for a migration.
func addrPort(addr net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	if a, ok := addr.(*net.UDPAddr); ok {
		ap = a.AddrPort()
	} else {
		ap, _ = netip.ParseAddrPort(addr.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
