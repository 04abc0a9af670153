package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// Transport parameter identifiers.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-18.2
const (
	paramOriginalDestinationCID         = 0x00
	paramMaxIdleTimeout                 = 0x01
	paramStatelessResetToken            = 0x02
	paramMaxUDPPayloadSize              = 0x03
	paramInitialMaxData                 = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni        = 0x07
	paramInitialMaxStreamsBidi          = 0x08
	paramInitialMaxStreamsUni           = 0x09
	paramAckDelayExponent               = 0x0a
	paramMaxAckDelay                    = 0x0b
	paramDisableActiveMigration         = 0x0c
	paramPreferredAddress               = 0x0d
	paramActiveCIDLimit                 = 0x0e
	paramInitialSourceCID               = 0x0f
	paramRetrySourceCID                 = 0x10
	// https://www.rfc-editor.org/rfc/rfc9221.html#section-3
	paramMaxDatagramFrameSize = 0x20
)

const (
	maxAckDelayExponent = 20
	// max_ack_delay must be less than 2^14 milliseconds.
	maxMaxAckDelay    = (1 << 14) * time.Millisecond
	minActiveCIDLimit = 2
)

// Parameters is the QUIC transport parameters.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-18
type Parameters struct {
	OriginalDestinationCID []byte
	InitialSourceCID       []byte
	RetrySourceCID         []byte
	StatelessResetToken    []byte

	MaxIdleTimeout    time.Duration
	MaxUDPPayloadSize uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration
	ActiveCIDLimit   uint64

	DisableActiveMigration bool

	// MaxDatagramFrameSize is the maximum size of a DATAGRAM frame the
	// endpoint is willing to receive. Zero disables the extension.
	MaxDatagramFrameSize uint64
}

// validate checks the value ranges of received transport parameters.
// fromClient indicates the parameters were sent by a client.
func (s *Parameters) validate(fromClient bool) error {
	if fromClient {
		// Server-only parameters.
		if s.OriginalDestinationCID != nil || s.RetrySourceCID != nil ||
			s.StatelessResetToken != nil {
			return newError(TransportParameterError, "server-only parameter from client")
		}
	} else {
		if len(s.OriginalDestinationCID) == 0 {
			return newError(TransportParameterError, "original_destination_connection_id")
		}
	}
	if len(s.InitialSourceCID) == 0 {
		return newError(TransportParameterError, "initial_source_connection_id")
	}
	if s.StatelessResetToken != nil && len(s.StatelessResetToken) != resetTokenLen {
		return newError(TransportParameterError, "stateless_reset_token")
	}
	if s.MaxUDPPayloadSize > 0 && s.MaxUDPPayloadSize < MinInitialPacketSize {
		return newError(TransportParameterError, "max_udp_payload_size")
	}
	if s.AckDelayExponent > maxAckDelayExponent {
		return newError(TransportParameterError, "ack_delay_exponent")
	}
	if s.MaxAckDelay >= maxMaxAckDelay {
		return newError(TransportParameterError, "max_ack_delay")
	}
	if s.InitialMaxStreamsBidi > maxStreams || s.InitialMaxStreamsUni > maxStreams {
		return newError(TransportParameterError, "initial_max_streams")
	}
	if s.ActiveCIDLimit > 0 && s.ActiveCIDLimit < minActiveCIDLimit {
		return newError(TransportParameterError, "active_connection_id_limit")
	}
	return nil
}

func (s *Parameters) marshal() []byte {
	b := make([]byte, 0, 128)
	if len(s.OriginalDestinationCID) > 0 {
		b = appendParamBytes(b, paramOriginalDestinationCID, s.OriginalDestinationCID)
	}
	if s.MaxIdleTimeout > 0 {
		b = appendParamVarint(b, paramMaxIdleTimeout, uint64(s.MaxIdleTimeout/time.Millisecond))
	}
	if len(s.StatelessResetToken) > 0 {
		b = appendParamBytes(b, paramStatelessResetToken, s.StatelessResetToken)
	}
	if s.MaxUDPPayloadSize > 0 {
		b = appendParamVarint(b, paramMaxUDPPayloadSize, s.MaxUDPPayloadSize)
	}
	if s.InitialMaxData > 0 {
		b = appendParamVarint(b, paramInitialMaxData, s.InitialMaxData)
	}
	if s.InitialMaxStreamDataBidiLocal > 0 {
		b = appendParamVarint(b, paramInitialMaxStreamDataBidiLocal, s.InitialMaxStreamDataBidiLocal)
	}
	if s.InitialMaxStreamDataBidiRemote > 0 {
		b = appendParamVarint(b, paramInitialMaxStreamDataBidiRemote, s.InitialMaxStreamDataBidiRemote)
	}
	if s.InitialMaxStreamDataUni > 0 {
		b = appendParamVarint(b, paramInitialMaxStreamDataUni, s.InitialMaxStreamDataUni)
	}
	if s.InitialMaxStreamsBidi > 0 {
		b = appendParamVarint(b, paramInitialMaxStreamsBidi, s.InitialMaxStreamsBidi)
	}
	if s.InitialMaxStreamsUni > 0 {
		b = appendParamVarint(b, paramInitialMaxStreamsUni, s.InitialMaxStreamsUni)
	}
	if s.AckDelayExponent > 0 {
		b = appendParamVarint(b, paramAckDelayExponent, s.AckDelayExponent)
	}
	if s.MaxAckDelay > 0 {
		b = appendParamVarint(b, paramMaxAckDelay, uint64(s.MaxAckDelay/time.Millisecond))
	}
	if s.DisableActiveMigration {
		b = appendVarint(b, paramDisableActiveMigration, 1)
		b = appendVarint(b, 0, 1)
	}
	if s.ActiveCIDLimit > 0 {
		b = appendParamVarint(b, paramActiveCIDLimit, s.ActiveCIDLimit)
	}
	if len(s.InitialSourceCID) > 0 {
		b = appendParamBytes(b, paramInitialSourceCID, s.InitialSourceCID)
	}
	if len(s.RetrySourceCID) > 0 {
		b = appendParamBytes(b, paramRetrySourceCID, s.RetrySourceCID)
	}
	if s.MaxDatagramFrameSize > 0 {
		b = appendParamVarint(b, paramMaxDatagramFrameSize, s.MaxDatagramFrameSize)
	}
	return b
}

func (s *Parameters) unmarshal(b []byte) bool {
	dec := newCodec(b)
	var id, length uint64
	for dec.len() > 0 {
		if !dec.readVarint(&id) || !dec.readVarint(&length) {
			return false
		}
		var val []byte
		if !dec.read(&val, int(length)) {
			return false
		}
		switch id {
		case paramOriginalDestinationCID:
			s.OriginalDestinationCID = val
		case paramMaxIdleTimeout:
			var ms uint64
			if !readParamVarint(val, &ms) {
				return false
			}
			s.MaxIdleTimeout = time.Duration(ms) * time.Millisecond
		case paramStatelessResetToken:
			if len(val) != resetTokenLen {
				return false
			}
			s.StatelessResetToken = val
		case paramMaxUDPPayloadSize:
			if !readParamVarint(val, &s.MaxUDPPayloadSize) {
				return false
			}
		case paramInitialMaxData:
			if !readParamVarint(val, &s.InitialMaxData) {
				return false
			}
		case paramInitialMaxStreamDataBidiLocal:
			if !readParamVarint(val, &s.InitialMaxStreamDataBidiLocal) {
				return false
			}
		case paramInitialMaxStreamDataBidiRemote:
			if !readParamVarint(val, &s.InitialMaxStreamDataBidiRemote) {
				return false
			}
		case paramInitialMaxStreamDataUni:
			if !readParamVarint(val, &s.InitialMaxStreamDataUni) {
				return false
			}
		case paramInitialMaxStreamsBidi:
			if !readParamVarint(val, &s.InitialMaxStreamsBidi) {
				return false
			}
		case paramInitialMaxStreamsUni:
			if !readParamVarint(val, &s.InitialMaxStreamsUni) {
				return false
			}
		case paramAckDelayExponent:
			if !readParamVarint(val, &s.AckDelayExponent) {
				return false
			}
		case paramMaxAckDelay:
			var ms uint64
			if !readParamVarint(val, &ms) {
				return false
			}
			s.MaxAckDelay = time.Duration(ms) * time.Millisecond
		case paramDisableActiveMigration:
			if length != 0 {
				return false
			}
			s.DisableActiveMigration = true
		case paramActiveCIDLimit:
			if !readParamVarint(val, &s.ActiveCIDLimit) {
				return false
			}
		case paramInitialSourceCID:
			s.InitialSourceCID = val
		case paramRetrySourceCID:
			s.RetrySourceCID = val
		case paramMaxDatagramFrameSize:
			if !readParamVarint(val, &s.MaxDatagramFrameSize) {
				return false
			}
		default:
			// Unknown parameters are ignored.
		}
	}
	return true
}

func appendParamBytes(b []byte, id uint64, val []byte) []byte {
	b = appendVarint(b, id, varintLen(id))
	b = appendVarint(b, uint64(len(val)), varintLen(uint64(len(val))))
	return append(b, val...)
}

func appendParamVarint(b []byte, id, val uint64) []byte {
	n := varintLen(val)
	b = appendVarint(b, id, varintLen(id))
	b = appendVarint(b, uint64(n), 1)
	return appendVarint(b, val, n)
}

func readParamVarint(b []byte, v *uint64) bool {
	n := getVarint(b, v)
	return n > 0 && n == len(b)
}

func (s *Parameters) String() string {
	return fmt.Sprintf("transport_params{%s}", s.log(nil))
}

func (s *Parameters) log(b []byte) []byte {
	if len(s.OriginalDestinationCID) > 0 {
		b = appendField(b, "original_connection_id", s.OriginalDestinationCID)
	}
	if s.MaxIdleTimeout > 0 {
		b = appendField(b, "max_idle_timeout", s.MaxIdleTimeout)
	}
	if len(s.StatelessResetToken) > 0 {
		b = appendField(b, "stateless_reset_token", s.StatelessResetToken)
	}
	if s.MaxUDPPayloadSize > 0 {
		b = appendField(b, "max_udp_payload_size", s.MaxUDPPayloadSize)
	}
	if s.InitialMaxData > 0 {
		b = appendField(b, "initial_max_data", s.InitialMaxData)
	}
	if s.InitialMaxStreamDataBidiLocal > 0 {
		b = appendField(b, "initial_max_stream_data_bidi_local", s.InitialMaxStreamDataBidiLocal)
	}
	if s.InitialMaxStreamDataBidiRemote > 0 {
		b = appendField(b, "initial_max_stream_data_bidi_remote", s.InitialMaxStreamDataBidiRemote)
	}
	if s.InitialMaxStreamDataUni > 0 {
		b = appendField(b, "initial_max_stream_data_uni", s.InitialMaxStreamDataUni)
	}
	if s.InitialMaxStreamsBidi > 0 {
		b = appendField(b, "initial_max_streams_bidi", s.InitialMaxStreamsBidi)
	}
	if s.InitialMaxStreamsUni > 0 {
		b = appendField(b, "initial_max_streams_uni", s.InitialMaxStreamsUni)
	}
	if s.AckDelayExponent > 0 {
		b = appendField(b, "ack_delay_exponent", s.AckDelayExponent)
	}
	if s.MaxAckDelay > 0 {
		b = appendField(b, "max_ack_delay", s.MaxAckDelay)
	}
	if s.DisableActiveMigration {
		b = appendField(b, "disable_active_migration", s.DisableActiveMigration)
	}
	if s.ActiveCIDLimit > 0 {
		b = appendField(b, "active_connection_id_limit", s.ActiveCIDLimit)
	}
	if len(s.InitialSourceCID) > 0 {
		b = appendField(b, "initial_source_connection_id", s.InitialSourceCID)
	}
	if len(s.RetrySourceCID) > 0 {
		b = appendField(b, "retry_source_connection_id", s.RetrySourceCID)
	}
	if s.MaxDatagramFrameSize > 0 {
		b = appendField(b, "max_datagram_frame_size", s.MaxDatagramFrameSize)
	}
	return b
}

// tlsHandshake drives the TLS 1.3 handshake over crypto/tls's QUIC
// interface. Ordered CRYPTO data is fed in via handleCryptoData and the
// resulting events (secrets, handshake bytes, peer transport parameters)
// are applied back to the connection.
type tlsHandshake struct {
	conn    *Conn
	tlsConn *tls.QUICConn

	started bool
}

func (s *tlsHandshake) init(conn *Conn, config *tls.Config, isClient bool) {
	s.conn = conn
	if config.MinVersion < tls.VersionTLS13 {
		// QUIC requires TLS 1.3.
		config = config.Clone()
		config.MinVersion = tls.VersionTLS13
	}
	qc := &tls.QUICConfig{TLSConfig: config}
	if isClient {
		s.tlsConn = tls.QUICClient(qc)
	} else {
		s.tlsConn = tls.QUICServer(qc)
	}
}

func (s *tlsHandshake) start(params *Parameters) error {
	if s.started {
		return nil
	}
	s.started = true
	if params != nil {
		s.tlsConn.SetTransportParameters(params.marshal())
	}
	err := s.tlsConn.Start(context.Background())
	if err != nil {
		return s.tlsError(err)
	}
	return s.processEvents()
}

// handleCryptoData is called with data that is next in order on the
// given packet number space's crypto stream.
func (s *tlsHandshake) handleCryptoData(space packetSpace, b []byte) error {
	level, err := encryptionLevel(space)
	if err != nil {
		return err
	}
	if err := s.tlsConn.HandleData(level, b); err != nil {
		return s.tlsError(err)
	}
	return s.processEvents()
}

func (s *tlsHandshake) processEvents() error {
	for {
		e := s.tlsConn.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			if err := s.conn.setReadSecret(e.Level, e.Suite, e.Data); err != nil {
				return err
			}
		case tls.QUICSetWriteSecret:
			if err := s.conn.setWriteSecret(e.Level, e.Suite, e.Data); err != nil {
				return err
			}
		case tls.QUICWriteData:
			if err := s.conn.sendCryptoData(e.Level, e.Data); err != nil {
				return err
			}
		case tls.QUICTransportParameters:
			params := Parameters{}
			if !params.unmarshal(e.Data) {
				return newError(TransportParameterError, "unmarshal")
			}
			if err := s.conn.setPeerParams(&params); err != nil {
				return err
			}
		case tls.QUICTransportParametersRequired:
			s.tlsConn.SetTransportParameters(s.conn.localParams.marshal())
		case tls.QUICRejectedEarlyData:
			s.conn.earlyDataRejected()
		case tls.QUICHandshakeDone:
			if err := s.conn.handshakeDone(); err != nil {
				return err
			}
		}
	}
}

// sendSessionTicket issues a NewSessionTicket to the client, enabling
// resumption and 0-RTT. Server only.
func (s *tlsHandshake) sendSessionTicket(earlyData bool) error {
	err := s.tlsConn.SendSessionTicket(tls.QUICSessionTicketOptions{EarlyData: earlyData})
	if err != nil {
		return s.tlsError(err)
	}
	return s.processEvents()
}

func (s *tlsHandshake) connectionState() tls.ConnectionState {
	return s.tlsConn.ConnectionState()
}

func (s *tlsHandshake) tlsError(err error) error {
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return newError(CryptoError+uint64(alert), err.Error())
	}
	return newError(InternalError, err.Error())
}

func encryptionLevel(space packetSpace) (tls.QUICEncryptionLevel, error) {
	switch space {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial, nil
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake, nil
	case packetSpaceApplication:
		return tls.QUICEncryptionLevelApplication, nil
	default:
		return 0, newError(InternalError, sprint("invalid packet space ", space))
	}
}
