// Package transport provides the connection-level engine of the QUIC
// protocol: packet and frame coding, loss recovery and congestion control,
// stream multiplexing with flow control, the connection state machine and
// the endpoint demultiplexer.
//
// The package performs no I/O and owns no clock: datagrams, timer expiry
// and the current time are supplied by the caller, and outgoing datagrams,
// events and timer deadlines are polled back. All functions are synchronous
// and must be externally serialized per connection.
package transport

import (
	"crypto/tls"
	"time"
)

const (
	// ProtocolVersion is the supported QUIC version.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-15
	ProtocolVersion = 0x00000001

	// MaxCIDLength is the maximum length of a Connection ID.
	MaxCIDLength = 20

	// https://www.rfc-editor.org/rfc/rfc9000.html#section-14

	// MaxIPv6PacketSize is the QUIC maximum packet size for IPv6 when Path MTU Discovery is missing.
	MaxIPv6PacketSize = 1232
	// MaxIPv4PacketSize is the QUIC maximum packet size for IPv4 when Path MTU Discovery is missing.
	MaxIPv4PacketSize = 1252
	// MaxPacketSize is the maximum permitted UDP payload.
	MaxPacketSize = 65527
	// MinInitialPacketSize is the QUIC minimum datagram size when it contains an Initial packet.
	MinInitialPacketSize = 1200

	minPayloadLength = 4

	// Crypto is not under flow control, but we still enforce a hard limit.
	cryptoMaxData = 1 << 20

	// Number of locally issued connection IDs a connection maintains.
	activeCIDLimit = 2

	// Undecryptable short packets tolerated before the connection
	// escalates to AEAD_LIMIT_REACHED.
	maxDecryptFailures = 1 << 10
)

// Config is a QUIC connection configuration.
// TLS must be set and carry at least one ALPN protocol identifier.
type Config struct {
	Version uint32
	TLS     *tls.Config
	Params  Parameters

	// Token is the address validation token to include in Initial
	// packets, previously provided by the server in NEW_TOKEN.
	Token []byte

	// EarlyParams are the server transport parameters remembered from a
	// previous connection. Clients need them to send 0-RTT data before
	// the handshake delivers the current ones.
	// https://www.rfc-editor.org/rfc/rfc9001.html#section-4.6.1
	EarlyParams *Parameters
}

// NewConfig creates a default configuration.
func NewConfig() *Config {
	return &Config{
		Version: ProtocolVersion,
		Params: Parameters{
			MaxIdleTimeout:    30 * time.Second,
			MaxUDPPayloadSize: MaxPacketSize,
			AckDelayExponent:  3,
			MaxAckDelay:       25 * time.Millisecond,
			ActiveCIDLimit:    activeCIDLimit,

			InitialMaxData:                 8192,
			InitialMaxStreamDataBidiLocal:  8192,
			InitialMaxStreamDataBidiRemote: 8192,
			InitialMaxStreamDataUni:        8192,
			InitialMaxStreamsBidi:          1,
			InitialMaxStreamsUni:           1,
		},
	}
}

// Clone returns a copy of the configuration with its own Parameters.
func (s *Config) Clone() *Config {
	c := *s
	return &c
}

func versionSupported(ver uint32) bool {
	return ver == ProtocolVersion
}
