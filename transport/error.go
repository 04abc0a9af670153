package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Transport error codes.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-20.1
const (
	NoError                 = 0x0
	InternalError           = 0x1
	ConnectionRefused       = 0x2
	FlowControlError        = 0x3
	StreamLimitError        = 0x4
	StreamStateError        = 0x5
	FinalSizeError          = 0x6
	FrameEncodingError      = 0x7
	TransportParameterError = 0x8
	ConnectionIDLimitError  = 0x9
	ProtocolViolation       = 0xa
	InvalidToken            = 0xb
	ApplicationError        = 0xc
	CryptoBufferExceeded    = 0xd
	KeyUpdateError          = 0xe
	AEADLimitReached        = 0xf
	NoViablePath            = 0x10
	VersionNegotiationError = 0x11
	// CryptoError is the base code for TLS alerts 0-255.
	CryptoError = 0x100
)

var errorCodeNames = map[uint64]string{
	NoError:                 "NO_ERROR",
	InternalError:           "INTERNAL_ERROR",
	ConnectionRefused:       "CONNECTION_REFUSED",
	FlowControlError:        "FLOW_CONTROL_ERROR",
	StreamLimitError:        "STREAM_LIMIT_ERROR",
	StreamStateError:        "STREAM_STATE_ERROR",
	FinalSizeError:          "FINAL_SIZE_ERROR",
	FrameEncodingError:      "FRAME_ENCODING_ERROR",
	TransportParameterError: "TRANSPORT_PARAMETER_ERROR",
	ConnectionIDLimitError:  "CONNECTION_ID_LIMIT_ERROR",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
	InvalidToken:            "INVALID_TOKEN",
	ApplicationError:        "APPLICATION_ERROR",
	CryptoBufferExceeded:    "CRYPTO_BUFFER_EXCEEDED",
	KeyUpdateError:          "KEY_UPDATE_ERROR",
	AEADLimitReached:        "AEAD_LIMIT_REACHED",
	NoViablePath:            "NO_VIABLE_PATH",
	VersionNegotiationError: "VERSION_NEGOTIATION_ERROR",
}

func errorCodeString(code uint64) string {
	if code >= CryptoError && code <= CryptoError+0xff {
		return "CRYPTO_ERROR"
	}
	return errorCodeNames[code]
}

// errorCodeText returns the lowercase name used in log events,
// e.g. crypto_error_42 for the TLS alert 42.
func errorCodeText(code uint64) string {
	if code >= CryptoError && code <= CryptoError+0xff {
		return "crypto_error_" + strconv.FormatUint(code-CryptoError, 10)
	}
	if name, ok := errorCodeNames[code]; ok {
		return strings.ToLower(name)
	}
	return strconv.FormatUint(code, 10)
}

// Error is the QUIC transport error.
type Error struct {
	Code    uint64
	Message string
}

func (e *Error) Error() string {
	name := errorCodeString(e.Code)
	switch {
	case name == "":
		if e.Message == "" {
			return fmt.Sprintf("0x%x", e.Code)
		}
		return fmt.Sprintf("0x%x %s", e.Code, e.Message)
	case e.Message == "":
		if e.Code > CryptoError {
			// Include the TLS alert when there are no details.
			return fmt.Sprintf("%s %d", name, e.Code-CryptoError)
		}
		return name
	default:
		return name + " " + e.Message
	}
}

func newError(code uint64, msg string) *Error {
	return &Error{
		Code:    code,
		Message: msg,
	}
}

// AppError is the error closed by the peer or local application.
type AppError struct {
	Code    uint64
	Message string
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("application error 0x%x", e.Code)
	}
	return fmt.Sprintf("application error 0x%x %s", e.Code, e.Message)
}

// StreamResetError results from reading a stream the peer reset.
// Reads keep returning the same error once it is surfaced.
type StreamResetError struct {
	ErrorCode uint64
}

func (e StreamResetError) Error() string {
	return fmt.Sprintf("stream reset 0x%x", e.ErrorCode)
}

// StreamStoppedError results from writing a stream the peer asked to stop.
// Writes keep returning the same error once it is surfaced.
type StreamStoppedError struct {
	ErrorCode uint64
}

func (e StreamStoppedError) Error() string {
	return fmt.Sprintf("stream stopped 0x%x", e.ErrorCode)
}

var (
	// ErrBlocked indicates the operation cannot make progress until the
	// peer grants more credit (flow control window or stream budget).
	// It is recoverable, not a connection error.
	ErrBlocked = errors.New("blocked")

	errFlowControl       = newError(FlowControlError, "FlowControl")
	errStreamLimit       = newError(StreamLimitError, "StreamLimit")
	errFinalSize         = newError(FinalSizeError, "FinalSize")
	errInvalidPacket     = newError(FrameEncodingError, "PacketEncoding")
	errInvalidFrame      = newError(FrameEncodingError, "FrameEncoding")
	errProtocolViolation = newError(ProtocolViolation, "ProtocolViolation")
	errInvalidToken      = newError(InvalidToken, "InvalidToken")

	errShortBuffer = errors.New("ShortBuffer")
)

func sprint(values ...interface{}) string {
	return fmt.Sprint(values...)
}
