package http2

import (
	"errors"
	"fmt"
)

// ErrorCode represents an HTTP/2 error code.
type ErrorCode uint32

// HTTP/2 error codes from RFC 7540 Section 7.
const (
	// ErrCodeNoError (0x0): Graceful shutdown.
	ErrCodeNoError ErrorCode = 0x0
	// ErrCodeProtocolError (0x1): Protocol error detected.
	ErrCodeProtocolError ErrorCode = 0x1
	// ErrCodeInternalError (0x2): Implementation fault.
	ErrCodeInternalError ErrorCode = 0x2
	// ErrCodeFlowControlError (0x3): Flow-control limits exceeded.
	ErrCodeFlowControlError ErrorCode = 0x3
	// ErrCodeSettingsTimeout (0x4): Settings not acknowledged.
	ErrCodeSettingsTimeout ErrorCode = 0x4
	// ErrCodeStreamClosed (0x5): Frame received for already closed stream.
	ErrCodeStreamClosed ErrorCode = 0x5
	// ErrCodeFrameSizeError (0x6): Frame size incorrect.
	ErrCodeFrameSizeError ErrorCode = 0x6
	// ErrCodeRefusedStream (0x7): Stream not processed.
	ErrCodeRefusedStream ErrorCode = 0x7
	// ErrCodeCancel (0x8): Stream cancelled.
	ErrCodeCancel ErrorCode = 0x8
	// ErrCodeCompressionError (0x9): Compression state not maintained.
	ErrCodeCompressionError ErrorCode = 0x9
	// ErrCodeConnectError (0xa): Connection established in error.
	ErrCodeConnectError ErrorCode = 0xa
	// ErrCodeEnhanceYourCalm (0xb): Processing capacity exceeded.
	ErrCodeEnhanceYourCalm ErrorCode = 0xb
	// ErrCodeInadequateSecurity (0xc): Negotiated TLS parameters not acceptable.
	ErrCodeInadequateSecurity ErrorCode = 0xc
	// ErrCodeHTTP11Required (0xd): Use HTTP/1.1 for the request.
	ErrCodeHTTP11Required ErrorCode = 0xd
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeProtocolError:
		return "PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeSettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSizeError:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	case ErrCodeCompressionError:
		return "COMPRESSION_ERROR"
	case ErrCodeConnectError:
		return "CONNECT_ERROR"
	case ErrCodeEnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case ErrCodeInadequateSecurity:
		return "INADEQUATE_SECURITY"
	case ErrCodeHTTP11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
	}
}

// StreamError is an error confined to one stream. It is reported to the
// peer with RST_STREAM and leaves the connection usable.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s): %s", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s)", e.StreamID, e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a new StreamError with an underlying cause.
func NewStreamErrorWithCause(streamID uint32, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError is fatal to the whole connection. It is reported with
// GOAWAY, after which the connection is closed.
type ConnectionError struct {
	Code  ErrorCode
	Msg   string
	Cause error
	// DebugData, when set, replaces Msg as the GOAWAY debug payload.
	DebugData []byte
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (code %s): %s", e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (code %s)", e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a new ConnectionError with an underlying cause.
func NewConnectionErrorWithCause(code ErrorCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}

// GenerateRSTStreamFrame builds the RST_STREAM frame that reports err.
// A *StreamError supplies its own stream id and code; anything else uses
// streamID and errCode.
func GenerateRSTStreamFrame(streamID uint32, errCode ErrorCode, err error) *RSTStreamFrame {
	var se *StreamError
	if errors.As(err, &se) {
		errCode = se.Code
		if se.StreamID != 0 {
			streamID = se.StreamID
		}
	}
	return &RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: streamID, Length: 4},
		ErrorCode:   errCode,
	}
}

// GenerateGoAwayFrame builds the GOAWAY frame that reports err. A
// *ConnectionError supplies the code and debug data (DebugData, then Msg);
// anything else uses errCode and debugStr. lastStreamID is always the
// caller's, since only the connection knows the highest processed stream.
func GenerateGoAwayFrame(lastStreamID uint32, errCode ErrorCode, debugStr string, err error) *GoAwayFrame {
	debug := []byte(debugStr)
	var ce *ConnectionError
	if errors.As(err, &ce) {
		errCode = ce.Code
		switch {
		case len(ce.DebugData) > 0:
			debug = ce.DebugData
		case ce.Msg != "":
			debug = []byte(ce.Msg)
		}
	}
	return &GoAwayFrame{
		FrameHeader:         FrameHeader{Type: FrameGoAway, Length: 8 + uint32(len(debug))},
		LastStreamID:        lastStreamID,
		ErrorCode:           errCode,
		AdditionalDebugData: debug,
	}
}
