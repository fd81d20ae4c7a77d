package http2

import (
	"errors"
	"fmt"

	xhttp2 "golang.org/x/net/http2"
)

// ErrorCode is an HTTP/2 error code (RFC 9113 Section 7).
type ErrorCode = xhttp2.ErrCode

const (
	ErrCodeNoError          = xhttp2.ErrCodeNo
	ErrCodeProtocolError    = xhttp2.ErrCodeProtocol
	ErrCodeInternalError    = xhttp2.ErrCodeInternal
	ErrCodeFlowControlError = xhttp2.ErrCodeFlowControl
	ErrCodeStreamClosed     = xhttp2.ErrCodeStreamClosed
	ErrCodeFrameSizeError   = xhttp2.ErrCodeFrameSize
	ErrCodeRefusedStream    = xhttp2.ErrCodeRefusedStream
	ErrCodeCancel           = xhttp2.ErrCodeCancel
	ErrCodeCompressionError = xhttp2.ErrCodeCompression
)

// ErrEngineClosed is returned by Engine operations after Close or a connection fault.
var ErrEngineClosed = errors.New("http2: engine closed")

// StreamError represents an error that affects a single stream.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error: stream %d, code %s: %s: %v", e.StreamID, e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("stream error: stream %d, code %s: %s", e.StreamID, e.Code, e.Msg)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// ConnectionError represents an error that affects the entire HTTP/2 connection.
// The engine queues a GOAWAY carrying Code before returning it.
type ConnectionError struct {
	LastStreamID uint32
	Code         ErrorCode
	Msg          string
	Cause        error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s): %v", e.Msg, e.LastStreamID, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s)", e.Msg, e.LastStreamID, e.Code)
}

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

// connectionErrorFrom converts errors reported by the framer into a *ConnectionError.
func connectionErrorFrom(err error) *ConnectionError {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	var xce xhttp2.ConnectionError
	if errors.As(err, &xce) {
		// The framer's text only repeats the code.
		return NewConnectionError(ErrorCode(xce), "protocol violation")
	}
	if errors.Is(err, xhttp2.ErrFrameTooLarge) {
		return NewConnectionErrorWithCause(ErrCodeFrameSizeError, "frame too large", err)
	}
	return NewConnectionErrorWithCause(ErrCodeProtocolError, "malformed frame", err)
}

var (
	// ErrGoAwayReceived is returned by OpenStream once the peer has sent GOAWAY.
	ErrGoAwayReceived = errors.New("http2: peer sent GOAWAY, no new streams")
	// ErrStreamLimit is returned by OpenStream when the peer's MAX_CONCURRENT_STREAMS is reached.
	ErrStreamLimit = errors.New("http2: peer concurrent stream limit reached")
	// ErrStreamIDsExhausted is returned when the 31-bit stream id space is used up.
	ErrStreamIDsExhausted = errors.New("http2: stream identifiers exhausted")
)
