package mux

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportBroken marks a connection torn down by a protocol violation or an
	// abrupt loss of the underlying byte stream.
	ErrTransportBroken = errors.New("mux: transport broken")
	// ErrTransportClosed marks a connection closed locally, by pool shutdown, or by
	// the peer's GOAWAY.
	ErrTransportClosed = errors.New("mux: transport closed")
	// ErrEndpointMissing rejects an outbound call that names no destination.
	ErrEndpointMissing = errors.New("mux: no endpoint provided")
	// ErrStreamCanceled is returned by the emitter when the stream was reset or its
	// connection went away before the response was written.
	ErrStreamCanceled = errors.New("mux: stream canceled")
	// ErrStreamReset is the cause recorded when the peer resets a stream.
	ErrStreamReset = errors.New("mux: stream reset by peer")
	// ErrDuplicateResolution reports a second completion signal for one stream.
	ErrDuplicateResolution = errors.New("mux: duplicate resolution")

	errDraining = errors.New("connection is draining")
)

// TransportError ties a transport error kind to the connection it happened on.
// errors.Is matches both Kind and Cause.
type TransportError struct {
	Kind   error
	ConnID string
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v (conn %s): %v", e.Kind, e.ConnID, e.Cause)
	}
	return fmt.Sprintf("%v (conn %s)", e.Kind, e.ConnID)
}

func (e *TransportError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newTransportError(kind error, connID string, cause error) *TransportError {
	return &TransportError{Kind: kind, ConnID: connID, Cause: cause}
}

// canceled wraps err as a stream cancellation unless it already is one.
func canceled(err error) error {
	if errors.Is(err, ErrStreamCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStreamCanceled, err)
}
