package http2

import "golang.org/x/net/http2/hpack"

// EventKind tags an Event.
type EventKind uint8

const (
	// EventStreamOpened is a peer-initiated stream's first header block.
	EventStreamOpened EventKind = iota + 1
	// EventHeaders is a header block on an already open stream (responses, trailers).
	EventHeaders
	// EventData carries one DATA frame payload.
	EventData
	// EventStreamEnded marks the peer's END_STREAM.
	EventStreamEnded
	// EventStreamReset reports RST_STREAM from the peer or a locally detected stream error.
	EventStreamReset
	// EventConnectionClosed reports a GOAWAY from the peer.
	EventConnectionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventStreamOpened:
		return "stream_opened"
	case EventHeaders:
		return "headers"
	case EventData:
		return "data"
	case EventStreamEnded:
		return "stream_ended"
	case EventStreamReset:
		return "stream_reset"
	case EventConnectionClosed:
		return "connection_closed"
	}
	return "unknown"
}

// Event is one structured result of Engine.Receive. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind     EventKind
	StreamID uint32

	// Headers is set for EventStreamOpened and EventHeaders.
	Headers []hpack.HeaderField
	// EndStream mirrors the END_STREAM flag of the frame that produced the event.
	EndStream bool

	// Data is a private copy of the DATA payload for EventData.
	Data []byte

	// Code is set for EventStreamReset and EventConnectionClosed.
	Code ErrorCode
	// LastStreamID is the GOAWAY last-stream-id for EventConnectionClosed.
	LastStreamID uint32
}

// PseudoValue returns the value of a pseudo header (name without the colon).
func (e Event) PseudoValue(name string) string {
	for _, hf := range e.Headers {
		if hf.Name == ":"+name {
			return hf.Value
		}
	}
	return ""
}
