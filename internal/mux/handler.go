package mux

import "context"

// Handler produces the response for one complete inbound request. ctx is cancelled
// when the stream is reset or its connection goes away.
type Handler interface {
	ServeStream(ctx context.Context, req *Request) (*ResponseEnvelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*ResponseEnvelope, error)

// ServeStream calls f(ctx, req).
func (f HandlerFunc) ServeStream(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
	return f(ctx, req)
}
