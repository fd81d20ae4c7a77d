package didcomm

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCannotRespond rejects a reply once the exchange stopped accepting one.
	ErrCannotRespond = errors.New("didcomm: exchange cannot respond")
	// ErrReplyBuffered rejects a second reply while one is still buffered.
	ErrReplyBuffered = errors.New("didcomm: a reply is already buffered")
)

// Exchange holds the reply state of one request: whether it may still be answered
// in band, and at most one buffered reply. Sessions embed it; nothing about it is
// shared between exchanges.
type Exchange struct {
	mu         sync.Mutex
	canRespond bool
	reply      *Payload
	// signal is closed whenever reply or canRespond changes.
	signal chan struct{}
}

// NewExchange creates an exchange that may or may not answer in band.
func NewExchange(canRespond bool) *Exchange {
	return &Exchange{canRespond: canRespond, signal: make(chan struct{})}
}

func (e *Exchange) notifyLocked() {
	close(e.signal)
	e.signal = make(chan struct{})
}

// Respond buffers p as the exchange's reply.
func (e *Exchange) Respond(p Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.canRespond {
		return ErrCannotRespond
	}
	if e.reply != nil {
		return ErrReplyBuffered
	}
	e.reply = &p
	e.notifyLocked()
	return nil
}

// HasResponse reports whether a reply is buffered.
func (e *Exchange) HasResponse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reply != nil
}

// WaitResponse takes the buffered reply. Without one it waits while the exchange
// can still respond, and returns nil once it cannot.
func (e *Exchange) WaitResponse(ctx context.Context) (*Payload, error) {
	for {
		e.mu.Lock()
		if r := e.reply; r != nil {
			e.reply = nil
			e.mu.Unlock()
			return r, nil
		}
		if !e.canRespond {
			e.mu.Unlock()
			return nil, nil
		}
		signal := e.signal
		e.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// ClearResponse drops any buffered reply.
func (e *Exchange) ClearResponse() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reply = nil
}

// CanRespond reports whether a reply may still be buffered.
func (e *Exchange) CanRespond() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canRespond
}

// SetCanRespond opens or closes the exchange for in-band replies.
func (e *Exchange) SetCanRespond(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.canRespond != v {
		e.canRespond = v
		e.notifyLocked()
	}
}
