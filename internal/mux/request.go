package mux

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/http2/hpack"

	"example.com/didcommh2/v2/internal/logger"
)

// Request is one inbound exchange's request. Its owning stream context fills it in;
// it is handed to application code only once complete and must not be mutated after.
type Request struct {
	ConnID     string
	StreamID   uint32
	Method     string
	Scheme     string
	Authority  string
	Path       string
	RawQuery   string
	Header     []HeaderField
	Body       []byte
	RemoteAddr string

	complete bool
}

// Complete reports whether the request body has been fully received.
func (r *Request) Complete() bool { return r.complete }

// HeaderValue returns the first value of the named header.
func (r *Request) HeaderValue(name string) string { return headerValue(r.Header, name) }

// Query parses the query string.
func (r *Request) Query() url.Values {
	v, _ := url.ParseQuery(r.RawQuery)
	return v
}

// newRequest validates the pseudo headers of a request header block.
func newRequest(connID string, streamID uint32, remoteAddr string, fields []hpack.HeaderField) (*Request, error) {
	req := &Request{ConnID: connID, StreamID: streamID, RemoteAddr: remoteAddr}
	regularSeen := false
	var path string
	for _, hf := range fields {
		if !hf.IsPseudo() {
			regularSeen = true
			req.Header = append(req.Header, HeaderField{Name: hf.Name, Value: hf.Value})
			continue
		}
		if regularSeen {
			return nil, fmt.Errorf("pseudo header %s after regular headers", hf.Name)
		}
		switch hf.Name {
		case ":method":
			req.Method = hf.Value
		case ":scheme":
			req.Scheme = hf.Value
		case ":authority":
			req.Authority = hf.Value
		case ":path":
			path = hf.Value
		default:
			return nil, fmt.Errorf("unknown pseudo header %s", hf.Name)
		}
	}
	if req.Method == "" || path == "" {
		return nil, fmt.Errorf("missing :method or :path")
	}
	if req.Authority == "" {
		req.Authority = req.HeaderValue("host")
	}
	req.Path, req.RawQuery, _ = strings.Cut(path, "?")
	return req, nil
}

type chunk struct {
	data []byte
	end  bool
}

// mailbox is an unbounded FIFO with one reader. push never blocks, so the
// connection loop can always hand off a chunk. Bytes in flight are bounded by the
// stream's receive window since credit is only returned after pop.
type mailbox struct {
	mu     sync.Mutex
	queue  []chunk
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(c chunk) {
	m.mu.Lock()
	m.queue = append(m.queue, c)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop(ctx context.Context) (chunk, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			c := m.queue[0]
			m.queue[0] = chunk{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return c, true
		}
		m.mu.Unlock()
		select {
		case <-m.notify:
		case <-ctx.Done():
			return chunk{}, false
		}
	}
}

// requestContext buffers one server-side stream's body until end of stream.
type requestContext struct {
	req     *Request
	mailbox *mailbox
	ctx     context.Context
	cancel  context.CancelCauseFunc
	maxBody int64
	log     *logger.Logger

	// Owned by the consumer goroutine.
	tooLarge bool
}

func newRequestContext(parent context.Context, req *Request, maxBody int64, lg *logger.Logger) *requestContext {
	ctx, cancel := context.WithCancelCause(parent)
	return &requestContext{
		req:     req,
		mailbox: newMailbox(),
		ctx:     ctx,
		cancel:  cancel,
		maxBody: maxBody,
		log:     lg,
	}
}

func (rc *requestContext) pushData(data []byte) { rc.mailbox.push(chunk{data: data}) }

func (rc *requestContext) pushEnd() { rc.mailbox.push(chunk{end: true}) }

// abort discards the context; the consumer and any handler observe cause.
func (rc *requestContext) abort(cause error) { rc.cancel(cause) }

// consume runs on its own goroutine. It accumulates body chunks in arrival order,
// returns credit through ack, and calls onComplete exactly once. It keeps draining
// after completion so late chunks never back up, and exits when the context ends.
func (rc *requestContext) consume(ack func(n int), onComplete func(rc *requestContext)) {
	for {
		c, ok := rc.mailbox.pop(rc.ctx)
		if !ok {
			return
		}
		if len(c.data) > 0 {
			ack(len(c.data))
			switch {
			case rc.req.complete:
				rc.log.Warn("Discarding data received after end of stream", logger.LogFields{
					"conn_id": rc.req.ConnID, "stream_id": rc.req.StreamID, "bytes": len(c.data),
				})
			case rc.maxBody > 0 && int64(len(rc.req.Body)+len(c.data)) > rc.maxBody:
				rc.tooLarge = true
				rc.req.Body = nil
			case !rc.tooLarge:
				rc.req.Body = append(rc.req.Body, c.data...)
			}
		}
		if !c.end {
			continue
		}
		if rc.req.complete {
			rc.log.Warn("Ignoring duplicate end of stream", logger.LogFields{
				"conn_id": rc.req.ConnID, "stream_id": rc.req.StreamID, "error": ErrDuplicateResolution.Error(),
			})
			continue
		}
		rc.req.complete = true
		onComplete(rc)
	}
}
