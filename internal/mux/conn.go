package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"example.com/didcommh2/v2/internal/http2"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/metrics"
)

const (
	readBufferSize     = 32 * 1024
	readQueueSize      = 16
	writeQueueSize     = 64
	writerDrainTimeout = time.Second
)

// Options configure a Conn. The zero value is usable.
type Options struct {
	Settings http2.Settings
	// MaxMessageSize bounds an inbound request body. Zero means unlimited.
	MaxMessageSize int64
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
}

// Conn owns one HTTP/2 connection: the socket, the protocol engine and the streams
// multiplexed on it. A single run goroutine drives the engine; everything else talks
// to it through commands, so engine state is never shared.
type Conn struct {
	id      string
	role    string
	nc      net.Conn
	engine  *http2.Engine
	log     *logger.Logger
	metrics *metrics.Metrics
	maxBody int64

	// Server role.
	dispatcher *Dispatcher
	emitter    *Emitter
	contexts   map[uint32]*requestContext

	// Client role.
	table     *CorrelationTable
	responses map[uint32]*Response
	parked    []*pendingOpen

	draining  bool
	goingAway atomic.Bool

	cmds       chan func()
	readCh     chan []byte
	readErr    error
	writeCh    chan []byte
	writeErr   error
	writerDone chan struct{}

	startOnce  sync.Once
	started    bool
	closeOnce  sync.Once
	closeCause error
	closing    chan struct{}
	done       chan struct{}
	err        error

	ctx    context.Context
	cancel context.CancelCauseFunc

	hooksMu sync.Mutex
	hooks   []func(*Conn)
}

func newConn(nc net.Conn, role string, isClient bool, opts Options) *Conn {
	settings := opts.Settings
	if settings == (http2.Settings{}) {
		settings = http2.DefaultSettings()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Conn{
		id:         uuid.NewString(),
		role:       role,
		nc:         nc,
		engine:     http2.NewEngine(isClient, settings),
		metrics:    opts.Metrics,
		maxBody:    opts.MaxMessageSize,
		cmds:       make(chan func()),
		readCh:     make(chan []byte, readQueueSize),
		writeCh:    make(chan []byte, writeQueueSize),
		writerDone: make(chan struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.log = opts.Logger.With(logger.LogFields{
		"conn_id":     c.id,
		"role":        role,
		"remote_addr": remoteAddr(nc),
	})
	return c
}

// NewServerConn wraps an accepted connection. Complete requests are handed to h.
func NewServerConn(nc net.Conn, h Handler, opts Options) *Conn {
	c := newConn(nc, metrics.RoleServer, false, opts)
	c.contexts = make(map[uint32]*requestContext)
	c.dispatcher = NewDispatcher(h, c.log, opts.Metrics)
	c.emitter = &Emitter{conn: c, chunkSize: defaultChunkSize}
	return c
}

// NewClientConn wraps a dialed connection. Outbound requests register their waiters
// in table.
func NewClientConn(nc net.Conn, table *CorrelationTable, opts Options) *Conn {
	c := newConn(nc, metrics.RoleClient, true, opts)
	c.table = table
	c.responses = make(map[uint32]*Response)
	return c
}

func remoteAddr(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// ID is the connection's unique id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr is the peer address.
func (c *Conn) RemoteAddr() string { return remoteAddr(c.nc) }

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Draining reports whether GOAWAY was sent or received. A draining connection
// finishes its streams but accepts no new ones.
func (c *Conn) Draining() bool { return c.goingAway.Load() }

// Err returns the teardown cause, a *TransportError, or nil while the connection
// is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// OnClose registers fn to run after teardown. It runs immediately when the
// connection is already closed.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.hooksMu.Lock()
	if !c.Closed() {
		c.hooks = append(c.hooks, fn)
		c.hooksMu.Unlock()
		return
	}
	c.hooksMu.Unlock()
	fn(c)
}

// Start launches the reader, writer and run goroutines.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.started = true
		c.metrics.ConnectionOpened(c.role)
		c.log.Debug("Connection started")
		go c.readLoop()
		go c.writeLoop()
		go c.run()
	})
}

// Close tears the connection down and fails whatever is still in flight with
// ErrTransportClosed. It blocks until teardown finished. Closing a connection
// that was never started releases the socket and runs the OnClose hooks.
func (c *Conn) Close() error {
	cause := newTransportError(ErrTransportClosed, c.id, nil)
	c.requestClose(cause)
	c.startOnce.Do(func() {
		close(c.writerDone)
		c.teardown(cause)
	})
	<-c.done
	return nil
}

// Shutdown sends GOAWAY and waits for in-flight streams to finish. When ctx ends
// first the connection is closed anyway.
func (c *Conn) Shutdown(ctx context.Context) error {
	err := c.submit(ctx, func() {
		c.startDraining()
		c.engine.GoAway(http2.ErrCodeNoError, "shutdown")
	})
	if err != nil {
		if c.Closed() {
			return nil
		}
		c.Close()
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// startDraining stops new streams. Requests still waiting for a stream slot fail
// with ErrTransportClosed.
func (c *Conn) startDraining() {
	c.draining = true
	c.goingAway.Store(true)
	c.failParked(newTransportError(ErrTransportClosed, c.id, errDraining))
}

func (c *Conn) requestClose(cause error) {
	c.closeOnce.Do(func() {
		c.closeCause = cause
		close(c.closing)
	})
}

// submit hands fn to the run goroutine. fn runs there before the next event.
func (c *Conn) submit(ctx context.Context, fn func()) error {
	select {
	case c.cmds <- fn:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// execute runs fn on the run goroutine and returns its result.
func (c *Conn) execute(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := c.submit(ctx, func() { errc <- fn() }); err != nil {
		return err
	}
	return <-errc
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return newTransportError(ErrTransportClosed, c.id, nil)
}

func (c *Conn) readLoop() {
	defer close(c.readCh)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case c.readCh <- data:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for data := range c.writeCh {
		if _, err := c.nc.Write(data); err != nil {
			c.writeErr = err
			c.nc.Close()
			return
		}
	}
}

func (c *Conn) run() {
	c.engine.InitiateConnection()
	var cause error
	if !c.flush() {
		cause = c.writeFailure()
	}
	for cause == nil {
		select {
		case data, ok := <-c.readCh:
			if !ok {
				cause = c.readFailure()
				break
			}
			events, err := c.engine.Receive(data)
			for _, ev := range events {
				c.handleEvent(ev)
			}
			if err != nil {
				cause = newTransportError(ErrTransportBroken, c.id, err)
			}
		case fn := <-c.cmds:
			fn()
		case <-c.closing:
			cause = c.closeCause
		}
		if cause == nil {
			c.openParked()
			cause = c.drained()
		}
		if !c.flush() && cause == nil {
			cause = c.writeFailure()
		}
	}
	c.teardown(cause)
}

// flush hands the engine's pending output to the writer.
func (c *Conn) flush() bool {
	data := c.engine.DataToSend()
	if len(data) == 0 {
		return true
	}
	select {
	case c.writeCh <- data:
		return true
	case <-c.writerDone:
		return false
	case <-c.closing:
		return true
	}
}

func (c *Conn) readFailure() error {
	err := c.readErr
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	if c.draining || c.engine.GoAwayReceived() {
		return newTransportError(ErrTransportClosed, c.id, err)
	}
	return newTransportError(ErrTransportBroken, c.id, fmt.Errorf("connection lost: %w", err))
}

func (c *Conn) writeFailure() error {
	<-c.writerDone
	return newTransportError(ErrTransportBroken, c.id, fmt.Errorf("write failed: %w", c.writeErr))
}

// drained ends a draining connection once nothing is in flight.
func (c *Conn) drained() error {
	if !c.draining || len(c.contexts) > 0 || len(c.responses) > 0 || c.engine.OpenStreams() > 0 {
		return nil
	}
	if c.table != nil && c.table.LenConn(c.id) > 0 {
		return nil
	}
	return newTransportError(ErrTransportClosed, c.id, errors.New("drained after GOAWAY"))
}

func (c *Conn) teardown(cause error) {
	code := http2.ErrCodeNoError
	if errors.Is(cause, ErrTransportBroken) {
		code = http2.ErrCodeInternalError
		var ce *http2.ConnectionError
		if errors.As(cause, &ce) {
			code = ce.Code
		}
	}
	c.engine.Close(code, "")
	if data := c.engine.DataToSend(); len(data) > 0 {
		select {
		case c.writeCh <- data:
		default:
		}
	}
	close(c.writeCh)
	select {
	case <-c.writerDone:
	case <-time.After(writerDrainTimeout):
	}
	c.nc.Close()

	c.err = cause
	c.cancel(cause)
	for id, rc := range c.contexts {
		rc.abort(cause)
		delete(c.contexts, id)
	}
	failed := 0
	if c.table != nil {
		c.failParked(cause)
		failed = c.table.FailConn(c.id, cause)
		clear(c.responses)
	}

	c.hooksMu.Lock()
	close(c.done)
	hooks := c.hooks
	c.hooks = nil
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(c)
	}

	label := "closed"
	if errors.Is(cause, ErrTransportBroken) {
		label = "broken"
		c.log.Warn("Connection broken", logger.LogFields{"error": cause.Error(), "failed_waiters": failed})
	} else {
		c.log.Debug("Connection closed", logger.LogFields{"reason": cause.Error(), "failed_waiters": failed})
	}
	if c.started {
		c.metrics.ConnectionClosed(c.role, label)
	}
}

func (c *Conn) handleEvent(ev http2.Event) {
	if c.table != nil {
		c.handleClientEvent(ev)
		return
	}
	c.handleServerEvent(ev)
}

func (c *Conn) handleServerEvent(ev http2.Event) {
	switch ev.Kind {
	case http2.EventStreamOpened:
		req, err := newRequest(c.id, ev.StreamID, c.RemoteAddr(), ev.Headers)
		if err != nil {
			c.log.Warn("Rejecting malformed request headers", logger.LogFields{"stream_id": ev.StreamID, "error": err.Error()})
			c.engine.ResetStream(ev.StreamID, http2.ErrCodeProtocolError)
			return
		}
		rc := newRequestContext(c.ctx, req, c.maxBody, c.log)
		c.contexts[ev.StreamID] = rc
		id := ev.StreamID
		go rc.consume(func(n int) {
			_ = c.submit(rc.ctx, func() { c.engine.AcknowledgeData(id, n) })
		}, c.onRequestComplete)
	case http2.EventHeaders:
		c.log.Debug("Ignoring request trailers", logger.LogFields{"stream_id": ev.StreamID})
	case http2.EventData:
		rc := c.contexts[ev.StreamID]
		if rc == nil {
			c.engine.AcknowledgeData(ev.StreamID, len(ev.Data))
			return
		}
		rc.pushData(ev.Data)
	case http2.EventStreamEnded:
		if rc := c.contexts[ev.StreamID]; rc != nil {
			rc.pushEnd()
		}
	case http2.EventStreamReset:
		if rc := c.contexts[ev.StreamID]; rc != nil {
			rc.abort(fmt.Errorf("%w: %v", ErrStreamReset, ev.Code))
			delete(c.contexts, ev.StreamID)
		}
	case http2.EventConnectionClosed:
		c.startDraining()
		c.log.Debug("Peer sent GOAWAY", logger.LogFields{"code": ev.Code.String()})
	}
}

func (c *Conn) onRequestComplete(rc *requestContext) {
	c.metrics.MessageReceived()
	if rc.tooLarge {
		c.dispatcher.Reject(rc.ctx, rc.req, NewErrorEnvelope(413, rc.req.HeaderValue("accept"),
			fmt.Sprintf("request body exceeds %s", humanize.IBytes(uint64(c.maxBody)))), c.emitter)
		return
	}
	c.dispatcher.Dispatch(rc.ctx, rc.req, c.emitter)
}

// finishStream forgets a server stream once its response is written or abandoned.
// Runs on the run goroutine.
func (c *Conn) finishStream(id uint32) {
	if rc := c.contexts[id]; rc != nil {
		delete(c.contexts, id)
		rc.abort(context.Canceled)
	}
}

func (c *Conn) handleClientEvent(ev http2.Event) {
	switch ev.Kind {
	case http2.EventHeaders:
		resp := c.responses[ev.StreamID]
		if resp == nil {
			return
		}
		if resp.Status != 0 {
			resp.Trailer = append(resp.Trailer, fromHpack(ev.Headers)...)
			return
		}
		status, err := strconv.Atoi(ev.PseudoValue("status"))
		if err != nil {
			c.engine.ResetStream(ev.StreamID, http2.ErrCodeProtocolError)
			delete(c.responses, ev.StreamID)
			c.table.Fail(c.id, ev.StreamID, fmt.Errorf("malformed :status in response: %w", err))
			return
		}
		if status >= 100 && status < 200 {
			return
		}
		resp.Status = status
		resp.Header = fromHpack(ev.Headers)
	case http2.EventData:
		c.engine.AcknowledgeData(ev.StreamID, len(ev.Data))
		if resp := c.responses[ev.StreamID]; resp != nil {
			resp.Body = append(resp.Body, ev.Data...)
		}
	case http2.EventStreamEnded:
		resp := c.responses[ev.StreamID]
		delete(c.responses, ev.StreamID)
		if resp != nil && resp.Status == 0 {
			c.table.Fail(c.id, ev.StreamID, errors.New("response ended before headers"))
			return
		}
		if !c.table.Resolve(c.id, ev.StreamID, resp) {
			c.log.Debug("No waiter for completed stream", logger.LogFields{
				"stream_id": ev.StreamID, "error": ErrDuplicateResolution.Error(),
			})
		}
	case http2.EventStreamReset:
		delete(c.responses, ev.StreamID)
		c.table.Fail(c.id, ev.StreamID, fmt.Errorf("%w: %v", ErrStreamReset, ev.Code))
	case http2.EventConnectionClosed:
		c.startDraining()
		cause := newTransportError(ErrTransportClosed, c.id, http2.ErrGoAwayReceived)
		for id := range c.responses {
			if id > ev.LastStreamID {
				delete(c.responses, id)
			}
		}
		n := c.table.FailAbove(c.id, ev.LastStreamID, cause)
		c.log.Debug("Peer sent GOAWAY", logger.LogFields{
			"code": ev.Code.String(), "last_stream_id": ev.LastStreamID, "failed_waiters": n,
		})
	}
}

// pendingOpen is a RoundTrip waiting on the run goroutine for a stream. ready
// receives exactly one result.
type pendingOpen struct {
	req   *OutboundRequest
	ready chan openResult
}

type openResult struct {
	waiter *PendingWaiter
	id     uint32
	err    error
}

// RoundTrip sends req on a new stream and waits for the complete response. While
// the peer's MAX_CONCURRENT_STREAMS is reached the request queues in FIFO order
// until a stream closes. When ctx ends first the waiter is dropped and the stream
// is reset in the background.
func (c *Conn) RoundTrip(ctx context.Context, req *OutboundRequest) (*Response, error) {
	if c.table == nil {
		return nil, errors.New("mux: RoundTrip on a server connection")
	}
	po := &pendingOpen{req: req, ready: make(chan openResult, 1)}
	if err := c.submit(ctx, func() { c.openOrPark(po) }); err != nil {
		return nil, err
	}
	var res openResult
	select {
	case res = <-po.ready:
	case <-ctx.Done():
		go c.withdraw(po)
		return nil, context.Cause(ctx)
	}
	if res.err != nil {
		return nil, res.err
	}
	resp, err := res.waiter.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		c.table.Remove(c.id, res.id)
		go c.abandon(res.id)
	}
	return resp, err
}

func (c *Conn) openOrPark(po *pendingOpen) {
	if c.draining {
		po.ready <- openResult{err: newTransportError(ErrTransportClosed, c.id, http2.ErrGoAwayReceived)}
		return
	}
	if len(c.parked) == 0 {
		if res, ok := c.tryOpen(po.req); ok {
			po.ready <- res
			return
		}
	}
	c.parked = append(c.parked, po)
}

// openParked starts queued requests while the peer allows more streams.
func (c *Conn) openParked() {
	for len(c.parked) > 0 {
		po := c.parked[0]
		c.parked[0] = nil
		c.parked = c.parked[1:]
		res, ok := c.tryOpen(po.req)
		if !ok {
			c.parked = append([]*pendingOpen{po}, c.parked...)
			return
		}
		po.ready <- res
	}
}

func (c *Conn) failParked(err error) {
	for _, po := range c.parked {
		po.ready <- openResult{err: err}
	}
	c.parked = nil
}

// tryOpen opens a stream for req and sends it. It reports false when the peer's
// stream limit is reached.
func (c *Conn) tryOpen(req *OutboundRequest) (openResult, bool) {
	sid, err := c.engine.OpenStream()
	switch {
	case errors.Is(err, http2.ErrStreamLimit):
		return openResult{}, false
	case errors.Is(err, http2.ErrStreamIDsExhausted):
		c.log.Info("Stream identifiers exhausted, draining connection")
		c.startDraining()
		c.engine.GoAway(http2.ErrCodeNoError, "stream ids exhausted")
		return openResult{err: newTransportError(ErrTransportClosed, c.id, err)}, true
	case err != nil:
		return openResult{err: err}, true
	}
	w, err := c.table.Register(c.id, sid)
	if err != nil {
		c.engine.ResetStream(sid, http2.ErrCodeInternalError)
		return openResult{err: err}, true
	}
	c.responses[sid] = &Response{}
	hasBody := len(req.Body) > 0
	err = c.engine.SendHeaders(sid, req.headerFields(), !hasBody)
	if err == nil && hasBody {
		err = c.engine.SendData(sid, req.Body, true)
	}
	if err != nil {
		c.engine.ResetStream(sid, http2.ErrCodeInternalError)
		delete(c.responses, sid)
		c.table.Remove(c.id, sid)
		return openResult{err: err}, true
	}
	return openResult{waiter: w, id: sid}, true
}

// withdraw drops a request whose caller gave up. It is either still queued or
// already has a stream, which is then reset.
func (c *Conn) withdraw(po *pendingOpen) {
	_ = c.submit(context.Background(), func() {
		if i := slices.Index(c.parked, po); i >= 0 {
			c.parked = slices.Delete(c.parked, i, i+1)
			return
		}
		select {
		case res := <-po.ready:
			if res.err == nil {
				c.table.Remove(c.id, res.id)
				if _, ok := c.responses[res.id]; ok {
					delete(c.responses, res.id)
					c.engine.ResetStream(res.id, http2.ErrCodeCancel)
				}
			}
		default:
		}
	})
}

func (c *Conn) abandon(id uint32) {
	_ = c.submit(context.Background(), func() {
		if _, ok := c.responses[id]; ok {
			delete(c.responses, id)
			c.engine.ResetStream(id, http2.ErrCodeCancel)
		}
	})
}
