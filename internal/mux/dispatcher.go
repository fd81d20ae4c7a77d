package mux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/metrics"
)

// Dispatcher runs the handler for each complete request on its own goroutine and
// emits whatever it returns. A handler panic becomes a 500 on that stream only.
type Dispatcher struct {
	handler Handler
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher for h. lg and m may be nil.
func NewDispatcher(h Handler, lg *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{handler: h, log: lg, metrics: m}
}

// Dispatch hands req to the handler without blocking the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, em *Emitter) {
	go func() {
		start := time.Now()
		d.respond(ctx, req, d.invoke(ctx, req), em, start)
	}()
}

// Reject emits env for req without consulting the handler.
func (d *Dispatcher) Reject(ctx context.Context, req *Request, env *ResponseEnvelope, em *Emitter) {
	go func() {
		d.respond(ctx, req, env, em, time.Now())
	}()
}

func (d *Dispatcher) invoke(ctx context.Context, req *Request) (env *ResponseEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Panic in stream handler goroutine", logger.LogFields{
				"stream_id": req.StreamID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			env = NewErrorEnvelope(http.StatusInternalServerError, req.HeaderValue("accept"), "handler panicked")
		}
	}()
	env, err := d.handler.ServeStream(ctx, req)
	if err != nil {
		d.log.Error("Stream handler failed", logger.LogFields{
			"stream_id": req.StreamID, "path": req.Path, "error": err.Error(),
		})
		return NewErrorEnvelope(http.StatusInternalServerError, req.HeaderValue("accept"), err.Error())
	}
	if env == nil {
		return EmptyEnvelope(http.StatusOK)
	}
	return env
}

func (d *Dispatcher) respond(ctx context.Context, req *Request, env *ResponseEnvelope, em *Emitter, start time.Time) {
	status := env.Status
	if status == 0 {
		status = http.StatusOK
	}
	err := em.Emit(ctx, req.StreamID, env)
	switch {
	case errors.Is(err, ErrStreamCanceled):
		d.log.Debug("Response abandoned", logger.LogFields{"stream_id": req.StreamID, "reason": err.Error()})
		return
	case err != nil:
		d.log.Error("Failed to emit response", logger.LogFields{"stream_id": req.StreamID, "error": err.Error()})
		return
	}
	elapsed := time.Since(start)
	d.log.Access(logger.AccessEntry{
		ConnID:        req.ConnID,
		StreamID:      req.StreamID,
		RemoteAddr:    req.RemoteAddr,
		Method:        req.Method,
		Path:          req.Path,
		UserAgent:     req.HeaderValue("user-agent"),
		Status:        status,
		ResponseBytes: int64(len(env.Body)),
		Duration:      elapsed,
	})
	d.metrics.ExchangeCompleted(req.Method, status, elapsed)
}
