package mux

import (
	"context"
	"fmt"
	"sync"

	"example.com/didcommh2/v2/internal/metrics"
)

type waiterKey struct {
	connID   string
	streamID uint32
}

// PendingWaiter is the one-shot completion handle for an outbound request.
type PendingWaiter struct {
	done chan struct{}
	once sync.Once
	resp *Response
	err  error
}

func newPendingWaiter() *PendingWaiter {
	return &PendingWaiter{done: make(chan struct{})}
}

func (w *PendingWaiter) settle(resp *Response, err error) bool {
	settled := false
	w.once.Do(func() {
		w.resp, w.err = resp, err
		close(w.done)
		settled = true
	})
	return settled
}

// Done is closed once the waiter has been resolved or failed.
func (w *PendingWaiter) Done() <-chan struct{} { return w.done }

// Wait blocks until the waiter settles or ctx ends.
func (w *PendingWaiter) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-w.done:
		return w.resp, w.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// CorrelationTable maps (connection, stream) to the waiter of an outbound request.
// Settling a waiter removes its entry, so every waiter settles at most once.
type CorrelationTable struct {
	mu      sync.Mutex
	waiters map[waiterKey]*PendingWaiter
	metrics *metrics.Metrics
}

// NewCorrelationTable creates an empty table. m may be nil.
func NewCorrelationTable(m *metrics.Metrics) *CorrelationTable {
	return &CorrelationTable{waiters: make(map[waiterKey]*PendingWaiter), metrics: m}
}

// Register creates the waiter for a freshly opened stream.
func (t *CorrelationTable) Register(connID string, streamID uint32) (*PendingWaiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := waiterKey{connID, streamID}
	if _, ok := t.waiters[k]; ok {
		return nil, fmt.Errorf("waiter already registered for stream %d on conn %s", streamID, connID)
	}
	w := newPendingWaiter()
	t.waiters[k] = w
	t.metrics.SetPendingWaiters(len(t.waiters))
	return w, nil
}

func (t *CorrelationTable) take(connID string, streamID uint32) *PendingWaiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := waiterKey{connID, streamID}
	w, ok := t.waiters[k]
	if !ok {
		return nil
	}
	delete(t.waiters, k)
	t.metrics.SetPendingWaiters(len(t.waiters))
	return w
}

// Resolve completes the waiter with resp. It returns false when no waiter is
// pending, which callers treat as a duplicate resolution.
func (t *CorrelationTable) Resolve(connID string, streamID uint32, resp *Response) bool {
	w := t.take(connID, streamID)
	return w != nil && w.settle(resp, nil)
}

// Fail completes the waiter with err.
func (t *CorrelationTable) Fail(connID string, streamID uint32, err error) bool {
	w := t.take(connID, streamID)
	return w != nil && w.settle(nil, err)
}

// Remove drops a waiter without settling it. Used when the caller gave up.
func (t *CorrelationTable) Remove(connID string, streamID uint32) {
	t.take(connID, streamID)
}

// FailConn fails every waiter of connID and returns how many there were.
func (t *CorrelationTable) FailConn(connID string, err error) int {
	t.mu.Lock()
	var failed []*PendingWaiter
	for k, w := range t.waiters {
		if k.connID == connID {
			failed = append(failed, w)
			delete(t.waiters, k)
		}
	}
	t.metrics.SetPendingWaiters(len(t.waiters))
	t.mu.Unlock()

	for _, w := range failed {
		w.settle(nil, err)
	}
	return len(failed)
}

// FailAbove fails the waiters of connID whose stream id exceeds lastStreamID.
func (t *CorrelationTable) FailAbove(connID string, lastStreamID uint32, err error) int {
	t.mu.Lock()
	var failed []*PendingWaiter
	for k, w := range t.waiters {
		if k.connID == connID && k.streamID > lastStreamID {
			failed = append(failed, w)
			delete(t.waiters, k)
		}
	}
	t.metrics.SetPendingWaiters(len(t.waiters))
	t.mu.Unlock()

	for _, w := range failed {
		w.settle(nil, err)
	}
	return len(failed)
}

// Len returns the number of pending waiters.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// LenConn returns the number of pending waiters on connID.
func (t *CorrelationTable) LenConn(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.waiters {
		if k.connID == connID {
			n++
		}
	}
	return n
}
