package mux

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/metrics"
)

var errPoolClosed = newTransportError(ErrTransportClosed, "", errors.New("connection pool shut down"))

// Destination identifies the peer an outbound connection is pooled under.
type Destination struct {
	Scheme string
	Host   string
	Port   int
}

// Key is host:port, the pool's lookup key.
func (d Destination) Key() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// ConnFactory dials and starts a client connection to dest.
type ConnFactory func(ctx context.Context, dest Destination) (*Conn, error)

// Pool keeps at most one live client connection per destination. Concurrent
// requests for a missing destination share a single dial. A connection that is
// draining after GOAWAY is dropped from the pool and left to finish on its own.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	closed  bool
	group   singleflight.Group
	factory ConnFactory
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewPool creates an empty pool dialing through factory.
func NewPool(factory ConnFactory, lg *logger.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		conns:   make(map[string]*Conn),
		factory: factory,
		log:     lg,
		metrics: m,
	}
}

func (p *Pool) lookup(key string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	c, ok := p.conns[key]
	if ok && (c.Closed() || c.Draining()) {
		delete(p.conns, key)
		p.metrics.SetPooledConnections(len(p.conns))
		return nil, false
	}
	return c, ok
}

// GetOrCreate returns the live connection for dest, dialing one if needed.
func (p *Pool) GetOrCreate(ctx context.Context, dest Destination) (*Conn, error) {
	key := dest.Key()
	if c, ok := p.lookup(key); ok {
		return c, nil
	}
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if c, ok := p.lookup(key); ok {
			return c, nil
		}
		if p.isClosed() {
			return nil, errPoolClosed
		}
		// The dial outlives any single caller; it is shared by everyone waiting on key.
		c, err := p.factory(context.WithoutCancel(ctx), dest)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			c.Close()
			return nil, errPoolClosed
		}
		p.conns[key] = c
		p.metrics.SetPooledConnections(len(p.conns))
		p.mu.Unlock()
		c.OnClose(func(closed *Conn) { p.remove(key, closed) })
		p.log.Debug("Pooled new connection", logger.LogFields{"destination": key, "conn_id": c.ID()})
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) remove(key string, c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[key]; ok && cur == c {
		delete(p.conns, key)
		p.metrics.SetPooledConnections(len(p.conns))
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Shutdown closes every pooled connection. Their waiters fail with
// ErrTransportClosed and later GetOrCreate calls are refused.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	clear(p.conns)
	p.metrics.SetPooledConnections(0)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
