package mux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/didcommh2/v2/internal/logger"
)

type connPair struct {
	server    *Conn
	client    *Conn
	table     *CorrelationTable
	serverRaw net.Conn
	clientRaw net.Conn
}

func newConnPair(t *testing.T, h Handler, opts Options) *connPair {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscardLogger()
	}
	serverRaw, clientRaw := net.Pipe()
	p := &connPair{
		table:     NewCorrelationTable(nil),
		serverRaw: serverRaw,
		clientRaw: clientRaw,
	}
	p.server = NewServerConn(serverRaw, h, opts)
	p.client = NewClientConn(clientRaw, p.table, Options{Logger: opts.Logger})
	p.server.Start()
	p.client.Start()
	t.Cleanup(func() {
		p.client.Close()
		p.server.Close()
	})
	return p
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		return BytesEnvelope(200, "application/octet-stream", req.Body), nil
	})
}

func post(path string, body []byte) *OutboundRequest {
	return &OutboundRequest{
		Method:    "POST",
		Scheme:    "http",
		Authority: "test.local",
		Path:      path,
		Body:      body,
	}
}

// openStreams reads the number of tracked server streams on the run goroutine.
func openStreams(t *testing.T, c *Conn) int {
	t.Helper()
	var n int
	err := c.execute(context.Background(), func() error {
		n = len(c.contexts)
		return nil
	})
	require.NoError(t, err)
	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
