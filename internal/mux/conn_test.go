package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xhttp2 "golang.org/x/net/http2"

	"example.com/didcommh2/v2/internal/http2"
	"example.com/didcommh2/v2/internal/logger"
)

func TestConn_RoundTrip(t *testing.T) {
	p := newConnPair(t, echoHandler(), Options{})

	resp, err := p.client.RoundTrip(testContext(t), post("/echo", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("hello"), resp.Body)
	assert.Equal(t, "application/octet-stream", resp.HeaderValue("content-type"))
	assert.Equal(t, "5", resp.HeaderValue("content-length"))
	assert.Equal(t, serverName, resp.HeaderValue("server"))
	assert.NotEmpty(t, resp.HeaderValue("date"))
}

func TestConn_RequestFields(t *testing.T) {
	got := make(chan *Request, 1)
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		got <- req
		return nil, nil
	})
	p := newConnPair(t, h, Options{})

	req := post("/inbound?c_i=abc", []byte("{}"))
	req.Header = []HeaderField{{Name: "Content-Type", Value: "application/json"}}
	resp, err := p.client.RoundTrip(testContext(t), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Empty(t, resp.Body)

	r := <-got
	assert.Equal(t, "POST", r.Method)
	assert.Equal(t, "/inbound", r.Path)
	assert.Equal(t, "abc", r.Query().Get("c_i"))
	assert.Equal(t, "test.local", r.Authority)
	assert.Equal(t, "application/json", r.HeaderValue("content-type"))
	assert.True(t, r.Complete())
	assert.Equal(t, p.server.ID(), r.ConnID)
}

func TestConn_ConcurrentStreamsKeepCorrelation(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		// Finish out of arrival order.
		time.Sleep(time.Duration(len(req.Body)%7) * time.Millisecond)
		return BytesEnvelope(200, "text/plain", req.Body), nil
	})
	p := newConnPair(t, h, Options{})
	ctx := testContext(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf("message-%d-%s", i, strings.Repeat("x", i)))
			resp, err := p.client.RoundTrip(ctx, post("/echo", body))
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(body, resp.Body) {
				errs <- fmt.Errorf("stream %d got %q", i, resp.Body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, p.table.Len())
	assert.Eventually(t, func() bool { return openStreams(t, p.server) == 0 }, time.Second, 10*time.Millisecond)
}

func TestConn_LargeBodyAcrossFlowControlWindows(t *testing.T) {
	p := newConnPair(t, echoHandler(), Options{})
	body := bytes.Repeat([]byte("0123456789"), 25000)

	resp, err := p.client.RoundTrip(testContext(t), post("/echo", body))
	require.NoError(t, err)
	assert.Equal(t, len(body), len(resp.Body))
	assert.True(t, bytes.Equal(body, resp.Body))
}

func TestConn_StreamingResponse(t *testing.T) {
	payload := strings.Repeat("abcdefgh", 10000)
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{
			Status: 200,
			Header: []HeaderField{{Name: "content-type", Value: "text/plain"}},
			Body:   []byte("head:"),
			Stream: strings.NewReader(payload),
		}, nil
	})
	p := newConnPair(t, h, Options{})

	resp, err := p.client.RoundTrip(testContext(t), post("/stream", nil))
	require.NoError(t, err)
	assert.Equal(t, "head:"+payload, string(resp.Body))
	assert.Empty(t, resp.HeaderValue("content-length"))
}

func TestConn_HandlerPanicIsolatedToStream(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		if req.Path == "/panic" {
			panic("boom")
		}
		return TextEnvelope(200, "text/plain", "fine"), nil
	})
	p := newConnPair(t, h, Options{})
	ctx := testContext(t)

	resp, err := p.client.RoundTrip(ctx, post("/panic", nil))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)

	resp, err = p.client.RoundTrip(ctx, post("/ok", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "fine", string(resp.Body))
	assert.False(t, p.server.Closed())
}

func TestConn_HandlerErrorBecomes500(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		return nil, errors.New("database unavailable")
	})
	p := newConnPair(t, h, Options{})

	resp, err := p.client.RoundTrip(testContext(t), post("/", nil))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
	assert.Contains(t, resp.HeaderValue("content-type"), "application/json")
	assert.Contains(t, string(resp.Body), "database unavailable")
}

func TestConn_MaxMessageSize(t *testing.T) {
	called := false
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		called = true
		return nil, nil
	})
	p := newConnPair(t, h, Options{MaxMessageSize: 10})

	resp, err := p.client.RoundTrip(testContext(t), post("/", []byte("this body is too long")))
	require.NoError(t, err)
	assert.Equal(t, 413, resp.Status)
	assert.False(t, called)
}

func TestConn_AbruptLossFailsWaitersWithTransportBroken(t *testing.T) {
	started := make(chan struct{})
	handlerCanceled := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		close(started)
		<-ctx.Done()
		close(handlerCanceled)
		return nil, ctx.Err()
	})
	p := newConnPair(t, h, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := p.client.RoundTrip(testContext(t), post("/slow", []byte("x")))
		errc <- err
	}()
	<-started
	require.NoError(t, p.serverRaw.Close())

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransportBroken)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not failed")
	}
	<-p.client.Done()
	assert.ErrorIs(t, p.client.Err(), ErrTransportBroken)
	assert.Equal(t, 0, p.table.Len())

	select {
	case <-handlerCanceled:
	case <-time.After(3 * time.Second):
		t.Fatal("handler context was not canceled")
	}
	<-p.server.Done()
}

func TestConn_CloseFailsWaitersWithTransportClosed(t *testing.T) {
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		close(started)
		<-ctx.Done()
		return nil, nil
	})
	p := newConnPair(t, h, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := p.client.RoundTrip(testContext(t), post("/slow", nil))
		errc <- err
	}()
	<-started
	require.NoError(t, p.client.Close())

	err := <-errc
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.NotErrorIs(t, err, ErrTransportBroken)

	_, err = p.client.RoundTrip(testContext(t), post("/", nil))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestConn_ShutdownDrainsInFlightStreams(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		close(started)
		<-release
		return TextEnvelope(200, "text/plain", "done"), nil
	})
	p := newConnPair(t, h, Options{})
	ctx := testContext(t)

	type result struct {
		resp *Response
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		resp, err := p.client.RoundTrip(ctx, post("/slow", nil))
		resc <- result{resp, err}
	}()
	<-started

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- p.server.Shutdown(ctx) }()

	// The client learns about the GOAWAY and stops opening streams.
	assert.Eventually(t, func() bool {
		_, err := p.client.RoundTrip(ctx, post("/", nil))
		return errors.Is(err, ErrTransportClosed)
	}, 2*time.Second, 20*time.Millisecond)

	close(release)
	r := <-resc
	require.NoError(t, r.err)
	assert.Equal(t, "done", string(r.resp.Body))
	require.NoError(t, <-shutdownErr)
	<-p.client.Done()
	assert.ErrorIs(t, p.client.Err(), ErrTransportClosed)
}

func TestConn_CallerCancelResetsStream(t *testing.T) {
	started := make(chan struct{})
	handlerCanceled := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
		close(started)
		<-ctx.Done()
		close(handlerCanceled)
		return nil, nil
	})
	p := newConnPair(t, h, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.client.RoundTrip(ctx, post("/slow", nil))
		errc <- err
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, p.table.Len())
	select {
	case <-handlerCanceled:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not observe the reset")
	}
	assert.Eventually(t, func() bool { return openStreams(t, p.server) == 0 }, time.Second, 10*time.Millisecond)
	assert.False(t, p.client.Closed())
}

func TestConn_NoStateLeftAfterManyExchanges(t *testing.T) {
	p := newConnPair(t, echoHandler(), Options{})
	ctx := testContext(t)

	for i := 0; i < 50; i++ {
		_, err := p.client.RoundTrip(ctx, post("/echo", []byte("ping")))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, p.table.Len())
	assert.Eventually(t, func() bool { return openStreams(t, p.server) == 0 }, time.Second, 10*time.Millisecond)

	var clientResponses int
	require.NoError(t, p.client.execute(ctx, func() error {
		clientResponses = len(p.client.responses)
		return nil
	}))
	assert.Equal(t, 0, clientResponses)
}

func TestConn_OnCloseRunsAfterTeardown(t *testing.T) {
	p := newConnPair(t, echoHandler(), Options{})
	closed := make(chan *Conn, 2)
	p.client.OnClose(func(c *Conn) { closed <- c })

	p.client.Close()
	assert.Same(t, p.client, <-closed)

	// Registered late: runs immediately.
	p.client.OnClose(func(c *Conn) { closed <- c })
	assert.Same(t, p.client, <-closed)
}

func TestConn_ProtocolViolationBreaksPooledConnection(t *testing.T) {
	table := NewCorrelationTable(nil)
	var peer net.Conn
	factory := func(ctx context.Context, dest Destination) (*Conn, error) {
		clientRaw, peerRaw := net.Pipe()
		peer = peerRaw
		c := NewClientConn(clientRaw, table, Options{Logger: logger.NewDiscardLogger()})
		c.Start()
		return c, nil
	}
	pool := NewPool(factory, logger.NewDiscardLogger(), nil)
	t.Cleanup(pool.Shutdown)

	conn, err := pool.GetOrCreate(testContext(t), Destination{Scheme: "http", Host: "peer.example", Port: 80})
	require.NoError(t, err)
	defer peer.Close()
	go io.Copy(io.Discard, peer)

	errc := make(chan error, 1)
	go func() {
		_, err := conn.RoundTrip(testContext(t), post("/inbox", []byte("x")))
		errc <- err
	}()
	require.Eventually(t, func() bool { return table.Len() == 1 }, time.Second, 5*time.Millisecond)

	fr := xhttp2.NewFramer(peer, nil)
	fr.AllowIllegalWrites = true
	require.NoError(t, fr.WriteSettings())
	require.NoError(t, fr.WriteData(0, false, []byte("x")), "DATA is never valid on stream 0")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTransportBroken)
		var ce *http2.ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, http2.ErrCodeProtocolError, ce.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not failed")
	}
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), ErrTransportBroken)
	assert.Equal(t, 0, table.Len())
	assert.Eventually(t, func() bool { return pool.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConn_CloseBeforeStart(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	c := NewClientConn(clientRaw, NewCorrelationTable(nil), Options{Logger: logger.NewDiscardLogger()})
	var hooked bool
	c.OnClose(func(*Conn) { hooked = true })

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on a connection that was never started")
	}
	assert.True(t, hooked)
	assert.ErrorIs(t, c.Err(), ErrTransportClosed)

	c.Start()
	_, err := c.RoundTrip(testContext(t), post("/", nil))
	assert.ErrorIs(t, err, ErrTransportClosed)

	_, err = serverRaw.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "the socket is released")
}
