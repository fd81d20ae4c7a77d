package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/didcommh2/v2/internal/config"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/mux"
	"example.com/didcommh2/v2/internal/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	host, port := "127.0.0.1", 0
	cfg.Server.Host = &host
	cfg.Server.Port = &port
	return cfg
}

var echo = mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.ResponseEnvelope, error) {
	return mux.BytesEnvelope(200, "application/octet-stream", req.Body), nil
})

func startServer(t *testing.T, cfg *config.Config, h mux.Handler) *Server {
	t.Helper()
	s, err := NewServer(cfg, logger.NewDiscardLogger(), h, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func baseURL(t *testing.T, s *Server, scheme string) string {
	t.Helper()
	addrs := s.Addrs()
	require.Len(t, addrs, 1)
	return fmt.Sprintf("%s://%s/", scheme, addrs[0].String())
}

func newClient(t *testing.T, tlsCfg *tls.Config) *mux.Client {
	t.Helper()
	c := mux.NewClient(mux.ClientConfig{TLSConfig: tlsCfg, DialTimeout: time.Second}, logger.NewDiscardLogger(), nil)
	t.Cleanup(c.Shutdown)
	return c
}

func TestNewServer_Validation(t *testing.T) {
	lg := logger.NewDiscardLogger()
	_, err := NewServer(nil, lg, echo, nil)
	assert.Error(t, err)
	_, err = NewServer(testConfig(), nil, echo, nil)
	assert.Error(t, err)
	_, err = NewServer(testConfig(), lg, nil, nil)
	assert.Error(t, err)

	cfg := testConfig()
	missing := "/nonexistent/cert.pem"
	cfg.Server.CertFile = &missing
	cfg.Server.KeyFile = &missing
	_, err = NewServer(cfg, lg, echo, nil)
	assert.ErrorContains(t, err, "failed to load TLS key pair")
}

func TestServer_Cleartext(t *testing.T) {
	s := startServer(t, testConfig(), echo)
	client := newClient(t, nil)

	resp, err := client.SendRequest(context.Background(), baseURL(t, s, "http"), "POST", []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServer_TLS(t *testing.T) {
	certFile, keyFile, err := testutil.GenerateSelfSignedCertKeyFiles(t, "127.0.0.1")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Server.CertFile = &certFile
	cfg.Server.KeyFile = &keyFile
	s := startServer(t, cfg, echo)

	certPEM, err := os.ReadFile(certFile)
	require.NoError(t, err)
	tlsCfg, err := testutil.ClientTLSConfig(certPEM)
	require.NoError(t, err)
	client := newClient(t, tlsCfg)

	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf("message-%d", i))
		resp, err := client.SendRequest(context.Background(), baseURL(t, s, "https"), "POST", body, nil)
		require.NoError(t, err)
		assert.Equal(t, body, resp.Body)
	}
	assert.Equal(t, 1, client.Connections())
}

func TestServer_TLSRejectsClientWithoutH2(t *testing.T) {
	certFile, keyFile, err := testutil.GenerateSelfSignedCertKeyFiles(t, "127.0.0.1")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Server.CertFile = &certFile
	cfg.Server.KeyFile = &keyFile
	s := startServer(t, cfg, echo)

	conn, err := tls.Dial("tcp", s.Addrs()[0].String(), &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"http/1.1"}})
	if err == nil {
		// The handshake may complete before the server hangs up.
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err = conn.Read(make([]byte, 1))
	}
	assert.Error(t, err)
	assert.Equal(t, 0, s.ActiveConnections())
}

func TestServer_MaxMessageSize(t *testing.T) {
	cfg := testConfig()
	limit := "8B"
	cfg.Server.MaxMessageSize = &limit
	s := startServer(t, cfg, echo)
	client := newClient(t, nil)

	resp, err := client.SendRequest(context.Background(), baseURL(t, s, "http"), "POST", []byte("well over eight bytes"), nil)
	require.NoError(t, err)
	assert.Equal(t, 413, resp.Status)
}

func TestServer_ShutdownDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Bool
	slow := mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.ResponseEnvelope, error) {
		started.Store(true)
		<-release
		return mux.TextEnvelope(200, "text/plain", "done"), nil
	})
	s, err := NewServer(testConfig(), logger.NewDiscardLogger(), slow, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	url := baseURL(t, s, "http")
	client := newClient(t, nil)

	result := make(chan error, 1)
	go func() {
		resp, err := client.SendRequest(context.Background(), url, "POST", []byte("x"), nil)
		if err == nil && string(resp.Body) != "done" {
			err = fmt.Errorf("unexpected body %q", resp.Body)
		}
		result <- err
	}()
	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- s.Shutdown(ctx)
	}()

	// New connections are refused once the listener is closed.
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", s.Addrs()[0].String(), 100*time.Millisecond)
		if err == nil {
			c.Close()
		}
		return err != nil
	}, time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-result)
	require.NoError(t, <-shutdownDone)
	assert.Equal(t, 0, s.ActiveConnections())

	late, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(late), ErrServerClosed)
}

func TestServer_ShutdownDeadlineClosesConnections(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.ResponseEnvelope, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	s, err := NewServer(testConfig(), logger.NewDiscardLogger(), stuck, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	url := baseURL(t, s, "http")
	client := newClient(t, nil)

	result := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), url, "POST", []byte("x"), nil)
		result <- err
	}()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	err = <-result
	assert.ErrorIs(t, err, mux.ErrTransportClosed)
	assert.Eventually(t, func() bool { return s.ActiveConnections() == 0 }, time.Second, 5*time.Millisecond)
}
