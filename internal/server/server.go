package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"example.com/didcommh2/v2/internal/config"
	"example.com/didcommh2/v2/internal/http2"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/metrics"
	"example.com/didcommh2/v2/internal/mux"
	"example.com/didcommh2/v2/internal/util"
)

const (
	tlsHandshakeTimeout = 10 * time.Second
	maxAcceptBackoff    = time.Second
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server accepts HTTP/2 connections and serves every stream on them with one
// handler. Connections are either TLS with ALPN "h2" or cleartext prior knowledge.
type Server struct {
	cfg       *config.Config
	log       *logger.Logger
	handler   mux.Handler
	tlsConfig *tls.Config
	metrics   *metrics.Metrics

	mu           sync.Mutex
	listeners    []net.Listener
	activeConns  map[*mux.Conn]struct{}
	shuttingDown bool
	acceptWG     sync.WaitGroup
}

// NewServer creates a Server. TLS material named in cfg.Server is loaded here so
// a bad certificate fails at startup.
func NewServer(cfg *config.Config, lg *logger.Logger, handler mux.Handler, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	s := &Server{
		cfg:         cfg,
		log:         lg,
		handler:     handler,
		metrics:     m,
		activeConns: make(map[*mux.Conn]struct{}),
	}
	if cfg.Server.TLSEnabled() {
		tlsCfg, err := LoadTLSConfig(*cfg.Server.CertFile, *cfg.Server.KeyFile)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tlsCfg
	}
	return s, nil
}

// LoadTLSConfig builds a server TLS configuration that negotiates only h2.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair (%s, %s): %w", certFile, keyFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start opens the listeners and serves them in the background. Listeners
// inherited through LISTEN_FDS take precedence over server.host/port.
func (s *Server) Start() error {
	listeners, err := s.initializeListeners()
	if err != nil {
		return err
	}
	for _, l := range listeners {
		if !s.track(l) {
			return ErrServerClosed
		}
		go func(l net.Listener) {
			if err := s.serve(l); err != nil && !errors.Is(err, ErrServerClosed) {
				s.log.Error("Listener stopped", logger.LogFields{"address": l.Addr().String(), "error": err.Error()})
			}
		}(l)
	}
	return nil
}

func (s *Server) initializeListeners() ([]net.Listener, error) {
	inherited, err := util.InheritedListeners()
	if err != nil {
		return nil, fmt.Errorf("error using inherited listener FDs from %s: %w", util.ListenFdsEnvKey, err)
	}
	if len(inherited) > 0 {
		for _, l := range inherited {
			s.log.Info("Successfully created listener from inherited FD", logger.LogFields{"localAddr": l.Addr().String()})
		}
		return inherited, nil
	}

	address := s.cfg.Server.ListenAddress()
	l, err := util.Listen(address)
	if err != nil {
		return nil, err
	}
	s.log.Info("Successfully created new listener", logger.LogFields{"address": address, "localAddr": l.Addr().String(), "tls": s.tlsConfig != nil})
	return []net.Listener{l}, nil
}

// Serve accepts connections on l until Shutdown. It always returns a non-nil error.
func (s *Server) Serve(l net.Listener) error {
	if !s.track(l) {
		return ErrServerClosed
	}
	return s.serve(l)
}

// track registers l for Shutdown. It closes l and reports false once shutdown
// has begun.
func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		l.Close()
		return false
	}
	s.listeners = append(s.listeners, l)
	s.acceptWG.Add(1)
	return true
}

func (s *Server) serve(l net.Listener) error {
	defer s.acceptWG.Done()

	var backoff time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isShuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("Accept failed, retrying", logger.LogFields{"error": err.Error(), "backoff": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		go s.serveConn(nc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

func (s *Server) serveConn(nc net.Conn) {
	if s.tlsConfig != nil {
		tc := tls.Server(nc, s.tlsConfig)
		ctx, cancel := context.WithTimeout(context.Background(), tlsHandshakeTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			s.log.Debug("TLS handshake failed", logger.LogFields{"remote_addr": nc.RemoteAddr().String(), "error": err.Error()})
			nc.Close()
			return
		}
		if proto := tc.ConnectionState().NegotiatedProtocol; proto != "h2" {
			s.log.Warn("Client did not negotiate h2", logger.LogFields{"remote_addr": nc.RemoteAddr().String(), "alpn": proto})
			tc.Close()
			return
		}
		nc = tc
	}

	c := mux.NewServerConn(nc, s.handler, s.connOptions())
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.activeConns[c] = struct{}{}
	s.mu.Unlock()

	c.OnClose(func(c *mux.Conn) {
		s.mu.Lock()
		delete(s.activeConns, c)
		s.mu.Unlock()
	})
	c.Start()
}

func (s *Server) connOptions() mux.Options {
	settings := http2.DefaultSettings()
	if n := s.cfg.Server.MaxConcurrentStreams; n != nil {
		settings.MaxConcurrentStreams = *n
	}
	return mux.Options{
		Settings:       settings,
		MaxMessageSize: s.cfg.Server.MessageSizeLimit(),
		Logger:         s.log,
		Metrics:        s.metrics,
	}
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Addrs lists the addresses of the listeners currently served.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// ActiveConnections reports the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConns)
}

// Shutdown stops accepting, sends GOAWAY on every connection and waits for their
// streams to finish. Connections still open when ctx ends are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	listeners := s.listeners
	conns := make([]*mux.Conn, 0, len(s.activeConns))
	for c := range s.activeConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info("Shutting down server", logger.LogFields{"listeners": len(listeners), "connections": len(conns)})
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			s.log.Warn("Failed to close listener", logger.LogFields{"address": l.Addr().String(), "error": err.Error()})
		}
	}
	s.acceptWG.Wait()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *mux.Conn) {
			defer wg.Done()
			if err := c.Shutdown(ctx); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(c)
	}
	wg.Wait()
	if firstErr != nil {
		s.log.Warn("Graceful shutdown incomplete, connections closed", logger.LogFields{"error": firstErr.Error()})
	}
	return firstErr
}
