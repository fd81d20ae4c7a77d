package mux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/didcommh2/v2/internal/http2"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/metrics"
)

const (
	// DefaultUserAgent is sent when the caller sets none.
	DefaultUserAgent   = "http2-client/0.1"
	defaultDialTimeout = 10 * time.Second
)

// OutboundRequest is one request sent by the client.
type OutboundRequest struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Header    []HeaderField
	Body      []byte
}

func (r *OutboundRequest) headerFields() []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: r.Method},
		{Name: ":scheme", Value: r.Scheme},
		{Name: ":authority", Value: r.Authority},
		{Name: ":path", Value: r.Path},
	}
	for _, hf := range toHpack(r.Header) {
		if connectionSpecific[hf.Name] || hf.Name == "host" || strings.HasPrefix(hf.Name, ":") {
			continue
		}
		fields = append(fields, hf)
	}
	return append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(r.Body))})
}

// ClientConfig configures a Client. Zero values fall back to defaults.
type ClientConfig struct {
	// TLSConfig is cloned for every https dial. ALPN is forced to h2.
	TLSConfig *tls.Config
	// DialTimeout bounds connection establishment including the TLS handshake.
	DialTimeout time.Duration
	// ResponseTimeout bounds each request. Zero waits as long as the caller's ctx.
	ResponseTimeout time.Duration
	UserAgent       string
	Settings        http2.Settings
	// Dial replaces the TCP dialer, mainly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client issues HTTP/2 requests over pooled connections.
type Client struct {
	cfg     ClientConfig
	table   *CorrelationTable
	pool    *Pool
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client. lg and m may be nil.
func NewClient(cfg ClientConfig, lg *logger.Logger, m *metrics.Metrics) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	c := &Client{cfg: cfg, table: NewCorrelationTable(m), log: lg, metrics: m}
	c.pool = NewPool(c.dial, lg, m)
	return c
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int { return c.table.Len() }

// Connections returns the number of pooled connections.
func (c *Client) Connections() int { return c.pool.Len() }

// Shutdown closes every pooled connection; pending requests fail with
// ErrTransportClosed.
func (c *Client) Shutdown() { c.pool.Shutdown() }

// SendRequest sends one request to rawURL and waits for the complete response.
func (c *Client) SendRequest(ctx context.Context, rawURL, method string, body []byte, header []HeaderField) (*Response, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrEndpointMissing
	}
	dest, req, err := c.prepare(rawURL, method, body, header)
	if err != nil {
		return nil, err
	}
	if c.cfg.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ResponseTimeout)
		defer cancel()
	}
	conn, err := c.pool.GetOrCreate(ctx, dest)
	if err != nil {
		c.metrics.OutboundRequest("dial_error")
		return nil, err
	}
	resp, err := conn.RoundTrip(ctx, req)
	if errors.Is(err, http2.ErrStreamIDsExhausted) {
		// The exhausted connection is draining, so the pool dials a fresh one.
		if conn, err = c.pool.GetOrCreate(ctx, dest); err == nil {
			resp, err = conn.RoundTrip(ctx, req)
		}
	}
	if err != nil {
		c.metrics.OutboundRequest("error")
		return nil, err
	}
	c.metrics.OutboundRequest("ok")
	return resp, nil
}

func (c *Client) prepare(rawURL, method string, body []byte, header []HeaderField) (Destination, *OutboundRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Destination{}, nil, fmt.Errorf("invalid endpoint %q: %w", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	port := 443
	switch scheme {
	case "https":
	case "http":
		port = 80
	default:
		return Destination{}, nil, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Destination{}, nil, fmt.Errorf("invalid endpoint %q: missing host", rawURL)
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return Destination{}, nil, fmt.Errorf("invalid endpoint %q: bad port", rawURL)
		}
	}
	if method == "" {
		method = "GET"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if headerValue(header, "user-agent") == "" {
		header = append(append([]HeaderField(nil), header...), HeaderField{Name: "user-agent", Value: c.cfg.UserAgent})
	}
	dest := Destination{Scheme: scheme, Host: host, Port: port}
	return dest, &OutboundRequest{
		Method:    method,
		Scheme:    scheme,
		Authority: u.Host,
		Path:      path,
		Header:    header,
		Body:      body,
	}, nil
}

func (c *Client) dial(ctx context.Context, dest Destination) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	dial := c.cfg.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	nc, err := dial(ctx, "tcp", dest.Key())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", dest.Key(), err)
	}
	if dest.Scheme == "https" {
		tlsCfg := &tls.Config{}
		if c.cfg.TLSConfig != nil {
			tlsCfg = c.cfg.TLSConfig.Clone()
		}
		tlsCfg.NextProtos = []string{"h2"}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = dest.Host
		}
		tc := tls.Client(nc, tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", dest.Key(), err)
		}
		if proto := tc.ConnectionState().NegotiatedProtocol; proto != "h2" {
			tc.Close()
			return nil, errors.New("server did not negotiate h2 via ALPN")
		}
		nc = tc
	}
	conn := NewClientConn(nc, c.table, Options{Settings: c.cfg.Settings, Logger: c.log, Metrics: c.metrics})
	conn.Start()
	return conn, nil
}
