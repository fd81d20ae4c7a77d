package didcomm

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/mux"
	"example.com/didcommh2/v2/internal/router"
)

// fakeMessage drives fakeSession: the body is a key into the factory's script.
type fakeMessage struct {
	direct bool
	delay  time.Duration
	reply  *Payload
	fault  bool
}

type fakeFactory struct {
	profile Profile
	script  map[string]fakeMessage

	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeFactory) CreateSession(ctx context.Context, acceptUndelivered, canRespond bool, info ClientInfo) (Session, error) {
	s := &fakeSession{Exchange: NewExchange(canRespond), factory: f, info: info}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

type fakeSession struct {
	*Exchange
	factory *fakeFactory
	info    ClientInfo
	closed  bool
}

func (s *fakeSession) Receive(ctx context.Context, body []byte) (InboundHandle, error) {
	m, ok := s.factory.script[string(body)]
	if !ok || m.fault {
		return nil, ErrParseFault
	}
	h := &inboundHandle{direct: m.direct, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		time.Sleep(m.delay)
		if m.reply != nil {
			_ = s.Respond(*m.reply)
		}
	}()
	return h, nil
}

func (s *fakeSession) Profile() Profile { return s.factory.profile }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func inboundRequest(body string) *mux.Request {
	return &mux.Request{
		ConnID:     "c1",
		StreamID:   1,
		Method:     "POST",
		Path:       "/",
		Authority:  "agent.example",
		RemoteAddr: "192.0.2.10:53000",
		Body:       []byte(body),
	}
}

// pipeServer serves h on in-memory connections and hands out a client dialing it.
type pipeServer struct {
	handler mux.Handler

	mu      sync.Mutex
	servers []*mux.Conn
}

func (p *pipeServer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	serverRaw, clientRaw := net.Pipe()
	c := mux.NewServerConn(serverRaw, p.handler, mux.Options{Logger: logger.NewDiscardLogger()})
	c.Start()
	p.mu.Lock()
	p.servers = append(p.servers, c)
	p.mu.Unlock()
	return clientRaw, nil
}

func newPipeClient(t *testing.T, h mux.Handler) *mux.Client {
	t.Helper()
	p := &pipeServer{handler: h}
	client := mux.NewClient(mux.ClientConfig{Dial: p.dial}, logger.NewDiscardLogger(), nil)
	t.Cleanup(func() {
		client.Shutdown()
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, s := range p.servers {
			s.Close()
		}
	})
	return client
}

func newInboundRouter(t *testing.T, sessions SessionFactory) *router.Router {
	t.Helper()
	r := router.NewRouter(logger.NewDiscardLogger())
	require.NoError(t, NewInboundTransport(sessions, logger.NewDiscardLogger()).Register(r))
	return r
}
