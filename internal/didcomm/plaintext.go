package didcomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/mux"
)

// Return route values of the ~transport decorator.
const (
	ReturnRouteNone   = "none"
	ReturnRouteAll    = "all"
	ReturnRouteThread = "thread"
)

const messageSchema = `{
  "type": "object",
  "required": ["@type", "@id"],
  "properties": {
    "@type": {"type": "string", "minLength": 1},
    "@id": {"type": "string", "minLength": 1},
    "~transport": {
      "type": "object",
      "properties": {
        "return_route": {"enum": ["none", "all", "thread"]}
      }
    },
    "~service": {
      "type": "object",
      "properties": {
        "serviceEndpoint": {"type": "string"},
        "recipientKeys": {"type": "array", "items": {"type": "string"}}
      }
    },
    "~thread": {
      "type": "object",
      "properties": {
        "thid": {"type": "string"}
      }
    }
  }
}`

// Message is a plaintext DIDComm message.
type Message struct {
	Type      string            `json:"@type"`
	ID        string            `json:"@id"`
	Transport *TransportOptions `json:"~transport,omitempty"`
	Service   *ServiceOptions   `json:"~service,omitempty"`
	Thread    *ThreadOptions    `json:"~thread,omitempty"`
	// Raw is the message exactly as received.
	Raw json.RawMessage `json:"-"`
}

type TransportOptions struct {
	ReturnRoute string `json:"return_route,omitempty"`
}

type ServiceOptions struct {
	ServiceEndpoint string   `json:"serviceEndpoint,omitempty"`
	RecipientKeys   []string `json:"recipientKeys,omitempty"`
}

type ThreadOptions struct {
	ThreadID string `json:"thid,omitempty"`
}

// DirectResponse reports whether the message asks for replies on the inbound exchange.
func (m *Message) DirectResponse() bool {
	if m.Transport == nil {
		return false
	}
	return m.Transport.ReturnRoute == ReturnRouteAll || m.Transport.ReturnRoute == ReturnRouteThread
}

// Replier sends a reply to the message being handled.
type Replier interface {
	Reply(ctx context.Context, p Payload) error
}

// MessageHandler processes one plaintext message.
type MessageHandler func(ctx context.Context, msg *Message, r Replier) error

// Deliverer posts a message to a peer endpoint. OutboundTransport implements it.
type Deliverer interface {
	HandleMessage(ctx context.Context, profile Profile, payload Payload, endpoint string, metadata map[string]string, apiKey string) (*mux.Response, error)
}

// PlaintextSessionFactory creates sessions for unencrypted JSON messages.
type PlaintextSessionFactory struct {
	schema   *gojsonschema.Schema
	handler  MessageHandler
	profile  Profile
	outbound Deliverer
	log      *logger.Logger
}

// NewPlaintextSessionFactory compiles the message schema. outbound and lg may be nil;
// without outbound, replies that cannot go in band are kept as undelivered.
func NewPlaintextSessionFactory(handler MessageHandler, profile Profile, outbound Deliverer, lg *logger.Logger) (*PlaintextSessionFactory, error) {
	if handler == nil {
		return nil, errors.New("message handler cannot be nil")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(messageSchema))
	if err != nil {
		return nil, fmt.Errorf("compiling message schema: %w", err)
	}
	return &PlaintextSessionFactory{schema: schema, handler: handler, profile: profile, outbound: outbound, log: lg}, nil
}

// CreateSession implements SessionFactory.
func (f *PlaintextSessionFactory) CreateSession(ctx context.Context, acceptUndelivered, canRespond bool, info ClientInfo) (Session, error) {
	return &PlaintextSession{
		Exchange:          NewExchange(canRespond),
		factory:           f,
		acceptUndelivered: acceptUndelivered,
		info:              info,
	}, nil
}

// ParseMessage validates body against the message schema and decodes it.
func (f *PlaintextSessionFactory) ParseMessage(body []byte) (*Message, error) {
	result, err := f.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFault, err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrParseFault, strings.Join(details, "; "))
	}
	msg := &Message{Raw: append(json.RawMessage(nil), body...)}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFault, err)
	}
	return msg, nil
}

// PlaintextSession is the Session of one inbound exchange.
type PlaintextSession struct {
	*Exchange
	factory           *PlaintextSessionFactory
	acceptUndelivered bool
	info              ClientInfo

	mu          sync.Mutex
	undelivered []Payload
}

// ClientInfo returns the peer the session was created for.
func (s *PlaintextSession) ClientInfo() ClientInfo { return s.info }

// Profile implements Session.
func (s *PlaintextSession) Profile() Profile { return s.factory.profile }

// Receive parses body and starts handling it. Handling continues even if ctx ends.
func (s *PlaintextSession) Receive(ctx context.Context, body []byte) (InboundHandle, error) {
	msg, err := s.factory.ParseMessage(body)
	if err != nil {
		return nil, err
	}
	h := &inboundHandle{direct: msg.DirectResponse(), done: make(chan struct{})}
	pctx := context.WithoutCancel(ctx)
	go func() {
		defer close(h.done)
		h.err = s.factory.handler(pctx, msg, &replier{session: s, msg: msg})
		if h.err != nil {
			s.factory.log.Error("Message handler failed", logger.LogFields{
				"type": msg.Type, "id": msg.ID, "remote": s.ClientInfo().Remote, "error": h.err.Error(),
			})
		}
	}()
	return h, nil
}

// Undelivered returns replies that could be neither answered in band nor sent out.
func (s *PlaintextSession) Undelivered() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payload(nil), s.undelivered...)
}

// Close ends the exchange; later replies go out of band.
func (s *PlaintextSession) Close() error {
	s.SetCanRespond(false)
	return nil
}

type inboundHandle struct {
	direct bool
	done   chan struct{}
	err    error
}

func (h *inboundHandle) DirectResponseRequested() bool { return h.direct }

func (h *inboundHandle) WaitProcessingComplete(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

type replier struct {
	session *PlaintextSession
	msg     *Message
}

// Reply buffers p on the exchange when the message asked for a direct response and
// the exchange still accepts one. Otherwise p goes to the ~service endpoint, or is
// kept as undelivered.
func (r *replier) Reply(ctx context.Context, p Payload) error {
	s := r.session
	if r.msg.DirectResponse() {
		err := s.Respond(p)
		if err == nil {
			return nil
		}
		s.factory.log.Debug("Direct response unavailable, delivering out of band", logger.LogFields{
			"id": r.msg.ID, "reason": err.Error(),
		})
	}
	if r.msg.Service != nil && r.msg.Service.ServiceEndpoint != "" && s.factory.outbound != nil {
		_, err := s.factory.outbound.HandleMessage(ctx, s.factory.profile, p, r.msg.Service.ServiceEndpoint, nil, "")
		return err
	}
	if !s.acceptUndelivered {
		return fmt.Errorf("no route to deliver reply to %s", r.msg.ID)
	}
	s.mu.Lock()
	s.undelivered = append(s.undelivered, p)
	s.mu.Unlock()
	return nil
}

// PingHandler answers trust pings that request a response.
func PingHandler(ctx context.Context, msg *Message, r Replier) error {
	if !strings.HasSuffix(msg.Type, "/trust_ping/1.0/ping") {
		return nil
	}
	var body struct {
		ResponseRequested *bool `json:"response_requested"`
	}
	if err := json.Unmarshal(msg.Raw, &body); err != nil {
		return err
	}
	if body.ResponseRequested != nil && !*body.ResponseRequested {
		return nil
	}
	prefix := strings.TrimSuffix(msg.Type, "ping")
	thid := msg.ID
	if msg.Thread != nil && msg.Thread.ThreadID != "" {
		thid = msg.Thread.ThreadID
	}
	reply, err := json.Marshal(map[string]any{
		"@type":   prefix + "ping_response",
		"@id":     uuid.NewString(),
		"~thread": map[string]string{"thid": thid},
	})
	if err != nil {
		return err
	}
	return r.Reply(ctx, TextPayload(string(reply)))
}
