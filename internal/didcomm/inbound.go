package didcomm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"example.com/didcommh2/v2/internal/config"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/mux"
	"example.com/didcommh2/v2/internal/router"
)

// InvitationText answers an invitation URL opened outside an agent.
const InvitationText = "You have received a connection invitation. To accept the invitation, paste it into your agent application."

// InvitationQueryParam carries an encoded invitation.
const InvitationQueryParam = "c_i"

// InboundTransport serves DIDComm messages posted over HTTP/2.
type InboundTransport struct {
	sessions SessionFactory
	log      *logger.Logger
}

// NewInboundTransport creates the inbound transport. lg may be nil.
func NewInboundTransport(sessions SessionFactory, lg *logger.Logger) *InboundTransport {
	return &InboundTransport{sessions: sessions, log: lg}
}

// Register installs the message (POST /) and invitation (GET /) routes.
func (t *InboundTransport) Register(r *router.Router) error {
	if err := r.Handle(http.MethodPost, "/", config.MatchTypeExact, mux.HandlerFunc(t.ServeInbound)); err != nil {
		return err
	}
	return r.Handle(http.MethodGet, "/", config.MatchTypeExact, mux.HandlerFunc(t.ServeInvitation))
}

// ServeInbound hands the request body to a fresh session. When the message asks
// for a direct response it waits for processing to finish and answers with the
// session's buffered reply; otherwise it acknowledges with an empty 200.
// Every wait is bound to ctx, which ends when the stream is reset or lost.
func (t *InboundTransport) ServeInbound(ctx context.Context, req *mux.Request) (*mux.ResponseEnvelope, error) {
	info := ClientInfo{Host: req.Authority, Remote: remoteHost(req.RemoteAddr)}
	session, err := t.sessions.CreateSession(ctx, true, true, info)
	if err != nil {
		return nil, fmt.Errorf("creating inbound session: %w", err)
	}
	defer session.Close()

	inbound, err := session.Receive(ctx, req.Body)
	if errors.Is(err, ErrParseFault) {
		t.log.Warn("Rejecting malformed inbound message", logger.LogFields{
			"conn_id": req.ConnID, "stream_id": req.StreamID, "error": err.Error(),
		})
		return mux.NewErrorEnvelope(http.StatusBadRequest, req.HeaderValue("accept"), err.Error()), nil
	}
	if err != nil {
		return nil, err
	}

	if !inbound.DirectResponseRequested() {
		return mux.EmptyEnvelope(http.StatusOK), nil
	}

	if err := inbound.WaitProcessingComplete(ctx); err != nil {
		return nil, fmt.Errorf("waiting for message processing: %w", err)
	}
	var reply *Payload
	if session.HasResponse() {
		if reply, err = session.WaitResponse(ctx); err != nil {
			return nil, fmt.Errorf("waiting for direct response: %w", err)
		}
	}
	// Close the exchange before answering so a concurrent outbound delivery cannot
	// buffer a second reply.
	session.SetCanRespond(false)
	session.ClearResponse()

	if reply == nil {
		return mux.EmptyEnvelope(http.StatusOK), nil
	}
	return mux.BytesEnvelope(http.StatusOK, EnvelopeContentType(session.Profile(), *reply), reply.Data), nil
}

// ServeInvitation answers GET / with a short notice when an invitation is attached.
func (t *InboundTransport) ServeInvitation(ctx context.Context, req *mux.Request) (*mux.ResponseEnvelope, error) {
	if req.Query().Get(InvitationQueryParam) != "" {
		return mux.TextEnvelope(http.StatusOK, "text/plain; charset=utf-8", InvitationText), nil
	}
	return mux.EmptyEnvelope(http.StatusOK), nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
