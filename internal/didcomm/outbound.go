package didcomm

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/mux"
)

// OutboundTransportError reports a delivery the peer did not accept.
type OutboundTransportError struct {
	Status int
	Reason string
}

func (e *OutboundTransportError) Error() string {
	return fmt.Sprintf("Unexpected response status %d, caused by: %s", e.Status, e.Reason)
}

// OutboundTransport posts DIDComm messages to peer endpoints over pooled HTTP/2
// connections.
type OutboundTransport struct {
	client *mux.Client
	log    *logger.Logger
}

// NewOutboundTransport wraps client. lg may be nil.
func NewOutboundTransport(client *mux.Client, lg *logger.Logger) *OutboundTransport {
	return &OutboundTransport{client: client, log: lg}
}

// HandleMessage delivers payload to endpoint. metadata entries become request
// headers; apiKey, when set, is sent as x-api-key.
func (t *OutboundTransport) HandleMessage(ctx context.Context, profile Profile, payload Payload, endpoint string, metadata map[string]string, apiKey string) (*mux.Response, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint provided: %w", mux.ErrEndpointMissing)
	}
	header := make([]mux.HeaderField, 0, len(metadata)+3)
	for k, v := range metadata {
		header = append(header, mux.HeaderField{Name: strings.ToLower(k), Value: v})
	}
	if apiKey != "" {
		header = append(header, mux.HeaderField{Name: "x-api-key", Value: apiKey})
	}
	header = append(header,
		mux.HeaderField{Name: "content-type", Value: EnvelopeContentType(profile, payload)},
		mux.HeaderField{Name: "content-length", Value: strconv.Itoa(len(payload.Data))},
	)

	t.log.Debug("Posting outbound message", logger.LogFields{
		"endpoint": endpoint, "bytes": len(payload.Data), "text": payload.Text,
	})
	resp, err := t.client.SendRequest(ctx, endpoint, http.MethodPost, payload.Data, header)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		reason := http.StatusText(resp.Status)
		if len(resp.Body) > 0 {
			reason = string(resp.Body)
		}
		return resp, &OutboundTransportError{Status: resp.Status, Reason: reason}
	}
	return resp, nil
}
