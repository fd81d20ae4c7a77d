// Package didcomm layers the DIDComm direct-response contract on top of the
// multiplexed HTTP/2 transport.
package didcomm

import (
	"context"
	"errors"
)

// Envelope content types.
const (
	// MIMETypeV0 is the legacy encrypted envelope type.
	MIMETypeV0 = "application/ssi-agent-wire"
	// MIMETypeV1 is the encrypted envelope type selected by SettingNewMIMEType.
	MIMETypeV1 = "application/didcomm-envelope-enc"
	// MIMETypeJSON is used for plaintext (text) payloads.
	MIMETypeJSON = "application/json"

	// SettingNewMIMEType is the profile setting choosing MIMETypeV1 over MIMETypeV0.
	SettingNewMIMEType = "emit_new_didcomm_mime_type"
)

// ErrParseFault marks a malformed inbound message. It is answered on the
// offending stream only.
var ErrParseFault = errors.New("didcomm: message parse fault")

// ClientInfo describes the peer an inbound session was created for.
type ClientInfo struct {
	Host   string
	Remote string
}

// Payload is a message body. Text payloads are plaintext JSON; everything else is
// an encrypted envelope.
type Payload struct {
	Data []byte
	Text bool
}

// TextPayload wraps a plaintext message.
func TextPayload(s string) Payload { return Payload{Data: []byte(s), Text: true} }

// BytesPayload wraps an encrypted envelope.
func BytesPayload(b []byte) Payload { return Payload{Data: b} }

// Profile exposes the settings of the agent profile a session runs under.
type Profile interface {
	Setting(key string) (any, bool)
}

// MapProfile is a Profile backed by a settings map.
type MapProfile map[string]any

// Setting returns the value stored under key.
func (p MapProfile) Setting(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// settingEnabled treats a missing or non-boolean setting as false.
func settingEnabled(p Profile, key string) bool {
	if p == nil {
		return false
	}
	v, ok := p.Setting(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// EnvelopeContentType picks the content type for payload under profile.
func EnvelopeContentType(profile Profile, payload Payload) string {
	if payload.Text {
		return MIMETypeJSON
	}
	if settingEnabled(profile, SettingNewMIMEType) {
		return MIMETypeV1
	}
	return MIMETypeV0
}

// InboundHandle tracks the processing of one received message.
type InboundHandle interface {
	// DirectResponseRequested reports whether the decrypted message asked for its
	// reply on the same exchange.
	DirectResponseRequested() bool
	// WaitProcessingComplete blocks until the message has been fully handled.
	WaitProcessingComplete(ctx context.Context) error
}

// Session decrypts inbound messages and buffers the reply of one exchange.
type Session interface {
	// Receive parses body. Malformed input fails with an error wrapping ErrParseFault.
	Receive(ctx context.Context, body []byte) (InboundHandle, error)
	// HasResponse reports whether a reply is buffered.
	HasResponse() bool
	// WaitResponse returns the buffered reply, waiting for one while the session can
	// still respond. It returns nil once no reply can arrive.
	WaitResponse(ctx context.Context) (*Payload, error)
	ClearResponse()
	SetCanRespond(bool)
	Profile() Profile
	Close() error
}

// SessionFactory creates one Session per inbound exchange.
type SessionFactory interface {
	CreateSession(ctx context.Context, acceptUndelivered, canRespond bool, info ClientInfo) (Session, error)
}
