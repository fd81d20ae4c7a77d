package mux

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// HeaderField is one HTTP header. Names are lowercase on the wire.
type HeaderField struct {
	Name  string
	Value string
}

func toHpack(fields []HeaderField) []hpack.HeaderField {
	out := make([]hpack.HeaderField, 0, len(fields))
	for _, f := range fields {
		out = append(out, hpack.HeaderField{Name: strings.ToLower(f.Name), Value: f.Value})
	}
	return out
}

// fromHpack drops pseudo headers.
func fromHpack(fields []hpack.HeaderField) []HeaderField {
	out := make([]HeaderField, 0, len(fields))
	for _, f := range fields {
		if !f.IsPseudo() {
			out = append(out, HeaderField{Name: f.Name, Value: f.Value})
		}
	}
	return out
}

func headerValue(fields []HeaderField, name string) string {
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// ResponseEnvelope is what application logic hands back for one exchange.
type ResponseEnvelope struct {
	Status int
	Header []HeaderField
	Body   []byte
	// Stream, when set, is drained chunk by chunk after Body. The response is
	// then sent without content-length.
	Stream io.Reader
}

// Streaming reports whether the body is produced incrementally.
func (e *ResponseEnvelope) Streaming() bool { return e.Stream != nil }

// HeaderValue returns the first value of the named header.
func (e *ResponseEnvelope) HeaderValue(name string) string { return headerValue(e.Header, name) }

// EmptyEnvelope is a bodiless response with the given status.
func EmptyEnvelope(status int) *ResponseEnvelope {
	return &ResponseEnvelope{Status: status}
}

// BytesEnvelope is a response carrying body with the given content type.
func BytesEnvelope(status int, contentType string, body []byte) *ResponseEnvelope {
	return &ResponseEnvelope{
		Status: status,
		Header: []HeaderField{{Name: "content-type", Value: contentType}},
		Body:   body,
	}
}

// TextEnvelope is a response carrying text with the given content type.
func TextEnvelope(status int, contentType, text string) *ResponseEnvelope {
	return BytesEnvelope(status, contentType, []byte(text))
}

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorEnvelope builds an error response. The body is HTML when accept prefers
// text/html over JSON, JSON otherwise.
func NewErrorEnvelope(status int, accept, detail string) *ResponseEnvelope {
	msg := http.StatusText(status)
	if msg == "" {
		msg = "Error"
	}
	if prefersHTML(accept) {
		page := fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
			status, html.EscapeString(msg), html.EscapeString(msg), html.EscapeString(detail))
		return TextEnvelope(status, "text/html; charset=utf-8", page)
	}
	body, err := json.Marshal(ErrorResponseJSON{Error: ErrorDetail{StatusCode: status, Message: msg, Detail: detail}})
	if err != nil {
		return EmptyEnvelope(status)
	}
	return BytesEnvelope(status, "application/json; charset=utf-8", body)
}

// prefersHTML compares the q-values of text/html and application/json in an
// Accept header.
func prefersHTML(accept string) bool {
	if accept == "" {
		return false
	}
	htmlQ, jsonQ := -1.0, -1.0
	for _, part := range strings.Split(accept, ",") {
		fields := strings.Split(strings.TrimSpace(part), ";")
		mediaType := strings.ToLower(strings.TrimSpace(fields[0]))
		q := 1.0
		for _, p := range fields[1:] {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, "q=") {
				if v, err := strconv.ParseFloat(strings.TrimPrefix(p, "q="), 64); err == nil {
					q = v
				}
			}
		}
		switch mediaType {
		case "text/html":
			htmlQ = q
		case "application/json":
			jsonQ = q
		}
	}
	return htmlQ > 0 && htmlQ > jsonQ
}

// Response is a completed outbound response.
type Response struct {
	Status  int
	Header  []HeaderField
	Trailer []HeaderField
	Body    []byte
}

// HeaderValue returns the first value of the named header.
func (r *Response) HeaderValue(name string) string { return headerValue(r.Header, name) }
