package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/didcommh2/v2/internal/config"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/mux"
)

// namedHandler answers with its own name so tests can see which route won.
func namedHandler(name string) mux.Handler {
	return mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.ResponseEnvelope, error) {
		return mux.TextEnvelope(200, "text/plain", name), nil
	})
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(logger.NewDiscardLogger())
	require.NoError(t, r.Handle("POST", "/", config.MatchTypeExact, namedHandler("inbound")))
	require.NoError(t, r.Handle("GET", "/", config.MatchTypeExact, namedHandler("invitation")))
	require.NoError(t, r.Handle("", "/static/", config.MatchTypePrefix, namedHandler("static")))
	require.NoError(t, r.Handle("", "/static/css/", config.MatchTypePrefix, namedHandler("css")))
	require.NoError(t, r.Handle("GET", "/static/css/main.css", config.MatchTypeExact, namedHandler("main-css")))
	return r
}

func serve(t *testing.T, r *Router, method, path, accept string) *mux.ResponseEnvelope {
	t.Helper()
	req := &mux.Request{Method: method, Path: path, StreamID: 1}
	if accept != "" {
		req.Header = []mux.HeaderField{{Name: "accept", Value: accept}}
	}
	env, err := r.ServeStream(context.Background(), req)
	require.NoError(t, err)
	return env
}

func TestRouter_Precedence(t *testing.T) {
	r := newTestRouter(t)
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"exact POST root", "POST", "/", "inbound"},
		{"exact GET root", "GET", "/", "invitation"},
		{"exact beats prefix", "GET", "/static/css/main.css", "main-css"},
		{"longest prefix wins", "GET", "/static/css/other.css", "css"},
		{"shorter prefix", "GET", "/static/js/app.js", "static"},
		{"prefix matches itself", "DELETE", "/static/", "static"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := serve(t, r, tt.method, tt.path, "")
			assert.Equal(t, 200, env.Status)
			assert.Equal(t, tt.want, string(env.Body))
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	r := newTestRouter(t)
	env := serve(t, r, "GET", "/nope", "application/json")
	assert.Equal(t, 404, env.Status)

	var body mux.ErrorResponseJSON
	require.NoError(t, json.Unmarshal(env.Body, &body))
	assert.Equal(t, 404, body.Error.StatusCode)
	assert.Equal(t, "Not Found", body.Error.Message)
}

func TestRouter_NotFoundHTML(t *testing.T) {
	r := newTestRouter(t)
	env := serve(t, r, "GET", "/nope", "text/html")
	assert.Equal(t, 404, env.Status)
	assert.Contains(t, env.HeaderValue("content-type"), "text/html")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := newTestRouter(t)
	env := serve(t, r, "PUT", "/", "")
	assert.Equal(t, 405, env.Status)
	assert.Equal(t, "POST, GET", env.HeaderValue("allow"))
}

func TestRouter_HandleValidation(t *testing.T) {
	r := NewRouter(nil)
	assert.Error(t, r.Handle("GET", "no-slash", config.MatchTypeExact, namedHandler("x")))
	assert.Error(t, r.Handle("GET", "/", config.MatchType("Regex"), namedHandler("x")))
	assert.Error(t, r.Handle("GET", "/", config.MatchTypeExact, nil))
	require.NoError(t, r.Handle("GET", "/", config.MatchTypeExact, namedHandler("x")))
	assert.Error(t, r.Handle("get", "/", config.MatchTypeExact, namedHandler("y")), "duplicate method and path")
}
