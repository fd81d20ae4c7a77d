package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/didcommh2/v2/internal/config"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/mux"
)

// Route binds a method and path pattern to a handler.
type Route struct {
	Method      string
	PathPattern string
	MatchType   config.MatchType
	Handler     mux.Handler
}

// Router holds the routing table and dispatches requests.
// It matches incoming request paths against registered routes
// and forwards the request to the appropriate handler.
type Router struct {
	// exactRoutes stores routes with MatchType "Exact", keyed by PathPattern.
	exactRoutes map[string][]Route

	// prefixRoutes stores routes with MatchType "Prefix".
	// These routes are kept sorted by PathPattern length in descending order
	// so that the longest (most specific) prefix is matched first.
	prefixRoutes []Route

	log *logger.Logger
}

// NewRouter creates an empty Router. lg may be nil.
func NewRouter(lg *logger.Logger) *Router {
	return &Router{
		exactRoutes: make(map[string][]Route),
		log:         lg,
	}
}

// Handle registers h for method and pattern. An empty method matches any method.
func (r *Router) Handle(method, pattern string, match config.MatchType, h mux.Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %s %s cannot be nil", method, pattern)
	}
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("path pattern %q must start with '/'", pattern)
	}
	route := Route{Method: strings.ToUpper(method), PathPattern: pattern, MatchType: match, Handler: h}
	switch match {
	case config.MatchTypeExact:
		for _, existing := range r.exactRoutes[pattern] {
			if existing.Method == route.Method {
				return fmt.Errorf("duplicate route %s %s", method, pattern)
			}
		}
		r.exactRoutes[pattern] = append(r.exactRoutes[pattern], route)
	case config.MatchTypePrefix:
		r.prefixRoutes = append(r.prefixRoutes, route)
		// Longest first; registration order breaks ties.
		sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
			return len(r.prefixRoutes[i].PathPattern) > len(r.prefixRoutes[j].PathPattern)
		})
	default:
		return fmt.Errorf("unknown match type %q", match)
	}
	return nil
}

// FindRoute matches method and path against the registered routes.
// It follows the precedence rules:
// 1. Exact matches take precedence over prefix matches.
// 2. For prefix matches, the longest (most specific) pattern is chosen.
//
// When the path matches but no route accepts the method, it returns nil and the
// methods that would have been accepted.
func (r *Router) FindRoute(method, path string) (*Route, []string) {
	candidates := r.exactRoutes[path]
	if len(candidates) == 0 {
		var longest string
		for _, route := range r.prefixRoutes {
			if !strings.HasPrefix(path, route.PathPattern) {
				continue
			}
			if longest == "" {
				longest = route.PathPattern
			}
			if route.PathPattern != longest {
				break
			}
			candidates = append(candidates, route)
		}
	}

	var allowed []string
	for i := range candidates {
		if candidates[i].Method == "" || candidates[i].Method == method {
			return &candidates[i], nil
		}
		allowed = append(allowed, candidates[i].Method)
	}
	return nil, allowed
}

// ServeStream dispatches the request to the handler of the matching route.
// Unmatched paths get 404, unmatched methods 405.
func (r *Router) ServeStream(ctx context.Context, req *mux.Request) (*mux.ResponseEnvelope, error) {
	route, allowed := r.FindRoute(req.Method, req.Path)
	if route != nil {
		return route.Handler.ServeStream(ctx, req)
	}

	accept := req.HeaderValue("accept")
	if len(allowed) > 0 {
		r.log.Info("Method not allowed", logger.LogFields{
			"path": req.Path, "method": req.Method, "stream": req.StreamID,
		})
		env := mux.NewErrorEnvelope(http.StatusMethodNotAllowed, accept, "The requested method is not supported for this resource.")
		env.Header = append(env.Header, mux.HeaderField{Name: "allow", Value: strings.Join(allowed, ", ")})
		return env, nil
	}

	r.log.Info("No route matched for request", logger.LogFields{ // INFO level for 404s is common
		"path":   req.Path,
		"stream": req.StreamID,
	})
	return mux.NewErrorEnvelope(http.StatusNotFound, accept, "The requested resource was not found."), nil
}
