package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
)

// HandlerFunc answers one request. It must send exactly one response.
type HandlerFunc func(req *http2.Request, resp *http2.Response)

// entry is one path pattern and the handlers registered under it, keyed by
// method.
type entry struct {
	pattern   string
	matchType config.MatchType
	handlers  map[string]HandlerFunc
}

// handler returns the handler for method. HEAD falls back to GET; the
// response layer drops the body.
func (e *entry) handler(method string) (HandlerFunc, bool) {
	if h, ok := e.handlers[method]; ok {
		return h, true
	}
	if method == http.MethodHead {
		h, ok := e.handlers[http.MethodGet]
		return h, ok
	}
	return nil, false
}

// Router holds the routing table and dispatches requests.
// Exact matches take precedence over prefix matches, and among prefix
// matches the longest pattern wins. A pattern only matches a request if it
// has a handler for the request's method.
type Router struct {
	mu sync.RWMutex
	// exactRoutes is keyed by PathPattern.
	exactRoutes map[string]*entry
	// prefixRoutes is sorted by PathPattern length, longest first.
	prefixRoutes []*entry

	log *logger.Logger
}

// NewRouter returns an empty router. lg may be nil.
func NewRouter(lg *logger.Logger) *Router {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Router{
		exactRoutes: make(map[string]*entry),
		log:         lg,
	}
}

// Handle registers h for method on pattern. Prefix patterns must end in "/".
// Registering the same method and pattern twice is an error.
func (r *Router) Handle(method, pattern string, matchType config.MatchType, h HandlerFunc) error {
	method = strings.ToUpper(strings.TrimSpace(method))
	switch {
	case method == "":
		return fmt.Errorf("route %s: method cannot be empty", pattern)
	case h == nil:
		return fmt.Errorf("route %s %s: handler cannot be nil", method, pattern)
	case !strings.HasPrefix(pattern, "/"):
		return fmt.Errorf("route %s %s: pattern must start with '/'", method, pattern)
	case matchType == config.MatchTypePrefix && !strings.HasSuffix(pattern, "/"):
		return fmt.Errorf("route %s %s: prefix pattern must end with '/'", method, pattern)
	case matchType != config.MatchTypeExact && matchType != config.MatchTypePrefix:
		return fmt.Errorf("route %s %s: unknown match type %q", method, pattern, matchType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(pattern, matchType)
	if e == nil {
		e = &entry{pattern: pattern, matchType: matchType, handlers: make(map[string]HandlerFunc)}
		if matchType == config.MatchTypeExact {
			r.exactRoutes[pattern] = e
		} else {
			r.prefixRoutes = append(r.prefixRoutes, e)
			sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
				return len(r.prefixRoutes[i].pattern) > len(r.prefixRoutes[j].pattern)
			})
		}
	}
	if _, exists := e.handlers[method]; exists {
		return fmt.Errorf("route %s %s (%s) already registered", method, pattern, matchType)
	}
	e.handlers[method] = h
	return nil
}

func (r *Router) entryLocked(pattern string, matchType config.MatchType) *entry {
	if matchType == config.MatchTypeExact {
		return r.exactRoutes[pattern]
	}
	for _, e := range r.prefixRoutes {
		if e.pattern == pattern {
			return e
		}
	}
	return nil
}

// lookup finds the handler for method and path following the precedence
// rules.
func (r *Router) lookup(method, path string) (HandlerFunc, *entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.exactRoutes[path]; ok {
		if h, ok := e.handler(method); ok {
			return h, e
		}
	}
	for _, e := range r.prefixRoutes {
		if !strings.HasPrefix(path, e.pattern) {
			continue
		}
		if h, ok := e.handler(method); ok {
			return h, e
		}
	}
	return nil, nil
}

// HasRoute reports whether a handler is registered for method and path.
func (r *Router) HasRoute(method, path string) bool {
	h, _ := r.lookup(method, path)
	return h != nil
}

// AllowedMethods lists, sorted, every method some pattern matching path has a
// handler for. HEAD is included wherever GET is.
func (r *Router) AllowedMethods(path string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	add := func(e *entry) {
		for m := range e.handlers {
			set[m] = struct{}{}
			if m == http.MethodGet {
				set[http.MethodHead] = struct{}{}
			}
		}
	}
	if e, ok := r.exactRoutes[path]; ok {
		add(e)
	}
	for _, e := range r.prefixRoutes {
		if strings.HasPrefix(path, e.pattern) {
			add(e)
		}
	}
	if len(set) == 0 {
		return nil
	}
	methods := make([]string, 0, len(set))
	for m := range set {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Execute runs the handler for method and path. If none matches it sends
// 404 Not Found.
func (r *Router) Execute(method, path string, req *http2.Request, resp *http2.Response) {
	h, e := r.lookup(method, path)
	if h == nil {
		r.log.Info("No route matched for request", logger.LogFields{
			"method":    method,
			"path":      path,
			"stream_id": resp.StreamID(),
		})
		if err := resp.SendError(http.StatusNotFound, ""); err != nil {
			r.log.Debug("Sending 404 failed", logger.LogFields{"error": err.Error()})
		}
		return
	}
	r.log.Debug("Route matched", logger.LogFields{
		"method":     method,
		"path":       path,
		"pattern":    e.pattern,
		"match_type": string(e.matchType),
		"stream_id":  resp.StreamID(),
	})
	h(req, resp)
}

// LoadRoutes creates a handler for every configured route through registry
// and registers it under each of the route's methods.
func (r *Router) LoadRoutes(routes []config.Route, registry *HandlerRegistry) error {
	for i, route := range routes {
		h, err := registry.CreateHandler(route.HandlerType, route.HandlerConfig, r.log)
		if err != nil {
			return fmt.Errorf("routing.routes[%d] (%s): %w", i, route.PathPattern, err)
		}
		methods := route.Methods
		if len(methods) == 0 {
			methods = []string{http.MethodGet}
		}
		for _, m := range methods {
			if err := r.Handle(m, route.PathPattern, route.MatchType, h); err != nil {
				return fmt.Errorf("routing.routes[%d]: %w", i, err)
			}
		}
	}
	return nil
}
