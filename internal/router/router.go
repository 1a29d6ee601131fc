// Package router maps (method, pattern) pairs to handlers using one radix
// tree per method. Matched path parameters are attached to the exchange
// attribute bag under ParamsKey.
package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/trellishq/trellis/internal/attr"
	"github.com/trellishq/trellis/internal/errors"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/radix"
)

// Handler serves a matched route.
type Handler func(*exchange.Exchange)

// ParamsKey is the attribute slot holding bound path parameters.
var ParamsKey = attr.NewKey[radix.Params]("router.params")

// PatternKey is the attribute slot holding the matched route pattern,
// e.g. "/users/:id". Metrics use it as a bounded-cardinality route label.
var PatternKey = attr.NewKey[string]("router.pattern")

// Params returns the path parameters bound for this request.
func Params(ex *exchange.Exchange) radix.Params {
	return attr.GetOr(ex.Attrs(), ParamsKey, nil)
}

// Param returns a single bound path parameter by name.
func Param(ex *exchange.Exchange, name string) string {
	return Params(ex).ByName(name)
}

// Pattern returns the pattern of the route matched for this request, or ""
// when no route matched or routing has not run yet.
func Pattern(ex *exchange.Exchange) string {
	return attr.GetOr(ex.Attrs(), PatternKey, "")
}

// Route describes a registered route.
type Route struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern"`
}

// entry pairs a handler with the pattern it was registered under so the
// match can report which route fired.
type entry struct {
	pattern string
	handler Handler
}

// Router matches requests to handlers. Registration normally happens at
// startup; runtime registration is allowed and takes the write lock.
type Router struct {
	mu     sync.RWMutex
	trees  map[string]*radix.Tree[entry]
	routes map[Route]struct{}
}

// New returns an empty router.
func New() *Router {
	return &Router{
		trees:  make(map[string]*radix.Tree[entry]),
		routes: make(map[Route]struct{}),
	}
}

// Handle registers handler for the given method and pattern. Registering
// the same method and pattern again replaces the handler. Malformed or
// ambiguous patterns return an error.
func (r *Router) Handle(method, pattern string, handler Handler) error {
	method = strings.ToUpper(strings.TrimSpace(method))
	normalized := radix.NormalizePath(pattern)

	r.mu.Lock()
	defer r.mu.Unlock()
	tree, ok := r.trees[method]
	if !ok {
		tree = radix.New[entry]()
		r.trees[method] = tree
	}
	if err := tree.Insert(pattern, entry{pattern: normalized, handler: handler}); err != nil {
		return err
	}
	r.routes[Route{Method: method, Pattern: normalized}] = struct{}{}
	return nil
}

// GET registers a GET route.
func (r *Router) GET(pattern string, h Handler) error {
	return r.Handle(http.MethodGet, pattern, h)
}

// POST registers a POST route.
func (r *Router) POST(pattern string, h Handler) error {
	return r.Handle(http.MethodPost, pattern, h)
}

// PUT registers a PUT route.
func (r *Router) PUT(pattern string, h Handler) error {
	return r.Handle(http.MethodPut, pattern, h)
}

// PATCH registers a PATCH route.
func (r *Router) PATCH(pattern string, h Handler) error {
	return r.Handle(http.MethodPatch, pattern, h)
}

// DELETE registers a DELETE route.
func (r *Router) DELETE(pattern string, h Handler) error {
	return r.Handle(http.MethodDelete, pattern, h)
}

// HEAD registers a HEAD route.
func (r *Router) HEAD(pattern string, h Handler) error {
	return r.Handle(http.MethodHead, pattern, h)
}

// OPTIONS registers an OPTIONS route.
func (r *Router) OPTIONS(pattern string, h Handler) error {
	return r.Handle(http.MethodOptions, pattern, h)
}

// Lookup finds the handler for method and path along with bound parameters.
func (r *Router) Lookup(method, path string) (Handler, radix.Params, bool) {
	e, params, ok := r.lookup(method, path)
	if !ok {
		return nil, nil, false
	}
	return e.handler, params, true
}

func (r *Router) lookup(method, path string) (entry, radix.Params, bool) {
	// The read lock covers the search so runtime registration cannot mutate
	// a tree mid-walk.
	r.mu.RLock()
	defer r.mu.RUnlock()
	tree, ok := r.trees[strings.ToUpper(method)]
	if !ok {
		return entry{}, nil, false
	}
	return tree.Search(path)
}

// Routes returns registered routes sorted by method then pattern, for the
// operations surface.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, 0, len(r.routes))
	for rt := range r.routes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Method != out[j].Method {
			return out[i].Method < out[j].Method
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

// Serve is the pipeline terminal: it routes the exchange, binds parameters,
// and runs the matched handler. Unknown routes get a 404 naming the path.
func (r *Router) Serve(ex *exchange.Exchange) {
	e, params, ok := r.lookup(ex.Method(), ex.Path())
	if !ok {
		reqID := ex.Response().Header().Get("X-Request-ID")
		errors.New(http.StatusNotFound, "Route not found: "+ex.Path()).
			WithRequestID(reqID).
			WriteJSON(ex.Response())
		return
	}
	attr.Set(ex.Attrs(), PatternKey, e.pattern)
	if len(params) > 0 {
		attr.Set(ex.Attrs(), ParamsKey, params)
	}
	e.handler(ex)
}
