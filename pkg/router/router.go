// Package router holds the per-endpoint route table and the middleware
// composer used by the WebSocket dispatcher.
//
// Routes are registered through the four verb helpers, which all funnel
// into a common register step. Registration order is preserved and
// dispatch is strictly first-match: no priority, no longest-match.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/duplex-ws/duplex/pkg/routepath"
	"github.com/duplex-ws/duplex/pkg/session"
	"github.com/duplex-ws/duplex/pkg/wire"
)

// ErrNextCalledTwice is returned when a middleware invokes its next
// step more than once. It surfaces to the caller as a handler error so
// the misuse is visible in-band rather than silently double-running
// the rest of the chain.
var ErrNextCalledTwice = errors.New("middleware called next more than once")

// Ctx is the per-frame context handed to handlers and middleware.
// It is implemented by the server package's dispatch context.
type Ctx interface {
	// Endpoint returns the endpoint name this connection is attached to.
	Endpoint() string
	// URL returns the inbound frame's URL as received.
	URL() string
	// Method returns the frame's verb.
	Method() wire.Method
	// PluginID returns the matched route's plugin tag, if any.
	PluginID() string
	// IP returns the remote address of the connection, if known.
	IP() string
	// Session returns the session attached to this connection.
	Session() *session.Session
	// Context returns the per-dispatch context.
	Context() context.Context

	// Send writes an additional frame on the same connection.
	Send(url string, data any) error
	// Broadcast fans a frame out to every live connection on the endpoint.
	Broadcast(url string, data any) error
	// BroadcastMethod is Broadcast with an explicit verb.
	BroadcastMethod(url string, data any, method wire.Method) error
	// Subscribe adds this connection to a topic bucket. Idempotent.
	Subscribe(topic string)
	// Unsubscribe removes this connection from a topic bucket. A missing
	// subscription is a no-op.
	Unsubscribe(topic string)
}

// Request is the inbound side of the handler signature.
type Request struct {
	// Data is the raw frame payload; nil when the key was absent.
	Data json.RawMessage
	// ID is the correlation id; empty for fire-and-forget frames.
	ID string
	// Params maps pattern capture names to matched segments.
	Params routepath.Params
	// Query holds raw query-string values parsed from the frame URL.
	Query map[string]string
}

// Handler is the terminal step of a route. The returned value is sent
// back as the response payload when the request carried an id; a nil
// value produces a null payload.
type Handler func(ctx Ctx, req *Request) (any, error)

// Next advances the middleware chain. It must be called at most once.
type Next func() (any, error)

// Middleware wraps the next step of a chain.
type Middleware func(ctx Ctx, req *Request, next Next) (any, error)

// Route is one registered (method, pattern, handler) tuple.
type Route struct {
	Method     wire.Method
	Pattern    *routepath.Pattern
	Handler    Handler
	Middleware []Middleware
	Plugin     string
}

// Table is an ordered route table for one endpoint. Registration is
// write-once at startup; dispatch-time reads take the read lock only.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{}
}

// Get registers a GET route.
func (t *Table) Get(pattern string, h Handler, mws ...Middleware) {
	t.Register(wire.MethodGet, pattern, h, mws, "")
}

// Post registers a POST route.
func (t *Table) Post(pattern string, h Handler, mws ...Middleware) {
	t.Register(wire.MethodPost, pattern, h, mws, "")
}

// Put registers a PUT route.
func (t *Table) Put(pattern string, h Handler, mws ...Middleware) {
	t.Register(wire.MethodPut, pattern, h, mws, "")
}

// Delete registers a DELETE route.
func (t *Table) Delete(pattern string, h Handler, mws ...Middleware) {
	t.Register(wire.MethodDelete, pattern, h, mws, "")
}

// Register appends a route. Order of registration is the order of
// matching at dispatch.
func (t *Table) Register(method wire.Method, pattern string, h Handler, mws []Middleware, plugin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, &Route{
		Method:     method,
		Pattern:    routepath.Compile(pattern),
		Handler:    h,
		Middleware: mws,
		Plugin:     plugin,
	})
}

// Plugin returns a registrar whose routes carry the given plugin tag.
// The tag surfaces in the observe middleware's log line.
func (t *Table) Plugin(tag string) *PluginRoutes {
	return &PluginRoutes{table: t, tag: tag}
}

// PluginRoutes registers routes on behalf of a named plugin.
type PluginRoutes struct {
	table *Table
	tag   string
}

// Get registers a GET route tagged with the plugin name.
func (p *PluginRoutes) Get(pattern string, h Handler, mws ...Middleware) {
	p.table.Register(wire.MethodGet, pattern, h, mws, p.tag)
}

// Post registers a POST route tagged with the plugin name.
func (p *PluginRoutes) Post(pattern string, h Handler, mws ...Middleware) {
	p.table.Register(wire.MethodPost, pattern, h, mws, p.tag)
}

// Put registers a PUT route tagged with the plugin name.
func (p *PluginRoutes) Put(pattern string, h Handler, mws ...Middleware) {
	p.table.Register(wire.MethodPut, pattern, h, mws, p.tag)
}

// Delete registers a DELETE route tagged with the plugin name.
func (p *PluginRoutes) Delete(pattern string, h Handler, mws ...Middleware) {
	p.table.Register(wire.MethodDelete, pattern, h, mws, p.tag)
}

// Match walks the table in registration order and returns the first
// route whose pattern matches the pathname and whose method equals the
// frame's method.
func (t *Table) Match(method wire.Method, path string) (*Route, routepath.Params, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.routes {
		if r.Method != method {
			continue
		}
		if params, ok := r.Pattern.Match(path); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// Len returns the number of registered routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Compose folds the middleware list around the terminal handler. The
// first element of mws is the outermost wrapper. Each middleware's next
// may be called at most once; a second call returns ErrNextCalledTwice.
func Compose(mws []Middleware, h Handler) Handler {
	return func(ctx Ctx, req *Request) (any, error) {
		var run func(i int) (any, error)
		run = func(i int) (any, error) {
			if i == len(mws) {
				return h(ctx, req)
			}
			called := false
			next := func() (any, error) {
				if called {
					return nil, ErrNextCalledTwice
				}
				called = true
				return run(i + 1)
			}
			return mws[i](ctx, req, next)
		}
		return run(0)
	}
}
