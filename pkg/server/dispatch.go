package server

import (
	"fmt"
	"runtime/debug"

	"github.com/duplex-ws/duplex/pkg/routepath"
	"github.com/duplex-ws/duplex/pkg/router"
	"github.com/duplex-ws/duplex/pkg/wire"
)

// handleMessage is the single inbound path for a connection. It decodes
// the frame, matches the route table, runs the composed middleware
// chain, and writes back a correlated response when the frame carried
// an id. Frames without an id stay silent on success and on no-match.
func (m *Manager) handleMessage(c *Conn, raw []byte) {
	f, err := wire.Decode(raw)
	if err != nil {
		m.logger.Debug("malformed frame", "conn_id", c.id, "error", err)
		m.sendError(c, "", "Invalid JSON message")
		return
	}

	if f.URL == "" {
		m.sendError(c, f.ID, "Missing required field: url")
		return
	}

	path, query := routepath.Split(f.URL)

	route, params, ok := m.table.Match(f.Method, path)
	if !ok {
		if f.ID != "" {
			// A no-match is an application-level failure: the response
			// echoes the request URL like any other error result. The
			// reserved /error URL is for protocol errors only.
			m.sendErrorResponse(c, f.URL, f.ID,
				fmt.Sprintf("No route matched for: %s %s", f.Method, f.URL))
			return
		}
		m.logger.Debug("unmatched frame dropped",
			"conn_id", c.id, "method", f.Method, "url", f.URL)
		return
	}

	ctx := newDispatchCtx(m, c, f, route.Plugin)
	req := &router.Request{
		Data:   f.Data,
		ID:     f.ID,
		Params: params,
		Query:  query,
	}

	chain := router.Compose(append(append([]router.Middleware{}, m.baseMW...), route.Middleware...), route.Handler)
	result, err := m.safeInvoke(chain, ctx, req)

	if f.ID == "" {
		// Fire-and-forget: nothing goes back, errors were already logged
		// by the observe middleware or the panic recovery.
		return
	}

	if err != nil {
		m.sendErrorResponse(c, f.URL, f.ID, err.Error())
		return
	}

	resp, err := wire.Response(f.URL, f.ID, result)
	if err != nil {
		m.logger.Error("response encoding failed",
			"conn_id", c.id, "url", f.URL, "error", err)
		m.sendErrorResponse(c, f.URL, f.ID, "Internal server error")
		return
	}
	m.sendResponse(c, resp)
}

// safeInvoke runs the composed chain with panic recovery so one bad
// handler cannot take the connection's read loop down with it.
func (m *Manager) safeInvoke(h router.Handler, ctx router.Ctx, req *router.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panic",
				"url", ctx.URL(), "method", ctx.Method(),
				"panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return h(ctx, req)
}

// sendError emits a protocol-error frame on the reserved /error URL.
func (m *Manager) sendError(c *Conn, id, msg string) {
	m.sendResponse(c, wire.ErrorFrame(id, msg))
}

// sendErrorResponse emits an error result correlated to a request,
// echoing the request's URL.
func (m *Manager) sendErrorResponse(c *Conn, url, id, msg string) {
	m.sendResponse(c, &wire.Frame{
		URL:    url,
		Method: wire.MethodPost,
		ID:     id,
		Data:   wire.ErrorData(msg),
	})
}

func (m *Manager) sendResponse(c *Conn, f *wire.Frame) {
	if err := c.sendFrame(f, m.writeTimeout); err != nil {
		m.logger.Debug("response send failed", "conn_id", c.id, "error", err)
		m.closeConn(c)
	}
}
