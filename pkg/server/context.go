package server

import (
	"context"

	"github.com/duplex-ws/duplex/pkg/session"
	"github.com/duplex-ws/duplex/pkg/wire"
)

// dispatchCtx is the router.Ctx implementation handed to handlers. It
// binds one frame to its connection and manager for the duration of a
// single dispatch.
type dispatchCtx struct {
	m    *Manager
	conn *Conn

	url    string
	method wire.Method
	plugin string

	ctx context.Context
}

func newDispatchCtx(m *Manager, c *Conn, f *wire.Frame, plugin string) *dispatchCtx {
	return &dispatchCtx{
		m:      m,
		conn:   c,
		url:    f.URL,
		method: f.Method,
		plugin: plugin,
		ctx:    context.Background(),
	}
}

func (c *dispatchCtx) Endpoint() string          { return c.m.endpoint }
func (c *dispatchCtx) URL() string               { return c.url }
func (c *dispatchCtx) Method() wire.Method       { return c.method }
func (c *dispatchCtx) PluginID() string          { return c.plugin }
func (c *dispatchCtx) IP() string                { return c.conn.ip }
func (c *dispatchCtx) Session() *session.Session { return c.conn.sess }
func (c *dispatchCtx) Context() context.Context  { return c.ctx }

// Send writes an additional fire-and-forget frame on the same
// connection, outside the request/response correlation.
func (c *dispatchCtx) Send(url string, data any) error {
	f, err := wire.Outbound(url, data, wire.MethodPost)
	if err != nil {
		return err
	}
	return c.conn.sendFrame(f, c.m.writeTimeout)
}

// Broadcast fans a frame out to every live connection on the endpoint.
func (c *dispatchCtx) Broadcast(url string, data any) error {
	return c.m.Broadcast(url, data)
}

// BroadcastMethod is Broadcast with an explicit verb.
func (c *dispatchCtx) BroadcastMethod(url string, data any, method wire.Method) error {
	return c.m.BroadcastMethod(url, data, method)
}

// Subscribe adds this connection to a topic bucket.
func (c *dispatchCtx) Subscribe(topic string) {
	c.m.Subscribe(c.conn, topic)
}

// Unsubscribe removes this connection from a topic bucket.
func (c *dispatchCtx) Unsubscribe(topic string) {
	c.m.Unsubscribe(c.conn, topic)
}
