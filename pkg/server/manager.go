// Package server implements the WebSocket endpoint manager: it accepts
// upgraded connections, dispatches inbound frames to registered
// handlers, fans broadcasts out to all live connections, routes topic
// events to subscribers, and reaps dead connections as part of every
// fan-out.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplex-ws/duplex/pkg/devctx"
	"github.com/duplex-ws/duplex/pkg/middleware"
	"github.com/duplex-ws/duplex/pkg/router"
	"github.com/duplex-ws/duplex/pkg/session"
	"github.com/duplex-ws/duplex/pkg/wire"
)

// AuthPolicy decides whether a session may open a connection on the
// endpoint. A non-nil error closes the socket with 1008 "Unauthorized".
type AuthPolicy func(ctx context.Context, sess *session.Session) error

// Manager owns one endpoint: its route table, its live-connection set,
// and its topic subscription index. One mutex serialises all index
// mutation; socket writes are serialised per connection.
type Manager struct {
	endpoint string
	table    *router.Table

	authorize AuthPolicy
	onClose   func(userID string)
	baseMW    []router.Middleware

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	topics map[string]map[*Conn]struct{}
	closed bool

	logger *slog.Logger
	rec    *devctx.Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithAuthPolicy attaches an auth policy evaluated on every upgrade.
func WithAuthPolicy(policy AuthPolicy) Option {
	return func(m *Manager) { m.authorize = policy }
}

// WithRecorder attaches a dev-context recorder for diagnostics.
func WithRecorder(rec *devctx.Recorder) Option {
	return func(m *Manager) { m.rec = rec }
}

// WithConnectionClosed sets the hook fired when a connection record is
// destroyed. It fires only for connections whose session carries a
// user; anonymous connections close silently.
func WithConnectionClosed(fn func(userID string)) Option {
	return func(m *Manager) { m.onClose = fn }
}

// WithMiddleware prepends endpoint-level middleware to every route's
// chain. The observe middleware conventionally goes first.
func WithMiddleware(mws ...router.Middleware) Option {
	return func(m *Manager) { m.baseMW = append(m.baseMW, mws...) }
}

// WithWriteTimeout sets the per-write deadline (default 10s).
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// WithPingInterval sets the keepalive ping cadence (default 30s).
// Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

// WithCheckOrigin sets the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(m *Manager) { m.upgrader.CheckOrigin = fn }
}

// NewManager creates the manager for a named endpoint.
func NewManager(endpoint string, table *router.Table, opts ...Option) *Manager {
	m := &Manager{
		endpoint:     endpoint,
		table:        table,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
		conns:        make(map[*Conn]struct{}),
		topics:       make(map[string]map[*Conn]struct{}),
		logger:       slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "ws_manager", "endpoint", endpoint)
	return m
}

// Endpoint returns the endpoint name.
func (m *Manager) Endpoint() string { return m.endpoint }

// Table returns the endpoint's route table.
func (m *Manager) Table() *router.Table { return m.table }

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Subscribers returns the number of connections subscribed to a topic.
func (m *Manager) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// HandleUpgrade upgrades the HTTP request, evaluates the auth policy,
// registers the connection, and runs its read loop until the socket
// closes. The session is taken from the request context, where the
// session middleware placed it.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	if m.authorize != nil {
		if err := m.authorize(r.Context(), sess); err != nil {
			m.logger.Debug("connection rejected", "error", err)
			c := newConn(ws, m.endpoint, sess, remoteIP(r))
			c.markClosed()
			c.closeSocket(websocket.ClosePolicyViolation, "Unauthorized")
			return
		}
	}

	conn := newConn(ws, m.endpoint, sess, remoteIP(r))
	if err := m.addConn(conn); err != nil {
		conn.markClosed()
		conn.closeSocket(websocket.CloseGoingAway, "shutting down")
		return
	}

	m.rec.AddWS(devctx.WSEvent{Endpoint: m.endpoint, Kind: "open", URL: r.URL.Path})
	middleware.RecordConnOpen(m.endpoint)
	m.logger.Debug("connection opened", "conn_id", conn.id, "ip", conn.ip)

	if m.pingInterval > 0 {
		go m.pingLoop(conn)
	}
	m.readLoop(conn)
}

func (m *Manager) addConn(c *Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.conns[c] = struct{}{}
	return nil
}

// readLoop dispatches inbound frames sequentially, which preserves
// per-connection ordering by construction.
func (m *Manager) readLoop(c *Conn) {
	defer m.closeConn(c)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				m.logger.Debug("read error", "conn_id", c.id, "error", err)
			}
			return
		}
		m.handleMessage(c, msg)
	}
}

// pingLoop writes keepalive pings; the first failed write tears the
// connection down so the reaper does not have to wait for a fan-out.
func (m *Manager) pingLoop(c *Conn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(m.writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				m.logger.Debug("ping error", "conn_id", c.id, "error", err)
				m.closeConn(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Subscribe adds the connection to a topic bucket. Idempotent.
func (m *Manager) Subscribe(c *Conn, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.topics[topic]
	if !ok {
		bucket = make(map[*Conn]struct{})
		m.topics[topic] = bucket
	}
	bucket[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

// Unsubscribe removes the connection from a topic bucket. Removing an
// absent subscription is a no-op.
func (m *Manager) Unsubscribe(c *Conn, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(c, topic)
}

func (m *Manager) unsubscribeLocked(c *Conn, topic string) {
	if bucket, ok := m.topics[topic]; ok {
		delete(bucket, c)
		if len(bucket) == 0 {
			delete(m.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// Broadcast fans a frame out to every live connection on the endpoint.
// The payload is serialised once. Connections whose send fails or that
// are no longer open are collected and removed after the loop.
func (m *Manager) Broadcast(url string, data any) error {
	return m.BroadcastMethod(url, data, wire.MethodPost)
}

// BroadcastMethod is Broadcast with an explicit verb.
func (m *Manager) BroadcastMethod(url string, data any, method wire.Method) error {
	f, err := wire.Outbound(url, data, method)
	if err != nil {
		return err
	}
	raw, err := f.Encode()
	if err != nil {
		return err
	}

	m.rec.AddWS(devctx.WSEvent{Endpoint: m.endpoint, Kind: "broadcast", URL: url})
	middleware.RecordBroadcast(m.endpoint, "broadcast")

	m.fanOut(m.snapshotConns(), raw)
	return nil
}

// EmitEvent delivers a frame to exactly the connections currently
// subscribed to the topic.
func (m *Manager) EmitEvent(topic string, data any) error {
	f, err := wire.Outbound(topic, data, wire.MethodPost)
	if err != nil {
		return err
	}
	raw, err := f.Encode()
	if err != nil {
		return err
	}

	m.rec.AddWS(devctx.WSEvent{Endpoint: m.endpoint, Kind: "event", URL: topic})
	middleware.RecordBroadcast(m.endpoint, "event")

	m.fanOut(m.snapshotTopic(topic), raw)
	return nil
}

func (m *Manager) snapshotConns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) snapshotTopic(topic string) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.topics[topic]
	out := make([]*Conn, 0, len(bucket))
	for c := range bucket {
		out = append(out, c)
	}
	return out
}

// fanOut writes one pre-encoded frame to each connection, collecting
// dead ones for removal. A slow or broken peer never stalls the others
// beyond its own write deadline.
func (m *Manager) fanOut(conns []*Conn, raw []byte) {
	var dead []*Conn
	for _, c := range conns {
		if !c.Alive() {
			dead = append(dead, c)
			continue
		}
		if err := c.send(raw, m.writeTimeout); err != nil {
			m.logger.Debug("send failed", "conn_id", c.id, "error", err)
			middleware.RecordSendFailure(m.endpoint)
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		m.closeConn(c)
	}
}

// closeConn removes the connection from every index and fires the
// connection-closed hook. It also opportunistically reaps any other
// connection that is no longer open.
func (m *Manager) closeConn(c *Conn) {
	first := c.markClosed()
	if first {
		c.ws.Close()
	}

	m.mu.Lock()
	removed := m.removeLocked(c)
	reaped := m.reapLocked()
	m.mu.Unlock()

	for _, r := range reaped {
		m.finishClose(r)
	}
	if removed {
		m.finishClose(c)
	}
}

// removeLocked unlinks the connection from the live set and from every
// subscription bucket it participated in. Returns false when the
// connection was already gone.
func (m *Manager) removeLocked(c *Conn) bool {
	if _, ok := m.conns[c]; !ok {
		return false
	}
	delete(m.conns, c)
	for topic := range c.topics {
		m.unsubscribeLocked(c, topic)
	}
	return true
}

// reapLocked sweeps the live set for connections that are no longer
// open. Reaping is amortised into close and fan-out; there is no
// periodic reaper.
func (m *Manager) reapLocked() []*Conn {
	var dead []*Conn
	for c := range m.conns {
		if !c.Alive() {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		m.removeLocked(c)
	}
	return dead
}

func (m *Manager) finishClose(c *Conn) {
	var userID string
	if c.sess != nil {
		userID = c.sess.UserID()
	}

	m.rec.AddWS(devctx.WSEvent{Endpoint: m.endpoint, Kind: "close"})
	middleware.RecordConnClose(m.endpoint)
	m.logger.Debug("connection closed", "conn_id", c.id, "user_id", userID)

	if m.onClose != nil && userID != "" {
		m.onClose(userID)
	}
}

// CloseAll closes every live connection and marks the manager closed.
// Used during graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if c.markClosed() {
				c.closeSocket(websocket.CloseGoingAway, "shutting down")
			}
			m.closeConn(c)
		}(c)
	}
	wg.Wait()

	m.logger.Info("manager shut down", "closed_connections", len(conns))
}

func remoteIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.RemoteAddr
}
