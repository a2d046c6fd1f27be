// Package client implements the connecting side of the duplex
// protocol: a WebSocket client that correlates requests to responses
// by id, queues outbound frames while disconnected, reconnects with
// capped exponential backoff, and routes server-pushed frames to
// pattern listeners.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duplex-ws/duplex/pkg/routepath"
	"github.com/duplex-ws/duplex/pkg/wire"
)

// Status is the client's connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusClosed       Status = "closed"
)

// Listener receives server-pushed frames (broadcasts and topic events)
// whose URL matches the listener's pattern.
type Listener func(url string, params routepath.Params, data json.RawMessage)

type listener struct {
	pattern *routepath.Pattern
	fn      Listener
}

type response struct {
	data json.RawMessage
	err  error
}

// Client is a duplex WebSocket client. All exported methods are safe
// for concurrent use.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header

	requestTimeout time.Duration
	backoffMin     time.Duration
	backoffMax     time.Duration

	onError      func(msg string)
	onConnect    func()
	onDisconnect func(err error)

	mu        sync.Mutex
	ws        *websocket.Conn
	status    Status
	outbound  *queue.Queue
	pending   map[string]chan response
	listeners []listener

	closed chan struct{}

	logger *slog.Logger
}

// New creates a client for the given ws:// or wss:// URL. The client
// starts disconnected; call Connect to dial.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		dialer:         websocket.DefaultDialer,
		requestTimeout: 10 * time.Second,
		backoffMin:     250 * time.Millisecond,
		backoffMax:     8 * time.Second,
		status:         StatusDisconnected,
		outbound:       queue.New(),
		pending:        make(map[string]chan response),
		closed:         make(chan struct{}),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ws_client")
	return c
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the server. On success the read loop starts and any
// frames queued while disconnected are flushed in submission order.
// Connection loss after a successful Connect triggers automatic
// reconnection with backoff; Connect itself does not retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.mu.Lock()
		if c.status == StatusConnecting {
			c.status = StatusDisconnected
		}
		c.mu.Unlock()
		return err
	}

	c.attach(ws)
	return nil
}

// attach installs a freshly dialed socket, flushes the outbound queue,
// and starts the read loop.
func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.status = StatusConnected
	c.flushLocked()
	c.mu.Unlock()

	c.logger.Debug("connected", "url", c.url)
	if c.onConnect != nil {
		c.onConnect()
	}
	go c.readLoop(ws)
}

// flushLocked drains the outbound FIFO onto the live socket. Called
// with the mutex held right after attach, so no new frame can slip in
// ahead of the queued ones.
func (c *Client) flushLocked() {
	for c.outbound.Length() > 0 {
		raw := c.outbound.Peek().([]byte)
		if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			// Leave the frame at the head; the reconnect flush retries it.
			c.logger.Debug("flush write failed", "error", err)
			return
		}
		c.outbound.Remove()
	}
}

// write sends a pre-encoded frame, queueing it when disconnected.
func (c *Client) write(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusClosed {
		return ErrClosed
	}
	if c.status != StatusConnected || c.ws == nil {
		c.outbound.Add(raw)
		return nil
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		// The read loop will notice the broken socket; keep the frame
		// for the reconnect flush.
		c.outbound.Add(raw)
		return nil
	}
	return nil
}

// Request sends a frame with a fresh correlation id and blocks until
// the matching response arrives, the context is cancelled, or the
// request timeout elapses. An error response rejects with ServerError.
func (c *Client) Request(ctx context.Context, method wire.Method, url string, data any) (json.RawMessage, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	f := &wire.Frame{URL: url, Method: method, ID: id, Data: raw}
	encoded, err := f.Encode()
	if err != nil {
		return nil, err
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(encoded); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.data, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, url string) (json.RawMessage, error) {
	return c.Request(ctx, wire.MethodGet, url, nil)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, url string, data any) (json.RawMessage, error) {
	return c.Request(ctx, wire.MethodPost, url, data)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, url string, data any) (json.RawMessage, error) {
	return c.Request(ctx, wire.MethodPut, url, data)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, url string) (json.RawMessage, error) {
	return c.Request(ctx, wire.MethodDelete, url, nil)
}

// Send writes a fire-and-forget frame. No id is attached and no
// response is expected; the server stays silent on success.
func (c *Client) Send(method wire.Method, url string, data any) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return err
	}
	f := &wire.Frame{URL: url, Method: method, Data: raw}
	encoded, err := f.Encode()
	if err != nil {
		return err
	}
	return c.write(encoded)
}

// On registers a listener for server-pushed frames whose URL matches
// the pattern. Every matching listener fires, in registration order.
func (c *Client) On(pattern string, fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener{
		pattern: routepath.Compile(pattern),
		fn:      fn,
	})
}

// Close shuts the client down. Every pending request is rejected with
// ErrClosed and the outbound queue is discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosed
	close(c.closed)

	ws := c.ws
	c.ws = nil
	for id, ch := range c.pending {
		ch <- response{err: ErrClosed}
		delete(c.pending, id)
	}
	for c.outbound.Length() > 0 {
		c.outbound.Remove()
	}
	c.mu.Unlock()

	if ws != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ws.Close()
	}
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	f, err := wire.Decode(raw)
	if err != nil {
		c.logger.Debug("malformed frame from server", "error", err)
		c.emitError("Invalid JSON")
		return
	}
	if f.URL == "" {
		c.emitError("Invalid message format")
		return
	}

	if f.ID != "" {
		c.resolve(f)
		return
	}

	path, _ := routepath.Split(f.URL)
	c.mu.Lock()
	matched := make([]struct {
		fn     Listener
		params routepath.Params
	}, 0, 2)
	for _, l := range c.listeners {
		if params, ok := l.pattern.Match(path); ok {
			matched = append(matched, struct {
				fn     Listener
				params routepath.Params
			}{l.fn, params})
		}
	}
	c.mu.Unlock()

	for _, m := range matched {
		m.fn(f.URL, m.params, f.Data)
	}
	if len(matched) == 0 {
		c.logger.Debug("unhandled server frame", "url", f.URL)
	}
}

// resolve delivers a correlated response to its waiting request.
// Responses with no waiter are dropped; they belong to requests that
// already timed out.
func (c *Client) resolve(f *wire.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response with no pending request", "id", f.ID, "url", f.URL)
		return
	}

	if msg, isErr := decodeServerError(f.Data); isErr {
		ch <- response{err: &ServerError{Message: msg}}
		return
	}
	ch <- response{data: f.Data}
}

func (c *Client) handleDisconnect(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.status == StatusClosed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.logger.Debug("disconnected", "error", err)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
	go c.reconnectLoop()
}

// reconnectLoop redials with exponential backoff, doubling from the
// minimum delay up to the cap, until it succeeds or the client closes.
func (c *Client) reconnectLoop() {
	delay := c.backoffMin
	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.status != StatusDisconnected {
			c.mu.Unlock()
			return
		}
		c.status = StatusConnecting
		c.mu.Unlock()

		ws, _, err := c.dialer.Dial(c.url, c.header)
		if err == nil {
			c.attach(ws)
			return
		}

		c.logger.Debug("reconnect failed", "error", err, "next_delay", delay)
		c.mu.Lock()
		if c.status == StatusConnecting {
			c.status = StatusDisconnected
		}
		c.mu.Unlock()

		delay *= 2
		if delay > c.backoffMax {
			delay = c.backoffMax
		}
	}
}

func (c *Client) emitError(msg string) {
	if c.onError != nil {
		c.onError(msg)
	}
}

func marshalPayload(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// decodeServerError reports whether the payload is the conventional
// `{"error": "..."}` error object.
func decodeServerError(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	if probe.Error == nil {
		return "", false
	}
	return *probe.Error, true
}
