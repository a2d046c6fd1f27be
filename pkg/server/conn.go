package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duplex-ws/duplex/pkg/session"
	"github.com/duplex-ws/duplex/pkg/wire"
)

// Conn is the record kept for each live WebSocket connection: the
// socket, the endpoint it belongs to, its session, and its topic
// subscriptions. The manager owns the indices that reference it; the
// connection owns nothing but its socket.
type Conn struct {
	id       string
	endpoint string
	ip       string

	ws   *websocket.Conn
	sess *session.Session

	// writeMu serialises all writes to the socket so responses keep
	// their submission order per connection.
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	// topics is this connection's side of the bipartite subscription
	// graph. Guarded by the owning manager's mutex, not by the conn.
	topics map[string]struct{}
}

func newConn(ws *websocket.Conn, endpoint string, sess *session.Session, ip string) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		endpoint: endpoint,
		ip:       ip,
		ws:       ws,
		sess:     sess,
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Session returns the session attached to this connection.
func (c *Conn) Session() *session.Session { return c.sess }

// Alive reports whether the connection is still in the open state.
func (c *Conn) Alive() bool { return !c.closed.Load() }

// send writes a pre-encoded frame to the socket. A write failure does
// not close the socket here; the caller routes the connection to the
// dead list so cleanup happens exactly once.
func (c *Conn) send(raw []byte, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// sendFrame encodes and writes a frame.
func (c *Conn) sendFrame(f *wire.Frame, timeout time.Duration) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	return c.send(raw, timeout)
}

// markClosed transitions the connection out of the open state exactly
// once. Returns false when it was already closed.
func (c *Conn) markClosed() bool {
	if c.closed.Swap(true) {
		return false
	}
	close(c.done)
	return true
}

// closeSocket sends a close control message and tears down the socket.
func (c *Conn) closeSocket(code int, reason string) {
	c.writeMu.Lock()
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.ws.Close()
}
