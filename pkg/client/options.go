package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHeader sets headers sent on the upgrade request. Used to carry
// the session cookie.
func WithHeader(header http.Header) Option {
	return func(c *Client) { c.header = header }
}

// WithDialer replaces the default websocket dialer, for TLS config or
// proxy settings.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithRequestTimeout sets the default timeout for blocking requests
// (default 10s).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithBackoff sets the reconnect backoff bounds. The delay starts at
// min and doubles per failed attempt up to max (defaults 250ms and 8s).
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.backoffMin = min
		c.backoffMax = max
	}
}

// WithErrorHandler sets the callback invoked when the client receives
// a frame it cannot process: malformed JSON or a frame missing its URL.
func WithErrorHandler(fn func(msg string)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithConnectHandler sets the callback invoked after each successful
// connect, including reconnects.
func WithConnectHandler(fn func()) Option {
	return func(c *Client) { c.onConnect = fn }
}

// WithDisconnectHandler sets the callback invoked when an established
// connection is lost.
func WithDisconnectHandler(fn func(err error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}
