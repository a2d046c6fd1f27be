package client

import "errors"

var (
	// ErrClosed is returned for any operation after Close, and is the
	// rejection delivered to requests still pending at close time.
	ErrClosed = errors.New("client closed")

	// ErrTimeout is returned when a request's response does not arrive
	// within the request timeout.
	ErrTimeout = errors.New("request timed out")
)

// ServerError is the decoded `{"error": "..."}` payload of an error
// response or a protocol error frame.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }
