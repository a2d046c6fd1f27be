// Package wire defines the single JSON frame shape exchanged in both
// directions on a duplex WebSocket connection.
//
// A frame is a request, a response, a broadcast, or a topic event; the
// distinction is carried entirely by the presence of the correlation id
// and by which side produced it. Requests carry an id; their responses
// echo it; broadcasts, events, and fire-and-forget sends never carry one.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Method is the request verb carried by a frame.
type Method string

// Supported frame methods. Inbound frames without a method default to
// MethodGet; server-originated broadcasts default to MethodPost.
const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is one of the four supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// ErrorURL is the reserved URL for protocol-level error frames.
const ErrorURL = "/error"

// Frame is the symmetric wire message.
//
// Data is kept raw so the transport layer never imposes a shape on the
// payload; handlers decode it themselves. A nil Data means the key was
// absent; the literal JSON null is preserved as the 4-byte token.
type Frame struct {
	URL    string          `json:"url"`
	Method Method          `json:"method,omitempty"`
	ID     string          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw message into a Frame. Unknown keys are ignored.
// A missing method defaults to GET. Decode does not validate the URL;
// the dispatcher owns that check so it can echo the offending id.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Method == "" {
		f.Method = MethodGet
	}
	return &f, nil
}

// Encode serialises the frame to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// HasData reports whether the frame carried a data key at all.
// A JSON null payload still counts as present.
func (f *Frame) HasData() bool {
	return f.Data != nil
}

// IsNullData reports whether the payload is the literal JSON null.
func (f *Frame) IsNullData() bool {
	return bytes.Equal(f.Data, []byte("null"))
}

// errorPayload is the conventional error body `{"error": "..."}`.
type errorPayload struct {
	Error string `json:"error"`
}

// ErrorData builds the conventional `{"error": msg}` payload.
func ErrorData(msg string) json.RawMessage {
	b, _ := json.Marshal(errorPayload{Error: msg})
	return b
}

// ErrorFrame builds a protocol-error frame addressed to the reserved
// /error URL. The id is echoed when the offending frame carried one.
func ErrorFrame(id, msg string) *Frame {
	return &Frame{
		URL:    ErrorURL,
		Method: MethodPost,
		ID:     id,
		Data:   ErrorData(msg),
	}
}

// Response builds a response frame correlated to a request. The URL
// echoes the request's URL exactly as received; a nil data payload is
// emitted as the literal null per convention.
func Response(url, id string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{URL: url, Method: MethodPost, ID: id, Data: raw}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode frame data: %w", err)
	}
	return b, nil
}

// Outbound builds a server-originated frame with no correlation id.
// Method defaults to POST when empty, matching broadcast convention.
func Outbound(url string, data any, method Method) (*Frame, error) {
	if method == "" {
		method = MethodPost
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{URL: url, Method: method, Data: raw}, nil
}
