package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecodeDefaultsMethodToGet(t *testing.T) {
	f, err := Decode([]byte(`{"url":"/api/items"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Method != MethodGet {
		t.Errorf("method = %q, want GET", f.Method)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"url":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if _, err := Decode([]byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected error for non-object frame")
	}
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	f, err := Decode([]byte(`{"url":"/a","method":"POST","extra":42}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.URL != "/a" || f.Method != MethodPost {
		t.Errorf("got %+v", f)
	}
}

func TestDataPresence(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		has    bool
		isNull bool
	}{
		{"absent", `{"url":"/a"}`, false, false},
		{"null", `{"url":"/a","data":null}`, true, true},
		{"object", `{"url":"/a","data":{"k":1}}`, true, false},
		{"string", `{"url":"/a","data":"null"}`, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := f.HasData(); got != tt.has {
				t.Errorf("HasData = %v, want %v", got, tt.has)
			}
			if got := f.IsNullData(); got != tt.isNull {
				t.Errorf("IsNullData = %v, want %v", got, tt.isNull)
			}
		})
	}
}

func TestMethodValid(t *testing.T) {
	for _, m := range []Method{MethodGet, MethodPost, MethodPut, MethodDelete} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	for _, m := range []Method{"", "PATCH", "get"} {
		if m.Valid() {
			t.Errorf("%q should be invalid", m)
		}
	}
}

func TestErrorFrame(t *testing.T) {
	f := ErrorFrame("abc", "Invalid JSON message")
	if f.URL != ErrorURL {
		t.Errorf("url = %q, want %q", f.URL, ErrorURL)
	}
	if f.ID != "abc" {
		t.Errorf("id = %q, want abc", f.ID)
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Error != "Invalid JSON message" {
		t.Errorf("error = %q", payload.Error)
	}
}

func TestResponseNilDataIsNull(t *testing.T) {
	f, err := Response("/api/items", "id-1", nil)
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if !bytes.Equal(f.Data, []byte("null")) {
		t.Errorf("data = %s, want null", f.Data)
	}

	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"data":null`)) {
		t.Errorf("encoded frame missing null data: %s", raw)
	}
}

func TestResponsePassesRawMessageThrough(t *testing.T) {
	payload := json.RawMessage(`{"k": 1}`)
	f, err := Response("/a", "id", payload)
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if !bytes.Equal(f.Data, payload) {
		t.Errorf("data = %s, want passthrough", f.Data)
	}
}

func TestOutboundDefaultsToPost(t *testing.T) {
	f, err := Outbound("/news", map[string]int{"n": 1}, "")
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	if f.Method != MethodPost {
		t.Errorf("method = %q, want POST", f.Method)
	}
	if f.ID != "" {
		t.Errorf("outbound frame must not carry an id, got %q", f.ID)
	}
}
