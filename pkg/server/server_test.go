package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplex-ws/duplex/pkg/router"
	"github.com/duplex-ws/duplex/pkg/session"
	"github.com/duplex-ws/duplex/pkg/wire"
)

type testServer struct {
	mgr *Manager
	srv *httptest.Server
}

func newTestServer(t *testing.T, table *router.Table, opts ...Option) *testServer {
	t.Helper()

	mgr := NewManager("/ws", table, opts...)

	store := session.NewStore()
	handler := session.Middleware(store, "sid")(http.HandlerFunc(mgr.HandleUpgrade))
	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		mgr.CloseAll()
		srv.Close()
	})
	return &testServer{mgr: mgr, srv: srv}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) *wire.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return f
}

func errorMessage(t *testing.T, f *wire.Frame) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload %s: %v", f.Data, err)
	}
	return payload.Error
}

func echoTable() *router.Table {
	table := router.NewTable()
	table.Get("/echo", func(ctx router.Ctx, req *router.Request) (any, error) {
		return req.Data, nil
	})
	return table
}

func TestRequestResponse(t *testing.T) {
	ts := newTestServer(t, echoTable())
	ws := ts.dial(t)

	send(t, ws, `{"url":"/echo?x=1","method":"GET","id":"r1","data":{"k":"v"}}`)
	f := readFrame(t, ws)

	if f.URL != "/echo?x=1" {
		t.Errorf("url = %q, want the request URL echoed verbatim", f.URL)
	}
	if f.ID != "r1" {
		t.Errorf("id = %q, want r1", f.ID)
	}
	if string(f.Data) != `{"k":"v"}` {
		t.Errorf("data = %s", f.Data)
	}
}

func TestNilResultIsNull(t *testing.T) {
	table := router.NewTable()
	table.Post("/ack", func(ctx router.Ctx, req *router.Request) (any, error) {
		return nil, nil
	})
	ts := newTestServer(t, table)
	ws := ts.dial(t)

	send(t, ws, `{"url":"/ack","method":"POST","id":"r1"}`)
	f := readFrame(t, ws)

	if string(f.Data) != "null" {
		t.Errorf("data = %s, want null", f.Data)
	}
}

func TestMalformedJSON(t *testing.T) {
	ts := newTestServer(t, echoTable())
	ws := ts.dial(t)

	send(t, ws, `{"url":`)
	f := readFrame(t, ws)

	if f.URL != wire.ErrorURL {
		t.Errorf("url = %q, want %q", f.URL, wire.ErrorURL)
	}
	if f.ID != "" {
		t.Errorf("id = %q, want empty", f.ID)
	}
	if got := errorMessage(t, f); got != "Invalid JSON message" {
		t.Errorf("error = %q", got)
	}
}

func TestMissingURL(t *testing.T) {
	ts := newTestServer(t, echoTable())
	ws := ts.dial(t)

	send(t, ws, `{"method":"GET","id":"r7"}`)
	f := readFrame(t, ws)

	if f.URL != wire.ErrorURL || f.ID != "r7" {
		t.Errorf("frame = %+v", f)
	}
	if got := errorMessage(t, f); got != "Missing required field: url" {
		t.Errorf("error = %q", got)
	}
}

func TestNoRouteMatched(t *testing.T) {
	ts := newTestServer(t, echoTable())
	ws := ts.dial(t)

	send(t, ws, `{"url":"/nope","method":"POST","id":"r2"}`)
	f := readFrame(t, ws)

	// A no-match is an application error: it echoes the request URL
	// rather than using the reserved /error URL.
	if f.URL != "/nope" || f.ID != "r2" {
		t.Errorf("frame = %+v", f)
	}
	if got := errorMessage(t, f); got != "No route matched for: POST /nope" {
		t.Errorf("error = %q", got)
	}
}

func TestFireAndForgetStaysSilent(t *testing.T) {
	hit := make(chan struct{}, 1)
	table := router.NewTable()
	table.Post("/notify", func(ctx router.Ctx, req *router.Request) (any, error) {
		hit <- struct{}{}
		return "ignored", nil
	})
	table.Get("/ping", func(ctx router.Ctx, req *router.Request) (any, error) {
		return "pong", nil
	})
	ts := newTestServer(t, table)
	ws := ts.dial(t)

	// No id: the handler runs but nothing comes back. An unmatched
	// id-less frame is silently dropped too.
	send(t, ws, `{"url":"/notify","method":"POST"}`)
	send(t, ws, `{"url":"/ghost","method":"POST"}`)
	send(t, ws, `{"url":"/ping","method":"GET","id":"after"}`)

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("fire-and-forget handler did not run")
	}

	// The next frame read must be the ping response, proving neither
	// fire-and-forget frame produced output.
	f := readFrame(t, ws)
	if f.ID != "after" {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestHandlerError(t *testing.T) {
	table := router.NewTable()
	table.Get("/fail", func(ctx router.Ctx, req *router.Request) (any, error) {
		return nil, errors.New("item not found")
	})
	ts := newTestServer(t, table)
	ws := ts.dial(t)

	send(t, ws, `{"url":"/fail","method":"GET","id":"r3"}`)
	f := readFrame(t, ws)

	if f.URL != "/fail" || f.ID != "r3" {
		t.Errorf("frame = %+v", f)
	}
	if got := errorMessage(t, f); got != "item not found" {
		t.Errorf("error = %q", got)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	table := router.NewTable()
	table.Get("/boom", func(ctx router.Ctx, req *router.Request) (any, error) {
		panic("kaboom")
	})
	table.Get("/ok", func(ctx router.Ctx, req *router.Request) (any, error) {
		return "fine", nil
	})
	ts := newTestServer(t, table)
	ws := ts.dial(t)

	send(t, ws, `{"url":"/boom","method":"GET","id":"r4"}`)
	f := readFrame(t, ws)
	if got := errorMessage(t, f); !strings.Contains(got, "kaboom") {
		t.Errorf("error = %q", got)
	}

	// The connection survives the panic.
	send(t, ws, `{"url":"/ok","method":"GET","id":"r5"}`)
	if f := readFrame(t, ws); f.ID != "r5" {
		t.Errorf("frame after panic = %+v", f)
	}
}

func TestParamsAndQuery(t *testing.T) {
	table := router.NewTable()
	table.Get("/items/:id", func(ctx router.Ctx, req *router.Request) (any, error) {
		return map[string]string{
			"id":   req.Params["id"],
			"sort": req.Query["sort"],
		}, nil
	})
	ts := newTestServer(t, table)
	ws := ts.dial(t)

	send(t, ws, `{"url":"/items/42?sort=asc","method":"GET","id":"r6"}`)
	f := readFrame(t, ws)

	var resp map[string]string
	if err := json.Unmarshal(f.Data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["id"] != "42" || resp["sort"] != "asc" {
		t.Errorf("resp = %v", resp)
	}
}

func TestResponsesKeepSubmissionOrder(t *testing.T) {
	table := router.NewTable()
	table.Get("/n/:i", func(ctx router.Ctx, req *router.Request) (any, error) {
		return req.Params["i"], nil
	})
	ts := newTestServer(t, table)
	ws := ts.dial(t)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		send(t, ws, `{"url":"/n/`+id+`","method":"GET","id":"`+id+`"}`)
	}
	for _, want := range []string{"a", "b", "c", "d", "e"} {
		if f := readFrame(t, ws); f.ID != want {
			t.Fatalf("response id = %q, want %q", f.ID, want)
		}
	}
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	ts := newTestServer(t, echoTable())
	ws1 := ts.dial(t)
	ws2 := ts.dial(t)

	waitForConns(t, ts.mgr, 2)

	if err := ts.mgr.Broadcast("/news", map[string]string{"h": "hi"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		f := readFrame(t, ws)
		if f.URL != "/news" || f.ID != "" || f.Method != wire.MethodPost {
			t.Errorf("broadcast frame = %+v", f)
		}
	}
}

func TestTopicEvents(t *testing.T) {
	table := router.NewTable()
	table.Post("/sub/:topic", func(ctx router.Ctx, req *router.Request) (any, error) {
		ctx.Subscribe(req.Params["topic"])
		return nil, nil
	})
	table.Post("/unsub/:topic", func(ctx router.Ctx, req *router.Request) (any, error) {
		ctx.Unsubscribe(req.Params["topic"])
		return nil, nil
	})
	ts := newTestServer(t, table)

	subscriber := ts.dial(t)
	bystander := ts.dial(t)
	waitForConns(t, ts.mgr, 2)

	send(t, subscriber, `{"url":"/sub/stocks","method":"POST","id":"s1"}`)
	readFrame(t, subscriber)

	if got := ts.mgr.Subscribers("stocks"); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	if err := ts.mgr.EmitEvent("stocks", map[string]int{"px": 7}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	f := readFrame(t, subscriber)
	if f.URL != "stocks" || f.ID != "" {
		t.Errorf("event frame = %+v", f)
	}

	// The bystander must not receive the event; a follow-up request
	// response is the next thing it sees.
	send(t, bystander, `{"url":"/sub/other","method":"POST","id":"b1"}`)
	if f := readFrame(t, bystander); f.ID != "b1" {
		t.Errorf("bystander got %+v before its own response", f)
	}

	// After unsubscribe the bucket empties.
	send(t, subscriber, `{"url":"/unsub/stocks","method":"POST","id":"s2"}`)
	readFrame(t, subscriber)
	if got := ts.mgr.Subscribers("stocks"); got != 0 {
		t.Errorf("subscribers after unsubscribe = %d", got)
	}
}

func TestDeadConnectionsReaped(t *testing.T) {
	var closedUsers []string
	var mu sync.Mutex

	ts := newTestServer(t, echoTable(),
		WithAuthPolicy(func(ctx context.Context, sess *session.Session) error {
			sess.SetUserID("alice")
			return nil
		}),
		WithConnectionClosed(func(userID string) {
			mu.Lock()
			closedUsers = append(closedUsers, userID)
			mu.Unlock()
		}),
	)

	ws1 := ts.dial(t)
	ws2 := ts.dial(t)
	_ = ws2
	waitForConns(t, ts.mgr, 2)

	ws1.Close()

	deadline := time.Now().Add(3 * time.Second)
	for ts.mgr.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("count = %d, want 1 after peer close", ts.mgr.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(closedUsers) != 1 || closedUsers[0] != "alice" {
		t.Errorf("close hook fired with %v, want [alice]", closedUsers)
	}
}

func TestAnonymousCloseSkipsHook(t *testing.T) {
	var fired atomic.Int64
	ts := newTestServer(t, echoTable(),
		WithConnectionClosed(func(userID string) { fired.Add(1) }),
	)

	ws := ts.dial(t)
	waitForConns(t, ts.mgr, 1)
	ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for ts.mgr.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("count = %d, want 0 after peer close", ts.mgr.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := fired.Load(); n != 0 {
		t.Errorf("close hook fired %d times for an anonymous connection", n)
	}
}

func TestAuthPolicyRejectsWithPolicyViolation(t *testing.T) {
	table := router.NewTable()
	ts := newTestServer(t, table,
		WithAuthPolicy(func(ctx context.Context, sess *session.Session) error {
			return errors.New("denied")
		}),
	)

	ws := ts.dial(t)
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want 1008", closeErr.Code)
	}
	if closeErr.Text != "Unauthorized" {
		t.Errorf("close reason = %q", closeErr.Text)
	}
	if ts.mgr.Count() != 0 {
		t.Errorf("rejected connection must not be registered, count = %d", ts.mgr.Count())
	}
}

func TestCloseAllRejectsNewConnections(t *testing.T) {
	ts := newTestServer(t, echoTable())
	ws := ts.dial(t)
	waitForConns(t, ts.mgr, 1)

	ts.mgr.CloseAll()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection should be closed after CloseAll")
	}
	if ts.mgr.Count() != 0 {
		t.Errorf("count = %d after CloseAll", ts.mgr.Count())
	}
}

func waitForConns(t *testing.T, mgr *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for mgr.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("count = %d, want %d", mgr.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
