package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/duplex-ws/duplex/pkg/session"
	"github.com/duplex-ws/duplex/pkg/wire"
)

// stubCtx satisfies Ctx for table and composer tests; the transport
// methods are never exercised here.
type stubCtx struct{}

func (stubCtx) Endpoint() string          { return "/ws" }
func (stubCtx) URL() string               { return "/test" }
func (stubCtx) Method() wire.Method       { return wire.MethodGet }
func (stubCtx) PluginID() string          { return "" }
func (stubCtx) IP() string                { return "" }
func (stubCtx) Session() *session.Session { return nil }
func (stubCtx) Context() context.Context  { return context.Background() }

func (stubCtx) Send(url string, data any) error      { return nil }
func (stubCtx) Broadcast(url string, data any) error { return nil }
func (stubCtx) BroadcastMethod(url string, data any, method wire.Method) error {
	return nil
}
func (stubCtx) Subscribe(topic string)   {}
func (stubCtx) Unsubscribe(topic string) {}

func named(name string) Handler {
	return func(ctx Ctx, req *Request) (any, error) {
		return name, nil
	}
}

func TestMatchFirstRegisteredWins(t *testing.T) {
	table := NewTable()
	table.Get("/items/:id", named("param"))
	table.Get("/items/special", named("literal"))

	route, params, ok := table.Match(wire.MethodGet, "/items/special")
	if !ok {
		t.Fatal("expected a match")
	}
	got, _ := route.Handler(stubCtx{}, &Request{})
	if got != "param" {
		t.Errorf("matched %v, want the first-registered route", got)
	}
	if params["id"] != "special" {
		t.Errorf("params = %v", params)
	}
}

func TestMatchMethodIsPartOfTheKey(t *testing.T) {
	table := NewTable()
	table.Get("/items", named("get"))
	table.Post("/items", named("post"))

	route, _, ok := table.Match(wire.MethodPost, "/items")
	if !ok {
		t.Fatal("expected a match")
	}
	got, _ := route.Handler(stubCtx{}, &Request{})
	if got != "post" {
		t.Errorf("matched %v, want the POST route", got)
	}

	if _, _, ok := table.Match(wire.MethodDelete, "/items"); ok {
		t.Error("DELETE should not match")
	}
}

func TestMatchNoRoute(t *testing.T) {
	table := NewTable()
	table.Get("/items", named("get"))

	if _, _, ok := table.Match(wire.MethodGet, "/other"); ok {
		t.Error("unexpected match")
	}
}

func TestPluginRoutesCarryTag(t *testing.T) {
	table := NewTable()
	table.Plugin("inventory").Get("/inv/:id", named("inv"))

	route, _, ok := table.Match(wire.MethodGet, "/inv/1")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.Plugin != "inventory" {
		t.Errorf("plugin = %q, want inventory", route.Plugin)
	}
}

func TestComposeOrder(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(ctx Ctx, req *Request, next Next) (any, error) {
			trace = append(trace, name+" in")
			result, err := next()
			trace = append(trace, name+" out")
			return result, err
		}
	}

	h := Compose([]Middleware{mw("a"), mw("b")}, func(ctx Ctx, req *Request) (any, error) {
		trace = append(trace, "handler")
		return "done", nil
	})

	result, err := h(stubCtx{}, &Request{})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %v", result)
	}

	want := []string{"a in", "b in", "handler", "b out", "a out"}
	if fmt.Sprint(trace) != fmt.Sprint(want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

func TestComposeShortCircuit(t *testing.T) {
	sentinel := errors.New("denied")
	reachedHandler := false

	h := Compose([]Middleware{
		func(ctx Ctx, req *Request, next Next) (any, error) {
			return nil, sentinel
		},
	}, func(ctx Ctx, req *Request) (any, error) {
		reachedHandler = true
		return nil, nil
	})

	if _, err := h(stubCtx{}, &Request{}); !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if reachedHandler {
		t.Error("handler must not run after a short-circuit")
	}
}

func TestComposeNextCalledTwice(t *testing.T) {
	calls := 0
	h := Compose([]Middleware{
		func(ctx Ctx, req *Request, next Next) (any, error) {
			if _, err := next(); err != nil {
				return nil, err
			}
			return next()
		},
	}, func(ctx Ctx, req *Request) (any, error) {
		calls++
		return nil, nil
	})

	_, err := h(stubCtx{}, &Request{})
	if !errors.Is(err, ErrNextCalledTwice) {
		t.Errorf("err = %v, want ErrNextCalledTwice", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestComposeZeroMiddleware(t *testing.T) {
	h := Compose(nil, named("plain"))
	result, err := h(stubCtx{}, &Request{})
	if err != nil || result != "plain" {
		t.Errorf("got (%v, %v)", result, err)
	}
}
