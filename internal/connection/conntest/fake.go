// Package conntest provides an in-memory stand-in for a connection to the
// learning service.
package conntest

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Call is one recorded request.
type Call struct {
	Type    string
	Payload json.RawMessage
	Timeout time.Duration
}

// Handler answers one request. Handlers may block; they should honor ctx.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Fake records requests and answers them with per-type handlers. Requests
// without a handler get `{"state":{}}`.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
	notify   chan Call
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		handlers: make(map[string]Handler),
		notify:   make(chan Call, 1024),
	}
}

// Handle installs h for requests of type typ, replacing any prior handler.
func (f *Fake) Handle(typ string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[typ] = h
}

// Reply makes requests of type typ succeed with data.
func (f *Fake) Reply(typ string, data string) {
	f.Handle(typ, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(data), nil
	})
}

// Fail makes requests of type typ fail with err.
func (f *Fake) Fail(typ string, err error) {
	f.Handle(typ, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, err
	})
}

// Send records the request and runs its handler.
func (f *Fake) Send(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	call := Call{Type: typ, Payload: raw, Timeout: timeout}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	h := f.handlers[typ]
	f.mu.Unlock()

	select {
	case f.notify <- call:
	default:
	}

	if h == nil {
		return json.RawMessage(`{"state":{}}`), nil
	}
	return h(ctx, raw)
}

// Calls returns a snapshot of every recorded request.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Types returns the recorded request types in order.
func (f *Fake) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Type)
	}
	return out
}

// Count returns how many requests of type typ were recorded.
func (f *Fake) Count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Type == typ {
			n++
		}
	}
	return n
}

// Sent delivers every recorded request as it happens. Tests use it to wait
// for a goroutine to reach the network.
func (f *Fake) Sent() <-chan Call {
	return f.notify
}
