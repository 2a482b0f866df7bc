// Package observable is a named-event publish/subscribe primitive.
//
// Handlers run synchronously on the publisher's goroutine, in the order they
// subscribed. A Subscription can be disabled and re-enabled without losing
// its place, which callers use to gate input while a round-trip is
// outstanding.
package observable

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rtloftin/discrete-bam/internal/logger"
)

// Handler receives the payload passed to Publish. The payload may be nil.
type Handler func(payload any)

// Bus dispatches named events to their subscriptions.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscription is a handle on one registered handler.
type Subscription struct {
	bus     *Bus
	event   string
	handler Handler
	enabled atomic.Bool
	removed atomic.Bool
}

// Subscribe registers handler for event. The subscription starts enabled.
func (b *Bus) Subscribe(event string, handler Handler) *Subscription {
	sub := &Subscription{bus: b, event: event, handler: handler}
	sub.enabled.Store(true)

	b.mu.Lock()
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()
	return sub
}

// Publish invokes every enabled subscription for event.
//
// The subscription list is snapshotted before dispatch, so handlers may
// subscribe or remove freely. Enablement and removal are re-checked right
// before each call.
func (b *Bus) Publish(event string, payload any) {
	b.mu.Lock()
	snapshot := make([]*Subscription, len(b.subs[event]))
	copy(snapshot, b.subs[event])
	b.mu.Unlock()

	for _, sub := range snapshot {
		if sub.removed.Load() || !sub.enabled.Load() {
			continue
		}
		safeCall(event, sub.handler, payload)
	}
}

// Count returns the number of live subscriptions for event.
func (b *Bus) Count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Enable turns dispatch back on for this subscription.
func (s *Subscription) Enable() *Subscription {
	s.enabled.Store(true)
	return s
}

// Disable stops dispatch to this subscription while keeping it registered.
func (s *Subscription) Disable() *Subscription {
	s.enabled.Store(false)
	return s
}

// SetEnabled enables or disables the subscription.
func (s *Subscription) SetEnabled(enabled bool) *Subscription {
	s.enabled.Store(enabled)
	return s
}

// Enabled reports whether the subscription is currently enabled.
func (s *Subscription) Enabled() bool {
	return s.enabled.Load()
}

// Remove unregisters the subscription. It is idempotent.
func (s *Subscription) Remove() {
	if s.removed.Swap(true) {
		return
	}

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.event]
	for i, candidate := range subs {
		if candidate == s {
			b.subs[s.event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.event]) == 0 {
		delete(b.subs, s.event)
	}
}

func safeCall(event string, handler Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("observable: handler for %q panicked: %v\n%s", event, r, debug.Stack())
		}
	}()
	handler(payload)
}
