// Package input maps key presses to callbacks.
//
// A Router is owned by whoever renders the environment; there is no global
// listener table. Each key has at most one binding, and a held key fires its
// binding once until it is released.
package input

import "sync"

// Key names a key the way the terminal reports it, such as "a", " " or
// "ArrowUp".
type Key string

// Arrow keys.
const (
	ArrowUp    Key = "ArrowUp"
	ArrowDown  Key = "ArrowDown"
	ArrowLeft  Key = "ArrowLeft"
	ArrowRight Key = "ArrowRight"
)

type binding struct {
	fn   func()
	down bool
}

// Router dispatches key presses to bound callbacks. It is safe for
// concurrent use.
type Router struct {
	mu       sync.Mutex
	bindings map[Key]*binding
}

// NewRouter returns a Router with no bindings.
func NewRouter() *Router {
	return &Router{bindings: make(map[Key]*binding)}
}

// Bind sets the callback for key, replacing any existing one. A replaced
// binding starts released.
func (r *Router) Bind(key Key, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = &binding{fn: fn}
}

// Unbind removes the binding for key.
func (r *Router) Unbind(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, key)
}

// Bound reports whether key has a binding.
func (r *Router) Bound(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[key]
	return ok
}

// Press marks key as held and runs its binding unless the key was already
// held. It reports whether a callback ran.
func (r *Router) Press(key Key) bool {
	r.mu.Lock()
	b, ok := r.bindings[key]
	if !ok || b.down {
		r.mu.Unlock()
		return false
	}
	b.down = true
	fn := b.fn
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Release marks key as no longer held.
func (r *Router) Release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[key]; ok {
		b.down = false
	}
}

// Tap presses and releases key, for sources that report keystrokes without
// release events.
func (r *Router) Tap(key Key) bool {
	fired := r.Press(key)
	r.Release(key)
	return fired
}
