// Package actor runs a state machine on a single goroutine. A pure reducer
// turns each input into the next state plus a list of effects; a Runtime
// carries the effects out and reports their outcomes as further inputs.
//
// Only the loop goroutine writes the state. Everything else talks to it
// through the mailbox.
package actor

import (
	"context"
	"sync"
)

// Input is anything the loop can reduce.
type Input interface {
	isActorInput()
}

// Effect is a side effect requested by the reducer.
type Effect interface {
	isActorEffect()
}

// ReducerFunc computes the next state. It must not block, do I/O or read
// the clock.
type ReducerFunc[S any] func(state S, input Input) (next S, effects []Effect)

// Runtime carries out effects.
type Runtime interface {
	// HandleEffects runs on the loop goroutine; anything slow belongs on
	// another goroutine that reports back through emit.
	HandleEffects(ctx context.Context, effects []Effect, emit func(Input))
	Stop()
}

// Hooks observe the loop. Both run on the loop goroutine.
type Hooks[S any] struct {
	OnInput      func(input Input)
	OnTransition func(prev, next S, input Input)
}

const defaultMailbox = 256

// Actor owns a state of type S.
type Actor[S any] struct {
	reduce  ReducerFunc[S]
	runtime Runtime
	hooks   Hooks[S]

	mu    sync.Mutex
	state S

	inbox  chan Input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once
}

// Option configures an Actor.
type Option[S any] func(*Actor[S])

// WithHooks installs hooks.
func WithHooks[S any](hooks Hooks[S]) Option[S] {
	return func(a *Actor[S]) { a.hooks = hooks }
}

// WithMailboxSize overrides the mailbox capacity. Non-positive sizes are
// ignored.
func WithMailboxSize[S any](n int) Option[S] {
	return func(a *Actor[S]) {
		if n > 0 {
			a.inbox = make(chan Input, n)
		}
	}
}

// New returns a stopped actor; call Start to run it. runtime may be nil when
// the reducer never asks for effects.
func New[S any](initial S, reducer ReducerFunc[S], runtime Runtime, opts ...Option[S]) *Actor[S] {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor[S]{
		reduce:  reducer,
		runtime: runtime,
		state:   initial,
		inbox:   make(chan Input, defaultMailbox),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start runs the loop. Later calls do nothing.
func (a *Actor[S]) Start() {
	a.start.Do(func() { go a.run() })
}

// Stop ends the loop and the runtime's background work. It is idempotent.
func (a *Actor[S]) Stop() {
	a.cancel()
	if a.runtime != nil {
		a.runtime.Stop()
	}
}

// Done is closed once the loop has exited.
func (a *Actor[S]) Done() <-chan struct{} { return a.done }

// Enqueue offers input without blocking. It reports false when the actor is
// stopped or the mailbox is full, in which case input is dropped. Use it for
// user input, where losing a key press beats stalling the caller.
func (a *Actor[S]) Enqueue(input Input) bool {
	if input == nil || a.ctx.Err() != nil {
		return false
	}
	select {
	case a.inbox <- input:
		return true
	default:
		return false
	}
}

// Deliver hands input to the loop and never drops it while the actor runs.
// Request completions use it, since a lost completion would leave a busy
// flag set. When the mailbox is full the send moves to its own goroutine so
// the loop cannot deadlock on itself.
func (a *Actor[S]) Deliver(input Input) {
	if input == nil {
		return
	}
	select {
	case <-a.ctx.Done():
		return
	case a.inbox <- input:
		return
	default:
	}
	go func() {
		select {
		case <-a.ctx.Done():
		case a.inbox <- input:
		}
	}()
}

// State returns a copy of the current state.
func (a *Actor[S]) State() S {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor[S]) run() {
	defer close(a.done)

	for {
		var in Input
		select {
		case <-a.ctx.Done():
			return
		case in = <-a.inbox:
		}
		if in == nil {
			continue
		}
		if a.hooks.OnInput != nil {
			a.hooks.OnInput(in)
		}

		prev := a.State()
		next, effects := a.reduce(prev, in)
		a.mu.Lock()
		a.state = next
		a.mu.Unlock()

		if a.hooks.OnTransition != nil {
			a.hooks.OnTransition(prev, next, in)
		}
		if len(effects) > 0 && a.runtime != nil {
			a.runtime.HandleEffects(a.ctx, effects, a.Deliver)
		}
	}
}
