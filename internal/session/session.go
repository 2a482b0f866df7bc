// Package session sequences a teaching session: demonstration, autonomous
// execution and idle phases over one connection to the learning service.
//
// Environment events are turned into reducer inputs; the reducer decides what
// happens and the Runtime performs it. Completion is reported on the
// session's own bus as EventFinish or EventError.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rtloftin/discrete-bam/internal/actor"
	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/observable"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

// Events published on Session.Events().
const (
	// EventFinish is published when the user finishes after full coverage.
	EventFinish = "finish"
	// EventError carries an *Error.
	EventError = "error"
)

// Default timings.
const (
	DefaultUpdateTimeout  = 180 * time.Second
	DefaultSessionTimeout = 180 * time.Second
	DefaultLearnFloor     = 5 * time.Second
	DefaultStepDelay      = 500 * time.Millisecond
)

// ErrClosed is returned by Close when the session already stopped without
// completing a final learn.
var ErrClosed = errors.New("session closed")

// Requester issues requests to the learning service. *connection.Client
// implements it.
type Requester interface {
	Send(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Config holds session timings. Zero fields take their defaults.
type Config struct {
	// RequestTimeout applies to interaction requests. Zero defers to the
	// connection's own default.
	RequestTimeout time.Duration
	// UpdateTimeout applies to the update request of a learn cycle.
	UpdateTimeout time.Duration
	// SessionTimeout applies to start-session and end-session.
	SessionTimeout time.Duration
	// LearnFloor is the minimum time the learning indicator stays up.
	LearnFloor time.Duration
	// StepDelay separates execution loop iterations.
	StepDelay time.Duration
	// Clock drives the floor timer and loop delay.
	Clock actor.Clock
}

func (c Config) withDefaults() Config {
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = DefaultUpdateTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.LearnFloor <= 0 {
		c.LearnFloor = DefaultLearnFloor
	}
	if c.StepDelay <= 0 {
		c.StepDelay = DefaultStepDelay
	}
	if c.Clock == nil {
		c.Clock = actor.RealClock{}
	}
	return c
}

// Error is a failed request surfaced as a session error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("session: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Session is one teaching session bound to an environment.
type Session struct {
	env    environment.Environment
	bus    *observable.Bus
	rt     *Runtime
	actor  *actor.Actor[State]
	subs   []*observable.Subscription
	finish *observable.Subscription
}

// New wires a session to env and starts it in idle mode.
func New(conn Requester, env environment.Environment, cfg Config) *Session {
	cfg = cfg.withDefaults()

	s := &Session{env: env, bus: observable.New()}
	s.rt = newRuntime(conn, env, cfg)
	s.rt.onError = func(op string, err error) {
		s.bus.Publish(EventError, &Error{Op: op, Err: err})
	}
	s.actor = actor.New(InitialState(), Reduce, s.rt, actor.WithHooks(actor.Hooks[State]{
		OnInput: func(in actor.Input) {
			logger.Tracef("session: input %T", in)
		},
		OnTransition: func(prev, next State, _ actor.Input) {
			if prev.Mode != next.Mode {
				logger.Infof("session: %s -> %s", prev.Mode, next.Mode)
			}
		},
	}))

	events := env.Events()
	s.finish = events.Subscribe(environment.EventFinish, func(any) {
		s.bus.Publish(EventFinish, nil)
	}).Disable()
	s.rt.onUnlock = func() { s.finish.Enable() }

	s.subs = []*observable.Subscription{
		s.finish,
		events.Subscribe(environment.EventAction, func(p any) {
			if action, ok := p.(string); ok {
				s.enqueue(evAction{Action: action})
			}
		}),
		events.Subscribe(environment.EventReset, func(any) { s.enqueue(evReset{}) }),
		events.Subscribe(environment.EventTask, func(p any) {
			if name, ok := p.(string); ok {
				s.enqueue(evTask{Name: name})
			}
		}),
		events.Subscribe(environment.EventFeedback, func(p any) {
			switch kind := p.(type) {
			case wire.FeedbackKind:
				s.enqueue(evFeedback{Kind: kind})
			case string:
				s.enqueue(evFeedback{Kind: wire.FeedbackKind(kind)})
			}
		}),
		events.Subscribe(environment.EventStartDemonstration, func(any) { s.enqueue(evStartDemonstration{}) }),
		events.Subscribe(environment.EventStopDemonstration, func(any) { s.enqueue(evStopDemonstration{}) }),
		events.Subscribe(environment.EventStartExecution, func(any) { s.enqueue(evStartExecution{}) }),
		events.Subscribe(environment.EventStopExecution, func(any) { s.enqueue(evStopExecution{}) }),
	}

	s.actor.Start()
	return s
}

func (s *Session) enqueue(in actor.Input) {
	if !s.actor.Enqueue(in) {
		logger.Warnf("session: dropped %T", in)
	}
}

// Events returns the bus carrying EventFinish and EventError.
func (s *Session) Events() *observable.Bus { return s.bus }

// State returns a snapshot of the session state.
func (s *Session) State() State { return s.actor.State() }

// Close stops the execution loop, disables input, runs a final learn cycle
// unless the session is idle, and leaves the session paused for good. The
// returned error is the final update's failure, if any.
func (s *Session) Close(ctx context.Context) error {
	err := s.stop(ctx, true)
	s.teardown()
	return err
}

// Abort stops the session without a final learn. It is used once a session
// error has made the episode unusable.
func (s *Session) Abort() {
	_ = s.stop(context.Background(), false)
	s.teardown()
}

// Wait blocks until every in-flight request of the session has returned.
func (s *Session) Wait() {
	<-s.actor.Done()
	s.rt.Wait()
}

func (s *Session) stop(ctx context.Context, learn bool) error {
	reply := make(chan error, 1)
	s.actor.Deliver(cmdClose{Learn: learn, Reply: reply})

	select {
	case err := <-reply:
		return err
	case <-s.actor.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) teardown() {
	for _, sub := range s.subs {
		sub.Remove()
	}
	s.actor.Stop()
}
