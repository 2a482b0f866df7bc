// Package tutorial drives a scripted walkthrough over the same connection
// and environment a teaching session uses, without mode bookkeeping or task
// coverage.
//
// A script arms one await primitive at a time. Connection failures from the
// user action handler or the agent loop go to the most recently armed
// awaiter, which fails with that error.
package tutorial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rtloftin/discrete-bam/internal/actor"
	"github.com/rtloftin/discrete-bam/internal/connection"
	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/observable"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

// DefaultStepDelay separates agent loop iterations.
const DefaultStepDelay = 600 * time.Millisecond

// ErrStopped is returned by awaits that were pending when Close was called.
var ErrStopped = errors.New("tutorial stopped")

// Requester issues requests to the learning service.
type Requester interface {
	Send(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Config holds controller timings. Zero fields take their defaults.
type Config struct {
	// RequestTimeout applies to every request. Zero defers to the
	// connection's default.
	RequestTimeout time.Duration
	// StepDelay separates agent loop iterations.
	StepDelay time.Duration
	Clock     actor.Clock
}

// Controller exposes the primitives a tutorial script is built from.
type Controller struct {
	conn Requester
	env  environment.Environment
	cfg  Config

	envMu sync.Mutex

	mu     sync.Mutex
	user   bool
	sink   func(error)
	agent  *agentToken
	closed bool

	onAction *observable.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type agentToken struct {
	done chan struct{}
	once sync.Once
}

func (t *agentToken) stop() { t.once.Do(func() { close(t.done) }) }

func (t *agentToken) active() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// New returns a controller with user input disabled.
func New(conn Requester, env environment.Environment, cfg Config) *Controller {
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = DefaultStepDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = actor.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{conn: conn, env: env, cfg: cfg, ctx: ctx, cancel: cancel}
	c.onAction = env.Events().Subscribe(environment.EventAction, c.handleAction).Disable()
	return c
}

// EnableUser lets user actions through to the service.
func (c *Controller) EnableUser() { c.setUser(true) }

// DisableUser stops forwarding user actions. It holds even if an action
// request is still in flight.
func (c *Controller) DisableUser() { c.setUser(false) }

func (c *Controller) setUser(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = on
	c.onAction.SetEnabled(on)
}

// UserEnabled reports whether user actions are forwarded.
func (c *Controller) UserEnabled() bool { return c.onAction.Enabled() }

// handleAction forwards one user action. Input stays disabled until the
// response is rendered, and comes back only if the script still wants user
// input then. After a failure it stays disabled.
func (c *Controller) handleAction(payload any) {
	action, ok := payload.(string)
	if !ok {
		return
	}
	c.onAction.Disable()

	c.spawn(func() {
		resp, err := c.conn.Send(c.ctx, wire.TypeTakeAction, wire.ActionRequest{Type: action}, c.cfg.RequestTimeout)
		if err == nil {
			err = c.render(resp)
		}
		if err != nil {
			c.fail(fmt.Errorf("take-action: %w", err))
			return
		}
		c.mu.Lock()
		if c.user {
			c.onAction.Enable()
		}
		c.mu.Unlock()
	})
}

// StartAgent starts the autonomous agent loop, replacing any running one.
func (c *Controller) StartAgent() {
	tok := &agentToken{done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.agent != nil {
		c.agent.stop()
	}
	c.agent = tok
	c.mu.Unlock()

	c.spawn(func() { c.runAgent(tok) })
}

// StopAgent stops the agent loop. A request already in flight completes and
// is rendered; no further request is issued.
func (c *Controller) StopAgent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agent != nil {
		c.agent.stop()
		c.agent = nil
	}
}

func (c *Controller) runAgent(tok *agentToken) {
	for tok.active() {
		resp, err := c.conn.Send(c.ctx, wire.TypeGetAction, nil, c.cfg.RequestTimeout)
		if err == nil {
			err = c.render(resp)
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.fail(fmt.Errorf("get-action: %w", err))
			if errors.Is(err, connection.ErrConnectionClosed) {
				return
			}
		}

		select {
		case <-c.cfg.Clock.After(c.cfg.StepDelay):
		case <-tok.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// AwaitAction blocks until the user chooses an action and returns it.
func (c *Controller) AwaitAction(ctx context.Context) (string, error) {
	v, err := c.await(ctx, environment.EventAction, func(p any) bool {
		_, ok := p.(string)
		return ok
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AwaitFeedback blocks until the user gives feedback of kind.
func (c *Controller) AwaitFeedback(ctx context.Context, kind wire.FeedbackKind) error {
	_, err := c.await(ctx, environment.EventFeedback, func(p any) bool {
		switch got := p.(type) {
		case wire.FeedbackKind:
			return got == kind
		case string:
			return wire.FeedbackKind(got) == kind
		}
		return false
	})
	return err
}

// AwaitState blocks until a rendered state satisfies match and returns it.
func (c *Controller) AwaitState(ctx context.Context, match func(state json.RawMessage) bool) (json.RawMessage, error) {
	v, err := c.await(ctx, environment.EventState, func(p any) bool {
		state, ok := p.(json.RawMessage)
		return ok && match(state)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// AwaitEvent blocks until the environment publishes event, such as a
// control the script asked the user to press.
func (c *Controller) AwaitEvent(ctx context.Context, event string) error {
	_, err := c.await(ctx, event, func(any) bool { return true })
	return err
}

// await arms a one-shot subscription on event and installs itself as the
// error sink.
func (c *Controller) await(ctx context.Context, event string, match func(any) bool) (any, error) {
	matched := make(chan any, 1)
	failed := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.sink = func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	c.mu.Unlock()

	// Later matches are dropped until the deferred Remove runs.
	sub := c.env.Events().Subscribe(event, func(p any) {
		if !match(p) {
			return
		}
		select {
		case matched <- p:
		default:
		}
	})
	defer sub.Remove()

	select {
	case v := <-matched:
		return v, nil
	case err := <-failed:
		return nil, err
	case <-c.ctx.Done():
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetState asks the service to jump to state and renders the result.
func (c *Controller) SetState(ctx context.Context, state any) error {
	resp, err := c.conn.Send(ctx, wire.TypeSetState, state, c.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("set-state: %w", err)
	}
	return c.render(resp)
}

// SetTask switches the active task and renders the result.
func (c *Controller) SetTask(ctx context.Context, name string) error {
	resp, err := c.conn.Send(ctx, wire.TypeTask, wire.TaskRequest{Name: name}, c.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("task: %w", err)
	}
	return c.render(resp)
}

// Close stops the agent, detaches from the environment and fails pending
// awaits with ErrStopped. It waits for in-flight requests to return.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.agent != nil {
		c.agent.stop()
		c.agent = nil
	}
	c.mu.Unlock()

	c.onAction.Remove()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) render(payload json.RawMessage) error {
	c.envMu.Lock()
	defer c.envMu.Unlock()
	return c.env.Update(payload)
}

func (c *Controller) fail(err error) {
	logger.Warnf("tutorial: %v", err)

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(err)
	}
}

func (c *Controller) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}
