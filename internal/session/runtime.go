package session

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
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
	"golang.org/x/sync/errgroup"
)

// learnMessage is shown on the indicator while a learn cycle runs.
const learnMessage = "Please wait: Learning"

// Runtime interprets session effects: it owns the network round-trips, the
// learn timer and the execution loop, and reports outcomes back as inputs.
type Runtime struct {
	conn  Requester
	env   environment.Environment
	cfg   Config
	clock actor.Clock

	// envMu serializes every call into the environment.
	envMu sync.Mutex

	onUnlock func()
	onError  func(op string, err error)

	loopMu sync.Mutex
	loop   *loopToken

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// loopToken is the cancellation handle of one execution loop.
type loopToken struct {
	id   int64
	done chan struct{}
	once sync.Once
}

func (t *loopToken) cancel() {
	t.once.Do(func() { close(t.done) })
}

func (t *loopToken) active() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func newRuntime(conn Requester, env environment.Environment, cfg Config) *Runtime {
	return &Runtime{
		conn:    conn,
		env:     env,
		cfg:     cfg,
		clock:   cfg.Clock,
		stopped: make(chan struct{}),
	}
}

// HandleEffects implements actor.Runtime.
func (r *Runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case effTakeAction:
			r.spawn(func() { emit(r.takeAction(ctx, e)) })
		case effReset:
			r.spawn(func() {
				if e.NoOp {
					r.implicitNoOp(ctx, emit)
				}
				emit(evResetDone{Err: r.request(ctx, wire.TypeReset, nil, r.cfg.RequestTimeout)})
			})
		case effChangeTask:
			r.spawn(func() {
				if e.NoOp {
					r.implicitNoOp(ctx, emit)
				}
				err := r.request(ctx, wire.TypeTask, wire.TaskRequest{Name: e.Name}, r.cfg.RequestTimeout)
				emit(evTaskDone{Err: err})
			})
		case effLearn:
			r.spawn(func() {
				if e.NoOp {
					r.implicitNoOp(ctx, emit)
				}
				if done, ok := r.learn(ctx); ok {
					emit(done)
				}
			})
		case effStartLoop:
			r.startLoop(ctx, e.ID, emit)
		case effStopLoop:
			r.stopLoop()
		case effDisplay:
			r.display(e)
		case effFlash:
			r.withEnv(func(env environment.Environment) {
				if e.Kind == wire.FeedbackReward {
					env.FlashGreen()
				} else {
					env.FlashRed()
				}
			})
		case effSendFeedback:
			r.spawn(func() {
				_, err := r.conn.Send(ctx, wire.TypeFeedback, wire.FeedbackRequest{Type: e.Kind}, r.cfg.RequestTimeout)
				if err != nil && ctx.Err() == nil {
					emit(evRequestFailed{Op: wire.TypeFeedback, Err: err})
				}
			})
		case effUnlockFinish:
			logger.Infof("session: every task covered, finish unlocked")
			r.withEnv(func(env environment.Environment) {
				env.EnableControl(environment.ControlFinish)
			})
			if r.onUnlock != nil {
				r.onUnlock()
			}
		case effHideIndicator:
			r.withEnv(environment.HideIndicator)
		case effReportError:
			logger.Warnf("session: %s failed: %v", e.Op, e.Err)
			if r.onError != nil {
				r.onError(e.Op, e.Err)
			}
		case effCompleteReply:
			if e.Reply != nil {
				select {
				case e.Reply <- e.Err:
				default:
				}
			}
		default:
			logger.Warnf("session: unhandled effect %T", eff)
		}
	}
}

// Stop implements actor.Runtime.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	r.stopLoop()
}

// Wait blocks until every goroutine started by the runtime has returned.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) withEnv(fn func(environment.Environment)) {
	r.envMu.Lock()
	defer r.envMu.Unlock()
	fn(r.env)
}

func (r *Runtime) render(op string, payload json.RawMessage) error {
	r.envMu.Lock()
	defer r.envMu.Unlock()
	if err := r.env.Update(payload); err != nil {
		return fmt.Errorf("render %s response: %w", op, err)
	}
	return nil
}

// request sends typ and renders the response.
func (r *Runtime) request(ctx context.Context, typ string, payload any, timeout time.Duration) error {
	resp, err := r.conn.Send(ctx, typ, payload, timeout)
	if err != nil {
		return err
	}
	return r.render(typ, resp)
}

func (r *Runtime) takeAction(ctx context.Context, e effTakeAction) evActionDone {
	req := wire.ActionRequest{Type: e.Action, OnTask: wire.Bool(e.OnTask)}
	if err := r.request(ctx, wire.TypeTakeAction, req, r.cfg.RequestTimeout); err != nil {
		return evActionDone{OnTask: e.OnTask, Err: err}
	}

	var task string
	r.withEnv(func(env environment.Environment) { task = env.Task() })
	return evActionDone{OnTask: e.OnTask, Task: task}
}

// implicitNoOp closes out an in-progress demonstration before the episode
// changes. A failure is reported but does not stop the follow-up request.
func (r *Runtime) implicitNoOp(ctx context.Context, emit func(actor.Input)) {
	var noOp string
	r.withEnv(func(env environment.Environment) { noOp = env.NoOp() })

	req := wire.ActionRequest{Type: noOp, OnTask: wire.Bool(true)}
	if err := r.request(ctx, wire.TypeTakeAction, req, r.cfg.RequestTimeout); err != nil && ctx.Err() == nil {
		emit(evRequestFailed{Op: wire.TypeTakeAction, Err: err})
	}
}

// learn runs one update round-trip alongside the minimum display floor. It
// reports false if the runtime stopped before the floor elapsed.
func (r *Runtime) learn(ctx context.Context) (evLearnDone, bool) {
	r.withEnv(func(env environment.Environment) {
		environment.ShowIndicator(env, learnMessage)
	})
	logger.Debugf("session: learning")

	var (
		g         errgroup.Group
		updateErr error
	)
	g.Go(func() error {
		_, updateErr = r.conn.Send(ctx, wire.TypeUpdate, nil, r.cfg.UpdateTimeout)
		return nil
	})
	g.Go(func() error {
		return r.sleep(ctx, r.cfg.LearnFloor, nil)
	})
	if err := g.Wait(); err != nil {
		return evLearnDone{}, false
	}

	var tasks []string
	r.withEnv(func(env environment.Environment) { tasks = env.Tasks() })
	return evLearnDone{Tasks: tasks, Err: updateErr}, true
}

// sleep waits for d. It fails if ctx ends, the runtime stops, or cancel
// closes first.
func (r *Runtime) sleep(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	select {
	case <-r.clock.After(d):
		return nil
	case <-cancel:
		return errLoopCanceled
	case <-r.stopped:
		return errRuntimeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	errLoopCanceled   = errors.New("execution loop canceled")
	errRuntimeStopped = errors.New("session runtime stopped")
)

func (r *Runtime) startLoop(ctx context.Context, id int64, emit func(actor.Input)) {
	tok := &loopToken{id: id, done: make(chan struct{})}

	r.loopMu.Lock()
	if r.loop != nil {
		r.loop.cancel()
	}
	r.loop = tok
	r.loopMu.Unlock()

	var depth int
	r.withEnv(func(env environment.Environment) { depth = env.Depth() })
	// The horizon is reported but not enforced: the loop runs until it is
	// canceled by the next transition.
	logger.Debugf("session: execution loop %d started (horizon %d)", id, depth)

	r.spawn(func() { r.runLoop(ctx, tok, emit) })
}

func (r *Runtime) stopLoop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loop != nil {
		r.loop.cancel()
		r.loop = nil
	}
}

func (r *Runtime) runLoop(ctx context.Context, tok *loopToken, emit func(actor.Input)) {
	steps := 0
	defer func() {
		logger.Debugf("session: execution loop %d stopped after %d steps", tok.id, steps)
	}()

	for tok.active() {
		err := r.request(ctx, wire.TypeGetAction, nil, r.cfg.RequestTimeout)
		steps++
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(evRequestFailed{Op: wire.TypeGetAction, Err: err})
			if errors.Is(err, connection.ErrConnectionClosed) {
				return
			}
		}
		if r.sleep(ctx, r.cfg.StepDelay, tok.done) != nil {
			return
		}
	}
}

func (r *Runtime) display(e effDisplay) {
	r.withEnv(func(env environment.Environment) {
		switch e.Mode {
		case ModeDemonstration:
			env.SetDemonstration()
		case ModeExecution:
			env.SetExecution()
		default:
			env.SetIdle()
		}
		env.SetStatus(e.Status)
		if e.HighlightIfGoal && env.AtGoal() {
			env.HighlightReset(true)
		}
	})
}
