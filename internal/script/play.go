package script

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/rtloftin/discrete-bam/internal/actor"
	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
	"github.com/rtloftin/discrete-bam/internal/session"
	"github.com/rtloftin/discrete-bam/internal/tutorial"
)

// Instructor is implemented by environments that can show instruction text.
type Instructor interface {
	SetInstructions(text string)
}

// Options configures Play.
type Options struct {
	Tutorial tutorial.Config
	// SessionTimeout applies to start-session and end-session.
	SessionTimeout time.Duration
	// Clock drives wait steps.
	Clock actor.Clock
}

// Play runs sc from start-session to end-session.
func Play(ctx context.Context, conn tutorial.Requester, sc *Script, build session.BuildFunc, opts Options) error {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = session.DefaultSessionTimeout
	}

	initial, err := conn.Send(ctx, wire.TypeStartSession, sc.Start, opts.SessionTimeout)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	env, err := build(ctx, initial)
	if err != nil {
		return fmt.Errorf("build environment: %w", err)
	}

	ctrl := tutorial.New(conn, env, opts.Tutorial)
	runErr := Execute(ctx, sc, ctrl, env, opts.Clock)
	ctrl.Close()
	if runErr != nil {
		return runErr
	}

	if _, err := conn.Send(ctx, wire.TypeEndSession, nil, opts.SessionTimeout); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Execute runs every step of sc in order and stops at the first failure.
func Execute(ctx context.Context, sc *Script, ctrl *tutorial.Controller, env environment.Environment, clock actor.Clock) error {
	if clock == nil {
		clock = actor.RealClock{}
	}
	p := player{ctrl: ctrl, env: env, clock: clock}

	for i, st := range sc.Steps {
		logger.Debugf("script: %s step %d: %s", sc.Name, i+1, st.Kind())
		if err := p.step(ctx, st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Kind(), err)
		}
	}
	logger.Infof("script: %s complete", sc.Name)
	return nil
}

type player struct {
	ctrl  *tutorial.Controller
	env   environment.Environment
	clock actor.Clock
}

func (p player) step(ctx context.Context, st Step) error {
	switch {
	case st.Say != "":
		if ins, ok := p.env.(Instructor); ok {
			ins.SetInstructions(st.Say)
		} else {
			logger.Infof("script: %s", st.Say)
		}
	case st.EnableUser:
		p.ctrl.EnableUser()
	case st.DisableUser:
		p.ctrl.DisableUser()
	case st.AwaitAction:
		_, err := p.ctrl.AwaitAction(ctx)
		return err
	case st.AwaitControl != "":
		return p.ctrl.AwaitEvent(ctx, st.AwaitControl)
	case st.AwaitFeedback != "":
		return p.ctrl.AwaitFeedback(ctx, st.AwaitFeedback)
	case st.awaitState:
		match, err := subsetMatcher(st.AwaitState)
		if err != nil {
			return err
		}
		_, err = p.ctrl.AwaitState(ctx, match)
		return err
	case st.SetState != nil:
		return p.ctrl.SetState(ctx, st.SetState)
	case st.SetTask != "":
		return p.ctrl.SetTask(ctx, st.SetTask)
	case st.StartAgent:
		p.ctrl.StartAgent()
	case st.StopAgent:
		p.ctrl.StopAgent()
	case st.Display != "":
		p.display(st.Display)
	case st.Flash == "green":
		p.env.FlashGreen()
	case st.Flash == "red":
		p.env.FlashRed()
	case st.EnableControl != "":
		p.env.EnableControl(st.EnableControl)
	case st.Wait > 0:
		select {
		case <-p.clock.After(st.Wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p player) display(mode string) {
	switch mode {
	case "demonstration":
		p.env.SetDemonstration()
		p.env.SetStatus("Demonstrating")
	case "execution":
		p.env.SetExecution()
		p.env.SetStatus("Testing")
	default:
		p.env.SetIdle()
		p.env.SetStatus("")
	}
}

// subsetMatcher returns a predicate that holds when every field of want
// equals the same field of the rendered state. Values are compared after a
// JSON round-trip so YAML integers match JSON numbers.
func subsetMatcher(want map[string]any) (func(json.RawMessage) bool, error) {
	if len(want) == 0 {
		return func(json.RawMessage) bool { return true }, nil
	}
	raw, err := json.Marshal(want)
	if err != nil {
		return nil, fmt.Errorf("encode await-state: %w", err)
	}
	var expected map[string]any
	if err := json.Unmarshal(raw, &expected); err != nil {
		return nil, err
	}

	return func(state json.RawMessage) bool {
		var got map[string]any
		if json.Unmarshal(state, &got) != nil {
			return false
		}
		for k, v := range expected {
			if !reflect.DeepEqual(got[k], v) {
				return false
			}
		}
		return true
	}, nil
}
