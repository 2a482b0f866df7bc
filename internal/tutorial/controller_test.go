package tutorial

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rtloftin/discrete-bam/internal/actor/actortest"
	"github.com/rtloftin/discrete-bam/internal/connection"
	"github.com/rtloftin/discrete-bam/internal/connection/conntest"
	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/environment/envtest"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newController(t *testing.T) (*Controller, *envtest.Fake, *conntest.Fake, *actortest.FakeClock) {
	t.Helper()
	env := envtest.New("Soil", "Grass")
	conn := conntest.New()
	clock := actortest.NewFakeClock(time.Unix(0, 0))
	c := New(conn, env, Config{Clock: clock})
	t.Cleanup(c.Close)
	return c, env, conn, clock
}

// awaitAsync runs fn on its own goroutine and returns its error.
func awaitAsync(fn func() error) <-chan error {
	out := make(chan error, 1)
	go func() { out <- fn() }()
	return out
}

func settled(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("await never settled")
		return nil
	}
}

func TestUserActionsGated(t *testing.T) {
	t.Parallel()

	c, env, conn, _ := newController(t)

	env.Emit(environment.EventAction, "up")
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, conn.Count(wire.TypeTakeAction))

	c.EnableUser()
	env.Emit(environment.EventAction, "up")
	require.Eventually(t, func() bool { return conn.Count(wire.TypeTakeAction) == 1 && c.UserEnabled() }, waitFor, tick)

	// No on-task flag from the tutorial.
	require.JSONEq(t, `{"type":"up"}`, string(conn.Calls()[0].Payload))

	c.DisableUser()
	env.Emit(environment.EventAction, "down")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, conn.Count(wire.TypeTakeAction))
}

func TestUserActionSingleFlight(t *testing.T) {
	t.Parallel()

	c, env, conn, _ := newController(t)
	release := make(chan struct{})
	conn.Handle(wire.TypeTakeAction, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"state":{}}`), nil
	})

	c.EnableUser()
	env.Emit(environment.EventAction, "up")
	env.Emit(environment.EventAction, "up")
	require.False(t, c.UserEnabled())
	close(release)

	require.Eventually(t, c.UserEnabled, waitFor, tick)
	require.Equal(t, 1, conn.Count(wire.TypeTakeAction))
}

func TestDisableUserHoldsAcrossInFlightAction(t *testing.T) {
	t.Parallel()

	c, env, conn, _ := newController(t)
	release := make(chan struct{})
	conn.Handle(wire.TypeTakeAction, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"state":{}}`), nil
	})

	// enable-user, await-action, disable-user while the action is in flight.
	c.EnableUser()
	done := awaitAsync(func() error {
		_, err := c.AwaitAction(context.Background())
		return err
	})
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventAction) == 2 }, waitFor, tick)
	env.Emit(environment.EventAction, "up")
	require.NoError(t, settled(t, done))
	c.DisableUser()

	close(release)
	require.Eventually(t, func() bool { return conn.Count(wire.TypeTakeAction) == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	require.False(t, c.UserEnabled())

	env.Emit(environment.EventAction, "down")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, conn.Count(wire.TypeTakeAction))

	c.EnableUser()
	require.True(t, c.UserEnabled())
}

func TestAwaitActionResolvesOnce(t *testing.T) {
	t.Parallel()

	c, env, _, _ := newController(t)

	got := make(chan string, 1)
	done := awaitAsync(func() error {
		action, err := c.AwaitAction(context.Background())
		got <- action
		return err
	})
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventAction) == 2 }, waitFor, tick)

	env.Emit(environment.EventAction, "left")
	require.NoError(t, settled(t, done))
	require.Equal(t, "left", <-got)

	// The one-shot subscription is gone; only the controller's remains.
	require.Equal(t, 1, env.Events().Count(environment.EventAction))
}

func TestAwaitFeedbackMatchesKind(t *testing.T) {
	t.Parallel()

	c, env, _, _ := newController(t)
	done := awaitAsync(func() error {
		return c.AwaitFeedback(context.Background(), wire.FeedbackReward)
	})
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventFeedback) == 1 }, waitFor, tick)

	env.Emit(environment.EventFeedback, wire.FeedbackPunishment)
	select {
	case <-done:
		t.Fatal("resolved on the wrong kind")
	case <-time.After(20 * time.Millisecond):
	}

	env.Emit(environment.EventFeedback, "reward")
	require.NoError(t, settled(t, done))
	require.Zero(t, env.Events().Count(environment.EventFeedback))
}

func TestAwaitStateAfterSetState(t *testing.T) {
	t.Parallel()

	c, env, conn, _ := newController(t)
	conn.Reply(wire.TypeSetState, `{"state":{"x":4,"y":2}}`)

	var matched json.RawMessage
	done := awaitAsync(func() error {
		state, err := c.AwaitState(context.Background(), func(state json.RawMessage) bool {
			var pos struct{ X int }
			return json.Unmarshal(state, &pos) == nil && pos.X == 4
		})
		matched = state
		return err
	})
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventState) == 1 }, waitFor, tick)

	require.NoError(t, c.SetState(context.Background(), map[string]int{"x": 4, "y": 2}))
	require.NoError(t, settled(t, done))
	require.JSONEq(t, `{"x":4,"y":2}`, string(matched))
	require.JSONEq(t, `{"x":4,"y":2}`, string(conn.Calls()[0].Payload))
}

func TestSetTaskSendsName(t *testing.T) {
	t.Parallel()

	c, env, conn, _ := newController(t)
	conn.Reply(wire.TypeTask, `{"state":{},"task":"Grass"}`)

	require.NoError(t, c.SetTask(context.Background(), "Grass"))
	require.JSONEq(t, `{"name":"Grass"}`, string(conn.Calls()[0].Payload))
	require.Equal(t, "Grass", env.Task())

	conn.Fail(wire.TypeTask, errors.New("no such task"))
	require.Error(t, c.SetTask(context.Background(), "Mud"))
}

func TestFailureGoesToLatestAwaiter(t *testing.T) {
	t.Parallel()

	c, env, conn, _ := newController(t)
	boom := &connection.RemoteError{Type: wire.TypeTakeAction, Message: "bad"}
	conn.Fail(wire.TypeTakeAction, boom)

	ctx, cancel := context.WithCancel(context.Background())
	first := awaitAsync(func() error {
		return c.AwaitFeedback(ctx, wire.FeedbackReward)
	})
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventFeedback) == 1 }, waitFor, tick)

	second := awaitAsync(func() error {
		_, err := c.AwaitState(context.Background(), func(json.RawMessage) bool { return false })
		return err
	})
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventState) == 1 }, waitFor, tick)

	c.EnableUser()
	env.Emit(environment.EventAction, "up")

	require.ErrorIs(t, settled(t, second), boom)
	select {
	case <-first:
		t.Fatal("older awaiter received the failure")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	require.ErrorIs(t, settled(t, first), context.Canceled)

	// Input stays disabled after a failed action.
	require.False(t, c.UserEnabled())
}

func TestAgentLoopStartStop(t *testing.T) {
	t.Parallel()

	c, _, conn, clock := newController(t)

	c.StartAgent()
	require.Eventually(t, func() bool { return conn.Count(wire.TypeGetAction) == 1 && clock.Waiters() == 1 }, waitFor, tick)
	clock.Advance(DefaultStepDelay)
	require.Eventually(t, func() bool { return conn.Count(wire.TypeGetAction) == 2 && clock.Waiters() == 1 }, waitFor, tick)

	c.StopAgent()
	clock.Advance(10 * DefaultStepDelay)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, conn.Count(wire.TypeGetAction))
}

func TestAgentRestartSupersedesPriorLoop(t *testing.T) {
	t.Parallel()

	c, _, conn, clock := newController(t)

	c.StartAgent()
	require.Eventually(t, func() bool { return conn.Count(wire.TypeGetAction) == 1 && clock.Waiters() == 1 }, waitFor, tick)
	c.StartAgent()
	require.Eventually(t, func() bool { return conn.Count(wire.TypeGetAction) == 2 }, waitFor, tick)

	// Only the second loop is still stepping.
	require.Eventually(t, func() bool { return clock.Waiters() == 2 }, waitFor, tick)
	clock.Advance(DefaultStepDelay)
	require.Eventually(t, func() bool { return conn.Count(wire.TypeGetAction) == 3 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, conn.Count(wire.TypeGetAction))
}

func TestAgentStopsOnConnectionClose(t *testing.T) {
	t.Parallel()

	c, env, conn, clock := newController(t)
	conn.Fail(wire.TypeGetAction, connection.ErrConnectionClosed)

	done := awaitAsync(func() error { return c.AwaitFeedback(context.Background(), wire.FeedbackReward) })
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventFeedback) == 1 }, waitFor, tick)

	c.StartAgent()
	require.ErrorIs(t, settled(t, done), connection.ErrConnectionClosed)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, clock.Waiters())
	require.Equal(t, 1, conn.Count(wire.TypeGetAction))
}

func TestCloseFailsPendingAwaits(t *testing.T) {
	t.Parallel()

	c, env, _, _ := newController(t)
	done := awaitAsync(func() error {
		_, err := c.AwaitAction(context.Background())
		return err
	})
	require.Eventually(t, func() bool { return env.Events().Count(environment.EventAction) == 2 }, waitFor, tick)

	c.Close()
	require.ErrorIs(t, settled(t, done), ErrStopped)
	require.Zero(t, env.Events().Count(environment.EventAction))

	_, err := c.AwaitAction(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

func TestAwaitEventWaitsForControl(t *testing.T) {
	t.Parallel()

	c, env, _, _ := newController(t)
	done := awaitAsync(func() error {
		return c.AwaitEvent(context.Background(), environment.EventStartDemonstration)
	})
	require.Eventually(t, func() bool {
		return env.Events().Count(environment.EventStartDemonstration) == 1
	}, waitFor, tick)

	env.Emit(environment.EventReset, nil)
	env.Emit(environment.EventStartDemonstration, nil)
	require.NoError(t, settled(t, done))
}
