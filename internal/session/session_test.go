package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
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

type harness struct {
	t     *testing.T
	s     *Session
	env   *envtest.Fake
	conn  *conntest.Fake
	clock *actortest.FakeClock

	mu     sync.Mutex
	errs   []error
	finish int
}

func newHarness(t *testing.T, tasks ...string) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		env:   envtest.New(tasks...),
		conn:  conntest.New(),
		clock: actortest.NewFakeClock(time.Unix(0, 0)),
	}
	h.s = New(h.conn, h.env, Config{Clock: h.clock})
	h.s.Events().Subscribe(EventError, func(p any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.errs = append(h.errs, p.(error))
	})
	h.s.Events().Subscribe(EventFinish, func(any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.finish++
	})
	t.Cleanup(h.s.Abort)
	return h
}

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *harness) finished() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finish
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, tick, msg)
}

func (h *harness) mode(want Mode) {
	h.t.Helper()
	h.eventually(func() bool {
		st := h.s.State()
		return st.Mode == want && !st.Paused
	}, "mode "+string(want))
}

// demonstrate performs one successful on-task action on task.
func (h *harness) demonstrate(task string) {
	h.t.Helper()
	h.env.SetTask(task)
	h.env.Emit(environment.EventAction, "up")
	h.eventually(func() bool { return h.s.State().IsCovered(task) }, "covered "+task)
}

// completeLearn waits for the update request, then advances the clock until
// the learn floor has elapsed.
func (h *harness) completeLearn(updates int) {
	h.t.Helper()
	h.eventually(func() bool { return h.conn.Count(wire.TypeUpdate) == updates }, "learn started")
	h.eventually(func() bool {
		if !h.s.State().Learning {
			return true
		}
		h.clock.Advance(DefaultLearnFloor)
		return false
	}, "learn finished")
}

func TestSessionCoverageUnlocksFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil", "Grass", "Crops")

	h.env.Emit(environment.EventStartDemonstration, nil)
	h.mode(ModeDemonstration)
	require.Contains(t, h.env.Calls(), "set-status:Demonstrating")

	h.demonstrate("Soil")
	h.demonstrate("Grass")
	h.env.Emit(environment.EventStopDemonstration, nil)
	h.completeLearn(1)
	h.mode(ModeIdle)

	require.False(t, h.s.State().FinishUnlocked)
	require.False(t, h.env.Enabled(environment.ControlFinish))

	// The finish control is inert until unlocked.
	h.env.Emit(environment.EventFinish, nil)
	require.Zero(t, h.finished())

	h.env.Emit(environment.EventStartDemonstration, nil)
	h.mode(ModeDemonstration)
	h.demonstrate("Crops")
	h.env.Emit(environment.EventStopDemonstration, nil)
	h.completeLearn(2)
	h.mode(ModeIdle)

	require.True(t, h.s.State().FinishUnlocked)
	require.True(t, h.env.Enabled(environment.ControlFinish))

	// Still unlocked after a reset.
	h.env.Emit(environment.EventReset, nil)
	h.eventually(func() bool { return h.conn.Count(wire.TypeReset) == 1 && !h.s.State().ResetBusy }, "reset")
	require.True(t, h.s.State().FinishUnlocked)

	h.env.Emit(environment.EventFinish, nil)
	require.Equal(t, 1, h.finished())
	require.Empty(t, h.errors())
}

func TestSessionLearnHonorsFloor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	h.env.Emit(environment.EventStartDemonstration, nil)
	h.mode(ModeDemonstration)
	h.env.Emit(environment.EventStopDemonstration, nil)

	h.eventually(func() bool { return h.conn.Count(wire.TypeUpdate) == 1 }, "update sent")
	calls := h.conn.Calls()
	require.Equal(t, DefaultUpdateTimeout, calls[len(calls)-1].Timeout)

	// The update already answered; the indicator stays until the floor.
	time.Sleep(20 * time.Millisecond)
	require.True(t, h.s.State().Paused)
	require.Contains(t, h.env.Calls(), "show:Please wait: Learning")

	// Input is refused while paused.
	h.env.Emit(environment.EventAction, "up")
	h.env.Emit(environment.EventStartExecution, nil)

	h.eventually(func() bool { return h.clock.Waiters() == 1 }, "floor armed")
	h.clock.Advance(DefaultLearnFloor - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.True(t, h.s.State().Learning)

	h.clock.Advance(time.Millisecond)
	h.mode(ModeIdle)

	// Only the implicit no-op went out as an action.
	require.Equal(t, 1, h.conn.Count(wire.TypeTakeAction))
	require.Zero(t, h.conn.Count(wire.TypeGetAction))
	envCalls := h.env.Calls()
	require.Equal(t, []string{"hide", "set-idle", "set-status:"}, envCalls[len(envCalls)-3:])
}

func TestSessionImplicitNoOpPrecedesReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	h.env.Emit(environment.EventStartDemonstration, nil)
	h.mode(ModeDemonstration)

	h.env.Emit(environment.EventReset, nil)
	h.eventually(func() bool { return !h.s.State().ResetBusy && h.conn.Count(wire.TypeReset) == 1 }, "reset")

	calls := h.conn.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, wire.TypeTakeAction, calls[0].Type)
	require.JSONEq(t, `{"type":"stay","on-task":true}`, string(calls[0].Payload))
	require.Equal(t, wire.TypeReset, calls[1].Type)

	h.env.Emit(environment.EventTask, "Grass")
	h.eventually(func() bool { return !h.s.State().TaskBusy && h.conn.Count(wire.TypeTask) == 1 }, "task")
	calls = h.conn.Calls()
	require.Equal(t, []string{wire.TypeTakeAction, wire.TypeReset, wire.TypeTakeAction, wire.TypeTask}, h.conn.Types())
	require.JSONEq(t, `{"name":"Grass"}`, string(calls[3].Payload))
}

func TestSessionNoImplicitNoOpOutsideDemonstration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	h.env.Emit(environment.EventReset, nil)
	h.eventually(func() bool { return h.conn.Count(wire.TypeReset) == 1 }, "reset")
	require.Equal(t, []string{wire.TypeReset}, h.conn.Types())
}

func TestSessionExecutionLoopAndCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	h.env.Emit(environment.EventStartExecution, nil)
	h.mode(ModeExecution)
	require.Contains(t, h.env.Calls(), "set-status:Testing")

	h.eventually(func() bool { return h.conn.Count(wire.TypeGetAction) == 1 && h.clock.Waiters() == 1 }, "first step")
	h.clock.Advance(DefaultStepDelay)
	h.eventually(func() bool { return h.conn.Count(wire.TypeGetAction) == 2 && h.clock.Waiters() == 1 }, "second step")

	// Feedback is allowed while executing.
	h.env.Emit(environment.EventFeedback, wire.FeedbackReward)
	h.eventually(func() bool { return h.conn.Count(wire.TypeFeedback) == 1 }, "feedback")
	require.Contains(t, h.env.Calls(), "flash-green")

	h.env.Emit(environment.EventStopExecution, nil)
	h.completeLearn(1)
	h.mode(ModeIdle)

	// The canceled loop never asks again.
	h.clock.Advance(10 * DefaultStepDelay)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, h.conn.Count(wire.TypeGetAction))
	require.Empty(t, h.errors())
}

func TestSessionCanceledLoopObservesInFlightResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	release := make(chan struct{})
	h.conn.Handle(wire.TypeGetAction, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-release:
			return json.RawMessage(`{"state":{"step":1}}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	h.env.Emit(environment.EventStartExecution, nil)
	h.mode(ModeExecution)
	h.eventually(func() bool { return h.conn.Count(wire.TypeGetAction) == 1 }, "in flight")

	h.env.Emit(environment.EventStopExecution, nil)
	h.eventually(func() bool { return h.conn.Count(wire.TypeUpdate) == 1 }, "learning")
	close(release)

	h.eventually(func() bool { return string(h.env.State()) == `{"step":1}` }, "response rendered")
	h.completeLearn(1)
	h.mode(ModeIdle)
	h.clock.Advance(10 * DefaultStepDelay)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.conn.Count(wire.TypeGetAction))
}

func TestSessionLoopStopsWhenConnectionCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	h.conn.Fail(wire.TypeGetAction, connection.ErrConnectionClosed)

	h.env.Emit(environment.EventStartExecution, nil)
	h.eventually(func() bool { return len(h.errors()) == 1 }, "error reported")

	var sessErr *Error
	require.ErrorAs(t, h.errors()[0], &sessErr)
	require.Equal(t, wire.TypeGetAction, sessErr.Op)
	require.ErrorIs(t, sessErr, connection.ErrConnectionClosed)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, h.clock.Waiters())
	require.Equal(t, 1, h.conn.Count(wire.TypeGetAction))
}

func TestSessionActionFailureSurfacesError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	boom := &connection.RemoteError{Type: wire.TypeTakeAction, Message: "bad action"}
	h.conn.Fail(wire.TypeTakeAction, boom)

	h.env.Emit(environment.EventStartDemonstration, nil)
	h.mode(ModeDemonstration)
	h.env.Emit(environment.EventAction, "up")

	h.eventually(func() bool { return len(h.errors()) == 1 }, "error reported")
	require.ErrorIs(t, h.errors()[0], boom)
	require.False(t, h.s.State().ActionBusy)
	require.False(t, h.s.State().IsCovered("Soil"))
}

func TestSessionFeedbackFailureIsNonBlocking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	h.conn.Fail(wire.TypeFeedback, errors.New("dropped"))

	h.env.Emit(environment.EventStartExecution, nil)
	h.mode(ModeExecution)
	h.env.Emit(environment.EventFeedback, "punishment")
	h.env.Emit(environment.EventFeedback, "punishment")

	h.eventually(func() bool { return len(h.errors()) == 2 }, "both reported")
	require.Equal(t, 2, h.env.Count("flash-red"))
	require.Equal(t, ModeExecution, h.s.State().Mode)
}

func TestSessionCloseRunsFinalLearn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	h.env.Emit(environment.EventStartDemonstration, nil)
	h.mode(ModeDemonstration)

	closed := make(chan error, 1)
	go func() { closed <- h.s.Close(context.Background()) }()

	h.eventually(func() bool { return h.conn.Count(wire.TypeUpdate) == 1 && h.clock.Waiters() == 1 }, "final learn")
	h.clock.Advance(DefaultLearnFloor)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not return")
	}
	require.True(t, h.s.State().Paused)
	require.Zero(t, h.env.Events().Count(environment.EventAction))

	// No implicit no-op on close.
	require.Zero(t, h.conn.Count(wire.TypeTakeAction))
}

func TestSessionCloseIdleSkipsLearn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "Soil")
	require.NoError(t, h.s.Close(context.Background()))
	require.Zero(t, h.conn.Count(wire.TypeUpdate))
}
