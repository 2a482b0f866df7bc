package session

import (
	"github.com/rtloftin/discrete-bam/internal/actor"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

// Mode is the interaction mode of a session.
type Mode string

const (
	// ModeIdle is the initial mode. User actions are sent off-task.
	ModeIdle Mode = "idle"
	// ModeDemonstration sends user actions on-task and tracks coverage.
	ModeDemonstration Mode = "demonstration"
	// ModeExecution lets the agent act on its own.
	ModeExecution Mode = "execution"
)

// Status lines shown for each mode.
const (
	statusIdle          = ""
	statusDemonstration = "Demonstrating"
	statusExecution     = "Testing"
)

// State is the loop-owned state of a session.
type State struct {
	Mode Mode

	// Paused blocks every user-driven handler. It is set for the duration of
	// a learn cycle and forever once the session is closed.
	Paused bool
	// Closed is set by Close or Abort and never cleared.
	Closed bool

	// Learning is true while an update round-trip is outstanding.
	Learning bool
	// Target is the mode entered once the outstanding learn cycle completes.
	Target Mode

	// InputEnabled gates user actions. It is off in execution mode and while
	// a transition is in progress.
	InputEnabled bool

	// Single-flight flags, one per operation class.
	ActionBusy bool
	ResetBusy  bool
	TaskBusy   bool

	// Covered holds tasks that received a successful on-task action while
	// demonstrating. Treated as copy-on-write.
	Covered map[string]struct{}
	// FinishUnlocked is set once every task is covered and never cleared.
	FinishUnlocked bool

	// LoopID increments every time an execution loop starts. The runtime
	// cancels any loop with an older id.
	LoopID int64

	// CloseReply is completed when a pending Close finishes its final learn.
	CloseReply chan error
}

// InitialState returns the state of a new session.
func InitialState() State {
	return State{
		Mode:         ModeIdle,
		Target:       ModeIdle,
		InputEnabled: true,
		Covered:      map[string]struct{}{},
	}
}

// IsCovered reports whether task has been demonstrated.
func (s State) IsCovered(task string) bool {
	_, ok := s.Covered[task]
	return ok
}

func (s State) withCovered(task string) State {
	if _, ok := s.Covered[task]; ok {
		return s
	}
	next := make(map[string]struct{}, len(s.Covered)+1)
	for k := range s.Covered {
		next[k] = struct{}{}
	}
	next[task] = struct{}{}
	s.Covered = next
	return s
}

// Inputs

// evAction is a user action chosen in the environment.
type evAction struct {
	actor.InputBase
	Action string
}

// evReset asks for a new episode.
type evReset struct {
	actor.InputBase
}

// evTask selects a different task.
type evTask struct {
	actor.InputBase
	Name string
}

// evFeedback is evaluative feedback from the user.
type evFeedback struct {
	actor.InputBase
	Kind wire.FeedbackKind
}

type evStartDemonstration struct{ actor.InputBase }
type evStopDemonstration struct{ actor.InputBase }
type evStartExecution struct{ actor.InputBase }
type evStopExecution struct{ actor.InputBase }

// cmdClose stops the session. With Learn set, a non-idle session runs one
// final learn cycle first.
type cmdClose struct {
	actor.InputBase
	Learn bool
	Reply chan error
}

// Runtime completions

// evActionDone reports a take-action round-trip. Task is the active task
// after the response was rendered.
type evActionDone struct {
	actor.InputBase
	OnTask bool
	Task   string
	Err    error
}

type evResetDone struct {
	actor.InputBase
	Err error
}

type evTaskDone struct {
	actor.InputBase
	Err error
}

// evLearnDone reports the end of a learn cycle. Tasks is the environment's
// task list read after the floor elapsed.
type evLearnDone struct {
	actor.InputBase
	Tasks []string
	Err   error
}

// evRequestFailed reports a failed best-effort or loop request.
type evRequestFailed struct {
	actor.InputBase
	Op  string
	Err error
}

// Effects

// effTakeAction sends a user action.
type effTakeAction struct {
	actor.EffectBase
	Action string
	OnTask bool
}

// effReset sends reset, preceded by the implicit no-op when NoOp is set.
type effReset struct {
	actor.EffectBase
	NoOp bool
}

// effChangeTask sends task, preceded by the implicit no-op when NoOp is set.
type effChangeTask struct {
	actor.EffectBase
	Name string
	NoOp bool
}

// effLearn runs the learn procedure, preceded by the implicit no-op when
// NoOp is set.
type effLearn struct {
	actor.EffectBase
	NoOp bool
}

// effStartLoop starts the execution loop with the given id.
type effStartLoop struct {
	actor.EffectBase
	ID int64
}

// effStopLoop cancels the running execution loop, if any.
type effStopLoop struct {
	actor.EffectBase
}

// effDisplay switches the environment's mode display.
type effDisplay struct {
	actor.EffectBase
	Mode   Mode
	Status string
	// HighlightIfGoal highlights the reset control when the agent is at the
	// goal.
	HighlightIfGoal bool
}

// effFlash flashes the environment for feedback.
type effFlash struct {
	actor.EffectBase
	Kind wire.FeedbackKind
}

// effSendFeedback sends feedback without waiting on the outcome.
type effSendFeedback struct {
	actor.EffectBase
	Kind wire.FeedbackKind
}

// effUnlockFinish enables the finish control.
type effUnlockFinish struct {
	actor.EffectBase
}

// effHideIndicator clears the learning indicator.
type effHideIndicator struct {
	actor.EffectBase
}

// effReportError publishes a session error.
type effReportError struct {
	actor.EffectBase
	Op  string
	Err error
}

// effCompleteReply completes a reply channel.
type effCompleteReply struct {
	actor.EffectBase
	Reply chan error
	Err   error
}
