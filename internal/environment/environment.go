// Package environment defines the capability the session engine consumes
// from whatever renders the task domain.
//
// The engine never inspects an environment's internals. It pushes response
// payloads in through Update, reads a handful of facts back out, toggles the
// mode display, and listens to the events the environment publishes on its
// bus.
package environment

import (
	"encoding/json"

	"github.com/rtloftin/discrete-bam/internal/observable"
)

// Events published on Environment.Events().
const (
	// EventAction carries the action token (string) the user chose.
	EventAction = "action"
	// EventReset asks for a new episode. No payload.
	EventReset = "reset"
	// EventTask carries the name (string) of the task the user selected.
	EventTask = "task"
	// EventStartDemonstration and the three events below drive mode changes.
	EventStartDemonstration = "start-demonstration"
	EventStopDemonstration  = "stop-demonstration"
	EventStartExecution     = "start-execution"
	EventStopExecution      = "stop-execution"
	// EventFeedback carries a wire.FeedbackKind.
	EventFeedback = "feedback"
	// EventFinish is published when the user presses the finish control.
	EventFinish = "finish"
	// EventState is published after every Update with the rendered state
	// payload (json.RawMessage).
	EventState = "state"
)

// ControlFinish is the control unlocked once every task has been covered.
const ControlFinish = "finish"

// Environment is the rendering side of a teaching session.
type Environment interface {
	// Update renders a response payload. Payloads carry a "state" field and
	// optionally a "task" field when the active task changed.
	Update(payload json.RawMessage) error

	// Task returns the name of the active task.
	Task() string
	// Tasks returns every task name of the session.
	Tasks() []string
	// NoOp returns the action token that leaves the state unchanged.
	NoOp() string
	// Depth returns the episode step horizon.
	Depth() int
	// AtGoal reports whether the current state satisfies the active task.
	AtGoal() bool

	SetIdle()
	SetDemonstration()
	SetExecution()
	SetStatus(text string)

	// EnableControl makes a named control available to the user.
	EnableControl(name string)

	FlashRed()
	FlashGreen()
	HighlightReset(on bool)

	// Events is the bus the environment publishes user input on.
	Events() *observable.Bus
}

// Indicator is implemented by environments that can block the screen with a
// "please wait" message.
type Indicator interface {
	Show(message string)
	Hide()
}

// ShowIndicator shows message if env supports it.
func ShowIndicator(env Environment, message string) {
	if ind, ok := env.(Indicator); ok {
		ind.Show(message)
	}
}

// HideIndicator hides the indicator if env supports it.
func HideIndicator(env Environment) {
	if ind, ok := env.(Indicator); ok {
		ind.Hide()
	}
}
