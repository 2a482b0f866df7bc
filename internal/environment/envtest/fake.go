// Package envtest provides a recording Environment for tests.
package envtest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/observable"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

// Fake is an Environment that records every call made on it as a short
// string ("update", "set-status:Testing", "flash-green", ...).
type Fake struct {
	mu sync.Mutex

	tasks []string
	task  string
	noOp  string
	depth int
	goal  bool

	state   json.RawMessage
	calls   []string
	enabled map[string]bool

	bus *observable.Bus
}

var (
	_ environment.Environment = (*Fake)(nil)
	_ environment.Indicator   = (*Fake)(nil)
)

// New returns a Fake whose active task is the first of tasks.
func New(tasks ...string) *Fake {
	f := &Fake{
		tasks:   append([]string(nil), tasks...),
		noOp:    "stay",
		depth:   50,
		enabled: make(map[string]bool),
		bus:     observable.New(),
	}
	if len(tasks) > 0 {
		f.task = tasks[0]
	}
	return f
}

// Update implements environment.Environment. A "task" field may be either a
// bare name or an object with a "name" field.
func (f *Fake) Update(payload json.RawMessage) error {
	var resp wire.StateResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	f.mu.Lock()
	f.state = resp.State
	if name := taskName(resp.Task); name != "" {
		f.task = name
	}
	f.calls = append(f.calls, "update")
	state := f.state
	f.mu.Unlock()

	f.bus.Publish(environment.EventState, state)
	return nil
}

func taskName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var name string
	if json.Unmarshal(raw, &name) == nil {
		return name
	}
	var obj struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Name
	}
	return ""
}

// Task implements environment.Environment.
func (f *Fake) Task() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task
}

// Tasks implements environment.Environment.
func (f *Fake) Tasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tasks...)
}

// NoOp implements environment.Environment.
func (f *Fake) NoOp() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.noOp
}

// Depth implements environment.Environment.
func (f *Fake) Depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth
}

// AtGoal implements environment.Environment.
func (f *Fake) AtGoal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.goal
}

func (f *Fake) SetIdle()          { f.record("set-idle") }
func (f *Fake) SetDemonstration() { f.record("set-demonstration") }
func (f *Fake) SetExecution()     { f.record("set-execution") }
func (f *Fake) SetStatus(text string) {
	f.record("set-status:" + text)
}

// EnableControl implements environment.Environment.
func (f *Fake) EnableControl(name string) {
	f.mu.Lock()
	f.enabled[name] = true
	f.mu.Unlock()
	f.record("enable:" + name)
}

func (f *Fake) FlashRed()   { f.record("flash-red") }
func (f *Fake) FlashGreen() { f.record("flash-green") }

// HighlightReset implements environment.Environment.
func (f *Fake) HighlightReset(on bool) {
	f.record(fmt.Sprintf("highlight-reset:%t", on))
}

// Show implements environment.Indicator.
func (f *Fake) Show(message string) { f.record("show:" + message) }

// Hide implements environment.Indicator.
func (f *Fake) Hide() { f.record("hide") }

// Events implements environment.Environment.
func (f *Fake) Events() *observable.Bus { return f.bus }

// Emit publishes a user event as the rendering side would.
func (f *Fake) Emit(event string, payload any) {
	f.bus.Publish(event, payload)
}

// SetTask changes the active task without a round-trip.
func (f *Fake) SetTask(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task = name
}

// SetGoal sets the value AtGoal reports.
func (f *Fake) SetGoal(goal bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goal = goal
}

// State returns the last rendered state.
func (f *Fake) State() json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Enabled reports whether EnableControl was called for name.
func (f *Fake) Enabled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[name]
}

// Calls returns a snapshot of recorded calls.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many recorded calls start with prefix.
func (f *Fake) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}
