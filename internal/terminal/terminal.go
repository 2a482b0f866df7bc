// Package terminal renders a teaching session as text and turns keystrokes
// into environment events.
package terminal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/input"
	"github.com/rtloftin/discrete-bam/internal/observable"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

const (
	defaultNoOp  = "stay"
	defaultDepth = 50

	clearScreen = "\x1b[2J\x1b[H"
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[41m"
	colorGreen  = "\x1b[42m"
	colorBold   = "\x1b[1m"
)

// Environment is a text environment. The state is whatever JSON the service
// returns; a boolean "goal" field in it drives AtGoal.
type Environment struct {
	out io.Writer

	mu           sync.Mutex
	state        json.RawMessage
	task         string
	tasks        []wire.TaskInfo
	noOp         string
	depth        int
	goal         bool
	mode         string
	status       string
	flash        string
	highlight    bool
	indicator    string
	instructions string
	controls     map[string]bool

	bus    *observable.Bus
	router *input.Router
}

var (
	_ environment.Environment = (*Environment)(nil)
	_ environment.Indicator   = (*Environment)(nil)
)

// New builds an environment from a start-session response and binds the
// default keys.
func New(out io.Writer, initial json.RawMessage) (*Environment, error) {
	var start wire.SessionStart
	if err := json.Unmarshal(initial, &start); err != nil {
		return nil, fmt.Errorf("decode session start: %w", err)
	}

	e := &Environment{
		out:      out,
		tasks:    start.Tasks,
		noOp:     start.NoOp,
		depth:    start.Depth,
		mode:     "idle",
		controls: make(map[string]bool),
		bus:      observable.New(),
		router:   input.NewRouter(),
	}
	if e.noOp == "" {
		e.noOp = defaultNoOp
	}
	if e.depth <= 0 {
		e.depth = defaultDepth
	}
	if len(e.tasks) > 0 {
		e.task = e.tasks[0].Name
	}
	e.bindKeys()

	if err := e.Update(initial); err != nil {
		return nil, err
	}
	return e, nil
}

// Router returns the key router the environment is bound to.
func (e *Environment) Router() *input.Router { return e.router }

func (e *Environment) bindKeys() {
	actions := map[input.Key]string{
		input.ArrowUp: "up", "k": "up",
		input.ArrowDown: "down", "j": "down",
		input.ArrowLeft: "left", "h": "left",
		input.ArrowRight: "right", "l": "right",
	}
	for key, action := range actions {
		e.router.Bind(key, e.publisher(environment.EventAction, action))
	}
	e.router.Bind(".", func() { e.bus.Publish(environment.EventAction, e.NoOp()) })

	e.router.Bind(" ", e.publisher(environment.EventFeedback, wire.FeedbackReward))
	e.router.Bind("x", e.publisher(environment.EventFeedback, wire.FeedbackPunishment))
	e.router.Bind("r", e.publisher(environment.EventReset, nil))
	e.router.Bind("d", e.publisher(environment.EventStartDemonstration, nil))
	e.router.Bind("D", e.publisher(environment.EventStopDemonstration, nil))
	e.router.Bind("e", e.publisher(environment.EventStartExecution, nil))
	e.router.Bind("E", e.publisher(environment.EventStopExecution, nil))
	e.router.Bind("f", func() {
		if e.controlEnabled(environment.ControlFinish) {
			e.bus.Publish(environment.EventFinish, nil)
		}
	})

	for i, task := range e.tasks {
		if i >= 9 {
			break
		}
		e.router.Bind(input.Key(strconv.Itoa(i+1)), e.publisher(environment.EventTask, task.Name))
	}
}

func (e *Environment) publisher(event string, payload any) func() {
	return func() { e.bus.Publish(event, payload) }
}

// Update implements environment.Environment.
func (e *Environment) Update(payload json.RawMessage) error {
	var resp wire.StateResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	var facts struct {
		Goal bool `json:"goal"`
	}
	if len(resp.State) > 0 {
		_ = json.Unmarshal(resp.State, &facts)
	}

	e.mu.Lock()
	e.state = resp.State
	e.goal = facts.Goal
	if name := taskName(resp.Task); name != "" {
		e.task = name
	}
	e.flash = ""
	e.renderLocked()
	state := e.state
	e.mu.Unlock()

	e.bus.Publish(environment.EventState, state)
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
	var obj wire.TaskInfo
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Name
	}
	return ""
}

func (e *Environment) Task() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

func (e *Environment) Tasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.tasks))
	for i, t := range e.tasks {
		names[i] = t.Name
	}
	return names
}

func (e *Environment) NoOp() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.noOp
}

func (e *Environment) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depth
}

func (e *Environment) AtGoal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.goal
}

func (e *Environment) SetIdle()          { e.set(func() { e.mode = "idle" }) }
func (e *Environment) SetDemonstration() { e.set(func() { e.mode = "demonstration" }) }
func (e *Environment) SetExecution()     { e.set(func() { e.mode = "execution" }) }
func (e *Environment) SetStatus(text string) {
	e.set(func() { e.status = text })
}

func (e *Environment) EnableControl(name string) {
	e.set(func() { e.controls[name] = true })
}

func (e *Environment) FlashRed()   { e.set(func() { e.flash = colorRed }) }
func (e *Environment) FlashGreen() { e.set(func() { e.flash = colorGreen }) }

func (e *Environment) HighlightReset(on bool) {
	e.set(func() { e.highlight = on })
}

// Show implements environment.Indicator.
func (e *Environment) Show(message string) {
	e.set(func() { e.indicator = message })
}

// Hide implements environment.Indicator.
func (e *Environment) Hide() {
	e.set(func() { e.indicator = "" })
}

// SetInstructions shows tutorial text above the state.
func (e *Environment) SetInstructions(text string) {
	e.set(func() { e.instructions = strings.TrimSpace(text) })
}

func (e *Environment) Events() *observable.Bus { return e.bus }

func (e *Environment) controlEnabled(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controls[name]
}

func (e *Environment) set(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
	e.renderLocked()
}

// renderLocked redraws the whole screen. Lines end in \r\n since the
// terminal is in raw mode.
func (e *Environment) renderLocked() {
	var b strings.Builder
	b.WriteString(clearScreen)

	if e.indicator != "" {
		fmt.Fprintf(&b, "%s%s%s\r\n", colorBold, e.indicator, colorReset)
		_, _ = io.WriteString(e.out, b.String())
		return
	}
	if e.instructions != "" {
		for _, line := range strings.Split(e.instructions, "\n") {
			b.WriteString(line + "\r\n")
		}
		b.WriteString("\r\n")
	}

	bar := fmt.Sprintf(" %-14s %-14s task: %s", e.mode, e.status, e.task)
	if e.flash != "" {
		bar = e.flash + bar + colorReset
	}
	b.WriteString(bar + "\r\n")
	fmt.Fprintf(&b, " state: %s\r\n", compact(e.state))
	if e.goal {
		b.WriteString(" goal reached\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(e.helpLocked())
	_, _ = io.WriteString(e.out, b.String())
}

func (e *Environment) helpLocked() string {
	var b strings.Builder
	b.WriteString(" move: arrows/hjkl   stay: .   reward: space   punish: x\r\n")
	reset := "reset: r"
	if e.highlight {
		reset = colorBold + "[" + reset + "]" + colorReset
	}
	fmt.Fprintf(&b, " %s   demonstrate: d/D   execute: e/E", reset)
	if e.controls[environment.ControlFinish] {
		b.WriteString("   finish: f")
	}
	b.WriteString("\r\n")
	for i, t := range e.tasks {
		if i >= 9 {
			break
		}
		name := t.DisplayName
		if name == "" {
			name = t.Name
		}
		marker := " "
		if t.Name == e.task {
			marker = "*"
		}
		fmt.Fprintf(&b, " %s%d %s\r\n", marker, i+1, name)
	}
	return b.String()
}

func compact(state json.RawMessage) string {
	if len(state) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, state); err != nil {
		return string(state)
	}
	return buf.String()
}

// Banner is an Indicator for the moments before an Environment exists, such
// as while start-session is in flight.
type Banner struct {
	Out io.Writer
}

var _ environment.Indicator = Banner{}

// Show clears the screen and prints message.
func (b Banner) Show(message string) {
	_, _ = fmt.Fprintf(b.Out, "%s%s%s%s\r\n", clearScreen, colorBold, message, colorReset)
}

// Hide clears the screen.
func (b Banner) Hide() {
	_, _ = io.WriteString(b.Out, clearScreen)
}
