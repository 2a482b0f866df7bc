package devservice

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

// Action tokens of the grid world.
const (
	ActionUp    = "up"
	ActionDown  = "down"
	ActionLeft  = "left"
	ActionRight = "right"
	ActionStay  = "stay"
)

// Actions lists every grid world action, no-op last.
var Actions = []string{ActionUp, ActionDown, ActionLeft, ActionRight, ActionStay}

// Goal is a named target cell.
type Goal struct {
	Name string `json:"name"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// Layout describes a grid world.
type Layout struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Depth  int    `json:"depth"`
	Goals  []Goal `json:"goals"`
}

// DefaultLayout is an 11x11 open grid with a goal at the middle of each
// edge.
func DefaultLayout() Layout {
	return Layout{
		Width:  11,
		Height: 11,
		Depth:  50,
		Goals: []Goal{
			{Name: "Top", X: 5, Y: 0},
			{Name: "Bottom", X: 5, Y: 10},
			{Name: "Left", X: 0, Y: 5},
			{Name: "Right", X: 10, Y: 5},
		},
	}
}

// Position is a grid cell plus the direction the robot faces.
type Position struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Direction string `json:"direction"`
}

// ClientState is the rendering sent to the client.
type ClientState struct {
	Position
	Goal bool `json:"goal"`
}

// World is one session's grid world simulation. It is not safe for
// concurrent use.
type World struct {
	layout Layout
	rng    *rand.Rand
	pos    Position
	task   Goal
	steps  int
}

// NewWorld returns a world on layout with the first goal active and the
// robot at a random cell.
func NewWorld(layout Layout, rng *rand.Rand) (*World, error) {
	if layout.Width <= 0 || layout.Height <= 0 {
		return nil, fmt.Errorf("bad layout %dx%d", layout.Width, layout.Height)
	}
	if len(layout.Goals) == 0 {
		return nil, fmt.Errorf("layout has no goals")
	}
	w := &World{layout: layout, rng: rng, task: layout.Goals[0]}
	w.Reset()
	return w, nil
}

// Reset moves the robot to a random cell facing the center.
func (w *World) Reset() {
	w.pos = Position{X: w.rng.IntN(w.layout.Width), Y: w.rng.IntN(w.layout.Height)}
	w.pos.Direction = faceCenter(w.pos, w.layout)
	w.steps = 0
}

func faceCenter(p Position, l Layout) string {
	dx := p.X - l.Width/2
	dy := p.Y - l.Height/2
	switch {
	case abs(dx) > abs(dy) && dx > 0:
		return ActionLeft
	case abs(dx) > abs(dy):
		return ActionRight
	case dy > 0:
		return ActionUp
	default:
		return ActionDown
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Step applies action. Unknown actions and moves into the wall leave the
// robot in place.
func (w *World) Step(action string) {
	next := w.pos
	switch action {
	case ActionUp:
		next.Y--
	case ActionDown:
		next.Y++
	case ActionLeft:
		next.X--
	case ActionRight:
		next.X++
	default:
		w.steps++
		return
	}
	next.Direction = action
	if next.X < 0 || next.X >= w.layout.Width || next.Y < 0 || next.Y >= w.layout.Height {
		next.X, next.Y = w.pos.X, w.pos.Y
	}
	w.pos = next
	w.steps++
}

// SetState jumps to a position. Missing fields keep their value.
func (w *World) SetState(raw json.RawMessage) error {
	next := w.pos
	if err := json.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if next.X < 0 || next.X >= w.layout.Width || next.Y < 0 || next.Y >= w.layout.Height {
		return fmt.Errorf("state (%d,%d) outside the grid", next.X, next.Y)
	}
	w.pos = next
	return nil
}

// SetTask activates the goal called name.
func (w *World) SetTask(name string) error {
	for _, g := range w.layout.Goals {
		if g.Name == name {
			w.task = g
			return nil
		}
	}
	return fmt.Errorf("unknown task %q", name)
}

// Task returns the active goal.
func (w *World) Task() Goal { return w.task }

// Position returns the robot's cell.
func (w *World) Position() Position { return w.pos }

// Steps returns the actions taken since the last reset.
func (w *World) Steps() int { return w.steps }

// State returns the client rendering of the current state.
func (w *World) State() ClientState {
	return ClientState{
		Position: w.pos,
		Goal:     w.pos.X == w.task.X && w.pos.Y == w.task.Y,
	}
}
