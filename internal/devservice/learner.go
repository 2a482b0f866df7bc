package devservice

import (
	"math/rand/v2"

	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

type cell struct{ x, y int }

type demonstration struct {
	task   string
	at     cell
	action string
}

type decision struct {
	task   string
	at     cell
	action string
}

// Learner is a tabular stand-in for the real learning algorithm: it counts
// demonstrated actions per task and cell, folds in feedback on its own
// actions, and acts greedily on the counts.
//
// Demonstrations are buffered until Integrate, so the agent only improves
// when the client asks it to learn.
type Learner struct {
	rng     *rand.Rand
	pending []demonstration
	weights map[string]map[cell]map[string]float64
	last    *decision
}

// LearnSummary is returned from Integrate and recorded in the event log.
type LearnSummary struct {
	Integrated int `json:"integrated"`
	Tasks      int `json:"tasks"`
	Cells      int `json:"cells"`
}

// NewLearner returns an untrained learner.
func NewLearner(rng *rand.Rand) *Learner {
	return &Learner{rng: rng, weights: make(map[string]map[cell]map[string]float64)}
}

// Observe buffers a demonstrated action. Off-task actions are not
// evidence for any task and are dropped.
func (l *Learner) Observe(task string, at Position, action string, onTask bool) {
	if !onTask {
		return
	}
	l.pending = append(l.pending, demonstration{task: task, at: cell{at.X, at.Y}, action: action})
}

// Pending returns the number of buffered demonstrations.
func (l *Learner) Pending() int { return len(l.pending) }

// Integrate folds buffered demonstrations into the model.
func (l *Learner) Integrate() LearnSummary {
	n := len(l.pending)
	for _, d := range l.pending {
		l.add(d.task, d.at, d.action, 1)
	}
	l.pending = l.pending[:0]

	sum := LearnSummary{Integrated: n, Tasks: len(l.weights)}
	for _, cells := range l.weights {
		sum.Cells += len(cells)
	}
	return sum
}

func (l *Learner) add(task string, at cell, action string, w float64) {
	cells, ok := l.weights[task]
	if !ok {
		cells = make(map[cell]map[string]float64)
		l.weights[task] = cells
	}
	acts, ok := cells[at]
	if !ok {
		acts = make(map[string]float64)
		cells[at] = acts
	}
	acts[action] += w
}

// Act picks an action for task at position: the best positively weighted
// action, otherwise a random action that has not been punished.
func (l *Learner) Act(task string, at Position) string {
	here := cell{at.X, at.Y}
	acts := l.weights[task][here]

	best, bestW := "", 0.0
	var allowed []string
	for _, a := range Actions {
		w := acts[a]
		if w > bestW {
			best, bestW = a, w
		}
		if w >= 0 {
			allowed = append(allowed, a)
		}
	}
	if best == "" {
		if len(allowed) == 0 {
			allowed = Actions
		}
		best = allowed[l.rng.IntN(len(allowed))]
	}
	l.last = &decision{task: task, at: here, action: best}
	return best
}

// Feedback credits the most recent agent action.
func (l *Learner) Feedback(kind wire.FeedbackKind) {
	if l.last == nil {
		return
	}
	switch kind {
	case wire.FeedbackReward:
		l.add(l.last.task, l.last.at, l.last.action, 1)
	case wire.FeedbackPunishment:
		l.add(l.last.task, l.last.at, l.last.action, -1)
	}
}
