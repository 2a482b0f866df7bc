package wire

import "encoding/json"

// FeedbackKind is the evaluative signal the operator gives during execution.
type FeedbackKind string

const (
	// FeedbackReward marks the agent's recent behavior as good.
	FeedbackReward FeedbackKind = "reward"
	// FeedbackPunishment marks the agent's recent behavior as bad.
	FeedbackPunishment FeedbackKind = "punishment"
)

// Valid reports whether k is a known feedback kind.
func (k FeedbackKind) Valid() bool {
	return k == FeedbackReward || k == FeedbackPunishment
}

// ActionRequest is the take-action payload.
type ActionRequest struct {
	// Type is the environment-specific action token.
	Type string `json:"type"`
	// OnTask marks demonstrated actions. Omitted by the tutorial, in which
	// case the service treats the action as on-task.
	OnTask *bool `json:"on-task,omitempty"`
}

// TaskRequest is the task payload.
type TaskRequest struct {
	Name string `json:"name"`
}

// FeedbackRequest is the feedback payload.
type FeedbackRequest struct {
	Type FeedbackKind `json:"type"`
}

// MessageRequest is the log and error payload.
type MessageRequest struct {
	Message string `json:"message"`
}

// StateResponse is returned by every request that changes the environment
// state (take-action, get-action, reset, task, set-state).
type StateResponse struct {
	// State is the client-side rendering of the environment state.
	State json.RawMessage `json:"state"`
	// Task is set when the active task changed.
	Task json.RawMessage `json:"task,omitempty"`
}

// SessionStart is the start-session response: the initial state plus the
// layout and task list the environment is built from.
type SessionStart struct {
	State json.RawMessage `json:"state"`
	// Task describes the initially active task.
	Task  json.RawMessage `json:"task,omitempty"`
	Tasks []TaskInfo      `json:"tasks"`
	// Depth is the episode step horizon.
	Depth int `json:"depth,omitempty"`
	// NoOp is the action token that leaves the state unchanged.
	NoOp string `json:"no-op,omitempty"`
	// Layout is domain specific and passed through untouched.
	Layout json.RawMessage `json:"layout,omitempty"`
}

// TaskInfo names one task of the session.
type TaskInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Bool returns a pointer to b, for optional boolean fields.
func Bool(b bool) *bool {
	return &b
}
