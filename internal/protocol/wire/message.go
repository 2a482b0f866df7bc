// Package wire defines the JSON messages exchanged with the learning service
// over the session websocket.
package wire

import "encoding/json"

// Request types understood by the learning service.
const (
	TypeStartSession = "start-session"
	TypeEndSession   = "end-session"
	TypeTakeAction   = "take-action"
	TypeReset        = "reset"
	TypeTask         = "task"
	TypeGetAction    = "get-action"
	TypeFeedback     = "feedback"
	TypeUpdate       = "update"
	TypeSetState     = "set-state"
	TypeLog          = "log"
	TypeError        = "error"
	TypeComplete     = "complete"
)

// Request is a client to service message.
type Request struct {
	// Type selects the service-side handler.
	Type string `json:"type"`
	// Data is the request payload. It is always an object, never null.
	Data json.RawMessage `json:"data"`
	// ID is the correlation id echoed back in Response.Callback.
	ID int64 `json:"id"`
}

// Response is a service to client message answering one Request.
//
// Exactly one of Data or Error is expected. A response carrying neither is a
// protocol violation.
type Response struct {
	Callback *int64          `json:"callback,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *string         `json:"error,omitempty"`
}

// Handshake is the first message the service sends on a new connection.
type Handshake struct {
	Ready *bool   `json:"ready,omitempty"`
	Error *string `json:"error,omitempty"`
}

// Ok builds a successful Response for id.
func Ok(id int64, data json.RawMessage) Response {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return Response{Callback: &id, Data: data}
}

// Fail builds an error Response for id.
func Fail(id int64, message string) Response {
	return Response{Callback: &id, Error: &message}
}

// Ready is the handshake sent when the service accepts the connection.
func Ready() Handshake {
	ready := true
	return Handshake{Ready: &ready}
}

// Declined is the handshake sent when the service refuses the connection.
func Declined(message string) Handshake {
	return Handshake{Error: &message}
}
