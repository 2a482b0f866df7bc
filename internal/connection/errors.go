package connection

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionClosed is returned for every request that was pending when the
// transport closed, and for every request issued afterwards.
var ErrConnectionClosed = errors.New("connection closed")

// ConnectReason classifies a failed Dial.
type ConnectReason string

const (
	// ReasonTimeout means the handshake did not arrive before the deadline.
	ReasonTimeout ConnectReason = "timeout"
	// ReasonTransport means the socket failed or closed before the handshake.
	ReasonTransport ConnectReason = "transport-error"
	// ReasonProtocol means the handshake was malformed or reported an error.
	ReasonProtocol ConnectReason = "protocol-error"
)

// ConnectError is returned by Dial.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect: %s", e.Reason)
	}
	return fmt.Sprintf("connect: %s: %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError means a request's timeout elapsed before its response arrived.
type TimeoutError struct {
	Type  string
	ID    int64
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %d timed out after %s", e.Type, e.ID, e.After)
}

// RemoteError carries the error string the service returned for a request.
type RemoteError struct {
	Type    string
	ID      int64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s request %d failed: %s", e.Type, e.ID, e.Message)
}

// ProtocolError describes a malformed or unroutable message.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}
