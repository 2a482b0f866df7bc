package actor

import "time"

// Clock provides a testable time source for runtimes.
//
// Reducers must never call a Clock; runtimes use it for timers and inject any
// timestamps the reducer needs through inputs.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// After implements Clock.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
