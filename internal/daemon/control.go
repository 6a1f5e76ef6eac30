package daemon

import (
	"sync/atomic"
	"time"
)

// =============================================================================
// State
// =============================================================================

// State is the control loop state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateReloadPending
	StateStopRequested
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateReloadPending:
		return "ReloadPending"
	case StateStopRequested:
		return "StopRequested"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// =============================================================================
// Control
// =============================================================================

// Control carries stop and reload requests into the control loop.
//
// The request methods only set a flag and nudge the loop, so they are safe
// to call from a signal handler goroutine at any time. The loop observes
// the flags between cycles and never in the middle of one.
type Control struct {
	stop   atomic.Bool
	reload atomic.Bool
	wake   chan struct{}
}

// NewControl creates a Control with no pending requests.
func NewControl() *Control {
	return &Control{wake: make(chan struct{}, 1)}
}

// RequestStop asks the loop to finish the current cycle, save and exit.
func (c *Control) RequestStop() {
	c.stop.Store(true)
	c.nudge()
}

// RequestReload asks the loop to reload the store from disk.
func (c *Control) RequestReload() {
	c.reload.Store(true)
	c.nudge()
}

// StopRequested reports whether a stop is pending.
func (c *Control) StopRequested() bool {
	return c.stop.Load()
}

// ReloadRequested reports whether a reload is pending.
func (c *Control) ReloadRequested() bool {
	return c.reload.Load()
}

// takeReload clears and returns the reload flag.
func (c *Control) takeReload() bool {
	return c.reload.Swap(false)
}

func (c *Control) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// =============================================================================
// Clock
// =============================================================================

// Clock is the time source of the control loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// nextBoundary returns the first multiple of period strictly after now.
func nextBoundary(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period).Add(period)
}
