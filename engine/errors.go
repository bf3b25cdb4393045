package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel signals a Source shot can return in place of a plain error.
// ErrNoMoreEvents and ErrTryAgainLater are expected control-flow signals,
// not failures: the scheduler never sees them directly, only the Status
// they get translated into (Finished and ComeBackLater respectively).
var (
	// ErrNoMoreEvents signals that a Source's generator is exhausted.
	ErrNoMoreEvents = errors.New("arrow: no more events")
	// ErrTryAgainLater signals that a Source's generator has no event
	// ready right now but may have one later.
	ErrTryAgainLater = errors.New("arrow: try again later")

	// ErrNoSources is returned by ProcessingController.Run when the
	// topology has no Source arrows to drive it.
	ErrNoSources = errors.New("engine: topology has no source arrows")
	// ErrAlreadyInitialized is returned by Topology.Initialize on a
	// second call.
	ErrAlreadyInitialized = errors.New("engine: topology already initialized")
	// ErrInitialization wraps an arrow initialization failure, and is
	// returned by Run when the topology was never initialized. Both abort
	// the run before any worker starts.
	ErrInitialization = errors.New("engine: initialization failed")
	// ErrQueueNotFound names a queue the topology does not own. Arrows hold
	// queue pointers rather than indices, and no function in this package
	// returns it.
	ErrQueueNotFound = errors.New("engine: queue not found")
)

// ShotError wraps a failure raised by an arrow's shot (UserException in the
// error taxonomy) with the debugging context the controller surfaces at
// Join: which arrow, when, how long the shot had been running, and whether
// the underlying cause was a timeout or a cancellation.
type ShotError struct {
	Timestamp time.Time
	Err       error
	ArrowName string
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (e *ShotError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Timeout:
		return fmt.Sprintf("arrow %q timed out after %v: %v", e.ArrowName, e.Duration, e.Err)
	case e.Canceled:
		return fmt.Sprintf("arrow %q canceled after %v: %v", e.ArrowName, e.Duration, e.Err)
	default:
		return fmt.Sprintf("arrow %q failed after %v: %v", e.ArrowName, e.Duration, e.Err)
	}
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e *ShotError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether the failure was a timeout, either explicit
// or via context.DeadlineExceeded.
func (e *ShotError) IsTimeout() bool {
	if e == nil {
		return false
	}
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was a cancellation.
func (e *ShotError) IsCanceled() bool {
	if e == nil {
		return false
	}
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// InvariantViolation is raised when the engine detects its own bookkeeping
// has gone inconsistent - a framework bug, not a user error. The engine
// panics with this type rather than returning an error, mirroring the
// assert()-and-abort behavior described for InvariantViolation.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return "engine: invariant violation: " + e.Reason
}

func invariant(condition bool, reason string) {
	if !condition {
		panic(&InvariantViolation{Reason: reason})
	}
}
