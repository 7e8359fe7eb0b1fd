// Package lifecycle defines the state machine shared by the detectors.
package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by Start before configuration was supplied.
	ErrNotInitialized = errors.New("monitor not initialized: configure it before start")
	// ErrAlreadyInitialized is returned by a second configuration attempt.
	ErrAlreadyInitialized = errors.New("monitor already initialized")
)

// State is the lifecycle state of a detector.
type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CanStart reports whether Start is valid from s.
func (s State) CanStart() bool {
	return s == Initialized || s == Stopped
}

// SchedulingError reports that a detector could not create or arm its worker.
type SchedulingError struct {
	Component string
	Err       error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("%s: cannot schedule worker: %v", e.Component, e.Err)
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}
