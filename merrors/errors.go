// Package merrors defines the error taxonomy raised by observers,
// commands, runners and devices.
package merrors

import (
	"fmt"
	"time"
)

// TimeoutError is returned when an observer did not reach a terminal
// state within its deadline.
type TimeoutError struct {
	Observer  string
	Kind      string // "run" or "await"
	StartTime time.Time
	Timeout   time.Duration
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s time %.2f >= %.2f sec timeout", e.Observer, e.Kind, e.Elapsed.Seconds(), e.Timeout.Seconds())
}

// CommandFailure wraps a negative pattern match detected by a
// command's parser (permission denied, "NO CARRIER", ...).
type CommandFailure struct {
	Command string
	Message string
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("command failed %q with %s", e.Command, e.Message)
}

// ParsingFailure is returned when output was consumed but its
// structure was not recognized by the parser.
type ParsingFailure struct {
	Command string
	Line    string
}

func (e *ParsingFailure) Error() string {
	return fmt.Sprintf("parsing failure for %q on line %q", e.Command, e.Line)
}

// ConnectionLostError is raised on all observers still running when
// their transport closes unexpectedly.
type ConnectionLostError struct {
	Connection string
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection %q lost", e.Connection)
}

// AlreadyStartedError is returned by Start when the observer is not
// in the created state.
type AlreadyStartedError struct {
	Observer string
}

func (e *AlreadyStartedError) Error() string {
	return fmt.Sprintf("%s already started", e.Observer)
}

// AlreadySubmittedError is returned by Submit when the observer is
// not in the created state.
type AlreadySubmittedError struct {
	Observer string
}

func (e *AlreadySubmittedError) Error() string {
	return fmt.Sprintf("%s already submitted", e.Observer)
}

// NotDoneError is returned by Result when the observer has not
// reached a terminal state yet.
type NotDoneError struct {
	Observer string
}

func (e *NotDoneError) Error() string {
	return fmt.Sprintf("%s is not done", e.Observer)
}

// NotAllowedError is returned when a command or event is requested
// that is not registered for the device's current state.
type NotAllowedError struct {
	Name  string
	State string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("%q is not allowed in state %q", e.Name, e.State)
}

// NameInUseError is returned when a device is registered under a name
// that already has a live device.
type NameInUseError struct {
	Name string
}

func (e *NameInUseError) Error() string {
	return fmt.Sprintf("device name %q already in use", e.Name)
}

// HopFailure wraps the underlying command failure encountered while
// executing a state transition.
type HopFailure struct {
	From  string
	To    string
	Stage string
	Err   error
}

func (e *HopFailure) Error() string {
	return fmt.Sprintf("hop %s -> %s failed at %s: %v", e.From, e.To, e.Stage, e.Err)
}

func (e *HopFailure) Unwrap() error { return e.Err }

// InternalError wraps an exception that escaped intake processing or
// a scheduler callback; it is attached to the owning observer rather
// than propagated as a panic.
type InternalError struct {
	Observer string
	Err      error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Observer, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// CancelledError is the failure recorded on an observer cancelled
// before it reached a terminal state on its own.
type CancelledError struct {
	Observer string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Observer)
}
