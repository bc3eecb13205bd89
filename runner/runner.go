// Package runner implements the two interchangeable strategies that
// drive an Observer from subscription to completion under a timeout:
// one goroutine per submitted observer, and one shared goroutine
// servicing every observer of a runner instance.
//
// Grounded on the original library's runner.py (shared contract) and
// runner_single_thread.py (single-worker completion-queue design).
package runner

import (
	"errors"
	"time"

	"github.com/nokia/moler/observer"
)

// ErrShutDown is returned by Submit once the runner has been shut
// down.
var ErrShutDown = errors.New("runner: shut down")

// Submittable is satisfied by *observer.Command and *observer.Event:
// anything with the Start/AwaitDone/Cancel/Done/AddDoneSubscriber
// shape a Runner needs to drive.
type Submittable interface {
	Start(timeout time.Duration) error
	AwaitDone(timeout time.Duration) (any, error)
	Cancel()
	Done() bool
	AddDoneSubscriber(fn func()) observer.DoneSubscriptionID
}

// Runner is the shared contract both strategies implement.
type Runner interface {
	// Submit starts obs under timeout. Non-blocking. Fails with
	// AlreadySubmittedError (translated from the AlreadyStartedError
	// that Observer.Start returns, since Submit delegates to Start) if
	// obs is not in the created state.
	Submit(obs Submittable, timeout time.Duration) error

	// WaitFor blocks until obs is terminal or timeout elapses.
	WaitFor(obs Submittable, timeout time.Duration) (any, error)

	// Shutdown cancels every outstanding observer submitted to this
	// runner, drains internal queues, and releases its worker(s).
	Shutdown()
}
