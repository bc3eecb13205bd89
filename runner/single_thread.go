package runner

import (
	"errors"
	"sync"
	"time"

	"github.com/nokia/moler/merrors"
)

// SingleThreadRunner services every observer submitted to it from one
// shared goroutine: Submit never spawns a per-observer goroutine,
// it only registers a done-subscriber that posts the observer's
// identity into a central completion queue for the one worker to
// retire. No observer parsing ever happens on this worker — parsing
// runs on the fan-out connection's own processing goroutine; this
// worker only does runner-level bookkeeping. The package creates no
// default runner instance; callers construct this one or
// PerObserverRunner explicitly.
//
// Grounded on the original library's runner_single_thread.py.
type SingleThreadRunner struct {
	mu       sync.Mutex
	active   map[Submittable]struct{}
	shutdown bool

	completions chan Submittable
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewSingleThreadRunner starts the shared worker and returns a ready
// runner.
func NewSingleThreadRunner() *SingleThreadRunner {
	r := &SingleThreadRunner{
		active:      make(map[Submittable]struct{}),
		completions: make(chan Submittable, 256),
		stop:        make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *SingleThreadRunner) loop() {
	defer r.wg.Done()
	for {
		select {
		case obs := <-r.completions:
			r.mu.Lock()
			delete(r.active, obs)
			r.mu.Unlock()
		case <-r.stop:
			for {
				select {
				case obs := <-r.completions:
					r.mu.Lock()
					delete(r.active, obs)
					r.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// Submit starts obs and registers it with the shared worker.
func (r *SingleThreadRunner) Submit(obs Submittable, timeout time.Duration) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutDown
	}
	r.active[obs] = struct{}{}
	r.mu.Unlock()

	if err := obs.Start(timeout); err != nil {
		r.mu.Lock()
		delete(r.active, obs)
		r.mu.Unlock()
		var started *merrors.AlreadyStartedError
		if errors.As(err, &started) {
			return &merrors.AlreadySubmittedError{Observer: started.Observer}
		}
		return err
	}

	obs.AddDoneSubscriber(func() {
		select {
		case r.completions <- obs:
		case <-r.stop:
		}
	})
	return nil
}

// WaitFor blocks until obs is terminal or timeout elapses.
func (r *SingleThreadRunner) WaitFor(obs Submittable, timeout time.Duration) (any, error) {
	return obs.AwaitDone(timeout)
}

// Shutdown cancels every tracked observer, drains the completion
// queue, and stops the shared worker.
func (r *SingleThreadRunner) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	observers := make([]Submittable, 0, len(r.active))
	for o := range r.active {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, o := range observers {
		o.Cancel()
	}
	close(r.stop)
	r.wg.Wait()
}
