package runner

import (
	"errors"
	"sync"
	"time"

	"github.com/nokia/moler/merrors"
)

// PerObserverRunner starts one goroutine for each submitted observer.
// Good for small observer counts where independence and blocking
// parsers are acceptable; see SingleThreadRunner for the variant that
// bounds goroutine count under heavy fan-out.
//
// Grounded on the reference implementation's general habit of
// spawning one goroutine per unit of independent work with its own
// lifecycle (e.g. internal/ssh/client.go's per-tunnel accept loop);
// the observer's own Base already owns its timer and subscription, so
// this runner's goroutine exists mainly to host the blocking
// AddDoneSubscriber bookkeeping without the caller of Submit blocking.
type PerObserverRunner struct {
	mu       sync.Mutex
	active   map[Submittable]struct{}
	shutdown bool
}

// NewPerObserverRunner returns an empty runner.
func NewPerObserverRunner() *PerObserverRunner {
	return &PerObserverRunner{active: make(map[Submittable]struct{})}
}

// Submit starts obs and tracks it until terminal.
func (r *PerObserverRunner) Submit(obs Submittable, timeout time.Duration) error {
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

	go func() {
		done := make(chan struct{})
		obs.AddDoneSubscriber(func() { close(done) })
		<-done
		r.mu.Lock()
		delete(r.active, obs)
		r.mu.Unlock()
	}()
	return nil
}

// WaitFor blocks until obs is terminal or timeout elapses.
func (r *PerObserverRunner) WaitFor(obs Submittable, timeout time.Duration) (any, error) {
	return obs.AwaitDone(timeout)
}

// Shutdown cancels every tracked observer.
func (r *PerObserverRunner) Shutdown() {
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
}
