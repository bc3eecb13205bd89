// Package observer implements the observer/command/event/publisher
// core: a passive stream consumer with a future-like result surface,
// specialized into single-shot Commands and repeating Events.
//
// Grounded on the original library's connection_observer.py (state
// machine, start/await_done/timeout accounting), command.py (command
// lifecycle ordering) and event.py (repeat/publish semantics). The
// future surface itself (mutex-guarded state plus a close-once done
// channel) follows the reference implementation's own habit of
// hand-rolling synchronization with sync.Mutex and channels rather
// than reaching for a futures library — see internal/ssh/client.go's
// tunnel done-channel and internal/tui/manager.go's programMu.
package observer

import (
	"fmt"
	"sync"
	"time"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/instanceid"
	"github.com/nokia/moler/merrors"
	"github.com/nokia/moler/scheduler"
)

// State is one of the four observer lifecycle states. A terminal
// state (Done or Cancelled) never transitions back.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DoneSubscriptionID identifies a registration made through
// AddDoneSubscriber, passed back to RemoveDoneSubscriber. Go has no
// usable identity comparison for arbitrary func values (and no weak
// references the way the original library leans on for its
// subscriber bookkeeping), so, the same as FanoutConnection's
// SubscriptionID, ownership of a subscription is an explicit handle.
type DoneSubscriptionID uint64

// Base implements the Observer lifecycle: Start/AwaitDone/Cancel,
// state predicates, SetResult/SetException, and done-subscribers.
// Command and Event embed Base and supply their own intake logic via
// the feed/closed callbacks passed to Start.
type Base struct {
	name string
	id   uint64

	conn  *connection.FanoutConnection
	subID connection.SubscriptionID
	sched *scheduler.Scheduler
	timer *scheduler.Handle

	mu        sync.Mutex
	state     State
	result    any
	err       error
	startTime time.Time
	timeout   time.Duration
	doneCh    chan struct{}

	subsMu   sync.Mutex
	nextSub  DoneSubscriptionID
	doneSubs map[DoneSubscriptionID]func()
}

// NewBase constructs an observer bound to conn, named for logging
// (e.g. "PingCmd" or "AlarmEvent"). sched supplies the single
// per-observer timeout timer described in the original spec's
// timeout-accounting section.
func NewBase(name string, conn *connection.FanoutConnection, sched *scheduler.Scheduler) *Base {
	return &Base{
		name:     name,
		id:       instanceid.Next(),
		conn:     conn,
		sched:    sched,
		doneCh:   make(chan struct{}),
		doneSubs: make(map[DoneSubscriptionID]func()),
	}
}

// String matches the original library's habit of rendering
// "ClassName(id:N)" in log lines.
func (o *Base) String() string {
	return fmt.Sprintf("%s(id:%d)", o.name, o.id)
}

// State returns the current lifecycle state.
func (o *Base) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Base) Done() bool {
	s := o.State()
	return s == StateDone || s == StateCancelled
}

func (o *Base) Running() bool {
	return o.State() == StateRunning
}

func (o *Base) Cancelled() bool {
	return o.State() == StateCancelled
}

// StartTime returns when Start transitioned this observer to running.
// Zero until Start succeeds.
func (o *Base) StartTime() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startTime
}

// Start subscribes feed to the connection and records start_time.
// closed is invoked (at most once) if the connection closes while
// this observer is subscribed. Fails with AlreadyStartedError if not
// in the created state.
func (o *Base) Start(timeout time.Duration, feed func([]byte, time.Time), closed func(error)) error {
	o.mu.Lock()
	if o.state != StateCreated {
		o.mu.Unlock()
		return &merrors.AlreadyStartedError{Observer: o.String()}
	}
	o.state = StateRunning
	o.startTime = time.Now()
	o.timeout = timeout
	o.mu.Unlock()

	o.subID = o.conn.Subscribe(connection.FuncSubscriber{FeedFunc: feed, ClosedFunc: closed})
	if timeout > 0 {
		o.timer = o.sched.CallLater(timeout, o.onTimeout)
	}
	return nil
}

func (o *Base) onTimeout() {
	startTime := o.StartTime()
	elapsed := time.Since(startTime)
	o.finish(StateDone, nil, &merrors.TimeoutError{
		Observer:  o.String(),
		Kind:      "run",
		StartTime: startTime,
		Timeout:   o.timeout,
		Elapsed:   elapsed,
	})
}

// AwaitDone blocks until this observer reaches a terminal state or
// timeout elapses, whichever comes first. When both a start timeout
// and an await timeout are in play, the effective deadline is
// start_time + start_timeout, per the original spec's note on
// reconciling the two.
func (o *Base) AwaitDone(timeout time.Duration) (any, error) {
	var deadline time.Time
	if o.timeout > 0 {
		deadline = o.StartTime().Add(o.timeout)
	} else {
		deadline = time.Now().Add(timeout)
	}

	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-o.doneCh:
	case <-timer.C:
		o.finish(StateDone, nil, &merrors.TimeoutError{
			Observer:  o.String(),
			Kind:      "await",
			StartTime: o.StartTime(),
			Timeout:   timeout,
			Elapsed:   time.Since(o.StartTime()),
		})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return o.result, nil
}

// Cancel transitions this observer to cancelled. Idempotent.
func (o *Base) Cancel() {
	o.finish(StateCancelled, nil, &merrors.CancelledError{Observer: o.String()})
}

// SetResult records a successful outcome and transitions to done.
// Legal exactly once; subsequent calls are no-ops (the original
// library raises ResultAlreadySet — the core here favors silent
// idempotence since intake code must never panic on a race between
// a late chunk and an already-fired timeout).
func (o *Base) SetResult(result any) {
	o.finish(StateDone, result, nil)
}

// SetException records a failure and transitions to done. Legal
// exactly once, see SetResult.
func (o *Base) SetException(err error) {
	o.finish(StateDone, nil, err)
}

// Result returns the stored result, or NotDoneError if not terminal.
func (o *Base) Result() (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateDone && o.state != StateCancelled {
		return nil, &merrors.NotDoneError{Observer: o.String()}
	}
	return o.result, nil
}

// Exception returns the stored failure, or nil if none (including if
// not yet terminal).
func (o *Base) Exception() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// AddDoneSubscriber registers fn to be invoked when this observer
// reaches a terminal state. If already terminal, fn runs immediately
// on the caller's goroutine before AddDoneSubscriber returns.
func (o *Base) AddDoneSubscriber(fn func()) DoneSubscriptionID {
	// Holding subsMu across the state check means finish's
	// fireDoneSubs either sees fn in doneSubs or has not yet run.
	o.subsMu.Lock()
	o.mu.Lock()
	terminal := o.state == StateDone || o.state == StateCancelled
	o.mu.Unlock()

	if terminal {
		o.subsMu.Unlock()
		fn()
		return 0
	}

	o.nextSub++
	id := o.nextSub
	o.doneSubs[id] = fn
	o.subsMu.Unlock()
	return id
}

// RemoveDoneSubscriber removes a registration made by
// AddDoneSubscriber. No-op if id is unknown (already fired, or was
// never registered because AddDoneSubscriber invoked it immediately).
func (o *Base) RemoveDoneSubscriber(id DoneSubscriptionID) {
	o.subsMu.Lock()
	delete(o.doneSubs, id)
	o.subsMu.Unlock()
}

// finish performs the single terminal transition path shared by
// timeout, cancel, SetResult and SetException. It is idempotent: only
// the first caller to observe a non-terminal state performs the
// transition; later callers are no-ops, satisfying "completion
// callbacks fire exactly once".
func (o *Base) finish(state State, result any, err error) {
	o.mu.Lock()
	if o.state == StateDone || o.state == StateCancelled {
		o.mu.Unlock()
		return
	}
	o.state = state
	o.result = result
	o.err = err
	o.mu.Unlock()

	if o.timer != nil {
		o.timer.Cancel()
	}
	if o.conn != nil && o.subID != 0 {
		o.conn.Unsubscribe(o.subID)
	}
	close(o.doneCh)
	o.fireDoneSubs()
}

func (o *Base) fireDoneSubs() {
	o.subsMu.Lock()
	subs := make([]func(), 0, len(o.doneSubs))
	for _, fn := range o.doneSubs {
		subs = append(subs, fn)
	}
	o.subsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnConnectionClosed is the closed-callback Command/Event pass to
// Start; it converts a transport failure into a ConnectionLost
// failure on this observer. A graceful Close (err == nil) simply
// cancels the observer without recording a failure, since no command
// or event outcome was ever promised once nothing more will arrive.
func (o *Base) OnConnectionClosed(err error) {
	if err == nil {
		o.Cancel()
		return
	}
	o.finish(StateDone, nil, err)
}
