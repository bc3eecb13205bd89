package observer

import (
	"sync"
	"time"

	"github.com/nokia/moler/connection"
)

// CommandScheduler serializes Commands per connection: at most one
// Command runs at a time on a given connection. Events are
// deliberately exempt — only Command.Start is routed through here.
//
// Grounded on the original library's command_scheduler.py
// (is_command_in_progress_for / _wait_till_allowed_to_run_in_connection);
// the original blocks the calling thread until the slot frees up
// rather than failing the caller, which this reproduces with a plain
// per-connection sync.Mutex: a second caller queues on Lock() instead
// of erroring.
type CommandScheduler struct {
	mu    sync.Mutex
	locks map[*connection.FanoutConnection]*sync.Mutex
}

// NewCommandScheduler returns an empty scheduler.
func NewCommandScheduler() *CommandScheduler {
	return &CommandScheduler{locks: make(map[*connection.FanoutConnection]*sync.Mutex)}
}

func (cs *CommandScheduler) lockFor(conn *connection.FanoutConnection) *sync.Mutex {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	l, ok := cs.locks[conn]
	if !ok {
		l = &sync.Mutex{}
		cs.locks[conn] = l
	}
	return l
}

// Run blocks until no other Command is running on conn, then starts
// cmd and releases the slot automatically once cmd reaches a terminal
// state.
func (cs *CommandScheduler) Run(conn *connection.FanoutConnection, cmd *Command, timeout time.Duration) error {
	l := cs.lockFor(conn)
	l.Lock()
	if err := cmd.Start(timeout); err != nil {
		l.Unlock()
		return err
	}
	cmd.AddDoneSubscriber(func() { l.Unlock() })
	return nil
}

// RunAndAwait is Run followed by AwaitDone, i.e. the scheduler-aware
// equivalent of Command.Call for callers that must respect
// per-connection command serialization.
func (cs *CommandScheduler) RunAndAwait(conn *connection.FanoutConnection, cmd *Command, timeout time.Duration) (any, error) {
	if err := cs.Run(conn, cmd, timeout); err != nil {
		return nil, err
	}
	return cmd.AwaitDone(timeout)
}
