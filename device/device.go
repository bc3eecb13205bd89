// Package device implements the per-device operational state machine:
// a labelled directed graph of states, hop transitions between them,
// and a state-indexed registry of the commands/events available in
// each state.
//
// Grounded on the original library's device/textualdevice.py
// (goto_state hop execution and state-change notification sequencing)
// and device/device.py (device-as-command-factory pattern). Hop
// command construction (building a command string/params from
// structured configuration) follows the reference implementation's
// internal/docker/command.go CommandBuilder habit of assembling a
// command incrementally from parts rather than templating a single
// format string.
package device

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/merrors"
	"github.com/nokia/moler/observer"
	"github.com/nokia/moler/scheduler"
)

// NotConnectedState is the designated initial state every Device
// starts in.
const NotConnectedState = "NOT_CONNECTED"

// Default auto-reconnect backoff parameters (spec.md's resolved open
// question: initial 1s, factor 2, cap 30s).
const (
	DefaultReconnectInitial = 1 * time.Second
	DefaultReconnectFactor  = 2.0
	DefaultReconnectCap     = 30 * time.Second
)

// CommandFactory constructs a Command bound to conn, parameterized by
// params (e.g. a hop's command_params, or a caller's get_cmd params).
type CommandFactory func(conn *connection.FanoutConnection, params map[string]any) (*observer.Command, error)

// EventFactory constructs an Event bound to conn.
type EventFactory func(conn *connection.FanoutConnection, params map[string]any) (*observer.Event, error)

// StateChange is delivered to state-change subscribers after the new
// state has been stored.
type StateChange struct {
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

// Device is a named state machine bound to one connection and a
// catalog of commands/events indexed by state.
type Device struct {
	name    string
	rawConn connection.Connection
	decoder connection.Decoder
	conn    *connection.FanoutConnection
	sched   *scheduler.Scheduler

	connMu sync.Mutex // guards rawConn/conn swap during reconnect

	mu    sync.Mutex
	state string

	localState string // state Close() traverses back to

	graph map[string]map[string]*HopTransition
	hopCommandFactories map[string]CommandFactory

	cmdFactories   map[string]map[string]CommandFactory
	eventFactories map[string]map[string]EventFactory

	transitionMu sync.Mutex // serializes goto_state; concurrent callers queue

	subsMu    sync.Mutex
	nextSub   uint64
	stateSubs map[uint64]func(StateChange)

	autoReconnect    bool
	reconnectInitial time.Duration
	reconnectFactor  float64
	reconnectCap     time.Duration
	backoffMu        sync.Mutex
	currentBackoff   time.Duration
}

// New constructs a Device in NotConnectedState over rawConn, decoded
// with decoder (nil selects connection.ReplacingUTF8Decoder). Device
// owns the FanoutConnection wrapping rawConn so that auto-reconnect
// can rebuild it after a transport failure: a FanoutConnection that
// has reported a loss stays closed for good, the same as the
// underlying transport it wrapped, so recovering means reopening
// rawConn and wrapping it afresh rather than retrying on the dead one.
// localState is the state Close() traverses back to before closing
// the transport (the closest "local" state, e.g. "UNIX_LOCAL").
func New(name string, rawConn connection.Connection, decoder connection.Decoder, sched *scheduler.Scheduler, localState string) *Device {
	d := &Device{
		name:                name,
		rawConn:             rawConn,
		decoder:             decoder,
		sched:               sched,
		state:               NotConnectedState,
		localState:          localState,
		graph:               make(map[string]map[string]*HopTransition),
		hopCommandFactories: make(map[string]CommandFactory),
		cmdFactories:        make(map[string]map[string]CommandFactory),
		eventFactories:      make(map[string]map[string]EventFactory),
		stateSubs:           make(map[uint64]func(StateChange)),
		reconnectInitial:    DefaultReconnectInitial,
		reconnectFactor:     DefaultReconnectFactor,
		reconnectCap:        DefaultReconnectCap,
	}
	d.conn = connection.New(rawConn, decoder)
	d.subscribeSelf(d.conn)
	return d
}

func (d *Device) subscribeSelf(conn *connection.FanoutConnection) {
	conn.Subscribe(connection.FuncSubscriber{
		FeedFunc:   func([]byte, time.Time) {},
		ClosedFunc: d.onConnectionClosed,
	})
}

// currentConn returns the live FanoutConnection, swapped in by a
// successful reconnect.
func (d *Device) currentConn() *connection.FanoutConnection {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.conn
}

// Conn returns the live FanoutConnection this device is currently
// bound to. The returned value can go stale across a reconnect; call
// Conn again rather than caching it across a state transition.
func (d *Device) Conn() *connection.FanoutConnection {
	return d.currentConn()
}

// EnableAutoReconnect turns on the auto-reconnect behavior described
// in spec.md §4.7, with the given backoff parameters. Pass zero
// values to use the documented defaults.
func (d *Device) EnableAutoReconnect(initial time.Duration, factor float64, cap time.Duration) {
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if factor <= 1 {
		factor = DefaultReconnectFactor
	}
	if cap <= 0 {
		cap = DefaultReconnectCap
	}
	d.mu.Lock()
	d.autoReconnect = true
	d.reconnectInitial = initial
	d.reconnectFactor = factor
	d.reconnectCap = cap
	d.mu.Unlock()
}

// CurrentState returns the device's current state.
func (d *Device) CurrentState() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Name returns the device's name.
func (d *Device) Name() string { return d.name }

// RegisterHopCommandFactory registers the factory used to construct
// the Command for a given hop command name (e.g. "ssh", "telnet").
// Hop commands are infrastructure and are looked up by name alone,
// not gated by state the way RegisterCmd/RegisterEvent's catalogs are.
func (d *Device) RegisterHopCommandFactory(commandName string, factory CommandFactory) {
	d.hopCommandFactories[commandName] = factory
}

// RegisterHop adds a configured transition between two states. If
// hop.ReverseCommandName is non-empty, the reverse edge (to -> from)
// is also registered automatically, so GotoState(from) from state "to"
// — including the implicit traversal performed by Close — works
// through the same path-finding logic as any forward hop.
func (d *Device) RegisterHop(hop *HopTransition) {
	d.addEdge(hop.From, hop.To, hop)
	if hop.ReverseCommandName != "" {
		reverse := &HopTransition{
			From:           hop.To,
			To:             hop.From,
			CommandName:    hop.ReverseCommandName,
			CommandParams:  hop.ReverseCommandParams,
			ExpectedPrompt: hop.ExpectedPrompt,
		}
		d.addEdge(hop.To, hop.From, reverse)
	}
}

func (d *Device) addEdge(from, to string, hop *HopTransition) {
	if d.graph[from] == nil {
		d.graph[from] = make(map[string]*HopTransition)
	}
	d.graph[from][to] = hop
}

// RegisterCmd registers the factory for name in the given state's
// command catalog.
func (d *Device) RegisterCmd(state, name string, factory CommandFactory) {
	if d.cmdFactories[state] == nil {
		d.cmdFactories[state] = make(map[string]CommandFactory)
	}
	d.cmdFactories[state][name] = factory
}

// RegisterEvent registers the factory for name in the given state's
// event catalog.
func (d *Device) RegisterEvent(state, name string, factory EventFactory) {
	if d.eventFactories[state] == nil {
		d.eventFactories[state] = make(map[string]EventFactory)
	}
	d.eventFactories[state][name] = factory
}

// GetCmd looks up the factory registered for (current_state, name)
// and constructs the command bound to this device's connection.
// Rejects with NotAllowedError if name is not registered for the
// current state.
func (d *Device) GetCmd(name string, params map[string]any) (*observer.Command, error) {
	state := d.CurrentState()
	factories := d.cmdFactories[state]
	factory, ok := factories[name]
	if !ok {
		return nil, &merrors.NotAllowedError{Name: name, State: state}
	}
	return factory(d.currentConn(), params)
}

// GetEvent looks up the factory registered for (current_state, name)
// and constructs the event bound to this device's connection.
func (d *Device) GetEvent(name string, params map[string]any) (*observer.Event, error) {
	state := d.CurrentState()
	factories := d.eventFactories[state]
	factory, ok := factories[name]
	if !ok {
		return nil, &merrors.NotAllowedError{Name: name, State: state}
	}
	return factory(d.currentConn(), params)
}

// AddStateChangeSubscriber registers fn to be called after every
// state transition, with the new state already stored.
func (d *Device) AddStateChangeSubscriber(fn func(StateChange)) uint64 {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	d.nextSub++
	id := d.nextSub
	d.stateSubs[id] = fn
	return id
}

// RemoveStateChangeSubscriber removes a registration made by
// AddStateChangeSubscriber.
func (d *Device) RemoveStateChangeSubscriber(id uint64) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	delete(d.stateSubs, id)
}

func (d *Device) notifyStateChange(change StateChange) {
	d.subsMu.Lock()
	subs := make([]func(StateChange), 0, len(d.stateSubs))
	for _, fn := range d.stateSubs {
		subs = append(subs, fn)
	}
	d.subsMu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
}

func (d *Device) setState(newState, reason string) {
	d.mu.Lock()
	old := d.state
	d.state = newState
	d.mu.Unlock()
	d.notifyStateChange(StateChange{From: old, To: newState, Reason: reason, Timestamp: time.Now()})
}

// GotoState computes the shortest path (BFS, lexicographic tie-break)
// from the current state to target and executes its hop commands in
// order. A failed hop leaves the device in the last successfully
// reached state and surfaces the underlying command's failure wrapped
// in HopFailure. Idempotent when target == current state. Concurrent
// GotoState calls on the same device are serialized.
func (d *Device) GotoState(target string, timeout time.Duration) error {
	d.transitionMu.Lock()
	defer d.transitionMu.Unlock()

	if d.CurrentState() == target {
		return nil
	}

	path, err := d.shortestPath(target)
	if err != nil {
		return err
	}

	for i := 0; i < len(path)-1; i++ {
		from, to := path[i], path[i+1]
		hop := d.graph[from][to]
		if err := d.executeHop(hop, timeout); err != nil {
			d.notifyStateChange(StateChange{From: from, To: from, Reason: "failure", Timestamp: time.Now()})
			return &merrors.HopFailure{From: from, To: to, Stage: "command", Err: err}
		}
		d.setState(to, "goto_state")
	}
	return nil
}

// BGResult is the future returned by GotoStateBG.
type BGResult struct {
	done chan struct{}
	err  error
}

// Wait blocks until the background transition completes.
func (r *BGResult) Wait() error {
	<-r.done
	return r.err
}

// GotoStateBG is GotoState, but returns immediately with a future; the
// transition runs on a dedicated goroutine.
func (d *Device) GotoStateBG(target string, timeout time.Duration) *BGResult {
	r := &BGResult{done: make(chan struct{})}
	go func() {
		r.err = d.GotoState(target, timeout)
		close(r.done)
	}()
	return r
}

func (d *Device) executeHop(hop *HopTransition, timeout time.Duration) error {
	factory, ok := d.hopCommandFactories[hop.CommandName]
	if !ok {
		return fmt.Errorf("no hop command factory registered for %q", hop.CommandName)
	}
	cmd, err := factory(d.currentConn(), hop.CommandParams)
	if err != nil {
		return err
	}
	_, err = cmd.Call(timeout)
	return err
}

// shortestPath runs BFS from the current state to target, breaking
// ties between equally-short paths by lexicographically smallest
// neighbour name at each step (achieved by visiting neighbours in
// sorted order, so the first path discovered to any given state is
// the lexicographically earliest of the shortest paths).
func (d *Device) shortestPath(target string) ([]string, error) {
	start := d.CurrentState()
	if start == target {
		return []string{start}, nil
	}

	visited := map[string]bool{start: true}
	prev := map[string]string{}
	queue := []string{start}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		neighbours := make([]string, 0, len(d.graph[cur]))
		for n := range d.graph[cur] {
			neighbours = append(neighbours, n)
		}
		sort.Strings(neighbours)

		for _, n := range neighbours {
			if visited[n] {
				continue
			}
			visited[n] = true
			prev[n] = cur
			if n == target {
				return reconstructPath(prev, start, target), nil
			}
			queue = append(queue, n)
		}
	}
	return nil, fmt.Errorf("no path from %q to %q", start, target)
}

func reconstructPath(prev map[string]string, start, target string) []string {
	path := []string{target}
	cur := target
	for cur != start {
		cur = prev[cur]
		path = append(path, cur)
	}
	// reverse in place
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Close traverses back to localState (issuing reverse hops) if not
// already in NotConnectedState, then closes the transport. Closing an
// already-closed device is a no-op.
func (d *Device) Close() error {
	if d.CurrentState() == NotConnectedState {
		return nil
	}
	if err := d.GotoState(d.localState, 30*time.Second); err != nil {
		return err
	}
	return d.currentConn().Close()
}

func (d *Device) onConnectionClosed(err error) {
	if err == nil {
		return // graceful close, not a loss
	}
	old := d.CurrentState()
	if old == NotConnectedState {
		return
	}
	d.setState(NotConnectedState, "connection_lost")

	d.mu.Lock()
	autoReconnect := d.autoReconnect
	d.mu.Unlock()
	if autoReconnect {
		d.scheduleReconnect(old)
	}
}

func (d *Device) scheduleReconnect(targetState string) {
	delay := d.nextBackoff()
	d.sched.CallLater(delay, func() {
		if err := d.reopen(); err != nil {
			d.scheduleReconnect(targetState)
			return
		}
		if err := d.GotoState(targetState, 30*time.Second); err != nil {
			d.scheduleReconnect(targetState)
			return
		}
		d.resetBackoff()
	})
}

// reopen reopens the underlying transport and rebuilds the
// FanoutConnection wrapping it, mirroring the original library's
// establish_connection re-dial on a device that is not yet
// established. A FanoutConnection that has reported a transport
// failure never accepts traffic again, so recovery means building a
// fresh one around the same raw transport rather than resubscribing
// to the dead one.
func (d *Device) reopen() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if err := d.rawConn.Open(); err != nil {
		return err
	}
	conn := connection.New(d.rawConn, d.decoder)
	d.subscribeSelf(conn)
	d.conn = conn
	return nil
}

func (d *Device) nextBackoff() time.Duration {
	d.backoffMu.Lock()
	defer d.backoffMu.Unlock()
	if d.currentBackoff == 0 {
		d.currentBackoff = d.reconnectInitial
	} else {
		next := time.Duration(float64(d.currentBackoff) * d.reconnectFactor)
		if next > d.reconnectCap {
			next = d.reconnectCap
		}
		d.currentBackoff = next
	}
	return d.currentBackoff
}

func (d *Device) resetBackoff() {
	d.backoffMu.Lock()
	d.currentBackoff = 0
	d.backoffMu.Unlock()
}
