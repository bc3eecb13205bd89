package device_test

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/device"
	"github.com/nokia/moler/merrors"
	"github.com/nokia/moler/observer"
	"github.com/nokia/moler/scheduler"
)

// fakeConn auto-answers every Send with "OK\n" on the next tick, so
// hop commands built on top of it complete without a real shell.
type fakeConn struct {
	mu       sync.Mutex
	name     string
	receiver func(data []byte, receivedAt time.Time)
	closed   bool
	failNext bool
}

func newFakeConn(name string) *fakeConn { return &fakeConn{name: name} }

func (c *fakeConn) Open() error  { return nil }
func (c *fakeConn) Close() error { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }
func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	recv := c.receiver
	fail := c.failNext
	c.failNext = false
	c.mu.Unlock()
	go func() {
		if fail {
			recv([]byte("permission denied\n"), time.Now())
			return
		}
		recv([]byte("OK\n"), time.Now())
	}()
	return nil
}
func (c *fakeConn) Name() string { return c.name }
func (c *fakeConn) SetReceiver(fn func(data []byte, receivedAt time.Time)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}

type nopParser struct{}

func (nopParser) BuildCommandString() string             { return "hop" }
func (nopParser) ParseLine(line string, isFullLine bool) {}
func (nopParser) BuildResult() (any, error)               { return nil, nil }

func hopCommandFactory(sched *scheduler.Scheduler) device.CommandFactory {
	return func(conn *connection.FanoutConnection, params map[string]any) (*observer.Command, error) {
		return observer.NewCommand("hop", conn, sched, nopParser{},
			regexp.MustCompile(`^OK$`),
			[]*regexp.Regexp{regexp.MustCompile(`(?i)permission denied`)}), nil
	}
}

func TestDeviceGotoStateExecutesHopsInOrder(t *testing.T) {
	raw := newFakeConn("dut")
	sched := scheduler.New()
	dev := device.New("dut", raw, nil, sched, "UNIX_LOCAL")

	dev.RegisterHopCommandFactory("hop", hopCommandFactory(sched))
	dev.RegisterHop(&device.HopTransition{From: device.NotConnectedState, To: "UNIX_LOCAL", CommandName: "hop"})
	dev.RegisterHop(&device.HopTransition{From: "UNIX_LOCAL", To: "UNIX_REMOTE", CommandName: "hop", ReverseCommandName: "hop"})

	var changes []device.StateChange
	var mu sync.Mutex
	dev.AddStateChangeSubscriber(func(c device.StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	require.NoError(t, dev.GotoState("UNIX_REMOTE", time.Second))
	assert.Equal(t, "UNIX_REMOTE", dev.CurrentState())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, "UNIX_LOCAL", changes[0].To)
	assert.Equal(t, "UNIX_REMOTE", changes[1].To)
}

func TestDeviceGotoStateIsNoOpWhenAlreadyThere(t *testing.T) {
	raw := newFakeConn("dut")
	sched := scheduler.New()
	dev := device.New("dut", raw, nil, sched, "UNIX_LOCAL")

	require.NoError(t, dev.GotoState(device.NotConnectedState, time.Second))
	assert.Equal(t, device.NotConnectedState, dev.CurrentState())
}

func TestDeviceGotoStateFailureWrapsHopFailure(t *testing.T) {
	raw := newFakeConn("dut")
	sched := scheduler.New()
	dev := device.New("dut", raw, nil, sched, "UNIX_LOCAL")

	dev.RegisterHopCommandFactory("hop", hopCommandFactory(sched))
	dev.RegisterHop(&device.HopTransition{From: device.NotConnectedState, To: "UNIX_LOCAL", CommandName: "hop"})

	raw.mu.Lock()
	raw.failNext = true
	raw.mu.Unlock()

	err := dev.GotoState("UNIX_LOCAL", time.Second)
	require.Error(t, err)
	var hopErr *merrors.HopFailure
	require.ErrorAs(t, err, &hopErr)
	assert.Equal(t, device.NotConnectedState, dev.CurrentState())
}

func TestDeviceCloseTraversesBackToLocalState(t *testing.T) {
	raw := newFakeConn("dut")
	sched := scheduler.New()
	dev := device.New("dut", raw, nil, sched, "UNIX_LOCAL")

	dev.RegisterHopCommandFactory("hop", hopCommandFactory(sched))
	dev.RegisterHop(&device.HopTransition{From: device.NotConnectedState, To: "UNIX_LOCAL", CommandName: "hop"})
	dev.RegisterHop(&device.HopTransition{From: "UNIX_LOCAL", To: "UNIX_REMOTE", CommandName: "hop", ReverseCommandName: "hop"})

	require.NoError(t, dev.GotoState("UNIX_REMOTE", time.Second))
	require.NoError(t, dev.Close())

	raw.mu.Lock()
	defer raw.mu.Unlock()
	assert.True(t, raw.closed)
}

func TestDeviceGetCmdRejectsUnregisteredNameForState(t *testing.T) {
	raw := newFakeConn("dut")
	sched := scheduler.New()
	dev := device.New("dut", raw, nil, sched, "UNIX_LOCAL")

	_, err := dev.GetCmd("ls", nil)
	require.Error(t, err)
	var notAllowed *merrors.NotAllowedError
	assert.ErrorAs(t, err, &notAllowed)
}

// A FanoutConnection that reports a transport error is closed for
// good, so recovering means Device reopening its raw connection and
// rebuilding the FanoutConnection around it (mirroring the original
// library's establish_connection re-dial), not retrying hops on the
// dead one. This exercises that full path: loss detected, backoff
// scheduled, transport reopened, state restored.
func TestDeviceAutoReconnectRestoresState(t *testing.T) {
	raw := newFakeConn("dut")
	sched := scheduler.New()
	dev := device.New("dut", raw, nil, sched, "UNIX_LOCAL")
	dev.EnableAutoReconnect(10*time.Millisecond, 2, 100*time.Millisecond)

	dev.RegisterHopCommandFactory("hop", hopCommandFactory(sched))
	dev.RegisterHop(&device.HopTransition{From: device.NotConnectedState, To: "UNIX_LOCAL", CommandName: "hop"})

	require.NoError(t, dev.GotoState("UNIX_LOCAL", time.Second))

	var lostCount int
	var mu sync.Mutex
	dev.AddStateChangeSubscriber(func(c device.StateChange) {
		if c.To == device.NotConnectedState && c.Reason == "connection_lost" {
			mu.Lock()
			lostCount++
			mu.Unlock()
		}
	})

	dev.Conn().OnTransportError(assert.AnError)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lostCount == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return dev.CurrentState() == "UNIX_LOCAL"
	}, time.Second, 5*time.Millisecond)
}
