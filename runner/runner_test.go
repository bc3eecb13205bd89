package runner_test

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/observer"
	"github.com/nokia/moler/runner"
	"github.com/nokia/moler/scheduler"
)

type fakeConn struct {
	mu       sync.Mutex
	name     string
	receiver func(data []byte, receivedAt time.Time)
}

func newFakeConn(name string) *fakeConn { return &fakeConn{name: name} }

func (c *fakeConn) Open() error                     { return nil }
func (c *fakeConn) Close() error                    { return nil }
func (c *fakeConn) Send(data []byte) error           { return nil }
func (c *fakeConn) Name() string                     { return c.name }
func (c *fakeConn) SetReceiver(fn func(data []byte, receivedAt time.Time)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}
func (c *fakeConn) push(data string) {
	c.mu.Lock()
	recv := c.receiver
	c.mu.Unlock()
	recv([]byte(data), time.Now())
}

type okParser struct{}

func (okParser) BuildCommandString() string                { return "cmd" }
func (okParser) ParseLine(line string, isFullLine bool)    {}
func (okParser) BuildResult() (any, error)                 { return "done", nil }

func newOKCommand(conn *connection.FanoutConnection, sched *scheduler.Scheduler) *observer.Command {
	return observer.NewCommand("ok", conn, sched, okParser{}, regexp.MustCompile(`^OK$`), nil)
}

func testRunnerSubmitAndWait(t *testing.T, r runner.Runner) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := newOKCommand(fc, sched)

	require.NoError(t, r.Submit(cmd, time.Second))
	raw.push("OK\n")

	result, err := r.WaitFor(cmd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestPerObserverRunnerSubmitAndWait(t *testing.T) {
	r := runner.NewPerObserverRunner()
	defer r.Shutdown()
	testRunnerSubmitAndWait(t, r)
}

func TestSingleThreadRunnerSubmitAndWait(t *testing.T) {
	r := runner.NewSingleThreadRunner()
	defer r.Shutdown()
	testRunnerSubmitAndWait(t, r)
}

func TestSingleThreadRunnerShutdownCancelsOutstanding(t *testing.T) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := newOKCommand(fc, sched)
	r := runner.NewSingleThreadRunner()

	require.NoError(t, r.Submit(cmd, time.Second))
	r.Shutdown()

	assert.True(t, cmd.Done())
	assert.True(t, cmd.Cancelled())
}

func TestRunnerSubmitAfterShutdownFails(t *testing.T) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := newOKCommand(fc, sched)

	r := runner.NewPerObserverRunner()
	r.Shutdown()

	err := r.Submit(cmd, time.Second)
	assert.ErrorIs(t, err, runner.ErrShutDown)
}
