// Package local implements connection.Connection over a local
// interactive shell process, the local-mode counterpart to
// transport/ssh.
//
// Grounded on the reference implementation's internal/executor/local.go
// and local_session.go (exec.Command("bash", "-c", ...), StdoutPipe,
// Start/Wait/Close), adapted from one-shot command execution to a
// long-lived interactive shell: instead of running one command and
// waiting for it to exit, this dials a persistent "bash -i"-style
// process and treats its stdin/stdout as the byte channel a
// connection.FanoutConnection multiplexes.
package local

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Connection is a local-shell connection.Connection.
type Connection struct {
	name string
	shell string
	args  []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	closed  bool
	receiver func(data []byte, receivedAt time.Time)

	onError func(error)
}

// New returns a local shell connection. shell/args default to
// "bash"/["-i"] if shell is empty.
func New(name, shell string, args []string) *Connection {
	if shell == "" {
		shell = "bash"
		args = []string{"-i"}
	}
	return &Connection{name: name, shell: shell, args: args}
}

// SetErrorHandler installs the callback invoked when the underlying
// process's stdout closes unexpectedly (as opposed to a planned
// Close), so the owning FanoutConnection can raise ConnectionLost.
func (c *Connection) SetErrorHandler(fn func(error)) {
	c.onError = fn
}

// Open starts the shell process and begins streaming its stdout to
// the installed receiver. Calling Open again after a Close (or after
// the process died and reported an error) starts a fresh process;
// calling it while already open is a no-op.
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil && !c.closed {
		return nil
	}
	c.closed = false

	cmd := exec.Command(c.shell, c.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("local connection: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("local connection: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("local connection: start: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin

	go c.readLoop(cmd, stdout)
	return nil
}

func (c *Connection) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			receivedAt := time.Now()
			c.mu.Lock()
			recv := c.receiver
			closed := c.closed
			c.mu.Unlock()
			if recv != nil && !closed {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				recv(chunk, receivedAt)
			}
		}
		if err != nil {
			// Mark a dead current process closed so the next Open starts
			// a fresh one; a process already replaced by Open is ignored.
			c.mu.Lock()
			current := c.cmd == cmd
			closed := c.closed
			if current {
				c.closed = true
			}
			c.mu.Unlock()
			if current && !closed && c.onError != nil {
				c.onError(err)
			}
			return
		}
	}
}

// Close terminates the shell process. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd := c.cmd
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Send writes data to the shell's stdin.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("local connection %q: not open", c.name)
	}
	_, err := stdin.Write(data)
	return err
}

// Name returns the connection's configured name.
func (c *Connection) Name() string { return c.name }

// SetReceiver installs the callback invoked with every chunk read from
// the shell's stdout.
func (c *Connection) SetReceiver(fn func(data []byte, receivedAt time.Time)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}
