package observer

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/merrors"
	"github.com/nokia/moler/scheduler"
)

// CommandParser is implemented by a concrete command (e.g. a ping or
// ls parser) and supplies the command-specific pieces: how to build
// the outgoing command string and how to turn accumulated line data
// into a final result. Control flow is explicit result/failure
// returns rather than the original library's "raise ParsingDone to
// short-circuit further parsing of this line" exception idiom, per
// the design note on replacing exceptions-as-control-flow.
type CommandParser interface {
	// BuildCommandString returns the text to send once, after
	// subscribing.
	BuildCommandString() string

	// ParseLine is called once per line seen on the connection,
	// full lines and the growing not-yet-terminated tail alike
	// (isFullLine distinguishes them, mirroring the original
	// on_new_line(line, is_full_line) contract). Implementations
	// should act only when isFullLine is true unless they
	// specifically need to peek at an in-progress line (e.g. a
	// prompt with no trailing newline).
	ParseLine(line string, isFullLine bool)

	// BuildResult is called once the terminating prompt has been
	// seen. It returns the final parsed result, or a failure (e.g.
	// ParsingFailure) if required fields never appeared.
	BuildResult() (any, error)
}

// Command is a single-shot Observer that writes an input string and
// parses the resulting output until a terminating marker (the
// device's prompt) and end-of-output condition are both satisfied.
//
// Grounded on the original library's command.py (lifecycle ordering:
// subscribe before send) and commandtextualgeneric.py's data_received
// (partial-line buffering across Feed calls) together with a concrete
// command, cmd/unix/ping.py (trans/recv/loss summary line plus
// min/avg/max/mdev line, both parsed via ParsingDone-short-circuited
// regex checks — here expressed as CommandParser.ParseLine).
type Command struct {
	*Base

	conn      *connection.FanoutConnection
	parser    CommandParser
	promptRe  *regexp.Regexp
	errorRes  []*regexp.Regexp
	newline   string

	mu  sync.Mutex
	buf string

	commandString string
}

// NewCommand constructs a Command bound to conn. promptRe is the
// compiled-once expected-prompt pattern that signals end of output;
// errorRes are negative patterns checked before promptRe and before
// the parser sees the line (the open-question resolution in
// DESIGN.md: error patterns take precedence over the success
// terminator when both could apply to the same line).
func NewCommand(name string, conn *connection.FanoutConnection, sched *scheduler.Scheduler, parser CommandParser, promptRe *regexp.Regexp, errorRes []*regexp.Regexp) *Command {
	return &Command{
		Base:     NewBase(name, conn, sched),
		conn:     conn,
		parser:   parser,
		promptRe: promptRe,
		errorRes: errorRes,
		newline:  "\n",
	}
}

// Start subscribes this command's intake, then writes its command
// string onto the connection, in that order, so no output is lost.
func (c *Command) Start(timeout time.Duration) error {
	if err := c.Base.Start(timeout, c.onFeed, c.Base.OnConnectionClosed); err != nil {
		return err
	}
	c.commandString = c.parser.BuildCommandString()
	if err := c.conn.Send([]byte(c.commandString + c.newline)); err != nil {
		c.SetException(err)
	}
	return nil
}

// Call is the synchronous "callable" shape: start(timeout) then
// await_done(timeout) sharing the same deadline.
func (c *Command) Call(timeout time.Duration) (any, error) {
	if err := c.Start(timeout); err != nil {
		return nil, err
	}
	return c.AwaitDone(timeout)
}

// CommandString returns the string sent to the connection, composed
// at Start time. Empty before Start is called.
func (c *Command) CommandString() string {
	return c.commandString
}

func (c *Command) onFeed(chunk []byte, ts time.Time) {
	c.mu.Lock()
	c.buf += string(chunk)
	lines := strings.Split(c.buf, "\n")
	full := lines[:len(lines)-1]
	pending := lines[len(lines)-1]
	c.buf = pending
	c.mu.Unlock()

	for _, line := range full {
		line = strings.TrimSuffix(line, "\r")
		c.onNewLine(line, true)
		if c.Done() {
			return
		}
	}
	c.onNewLine(pending, false)
}

func (c *Command) onNewLine(line string, isFullLine bool) {
	if c.Done() {
		return
	}
	for _, re := range c.errorRes {
		if re.MatchString(line) {
			c.SetException(&merrors.CommandFailure{Command: c.commandString, Message: line})
			return
		}
	}

	c.parser.ParseLine(line, isFullLine)
	if c.Done() {
		return
	}

	if c.promptRe != nil && c.promptRe.MatchString(line) {
		result, err := c.parser.BuildResult()
		if err != nil {
			c.SetException(err)
		} else {
			c.SetResult(result)
		}
	}
}
