package unix

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/observer"
	"github.com/nokia/moler/scheduler"
)

// SudoParser implements observer.CommandParser for "sudo", wrapping an
// inner command string in a privilege-escalated shell invocation and
// answering the interactive password prompt on the connection it was
// built against.
//
// Grounded on original_source/moler/cmd/unix/sudo.py: the same
// password-prompt/wrong-password/command-not-found/generic-error
// regexes. The original composes an arbitrary embedded Command object
// via cmd_class_name/create_object_from_name (Python class lookup by
// dotted name) and feeds it the sudo-filtered output line by line;
// that reflection-driven composition has no idiomatic Go equivalent,
// so this keeps sudo's own responsibility (elevate, authenticate,
// surface sudo-level errors) and returns the inner command's raw
// output as a string instead of a second parsed result object. A
// caller that needs the inner command's structured result can run it
// standalone once through the escalated session's expected_prompt.
type SudoParser struct {
	conn       *connection.FanoutConnection
	cmd        *observer.Command // set by NewSudo; ends the command on a wrong password
	innerCmd   string
	sudoParams string
	password   string

	sentPassword bool
	outputLines  []string
	failure      error
}

// NewSudoParser returns a parser that runs innerCmd (a fully-built
// command string, e.g. "whoami" or "ls -l /var/log") under sudo,
// answering the password prompt with password if one is asked for.
// sudoParams are flags for sudo itself (e.g. "-i"), not for innerCmd.
func NewSudoParser(conn *connection.FanoutConnection, innerCmd, sudoParams, password string) *SudoParser {
	return &SudoParser{conn: conn, innerCmd: innerCmd, sudoParams: sudoParams, password: password}
}

// BuildCommandString renders "sudo [sudoParams] innerCmd".
func (p *SudoParser) BuildCommandString() string {
	parts := []string{"sudo"}
	if p.sudoParams != "" {
		parts = append(parts, p.sudoParams)
	}
	if p.innerCmd != "" {
		parts = append(parts, p.innerCmd)
	}
	return strings.Join(parts, " ")
}

var (
	reSudoPassword        = regexp.MustCompile(`(?i)\[sudo\] password for.*:`)
	reSudoWrongPassword   = regexp.MustCompile(`(?i)Sorry, try again\.`)
	reSudoCommandNotFound = regexp.MustCompile(`(?i)sudo:.*command not found`)
	reSudoError           = regexp.MustCompile(`(?i)sudo:.*must be owned by uid\s+\d+\s+and have the setuid bit set|usage: sudo|sudo: \d+ incorrect password attempt|sudo: not found`)
)

// ParseLine answers the password prompt once and otherwise accumulates
// every full line as the inner command's output. The command-not-found
// and generic sudo error lines are handled by Command's own errorRes
// check before ParseLine ever sees them; wrong-password needs request
// state (only a failure once a password has actually been sent) so it
// is checked here instead.
func (p *SudoParser) ParseLine(line string, isFullLine bool) {
	if !isFullLine {
		return
	}
	if reSudoPassword.MatchString(line) {
		if !p.sentPassword {
			p.conn.Send([]byte(p.password + "\n"))
			p.sentPassword = true
		}
		return
	}
	if reSudoWrongPassword.MatchString(line) {
		if p.sentPassword {
			p.failure = fmt.Errorf("sudo: wrong password: %q", line)
			if p.cmd != nil {
				p.cmd.SetException(p.failure)
			}
		}
		return
	}
	p.outputLines = append(p.outputLines, line)
}

// BuildResult returns the inner command's captured output joined by
// newlines, or the first sudo-level failure observed.
func (p *SudoParser) BuildResult() (any, error) {
	if p.failure != nil {
		return nil, p.failure
	}
	return strings.Join(p.outputLines, "\n"), nil
}

// New builds a ready-to-Start Sudo observer.Command against conn,
// running innerCmd (with optional sudoParams for sudo itself) and
// answering the password prompt with password. expectedPrompt is the
// prompt the escalated (or non-escalated, if sudo needs no password)
// session settles on once innerCmd completes.
func NewSudo(conn *connection.FanoutConnection, sched *scheduler.Scheduler, innerCmd, sudoParams, password string, expectedPrompt *regexp.Regexp) *observer.Command {
	parser := NewSudoParser(conn, innerCmd, sudoParams, password)
	errorRes := []*regexp.Regexp{reSudoCommandNotFound, reSudoError}
	cmd := observer.NewCommand("sudo", conn, sched, parser, expectedPrompt, errorRes)
	parser.cmd = cmd
	return cmd
}
