package unix_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/cmd/unix"
	"github.com/nokia/moler/scheduler"
)

func TestSudoSendsPasswordAndCapturesInnerOutput(t *testing.T) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := unix.NewSudo(fc, sched, "whoami", "", "pass", regexp.MustCompile(`[$%#]\s*$`))

	require.NoError(t, cmd.Start(time.Second))
	assert.Equal(t, "sudo whoami\n", raw.lastSent())

	raw.push("[sudo] password for user:\n")
	// The prompt line is parsed on the fan-out worker, so the reply is
	// sent asynchronously.
	assert.Eventually(t, func() bool { return raw.lastSent() == "pass\n" }, time.Second, 5*time.Millisecond)

	raw.push("root\n")
	raw.push("user@client:~$ ")

	result, err := cmd.AwaitDone(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "root", result.(string))
}

func TestSudoFailsOnWrongPassword(t *testing.T) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := unix.NewSudo(fc, sched, "whoami", "", "wrongpass", regexp.MustCompile(`[$%#]\s*$`))

	require.NoError(t, cmd.Start(time.Second))
	raw.push("[sudo] password for user:\n")
	raw.push("Sorry, try again.\n")

	_, err := cmd.AwaitDone(time.Second)
	require.Error(t, err)
}

func TestSudoFailsOnCommandNotFound(t *testing.T) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := unix.NewSudo(fc, sched, "nosuchcmd", "", "pass", regexp.MustCompile(`[$%#]\s*$`))

	require.NoError(t, cmd.Start(time.Second))
	raw.push("sudo: nosuchcmd: command not found\n")

	_, err := cmd.AwaitDone(time.Second)
	require.Error(t, err)
}
