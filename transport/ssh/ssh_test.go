package ssh_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nokia/moler/transport/ssh"
)

func TestConnectionNameReturnsConfiguredName(t *testing.T) {
	conn := ssh.New("dut", ssh.HostConfig{Host: "example.invalid", Port: 22, User: "root"})
	assert.Equal(t, "dut", conn.Name())
}

func TestConnectionSendBeforeOpenFails(t *testing.T) {
	conn := ssh.New("dut", ssh.HostConfig{Host: "example.invalid", Port: 22, User: "root"})
	err := conn.Send([]byte("x"))
	assert.Error(t, err)
}

func TestConnectionCloseBeforeOpenIsNoOp(t *testing.T) {
	conn := ssh.New("dut", ssh.HostConfig{Host: "example.invalid", Port: 22, User: "root"})
	assert.NoError(t, conn.Close())
}

func TestConnectionUploadFileBeforeOpenFails(t *testing.T) {
	conn := ssh.New("dut", ssh.HostConfig{Host: "example.invalid", Port: 22, User: "root"})
	err := conn.UploadFile("/tmp/does-not-matter", "/tmp/also-does-not-matter")
	assert.Error(t, err)
}
