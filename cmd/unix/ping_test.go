package unix_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/cmd/unix"
	"github.com/nokia/moler/scheduler"
)

type fakeConn struct {
	mu       sync.Mutex
	name     string
	sent     [][]byte
	receiver func(data []byte, receivedAt time.Time)
}

func newFakeConn(name string) *fakeConn { return &fakeConn{name: name} }

func (c *fakeConn) Open() error  { return nil }
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte{}, data...))
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) Name() string { return c.name }
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
func (c *fakeConn) lastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.sent[len(c.sent)-1])
}

const pingOutput = "PING example.com (93.184.216.34) 56(84) bytes of data.\n" +
	"64 bytes from 93.184.216.34: icmp_seq=1 ttl=56 time=11.2 ms\n" +
	"64 bytes from 93.184.216.34: icmp_seq=2 ttl=56 time=11.5 ms\n" +
	"\n" +
	"--- example.com ping statistics ---\n" +
	"2 packets transmitted, 2 received, 0% packet loss, time 1001ms\n" +
	"rtt min/avg/max/mdev = 11.200/11.350/11.500/0.150 ms\n" +
	"user@host:~$ "

func TestPingParsesTransmittedReceivedAndRTT(t *testing.T) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := unix.New(fc, sched, "example.com", "-c 2")

	require.NoError(t, cmd.Start(time.Second))
	assert.Equal(t, "ping -c 2 example.com\n", raw.lastSent())

	raw.push(pingOutput)

	result, err := cmd.AwaitDone(time.Second)
	require.NoError(t, err)

	ping := result.(unix.PingResult)
	assert.Equal(t, 2, ping.PacketsTransmitted)
	assert.Equal(t, 2, ping.PacketsReceived)
	assert.Equal(t, 0.0, ping.PacketLoss)
	assert.Equal(t, 1001, ping.Time)
	assert.Equal(t, 11.2, ping.TimeMin)
	assert.Equal(t, 11.35, ping.TimeAvg)
	assert.Equal(t, 11.5, ping.TimeMax)
	assert.Equal(t, 0.15, ping.TimeMdev)
	assert.Equal(t, "ms", ping.TimeUnit)
}

func TestPingFailsOnUnknownHost(t *testing.T) {
	raw := newFakeConn("dut")
	fc := connection.New(raw, nil)
	sched := scheduler.New()
	cmd := unix.New(fc, sched, "nosuchhost.invalid", "")

	require.NoError(t, cmd.Start(time.Second))
	raw.push("ping: nosuchhost.invalid: Name or service not known\n")
	raw.push("user@host:~$ ")

	_, err := cmd.AwaitDone(time.Second)
	require.Error(t, err)
}
