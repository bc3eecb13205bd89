package local_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokia/moler/transport/local"
)

type receivedChunk struct {
	data []byte
	at   time.Time
}

func collectReceiver() (func(data []byte, receivedAt time.Time), func() []receivedChunk) {
	var mu sync.Mutex
	var chunks []receivedChunk
	recv := func(data []byte, receivedAt time.Time) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, receivedChunk{data: append([]byte{}, data...), at: receivedAt})
	}
	get := func() []receivedChunk {
		mu.Lock()
		defer mu.Unlock()
		return append([]receivedChunk{}, chunks...)
	}
	return recv, get
}

func TestLocalConnectionOpenSendReceiveRoundTrip(t *testing.T) {
	conn := local.New("cat-echo", "cat", nil)
	recv, get := collectReceiver()
	conn.SetReceiver(recv)

	require.NoError(t, conn.Open())
	defer conn.Close()

	require.NoError(t, conn.Send([]byte("hello\n")))

	require.Eventually(t, func() bool {
		for _, c := range get() {
			if string(c.data) == "hello\n" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestLocalConnectionOpenIsNoOpWhileAlreadyOpen(t *testing.T) {
	conn := local.New("cat-echo", "cat", nil)
	conn.SetReceiver(func([]byte, time.Time) {})

	require.NoError(t, conn.Open())
	defer conn.Close()
	require.NoError(t, conn.Open())
}

func TestLocalConnectionReopensAfterClose(t *testing.T) {
	conn := local.New("cat-echo", "cat", nil)
	recv, get := collectReceiver()
	conn.SetReceiver(recv)

	require.NoError(t, conn.Open())
	require.NoError(t, conn.Send([]byte("first\n")))
	require.Eventually(t, func() bool {
		for _, c := range get() {
			if string(c.data) == "first\n" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Open())
	defer conn.Close()

	require.NoError(t, conn.Send([]byte("second\n")))
	require.Eventually(t, func() bool {
		for _, c := range get() {
			if string(c.data) == "second\n" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestLocalConnectionCallsErrorHandlerWhenProcessExits(t *testing.T) {
	conn := local.New("short-lived", "sh", []string{"-c", "exit 0"})
	conn.SetReceiver(func([]byte, time.Time) {})

	var mu sync.Mutex
	var gotErr error
	done := make(chan struct{})
	conn.SetErrorHandler(func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		close(done)
	})

	require.NoError(t, conn.Open())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("error handler never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, gotErr)
}

func TestLocalConnectionSendBeforeOpenFails(t *testing.T) {
	conn := local.New("unopened", "cat", nil)
	err := conn.Send([]byte("x"))
	assert.Error(t, err)
}

func TestLocalConnectionCloseBeforeOpenIsNoOp(t *testing.T) {
	conn := local.New("unopened", "cat", nil)
	assert.NoError(t, conn.Close())
}
