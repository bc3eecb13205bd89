// Package connection defines the abstract byte-oriented connection
// that observers attach to, and the fan-out connection that
// multicasts a single inbound stream to many concurrent subscribers.
//
// Connection is the core's generalization of the reference
// implementation's Session/Executor pair (internal/executor/interface.go):
// that shape is request/response (Start a command, read its
// StdoutPipe, Wait); this generalizes it to a long-lived stream with a
// standing subscription instead of a one-shot pipe.
package connection

import "time"

// Connection is an abstract bidirectional byte channel: open/close
// lifecycle, a send sink, and a subscription point for incoming
// chunks. Concrete implementations live under transport/.
type Connection interface {
	// Open establishes the underlying transport. Calling Open twice is
	// undefined; concrete transports treat it as a no-op or error
	// depending on whether the underlying resource supports it.
	Open() error

	// Close tears down the underlying transport. Close is idempotent.
	Close() error

	// Send writes data to the transport. Concurrent Send calls are
	// serialized by the implementation.
	Send(data []byte) error

	// Name identifies the connection for logging.
	Name() string

	// SetReceiver installs the single callback invoked with every raw
	// chunk read off the transport, and the time it was read. The core
	// never calls SetReceiver directly on a raw Connection: it is used
	// internally by FanoutConnection to attach itself as the sole
	// reader of the transport.
	SetReceiver(fn func(data []byte, receivedAt time.Time))
}

// Subscriber receives decoded chunks from a FanoutConnection. Feed
// must not block and must not perform I/O; it must swallow its own
// panics by converting them into the owning observer's failure (the
// fan-out worker recovers around each Feed call as a backstop, but a
// well-behaved subscriber does this itself so errors are attributed
// correctly). ConnectionClosed is invoked exactly once, when the
// transport closes; err is nil for a graceful Close and non-nil when
// the transport reported a failure (ConnectionLost).
type Subscriber interface {
	Feed(chunk []byte, timestamp time.Time)
	ConnectionClosed(err error)
}

// FuncSubscriber adapts two plain functions to the Subscriber
// interface. A nil ClosedFunc is legal; it is simply not called.
type FuncSubscriber struct {
	FeedFunc   func(chunk []byte, timestamp time.Time)
	ClosedFunc func(err error)
}

// Feed implements Subscriber.
func (f FuncSubscriber) Feed(chunk []byte, timestamp time.Time) { f.FeedFunc(chunk, timestamp) }

// ConnectionClosed implements Subscriber.
func (f FuncSubscriber) ConnectionClosed(err error) {
	if f.ClosedFunc != nil {
		f.ClosedFunc(err)
	}
}
