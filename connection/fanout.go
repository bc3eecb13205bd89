package connection

import (
	"bytes"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nokia/moler/instanceid"
	"github.com/nokia/moler/merrors"
)

// Decoder converts raw transport bytes into text, e.g. UTF-8 with
// replacement on invalid sequences. A nil Decoder given to New selects
// ReplacingUTF8Decoder.
type Decoder func(data []byte) []byte

// ReplacingUTF8Decoder is the default decoder: invalid byte sequences
// are replaced with the UTF-8 replacement rune, matching the
// reference library's "UTF-8 default; errors replaced" behavior.
func ReplacingUTF8Decoder(data []byte) []byte {
	// Valid input is returned byte-for-byte; each run of invalid bytes
	// becomes one utf8.RuneError.
	return bytes.ToValidUTF8(data, []byte(string(utf8.RuneError)))
}

type queuedChunk struct {
	data      []byte
	timestamp time.Time
	subs      []Subscriber // subscribers present when the chunk was queued
}

// SubscriptionID identifies one subscription to a FanoutConnection,
// returned by Subscribe and required by Unsubscribe. It is the
// explicit-handle substitute for the original library's
// weakref-keyed (self_id, function_id) subscriber identity: Go has no
// usable weak references, so ownership of "when to stop feeding this
// subscriber" is explicit instead of GC-assisted.
type SubscriptionID uint64

// FanoutConnection wraps a raw Connection, timestamps each inbound
// chunk as early as possible, and dispatches it to every subscriber
// present when the chunk was queued, in arrival order, from a single
// worker goroutine isolated from the transport reader so a slow
// subscriber cannot back-pressure the transport.
//
// Grounded on the reference implementation's internal/tui/manager.go
// publish/queue/forward pattern (PublishWorkLog enqueues into a
// buffered channel; one forward goroutine drains it into the
// downstream consumer) and on the original library's
// threaded_moler_connection.py notify_observers (snapshot subscriber
// list under a short lock, dispatch outside it).
type FanoutConnection struct {
	conn    Connection
	decoder Decoder

	mu          sync.RWMutex
	subscribers map[SubscriptionID]Subscriber
	nextSubID   SubscriptionID
	closed      bool
	closeErr    error

	queue    chan queuedChunk
	done     chan struct{}
	drainWG  sync.WaitGroup
	id       uint64
}

// New wraps conn in a FanoutConnection using decoder to convert raw
// bytes to text. A nil decoder uses ReplacingUTF8Decoder.
func New(conn Connection, decoder Decoder) *FanoutConnection {
	if decoder == nil {
		decoder = ReplacingUTF8Decoder
	}
	f := &FanoutConnection{
		conn:        conn,
		decoder:     decoder,
		subscribers: make(map[SubscriptionID]Subscriber),
		queue:       make(chan queuedChunk, 256),
		done:        make(chan struct{}),
		id:          instanceid.Next(),
	}
	conn.SetReceiver(f.onRawData)
	if eh, ok := conn.(errorHandledConnection); ok {
		eh.SetErrorHandler(f.OnTransportError)
	}
	f.drainWG.Add(1)
	go f.drainLoop()
	return f
}

// errorHandledConnection is satisfied by transports that can report an
// unexpected transport failure (transport/local, transport/ssh) as
// opposed to a planned Close. It is deliberately not part of the
// Connection interface: a transport that never fails asynchronously
// (a test fakeConn, say) simply doesn't implement it, and New skips
// the wiring rather than requiring every Connection to grow a no-op
// method.
type errorHandledConnection interface {
	SetErrorHandler(func(error))
}

// Open opens the underlying transport.
func (f *FanoutConnection) Open() error {
	return f.conn.Open()
}

// Close closes the underlying transport and notifies every current
// subscriber with a nil error (graceful close, as opposed to
// OnTransportError's failure path which notifies with ConnectionLostError).
func (f *FanoutConnection) Close() error {
	err := f.conn.Close()
	f.shutdown(nil)
	return err
}

// Send serializes a write to the transport.
func (f *FanoutConnection) Send(data []byte) error {
	return f.conn.Send(data)
}

// Name returns the underlying connection's name.
func (f *FanoutConnection) Name() string {
	return f.conn.Name()
}

// Subscribe registers sub to receive every chunk dispatched after
// Subscribe returns. A chunk already queued before Subscribe returns
// is not delivered to sub even if dispatch happens afterward; a
// chunk queued and then a removal observed for some other
// subscriber still delivers to every subscriber that was present at
// queuing time (the FIFO-ordering invariant is about removal, not
// addition: addition only affects chunks queued afterward).
func (f *FanoutConnection) Subscribe(sub Subscriber) SubscriptionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	id := f.nextSubID
	f.subscribers[id] = sub
	if f.closed {
		// Connection already closed before this subscriber arrived;
		// tell it immediately so it doesn't wait forever.
		err := f.closeErr
		go sub.ConnectionClosed(err)
	}
	return id
}

// Unsubscribe removes a subscription. A chunk already queued for
// dispatch before Unsubscribe is called is still delivered.
func (f *FanoutConnection) Unsubscribe(id SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, id)
}

// onRawData is installed as the underlying Connection's receiver. It
// decodes and queues the chunk; the queue is drained on a separate
// goroutine so a slow subscriber never blocks the transport reader.
func (f *FanoutConnection) onRawData(data []byte, receivedAt time.Time) {
	f.mu.RLock()
	closed := f.closed
	subs := make([]Subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()
	if closed {
		return
	}
	decoded := f.decoder(data)
	select {
	case f.queue <- queuedChunk{data: decoded, timestamp: receivedAt, subs: subs}:
	case <-f.done:
	}
}

func (f *FanoutConnection) drainLoop() {
	defer f.drainWG.Done()
	for {
		select {
		case chunk := <-f.queue:
			f.dispatch(chunk)
		case <-f.done:
			// Drain anything already queued before exiting so a chunk
			// queued right before Close is still delivered.
			for {
				select {
				case chunk := <-f.queue:
					f.dispatch(chunk)
				default:
					return
				}
			}
		}
	}
}

func (f *FanoutConnection) dispatch(chunk queuedChunk) {
	for _, sub := range chunk.subs {
		feedOne(sub, chunk.data, chunk.timestamp)
	}
}

// feedOne recovers from a subscriber panic so one bad subscriber
// cannot stop the fan-out worker from serving the rest.
func feedOne(sub Subscriber, data []byte, ts time.Time) {
	defer func() { recover() }() //nolint:errcheck // backstop only; well-behaved subscribers convert their own panics
	sub.Feed(data, ts)
}

// OnTransportError is called by a Connection implementation (or its
// wiring code) when the transport fails unexpectedly, as opposed to a
// planned Close. It marks the connection closed and notifies every
// live subscriber with ConnectionLostError.
func (f *FanoutConnection) OnTransportError(err error) {
	f.shutdown(&merrors.ConnectionLostError{Connection: f.Name()})
	_ = err
}

func (f *FanoutConnection) shutdown(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeErr = err
	snapshot := make([]Subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		snapshot = append(snapshot, sub)
	}
	f.subscribers = make(map[SubscriptionID]Subscriber)
	f.mu.Unlock()

	close(f.done)
	f.drainWG.Wait()

	for _, sub := range snapshot {
		sub.ConnectionClosed(err)
	}
}
