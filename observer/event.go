package observer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nokia/moler/scheduler"

	"github.com/nokia/moler/connection"
)

// EventParser is implemented by a concrete event (e.g. an alarm
// matcher) and inspects one line at a time, returning a payload when
// it has matched.
type EventParser interface {
	MatchLine(line string) (matched bool, payload any)
}

// infiniteTimeout mirrors the original library's "events run for 100
// years by default" stance: events are long-lived by construction and
// should not be torn down by the observer timeout machinery used for
// single-shot commands.
const infiniteTimeout = 100 * 365 * 24 * time.Hour

// Event is a long-lived Observer that matches a pattern repeatedly
// against inbound text and publishes each match to its subscribers.
// It may self-terminate after a configured number of occurrences.
//
// Grounded on the original library's event.py (till_occurs_times,
// break_event, notify) and publisher.py (subscriber notification).
type Event struct {
	*Base

	conn            *connection.FanoutConnection
	parser          EventParser
	pub             *Publisher
	tillOccursTimes int

	mu       sync.Mutex
	buf      string
	occurred []any
}

// NewEvent constructs an Event bound to conn. tillOccursTimes of -1
// means run until explicitly cancelled or the connection closes; a
// positive value self-terminates once that many matches have occurred.
func NewEvent(name string, conn *connection.FanoutConnection, sched *scheduler.Scheduler, parser EventParser, tillOccursTimes int) *Event {
	return &Event{
		Base:            NewBase(name, conn, sched),
		conn:            conn,
		parser:          parser,
		pub:             NewPublisher(),
		tillOccursTimes: tillOccursTimes,
	}
}

// Start subscribes this event's intake. A zero timeout is treated as
// "effectively infinite", matching the original's 100-year default
// timeout for events (they are not expected to time out; they run
// until cancelled, self-terminated, or the connection closes).
func (e *Event) Start(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = infiniteTimeout
	}
	return e.Base.Start(timeout, e.onFeed, e.Base.OnConnectionClosed)
}

// Subscribe registers fn to be called with each match's captured
// payload and the timestamp of the chunk it matched against,
// starting with matches that occur after Subscribe returns. No replay
// of past matches is performed (spec.md's resolved open question: the
// original does not buffer, and neither does this).
func (e *Event) Subscribe(fn func(payload any, ts time.Time)) SubscriptionID {
	return e.pub.Subscribe(func(occ Occurrence) { fn(occ.Payload, occ.Timestamp) })
}

// Unsubscribe removes a registration made by Subscribe.
func (e *Event) Unsubscribe(id SubscriptionID) {
	e.pub.Unsubscribe(id)
}

// LastOccurrence returns the payload of the most recent match, or nil
// if none have occurred yet.
func (e *Event) LastOccurrence() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.occurred) == 0 {
		return nil
	}
	return e.occurred[len(e.occurred)-1]
}

// BreakEvent stops further processing and finalizes the event's
// result from its accumulated occurrences. With force=false, breaking
// before till_occurs_times matches have occurred is itself recorded
// as a failure (matching the original's break_event semantics).
func (e *Event) BreakEvent(force bool) {
	if e.Done() {
		return
	}
	e.mu.Lock()
	occurred := append([]any{}, e.occurred...)
	e.mu.Unlock()

	if !force && e.tillOccursTimes > 0 && len(occurred) < e.tillOccursTimes {
		e.SetException(fmt.Errorf("expected %d occurrences but got %d", e.tillOccursTimes, len(occurred)))
		return
	}
	e.SetResult(occurred)
}

func (e *Event) onFeed(chunk []byte, ts time.Time) {
	e.mu.Lock()
	e.buf += string(chunk)
	lines := strings.Split(e.buf, "\n")
	full := lines[:len(lines)-1]
	e.buf = lines[len(lines)-1]
	e.mu.Unlock()

	for _, line := range full {
		line = strings.TrimSuffix(line, "\r")
		if matched, payload := e.parser.MatchLine(line); matched {
			e.occur(payload, ts)
			if e.Done() {
				return
			}
		}
	}
}

func (e *Event) occur(payload any, ts time.Time) {
	e.mu.Lock()
	e.occurred = append(e.occurred, payload)
	count := len(e.occurred)
	e.mu.Unlock()

	e.pub.NotifySubscribers(Occurrence{Payload: payload, Timestamp: ts})

	if e.tillOccursTimes > 0 && count >= e.tillOccursTimes {
		e.BreakEvent(false)
	}
}
