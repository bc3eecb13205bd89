package observer

import (
	"log"
	"sync"
	"time"
)

// SubscriptionID identifies a subscription to a Publisher, returned
// by Subscribe and required by Unsubscribe. See connection.SubscriptionID
// for the same rationale: no usable weak-reference identity in Go, so
// ownership is an explicit handle instead of GC-assisted.
type SubscriptionID uint64

// Occurrence is what a Publisher hands each subscriber: the matched
// payload together with the time the underlying chunk arrived,
// matching spec.md §4.3's "(captured_groups, timestamp)" wording.
type Occurrence struct {
	Payload   any
	Timestamp time.Time
}

// Publisher is the in-process subject/subscriber primitive used by
// Event (publishing occurrences) and by commands that emit
// intermediate reports. Grounded on the original library's
// publisher.py: O(1) subscribe/unsubscribe, a short critical section
// around the subscriber snapshot, and swallowed subscriber panics so
// one bad subscriber cannot block the rest.
type Publisher struct {
	mu     sync.Mutex
	subs   map[SubscriptionID]func(Occurrence)
	nextID SubscriptionID
}

// NewPublisher returns an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[SubscriptionID]func(Occurrence))}
}

// Subscribe registers fn to receive every occurrence published after
// Subscribe returns. No replay of past occurrences is performed.
func (p *Publisher) Subscribe(fn func(Occurrence)) SubscriptionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	return id
}

// Unsubscribe removes a registration made by Subscribe.
func (p *Publisher) Unsubscribe(id SubscriptionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, id)
}

// NotifySubscribers delivers occ to a snapshot of subscribers taken
// under a short critical section. A panicking subscriber is
// recovered, logged, and swallowed so it cannot block the rest.
func (p *Publisher) NotifySubscribers(occ Occurrence) {
	p.mu.Lock()
	snapshot := make([]func(Occurrence), 0, len(p.subs))
	for _, fn := range p.subs {
		snapshot = append(snapshot, fn)
	}
	p.mu.Unlock()

	for _, fn := range snapshot {
		notifyOne(fn, occ)
	}
}

func notifyOne(fn func(Occurrence), occ Occurrence) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("observer: subscriber panicked, dropping it from this notification: %v", r)
		}
	}()
	fn(occ)
}
