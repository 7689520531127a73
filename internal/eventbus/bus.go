// Package eventbus decouples the dispatch adapter from the components that
// react to it: delivery acks flow to the receipt recorder and fire reports to
// whoever cares, without either side holding a reference to the other.
package eventbus

import (
	"sync"
	"time"
)

// Event types published in this repo.
const (
	// TypeAck carries a transport.Ack: a delivery-status update for a sent message.
	TypeAck = "dispatch.ack"
	// TypeFired carries a schedule.FireReport after a trigger ran.
	TypeFired = "task.fired"
)

// Event is an in-memory signal. Data should be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is a fanout with drop-on-full semantics: Publish never blocks, so a
// slow subscriber loses events instead of stalling the publisher (the
// publisher may be a send path holding nothing but a rate-limiter token).
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

type subscriber struct {
	id uint64
	ch chan Event
}

type memBus struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	targets := make([]chan Event, len(b.subs))
	for i, s := range b.subs {
		targets[i] = s.ch
	}
	b.mu.Unlock()

	for _, ch := range targets {
		b.deliver(ch, e)
	}
}

// deliver is non-blocking and tolerates a subscriber that unsubscribed (and
// closed its channel) between the snapshot above and the send here.
func (b *memBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, ch: ch})
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
