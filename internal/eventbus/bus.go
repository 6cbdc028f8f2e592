// Package eventbus is the single-producer broadcast channel of §4.C:
// the order book is the only publisher, consumers are the market-data
// distributor (and anything else that wants to watch the book), and a
// slow consumer is disconnected rather than allowed to stall the
// producer.
//
// This is grounded on the hub/broadcast pattern used for order-book
// fan-out in the pack (bounded per-consumer channel, non-blocking
// send, drop-or-evict on a full buffer) rather than a single shared
// channel all consumers read from, because the spec requires every
// subscriber to see every event it hasn't been evicted for — a shared
// channel would let one slow reader starve the others.
package eventbus

import "limit-exchange/domain"

// Kind is the type of domain event the order book publishes.
type Kind int

const (
	KindNewTrades Kind = iota
	KindCancel
)

// Event is the union of everything the order book can publish: a batch
// of trades from one submit, or a single cancellation.
type Event struct {
	Kind    Kind
	Trades  []domain.Trade // set when Kind == KindNewTrades
	OrderID string         // set when Kind == KindCancel
}

// Subscriber is one consumer's inbox. Events arrive in the exact order
// the Bus's single producer published them (§5: "global trade order
// emitted on the Event Bus is a linear extension of the submit order").
type Subscriber struct {
	ch     chan Event
	closed chan struct{}
}

// Events returns the channel to range over. It is closed when the
// subscriber is evicted.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus is a bounded multi-producer (in practice: one, the order book) /
// multi-consumer broadcast of Event. Publish never blocks: a consumer
// whose buffer is full is evicted instead of backing up the producer.
type Bus struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	publish    chan Event
	bufSize    int
}

// New creates a bus and starts its dispatch loop. bufSize is the
// per-subscriber channel capacity; a subscriber that falls more than
// bufSize events behind is evicted.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	b := &Bus{
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		publish:    make(chan Event, bufSize),
		bufSize:    bufSize,
	}
	go b.run()
	return b
}

// Subscribe registers a new consumer. Call Unsubscribe (or let the
// returned Subscriber's channel drain to closure) when done.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, b.bufSize), closed: make(chan struct{})}
	b.register <- sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	select {
	case b.unregister <- sub:
	case <-sub.closed:
	}
}

// Publish enqueues an event for dispatch. Never blocks on a subscriber;
// the dispatch loop evicts slow ones instead.
func (b *Bus) Publish(e Event) {
	b.publish <- e
}

func (b *Bus) run() {
	subs := make(map[*Subscriber]bool)
	for {
		select {
		case sub := <-b.register:
			subs[sub] = true

		case sub := <-b.unregister:
			if subs[sub] {
				delete(subs, sub)
				close(sub.ch)
				close(sub.closed)
			}

		case e := <-b.publish:
			for sub := range subs {
				select {
				case sub.ch <- e:
				default:
					// Slow consumer: evict rather than block the producer.
					delete(subs, sub)
					close(sub.ch)
					close(sub.closed)
				}
			}
		}
	}
}
