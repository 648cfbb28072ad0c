// Package changefeed implements the in-process publish/subscribe bus that
// notifies subscribers of committed document mutations. Grounded on
// smarterbase/index_manager.go's "write then notify, never block the write
// path on notification failure" fan-out shape, generalized from
// index-updates to arbitrary subscribers.
package changefeed

import (
	"github.com/solisoft/solidb/internal/hlc"
)

// EventType identifies the kind of mutation an Event reports.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one committed mutation delivered to subscribers, in commit
// order per key (single CF writer serializes this naturally); there is no
// cross-key ordering guarantee.
type Event struct {
	Type       EventType
	DB         string
	Collection string
	Key        string
	Data       any
	OldData    any
	HLC        hlc.Timestamp
}

type topic struct {
	db, collection, key string // key == "" means "every key in this collection"
}

type subscriber struct {
	topic topic
	ch    chan Event
}

// Bus is the process-wide changefeed. Safe for concurrent use.
type Bus struct {
	register   chan subscriber
	unregister chan chan Event
	publish    chan Event
	done       chan struct{}
}

// New starts a Bus's dispatch goroutine. Callers must call Close when
// done.
func New() *Bus {
	b := &Bus{
		register:   make(chan subscriber),
		unregister: make(chan chan Event),
		publish:    make(chan Event, 256),
		done:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	subs := make(map[chan Event]topic)
	for {
		select {
		case s := <-b.register:
			subs[s.ch] = s.topic
		case ch := <-b.unregister:
			delete(subs, ch)
			close(ch)
		case e := <-b.publish:
			for ch, t := range subs {
				if !matches(t, e) {
					continue
				}
				select {
				case ch <- e:
				default:
					// Slow subscriber: drop-with-error, the committer
					// never blocks on notification delivery.
					delete(subs, ch)
					close(ch)
				}
			}
		case <-b.done:
			for ch := range subs {
				close(ch)
			}
			return
		}
	}
}

func matches(t topic, e Event) bool {
	if t.db != e.DB || t.collection != e.Collection {
		return false
	}
	return t.key == "" || t.key == e.Key
}

// Subscription is a live changefeed registration. C delivers matching
// Events until Close is called or the subscriber is dropped as slow.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	bus  *Bus
}

// Close disconnects the subscription.
func (s *Subscription) Close() {
	s.bus.unregister <- s.ch
}

// Subscribe registers interest in every Event matching
// (db, collection[, key]). backlog bounds how many events may queue for
// this subscriber before it is disconnected as slow.
func (b *Bus) Subscribe(db, collection, key string, backlog int) *Subscription {
	ch := make(chan Event, backlog)
	b.register <- subscriber{topic: topic{db: db, collection: collection, key: key}, ch: ch}
	return &Subscription{C: ch, ch: ch, bus: b}
}

// Publish broadcasts a committed mutation to every matching subscriber.
// Never blocks: the publish channel buffers 256 events, and when it is full
// the event is discarded for every subscriber. Slow subscribers are dropped
// by the dispatcher rather than backing up the bus.
func (b *Bus) Publish(e Event) {
	select {
	case b.publish <- e:
	default:
	}
}

// Close stops the dispatch goroutine and closes every subscriber channel.
func (b *Bus) Close() {
	close(b.done)
}
