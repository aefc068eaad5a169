// Package publish defines the payload-publishing boundary the core writes
// through instead of speaking the message-bus wire protocol itself: it
// consumes already-parsed range batches and publishes already-shaped
// payloads through an injected publisher. Publisher is the seam an
// external message-bus adapter implements in production; PubSub is an
// in-process implementation suitable for tests and for fanning events out
// to other in-process observers (an HTTP/WebSocket layer, if one is wired
// up upstream of this module).
package publish

import "sync"

// Topic identifies a publish destination, e.g. "tracking/<tag_id>/position"
// or "dev/<anchor_id>/cmd".
type Topic string

// Publisher is the injected boundary every component publishes through.
// Implementations must not block the caller for long; a message-bus
// adapter should queue or drop rather than stall a tracking/DMX tick.
type Publisher interface {
	Publish(topic Topic, payload any)
}

// Subscriber is a subscription handle returned by PubSub.Subscribe.
type Subscriber struct {
	id      int
	topic   Topic
	Channel chan any
}

// PubSub is a minimal in-process topic fan-out: buffered per-subscriber
// channels and non-blocking publish, genericized to `any` payloads rather
// than tied to any one transport.
type PubSub struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*Subscriber
	nextID      int
}

// New creates an empty PubSub.
func New() *PubSub {
	return &PubSub{subscribers: make(map[Topic][]*Subscriber)}
}

// Publish implements Publisher: sends to every current subscriber of topic,
// dropping the message (never blocking) if a subscriber's buffer is full.
func (ps *PubSub) Publish(topic Topic, payload any) {
	ps.mu.RLock()
	subs := ps.subscribers[topic]
	ps.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Channel <- payload:
		default:
		}
	}
}

// Subscribe registers a new subscriber for topic with the given channel
// buffer size.
func (ps *PubSub) Subscribe(topic Topic, bufferSize int) *Subscriber {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.nextID++
	sub := &Subscriber{id: ps.nextID, topic: topic, Channel: make(chan any, bufferSize)}
	ps.subscribers[topic] = append(ps.subscribers[topic], sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (ps *PubSub) Unsubscribe(sub *Subscriber) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	subs := ps.subscribers[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			close(s.Channel)
			ps.subscribers[sub.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers to topic.
func (ps *PubSub) SubscriberCount(topic Topic) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}
