// Package events provides the in-process publish/subscribe bus that
// fans engine events out to interested components. Each subscriber owns
// a bounded channel; a slow subscriber drops its oldest events rather
// than blocking publishers.
package events

import (
	"sync"
	"time"
)

// Topic names one event stream on the bus.
type Topic string

// Engine topics.
const (
	TopicDeviceDiscovered    Topic = "device_discovered"
	TopicDeviceUpdated       Topic = "device_updated"
	TopicDeviceLost          Topic = "device_lost"
	TopicDeviceConnected     Topic = "device_connected"
	TopicDeviceDisconnected  Topic = "device_disconnected"
	TopicJobQueued           Topic = "job_queued"
	TopicJobStarted          Topic = "job_started"
	TopicJobCompleted        Topic = "job_completed"
	TopicJobFailed           Topic = "job_failed"
	TopicJobStuck            Topic = "job_stuck"
	TopicRetryReady          Topic = "retry_ready"
	TopicRetryExhausted      Topic = "retry_exhausted"
	TopicRetryExpired        Topic = "retry_expired"
)

// Event pairs a topic with its payload. The payload type is fixed per
// topic by the publishing component (job topics carry models.SyncJob,
// discovery topics carry models.DiscoveredDevice).
type Event struct {
	Topic   Topic
	Time    time.Time
	Payload any
}

// subscriberBuffer is the channel capacity of each subscription.
const subscriberBuffer = 64

// Bus is a topic-based fan-out. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]*Subscription)}
}

// Subscription receives events for the topics it was created with.
// Read from C until it is closed.
type Subscription struct {
	C <-chan Event

	bus    *Bus
	ch     chan Event
	topics []Topic
	once   sync.Once
}

// Subscribe registers a new subscription for the given topics.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, bus: b, ch: ch, topics: topics}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}

	for _, t := range topics {
		b.subs[t] = append(b.subs[t], sub)
	}

	return sub
}

// Publish delivers an event to every subscription of the topic. If a
// subscriber's buffer is full, its oldest buffered event is dropped to
// make room, so publishers never block on a slow consumer.
func (b *Bus) Publish(topic Topic, payload any) {
	evt := Event{Topic: topic, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[topic] {
		for {
			select {
			case sub.ch <- evt:
			default:
				// Buffer full: drop the oldest and retry once. The
				// second send can still lose a race with a concurrent
				// publisher, hence the loop.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close unsubscribes and closes the channel. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range sub.topics {
		list := b.subs[t]
		for i, s := range list {
			if s == sub {
				b.subs[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Close shuts the bus down and closes every subscription channel.
// Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[*Subscription]bool)
	for _, list := range b.subs {
		for _, sub := range list {
			if !seen[sub] {
				seen[sub] = true
				sub.once.Do(func() { close(sub.ch) })
			}
		}
	}
	b.subs = make(map[Topic][]*Subscription)
}
