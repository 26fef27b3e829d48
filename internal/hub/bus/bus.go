// Package bus is the in-process topic bus connecting the stateful hub
// components to agent sessions. Topics are plain strings ("messages",
// "presence", "tasks", "goals", "channel:<name>"). Publishing never
// blocks: a subscriber whose queue is full loses the event.
package bus

import (
	"sync"

	"github.com/agentcom/agentcom/internal/metrics"
)

// Well-known topics.
const (
	TopicMessages = "messages"
	TopicPresence = "presence"
	TopicTasks    = "tasks"
	TopicGoals    = "goals"
)

// TopicChannel returns the fan-out topic for a named channel.
func TopicChannel(name string) string {
	return "channel:" + name
}

// Event is a single published event.
type Event struct {
	Topic string
	Kind  string
	Data  any
}

// Bus routes events from publishers to per-subscriber queues.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]*Subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[int]*Subscriber)}
}

// Subscriber receives events for its subscribed topics on C.
type Subscriber struct {
	bus *Bus
	id  int

	// C delivers events. The channel is closed by Close.
	C chan Event

	mu     sync.Mutex
	topics map[string]bool
	closed bool
}

// NewSubscriber creates a subscriber with the given queue depth.
func (b *Bus) NewSubscriber(buffer int) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	return &Subscriber{
		bus:    b,
		id:     b.nextID,
		C:      make(chan Event, buffer),
		topics: make(map[string]bool),
	}
}

// Publish delivers an event to every subscriber of topic without
// blocking. Subscribers with full queues drop the event.
func (b *Bus) Publish(topic, kind string, data any) {
	ev := Event{Topic: topic, Kind: kind, Data: data}

	b.mu.RLock()
	subs := b.topics[topic]
	targets := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		select {
		case s.C <- ev:
		default:
			metrics.BusDropped.WithLabelValues(topic).Inc()
		}
		s.mu.Unlock()
	}
}

// Subscribe attaches the subscriber to a topic. Idempotent.
func (s *Subscriber) Subscribe(topic string) {
	s.mu.Lock()
	if s.closed || s.topics[topic] {
		s.mu.Unlock()
		return
	}
	s.topics[topic] = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	if s.bus.topics[topic] == nil {
		s.bus.topics[topic] = make(map[int]*Subscriber)
	}
	s.bus.topics[topic][s.id] = s
	s.bus.mu.Unlock()
}

// Unsubscribe detaches the subscriber from a topic.
func (s *Subscriber) Unsubscribe(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()

	s.bus.detach(s.id, topic)
}

// Topics returns the currently subscribed topics.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close detaches the subscriber from every topic and closes C.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.topics = make(map[string]bool)
	close(s.C)
	s.mu.Unlock()

	for _, t := range topics {
		s.bus.detach(s.id, t)
	}
}

func (b *Bus) detach(id int, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[topic]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}
