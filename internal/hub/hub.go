package hub

import (
	"log/slog"
	"sync"

	"github.com/btouchard/courier/internal/event"
)

// Subscriber is one live connection attached to topics.
// Send must not block; it returns false when the message was not queued.
type Subscriber interface {
	ID() string
	Send(msg []byte) bool
}

// Topic returns the personal topic of a user.
func Topic(id event.UserID) string {
	return "user:" + string(id)
}

// Hub routes messages published on a topic to its subscribers.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{topics: make(map[string]map[string]Subscriber)}
}

// Subscribe attaches sub to topic.
func (h *Hub) Subscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[topic] = subs
	}
	subs[sub.ID()] = sub
}

// Unsubscribe detaches sub from topic. Empty topics are dropped.
func (h *Hub) Unsubscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, sub.ID())
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Publish queues msg on every subscriber of topic and returns how many
// accepted it.
func (h *Hub) Publish(topic string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, sub := range h.topics[topic] {
		if sub.Send(msg) {
			delivered++
			continue
		}
		slog.Warn("push dropped", "topic", topic, "conn_id", id)
	}
	return delivered
}

// Broadcast queues msg on every subscriber of every topic, once per
// subscriber.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	delivered := 0
	for _, subs := range h.topics {
		for id, sub := range subs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if sub.Send(msg) {
				delivered++
			}
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
