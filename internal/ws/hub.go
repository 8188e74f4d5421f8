package ws

import (
	"context"
	"errors"
	"sync"
)

const maxSubscriptionsPerClient = 32

var ErrTooManySubscriptions = errors.New("too_many_subscriptions")

// Hub fans pushes out to the clients connected to this process.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Subscribe(topic string, client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.has(topic) {
		return nil
	}
	if client.count() >= maxSubscriptionsPerClient {
		return ErrTooManySubscriptions
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Client]struct{})
		h.topics[topic] = set
	}
	set[client] = struct{}{}
	client.track(topic, true)
	return nil
}

func (h *Hub) Unsubscribe(topic string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(topic, client)
}

func (h *Hub) UnsubscribeAll(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range client.topicList() {
		h.detach(topic, client)
	}
}

// detach requires h.mu.
func (h *Hub) detach(topic string, client *Client) {
	client.track(topic, false)
	set, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) Publish(topic string, payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(payload)
	}
}

// Broadcast satisfies Broadcaster so an embedded worker can push straight
// into the local hub.
func (h *Hub) Broadcast(_ context.Context, topic string, payload []byte) error {
	h.Publish(topic, payload)
	return nil
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every client. Later subscriptions still succeed but
// nothing is delivered to closed clients.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	seen := make(map[*Client]struct{})
	for _, set := range h.topics {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	h.topics = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for c := range seen {
		c.shutdown()
	}
}
