// Package watch fans coalesced change signals out to subscribers by topic.
package watch

import (
	"strings"
	"sync"
)

// Hub tracks subscriptions keyed by topic.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[*Subscription]struct{}
	closed   bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscription on topic. Subscribing to a closed hub
// returns an already closed subscription.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{hub: h, topic: topic, events: make(chan struct{}, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.events)
		return sub
	}
	set := h.watchers[topic]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.watchers[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Notify signals every subscriber of topic.
func (h *Hub) Notify(topic string) {
	for _, sub := range h.collect(func(t string) bool { return t == topic }) {
		sub.Signal()
	}
}

// NotifyPrefix signals every subscriber whose topic starts with prefix.
func (h *Hub) NotifyPrefix(prefix string) {
	for _, sub := range h.collect(func(t string) bool { return strings.HasPrefix(t, prefix) }) {
		sub.Signal()
	}
}

// Topics returns the topics with at least one subscriber.
func (h *Hub) Topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.watchers))
	for topic := range h.watchers {
		out = append(out, topic)
	}
	return out
}

// Watching reports whether topic has subscribers.
func (h *Hub) Watching(topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[topic]) > 0
}

// Close closes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscription
	for _, set := range h.watchers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.watchers = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
}

func (h *Hub) collect(match func(string) bool) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var subs []*Subscription
	for topic, set := range h.watchers {
		if !match(topic) {
			continue
		}
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.watchers, sub.topic)
		}
	}
}

// Subscription receives at most one pending signal at a time; further
// signals coalesce until the receiver drains Events.
type Subscription struct {
	hub    *Hub
	topic  string
	mu     sync.Mutex
	events chan struct{}
	closed bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Events returns the signal channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan struct{} {
	return s.events
}

// Signal delivers a notification without blocking.
func (s *Subscription) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() error {
	s.hub.remove(s)
	s.shutdown()
	return nil
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
