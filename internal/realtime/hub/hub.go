// Package hub is an in-process realtime.Broker.
package hub

import (
	"context"
	"sync"

	"github.com/mhmd-249/cbi/internal/realtime"
)

// DefaultBuffer is the per-subscription queue depth.
const DefaultBuffer = 64

// Hub delivers published payloads to local subscribers. A subscriber whose
// buffer is full misses the payload and is not counted as delivered.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	closed bool
}

// New returns an empty Hub. A non-positive buffer uses DefaultBuffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: buffer}
}

// Publish implements realtime.Broker.
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, realtime.ErrUnavailable
	}

	delivered := 0
	for s := range h.subs[channel] {
		if s.offer(realtime.Message{Channel: channel, Payload: payload}) {
			delivered++
		}
	}
	return delivered, nil
}

// Subscribe implements realtime.Broker.
func (h *Hub) Subscribe(_ context.Context, channels ...string) (realtime.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, realtime.ErrUnavailable
	}

	s := &subscription{hub: h, channels: channels, ch: make(chan realtime.Message, h.buffer)}
	for _, c := range channels {
		set, ok := h.subs[c]
		if !ok {
			set = make(map[*subscription]struct{})
			h.subs[c] = set
		}
		set[s] = struct{}{}
	}
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close ends every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*subscription
	seen := make(map[*subscription]struct{})
	for _, set := range h.subs {
		for s := range set {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				all = append(all, s)
			}
		}
	}
	h.closed = true
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range s.channels {
		if set, ok := h.subs[c]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, c)
			}
		}
	}
}

type subscription struct {
	hub      *Hub
	channels []string

	mu     sync.Mutex
	ch     chan realtime.Message
	closed bool
}

func (s *subscription) Messages() <-chan realtime.Message { return s.ch }

func (s *subscription) offer(m realtime.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

func (s *subscription) Close() {
	s.hub.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var _ realtime.Broker = (*Hub)(nil)
