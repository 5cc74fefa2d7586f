package notify

import (
	"context"
	"sync"
)

// Hub is an in-process Bus used when no redis is configured
type Hub struct {
	mu   sync.RWMutex
	subs map[*hubSubscription]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[*hubSubscription]struct{})}
}

// Publish implements Publisher. It never blocks.
func (h *Hub) Publish(_ context.Context, events ...Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range events {
		for s := range h.subs {
			if !s.tables[e.Table] {
				continue
			}
			select {
			case s.ch <- e:
			default:
			}
		}
	}
	return nil
}

// Subscribe implements Subscriber. The subscription closes itself when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, tables ...string) (Subscription, error) {
	s := &hubSubscription{
		hub:    h,
		tables: make(map[string]bool, len(tables)),
		ch:     make(chan Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	for _, t := range tables {
		s.tables[t] = true
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Subscribers returns the number of open subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type hubSubscription struct {
	hub    *Hub
	tables map[string]bool
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *hubSubscription) Events() <-chan Event {
	return s.ch
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
		close(s.done)
	})
	return nil
}
