// Package events fans server lifecycle events out to subscribers such as the
// ops /events stream.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

const queueSize = 256

// Subscriber identifies one consumer of the feed.
type Subscriber struct {
	ID string
	// Types restricts delivery to the listed event types. Empty means all.
	Types []string
}

func (s Subscriber) wants(eventType string) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, t := range s.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

type subscription struct {
	sub  Subscriber
	send chan protocol.Envelope
}

// Hub is safe for concurrent use. Publishing never blocks: a subscriber whose
// queue is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	dropped atomic.Uint64
	log     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs: make(map[string]*subscription),
		log:  logger.With("component", "events"),
	}
}

// Add registers a subscriber and returns a remove function. send is called
// from a dedicated goroutine in publish order; once it fails no further
// events are delivered. A second Add with the same ID replaces the first.
func (h *Hub) Add(sub Subscriber, send func(env protocol.Envelope) error) (remove func()) {
	ch := make(chan protocol.Envelope, queueSize)
	s := &subscription{sub: sub, send: ch}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				h.log.Debug("subscriber send failed", "subscriber", sub.ID, "err", err)
				// Keep draining so publishers and remove never wait on us.
				for range ch {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	if old, ok := h.subs[sub.ID]; ok {
		close(old.send)
	}
	h.subs[sub.ID] = s
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		cur, ok := h.subs[sub.ID]
		if !ok || cur != s {
			h.mu.Unlock()
			return
		}
		delete(h.subs, sub.ID)
		close(ch)
		h.mu.Unlock()

		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Publish wraps payload in an envelope and queues it for every interested
// subscriber.
func (h *Hub) Publish(eventType string, payload any) {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		h.log.Warn("encode event", "type", eventType, "err", err)
		return
	}
	h.Broadcast(env)
}

// Broadcast queues env for every interested subscriber.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.sub.wants(env.Type) {
			continue
		}
		select {
		case s.send <- env:
		default:
			h.dropped.Add(1)
		}
	}
}
