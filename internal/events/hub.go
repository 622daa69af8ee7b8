package events

import (
	"errors"
	"log"
	"sync"

	"github.com/gluk-w/vpsdeck/internal/logutil"
	"github.com/gluk-w/vpsdeck/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// ErrSlowSubscriber is reported by a subscription that was dropped because
// its buffer overflowed.
var ErrSlowSubscriber = errors.New("subscriber too slow, events dropped")

// Publisher delivers events to a user's channels.
type Publisher interface {
	Publish(userID string, ev Event)
}

// Subscriber opens per-user event channels.
type Subscriber interface {
	Subscribe(userID string) *Subscription
}

// Subscription is one live channel of a user. C is closed when the
// subscription ends, either through Close or because it overflowed.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	hub    *Hub
	userID string
	once   sync.Once
	err    error
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// Err returns ErrSlowSubscriber if the hub dropped the subscription.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Hub is an in-process Publisher and Subscriber. Delivery is best effort and
// at most once: events published while nobody listens are gone.
type Hub struct {
	buffer int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub returns a hub whose subscribers queue up to buffer events
// (DefaultBuffer when buffer <= 0).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new channel for userID.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, userID: userID}

	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	n := len(set)
	h.mu.Unlock()
	metrics.EventSubscribers.Inc()

	log.Printf("[events] Subscribed user %s (%d channels)", logutil.SanitizeForLog(userID), n)
	return sub
}

// Publish delivers ev to every channel of userID without blocking. Sends
// happen under the hub lock, so every subscriber sees one publisher's
// events in publish order.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			h.removeLocked(sub, ErrSlowSubscriber)
			log.Printf("[events] Dropped slow subscriber of user %s", logutil.SanitizeForLog(userID))
		}
	}
}

// Subscribers returns the number of live channels of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, reason)
}

func (h *Hub) removeLocked(sub *Subscription, reason error) {
	sub.once.Do(func() {
		sub.err = reason
		if set, ok := h.subs[sub.userID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.userID)
			}
		}
		close(sub.ch)
		metrics.EventSubscribers.Dec()
	})
}
