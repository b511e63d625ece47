package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cloudvelous/ragloop/internal/metrics"
)

// Event types published on the admin feed.
const (
	TypeSessionCreated  = "session.created"
	TypeFeedbackApplied = "feedback.applied"
	TypeChunkWeightSet  = "chunk.weight_set"
)

// Event is one entry on the admin event feed.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Marshal returns the event as JSON for the wire or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Hub is the in-memory pub/sub feed behind the event stream endpoint.
// Publishing never blocks; slow subscribers drop events and can catch up
// through the replay buffer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	history     *ring
}

// NewHub creates a hub with a replay buffer of the given capacity.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		history:     newRing(capacity),
	}
}

// Subscribe registers a subscriber channel. The caller must drain it and
// call Unsubscribe when done.
func (h *Hub) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	metrics.EventClients.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
		metrics.EventClients.Dec()
	}
}

// Publish assigns the next sequence number and fans the event out to all
// subscribers without blocking.
func (h *Hub) Publish(eventType string, payload map[string]interface{}) {
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	h.mu.Lock()
	evt.Seq = h.history.nextSeq
	h.history.nextSeq++
	h.history.push(evt)
	subs := make([]chan Event, 0, len(h.subscribers))
	for ch := range h.subscribers {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if the subscriber is slow.
		}
	}
}

// ReplaySince returns buffered events with Seq > since, oldest first.
// Best effort within the ring capacity.
func (h *Hub) ReplaySince(since uint64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.history.since(since)
}

// ring is a fixed-capacity buffer of recent events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
