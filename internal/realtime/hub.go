package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/metrics"
	"github.com/schoolab/ecole/internal/schema"
)

const (
	// EventDBChanged is the name carried by every change notification.
	EventDBChanged = "db:changed"

	// TypeGradeUpdate marks a notification produced by a grade batch.
	TypeGradeUpdate = "grade_update"

	// TypeSync marks a notification sent after a sync cycle changed the
	// local store.
	TypeSync = "sync"
)

// DefaultSendBuffer is the number of events queued per listener before the
// listener is considered stalled and dropped.
const DefaultSendBuffer = 64

// Event is a change notification sent to every listener.
//
// Listeners that tag their own writes with a sender id can ignore events
// carrying that id.
type Event struct {
	Event     string               `json:"event"`
	SenderID  string               `json:"senderId,omitempty"`
	DeviceID  string               `json:"deviceId,omitempty"`
	Type      string               `json:"type"`
	Updates   []schema.GradeUpdate `json:"updates,omitempty"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Listener receives events from a Hub until it is removed.
type Listener struct {
	id   uint64
	kind string
	ch   chan Event
}

// Events returns the listener's queue. It is closed when the listener is
// removed from the hub.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Kind is the transport of the listener ("sse", "ws" or "local").
func (l *Listener) Kind() string {
	return l.kind
}

// Hub fans events out to listeners.
//
// Publish never blocks: each listener has a bounded queue and a listener
// whose queue is full is removed on the spot. Transports remove their
// listener as soon as a write fails.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]*Listener
	nextID    uint64
	closed    bool

	buffer int
	log    zerolog.Logger
}

// NewHub creates a hub with the given per-listener queue size.
func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Hub{
		listeners: make(map[uint64]*Listener),
		buffer:    buffer,
		log:       log,
	}
}

// Subscribe registers a new listener. Subscribing to a closed hub returns
// a listener whose queue is already closed.
func (h *Hub) Subscribe(kind string) *Listener {
	l := &Listener{kind: kind, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(l.ch)
		return l
	}
	h.nextID++
	l.id = h.nextID
	h.listeners[l.id] = l
	metrics.Listeners.Set(float64(len(h.listeners)))
	h.log.Debug().Str("kind", kind).Int("listeners", len(h.listeners)).Msg("listener connected")
	return l
}

// Remove drops a listener and closes its queue. Removing a listener twice
// is a no-op.
func (h *Hub) Remove(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(l)
}

func (h *Hub) removeLocked(l *Listener) bool {
	if _, ok := h.listeners[l.id]; !ok {
		return false
	}
	delete(h.listeners, l.id)
	close(l.ch)
	metrics.Listeners.Set(float64(len(h.listeners)))
	h.log.Debug().Str("kind", l.kind).Int("listeners", len(h.listeners)).Msg("listener disconnected")
	return true
}

// Publish queues ev for every listener and returns how many accepted it.
func (h *Hub) Publish(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var stalled []*Listener
	delivered := 0

	h.mu.RLock()
	for _, l := range h.listeners {
		select {
		case l.ch <- ev:
			delivered++
		default:
			stalled = append(stalled, l)
		}
	}
	h.mu.RUnlock()

	if len(stalled) > 0 {
		h.mu.Lock()
		for _, l := range stalled {
			if h.removeLocked(l) {
				metrics.ListenersPruned.Inc()
				h.log.Warn().Str("kind", l.kind).Msg("dropped stalled listener")
			}
		}
		h.mu.Unlock()
	}
	return delivered
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Close removes every listener. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, l := range h.listeners {
		h.removeLocked(l)
	}
}
