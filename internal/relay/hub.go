package relay

import (
	"sync"
)

// Hub tracks locally-connected subscribers keyed by room. The API process
// wires Hub.Dispatch into Relay.Subscribe so that every broadcast envelope
// reaches the local connections watching that room. Subscription is keyed by
// the owning inspection id, not by job id: one inspection may have many jobs
// and a client typically watches the inspection.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[chan Envelope]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[chan Envelope]struct{}),
	}
}

// Join registers a subscriber for a room and returns its event channel.
// Events are dropped, not buffered indefinitely, when the subscriber is slow.
func (h *Hub) Join(room string) chan Envelope {
	ch := make(chan Envelope, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[chan Envelope]struct{})
		h.rooms[room] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Leave removes a subscriber and closes its channel.
func (h *Hub) Leave(room string, ch chan Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

// Dispatch delivers an envelope to every local subscriber of its room.
// Slow subscribers with full buffers miss the event (at-most-once).
func (h *Hub) Dispatch(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.rooms[env.Room] {
		select {
		case ch <- env:
		default:
		}
	}
}

// Subscribers returns the local subscriber count for a room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
