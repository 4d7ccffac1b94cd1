package session

import (
	"sync"

	"codecanvas/internal/metrics"
)

// Registry holds the live state of every active room. Lock order is
// registry before room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*RoomState
}

func NewRegistry() *Registry { return &Registry{rooms: make(map[string]*RoomState)} }

// Ensure returns the live state for id, creating an empty one if needed.
func (h *Registry) Ensure(id string) *RoomState {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r = NewRoomState(id)
	h.rooms[id] = r
	metrics.ActiveRooms.Inc()
	return r
}

func (h *Registry) Get(id string) (*RoomState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// RemoveIfEmpty drops the room iff it has no users. The dropped state is
// marked closed so late holders of the pointer do not write into it.
func (h *Registry) RemoveIfEmpty(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.users) > 0 {
		return false
	}
	r.closed = true
	delete(h.rooms, id)
	metrics.ActiveRooms.Dec()
	return true
}

func (h *Registry) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Snapshot returns the member count of every active room.
func (h *Registry) Snapshot() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, r := range h.rooms {
		r.mu.Lock()
		out[id] = len(r.users)
		r.mu.Unlock()
	}
	return out
}
