package presence

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory rooms and hands out stable room handles.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns a stable handle for the room, allocating it on first use.
func (h *Hub) GetOrCreate(roomID string) *Room {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r != nil {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[roomID]; r != nil {
		return r
	}
	r = NewRoom(h.log, roomID)
	h.rooms[roomID] = r
	return r
}

// Snapshot returns the presence entries for a room without allocating it.
func (h *Hub) Snapshot(roomID string) ([]Entry, bool) {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return nil, false
	}
	return r.Snapshot(), true
}

// Join registers the entry in roomID, allocating the room on first use.
// Join resolves the handle and registers under it in one step: if a
// concurrent Release seals the room between allocation and registration,
// Join re-resolves and retries, so a member never lands on a room the Hub
// has already forgotten.
func (h *Hub) Join(roomID string, recv Receiver, e Entry) (*Room, Entry, bool) {
	for {
		r := h.GetOrCreate(roomID)
		out, joined, err := r.Join(recv, e)
		if err == nil {
			return r, out, joined
		}
	}
}

// Release frees a room's in-memory allocation if it has no members left.
// Safe to call after every leave. The room is sealed before it is dropped
// from the map, so a handle resolved before Release cannot accept members
// afterwards; Hub.Join retries against the fresh allocation instead.
func (h *Hub) Release(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[roomID]; r != nil && r.seal() {
		delete(h.rooms, roomID)
	}
}

// Len returns the number of allocated rooms.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
