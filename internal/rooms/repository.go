package rooms

import (
	"sync"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Repository is the connected-rooms collection of spec §6: in-memory only,
// reset on disconnect (unlike messages/bookmarks/settings, which persist).
// It is a mutex-guarded map over the full RoomId keyspace (1:1 or MUC),
// rather than MUC JIDs only.
type Repository struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRepository() *Repository {
	return &Repository{rooms: make(map[string]*Room)}
}

// GetOrCreate returns the existing room for id, or inserts and returns a
// fresh Unknown-kind Room.
func (r *Repository) GetOrCreate(id ids.RoomId) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id.String()
	if room, ok := r.rooms[key]; ok {
		return room
	}
	room := NewRoom(id)
	r.rooms[key] = room
	return room
}

func (r *Repository) Get(id ids.RoomId) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id.String()]
	return room, ok
}

func (r *Repository) Delete(id ids.RoomId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, id.String())
}

// All returns a snapshot slice of every connected room.
func (r *Repository) All() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// Clear drops every connected room; called on disconnect per spec §5
// ("clears volatile caches... connected rooms").
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[string]*Room)
}

func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
