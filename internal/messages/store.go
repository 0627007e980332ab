package messages

import (
	"sync"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Store is the per-account message repository: MessageLike deltas are kept
// per room and deduplicated by DedupKey, matching the "messages" persisted
// collection of spec §6. Reduce-on-read is cheap enough for interactive use
// (spec §2 budgets this component at 8% of the core) so no cached canonical
// log is kept; callers that need one repeatedly should cache the result of
// Room themselves.
type Store struct {
	mu      sync.RWMutex
	deltas  map[ids.RoomId][]MessageLike
	seen    map[ids.RoomId]map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		deltas: make(map[ids.RoomId][]MessageLike),
		seen:   make(map[ids.RoomId]map[string]struct{}),
	}
}

// Insert adds delta to room's log. It reports whether the delta was new;
// inserting the same (remote_id|server_id) twice is a no-op, satisfying the
// message-idempotence property of spec §8.
func (s *Store) Insert(room ids.RoomId, delta MessageLike) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.seen[room]
	if !ok {
		set = make(map[string]struct{})
		s.seen[room] = set
	}
	key := delta.DedupKey()
	if _, dup := set[key]; dup {
		return false
	}
	set[key] = struct{}{}
	s.deltas[room] = append(s.deltas[room], delta)
	return true
}

// InsertBatch inserts each delta and returns how many were actually new.
func (s *Store) InsertBatch(room ids.RoomId, batch []MessageLike) int {
	added := 0
	for _, d := range batch {
		if s.Insert(room, d) {
			added++
		}
	}
	return added
}

// Room reduces and returns the canonical message log for a room.
func (s *Store) Room(room ids.RoomId) []Message {
	s.mu.RLock()
	deltas := append([]MessageLike(nil), s.deltas[room]...)
	s.mu.RUnlock()
	return Reduce(deltas)
}

// HeadTimestamp returns the earliest timestamp among a room's stored
// deltas, or the zero time if the room has none. Catch-up uses this to
// recognize when a MAM page has paged back past everything already stored.
func (s *Store) HeadTimestamp(room ids.RoomId) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var head time.Time
	for _, d := range s.deltas[room] {
		if head.IsZero() || d.Timestamp.Before(head) {
			head = d.Timestamp
		}
	}
	return head
}

// DeltaCount reports the number of stored (deduplicated) deltas for a room;
// used by tests and diagnostics.
func (s *Store) DeltaCount(room ids.RoomId) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deltas[room])
}

// Clear drops every delta for a room; not used by reconnect (persistent
// caches survive reconnect per spec §5) but kept for logout/clear_cache.
func (s *Store) Clear(room ids.RoomId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deltas, room)
	delete(s.seen, room)
}
