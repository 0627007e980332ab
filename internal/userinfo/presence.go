// Package userinfo owns "what do we know about this user right now": the
// presence map and the UserInfo coalescing service of spec §4.6.
package userinfo

import (
	"sync"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Show is a presence's availability hint, the standard XMPP <show/>
// vocabulary.
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// Presence is one resource's current availability.
type Presence struct {
	Show      Show
	Status    string
	Priority  int
	UpdatedAt time.Time
}

// PresenceMap is UserId -> Resource -> Presence: a bare-JID-to-resource map
// generalized from a flat JID key to the ids.UserId value type, with the
// UpdatedAt tie-breaker spec §4.6 requires ("on ties it prefers the most
// recently updated") rather than breaking ties arbitrarily by map iteration
// order.
type PresenceMap struct {
	mu    sync.RWMutex
	users map[string]map[string]Presence
}

func NewPresenceMap() *PresenceMap {
	return &PresenceMap{users: make(map[string]map[string]Presence)}
}

// Set records resource's presence for user, stamping UpdatedAt with now.
func (m *PresenceMap) Set(user ids.UserId, resource string, p Presence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[user.String()] == nil {
		m.users[user.String()] = make(map[string]Presence)
	}
	p.UpdatedAt = time.Now()
	m.users[user.String()][resource] = p
}

// Remove drops resource's presence (or every resource, if resource == "").
func (m *PresenceMap) Remove(user ids.UserId, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resource == "" {
		delete(m.users, user.String())
		return
	}
	if resources, ok := m.users[user.String()]; ok {
		delete(resources, resource)
		if len(resources) == 0 {
			delete(m.users, user.String())
		}
	}
}

// Resolve implements spec §4.6 and the presence-resolution property of
// spec §8: the resource with max priority; on ties, the most recently
// updated; if no resource is available, the bare UserResourceId. Resolve is
// a pure function of the current map contents at the time it is called.
func (m *PresenceMap) Resolve(user ids.UserId) (ids.UserResourceId, Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resources := m.users[user.String()]
	if len(resources) == 0 {
		return ids.NewUserResourceId(user.JID()), Presence{}, false
	}

	var bestResource string
	var best Presence
	first := true
	for resource, p := range resources {
		if first || p.Priority > best.Priority ||
			(p.Priority == best.Priority && p.UpdatedAt.After(best.UpdatedAt)) {
			bestResource, best = resource, p
			first = false
		}
	}
	return ids.NewUserResourceId(user.JID().WithResource(bestResource)), best, true
}

// Clear drops the entire map, used on disconnect per spec §5's "clears
// volatile caches... presence" rule.
func (m *PresenceMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]map[string]Presence)
}
