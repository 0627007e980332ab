package userinfo

import (
	"sync"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Profile is the vCard4-derived subset of fields the UI cares about.
type Profile struct {
	FullName string
	Nickname string
	Email    string
	Org      string
}

// AvatarMetadata is the XEP-0084 metadata item for a user's current avatar.
type AvatarMetadata struct {
	Id     ids.AvatarId
	Type   string
	Bytes  int
	Width  int
	Height int
}

// UserInfo is the coalesced view of spec §4.6: the latest presence, vCard
// profile, PubSub mood and avatar metadata known for a user.
type UserInfo struct {
	Presence Presence
	HasPresence bool
	Profile     Profile
	Mood        string
	Avatar      AvatarMetadata
	HasAvatar   bool
}

func (u UserInfo) equal(o UserInfo) bool {
	return u.Presence == o.Presence &&
		u.HasPresence == o.HasPresence &&
		u.Profile == o.Profile &&
		u.Mood == o.Mood &&
		u.Avatar == o.Avatar &&
		u.HasAvatar == o.HasAvatar
}

// Service coalesces presence, profile, mood and avatar updates into a
// per-user UserInfo cache and notifies OnContactChanged whenever any field
// actually changes (spec §4.6: "dispatched whenever any of these fields
// change" — not on every update, since many presence updates are no-ops
// when nothing about the resolved resource actually moved).
type Service struct {
	mu    sync.RWMutex
	info  map[string]UserInfo
	Presence *PresenceMap

	OnContactChanged func(ids.UserId)
}

func NewService(presence *PresenceMap) *Service {
	return &Service{
		info:     make(map[string]UserInfo),
		Presence: presence,
	}
}

func (s *Service) current(user ids.UserId) UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info[user.String()]
}

func (s *Service) apply(user ids.UserId, mutate func(*UserInfo)) {
	s.mu.Lock()
	before := s.info[user.String()]
	after := before
	mutate(&after)
	s.info[user.String()] = after
	changed := !before.equal(after)
	s.mu.Unlock()

	if changed && s.OnContactChanged != nil {
		s.OnContactChanged(user)
	}
}

// RefreshPresence recomputes the resolved presence for user from the
// PresenceMap and applies it, per spec §4.6's "latest presence" input.
func (s *Service) RefreshPresence(user ids.UserId) {
	_, resolved, ok := s.Presence.Resolve(user)
	s.apply(user, func(info *UserInfo) {
		info.Presence = resolved
		info.HasPresence = ok
	})
}

func (s *Service) SetProfile(user ids.UserId, profile Profile) {
	s.apply(user, func(info *UserInfo) { info.Profile = profile })
}

func (s *Service) SetMood(user ids.UserId, mood string) {
	s.apply(user, func(info *UserInfo) { info.Mood = mood })
}

func (s *Service) SetAvatar(user ids.UserId, avatar AvatarMetadata) {
	s.apply(user, func(info *UserInfo) {
		info.Avatar = avatar
		info.HasAvatar = true
	})
}

// Get returns the current coalesced view for user.
func (s *Service) Get(user ids.UserId) UserInfo {
	return s.current(user)
}

// Clear drops every cached UserInfo, used on disconnect alongside
// PresenceMap.Clear (spec §5).
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = make(map[string]UserInfo)
}
