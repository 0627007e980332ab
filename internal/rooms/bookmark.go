package rooms

import (
	"context"
	"sort"
	"strings"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Bookmark is the persisted https://prose.org/protocol/bookmark PubSub item
// of spec §6: one per room, the source of truth for sidebar membership.
type Bookmark struct {
	Name       string
	RoomId     ids.RoomId
	Type       Kind
	IsFavorite bool
	InSidebar  bool
}

// SidebarItem is the materialized, read-only projection of a Bookmark shown
// to the UI.
type SidebarItem struct {
	Name       string
	RoomId     ids.RoomId
	Type       Kind
	IsFavorite bool
	HasError   bool
	Error      string
}

// Sidebar derives the materialized sidebar from the bookmark set: every
// bookmark with InSidebar true, sorted case-insensitively by name, per the
// bookmark-projection property of spec §8.
func Sidebar(bookmarks []Bookmark, rooms *Repository) []SidebarItem {
	items := make([]SidebarItem, 0, len(bookmarks))
	for _, b := range bookmarks {
		if !b.InSidebar {
			continue
		}
		item := SidebarItem{Name: b.Name, RoomId: b.RoomId, Type: b.Type, IsFavorite: b.IsFavorite}
		if room, ok := rooms.Get(b.RoomId); ok {
			if msg := room.JoinError(); msg != "" {
				item.HasError = true
				item.Error = msg
			}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items
}

// ReconcileSidebar implements spec §4.3's sidebar reconciliation: bookmarks
// are the source of truth. Every in_sidebar bookmark gets a connected-room
// entry (joining as needed); connected rooms whose bookmark was deleted are
// dropped. It returns true if it changed anything, so callers can decide
// whether to fire SidebarChanged.
func (s *RoomsDomainService) ReconcileSidebar(ctx context.Context) (bool, error) {
	bookmarks, err := s.Bookmarks.All(ctx)
	if err != nil {
		return false, err
	}

	wanted := make(map[string]Bookmark, len(bookmarks))
	for _, b := range bookmarks {
		if b.InSidebar {
			wanted[b.RoomId.String()] = b
		}
	}

	changed := false
	for _, room := range s.Rooms.All() {
		if _, ok := wanted[room.Id().String()]; !ok {
			s.Rooms.Delete(room.Id())
			changed = true
		}
	}

	for _, b := range wanted {
		if _, ok := s.Rooms.Get(b.RoomId); ok {
			continue
		}
		if muc, ok := b.RoomId.AsMucId(); ok {
			// A failed join leaves an Unknown room populated with the error
			// string so the sidebar can still show it and let the user
			// retry, per spec §4.3; the error itself is not fatal here.
			_, _ = s.join(ctx, muc, "", "", 1, true)
		} else {
			s.Rooms.GetOrCreate(b.RoomId)
		}
		changed = true
	}

	if changed && s.OnSidebarChanged != nil {
		s.OnSidebarChanged()
	}
	return changed, nil
}

// UpdateBookmark persists a sidebar mutation (favorite toggle, rename,
// removal) to the bookmark store first; on error the local repository is
// left untouched, per spec §4.3's ordering rule. mutated receives the
// pre-read bookmark and returns the new value (or ok=false to delete it).
func (s *RoomsDomainService) UpdateBookmark(ctx context.Context, room ids.RoomId, mutate func(Bookmark) (Bookmark, bool)) error {
	before, err := s.Bookmarks.All(ctx)
	if err != nil {
		return err
	}
	var current Bookmark
	found := false
	for _, b := range before {
		if b.RoomId.Equal(room) {
			current = b
			found = true
			break
		}
	}
	if !found {
		current = Bookmark{RoomId: room}
	}

	next, keep := mutate(current)
	if !keep {
		if err := s.Bookmarks.Delete(ctx, room); err != nil {
			return err
		}
		s.Rooms.Delete(room)
		return nil
	}

	// Detect concurrent modification: re-read and compare against the
	// pre-mutation snapshot taken above.
	after, err := s.Bookmarks.All(ctx)
	if err != nil {
		return err
	}
	for _, b := range after {
		if b.RoomId.Equal(room) && found && b != current {
			return coreerrors.NewRoomError(coreerrors.RoomWasModified, "", nil)
		}
	}

	return s.Bookmarks.Save(ctx, next)
}
