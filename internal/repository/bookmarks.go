package repository

import (
	"context"
	"fmt"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/rooms"
)

// Bookmarks implements rooms.BookmarkStore against the dedicated
// "bookmarks" table (a relational table rather than the generic KV store,
// since sidebar reconciliation needs the full set back on every run and
// benefits from the PRIMARY KEY(room_id) upsert semantics).
type Bookmarks struct {
	db *DB
}

func (d *DB) Bookmarks() *Bookmarks { return &Bookmarks{db: d} }

func (b *Bookmarks) All(ctx context.Context) ([]rooms.Bookmark, error) {
	rows, err := b.db.sql.QueryContext(ctx,
		`SELECT room_id, room_kind, name, type, is_favorite, in_sidebar FROM bookmarks`)
	if err != nil {
		return nil, fmt.Errorf("repository: listing bookmarks: %w", err)
	}
	defer rows.Close()

	var out []rooms.Bookmark
	for rows.Next() {
		var roomIdStr, roomKind, name string
		var kindInt int
		var isFavorite, inSidebar bool
		if err := rows.Scan(&roomIdStr, &roomKind, &name, &kindInt, &isFavorite, &inSidebar); err != nil {
			return nil, fmt.Errorf("repository: scanning bookmark: %w", err)
		}
		roomId, err := decodeRoomId(roomIdStr, roomKind)
		if err != nil {
			return nil, err
		}
		out = append(out, rooms.Bookmark{
			Name:       name,
			RoomId:     roomId,
			Type:       rooms.Kind(kindInt),
			IsFavorite: isFavorite,
			InSidebar:  inSidebar,
		})
	}
	return out, rows.Err()
}

func (b *Bookmarks) Save(ctx context.Context, bm rooms.Bookmark) error {
	roomIdStr, roomKind := encodeRoomId(bm.RoomId)
	_, err := b.db.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO bookmarks (room_id, room_kind, name, type, is_favorite, in_sidebar)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		roomIdStr, roomKind, bm.Name, int(bm.Type), bm.IsFavorite, bm.InSidebar)
	if err != nil {
		return fmt.Errorf("repository: saving bookmark %s: %w", roomIdStr, err)
	}
	return nil
}

func (b *Bookmarks) Delete(ctx context.Context, room ids.RoomId) error {
	roomIdStr, _ := encodeRoomId(room)
	_, err := b.db.sql.ExecContext(ctx, `DELETE FROM bookmarks WHERE room_id = ?`, roomIdStr)
	if err != nil {
		return fmt.Errorf("repository: deleting bookmark %s: %w", roomIdStr, err)
	}
	return nil
}

// encodeRoomId/decodeRoomId round-trip ids.RoomId through its bare-JID
// string plus an explicit kind tag: a UserId and a MucId can share the same
// bare-JID representation, so the kind must be carried alongside it rather
// than re-derived from the string (see ids.RoomId.Kind).
func encodeRoomId(r ids.RoomId) (jidStr, kind string) {
	if r.Kind() == ids.RoomIdMuc {
		return r.String(), "muc"
	}
	return r.String(), "user"
}

func decodeRoomId(jidStr, kind string) (ids.RoomId, error) {
	switch kind {
	case "muc":
		m, err := ids.ParseMucId(jidStr)
		if err != nil {
			return ids.RoomId{}, fmt.Errorf("repository: decoding room id %q: %w", jidStr, err)
		}
		return ids.RoomIdFromMuc(m), nil
	default:
		u, err := ids.ParseUserId(jidStr)
		if err != nil {
			return ids.RoomId{}, fmt.Errorf("repository: decoding room id %q: %w", jidStr, err)
		}
		return ids.RoomIdFromUser(u), nil
	}
}
