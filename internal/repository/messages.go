package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/messages"
)

// Messages implements durable storage for messages.MessageLike deltas
// against the "messages" table, letting a fresh process rebuild a room's
// canonical log via messages.Reduce without replaying the archive.
type Messages struct {
	db *DB
}

func (d *DB) Messages() *Messages { return &Messages{db: d} }

// messageRow is the JSON-marshalable shape of a MessageLike delta.
// ids.ParticipantId and ids.MessageTargetId carry only unexported fields, so
// marshaling a MessageLike directly would silently produce "{}" for From and
// Target; messageRow spells both out the same way encodeRoomId/decodeRoomId
// spell out a RoomId, with an explicit kind tag alongside the string form.
type messageRow struct {
	RemoteId  string    `json:"remote_id"`
	ServerId  string    `json:"server_id"`
	StanzaId  string    `json:"stanza_id"`
	FromKind  string    `json:"from_kind"` // "user" or "occupant"
	FromJID   string    `json:"from_jid"`
	Timestamp time.Time `json:"timestamp"`
	Kind      int       `json:"kind"`

	Body             string `json:"body,omitempty"`
	TargetIsStanza   bool   `json:"target_is_stanza,omitempty"`
	TargetValue      string `json:"target_value,omitempty"`
	Emojis           []string `json:"emojis,omitempty"`
	DecryptionFailed bool   `json:"decryption_failed,omitempty"`
}

func encodeMessageRow(m messages.MessageLike) messageRow {
	row := messageRow{
		RemoteId:         string(m.RemoteId),
		ServerId:         string(m.ServerId),
		StanzaId:         string(m.StanzaId),
		Timestamp:        m.Timestamp,
		Kind:             int(m.Kind),
		Body:             m.Body,
		TargetIsStanza:   m.Target.IsStanzaId(),
		TargetValue:      m.Target.String(),
		Emojis:           m.Emojis,
		DecryptionFailed: m.DecryptionFailed,
	}
	if occupant, ok := m.From.AsOccupantId(); ok {
		row.FromKind = "occupant"
		row.FromJID = occupant.String()
	} else if user, ok := m.From.AsUserId(); ok {
		row.FromKind = "user"
		row.FromJID = user.String()
	}
	return row
}

func decodeMessageRow(row messageRow) (messages.MessageLike, error) {
	var from ids.ParticipantId
	switch row.FromKind {
	case "occupant":
		occupant, err := ids.ParseOccupantId(row.FromJID)
		if err != nil {
			return messages.MessageLike{}, fmt.Errorf("repository: decoding message sender %q: %w", row.FromJID, err)
		}
		from = ids.ParticipantIdFromOccupant(occupant)
	default:
		user, err := ids.ParseUserId(row.FromJID)
		if err != nil {
			return messages.MessageLike{}, fmt.Errorf("repository: decoding message sender %q: %w", row.FromJID, err)
		}
		from = ids.ParticipantIdFromUser(user)
	}

	var target ids.MessageTargetId
	if row.TargetValue != "" {
		if row.TargetIsStanza {
			target = ids.TargetFromStanzaId(ids.StanzaId(row.TargetValue))
		} else {
			target = ids.TargetFromMessageId(ids.MessageId(row.TargetValue))
		}
	}

	return messages.MessageLike{
		RemoteId:         ids.MessageRemoteId(row.RemoteId),
		ServerId:         ids.MessageServerId(row.ServerId),
		StanzaId:         ids.StanzaId(row.StanzaId),
		From:             from,
		Timestamp:        row.Timestamp,
		Kind:             messages.Kind(row.Kind),
		Body:             row.Body,
		Target:           target,
		Emojis:           row.Emojis,
		DecryptionFailed: row.DecryptionFailed,
	}, nil
}

// Insert persists delta under room, keyed by its DedupKey so a replayed
// archive page or a duplicate carbon leaves the row unchanged.
func (m *Messages) Insert(ctx context.Context, room ids.RoomId, delta messages.MessageLike) error {
	roomIdStr, roomKind := encodeRoomId(room)
	row := encodeMessageRow(delta)
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("repository: encoding message %s: %w", delta.DedupKey(), err)
	}

	_, err = m.db.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (room_id, room_kind, dedup_key, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		roomIdStr, roomKind, delta.DedupKey(), string(payload), delta.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("repository: saving message %s in room %s: %w", delta.DedupKey(), roomIdStr, err)
	}
	return nil
}

// InsertBatch persists each delta in batch, returning the first error
// encountered, if any, after attempting every row.
func (m *Messages) InsertBatch(ctx context.Context, room ids.RoomId, batch []messages.MessageLike) error {
	var firstErr error
	for _, delta := range batch {
		if err := m.Insert(ctx, room, delta); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadRoom returns every persisted delta for room, oldest first, ready to be
// folded into a messages.Store via InsertBatch on startup.
func (m *Messages) LoadRoom(ctx context.Context, room ids.RoomId) ([]messages.MessageLike, error) {
	roomIdStr, _ := encodeRoomId(room)
	rows, err := m.db.sql.QueryContext(ctx,
		`SELECT payload FROM messages WHERE room_id = ? ORDER BY timestamp ASC`, roomIdStr)
	if err != nil {
		return nil, fmt.Errorf("repository: listing messages for room %s: %w", roomIdStr, err)
	}
	defer rows.Close()

	var out []messages.MessageLike
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("repository: scanning message row: %w", err)
		}
		var row messageRow
		if err := json.Unmarshal([]byte(payload), &row); err != nil {
			return nil, fmt.Errorf("repository: decoding message payload: %w", err)
		}
		delta, err := decodeMessageRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, delta)
	}
	return out, rows.Err()
}

// AllRoomIds returns the distinct rooms that have at least one persisted
// message, used to seed catch-up and the message store on startup without
// requiring every bookmark to already be loaded.
func (m *Messages) AllRoomIds(ctx context.Context) ([]ids.RoomId, error) {
	rows, err := m.db.sql.QueryContext(ctx, `SELECT DISTINCT room_id, room_kind FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("repository: listing message rooms: %w", err)
	}
	defer rows.Close()

	var out []ids.RoomId
	for rows.Next() {
		var roomIdStr, roomKind string
		if err := rows.Scan(&roomIdStr, &roomKind); err != nil {
			return nil, fmt.Errorf("repository: scanning message room id: %w", err)
		}
		roomId, err := decodeRoomId(roomIdStr, roomKind)
		if err != nil {
			return nil, err
		}
		out = append(out, roomId)
	}
	return out, rows.Err()
}
