// Package dispatcher implements the client-event dispatcher of spec §4.7:
// it coalesces fine-grained domain changes into UI-facing ClientEvents,
// batching and deduplicating within a single stanza-processing turn before
// handing them to a transport-agnostic delegate.
package dispatcher

import (
	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Kind discriminates the ClientEvent variant, mirroring the tagged-struct
// shape internal/events.ServerEvent already uses for the same reason: a
// single concrete type is easier for a non-blocking delegate callback to
// switch on than one interface per variant.
type Kind int

const (
	KindContactChanged Kind = iota
	KindMessagesAppended
	KindMessagesUpdated
	KindMessagesDeleted
	KindConnectionStatusChanged
	KindSidebarChanged
	KindComposingUsersChanged
	KindAvatarChanged
)

// ClientEvent is the sum type delivered to the delegate.
type ClientEvent struct {
	Kind Kind

	// ContactChanged
	UserId ids.UserId

	// Messages{Appended,Updated,Deleted}, ComposingUsersChanged
	RoomId ids.RoomId
	// MessageIds is the id-set touched by a Messages* event; repeated
	// dispatches for the same room within a turn are merged by set union
	// rather than delivered as separate events (spec §4.7).
	MessageIds []string

	// ComposingUsersChanged
	ComposingUsers []ids.ParticipantId

	// ConnectionStatusChanged
	Connected bool
	ConnErr   *coreerrors.ConnectionError

	// AvatarChanged: UserId set for a contact avatar, RoomId set instead
	// for a workspace/room avatar (mutually exclusive).
}

func ContactChanged(user ids.UserId) ClientEvent {
	return ClientEvent{Kind: KindContactChanged, UserId: user}
}

func MessagesAppended(room ids.RoomId, msgIds []string) ClientEvent {
	return ClientEvent{Kind: KindMessagesAppended, RoomId: room, MessageIds: msgIds}
}

func MessagesUpdated(room ids.RoomId, msgIds []string) ClientEvent {
	return ClientEvent{Kind: KindMessagesUpdated, RoomId: room, MessageIds: msgIds}
}

func MessagesDeleted(room ids.RoomId, msgIds []string) ClientEvent {
	return ClientEvent{Kind: KindMessagesDeleted, RoomId: room, MessageIds: msgIds}
}

func ConnectionStatusChanged(connected bool, err *coreerrors.ConnectionError) ClientEvent {
	return ClientEvent{Kind: KindConnectionStatusChanged, Connected: connected, ConnErr: err}
}

func SidebarChanged() ClientEvent {
	return ClientEvent{Kind: KindSidebarChanged}
}

func ComposingUsersChanged(room ids.RoomId, users []ids.ParticipantId) ClientEvent {
	return ClientEvent{Kind: KindComposingUsersChanged, RoomId: room, ComposingUsers: users}
}

func AvatarChanged(user ids.UserId) ClientEvent {
	return ClientEvent{Kind: KindAvatarChanged, UserId: user}
}
