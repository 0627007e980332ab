// Package messages implements the message store and archive catch-up
// (spec.md §4.4): MessageLike deltas are persisted idempotently per room and
// reduced on read into a stable, ordered log of canonical Messages.
package messages

import (
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Kind discriminates a MessageLike delta's payload, per spec §3.
type Kind int

const (
	Body Kind = iota
	Correction
	Retraction
	Reaction
	ReadMarker
	DeliveryReceipt
)

// MessageLike is one stanza-derived delta to be folded into the canonical
// message log. RemoteId and ServerId together form the idempotence key: a
// delta with the same key inserted twice must leave the store unchanged.
type MessageLike struct {
	RemoteId  ids.MessageRemoteId
	ServerId  ids.MessageServerId
	StanzaId  ids.StanzaId
	From      ids.ParticipantId
	Timestamp time.Time
	Kind      Kind

	Body             string             // Kind == Body (initial text) or Correction (replacement text)
	Target           ids.MessageTargetId // Kind != Body
	Emojis           []string           // Kind == Reaction: this sender's full emoji set on Target
	DecryptionFailed bool               // Kind == Body: an OMEMO payload could not be decrypted; Body holds a placeholder
}

// DedupKey returns the idempotence key spec §4.4 requires: prefer the
// archive-assigned ServerId when present (it is globally unique), otherwise
// fall back to the client-assigned RemoteId.
func (m MessageLike) DedupKey() string {
	if m.ServerId != "" {
		return "s:" + string(m.ServerId)
	}
	return "r:" + string(m.RemoteId)
}

// ReactionGroup is one emoji's current set of reacting participants, sorted
// by participant string for deterministic output. Participant, not UserId,
// because a reaction can come from a MUC occupant whose identity is only
// known by nickname for the lifetime of that occupancy.
type ReactionGroup struct {
	Emoji string
	From  []ids.ParticipantId
}

// Message is the canonical reducer output exposed to the UI layer.
type Message struct {
	Id       *ids.MessageId
	ServerId *ids.MessageServerId
	From     ids.ParticipantId
	Body     string
	Timestamp time.Time

	Reactions []ReactionGroup

	IsEdited     bool
	IsDelivered  bool
	IsRead       bool
	IsRetracted  bool
	DecryptionFailed bool // placeholder body was substituted; see catchup.go
}
