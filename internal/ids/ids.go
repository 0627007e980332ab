// Package ids defines the value-type identifiers shared across the core:
// bare and full JIDs, room and occupant addresses, device and message ids.
// All types are immutable and compare by their raw string form, matching the
// identifier model in spec.md §3.
package ids

import (
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"
)

// UserId is a bare JID (node@domain) identifying a human account.
type UserId struct{ j jid.JID }

// ServerId is a domain-only JID identifying a server or workspace.
type ServerId struct{ j jid.JID }

// AccountId is the logged-in UserId.
type AccountId = UserId

// UserResourceId is a full JID (node@domain/res) identifying one connected
// endpoint of an account.
type UserResourceId struct{ j jid.JID }

// OccupantId is a full JID inside a MUC room; the resource is the nickname.
type OccupantId struct{ j jid.JID }

// MucId is the bare JID of a multi-user chat room.
type MucId struct{ j jid.JID }

// DeviceId is a 31-bit unsigned device identifier (OMEMO).
type DeviceId uint32

// MessageId, MessageRemoteId, MessageServerId, StanzaId are opaque string ids.
type MessageId string
type MessageRemoteId string
type MessageServerId string
type StanzaId string

// AvatarId is a SHA-1 hex digest (40 lowercase hex chars).
type AvatarId string

// CapabilitiesId is an entity-capabilities verification string.
type CapabilitiesId string

func NewUserId(j jid.JID) UserId { return UserId{j: j.Bare()} }

func ParseUserId(s string) (UserId, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return UserId{}, fmt.Errorf("ids: invalid user id %q: %w", s, err)
	}
	return UserId{j: j.Bare()}, nil
}

func (u UserId) JID() jid.JID   { return u.j }
func (u UserId) String() string { return u.j.String() }
func (u UserId) IsZero() bool   { return u.j.String() == "" }
func (u UserId) Equal(o UserId) bool { return u.j.Equal(o.j) }

func NewServerId(j jid.JID) ServerId { return ServerId{j: j.Domain()} }

func ParseServerId(s string) (ServerId, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return ServerId{}, fmt.Errorf("ids: invalid server id %q: %w", s, err)
	}
	return ServerId{j: j.Domain()}, nil
}

func (s ServerId) JID() jid.JID   { return s.j }
func (s ServerId) String() string { return s.j.String() }

func NewUserResourceId(j jid.JID) UserResourceId { return UserResourceId{j: j} }

func (r UserResourceId) JID() jid.JID     { return r.j }
func (r UserResourceId) String() string   { return r.j.String() }
func (r UserResourceId) Bare() UserId     { return UserId{j: r.j.Bare()} }
func (r UserResourceId) Resource() string { return r.j.Resourcepart() }

func NewOccupantId(j jid.JID) OccupantId { return OccupantId{j: j} }

func ParseOccupantId(s string) (OccupantId, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return OccupantId{}, fmt.Errorf("ids: invalid occupant id %q: %w", s, err)
	}
	return OccupantId{j: j}, nil
}

func (o OccupantId) JID() jid.JID   { return o.j }
func (o OccupantId) String() string { return o.j.String() }
func (o OccupantId) Nickname() string { return o.j.Resourcepart() }
func (o OccupantId) RoomId() MucId  { return MucId{j: o.j.Bare()} }
func (o OccupantId) Equal(other OccupantId) bool { return o.j.Equal(other.j) }

func NewMucId(j jid.JID) MucId { return MucId{j: j.Bare()} }

func ParseMucId(s string) (MucId, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return MucId{}, fmt.Errorf("ids: invalid room id %q: %w", s, err)
	}
	return MucId{j: j.Bare()}, nil
}

func (m MucId) JID() jid.JID   { return m.j }
func (m MucId) String() string { return m.j.String() }
func (m MucId) Occupant(nickname string) OccupantId {
	return OccupantId{j: m.j.WithResource(nickname)}
}
func (m MucId) Equal(o MucId) bool { return m.j.Equal(o.j) }

// RoomId is either a UserId (1:1 chat) or a MucId (multi-user chat).
type RoomId struct {
	kind RoomIdKind
	j    jid.JID
}

type RoomIdKind int

const (
	RoomIdUser RoomIdKind = iota
	RoomIdMuc
)

func RoomIdFromUser(u UserId) RoomId { return RoomId{kind: RoomIdUser, j: u.j} }
func RoomIdFromMuc(m MucId) RoomId   { return RoomId{kind: RoomIdMuc, j: m.j} }

func (r RoomId) Kind() RoomIdKind { return r.kind }
func (r RoomId) JID() jid.JID     { return r.j }
func (r RoomId) String() string   { return r.j.String() }
func (r RoomId) Equal(o RoomId) bool {
	return r.kind == o.kind && r.j.Equal(o.j)
}
func (r RoomId) AsUserId() (UserId, bool) {
	if r.kind != RoomIdUser {
		return UserId{}, false
	}
	return UserId{j: r.j}, true
}
func (r RoomId) AsMucId() (MucId, bool) {
	if r.kind != RoomIdMuc {
		return MucId{}, false
	}
	return MucId{j: r.j}, true
}

// ParticipantId is either a UserId (1:1 room) or an OccupantId (MUC room).
type ParticipantId struct {
	isOccupant bool
	user       UserId
	occupant   OccupantId
}

func ParticipantIdFromUser(u UserId) ParticipantId { return ParticipantId{user: u} }
func ParticipantIdFromOccupant(o OccupantId) ParticipantId {
	return ParticipantId{isOccupant: true, occupant: o}
}

func (p ParticipantId) String() string {
	if p.isOccupant {
		return p.occupant.String()
	}
	return p.user.String()
}

func (p ParticipantId) Equal(o ParticipantId) bool {
	if p.isOccupant != o.isOccupant {
		return false
	}
	if p.isOccupant {
		return p.occupant.Equal(o.occupant)
	}
	return p.user.Equal(o.user)
}

func (p ParticipantId) AsUserId() (UserId, bool) {
	if p.isOccupant {
		return UserId{}, false
	}
	return p.user, true
}

func (p ParticipantId) AsOccupantId() (OccupantId, bool) {
	if !p.isOccupant {
		return OccupantId{}, false
	}
	return p.occupant, true
}

// MessageTargetId is either a MessageId or a StanzaId, used to address the
// subject of a correction, retraction, reaction or read marker.
type MessageTargetId struct {
	stanza bool
	id     string
}

func TargetFromMessageId(id MessageId) MessageTargetId { return MessageTargetId{id: string(id)} }
func TargetFromStanzaId(id StanzaId) MessageTargetId {
	return MessageTargetId{stanza: true, id: string(id)}
}

func (t MessageTargetId) String() string { return t.id }
func (t MessageTargetId) IsStanzaId() bool { return t.stanza }
func (t MessageTargetId) Equal(o MessageTargetId) bool {
	return t.stanza == o.stanza && t.id == o.id
}

// IsBareEqual reports whether s looks like a bare JID (no "/resource").
func IsBareEqual(s string) bool { return !strings.Contains(s, "/") }
