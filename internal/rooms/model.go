// Package rooms implements the room lifecycle and sidebar domain of spec.md
// §4.3: the per-room state machine (participants, topic, features,
// settings), room-type classification from disco features, the
// create-or-join protocol, and bookmark/sidebar reconciliation.
//
// The repository is a mutex-guarded map generalized from bare-room-JID
// keying to the richer Room model spec §3 describes, and to the 1:1-or-MUC
// RoomId union rather than MUC-only keying.
package rooms

import (
	"fmt"
	"sync"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Kind is a room's classification; it starts Unknown and transitions to a
// concrete value at most once, per spec §3's invariant.
type Kind int

const (
	Unknown Kind = iota
	DirectMessage
	Group
	PrivateChannel
	PublicChannel
	Generic
)

func (k Kind) String() string {
	switch k {
	case DirectMessage:
		return "direct-message"
	case Group:
		return "group"
	case PrivateChannel:
		return "private-channel"
	case PublicChannel:
		return "public-channel"
	case Generic:
		return "generic"
	default:
		return "unknown"
	}
}

// Affiliation is the standard XEP-0045 affiliation enum, reused here on the
// richer Participant model.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// Availability is the coarse presence state a participant is shown at; the
// full Presence value (priority, status text, resource) lives in
// internal/userinfo and is projected down to this field when a room redraws
// its participant list.
type Availability int

const (
	Unavailable Availability = iota
	Away
	ExtendedAway
	DoNotDisturb
	Available
)

// Participant is one member of a room's participant map, keyed externally
// by ids.ParticipantId (UserId in a 1:1 room, OccupantId in a MUC).
type Participant struct {
	RealId       *ids.UserId // absent in anonymous rooms
	AnonId       string      // anonymous occupant id, when the service provides one
	Name         string
	Affiliation  Affiliation
	Availability Availability
	IsSelf       bool
}

// RoomFeatures records the disco-info-derived capabilities a room is
// currently known to support.
type RoomFeatures struct {
	MamVersion string // "" if the room has no message archive
}

// SyncedRoomSettings is the subset of room configuration mirrored through
// the https://prose.org/protocol/room_settings PubSub node, per spec §6.
type SyncedRoomSettings struct {
	EncryptionEnabled bool
	LastReadMessage   ids.MessageTargetId
}

// LocalRoomSettings is device-local, never synced: the archive catch-up
// cursor and the locally observed read pointer.
type LocalRoomSettings struct {
	LastCatchupTime int64 // unix seconds; 0 means "never caught up"
	LastReadMessage ids.MessageTargetId
}

// Room is the per-room state machine of spec §3. Participants is an
// ordered map in the sense that ParticipantOrder records insertion order
// while Participants gives O(1) lookup; callers that need the synced-map
// semantics spec.md describes (OrderedMap<ParticipantId, Participant>)
// should range ParticipantOrder and look up Participants by key.
type Room struct {
	mu sync.RWMutex

	id          ids.RoomId
	kind        Kind
	name        string
	description string
	topic       string
	hasTopic    bool

	participants     map[string]Participant
	participantOrder []ids.ParticipantId

	features       RoomFeatures
	settings       SyncedRoomSettings
	localSettings  LocalRoomSettings

	// composing is the set of participants currently known to be composing
	// in this room, keyed by ParticipantId.String(). It is explicitly
	// transient/local per spec §4.7 (never persisted, never survives
	// reconnect) so it lives only on the in-memory Room, toggled by
	// SetComposing as MessageComposing events arrive.
	composing map[string]ids.ParticipantId

	joinError string
}

func NewRoom(id ids.RoomId) *Room {
	return &Room{
		id:           id,
		participants: make(map[string]Participant),
		composing:    make(map[string]ids.ParticipantId),
	}
}

func (r *Room) Id() ids.RoomId { return r.id }

// Kind returns the room's current classification.
func (r *Room) Kind() Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kind
}

// SetKind transitions kind from Unknown to a concrete value. Per spec §3
// this may happen at most once; later calls are no-ops unless the room is
// still Unknown, so re-classification after a disco refresh never regresses
// an already-classified room.
func (r *Room) SetKind(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kind == Unknown {
		r.kind = k
	}
}

func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Room) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

func (r *Room) SetDescription(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.description = d
}

func (r *Room) Topic() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topic, r.hasTopic
}

func (r *Room) SetTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topic = topic
	r.hasTopic = true
}

// PutParticipant inserts or updates a participant. For a MUC room, id must
// be an OccupantId whose RoomId() equals this room's id, per spec §3's
// invariant; violating callers get an error rather than silent corruption.
func (r *Room) PutParticipant(id ids.ParticipantId, p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if occ, ok := id.AsOccupantId(); ok {
		muc, isMuc := r.id.AsMucId()
		if !isMuc || !occ.RoomId().Equal(muc) {
			return fmt.Errorf("rooms: occupant %s does not belong to room %s", id.String(), r.id.String())
		}
	}

	key := id.String()
	if _, exists := r.participants[key]; !exists {
		r.participantOrder = append(r.participantOrder, id)
	}
	r.participants[key] = p
	return nil
}

func (r *Room) RemoveParticipant(id ids.ParticipantId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id.String()
	if _, exists := r.participants[key]; !exists {
		return
	}
	delete(r.participants, key)
	delete(r.composing, key)
	for i, existing := range r.participantOrder {
		if existing.Equal(id) {
			r.participantOrder = append(r.participantOrder[:i], r.participantOrder[i+1:]...)
			break
		}
	}
}

// SetComposing toggles id's membership in the room's composing set and
// returns the full, current set of composing participants afterward (in no
// particular order), so the caller can emit a ComposingUsersChanged event
// that reflects everyone still composing, not just the participant whose
// state just changed.
func (r *Room) SetComposing(id ids.ParticipantId, composing bool) []ids.ParticipantId {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id.String()
	if composing {
		r.composing[key] = id
	} else {
		delete(r.composing, key)
	}
	out := make([]ids.ParticipantId, 0, len(r.composing))
	for _, p := range r.composing {
		out = append(out, p)
	}
	return out
}

// ComposingUsers returns a snapshot of the participants currently composing,
// in no particular order.
func (r *Room) ComposingUsers() []ids.ParticipantId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ids.ParticipantId, 0, len(r.composing))
	for _, p := range r.composing {
		out = append(out, p)
	}
	return out
}

func (r *Room) Participant(id ids.ParticipantId) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id.String()]
	return p, ok
}

// Participants returns a snapshot of (id, participant) pairs in insertion
// order.
func (r *Room) Participants() []struct {
	Id          ids.ParticipantId
	Participant Participant
} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]struct {
		Id          ids.ParticipantId
		Participant Participant
	}, 0, len(r.participantOrder))
	for _, id := range r.participantOrder {
		out = append(out, struct {
			Id          ids.ParticipantId
			Participant Participant
		}{Id: id, Participant: r.participants[id.String()]})
	}
	return out
}

// NonSelfCount returns the number of participants with IsSelf == false,
// used to enforce the DirectMessage invariant (exactly one).
func (r *Room) NonSelfCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.participants {
		if !p.IsSelf {
			n++
		}
	}
	return n
}

func (r *Room) Features() RoomFeatures {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.features
}

func (r *Room) SetFeatures(f RoomFeatures) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features = f
}

func (r *Room) Settings() SyncedRoomSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

func (r *Room) SetSettings(s SyncedRoomSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
}

func (r *Room) LocalSettings() LocalRoomSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localSettings
}

func (r *Room) SetLocalSettings(s LocalRoomSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localSettings = s
}

// JoinError is the error string shown in the sidebar for a room stuck in
// Unknown after a failed join, per spec §4.3's failure semantics.
func (r *Room) JoinError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joinError
}

func (r *Room) SetJoinError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinError = msg
}
