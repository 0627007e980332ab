// Package events defines the typed ServerEvent variants the event parser
// produces from raw inbound stanzas (spec.md §4.2) and the handler contract
// they flow through.
package events

import (
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Kind discriminates the top-level ServerEvent variant.
type Kind int

const (
	KindConnection Kind = iota
	KindMessage
	KindRoom
	KindContactList
	KindBlockList
	KindUserDevice
	KindUserInfo
	KindSyncedRoomSettings
	KindWorkspaceInfo
	KindRequest
)

// ServerEvent is the sum type produced by the parser. Only the field
// matching Kind is populated; this mirrors a Rust enum's tagged-union shape
// without resorting to an interface per variant, which would make the
// handler queue's "forward unless consumed" contract awkward to express.
type ServerEvent struct {
	Kind Kind

	Connection       *ConnectionEvent
	Message          *MessageEvent
	Room             *RoomEvent
	ContactList      *ContactListEvent
	BlockList        *BlockListEvent
	UserDevice       *UserDeviceEvent
	UserInfo         *UserInfoEvent
	SyncedRoomSettings *SyncedRoomSettingsEvent
	WorkspaceInfo    *WorkspaceInfoEvent
	Request          *RequestEvent
}

// --- Connection ---

type ConnectionState int

const (
	Connected ConnectionState = iota
	Disconnected
)

type ConnectionEvent struct {
	State ConnectionState
	Err   *coreerrors.ConnectionError // set only when State == Disconnected
}

func NewConnectedEvent() ServerEvent {
	return ServerEvent{Kind: KindConnection, Connection: &ConnectionEvent{State: Connected}}
}

func NewDisconnectedEvent(err *coreerrors.ConnectionError) ServerEvent {
	return ServerEvent{Kind: KindConnection, Connection: &ConnectionEvent{State: Disconnected, Err: err}}
}

// --- Message ---

type MessageEventType int

const (
	MessageReceived MessageEventType = iota
	MessageSent
	MessageSyncCarbon
	MessageError
	MessageReadMarker
	MessageDeliveryReceipt
	MessageReaction
	MessageCorrection
	MessageRetraction
	MessageComposing
	MessageArchive // from a MAM result page
)

type MessageEvent struct {
	Type    MessageEventType
	RoomId  ids.RoomId
	Message any // *messages.MessageLike, left untyped here to avoid an import cycle
}

// --- Room ---

type RoomEventType int

const (
	RoomTopicChanged RoomEventType = iota
	RoomConfigChanged
	RoomParticipantChanged
	RoomPermissionsChanged
	RoomSubjectChanged
	RoomDestroyed
)

type RoomEvent struct {
	RoomId        ids.RoomId
	Type          RoomEventType
	ParticipantId ids.ParticipantId // set only when Type == RoomParticipantChanged

	// Text carries the new topic/subject string for RoomTopicChanged and
	// RoomSubjectChanged.
	Text string

	// Participant carries the occupant's affiliation/role/availability for
	// RoomParticipantChanged; nil for every other Type.
	Participant *ParticipantInfo
}

// ParticipantInfo is the MUC presence payload for one occupant change
// (XEP-0045's <x xmlns="http://jabber.org/protocol/muc#user"/> element).
type ParticipantInfo struct {
	Affiliation string
	Role        string
	RealJID     string // jid attribute of <item/>, present only for a moderator's view
	Available   bool
	StatusCodes []int
}

// --- ContactList ---

type ContactListEventType int

const (
	ContactAdded ContactListEventType = iota
	ContactRemoved
	ContactSubRequested
)

type ContactListEvent struct {
	ContactId ids.UserId
	Type      ContactListEventType
	Name      string // set only when Type == ContactSubRequested
}

// --- BlockList ---

type BlockListEventType int

const (
	UserBlocked BlockListEventType = iota
	UserUnblocked
	BlockListCleared
)

type BlockListEvent struct {
	Type   BlockListEventType
	UserId ids.UserId
}

// --- UserDevice ---

type PubSubChangeType int

const (
	PubSubAdded PubSubChangeType = iota
	PubSubUpdated
	PubSubDeleted
)

type UserDeviceEvent struct {
	UserId ids.UserId
	Type   PubSubChangeType
}

// --- UserInfo ---

type UserInfoEventType int

const (
	PresenceChanged UserInfoEventType = iota
	ProfileChanged
	AvatarChanged
	StatusChanged
)

type UserInfoEvent struct {
	UserId ids.UserId
	Type   UserInfoEventType

	// Presence is populated only when Type == PresenceChanged; the
	// resource that sent it and its show/status/priority, in the shape
	// internal/userinfo.PresenceMap.Set expects.
	Presence *PresencePayload

	// Profile, Avatar and Status carry the respective parsed PubSub/vCard
	// payload for the other UserInfoEventType values. Left untyped (as
	// MessageEvent.Message already is) so this package does not need to
	// import internal/userinfo's richer struct shapes.
	Profile any
	Avatar  any
	Status  any
}

// PresencePayload is one <presence/> stanza's availability data.
type PresencePayload struct {
	Resource  string
	Available bool
	Show      string // "", "away", "chat", "dnd", "xa"
	Status    string
	Priority  int8
}

// --- SyncedRoomSettings ---

type SyncedRoomSettingsEvent struct {
	RoomId ids.RoomId
}

// --- WorkspaceInfo ---

type WorkspaceInfoEventType int

const (
	WorkspaceInfoChanged WorkspaceInfoEventType = iota
	WorkspaceAvatarChanged
)

type WorkspaceInfoEvent struct {
	Type WorkspaceInfoEventType
}

// --- Request (server-initiated IQs the core must answer) ---

type RequestKind int

const (
	RequestPing RequestKind = iota
	RequestDiscoInfo
	RequestEntityTime
	RequestLastActivity
	RequestSoftwareVersion
	RequestSubscription
)

type RequestEvent struct {
	Kind RequestKind
	From ids.UserResourceId
	IQId string
}

// Timestamp helpers used when a parser needs to stamp an event with "now"
// (e.g. a freshly-received presence with no delay element).
func Now() time.Time { return time.Now().UTC() }
