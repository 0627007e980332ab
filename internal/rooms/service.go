package rooms

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// CreateRoomType selects which shape of room Create provisions, per spec
// §4.3.
type CreateRoomType int

const (
	CreateGroup CreateRoomType = iota
	CreatePublicChannel
	CreatePrivateChannel
)

// CreateOrEnterRoomRequest is the input to RoomsDomainService.CreateOrEnter,
// mirroring spec §4.3's tagged Create{service, type}/Join{jid, nick?,
// password?} union.
type CreateOrEnterRoomRequest struct {
	// Create fields.
	IsCreate bool
	Service  ids.ServerId
	Create   CreateRoomType
	Name     string         // channel name (Create::PublicChannel/PrivateChannel)
	Members  []ids.UserId   // initial member list (Create::Group)

	// Join fields.
	RoomJID  ids.MucId
	Nickname string
	Password string
}

// RoomSessionInfo is the result of a successful join, per spec §4.3.
type RoomSessionInfo struct {
	RoomJID            ids.MucId
	Members            []ids.UserId
	UserNickname       string
	RoomHasBeenCreated bool
	RoomType           Kind
}

// RoomConfig is the MUC configuration form the service submits after
// provisioning a room, covering the fields the create paths of spec §4.3
// actually set.
type RoomConfig struct {
	MembersOnly  bool
	NonAnonymous bool
	Persistent   bool
	Public       bool
	Moderated    bool
	InviteOnly   bool
	Name         string
}

// Transport is everything the rooms domain service needs from the wire
// layer. It is a narrow seam deliberately kept free of any concrete
// connector so this package can be tested without a live XMPP stream; an
// xmppconn-backed implementation built on the request correlator satisfies
// it for real accounts.
type Transport interface {
	// JoinRoom sends MUC join presence to occupant (room+nickname) and
	// returns the session info the server reports. A <gone/> error is
	// returned as *coreerrors.RequestError so the caller can apply the
	// retry-once-on-redirect rule itself.
	JoinRoom(ctx context.Context, occupant ids.OccupantId, password string) (RoomSessionInfo, error)
	ConfigureRoom(ctx context.Context, room ids.MucId, cfg RoomConfig) error
	GrantAffiliation(ctx context.Context, room ids.MucId, user ids.UserId, aff Affiliation) error
	SendMediatedInvite(ctx context.Context, room ids.MucId, invitee ids.UserId) error
	// ChannelNameAvailable asserts a proposed public channel name is free.
	ChannelNameAvailable(ctx context.Context, service ids.ServerId, name string) (bool, error)
	DiscoFeatures(ctx context.Context, room ids.MucId) (DiscoFeatures, error)
}

// BookmarkStore is the persisted collection backing sidebar reconciliation
// (the "bookmarks" logical collection of spec §6).
type BookmarkStore interface {
	All(ctx context.Context) ([]Bookmark, error)
	Save(ctx context.Context, b Bookmark) error
	Delete(ctx context.Context, room ids.RoomId) error
}

// RoomsDomainService implements spec §4.3 end to end: create-or-join,
// room-type classification, and sidebar/bookmark reconciliation.
type RoomsDomainService struct {
	Transport Transport
	Bookmarks BookmarkStore
	Rooms     *Repository
	Self      ids.UserId

	// OnSidebarChanged is invoked (if non-nil) whenever ReconcileSidebar
	// adds or removes a connected room; the dispatcher wires this to emit
	// ClientEvent::SidebarChanged.
	OnSidebarChanged func()
}

func NewRoomsDomainService(transport Transport, bookmarks BookmarkStore, self ids.UserId) *RoomsDomainService {
	return &RoomsDomainService{
		Transport: transport,
		Bookmarks: bookmarks,
		Rooms:     NewRepository(),
		Self:      self,
	}
}

// instantRoomLocalpart derives the deterministic localpart for a Create::Group
// instant room: a SHA-1 hash over the sorted, newline-joined bare JIDs of
// the participants plus the creator, so "start a group with these people"
// is idempotent regardless of call order (spec §4.3).
func instantRoomLocalpart(self ids.UserId, members []ids.UserId) string {
	all := make([]string, 0, len(members)+1)
	all = append(all, self.String())
	for _, m := range members {
		all = append(all, m.String())
	}
	sort.Strings(all)

	h := sha1.New()
	for _, s := range all {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return "group-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// CreateOrEnter implements spec §4.3's full create-or-join protocol.
func (s *RoomsDomainService) CreateOrEnter(ctx context.Context, req CreateOrEnterRoomRequest) (*Room, error) {
	if req.IsCreate {
		switch req.Create {
		case CreateGroup:
			return s.createGroup(ctx, req)
		case CreatePublicChannel, CreatePrivateChannel:
			return s.createChannel(ctx, req)
		default:
			return nil, coreerrors.NewRoomError(coreerrors.RoomGeneric, "unknown create room type", nil)
		}
	}
	return s.join(ctx, req.RoomJID, req.Nickname, req.Password, 1, true)
}

func (s *RoomsDomainService) createGroup(ctx context.Context, req CreateOrEnterRoomRequest) (*Room, error) {
	if len(req.Members) == 0 {
		return nil, coreerrors.NewRoomError(coreerrors.InvalidNumberOfParticipants, "a group needs at least one other participant", nil)
	}

	localpart := instantRoomLocalpart(s.Self, req.Members)
	j, err := ids.ParseMucId(fmt.Sprintf("%s@%s", localpart, req.Service.String()))
	if err != nil {
		return nil, coreerrors.NewRoomError(coreerrors.RoomGeneric, "building instant room jid", err)
	}

	// Classification is decided explicitly below from the requested create
	// type, not from pre-configuration disco features (the room is still
	// unconfigured at join time), so skip the automatic disco-classify step.
	room, err := s.join(ctx, j, req.Nickname, "", 1, false)
	if err != nil {
		return nil, err
	}

	cfg := RoomConfig{MembersOnly: true, NonAnonymous: true, Persistent: true, InviteOnly: true}
	if err := s.Transport.ConfigureRoom(ctx, j, cfg); err != nil {
		return nil, coreerrors.FromRequestError(err)
	}

	for _, member := range req.Members {
		if err := s.Transport.GrantAffiliation(ctx, j, member, AffiliationMember); err != nil {
			return nil, coreerrors.FromRequestError(err)
		}
		if err := s.Transport.SendMediatedInvite(ctx, j, member); err != nil {
			return nil, coreerrors.FromRequestError(err)
		}
	}

	room.SetKind(Group)
	return room, nil
}

func (s *RoomsDomainService) createChannel(ctx context.Context, req CreateOrEnterRoomRequest) (*Room, error) {
	if req.Name == "" {
		return nil, coreerrors.NewRoomError(coreerrors.RoomGeneric, "channel name is required", nil)
	}

	public := req.Create == CreatePublicChannel
	if public {
		free, err := s.Transport.ChannelNameAvailable(ctx, req.Service, req.Name)
		if err != nil {
			return nil, coreerrors.FromRequestError(err)
		}
		if !free {
			return nil, coreerrors.NewRoomError(coreerrors.PublicChannelNameConflict, req.Name, nil)
		}
	}

	j, err := ids.ParseMucId(fmt.Sprintf("%s@%s", req.Name, req.Service.String()))
	if err != nil {
		return nil, coreerrors.NewRoomError(coreerrors.RoomGeneric, "building channel room jid", err)
	}

	room, err := s.join(ctx, j, req.Nickname, "", 1, false)
	if err != nil {
		return nil, err
	}

	cfg := RoomConfig{
		Persistent:   true,
		Moderated:    true,
		Public:       public,
		NonAnonymous: true,
		Name:         req.Name,
	}
	if err := s.Transport.ConfigureRoom(ctx, j, cfg); err != nil {
		return nil, coreerrors.FromRequestError(err)
	}

	if public {
		room.SetKind(PublicChannel)
	} else {
		room.SetKind(PrivateChannel)
	}
	room.SetName(req.Name)
	return room, nil
}

// join performs a single MUC join attempt, following at most one <gone/>
// redirect per spec §4.3's failure semantics; any further failure (a second
// Gone, or any other error) is surfaced unchanged. When classify is true the
// room is classified from its current disco features immediately after
// joining; create-flow callers pass false and classify explicitly once the
// room has been configured.
func (s *RoomsDomainService) join(ctx context.Context, roomJID ids.MucId, nickname, password string, attemptsLeft int, classify bool) (*Room, error) {
	occupant := roomJID.Occupant(nickname)
	info, err := s.Transport.JoinRoom(ctx, occupant, password)
	if err != nil {
		if loc, ok := coreerrors.IsGone(err); ok && attemptsLeft > 0 {
			redirected, perr := ids.ParseMucId(loc)
			if perr != nil {
				return nil, coreerrors.NewRoomError(coreerrors.RoomGeneric, "parsing gone redirect", perr)
			}
			return s.join(ctx, redirected, nickname, password, attemptsLeft-1, classify)
		}
		room, _ := s.Rooms.Get(ids.RoomIdFromMuc(roomJID))
		if room == nil {
			room = s.Rooms.GetOrCreate(ids.RoomIdFromMuc(roomJID))
		}
		room.SetJoinError(err.Error())
		return nil, coreerrors.FromRequestError(err)
	}

	room := s.Rooms.GetOrCreate(ids.RoomIdFromMuc(info.RoomJID))
	for _, member := range info.Members {
		_ = room.PutParticipant(ids.ParticipantIdFromUser(member), Participant{RealId: &member})
	}
	self := s.Self
	_ = room.PutParticipant(ids.ParticipantIdFromOccupant(roomJID.Occupant(info.UserNickname)), Participant{RealId: &self, IsSelf: true, Name: info.UserNickname})

	if classify {
		if features, ferr := s.Transport.DiscoFeatures(ctx, info.RoomJID); ferr == nil {
			ApplyClassification(room, features)
		}
	}

	if s.OnSidebarChanged != nil {
		s.OnSidebarChanged()
	}
	return room, nil
}
