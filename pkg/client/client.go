package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/prose-im/prose-core-client-sub004/internal/config"
	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/correlator"
	"github.com/prose-im/prose-core-client-sub004/internal/dispatcher"
	"github.com/prose-im/prose-core-client-sub004/internal/events"
	"github.com/prose-im/prose-core-client-sub004/internal/handlers"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/logging"
	"github.com/prose-im/prose-core-client-sub004/internal/messages"
	"github.com/prose-im/prose-core-client-sub004/internal/omemo"
	"github.com/prose-im/prose-core-client-sub004/internal/repository"
	"github.com/prose-im/prose-core-client-sub004/internal/rooms"
	"github.com/prose-im/prose-core-client-sub004/internal/runtime"
	"github.com/prose-im/prose-core-client-sub004/internal/userinfo"
	"github.com/prose-im/prose-core-client-sub004/internal/xmppconn"
)

// randomString returns n random hex characters (crypto/rand, not math/rand,
// so concurrently connected accounts never collide on a stanza id).
func randomString(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which nothing downstream could recover from either; degrade to a
		// time-based id rather than panicking mid-send.
		return fmt.Sprintf("%x", time.Now().UnixNano())[:n]
	}
	return hex.EncodeToString(buf)[:n]
}

func newStanzaId() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), randomString(4))
}

// Client is the account-level facade wiring the wire layer (xmppconn,
// correlator, the stanza runtime) to the domain services the rest of the
// tree implements against narrow interfaces (rooms.RoomsDomainService,
// messages.Store/CatchupService, omemo.Engine, userinfo.Service).
type Client struct {
	account config.Account
	self    ids.UserId

	db *repository.DB
	Log *logging.Logger

	mu        sync.RWMutex
	conn      *xmppconn.Conn
	corr      *correlator.Correlator
	transport *transport
	coll      *mamCollector
	archiver  *archiver

	Rooms    *rooms.RoomsDomainService
	Messages *messages.Store
	catchup  *messages.CatchupService
	OMEMO    *omemo.Engine
	Presence *userinfo.PresenceMap
	UserInfo *userinfo.Service

	handlers *handlers.Queue
	rt       *runtime.Runtime
	batcher  *dispatcher.Batcher

	mucMu       sync.RWMutex
	mucRegistry map[string]struct{}

	rtCancel context.CancelFunc
}

// NewClient builds every piece of the account that does not require a live
// connection. Connect finishes the job once a conn exists: the transport,
// the rooms domain service (which needs the transport) and the catch-up
// service (which needs the archiver) are all built there instead, since
// none of them can exist before a socket does.
func NewClient(account config.Account, db *repository.DB, log *logging.Logger, delegate dispatcher.Delegate) (*Client, error) {
	self, err := ids.ParseUserId(account.JID)
	if err != nil {
		return nil, fmt.Errorf("client: invalid account jid %q: %w", account.JID, err)
	}

	// The local OMEMO device id is derived deterministically from the
	// account's own bare JID rather than generated once and persisted
	// separately: it only needs to be stable across runs of this same
	// account, and sha1(jid) already gives that without a dedicated
	// "device_id" row the omemo_* tables have no place for today.
	deviceId := deriveDeviceId(self)
	omemoStore := repository.NewOmemoStore(db, deviceId)
	engine := omemo.NewEngine(omemoStore)

	presence := userinfo.NewPresenceMap()
	userInfoSvc := userinfo.NewService(presence)

	c := &Client{
		account:     account,
		self:        self,
		db:          db,
		Log:         log,
		corr:        correlator.New(),
		coll:        newMamCollector(),
		Messages:    messages.NewStore(),
		OMEMO:       engine,
		Presence:    presence,
		UserInfo:    userInfoSvc,
		mucRegistry: make(map[string]struct{}),
	}

	c.batcher = dispatcher.NewBatcher(delegate)
	userInfoSvc.OnContactChanged = func(u ids.UserId) { c.batcher.Emit(dispatcher.ContactChanged(u)) }

	c.handlers = handlers.NewQueue()
	c.registerHandlers()
	c.handlers.OnError(func(handler string, ev events.ServerEvent, err error) {
		c.logf(logging.LevelWarn, "handler %s failed on event kind %d: %v", handler, ev.Kind, err)
	})

	c.rt = runtime.New(c.handlers, c.isMucRoom)
	c.rt.OnParseError = func(raw xmppconn.RawStanza, err error) {
		c.logf(logging.LevelDebug, "dropping unparsable %s stanza: %v", raw.Name, err)
	}
	c.rt.OnDispatchError = func(ev events.ServerEvent, err error) {
		c.logf(logging.LevelWarn, "dispatch failed for event kind %d: %v", ev.Kind, err)
	}

	return c, nil
}

func (c *Client) logf(level logging.Level, format string, args ...any) {
	if c.Log == nil {
		return
	}
	switch level {
	case logging.LevelDebug:
		c.Log.Debug(format, args...)
	case logging.LevelWarn:
		c.Log.Warn(format, args...)
	case logging.LevelError:
		c.Log.Error(format, args...)
	default:
		c.Log.Info(format, args...)
	}
}

func deriveDeviceId(u ids.UserId) ids.DeviceId {
	sum := fnv32a(u.String())
	// OMEMO device ids are 31-bit per spec §4.5; clear the sign bit so the
	// derived value never collides with the reserved high bit some servers
	// treat specially.
	return ids.DeviceId(sum &^ (1 << 31))
}

// fnv32a is the textbook 32-bit FNV-1a hash. Deriving a device id needs
// nothing more than a stable, well-distributed hash of the account JID, so
// this stays a few inline lines rather than pulling in a hashing package
// for a single call site.
func fnv32a(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// --- MUC registry: tracks which RoomIds are known MUCs, for events.Parse's
// RoomKindLookup contract (parser.go has no access to the room repository
// itself; pkg/client supplies this closure over its own connected-rooms
// view) ---

func (c *Client) isMucRoom(room ids.RoomId) bool {
	c.mucMu.RLock()
	defer c.mucMu.RUnlock()
	_, ok := c.mucRegistry[room.String()]
	return ok
}

// refreshMucRegistry rebuilds the MUC lookup set from every room currently
// known to the rooms repository. Called after any operation that can add a
// MUC room (reconcile, create-or-enter) so presence/message stanzas that
// arrive immediately afterward resolve participants correctly.
func (c *Client) refreshMucRegistry() {
	if c.Rooms == nil {
		return
	}
	next := make(map[string]struct{})
	for _, room := range c.Rooms.Rooms.All() {
		if _, ok := room.Id().AsMucId(); ok {
			next[room.Id().String()] = struct{}{}
		}
	}
	c.mucMu.Lock()
	c.mucRegistry = next
	c.mucMu.Unlock()
}

// --- connecting ---

// Connect dials the account's server, negotiates the stream, builds the
// connection-dependent services (transport, rooms, catch-up), starts the
// stanza runtime, reconciles the sidebar from persisted bookmarks, and
// runs catch-up for every connected room.
func (c *Client) Connect(ctx context.Context) error {
	accountJID := c.self.JID()
	if c.account.Resource != "" {
		accountJID = accountJID.WithResource(c.account.Resource)
	}

	conn, err := xmppconn.Dial(ctx, xmppconn.Config{
		JID:      accountJID,
		Password: c.account.Password,
		Host:     c.account.Server,
		Port:     c.account.Port,
	}, c.onStanza, c.onConnState)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.transport = newTransport(conn, c.corr, newStanzaId)
	c.archiver = &archiver{
		conn:       conn,
		corr:       c.corr,
		coll:       c.coll,
		idGen:      newStanzaId,
		accountJID: accountJID.Bare(),
	}
	c.Rooms = rooms.NewRoomsDomainService(c.transport, c.db.Bookmarks(), c.self)
	c.Rooms.OnSidebarChanged = func() { c.batcher.Emit(dispatcher.SidebarChanged()) }
	c.catchup = &messages.CatchupService{
		Fetcher:   c.archiver,
		Decryptor: c.OMEMO,
		Store:     c.Messages,
		OnAppended: func(ev messages.AppendedEvent) {
			ids := make([]string, 0, len(ev.Deltas))
			for _, d := range ev.Deltas {
				ids = append(ids, d.DedupKey())
			}
			c.batcher.Emit(dispatcher.MessagesAppended(ev.Room, ids))
		},
	}
	rtCtx, cancel := context.WithCancel(context.Background())
	c.rtCancel = cancel
	c.mu.Unlock()

	go c.rt.Run(rtCtx)

	if err := c.loadPersistedMessages(ctx); err != nil {
		c.logf(logging.LevelWarn, "loading persisted messages: %v", err)
	}

	if _, err := c.Rooms.ReconcileSidebar(ctx); err != nil {
		c.logf(logging.LevelWarn, "reconciling sidebar: %v", err)
	}
	c.refreshMucRegistry()

	if err := c.catchupAll(ctx); err != nil {
		c.logf(logging.LevelWarn, "catch-up: %v", err)
	}

	return nil
}

// Disconnect closes the live connection and clears the volatile in-memory
// state spec §5 calls out (connected rooms, presence, cached user info);
// persisted collections (messages, bookmarks, settings) are left alone.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.rtCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close(ctx)
	}

	if c.Rooms != nil {
		c.Rooms.Rooms.Clear()
	}
	c.Presence.Clear()
	c.mucMu.Lock()
	c.mucRegistry = make(map[string]struct{})
	c.mucMu.Unlock()

	return err
}

func (c *Client) onConnState(connected bool, cerr *coreerrors.ConnectionError) {
	if !connected {
		c.corr.Disconnect(cerr)
	}
	c.batcher.Emit(dispatcher.ConnectionStatusChanged(connected, cerr))
}

// loadPersistedMessages seeds Messages from the sqlite-backed message log
// for every room that has at least one stored delta, so a restarted process
// shows history immediately rather than waiting on catch-up to re-derive it
// from the archive.
func (c *Client) loadPersistedMessages(ctx context.Context) error {
	repo := c.db.Messages()
	roomIds, err := repo.AllRoomIds(ctx)
	if err != nil {
		return err
	}
	for _, room := range roomIds {
		deltas, err := repo.LoadRoom(ctx, room)
		if err != nil {
			return err
		}
		c.Messages.InsertBatch(room, deltas)
	}
	return nil
}

// catchupAll runs archive catch-up concurrently across every connected
// room, bounded to a handful in flight at once: each room's catch-up is
// fully independent (its own MAM query id, its own DecryptionContext), so
// there is no reason to serialize them the way CatchupService.Run
// serializes pages within one room.
func (c *Client) catchupAll(ctx context.Context) error {
	rooms := c.Rooms.Rooms.All()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, room := range rooms {
		room := room
		g.Go(func() error {
			local := room.LocalSettings()
			last, err := c.catchup.Run(gctx, room.Id(), time.Unix(local.LastCatchupTime, 0), true)
			if err != nil {
				// One room's archive being unreachable should not abort
				// catch-up for every other connected room.
				c.logf(logging.LevelWarn, "catch-up for %s: %v", room.Id().String(), err)
				return nil
			}
			local.LastCatchupTime = last.Unix()
			room.SetLocalSettings(local)
			return nil
		})
	}
	return g.Wait()
}

// --- inbound stanza routing ---

// onStanza is the xmppconn.StanzaHandler passed to Dial. It implements the
// three-way split spec §4.2 and §5 describe between the three things a
// stanza's id can mean here: a correlated IQ reply, a MUC join presence,
// and a MAM archive page result — before anything else falls through to
// the ordinary live parser/handler pipeline.
func (c *Client) onStanza(raw xmppconn.RawStanza) {
	switch raw.Name {
	case "iq":
		if raw.Type == "result" || raw.Type == "error" {
			cond, loc := decodeCondition(raw.XML)
			c.corr.Deliver(raw.Id, raw.XML, raw.Type == "error", cond, loc)
			return
		}
	case "presence":
		// A join-future match does not suppress the normal path: other
		// occupants' presences in the same room still need ordinary
		// room/participant handling regardless of a pending join.
		c.transport.deliverPresence(raw)
	case "message":
		if c.coll.deliver(raw) {
			return
		}
	}
	c.rt.Submit(raw)
}

// --- handler registration ---

// registerHandlers wires the domain handlers the runtime's queue dispatches
// every parsed ServerEvent through, in the order spec §4.2 requires:
// connection state first (so later handlers never see a stale session),
// then one handler per event family.
func (c *Client) registerHandlers() {
	c.handlers.Append(handlers.HandlerFunc{Label: "connection", Fn: c.handleConnectionEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "message", Fn: c.handleMessageEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "room", Fn: c.handleRoomEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "contact-list", Fn: c.handleContactListEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "block-list", Fn: c.handleBlockListEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "user-device", Fn: c.handleUserDeviceEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "user-info", Fn: c.handleUserInfoEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "synced-room-settings", Fn: c.handleSyncedRoomSettingsEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "workspace-info", Fn: c.handleWorkspaceInfoEvent})
	c.handlers.Append(handlers.HandlerFunc{Label: "request", Fn: c.handleRequestEvent})
}

func (c *Client) handleConnectionEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindConnection {
		return &event, nil
	}
	// ConnectionEvent never actually flows through the runtime (the
	// connection transitions are reported directly by onConnState), but the
	// handler is kept here so a future extension point that synthesizes one
	// (e.g. a plugin simulating a connection loss) still has somewhere to
	// plug in.
	return nil, nil
}

func (c *Client) handleMessageEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindMessage || event.Message == nil {
		return &event, nil
	}
	m := event.Message

	if m.Type == events.MessageComposing {
		state, ok := m.Message.(events.ChatState)
		if !ok {
			return nil, nil
		}
		room, ok := c.Rooms.Rooms.Get(m.RoomId)
		if !ok {
			return nil, nil
		}
		users := room.SetComposing(state.Participant, state.Composing)
		c.batcher.Emit(dispatcher.ComposingUsersChanged(m.RoomId, users))
		return nil, nil
	}

	like, ok := m.Message.(*messages.MessageLike)
	if !ok || like == nil {
		return nil, nil
	}

	if c.Messages.Insert(m.RoomId, *like) {
		if err := c.db.Messages().Insert(ctx, m.RoomId, *like); err != nil {
			c.logf(logging.LevelWarn, "persisting message %s: %v", like.DedupKey(), err)
		}
		c.batcher.Emit(dispatcher.MessagesAppended(m.RoomId, []string{like.DedupKey()}))
	}
	return nil, nil
}

func (c *Client) handleRoomEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindRoom || event.Room == nil {
		return &event, nil
	}
	re := event.Room
	room := c.Rooms.Rooms.GetOrCreate(re.RoomId)

	switch re.Type {
	case events.RoomTopicChanged, events.RoomSubjectChanged:
		room.SetTopic(re.Text)
	case events.RoomParticipantChanged:
		if re.Participant == nil {
			return nil, nil
		}
		if !re.Participant.Available {
			room.RemoveParticipant(re.ParticipantId)
			break
		}
		p := rooms.Participant{
			Affiliation:  rooms.Affiliation(re.Participant.Affiliation),
			Availability: rooms.Available,
		}
		if re.Participant.RealJID != "" {
			if u, err := ids.ParseUserId(re.Participant.RealJID); err == nil {
				p.RealId = &u
			}
		}
		_ = room.PutParticipant(re.ParticipantId, p)
	case events.RoomPermissionsChanged:
		// Affiliation/role-only updates without a full participant payload
		// are folded into RoomParticipantChanged upstream; nothing further
		// to apply here today.
	case events.RoomDestroyed:
		c.Rooms.Rooms.Delete(re.RoomId)
	}
	return nil, nil
}

func (c *Client) handleContactListEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindContactList || event.ContactList == nil {
		return &event, nil
	}
	ce := event.ContactList
	switch ce.Type {
	case events.ContactAdded, events.ContactSubRequested:
		c.UserInfo.RefreshPresence(ce.ContactId)
	case events.ContactRemoved:
		c.Presence.Remove(ce.ContactId, "")
	}
	c.batcher.Emit(dispatcher.ContactChanged(ce.ContactId))
	return nil, nil
}

func (c *Client) handleBlockListEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindBlockList || event.BlockList == nil {
		return &event, nil
	}
	if event.BlockList.Type != events.BlockListCleared {
		c.batcher.Emit(dispatcher.ContactChanged(event.BlockList.UserId))
	}
	return nil, nil
}

func (c *Client) handleUserDeviceEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindUserDevice || event.UserDevice == nil {
		return &event, nil
	}
	c.batcher.Emit(dispatcher.ContactChanged(event.UserDevice.UserId))
	return nil, nil
}

func (c *Client) handleUserInfoEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindUserInfo || event.UserInfo == nil {
		return &event, nil
	}
	ue := event.UserInfo
	switch ue.Type {
	case events.PresenceChanged:
		if ue.Presence == nil {
			return nil, nil
		}
		c.Presence.Set(ue.UserId, ue.Presence.Resource, userinfo.Presence{
			Show:     userinfo.Show(ue.Presence.Show),
			Status:   ue.Presence.Status,
			Priority: int(ue.Presence.Priority),
		})
		if !ue.Presence.Available {
			c.Presence.Remove(ue.UserId, ue.Presence.Resource)
		}
		c.UserInfo.RefreshPresence(ue.UserId)
	case events.AvatarChanged:
		c.batcher.Emit(dispatcher.AvatarChanged(ue.UserId))
	}
	return nil, nil
}

func (c *Client) handleSyncedRoomSettingsEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindSyncedRoomSettings || event.SyncedRoomSettings == nil {
		return &event, nil
	}
	c.batcher.Emit(dispatcher.SidebarChanged())
	return nil, nil
}

func (c *Client) handleWorkspaceInfoEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindWorkspaceInfo || event.WorkspaceInfo == nil {
		return &event, nil
	}
	return nil, nil
}

// --- server-initiated requests: ping/disco answered inline, no correlator
// involved since these are replies to someone else's request id ---

type pingResultIQ struct {
	stanza.IQ
}

type discoInfoResultIQ struct {
	stanza.IQ
	Query discoInfoAnswer `xml:"http://jabber.org/protocol/disco#info query"`
}

type discoInfoAnswer struct {
	XMLName  xml.Name           `xml:"http://jabber.org/protocol/disco#info query"`
	Identity discoInfoIdentity  `xml:"identity"`
	Feature  []discoInfoFeature `xml:"feature"`
}

type discoInfoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr"`
}

type discoInfoFeature struct {
	Var string `xml:"var,attr"`
}

// coreDiscoFeatures is what this client answers a disco#info probe with:
// the XEP-0030 bare minimum plus the extensions the rest of the tree
// actually implements.
var coreDiscoFeatures = []string{
	"http://jabber.org/protocol/disco#info",
	"urn:xmpp:receipts",
	"urn:xmpp:chat-markers:0",
	"urn:xmpp:message-correct:0",
	"urn:xmpp:reactions:0",
	"urn:xmpp:message-retract:1",
	"http://jabber.org/protocol/chatstates",
	"urn:xmpp:mam:2",
	"eu.siacs.conversations.axolotl.devicelist+notify",
}

func (c *Client) handleRequestEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	if event.Kind != events.KindRequest || event.Request == nil {
		return &event, nil
	}
	req := event.Request
	to := stanza.IQ{ID: req.IQId, To: req.From.JID(), Type: stanza.ResultIQ}

	switch req.Kind {
	case events.RequestPing:
		return nil, c.conn().Send(ctx, pingResultIQ{IQ: to})
	case events.RequestDiscoInfo:
		answer := discoInfoResultIQ{
			IQ: to,
			Query: discoInfoAnswer{
				Identity: discoInfoIdentity{Category: "client", Type: "bot", Name: "prose-core-client-sub004"},
			},
		}
		for _, f := range coreDiscoFeatures {
			answer.Query.Feature = append(answer.Query.Feature, discoInfoFeature{Var: f})
		}
		return nil, c.conn().Send(ctx, answer)
	default:
		// RequestEntityTime/RequestLastActivity/RequestSoftwareVersion/
		// RequestSubscription are enumerated in internal/events for
		// completeness but the parser never produces them yet (no decode
		// step watches for those IQ children); nothing to answer today.
		return nil, nil
	}
}

func (c *Client) conn() *xmppconn.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// --- outbound message sends ---

type chatMessage struct {
	stanza.Message
	Body     string    `xml:"body"`
	Markable *struct{} `xml:"urn:xmpp:chat-markers:0 markable,omitempty"`
}

type correctionMessage struct {
	stanza.Message
	Body    string        `xml:"body"`
	Replace messageIdAttr `xml:"urn:xmpp:message-correct:0 replace"`
}

type messageIdAttr struct {
	Id string `xml:"id,attr"`
}

type reactionsMessage struct {
	stanza.Message
	Reactions reactionsX `xml:"urn:xmpp:reactions:0 reactions"`
}

type reactionsX struct {
	Id       string   `xml:"id,attr"`
	Reaction []string `xml:"urn:xmpp:reactions:0 reaction"`
}

type retractionMessage struct {
	stanza.Message
	ApplyTo applyToRetract `xml:"urn:xmpp:fasten:0 apply-to"`
}

type applyToRetract struct {
	Id      string   `xml:"id,attr"`
	Retract struct{} `xml:"urn:xmpp:message-retract:1 retract"`
}

type receiptMessage struct {
	stanza.Message
	Received messageIdAttr `xml:"urn:xmpp:receipts received"`
}

type displayedMessage struct {
	stanza.Message
	Displayed messageIdAttr `xml:"urn:xmpp:chat-markers:0 displayed"`
}

type chatStateMessage struct {
	stanza.Message
	Composing *struct{} `xml:"http://jabber.org/protocol/chatstates composing,omitempty"`
	Active    *struct{} `xml:"http://jabber.org/protocol/chatstates active,omitempty"`
}

type encryptedMessage struct {
	stanza.Message
	Encrypted encryptedElement `xml:"eu.siacs.conversations.axolotl encrypted"`
	Body      string           `xml:"body"` // placeholder body for non-OMEMO clients, per XEP compatibility note
}

func (c *Client) roomDestination(room ids.RoomId) (jid.JID, bool) {
	if muc, ok := room.AsMucId(); ok {
		return muc.JID(), true
	}
	if user, ok := room.AsUserId(); ok {
		return user.JID(), false
	}
	return jid.JID{}, false
}

// SendMessage sends a plain-text body to room and records the outbound
// delta locally under the stanza id used on the wire, so the sender's own
// copy appears immediately rather than waiting for a reflection/carbon.
func (c *Client) SendMessage(ctx context.Context, room ids.RoomId, body string) (ids.MessageRemoteId, error) {
	to, _ := c.roomDestination(room)
	id := newStanzaId()
	msg := chatMessage{
		Message:  stanza.Message{ID: id, To: to, Type: stanza.ChatMessage},
		Body:     body,
		Markable: &struct{}{},
	}
	if err := c.conn().Send(ctx, msg); err != nil {
		return "", coreerrors.NewReqGeneric("sending message", err)
	}

	delta := messages.MessageLike{
		RemoteId:  ids.MessageRemoteId(id),
		From:      ids.ParticipantIdFromUser(c.self),
		Timestamp: time.Now().UTC(),
		Kind:      messages.Body,
		Body:      body,
	}
	if c.Messages.Insert(room, delta) {
		_ = c.db.Messages().Insert(ctx, room, delta)
		c.batcher.Emit(dispatcher.MessagesAppended(room, []string{delta.DedupKey()}))
	}
	return ids.MessageRemoteId(id), nil
}

// SendEncryptedMessage OMEMO-encrypts body for every recipient device via
// omemo.Engine.EncryptMessage (which seals the body once and wraps the
// content key per recipient internally) and sends the resulting
// <encrypted/> element. No errgroup fan-out here: EncryptMessage already
// loops its recipients sequentially against the shared, mutable session
// store, and parallelizing that loop from the outside would just race
// concurrent session writes for no benefit.
func (c *Client) SendEncryptedMessage(ctx context.Context, room ids.RoomId, body string, recipients []omemo.Recipient) (ids.MessageRemoteId, error) {
	payload, err := c.OMEMO.EncryptMessage(body, recipients)
	if err != nil {
		return "", err
	}

	to, _ := c.roomDestination(room)
	id := newStanzaId()
	wireKeys := make([]struct {
		Rid    uint32 `xml:"rid,attr"`
		PreKey bool   `xml:"prekey,attr"`
		Data   string `xml:",chardata"`
	}, len(payload.Keys))
	for i, k := range payload.Keys {
		wireKeys[i].Rid = uint32(k.DeviceId)
		wireKeys[i].PreKey = k.IsPreKey
		wireKeys[i].Data = base64.StdEncoding.EncodeToString(k.Data)
	}

	msg := encryptedMessage{
		Message: stanza.Message{ID: id, To: to, Type: stanza.ChatMessage},
		Body:    placeholderEncryptedBody,
	}
	msg.Encrypted.Header.Sid = uint32(payload.SenderDeviceId)
	msg.Encrypted.Header.IV = base64.StdEncoding.EncodeToString(payload.IV)
	msg.Encrypted.Header.Key = wireKeys
	msg.Encrypted.Payload = base64.StdEncoding.EncodeToString(payload.Payload)

	if err := c.conn().Send(ctx, msg); err != nil {
		return "", coreerrors.NewReqGeneric("sending encrypted message", err)
	}

	delta := messages.MessageLike{
		RemoteId:  ids.MessageRemoteId(id),
		From:      ids.ParticipantIdFromUser(c.self),
		Timestamp: time.Now().UTC(),
		Kind:      messages.Body,
		Body:      body,
	}
	if c.Messages.Insert(room, delta) {
		_ = c.db.Messages().Insert(ctx, room, delta)
		c.batcher.Emit(dispatcher.MessagesAppended(room, []string{delta.DedupKey()}))
	}
	return ids.MessageRemoteId(id), nil
}

const placeholderEncryptedBody = "[This message is OMEMO encrypted]"

// SendComposing announces (or retracts) the local user's chat-state in
// room, per XEP-0085. This never touches Messages or persistence: composing
// state is ephemeral.
func (c *Client) SendComposing(ctx context.Context, room ids.RoomId, composing bool) error {
	to, _ := c.roomDestination(room)
	msg := chatStateMessage{Message: stanza.Message{To: to, Type: stanza.ChatMessage}}
	if composing {
		msg.Composing = &struct{}{}
	} else {
		msg.Active = &struct{}{}
	}
	return c.conn().Send(ctx, msg)
}

// SendReceipt acknowledges delivery of targetId, per XEP-0184.
func (c *Client) SendReceipt(ctx context.Context, room ids.RoomId, targetId ids.MessageId) error {
	to, _ := c.roomDestination(room)
	msg := receiptMessage{
		Message:  stanza.Message{To: to, Type: stanza.ChatMessage},
		Received: messageIdAttr{Id: string(targetId)},
	}
	return c.conn().Send(ctx, msg)
}

// SendDisplayedMarker announces targetId has been read, per XEP-0333.
func (c *Client) SendDisplayedMarker(ctx context.Context, room ids.RoomId, targetId ids.MessageId) error {
	to, _ := c.roomDestination(room)
	msg := displayedMessage{
		Message:   stanza.Message{To: to, Type: stanza.ChatMessage},
		Displayed: messageIdAttr{Id: string(targetId)},
	}
	return c.conn().Send(ctx, msg)
}

// SendCorrection replaces the body of a previously sent message, per
// XEP-0308.
func (c *Client) SendCorrection(ctx context.Context, room ids.RoomId, targetId ids.MessageId, newBody string) error {
	to, _ := c.roomDestination(room)
	id := newStanzaId()
	msg := correctionMessage{
		Message: stanza.Message{ID: id, To: to, Type: stanza.ChatMessage},
		Body:    newBody,
		Replace: messageIdAttr{Id: string(targetId)},
	}
	if err := c.conn().Send(ctx, msg); err != nil {
		return coreerrors.NewReqGeneric("sending correction", err)
	}
	delta := messages.MessageLike{
		RemoteId:  ids.MessageRemoteId(id),
		From:      ids.ParticipantIdFromUser(c.self),
		Timestamp: time.Now().UTC(),
		Kind:      messages.Correction,
		Target:    ids.TargetFromMessageId(targetId),
		Body:      newBody,
	}
	if c.Messages.Insert(room, delta) {
		_ = c.db.Messages().Insert(ctx, room, delta)
		c.batcher.Emit(dispatcher.MessagesUpdated(room, []string{delta.DedupKey()}))
	}
	return nil
}

// SendReaction sets the local user's full emoji reaction set on targetId,
// per XEP-0444 (the whole set is resent each time, not a delta).
func (c *Client) SendReaction(ctx context.Context, room ids.RoomId, targetId ids.MessageId, emojis []string) error {
	to, _ := c.roomDestination(room)
	id := newStanzaId()
	msg := reactionsMessage{
		Message:   stanza.Message{ID: id, To: to, Type: stanza.ChatMessage},
		Reactions: reactionsX{Id: string(targetId), Reaction: emojis},
	}
	if err := c.conn().Send(ctx, msg); err != nil {
		return coreerrors.NewReqGeneric("sending reaction", err)
	}
	delta := messages.MessageLike{
		RemoteId:  ids.MessageRemoteId(id),
		From:      ids.ParticipantIdFromUser(c.self),
		Timestamp: time.Now().UTC(),
		Kind:      messages.Reaction,
		Target:    ids.TargetFromMessageId(targetId),
		Emojis:    emojis,
	}
	if c.Messages.Insert(room, delta) {
		_ = c.db.Messages().Insert(ctx, room, delta)
		c.batcher.Emit(dispatcher.MessagesUpdated(room, []string{delta.DedupKey()}))
	}
	return nil
}

// SendRetraction withdraws a previously sent message, per XEP-0424.
func (c *Client) SendRetraction(ctx context.Context, room ids.RoomId, targetId ids.MessageId) error {
	to, _ := c.roomDestination(room)
	id := newStanzaId()
	msg := retractionMessage{
		Message: stanza.Message{ID: id, To: to, Type: stanza.ChatMessage},
		ApplyTo: applyToRetract{Id: string(targetId)},
	}
	if err := c.conn().Send(ctx, msg); err != nil {
		return coreerrors.NewReqGeneric("sending retraction", err)
	}
	delta := messages.MessageLike{
		RemoteId:  ids.MessageRemoteId(id),
		From:      ids.ParticipantIdFromUser(c.self),
		Timestamp: time.Now().UTC(),
		Kind:      messages.Retraction,
		Target:    ids.TargetFromMessageId(targetId),
	}
	if c.Messages.Insert(room, delta) {
		_ = c.db.Messages().Insert(ctx, room, delta)
		c.batcher.Emit(dispatcher.MessagesUpdated(room, []string{delta.DedupKey()}))
	}
	return nil
}

// --- room facade ---

// CreateOrEnterRoom delegates to the rooms domain service and refreshes the
// MUC registry so stanzas for the new room resolve participants correctly
// as soon as they arrive.
func (c *Client) CreateOrEnterRoom(ctx context.Context, req rooms.CreateOrEnterRoomRequest) (*rooms.Room, error) {
	room, err := c.Rooms.CreateOrEnter(ctx, req)
	c.refreshMucRegistry()
	if err != nil {
		return nil, err
	}
	return room, nil
}

// LeaveRoom sends unavailable presence for occupant and drops the room from
// the connected-rooms repository; it does not touch the room's bookmark
// (see transport.leaveRoom's doc comment).
func (c *Client) LeaveRoom(ctx context.Context, occupant ids.OccupantId) error {
	if err := c.transport.leaveRoom(ctx, occupant); err != nil {
		return err
	}
	c.Rooms.Rooms.Delete(ids.RoomIdFromMuc(occupant.RoomId()))
	return nil
}
