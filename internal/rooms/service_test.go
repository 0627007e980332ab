package rooms

import (
	"context"
	"testing"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

func mustMucRoomId(t *testing.T, s string) ids.RoomId {
	t.Helper()
	m, err := ids.ParseMucId(s)
	if err != nil {
		t.Fatalf("ParseMucId(%q): %v", s, err)
	}
	return ids.RoomIdFromMuc(m)
}

func mustUser(t *testing.T, s string) ids.UserId {
	t.Helper()
	u, err := ids.ParseUserId(s)
	if err != nil {
		t.Fatalf("ParseUserId(%q): %v", s, err)
	}
	return u
}

func mustServer(t *testing.T, s string) ids.ServerId {
	t.Helper()
	sv, err := ids.ParseServerId(s)
	if err != nil {
		t.Fatalf("ParseServerId(%q): %v", s, err)
	}
	return sv
}

// fakeTransport is a scriptable Transport double. joinResults is consumed
// in order per call to JoinRoom on the same room jid, allowing a test to
// simulate a <gone/> redirect followed by a successful join.
type fakeTransport struct {
	joinResults map[string][]joinOutcome
	joinCalls   []string
	configured  []RoomConfig
	granted     []ids.UserId
	invited     []ids.UserId
	nameTaken   map[string]bool
	features    DiscoFeatures
}

type joinOutcome struct {
	info RoomSessionInfo
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		joinResults: make(map[string][]joinOutcome),
		nameTaken:   make(map[string]bool),
		features:    NewDiscoFeatures(),
	}
}

func (f *fakeTransport) JoinRoom(ctx context.Context, occupant ids.OccupantId, password string) (RoomSessionInfo, error) {
	muc := occupant.RoomId()
	f.joinCalls = append(f.joinCalls, muc.String())
	queue := f.joinResults[muc.String()]
	if len(queue) == 0 {
		return RoomSessionInfo{RoomJID: muc, UserNickname: occupant.Nickname()}, nil
	}
	next := queue[0]
	f.joinResults[muc.String()] = queue[1:]
	return next.info, next.err
}

func (f *fakeTransport) ConfigureRoom(ctx context.Context, room ids.MucId, cfg RoomConfig) error {
	f.configured = append(f.configured, cfg)
	return nil
}

func (f *fakeTransport) GrantAffiliation(ctx context.Context, room ids.MucId, user ids.UserId, aff Affiliation) error {
	f.granted = append(f.granted, user)
	return nil
}

func (f *fakeTransport) SendMediatedInvite(ctx context.Context, room ids.MucId, invitee ids.UserId) error {
	f.invited = append(f.invited, invitee)
	return nil
}

func (f *fakeTransport) ChannelNameAvailable(ctx context.Context, service ids.ServerId, name string) (bool, error) {
	return !f.nameTaken[name], nil
}

func (f *fakeTransport) DiscoFeatures(ctx context.Context, room ids.MucId) (DiscoFeatures, error) {
	return f.features, nil
}

type fakeBookmarkStore struct {
	items map[string]Bookmark
}

func newFakeBookmarkStore() *fakeBookmarkStore {
	return &fakeBookmarkStore{items: make(map[string]Bookmark)}
}

func (b *fakeBookmarkStore) All(ctx context.Context) ([]Bookmark, error) {
	out := make([]Bookmark, 0, len(b.items))
	for _, item := range b.items {
		out = append(out, item)
	}
	return out, nil
}

func (b *fakeBookmarkStore) Save(ctx context.Context, bm Bookmark) error {
	b.items[bm.RoomId.String()] = bm
	return nil
}

func (b *fakeBookmarkStore) Delete(ctx context.Context, room ids.RoomId) error {
	delete(b.items, room.String())
	return nil
}

// TestJoinRedirectedRoom is the literal spec §8 scenario: joining
// old@muc.x.org gets a <gone/> pointing at new@muc.x.org; the service
// retries once automatically and succeeds.
func TestJoinRedirectedRoom(t *testing.T) {
	transport := newFakeTransport()
	oldRoom := mustMucRoomId(t, "old@muc.x.org")
	oldMuc, _ := oldRoom.AsMucId()
	transport.joinResults[oldMuc.String()] = []joinOutcome{
		{err: coreerrors.NewReqXMPP(coreerrors.CondGone, "new@muc.x.org")},
	}

	svc := NewRoomsDomainService(transport, newFakeBookmarkStore(), mustUser(t, "me@x.org"))
	sidebarFired := 0
	svc.OnSidebarChanged = func() { sidebarFired++ }

	room, err := svc.CreateOrEnter(context.Background(), CreateOrEnterRoomRequest{
		RoomJID:  oldMuc,
		Nickname: "me",
	})
	if err != nil {
		t.Fatalf("expected the redirect to be followed transparently, got error: %v", err)
	}
	if room.Id().String() != "new@muc.x.org" {
		t.Fatalf("expected the room to end up at new@muc.x.org, got %s", room.Id().String())
	}
	if sidebarFired != 1 {
		t.Fatalf("expected SidebarChanged exactly once, got %d", sidebarFired)
	}

	// A join whose single retry *also* fails must surface that failure
	// rather than retrying again.
	freshMuc, _ := mustMucRoomId(t, "fresh@muc.x.org").AsMucId()
	redirectMuc, _ := mustMucRoomId(t, "redirect@muc.x.org").AsMucId()
	transport.joinResults[freshMuc.String()] = []joinOutcome{
		{err: coreerrors.NewReqXMPP(coreerrors.CondGone, "redirect@muc.x.org")},
	}
	transport.joinResults[redirectMuc.String()] = []joinOutcome{
		{err: coreerrors.NewReqXMPP(coreerrors.CondGone, "redirect-again@muc.x.org")},
	}
	_, err = svc.CreateOrEnter(context.Background(), CreateOrEnterRoomRequest{RoomJID: freshMuc, Nickname: "me"})
	if err == nil {
		t.Fatalf("expected the second redirect to surface as an error")
	}
	re, ok := err.(*coreerrors.RoomError)
	if !ok || re.Kind != coreerrors.RoomGone || re.NewLocation != "redirect-again@muc.x.org" {
		t.Fatalf("expected a surfaced RoomGone error, got %v", err)
	}
	if calls := len(transport.joinCalls); calls != 4 {
		t.Fatalf("expected exactly 2 join attempts for this request (4 total across the test), got %d", calls)
	}
}

func TestCreateGroupIsIdempotentByParticipantSet(t *testing.T) {
	transport := newFakeTransport()
	svc := NewRoomsDomainService(transport, newFakeBookmarkStore(), mustUser(t, "me@x.org"))

	req := CreateOrEnterRoomRequest{
		IsCreate: true,
		Create:   CreateGroup,
		Service:  mustServer(t, "muc.x.org"),
		Members:  []ids.UserId{mustUser(t, "bob@x.org"), mustUser(t, "alice@x.org")},
	}
	room1, err := svc.CreateOrEnter(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrEnter: %v", err)
	}
	if room1.Kind() != Group {
		t.Fatalf("expected kind Group, got %v", room1.Kind())
	}

	// Reordering members must produce the same instant-room jid.
	reordered := req
	reordered.Members = []ids.UserId{mustUser(t, "alice@x.org"), mustUser(t, "bob@x.org")}
	localpart1 := instantRoomLocalpart(svc.Self, req.Members)
	localpart2 := instantRoomLocalpart(svc.Self, reordered.Members)
	if localpart1 != localpart2 {
		t.Fatalf("instant room localpart is not order-independent: %s != %s", localpart1, localpart2)
	}

	if len(transport.invited) != 2 {
		t.Fatalf("expected 2 mediated invites, got %d", len(transport.invited))
	}
	if len(transport.granted) != 2 {
		t.Fatalf("expected 2 affiliation grants, got %d", len(transport.granted))
	}
}

func TestCreatePublicChannelNameConflict(t *testing.T) {
	transport := newFakeTransport()
	transport.nameTaken["general"] = true
	svc := NewRoomsDomainService(transport, newFakeBookmarkStore(), mustUser(t, "me@x.org"))

	_, err := svc.CreateOrEnter(context.Background(), CreateOrEnterRoomRequest{
		IsCreate: true,
		Create:   CreatePublicChannel,
		Service:  mustServer(t, "muc.x.org"),
		Name:     "general",
	})
	var re *coreerrors.RoomError
	if err == nil {
		t.Fatalf("expected a name conflict error")
	}
	if !errorsAsRoomError(err, &re) || re.Kind != coreerrors.PublicChannelNameConflict {
		t.Fatalf("expected PublicChannelNameConflict, got %v", err)
	}
}

func errorsAsRoomError(err error, target **coreerrors.RoomError) bool {
	re, ok := err.(*coreerrors.RoomError)
	if ok {
		*target = re
	}
	return ok
}

// TestReconcileSidebarJoinsAndPrunes covers the bookmark-projection property
// of spec §8: sidebar = {b in bookmarks : b.in_sidebar}, and reconciliation
// joins missing rooms while pruning deleted ones.
func TestReconcileSidebarJoinsAndPrunes(t *testing.T) {
	transport := newFakeTransport()
	bookmarks := newFakeBookmarkStore()
	svc := NewRoomsDomainService(transport, bookmarks, mustUser(t, "me@x.org"))

	stale := mustMucRoomId(t, "stale@muc.x.org")
	svc.Rooms.GetOrCreate(stale)

	wanted := mustMucRoomId(t, "team@muc.x.org")
	wantedMuc, _ := wanted.AsMucId()
	_ = bookmarks.Save(context.Background(), Bookmark{Name: "Team", RoomId: wanted, InSidebar: true})
	_ = bookmarks.Save(context.Background(), Bookmark{Name: "Archived", RoomId: mustMucRoomId(t, "old-archive@muc.x.org"), InSidebar: false})

	changed, err := svc.ReconcileSidebar(context.Background())
	if err != nil {
		t.Fatalf("ReconcileSidebar: %v", err)
	}
	if !changed {
		t.Fatalf("expected ReconcileSidebar to report a change")
	}

	if _, ok := svc.Rooms.Get(stale); ok {
		t.Fatalf("expected the stale room (no matching bookmark) to be pruned")
	}
	if _, ok := svc.Rooms.Get(ids.RoomIdFromMuc(wantedMuc)); !ok {
		t.Fatalf("expected the wanted bookmark's room to be joined")
	}

	all, _ := bookmarks.All(context.Background())
	items := Sidebar(all, svc.Rooms)
	if len(items) != 1 || items[0].Name != "Team" {
		t.Fatalf("expected sidebar to contain only the in_sidebar bookmark, got %+v", items)
	}
}
