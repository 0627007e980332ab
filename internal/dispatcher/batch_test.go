package dispatcher

import (
	"sort"
	"testing"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

func mustMuc(t *testing.T, s string) ids.RoomId {
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

func TestMessagesAppendedMergedByIdSetUnion(t *testing.T) {
	room := mustMuc(t, "team@muc.x.org")
	var got []ClientEvent
	b := NewBatcher(func(events []ClientEvent) { got = append(got, events...) })

	b.Begin()
	b.Emit(MessagesAppended(room, []string{"m1", "m2"}))
	b.Emit(MessagesAppended(room, []string{"m2", "m3"}))
	b.End()

	if len(got) != 1 {
		t.Fatalf("expected exactly one merged MessagesAppended event, got %d", len(got))
	}
	idList := append([]string{}, got[0].MessageIds...)
	sort.Strings(idList)
	if len(idList) != 3 || idList[0] != "m1" || idList[1] != "m2" || idList[2] != "m3" {
		t.Fatalf("expected the id union {m1,m2,m3}, got %v", idList)
	}
}

func TestContactChangedDeduplicatedWithinTurn(t *testing.T) {
	user := mustUser(t, "alice@x.org")
	var got []ClientEvent
	b := NewBatcher(func(events []ClientEvent) { got = append(got, events...) })

	b.Begin()
	b.Emit(ContactChanged(user))
	b.Emit(ContactChanged(user))
	b.Emit(ContactChanged(user))
	b.End()

	count := 0
	for _, e := range got {
		if e.Kind == KindContactChanged && e.UserId.Equal(user) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected ContactChanged deduplicated to one event, got %d", count)
	}
}

func TestDistinctRoomsDoNotMerge(t *testing.T) {
	roomA := mustMuc(t, "a@muc.x.org")
	roomB := mustMuc(t, "b@muc.x.org")
	var got []ClientEvent
	b := NewBatcher(func(events []ClientEvent) { got = append(got, events...) })

	b.Begin()
	b.Emit(MessagesAppended(roomA, []string{"m1"}))
	b.Emit(MessagesAppended(roomB, []string{"m2"}))
	b.End()

	if len(got) != 2 {
		t.Fatalf("expected two separate MessagesAppended events for two rooms, got %d", len(got))
	}
}

func TestEmitWithoutBeginDispatchesImmediately(t *testing.T) {
	user := mustUser(t, "alice@x.org")
	flushes := 0
	b := NewBatcher(func(events []ClientEvent) { flushes++ })

	b.Emit(ContactChanged(user))
	b.Emit(ContactChanged(user))

	if flushes != 2 {
		t.Fatalf("expected each un-batched Emit to flush immediately, got %d flushes", flushes)
	}
}

func TestConnectionStatusLastWriteWins(t *testing.T) {
	var got []ClientEvent
	b := NewBatcher(func(events []ClientEvent) { got = append(got, events...) })

	b.Begin()
	b.Emit(ConnectionStatusChanged(false, nil))
	b.Emit(ConnectionStatusChanged(true, nil))
	b.End()

	var conns []ClientEvent
	for _, e := range got {
		if e.Kind == KindConnectionStatusChanged {
			conns = append(conns, e)
		}
	}
	if len(conns) != 1 || !conns[0].Connected {
		t.Fatalf("expected exactly one Connected=true event, got %+v", conns)
	}
}

// TestComposingUsersChangedCarriesFullSetNotJustLastWriter guards against a
// regression where only the participant whose state just flipped was
// reported: the producer (rooms.Room.SetComposing) is responsible for
// resolving each ComposingUsersChanged event to the full current set before
// calling Emit, and last-write-wins batching must preserve whatever set the
// final Emit in the turn carried rather than merging or re-deriving it.
func TestComposingUsersChangedCarriesFullSetNotJustLastWriter(t *testing.T) {
	room := mustMuc(t, "team@muc.x.org")
	alice := ids.ParticipantIdFromUser(mustUser(t, "alice@x.org"))
	bob := ids.ParticipantIdFromUser(mustUser(t, "bob@x.org"))
	var got []ClientEvent
	b := NewBatcher(func(events []ClientEvent) { got = append(got, events...) })

	b.Begin()
	// Alice starts composing: the producer resolves this to {alice}.
	b.Emit(ComposingUsersChanged(room, []ids.ParticipantId{alice}))
	// Bob starts composing while Alice still is: the producer must resolve
	// this to {alice, bob}, not just {bob}.
	b.Emit(ComposingUsersChanged(room, []ids.ParticipantId{alice, bob}))
	b.End()

	var changed []ClientEvent
	for _, e := range got {
		if e.Kind == KindComposingUsersChanged {
			changed = append(changed, e)
		}
	}
	if len(changed) != 1 {
		t.Fatalf("expected exactly one ComposingUsersChanged event, got %d", len(changed))
	}
	users := changed[0].ComposingUsers
	if len(users) != 2 {
		t.Fatalf("expected both alice and bob still reported as composing, got %v", users)
	}
	var sawAlice, sawBob bool
	for _, u := range users {
		if u.Equal(alice) {
			sawAlice = true
		}
		if u.Equal(bob) {
			sawBob = true
		}
	}
	if !sawAlice || !sawBob {
		t.Fatalf("expected both alice and bob in the final set, got %v", users)
	}
}
