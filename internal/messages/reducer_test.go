package messages

import (
	"math/rand"
	"testing"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

func mustUser(t *testing.T, s string) ids.UserId {
	t.Helper()
	u, err := ids.ParseUserId(s)
	if err != nil {
		t.Fatalf("ParseUserId(%q): %v", s, err)
	}
	return u
}

func mustOccupant(t *testing.T, s string) ids.OccupantId {
	t.Helper()
	o, err := ids.ParseOccupantId(s)
	if err != nil {
		t.Fatalf("ParseOccupantId(%q): %v", s, err)
	}
	return o
}

// TestSendReaction is the literal scenario from spec §8: a remote user
// reacts 👍 to a message sent by the local user, addressed by the message's
// stanza-id rather than its client-assigned id.
func TestSendReaction(t *testing.T) {
	local := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	remote := mustUser(t, "remote@x.org")
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	deltas := []MessageLike{
		{
			RemoteId:  "m1",
			StanzaId:  "s1",
			From:      local,
			Timestamp: base,
			Kind:      Body,
			Body:      "hi",
		},
		{
			From:      ids.ParticipantIdFromUser(remote),
			Timestamp: base.Add(time.Second),
			Kind:      Reaction,
			Target:    ids.TargetFromStanzaId("s1"),
			Emojis:    []string{"👍"},
		},
	}

	out := Reduce(deltas)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	msg := out[0]
	if msg.Id == nil || string(*msg.Id) != "m1" {
		t.Fatalf("expected id m1, got %v", msg.Id)
	}
	if msg.Body != "hi" {
		t.Fatalf("expected body %q, got %q", "hi", msg.Body)
	}
	if len(msg.Reactions) != 1 || msg.Reactions[0].Emoji != "👍" {
		t.Fatalf("expected one 👍 reaction group, got %v", msg.Reactions)
	}
	if len(msg.Reactions[0].From) != 1 || msg.Reactions[0].From[0].String() != remote.String() {
		t.Fatalf("expected reaction from %s, got %v", remote, msg.Reactions[0].From)
	}
}

// TestEditThenRetract is the literal scenario from spec §8.
func TestEditThenRetract(t *testing.T) {
	from := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	deltas := []MessageLike{
		{RemoteId: "m1", From: from, Timestamp: base, Kind: Body, Body: "A"},
		{From: from, Timestamp: base.Add(time.Second), Kind: Correction, Target: ids.TargetFromMessageId("m1"), Body: "B"},
		{From: from, Timestamp: base.Add(2 * time.Second), Kind: Retraction, Target: ids.TargetFromMessageId("m1")},
	}

	out := Reduce(deltas)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	msg := out[0]
	if msg.Id == nil || string(*msg.Id) != "m1" {
		t.Fatalf("expected id m1, got %v", msg.Id)
	}
	if msg.Body != "" {
		t.Fatalf("expected empty body after retraction, got %q", msg.Body)
	}
	if !msg.IsEdited {
		t.Fatalf("expected is_edited=true")
	}
	if !msg.IsRetracted {
		t.Fatalf("expected is_retracted=true")
	}
}

// TestCorrectionIgnoresWrongSender ensures a correction from someone other
// than the original author is dropped, per spec §4.4.
func TestCorrectionIgnoresWrongSender(t *testing.T) {
	author := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	other := ids.ParticipantIdFromUser(mustUser(t, "someone-else@x.org"))
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	deltas := []MessageLike{
		{RemoteId: "m1", From: author, Timestamp: base, Kind: Body, Body: "original"},
		{From: other, Timestamp: base.Add(time.Second), Kind: Correction, Target: ids.TargetFromMessageId("m1"), Body: "hijacked"},
	}

	out := Reduce(deltas)
	if out[0].Body != "original" || out[0].IsEdited {
		t.Fatalf("expected correction from non-author to be ignored, got %+v", out[0])
	}
}

// TestReactionReplacesNotAdds checks XEP-0444 per-sender replace semantics:
// a second reaction from the same sender replaces, not augments, their set.
func TestReactionReplacesNotAdds(t *testing.T) {
	author := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	remote := ids.ParticipantIdFromUser(mustUser(t, "remote@x.org"))
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	deltas := []MessageLike{
		{RemoteId: "m1", From: author, Timestamp: base, Kind: Body, Body: "hi"},
		{From: remote, Timestamp: base.Add(time.Second), Kind: Reaction, Target: ids.TargetFromMessageId("m1"), Emojis: []string{"👍", "🎉"}},
		{From: remote, Timestamp: base.Add(2 * time.Second), Kind: Reaction, Target: ids.TargetFromMessageId("m1"), Emojis: []string{"❤️"}},
	}

	out := Reduce(deltas)
	if len(out[0].Reactions) != 1 || out[0].Reactions[0].Emoji != "❤️" {
		t.Fatalf("expected only ❤️ to survive the replace, got %v", out[0].Reactions)
	}
}

// TestReactionFromOccupantPreservesIdentity guards against collapsing a MUC
// occupant's reaction into the room's own bare JID.
func TestReactionFromOccupantPreservesIdentity(t *testing.T) {
	author := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	occupant := ids.ParticipantIdFromOccupant(mustOccupant(t, "team@muc.x.org/alice"))
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	deltas := []MessageLike{
		{RemoteId: "m1", From: author, Timestamp: base, Kind: Body, Body: "hi"},
		{From: occupant, Timestamp: base.Add(time.Second), Kind: Reaction, Target: ids.TargetFromMessageId("m1"), Emojis: []string{"👍"}},
	}

	out := Reduce(deltas)
	if len(out[0].Reactions) != 1 || len(out[0].Reactions[0].From) != 1 {
		t.Fatalf("expected one reaction from the occupant, got %v", out[0].Reactions)
	}
	if out[0].Reactions[0].From[0].String() != "team@muc.x.org/alice" {
		t.Fatalf("expected occupant identity preserved, got %s", out[0].Reactions[0].From[0].String())
	}
}

// TestReadMarkerMarksPriorMessages checks "past messages whose id <= target
// become is_read=true" (spec §4.4) against the timestamp-ordered log.
func TestReadMarkerMarksPriorMessages(t *testing.T) {
	from := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	deltas := []MessageLike{
		{RemoteId: "m1", From: from, Timestamp: base, Kind: Body, Body: "one"},
		{RemoteId: "m2", From: from, Timestamp: base.Add(time.Second), Kind: Body, Body: "two"},
		{RemoteId: "m3", From: from, Timestamp: base.Add(2 * time.Second), Kind: Body, Body: "three"},
		{From: from, Timestamp: base.Add(3 * time.Second), Kind: ReadMarker, Target: ids.TargetFromMessageId("m2")},
	}

	out := Reduce(deltas)
	byId := map[string]Message{}
	for _, m := range out {
		byId[string(*m.Id)] = m
	}
	if !byId["m1"].IsRead || !byId["m2"].IsRead {
		t.Fatalf("expected m1 and m2 marked read")
	}
	if byId["m3"].IsRead {
		t.Fatalf("expected m3 (after the marker) to remain unread")
	}
}

// TestReduceIsDeterministicUnderPermutation locks in spec §8's property:
// any ordering of the same delta multiset reduces to a byte-identical
// result, as long as members agree on (timestamp, server_id).
func TestReduceIsDeterministicUnderPermutation(t *testing.T) {
	author := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	remote := ids.ParticipantIdFromUser(mustUser(t, "remote@x.org"))
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	deltas := []MessageLike{
		{RemoteId: "m1", From: author, Timestamp: base, Kind: Body, Body: "hi"},
		{From: author, Timestamp: base.Add(time.Second), Kind: Correction, Target: ids.TargetFromMessageId("m1"), Body: "hi there"},
		{From: remote, Timestamp: base.Add(2 * time.Second), Kind: Reaction, Target: ids.TargetFromMessageId("m1"), Emojis: []string{"👍"}},
		{From: remote, Timestamp: base.Add(3 * time.Second), Kind: DeliveryReceipt, Target: ids.TargetFromMessageId("m1")},
		{RemoteId: "m2", From: remote, Timestamp: base.Add(4 * time.Second), Kind: Body, Body: "yo"},
	}

	want := Reduce(deltas)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]MessageLike(nil), deltas...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Reduce(shuffled)
		if len(got) != len(want) {
			t.Fatalf("permutation %d: length mismatch: got %d want %d", i, len(got), len(want))
		}
		for j := range want {
			if !sameMessage(got[j], want[j]) {
				t.Fatalf("permutation %d: message %d mismatch:\n got  %+v\n want %+v", i, j, got[j], want[j])
			}
		}
	}
}

func sameMessage(a, b Message) bool {
	if (a.Id == nil) != (b.Id == nil) || (a.Id != nil && *a.Id != *b.Id) {
		return false
	}
	if a.Body != b.Body || a.IsEdited != b.IsEdited || a.IsRead != b.IsRead ||
		a.IsDelivered != b.IsDelivered || a.IsRetracted != b.IsRetracted {
		return false
	}
	if len(a.Reactions) != len(b.Reactions) {
		return false
	}
	for i := range a.Reactions {
		if a.Reactions[i].Emoji != b.Reactions[i].Emoji {
			return false
		}
		if len(a.Reactions[i].From) != len(b.Reactions[i].From) {
			return false
		}
		for j := range a.Reactions[i].From {
			if a.Reactions[i].From[j].String() != b.Reactions[i].From[j].String() {
				return false
			}
		}
	}
	return true
}

// TestStoreIdempotentInsert checks the message-idempotence property of
// spec §8: inserting the same delta twice leaves the store unchanged.
func TestStoreIdempotentInsert(t *testing.T) {
	room := ids.RoomIdFromMuc(mustRoom(t))
	store := NewStore()
	from := ids.ParticipantIdFromUser(mustUser(t, "me@x.org"))
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	delta := MessageLike{RemoteId: "m1", From: from, Timestamp: base, Kind: Body, Body: "hi"}

	if !store.Insert(room, delta) {
		t.Fatalf("expected first insert to report new")
	}
	if store.Insert(room, delta) {
		t.Fatalf("expected duplicate insert to report not-new")
	}
	if store.DeltaCount(room) != 1 {
		t.Fatalf("expected exactly one stored delta, got %d", store.DeltaCount(room))
	}
	if len(store.Room(room)) != 1 {
		t.Fatalf("expected exactly one reduced message")
	}
}

func mustRoom(t *testing.T) ids.MucId {
	t.Helper()
	m, err := ids.ParseMucId("team@muc.x.org")
	if err != nil {
		t.Fatalf("ParseMucId: %v", err)
	}
	return m
}
