package events

import (
	"testing"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/messages"
)

func noMuc(ids.RoomId) bool { return false }

// mucRoom returns a lookup that reports true for any RoomId whose bare JID
// matches target's, independent of target's own Kind — mirroring how a real
// lookup must compare (roomIdFromAddress probes with a tentatively-built
// RoomIdUser candidate before it knows the address is actually a MUC).
func mucRoom(target ids.RoomId) RoomKindLookup {
	return func(r ids.RoomId) bool { return r.JID().String() == target.JID().String() }
}

func TestParseMessageBody(t *testing.T) {
	raw := []byte(`<message from="alice@example.com/phone" to="bob@example.com" id="m1" type="chat"><body>hello</body></message>`)
	out, err := Parse("message", "alice@example.com/phone", "bob@example.com", "", "chat", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Kind != KindMessage {
		t.Fatalf("expected one message event, got %+v", out)
	}
	ev := out[0].Message
	if ev.Type != MessageReceived {
		t.Fatalf("expected MessageReceived, got %v", ev.Type)
	}
	like, ok := ev.Message.(*messages.MessageLike)
	if !ok {
		t.Fatalf("expected *messages.MessageLike, got %T", ev.Message)
	}
	if like.Body != "hello" || like.Kind != messages.Body {
		t.Fatalf("unexpected message like: %+v", like)
	}
}

func TestParseMessageCorrection(t *testing.T) {
	raw := []byte(`<message from="alice@example.com" to="bob@example.com" id="m2" type="chat">` +
		`<body>fixed</body><replace id="m1" xmlns="urn:xmpp:message-correct:0"/></message>`)
	out, err := Parse("message", "alice@example.com", "bob@example.com", "", "chat", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Message.Type != MessageCorrection {
		t.Fatalf("expected correction event, got %+v", out)
	}
	like := out[0].Message.Message.(*messages.MessageLike)
	if like.Target.String() != "m1" || like.Body != "fixed" {
		t.Fatalf("unexpected correction payload: %+v", like)
	}
}

func TestParseMessageRetraction(t *testing.T) {
	raw := []byte(`<message from="alice@example.com" to="bob@example.com" id="m3" type="chat">` +
		`<apply-to id="m1" xmlns="urn:xmpp:fasten:0"><retract xmlns="urn:xmpp:message-retract:1"/></apply-to></message>`)
	out, err := Parse("message", "alice@example.com", "bob@example.com", "", "chat", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Message.Type != MessageRetraction {
		t.Fatalf("expected retraction event, got %+v", out)
	}
	like := out[0].Message.Message.(*messages.MessageLike)
	if like.Target.String() != "m1" {
		t.Fatalf("expected retraction to target m1, got %q", like.Target.String())
	}
}

func TestParseMessageReaction(t *testing.T) {
	raw := []byte(`<message from="alice@example.com" to="bob@example.com" id="m4" type="chat">` +
		`<reactions id="m1" xmlns="urn:xmpp:reactions:0"><reaction>👍</reaction><reaction>🎉</reaction></reactions></message>`)
	out, err := Parse("message", "alice@example.com", "bob@example.com", "", "chat", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Message.Type != MessageReaction {
		t.Fatalf("expected reaction event, got %+v", out)
	}
	like := out[0].Message.Message.(*messages.MessageLike)
	if len(like.Emojis) != 2 || like.Emojis[0] != "👍" || like.Emojis[1] != "🎉" {
		t.Fatalf("unexpected emoji set: %+v", like.Emojis)
	}
}

func TestParseMessageReceiptAndReadMarker(t *testing.T) {
	raw := []byte(`<message from="alice@example.com" to="bob@example.com" id="m5" type="chat">` +
		`<received id="m1" xmlns="urn:xmpp:receipts"/>` +
		`<displayed id="m2" xmlns="urn:xmpp:chat-markers:0"/></message>`)
	out, err := Parse("message", "alice@example.com", "bob@example.com", "", "chat", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected receipt + read-marker events, got %d", len(out))
	}
	if out[0].Message.Type != MessageDeliveryReceipt || out[1].Message.Type != MessageReadMarker {
		t.Fatalf("unexpected event order/types: %+v", out)
	}
}

func TestParseMessageChatState(t *testing.T) {
	composing := []byte(`<message from="alice@example.com" to="bob@example.com" type="chat">` +
		`<composing xmlns="http://jabber.org/protocol/chatstates"/></message>`)
	out, err := Parse("message", "alice@example.com", "bob@example.com", "", "chat", composing, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Message.Type != MessageComposing {
		t.Fatalf("expected composing event, got %+v", out)
	}
	state := out[0].Message.Message.(ChatState)
	if !state.Composing {
		t.Fatalf("expected Composing=true")
	}

	paused := []byte(`<message from="alice@example.com" to="bob@example.com" type="chat">` +
		`<paused xmlns="http://jabber.org/protocol/chatstates"/></message>`)
	out, err = Parse("message", "alice@example.com", "bob@example.com", "", "chat", paused, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	state = out[0].Message.Message.(ChatState)
	if state.Composing {
		t.Fatalf("expected Composing=false for paused")
	}
}

func TestParseMamForwardedMessage(t *testing.T) {
	raw := []byte(`<message from="archive.example.com" to="bob@example.com" type="">` +
		`<result xmlns="urn:xmpp:mam:2" queryid="q1" id="arc1">` +
		`<forwarded xmlns="urn:xmpp:forward:0">` +
		`<delay xmlns="urn:xmpp:delay" stamp="2024-01-02T03:04:05Z"/>` +
		`<message from="alice@example.com/phone" to="bob@example.com" id="m9" type="chat"><body>archived</body></message>` +
		`</forwarded></result></message>`)
	out, err := Parse("message", "archive.example.com", "bob@example.com", "", "", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Message.Type != MessageArchive {
		t.Fatalf("expected archive event, got %+v", out)
	}
	like := out[0].Message.Message.(*messages.MessageLike)
	if like.Body != "archived" {
		t.Fatalf("expected recovered body, got %+v", like)
	}
	if like.From.String() != "alice@example.com" {
		t.Fatalf("expected from recovered as alice@example.com, got %q", like.From.String())
	}
	if like.Timestamp.Year() != 2024 {
		t.Fatalf("expected delay stamp to be used as timestamp, got %v", like.Timestamp)
	}
}

func TestParsePresencePlainContact(t *testing.T) {
	raw := []byte(`<presence from="alice@example.com/phone" to="bob@example.com">` +
		`<show>away</show><status>brb</status><priority>5</priority></presence>`)
	out, err := Parse("presence", "alice@example.com/phone", "bob@example.com", "", "", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Kind != KindUserInfo {
		t.Fatalf("expected user info event, got %+v", out)
	}
	p := out[0].UserInfo.Presence
	if p == nil || !p.Available || p.Show != "away" || p.Status != "brb" || p.Priority != 5 || p.Resource != "phone" {
		t.Fatalf("unexpected presence payload: %+v", p)
	}
}

func TestParsePresenceUnavailable(t *testing.T) {
	raw := []byte(`<presence from="alice@example.com/phone" to="bob@example.com" type="unavailable"/>`)
	out, err := Parse("presence", "alice@example.com/phone", "bob@example.com", "", "unavailable", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out[0].UserInfo.Presence.Available {
		t.Fatalf("expected Available=false for unavailable presence")
	}
}

func TestParsePresenceSubscriptionRequest(t *testing.T) {
	raw := []byte(`<presence from="alice@example.com" to="bob@example.com" type="subscribe"/>`)
	out, err := Parse("presence", "alice@example.com", "bob@example.com", "", "subscribe", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Kind != KindContactList || out[0].ContactList.Type != ContactSubRequested {
		t.Fatalf("expected subscription request event, got %+v", out)
	}
}

func TestParsePresenceMucOccupant(t *testing.T) {
	room := mustMucRoom(t, "room@conference.example.com")
	raw := []byte(`<presence from="room@conference.example.com/nick" to="bob@example.com">` +
		`<x xmlns="http://jabber.org/protocol/muc#user">` +
		`<item affiliation="member" role="participant" jid="alice@example.com/phone"/>` +
		`<status code="110"/></x></presence>`)
	out, err := Parse("presence", "room@conference.example.com/nick", "bob@example.com", "", "", raw, mucRoom(room))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Kind != KindRoom || out[0].Room.Type != RoomParticipantChanged {
		t.Fatalf("expected room participant event, got %+v", out)
	}
	info := out[0].Room.Participant
	if info.Affiliation != "member" || info.Role != "participant" || info.RealJID != "alice@example.com/phone" {
		t.Fatalf("unexpected participant info: %+v", info)
	}
	if len(info.StatusCodes) != 1 || info.StatusCodes[0] != 110 {
		t.Fatalf("expected status code 110, got %+v", info.StatusCodes)
	}
}

func mustMucRoom(t *testing.T, addr string) ids.RoomId {
	t.Helper()
	m, err := ids.ParseMucId(addr)
	if err != nil {
		t.Fatalf("ParseMucId(%q): %v", addr, err)
	}
	return ids.RoomIdFromMuc(m)
}

func TestParseIQPing(t *testing.T) {
	raw := []byte(`<iq type="get" id="p1"><ping xmlns="urn:xmpp:ping"/></iq>`)
	out, err := Parse("iq", "example.com", "bob@example.com", "p1", "get", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Kind != KindRequest || out[0].Request.Kind != RequestPing {
		t.Fatalf("expected ping request event, got %+v", out)
	}
	if out[0].Request.IQId != "p1" {
		t.Fatalf("expected IQId to be carried through, got %q", out[0].Request.IQId)
	}
}

func TestParseIQDiscoInfo(t *testing.T) {
	raw := []byte(`<iq type="get" id="d1"><query xmlns="http://jabber.org/protocol/disco#info"/></iq>`)
	out, err := Parse("iq", "example.com", "bob@example.com", "d1", "get", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Request.Kind != RequestDiscoInfo {
		t.Fatalf("expected disco#info request event, got %+v", out)
	}
}

func TestParseIQRosterPush(t *testing.T) {
	raw := []byte(`<iq type="set" id="r1"><query xmlns="jabber:iq:roster">` +
		`<item jid="carol@example.com" name="Carol" subscription="both"/></query></iq>`)
	out, err := Parse("iq", "bob@example.com", "bob@example.com", "r1", "set", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].Kind != KindContactList || out[0].ContactList.Type != ContactAdded {
		t.Fatalf("expected contact added event, got %+v", out)
	}
	if out[0].ContactList.Name != "Carol" {
		t.Fatalf("expected contact name Carol, got %q", out[0].ContactList.Name)
	}
}

func TestParseIQRosterRemove(t *testing.T) {
	raw := []byte(`<iq type="set" id="r2"><query xmlns="jabber:iq:roster">` +
		`<item jid="carol@example.com" subscription="remove"/></query></iq>`)
	out, err := Parse("iq", "bob@example.com", "bob@example.com", "r2", "set", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].ContactList.Type != ContactRemoved {
		t.Fatalf("expected contact removed event, got %+v", out)
	}
}

func TestParseIQBlockUnblock(t *testing.T) {
	block := []byte(`<iq type="set" id="b1"><block xmlns="urn:xmpp:blocking"><item jid="carol@example.com"/></block></iq>`)
	out, err := Parse("iq", "bob@example.com", "bob@example.com", "b1", "set", block, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].BlockList.Type != UserBlocked {
		t.Fatalf("expected user-blocked event, got %+v", out)
	}

	unblockAll := []byte(`<iq type="set" id="b2"><unblock xmlns="urn:xmpp:blocking"/></iq>`)
	out, err = Parse("iq", "bob@example.com", "bob@example.com", "b2", "set", unblockAll, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 1 || out[0].BlockList.Type != BlockListCleared {
		t.Fatalf("expected block list cleared event, got %+v", out)
	}
}

func TestParseIQResultProducesNoEvents(t *testing.T) {
	raw := []byte(`<iq type="result" id="p1"/>`)
	out, err := Parse("iq", "example.com", "bob@example.com", "p1", "result", raw, noMuc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no events for a result IQ, got %+v", out)
	}
}
