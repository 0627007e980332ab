package events

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/messages"
)

// Parse decodes one buffered top-level stanza (name is "message",
// "presence" or "iq"; raw is the self-contained XML document
// internal/xmppconn.bufferElement produces) into zero or more ServerEvents.
// Every extension gets its own decode step, and the result flows through
// the same handler queue regardless of which one fired.
//
// selfRoom reports whether roomId names a room the local client already
// knows is a MUC, so a bare "from" can be resolved to a participant
// (occupant nickname vs. bare user) the way spec §3's ParticipantId union
// requires; parser.go has no access to the room repository itself, so the
// caller (pkg/client) supplies this as a closure over its own state.
type RoomKindLookup func(room ids.RoomId) (isMuc bool)

func Parse(name, from, to, id, typ string, raw []byte, isMucRoom RoomKindLookup) ([]ServerEvent, error) {
	switch name {
	case "message":
		return parseMessage(from, typ, raw, isMucRoom)
	case "presence":
		return parsePresence(from, typ, raw, isMucRoom)
	case "iq":
		return parseIQ(from, id, typ, raw)
	default:
		return nil, fmt.Errorf("events: unknown stanza name %q", name)
	}
}

func participantFrom(from string, roomId ids.RoomId, isMucRoom RoomKindLookup) (ids.ParticipantId, error) {
	if isMucRoom != nil && isMucRoom(roomId) {
		occ, err := ids.ParseOccupantId(from)
		if err != nil {
			return ids.ParticipantId{}, fmt.Errorf("events: invalid occupant jid %q: %w", from, err)
		}
		return ids.ParticipantIdFromOccupant(occ), nil
	}
	u, err := ids.ParseUserId(from)
	if err != nil {
		return ids.ParticipantId{}, fmt.Errorf("events: invalid user jid %q: %w", from, err)
	}
	return ids.ParticipantIdFromUser(u), nil
}

func roomIdFromAddress(addr string, isMucRoom RoomKindLookup) (ids.RoomId, error) {
	bareUser, err := ids.ParseUserId(addr)
	if err == nil {
		userRoom := ids.RoomIdFromUser(bareUser)
		if isMucRoom == nil || !isMucRoom(userRoom) {
			return userRoom, nil
		}
	}
	m, err := ids.ParseMucId(addr)
	if err != nil {
		return ids.RoomId{}, fmt.Errorf("events: invalid room address %q: %w", addr, err)
	}
	return ids.RoomIdFromMuc(m), nil
}

// --- message ---

type messageStanza struct {
	XMLName xml.Name `xml:"message"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`

	Body     string `xml:"body"`
	Subject  string `xml:"subject"`
	Thread   string `xml:"thread"`

	Delay *struct {
		Stamp string `xml:"stamp,attr"`
	} `xml:"urn:xmpp:delay delay"`

	StanzaId *struct {
		Id string `xml:"id,attr"`
		By string `xml:"by,attr"`
	} `xml:"urn:xmpp:sid:0 stanza-id"`

	Received *struct {
		Id string `xml:"id,attr"`
	} `xml:"urn:xmpp:receipts received"`

	Displayed *struct {
		Id string `xml:"id,attr"`
	} `xml:"urn:xmpp:chat-markers:0 displayed"`

	Replace *struct {
		Id string `xml:"id,attr"`
	} `xml:"urn:xmpp:message-correct:0 replace"`

	Reactions *struct {
		Id        string   `xml:"id,attr"`
		Reaction  []string `xml:"urn:xmpp:reactions:0 reaction"`
	} `xml:"urn:xmpp:reactions:0 reactions"`

	ApplyTo *struct {
		Id      string `xml:"id,attr"`
		Retract *struct {
		} `xml:"urn:xmpp:message-retract:1 retract"`
	} `xml:"urn:xmpp:fasten:0 apply-to"`

	ChatStateActive   *struct{} `xml:"http://jabber.org/protocol/chatstates active"`
	ChatStateComposing *struct{} `xml:"http://jabber.org/protocol/chatstates composing"`
	ChatStatePaused   *struct{} `xml:"http://jabber.org/protocol/chatstates paused"`
	ChatStateGone     *struct{} `xml:"http://jabber.org/protocol/chatstates gone"`
	ChatStateInactive *struct{} `xml:"http://jabber.org/protocol/chatstates inactive"`

	Encrypted *struct{} `xml:"eu.siacs.conversations.axolotl encrypted"`

	Result *mamResult `xml:"urn:xmpp:mam:2 result"`
}

type mamResult struct {
	QueryId   string `xml:"queryid,attr"`
	Id        string `xml:"id,attr"`
	Forwarded struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"urn:xmpp:forward:0 forwarded"`
}

func parseMessage(from, typ string, raw []byte, isMucRoom RoomKindLookup) ([]ServerEvent, error) {
	var m messageStanza
	if err := xml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("events: decoding message: %w", err)
	}

	if m.Result != nil {
		return parseMamResult(m.Result, isMucRoom)
	}

	roomId, err := roomIdFromAddress(from, isMucRoom)
	if err != nil {
		return nil, err
	}
	participant, err := participantFrom(from, roomId, isMucRoom)
	if err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	if m.Delay != nil {
		if parsed, err := time.Parse(time.RFC3339, m.Delay.Stamp); err == nil {
			ts = parsed
		}
	}

	var out []ServerEvent

	switch {
	case m.Reactions != nil:
		out = append(out, messageEvent(messages.MessageLike{
			RemoteId:  ids.MessageRemoteId(m.ID),
			From:      participant,
			Timestamp: ts,
			Kind:      messages.Reaction,
			Target:    ids.TargetFromMessageId(ids.MessageId(m.Reactions.Id)),
			Emojis:    m.Reactions.Reaction,
		}, roomId, MessageReaction))

	case m.ApplyTo != nil && m.ApplyTo.Retract != nil:
		out = append(out, messageEvent(messages.MessageLike{
			RemoteId:  ids.MessageRemoteId(m.ID),
			From:      participant,
			Timestamp: ts,
			Kind:      messages.Retraction,
			Target:    ids.TargetFromMessageId(ids.MessageId(m.ApplyTo.Id)),
		}, roomId, MessageRetraction))

	case m.Replace != nil && m.Body != "":
		out = append(out, messageEvent(messages.MessageLike{
			RemoteId:  ids.MessageRemoteId(m.ID),
			From:      participant,
			Timestamp: ts,
			Kind:      messages.Correction,
			Target:    ids.TargetFromMessageId(ids.MessageId(m.Replace.Id)),
			Body:      m.Body,
		}, roomId, MessageCorrection))

	case m.Body != "":
		like := messages.MessageLike{
			RemoteId:  ids.MessageRemoteId(m.ID),
			From:      participant,
			Timestamp: ts,
			Kind:      messages.Body,
			Body:      m.Body,
			DecryptionFailed: m.Encrypted != nil,
		}
		if m.StanzaId != nil {
			like.StanzaId = ids.StanzaId(m.StanzaId.Id)
		}
		out = append(out, messageEvent(like, roomId, MessageReceived))
	}

	if m.Received != nil {
		out = append(out, messageEvent(messages.MessageLike{
			RemoteId:  ids.MessageRemoteId(m.ID),
			From:      participant,
			Timestamp: ts,
			Kind:      messages.DeliveryReceipt,
			Target:    ids.TargetFromMessageId(ids.MessageId(m.Received.Id)),
		}, roomId, MessageDeliveryReceipt))
	}
	if m.Displayed != nil {
		out = append(out, messageEvent(messages.MessageLike{
			RemoteId:  ids.MessageRemoteId(m.ID),
			From:      participant,
			Timestamp: ts,
			Kind:      messages.ReadMarker,
			Target:    ids.TargetFromMessageId(ids.MessageId(m.Displayed.Id)),
		}, roomId, MessageReadMarker))
	}

	switch {
	case m.ChatStateComposing != nil:
		out = append(out, ServerEvent{Kind: KindMessage, Message: &MessageEvent{
			Type: MessageComposing, RoomId: roomId,
			Message: ChatState{Participant: participant, Composing: true},
		}})
	case m.ChatStateActive != nil, m.ChatStatePaused != nil, m.ChatStateGone != nil, m.ChatStateInactive != nil:
		out = append(out, ServerEvent{Kind: KindMessage, Message: &MessageEvent{
			Type: MessageComposing, RoomId: roomId,
			Message: ChatState{Participant: participant, Composing: false},
		}})
	}

	return out, nil
}

// ChatState is the payload of a MessageComposing event: who, and whether
// they are now composing or have stopped (XEP-0085's five states collapse
// to this boolean per spec §4.7's ComposingUsersChanged).
type ChatState struct {
	Participant ids.ParticipantId
	Composing   bool
}

func messageEvent(like messages.MessageLike, roomId ids.RoomId, typ MessageEventType) ServerEvent {
	return ServerEvent{Kind: KindMessage, Message: &MessageEvent{Type: typ, RoomId: roomId, Message: &like}}
}

// parseMamResult re-parses the <message/> a MAM <result/> forwards. The
// forwarded element's innerxml mixes an optional <delay/> with the message
// itself; extractForwardedMessage walks it token-by-token to recover the
// message's own attributes (crucially "from", lost if decoded only via
// innerxml) and re-serializes just that subtree, the same buffering trick
// internal/xmppconn uses on the live stream — duplicated in miniature here
// rather than imported, so this package stays parseable from any raw XML
// source and not only from a live xmppconn.Conn.
func parseMamResult(result *mamResult, isMucRoom RoomKindLookup) ([]ServerEvent, error) {
	from, delayStamp, raw, err := extractForwardedMessage(result.Forwarded.Inner)
	if err != nil {
		return nil, fmt.Errorf("events: decoding MAM-forwarded message: %w", err)
	}
	inner, err := parseMessage(from, "", raw, isMucRoom)
	if err != nil {
		return nil, err
	}

	var archiveTs time.Time
	if delayStamp != "" {
		if parsed, err := time.Parse(time.RFC3339, delayStamp); err == nil {
			archiveTs = parsed
		}
	}

	for i := range inner {
		if inner[i].Kind != KindMessage || inner[i].Message == nil {
			continue
		}
		inner[i].Message.Type = MessageArchive
		if like, ok := inner[i].Message.Message.(*messages.MessageLike); ok && !archiveTs.IsZero() {
			like.Timestamp = archiveTs
		}
	}
	return inner, nil
}

// extractForwardedMessage walks a <forwarded/> element's inner XML looking
// for the sibling XEP-0203 <delay/> stamp (the forwarded message's own
// <delay/>, if any, takes precedence once re-parsed by parseMessage) and the
// <message/> subtree itself, re-serialized standalone so its own "from"
// attribute survives re-parsing.
func extractForwardedMessage(doc []byte) (from, delayStamp string, raw []byte, err error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", "", nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "delay" {
			for _, attr := range start.Attr {
				if attr.Name.Local == "stamp" {
					delayStamp = attr.Value
				}
			}
			continue
		}
		if start.Name.Local != "message" {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "from" {
				from = attr.Value
			}
		}

		var buf bytes.Buffer
		enc := xml.NewEncoder(&buf)
		if err := enc.EncodeToken(start); err != nil {
			return "", "", nil, err
		}
		depth := 1
		for depth > 0 {
			t, err := dec.Token()
			if err != nil {
				return "", "", nil, err
			}
			if err := enc.EncodeToken(t); err != nil {
				return "", "", nil, err
			}
			switch t.(type) {
			case xml.StartElement:
				depth++
			case xml.EndElement:
				depth--
			}
		}
		if err := enc.Flush(); err != nil {
			return "", "", nil, err
		}
		return from, delayStamp, buf.Bytes(), nil
	}
}

// --- presence ---

type presenceStanza struct {
	XMLName xml.Name `xml:"presence"`
	Type    string   `xml:"type,attr"`

	Show     string `xml:"show"`
	Status   string `xml:"status"`
	Priority string `xml:"priority"`

	MucUser *struct {
		Item *struct {
			Affiliation string `xml:"affiliation,attr"`
			Role        string `xml:"role,attr"`
			Jid         string `xml:"jid,attr"`
		} `xml:"item"`
		Status []struct {
			Code int `xml:"code,attr"`
		} `xml:"status"`
	} `xml:"http://jabber.org/protocol/muc#user x"`
}

func parsePresence(from, typ string, raw []byte, isMucRoom RoomKindLookup) ([]ServerEvent, error) {
	var p presenceStanza
	if err := xml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("events: decoding presence: %w", err)
	}

	if p.MucUser != nil {
		roomId, err := roomIdFromAddress(from, isMucRoom)
		if err != nil {
			return nil, err
		}
		participant, err := participantFrom(from, roomId, isMucRoom)
		if err != nil {
			return nil, err
		}
		info := &ParticipantInfo{Available: p.Type != "unavailable"}
		if p.MucUser.Item != nil {
			info.Affiliation = p.MucUser.Item.Affiliation
			info.Role = p.MucUser.Item.Role
			info.RealJID = p.MucUser.Item.Jid
		}
		for _, s := range p.MucUser.Status {
			info.StatusCodes = append(info.StatusCodes, s.Code)
		}
		return []ServerEvent{{Kind: KindRoom, Room: &RoomEvent{
			RoomId: roomId, Type: RoomParticipantChanged, ParticipantId: participant, Participant: info,
		}}}, nil
	}

	user, err := ids.ParseUserId(from)
	if err != nil {
		return nil, fmt.Errorf("events: invalid presence from %q: %w", from, err)
	}

	if p.Type == "subscribe" {
		return []ServerEvent{{Kind: KindContactList, ContactList: &ContactListEvent{
			ContactId: user, Type: ContactSubRequested,
		}}}, nil
	}

	var priority int8
	if p.Priority != "" {
		if n, err := strconv.Atoi(p.Priority); err == nil {
			priority = int8(n)
		}
	}

	resource := ""
	if fullJID, err := jid.Parse(from); err == nil {
		resource = fullJID.Resourcepart()
	}

	return []ServerEvent{{Kind: KindUserInfo, UserInfo: &UserInfoEvent{
		UserId: user,
		Type:   PresenceChanged,
		Presence: &PresencePayload{
			Resource:  resource,
			Available: p.Type != "unavailable",
			Show:      p.Show,
			Status:    p.Status,
			Priority:  priority,
		},
	}}}, nil
}

// --- iq ---

type iqStanza struct {
	XMLName xml.Name `xml:"iq"`
	Type    string   `xml:"type,attr"`

	Ping *struct{} `xml:"urn:xmpp:ping ping"`

	DiscoInfo *struct{} `xml:"http://jabber.org/protocol/disco#info query"`

	RosterQuery *struct {
		Item []rosterItem `xml:"item"`
	} `xml:"jabber:iq:roster query"`

	Block *struct {
		Item []struct {
			Jid string `xml:"jid,attr"`
		} `xml:"item"`
	} `xml:"urn:xmpp:blocking block"`

	Unblock *struct {
		Item []struct {
			Jid string `xml:"jid,attr"`
		} `xml:"item"`
	} `xml:"urn:xmpp:blocking unblock"`
}

type rosterItem struct {
	Jid          string `xml:"jid,attr"`
	Name         string `xml:"name,attr"`
	Subscription string `xml:"subscription,attr"`
}

func parseIQ(from, id, typ string, raw []byte) ([]ServerEvent, error) {
	var iq iqStanza
	if err := xml.Unmarshal(raw, &iq); err != nil {
		return nil, fmt.Errorf("events: decoding iq: %w", err)
	}

	if typ != "get" && typ != "set" {
		// result/error IQs are correlator replies, not parser-level events.
		return nil, nil
	}

	var requester ids.UserResourceId
	if j, err := jid.Parse(from); err == nil {
		requester = ids.NewUserResourceId(j)
	}

	var out []ServerEvent
	switch {
	case iq.Ping != nil:
		out = append(out, ServerEvent{Kind: KindRequest, Request: &RequestEvent{Kind: RequestPing, From: requester, IQId: id}})
	case iq.DiscoInfo != nil:
		out = append(out, ServerEvent{Kind: KindRequest, Request: &RequestEvent{Kind: RequestDiscoInfo, From: requester, IQId: id}})
	case iq.RosterQuery != nil:
		for _, item := range iq.RosterQuery.Item {
			u, err := ids.ParseUserId(item.Jid)
			if err != nil {
				continue
			}
			t := ContactAdded
			if item.Subscription == "remove" {
				t = ContactRemoved
			}
			out = append(out, ServerEvent{Kind: KindContactList, ContactList: &ContactListEvent{
				ContactId: u, Type: t, Name: item.Name,
			}})
		}
	case iq.Block != nil:
		for _, item := range iq.Block.Item {
			u, err := ids.ParseUserId(item.Jid)
			if err != nil {
				continue
			}
			out = append(out, ServerEvent{Kind: KindBlockList, BlockList: &BlockListEvent{Type: UserBlocked, UserId: u}})
		}
	case iq.Unblock != nil:
		if len(iq.Unblock.Item) == 0 {
			out = append(out, ServerEvent{Kind: KindBlockList, BlockList: &BlockListEvent{Type: BlockListCleared}})
			break
		}
		for _, item := range iq.Unblock.Item {
			u, err := ids.ParseUserId(item.Jid)
			if err != nil {
				continue
			}
			out = append(out, ServerEvent{Kind: KindBlockList, BlockList: &BlockListEvent{Type: UserUnblocked, UserId: u}})
		}
	}
	return out, nil
}
