// Package client assembles the wire-facing pieces — internal/xmppconn,
// internal/correlator, internal/events, internal/handlers — into the
// runnable account the rest of the core domain packages (internal/rooms,
// internal/messages, internal/omemo, internal/userinfo) were built against
// as narrow interfaces, generalized from one fixed callback set to the full
// stanza surface spec.md names.
package client

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/correlator"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/rooms"
	"github.com/prose-im/prose-core-client-sub004/internal/xmppconn"
)

// transport implements rooms.Transport over one xmppconn.Conn and the
// correlator shared with the rest of the client, plus the presence-keyed
// join-future table MUC joins need (XEP-0045 joins are correlated by the
// occupant JID a presence comes back addressed to, not by a stanza id, since
// presence stanzas carry no id the server is required to echo).
type transport struct {
	conn   *xmppconn.Conn
	corr   *correlator.Correlator
	idGen  func() string

	joins *joinTable
}

func newTransport(conn *xmppconn.Conn, corr *correlator.Correlator, idGen func() string) *transport {
	return &transport{conn: conn, corr: corr, idGen: idGen, joins: newJoinTable()}
}

// --- stanza-error decoding, shared by IQ and presence error paths ---

// stanzaError is the RFC 6120 §8.3.3 defined-condition shape carried inside
// an error-type stanza's <error/> child. Only the eight conditions
// coreerrors.DefinedCondition enumerates are distinguished; anything else
// collapses to ReqUnexpectedResponse by errorFromElement's caller.
type stanzaError struct {
	ItemNotFound          *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas item-not-found"`
	Forbidden             *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas forbidden"`
	Gone                  *struct {
		Text string `xml:",chardata"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas gone"`
	RegistrationRequired  *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas registration-required"`
	Conflict              *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas conflict"`
	NotAuthorized         *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas not-authorized"`
	ServiceUnavailable    *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas service-unavailable"`
	FeatureNotImplemented *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas feature-not-implemented"`
}

// decodeCondition extracts the defined condition (and, for <gone/>, the
// redirect URI) from a full stanza document whose top-level element carries
// an <error/> child. It never fails: an undecodable or absent condition
// degrades to coreerrors.CondServiceUnavailable, since the correlator still
// needs some condition to report the request as failed.
func decodeCondition(raw []byte) (coreerrors.DefinedCondition, string) {
	var env struct {
		XMLName xml.Name    `xml:"-"`
		Err     stanzaError `xml:"error"`
	}
	if err := xml.Unmarshal(raw, &env); err != nil {
		return coreerrors.CondServiceUnavailable, ""
	}
	e := env.Err
	switch {
	case e.ItemNotFound != nil:
		return coreerrors.CondItemNotFound, ""
	case e.Forbidden != nil:
		return coreerrors.CondForbidden, ""
	case e.Gone != nil:
		return coreerrors.CondGone, e.Gone.Text
	case e.RegistrationRequired != nil:
		return coreerrors.CondRegistrationRequired, ""
	case e.Conflict != nil:
		return coreerrors.CondConflict, ""
	case e.NotAuthorized != nil:
		return coreerrors.CondNotAuthorized, ""
	case e.FeatureNotImplemented != nil:
		return coreerrors.CondFeatureNotImplemented, ""
	default:
		return coreerrors.CondServiceUnavailable, ""
	}
}

// --- generic IQ request/await helper ---

// requestIQ sends v (already carrying To/Type/ID) and awaits the matching
// result or error, decoding the response body into result if non-nil.
// Every Transport method that speaks a plain request/response IQ funnels
// through this one helper: a single encode point plus the correlator wait a
// fire-and-forget IQ would never need.
func (t *transport) requestIQ(ctx context.Context, id string, v any) ([]byte, error) {
	ch := t.corr.Register(id, correlator.DefaultTimeout)
	if err := t.conn.Send(ctx, v); err != nil {
		t.corr.Unregister(id)
		return nil, err
	}
	element, err := t.corr.Await(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	raw, _ := element.([]byte)
	return raw, nil
}

func (t *transport) newId() string {
	if t.idGen != nil {
		return t.idGen()
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// --- JoinRoom ---

// mucJoinX is the XEP-0045 join presence's <x/> child, carrying the room
// password when one is set. The password is encoded into the actual
// presence that goes out on the wire, not just assembled and discarded.
type mucJoinX struct {
	XMLName  xml.Name `xml:"http://jabber.org/protocol/muc x"`
	Password string   `xml:"password,omitempty"`
}

type mucJoinPresence struct {
	stanza.Presence
	X mucJoinX `xml:"http://jabber.org/protocol/muc x"`
}

// mucUserItem is the <x xmlns="...#user"><item/></x> child a join-result
// presence carries back, describing the joining occupant's own affiliation
// and role plus (for a non-anonymous room) their real bare JID.
type mucUserPresence struct {
	XMLName xml.Name `xml:"presence"`
	From    string   `xml:"from,attr"`
	Type    string   `xml:"type,attr"`
	X       *struct {
		Item *struct {
			Jid         string `xml:"jid,attr"`
			Affiliation string `xml:"affiliation,attr"`
			Role        string `xml:"role,attr"`
		} `xml:"item"`
		Status []struct {
			Code int `xml:"code,attr"`
		} `xml:"status"`
	} `xml:"http://jabber.org/protocol/muc#user x"`
}

// JoinRoom implements rooms.Transport. Per XEP-0045 a MUC join is correlated
// by the occupant JID the reflected self-presence is addressed to, not by a
// stanza id (join presences carry none), so this registers a join future
// keyed by occupant.String() rather than using the shared id correlator.
// RoomSessionInfo.Members is deliberately left empty: the full occupant
// roster arrives as a burst of ordinary presence stanzas immediately after
// the self-presence, and those are handled by the normal room/participant
// event path (see client.go's onPresence), not reconstructed here.
func (t *transport) JoinRoom(ctx context.Context, occupant ids.OccupantId, password string) (rooms.RoomSessionInfo, error) {
	ch := t.joins.register(occupant.String())
	defer t.joins.unregister(occupant.String())

	p := mucJoinPresence{
		Presence: stanza.Presence{To: occupant.JID()},
		X:        mucJoinX{Password: password},
	}
	if err := t.conn.Send(ctx, p); err != nil {
		return rooms.RoomSessionInfo{}, coreerrors.NewReqGeneric("sending join presence", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return rooms.RoomSessionInfo{}, res.err
		}
		return rooms.RoomSessionInfo{
			RoomJID:            occupant.RoomId(),
			UserNickname:       occupant.Nickname(),
			RoomHasBeenCreated: res.created,
		}, nil
	case <-ctx.Done():
		return rooms.RoomSessionInfo{}, ctx.Err()
	case <-time.After(correlator.DefaultTimeout):
		return rooms.RoomSessionInfo{}, coreerrors.NewReqTimedOut()
	}
}

// deliverPresence feeds one inbound presence stanza to the join table, if
// it matches a pending join. It returns true when the presence was consumed
// by a join future; client.go still forwards every presence to the runtime
// regardless of this return value, since ordinary roster presences need the
// normal parser/handler path even when a join is also pending for the room.
func (t *transport) deliverPresence(raw xmppconn.RawStanza) bool {
	return t.joins.deliver(raw)
}

// --- ConfigureRoom ---

type dataFormField struct {
	Var    string   `xml:"var,attr"`
	Type   string   `xml:"type,attr,omitempty"`
	Value  []string `xml:"value,omitempty"`
}

type dataForm struct {
	XMLName xml.Name        `xml:"jabber:x:data x"`
	Type    string          `xml:"type,attr"`
	Field   []dataFormField `xml:"field"`
}

type mucOwnerQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#owner query"`
	Form    dataForm `xml:"jabber:x:data x"`
}

type mucOwnerIQ struct {
	stanza.IQ
	Query mucOwnerQuery `xml:"http://jabber.org/protocol/muc#owner query"`
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ConfigureRoom submits the MUC owner configuration form covering the
// fields RoomConfig names; every field not set explicitly keeps whatever
// default the room already has, matching XEP-0045's "submit a partial form"
// allowance.
func (t *transport) ConfigureRoom(ctx context.Context, room ids.MucId, cfg rooms.RoomConfig) error {
	fields := []dataFormField{
		{Var: "FORM_TYPE", Type: "hidden", Value: []string{"http://jabber.org/protocol/muc#roomconfig"}},
		{Var: "muc#roomconfig_membersonly", Value: []string{boolField(cfg.MembersOnly)}},
		{Var: "muc#roomconfig_whois", Value: []string{map[bool]string{true: "anyone", false: "moderators"}[cfg.NonAnonymous]}},
		{Var: "muc#roomconfig_persistentroom", Value: []string{boolField(cfg.Persistent)}},
		{Var: "muc#roomconfig_publicroom", Value: []string{boolField(cfg.Public)}},
		{Var: "muc#roomconfig_moderatedroom", Value: []string{boolField(cfg.Moderated)}},
	}
	if cfg.Name != "" {
		fields = append(fields, dataFormField{Var: "muc#roomconfig_roomname", Value: []string{cfg.Name}})
	}

	id := t.newId()
	iq := mucOwnerIQ{
		IQ:    stanza.IQ{ID: id, To: room.JID(), Type: stanza.SetIQ},
		Query: mucOwnerQuery{Form: dataForm{Type: "submit", Field: fields}},
	}
	_, err := t.requestIQ(ctx, id, iq)
	return err
}

// --- GrantAffiliation ---

type mucAdminItem struct {
	Jid         string `xml:"jid,attr"`
	Affiliation string `xml:"affiliation,attr"`
}

type mucAdminQuery struct {
	XMLName xml.Name       `xml:"http://jabber.org/protocol/muc#admin query"`
	Item    []mucAdminItem `xml:"item"`
}

type mucAdminIQ struct {
	stanza.IQ
	Query mucAdminQuery `xml:"http://jabber.org/protocol/muc#admin query"`
}

func (t *transport) GrantAffiliation(ctx context.Context, room ids.MucId, user ids.UserId, aff rooms.Affiliation) error {
	id := t.newId()
	iq := mucAdminIQ{
		IQ: stanza.IQ{ID: id, To: room.JID(), Type: stanza.SetIQ},
		Query: mucAdminQuery{Item: []mucAdminItem{
			{Jid: user.String(), Affiliation: string(aff)},
		}},
	}
	_, err := t.requestIQ(ctx, id, iq)
	return err
}

// --- SendMediatedInvite ---

type mucInvite struct {
	To string `xml:"to,attr"`
}

type mucUserInviteX struct {
	XMLName xml.Name  `xml:"http://jabber.org/protocol/muc#user x"`
	Invite  mucInvite `xml:"invite"`
}

type messageWithInvite struct {
	stanza.Message
	X mucUserInviteX `xml:"http://jabber.org/protocol/muc#user x"`
}

// SendMediatedInvite sends the room-mediated invite of XEP-0045 §7.8: a
// <message/> to the room itself carrying an <x/> that names the invitee, and
// lets the service relay it as a direct invite with the room's own from
// address.
func (t *transport) SendMediatedInvite(ctx context.Context, room ids.MucId, invitee ids.UserId) error {
	msg := messageWithInvite{
		Message: stanza.Message{To: room.JID()},
		X:       mucUserInviteX{Invite: mucInvite{To: invitee.String()}},
	}
	return t.conn.Send(ctx, msg)
}

// --- ChannelNameAvailable ---

type discoItemsQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
}

type discoItem struct {
	Jid string `xml:"jid,attr"`
}

// discoItemsResult decodes the full <iq> response document, not just its
// <query/> child, since that is what correlator.Deliver hands back.
type discoItemsResult struct {
	XMLName xml.Name `xml:"iq"`
	Query   struct {
		Item []discoItem `xml:"item"`
	} `xml:"http://jabber.org/protocol/disco#items query"`
}

type discoItemsIQ struct {
	stanza.IQ
	Query discoItemsQuery `xml:"http://jabber.org/protocol/disco#items query"`
}

// ChannelNameAvailable lists the service's existing rooms via disco#items
// and reports the name free unless a room whose localpart exactly matches
// name is already listed.
func (t *transport) ChannelNameAvailable(ctx context.Context, service ids.ServerId, name string) (bool, error) {
	id := t.newId()
	iq := discoItemsIQ{IQ: stanza.IQ{ID: id, To: service.JID(), Type: stanza.GetIQ}}
	raw, err := t.requestIQ(ctx, id, iq)
	if err != nil {
		return false, err
	}

	var result discoItemsResult
	if err := xml.Unmarshal(raw, &result); err != nil {
		return false, coreerrors.NewReqGeneric("decoding disco#items result", err)
	}
	for _, item := range result.Query.Item {
		j, err := jid.Parse(item.Jid)
		if err != nil {
			continue
		}
		if j.Localpart() == name {
			return false, nil
		}
	}
	return true, nil
}

// --- DiscoFeatures ---

type discoInfoQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
}

type discoFeature struct {
	Var string `xml:"var,attr"`
}

// discoInfoResult, like discoItemsResult, decodes the full <iq> response.
type discoInfoResult struct {
	XMLName xml.Name `xml:"iq"`
	Query   struct {
		Feature []discoFeature `xml:"feature"`
	} `xml:"http://jabber.org/protocol/disco#info query"`
}

type discoInfoIQ struct {
	stanza.IQ
	Query discoInfoQuery `xml:"http://jabber.org/protocol/disco#info query"`
}

func (t *transport) DiscoFeatures(ctx context.Context, room ids.MucId) (rooms.DiscoFeatures, error) {
	id := t.newId()
	iq := discoInfoIQ{IQ: stanza.IQ{ID: id, To: room.JID(), Type: stanza.GetIQ}}
	raw, err := t.requestIQ(ctx, id, iq)
	if err != nil {
		return nil, err
	}

	var result discoInfoResult
	if err := xml.Unmarshal(raw, &result); err != nil {
		return nil, coreerrors.NewReqGeneric("decoding disco#info result", err)
	}
	vars := make([]string, 0, len(result.Query.Feature))
	for _, f := range result.Query.Feature {
		vars = append(vars, f.Var)
	}
	return rooms.NewDiscoFeatures(vars...), nil
}

// leaveRoom sends unavailable presence to occupant. Not part of
// rooms.Transport (spec's domain service has no explicit leave operation
// beyond bookmark removal), but pkg/client's public facade exposes it
// directly for callers that want to vacate a room without dropping its
// bookmark.
func (t *transport) leaveRoom(ctx context.Context, occupant ids.OccupantId) error {
	p := stanza.Presence{To: occupant.JID(), Type: stanza.UnavailablePresence}
	return t.conn.Send(ctx, p)
}
