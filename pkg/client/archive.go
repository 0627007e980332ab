package client

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/correlator"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/messages"
	"github.com/prose-im/prose-core-client-sub004/internal/xmppconn"
)

// mamCollector gathers every <message/> a single MAM query's <result/>
// pages forward, keyed by queryid. mellium.im/xmpp/history.Handler tracks
// its in-flight queries the same way (a tracked map guarded by a mutex,
// Handler.tracked in history.go), but that package binds the tracking to a
// live mux.ServeMux dispatching off a *xmpp.Session — incompatible with
// xmppconn.Conn's manual bufferElement read loop, so the shape is
// reimplemented directly against xmppconn.RawStanza here rather than
// depending on mellium.im/xmpp/history.
type mamCollector struct {
	mu      sync.Mutex
	byQuery map[string]*[]xmppconn.RawStanza
}

func newMamCollector() *mamCollector {
	return &mamCollector{byQuery: make(map[string]*[]xmppconn.RawStanza)}
}

func (c *mamCollector) register(queryId string) *[]xmppconn.RawStanza {
	bucket := new([]xmppconn.RawStanza)
	c.mu.Lock()
	c.byQuery[queryId] = bucket
	c.mu.Unlock()
	return bucket
}

func (c *mamCollector) unregister(queryId string) {
	c.mu.Lock()
	delete(c.byQuery, queryId)
	c.mu.Unlock()
}

// mamQueryId is the <result queryid="..."/> attribute this function reads
// off a raw message stanza without fully decoding it, so deliver can stay
// cheap on the hot path for every non-MAM message too.
func mamQueryId(raw []byte) string {
	var probe struct {
		Result *struct {
			QueryId string `xml:"queryid,attr"`
		} `xml:"urn:xmpp:mam:2 result"`
	}
	if err := xml.Unmarshal(raw, &probe); err != nil || probe.Result == nil {
		return ""
	}
	return probe.Result.QueryId
}

// deliver appends raw to its query's bucket if one is registered, reporting
// whether it was consumed. client.go's onStanza calls this before handing a
// message stanza to the runtime, so a matched archive page never also flows
// through the live-message parser path.
func (c *mamCollector) deliver(raw xmppconn.RawStanza) bool {
	queryId := mamQueryId(raw.XML)
	if queryId == "" {
		return false
	}
	c.mu.Lock()
	bucket, ok := c.byQuery[queryId]
	if ok {
		*bucket = append(*bucket, raw)
	}
	c.mu.Unlock()
	return ok
}

// --- outbound MAM query ---

type mamField struct {
	Var   string   `xml:"var,attr"`
	Type  string   `xml:"type,attr,omitempty"`
	Value []string `xml:"value"`
}

type mamForm struct {
	XMLName xml.Name   `xml:"jabber:x:data x"`
	Type    string     `xml:"type,attr"`
	Field   []mamField `xml:"field"`
}

type mamRSM struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/rsm set"`
	Max     int      `xml:"max"`
	Before  *struct{} `xml:"before"`
}

type mamQuery struct {
	XMLName xml.Name `xml:"urn:xmpp:mam:2 query"`
	QueryId string   `xml:"queryid,attr"`
	Form    mamForm  `xml:"jabber:x:data x"`
	RSM     mamRSM   `xml:"http://jabber.org/protocol/rsm set"`
}

type mamQueryIQ struct {
	stanza.IQ
	Query mamQuery `xml:"urn:xmpp:mam:2 query"`
}

// mamFin is the terminating result the correlator awaits: the same stanza id
// as the query IQ, carrying whether the archive is now exhausted.
type mamFin struct {
	XMLName xml.Name `xml:"iq"`
	Fin     *struct {
		Complete string `xml:"complete,attr"`
	} `xml:"urn:xmpp:mam:2 fin"`
}

// --- archiver: messages.ArchiveFetcher over xmppconn + correlator ---

// archiver implements messages.ArchiveFetcher by hand-rolling the XEP-0313
// query/response exchange: send a <iq type="set"><query xmlns="urn:xmpp:
// mam:2".../></iq>, collect every <message><result/></message> addressed to
// this query's id via mamCollector (registered before the send, so no
// result page can race ahead of registration — the same atomicity rule
// internal/correlator documents for ordinary IQs), then await the
// terminating <iq type="result"><fin/></iq> through the ordinary shared
// correlator, since fin carries the query's own stanza id.
type archiver struct {
	conn  *xmppconn.Conn
	corr  *correlator.Correlator
	coll  *mamCollector
	idGen func() string

	// accountJID is where a 1:1 room's archive lives (the account's own
	// bare JID, per XEP-0313's "query your own archive" model); a MUC
	// room's archive is queried at the room's own JID instead, so FetchPage
	// picks between the two off room.Kind().
	accountJID jid.JID
}

func (a *archiver) FetchPage(ctx context.Context, room ids.RoomId, before time.Time, pageSize int) (messages.ArchivePage, error) {
	id := a.idGen()
	bucket := a.coll.register(id)
	defer a.coll.unregister(id)

	fields := []mamField{
		{Var: "FORM_TYPE", Type: "hidden", Value: []string{"urn:xmpp:mam:2"}},
	}
	if !before.IsZero() {
		fields = append(fields, mamField{Var: "end", Value: []string{before.UTC().Format(time.RFC3339)}})
	}

	target := a.accountJID
	isMuc := false
	if _, ok := room.AsMucId(); ok {
		target = room.JID()
		isMuc = true
	}

	iq := mamQueryIQ{
		IQ: stanza.IQ{ID: id, To: target, Type: stanza.SetIQ},
		Query: mamQuery{
			QueryId: id,
			Form:    mamForm{Type: "submit", Field: fields},
			RSM:     mamRSM{Max: pageSize, Before: &struct{}{}},
		},
	}

	ch := a.corr.Register(id, correlator.DefaultTimeout)
	if err := a.conn.Send(ctx, iq); err != nil {
		a.corr.Unregister(id)
		return messages.ArchivePage{}, coreerrors.NewReqGeneric("sending MAM query", err)
	}
	element, err := a.corr.Await(ctx, id, ch)
	if err != nil {
		return messages.ArchivePage{}, err
	}

	complete := false
	if raw, ok := element.([]byte); ok {
		var fin mamFin
		if err := xml.Unmarshal(raw, &fin); err == nil && fin.Fin != nil {
			complete = fin.Fin.Complete == "true" || fin.Fin.Complete == "1"
		}
	}

	page := messages.ArchivePage{Complete: complete}
	for _, raw := range *bucket {
		archived, err := decodeArchivedMessage(raw.XML, isMuc)
		if err != nil {
			continue
		}
		page.Messages = append(page.Messages, archived)
	}
	return page, nil
}

// --- decoding one forwarded archived message ---

type mamForwardedEnvelope struct {
	Result struct {
		Id        string `xml:"id,attr"`
		Forwarded struct {
			Delay *struct {
				Stamp string `xml:"stamp,attr"`
			} `xml:"urn:xmpp:delay delay"`
			Message mamForwardedMessage `xml:"message"`
		} `xml:"urn:xmpp:forward:0 forwarded"`
	} `xml:"urn:xmpp:mam:2 result"`
}

type mamForwardedMessage struct {
	From string `xml:"from,attr"`
	ID   string `xml:"id,attr"`

	Body string `xml:"body"`

	StanzaId *struct {
		Id string `xml:"id,attr"`
	} `xml:"urn:xmpp:sid:0 stanza-id"`

	Encrypted *encryptedElement `xml:"eu.siacs.conversations.axolotl encrypted"`
}

// encryptedElement is the OMEMO wire payload (legacy eu.siacs.conversations.
// axolotl namespace, which is also what internal/events/parser.go's
// messageStanza.Encrypted field is declared against — kept consistent here
// rather than switching to XEP-0384's urn:xmpp:omemo:2, since the rest of
// the tree already committed to the legacy namespace).
type encryptedElement struct {
	Header struct {
		Sid uint32 `xml:"sid,attr"`
		Key []struct {
			Rid    uint32 `xml:"rid,attr"`
			PreKey bool   `xml:"prekey,attr"`
			Data   string `xml:",chardata"`
		} `xml:"key"`
		IV string `xml:"iv"`
	} `xml:"header"`
	Payload string `xml:"payload"`
}

// decodeEncrypted turns the wire (base64-everything) OMEMO element into the
// binary messages.EncryptedPayload the decryption path expects.
func decodeEncrypted(e *encryptedElement) (*messages.EncryptedPayload, error) {
	iv, err := base64.StdEncoding.DecodeString(e.Header.IV)
	if err != nil {
		return nil, fmt.Errorf("client: decoding omemo iv: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("client: decoding omemo payload: %w", err)
	}

	keys := make([]messages.EncryptionKey, 0, len(e.Header.Key))
	for _, k := range e.Header.Key {
		data, err := base64.StdEncoding.DecodeString(k.Data)
		if err != nil {
			return nil, fmt.Errorf("client: decoding omemo key for device %d: %w", k.Rid, err)
		}
		keys = append(keys, messages.EncryptionKey{
			DeviceId: ids.DeviceId(k.Rid),
			IsPreKey: k.PreKey,
			Data:     data,
		})
	}

	return &messages.EncryptedPayload{
		SenderDeviceId: ids.DeviceId(e.Header.Sid),
		Keys:           keys,
		IV:             iv,
		Payload:        payload,
	}, nil
}

func decodeArchivedMessage(raw []byte, isMuc bool) (messages.RawArchivedMessage, error) {
	var env mamForwardedEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return messages.RawArchivedMessage{}, fmt.Errorf("client: decoding MAM-forwarded message: %w", err)
	}
	fwd := env.Result.Forwarded
	msg := fwd.Message

	var from ids.ParticipantId
	if isMuc {
		occ, err := ids.ParseOccupantId(msg.From)
		if err != nil {
			return messages.RawArchivedMessage{}, fmt.Errorf("client: invalid archived occupant %q: %w", msg.From, err)
		}
		from = ids.ParticipantIdFromOccupant(occ)
	} else {
		u, err := ids.ParseUserId(msg.From)
		if err != nil {
			return messages.RawArchivedMessage{}, fmt.Errorf("client: invalid archived sender %q: %w", msg.From, err)
		}
		from = ids.ParticipantIdFromUser(u)
	}

	ts := time.Now().UTC()
	if fwd.Delay != nil {
		if parsed, err := time.Parse(time.RFC3339, fwd.Delay.Stamp); err == nil {
			ts = parsed
		}
	}

	archived := messages.RawArchivedMessage{
		RemoteId:  ids.MessageRemoteId(msg.ID),
		ServerId:  ids.MessageServerId(env.Result.Id),
		From:      from,
		Timestamp: ts,
		Kind:      messages.Body,
		Body:      msg.Body,
	}
	if msg.StanzaId != nil {
		archived.StanzaId = ids.StanzaId(msg.StanzaId.Id)
	}
	if msg.Encrypted != nil {
		payload, err := decodeEncrypted(msg.Encrypted)
		if err != nil {
			return messages.RawArchivedMessage{}, err
		}
		archived.Encrypted = payload
	}
	return archived, nil
}
