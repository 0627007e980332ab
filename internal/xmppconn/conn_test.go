package xmppconn

import (
	"encoding/xml"
	"strings"
	"testing"
)

// fakeTokenReader replays a fixed token sequence, as if read from a live
// mellium.im/xmlstream.TokenReader.
type fakeTokenReader struct {
	toks []xml.Token
	i    int
}

func (f *fakeTokenReader) Token() (xml.Token, error) {
	if f.i >= len(f.toks) {
		return nil, xml.UnmarshalError("exhausted")
	}
	tok := f.toks[f.i]
	f.i++
	return tok, nil
}

func tokensFromXML(t *testing.T, doc string) []xml.Token {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(doc))
	var toks []xml.Token
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		toks = append(toks, xml.CopyToken(tok))
	}
	return toks
}

func TestBufferElementCapturesWholeSubtree(t *testing.T) {
	doc := `<message from="a@x.org" to="b@x.org" id="m1" type="chat"><body>hi</body><x xmlns="urn:xmpp:markers:0"/></message>`
	toks := tokensFromXML(t, doc)
	start := toks[0].(xml.StartElement)
	reader := &fakeTokenReader{toks: toks[1:]}

	raw, err := bufferElement(reader, start)
	if err != nil {
		t.Fatalf("bufferElement: %v", err)
	}
	if raw.Name != "message" || raw.From != "a@x.org" || raw.To != "b@x.org" || raw.Id != "m1" || raw.Type != "chat" {
		t.Fatalf("attributes not captured correctly: %+v", raw)
	}
	if !strings.Contains(string(raw.XML), "<body>hi</body>") {
		t.Fatalf("expected re-encoded XML to contain the body element, got %s", raw.XML)
	}
	if !strings.Contains(string(raw.XML), "urn:xmpp:markers:0") {
		t.Fatalf("expected re-encoded XML to preserve the nested namespace, got %s", raw.XML)
	}
}

func TestBufferElementSkipsNestedSiblingsCorrectly(t *testing.T) {
	doc := `<iq type="result" id="q1"><query xmlns="jabber:iq:roster"><item jid="c@x.org"/></query></iq>`
	toks := tokensFromXML(t, doc)
	start := toks[0].(xml.StartElement)
	reader := &fakeTokenReader{toks: toks[1:]}

	raw, err := bufferElement(reader, start)
	if err != nil {
		t.Fatalf("bufferElement: %v", err)
	}
	if raw.Name != "iq" || raw.Type != "result" || raw.Id != "q1" {
		t.Fatalf("unexpected attrs: %+v", raw)
	}

	var decoded struct {
		XMLName xml.Name `xml:"iq"`
		Query   struct {
			Item struct {
				JID string `xml:"jid,attr"`
			} `xml:"item"`
		} `xml:"query"`
	}
	if err := xml.Unmarshal(raw.XML, &decoded); err != nil {
		t.Fatalf("re-unmarshaling buffered XML: %v", err)
	}
	if decoded.Query.Item.JID != "c@x.org" {
		t.Fatalf("expected nested item jid preserved, got %q", decoded.Query.Item.JID)
	}
}
