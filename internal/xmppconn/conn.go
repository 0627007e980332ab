// Package xmppconn adapts mellium.im/xmpp's stream negotiator and session
// into the core's transport seam: dial-and-negotiate one account's
// connection, decode each inbound top-level stanza into a self-contained
// RawStanza for internal/events' parser to unmarshal extension-by-
// extension, accept outbound stanzas from domain services, and surface
// connection state and failures as coreerrors.ConnectionError.
//
// The StartTLS-then-SASL-then-bind negotiator shape and the per-stanza-name
// read-loop dispatch generalize to a single Handler interface rather than a
// fixed set of on-X callbacks, so more than one account can share the same
// connection code without a per-account rewrite.
package xmppconn

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
)

// Config is one account's connection parameters.
type Config struct {
	JID      jid.JID
	Password string

	// Host/Port override SRV-derived connection parameters; Host defaults
	// to the JID's domain and Port to 5222 (STARTTLS) when zero.
	Host string
	Port int

	DialTimeout time.Duration
}

func (c Config) address() string {
	host := c.Host
	if host == "" {
		host = c.JID.Domain().String()
	}
	port := c.Port
	if port == 0 {
		port = 5222
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// RawStanza is one fully-buffered top-level stanza (message/presence/iq),
// re-encoded from the token stream into a standalone XML document so a
// downstream parser can xml.Unmarshal it against any extension element
// without needing access to the live token reader.
type RawStanza struct {
	Name string // "message", "presence" or "iq"
	From string
	To   string
	Id   string
	Type string
	XML  []byte
}

// StanzaHandler receives every inbound top-level stanza. It must not
// block — long work belongs to the handler queue the core wires behind it,
// mirroring the non-blocking-delegate rule internal/dispatcher already
// documents for ClientEvent.
type StanzaHandler func(RawStanza)

// ConnHandler is notified of connection lifecycle transitions.
type ConnHandler func(connected bool, err *coreerrors.ConnectionError)

// Conn is one negotiated, live XMPP connection.
type Conn struct {
	session *xmpp.Session

	mu     sync.Mutex
	closed bool

	onStanza StanzaHandler
	onState  ConnHandler

	cancel context.CancelFunc
}

// Dial opens a TCP connection to cfg's server, negotiates StartTLS, SASL
// and resource binding, and starts the inbound read loop. onStanza and
// onState may be nil.
func Dial(ctx context.Context, cfg Config, onStanza StanzaHandler, onState ConnHandler) (*Conn, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", cfg.address())
	if err != nil {
		if ctx.Err() != nil {
			return nil, coreerrors.NewConnTimedOut()
		}
		return nil, coreerrors.NewConnGeneric("dialing server", err)
	}

	tlsConfig := &tls.Config{
		ServerName: cfg.JID.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", cfg.Password,
					sasl.ScramSha256Plus, sasl.ScramSha256,
					sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	connCtx, cancel := context.WithCancel(context.Background())
	session, err := xmpp.NewSession(connCtx, cfg.JID.Domain(), cfg.JID, tcpConn, 0, negotiator)
	if err != nil {
		tcpConn.Close()
		cancel()
		return nil, classifyNegotiationError(err)
	}

	c := &Conn{session: session, onStanza: onStanza, onState: onState, cancel: cancel}
	go c.readLoop(connCtx)

	if onState != nil {
		onState(true, nil)
	}
	return c, nil
}

// classifyNegotiationError maps a negotiation failure onto the closed
// ConnectionError taxonomy of spec §7; SASL failures carry "sasl" in their
// error text in mellium.im/sasl, which is the only signal the negotiator
// surfaces for bad credentials versus any other negotiation failure.
func classifyNegotiationError(err error) *coreerrors.ConnectionError {
	if err == nil {
		return nil
	}
	if containsFold(err.Error(), "credentials") || containsFold(err.Error(), "not-authorized") ||
		containsFold(err.Error(), "sasl") {
		return coreerrors.NewConnInvalidCredentials()
	}
	return coreerrors.NewConnGeneric("negotiating session", err)
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && bytes.Contains(bytes.ToLower([]byte(s)), bytes.ToLower([]byte(substr)))
}

// LocalJID returns the full JID (including server-assigned resource) bound
// during negotiation.
func (c *Conn) LocalJID() jid.JID { return c.session.LocalAddr() }

// Send encodes v (a stanza.Message, stanza.Presence, stanza.IQ or any
// xml.Marshaler) and writes it to the stream.
func (c *Conn) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return coreerrors.NewConnGeneric("send on closed connection", nil)
	}
	if err := c.session.Encode(ctx, v); err != nil {
		return coreerrors.NewConnGeneric("encoding outbound stanza", err)
	}
	return nil
}

// Close sends unavailable presence and tears down the stream.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.session.Encode(ctx, stanza.Presence{Type: stanza.UnavailablePresence})
	err := c.session.Close()
	c.cancel()
	if c.onState != nil {
		c.onState(false, nil)
	}
	return err
}

// readLoop decodes the stream one top-level stanza at a time, buffering
// each into a RawStanza and handing it to onStanza, per the package doc.
func (c *Conn) readLoop(ctx context.Context) {
	reader := c.session.TokenReader()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tok, err := reader.Token()
		if err != nil {
			c.handleReadError(err)
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "message", "presence", "iq":
		default:
			continue
		}

		raw, err := bufferElement(reader, start)
		if err != nil {
			c.handleReadError(err)
			return
		}
		if c.onStanza != nil {
			c.onStanza(raw)
		}
	}
}

func (c *Conn) handleReadError(err error) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}

	var connErr *coreerrors.ConnectionError
	if err != io.EOF {
		connErr = coreerrors.NewConnGeneric("reading stream", err)
	}
	if c.onState != nil {
		c.onState(false, connErr)
	}
}

// tokenReader is the subset of xmlstream.TokenReader the buffering loop
// needs; satisfied by the value returned from xmpp.Session.TokenReader().
type tokenReader interface {
	Token() (xml.Token, error)
}

// bufferElement re-encodes start and every token up to (and including) its
// matching end element into a standalone XML document, so the caller holds
// a value independent of the live stream.
func bufferElement(r tokenReader, start xml.StartElement) (RawStanza, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	if err := enc.EncodeToken(start); err != nil {
		return RawStanza{}, err
	}

	depth := 1
	for depth > 0 {
		tok, err := r.Token()
		if err != nil {
			return RawStanza{}, err
		}
		if err := enc.EncodeToken(tok); err != nil {
			return RawStanza{}, err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if err := enc.Flush(); err != nil {
		return RawStanza{}, err
	}

	raw := RawStanza{Name: start.Name.Local, XML: append([]byte(nil), buf.Bytes()...)}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "from":
			raw.From = attr.Value
		case "to":
			raw.To = attr.Value
		case "id":
			raw.Id = attr.Value
		case "type":
			raw.Type = attr.Value
		}
	}
	return raw, nil
}
