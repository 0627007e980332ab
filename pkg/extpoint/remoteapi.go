package extpoint

import (
	"context"
	"sync"

	"google.golang.org/grpc"
)

// remoteAPI is the API implementation handed to Plugin.Init inside an
// extension binary: every ContactsAPI/ChatAPI/UIAPI call is a round trip
// back to the host over conn, and every EventsAPI subscription is served
// from a local handler list fed by a single shared Watch stream.
type remoteAPI struct {
	dispatchClient

	mu                 sync.Mutex
	messageHandlers    []func(Message)
	presenceHandlers   []func(jid, status string)
	connectHandlers    []func()
	disconnectHandlers []func()

	commandsMu sync.Mutex
	commands   map[string]CommandHandler
}

func newRemoteAPI(conn *grpc.ClientConn) *remoteAPI {
	return &remoteAPI{
		dispatchClient: dispatchClient{cc: conn},
		commands:       make(map[string]CommandHandler),
	}
}

// watch runs the Events stream for as long as the host connection stays
// up, dispatching every pushed envelope to the matching local handlers.
// Plugin.Init starts this in a goroutine right after dialing back.
func (r *remoteAPI) watch(ctx context.Context) {
	_ = watchEvents(ctx, r.cc, func(ev eventEnvelope) {
		switch ev.Kind {
		case "message":
			if ev.Message == nil {
				return
			}
			r.mu.Lock()
			handlers := append([]func(Message){}, r.messageHandlers...)
			r.mu.Unlock()
			for _, h := range handlers {
				if h != nil {
					h(*ev.Message)
				}
			}
		case "presence":
			r.mu.Lock()
			handlers := append([]func(string, string){}, r.presenceHandlers...)
			r.mu.Unlock()
			for _, h := range handlers {
				if h != nil {
					h(ev.PresenceJID, ev.PresenceStatus)
				}
			}
		case "connect":
			r.mu.Lock()
			handlers := append([]func(){}, r.connectHandlers...)
			r.mu.Unlock()
			for _, h := range handlers {
				if h != nil {
					h()
				}
			}
		case "disconnect":
			r.mu.Lock()
			handlers := append([]func(){}, r.disconnectHandlers...)
			r.mu.Unlock()
			for _, h := range handlers {
				if h != nil {
					h()
				}
			}
		}
	})
}

func (r *remoteAPI) GetContacts() []Contact {
	var out []Contact
	_ = r.call(context.Background(), "GetContacts", nil, &out)
	return out
}

func (r *remoteAPI) GetContact(jid string) *Contact {
	var out *Contact
	_ = r.call(context.Background(), "GetContact", jid, &out)
	return out
}

func (r *remoteAPI) GetPresence(jid string) string {
	var out string
	_ = r.call(context.Background(), "GetPresence", jid, &out)
	return out
}

func (r *remoteAPI) SendMessage(to, body string) error {
	return r.call(context.Background(), "SendMessage", struct{ To, Body string }{to, body}, nil)
}

func (r *remoteAPI) GetHistory(jid string, limit int) []Message {
	var out []Message
	_ = r.call(context.Background(), "GetHistory", struct {
		JID   string
		Limit int
	}{jid, limit}, &out)
	return out
}

func (r *remoteAPI) GetUnreadCount(jid string) int {
	var out int
	_ = r.call(context.Background(), "GetUnreadCount", jid, &out)
	return out
}

func (r *remoteAPI) ShowNotification(title, body string) error {
	return r.call(context.Background(), "ShowNotification", struct{ Title, Body string }{title, body}, nil)
}

func (r *remoteAPI) AddStatusBarItem(id, text string) error {
	return r.call(context.Background(), "AddStatusBarItem", struct{ ID, Text string }{id, text}, nil)
}

func (r *remoteAPI) RemoveStatusBarItem(id string) error {
	return r.call(context.Background(), "RemoveStatusBarItem", id, nil)
}

func (r *remoteAPI) OnMessage(handler func(Message)) func() {
	r.mu.Lock()
	idx := len(r.messageHandlers)
	r.messageHandlers = append(r.messageHandlers, handler)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.messageHandlers[idx] = nil
		r.mu.Unlock()
	}
}

func (r *remoteAPI) OnPresence(handler func(jid, status string)) func() {
	r.mu.Lock()
	idx := len(r.presenceHandlers)
	r.presenceHandlers = append(r.presenceHandlers, handler)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.presenceHandlers[idx] = nil
		r.mu.Unlock()
	}
}

func (r *remoteAPI) OnConnect(handler func()) func() {
	r.mu.Lock()
	idx := len(r.connectHandlers)
	r.connectHandlers = append(r.connectHandlers, handler)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.connectHandlers[idx] = nil
		r.mu.Unlock()
	}
}

func (r *remoteAPI) OnDisconnect(handler func()) func() {
	r.mu.Lock()
	idx := len(r.disconnectHandlers)
	r.disconnectHandlers = append(r.disconnectHandlers, handler)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.disconnectHandlers[idx] = nil
		r.mu.Unlock()
	}
}

// RegisterCommand and UnregisterCommand are kept process-local: a command
// an extension registers is only ever invoked from inside that same
// extension (e.g. its own entry point deciding to act on os.Args), so
// there is nothing useful to round-trip to the host for these two.
func (r *remoteAPI) RegisterCommand(name, _ string, handler CommandHandler) error {
	r.commandsMu.Lock()
	defer r.commandsMu.Unlock()
	r.commands[name] = handler
	return nil
}

func (r *remoteAPI) UnregisterCommand(name string) error {
	r.commandsMu.Lock()
	defer r.commandsMu.Unlock()
	delete(r.commands, name)
	return nil
}

var _ API = (*remoteAPI)(nil)
