// Package extpoint is the out-of-process extension host: it lets a
// separately-built binary subscribe to connection/message/presence events
// and drive a handful of actions back into the running account, without
// that binary ever linking against internal/.
package extpoint

import (
	"context"
	"time"
)

// Plugin is what every extension binary implements.
type Plugin interface {
	Name() string
	Version() string
	Description() string

	// Init hands the plugin its API surface; it must not block.
	Init(ctx context.Context, api API) error
	Start() error
	Stop() error
}

// API is everything a plugin can observe and drive. It is intentionally
// string/primitive-keyed (bare JIDs, not ids.UserId/ids.RoomId) since this
// boundary is the one place in the tree that must stay serializable across
// a process boundary.
type API interface {
	ContactsAPI
	ChatAPI
	UIAPI
	EventsAPI
	CommandsAPI
}

// ContactsAPI exposes read-only roster/presence lookups.
type ContactsAPI interface {
	GetContacts() []Contact
	GetContact(jid string) *Contact
	GetPresence(jid string) string
}

// ChatAPI lets a plugin send messages and read recent history.
type ChatAPI interface {
	SendMessage(to, body string) error
	GetHistory(jid string, limit int) []Message
	GetUnreadCount(jid string) int
}

// UIAPI exposes the handful of presentation hooks a plugin may want; the
// host backs these with whatever cmd/roster's driver does (today, a
// printed line), not a real desktop shell.
type UIAPI interface {
	ShowNotification(title, body string) error
	AddStatusBarItem(id, text string) error
	RemoveStatusBarItem(id string) error
}

// EventsAPI lets a plugin subscribe to the account's event stream. Each
// registration returns an unsubscribe func.
type EventsAPI interface {
	OnMessage(handler func(msg Message)) func()
	OnPresence(handler func(jid, status string)) func()
	OnConnect(handler func()) func()
	OnDisconnect(handler func()) func()
}

// CommandsAPI lets a plugin register a named command invokable from the
// driver.
type CommandsAPI interface {
	RegisterCommand(name, description string, handler CommandHandler) error
	UnregisterCommand(name string) error
}

// Contact is a roster entry projected down to plugin-safe primitives.
type Contact struct {
	JID    string
	Name   string
	Status string
}

// Message is one chat message projected down to plugin-safe primitives.
type Message struct {
	ID        string
	From      string
	To        string
	Body      string
	Timestamp time.Time
	// Encrypted reports that this message's OMEMO payload could not be
	// decrypted; Body holds the host's placeholder text in that case, not
	// ciphertext.
	Encrypted bool
	Outgoing  bool
}

// CommandHandler runs a plugin-registered command.
type CommandHandler func(args []string) error
