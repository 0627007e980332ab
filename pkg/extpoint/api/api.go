// Package api is the host-side implementation of extpoint.API: a set of
// settable callbacks that the caller (pkg/extpoint.Host, in practice)
// wires to the running account, plus the event-fanout bookkeeping every
// loaded plugin shares.
package api

import (
	"sync"

	"github.com/prose-im/prose-core-client-sub004/pkg/extpoint"
)

type registeredCommand struct {
	description string
	handler     extpoint.CommandHandler
}

// PluginAPI is the concrete extpoint.API handed to every loaded plugin. Its
// fields are set once by the host after construction; calls before that
// fall through to no-ops rather than panicking, so a plugin that calls
// something mid-Init never crashes the host.
type PluginAPI struct {
	mu sync.RWMutex

	getContacts    func() []extpoint.Contact
	getContact     func(jid string) *extpoint.Contact
	getPresence    func(jid string) string
	sendMessage    func(to, body string) error
	getHistory     func(jid string, limit int) []extpoint.Message
	getUnreadCount func(jid string) int
	showNotify     func(title, body string) error
	addStatusItem  func(id, text string) error
	rmStatusItem   func(id string) error

	messageHandlers    []func(extpoint.Message)
	presenceHandlers   []func(jid, status string)
	connectHandlers    []func()
	disconnectHandlers []func()

	commands map[string]registeredCommand
}

// New builds an empty PluginAPI; every Set* below wires it to the account.
func New() *PluginAPI {
	return &PluginAPI{commands: make(map[string]registeredCommand)}
}

func (a *PluginAPI) SetGetContacts(fn func() []extpoint.Contact)                { a.mu.Lock(); a.getContacts = fn; a.mu.Unlock() }
func (a *PluginAPI) SetGetContact(fn func(string) *extpoint.Contact)            { a.mu.Lock(); a.getContact = fn; a.mu.Unlock() }
func (a *PluginAPI) SetGetPresence(fn func(string) string)                      { a.mu.Lock(); a.getPresence = fn; a.mu.Unlock() }
func (a *PluginAPI) SetSendMessage(fn func(string, string) error)               { a.mu.Lock(); a.sendMessage = fn; a.mu.Unlock() }
func (a *PluginAPI) SetGetHistory(fn func(string, int) []extpoint.Message)      { a.mu.Lock(); a.getHistory = fn; a.mu.Unlock() }
func (a *PluginAPI) SetGetUnreadCount(fn func(string) int)                      { a.mu.Lock(); a.getUnreadCount = fn; a.mu.Unlock() }
func (a *PluginAPI) SetShowNotification(fn func(string, string) error)          { a.mu.Lock(); a.showNotify = fn; a.mu.Unlock() }
func (a *PluginAPI) SetAddStatusBarItem(fn func(string, string) error)          { a.mu.Lock(); a.addStatusItem = fn; a.mu.Unlock() }
func (a *PluginAPI) SetRemoveStatusBarItem(fn func(string) error)               { a.mu.Lock(); a.rmStatusItem = fn; a.mu.Unlock() }

func (a *PluginAPI) GetContacts() []extpoint.Contact {
	a.mu.RLock()
	fn := a.getContacts
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (a *PluginAPI) GetContact(jid string) *extpoint.Contact {
	a.mu.RLock()
	fn := a.getContact
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(jid)
}

func (a *PluginAPI) GetPresence(jid string) string {
	a.mu.RLock()
	fn := a.getPresence
	a.mu.RUnlock()
	if fn == nil {
		return "unavailable"
	}
	return fn(jid)
}

func (a *PluginAPI) SendMessage(to, body string) error {
	a.mu.RLock()
	fn := a.sendMessage
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(to, body)
}

func (a *PluginAPI) GetHistory(jid string, limit int) []extpoint.Message {
	a.mu.RLock()
	fn := a.getHistory
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(jid, limit)
}

func (a *PluginAPI) GetUnreadCount(jid string) int {
	a.mu.RLock()
	fn := a.getUnreadCount
	a.mu.RUnlock()
	if fn == nil {
		return 0
	}
	return fn(jid)
}

func (a *PluginAPI) ShowNotification(title, body string) error {
	a.mu.RLock()
	fn := a.showNotify
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(title, body)
}

func (a *PluginAPI) AddStatusBarItem(id, text string) error {
	a.mu.RLock()
	fn := a.addStatusItem
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(id, text)
}

func (a *PluginAPI) RemoveStatusBarItem(id string) error {
	a.mu.RLock()
	fn := a.rmStatusItem
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(id)
}

// OnMessage, OnPresence, OnConnect and OnDisconnect append to a slice under
// lock and return an unsubscribe closure that swaps in a nil entry at the
// same index, so concurrent Emit* calls never race against a live slice
// mutation mid-fanout.

func (a *PluginAPI) OnMessage(handler func(extpoint.Message)) func() {
	a.mu.Lock()
	idx := len(a.messageHandlers)
	a.messageHandlers = append(a.messageHandlers, handler)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.messageHandlers[idx] = nil
		a.mu.Unlock()
	}
}

func (a *PluginAPI) OnPresence(handler func(jid, status string)) func() {
	a.mu.Lock()
	idx := len(a.presenceHandlers)
	a.presenceHandlers = append(a.presenceHandlers, handler)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.presenceHandlers[idx] = nil
		a.mu.Unlock()
	}
}

func (a *PluginAPI) OnConnect(handler func()) func() {
	a.mu.Lock()
	idx := len(a.connectHandlers)
	a.connectHandlers = append(a.connectHandlers, handler)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.connectHandlers[idx] = nil
		a.mu.Unlock()
	}
}

func (a *PluginAPI) OnDisconnect(handler func()) func() {
	a.mu.Lock()
	idx := len(a.disconnectHandlers)
	a.disconnectHandlers = append(a.disconnectHandlers, handler)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.disconnectHandlers[idx] = nil
		a.mu.Unlock()
	}
}

func (a *PluginAPI) RegisterCommand(name, description string, handler extpoint.CommandHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands[name] = registeredCommand{description: description, handler: handler}
	return nil
}

func (a *PluginAPI) UnregisterCommand(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.commands, name)
	return nil
}

// RunCommand looks up a plugin-registered command by name and invokes it;
// the driver (cmd/roster) uses this to route a typed "/name args..." line.
func (a *PluginAPI) RunCommand(name string, args []string) (bool, error) {
	a.mu.RLock()
	cmd, ok := a.commands[name]
	a.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, cmd.handler(args)
}

// Commands lists every currently-registered command name and description,
// for a driver-side help listing.
func (a *PluginAPI) Commands() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.commands))
	for name, cmd := range a.commands {
		out[name] = cmd.description
	}
	return out
}

// EmitMessage fans a message out to every still-subscribed OnMessage
// handler concurrently, mirroring how the account's own dispatcher never
// lets one slow subscriber stall another.
func (a *PluginAPI) EmitMessage(msg extpoint.Message) {
	a.mu.RLock()
	handlers := append([]func(extpoint.Message){}, a.messageHandlers...)
	a.mu.RUnlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		go h(msg)
	}
}

func (a *PluginAPI) EmitPresence(jid, status string) {
	a.mu.RLock()
	handlers := append([]func(string, string){}, a.presenceHandlers...)
	a.mu.RUnlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		go h(jid, status)
	}
}

func (a *PluginAPI) EmitConnect() {
	a.mu.RLock()
	handlers := append([]func(){}, a.connectHandlers...)
	a.mu.RUnlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		go h()
	}
}

func (a *PluginAPI) EmitDisconnect() {
	a.mu.RLock()
	handlers := append([]func(){}, a.disconnectHandlers...)
	a.mu.RUnlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		go h()
	}
}

var _ extpoint.API = (*PluginAPI)(nil)
