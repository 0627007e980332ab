package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/prose-im/prose-core-client-sub004/pkg/extpoint"
)

// undecryptableBody is the placeholder body a message carries when its
// OMEMO payload could not be decrypted (see internal/messages.placeholderBody
// on the host side; plugin binaries never link against internal/, so the
// sentinel text is duplicated here rather than imported).
const undecryptableBody = "[message could not be decrypted]"

// statusNotifyPlugin notifies on presence and message events. Unlike a
// plain one-shot notifier, it tracks each contact's last-announced
// presence so a resend of the same Show (the account's batcher
// deduplicates within one turn, but two separate turns can still report
// the same status back to back) doesn't surface a second identical
// notification, and it gives a decryption failure its own distinct wording
// instead of surfacing the placeholder body as if it were the message.
type statusNotifyPlugin struct {
	api     extpoint.API
	running bool
	unsub   []func()

	mu         sync.Mutex
	lastStatus map[string]string
}

func (p *statusNotifyPlugin) Name() string       { return "statusnotify" }
func (p *statusNotifyPlugin) Version() string     { return "1.1.0" }
func (p *statusNotifyPlugin) Description() string { return "Desktop notifications for presence and message events" }

// Init initializes the plugin
func (p *statusNotifyPlugin) Init(_ context.Context, api extpoint.API) error {
	p.api = api
	p.lastStatus = make(map[string]string)
	return nil
}

// Start starts the plugin
func (p *statusNotifyPlugin) Start() error {
	if p.running {
		return nil
	}

	unsubPresence := p.api.OnPresence(func(jid, status string) {
		if !p.shouldAnnounce(jid, status) {
			return
		}

		contact := p.api.GetContact(jid)
		name := jid
		if contact != nil && contact.Name != "" {
			name = contact.Name
		}

		var message string
		switch status {
		case "online":
			message = fmt.Sprintf("%s is now online", name)
		case "away", "xa":
			message = fmt.Sprintf("%s is away", name)
		case "dnd":
			message = fmt.Sprintf("%s is busy", name)
		case "unavailable":
			message = fmt.Sprintf("%s went offline", name)
		default:
			return
		}

		_ = sendNotification("Prose", message)
	})
	p.unsub = append(p.unsub, unsubPresence)

	unsubMessage := p.api.OnMessage(func(msg extpoint.Message) {
		if msg.Outgoing {
			return
		}

		contact := p.api.GetContact(msg.From)
		name := msg.From
		if contact != nil && contact.Name != "" {
			name = contact.Name
		}

		if msg.Encrypted && msg.Body == undecryptableBody {
			_ = sendNotification("Prose", fmt.Sprintf("A message from %s could not be decrypted", name))
			return
		}

		_ = sendNotification(name, msg.Body)
	})
	p.unsub = append(p.unsub, unsubMessage)

	p.running = true
	return nil
}

// shouldAnnounce reports whether status differs from the last status
// announced for jid, recording status as the new baseline either way.
func (p *statusNotifyPlugin) shouldAnnounce(jid, status string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastStatus[jid] == status {
		return false
	}
	p.lastStatus[jid] = status
	return true
}

// Stop stops the plugin
func (p *statusNotifyPlugin) Stop() error {
	if !p.running {
		return nil
	}

	for _, unsub := range p.unsub {
		unsub()
	}
	p.unsub = nil

	p.mu.Lock()
	p.lastStatus = make(map[string]string)
	p.mu.Unlock()

	p.running = false
	return nil
}

// sendNotification sends a desktop notification
func sendNotification(title, body string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`, body, title)
		return exec.Command("osascript", "-e", script).Run()

	case "linux":
		return exec.Command("notify-send", title, body).Run()

	default:
		// Windows Toast notifications require more complex implementation.
		return nil
	}
}

func main() {
	extpoint.Serve(&statusNotifyPlugin{})
}
