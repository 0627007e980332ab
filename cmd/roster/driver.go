package main

import (
	"context"
	"fmt"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/userinfo"
	"github.com/prose-im/prose-core-client-sub004/pkg/client"
	"github.com/prose-im/prose-core-client-sub004/pkg/extpoint"
)

// driverAPI is the host-side extpoint.API backing every loaded extension:
// it projects pkg/client.Client's domain state down to the plugin-safe,
// string-keyed shapes extpoint.API deals in. Its EventsAPI half is never
// called directly — main.go's printClientEvent drives extension pushes
// through the *extpoint.Host built alongside it instead, so
// driverAPI only needs to answer pull-style lookups.
type driverAPI struct {
	client *client.Client
}

func (d *driverAPI) GetContacts() []extpoint.Contact {
	var out []extpoint.Contact
	for _, room := range d.client.Rooms.Rooms.All() {
		user, ok := room.Id().AsUserId()
		if !ok {
			continue
		}
		out = append(out, extpoint.Contact{
			JID:    user.String(),
			Name:   room.Name(),
			Status: presenceString(d.client, user),
		})
	}
	return out
}

func (d *driverAPI) GetContact(jidStr string) *extpoint.Contact {
	user, err := ids.ParseUserId(jidStr)
	if err != nil {
		return nil
	}
	room, ok := d.client.Rooms.Rooms.Get(ids.RoomIdFromUser(user))
	if !ok {
		return &extpoint.Contact{JID: jidStr, Status: presenceString(d.client, user)}
	}
	return &extpoint.Contact{JID: jidStr, Name: room.Name(), Status: presenceString(d.client, user)}
}

func (d *driverAPI) GetPresence(jidStr string) string {
	user, err := ids.ParseUserId(jidStr)
	if err != nil {
		return "unavailable"
	}
	return presenceString(d.client, user)
}

func (d *driverAPI) SendMessage(to, body string) error {
	user, err := ids.ParseUserId(to)
	if err != nil {
		return err
	}
	_, err = d.client.SendMessage(context.Background(), ids.RoomIdFromUser(user), body)
	return err
}

func (d *driverAPI) GetHistory(jidStr string, limit int) []extpoint.Message {
	user, err := ids.ParseUserId(jidStr)
	if err != nil {
		return nil
	}
	room := ids.RoomIdFromUser(user)
	msgs := d.client.Messages.Room(room)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]extpoint.Message, 0, len(msgs))
	for _, m := range msgs {
		id := ""
		if m.Id != nil {
			id = string(*m.Id)
		}
		out = append(out, extpoint.Message{
			ID:        id,
			From:      m.From.String(),
			To:        jidStr,
			Body:      m.Body,
			Timestamp: m.Timestamp,
			Encrypted: m.DecryptionFailed,
		})
	}
	return out
}

func (d *driverAPI) GetUnreadCount(jidStr string) int {
	user, err := ids.ParseUserId(jidStr)
	if err != nil {
		return 0
	}
	unread := 0
	for _, m := range d.client.Messages.Room(ids.RoomIdFromUser(user)) {
		if !m.IsRead {
			unread++
		}
	}
	return unread
}

func (d *driverAPI) ShowNotification(title, body string) error {
	fmt.Println(styleMeta.Render(fmt.Sprintf("[notify] %s: %s", title, body)))
	return nil
}

func (d *driverAPI) AddStatusBarItem(id, text string) error {
	fmt.Println(styleMeta.Render(fmt.Sprintf("[status:%s] %s", id, text)))
	return nil
}

func (d *driverAPI) RemoveStatusBarItem(id string) error {
	fmt.Println(styleMeta.Render(fmt.Sprintf("[status:%s] cleared", id)))
	return nil
}

// OnMessage, OnPresence, OnConnect and OnDisconnect are unused on the host
// side: extensions register these from inside their own process against
// the remote API proxy (pkg/extpoint's remoteAPI), never against
// driverAPI directly.
func (d *driverAPI) OnMessage(func(extpoint.Message)) func()   { return func() {} }
func (d *driverAPI) OnPresence(func(jid, status string)) func() { return func() {} }
func (d *driverAPI) OnConnect(func()) func()                    { return func() {} }
func (d *driverAPI) OnDisconnect(func()) func()                 { return func() {} }

func (d *driverAPI) RegisterCommand(name, description string, handler extpoint.CommandHandler) error {
	return nil
}

func (d *driverAPI) UnregisterCommand(name string) error { return nil }

var _ extpoint.API = (*driverAPI)(nil)

func presenceString(c *client.Client, user ids.UserId) string {
	_, presence, ok := c.Presence.Resolve(user)
	if !ok {
		return "unavailable"
	}
	switch presence.Show {
	case userinfo.ShowOnline:
		return "online"
	case userinfo.ShowDND:
		return "dnd"
	case userinfo.ShowXA:
		return "xa"
	default:
		return string(presence.Show)
	}
}

func driverPresenceString(c *client.Client, user ids.UserId) string {
	return presenceString(c, user)
}
