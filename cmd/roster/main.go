// Command roster is a thin terminal driver over pkg/client: it loads the
// first configured account, connects, prints every client event as a
// styled line, and accepts simple "<jid>: body" lines on stdin to send
// messages. It exists to exercise pkg/client end to end, not as a
// finished chat UI — that is explicitly out of scope.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/prose-im/prose-core-client-sub004/internal/config"
	"github.com/prose-im/prose-core-client-sub004/internal/dispatcher"
	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/logging"
	"github.com/prose-im/prose-core-client-sub004/internal/repository"
	"github.com/prose-im/prose-core-client-sub004/pkg/client"
	"github.com/prose-im/prose-core-client-sub004/pkg/extpoint"
)

var (
	styleConnected    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	styleDisconnected = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	styleMessage      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleMeta         = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	styleError        = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	accounts, err := config.LoadAccounts()
	if err != nil {
		log.Fatalf("loading accounts: %v", err)
	}
	if len(accounts.Accounts) == 0 {
		log.Fatal("no accounts configured")
	}
	account := accounts.Accounts[0]

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Close()

	db, err := repository.Open(cfg.General.DataDir)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	driver := &driverAPI{}
	host := extpoint.NewHost(cfg.Plugins.PluginDir, driver)

	c, err := client.NewClient(account, db, logger, func(events []dispatcher.ClientEvent) {
		for _, ev := range events {
			printClientEvent(driver.client, ev, host)
		}
	})
	if err != nil {
		log.Fatalf("initializing client: %v", err)
	}
	driver.client = c

	if err := host.LoadAll(); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render(fmt.Sprintf("loading extensions: %v", err)))
	}
	for _, name := range host.List() {
		if err := host.Start(name); err != nil {
			fmt.Fprintln(os.Stderr, styleError.Render(fmt.Sprintf("starting extension %s: %v", name, err)))
		}
	}
	defer host.UnloadAll()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("connecting: %v", err)
	}
	defer c.Disconnect(ctx)

	fmt.Println(styleMeta.Render("connected as " + account.JID + `; type "<jid>: message" to send, Ctrl-D to quit`))
	repl(ctx, c)
}

func printClientEvent(c *client.Client, ev dispatcher.ClientEvent, host *extpoint.Host) {
	switch ev.Kind {
	case dispatcher.KindConnectionStatusChanged:
		if ev.Connected {
			fmt.Println(styleConnected.Render("● connected"))
			host.BroadcastConnect()
		} else {
			msg := "disconnected"
			if ev.ConnErr != nil {
				msg += ": " + ev.ConnErr.Error()
			}
			fmt.Println(styleDisconnected.Render("● " + msg))
			host.BroadcastDisconnect()
		}
	case dispatcher.KindMessagesAppended:
		wanted := make(map[string]bool, len(ev.MessageIds))
		for _, id := range ev.MessageIds {
			wanted[id] = true
		}
		for _, msg := range c.Messages.Room(ev.RoomId) {
			id := idString(msg.Id)
			if !wanted[id] {
				continue
			}
			from := msg.From.String()
			fmt.Printf("%s %s\n", styleMeta.Render("["+ev.RoomId.String()+"]"), styleMessage.Render(from+": "+msg.Body))
			host.BroadcastMessage(extpoint.Message{
				ID:        id,
				From:      from,
				To:        ev.RoomId.String(),
				Body:      msg.Body,
				Timestamp: msg.Timestamp,
				Encrypted: msg.DecryptionFailed,
			})
		}
	case dispatcher.KindSidebarChanged:
		fmt.Println(styleMeta.Render("sidebar updated"))
	case dispatcher.KindComposingUsersChanged:
		if len(ev.ComposingUsers) > 0 {
			fmt.Println(styleMeta.Render(fmt.Sprintf("%s is composing…", ev.ComposingUsers[0].String())))
		}
	case dispatcher.KindContactChanged:
		fmt.Println(styleMeta.Render("contact changed: " + ev.UserId.String()))
		host.BroadcastPresence(ev.UserId.String(), driverPresenceString(c, ev.UserId))
	case dispatcher.KindAvatarChanged:
		fmt.Println(styleMeta.Render("avatar changed: " + ev.UserId.String()))
	}
}

func idString(id *ids.MessageId) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

func repl(ctx context.Context, c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		jidStr, body, ok := strings.Cut(line, ":")
		if !ok {
			fmt.Println(styleError.Render(`expected "<jid>: message"`))
			continue
		}
		user, err := ids.ParseUserId(strings.TrimSpace(jidStr))
		if err != nil {
			fmt.Println(styleError.Render("invalid jid: " + err.Error()))
			continue
		}
		room := ids.RoomIdFromUser(user)
		if _, err := c.SendMessage(ctx, room, strings.TrimSpace(body)); err != nil {
			fmt.Println(styleError.Render("send failed: " + err.Error()))
		}
	}
}
