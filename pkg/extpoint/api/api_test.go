package api

import (
	"errors"
	"testing"
	"time"

	"github.com/prose-im/prose-core-client-sub004/pkg/extpoint"
)

func TestUnsetCallbacksFallBackToZeroValues(t *testing.T) {
	a := New()

	if got := a.GetContacts(); got != nil {
		t.Fatalf("GetContacts() = %v, want nil", got)
	}
	if got := a.GetContact("alice@example.org"); got != nil {
		t.Fatalf("GetContact() = %v, want nil", got)
	}
	if got := a.GetPresence("alice@example.org"); got != "unavailable" {
		t.Fatalf("GetPresence() = %q, want unavailable", got)
	}
	if err := a.SendMessage("alice@example.org", "hi"); err != nil {
		t.Fatalf("SendMessage() = %v, want nil", err)
	}
	if got := a.GetHistory("alice@example.org", 10); got != nil {
		t.Fatalf("GetHistory() = %v, want nil", got)
	}
	if got := a.GetUnreadCount("alice@example.org"); got != 0 {
		t.Fatalf("GetUnreadCount() = %d, want 0", got)
	}
}

func TestSettersWireThroughToCalls(t *testing.T) {
	a := New()

	a.SetGetPresence(func(jid string) string {
		if jid != "bob@example.org" {
			t.Fatalf("unexpected jid %q", jid)
		}
		return "away"
	})
	if got := a.GetPresence("bob@example.org"); got != "away" {
		t.Fatalf("GetPresence() = %q, want away", got)
	}

	wantErr := errors.New("offline")
	a.SetSendMessage(func(to, body string) error {
		if to != "bob@example.org" || body != "hello" {
			t.Fatalf("unexpected args %q %q", to, body)
		}
		return wantErr
	})
	if err := a.SendMessage("bob@example.org", "hello"); err != wantErr {
		t.Fatalf("SendMessage() = %v, want %v", err, wantErr)
	}
}

func TestOnMessageUnsubscribeStopsFutureFanout(t *testing.T) {
	a := New()
	ch := make(chan extpoint.Message, 4)

	unsub := a.OnMessage(func(m extpoint.Message) { ch <- m })
	a.EmitMessage(extpoint.Message{ID: "1", Body: "first"})
	select {
	case m := <-ch:
		if m.ID != "1" {
			t.Fatalf("got message %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first EmitMessage fanout")
	}

	unsub()
	a.EmitMessage(extpoint.Message{ID: "2", Body: "second"})
	select {
	case m := <-ch:
		t.Fatalf("unsubscribed handler still received %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterAndRunCommand(t *testing.T) {
	a := New()
	var gotArgs []string
	if err := a.RegisterCommand("ping", "replies pong", func(args []string) error {
		gotArgs = args
		return nil
	}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	ran, err := a.RunCommand("ping", []string{"x", "y"})
	if err != nil || !ran {
		t.Fatalf("RunCommand = (%v, %v), want (true, nil)", ran, err)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "x" {
		t.Fatalf("got args %v", gotArgs)
	}

	if descs := a.Commands(); descs["ping"] != "replies pong" {
		t.Fatalf("Commands() = %v", descs)
	}

	if err := a.UnregisterCommand("ping"); err != nil {
		t.Fatalf("UnregisterCommand: %v", err)
	}
	if ran, err := a.RunCommand("ping", nil); ran || err != nil {
		t.Fatalf("RunCommand after unregister = (%v, %v), want (false, nil)", ran, err)
	}
}

func TestRunCommandUnknownNameReturnsFalse(t *testing.T) {
	a := New()
	ran, err := a.RunCommand("nope", nil)
	if ran || err != nil {
		t.Fatalf("RunCommand(unknown) = (%v, %v), want (false, nil)", ran, err)
	}
}
