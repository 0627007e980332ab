package userinfo

import (
	"testing"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

func mustUser(t *testing.T, s string) ids.UserId {
	t.Helper()
	u, err := ids.ParseUserId(s)
	if err != nil {
		t.Fatalf("ParseUserId(%q): %v", s, err)
	}
	return u
}

// TestResolveMaxPriority is the literal presence-resolution property of
// spec §8: resolve(userId) returns the resource with max priority.
func TestResolveMaxPriority(t *testing.T) {
	m := NewPresenceMap()
	user := mustUser(t, "alice@x.org")
	m.Set(user, "phone", Presence{Priority: 1})
	m.Set(user, "laptop", Presence{Priority: 10})
	m.Set(user, "tablet", Presence{Priority: 5})

	resolved, presence, ok := m.Resolve(user)
	if !ok {
		t.Fatalf("expected a resolved resource")
	}
	if resolved.Resource() != "laptop" {
		t.Fatalf("expected laptop (highest priority), got %s", resolved.Resource())
	}
	if presence.Priority != 10 {
		t.Fatalf("expected priority 10, got %d", presence.Priority)
	}
}

// TestResolveTieBreaksByRecency checks that equal-priority resources break
// ties toward the most recently updated one, per spec §4.6.
func TestResolveTieBreaksByRecency(t *testing.T) {
	m := NewPresenceMap()
	user := mustUser(t, "alice@x.org")

	m.Set(user, "first", Presence{Priority: 5})
	time.Sleep(2 * time.Millisecond)
	m.Set(user, "second", Presence{Priority: 5})

	resolved, _, ok := m.Resolve(user)
	if !ok {
		t.Fatalf("expected a resolved resource")
	}
	if resolved.Resource() != "second" {
		t.Fatalf("expected the more recently set resource to win the tie, got %s", resolved.Resource())
	}
}

// TestResolveFallsBackToBareId covers "if no resource is available it
// returns the bare id" from spec §8.
func TestResolveFallsBackToBareId(t *testing.T) {
	m := NewPresenceMap()
	user := mustUser(t, "ghost@x.org")

	resolved, _, ok := m.Resolve(user)
	if ok {
		t.Fatalf("expected no resolved resource for an unknown user")
	}
	if resolved.Bare().String() != user.String() {
		t.Fatalf("expected the bare id fallback, got %s", resolved.String())
	}
}

func TestRemoveSingleResource(t *testing.T) {
	m := NewPresenceMap()
	user := mustUser(t, "alice@x.org")
	m.Set(user, "laptop", Presence{Priority: 1})
	m.Set(user, "phone", Presence{Priority: 0})

	m.Remove(user, "laptop")
	resolved, _, ok := m.Resolve(user)
	if !ok || resolved.Resource() != "phone" {
		t.Fatalf("expected phone to remain after removing laptop, got %v ok=%v", resolved, ok)
	}
}

func TestRemoveAllResources(t *testing.T) {
	m := NewPresenceMap()
	user := mustUser(t, "alice@x.org")
	m.Set(user, "laptop", Presence{Priority: 1})

	m.Remove(user, "")
	_, _, ok := m.Resolve(user)
	if ok {
		t.Fatalf("expected no resolved resource after removing all")
	}
}
