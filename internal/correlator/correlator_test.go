package correlator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
)

func TestDeliverMatchesById(t *testing.T) {
	c := New()
	ch := c.Register("req1", time.Second)

	if delivered := c.Deliver("other", "payload", false, "", ""); delivered {
		t.Fatalf("expected no match for unrelated id")
	}
	if delivered := c.Deliver("req1", "payload", false, "", ""); !delivered {
		t.Fatalf("expected match for req1")
	}

	el, err := c.Await(context.Background(), "req1", ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if el != "payload" {
		t.Fatalf("got %v, want payload", el)
	}
}

func TestDeliverXMPPError(t *testing.T) {
	c := New()
	ch := c.Register("req1", time.Second)
	c.Deliver("req1", nil, true, coreerrors.CondItemNotFound, "")

	_, err := c.Await(context.Background(), "req1", ch)
	if !coreerrors.IsItemNotFound(err) {
		t.Fatalf("expected item-not-found, got %v", err)
	}
}

func TestGoneCarriesNewLocation(t *testing.T) {
	c := New()
	ch := c.Register("req1", time.Second)
	c.Deliver("req1", nil, true, coreerrors.CondGone, "xmpp:new@muc.x.org")

	_, err := c.Await(context.Background(), "req1", ch)
	loc, ok := coreerrors.IsGone(err)
	if !ok || loc != "xmpp:new@muc.x.org" {
		t.Fatalf("expected gone redirect, got ok=%v loc=%q err=%v", ok, loc, err)
	}
}

func TestTimeoutFailsFuture(t *testing.T) {
	c := New()
	ch := c.Register("req1", 10*time.Millisecond)

	_, err := c.Await(context.Background(), "req1", ch)
	var re *coreerrors.RequestError
	if !errors.As(err, &re) || re.Kind != coreerrors.ReqTimedOut {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected pending map to be empty after timeout, got %d", c.Len())
	}
}

func TestCancellationUnregistersDeterministically(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Register("req1", time.Second)
	cancel()

	_, err := c.Await(ctx, "req1", ch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected pending entry removed on cancellation, got %d", c.Len())
	}
	// A late delivery after cancellation must not panic or deadlock.
	if delivered := c.Deliver("req1", "late", false, "", ""); delivered {
		t.Fatalf("expected no delivery after cancellation removed the entry")
	}
}

func TestDisconnectFailsAllPending(t *testing.T) {
	c := New()
	ch1 := c.Register("a", time.Second)
	ch2 := c.Register("b", time.Second)

	c.Disconnect(errors.New("stream closed"))

	if _, err := c.Await(context.Background(), "a", ch1); err == nil {
		t.Fatalf("expected error for a")
	}
	if _, err := c.Await(context.Background(), "b", ch2); err == nil {
		t.Fatalf("expected error for b")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty pending map after disconnect")
	}
}
