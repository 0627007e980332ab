// Package runtime drains the raw stanza stream from internal/xmppconn into
// typed internal/events.ServerEvent values and runs them through the
// internal/handlers queue: a buffered channel with a non-blocking,
// drop-on-full send feeding one consumer goroutine.
package runtime

import (
	"context"
	"fmt"

	"github.com/prose-im/prose-core-client-sub004/internal/events"
	"github.com/prose-im/prose-core-client-sub004/internal/handlers"
	"github.com/prose-im/prose-core-client-sub004/internal/xmppconn"
)

// QueueDepth is the capacity of the pending-stanza channel. xmppconn.Conn's
// StanzaHandler contract requires the handler not block, so Submit must
// never wait on a full channel; a depth this size absorbs an archive page
// or MUC roster burst without dropping under ordinary load.
const QueueDepth = 256

// Runtime owns the single goroutine that turns raw stanzas into dispatched
// events for one connected account.
type Runtime struct {
	queue   chan xmppconn.RawStanza
	handlers *handlers.Queue
	isMucRoom events.RoomKindLookup

	// OnParseError is called (if set) whenever events.Parse fails on a
	// buffered stanza; the stanza is dropped either way, since there is no
	// meaningful retry for a malformed document.
	OnParseError func(raw xmppconn.RawStanza, err error)

	// OnDispatchError is called (if set) whenever handlers.Queue.Dispatch
	// returns an error for a parsed event.
	OnDispatchError func(ev events.ServerEvent, err error)

	done chan struct{}
}

// New builds a Runtime. isMucRoom resolves whether a bare-JID address is a
// known MUC room, per events.RoomKindLookup's contract; callers typically
// back it with a registry of joined/bookmarked rooms.
func New(h *handlers.Queue, isMucRoom events.RoomKindLookup) *Runtime {
	return &Runtime{
		queue:     make(chan xmppconn.RawStanza, QueueDepth),
		handlers:  h,
		isMucRoom: isMucRoom,
		done:      make(chan struct{}),
	}
}

// Submit enqueues raw for processing. It never blocks: this is the function
// passed (indirectly) as an xmppconn.StanzaHandler, and that contract
// forbids blocking the read loop. A stanza is dropped, with OnParseError
// notified of a synthetic error, only when the queue is already full.
func (r *Runtime) Submit(raw xmppconn.RawStanza) {
	select {
	case r.queue <- raw:
	default:
		if r.OnParseError != nil {
			r.OnParseError(raw, fmt.Errorf("runtime: stanza queue full, dropping %s id=%s", raw.Name, raw.Id))
		}
	}
}

// Run drains the queue until ctx is canceled, parsing and dispatching one
// stanza at a time. Run is not safe to call concurrently with itself; a
// Runtime has exactly one consumer goroutine.
func (r *Runtime) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-r.queue:
			r.process(ctx, raw)
		}
	}
}

// Done is closed once Run returns, letting callers wait out in-flight
// processing after canceling ctx.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Len reports the number of stanzas currently buffered, for diagnostics.
func (r *Runtime) Len() int { return len(r.queue) }

func (r *Runtime) process(ctx context.Context, raw xmppconn.RawStanza) {
	evs, err := events.Parse(raw.Name, raw.From, raw.To, raw.Id, raw.Type, raw.XML, r.isMucRoom)
	if err != nil {
		if r.OnParseError != nil {
			r.OnParseError(raw, err)
		}
		return
	}
	for _, ev := range evs {
		if err := r.handlers.Dispatch(ctx, ev); err != nil {
			if r.OnDispatchError != nil {
				r.OnDispatchError(ev, err)
			}
		}
	}
}
