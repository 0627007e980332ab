// Package handlers implements the ordered domain-handler chain described in
// spec.md §4.2 and §9: a ServerEvent flows through handlers in registration
// order, each one either consuming it (returning nil) or forwarding a
// (possibly mutated) event to the next handler. The queue aborts the whole
// chain on the first error but never panics or disconnects on a bad handler.
package handlers

import (
	"context"

	"github.com/prose-im/prose-core-client-sub004/internal/events"
)

// Handler is the two-method contract spec §9 calls out: a name for
// diagnostics and logging, and the actual event-consuming step. Using an
// interface rather than a closed enum lets new extensions (including
// out-of-process plugins, see pkg/extpoint) add a handler without editing
// the queue.
type Handler interface {
	Name() string
	HandleEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc struct {
	Label string
	Fn    func(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error)
}

func (f HandlerFunc) Name() string { return f.Label }
func (f HandlerFunc) HandleEvent(ctx context.Context, event events.ServerEvent) (*events.ServerEvent, error) {
	return f.Fn(ctx, event)
}

// Queue is the ordered chain. Handlers are processed serially on the single
// goroutine that owns stanza processing (spec §5); there is no internal
// locking because the queue itself is never touched concurrently.
type Queue struct {
	handlers []Handler
	onError  func(handler string, event events.ServerEvent, err error)
}

func NewQueue() *Queue {
	return &Queue{}
}

// Append adds a handler to the end of the chain. Order matters: register the
// connection handler first so it can clear session state before any domain
// handler observes a reconnect (spec §4.2).
func (q *Queue) Append(h Handler) {
	q.handlers = append(q.handlers, h)
}

// OnError installs an observer invoked whenever a handler returns an error.
// The chain still aborts for that event; OnError exists purely so callers
// can log without every handler needing its own logger wiring.
func (q *Queue) OnError(fn func(handler string, event events.ServerEvent, err error)) {
	q.onError = fn
}

// Dispatch runs event through every handler in order until one consumes it
// (returns nil, nil) or returns an error, whichever comes first. A handler
// error stops the chain for this event only; it never panics and never
// disconnects the session.
func (q *Queue) Dispatch(ctx context.Context, event events.ServerEvent) error {
	current := event
	for _, h := range q.handlers {
		next, err := h.HandleEvent(ctx, current)
		if err != nil {
			if q.onError != nil {
				q.onError(h.Name(), current, err)
			}
			return err
		}
		if next == nil {
			return nil
		}
		current = *next
	}
	return nil
}

// Len reports the number of registered handlers; exposed for tests.
func (q *Queue) Len() int { return len(q.handlers) }
