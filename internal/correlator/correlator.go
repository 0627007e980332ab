// Package correlator turns the asynchronous inbound-stanza stream into
// awaitable request futures: atomic send+register, id-based matching,
// per-request deadlines, and deterministic cancellation.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
)

// DefaultTimeout and PingTimeout are the deadlines spec §5 calls out by name.
const (
	DefaultTimeout = 30 * time.Second
	PingTimeout    = 5 * time.Second
)

// Response is whatever payload an inbound stanza carries back for a given id;
// the correlator is payload-agnostic, so callers provide their own T via the
// generic Request/Await pair below.
type pending struct {
	resultCh chan Result
	deadline time.Time
	timer    *time.Timer
}

// Result is either a matched element or a terminal RequestError.
type Result struct {
	Element any
	Err     error
}

// Correlator maps a stanza id to exactly one pending future. Sending a
// stanza and registering its future happen atomically under Correlator's
// lock (via Register immediately followed by the send), so a response can
// never race the registration.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func New() *Correlator {
	return &Correlator{pending: make(map[string]*pending)}
}

// Register allocates the pending slot for id with the given deadline. The
// caller must send the outbound stanza immediately after Register returns
// and before releasing any lock it holds, preserving spec §4.1's ordering
// guarantee that "sending and registration are atomic".
func (c *Correlator) Register(id string, timeout time.Duration) <-chan Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ch := make(chan Result, 1)
	p := &pending{resultCh: ch, deadline: time.Now().Add(timeout)}
	p.timer = time.AfterFunc(timeout, func() { c.fail(id, coreerrors.NewReqTimedOut()) })

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return ch
}

// Unregister removes id without fulfilling it; used when the awaiting task
// is cancelled (context cancellation, caller drop).
func (c *Correlator) Unregister(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

// Deliver attempts to match an inbound element carrying the given id and
// error-type flag against a pending request. It returns false if no request
// is waiting on that id (the caller should treat the element as unsolicited).
func (c *Correlator) Deliver(id string, element any, isError bool, cond coreerrors.DefinedCondition, newLocation string) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if isError {
		p.resultCh <- Result{Err: coreerrors.NewReqXMPP(cond, newLocation)}
	} else {
		p.resultCh <- Result{Element: element}
	}
	return true
}

func (c *Correlator) fail(id string, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.resultCh <- Result{Err: err}
	}
}

// Disconnect fails every pending future with a generic connection-lost error,
// per spec §4.1 ("On disconnect all pending futures fail with a generic
// error").
func (c *Correlator) Disconnect(cause error) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.resultCh <- Result{Err: coreerrors.NewReqGeneric("connection closed", cause)}
	}
}

// Await blocks on ch until it resolves, the context is cancelled (in which
// case the pending entry for id is unregistered deterministically), or the
// result channel is closed.
func (c *Correlator) Await(ctx context.Context, id string, ch <-chan Result) (any, error) {
	select {
	case res := <-ch:
		return res.Element, res.Err
	case <-ctx.Done():
		c.Unregister(id)
		return nil, ctx.Err()
	}
}

// Len reports the number of in-flight requests; exposed for tests and
// diagnostics only.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
