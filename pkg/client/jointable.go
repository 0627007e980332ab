package client

import (
	"encoding/xml"
	"sync"

	"github.com/prose-im/prose-core-client-sub004/internal/coreerrors"
	"github.com/prose-im/prose-core-client-sub004/internal/xmppconn"
)

// joinResult is what a pending MUC join resolves to: either the server
// created a fresh room (status code 201) or the join just entered an
// existing one, or it failed with a decoded stanza error.
type joinResult struct {
	created bool
	err     error
}

// joinTable correlates MUC join presences by occupant JID, since XEP-0045
// joins carry no stanza id for the shared correlator.Correlator to key on.
// It mirrors correlator.Correlator's shape (a mutex-guarded map of
// id-to-channel) at a smaller scale, deliberately kept separate rather than
// widening correlator.Correlator's id type, since every other request in the
// core is genuinely id-keyed and only MUC joins are not.
type joinTable struct {
	mu      sync.Mutex
	pending map[string]chan joinResult
}

func newJoinTable() *joinTable {
	return &joinTable{pending: make(map[string]chan joinResult)}
}

func (j *joinTable) register(occupant string) <-chan joinResult {
	ch := make(chan joinResult, 1)
	j.mu.Lock()
	j.pending[occupant] = ch
	j.mu.Unlock()
	return ch
}

func (j *joinTable) unregister(occupant string) {
	j.mu.Lock()
	delete(j.pending, occupant)
	j.mu.Unlock()
}

// joinStatusCreated is the XEP-0045 status code a self-presence carries when
// the join provisioned a brand-new room rather than entering an existing one.
const joinStatusCreated = 201

// deliver matches a raw presence stanza against a pending join keyed by its
// "from" address (the full occupant JID). It reports whether the stanza was
// consumed; callers still forward the stanza to the normal event pipeline
// regardless, since non-self occupant presences sharing the same room need
// ordinary room/participant handling.
func (j *joinTable) deliver(raw xmppconn.RawStanza) bool {
	j.mu.Lock()
	ch, ok := j.pending[raw.From]
	if ok {
		delete(j.pending, raw.From)
	}
	j.mu.Unlock()
	if !ok {
		return false
	}

	if raw.Type == "error" {
		cond, loc := decodeCondition(raw.XML)
		ch <- joinResult{err: coreerrors.NewReqXMPP(cond, loc)}
		return true
	}

	var p mucUserPresence
	created := false
	if err := xml.Unmarshal(raw.XML, &p); err == nil && p.X != nil {
		for _, s := range p.X.Status {
			if s.Code == joinStatusCreated {
				created = true
			}
		}
	}
	ch <- joinResult{created: created}
	return true
}
