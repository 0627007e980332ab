package dispatcher

import "github.com/prose-im/prose-core-client-sub004/internal/ids"

// Delegate is the transport-agnostic consumer of batched ClientEvents. It
// must not block: long work is the delegate's own responsibility to
// offload, per spec §4.7 and §5 ("the delegate must be non-blocking").
type Delegate func(events []ClientEvent)

// messageKey groups Messages{Appended,Updated,Deleted} events for id-set
// union merging: same room and same Kind within one turn become one event.
type messageKey struct {
	kind Kind
	room ids.RoomId
}

// Batcher accumulates ClientEvents emitted while processing a single
// inbound stanza (or a single domain-service call) and flushes them as one
// deduplicated, merged slice, per spec §4.7: "within a single
// stanza-processing turn, dispatches are batched: identical events... are
// deduplicated and Messages{Appended,Updated} events are merged by id-set
// union".
type Batcher struct {
	delegate Delegate

	open bool

	messageSets map[messageKey]map[string]struct{}
	order       []messageKey

	contactChanged map[ids.UserId]struct{}
	avatarChanged  map[ids.UserId]struct{}
	composing      map[ids.RoomId]ClientEvent

	sidebarChanged bool
	connection     *ClientEvent
}

func NewBatcher(delegate Delegate) *Batcher {
	return &Batcher{delegate: delegate}
}

// Begin opens a new turn. Turns do not nest; calling Begin while one is
// already open resets state rather than panicking, since a malformed
// caller must never wedge the dispatcher.
func (b *Batcher) Begin() {
	b.open = true
	b.messageSets = make(map[messageKey]map[string]struct{})
	b.order = nil
	b.contactChanged = make(map[ids.UserId]struct{})
	b.avatarChanged = make(map[ids.UserId]struct{})
	b.composing = make(map[ids.RoomId]ClientEvent)
	b.sidebarChanged = false
	b.connection = nil
}

// Emit records one event into the open turn. Calling Emit outside a turn
// dispatches immediately as a single-event turn, so callers that do not
// need batching (a one-off service call) can still use the Batcher.
func (b *Batcher) Emit(e ClientEvent) {
	if !b.open {
		b.Begin()
		b.Emit(e)
		b.End()
		return
	}

	switch e.Kind {
	case KindMessagesAppended, KindMessagesUpdated, KindMessagesDeleted:
		key := messageKey{kind: e.Kind, room: e.RoomId}
		set, ok := b.messageSets[key]
		if !ok {
			set = make(map[string]struct{})
			b.messageSets[key] = set
			b.order = append(b.order, key)
		}
		for _, id := range e.MessageIds {
			set[id] = struct{}{}
		}
	case KindContactChanged:
		b.contactChanged[e.UserId] = struct{}{}
	case KindAvatarChanged:
		b.avatarChanged[e.UserId] = struct{}{}
	case KindComposingUsersChanged:
		b.composing[e.RoomId] = e // last write wins: only the latest composing set matters
	case KindSidebarChanged:
		b.sidebarChanged = true
	case KindConnectionStatusChanged:
		ev := e
		b.connection = &ev // last write wins: only the final connection state in a turn is meaningful
	}
}

// End flushes the open turn to the delegate and closes it. Flush order is
// deterministic: messages (in first-seen order), then contacts, avatars,
// composing, sidebar, connection — callers should not depend on a specific
// cross-category order beyond that determinism.
func (b *Batcher) End() {
	if !b.open {
		return
	}
	b.open = false

	var out []ClientEvent
	for _, key := range b.order {
		idSet := b.messageSets[key]
		idList := make([]string, 0, len(idSet))
		for id := range idSet {
			idList = append(idList, id)
		}
		out = append(out, ClientEvent{Kind: key.kind, RoomId: key.room, MessageIds: idList})
	}
	for user := range b.contactChanged {
		out = append(out, ClientEvent{Kind: KindContactChanged, UserId: user})
	}
	for user := range b.avatarChanged {
		out = append(out, ClientEvent{Kind: KindAvatarChanged, UserId: user})
	}
	for _, ev := range b.composing {
		out = append(out, ev)
	}
	if b.sidebarChanged {
		out = append(out, SidebarChanged())
	}
	if b.connection != nil {
		out = append(out, *b.connection)
	}

	if len(out) > 0 && b.delegate != nil {
		b.delegate(out)
	}
}
