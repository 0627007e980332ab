package messages

import (
	"sort"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Reduce folds a set of MessageLike deltas into the canonical, ordered
// Message log, implementing the rules of spec §4.4 and the determinism
// property of spec §8: any permutation of the same multiset whose members
// agree on (timestamp, server_id) reduces to a byte-identical result. This
// is achieved by sorting on a fully deterministic key before folding, so the
// fold itself never depends on input order.
func Reduce(deltas []MessageLike) []Message {
	sorted := make([]MessageLike, len(deltas))
	copy(sorted, deltas)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ServerId != b.ServerId {
			return a.ServerId < b.ServerId
		}
		if a.RemoteId != b.RemoteId {
			return a.RemoteId < b.RemoteId
		}
		return a.Kind < b.Kind
	})

	var order []*Message
	byTarget := make(map[string]*Message)
	reactionState := make(map[*Message]map[string]*senderReaction) // sender string -> current reaction

	targetKey := func(t ids.MessageTargetId) string {
		if t.IsStanzaId() {
			return "stanza:" + t.String()
		}
		return "id:" + t.String()
	}

	for _, d := range sorted {
		switch d.Kind {
		case Body:
			msg := &Message{
				From:             d.From,
				Body:             d.Body,
				Timestamp:        d.Timestamp,
				DecryptionFailed: d.DecryptionFailed,
			}
			if d.RemoteId != "" {
				id := ids.MessageId(d.RemoteId)
				msg.Id = &id
				byTarget["id:"+string(d.RemoteId)] = msg
			}
			if d.ServerId != "" {
				sid := d.ServerId
				msg.ServerId = &sid
			}
			if d.StanzaId != "" {
				byTarget["stanza:"+string(d.StanzaId)] = msg
			}
			order = append(order, msg)

		case Correction:
			target, ok := byTarget[targetKey(d.Target)]
			if !ok || !target.From.Equal(d.From) {
				continue
			}
			target.Body = d.Body
			target.IsEdited = true

		case Retraction:
			target, ok := byTarget[targetKey(d.Target)]
			if !ok {
				continue
			}
			target.IsRetracted = true
			target.Body = ""

		case Reaction:
			target, ok := byTarget[targetKey(d.Target)]
			if !ok {
				continue
			}
			state, exists := reactionState[target]
			if !exists {
				state = make(map[string]*senderReaction)
				reactionState[target] = state
			}
			state[d.From.String()] = &senderReaction{from: d.From, emojis: append([]string(nil), d.Emojis...)}

		case ReadMarker:
			target, ok := byTarget[targetKey(d.Target)]
			if !ok {
				continue
			}
			markReadUpTo(order, target)

		case DeliveryReceipt:
			target, ok := byTarget[targetKey(d.Target)]
			if !ok {
				continue
			}
			target.IsDelivered = true
		}
	}

	for msg, state := range reactionState {
		msg.Reactions = flattenReactions(state)
	}

	out := make([]Message, len(order))
	for i, m := range order {
		out[i] = *m
	}
	return out
}

// markReadUpTo sets IsRead on target and every message that was created
// before it in the (already timestamp-sorted) order slice, per spec §4.4:
// "past messages whose id ≤ target become is_read=true".
func markReadUpTo(order []*Message, target *Message) {
	for _, m := range order {
		m.IsRead = true
		if m == target {
			return
		}
	}
}

// senderReaction is one sender's current reaction: their full emoji set on
// a target message, per XEP-0444 "replace, don't add" semantics.
type senderReaction struct {
	from   ids.ParticipantId
	emojis []string
}

// flattenReactions turns the per-sender reaction state into the public,
// per-emoji grouping, sorted by emoji then participant string for
// deterministic output.
func flattenReactions(state map[string]*senderReaction) []ReactionGroup {
	byEmoji := make(map[string][]ids.ParticipantId)
	for _, r := range state {
		for _, emoji := range r.emojis {
			byEmoji[emoji] = append(byEmoji[emoji], r.from)
		}
	}

	emojiNames := make([]string, 0, len(byEmoji))
	for emoji := range byEmoji {
		emojiNames = append(emojiNames, emoji)
	}
	sort.Strings(emojiNames)

	groups := make([]ReactionGroup, 0, len(emojiNames))
	for _, emoji := range emojiNames {
		senders := append([]ids.ParticipantId(nil), byEmoji[emoji]...)
		sort.Slice(senders, func(i, j int) bool { return senders[i].String() < senders[j].String() })
		groups = append(groups, ReactionGroup{Emoji: emoji, From: senders})
	}
	return groups
}
