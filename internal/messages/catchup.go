package messages

import (
	"context"
	"strconv"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// placeholderBody is substituted for a message whose OMEMO payload could
// not be decrypted, per spec §4.4: the UI shows this instead of failing.
const placeholderBody = "[message could not be decrypted]"

// DefaultPageSize and DefaultPageCap bound one catch-up run: page size
// is a conservative MAM RSM "max" value, and the cap keeps a very long
// silent room from pinning catch-up indefinitely.
const (
	DefaultPageSize = 50
	DefaultPageCap  = 20
)

// EncryptionKey is one recipient device's wrapped content key, carried
// alongside an EncryptedPayload per the OMEMO wire format.
type EncryptionKey struct {
	DeviceId ids.DeviceId
	IsPreKey bool
	Data     []byte
}

// EncryptedPayload is an OMEMO-encrypted message body as read off the wire,
// prior to decryption.
type EncryptedPayload struct {
	SenderDeviceId ids.DeviceId
	Keys           []EncryptionKey
	IV             []byte
	Payload        []byte
}

// RawArchivedMessage is what an ArchiveFetcher yields for one archived
// stanza, before OMEMO decryption and before it becomes a MessageLike delta.
type RawArchivedMessage struct {
	RemoteId  ids.MessageRemoteId
	ServerId  ids.MessageServerId
	StanzaId  ids.StanzaId
	From      ids.ParticipantId
	Timestamp time.Time
	Kind      Kind

	Body      string // set directly when Encrypted == nil
	Target    ids.MessageTargetId
	Emojis    []string
	Encrypted *EncryptedPayload
}

// ArchivePage is one MAM RSM page.
type ArchivePage struct {
	Messages []RawArchivedMessage
	Complete bool
}

// ArchiveFetcher issues one paginated MAM query. before is the exclusive
// upper timestamp bound for this page; pageSize is the RSM max.
type ArchiveFetcher interface {
	FetchPage(ctx context.Context, room ids.RoomId, before time.Time, pageSize int) (ArchivePage, error)
}

// BrokenSession identifies a (sender, device) pair whose session failed to
// authenticate a message and needs fresh establishment on the next outbound
// message, per spec §4.5.
type BrokenSession struct {
	From   ids.ParticipantId
	Device ids.DeviceId
}

// DecryptionContext accumulates bookkeeping across a single catch-up run:
// which one-time pre-key ids were consumed, which sessions proved broken,
// and which (sender, device) pairs were actually observed. The caller
// finalizes it against the OMEMO store once catch-up completes (spec §4.5:
// replenish used pre-keys, flag broken sessions for repair).
type DecryptionContext struct {
	usedPreKeys    map[uint32]struct{}
	brokenSessions map[string]BrokenSession
	messageSenders map[string]struct{}
}

func NewDecryptionContext() *DecryptionContext {
	return &DecryptionContext{
		usedPreKeys:    make(map[uint32]struct{}),
		brokenSessions: make(map[string]BrokenSession),
		messageSenders: make(map[string]struct{}),
	}
}

func senderKey(from ids.ParticipantId, device ids.DeviceId) string {
	return from.String() + "#" + strconv.FormatUint(uint64(device), 10)
}

// RecordUsedPreKey notes that a one-time pre-key (identified by its bundle
// id, not a device id) was consumed establishing an inbound session.
func (d *DecryptionContext) RecordUsedPreKey(preKeyId uint32) { d.usedPreKeys[preKeyId] = struct{}{} }

func (d *DecryptionContext) RecordBrokenSession(from ids.ParticipantId, device ids.DeviceId) {
	d.brokenSessions[senderKey(from, device)] = BrokenSession{From: from, Device: device}
}

func (d *DecryptionContext) RecordSender(from ids.ParticipantId, device ids.DeviceId) {
	d.messageSenders[senderKey(from, device)] = struct{}{}
}

func (d *DecryptionContext) UsedPreKeys() []uint32 {
	out := make([]uint32, 0, len(d.usedPreKeys))
	for id := range d.usedPreKeys {
		out = append(out, id)
	}
	return out
}

func (d *DecryptionContext) BrokenSessions() []BrokenSession {
	out := make([]BrokenSession, 0, len(d.brokenSessions))
	for _, b := range d.brokenSessions {
		out = append(out, b)
	}
	return out
}

func (d *DecryptionContext) SenderCount() int { return len(d.messageSenders) }

// Decryptor performs the OMEMO decryption step described in spec §4.5:
// select the local device's EncryptionKey, establish or repair a session if
// it is pre-key-wrapped, then AES-GCM-decrypt the payload. Implementations
// must record pre-key usage and broken sessions on dctx rather than
// returning them, since one DecryptionContext is shared across an entire
// catch-up run.
type Decryptor interface {
	Decrypt(ctx context.Context, dctx *DecryptionContext, from ids.ParticipantId, payload EncryptedPayload) (plaintext string, err error)
}

// AppendedEvent is emitted once per catch-up page that added at least one
// new delta to a visible room, matching the MessagesAppended event of
// spec §4.4's literal scenario.
type AppendedEvent struct {
	Room   ids.RoomId
	Deltas []MessageLike
}

// CatchupService runs MAM-backed archive catch-up for a room, folding
// results into a Store and reporting progress via OnAppended.
type CatchupService struct {
	Fetcher    ArchiveFetcher
	Decryptor  Decryptor
	Store      *Store
	PageSize   int
	PageCap    int
	OnAppended func(AppendedEvent)
}

func (s *CatchupService) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return DefaultPageSize
}

func (s *CatchupService) pageCap() int {
	if s.PageCap > 0 {
		return s.PageCap
	}
	return DefaultPageCap
}

// Run pages backward from lastCatchupTime (or now, if zero) until the
// archive reports complete, the page cap is hit, or a message older than
// the store's existing head is seen, per spec §4.4. It returns the updated
// last_catchup_time (the maximum timestamp observed across all pages).
func (s *CatchupService) Run(ctx context.Context, room ids.RoomId, lastCatchupTime time.Time, visible bool) (time.Time, error) {
	dctx := NewDecryptionContext()

	before := lastCatchupTime
	if before.IsZero() {
		before = time.Now().UTC()
	}
	maxSeen := lastCatchupTime
	head := s.Store.HeadTimestamp(room)

	for page := 0; page < s.pageCap(); page++ {
		result, err := s.Fetcher.FetchPage(ctx, room, before, s.pageSize())
		if err != nil {
			return maxSeen, err
		}

		var appended []MessageLike
		olderThanHead := false
		for _, raw := range result.Messages {
			delta := s.transform(ctx, dctx, raw)

			if !head.IsZero() && delta.Timestamp.Before(head) {
				olderThanHead = true
			}
			if delta.Timestamp.After(maxSeen) {
				maxSeen = delta.Timestamp
			}
			if before.IsZero() || delta.Timestamp.Before(before) {
				before = delta.Timestamp
			}
			if s.Store.Insert(room, delta) {
				appended = append(appended, delta)
			}
		}

		if len(appended) > 0 && visible && s.OnAppended != nil {
			s.OnAppended(AppendedEvent{Room: room, Deltas: appended})
		}

		if result.Complete || olderThanHead || len(result.Messages) == 0 {
			break
		}
	}

	return maxSeen, nil
}

// transform converts one raw archived stanza into a MessageLike delta,
// decrypting its OMEMO payload if present. Decryption failures never abort
// catch-up: the delta is persisted with a placeholder body and flagged, so
// the UI can show that the message could not be decrypted.
func (s *CatchupService) transform(ctx context.Context, dctx *DecryptionContext, raw RawArchivedMessage) MessageLike {
	delta := MessageLike{
		RemoteId:  raw.RemoteId,
		ServerId:  raw.ServerId,
		StanzaId:  raw.StanzaId,
		From:      raw.From,
		Timestamp: raw.Timestamp,
		Kind:      raw.Kind,
		Target:    raw.Target,
		Emojis:    raw.Emojis,
	}

	if raw.Encrypted == nil {
		delta.Body = raw.Body
		return delta
	}

	if s.Decryptor == nil {
		delta.Body = placeholderBody
		delta.DecryptionFailed = true
		return delta
	}

	plaintext, err := s.Decryptor.Decrypt(ctx, dctx, raw.From, *raw.Encrypted)
	if err != nil {
		delta.Body = placeholderBody
		delta.DecryptionFailed = true
		return delta
	}

	delta.Body = plaintext
	dctx.RecordSender(raw.From, raw.Encrypted.SenderDeviceId)
	return delta
}
