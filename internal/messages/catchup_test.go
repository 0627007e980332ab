package messages

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// pagedFetcher serves two fixed 50-message pages, the second marked
// complete, matching the literal MAM catch-up scenario of spec §8.
type pagedFetcher struct {
	pages  [][]RawArchivedMessage
	served int
}

func (f *pagedFetcher) FetchPage(ctx context.Context, room ids.RoomId, before time.Time, pageSize int) (ArchivePage, error) {
	if f.served >= len(f.pages) {
		return ArchivePage{Complete: true}, nil
	}
	msgs := f.pages[f.served]
	complete := f.served == len(f.pages)-1
	f.served++
	return ArchivePage{Messages: msgs, Complete: complete}, nil
}

func makePage(t *testing.T, from ids.ParticipantId, base time.Time, n int, idOffset int) []RawArchivedMessage {
	t.Helper()
	out := make([]RawArchivedMessage, n)
	for i := 0; i < n; i++ {
		out[i] = RawArchivedMessage{
			RemoteId:  ids.MessageRemoteId("m" + strconv.Itoa(idOffset+i)),
			From:      from,
			Timestamp: base.Add(time.Duration(idOffset+i) * time.Second),
			Kind:      Body,
			Body:      "hello",
		}
	}
	return out
}

func TestCatchupTwoPages(t *testing.T) {
	room := ids.RoomIdFromMuc(mustRoom(t))
	from := ids.ParticipantIdFromUser(mustUser(t, "remote@x.org"))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	page1 := makePage(t, from, base, 50, 0)
	page2 := makePage(t, from, base, 50, 50)

	fetcher := &pagedFetcher{pages: [][]RawArchivedMessage{page1, page2}}
	store := NewStore()

	var appendedEvents []AppendedEvent
	svc := &CatchupService{
		Fetcher: fetcher,
		Store:   store,
		OnAppended: func(e AppendedEvent) {
			appendedEvents = append(appendedEvents, e)
		},
	}

	lastCatchup, err := svc.Run(context.Background(), room, time.Time{}, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.DeltaCount(room) != 100 {
		t.Fatalf("expected 100 persisted deltas, got %d", store.DeltaCount(room))
	}
	if len(appendedEvents) != 2 {
		t.Fatalf("expected one MessagesAppended per page, got %d", len(appendedEvents))
	}
	if len(appendedEvents[0].Deltas) != 50 || len(appendedEvents[1].Deltas) != 50 {
		t.Fatalf("expected 50 deltas per page event, got %d and %d", len(appendedEvents[0].Deltas), len(appendedEvents[1].Deltas))
	}

	wantMax := base.Add(99 * time.Second)
	if !lastCatchup.Equal(wantMax) {
		t.Fatalf("expected last_catchup_time %v, got %v", wantMax, lastCatchup)
	}
}

// TestCatchupStopsAtStoreHead ensures pagination halts once a message older
// than the existing store head is observed, per spec §4.4.
func TestCatchupStopsAtStoreHead(t *testing.T) {
	room := ids.RoomIdFromMuc(mustRoom(t))
	from := ids.ParticipantIdFromUser(mustUser(t, "remote@x.org"))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store := NewStore()
	store.Insert(room, MessageLike{RemoteId: "existing", From: from, Timestamp: base.Add(200 * time.Second), Kind: Body, Body: "already have this"})

	page1 := makePage(t, from, base, 50, 300) // all newer than the store head (200s)
	page2 := makePage(t, from, base, 50, 0)    // all older than the store head
	page3 := makePage(t, from, base, 50, 1000) // must never be fetched

	fetcher := &pagedFetcher{pages: [][]RawArchivedMessage{page1, page2, page3}}

	svc := &CatchupService{Fetcher: fetcher, Store: store}
	_, err := svc.Run(context.Background(), room, time.Time{}, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fetcher.served != 2 {
		t.Fatalf("expected pagination to stop after the page older than the head, got served=%d", fetcher.served)
	}
	if store.DeltaCount(room) != 1+50+50 {
		t.Fatalf("unexpected delta count %d", store.DeltaCount(room))
	}
}

// TestCatchupDecryptionFailurePersistsPlaceholder covers spec §4.4's "if
// decryption fails... placeholder body... flagged" rule.
func TestCatchupDecryptionFailurePersistsPlaceholder(t *testing.T) {
	room := ids.RoomIdFromMuc(mustRoom(t))
	from := ids.ParticipantIdFromUser(mustUser(t, "remote@x.org"))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	raw := RawArchivedMessage{
		RemoteId:  "m1",
		From:      from,
		Timestamp: base,
		Kind:      Body,
		Encrypted: &EncryptedPayload{SenderDeviceId: 7},
	}
	fetcher := &pagedFetcher{pages: [][]RawArchivedMessage{{raw}}}
	store := NewStore()

	svc := &CatchupService{Fetcher: fetcher, Store: store, Decryptor: failingDecryptor{}}
	_, err := svc.Run(context.Background(), room, time.Time{}, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := store.Room(room)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !msgs[0].DecryptionFailed {
		t.Fatalf("expected DecryptionFailed=true")
	}
	if msgs[0].Body != placeholderBody {
		t.Fatalf("expected placeholder body, got %q", msgs[0].Body)
	}
}

type failingDecryptor struct{}

func (failingDecryptor) Decrypt(ctx context.Context, dctx *DecryptionContext, from ids.ParticipantId, payload EncryptedPayload) (string, error) {
	return "", errDecryptFailed
}

var errDecryptFailed = errors.New("mac verification failed")
