package omemo

import (
	"context"
	"testing"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/messages"
)

func mustUser(t *testing.T, s string) ids.UserId {
	t.Helper()
	u, err := ids.ParseUserId(s)
	if err != nil {
		t.Fatalf("ParseUserId(%q): %v", s, err)
	}
	return u
}

// TestEncryptDecryptRoundTrip covers the round-trip property of spec §8:
// decrypt(encrypt(m)) == m for a pair of devices with a freshly established
// session.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice := NewEngine(NewMemoryStore(ids.DeviceId(1)))
	if _, err := alice.GenerateLocalBundle(MinOneTimePreKeys); err != nil {
		t.Fatalf("alice GenerateLocalBundle: %v", err)
	}

	bob := NewEngine(NewMemoryStore(ids.DeviceId(2)))
	bobBundle, err := bob.GenerateLocalBundle(MinOneTimePreKeys)
	if err != nil {
		t.Fatalf("bob GenerateLocalBundle: %v", err)
	}

	aliceUser := mustUser(t, "alice@x.org")
	bobUser := mustUser(t, "bob@x.org")
	bobAddr := Address{User: bobUser, Device: bob.Store.LocalDeviceId()}

	payload, err := alice.EncryptMessage("hello bob", []Recipient{{Addr: bobAddr, Bundle: &bobBundle}})
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}
	if len(payload.Keys) != 1 || !payload.Keys[0].IsPreKey {
		t.Fatalf("expected exactly one pre-key-wrapped EncryptionKey, got %+v", payload.Keys)
	}

	dctx := messages.NewDecryptionContext()
	plaintext, err := bob.Decrypt(context.Background(), dctx, ids.ParticipantIdFromUser(aliceUser), payload)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "hello bob" {
		t.Fatalf("expected round-trip plaintext %q, got %q", "hello bob", plaintext)
	}
	if len(dctx.UsedPreKeys()) != 1 {
		t.Fatalf("expected exactly one pre-key consumed, got %v", dctx.UsedPreKeys())
	}

	// A second message on the now-established (non-pre-key) session must
	// also round-trip, proving the ratchet advances consistently.
	payload2, err := alice.EncryptMessage("second message", []Recipient{{Addr: bobAddr}})
	if err != nil {
		t.Fatalf("EncryptMessage (2nd): %v", err)
	}
	if payload2.Keys[0].IsPreKey {
		t.Fatalf("expected the second message to reuse the established session, not a pre-key message")
	}
	plaintext2, err := bob.Decrypt(context.Background(), dctx, ids.ParticipantIdFromUser(aliceUser), payload2)
	if err != nil {
		t.Fatalf("Decrypt (2nd): %v", err)
	}
	if plaintext2 != "second message" {
		t.Fatalf("expected %q, got %q", "second message", plaintext2)
	}
}

// TestDecryptWrongDeviceFails ensures a payload with no EncryptionKey for
// the local device is rejected rather than silently accepted.
func TestDecryptWrongDeviceFails(t *testing.T) {
	bob := NewEngine(NewMemoryStore(ids.DeviceId(2)))
	if _, err := bob.GenerateLocalBundle(MinOneTimePreKeys); err != nil {
		t.Fatalf("GenerateLocalBundle: %v", err)
	}

	payload := messages.EncryptedPayload{
		SenderDeviceId: 1,
		Keys:           []messages.EncryptionKey{{DeviceId: 999, IsPreKey: false, Data: []byte("garbage")}},
		IV:             make([]byte, 12),
		Payload:        []byte("garbage"),
	}

	dctx := messages.NewDecryptionContext()
	_, err := bob.Decrypt(context.Background(), dctx, ids.ParticipantIdFromUser(mustUser(t, "alice@x.org")), payload)
	if err == nil {
		t.Fatalf("expected an error when no EncryptionKey targets the local device")
	}
}

// TestPreKeyReplenishment is the literal spec §8 scenario: 100 pre-keys
// [1..100], consume id 42, finalize, and confirm the replacement keeps the
// same id but a fresh public value, with exactly one publish needed.
func TestPreKeyReplenishment(t *testing.T) {
	engine := NewEngine(NewMemoryStore(ids.DeviceId(1)))
	if _, err := engine.GenerateLocalBundle(100); err != nil {
		t.Fatalf("GenerateLocalBundle: %v", err)
	}

	original, err := engine.Store.PreKey(42)
	if err != nil {
		t.Fatalf("PreKey(42): %v", err)
	}
	originalPublic := original.Public

	dctx := messages.NewDecryptionContext()
	dctx.RecordUsedPreKey(42)

	result, err := engine.Finalize(dctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !result.PublishNeeded {
		t.Fatalf("expected PublishNeeded=true")
	}
	if len(result.ReplacedPreKeyIds) != 1 || result.ReplacedPreKeyIds[0] != 42 {
		t.Fatalf("expected exactly id 42 replaced, got %v", result.ReplacedPreKeyIds)
	}

	replacement, err := engine.Store.PreKey(42)
	if err != nil {
		t.Fatalf("expected pre-key 42 to be present after replenishment: %v", err)
	}
	if replacement.Public == originalPublic {
		t.Fatalf("expected a fresh public value for the replacement pre-key")
	}
}

// TestBrokenSessionDroppedOnMacFailure checks that a MAC failure flags and
// removes the session rather than panicking, per spec §4.5.
func TestBrokenSessionDroppedOnMacFailure(t *testing.T) {
	bob := NewEngine(NewMemoryStore(ids.DeviceId(2)))
	if _, err := bob.GenerateLocalBundle(MinOneTimePreKeys); err != nil {
		t.Fatalf("GenerateLocalBundle: %v", err)
	}

	aliceUser := mustUser(t, "alice@x.org")
	addr := Address{User: aliceUser, Device: ids.DeviceId(1)}
	sess := &Session{}
	if err := bob.Store.SaveSession(addr, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	payload := messages.EncryptedPayload{
		SenderDeviceId: 1,
		Keys:           []messages.EncryptionKey{{DeviceId: 2, IsPreKey: false, Data: make([]byte, 48)}},
		IV:             make([]byte, 12),
		Payload:        []byte("not a real ciphertext"),
	}

	dctx := messages.NewDecryptionContext()
	_, err := bob.Decrypt(context.Background(), dctx, ids.ParticipantIdFromUser(aliceUser), payload)
	if err == nil {
		t.Fatalf("expected a MAC verification error for a garbage ciphertext")
	}
	if len(dctx.BrokenSessions()) != 1 {
		t.Fatalf("expected the session to be flagged broken, got %v", dctx.BrokenSessions())
	}
}
