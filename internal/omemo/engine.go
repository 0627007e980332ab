package omemo

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/messages"
)

// MinOneTimePreKeys is the floor spec §4.5 sets on bundle generation (N>=100).
const MinOneTimePreKeys = 100

// Engine is the per-account OMEMO encryption engine: it owns the local
// bundle, establishes and advances sessions against a Store, and
// implements messages.Decryptor so the message catch-up pipeline can
// decrypt archived OMEMO payloads through the same code path as live
// messages.
type Engine struct {
	Store Store
}

func NewEngine(store Store) *Engine { return &Engine{Store: store} }

func generateCurve25519Pair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("omemo: generating private key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("omemo: deriving public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// GenerateLocalBundle initializes exactly one local encryption bundle
// (spec §4.5): an identity key pair, one signed pre-key, and numPreKeys
// one-time pre-keys (at least MinOneTimePreKeys). It is idempotent in the
// sense that calling it again replaces the identity only if the store has
// none yet; callers that need rotation should use Finalize or a dedicated
// rotation path instead.
func (e *Engine) GenerateLocalBundle(numPreKeys int) (Bundle, error) {
	if numPreKeys < MinOneTimePreKeys {
		numPreKeys = MinOneTimePreKeys
	}

	identity, err := e.Store.Identity()
	if err != nil {
		return Bundle{}, err
	}
	if identity == nil {
		dhPriv, dhPub, gerr := generateCurve25519Pair()
		if gerr != nil {
			return Bundle{}, gerr
		}
		sigPub, sigPriv, gerr := ed25519.GenerateKey(rand.Reader)
		if gerr != nil {
			return Bundle{}, fmt.Errorf("omemo: generating signing key: %w", gerr)
		}
		identity = &IdentityKeyPair{DHPrivate: dhPriv, DHPublic: dhPub, SigPrivate: sigPriv, SigPublic: sigPub}
		if err := e.Store.SaveIdentity(identity); err != nil {
			return Bundle{}, err
		}
	}

	spkPriv, spkPub, err := generateCurve25519Pair()
	if err != nil {
		return Bundle{}, err
	}
	signature := ed25519.Sign(identity.SigPrivate, spkPub[:])
	signedPreKey := SignedPreKeyRecord{ID: 1, Private: spkPriv, Public: spkPub, Signature: signature}
	if err := e.Store.SaveSignedPreKey(&signedPreKey); err != nil {
		return Bundle{}, err
	}
	e.Store.SetCurrentSignedPreKeyId(signedPreKey.ID)

	preKeys := make([]PreKeyPublic, 0, numPreKeys)
	for i := 1; i <= numPreKeys; i++ {
		priv, pub, err := generateCurve25519Pair()
		if err != nil {
			return Bundle{}, err
		}
		record := &PreKeyRecord{ID: uint32(i), Private: priv, Public: pub}
		if err := e.Store.SavePreKey(record); err != nil {
			return Bundle{}, err
		}
		preKeys = append(preKeys, PreKeyPublic{ID: record.ID, Public: record.Public})
	}

	return e.publicBundle(identity, signedPreKey, preKeys), nil
}

func (e *Engine) publicBundle(identity *IdentityKeyPair, signedPreKey SignedPreKeyRecord, preKeys []PreKeyPublic) Bundle {
	return Bundle{
		DeviceId:     e.Store.LocalDeviceId(),
		IdentityKey:  identity.SigPublic,
		IdentityDH:   identity.DHPublic,
		SignedPreKey: signedPreKey,
		PreKeys:      preKeys,
	}
}

// CurrentBundle reassembles the public bundle from store state, e.g. to
// republish after Finalize rotates pre-keys.
func (e *Engine) CurrentBundle() (Bundle, error) {
	identity, err := e.Store.Identity()
	if err != nil || identity == nil {
		return Bundle{}, fmt.Errorf("omemo: no local identity")
	}
	signedPreKey, err := e.Store.SignedPreKey(e.Store.CurrentSignedPreKeyId())
	if err != nil {
		return Bundle{}, err
	}
	records := e.Store.AllPreKeys()
	preKeys := make([]PreKeyPublic, 0, len(records))
	for _, r := range records {
		preKeys = append(preKeys, PreKeyPublic{ID: r.ID, Public: r.Public})
	}
	return e.publicBundle(identity, *signedPreKey, preKeys), nil
}

// EncryptForRecipient encrypts plaintext for a single recipient device,
// establishing a new session (via the recipient's bundle) when none exists
// yet, per spec §4.5 step 1. Encrypting for multiple devices/recipients is
// the caller's loop: each call produces one messages.EncryptionKey.
func (e *Engine) EncryptForRecipient(addr Address, bundle *Bundle, keyMaterial [32]byte) (messages.EncryptionKey, error) {
	identity, err := e.Store.Identity()
	if err != nil || identity == nil {
		return messages.EncryptionKey{}, fmt.Errorf("omemo: no local identity")
	}

	if sess, ok := e.Store.Session(addr); ok {
		data, err := sess.Seal(keyMaterial[:])
		if err != nil {
			return messages.EncryptionKey{}, err
		}
		if err := e.Store.SaveSession(addr, sess); err != nil {
			return messages.EncryptionKey{}, err
		}
		return messages.EncryptionKey{DeviceId: addr.Device, IsPreKey: false, Data: data}, nil
	}

	if bundle == nil {
		return messages.EncryptionKey{}, fmt.Errorf("omemo: no session and no bundle for %v", addr)
	}
	sess, header, _, err := EstablishInitiator(identity, *bundle)
	if err != nil {
		return messages.EncryptionKey{}, err
	}
	if err := e.Store.SaveRemoteIdentity(addr, bundle.IdentityKey); err != nil {
		return messages.EncryptionKey{}, err
	}
	wrapped, err := sess.Seal(keyMaterial[:])
	if err != nil {
		return messages.EncryptionKey{}, err
	}
	if err := e.Store.SaveSession(addr, sess); err != nil {
		return messages.EncryptionKey{}, err
	}

	data := append(append([]byte{}, header...), wrapped...)
	return messages.EncryptionKey{DeviceId: addr.Device, IsPreKey: true, Data: data}, nil
}

// userOf extracts the UserId a ParticipantId addresses, falling back to
// parsing the occupant's nickname-bearing JID as a bare id when the sender
// is only known by occupant identity — OMEMO sessions are always keyed by
// the account's bare UserId regardless of which room the message arrived in.
func userOf(p ids.ParticipantId) (ids.UserId, bool) {
	if u, ok := p.AsUserId(); ok {
		return u, true
	}
	return ids.UserId{}, false
}

// Decrypt implements messages.Decryptor (spec §4.5's "Decrypting" steps):
// select the EncryptionKey addressed to the local device, establish or
// repair the session if needed, unwrap the 32-byte key||tag, then
// AES-GCM-decrypt the payload. MAC failures are reported as errors and
// flagged as a broken session on dctx rather than causing a panic.
func (e *Engine) Decrypt(ctx context.Context, dctx *messages.DecryptionContext, from ids.ParticipantId, payload messages.EncryptedPayload) (string, error) {
	localDevice := e.Store.LocalDeviceId()

	var mine *messages.EncryptionKey
	for i := range payload.Keys {
		if payload.Keys[i].DeviceId == localDevice {
			mine = &payload.Keys[i]
			break
		}
	}
	if mine == nil {
		return "", fmt.Errorf("omemo: no EncryptionKey addressed to local device %d", localDevice)
	}

	user, ok := userOf(from)
	if !ok {
		return "", fmt.Errorf("omemo: sender %s has no resolvable UserId", from.String())
	}
	addr := Address{User: user, Device: payload.SenderDeviceId}

	var sess *Session
	var wrapped []byte

	if mine.IsPreKey {
		if len(mine.Data) < preKeyHeaderSize {
			return "", fmt.Errorf("omemo: pre-key message too short")
		}
		header := mine.Data[:preKeyHeaderSize]
		wrapped = mine.Data[preKeyHeaderSize:]

		establishedSess, senderSigKey, preKeyId, err := EstablishResponder(e.Store, header)
		if err != nil {
			return "", err
		}
		if dctx != nil {
			dctx.RecordUsedPreKey(preKeyId)
		}
		if err := e.Store.SaveRemoteIdentity(addr, ed25519.PublicKey(senderSigKey)); err != nil {
			return "", err
		}
		sess = establishedSess
	} else {
		existing, ok := e.Store.Session(addr)
		if !ok {
			return "", ErrNoSession
		}
		sess = existing
		wrapped = mine.Data
	}

	if trust := e.Store.Trust(addr); !trust.CanDecrypt() {
		return "", fmt.Errorf("omemo: session for %v is untrusted", addr)
	}

	keyMaterial, err := sess.Open(wrapped)
	if err != nil {
		if dctx != nil {
			dctx.RecordBrokenSession(from, payload.SenderDeviceId)
		}
		return "", err
	}
	if err := e.Store.SaveSession(addr, sess); err != nil {
		return "", err
	}
	if len(keyMaterial) != 32 {
		return "", fmt.Errorf("omemo: unwrapped key material has wrong length %d", len(keyMaterial))
	}

	aesKey := keyMaterial[:16]
	tag := keyMaterial[16:32]
	sealed := append(append([]byte{}, payload.Payload...), tag...)

	plaintext, err := openPayload(aesKey, payload.IV, sealed)
	if err != nil {
		if dctx != nil {
			dctx.RecordBrokenSession(from, payload.SenderDeviceId)
		}
		return "", err
	}
	return string(plaintext), nil
}

// FinalizeResult summarizes the post-catchup bookkeeping of spec §4.5.
type FinalizeResult struct {
	ReplacedPreKeyIds []uint32
	PublishNeeded     bool
}

// Finalize applies a completed DecryptionContext: every used pre-key is
// deleted and replaced under the same id (so the published bundle stays
// the same size), and every broken session is dropped so the next outbound
// message re-establishes it fresh.
func (e *Engine) Finalize(dctx *messages.DecryptionContext) (FinalizeResult, error) {
	var result FinalizeResult

	for _, id := range dctx.UsedPreKeys() {
		if err := e.Store.RemovePreKey(id); err != nil {
			return result, err
		}
		priv, pub, err := generateCurve25519Pair()
		if err != nil {
			return result, err
		}
		if err := e.Store.SavePreKey(&PreKeyRecord{ID: id, Private: priv, Public: pub}); err != nil {
			return result, err
		}
		result.ReplacedPreKeyIds = append(result.ReplacedPreKeyIds, id)
	}
	result.PublishNeeded = len(result.ReplacedPreKeyIds) > 0

	for _, broken := range dctx.BrokenSessions() {
		user, ok := userOf(broken.From)
		if !ok {
			continue
		}
		if err := e.Store.DeleteSession(Address{User: user, Device: broken.Device}); err != nil {
			return result, err
		}
	}

	return result, nil
}
