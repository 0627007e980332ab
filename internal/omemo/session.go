package omemo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Session is one established OMEMO session, keyed by Address in a Store.
// After the initial X3DH handshake it advances by a symmetric-key ratchet
// only (see package doc); RootKey is retained for diagnostics but not
// re-derived once the chains are seeded.
type Session struct {
	RootKey   [32]byte
	SendChain [32]byte
	RecvChain [32]byte
}

// preKeyHeaderSize is ephemeral pubkey (32) + sender identity DH pubkey (32)
// + sender identity signing pubkey (32) + one-time pre-key id (4).
const preKeyHeaderSize = 32 + 32 + 32 + 4

func x25519(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("omemo: x25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// deriveRootChains runs HKDF-SHA256 over the X3DH shared secret to produce
// a root key and the two per-direction chain keys. Both participants derive
// identical output because they start from the identical concatenated DH
// outputs (ECDH is symmetric: X25519(a_priv, B_pub) == X25519(b_priv, A_pub)
// for matching pairs).
func deriveRootChains(secret []byte) (root, chainAB, chainBA [32]byte, err error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("OMEMO X3DH root"))
	if _, err = io.ReadFull(r, root[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, chainAB[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, chainBA[:])
	return
}

// EstablishInitiator performs the sending side of the X3DH handshake
// against a recipient's published Bundle, producing a Session plus the
// pre-key message header the recipient needs to derive the same session
// (spec §4.5: "fetch its bundle and perform X3DH-style initialization").
func EstablishInitiator(local *IdentityKeyPair, remote Bundle) (sess *Session, header []byte, preKeyId uint32, err error) {
	if len(remote.PreKeys) == 0 {
		return nil, nil, 0, fmt.Errorf("omemo: recipient bundle has no one-time pre-keys")
	}
	chosen := remote.PreKeys[0]

	var ephPriv, ephPub [32]byte
	if _, err = io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, nil, 0, fmt.Errorf("omemo: generating ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("omemo: deriving ephemeral public key: %w", err)
	}
	copy(ephPub[:], pub)

	dh1, err := x25519(local.DHPrivate, remote.SignedPreKey.Public)
	if err != nil {
		return nil, nil, 0, err
	}
	dh2, err := x25519(ephPriv, remote.IdentityDH)
	if err != nil {
		return nil, nil, 0, err
	}
	dh3, err := x25519(ephPriv, remote.SignedPreKey.Public)
	if err != nil {
		return nil, nil, 0, err
	}
	dh4, err := x25519(ephPriv, chosen.Public)
	if err != nil {
		return nil, nil, 0, err
	}

	secret := append(append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...), dh4[:]...)
	root, chainAB, chainBA, err := deriveRootChains(secret)
	if err != nil {
		return nil, nil, 0, err
	}

	header = make([]byte, 0, preKeyHeaderSize)
	header = append(header, ephPub[:]...)
	header = append(header, local.DHPublic[:]...)
	header = append(header, local.SigPublic...)
	idBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idBuf, chosen.ID)
	header = append(header, idBuf...)

	return &Session{RootKey: root, SendChain: chainAB, RecvChain: chainBA}, header, chosen.ID, nil
}

// EstablishResponder performs the receiving side of the handshake given a
// pre-key message header, using the store's own signed pre-key and the
// identified one-time pre-key. It returns the new Session, the initiator's
// signing identity key (for the caller to run trust bookkeeping), and the
// consumed pre-key id so the caller can record it on its DecryptionContext.
func EstablishResponder(store Store, header []byte) (sess *Session, senderSigKey []byte, preKeyId uint32, err error) {
	if len(header) != preKeyHeaderSize {
		return nil, nil, 0, fmt.Errorf("omemo: malformed pre-key header (%d bytes)", len(header))
	}
	var ephPub, remoteIdentityDH [32]byte
	copy(ephPub[:], header[0:32])
	copy(remoteIdentityDH[:], header[32:64])
	senderSigKey = append([]byte{}, header[64:96]...)
	preKeyId = binary.BigEndian.Uint32(header[96:100])

	identity, ierr := store.Identity()
	if ierr != nil || identity == nil {
		return nil, nil, 0, fmt.Errorf("omemo: no local identity")
	}
	signedPreKey, serr := store.SignedPreKey(store.CurrentSignedPreKeyId())
	if serr != nil {
		return nil, nil, 0, fmt.Errorf("omemo: loading signed pre-key: %w", serr)
	}
	oneTime, perr := store.PreKey(preKeyId)
	if perr != nil {
		return nil, nil, 0, fmt.Errorf("omemo: loading one-time pre-key %d: %w", preKeyId, perr)
	}

	dh1, err := x25519(signedPreKey.Private, remoteIdentityDH)
	if err != nil {
		return nil, nil, 0, err
	}
	dh2, err := x25519(identity.DHPrivate, ephPub)
	if err != nil {
		return nil, nil, 0, err
	}
	dh3, err := x25519(signedPreKey.Private, ephPub)
	if err != nil {
		return nil, nil, 0, err
	}
	dh4, err := x25519(oneTime.Private, ephPub)
	if err != nil {
		return nil, nil, 0, err
	}

	secret := append(append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...), dh4[:]...)
	root, chainAB, chainBA, err := deriveRootChains(secret)
	if err != nil {
		return nil, nil, 0, err
	}

	// The responder's send direction is the initiator's recv direction.
	return &Session{RootKey: root, SendChain: chainBA, RecvChain: chainAB}, senderSigKey, preKeyId, nil
}

// ratchetStep is the HMAC-based symmetric-key ratchet step from the Double
// Ratchet algorithm: constant 0x01 derives the message key, 0x02 derives
// the next chain key.
func ratchetStep(chainKey [32]byte) (messageKey [32]byte, nextChainKey [32]byte) {
	mac1 := hmac.New(sha256.New, chainKey[:])
	mac1.Write([]byte{0x01})
	copy(messageKey[:], mac1.Sum(nil))

	mac2 := hmac.New(sha256.New, chainKey[:])
	mac2.Write([]byte{0x02})
	copy(nextChainKey[:], mac2.Sum(nil))
	return
}

func aeadFromMessageKey(mk [32]byte) (cipher.AEAD, []byte, error) {
	aesKey := mk[:16]
	iv := append([]byte{}, mk[16:28]...)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("omemo: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("omemo: gcm: %w", err)
	}
	return gcm, iv, nil
}

// Seal wraps plaintext (the 32-byte key||tag content-key material) for
// sending and advances the send chain.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	mk, next := ratchetStep(s.SendChain)
	gcm, iv, err := aeadFromMessageKey(mk)
	if err != nil {
		return nil, err
	}
	s.SendChain = next
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// Open unwraps a received per-recipient ciphertext and advances the recv
// chain. A GCM authentication failure is returned as an error; callers must
// treat that as a broken session (spec §4.5) rather than a fatal fault.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	mk, next := ratchetStep(s.RecvChain)
	gcm, iv, err := aeadFromMessageKey(mk)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("omemo: session mac verification failed: %w", err)
	}
	s.RecvChain = next
	return plaintext, nil
}
