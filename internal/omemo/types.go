// Package omemo implements the device bundle, session and encryption
// engine of spec.md §4.5: one local encryption bundle per account, X3DH-style
// session establishment against a recipient's published bundle, per-device
// key wrapping around a randomly generated AES-128-GCM payload key, and the
// decryption-context bookkeeping that drives pre-key replenishment.
//
// It deliberately does not implement the full Double Ratchet DH-rekeying
// step the reference protocol uses: after the initial X3DH handshake,
// sessions advance with a symmetric-key ratchet only (HKDF chain steps).
// This keeps forward secrecy for the message-key wrapping layer — the part
// spec §4.5 actually specifies the wire shape of — without requiring a full
// libsignal-equivalent state machine.
package omemo

import (
	"crypto/ed25519"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// Address identifies one remote device a session can be established with.
type Address struct {
	User   ids.UserId
	Device ids.DeviceId
}

// TrustLevel is the per-(user,device) trust state of spec §3's Session
// glossary entry.
type TrustLevel int

const (
	Undecided TrustLevel = iota
	Untrusted
	Trusted
	Verified
)

func (t TrustLevel) String() string {
	switch t {
	case Untrusted:
		return "untrusted"
	case Trusted:
		return "trusted"
	case Verified:
		return "verified"
	default:
		return "undecided"
	}
}

// CanDecrypt reports whether a session at this trust level may be used to
// decrypt, per spec §4.5: "a session may decrypt only if trust is
// Undecided, Trusted, or Verified" — Untrusted sessions are refused.
func (t TrustLevel) CanDecrypt() bool { return t != Untrusted }

// IdentityKeyPair is the account's long-term identity: a curve25519 pair
// for X3DH key agreement and an ed25519 pair used to sign the current
// signed pre-key; split into separate DH and signing pairs because X3DH
// needs a DH-capable key rather than the ed25519-only shape OMEMO's identity
// key traditionally carries.
type IdentityKeyPair struct {
	DHPrivate [32]byte
	DHPublic  [32]byte

	SigPrivate ed25519.PrivateKey
	SigPublic  ed25519.PublicKey
}

// PreKeyRecord is one one-time pre-key: a curve25519 key pair plus its
// bundle-visible id.
type PreKeyRecord struct {
	ID      uint32
	Private [32]byte
	Public  [32]byte
}

// SignedPreKeyRecord is the medium-term signed pre-key: a curve25519 key
// pair, its id, and an ed25519 signature over the public key by the
// identity key's signing key.
type SignedPreKeyRecord struct {
	ID        uint32
	Private   [32]byte
	Public    [32]byte
	Signature []byte
}

// PreKeyPublic is the publicly bundled form of a PreKeyRecord.
type PreKeyPublic struct {
	ID     uint32
	Public [32]byte
}

// Bundle is the publicly published device bundle (spec §4.5, §6: published
// to PubSub under the account's device id, legacy
// eu.siacs.conversations.axolotl namespace).
type Bundle struct {
	DeviceId      ids.DeviceId
	IdentityKey   ed25519.PublicKey
	IdentityDH    [32]byte
	SignedPreKey  SignedPreKeyRecord
	PreKeys       []PreKeyPublic
}
