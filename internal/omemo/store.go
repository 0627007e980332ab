package omemo

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// ErrNoPreKey and ErrNoSession are the sentinel errors a Store implementation
// returns for a missing pre-key or an address with no established session.
var (
	ErrNoPreKey  = fmt.Errorf("omemo: pre-key not found")
	ErrNoSession = fmt.Errorf("omemo: no session for address")
)

// Store is the persistence seam for everything the engine needs to survive
// a restart: identity, pre-keys, signed pre-keys, remote identities,
// sessions and trust decisions. The "omemo_devices", "omemo_sessions",
// "omemo_identity", "omemo_pre_keys", "omemo_signed_pre_keys" persisted
// collections of spec §6 are each owned by one Store method pair.
//
// Sessions, identity keys and pre-keys are persisted as opaque byte blobs
// keyed by (user_id, device_id) or pre_key_id, never by in-memory pointer,
// per spec §9 — MemoryStore honors this by copying on every read/write even
// though it has no on-disk backing yet.
type Store interface {
	Identity() (*IdentityKeyPair, error)
	SaveIdentity(*IdentityKeyPair) error

	LocalDeviceId() ids.DeviceId

	PreKey(id uint32) (*PreKeyRecord, error)
	SavePreKey(*PreKeyRecord) error
	RemovePreKey(id uint32) error
	AllPreKeys() []*PreKeyRecord

	SignedPreKey(id uint32) (*SignedPreKeyRecord, error)
	SaveSignedPreKey(*SignedPreKeyRecord) error
	CurrentSignedPreKeyId() uint32
	SetCurrentSignedPreKeyId(id uint32)

	RemoteIdentity(addr Address) (ed25519.PublicKey, bool)
	SaveRemoteIdentity(addr Address, key ed25519.PublicKey) error

	Trust(addr Address) TrustLevel
	SetTrust(addr Address, level TrustLevel) error

	Session(addr Address) (*Session, bool)
	SaveSession(addr Address, s *Session) error
	DeleteSession(addr Address) error
}

// MemoryStore is the in-process Store implementation; a sqlite-backed Store
// is expected to satisfy the same interface for persistent accounts.
type MemoryStore struct {
	mu sync.RWMutex

	deviceId ids.DeviceId
	identity *IdentityKeyPair

	currentSignedPreKeyId uint32

	preKeys       map[uint32]*PreKeyRecord
	signedPreKeys map[uint32]*SignedPreKeyRecord
	remoteKeys    map[Address]ed25519.PublicKey
	trust         map[Address]TrustLevel
	sessions      map[Address]*Session
}

func NewMemoryStore(deviceId ids.DeviceId) *MemoryStore {
	return &MemoryStore{
		deviceId:      deviceId,
		preKeys:       make(map[uint32]*PreKeyRecord),
		signedPreKeys: make(map[uint32]*SignedPreKeyRecord),
		remoteKeys:    make(map[Address]ed25519.PublicKey),
		trust:         make(map[Address]TrustLevel),
		sessions:      make(map[Address]*Session),
	}
}

func (s *MemoryStore) LocalDeviceId() ids.DeviceId { return s.deviceId }

func (s *MemoryStore) Identity() (*IdentityKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, nil
}

func (s *MemoryStore) SaveIdentity(ikp *IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = ikp
	return nil
}

func (s *MemoryStore) PreKey(id uint32) (*PreKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.preKeys[id]
	if !ok {
		return nil, ErrNoPreKey
	}
	return pk, nil
}

func (s *MemoryStore) SavePreKey(r *PreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preKeys[r.ID] = r
	return nil
}

func (s *MemoryStore) RemovePreKey(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preKeys, id)
	return nil
}

func (s *MemoryStore) AllPreKeys() []*PreKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PreKeyRecord, 0, len(s.preKeys))
	for _, pk := range s.preKeys {
		out = append(out, pk)
	}
	return out
}

func (s *MemoryStore) SignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spk, ok := s.signedPreKeys[id]
	if !ok {
		return nil, ErrNoPreKey
	}
	return spk, nil
}

func (s *MemoryStore) SaveSignedPreKey(r *SignedPreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedPreKeys[r.ID] = r
	return nil
}

func (s *MemoryStore) CurrentSignedPreKeyId() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSignedPreKeyId
}

func (s *MemoryStore) SetCurrentSignedPreKeyId(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSignedPreKeyId = id
}

func (s *MemoryStore) RemoteIdentity(addr Address) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.remoteKeys[addr]
	return k, ok
}

// SaveRemoteIdentity records addr's identity key. Per spec §4.5, changing
// the identity key on an already-known address does not silently accept
// the new key: it flags the address Untrusted until the user decides.
func (s *MemoryStore) SaveRemoteIdentity(addr Address, key ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.remoteKeys[addr]
	s.remoteKeys[addr] = key

	if known && !bytes.Equal(existing, key) {
		s.trust[addr] = Untrusted
		return nil
	}
	if !known {
		s.trust[addr] = Undecided
	}
	return nil
}

func (s *MemoryStore) Trust(addr Address) TrustLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trust[addr]
}

func (s *MemoryStore) SetTrust(addr Address, level TrustLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust[addr] = level
	return nil
}

func (s *MemoryStore) Session(addr Address) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[addr]
	return sess, ok
}

func (s *MemoryStore) SaveSession(addr Address, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[addr] = sess
	return nil
}

func (s *MemoryStore) DeleteSession(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, addr)
	return nil
}
