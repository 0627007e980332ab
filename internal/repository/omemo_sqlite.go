package repository

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
	"github.com/prose-im/prose-core-client-sub004/internal/omemo"
)

// OmemoStore is the sqlite-backed omemo.Store the package doc of
// internal/omemo/store.go forward-references: identity, pre-keys, signed
// pre-keys, remote device identities/trust and sessions each get their own
// table (omemo_identity/omemo_prekeys/omemo_signed_prekeys/omemo_sessions).
type OmemoStore struct {
	db       *DB
	deviceId ids.DeviceId
}

// NewOmemoStore binds a sqlite.DB to one local device id. A fresh account
// calls SaveIdentity before first use; Identity returns (nil, nil) until
// then, matching MemoryStore's zero-value behavior.
func NewOmemoStore(db *DB, deviceId ids.DeviceId) *OmemoStore {
	return &OmemoStore{db: db, deviceId: deviceId}
}

func (s *OmemoStore) LocalDeviceId() ids.DeviceId { return s.deviceId }

func (s *OmemoStore) Identity() (*omemo.IdentityKeyPair, error) {
	var dhPriv, dhPub, sigPriv, sigPub []byte
	err := s.db.sql.QueryRow(
		`SELECT dh_private, dh_public, sig_private, sig_public FROM omemo_identity WHERE device_id = ?`,
		s.deviceId,
	).Scan(&dhPriv, &dhPub, &sigPriv, &sigPub)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: reading omemo identity: %w", err)
	}

	ikp := &omemo.IdentityKeyPair{
		SigPrivate: ed25519.PrivateKey(sigPriv),
		SigPublic:  ed25519.PublicKey(sigPub),
	}
	copy(ikp.DHPrivate[:], dhPriv)
	copy(ikp.DHPublic[:], dhPub)
	return ikp, nil
}

func (s *OmemoStore) SaveIdentity(ikp *omemo.IdentityKeyPair) error {
	_, err := s.db.sql.Exec(
		`INSERT OR REPLACE INTO omemo_identity (device_id, dh_private, dh_public, sig_private, sig_public)
		 VALUES (?, ?, ?, ?, ?)`,
		s.deviceId, ikp.DHPrivate[:], ikp.DHPublic[:], []byte(ikp.SigPrivate), []byte(ikp.SigPublic))
	if err != nil {
		return fmt.Errorf("repository: saving omemo identity: %w", err)
	}
	return nil
}

func (s *OmemoStore) PreKey(id uint32) (*omemo.PreKeyRecord, error) {
	var priv, pub []byte
	err := s.db.sql.QueryRow(
		`SELECT private_key, public_key FROM omemo_pre_keys WHERE key_id = ?`, id).Scan(&priv, &pub)
	if err == sql.ErrNoRows {
		return nil, omemo.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("repository: reading pre-key %d: %w", id, err)
	}
	rec := &omemo.PreKeyRecord{ID: id}
	copy(rec.Private[:], priv)
	copy(rec.Public[:], pub)
	return rec, nil
}

func (s *OmemoStore) SavePreKey(r *omemo.PreKeyRecord) error {
	_, err := s.db.sql.Exec(
		`INSERT OR REPLACE INTO omemo_pre_keys (key_id, private_key, public_key) VALUES (?, ?, ?)`,
		r.ID, r.Private[:], r.Public[:])
	if err != nil {
		return fmt.Errorf("repository: saving pre-key %d: %w", r.ID, err)
	}
	return nil
}

func (s *OmemoStore) RemovePreKey(id uint32) error {
	_, err := s.db.sql.Exec(`DELETE FROM omemo_pre_keys WHERE key_id = ?`, id)
	if err != nil {
		return fmt.Errorf("repository: removing pre-key %d: %w", id, err)
	}
	return nil
}

func (s *OmemoStore) AllPreKeys() []*omemo.PreKeyRecord {
	rows, err := s.db.sql.Query(`SELECT key_id, private_key, public_key FROM omemo_pre_keys`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*omemo.PreKeyRecord
	for rows.Next() {
		var id uint32
		var priv, pub []byte
		if err := rows.Scan(&id, &priv, &pub); err != nil {
			continue
		}
		rec := &omemo.PreKeyRecord{ID: id}
		copy(rec.Private[:], priv)
		copy(rec.Public[:], pub)
		out = append(out, rec)
	}
	return out
}

func (s *OmemoStore) SignedPreKey(id uint32) (*omemo.SignedPreKeyRecord, error) {
	var priv, pub, sig []byte
	err := s.db.sql.QueryRow(
		`SELECT private_key, public_key, signature FROM omemo_signed_pre_keys WHERE key_id = ?`, id,
	).Scan(&priv, &pub, &sig)
	if err == sql.ErrNoRows {
		return nil, omemo.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("repository: reading signed pre-key %d: %w", id, err)
	}
	rec := &omemo.SignedPreKeyRecord{ID: id, Signature: sig}
	copy(rec.Private[:], priv)
	copy(rec.Public[:], pub)
	return rec, nil
}

func (s *OmemoStore) SaveSignedPreKey(r *omemo.SignedPreKeyRecord) error {
	_, err := s.db.sql.Exec(
		`INSERT OR REPLACE INTO omemo_signed_pre_keys (key_id, private_key, public_key, signature)
		 VALUES (?, ?, ?, ?)`,
		r.ID, r.Private[:], r.Public[:], r.Signature)
	if err != nil {
		return fmt.Errorf("repository: saving signed pre-key %d: %w", r.ID, err)
	}
	return nil
}

func (s *OmemoStore) CurrentSignedPreKeyId() uint32 {
	var id uint32
	err := s.db.sql.QueryRow(
		`SELECT key_id FROM omemo_signed_pre_keys WHERE is_current = 1 LIMIT 1`).Scan(&id)
	if err != nil {
		return 0
	}
	return id
}

func (s *OmemoStore) SetCurrentSignedPreKeyId(id uint32) {
	tx, err := s.db.sql.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()
	tx.Exec(`UPDATE omemo_signed_pre_keys SET is_current = 0`)
	tx.Exec(`UPDATE omemo_signed_pre_keys SET is_current = 1 WHERE key_id = ?`, id)
	tx.Commit()
}

func (s *OmemoStore) RemoteIdentity(addr omemo.Address) (ed25519.PublicKey, bool) {
	var key []byte
	err := s.db.sql.QueryRow(
		`SELECT identity_key FROM omemo_devices WHERE user_id = ? AND device_id = ?`,
		addr.User.String(), addr.Device).Scan(&key)
	if err != nil {
		return nil, false
	}
	return ed25519.PublicKey(key), true
}

func (s *OmemoStore) SaveRemoteIdentity(addr omemo.Address, key ed25519.PublicKey) error {
	existing, known := s.RemoteIdentity(addr)
	trust := int(omemo.Undecided)
	if known {
		if string(existing) != string(key) {
			trust = int(omemo.Untrusted)
		} else if row := s.Trust(addr); row != omemo.Undecided {
			trust = int(row)
		}
	}
	_, err := s.db.sql.Exec(
		`INSERT OR REPLACE INTO omemo_devices (user_id, device_id, identity_key, trust_level)
		 VALUES (?, ?, ?, ?)`,
		addr.User.String(), addr.Device, []byte(key), trust)
	if err != nil {
		return fmt.Errorf("repository: saving remote identity for %s: %w", addr.User, err)
	}
	return nil
}

func (s *OmemoStore) Trust(addr omemo.Address) omemo.TrustLevel {
	var level int
	err := s.db.sql.QueryRow(
		`SELECT trust_level FROM omemo_devices WHERE user_id = ? AND device_id = ?`,
		addr.User.String(), addr.Device).Scan(&level)
	if err != nil {
		return omemo.Undecided
	}
	return omemo.TrustLevel(level)
}

func (s *OmemoStore) SetTrust(addr omemo.Address, level omemo.TrustLevel) error {
	_, err := s.db.sql.Exec(
		`UPDATE omemo_devices SET trust_level = ? WHERE user_id = ? AND device_id = ?`,
		int(level), addr.User.String(), addr.Device)
	if err != nil {
		return fmt.Errorf("repository: setting trust for %s: %w", addr.User, err)
	}
	return nil
}

// sessionRow is the JSON encoding of omemo.Session stored in session_data;
// the ratchet chains are fixed-size arrays with no natural SQL column split
// worth the schema churn, so they travel as one JSON blob column instead.
type sessionRow struct {
	RootKey   []byte
	SendChain []byte
	RecvChain []byte
}

func (s *OmemoStore) Session(addr omemo.Address) (*omemo.Session, bool) {
	var blob []byte
	err := s.db.sql.QueryRow(
		`SELECT session_data FROM omemo_sessions WHERE user_id = ? AND device_id = ?`,
		addr.User.String(), addr.Device).Scan(&blob)
	if err != nil {
		return nil, false
	}
	var row sessionRow
	if err := json.Unmarshal(blob, &row); err != nil {
		return nil, false
	}
	sess := &omemo.Session{}
	copy(sess.RootKey[:], row.RootKey)
	copy(sess.SendChain[:], row.SendChain)
	copy(sess.RecvChain[:], row.RecvChain)
	return sess, true
}

func (s *OmemoStore) SaveSession(addr omemo.Address, sess *omemo.Session) error {
	blob, err := json.Marshal(sessionRow{
		RootKey:   sess.RootKey[:],
		SendChain: sess.SendChain[:],
		RecvChain: sess.RecvChain[:],
	})
	if err != nil {
		return fmt.Errorf("repository: encoding session for %s: %w", addr.User, err)
	}
	_, err = s.db.sql.Exec(
		`INSERT OR REPLACE INTO omemo_sessions (user_id, device_id, session_data) VALUES (?, ?, ?)`,
		addr.User.String(), addr.Device, blob)
	if err != nil {
		return fmt.Errorf("repository: saving session for %s: %w", addr.User, err)
	}
	return nil
}

func (s *OmemoStore) DeleteSession(addr omemo.Address) error {
	_, err := s.db.sql.Exec(
		`DELETE FROM omemo_sessions WHERE user_id = ? AND device_id = ?`,
		addr.User.String(), addr.Device)
	if err != nil {
		return fmt.Errorf("repository: deleting session for %s: %w", addr.User, err)
	}
	return nil
}
