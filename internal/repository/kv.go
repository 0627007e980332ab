package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// KV is the generic JSON-blob-keyed store backing spec §6's collections
// that need nothing beyond "one value per key": account_settings, drafts,
// local_room_settings, user_profiles, user_info, workspace_info and
// avatar_metadata: a single key-value pattern generalized to an arbitrary
// JSON-serializable value per collection.
type KV struct {
	db         *DB
	collection string
}

// Collection returns a KV scoped to one logical collection name (e.g.
// "user_profiles"); every key within it is independent of keys in any other
// collection.
func (d *DB) Collection(name string) *KV {
	return &KV{db: d, collection: name}
}

// Put upserts value under key, JSON-encoding it first.
func (kv *KV) Put(ctx context.Context, key string, value any) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("repository: encoding %s/%s: %w", kv.collection, key, err)
	}
	_, err = kv.db.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_store (collection, key, value) VALUES (?, ?, ?)`,
		kv.collection, key, string(blob))
	if err != nil {
		return fmt.Errorf("repository: saving %s/%s: %w", kv.collection, key, err)
	}
	return nil
}

// Get decodes the value stored under key into out, returning ok=false if no
// row exists.
func (kv *KV) Get(ctx context.Context, key string, out any) (bool, error) {
	var blob string
	err := kv.db.sql.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE collection = ? AND key = ?`,
		kv.collection, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: reading %s/%s: %w", kv.collection, key, err)
	}
	if err := json.Unmarshal([]byte(blob), out); err != nil {
		return false, fmt.Errorf("repository: decoding %s/%s: %w", kv.collection, key, err)
	}
	return true, nil
}

// Delete removes key, if present.
func (kv *KV) Delete(ctx context.Context, key string) error {
	_, err := kv.db.sql.ExecContext(ctx,
		`DELETE FROM kv_store WHERE collection = ? AND key = ?`, kv.collection, key)
	if err != nil {
		return fmt.Errorf("repository: deleting %s/%s: %w", kv.collection, key, err)
	}
	return nil
}

// Keys lists every key currently stored in the collection.
func (kv *KV) Keys(ctx context.Context) ([]string, error) {
	rows, err := kv.db.sql.QueryContext(ctx,
		`SELECT key FROM kv_store WHERE collection = ?`, kv.collection)
	if err != nil {
		return nil, fmt.Errorf("repository: listing %s: %w", kv.collection, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("repository: scanning %s: %w", kv.collection, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
