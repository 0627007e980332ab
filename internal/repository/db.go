// Package repository implements the sqlite-backed persisted collections of
// spec §6: account_settings, avatar_metadata, avatar_blobs, bookmarks,
// drafts, messages, local_room_settings, the omemo_* tables, user_profiles,
// user_info, block_list and workspace_info. connected_rooms is explicitly
// in-memory only per spec §6 and is owned by internal/rooms.Repository
// instead.
//
// The schema and access shape follow a common sqlite pattern: one *sql.DB,
// a migrate() step run once at open, INSERT OR REPLACE for upserts, and
// JSON-blob columns for composite values that have no natural relational
// split.
package repository

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB owns the single sqlite connection backing every repository in this
// package.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the core database under dataDir and
// runs every migration.
func Open(dataDir string) (*DB, error) {
	path := filepath.Join(dataDir, "core.db")
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("repository: opening database: %w", err)
	}
	db := &DB{sql: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("repository: migrating database: %w", err)
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	migrations := []string{
		// Generic single-value-per-key JSON store backing the simple
		// spec §6 collections that do not need dedicated relational
		// columns: account_settings, drafts, local_room_settings,
		// user_profiles, user_info, workspace_info, avatar_metadata.
		`CREATE TABLE IF NOT EXISTS kv_store (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (collection, key)
		)`,

		`CREATE TABLE IF NOT EXISTS bookmarks (
			room_id TEXT PRIMARY KEY,
			room_kind TEXT NOT NULL,
			name TEXT NOT NULL,
			type INTEGER NOT NULL,
			is_favorite INTEGER NOT NULL DEFAULT 0,
			in_sidebar INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS block_list (
			user_id TEXT PRIMARY KEY
		)`,

		`CREATE TABLE IF NOT EXISTS avatar_blobs (
			avatar_id TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			data BLOB NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			room_id TEXT NOT NULL,
			room_kind TEXT NOT NULL DEFAULT 'user',
			dedup_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (room_id, dedup_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_timestamp ON messages(room_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS omemo_identity (
			device_id INTEGER PRIMARY KEY,
			dh_private BLOB NOT NULL,
			dh_public BLOB NOT NULL,
			sig_private BLOB NOT NULL,
			sig_public BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS omemo_pre_keys (
			key_id INTEGER PRIMARY KEY,
			private_key BLOB NOT NULL,
			public_key BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS omemo_signed_pre_keys (
			key_id INTEGER PRIMARY KEY,
			private_key BLOB NOT NULL,
			public_key BLOB NOT NULL,
			signature BLOB NOT NULL,
			is_current INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS omemo_devices (
			user_id TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			identity_key BLOB NOT NULL,
			trust_level INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS omemo_sessions (
			user_id TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			session_data BLOB NOT NULL,
			PRIMARY KEY (user_id, device_id)
		)`,
	}

	for _, stmt := range migrations {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("repository: migration failed: %w", err)
		}
	}
	return nil
}
