package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// AvatarBlobs backs the "avatar_blobs" persisted collection of spec §6: the
// raw decoded avatar image data, keyed by its content-id hash so storage is
// automatically deduplicated across users who share an avatar. Avatar
// metadata (who currently has which AvatarId) lives in the generic KV store
// instead, under the "avatar_metadata" collection.
type AvatarBlobs struct{ db *DB }

func (d *DB) AvatarBlobs() *AvatarBlobs { return &AvatarBlobs{db: d} }

func (a *AvatarBlobs) Save(ctx context.Context, id ids.AvatarId, contentType string, data []byte) error {
	_, err := a.db.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO avatar_blobs (avatar_id, content_type, data) VALUES (?, ?, ?)`,
		string(id), contentType, data)
	if err != nil {
		return fmt.Errorf("repository: saving avatar blob %s: %w", id, err)
	}
	return nil
}

// Get returns the blob for id, or ok=false if it has not been downloaded.
func (a *AvatarBlobs) Get(ctx context.Context, id ids.AvatarId) (contentType string, data []byte, ok bool, err error) {
	err = a.db.sql.QueryRowContext(ctx,
		`SELECT content_type, data FROM avatar_blobs WHERE avatar_id = ?`, string(id),
	).Scan(&contentType, &data)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("repository: reading avatar blob %s: %w", id, err)
	}
	return contentType, data, true, nil
}
