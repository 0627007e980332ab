package repository

import (
	"context"
	"fmt"

	"github.com/prose-im/prose-core-client-sub004/internal/ids"
)

// BlockList backs the "block_list" persisted collection of spec §6: the set
// of users whose messages and presence are suppressed.
type BlockList struct{ db *DB }

func (d *DB) BlockList() *BlockList { return &BlockList{db: d} }

func (b *BlockList) All(ctx context.Context) ([]ids.UserId, error) {
	rows, err := b.db.sql.QueryContext(ctx, `SELECT user_id FROM block_list`)
	if err != nil {
		return nil, fmt.Errorf("repository: listing block list: %w", err)
	}
	defer rows.Close()

	var out []ids.UserId
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("repository: scanning block list: %w", err)
		}
		u, err := ids.ParseUserId(s)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (b *BlockList) Add(ctx context.Context, user ids.UserId) error {
	_, err := b.db.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO block_list (user_id) VALUES (?)`, user.String())
	if err != nil {
		return fmt.Errorf("repository: blocking %s: %w", user, err)
	}
	return nil
}

func (b *BlockList) Remove(ctx context.Context, user ids.UserId) error {
	_, err := b.db.sql.ExecContext(ctx, `DELETE FROM block_list WHERE user_id = ?`, user.String())
	if err != nil {
		return fmt.Errorf("repository: unblocking %s: %w", user, err)
	}
	return nil
}

func (b *BlockList) Contains(ctx context.Context, user ids.UserId) (bool, error) {
	var count int
	err := b.db.sql.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM block_list WHERE user_id = ?`, user.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("repository: checking block list for %s: %w", user, err)
	}
	return count > 0, nil
}
