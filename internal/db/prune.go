package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lumen-chat/chatsync/internal/schema"
)

// PruneTombstones hard-deletes tombstones that the remote acknowledged
// before the cutoff. Dirty tombstones are kept so the deletion still
// propagates, and a conversation is kept while any of its messages is dirty.
func (db *DB) PruneTombstones(ctx context.Context, before time.Time) (Counts, error) {
	cutoff := schema.FormatTime(before)
	var pruned Counts

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE is_deleted = 1 AND is_dirty = 0
			  AND last_synced_at IS NOT NULL AND last_synced_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune messages: %w", err)
		}
		n, _ := res.RowsAffected()
		pruned.Messages = int(n)

		res, err = tx.ExecContext(ctx, `
			DELETE FROM conversations
			WHERE is_deleted = 1 AND is_dirty = 0
			  AND last_synced_at IS NOT NULL AND last_synced_at < ?
			  AND NOT EXISTS (
				SELECT 1 FROM messages m
				WHERE m.conversation_id = conversations.id AND m.is_dirty = 1
			  )`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune conversations: %w", err)
		}
		n, _ = res.RowsAffected()
		pruned.Conversations = int(n)
		return nil
	})
	if err != nil {
		return Counts{}, err
	}

	if pruned.Total() > 0 {
		db.notify(schema.EntityConversations, schema.EntityMessages)
	}
	return pruned, nil
}
