package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lumen-chat/chatsync/internal/schema"
)

// Batch is a set of records written, or read, together.
type Batch struct {
	Conversations []*schema.Conversation
	Messages      []*schema.Message
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Conversations) + len(b.Messages)
}

// ListOptions filters list queries.
type ListOptions struct {
	// DirtyOnly restricts results to records not yet acknowledged by the remote
	DirtyOnly bool
	// Pending restricts results to dirty records and records the remote has
	// never acknowledged (last_synced_at IS NULL)
	Pending bool
	// IncludeDeleted includes tombstoned records
	IncludeDeleted bool
	// ConversationID restricts messages to one conversation (ignored for conversations)
	ConversationID string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

const upsertConversationSQL = `
INSERT INTO conversations (` + ConversationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	title = excluded.title,
	updated_at = excluded.updated_at,
	last_synced_at = excluded.last_synced_at,
	is_dirty = excluded.is_dirty,
	is_deleted = excluded.is_deleted
`

const upsertMessageSQL = `
INSERT INTO messages (` + MessageColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	conversation_id = excluded.conversation_id,
	user_id = excluded.user_id,
	role = excluded.role,
	parts = excluded.parts,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at,
	last_synced_at = excluded.last_synced_at,
	is_dirty = excluded.is_dirty,
	is_deleted = excluded.is_deleted
`

// Write stores every record of the batch in one transaction, inserting new
// rows and replacing existing ones. Conversations are written before
// messages. If any record is invalid or references a missing conversation,
// nothing is written.
func (db *DB) Write(ctx context.Context, batch Batch) error {
	for _, c := range batch.Conversations {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, m := range batch.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range batch.Conversations {
			if err := upsertConversation(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, m := range batch.Messages {
			if err := requireConversation(ctx, tx, m.ConversationID); err != nil {
				return err
			}
			if err := upsertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(batch.Conversations) > 0 {
		db.notify(schema.EntityConversations)
	}
	if len(batch.Messages) > 0 {
		db.notify(schema.EntityMessages)
	}
	return nil
}

// UpsertConversation inserts or replaces a single conversation.
func (db *DB) UpsertConversation(ctx context.Context, c *schema.Conversation) error {
	return db.Write(ctx, Batch{Conversations: []*schema.Conversation{c}})
}

// UpsertMessage inserts or replaces a single message.
func (db *DB) UpsertMessage(ctx context.Context, m *schema.Message) error {
	return db.Write(ctx, Batch{Messages: []*schema.Message{m}})
}

// GetConversation returns the conversation with the given id, including
// tombstoned ones. Returns ErrNotFound if it does not exist.
func (db *DB) GetConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+ConversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := ScanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return c, nil
}

// GetMessage returns the message with the given id, including tombstoned
// ones. Returns ErrNotFound if it does not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*schema.Message, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+MessageColumns+` FROM messages WHERE id = ?`, id)
	m, err := ScanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return m, nil
}

// ListConversations returns conversations ordered by most recent update.
func (db *DB) ListConversations(ctx context.Context, opts ListOptions) ([]*schema.Conversation, error) {
	return listConversations(ctx, db.conn, opts)
}

// ListMessages returns messages in creation order.
func (db *DB) ListMessages(ctx context.Context, opts ListOptions) ([]*schema.Message, error) {
	return listMessages(ctx, db.conn, opts)
}

func listConversations(ctx context.Context, q Queryer, opts ListOptions) ([]*schema.Conversation, error) {
	where, args := opts.conditions(false)
	query := `SELECT ` + ConversationColumns + ` FROM conversations` + where + ` ORDER BY updated_at DESC, id`
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	return scanConversations(rows)
}

func listMessages(ctx context.Context, q Queryer, opts ListOptions) ([]*schema.Message, error) {
	where, args := opts.conditions(true)
	query := `SELECT ` + MessageColumns + ` FROM messages` + where + ` ORDER BY created_at ASC, id`
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (opts ListOptions) conditions(messages bool) (string, []any) {
	var conditions []string
	var args []any

	if opts.DirtyOnly {
		conditions = append(conditions, "is_dirty = 1")
	}
	if opts.Pending {
		conditions = append(conditions, "(is_dirty = 1 OR last_synced_at IS NULL)")
	}
	if !opts.IncludeDeleted {
		conditions = append(conditions, "is_deleted = 0")
	}
	if messages && opts.ConversationID != "" {
		conditions = append(conditions, "conversation_id = ?")
		args = append(args, opts.ConversationID)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func upsertConversation(ctx context.Context, q Queryer, c *schema.Conversation) error {
	if _, err := q.ExecContext(ctx, upsertConversationSQL, ConversationArgs(c)...); err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

func upsertMessage(ctx context.Context, q Queryer, m *schema.Message) error {
	if _, err := q.ExecContext(ctx, upsertMessageSQL, MessageArgs(m)...); err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}
	return nil
}

func requireConversation(ctx context.Context, q Queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up conversation %s: %w", id, err)
	}
	return nil
}
