package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lumen-chat/chatsync/internal/schema"
)

// Column lists shared by the local store and the sync endpoint store.
// Both use the same row layout; only ownership constraints differ.
const (
	ConversationColumns = "id, user_id, title, created_at, updated_at, last_synced_at, is_dirty, is_deleted"
	MessageColumns      = "id, conversation_id, user_id, role, parts, metadata, created_at, updated_at, last_synced_at, is_dirty, is_deleted"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ConversationArgs returns the insert arguments matching ConversationColumns.
func ConversationArgs(c *schema.Conversation) []any {
	return []any{
		c.ID,
		stringToNull(c.UserID),
		c.Title,
		schema.FormatTime(c.CreatedAt),
		schema.FormatTime(c.UpdatedAt),
		timeToNullString(c.LastSyncedAt),
		boolToInt(c.IsDirty),
		boolToInt(c.IsDeleted),
	}
}

// MessageArgs returns the insert arguments matching MessageColumns.
func MessageArgs(m *schema.Message) []any {
	var metadata sql.NullString
	if m.HasMetadata() {
		metadata = sql.NullString{String: string(m.Metadata), Valid: true}
	}
	return []any{
		m.ID,
		m.ConversationID,
		stringToNull(m.UserID),
		string(m.Role),
		string(m.Parts),
		metadata,
		schema.FormatTime(m.CreatedAt),
		schema.FormatTime(m.UpdatedAt),
		timeToNullString(m.LastSyncedAt),
		boolToInt(m.IsDirty),
		boolToInt(m.IsDeleted),
	}
}

// ScanConversation reads one row selected with ConversationColumns.
func ScanConversation(s Scanner) (*schema.Conversation, error) {
	var c schema.Conversation
	var userID, lastSyncedAt sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(
		&c.ID,
		&userID,
		&c.Title,
		&createdAt,
		&updatedAt,
		&lastSyncedAt,
		&c.IsDirty,
		&c.IsDeleted,
	); err != nil {
		return nil, err
	}

	var err error
	c.UserID = userID.String
	if c.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("conversation %s: created_at: %w", c.ID, err)
	}
	if c.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("conversation %s: updated_at: %w", c.ID, err)
	}
	if c.LastSyncedAt, err = nullStringToTime(lastSyncedAt); err != nil {
		return nil, fmt.Errorf("conversation %s: last_synced_at: %w", c.ID, err)
	}
	return &c, nil
}

// ScanMessage reads one row selected with MessageColumns.
func ScanMessage(s Scanner) (*schema.Message, error) {
	var m schema.Message
	var userID, metadata, lastSyncedAt sql.NullString
	var role, parts, createdAt, updatedAt string

	if err := s.Scan(
		&m.ID,
		&m.ConversationID,
		&userID,
		&role,
		&parts,
		&metadata,
		&createdAt,
		&updatedAt,
		&lastSyncedAt,
		&m.IsDirty,
		&m.IsDeleted,
	); err != nil {
		return nil, err
	}

	var err error
	m.UserID = userID.String
	m.Role = schema.Role(role)
	m.Parts = json.RawMessage(parts)
	if metadata.Valid {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if m.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("message %s: created_at: %w", m.ID, err)
	}
	if m.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("message %s: updated_at: %w", m.ID, err)
	}
	if m.LastSyncedAt, err = nullStringToTime(lastSyncedAt); err != nil {
		return nil, fmt.Errorf("message %s: last_synced_at: %w", m.ID, err)
	}
	return &m, nil
}

func scanConversations(rows *sql.Rows) ([]*schema.Conversation, error) {
	var out []*schema.Conversation
	for rows.Next() {
		c, err := ScanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

func scanMessages(rows *sql.Rows) ([]*schema.Message, error) {
	var out []*schema.Message
	for rows.Next() {
		m, err := ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: schema.FormatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := schema.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
