package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/lumen-chat/chatsync/internal/conflict"
	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/schema"
)

// Dialect selects the SQL backend of the endpoint store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect validates a configured driver name.
func ParseDialect(name string) (Dialect, error) {
	switch Dialect(strings.ToLower(name)) {
	case DialectSQLite, "sqlite3", "":
		return DialectSQLite, nil
	case DialectPostgres, "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported server driver %q (want sqlite or postgres)", name)
	}
}

// Store is the remote source of truth. It keeps every user's records and
// applies the same last-write-wins rule as the client.
type Store struct {
	conn    *sql.DB
	dialect Dialect
}

// OpenStore connects to the endpoint database. For sqlite, dsn is a file path.
func OpenStore(dialect Dialect, dsn string) (*Store, error) {
	var conn *sql.DB
	var err error

	switch dialect {
	case DialectSQLite:
		conn, err = sql.Open(db.DriverName, db.DSN(dsn))
	case DialectPostgres:
		conn, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", dialect, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", dialect, err)
	}

	return &Store{conn: conn, dialect: dialect}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// InitSchema creates the endpoint tables if they don't exist.
// The DDL is portable between SQLite and PostgreSQL.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, remoteSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const remoteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_synced_at TEXT,
	is_dirty INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
	parts TEXT NOT NULL,
	metadata TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_synced_at TEXT,
	is_dirty INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_conversations_user_created ON conversations(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_user_updated ON messages(user_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
`

const upsertConversationSQL = `
INSERT INTO conversations (` + db.ConversationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	title = excluded.title,
	updated_at = excluded.updated_at,
	last_synced_at = excluded.last_synced_at,
	is_dirty = excluded.is_dirty,
	is_deleted = excluded.is_deleted
`

const upsertMessageSQL = `
INSERT INTO messages (` + db.MessageColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	conversation_id = excluded.conversation_id,
	role = excluded.role,
	parts = excluded.parts,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at,
	last_synced_at = excluded.last_synced_at,
	is_dirty = excluded.is_dirty,
	is_deleted = excluded.is_deleted
`

// errForeignOwner marks a record id already owned by a different user.
var errForeignOwner = errors.New("record belongs to another user")

// Sync applies a user's submitted changes and returns the records that
// changed since req.LastSyncAt.
//
// Each submitted record is resolved against the stored one with
// last-write-wins. Winners are stored with userId, lastSyncedAt = now and
// isDirty = false. Both winners and superseded records are listed in
// Accepted, and the stored row of every accepted record is included in the
// response, so the client ends the round holding exactly the server's
// version (userId included). Invalid records, foreign-owned ids and
// messages of unknown conversations are left out of Accepted, so the client
// keeps them dirty.
//
// now is read once the transaction holds the user's write lock, so
// syncedAt values follow commit order and a client watermark never skips
// a concurrent commit.
func (s *Store) Sync(ctx context.Context, userID string, req *schema.SyncRequest, clock func() time.Time) (*schema.SyncResponse, []schema.Rejection, error) {
	accepted := &schema.AcceptedIDs{Conversations: []string{}, Messages: []string{}}
	var rejected []schema.Rejection

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// SQLite transactions begin IMMEDIATE and already hold the write lock.
	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return nil, nil, fmt.Errorf("failed to lock user %s: %w", userID, err)
		}
	}
	now := clock().UTC()

	for _, c := range req.Data.Conversations {
		if err := c.Validate(); err != nil {
			rejected = append(rejected, schema.Rejection{Entity: schema.EntityConversations, ID: c.ID, Reason: err.Error()})
			continue
		}
		owner, existing, err := s.version(ctx, tx, "conversations", c.ID)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil && owner != userID {
			rejected = append(rejected, schema.Rejection{Entity: schema.EntityConversations, ID: c.ID, Reason: errForeignOwner.Error()})
			continue
		}

		accepted.Conversations = append(accepted.Conversations, c.ID)
		if !conflict.Resolve(c.UpdatedAt, existing).Applies() {
			continue
		}

		row := *c
		row.UserID, row.LastSyncedAt, row.IsDirty = userID, &now, false
		if _, err := tx.ExecContext(ctx, s.rebind(upsertConversationSQL), db.ConversationArgs(&row)...); err != nil {
			return nil, nil, fmt.Errorf("failed to store conversation %s: %w", c.ID, err)
		}
	}

	for _, m := range req.Data.Messages {
		if err := m.Validate(); err != nil {
			rejected = append(rejected, schema.Rejection{Entity: schema.EntityMessages, ID: m.ID, Reason: err.Error()})
			continue
		}
		convOwner, convVersion, err := s.version(ctx, tx, "conversations", m.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		if convVersion == nil || convOwner != userID {
			rejected = append(rejected, schema.Rejection{Entity: schema.EntityMessages, ID: m.ID, Reason: "unknown conversation " + m.ConversationID})
			continue
		}
		owner, existing, err := s.version(ctx, tx, "messages", m.ID)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil && owner != userID {
			rejected = append(rejected, schema.Rejection{Entity: schema.EntityMessages, ID: m.ID, Reason: errForeignOwner.Error()})
			continue
		}

		accepted.Messages = append(accepted.Messages, m.ID)
		if !conflict.Resolve(m.UpdatedAt, existing).Applies() {
			continue
		}

		row := *m
		row.UserID, row.LastSyncedAt, row.IsDirty = userID, &now, false
		if _, err := tx.ExecContext(ctx, s.rebind(upsertMessageSQL), db.MessageArgs(&row)...); err != nil {
			return nil, nil, fmt.Errorf("failed to store message %s: %w", m.ID, err)
		}
	}

	resp := &schema.SyncResponse{SyncedAt: now, Accepted: accepted}
	if resp.Conversations, err = s.changedConversations(ctx, tx, userID, req.LastSyncAt, accepted.Conversations); err != nil {
		return nil, nil, err
	}
	if resp.Messages, err = s.changedMessages(ctx, tx, userID, req.LastSyncAt, accepted.Messages); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return resp, rejected, nil
}

// version returns the owner and updatedAt of a stored record, or a nil time
// if it does not exist.
func (s *Store) version(ctx context.Context, tx *sql.Tx, table, id string) (string, *time.Time, error) {
	var owner, raw string
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT user_id, updated_at FROM `+table+` WHERE id = ?`), id).Scan(&owner, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s %s: %w", table, id, err)
	}
	t, err := schema.ParseTime(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%s %s: updated_at: %w", table, id, err)
	}
	return owner, &t, nil
}

// changedConversations returns the user's conversations created, updated or
// stored at or after since, plus the stored versions of the listed ids. Matching on last_synced_at
// (server clock) catches records uploaded late with an old updatedAt.
func (s *Store) changedConversations(ctx context.Context, tx *sql.Tx, userID string, since time.Time, include []string) ([]*schema.Conversation, error) {
	mark := schema.FormatTime(since)
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+db.ConversationColumns+` FROM conversations
		WHERE user_id = ? AND (updated_at >= ? OR created_at >= ? OR last_synced_at >= ?)
		ORDER BY updated_at, id`), userID, mark, mark, mark)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed conversations: %w", err)
	}
	defer rows.Close()

	out := []*schema.Conversation{}
	seen := map[string]bool{}
	for rows.Next() {
		c, err := db.ScanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	for _, id := range include {
		if seen[id] {
			continue
		}
		c, err := db.ScanConversation(tx.QueryRowContext(ctx, s.rebind(`SELECT `+db.ConversationColumns+` FROM conversations WHERE id = ?`), id))
		if err != nil {
			return nil, fmt.Errorf("failed to read conversation %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// changedMessages is the message counterpart of changedConversations.
func (s *Store) changedMessages(ctx context.Context, tx *sql.Tx, userID string, since time.Time, include []string) ([]*schema.Message, error) {
	mark := schema.FormatTime(since)
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+db.MessageColumns+` FROM messages
		WHERE user_id = ? AND (updated_at >= ? OR created_at >= ? OR last_synced_at >= ?)
		ORDER BY updated_at, id`), userID, mark, mark, mark)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed messages: %w", err)
	}
	defer rows.Close()

	out := []*schema.Message{}
	seen := map[string]bool{}
	for rows.Next() {
		m, err := db.ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	for _, id := range include {
		if seen[id] {
			continue
		}
		m, err := db.ScanMessage(tx.QueryRowContext(ctx, s.rebind(`SELECT `+db.MessageColumns+` FROM messages WHERE id = ?`), id))
		if err != nil {
			return nil, fmt.Errorf("failed to read message %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
