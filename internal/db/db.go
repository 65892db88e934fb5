// Package db is the local record store for chatsync.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding the user's conversations and messages together with their sync
// metadata. It is the single source of truth for the UI; the sync engine
// reads dirty records from it and writes remote changes back into it.
//
// Architecture:
//   - Database file: <data dir>/chatsync.db
//   - WAL mode: readers never block the sync writer
//   - Schema: conversations, messages (messages cascade with their conversation)
//   - Indexes: dirty flags and never-synced rows for cheap status queries
//
// Every batch write runs in a single IMMEDIATE transaction: either every
// record of the batch is stored or none is. Registered write hooks are
// called after each successful commit.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lumen-chat/chatsync/internal/schema"
)

// DriverName is the database/sql driver registered by ncruces/go-sqlite3.
const DriverName = "sqlite3"

// WriteHook is called after a committed write touching entity.
type WriteHook func(entity schema.Entity)

// DB wraps the SQLite connection pool with record-store operations.
type DB struct {
	conn *sql.DB
	path string

	hooksMu sync.RWMutex
	hooks   []WriteHook
}

// DSN builds the connection string for an SQLite database file. Pragmas are
// passed in the DSN so that every pooled connection gets them, and
// transactions take the write lock up front to avoid upgrade deadlocks.
func DSN(path string) string {
	path = strings.TrimPrefix(path, "file:")
	return "file:" + filepath.ToSlash(path) +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(wal)"
}

// Open creates a new store connection at the specified path.
//
// If the database doesn't exist, it is created. The schema is not created
// automatically; call InitSchema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "chatsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open(DriverName, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// This is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, localSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const localSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	title TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_synced_at TEXT,
	is_dirty INTEGER NOT NULL DEFAULT 1,
	is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	user_id TEXT,
	role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
	parts TEXT NOT NULL,     -- JSON array
	metadata TEXT,           -- JSON object
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_synced_at TEXT,
	is_dirty INTEGER NOT NULL DEFAULT 1,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_dirty ON conversations(is_dirty) WHERE is_dirty = 1;
CREATE INDEX IF NOT EXISTS idx_conversations_never_synced ON conversations(id) WHERE last_synced_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_dirty ON messages(is_dirty) WHERE is_dirty = 1;
CREATE INDEX IF NOT EXISTS idx_messages_never_synced ON messages(id) WHERE last_synced_at IS NULL;
`

// OnWrite registers a hook called after every committed write.
// Hooks run synchronously on the writing goroutine and must not block.
func (db *DB) OnWrite(hook WriteHook) {
	db.hooksMu.Lock()
	defer db.hooksMu.Unlock()
	db.hooks = append(db.hooks, hook)
}

func (db *DB) notify(entities ...schema.Entity) {
	db.hooksMu.RLock()
	hooks := db.hooks
	db.hooksMu.RUnlock()

	for _, e := range entities {
		for _, hook := range hooks {
			hook(e)
		}
	}
}

// withTx runs fn inside a write transaction and commits if fn succeeds.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func tableFor(entity schema.Entity) (string, error) {
	switch entity {
	case schema.EntityConversations:
		return "conversations", nil
	case schema.EntityMessages:
		return "messages", nil
	default:
		return "", fmt.Errorf("unknown entity %q", entity)
	}
}
