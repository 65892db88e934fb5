package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumen-chat/chatsync/internal/conflict"
	"github.com/lumen-chat/chatsync/internal/schema"
)

// Counts holds a per-entity record count.
type Counts struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
}

// Total returns the sum over all entities.
func (c Counts) Total() int {
	return c.Conversations + c.Messages
}

// Snapshot reads the outgoing change set in one read transaction: dirty
// records plus records never acknowledged by the remote, or every record
// when full is true. Tombstones are included.
func (db *DB) Snapshot(ctx context.Context, full bool) (*Batch, error) {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	opts := ListOptions{Pending: !full, IncludeDeleted: true}

	convs, err := listConversations(ctx, tx, opts)
	if err != nil {
		return nil, err
	}
	msgs, err := listMessages(ctx, tx, opts)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot: %w", err)
	}
	return &Batch{Conversations: convs, Messages: msgs}, nil
}

// CleanMark identifies the version of a record that the remote acknowledged.
type CleanMark struct {
	ID        string
	UpdatedAt time.Time
}

// MarkClean clears the dirty flag and stamps last_synced_at on every listed
// record whose updated_at still equals the acknowledged version. Records
// modified since the snapshot are left dirty. Returns the number of rows
// cleaned.
func (db *DB) MarkClean(ctx context.Context, entity schema.Entity, marks []CleanMark, syncedAt time.Time) (int, error) {
	table, err := tableFor(entity)
	if err != nil {
		return 0, err
	}
	if len(marks) == 0 {
		return 0, nil
	}

	query := `UPDATE ` + table + ` SET is_dirty = 0, last_synced_at = ? WHERE id = ? AND updated_at = ?`
	stamp := schema.FormatTime(syncedAt)

	cleaned := 0
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare mark-clean: %w", err)
		}
		defer stmt.Close()

		for _, mark := range marks {
			res, err := stmt.ExecContext(ctx, stamp, mark.ID, schema.FormatTime(mark.UpdatedAt))
			if err != nil {
				return fmt.Errorf("failed to mark %s %s clean: %w", entity, mark.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			cleaned += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	db.notify(entity)
	return cleaned, nil
}

// ApplyResult summarizes ApplyRemote.
type ApplyResult struct {
	// Applied counts incoming versions that were inserted or overwrote a local row
	Applied int
	// Kept counts incoming versions discarded because the local row was newer
	Kept int
	// Unchanged counts incoming versions identical to a clean local row
	Unchanged int
	// Rejected lists records that failed validation or referenced a missing conversation
	Rejected []schema.Rejection
}

// ApplyRemote merges remote records into the store with last-write-wins.
//
// Everything happens in one transaction, conversations first so that
// messages of a new conversation find their parent. A record that fails
// validation or references an unknown conversation is reported in Rejected
// and skipped; it does not abort the batch. An incoming version identical to
// a clean local row is skipped, so re-receiving records already held leaves
// the store untouched. Applied records are stored clean with
// last_synced_at = max(incoming lastSyncedAt, incoming updatedAt).
func (db *DB) ApplyRemote(ctx context.Context, convs []*schema.Conversation, msgs []*schema.Message) (*ApplyResult, error) {
	result := &ApplyResult{}
	if len(convs) == 0 && len(msgs) == 0 {
		return result, nil
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range convs {
			if err := c.Validate(); err != nil {
				result.reject(schema.EntityConversations, c.ID, err)
				continue
			}
			stored, err := storedConversation(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			var existing *time.Time
			if stored != nil {
				if !stored.IsDirty && stored.SameVersion(c) {
					result.Unchanged++
					continue
				}
				existing = &stored.UpdatedAt
			}
			if !conflict.Resolve(c.UpdatedAt, existing).Applies() {
				result.Kept++
				continue
			}

			row := *c
			row.IsDirty = false
			row.LastSyncedAt = acknowledgedAt(c.LastSyncedAt, c.UpdatedAt)
			if err := upsertConversation(ctx, tx, &row); err != nil {
				return err
			}
			result.Applied++
		}

		for _, m := range msgs {
			if err := m.Validate(); err != nil {
				result.reject(schema.EntityMessages, m.ID, err)
				continue
			}
			if err := requireConversation(ctx, tx, m.ConversationID); err != nil {
				if errors.Is(err, ErrUnknownConversation) {
					result.reject(schema.EntityMessages, m.ID, err)
					continue
				}
				return err
			}
			stored, err := storedMessage(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			var existing *time.Time
			if stored != nil {
				if !stored.IsDirty && stored.SameVersion(m) {
					result.Unchanged++
					continue
				}
				existing = &stored.UpdatedAt
			}
			if !conflict.Resolve(m.UpdatedAt, existing).Applies() {
				result.Kept++
				continue
			}

			row := *m
			row.IsDirty = false
			row.LastSyncedAt = acknowledgedAt(m.LastSyncedAt, m.UpdatedAt)
			if err := upsertMessage(ctx, tx, &row); err != nil {
				return err
			}
			result.Applied++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(convs) > 0 {
		db.notify(schema.EntityConversations)
	}
	if len(msgs) > 0 {
		db.notify(schema.EntityMessages)
	}
	return result, nil
}

func (r *ApplyResult) reject(entity schema.Entity, id string, err error) {
	r.Rejected = append(r.Rejected, schema.Rejection{Entity: entity, ID: id, Reason: err.Error()})
}

func acknowledgedAt(lastSyncedAt *time.Time, updatedAt time.Time) *time.Time {
	if lastSyncedAt == nil {
		return schema.TimePtr(updatedAt)
	}
	return schema.TimePtr(schema.MaxTime(*lastSyncedAt, updatedAt))
}

// storedConversation returns the stored row, or nil if there is none.
func storedConversation(ctx context.Context, q Queryer, id string) (*schema.Conversation, error) {
	c, err := ScanConversation(q.QueryRowContext(ctx, `SELECT `+ConversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	return c, nil
}

// storedMessage returns the stored row, or nil if there is none.
func storedMessage(ctx context.Context, q Queryer, id string) (*schema.Message, error) {
	m, err := ScanMessage(q.QueryRowContext(ctx, `SELECT `+MessageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	return m, nil
}

// CountDirty returns the number of records awaiting upload.
func (db *DB) CountDirty(ctx context.Context) (Counts, error) {
	return db.count(ctx, "is_dirty = 1")
}

// CountNeverSynced returns the number of records the remote has never acknowledged.
func (db *DB) CountNeverSynced(ctx context.Context) (Counts, error) {
	return db.count(ctx, "last_synced_at IS NULL")
}

// Totals returns the number of stored records, tombstones included.
func (db *DB) Totals(ctx context.Context) (Counts, error) {
	return db.count(ctx, "1 = 1")
}

func (db *DB) count(ctx context.Context, where string) (Counts, error) {
	var c Counts
	query := `SELECT
		(SELECT COUNT(*) FROM conversations WHERE ` + where + `),
		(SELECT COUNT(*) FROM messages WHERE ` + where + `)`
	if err := db.conn.QueryRowContext(ctx, query).Scan(&c.Conversations, &c.Messages); err != nil {
		return Counts{}, fmt.Errorf("failed to count records: %w", err)
	}
	return c, nil
}
