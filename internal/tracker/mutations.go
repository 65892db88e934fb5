package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumen-chat/chatsync/internal/conflict"
	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/schema"
)

// ConversationInput describes a new conversation. ID is generated when empty.
type ConversationInput struct {
	ID     string
	UserID string
	Title  string
}

// MessageInput describes a new message. ID is generated when empty.
type MessageInput struct {
	ID             string
	ConversationID string
	UserID         string
	Role           schema.Role
	Parts          json.RawMessage
	Metadata       json.RawMessage
}

// MessageUpdate replaces the content of a message. Nil fields are left as is.
type MessageUpdate struct {
	Parts    json.RawMessage
	Metadata json.RawMessage
}

// CreateConversation stores a new dirty, never-synced conversation.
func (t *Tracker) CreateConversation(ctx context.Context, in ConversationInput) (*schema.Conversation, error) {
	id := in.ID
	if id == "" {
		id = schema.NewConversationID()
	}
	now := t.stamp(schema.Epoch())
	c := &schema.Conversation{
		ID:        id,
		UserID:    in.UserID,
		Title:     in.Title,
		CreatedAt: now,
		UpdatedAt: now,
		IsDirty:   true,
	}
	if err := t.store.UpsertConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// UpdateConversation renames a conversation.
func (t *Tracker) UpdateConversation(ctx context.Context, id, title string) (*schema.Conversation, error) {
	c, err := t.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State() == schema.Deleted {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrDeleted)
	}

	c.Title = title
	t.markDirty(&c.UpdatedAt, &c.IsDirty)
	if err := t.store.UpsertConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	return c, nil
}

// DeleteConversation tombstones a conversation and its live messages in one
// batch. Deleting an already deleted conversation is a no-op.
func (t *Tracker) DeleteConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	c, err := t.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State() == schema.Deleted {
		return c, nil
	}

	msgs, err := t.store.ListMessages(ctx, db.ListOptions{ConversationID: id})
	if err != nil {
		return nil, err
	}

	c.IsDeleted = true
	t.markDirty(&c.UpdatedAt, &c.IsDirty)
	for _, m := range msgs {
		m.IsDeleted = true
		t.markDirty(&m.UpdatedAt, &m.IsDirty)
	}

	if err := t.store.Write(ctx, db.Batch{Conversations: []*schema.Conversation{c}, Messages: msgs}); err != nil {
		return nil, fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return c, nil
}

// CreateMessage stores a new dirty message and touches its conversation.
func (t *Tracker) CreateMessage(ctx context.Context, in MessageInput) (*schema.Message, error) {
	conv, err := t.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.State() == schema.Deleted {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, ErrDeleted)
	}

	id := in.ID
	if id == "" {
		id = schema.NewMessageID()
	}
	now := t.stamp(schema.Epoch())
	m := &schema.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Role:           in.Role,
		Parts:          in.Parts,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsDirty:        true,
	}
	t.markDirty(&conv.UpdatedAt, &conv.IsDirty)

	if err := t.store.Write(ctx, db.Batch{Conversations: []*schema.Conversation{conv}, Messages: []*schema.Message{m}}); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return m, nil
}

// UpdateMessage replaces the parts and/or metadata of a message.
func (t *Tracker) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) (*schema.Message, error) {
	m, err := t.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State() == schema.Deleted {
		return nil, fmt.Errorf("message %s: %w", id, ErrDeleted)
	}

	if upd.Parts != nil {
		m.Parts = upd.Parts
	}
	if upd.Metadata != nil {
		m.Metadata = upd.Metadata
	}
	t.markDirty(&m.UpdatedAt, &m.IsDirty)
	if err := t.store.UpsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to update message %s: %w", id, err)
	}
	return m, nil
}

// DeleteMessage tombstones a message. Deleting twice is a no-op.
func (t *Tracker) DeleteMessage(ctx context.Context, id string) (*schema.Message, error) {
	m, err := t.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State() == schema.Deleted {
		return m, nil
	}

	m.IsDeleted = true
	t.markDirty(&m.UpdatedAt, &m.IsDirty)
	if err := t.store.UpsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return m, nil
}

// Touch marks an existing record dirty without changing its content, so it
// is uploaded again on the next round.
func (t *Tracker) Touch(ctx context.Context, entity schema.Entity, id string) error {
	switch entity {
	case schema.EntityConversations:
		c, err := t.store.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		t.markDirty(&c.UpdatedAt, &c.IsDirty)
		return t.store.UpsertConversation(ctx, c)
	case schema.EntityMessages:
		m, err := t.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		t.markDirty(&m.UpdatedAt, &m.IsDirty)
		return t.store.UpsertMessage(ctx, m)
	default:
		return fmt.Errorf("unknown entity %q", entity)
	}
}

// Restore writes externally supplied records (an import) as local edits.
// Each record keeps its own updatedAt and is stored dirty, unless the local
// copy is strictly newer, in which case it is skipped. Returns the number of
// records written.
func (t *Tracker) Restore(ctx context.Context, batch db.Batch) (int, error) {
	var out db.Batch

	for _, c := range batch.Conversations {
		existing, err := t.storedVersion(ctx, schema.EntityConversations, c.ID)
		if err != nil {
			return 0, err
		}
		if !conflict.Resolve(c.UpdatedAt, existing).Applies() {
			continue
		}
		row := *c
		row.IsDirty, row.LastSyncedAt = true, nil
		out.Conversations = append(out.Conversations, &row)
	}
	for _, m := range batch.Messages {
		existing, err := t.storedVersion(ctx, schema.EntityMessages, m.ID)
		if err != nil {
			return 0, err
		}
		if !conflict.Resolve(m.UpdatedAt, existing).Applies() {
			continue
		}
		row := *m
		row.IsDirty, row.LastSyncedAt = true, nil
		out.Messages = append(out.Messages, &row)
	}

	if out.Len() == 0 {
		return 0, nil
	}
	if err := t.store.Write(ctx, out); err != nil {
		return 0, fmt.Errorf("failed to restore records: %w", err)
	}
	return out.Len(), nil
}
