package schema

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one turn of a conversation. Parts and Metadata are opaque JSON
// documents owned by the chat layer; the sync engine only checks that they
// are well formed.
type Message struct {
	// ===== Identification =====
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`

	// ===== Content =====
	Role     Role            `json:"role"`
	Parts    json.RawMessage `json:"parts"`              // JSON array of content parts
	Metadata json.RawMessage `json:"metadata,omitempty"` // JSON object, optional

	// ===== Timestamps (last-write-wins) =====
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ===== Sync Metadata =====
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	IsDirty      bool       `json:"isDirty"`
	IsDeleted    bool       `json:"isDeleted"`
}

// Validate checks the field constraints every stored or transmitted
// message must satisfy. Parent existence is checked by the store.
func (m *Message) Validate() error {
	fail := func(field, reason string) error {
		return &ValidationError{Entity: EntityMessages, ID: m.ID, Field: field, Reason: reason}
	}
	if m.ID == "" {
		return fail("id", "is required")
	}
	if m.ConversationID == "" {
		return fail("conversationId", "is required")
	}
	if !m.Role.Valid() {
		return fail("role", "must be one of system, user, assistant")
	}
	if len(m.Parts) == 0 {
		return fail("parts", "is required")
	}
	if !json.Valid(m.Parts) || bytes.TrimSpace(m.Parts)[0] != '[' {
		return fail("parts", "must be a JSON array")
	}
	if m.HasMetadata() && !json.Valid(m.Metadata) {
		return fail("metadata", "must be valid JSON")
	}
	if m.CreatedAt.IsZero() {
		return fail("createdAt", "is required")
	}
	if m.UpdatedAt.IsZero() {
		return fail("updatedAt", "is required")
	}
	return nil
}

// HasMetadata reports whether the message carries a non-null metadata document.
func (m *Message) HasMetadata() bool {
	trimmed := bytes.TrimSpace(m.Metadata)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// State reports whether the message is live or tombstoned.
func (m *Message) State() State {
	if m.IsDeleted {
		return Deleted
	}
	return Active
}

// RecordID implements conflict.Versioned.
func (m *Message) RecordID() string { return m.ID }

// LastModified implements conflict.Versioned.
func (m *Message) LastModified() time.Time { return m.UpdatedAt }

// SameVersion reports whether o carries the same user-visible state as m at
// the same updatedAt. Sync metadata (lastSyncedAt, isDirty) is ignored and
// JSON documents are compared without insignificant whitespace.
func (m *Message) SameVersion(o *Message) bool {
	return m.ID == o.ID &&
		m.ConversationID == o.ConversationID &&
		m.UserID == o.UserID &&
		m.Role == o.Role &&
		sameJSON(m.Parts, o.Parts) &&
		m.HasMetadata() == o.HasMetadata() &&
		(!m.HasMetadata() || sameJSON(m.Metadata, o.Metadata)) &&
		m.CreatedAt.Equal(o.CreatedAt) &&
		m.UpdatedAt.Equal(o.UpdatedAt) &&
		m.IsDeleted == o.IsDeleted
}

func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
