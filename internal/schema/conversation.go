package schema

import (
	"time"
	"unicode/utf8"
)

// MaxTitleLength bounds conversation titles (in runes).
const MaxTitleLength = 500

// Conversation is a chat thread. It is the parent of zero or more messages.
type Conversation struct {
	// ===== Identification =====
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"` // set by the remote; empty on never-synced local rows

	// ===== Content =====
	Title string `json:"title"`

	// ===== Timestamps (last-write-wins) =====
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ===== Sync Metadata =====
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	IsDirty      bool       `json:"isDirty"`
	IsDeleted    bool       `json:"isDeleted"`
}

// Validate checks the field constraints every stored or transmitted
// conversation must satisfy.
func (c *Conversation) Validate() error {
	fail := func(field, reason string) error {
		return &ValidationError{Entity: EntityConversations, ID: c.ID, Field: field, Reason: reason}
	}
	if c.ID == "" {
		return fail("id", "is required")
	}
	if c.Title == "" {
		return fail("title", "is required")
	}
	if utf8.RuneCountInString(c.Title) > MaxTitleLength {
		return fail("title", "must be 500 characters or less")
	}
	if c.CreatedAt.IsZero() {
		return fail("createdAt", "is required")
	}
	if c.UpdatedAt.IsZero() {
		return fail("updatedAt", "is required")
	}
	return nil
}

// State reports whether the conversation is live or tombstoned.
func (c *Conversation) State() State {
	if c.IsDeleted {
		return Deleted
	}
	return Active
}

// RecordID implements conflict.Versioned.
func (c *Conversation) RecordID() string { return c.ID }

// LastModified implements conflict.Versioned.
func (c *Conversation) LastModified() time.Time { return c.UpdatedAt }

// SameVersion reports whether o carries the same user-visible state as c at
// the same updatedAt. Sync metadata (lastSyncedAt, isDirty) is ignored.
func (c *Conversation) SameVersion(o *Conversation) bool {
	return c.ID == o.ID &&
		c.UserID == o.UserID &&
		c.Title == o.Title &&
		c.CreatedAt.Equal(o.CreatedAt) &&
		c.UpdatedAt.Equal(o.UpdatedAt) &&
		c.IsDeleted == o.IsDeleted
}
