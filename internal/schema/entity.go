package schema

import (
	"errors"
	"fmt"
)

// Entity names a synchronized record kind. The values double as the
// JSON keys of the sync payload and the local table names.
type Entity string

const (
	EntityConversations Entity = "conversations"
	EntityMessages      Entity = "messages"
)

// Entities lists every synchronized entity in apply order: parents first.
var Entities = []Entity{EntityConversations, EntityMessages}

// Valid reports whether e is a known entity.
func (e Entity) Valid() bool {
	return e == EntityConversations || e == EntityMessages
}

// State is the lifecycle of a record. Records are never hard-deleted by
// user actions; a delete moves them to Deleted.
type State uint8

const (
	Active State = iota
	Deleted
)

func (s State) String() string {
	if s == Deleted {
		return "deleted"
	}
	return "active"
}

// ErrInvalid is the sentinel wrapped by every ValidationError.
var ErrInvalid = errors.New("invalid record")

// ValidationError describes a record that violates a field constraint.
type ValidationError struct {
	Entity Entity
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %s: %s %s", e.Entity, e.ID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Rejection records an incoming or outgoing record that was not applied.
// Rejections are reported alongside a batch; they never abort it.
type Rejection struct {
	Entity Entity `json:"entity"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (r Rejection) String() string {
	id := r.ID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("%s %s: %s", r.Entity, id, r.Reason)
}
