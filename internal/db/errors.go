package db

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownConversation is returned when a message references a
	// conversation that is not in the store.
	ErrUnknownConversation = errors.New("unknown conversation")
)
