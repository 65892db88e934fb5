package schema

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes keep identifiers self-describing in logs and exports.
const (
	ConversationPrefix = "conv_"
	MessagePrefix      = "msg_"
)

// NewConversationID returns a fresh, globally unique conversation id.
func NewConversationID() string {
	return newID(ConversationPrefix)
}

// NewMessageID returns a fresh, globally unique message id.
func NewMessageID() string {
	return newID(MessagePrefix)
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
