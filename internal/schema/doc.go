// Package schema defines the record types shared by the local store, the
// sync client and the sync endpoint.
//
// Two entities are synchronized:
//   - Conversation: a titled chat thread owned by a user
//   - Message: one turn inside a conversation, with structured parts
//
// Every record carries the same sync metadata:
//   - UpdatedAt: last local modification, the only input to conflict resolution
//   - LastSyncedAt: when the remote last acknowledged this version (nil if never)
//   - IsDirty: true while the local version has not been acknowledged
//   - IsDeleted: tombstone flag; deletions are soft so they can propagate
//
// Timestamps travel as RFC 3339 on the wire and are stored as fixed-width
// UTC text so that lexical and chronological order agree.
package schema
