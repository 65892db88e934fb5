// Package tracker is the only path through which local edits reach the
// record store.
//
// Every create, update and soft delete stamps updatedAt and sets the dirty
// flag, so the next sync round picks the record up. updatedAt never moves
// backwards for a record even if the wall clock does: the stamp is
// max(now, previous updatedAt).
//
// The tracker also answers the two status queries the UI polls: dirty
// counts and sync stats. Both are cached for a short TTL, and the cache is
// dropped synchronously whenever the store commits a write. Writes made by
// another process are only seen once the TTL expires.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumen-chat/chatsync/internal/conflict"
	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/schema"
)

// DefaultCacheTTL bounds how stale a cached status answer can be.
const DefaultCacheTTL = 10 * time.Second

// ErrDeleted is returned when editing a tombstoned record.
var ErrDeleted = errors.New("record is deleted")

// DirtyCounts is the number of records awaiting upload.
type DirtyCounts struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Total         int `json:"total"`
}

// SyncStats summarizes the replica's sync state.
type SyncStats struct {
	// NeedsInitialSync is true while any record has never been acknowledged
	NeedsInitialSync bool        `json:"needsInitialSync"`
	PendingChanges   DirtyCounts `json:"pendingChanges"`
}

// Tracker records local mutations and answers status queries.
type Tracker struct {
	store *db.DB
	now   func() time.Time
	ttl   time.Duration

	mu         sync.Mutex
	generation uint64
	counts     *DirtyCounts
	countsAt   time.Time
	stats      *SyncStats
	statsAt    time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock used for stamping and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithCacheTTL sets the status cache lifetime. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// New creates a Tracker over store and subscribes to its write hook.
func New(store *db.DB, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		ttl:   DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	store.OnWrite(func(schema.Entity) { t.Invalidate() })
	return t
}

// Store returns the underlying record store.
func (t *Tracker) Store() *db.DB {
	return t.store
}

// Invalidate drops cached status answers.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.generation++
	t.counts = nil
	t.stats = nil
	t.mu.Unlock()
}

// stamp returns the next updatedAt for a record last modified at prev.
func (t *Tracker) stamp(prev time.Time) time.Time {
	now := t.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (t *Tracker) markDirty(updatedAt *time.Time, dirty *bool) {
	*updatedAt = t.stamp(*updatedAt)
	*dirty = true
}

// storedVersion returns the stored updatedAt of a record, or nil if absent.
func (t *Tracker) storedVersion(ctx context.Context, entity schema.Entity, id string) (*time.Time, error) {
	var rec conflict.Versioned
	var err error
	switch entity {
	case schema.EntityConversations:
		rec, err = t.store.GetConversation(ctx, id)
	case schema.EntityMessages:
		rec, err = t.store.GetMessage(ctx, id)
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts := rec.LastModified()
	return &ts, nil
}

// GetDirtyCounts returns the number of dirty records per entity.
func (t *Tracker) GetDirtyCounts(ctx context.Context) (DirtyCounts, error) {
	t.mu.Lock()
	if t.counts != nil && t.fresh(t.countsAt) {
		c := *t.counts
		t.mu.Unlock()
		return c, nil
	}
	gen := t.generation
	t.mu.Unlock()

	dirty, err := t.store.CountDirty(ctx)
	if err != nil {
		return DirtyCounts{}, fmt.Errorf("failed to count dirty records: %w", err)
	}
	counts := DirtyCounts{Conversations: dirty.Conversations, Messages: dirty.Messages, Total: dirty.Total()}

	t.mu.Lock()
	if gen == t.generation {
		t.counts, t.countsAt = &counts, t.now()
	}
	t.mu.Unlock()
	return counts, nil
}

// GetSyncStats reports whether an initial sync is needed and what is pending.
func (t *Tracker) GetSyncStats(ctx context.Context) (SyncStats, error) {
	t.mu.Lock()
	if t.stats != nil && t.fresh(t.statsAt) {
		s := *t.stats
		t.mu.Unlock()
		return s, nil
	}
	gen := t.generation
	t.mu.Unlock()

	never, err := t.store.CountNeverSynced(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("failed to count never-synced records: %w", err)
	}
	dirty, err := t.store.CountDirty(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("failed to count dirty records: %w", err)
	}
	stats := SyncStats{
		NeedsInitialSync: never.Total() > 0,
		PendingChanges:   DirtyCounts{Conversations: dirty.Conversations, Messages: dirty.Messages, Total: dirty.Total()},
	}

	t.mu.Lock()
	if gen == t.generation {
		t.stats, t.statsAt = &stats, t.now()
	}
	t.mu.Unlock()
	return stats, nil
}

// fresh must be called with t.mu held.
func (t *Tracker) fresh(at time.Time) bool {
	return t.ttl > 0 && t.now().Sub(at) < t.ttl
}
