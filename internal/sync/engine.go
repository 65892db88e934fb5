package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/retry"
	"github.com/lumen-chat/chatsync/internal/schema"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

// WatermarkKey is the settings key holding the last syncedAt.
const WatermarkKey = "last-sync-at"

// Options controls a single round.
type Options struct {
	// ForceFullSync uploads every record instead of only dirty ones.
	ForceFullSync bool `json:"forceFullSync"`
}

// Result describes a completed round.
type Result struct {
	StartedAt time.Time     `json:"startedAt"`
	SyncedAt  time.Time     `json:"syncedAt"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`

	Sent      db.Counts `json:"sent"`
	Received  db.Counts `json:"received"`
	Applied   int       `json:"applied"`
	Kept      int       `json:"kept"`
	Unchanged int       `json:"unchanged"`
	Cleaned   int       `json:"cleaned"`

	Rejected []schema.Rejection `json:"rejected,omitempty"`

	// Incoming records as returned by the remote.
	Conversations []*schema.Conversation `json:"-"`
	Messages      []*schema.Message      `json:"-"`
}

// Config holds engine settings.
type Config struct {
	// Retry wraps the network exchange.
	Retry retry.Policy

	// Logger for round diagnostics. Defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger

	// Clock supplies the local sync timestamp. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() *Config {
	return &Config{Retry: retry.DefaultPolicy()}
}

// Engine runs sync rounds against one store.
type Engine struct {
	store     *db.DB
	tracker   *tracker.Tracker
	settings  Settings
	transport Transport

	retry  retry.Policy
	logger *log.Logger
	clock  func() time.Time

	sem     *semaphore.Weighted
	running atomic.Bool

	listenersMu gosync.RWMutex
	listeners   []Listener
}

var _ Syncer = (*Engine)(nil)

// New creates an Engine.
//
// The store must have its schema initialized. If tr is nil a tracker is
// created over store. If config is nil, DefaultConfig() is used.
func New(store *db.DB, tr *tracker.Tracker, settings Settings, transport Transport, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if settings == nil {
		return nil, fmt.Errorf("settings cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	if tr == nil {
		tr = tracker.New(store)
	}

	return &Engine{
		store:     store,
		tracker:   tr,
		settings:  settings,
		transport: transport,
		retry:     config.Retry,
		logger:    logger,
		clock:     clock,
		sem:       semaphore.NewWeighted(1),
	}, nil
}

// AddListener subscribes l to round events.
func (e *Engine) AddListener(l Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Tracker returns the change tracker used for status queries.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// InProgress reports whether a round is currently running.
func (e *Engine) InProgress() bool {
	return e.running.Load()
}

// TriggerSync implements Syncer.TriggerSync.
func (e *Engine) TriggerSync(ctx context.Context, opts Options) (*Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to wait for running sync: %w", err)
	}
	defer e.sem.Release(1)
	return e.run(ctx, opts)
}

// TryTriggerSync implements Syncer.TryTriggerSync.
func (e *Engine) TryTriggerSync(ctx context.Context, opts Options) (*Result, error) {
	if !e.sem.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}
	defer e.sem.Release(1)
	return e.run(ctx, opts)
}

// GetSyncStats implements Syncer.GetSyncStats.
func (e *Engine) GetSyncStats(ctx context.Context) (tracker.SyncStats, error) {
	return e.tracker.GetSyncStats(ctx)
}

// GetDirtyRecordsCount implements Syncer.GetDirtyRecordsCount.
func (e *Engine) GetDirtyRecordsCount(ctx context.Context) (tracker.DirtyCounts, error) {
	return e.tracker.GetDirtyCounts(ctx)
}

// Watermark returns the stored lastSyncAt, or the Unix epoch if none is
// stored. An unreadable value is treated as missing.
func (e *Engine) Watermark() (time.Time, error) {
	raw, found, err := e.settings.Get(WatermarkKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	if !found || raw == "" {
		return schema.Epoch(), nil
	}
	t, err := schema.ParseTime(raw)
	if err != nil {
		e.logger.Printf("WARNING: ignoring unreadable watermark %q: %v", raw, err)
		return schema.Epoch(), nil
	}
	return t, nil
}

// SetWatermark overwrites the stored watermark. Unlike a sync round it may
// move the watermark backwards, which makes the next round re-download
// everything changed since t.
func (e *Engine) SetWatermark(t time.Time) error {
	if err := e.settings.Set(WatermarkKey, schema.FormatTime(t)); err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}
	return nil
}

func (e *Engine) run(ctx context.Context, opts Options) (*Result, error) {
	e.running.Store(true)
	defer e.running.Store(false)

	e.emit(func(l Listener) { l.OnSyncStarted(opts) })

	result, err := e.round(ctx, opts)
	if err != nil {
		e.logger.Printf("Sync failed: %v", err)
		e.emit(func(l Listener) { l.OnSyncFailed(err) })
		return nil, err
	}

	e.logger.Printf("Sync complete: sent %d, received %d, applied %d, kept %d, unchanged %d, cleaned %d, rejected %d (%v)",
		result.Sent.Total(), result.Received.Total(), result.Applied, result.Kept, result.Unchanged,
		result.Cleaned, len(result.Rejected), result.Duration.Round(time.Millisecond))
	e.emit(func(l Listener) { l.OnSyncComplete(result) })
	return result, nil
}

func (e *Engine) round(ctx context.Context, opts Options) (*Result, error) {
	start := e.clock().UTC()
	result := &Result{StartedAt: start}

	// 1. Watermark
	lastSyncAt, err := e.Watermark()
	if err != nil {
		return nil, err
	}

	// 2. Outgoing snapshot
	snap, err := e.store.Snapshot(ctx, opts.ForceFullSync)
	if err != nil {
		return nil, fmt.Errorf("failed to read outgoing changes: %w", err)
	}
	result.Sent = db.Counts{Conversations: len(snap.Conversations), Messages: len(snap.Messages)}

	// 3-4. Exchange
	req := &schema.SyncRequest{
		LastSyncAt: lastSyncAt,
		Data:       schema.SyncData{Conversations: snap.Conversations, Messages: snap.Messages},
	}

	var resp *schema.SyncResponse
	err = e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		result.Attempts = attempt
		r, err := e.transport.Exchange(ctx, req)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return retry.Permanent(err)
			}
			e.logger.Printf("WARNING: sync attempt %d failed: %v", attempt, err)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sync cancelled before applying changes: %w", err)
	}

	// Local application runs to completion once started.
	commitCtx := context.WithoutCancel(ctx)
	result.Received = db.Counts{Conversations: len(resp.Conversations), Messages: len(resp.Messages)}
	result.Conversations, result.Messages = resp.Conversations, resp.Messages
	result.Rejected = append(result.Rejected, resp.Rejected...)

	// 5-6. Apply incoming and clean acknowledged, in parallel
	var applied *db.ApplyResult
	var cleaned int
	g, gctx := errgroup.WithContext(commitCtx)
	g.Go(func() error {
		res, err := e.store.ApplyRemote(gctx, resp.Conversations, resp.Messages)
		if err != nil {
			return fmt.Errorf("failed to apply remote changes: %w", err)
		}
		applied = res
		return nil
	})
	g.Go(func() error {
		convMarks, msgMarks := cleanMarks(snap, resp.Accepted)
		n, err := e.store.MarkClean(gctx, schema.EntityConversations, convMarks, start)
		if err != nil {
			return fmt.Errorf("failed to mark conversations clean: %w", err)
		}
		m, err := e.store.MarkClean(gctx, schema.EntityMessages, msgMarks, start)
		if err != nil {
			return fmt.Errorf("failed to mark messages clean: %w", err)
		}
		cleaned = n + m
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Applied = applied.Applied
	result.Kept = applied.Kept
	result.Unchanged = applied.Unchanged
	result.Cleaned = cleaned
	result.Rejected = append(result.Rejected, applied.Rejected...)
	for _, r := range result.Rejected {
		e.logger.Printf("WARNING: rejected incoming record %s", r)
	}

	// 7. Watermark, never backwards
	next := resp.SyncedAt
	if next.Before(lastSyncAt) {
		e.logger.Printf("WARNING: remote syncedAt %s precedes watermark %s, keeping watermark",
			schema.FormatTime(next), schema.FormatTime(lastSyncAt))
		next = lastSyncAt
	}
	if err := e.SetWatermark(next); err != nil {
		return nil, err
	}

	result.SyncedAt = next
	result.Duration = e.clock().Sub(start)
	return result, nil
}

// cleanMarks lists the snapshot records to mark clean. When the remote
// reports accepted ids only those are included.
func cleanMarks(snap *db.Batch, accepted *schema.AcceptedIDs) (convs, msgs []db.CleanMark) {
	convOK, msgOK := acceptAll, acceptAll
	if accepted != nil {
		convOK = idSet(accepted.Conversations)
		msgOK = idSet(accepted.Messages)
	}

	for _, c := range snap.Conversations {
		if convOK(c.ID) {
			convs = append(convs, db.CleanMark{ID: c.ID, UpdatedAt: c.UpdatedAt})
		}
	}
	for _, m := range snap.Messages {
		if msgOK(m.ID) {
			msgs = append(msgs, db.CleanMark{ID: m.ID, UpdatedAt: m.UpdatedAt})
		}
	}
	return convs, msgs
}

func acceptAll(string) bool { return true }

func idSet(ids []string) func(string) bool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

func (e *Engine) emit(fn func(Listener)) {
	e.listenersMu.RLock()
	listeners := e.listeners
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}
