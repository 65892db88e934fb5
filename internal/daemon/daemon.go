package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lumen-chat/chatsync/internal/db"
	chatsync "github.com/lumen-chat/chatsync/internal/sync"
)

// Syncer runs sync rounds. *sync.Engine implements it.
type Syncer interface {
	TryTriggerSync(ctx context.Context, opts chatsync.Options) (*chatsync.Result, error)
}

// DirtyCounter reports pending local changes. *db.DB implements it.
type DirtyCounter interface {
	CountDirty(ctx context.Context) (db.Counts, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a round runs regardless of local activity
	SyncInterval time.Duration

	// DebounceInterval is how long file activity must settle before a
	// triggered round runs. This batches bursts of writes together.
	DebounceInterval time.Duration

	// WatchPath is the local database file to watch. Empty disables
	// write-triggered rounds.
	WatchPath string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status summarizes what the daemon has done since it started.
type Status struct {
	Running    bool      `json:"running"`
	Rounds     int       `json:"rounds"`
	Failures   int       `json:"failures"`
	Skipped    int       `json:"skipped"`
	LastSyncAt time.Time `json:"lastSyncAt,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
}

// Daemon schedules sync rounds on an interval and after local writes.
type Daemon struct {
	syncer Syncer
	dirty  DirtyCounter
	config *Config
	logger *log.Logger

	watcher   *FileWatcher
	pendingMu sync.Mutex
	pendingAt time.Time // zero when nothing is queued

	statusMu sync.Mutex
	status   Status

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with DefaultConfig().
func New(syncer Syncer, dirty DirtyCounter) (*Daemon, error) {
	return NewWithConfig(syncer, dirty, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
//
// dirty may be nil only when config.WatchPath is empty.
func NewWithConfig(syncer Syncer, dirty DirtyCounter, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %v", config.SyncInterval)
	}
	if config.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce interval must be positive, got %v", config.DebounceInterval)
	}
	if config.WatchPath != "" && dirty == nil {
		return nil, fmt.Errorf("dirty counter cannot be nil when watching %s", config.WatchPath)
	}

	logger := config.Logger
	if logger == nil {
		logger = DefaultConfig().Logger
	}

	var watcher *FileWatcher
	if config.WatchPath != "" {
		w, err := NewFileWatcher()
		if err != nil {
			return nil, err
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:  syncer,
		dirty:   dirty,
		config:  config,
		logger:  logger,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs an initial round, then schedules rounds until ctx is
// cancelled or Stop is called. It blocks for the daemon's lifetime.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.WatchPath); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		d.logger.Printf("Watching: %s", d.config.WatchPath)
	}

	d.setRunning(true)
	d.SyncNow(d.ctx, "startup")

	d.wg.Add(1)
	go d.syncPeriodically()
	if d.watcher != nil {
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Println("Stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Printf("Error closing watcher: %v", err)
			}
		}

		d.wg.Wait()
		d.setRunning(false)
		d.logger.Println("Daemon stopped")
	})
	return nil
}

// Status returns a snapshot of the daemon's counters.
func (d *Daemon) Status() Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// SyncNow runs one round unless one is already in progress. Failures are
// logged and counted; the next tick tries again.
func (d *Daemon) SyncNow(ctx context.Context, reason string) {
	result, err := d.syncer.TryTriggerSync(ctx, chatsync.Options{})

	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	switch {
	case errors.Is(err, chatsync.ErrSyncInProgress):
		d.status.Skipped++
		d.logger.Printf("Skipping %s sync: round already in progress", reason)
	case err != nil:
		d.status.Failures++
		d.status.LastError = err.Error()
		d.logger.Printf("WARNING: %s sync failed: %v", reason, err)
	default:
		d.status.Rounds++
		d.status.LastError = ""
		if result != nil {
			d.status.LastSyncAt = result.SyncedAt
		}
	}
}

func (d *Daemon) setRunning(running bool) {
	d.statusMu.Lock()
	d.status.Running = running
	d.statusMu.Unlock()
}

func (d *Daemon) syncPeriodically() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow(d.ctx, "scheduled")
		}
	}
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	events, errs := d.watcher.Events(), d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-events:
			if !ok {
				return
			}
			d.queueChange(time.Now())

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records local activity at t. Later activity pushes the
// deadline out.
func (d *Daemon) queueChange(t time.Time) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pendingAt = t
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(max(d.config.DebounceInterval/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			d.processPendingChanges(d.ctx, now)
		}
	}
}

// processPendingChanges runs a round once activity has settled for the
// debounce interval and the store actually has dirty records. Writes made
// by sync rounds themselves leave nothing dirty, so they do not retrigger.
// Returns true if a round was attempted.
func (d *Daemon) processPendingChanges(ctx context.Context, now time.Time) bool {
	d.pendingMu.Lock()
	queuedAt := d.pendingAt
	if queuedAt.IsZero() || now.Sub(queuedAt) < d.config.DebounceInterval {
		d.pendingMu.Unlock()
		return false
	}
	d.pendingAt = time.Time{}
	d.pendingMu.Unlock()

	counts, err := d.dirty.CountDirty(ctx)
	if err != nil {
		d.logger.Printf("WARNING: failed to count dirty records: %v", err)
		return false
	}
	if counts.Total() == 0 {
		return false
	}

	d.logger.Printf("Local changes detected: %d conversations, %d messages", counts.Conversations, counts.Messages)
	d.SyncNow(ctx, "triggered")
	return true
}
