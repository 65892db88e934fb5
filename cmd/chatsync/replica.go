package main

import (
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/retry"
	"github.com/lumen-chat/chatsync/internal/schema"
	"github.com/lumen-chat/chatsync/internal/settings"
	chatsync "github.com/lumen-chat/chatsync/internal/sync"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

// replica bundles the local stores of one device.
type replica struct {
	store    *db.DB
	settings *settings.Store
	tracker  *tracker.Tracker

	closeOnce gosync.Once
}

// openReplica opens (creating if needed) the local database and, when
// withSettings is set, the settings file. Settings are held under an
// exclusive lock, so read-only commands skip them while a daemon runs.
func openReplica(withSettings bool) (*replica, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	r := &replica{store: store, tracker: tracker.New(store)}
	if withSettings {
		kv, err := settings.Open(cfg.Settings.Path)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open settings: %w", err)
		}
		r.settings = kv
	}
	return r, nil
}

// Close releases the settings lock and checkpoints the database. It is
// safe to call more than once.
func (r *replica) Close() {
	r.closeOnce.Do(func() {
		if r.settings != nil {
			_ = r.settings.Close()
		}
		_ = r.store.Close()
	})
}

// engine builds a sync engine against the configured endpoint.
func (r *replica) engine() (*chatsync.Engine, error) {
	if cfg.Remote.Endpoint == "" {
		return nil, fmt.Errorf("no sync endpoint configured (set remote.endpoint or --endpoint)")
	}

	transport := chatsync.NewHTTPTransport(
		cfg.Remote.Endpoint,
		chatsync.StaticToken(cfg.Remote.Token),
		cfg.Remote.RequestTimeout,
	)
	logger := logSink.Logger("sync")

	return chatsync.New(r.store, r.tracker, r.settings, transport, &chatsync.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			OnRetry: func(attempt int, delay time.Duration, err error) {
				logger.Printf("Attempt %d failed, retrying in %v: %v", attempt, delay, err)
			},
		},
		Logger: logger,
	})
}

// watermark reads the stored watermark without needing an endpoint.
func (r *replica) watermark() (time.Time, bool, error) {
	raw, found, err := r.settings.Get(chatsync.WatermarkKey)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	t, err := schema.ParseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stored watermark %q is unreadable: %w", raw, err)
	}
	return t, true, nil
}

func mustOpenReplica(withSettings bool) *replica {
	r, err := openReplica(withSettings)
	if err != nil {
		fatalf("%v", err)
	}
	onExit(r.Close)
	return r
}

func openSettings() (*settings.Store, error) {
	return settings.Open(cfg.Settings.Path)
}
