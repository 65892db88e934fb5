package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumen-chat/chatsync/internal/config"
	"github.com/lumen-chat/chatsync/internal/settings"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

func TestStatusLabel(t *testing.T) {
	pending := func(n int) tracker.SyncStats {
		return tracker.SyncStats{PendingChanges: tracker.DirtyCounts{Messages: n, Total: n}}
	}

	tests := []struct {
		name    string
		syncing bool
		stats   tracker.SyncStats
		want    string
	}{
		{"syncing wins", true, pending(4), "Syncing..."},
		{"one change", false, pending(1), "1 unsaved change"},
		{"several changes", false, pending(12), "12 unsaved changes"},
		{"never synced", false, tracker.SyncStats{NeedsInitialSync: true}, "Needs initial sync"},
		{"clean", false, pending(0), "All changes saved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusLabel(tt.syncing, tt.stats); got != tt.want {
				t.Errorf("statusLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTimeExpr(t *testing.T) {
	now := time.Date(2024, 9, 15, 12, 0, 0, 0, time.UTC)

	exact := []struct {
		in   string
		want time.Time
	}{
		{"2024-06-01T08:30:00Z", time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)},
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"720h", now.Add(-720 * time.Hour)},
	}
	for _, tt := range exact {
		got, err := parseTimeExpr(tt.in, now)
		if err != nil {
			t.Errorf("parseTimeExpr(%q) failed: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTimeExpr(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	got, err := parseTimeExpr("30 days ago", now)
	if err != nil {
		t.Fatalf("parseTimeExpr(30 days ago) failed: %v", err)
	}
	if want := now.AddDate(0, 0, -30); got.Sub(want).Abs() > 24*time.Hour {
		t.Errorf("30 days ago = %v, want about %v", got, want)
	}

	for _, bad := range []string{"", "-5h", "banana"} {
		if _, err := parseTimeExpr(bad, now); err == nil {
			t.Errorf("parseTimeExpr(%q) should fail", bad)
		}
	}
}

func TestMessageText(t *testing.T) {
	if got := messageText(textParts("hello there")); got != "hello there" {
		t.Errorf("round trip = %q", got)
	}
	mixed := []byte(`[{"type":"text","text":"look"},{"type":"image","url":"x.png"}]`)
	if got := messageText(mixed); got != "look <image>" {
		t.Errorf("messageText() = %q", got)
	}
	if got := messageText([]byte(`not json`)); got != "not json" {
		t.Errorf("messageText() = %q", got)
	}
}

func TestFormatCounts(t *testing.T) {
	if got := formatCounts(1, 2); got != "1 conversation, 2 messages" {
		t.Errorf("formatCounts() = %q", got)
	}
}

func TestRunExitHooks_ReverseOrderOnce(t *testing.T) {
	var order []int
	onExit(func() { order = append(order, 1) })
	onExit(func() { order = append(order, 2) })

	runExitHooks()
	runExitHooks()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("hooks ran as %v, want [2 1]", order)
	}
}

func TestExitHooks_CloseOpenReplica(t *testing.T) {
	dir := t.TempDir()
	saved := cfg
	cfg = &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "chatsync.db")},
		Settings: config.SettingsConfig{Path: filepath.Join(dir, "settings.db")},
	}
	t.Cleanup(func() {
		runExitHooks()
		cfg = saved
	})

	r := mustOpenReplica(true)
	if _, err := r.tracker.CreateConversation(context.Background(), tracker.ConversationInput{Title: "pending"}); err != nil {
		t.Fatal(err)
	}

	// What fatalf does before exiting.
	runExitHooks()

	// The settings lock is released, so a second open does not time out.
	kv, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		t.Fatalf("settings still locked after exit hooks: %v", err)
	}
	kv.Close()

	// Closing again through the deferred path is harmless.
	r.Close()
}
