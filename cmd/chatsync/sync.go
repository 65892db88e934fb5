package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/lumen-chat/chatsync/internal/sync"
	"github.com/lumen-chat/chatsync/internal/tracker"
	"github.com/lumen-chat/chatsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync round",
	Long: `Run one sync round against the configured endpoint.

The round:
  1. Collects dirty records (or every record with --full)
  2. Sends them with the last sync watermark
  3. Applies newer remote records, keeping local ones that are newer
  4. Marks acknowledged records clean and advances the watermark

Network failures are retried with exponential backoff. If every attempt
fails, local data is left untouched and the changes stay pending.`,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		r := mustOpenReplica(true)
		defer r.Close()

		engine, err := r.engine()
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !jsonOutput {
			out.Printf("%s Syncing with %s...\n", out.Header("↻"), cfg.Remote.Endpoint)
		}
		result, err := engine.TriggerSync(ctx, chatsync.Options{ForceFullSync: full})
		if err != nil {
			if chatsync.IsTransient(err) {
				fatalf("sync failed, changes remain pending: %v", err)
			}
			fatalf("sync failed: %v", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(result)
			return
		}

		out.Printf("%s Sync complete in %v", out.Pass("✓"), result.Duration.Round(time.Millisecond))
		if result.Attempts > 1 {
			out.Printf(" %s", out.Muted(fmt.Sprintf("(%d attempts)", result.Attempts)))
		}
		out.Println()
		out.Fields([]ui.Field{
			{Key: "Sent", Value: formatCounts(result.Sent.Conversations, result.Sent.Messages)},
			{Key: "Received", Value: formatCounts(result.Received.Conversations, result.Received.Messages)},
			{Key: "Applied", Value: fmt.Sprint(result.Applied)},
			{Key: "Kept local", Value: fmt.Sprint(result.Kept)},
			{Key: "Already current", Value: fmt.Sprint(result.Unchanged)},
			{Key: "Marked clean", Value: fmt.Sprint(result.Cleaned)},
			{Key: "Synced at", Value: result.SyncedAt.Format(time.RFC3339)},
		})
		for _, rej := range result.Rejected {
			out.Printf("%s rejected %s\n", out.Warn("⚠"), rej)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show pending changes and sync state",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		r := mustOpenReplica(false)
		defer r.Close()
		ctx := context.Background()

		stats, err := r.tracker.GetSyncStats(ctx)
		if err != nil {
			fatalf("failed to read sync stats: %v", err)
		}
		totals, err := r.store.Totals(ctx)
		if err != nil {
			fatalf("failed to count records: %v", err)
		}

		// The watermark lives in the settings file, which a running
		// daemon keeps locked.
		var watermark *time.Time
		if kv, err := openSettings(); err == nil {
			r.settings = kv
			if t, found, err := r.watermark(); err == nil && found {
				watermark = &t
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(map[string]any{
				"status":        statusLabel(false, stats),
				"stats":         stats,
				"conversations": totals.Conversations,
				"messages":      totals.Messages,
				"lastSyncAt":    watermark,
			})
			return
		}

		label := statusLabel(false, stats)
		switch {
		case stats.PendingChanges.Total > 0:
			label = out.Warn(label)
		default:
			label = out.Pass(label)
		}

		out.Printf("\n%s Sync Status\n\n", out.Header("☁"))
		fields := []ui.Field{
			{Key: "Status", Value: label},
			{Key: "Pending", Value: formatCounts(stats.PendingChanges.Conversations, stats.PendingChanges.Messages)},
			{Key: "Stored", Value: formatCounts(totals.Conversations, totals.Messages)},
		}
		if stats.NeedsInitialSync {
			fields = append(fields, ui.Field{Key: "Initial sync", Value: out.Warn("needed")})
		}
		if watermark != nil {
			fields = append(fields, ui.Field{Key: "Last sync", Value: watermark.Local().Format("2006-01-02 15:04:05")})
		} else {
			fields = append(fields, ui.Field{Key: "Last sync", Value: out.Muted("unknown")})
		}
		fields = append(fields, ui.Field{Key: "Database", Value: r.store.Path()})
		out.Fields(fields)
		out.Println()
	},
}

// statusLabel summarizes sync state the way the chat UI's sync button does.
func statusLabel(syncing bool, stats tracker.SyncStats) string {
	n := stats.PendingChanges.Total
	switch {
	case syncing:
		return "Syncing..."
	case n == 1:
		return "1 unsaved change"
	case n > 1:
		return fmt.Sprintf("%d unsaved changes", n)
	case stats.NeedsInitialSync:
		return "Needs initial sync"
	default:
		return "All changes saved"
	}
}

func formatCounts(conversations, messages int) string {
	return fmt.Sprintf("%d conversation%s, %d message%s",
		conversations, plural(conversations), messages, plural(messages))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func init() {
	syncCmd.Flags().Bool("full", false, "Upload every record, not only pending changes")
	syncCmd.Flags().Bool("json", false, "Output the result as JSON")
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
