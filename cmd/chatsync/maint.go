package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumen-chat/chatsync/internal/schema"
	chatsync "github.com/lumen-chat/chatsync/internal/sync"
)

var pruneCmd = &cobra.Command{
	Use:     "prune",
	GroupID: "maint",
	Short:   "Remove deleted records the remote already acknowledged",
	Long: `Permanently remove deleted records whose deletion the remote
acknowledged before --before.

Tombstones still pending upload are never removed, nor is a deleted
conversation that still has pending messages.

Examples:
  chatsync prune --before "30 days ago"
  chatsync prune --before 2024-01-01
  chatsync prune --before 720h --dry-run`,
	Run: func(cmd *cobra.Command, args []string) {
		beforeExpr, _ := cmd.Flags().GetString("before")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		before, err := parseTimeExpr(beforeExpr, time.Now())
		if err != nil {
			fatalf("invalid --before: %v", err)
		}

		r := mustOpenReplica(false)
		defer r.Close()

		if dryRun {
			out.Printf("Would remove synced tombstones last modified before %s\n", before.Format(time.RFC3339))
			return
		}

		removed, err := r.store.PruneTombstones(context.Background(), before)
		if err != nil {
			fatalf("failed to prune: %v", err)
		}
		out.Printf("%s Removed %s\n", out.Pass("✓"), formatCounts(removed.Conversations, removed.Messages))
	},
}

var watermarkCmd = &cobra.Command{
	Use:     "watermark",
	GroupID: "maint",
	Short:   "Inspect or move the last-sync watermark",
	Long: `The watermark is the remote's syncedAt from the last successful round.
The next round downloads every record changed at or after it.

Moving it back re-downloads history; resetting it downloads everything.`,
}

var watermarkShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current watermark",
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(true)
		defer r.Close()

		t, found, err := r.watermark()
		if err != nil {
			fatalf("%v", err)
		}
		if !found {
			out.Printf("%s (never synced)\n", schema.FormatTime(schema.Epoch()))
			return
		}
		out.Println(schema.FormatTime(t))
	},
}

var watermarkSetCmd = &cobra.Command{
	Use:   "set <time>",
	Short: `Set the watermark, e.g. "yesterday" or 2024-06-01`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t, err := parseTimeExpr(args[0], time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		r := mustOpenReplica(true)
		defer r.Close()

		if err := r.settings.Set(chatsync.WatermarkKey, schema.FormatTime(t)); err != nil {
			fatalf("failed to set watermark: %v", err)
		}
		out.Printf("%s Watermark set to %s\n", out.Pass("✓"), schema.FormatTime(t))
	},
}

var watermarkResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the watermark so the next round downloads everything",
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(true)
		defer r.Close()

		if err := r.settings.Delete(chatsync.WatermarkKey); err != nil {
			fatalf("failed to reset watermark: %v", err)
		}
		out.Printf("%s Watermark cleared\n", out.Pass("✓"))
	},
}

func init() {
	pruneCmd.Flags().String("before", "30 days ago", "Only prune tombstones acknowledged before this time")
	pruneCmd.Flags().Bool("dry-run", false, "Show the cutoff without removing anything")
	rootCmd.AddCommand(pruneCmd)

	watermarkCmd.AddCommand(watermarkShowCmd)
	watermarkCmd.AddCommand(watermarkSetCmd)
	watermarkCmd.AddCommand(watermarkResetCmd)
	rootCmd.AddCommand(watermarkCmd)
}
