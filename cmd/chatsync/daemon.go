package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lumen-chat/chatsync/internal/daemon"
	"github.com/lumen-chat/chatsync/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync in the background (foreground process)",
	Long: `Run sync rounds on an interval and shortly after local edits.

The daemon:
  1. Syncs once at startup
  2. Syncs every --interval
  3. Watches the local database and syncs --debounce after writes settle
  4. Optionally serves a WebSocket dashboard with live sync status

Stop it with Ctrl+C; a round in progress finishes first.

Dashboard endpoints (with --dashboard):
  ws://localhost:<port>/ws     sync_started, sync_complete, sync_failed,
                               stats, dirty_counts
  http://localhost:<port>/stats
  http://localhost:<port>/health`,
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(true)
		defer r.Close()

		engine, err := r.engine()
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Port:           cfg.Dashboard.Port,
				OriginPatterns: dashboard.DefaultConfig().OriginPatterns,
				Logger:         logSink.Logger("dashboard"),
			})
			handler := dashboard.NewHandler(server, engine, logSink.Logger("dashboard"))
			engine.AddListener(handler)

			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()
			go handler.Poll(ctx, dashboard.DefaultStatsInterval, dashboard.DefaultCountsInterval)

			out.Printf("   Dashboard: ws://%s/ws\n", server.Addr())
		}

		config := &daemon.Config{
			SyncInterval:     cfg.Daemon.Interval,
			DebounceInterval: cfg.Daemon.Debounce,
			Logger:           logSink.Logger("daemon"),
		}
		if cfg.Daemon.Watch {
			config.WatchPath = r.store.Path()
		}
		d, err := daemon.NewWithConfig(engine, r.store, config)
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		out.Printf("%s Starting sync daemon...\n", out.Header("🚀"))
		out.Printf("   Endpoint: %s\n", cfg.Remote.Endpoint)
		out.Printf("   Database: %s\n", r.store.Path())
		out.Printf("   Interval: %v\n", cfg.Daemon.Interval)
		out.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}

		st := d.Status()
		out.Printf("\nDaemon stopped after %d rounds (%d failed, %d skipped)\n", st.Rounds, st.Failures, st.Skipped)
	},
}

func init() {
	daemonCmd.Flags().Duration("interval", 0, "Time between scheduled rounds (default from config: 1m)")
	daemonCmd.Flags().Duration("debounce", 0, "Quiet period after local writes before syncing (default from config: 2s)")
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket status dashboard")
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default from config: 8766)")
	rootCmd.AddCommand(daemonCmd)
}
