package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumen-chat/chatsync/internal/loadtest"
	"github.com/lumen-chat/chatsync/internal/logging"
	"github.com/lumen-chat/chatsync/internal/server"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Simulate many devices syncing at once",
	Long: `Start a throwaway sync endpoint, create one replica per simulated device,
and let all devices edit and sync concurrently. Every device renames the
same conversation each round, so last-write-wins conflicts are exercised.

After the run every device syncs until quiet and the replicas are compared
record by record.

Examples:
  chatsync loadtest
  chatsync loadtest --devices 50 --rounds 10 --messages 5`,
	Run: func(cmd *cobra.Command, args []string) {
		devices, _ := cmd.Flags().GetInt("devices")
		rounds, _ := cmd.Flags().GetInt("rounds")
		messages, _ := cmd.Flags().GetInt("messages")
		keep, _ := cmd.Flags().GetBool("keep")

		if devices <= 0 || rounds <= 0 || messages < 0 {
			fatalf("--devices and --rounds must be positive")
		}

		dir, err := os.MkdirTemp("", "chatsync-loadtest-")
		if err != nil {
			fatalf("%v", err)
		}
		if !keep {
			defer os.RemoveAll(dir)
			onExit(func() { _ = os.RemoveAll(dir) })
		}

		store, err := server.OpenStore(server.DialectSQLite, filepath.Join(dir, "server.db"))
		if err != nil {
			fatalf("%v", err)
		}
		defer store.Close()
		onExit(func() { _ = store.Close() })

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := store.InitSchema(ctx); err != nil {
			fatalf("%v", err)
		}
		srv, err := server.New(store, server.StaticTokens{"loadtest-token": "loadtest"}, &server.Config{
			Addr:   "127.0.0.1:0",
			Logger: logging.Discard(),
		})
		if err != nil {
			fatalf("%v", err)
		}
		if err := srv.Start(); err != nil {
			fatalf("%v", err)
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fleet, err := loadtest.NewFleet(loadtest.Options{
			Devices:          devices,
			Rounds:           rounds,
			MessagesPerRound: messages,
			Endpoint:         "http://" + srv.Addr(),
			Token:            "loadtest-token",
			Dir:              filepath.Join(dir, "devices"),
			Logger:           logSink.Logger("loadtest"),
		})
		if err != nil {
			fatalf("%v", err)
		}
		defer fleet.Close()
		onExit(func() { _ = fleet.Close() })

		out.Printf("%s Running %d devices x %d rounds...\n", out.Header("⏱"), devices, rounds)
		start := time.Now()
		stats, err := fleet.Run(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		out.Printf("Completed in %v\n\n", time.Since(start).Round(time.Millisecond))
		stats.PrintStats(os.Stdout)

		if err := fleet.VerifyConvergence(ctx); err != nil {
			fatalf("replicas diverged: %v", err)
		}
		out.Printf("\n%s All %d replicas converged\n", out.Pass("✓"), devices)
		if keep {
			out.Printf("   Replicas kept in %s\n", dir)
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("devices", 10, "Number of simulated devices")
	loadtestCmd.Flags().Int("rounds", 5, "Sync rounds per device")
	loadtestCmd.Flags().Int("messages", 3, "Messages each device adds per round")
	loadtestCmd.Flags().Bool("keep", false, "Keep the replica directories afterwards")
	rootCmd.AddCommand(loadtestCmd)
}
