package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lumen-chat/chatsync/internal/config"
	"github.com/lumen-chat/chatsync/internal/logging"
	"github.com/lumen-chat/chatsync/internal/ui"
)

var (
	cfg     *config.Config
	logSink *logging.Sink
	out     *ui.Printer
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Offline-first sync for chat history",
	Long: `chatsync keeps a local chat database in step with a remote sync endpoint.

Every local edit marks the record dirty. A sync round uploads dirty records,
downloads everything changed since the last round, and resolves conflicts
by last-write-wins on updatedAt.

Configuration is read from chatsync.yaml or chatsync.toml in
$XDG_CONFIG_HOME/chatsync, ~/.chatsync or the current directory, then from
CHATSYNC_* environment variables, then from flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		noColor, _ := cmd.Flags().GetBool("no-color")
		out = ui.NewPrinter(os.Stdout, noColor)

		file, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(config.LoadOptions{
			File:  file,
			Flags: boundFlags(cmd.Flags()),
		})
		if err != nil {
			return err
		}
		cfg = loaded

		logSink, err = logging.NewSink(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logSink != nil {
			_ = logSink.Close()
		}
	},
}

// flagKeys maps persistent and command flags to config keys.
var flagKeys = map[string]string{
	"data-dir":  "data_dir",
	"db":        "database.path",
	"endpoint":  "remote.endpoint",
	"token":     "remote.token",
	"log-file":  "log.file",
	"interval":  "daemon.interval",
	"debounce":  "daemon.debounce",
	"dashboard": "dashboard.enabled",
	"port":      "dashboard.port",
	"addr":      "server.addr",
	"driver":    "server.driver",
	"dsn":       "server.dsn",
}

func boundFlags(flags *pflag.FlagSet) map[string]*pflag.Flag {
	bound := make(map[string]*pflag.Flag)
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			bound[key] = f
		}
	}
	return bound
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Chat data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: search for chatsync.yaml/.toml)")
	pf.String("data-dir", "", "Directory holding the local database and settings")
	pf.String("db", "", "Local database path (default: <data-dir>/chatsync.db)")
	pf.String("endpoint", "", "Sync endpoint URL")
	pf.String("token", "", "Bearer token for the sync endpoint")
	pf.String("log-file", "", "Write logs to a rotating file instead of stderr")
	pf.Bool("no-color", false, "Disable colored output")
}

// exitHooks release resources that deferred calls would miss when fatalf
// exits the process.
var exitHooks []func()

// onExit registers fn to run, most recent first, before fatalf exits.
func onExit(fn func()) {
	exitHooks = append(exitHooks, fn)
}

func runExitHooks() {
	for i := len(exitHooks) - 1; i >= 0; i-- {
		exitHooks[i]()
	}
	exitHooks = nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	runExitHooks()
	if logSink != nil {
		_ = logSink.Close()
	}
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
