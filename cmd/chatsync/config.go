package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lumen-chat/chatsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Show or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Run: func(cmd *cobra.Command, args []string) {
		formatName, _ := cmd.Flags().GetString("format")
		format, err := config.ParseFormat(formatName)
		if err != nil {
			fatalf("%v", err)
		}

		data, err := config.Render(cfg.Redacted(), format)
		if err != nil {
			fatalf("%v", err)
		}
		if cfg.File != "" {
			out.Printf("%s\n", out.Muted("# loaded from "+cfg.File))
		}
		_, _ = os.Stdout.Write(data)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write the effective configuration to a file",
	Long: `Write the current configuration (defaults plus any overrides) to a
file. The format follows the extension, .yaml or .toml. Without an argument
the file is <data-dir>/chatsync.yaml.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := filepath.Join(cfg.DataDir, "chatsync.yaml")
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.WriteFile(cfg, path, force); err != nil {
			fatalf("%v", err)
		}
		out.Printf("%s Wrote %s\n", out.Pass("✓"), path)
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or toml")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
