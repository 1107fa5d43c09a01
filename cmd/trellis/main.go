package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trellis-host/trellis/cmd/trellis/commands"
	"github.com/trellis-host/trellis/logger"
)

var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Trellis - plugin composition host",
	Long: `Trellis - a host that composes route trees from plugin manifests.

Trellis scans a plugin directory, validates each plugin's manifest,
resolves route and settings conflicts deterministically, and mounts the
surviving plugins into a single live route tree.

Available commands:
  serve    - Start the host and compose the plugin tree
  plugins  - Inspect and manage discovered plugins
  version  - Show version information

Examples:
  trellis serve                      # Compose plugins and start serving
  trellis plugins list               # Show every discovered plugin
  trellis plugins validate ./my-app  # Check a manifest without mounting
  trellis plugins init my-app        # Scaffold a starter manifest`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.PluginsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
