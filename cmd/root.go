// Package cmd implements bridgectl, the command-line harness around
// internal/core.Engine. "serve" boots the engine and a small JSON API in
// the foreground; every other subcommand is a thin HTTP client against the
// port a running "serve" wrote to disk.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flasharr/bridge/internal/core"
)

var (
	configPath string
	cfg        core.Config
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Drive the download engine: submit, pause, resume, cancel, retry, list",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := core.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	def := filepath.Join(home, ".bridge", "config.json")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", def, "path to config.json")
}
