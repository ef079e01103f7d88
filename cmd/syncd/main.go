// Command syncd is the task-sync daemon and its management CLI.
//
// The daemon keeps a local SQLite task store reconciled against two remote
// providers (a document database and Microsoft Graph To Do). The rest of
// the commands edit tasks locally, inspect sync state, and manage the
// configuration file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Offline-first task sync for the desktop task manager",
	Long: `syncd keeps a local task database in sync with remote providers.

Local edits are journaled and pushed in the background; remote changes are
pulled on a schedule and merged field by field. The CLI works fully offline:
edits land in the local store immediately and sync whenever connectivity
allows.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (default ~/.syncd/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
}

// loadConfig resolves the config path and loads it, exiting on error.
func loadConfig() config.Config {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
