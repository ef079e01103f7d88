package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/config"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Write a default config file",
	Long: `Write a commented default config file.

The generated file has both providers disabled. Enable a provider by
setting its 'enabled' flag and filling in its identifiers, then export
the bearer token under the environment variable named by 'token_env'.
Tokens are read from the environment only and never stored in the file.

Example usage:
  syncd init                       # Write ~/.syncd/config.yaml
  syncd init --config ./dev.yaml   # Write an alternate path`,
	Run: func(cmd *cobra.Command, args []string) {
		path := configDisplayPath()
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", renderPass("✓"), path)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Enable a provider in the config file")
		fmt.Println("  2. Export its bearer token (see token_env)")
		fmt.Println("  3. Run 'syncd sync' or start the daemon with 'syncd run'")
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
