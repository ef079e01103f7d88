package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/task"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a single sync cycle against every enabled provider and exit.

This performs one full cycle:
  1. Fetches remote deltas from each provider
  2. Merges them into the local store field by field
  3. Pushes pending local edits from the change journal
  4. Purges tombstones every provider has confirmed

With --full, provider cursors are reset first so the next fetch re-reads
everything from the beginning. Use this after restoring the database from
a backup or when a provider's delta stream has drifted.

If the daemon is running, prefer 'syncd status' and the daemon's own
schedule; a concurrent one-shot cycle against the same database is safe
but redundant.`,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		cfg := loadConfig()

		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if full {
			for _, p := range task.Providers() {
				if err := db.ResetCursor(ctx, p); err != nil {
					fmt.Fprintf(os.Stderr, "Error resetting %s cursor: %v\n", p, err)
					os.Exit(1)
				}
			}
			fmt.Printf("%s Cursors reset; performing full resync\n", renderWarn("⟲"))
		}

		clients, err := buildClients(cfg, os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		eng, err := buildEngine(cfg, db, clients, os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Syncing...\n", renderAccent("🔄"))
		res, err := eng.RunCycle(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync aborted: %v\n", err)
			os.Exit(1)
		}

		elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
		fmt.Printf("%s Sync complete in %v\n", renderPass("✓"), elapsed)
		fmt.Printf("   Applied:   %d remote changes\n", res.Applied)
		fmt.Printf("   Pushed:    %d local edits\n", res.Pushed)
		if res.Conflicts > 0 {
			fmt.Printf("   Conflicts: %s\n", renderWarn(fmt.Sprintf("%d (see 'syncd conflicts list')", res.Conflicts)))
		}
		if res.Terminal > 0 {
			fmt.Printf("   Failed:    %s\n", renderFail(fmt.Sprintf("%d edits gave up after retries", res.Terminal)))
		}
		for p, perr := range res.ProviderErrors {
			fmt.Printf("   %s %s: %v\n", renderWarn("⚠"), p, perr)
		}
		if res.Failed() {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Reset cursors and re-fetch everything")
	rootCmd.AddCommand(syncCmd)
}
