package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/config"
	"github.com/tododesk/syncd/internal/statusd"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Display the current sync state.

Queries the running daemon's status API when available. When no daemon is
running the local database is inspected directly and the state is shown
as "not running".

Shows:
  - Scheduler state (idle, running, cooldown)
  - Last successful sync time
  - Pending local edits awaiting push
  - Unresolved conflicts and edits that gave up after retries`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if data, ok := daemonStatus(cfg); ok {
			printStatus(data, true)
			return
		}

		// No daemon; read the store directly.
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		pending, err := db.PendingJournalCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading journal: %v\n", err)
			os.Exit(1)
		}
		conflicts, err := db.PendingConflictCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading conflicts: %v\n", err)
			os.Exit(1)
		}
		terminal, err := db.TerminalJournalEntries(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading journal: %v\n", err)
			os.Exit(1)
		}

		printStatus(&statusd.StatusData{
			State:            "not running",
			PendingChanges:   pending,
			PendingConflicts: conflicts,
			TerminalFailures: len(terminal),
		}, false)
	},
}

// daemonStatus asks a running daemon for its snapshot.
func daemonStatus(cfg config.Config) (*statusd.StatusData, bool) {
	if !cfg.Status.Enabled {
		return nil, false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Status.Port))
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var data statusd.StatusData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, false
	}
	return &data, true
}

func printStatus(d *statusd.StatusData, live bool) {
	state := d.State
	switch d.State {
	case "idle":
		state = renderPass(state)
	case "running":
		state = renderAccent(state)
	case "cooldown":
		state = renderWarn(state)
	default:
		state = renderDim(state)
	}

	fmt.Printf("\n%s Sync Status\n\n", renderAccent("📊"))
	fmt.Printf("State:            %s\n", state)
	if live {
		if d.LastSynced.IsZero() {
			fmt.Printf("Last synced:      %s\n", renderDim("never"))
		} else {
			fmt.Printf("Last synced:      %s\n", d.LastSynced.Local().Format("2006-01-02 15:04:05"))
		}
	}
	fmt.Printf("Pending edits:    %d\n", d.PendingChanges)
	if d.PendingConflicts > 0 {
		fmt.Printf("Conflicts:        %s\n", renderWarn(fmt.Sprintf("%d unresolved", d.PendingConflicts)))
	} else {
		fmt.Printf("Conflicts:        0\n")
	}
	if d.TerminalFailures > 0 {
		fmt.Printf("Failed edits:     %s\n", renderFail(fmt.Sprintf("%d", d.TerminalFailures)))
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
