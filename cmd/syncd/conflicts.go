package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/task"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Inspect and resolve sync conflicts",
	Long: `Inspect the conflict audit trail.

Most conflicts resolve automatically (last writer wins, field by field)
and are recorded here for review. Delete-versus-edit conflicts retain the
discarded edits so they can be restored.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded conflicts",
	Long: `List conflict records, newest first.

Unresolved records are shown by default; --all includes every record,
including auto-resolved merges kept for audit.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		records, err := db.ListConflicts(context.Background(), !all)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conflicts: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Println(renderDim("No conflicts."))
			return
		}

		for _, c := range records {
			mark := renderWarn("●")
			if c.Resolved {
				mark = renderPass("✓")
			}
			title := shortID(c.TaskID)
			if c.Local != nil && c.Local.Title != "" {
				title = c.Local.Title
			} else if c.Remote != nil && c.Remote.Title != "" {
				title = c.Remote.Title
			}
			fmt.Printf("%s #%d %s %s\n", mark, c.ID, styleID.Render(shortID(c.TaskID)), title)
			fmt.Printf("   %s vs %s, %s", renderDim("local"), renderDim(string(c.RemoteOrigin)), c.Resolution)
			if len(c.Fields) > 0 {
				fmt.Printf(" over %s", strings.Join(c.Fields, ", "))
			}
			fmt.Printf("  %s\n", renderDim(c.CreatedAt.Local().Format("2006-01-02 15:04")))
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict interactively",
	Long: `Review one conflict record and choose which version to keep.

Restoring a discarded version writes it back to the local store as a new
edit, to be synced out like any other change. Either way the record is
marked resolved.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid conflict id %q\n", args[0])
			os.Exit(1)
		}

		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		records, err := db.ListConflicts(ctx, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conflicts: %v\n", err)
			os.Exit(1)
		}
		var rec *task.ConflictRecord
		for _, c := range records {
			if c.ID == id {
				rec = c
				break
			}
		}
		if rec == nil {
			fmt.Fprintf(os.Stderr, "Error: no conflict #%d\n", id)
			os.Exit(1)
		}

		fmt.Printf("\nConflict #%d on %s (%s)\n\n", rec.ID, styleID.Render(shortID(rec.TaskID)), rec.Resolution)
		printSnapshot("local", rec.Local)
		printSnapshot(string(rec.RemoteOrigin), rec.Remote)

		options := []huh.Option[string]{
			huh.NewOption("Keep the current version", "keep"),
		}
		if rec.Local != nil {
			options = append(options, huh.NewOption("Restore the local version", "local"))
		}
		if rec.Remote != nil {
			options = append(options,
				huh.NewOption(fmt.Sprintf("Restore the %s version", rec.RemoteOrigin), "remote"))
		}

		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("How should this conflict be settled?").
				Options(options...).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var restore *task.Task
		switch choice {
		case "local":
			restore = rec.Local.Clone()
		case "remote":
			restore = rec.Remote.Clone()
		}
		if restore != nil {
			restore.Deleted = false
			restore.UpdatedAt = time.Now().UTC()
			if _, err := db.UpsertLocal(restore); err != nil {
				fmt.Fprintf(os.Stderr, "Error restoring version: %v\n", err)
				os.Exit(1)
			}
		}

		if err := db.MarkConflictResolved(ctx, rec.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Error marking resolved: %v\n", err)
			os.Exit(1)
		}
		pokeDaemon(cfg)

		fmt.Printf("%s Conflict #%d resolved\n", renderPass("✓"), rec.ID)
	},
}

func printSnapshot(side string, t *task.Task) {
	fmt.Printf("  %s:\n", renderAccent(side))
	if t == nil {
		fmt.Printf("    %s\n", renderDim("(deleted)"))
		return
	}
	fmt.Printf("    Title:     %s\n", t.Title)
	if t.Notes != "" {
		fmt.Printf("    Notes:     %s\n", t.Notes)
	}
	if t.DueAt != nil {
		fmt.Printf("    Due:       %s\n", t.DueAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Printf("    Completed: %v\n", t.Completed)
	fmt.Printf("    Edited:    %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Println()
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "Include resolved records")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
