package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/backup"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "tasks",
	Short:   "Export tasks to a JSONL file",
	Long: `Export the local task store to a JSONL file, one task per line.

The export is a plain snapshot: versions and sync bookkeeping travel with
it but provider links do not.

Example usage:
  syncd export tasks.jsonl
  syncd export tasks.jsonl --all   # Include deleted tasks`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		res, err := backup.Export(context.Background(), db, backup.ExportOptions{
			Path:           args[0],
			IncludeDeleted: all,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %d tasks to %s\n", renderPass("✓"), res.TasksWritten, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "tasks",
	Short:   "Import tasks from a JSONL file",
	Long: `Import tasks from a JSONL export into the local store.

Imported tasks are treated as local edits: they are journaled and pushed
to providers on the next sync. Tombstoned entries in the export are
skipped.

Example usage:
  syncd import tasks.jsonl
  syncd import tasks.jsonl --dry-run   # Preview without writing
  syncd import tasks.jsonl --backup    # Copy the database aside first`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		doBackup, _ := cmd.Flags().GetBool("backup")

		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		res, err := backup.Import(context.Background(), db, backup.ImportOptions{
			Path:   args[0],
			DryRun: dryRun,
			Backup: doBackup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !dryRun {
			pokeDaemon(cfg)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d of %d tasks\n", renderPass("✓"), verb, res.TasksWritten, res.TasksRead)
		if res.Skipped > 0 {
			fmt.Printf("   Skipped %d tombstones\n", res.Skipped)
		}
		if res.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", res.BackupCreated)
		}
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", renderWarn("⚠"), e)
		}
		if len(res.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	exportCmd.Flags().Bool("all", false, "Include deleted tasks")
	importCmd.Flags().Bool("dry-run", false, "Parse and count without writing")
	importCmd.Flags().Bool("backup", false, "Back up the database before importing")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
