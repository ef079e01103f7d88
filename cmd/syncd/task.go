package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/store"
	"github.com/tododesk/syncd/internal/task"
)

var addCmd = &cobra.Command{
	Use:     "add <title>...",
	GroupID: "tasks",
	Short:   "Add a task",
	Long: `Add a task to the local store.

The task is created immediately and journaled for the next sync; no
network access is needed. Due dates accept natural language.

Example usage:
  syncd add Buy milk
  syncd add Write report --due "friday at 5pm" --notes "Q3 numbers"
  syncd add Call dentist --due tomorrow --flag`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		notes, _ := cmd.Flags().GetString("notes")
		due, _ := cmd.Flags().GetString("due")
		flagged, _ := cmd.Flags().GetBool("flag")

		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		now := time.Now().UTC()
		t := &task.Task{
			ID:        uuid.NewString(),
			Title:     strings.Join(args, " "),
			Notes:     notes,
			Flagged:   flagged,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if due != "" {
			dueAt, err := parseDue(due, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			t.DueAt = &dueAt
		}

		if _, err := db.UpsertLocal(t); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding task: %v\n", err)
			os.Exit(1)
		}
		pokeDaemon(cfg)

		fmt.Printf("%s Added %s %s\n", renderPass("✓"), styleID.Render(shortID(t.ID)), t.Title)
		if t.DueAt != nil {
			fmt.Printf("   Due %s\n", t.DueAt.Local().Format("Mon Jan 2 15:04"))
		}
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "tasks",
	Short:   "Complete a task",
	Long: `Mark a task completed.

The id may be any unique prefix as shown by 'syncd list'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		id, err := resolveTaskID(ctx, db, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		t, err := db.GetTask(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading task: %v\n", err)
			os.Exit(1)
		}
		if t.Completed {
			fmt.Printf("%s already completed\n", shortID(id))
			return
		}
		t.Completed = true
		t.UpdatedAt = time.Now().UTC()

		if _, err := db.UpsertLocal(t); err != nil {
			fmt.Fprintf(os.Stderr, "Error updating task: %v\n", err)
			os.Exit(1)
		}
		pokeDaemon(cfg)

		fmt.Printf("%s Completed %s %s\n", renderPass("✓"), styleID.Render(shortID(id)), t.Title)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "tasks",
	Short:   "Delete a task",
	Long: `Delete a task.

The task is tombstoned locally and removed from every linked provider on
the next sync. The id may be any unique prefix.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		id, err := resolveTaskID(ctx, db, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		t, err := db.GetTask(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading task: %v\n", err)
			os.Exit(1)
		}

		if err := db.SoftDelete(id, time.Now().UTC()); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting task: %v\n", err)
			os.Exit(1)
		}
		pokeDaemon(cfg)

		fmt.Printf("%s Deleted %s %s\n", renderPass("✓"), styleID.Render(shortID(id)), t.Title)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List tasks from the local store.

Open tasks are shown by default, ordered by due date. Overdue tasks are
highlighted.

Example usage:
  syncd list             # Open tasks
  syncd list --all       # Include completed tasks
  syncd list --due       # Only tasks with a due date in the past`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		overdueOnly, _ := cmd.Flags().GetBool("due")

		cfg := loadConfig()
		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		filter := store.ListFilter{}
		if !all {
			open := false
			filter.Completed = &open
		}
		now := time.Now().UTC()
		if overdueOnly {
			filter.DueBefore = &now
		}

		tasks, err := db.ListTasks(filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
			os.Exit(1)
		}
		if len(tasks) == 0 {
			fmt.Println(renderDim("No tasks."))
			return
		}

		for _, t := range tasks {
			fmt.Println(renderTask(t, now))
		}
	},
}

// renderTask formats one task line: checkbox, short id, title, due date.
func renderTask(t *task.Task, now time.Time) string {
	box := "[ ]"
	title := t.Title
	if t.Completed {
		box = renderPass("[x]")
		title = styleDone.Render(title)
	}

	var b strings.Builder
	b.WriteString(box)
	b.WriteString(" ")
	b.WriteString(styleID.Render(shortID(t.ID)))
	b.WriteString("  ")
	if t.Flagged {
		b.WriteString(renderWarn("⚑ "))
	}
	b.WriteString(title)
	if t.DueAt != nil {
		due := t.DueAt.Local().Format("Jan 2 15:04")
		if !t.Completed && t.DueAt.Before(now) {
			b.WriteString("  " + renderFail("due "+due))
		} else {
			b.WriteString("  " + renderDim("due "+due))
		}
	}
	return b.String()
}

// parseDue turns a natural-language due date into a time. RFC3339 and
// plain dates are accepted as well.
func parseDue(s string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand due date %q", s)
	}
	return r.Time.UTC(), nil
}

func init() {
	addCmd.Flags().String("notes", "", "Task notes")
	addCmd.Flags().String("due", "", "Due date (natural language, e.g. \"tomorrow at 9am\")")
	addCmd.Flags().Bool("flag", false, "Flag the task")

	listCmd.Flags().Bool("all", false, "Include completed tasks")
	listCmd.Flags().Bool("due", false, "Only overdue tasks")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(listCmd)
}
