// Package backup exports and imports the task store as JSONL, one task
// per line. Exports are plain snapshots; imports land as local edits so
// they journal and sync out like any other change.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tododesk/syncd/internal/store"
	"github.com/tododesk/syncd/internal/task"
)

// ExportOptions configures an export.
type ExportOptions struct {
	// Path is the output JSONL file.
	Path string

	// IncludeDeleted also exports tombstones.
	IncludeDeleted bool
}

// ImportOptions configures an import.
type ImportOptions struct {
	// Path is the input JSONL file.
	Path string

	// DryRun parses and counts without writing.
	DryRun bool

	// Backup copies the database file aside before importing.
	Backup bool
}

// Result contains statistics about an export or import.
type Result struct {
	TasksRead     int
	TasksWritten  int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// Export writes every task as one JSON line. The file is written
// atomically via a temp file so a crash never leaves a truncated export.
func Export(ctx context.Context, db *store.DB, opts ExportOptions) (*Result, error) {
	result := &Result{}

	tasks, err := db.ListTasksContext(ctx, store.ListFilter{IncludeDeleted: opts.IncludeDeleted})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := opts.Path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	enc := json.NewEncoder(f)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			f.Close()
			_ = os.Remove(tmpPath)
			return nil, fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
		result.TasksWritten++
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, opts.Path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return result, nil
}

// readJSONL parses the input file into task snapshots.
func readJSONL(path string) ([]*task.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()

	var tasks []*task.Task
	decoder := json.NewDecoder(f)
	lineNum := 0

	for {
		var t task.Task
		if err := decoder.Decode(&t); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// Import reads a JSONL export and upserts each task as a local edit.
// Tombstones and tasks identical to the current row are skipped.
func Import(ctx context.Context, db *store.DB, opts ImportOptions) (*Result, error) {
	result := &Result{}

	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath, err := backupDatabase(db)
		if err != nil {
			return nil, err
		}
		result.BackupCreated = backupPath
	}

	tasks, err := readJSONL(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.TasksRead = len(tasks)

	for _, t := range tasks {
		if t.Deleted {
			result.Skipped++
			continue
		}
		if err := t.Validate(); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("invalid task %s: %v", t.ID, err))
			continue
		}

		if opts.DryRun {
			result.TasksWritten++
			continue
		}

		// Imports are local edits; the version counter is the store's,
		// not the export's.
		in := t.Clone()
		in.Version = 0
		if _, err := db.UpsertLocalContext(ctx, in); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to import task %s: %v", t.ID, err))
			continue
		}
		result.TasksWritten++
	}

	return result, nil
}

// backupDatabase copies the database file aside with a timestamp suffix.
func backupDatabase(db *store.DB) (string, error) {
	path := db.Path()
	backupPath := path + ".backup." + time.Now().Format("20060102-150405")
	input, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read database for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupPath, nil
}
