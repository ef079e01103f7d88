package task

import (
	"fmt"
	"time"
)

// JournalEntry is one pending, not-yet-confirmed mutation.
//
// Entries are append-only: after creation only the attempt counter, the
// next-retry time, and the terminal flag may change. An entry is retired
// once the mutation is applied and confirmed on every target.
type JournalEntry struct {
	ID     int64  `json:"id"`
	TaskID string `json:"task_id"`
	Origin Origin `json:"origin"`
	Op     Op     `json:"op"`

	// Payload is the task snapshot at the time of the mutation.
	// Nil for deletes of tasks that never had a local row.
	Payload *Task `json:"payload,omitempty"`

	// Fields names the mergeable fields this mutation changed, computed
	// against the row state at write time. Used for field-level merging.
	Fields []string `json:"fields,omitempty"`

	// LocalVersion is the task's version counter after this mutation.
	LocalVersion int64 `json:"local_version"`

	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// Terminal marks an entry that exhausted its retries or was rejected
	// outright. Terminal entries are surfaced to the user and excluded
	// from automatic dispatch.
	Terminal bool `json:"terminal"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields.
func (e *JournalEntry) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	switch e.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid op: %q", e.Op)
	}
	if e.Op != OpDelete && e.Payload == nil {
		return fmt.Errorf("payload is required for %s", e.Op)
	}
	return nil
}

// Resolution describes how a conflict between divergent edits was settled.
type Resolution string

const (
	// ResolutionMerged means overlapping fields were settled by
	// last-writer-wins (or a safety-biased rule) and the rest merged.
	ResolutionMerged Resolution = "merged"

	// ResolutionLastWriterWins means an entire side was taken wholesale.
	ResolutionLastWriterWins Resolution = "last_writer_wins"

	// ResolutionDeletion means a delete won over a concurrent edit.
	ResolutionDeletion Resolution = "deletion"

	// ResolutionManual means the conflict awaits user action.
	ResolutionManual Resolution = "manual"
)

// ConflictRecord is the audit trail for one divergent-edit resolution.
// Both versions are retained even when the conflict auto-resolved, so the
// UI can show what was merged and what was discarded.
type ConflictRecord struct {
	ID     int64  `json:"id"`
	TaskID string `json:"task_id"`

	// Local and Remote are the competing snapshots.
	Local  *Task `json:"local,omitempty"`
	Remote *Task `json:"remote,omitempty"`

	// RemoteOrigin names the provider the remote snapshot came from.
	RemoteOrigin Origin `json:"remote_origin"`

	// Fields lists the overlapping fields that forced a resolution.
	Fields []string `json:"fields,omitempty"`

	Resolution Resolution `json:"resolution"`

	// Resolved is false only for ResolutionManual records still awaiting
	// user action.
	Resolved bool `json:"resolved"`

	CreatedAt time.Time `json:"created_at"`
}
