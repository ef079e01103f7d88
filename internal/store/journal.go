package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tododesk/syncd/internal/task"
)

// AppendJournal records a pending mutation outside of an upsert
// transaction. Used for remote-origin entries detected during a fetch.
func (db *DB) AppendJournal(e *task.JournalEntry) error {
	return db.AppendJournalContext(context.Background(), e)
}

// AppendJournalContext records a pending mutation with context support.
func (db *DB) AppendJournalContext(ctx context.Context, e *task.JournalEntry) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := appendJournalTx(ctx, tx, e); err != nil {
		return storageErr("failed to append journal", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit journal append", err)
	}
	return nil
}

// NextJournalBatch returns non-terminal entries eligible for dispatch at
// the given time, ordered by task then creation. Within one task,
// entries come back in creation order so they can be coalesced and
// applied in order.
func (db *DB) NextJournalBatch(ctx context.Context, max int, now time.Time) ([]*task.JournalEntry, error) {
	query := `
	SELECT id, task_id, origin, op, payload, fields, local_version,
	       attempts, next_attempt_at, terminal, created_at
	FROM journal
	WHERE terminal = 0 AND next_attempt_at <= ?
	ORDER BY task_id ASC, created_at ASC, id ASC
	`
	args := []interface{}{formatTime(now)}
	if max > 0 {
		query += " LIMIT ?"
		args = append(args, max)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to query journal batch", err)
	}
	defer rows.Close()

	return scanJournal(rows)
}

// PendingJournalForTask returns all non-terminal entries for one task in
// creation order, regardless of retry eligibility.
func (db *DB) PendingJournalForTask(ctx context.Context, taskID string) ([]*task.JournalEntry, error) {
	query := `
	SELECT id, task_id, origin, op, payload, fields, local_version,
	       attempts, next_attempt_at, terminal, created_at
	FROM journal
	WHERE terminal = 0 AND task_id = ?
	ORDER BY created_at ASC, id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, storageErr("failed to query task journal", err)
	}
	defer rows.Close()

	return scanJournal(rows)
}

// RetireJournal removes entries that were applied and confirmed on all
// targets. Idempotent.
func (db *DB) RetireJournal(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM journal WHERE id = ?`, id); err != nil {
			return storageErr(fmt.Sprintf("failed to retire journal entry %d", id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit journal retire", err)
	}
	return nil
}

// BumpJournalAttempt increments the attempt counter and sets the next
// retry-eligible time for the given entries.
func (db *DB) BumpJournalAttempt(ctx context.Context, nextAt time.Time, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			`UPDATE journal SET attempts = attempts + 1, next_attempt_at = ? WHERE id = ?`,
			formatTime(nextAt), id)
		if err != nil {
			return storageErr(fmt.Sprintf("failed to bump journal entry %d", id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit journal bump", err)
	}
	return nil
}

// MarkJournalTerminal flips entries to terminal-failure. They are
// excluded from automatic dispatch and surfaced to the user.
func (db *DB) MarkJournalTerminal(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			`UPDATE journal SET terminal = 1, attempts = attempts + 1 WHERE id = ?`, id)
		if err != nil {
			return storageErr(fmt.Sprintf("failed to mark journal entry %d terminal", id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit terminal mark", err)
	}
	return nil
}

// TerminalJournalEntries returns entries that exhausted their retries or
// were rejected. These require manual intervention.
func (db *DB) TerminalJournalEntries(ctx context.Context) ([]*task.JournalEntry, error) {
	query := `
	SELECT id, task_id, origin, op, payload, fields, local_version,
	       attempts, next_attempt_at, terminal, created_at
	FROM journal
	WHERE terminal = 1
	ORDER BY created_at ASC, id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("failed to query terminal entries", err)
	}
	defer rows.Close()

	return scanJournal(rows)
}

// PendingJournalCount returns the number of non-terminal entries.
func (db *DB) PendingJournalCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journal WHERE terminal = 0`).Scan(&count)
	if err != nil {
		return 0, storageErr("failed to count pending journal", err)
	}
	return count, nil
}

func scanJournal(rows *sql.Rows) ([]*task.JournalEntry, error) {
	var entries []*task.JournalEntry
	for rows.Next() {
		var e task.JournalEntry
		var origin, op string
		var payload sql.NullString
		var fieldsJSON sql.NullString
		var terminal int
		var nextAt, createdAt string

		err := rows.Scan(
			&e.ID, &e.TaskID, &origin, &op, &payload, &fieldsJSON,
			&e.LocalVersion, &e.Attempts, &nextAt, &terminal, &createdAt,
		)
		if err != nil {
			return nil, storageErr("failed to scan journal entry", err)
		}

		e.Origin = task.Origin(origin)
		e.Op = task.Op(op)
		e.Terminal = terminal != 0
		e.NextAttemptAt = parseTime(nextAt)
		e.CreatedAt = parseTime(createdAt)

		if payload.Valid {
			var t task.Task
			if err := json.Unmarshal([]byte(payload.String), &t); err != nil {
				return nil, fmt.Errorf("failed to unmarshal journal payload: %w", err)
			}
			e.Payload = &t
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" && fieldsJSON.String != "null" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal journal fields: %w", err)
			}
		}

		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error iterating journal", err)
	}
	return entries, nil
}
