package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tododesk/syncd/internal/task"
)

// GetTask retrieves a single task by canonical ID.
// Returns ErrNotFound if the task does not exist.
func (db *DB) GetTask(id string) (*task.Task, error) {
	return db.GetTaskContext(context.Background(), id)
}

// GetTaskContext retrieves a single task by ID with context support.
func (db *DB) GetTaskContext(ctx context.Context, id string) (*task.Task, error) {
	query := `
	SELECT id, title, notes, due_at, completed, flagged, deleted,
	       version, created_at, updated_at
	FROM tasks
	WHERE id = ?
	`

	row := db.conn.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("failed to get task", err)
	}
	return t, nil
}

// ListFilter configures the ListTasks query.
type ListFilter struct {
	// IncludeDeleted includes tombstoned tasks (default: live rows only).
	IncludeDeleted bool
	// Completed filters by completion state (nil = all).
	Completed *bool
	// DueBefore restricts to tasks due before the given time.
	DueBefore *time.Time
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListTasks retrieves tasks matching the given filters,
// ordered by due date then creation time.
func (db *DB) ListTasks(filter ListFilter) ([]*task.Task, error) {
	return db.ListTasksContext(context.Background(), filter)
}

// ListTasksContext retrieves tasks with context support.
func (db *DB) ListTasksContext(ctx context.Context, filter ListFilter) ([]*task.Task, error) {
	var conditions []string
	var args []interface{}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if filter.Completed != nil {
		conditions = append(conditions, "completed = ?")
		if *filter.Completed {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if filter.DueBefore != nil {
		conditions = append(conditions, "due_at IS NOT NULL AND due_at < ?")
		args = append(args, formatTime(*filter.DueBefore))
	}

	query := `
	SELECT id, title, notes, due_at, completed, flagged, deleted,
	       version, created_at, updated_at
	FROM tasks
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY due_at IS NULL, due_at ASC, created_at ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to list tasks", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// UpsertLocal applies a local edit: the task row and its journal entry are
// written in a single transaction, so a crash between them can never leave
// an edit with no journal record.
//
// The task's version counter is bumped and the changed-field set recorded
// on the journal entry. Returns the new version.
func (db *DB) UpsertLocal(t *task.Task) (int64, error) {
	return db.UpsertLocalContext(context.Background(), t)
}

// UpsertLocalContext applies a local edit with context support.
func (db *DB) UpsertLocalContext(ctx context.Context, t *task.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("invalid task: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	existing, err := getTaskTx(ctx, tx, t.ID)
	if err != nil && err != sql.ErrNoRows {
		return 0, storageErr("failed to read existing task", err)
	}

	op := task.OpUpdate
	var version int64 = 1
	fields := task.MergeableFields()
	if err == sql.ErrNoRows {
		op = task.OpCreate
		if t.CreatedAt.IsZero() {
			t.CreatedAt = t.UpdatedAt
		}
	} else {
		version = existing.Version + 1
		fields = task.Diff(existing, t)
		t.CreatedAt = existing.CreatedAt
		if len(fields) == 0 {
			// No-op edit: nothing to journal.
			return existing.Version, tx.Commit()
		}
	}
	t.Version = version

	if err := upsertTaskTx(ctx, tx, t); err != nil {
		return 0, storageErr("failed to upsert task", err)
	}

	entry := &task.JournalEntry{
		TaskID:        t.ID,
		Origin:        task.OriginLocal,
		Op:            op,
		Payload:       t.Clone(),
		Fields:        fields,
		LocalVersion:  version,
		NextAttemptAt: t.UpdatedAt,
		CreatedAt:     t.UpdatedAt,
	}
	if err := appendJournalTx(ctx, tx, entry); err != nil {
		return 0, storageErr("failed to append journal", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("failed to commit upsert", err)
	}
	return version, nil
}

// ApplyRemote writes a reconciled task state to the local row without
// creating a journal entry. Used when applying merged state that
// originated remotely; the version counter is still bumped so readers can
// observe the change.
func (db *DB) ApplyRemote(t *task.Task) error {
	return db.ApplyRemoteContext(context.Background(), t)
}

// ApplyRemoteContext writes a reconciled task state with context support.
func (db *DB) ApplyRemoteContext(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	existing, err := getTaskTx(ctx, tx, t.ID)
	if err != nil && err != sql.ErrNoRows {
		return storageErr("failed to read existing task", err)
	}
	if err == sql.ErrNoRows {
		t.Version = 1
		if t.CreatedAt.IsZero() {
			t.CreatedAt = t.UpdatedAt
		}
	} else {
		if task.Equal(existing, t) {
			// Duplicate delivery: nothing changed, keep the row as-is.
			return tx.Commit()
		}
		t.Version = existing.Version + 1
		t.CreatedAt = existing.CreatedAt
	}

	if err := upsertTaskTx(ctx, tx, t); err != nil {
		return storageErr("failed to apply remote task", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit remote apply", err)
	}
	return nil
}

// SoftDelete tombstones a task and journals the delete for propagation.
// Returns ErrNotFound if the task does not exist.
func (db *DB) SoftDelete(id string, at time.Time) error {
	return db.SoftDeleteContext(context.Background(), id, at)
}

// SoftDeleteContext tombstones a task with context support.
func (db *DB) SoftDeleteContext(ctx context.Context, id string, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	existing, err := getTaskTx(ctx, tx, id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("failed to read task", err)
	}
	if existing.Deleted {
		return tx.Commit()
	}

	existing.Deleted = true
	existing.UpdatedAt = at
	existing.Version++
	if err := upsertTaskTx(ctx, tx, existing); err != nil {
		return storageErr("failed to tombstone task", err)
	}

	entry := &task.JournalEntry{
		TaskID:        id,
		Origin:        task.OriginLocal,
		Op:            task.OpDelete,
		Payload:       existing.Clone(),
		Fields:        []string{task.FieldDeleted},
		LocalVersion:  existing.Version,
		NextAttemptAt: at,
		CreatedAt:     at,
	}
	if err := appendJournalTx(ctx, tx, entry); err != nil {
		return storageErr("failed to append delete journal", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit soft delete", err)
	}
	return nil
}

// Purge hard-removes a tombstoned task. Valid only once every linked
// provider has confirmed the delete; otherwise an error is returned and
// the tombstone is retained.
func (db *DB) Purge(id string) error {
	return db.PurgeContext(context.Background(), id)
}

// PurgeContext hard-removes a tombstoned task with context support.
func (db *DB) PurgeContext(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	existing, err := getTaskTx(ctx, tx, id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("failed to read task", err)
	}
	if !existing.Deleted {
		return fmt.Errorf("task %s is not tombstoned", id)
	}

	var unconfirmed int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_links WHERE task_id = ? AND delete_confirmed = 0`, id,
	).Scan(&unconfirmed)
	if err != nil {
		return storageErr("failed to check link confirmations", err)
	}
	if unconfirmed > 0 {
		return fmt.Errorf("task %s still has %d unconfirmed provider deletes", id, unconfirmed)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return storageErr("failed to purge task", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit purge", err)
	}
	return nil
}

// PurgeEligible returns IDs of tombstones whose provider deletes are all
// confirmed and whose deletion is older than the retention window.
func (db *DB) PurgeEligible(ctx context.Context, olderThan time.Time) ([]string, error) {
	query := `
	SELECT t.id FROM tasks t
	WHERE t.deleted = 1
	  AND t.updated_at < ?
	  AND NOT EXISTS (
	      SELECT 1 FROM task_links l
	      WHERE l.task_id = t.id AND l.delete_confirmed = 0
	  )
	`
	rows, err := db.conn.QueryContext(ctx, query, formatTime(olderThan))
	if err != nil {
		return nil, storageErr("failed to query purge candidates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("failed to scan purge candidate", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error iterating purge candidates", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var dueAt sql.NullString
	var completed, flagged, deleted int
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.Title, &t.Notes, &dueAt,
		&completed, &flagged, &deleted,
		&t.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.DueAt = nullStringToTime(dueAt)
	t.Completed = completed != 0
	t.Flagged = flagged != 0
	t.Deleted = deleted != 0
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("failed to scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error iterating tasks", err)
	}
	return tasks, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*task.Task, error) {
	row := tx.QueryRowContext(ctx, `
	SELECT id, title, notes, due_at, completed, flagged, deleted,
	       version, created_at, updated_at
	FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func upsertTaskTx(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	query := `
	INSERT INTO tasks (
		id, title, notes, due_at, completed, flagged, deleted,
		version, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		notes = excluded.notes,
		due_at = excluded.due_at,
		completed = excluded.completed,
		flagged = excluded.flagged,
		deleted = excluded.deleted,
		version = excluded.version,
		updated_at = excluded.updated_at
	`
	_, err := tx.ExecContext(ctx, query,
		t.ID, t.Title, t.Notes, timeToNullString(t.DueAt),
		boolToInt(t.Completed), boolToInt(t.Flagged), boolToInt(t.Deleted),
		t.Version, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

func appendJournalTx(ctx context.Context, tx *sql.Tx, e *task.JournalEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var payload sql.NullString
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
	INSERT INTO journal (
		task_id, origin, op, payload, fields, local_version,
		attempts, next_attempt_at, terminal, created_at
	) VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		e.TaskID, string(e.Origin), string(e.Op), payload, string(fieldsJSON),
		e.LocalVersion, formatTime(e.NextAttemptAt), formatTime(e.CreatedAt),
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
