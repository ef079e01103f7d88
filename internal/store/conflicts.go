package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tododesk/syncd/internal/task"
)

// AppendConflict records one divergent-edit resolution for audit.
// Returns the record ID.
func (db *DB) AppendConflict(ctx context.Context, c *task.ConflictRecord) (int64, error) {
	localJSON, err := marshalSnapshot(c.Local)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal local snapshot: %w", err)
	}
	remoteJSON, err := marshalSnapshot(c.Remote)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal remote snapshot: %w", err)
	}
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal conflict fields: %w", err)
	}

	query := `
	INSERT INTO conflicts (
		task_id, local_snapshot, remote_snapshot, remote_origin,
		fields, resolution, resolved, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.conn.ExecContext(ctx, query,
		c.TaskID, localJSON, remoteJSON, string(c.RemoteOrigin),
		string(fieldsJSON), string(c.Resolution), boolToInt(c.Resolved),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return 0, storageErr("failed to append conflict", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("failed to read conflict id", err)
	}
	c.ID = id
	return id, nil
}

// ListConflicts returns conflict records, newest first. With
// unresolvedOnly, only records awaiting manual action are returned.
func (db *DB) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*task.ConflictRecord, error) {
	query := `
	SELECT id, task_id, local_snapshot, remote_snapshot, remote_origin,
	       fields, resolution, resolved, created_at
	FROM conflicts
	`
	if unresolvedOnly {
		query += " WHERE resolved = 0"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("failed to list conflicts", err)
	}
	defer rows.Close()

	var records []*task.ConflictRecord
	for rows.Next() {
		var c task.ConflictRecord
		var localJSON, remoteJSON, fieldsJSON sql.NullString
		var origin, resolution, createdAt string
		var resolved int

		err := rows.Scan(
			&c.ID, &c.TaskID, &localJSON, &remoteJSON, &origin,
			&fieldsJSON, &resolution, &resolved, &createdAt,
		)
		if err != nil {
			return nil, storageErr("failed to scan conflict", err)
		}

		c.RemoteOrigin = task.Origin(origin)
		c.Resolution = task.Resolution(resolution)
		c.Resolved = resolved != 0
		c.CreatedAt = parseTime(createdAt)

		if c.Local, err = unmarshalSnapshot(localJSON); err != nil {
			return nil, err
		}
		if c.Remote, err = unmarshalSnapshot(remoteJSON); err != nil {
			return nil, err
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" && fieldsJSON.String != "null" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &c.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal conflict fields: %w", err)
			}
		}

		records = append(records, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error iterating conflicts", err)
	}
	return records, nil
}

// MarkConflictResolved flips a manual conflict record to resolved.
func (db *DB) MarkConflictResolved(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE conflicts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return storageErr("failed to mark conflict resolved", err)
	}
	return nil
}

// PendingConflictCount returns the number of conflicts awaiting manual
// resolution. This is the read-only query the UI collaborator exposes.
func (db *DB) PendingConflictCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&count)
	if err != nil {
		return 0, storageErr("failed to count pending conflicts", err)
	}
	return count, nil
}

func marshalSnapshot(t *task.Task) (sql.NullString, error) {
	if t == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalSnapshot(ns sql.NullString) (*task.Task, error) {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil, nil
	}
	var t task.Task
	if err := json.Unmarshal([]byte(ns.String), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict snapshot: %w", err)
	}
	return &t, nil
}
