package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tododesk/syncd/internal/task"
)

// SetLink records or updates the mapping between a canonical task and its
// foreign identifier on one provider, along with the shadow snapshot of
// what the provider now holds.
func (db *DB) SetLink(ctx context.Context, l task.Link) error {
	shadowJSON, err := marshalSnapshot(l.Shadow)
	if err != nil {
		return fmt.Errorf("failed to marshal link shadow: %w", err)
	}

	query := `
	INSERT INTO task_links (task_id, provider, remote_id, etag, delete_confirmed, shadow)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id, provider) DO UPDATE SET
		remote_id = excluded.remote_id,
		etag = excluded.etag,
		delete_confirmed = excluded.delete_confirmed,
		shadow = excluded.shadow
	`
	_, err = db.conn.ExecContext(ctx, query,
		l.TaskID, string(l.Provider), l.RemoteID, l.Etag, boolToInt(l.DeleteConfirmed), shadowJSON)
	if err != nil {
		return storageErr("failed to set link", err)
	}
	return nil
}

// GetLink returns the link for one task on one provider, or ErrNotFound.
func (db *DB) GetLink(ctx context.Context, taskID string, p task.Provider) (*task.Link, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT task_id, provider, remote_id, etag, delete_confirmed, shadow
	FROM task_links WHERE task_id = ? AND provider = ?`, taskID, string(p))

	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("failed to get link", err)
	}
	return l, nil
}

// LinksForTask returns all provider links for one task.
func (db *DB) LinksForTask(ctx context.Context, taskID string) ([]*task.Link, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT task_id, provider, remote_id, etag, delete_confirmed, shadow
	FROM task_links WHERE task_id = ?
	ORDER BY provider ASC`, taskID)
	if err != nil {
		return nil, storageErr("failed to query links", err)
	}
	defer rows.Close()

	var links []*task.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, storageErr("failed to scan link", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error iterating links", err)
	}
	return links, nil
}

// ResolveRemoteID maps a provider foreign identifier back to the
// canonical task ID, or ErrNotFound if no mapping exists.
func (db *DB) ResolveRemoteID(ctx context.Context, p task.Provider, remoteID string) (string, error) {
	var taskID string
	err := db.conn.QueryRowContext(ctx, `
	SELECT task_id FROM task_links WHERE provider = ? AND remote_id = ?`,
		string(p), remoteID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storageErr("failed to resolve remote id", err)
	}
	return taskID, nil
}

// ConfirmLinkDelete marks the provider's copy of a task as confirmed
// removed. Once every link is confirmed, the tombstone is purge-eligible.
func (db *DB) ConfirmLinkDelete(ctx context.Context, taskID string, p task.Provider) error {
	_, err := db.conn.ExecContext(ctx, `
	UPDATE task_links SET delete_confirmed = 1
	WHERE task_id = ? AND provider = ?`, taskID, string(p))
	if err != nil {
		return storageErr("failed to confirm link delete", err)
	}
	return nil
}

func scanLink(row rowScanner) (*task.Link, error) {
	var l task.Link
	var provider string
	var confirmed int
	var shadowJSON sql.NullString

	err := row.Scan(&l.TaskID, &provider, &l.RemoteID, &l.Etag, &confirmed, &shadowJSON)
	if err != nil {
		return nil, err
	}
	l.Provider = task.Provider(provider)
	l.DeleteConfirmed = confirmed != 0
	if l.Shadow, err = unmarshalSnapshot(shadowJSON); err != nil {
		return nil, err
	}
	return &l, nil
}
