package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tododesk/syncd/internal/task"
)

// GetCursor returns the persisted delta cursor for a provider.
// An empty string means the provider has never been fetched (or a full
// resync was requested).
func (db *DB) GetCursor(ctx context.Context, p task.Provider) (string, error) {
	var cursor string
	err := db.conn.QueryRowContext(ctx,
		`SELECT cursor FROM cursors WHERE provider = ?`, string(p)).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storageErr("failed to get cursor", err)
	}
	return cursor, nil
}

// SetCursor persists the delta cursor for a provider. Called only after
// the fetched changes have been durably consumed by the reconciler.
func (db *DB) SetCursor(ctx context.Context, p task.Provider, cursor string, at time.Time) error {
	query := `
	INSERT INTO cursors (provider, cursor, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(provider) DO UPDATE SET
		cursor = excluded.cursor,
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query, string(p), cursor, formatTime(at))
	if err != nil {
		return storageErr("failed to set cursor", err)
	}
	return nil
}

// ResetCursor clears a provider's cursor, forcing a full resync on the
// next cycle. This is the only sanctioned cursor rollback.
func (db *DB) ResetCursor(ctx context.Context, p task.Provider) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM cursors WHERE provider = ?`, string(p))
	if err != nil {
		return storageErr("failed to reset cursor", err)
	}
	return nil
}
