// Package task defines the canonical task model shared by the local store,
// the provider clients, and the reconciler.
//
// A canonical task is identified independently of any provider. Provider
// foreign identifiers (document path, Graph task id) live in link records,
// not on the task itself, so the task shape stays decoupled from provider
// schemas.
package task

import (
	"fmt"
	"time"
)

// Provider identifies a remote task provider.
type Provider string

const (
	// ProviderDocstore is the document-database provider (Firestore-style
	// REST documents under a per-user collection).
	ProviderDocstore Provider = "docstore"

	// ProviderGraphTasks is the Microsoft Graph To Do provider.
	ProviderGraphTasks Provider = "graphtasks"
)

// Providers returns all known providers in priority order. Earlier entries
// win timestamp ties during conflict resolution.
func Providers() []Provider {
	return []Provider{ProviderDocstore, ProviderGraphTasks}
}

// IsValid reports whether p is a known provider.
func (p Provider) IsValid() bool {
	return p == ProviderDocstore || p == ProviderGraphTasks
}

// Origin identifies where a mutation came from: a local edit or one of the
// providers.
type Origin string

const (
	OriginLocal      Origin = "local"
	OriginDocstore   Origin = Origin(ProviderDocstore)
	OriginGraphTasks Origin = Origin(ProviderGraphTasks)
)

// FromProvider returns the origin corresponding to a provider.
func FromProvider(p Provider) Origin {
	return Origin(p)
}

// Provider returns the provider behind this origin, or false for local.
func (o Origin) Provider() (Provider, bool) {
	if o == OriginLocal {
		return "", false
	}
	return Provider(o), true
}

// Op is the kind of mutation carried by a journal entry or remote change.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Task is the canonical task entity.
//
// UpdatedAt carries the origin clock of the last edit and drives
// last-writer-wins resolution. Version is a local monotonic counter bumped
// on every local write; it never travels to providers.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Completed bool       `json:"completed"`
	Flagged   bool       `json:"flagged"`

	// Deleted marks a tombstone. Tombstones are retained until every
	// linked provider has confirmed the delete, then hard-purged.
	Deleted bool `json:"deleted,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" && !t.Deleted {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.DueAt != nil {
		due := *t.DueAt
		c.DueAt = &due
	}
	return &c
}

// Link maps a canonical task to its foreign identifier on one provider.
// The (provider, remote id) pair is unique and never reused after deletion
// within a session.
type Link struct {
	TaskID   string   `json:"task_id"`
	Provider Provider `json:"provider"`
	RemoteID string   `json:"remote_id"`

	// Etag is the provider version of the last write we observed or made.
	Etag string `json:"etag,omitempty"`

	// DeleteConfirmed is set once the provider has acknowledged removal
	// of the task. A tombstone is purge-eligible only when every link has
	// this set.
	DeleteConfirmed bool `json:"delete_confirmed,omitempty"`

	// Shadow is the last task state this provider is known to hold,
	// captured after every successful push or applied fetch. Diffing a
	// fetched snapshot against it yields the fields that actually
	// changed remotely, which is what merging needs in place of a
	// three-way base.
	Shadow *Task `json:"shadow,omitempty"`
}

// RemoteChange is one change fetched from a provider's delta stream.
// For deletes, Task is nil and only RemoteID identifies the target.
type RemoteChange struct {
	Provider Provider
	RemoteID string
	Etag     string
	Op       Op

	// Task carries the canonical-field projection of the remote state.
	// Its UpdatedAt is the provider's last-modified clock.
	Task *Task
}

// PushOp is one write targeted at a provider.
type PushOp struct {
	Provider Provider
	Op       Op

	// RemoteID is empty for creates; the provider assigns one.
	RemoteID string

	// Etag is the expected current remote version for updates and
	// deletes. Providers reject mismatches with a conflict error.
	Etag string

	Task *Task

	// IdempotencyKey makes retried pushes safe after ambiguous timeouts.
	// The same key with the same payload must never create a duplicate.
	IdempotencyKey string
}

// RemoteResult is the provider acknowledgement of a push.
type RemoteResult struct {
	RemoteID string
	Etag     string
}
