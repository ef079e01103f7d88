// Package journal prepares pending change-journal entries for dispatch.
//
// Entries are persisted by the store; this package shapes them for the
// sync engine. Coalescing folds every pending entry for one task into a
// single logical change so only the latest value per field is pushed,
// and the backoff policy decides when a failed group becomes eligible
// again and when it stops retrying for good.
package journal

import (
	"time"

	"github.com/tododesk/syncd/internal/task"
)

// Pending is one coalesced logical change for a single task. The engine
// dispatches it as one push per provider and retires all of EntryIDs
// together on success.
type Pending struct {
	TaskID string

	// Op is the net operation. A delete anywhere in the group makes the
	// whole group a delete; otherwise a create entry makes it a create.
	Op task.Op

	// Task holds the latest value of every changed field, built by
	// replaying entry payloads in creation order.
	Task *task.Task

	// Fields is the union of changed fields across the group, in
	// canonical field order.
	Fields []string

	// Created reports whether the group contains a create entry. A
	// created-then-deleted task never reached any provider, so the
	// engine retires such a group without pushing.
	Created bool

	// LocalVersion is the highest version across the group.
	LocalVersion int64

	// Attempts and NextAttemptAt carry the worst retry state of the
	// group, so one failing entry holds back the whole task.
	Attempts      int
	NextAttemptAt time.Time

	// EntryIDs lists the journal rows folded into this change.
	EntryIDs []int64
}

// Coalesce folds journal entries into one Pending per task. Entries must
// arrive in dispatch order (per task, creation order); the store's batch
// query guarantees that. Task order of the output follows first
// appearance in the input.
func Coalesce(entries []task.JournalEntry) []Pending {
	byTask := make(map[string]*Pending)
	var order []string

	for i := range entries {
		e := &entries[i]
		p, ok := byTask[e.TaskID]
		if !ok {
			p = &Pending{TaskID: e.TaskID, Op: task.OpUpdate}
			byTask[e.TaskID] = p
			order = append(order, e.TaskID)
		}

		p.EntryIDs = append(p.EntryIDs, e.ID)
		if e.LocalVersion > p.LocalVersion {
			p.LocalVersion = e.LocalVersion
		}
		if e.Attempts > p.Attempts {
			p.Attempts = e.Attempts
		}
		if e.NextAttemptAt.After(p.NextAttemptAt) {
			p.NextAttemptAt = e.NextAttemptAt
		}

		switch e.Op {
		case task.OpDelete:
			p.Op = task.OpDelete
		case task.OpCreate:
			p.Created = true
			if p.Op != task.OpDelete {
				p.Op = task.OpCreate
			}
		}

		if e.Payload != nil {
			if p.Task == nil {
				p.Task = e.Payload.Clone()
			} else {
				// Later entries overwrite earlier values field by field.
				task.ApplyFields(p.Task, e.Payload, e.Fields)
				if e.Payload.Version > p.Task.Version {
					p.Task.Version = e.Payload.Version
				}
				if e.Payload.UpdatedAt.After(p.Task.UpdatedAt) {
					p.Task.UpdatedAt = e.Payload.UpdatedAt
				}
			}
		}
		p.Fields = unionFields(p.Fields, e.Fields)
	}

	out := make([]Pending, 0, len(order))
	for _, id := range order {
		out = append(out, *byTask[id])
	}
	return out
}

// unionFields merges two changed-field sets, keeping canonical order.
func unionFields(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	have := make(map[string]bool, len(a)+len(b))
	for _, f := range a {
		have[f] = true
	}
	for _, f := range b {
		have[f] = true
	}

	out := make([]string, 0, len(have))
	for _, f := range task.MergeableFields() {
		if have[f] {
			out = append(out, f)
		}
	}
	return out
}
