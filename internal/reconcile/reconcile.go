// Package reconcile resolves divergent edits between the local store and
// a provider into one deterministic outcome per task.
//
// The resolver is pure: it never touches storage or the network. The
// sync engine feeds it the stored task, the coalesced pending local
// change, and one remote change together with the fields that actually
// moved remotely, and executes whatever the outcome says. Determinism
// matters more than cleverness here: the same inputs must resolve the
// same way on every machine, every run, so nothing in this package
// reads the clock or randomizes.
package reconcile

import (
	"time"

	"github.com/tododesk/syncd/internal/journal"
	"github.com/tododesk/syncd/internal/task"
)

// State names the per-task position in the reconciliation state machine.
type State string

const (
	// StateUnchanged means neither side moved since the last cycle.
	StateUnchanged State = "unchanged"

	// StateLocalOnly means only the local side changed; the pending
	// change is pushed to providers as-is.
	StateLocalOnly State = "local_only"

	// StateRemoteOnly means only the remote side changed; the remote
	// values are applied locally as-is.
	StateRemoteOnly State = "remote_only"

	// StateMerged means both sides changed non-overlapping fields and
	// were combined without discarding anything.
	StateMerged State = "merged"

	// StateConflicted means overlapping fields (or a delete against an
	// edit) forced a resolution. Always auto-resolved, always recorded.
	StateConflicted State = "conflicted"
)

// Config holds the tunables of the merge policy.
type Config struct {
	// SkewWindow is the clock-skew tolerance: two timestamps closer than
	// this count as a tie and fall through to origin priority.
	SkewWindow time.Duration
}

// DefaultConfig returns the stock merge policy configuration.
func DefaultConfig() Config {
	return Config{SkewWindow: 5 * time.Second}
}

// Remote is one provider-side change prepared for resolution: the raw
// change plus the fields that actually moved remotely since the last
// sync, computed by diffing the fetched snapshot against the link's
// shadow. A fetch that merely echoes our own push has an empty Fields
// and resolves to no-op.
type Remote struct {
	Change *task.RemoteChange
	Fields []string
}

// Outcome is the resolver's verdict for one task.
type Outcome struct {
	State State

	// Task is the resolved canonical snapshot. Nil when State is
	// StateUnchanged or when Delete is set.
	Task *task.Task

	// ApplyLocal tells the engine to write Task (or the deletion) to the
	// local store.
	ApplyLocal bool

	// Push tells the engine the resolved state must still reach
	// providers. For deletes this means propagating the tombstone.
	Push bool

	// Delete means the task ends up deleted on every side.
	Delete bool

	// Conflict is the audit record for a StateConflicted outcome, nil
	// otherwise. Non-overlapping merges produce no record.
	Conflict *task.ConflictRecord
}

// Reconciler applies the merge policy.
type Reconciler struct {
	cfg Config
}

// New creates a reconciler with the given policy configuration.
func New(cfg Config) *Reconciler {
	if cfg.SkewWindow <= 0 {
		cfg.SkewWindow = DefaultConfig().SkewWindow
	}
	return &Reconciler{cfg: cfg}
}

// Resolve decides what happens to one task given the stored snapshot,
// the coalesced pending local change (nil if none), and one remote
// change (nil if none).
//
// current is the stored row and already includes any pending local
// edits; pending.Fields says which of its fields the local side touched
// since the last push, remote.Fields which fields the provider moved.
// Those two changed-field sets stand in for a three-way base: a field in
// neither set kept its last synced value on both sides.
func (r *Reconciler) Resolve(current *task.Task, pending *journal.Pending, remote *Remote) Outcome {
	if remote != nil && remote.Change.Op != task.OpDelete && len(remote.Fields) == 0 {
		// Echo of our own push, nothing moved remotely.
		remote = nil
	}

	switch {
	case pending == nil && remote == nil:
		return Outcome{State: StateUnchanged}
	case remote == nil:
		return r.localOnly(current, pending)
	case pending == nil:
		return r.remoteOnly(current, remote)
	default:
		return r.bothChanged(current, pending, remote)
	}
}

func (r *Reconciler) localOnly(current *task.Task, pending *journal.Pending) Outcome {
	if pending.Op == task.OpDelete {
		return Outcome{State: StateLocalOnly, Push: !pending.Created, Delete: true}
	}
	snapshot := current
	if snapshot == nil {
		snapshot = pending.Task
	}
	return Outcome{State: StateLocalOnly, Task: snapshot.Clone(), Push: true}
}

func (r *Reconciler) remoteOnly(current *task.Task, remote *Remote) Outcome {
	if remote.Change.Op == task.OpDelete {
		if current == nil || current.Deleted {
			return Outcome{State: StateUnchanged}
		}
		return Outcome{State: StateRemoteOnly, ApplyLocal: true, Push: true, Delete: true}
	}

	if current == nil {
		// First sight of a remotely created task.
		return Outcome{State: StateRemoteOnly, Task: remote.Change.Task.Clone(), ApplyLocal: true, Push: true}
	}

	resolved := current.Clone()
	task.ApplyFields(resolved, remote.Change.Task, remote.Fields)
	if remote.Change.Task.UpdatedAt.After(resolved.UpdatedAt) {
		resolved.UpdatedAt = remote.Change.Task.UpdatedAt
	}
	if task.Equal(current, resolved) {
		return Outcome{State: StateUnchanged}
	}
	return Outcome{State: StateRemoteOnly, Task: resolved, ApplyLocal: true, Push: true}
}

func (r *Reconciler) bothChanged(current *task.Task, pending *journal.Pending, remote *Remote) Outcome {
	remoteDelete := remote.Change.Op == task.OpDelete
	localDelete := pending.Op == task.OpDelete

	// Deletion wins over any concurrent edit. The losing edit rides
	// along in the conflict record for audit.
	switch {
	case remoteDelete && localDelete:
		return Outcome{State: StateMerged, ApplyLocal: true, Delete: true}
	case remoteDelete:
		return Outcome{
			State:      StateConflicted,
			ApplyLocal: true,
			Push:       true,
			Delete:     true,
			Conflict: &task.ConflictRecord{
				TaskID:       pending.TaskID,
				Local:        snapshotOf(current, pending.Task),
				RemoteOrigin: task.FromProvider(remote.Change.Provider),
				Fields:       pending.Fields,
				Resolution:   task.ResolutionDeletion,
				Resolved:     true,
			},
		}
	case localDelete:
		return Outcome{
			State:      StateConflicted,
			ApplyLocal: true,
			Push:       true,
			Delete:     true,
			Conflict: &task.ConflictRecord{
				TaskID:       pending.TaskID,
				Remote:       cloneOrNil(remote.Change.Task),
				RemoteOrigin: task.FromProvider(remote.Change.Provider),
				Fields:       remote.Fields,
				Resolution:   task.ResolutionDeletion,
				Resolved:     true,
			},
		}
	}

	local := current
	if local == nil {
		local = pending.Task
	}

	localSet := make(map[string]bool, len(pending.Fields))
	for _, f := range pending.Fields {
		localSet[f] = true
	}

	var remoteOnly, overlap []string
	for _, f := range remote.Fields {
		if localSet[f] {
			overlap = append(overlap, f)
		} else {
			remoteOnly = append(remoteOnly, f)
		}
	}

	// Fields only the remote side touched merge in outright.
	merged := local.Clone()
	task.ApplyFields(merged, remote.Change.Task, remoteOnly)

	if len(overlap) > 0 {
		if r.remoteWins(local, remote.Change) {
			task.ApplyFields(merged, remote.Change.Task, overlap)
		}
		// Never silently un-complete: a completion-flag conflict always
		// resolves to done.
		for _, f := range overlap {
			if f == task.FieldCompleted && (local.Completed || remote.Change.Task.Completed) {
				merged.Completed = true
			}
		}
	}

	if remote.Change.Task.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = remote.Change.Task.UpdatedAt
	}

	out := Outcome{
		State:      StateMerged,
		Task:       merged,
		ApplyLocal: true,
		Push:       true,
	}
	if len(overlap) > 0 {
		out.State = StateConflicted
		out.Conflict = &task.ConflictRecord{
			TaskID:       pending.TaskID,
			Local:        local.Clone(),
			Remote:       remote.Change.Task.Clone(),
			RemoteOrigin: task.FromProvider(remote.Change.Provider),
			Fields:       overlap,
			Resolution:   task.ResolutionLastWriterWins,
			Resolved:     true,
		}
	}
	return out
}

// remoteWins runs last-writer-wins over the overlap set. Timestamps
// within the skew window are a tie, and ties go to the local side: the
// engine resolves providers in priority order, so by the time a
// lower-priority provider's change arrives the winning provider's value
// already sits on the local side. Local-on-tie is what makes provider
// priority stick.
func (r *Reconciler) remoteWins(local *task.Task, remote *task.RemoteChange) bool {
	delta := remote.Task.UpdatedAt.Sub(local.UpdatedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta <= r.cfg.SkewWindow {
		return false
	}
	return remote.Task.UpdatedAt.After(local.UpdatedAt)
}

func snapshotOf(current, fallback *task.Task) *task.Task {
	if current != nil {
		return current.Clone()
	}
	return cloneOrNil(fallback)
}

func cloneOrNil(t *task.Task) *task.Task {
	if t == nil {
		return nil
	}
	return t.Clone()
}
