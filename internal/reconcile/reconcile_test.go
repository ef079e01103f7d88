package reconcile

import (
	"testing"
	"time"

	"github.com/tododesk/syncd/internal/journal"
	"github.com/tododesk/syncd/internal/task"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func stored(title string, updated time.Time) *task.Task {
	return &task.Task{
		ID:        "t-1",
		Title:     title,
		Version:   3,
		CreatedAt: ts(1),
		UpdatedAt: updated,
	}
}

func pendingEdit(fields []string, t *task.Task) *journal.Pending {
	return &journal.Pending{
		TaskID:   "t-1",
		Op:       task.OpUpdate,
		Task:     t,
		Fields:   fields,
		EntryIDs: []int64{1},
	}
}

func remoteEdit(p task.Provider, fields []string, t *task.Task) *Remote {
	return &Remote{
		Change: &task.RemoteChange{
			Provider: p,
			RemoteID: "r-1",
			Etag:     "v2",
			Op:       task.OpUpdate,
			Task:     t,
		},
		Fields: fields,
	}
}

func remoteDelete(p task.Provider) *Remote {
	return &Remote{
		Change: &task.RemoteChange{Provider: p, RemoteID: "r-1", Op: task.OpDelete},
	}
}

func TestResolve_Unchanged(t *testing.T) {
	r := New(DefaultConfig())
	out := r.Resolve(stored("x", ts(100)), nil, nil)
	if out.State != StateUnchanged {
		t.Errorf("State = %q, want unchanged", out.State)
	}
}

func TestResolve_LocalOnly(t *testing.T) {
	r := New(DefaultConfig())
	cur := stored("Buy milk", ts(100))

	out := r.Resolve(cur, pendingEdit([]string{task.FieldTitle}, cur), nil)
	if out.State != StateLocalOnly {
		t.Fatalf("State = %q, want local_only", out.State)
	}
	if !out.Push || out.ApplyLocal {
		t.Errorf("Push=%v ApplyLocal=%v, want push without local write", out.Push, out.ApplyLocal)
	}
	if out.Task == cur {
		t.Error("outcome aliases the stored task")
	}
}

func TestResolve_LocalDeleteOfUnpushedCreateSkipsPush(t *testing.T) {
	r := New(DefaultConfig())
	p := &journal.Pending{
		TaskID:  "t-1",
		Op:      task.OpDelete,
		Created: true,
	}

	out := r.Resolve(stored("x", ts(100)), p, nil)
	if !out.Delete {
		t.Fatal("Delete = false")
	}
	if out.Push {
		t.Error("a task the providers never saw should not push its delete")
	}
}

func TestResolve_RemoteOnlyAppliesOnlyChangedFields(t *testing.T) {
	r := New(DefaultConfig())
	cur := stored("Local title", ts(100))
	remote := remoteEdit(task.ProviderDocstore, []string{task.FieldCompleted},
		&task.Task{Title: "Stale title", Completed: true, UpdatedAt: ts(150)})

	out := r.Resolve(cur, nil, remote)
	if out.State != StateRemoteOnly {
		t.Fatalf("State = %q, want remote_only", out.State)
	}
	if !out.ApplyLocal {
		t.Error("ApplyLocal = false")
	}
	if out.Task.Title != "Local title" {
		t.Errorf("Title = %q, untouched field was overwritten", out.Task.Title)
	}
	if !out.Task.Completed {
		t.Error("Completed = false, remote change lost")
	}
	if !out.Task.UpdatedAt.Equal(ts(150)) {
		t.Errorf("UpdatedAt = %v, want remote stamp", out.Task.UpdatedAt)
	}
}

func TestResolve_PushEchoIsNoop(t *testing.T) {
	r := New(DefaultConfig())
	cur := stored("Same", ts(100))

	// Empty remote field set means the fetch only echoed our own push.
	out := r.Resolve(cur, nil, remoteEdit(task.ProviderDocstore, nil, stored("Same", ts(100))))
	if out.State != StateUnchanged {
		t.Errorf("State = %q, want unchanged for push echo", out.State)
	}
}

func TestResolve_RemoteDelete(t *testing.T) {
	r := New(DefaultConfig())

	out := r.Resolve(stored("x", ts(100)), nil, remoteDelete(task.ProviderGraphTasks))
	if !out.Delete || !out.ApplyLocal || !out.Push {
		t.Errorf("outcome = %+v, want delete applied locally and propagated", out)
	}

	// Deleting what is already gone is a no-op.
	gone := stored("x", ts(100))
	gone.Deleted = true
	if out := r.Resolve(gone, nil, remoteDelete(task.ProviderGraphTasks)); out.State != StateUnchanged {
		t.Errorf("State = %q, want unchanged for repeated delete", out.State)
	}
}

// Local edits the title, the provider independently marks the task
// complete. Non-overlapping fields merge cleanly with no audit record.
func TestResolve_NonOverlappingMerge(t *testing.T) {
	r := New(DefaultConfig())
	cur := stored("Buy milk", ts(100))
	remote := remoteEdit(task.ProviderGraphTasks, []string{task.FieldCompleted},
		&task.Task{Title: "Old title", Completed: true, UpdatedAt: ts(101)})

	out := r.Resolve(cur, pendingEdit([]string{task.FieldTitle}, cur), remote)
	if out.State != StateMerged {
		t.Fatalf("State = %q, want merged", out.State)
	}
	if out.Conflict != nil {
		t.Errorf("Conflict = %+v, want none for non-overlapping merge", out.Conflict)
	}
	if out.Task.Title != "Buy milk" {
		t.Errorf("Title = %q, local edit lost", out.Task.Title)
	}
	if !out.Task.Completed {
		t.Error("Completed = false, remote edit lost")
	}
	if !out.Push || !out.ApplyLocal {
		t.Errorf("Push=%v ApplyLocal=%v, merged state must reach both sides", out.Push, out.ApplyLocal)
	}
}

func TestResolve_OverlapLastWriterWins(t *testing.T) {
	tests := []struct {
		name      string
		localAt   time.Time
		remoteAt  time.Time
		wantTitle string
	}{
		{"remote clearly newer", ts(100), ts(200), "Remote"},
		{"local clearly newer", ts(200), ts(100), "Local"},
		{"tie within skew window goes local", ts(100), ts(103), "Local"},
		{"exactly at window edge still local", ts(100), ts(105), "Local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Config{SkewWindow: 5 * time.Second})
			cur := stored("Local", tt.localAt)
			remote := remoteEdit(task.ProviderDocstore, []string{task.FieldTitle},
				&task.Task{Title: "Remote", UpdatedAt: tt.remoteAt})

			out := r.Resolve(cur, pendingEdit([]string{task.FieldTitle}, cur), remote)
			if out.State != StateConflicted {
				t.Fatalf("State = %q, want conflicted", out.State)
			}
			if out.Task.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", out.Task.Title, tt.wantTitle)
			}
			if out.Conflict == nil {
				t.Fatal("overlapping resolution produced no record")
			}
			if out.Conflict.Resolution != task.ResolutionLastWriterWins {
				t.Errorf("Resolution = %q", out.Conflict.Resolution)
			}
			if len(out.Conflict.Fields) != 1 || out.Conflict.Fields[0] != task.FieldTitle {
				t.Errorf("Fields = %v, want overlap only", out.Conflict.Fields)
			}
			if !out.Conflict.Resolved {
				t.Error("auto-resolved record not marked resolved")
			}
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r := New(DefaultConfig())
	cur := stored("Local", ts(100))
	remote := remoteEdit(task.ProviderGraphTasks, []string{task.FieldTitle},
		&task.Task{Title: "Remote", UpdatedAt: ts(101)})

	first := r.Resolve(cur, pendingEdit([]string{task.FieldTitle}, cur), remote)
	for i := 0; i < 10; i++ {
		out := r.Resolve(cur, pendingEdit([]string{task.FieldTitle}, cur), remote)
		if out.Task.Title != first.Task.Title || out.State != first.State {
			t.Fatalf("run %d resolved differently: %q vs %q", i, out.Task.Title, first.Task.Title)
		}
	}
}

func TestResolve_NeverUncompletes(t *testing.T) {
	r := New(DefaultConfig())
	cur := stored("x", ts(100))
	cur.Completed = true

	// Remote is newer and un-completes; the completion bias overrides.
	remote := remoteEdit(task.ProviderDocstore, []string{task.FieldCompleted},
		&task.Task{Title: "x", Completed: false, UpdatedAt: ts(500)})

	out := r.Resolve(cur, pendingEdit([]string{task.FieldCompleted}, cur), remote)
	if !out.Task.Completed {
		t.Error("conflicting completion resolved to un-complete")
	}
	if out.Conflict == nil {
		t.Error("completion conflict produced no record")
	}
}

func TestResolve_DeleteWinsOverEdit(t *testing.T) {
	r := New(DefaultConfig())

	t.Run("remote delete vs local edit", func(t *testing.T) {
		cur := stored("Edited locally", ts(100))
		out := r.Resolve(cur, pendingEdit([]string{task.FieldTitle}, cur), remoteDelete(task.ProviderDocstore))

		if !out.Delete || !out.Push || !out.ApplyLocal {
			t.Errorf("outcome = %+v, want delete everywhere", out)
		}
		if out.Conflict == nil || out.Conflict.Resolution != task.ResolutionDeletion {
			t.Fatalf("Conflict = %+v, want deletion record", out.Conflict)
		}
		if out.Conflict.Local == nil || out.Conflict.Local.Title != "Edited locally" {
			t.Error("discarded local edit not retained for audit")
		}
	})

	t.Run("local delete vs remote edit", func(t *testing.T) {
		cur := stored("x", ts(100))
		cur.Deleted = true
		p := &journal.Pending{TaskID: "t-1", Op: task.OpDelete}
		remote := remoteEdit(task.ProviderGraphTasks, []string{task.FieldTitle},
			&task.Task{Title: "Edited remotely", UpdatedAt: ts(200)})

		out := r.Resolve(cur, p, remote)
		if !out.Delete || !out.Push {
			t.Errorf("outcome = %+v, want delete propagated", out)
		}
		if out.Conflict == nil || out.Conflict.Remote == nil || out.Conflict.Remote.Title != "Edited remotely" {
			t.Error("discarded remote edit not retained for audit")
		}
	})

	t.Run("delete on both sides needs no record", func(t *testing.T) {
		cur := stored("x", ts(100))
		cur.Deleted = true
		p := &journal.Pending{TaskID: "t-1", Op: task.OpDelete}

		out := r.Resolve(cur, p, remoteDelete(task.ProviderDocstore))
		if !out.Delete {
			t.Error("Delete = false")
		}
		if out.Conflict != nil {
			t.Errorf("Conflict = %+v, nothing was discarded", out.Conflict)
		}
	})
}

func TestResolve_RemoteCreate(t *testing.T) {
	r := New(DefaultConfig())
	remote := remoteEdit(task.ProviderDocstore, []string{task.FieldTitle, task.FieldNotes},
		&task.Task{Title: "Brand new", Notes: "from provider", UpdatedAt: ts(50)})

	out := r.Resolve(nil, nil, remote)
	if out.State != StateRemoteOnly || !out.ApplyLocal {
		t.Fatalf("outcome = %+v, want remote snapshot applied", out)
	}
	if out.Task.Title != "Brand new" {
		t.Errorf("Title = %q", out.Task.Title)
	}
}
