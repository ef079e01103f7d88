package journal

import (
	"reflect"
	"testing"
	"time"

	"github.com/tododesk/syncd/internal/task"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func entry(id int64, taskID string, op task.Op, payload *task.Task, fields []string, version int64) task.JournalEntry {
	return task.JournalEntry{
		ID:           id,
		TaskID:       taskID,
		Origin:       task.OriginLocal,
		Op:           op,
		Payload:      payload,
		Fields:       fields,
		LocalVersion: version,
		CreatedAt:    ts(id),
	}
}

func TestCoalesce_LatestValuePerField(t *testing.T) {
	entries := []task.JournalEntry{
		entry(1, "t-1", task.OpUpdate,
			&task.Task{ID: "t-1", Title: "First", Notes: "keep me", UpdatedAt: ts(10)},
			[]string{task.FieldTitle, task.FieldNotes}, 2),
		entry(2, "t-1", task.OpUpdate,
			&task.Task{ID: "t-1", Title: "Second", UpdatedAt: ts(20)},
			[]string{task.FieldTitle}, 3),
	}

	got := Coalesce(entries)
	if len(got) != 1 {
		t.Fatalf("Coalesce() produced %d groups, want 1", len(got))
	}
	p := got[0]
	if p.Op != task.OpUpdate {
		t.Errorf("Op = %q, want update", p.Op)
	}
	if p.Task.Title != "Second" {
		t.Errorf("Title = %q, want latest value", p.Task.Title)
	}
	if p.Task.Notes != "keep me" {
		t.Errorf("Notes = %q, earlier field value was lost", p.Task.Notes)
	}
	if !reflect.DeepEqual(p.Fields, []string{task.FieldTitle, task.FieldNotes}) {
		t.Errorf("Fields = %v", p.Fields)
	}
	if p.LocalVersion != 3 {
		t.Errorf("LocalVersion = %d, want 3", p.LocalVersion)
	}
	if !reflect.DeepEqual(p.EntryIDs, []int64{1, 2}) {
		t.Errorf("EntryIDs = %v", p.EntryIDs)
	}
}

func TestCoalesce_OpPrecedence(t *testing.T) {
	tests := []struct {
		name        string
		ops         []task.Op
		wantOp      task.Op
		wantCreated bool
	}{
		{"create then updates", []task.Op{task.OpCreate, task.OpUpdate, task.OpUpdate}, task.OpCreate, true},
		{"updates only", []task.Op{task.OpUpdate, task.OpUpdate}, task.OpUpdate, false},
		{"update then delete", []task.Op{task.OpUpdate, task.OpDelete}, task.OpDelete, false},
		{"create then delete", []task.Op{task.OpCreate, task.OpDelete}, task.OpDelete, true},
		{"delete then nothing else wins", []task.Op{task.OpCreate, task.OpDelete, task.OpUpdate}, task.OpDelete, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []task.JournalEntry
			for i, op := range tt.ops {
				var payload *task.Task
				if op != task.OpDelete {
					payload = &task.Task{ID: "t-1", Title: "x", UpdatedAt: ts(int64(i))}
				}
				entries = append(entries, entry(int64(i+1), "t-1", op, payload, []string{task.FieldTitle}, int64(i+1)))
			}

			got := Coalesce(entries)
			if len(got) != 1 {
				t.Fatalf("groups = %d, want 1", len(got))
			}
			if got[0].Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", got[0].Op, tt.wantOp)
			}
			if got[0].Created != tt.wantCreated {
				t.Errorf("Created = %v, want %v", got[0].Created, tt.wantCreated)
			}
		})
	}
}

func TestCoalesce_PreservesTaskOrder(t *testing.T) {
	entries := []task.JournalEntry{
		entry(1, "t-b", task.OpUpdate, &task.Task{ID: "t-b", Title: "b"}, []string{task.FieldTitle}, 1),
		entry(2, "t-a", task.OpUpdate, &task.Task{ID: "t-a", Title: "a"}, []string{task.FieldTitle}, 1),
		entry(3, "t-b", task.OpUpdate, &task.Task{ID: "t-b", Title: "b2"}, []string{task.FieldTitle}, 2),
	}

	got := Coalesce(entries)
	if len(got) != 2 {
		t.Fatalf("groups = %d, want 2", len(got))
	}
	if got[0].TaskID != "t-b" || got[1].TaskID != "t-a" {
		t.Errorf("order = [%s %s], want first appearance order", got[0].TaskID, got[1].TaskID)
	}
}

func TestCoalesce_RetryStateTakesWorst(t *testing.T) {
	a := entry(1, "t-1", task.OpUpdate, &task.Task{ID: "t-1", Title: "x"}, []string{task.FieldTitle}, 1)
	a.Attempts = 3
	a.NextAttemptAt = ts(500)
	b := entry(2, "t-1", task.OpUpdate, &task.Task{ID: "t-1", Title: "y"}, []string{task.FieldTitle}, 2)
	b.Attempts = 1
	b.NextAttemptAt = ts(100)

	got := Coalesce([]task.JournalEntry{a, b})
	if got[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got[0].Attempts)
	}
	if !got[0].NextAttemptAt.Equal(ts(500)) {
		t.Errorf("NextAttemptAt = %v, want latest", got[0].NextAttemptAt)
	}
}

func TestCoalesce_DoesNotMutateInput(t *testing.T) {
	payload := &task.Task{ID: "t-1", Title: "original", UpdatedAt: ts(10)}
	entries := []task.JournalEntry{
		entry(1, "t-1", task.OpUpdate, payload, []string{task.FieldTitle}, 1),
		entry(2, "t-1", task.OpUpdate, &task.Task{ID: "t-1", Title: "changed", UpdatedAt: ts(20)}, []string{task.FieldTitle}, 2),
	}

	_ = Coalesce(entries)
	if payload.Title != "original" {
		t.Errorf("first payload mutated to %q", payload.Title)
	}
}

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10, Jitter: 0}

	prev := time.Duration(0)
	for attempts := 1; attempts <= 4; attempts++ {
		d := p.Delay(attempts)
		if d <= prev {
			t.Errorf("Delay(%d) = %v, not growing past %v", attempts, d, prev)
		}
		prev = d
	}
	if d := p.Delay(1); d != time.Second {
		t.Errorf("Delay(1) = %v, want base", d)
	}
	if d := p.Delay(20); d != 30*time.Second {
		t.Errorf("Delay(20) = %v, want cap", d)
	}
}

func TestPolicy_JitterStaysNearDelay(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Cap: time.Minute, Jitter: 0.1}

	p.Rand = func() float64 { return 0 } // full negative spread
	if d := p.Delay(1); d != 9*time.Second {
		t.Errorf("Delay with low jitter = %v, want 9s", d)
	}
	p.Rand = func() float64 { return 0.999999 } // full positive spread
	if d := p.Delay(1); d < 10*time.Second || d > 11*time.Second {
		t.Errorf("Delay with high jitter = %v, want within (10s, 11s]", d)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute, MaxAttempts: 3}

	if p.Exhausted(2) {
		t.Error("Exhausted(2) = true before the limit")
	}
	if !p.Exhausted(3) {
		t.Error("Exhausted(3) = false at the limit")
	}

	unlimited := Policy{Base: time.Second, Cap: time.Minute}
	if unlimited.Exhausted(100) {
		t.Error("zero MaxAttempts should never exhaust")
	}
}

func TestPolicy_NextAttempt(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Cap: time.Minute, Jitter: 0}
	now := ts(1000)

	if got := p.NextAttempt(now, 1); !got.Equal(now.Add(2 * time.Second)) {
		t.Errorf("NextAttempt = %v", got)
	}
}
