package task

import "time"

// Field names used for field-level diffing and merging. The version counter
// and bookkeeping timestamps are not mergeable fields.
const (
	FieldTitle     = "title"
	FieldNotes     = "notes"
	FieldDueAt     = "due_at"
	FieldCompleted = "completed"
	FieldFlagged   = "flagged"
	FieldDeleted   = "deleted"
)

// MergeableFields lists every field the reconciler merges independently,
// in a fixed order so diffs are deterministic.
func MergeableFields() []string {
	return []string{FieldTitle, FieldNotes, FieldDueAt, FieldCompleted, FieldFlagged, FieldDeleted}
}

// Diff returns the names of mergeable fields whose values differ between
// a and b, in MergeableFields order. A nil task is treated as the zero task.
func Diff(a, b *Task) []string {
	if a == nil {
		a = &Task{}
	}
	if b == nil {
		b = &Task{}
	}
	var fields []string
	if a.Title != b.Title {
		fields = append(fields, FieldTitle)
	}
	if a.Notes != b.Notes {
		fields = append(fields, FieldNotes)
	}
	if !timePtrEqual(a.DueAt, b.DueAt) {
		fields = append(fields, FieldDueAt)
	}
	if a.Completed != b.Completed {
		fields = append(fields, FieldCompleted)
	}
	if a.Flagged != b.Flagged {
		fields = append(fields, FieldFlagged)
	}
	if a.Deleted != b.Deleted {
		fields = append(fields, FieldDeleted)
	}
	return fields
}

// ApplyFields copies the named fields from src onto dst.
// Unknown field names are ignored.
func ApplyFields(dst, src *Task, fields []string) {
	for _, f := range fields {
		switch f {
		case FieldTitle:
			dst.Title = src.Title
		case FieldNotes:
			dst.Notes = src.Notes
		case FieldDueAt:
			if src.DueAt != nil {
				due := *src.DueAt
				dst.DueAt = &due
			} else {
				dst.DueAt = nil
			}
		case FieldCompleted:
			dst.Completed = src.Completed
		case FieldFlagged:
			dst.Flagged = src.Flagged
		case FieldDeleted:
			dst.Deleted = src.Deleted
		}
	}
}

// Equal reports whether a and b agree on all mergeable fields.
func Equal(a, b *Task) bool {
	return len(Diff(a, b)) == 0
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
