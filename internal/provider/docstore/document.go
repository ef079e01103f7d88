package docstore

import (
	"strings"
	"time"

	"github.com/tododesk/syncd/internal/task"
)

// fsDocument is the wire shape of one document: typed field values plus
// server-assigned name and updateTime.
type fsDocument struct {
	Name       string             `json:"name,omitempty"`
	Fields     map[string]fsValue `json:"fields"`
	UpdateTime string             `json:"updateTime,omitempty"`
}

type fsValue struct {
	StringValue    *string `json:"stringValue,omitempty"`
	BooleanValue   *bool   `json:"booleanValue,omitempty"`
	TimestampValue *string `json:"timestampValue,omitempty"`
	NullValue      *string `json:"nullValue,omitempty"`
}

func strVal(s string) fsValue { return fsValue{StringValue: &s} }

func boolVal(b bool) fsValue { return fsValue{BooleanValue: &b} }

func timeVal(t time.Time) fsValue {
	s := t.UTC().Format(time.RFC3339Nano)
	return fsValue{TimestampValue: &s}
}

func nullVal() fsValue {
	n := "NULL_VALUE"
	return fsValue{NullValue: &n}
}

// id returns the document id (last path segment of the resource name).
func (d *fsDocument) id() string {
	if d.Name == "" {
		return ""
	}
	parts := strings.Split(d.Name, "/")
	return parts[len(parts)-1]
}

func (d *fsDocument) updateTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, d.UpdateTime)
}

func (d *fsDocument) str(field string) string {
	if v, ok := d.Fields[field]; ok && v.StringValue != nil {
		return *v.StringValue
	}
	return ""
}

func (d *fsDocument) boolean(field string) bool {
	if v, ok := d.Fields[field]; ok && v.BooleanValue != nil {
		return *v.BooleanValue
	}
	return false
}

func (d *fsDocument) timestamp(field string) *time.Time {
	if v, ok := d.Fields[field]; ok && v.TimestampValue != nil {
		if t, err := time.Parse(time.RFC3339Nano, *v.TimestampValue); err == nil {
			return &t
		}
	}
	return nil
}

// taskToDoc maps canonical fields onto document fields. Field names follow
// the existing collection layout (title/notes/completed/flagged/deleted/
// dueAt/updatedAt).
func taskToDoc(t *task.Task) fsDocument {
	fields := map[string]fsValue{
		"title":     strVal(t.Title),
		"notes":     strVal(t.Notes),
		"completed": boolVal(t.Completed),
		"flagged":   boolVal(t.Flagged),
		"deleted":   boolVal(t.Deleted),
		"updatedAt": timeVal(t.UpdatedAt),
	}
	if t.DueAt != nil {
		fields["dueAt"] = timeVal(*t.DueAt)
	} else {
		fields["dueAt"] = nullVal()
	}
	return fsDocument{Fields: fields}
}

// toChange projects a document into a RemoteChange. A tombstoned document
// surfaces as a delete.
func (d *fsDocument) toChange() task.RemoteChange {
	updated, _ := d.updateTime()

	t := &task.Task{
		Title:     d.str("title"),
		Notes:     d.str("notes"),
		Completed: d.boolean("completed"),
		Flagged:   d.boolean("flagged"),
		Deleted:   d.boolean("deleted"),
		DueAt:     d.timestamp("dueAt"),
		UpdatedAt: updated,
	}
	// Prefer the origin clock recorded in the document over the server
	// write time, when present.
	if at := d.timestamp("updatedAt"); at != nil {
		t.UpdatedAt = *at
	}

	op := task.OpUpdate
	if t.Deleted {
		op = task.OpDelete
	}
	return task.RemoteChange{
		Provider: task.ProviderDocstore,
		RemoteID: d.id(),
		Etag:     d.UpdateTime,
		Op:       op,
		Task:     t,
	}
}
