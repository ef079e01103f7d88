package graphtasks

import (
	"time"

	"github.com/tododesk/syncd/internal/task"
)

const graphTimeLayout = "2006-01-02T15:04:05.9999999"

// graphTask is the wire shape of one To Do task.
type graphTask struct {
	ID            string `json:"id,omitempty"`
	Etag          string `json:"@odata.etag,omitempty"`
	Title         string `json:"title,omitempty"`
	Status        string `json:"status,omitempty"` // notStarted | completed
	Importance    string `json:"importance,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`

	Body *struct {
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	} `json:"body,omitempty"`

	DueDateTime *struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"dueDateTime,omitempty"`

	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`

	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

type graphPage struct {
	Value     []graphTask `json:"value"`
	NextLink  string      `json:"@odata.nextLink,omitempty"`
	DeltaLink string      `json:"@odata.deltaLink,omitempty"`
}

// taskToGraph maps canonical fields onto the Graph payload. The flagged
// bit rides on importance, which is the closest Graph notion.
func taskToGraph(t *task.Task, transactionID string) graphTask {
	g := graphTask{
		Title:         t.Title,
		Status:        "notStarted",
		Importance:    "normal",
		TransactionID: transactionID,
	}
	if t.Completed {
		g.Status = "completed"
	}
	if t.Flagged {
		g.Importance = "high"
	}
	if t.Notes != "" {
		g.Body = &struct {
			Content     string `json:"content"`
			ContentType string `json:"contentType"`
		}{Content: t.Notes, ContentType: "text"}
	}
	if t.DueAt != nil {
		g.DueDateTime = &struct {
			DateTime string `json:"dateTime"`
			TimeZone string `json:"timeZone"`
		}{DateTime: t.DueAt.UTC().Format(graphTimeLayout), TimeZone: "UTC"}
	}
	return g
}

// toChange projects one delta item into a RemoteChange.
func (g *graphTask) toChange() task.RemoteChange {
	if g.Removed != nil {
		return task.RemoteChange{
			Provider: task.ProviderGraphTasks,
			RemoteID: g.ID,
			Op:       task.OpDelete,
		}
	}

	t := &task.Task{
		Title:     g.Title,
		Completed: g.Status == "completed",
		Flagged:   g.Importance == "high",
	}
	if g.Body != nil {
		t.Notes = g.Body.Content
	}
	if g.DueDateTime != nil {
		if due, err := time.ParseInLocation(graphTimeLayout, g.DueDateTime.DateTime, time.UTC); err == nil {
			t.DueAt = &due
		}
	}
	if g.LastModifiedDateTime != "" {
		if at, err := time.Parse(time.RFC3339Nano, g.LastModifiedDateTime); err == nil {
			t.UpdatedAt = at
		}
	}

	return task.RemoteChange{
		Provider: task.ProviderGraphTasks,
		RemoteID: g.ID,
		Etag:     g.Etag,
		Op:       task.OpUpdate,
		Task:     t,
	}
}
