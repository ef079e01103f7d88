package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tododesk/syncd/internal/journal"
	"github.com/tododesk/syncd/internal/provider"
	"github.com/tododesk/syncd/internal/reconcile"
	"github.com/tododesk/syncd/internal/store"
	"github.com/tododesk/syncd/internal/task"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// fakeClient is an in-memory provider client. It serves one delta batch
// per cycle and records every push.
type fakeClient struct {
	p task.Provider

	mu       sync.Mutex
	delta    []task.RemoteChange
	cursor   string
	fetchErr error
	pushErr  error
	pushed   []task.PushOp
	seq      int
}

func newFakeClient(p task.Provider) *fakeClient {
	return &fakeClient{p: p, cursor: "c1"}
}

func (f *fakeClient) Provider() task.Provider { return f.p }

func (f *fakeClient) FetchDelta(ctx context.Context, cursor string) ([]task.RemoteChange, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, "", f.fetchErr
	}
	changes := f.delta
	f.delta = nil
	return changes, f.cursor, nil
}

func (f *fakeClient) Push(ctx context.Context, op task.PushOp) (task.RemoteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return task.RemoteResult{}, f.pushErr
	}
	f.pushed = append(f.pushed, op)
	f.seq++
	id := op.RemoteID
	if id == "" {
		id = fmt.Sprintf("%s-%d", f.p, f.seq)
	}
	return task.RemoteResult{RemoteID: id, Etag: fmt.Sprintf("e%d", f.seq)}, nil
}

func (f *fakeClient) HealthCheck(ctx context.Context) bool { return true }

func (f *fakeClient) serve(changes ...task.RemoteChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delta = append(f.delta, changes...)
}

func (f *fakeClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func (f *fakeClient) lastPush() task.PushOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed[len(f.pushed)-1]
}

type fixture struct {
	db    *store.DB
	doc   *fakeClient
	graph *fakeClient
	eng   *Engine
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	fx := &fixture{
		db:    db,
		doc:   newFakeClient(task.ProviderDocstore),
		graph: newFakeClient(task.ProviderGraphTasks),
		clock: ts(1000),
	}

	ids := 0
	eng, err := New(Config{
		Store:      db,
		Clients:    []provider.Client{fx.graph, fx.doc},
		Merge:      reconcile.Config{SkewWindow: 5 * time.Second},
		Retry:      journal.Policy{Base: time.Second, Cap: time.Minute, MaxAttempts: 3, Jitter: 0},
		PurgeAfter: time.Hour,
		Now:        func() time.Time { return fx.clock },
		NewID:      func() string { ids++; return fmt.Sprintf("t-%d", ids) },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	fx.eng = eng
	return fx
}

func (fx *fixture) advance(d time.Duration) { fx.clock = fx.clock.Add(d) }

func (fx *fixture) localCreate(t *testing.T, id, title string) *task.Task {
	t.Helper()
	tk := &task.Task{ID: id, Title: title, UpdatedAt: fx.clock}
	if _, err := fx.db.UpsertLocal(tk); err != nil {
		t.Fatalf("UpsertLocal() failed: %v", err)
	}
	return tk
}

func (fx *fixture) run(t *testing.T) *CycleResult {
	t.Helper()
	res, err := fx.eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	return res
}

func remoteUpdate(p task.Provider, remoteID, etag string, tk *task.Task) task.RemoteChange {
	return task.RemoteChange{Provider: p, RemoteID: remoteID, Etag: etag, Op: task.OpUpdate, Task: tk}
}

func TestRunCycle_PushesLocalCreateToBothProviders(t *testing.T) {
	fx := newFixture(t)
	fx.localCreate(t, "t-local", "Buy milk")

	res := fx.run(t)
	if res.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", res.Pushed)
	}
	if fx.doc.pushCount() != 1 || fx.graph.pushCount() != 1 {
		t.Fatalf("push counts doc=%d graph=%d, want 1 each", fx.doc.pushCount(), fx.graph.pushCount())
	}
	if op := fx.doc.lastPush(); op.Op != task.OpCreate || op.IdempotencyKey != "t-local" {
		t.Errorf("doc push = %+v", op)
	}

	for _, p := range task.Providers() {
		link, err := fx.db.GetLink(context.Background(), "t-local", p)
		if err != nil {
			t.Fatalf("GetLink(%s) failed: %v", p, err)
		}
		if link.RemoteID == "" || link.Etag == "" || link.Shadow == nil {
			t.Errorf("link for %s incomplete: %+v", p, link)
		}
	}

	if n, _ := fx.db.PendingJournalCount(context.Background()); n != 0 {
		t.Errorf("pending journal = %d after successful push", n)
	}

	// A second cycle has nothing left to do.
	fx.run(t)
	if fx.doc.pushCount() != 1 {
		t.Errorf("second cycle re-pushed an in-sync task")
	}
}

func TestRunCycle_AppliesRemoteCreateAndPropagates(t *testing.T) {
	fx := newFixture(t)
	fx.doc.serve(remoteUpdate(task.ProviderDocstore, "doc-9", "v1",
		&task.Task{Title: "From docstore", UpdatedAt: ts(900)}))

	res := fx.run(t)
	if res.Applied != 1 {
		t.Errorf("Applied = %d, want 1", res.Applied)
	}

	id, err := fx.db.ResolveRemoteID(context.Background(), task.ProviderDocstore, "doc-9")
	if err != nil {
		t.Fatalf("ResolveRemoteID() failed: %v", err)
	}
	got, err := fx.db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "From docstore" {
		t.Errorf("Title = %q", got.Title)
	}

	// The origin provider already holds the task; only graph gets a push.
	if fx.doc.pushCount() != 0 {
		t.Errorf("pushed back to origin provider %d times", fx.doc.pushCount())
	}
	if fx.graph.pushCount() != 1 {
		t.Fatalf("graph push count = %d, want 1", fx.graph.pushCount())
	}
	if op := fx.graph.lastPush(); op.Op != task.OpCreate || op.Task.Title != "From docstore" {
		t.Errorf("graph push = %+v", op)
	}
}

func TestRunCycle_RemoteEditPropagatesToOtherProvider(t *testing.T) {
	fx := newFixture(t)
	fx.localCreate(t, "t-1", "Draft")
	fx.run(t) // establish links on both providers

	link, err := fx.db.GetLink(context.Background(), "t-1", task.ProviderDocstore)
	if err != nil {
		t.Fatal(err)
	}
	remote := link.Shadow.Clone()
	remote.Title = "Draft v2"
	remote.UpdatedAt = ts(2000)
	fx.clock = ts(2000)
	fx.doc.serve(remoteUpdate(task.ProviderDocstore, link.RemoteID, "v2", remote))

	docPushes := fx.doc.pushCount()
	fx.run(t)

	got, err := fx.db.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Draft v2" {
		t.Errorf("Title = %q, want remote edit applied", got.Title)
	}

	// The edit reaches graph without echoing back to its origin.
	if fx.doc.pushCount() != docPushes {
		t.Errorf("edit echoed back to docstore")
	}
	if fx.graph.pushCount() != 2 {
		t.Fatalf("graph push count = %d, want create plus edit", fx.graph.pushCount())
	}
	if op := fx.graph.lastPush(); op.Op != task.OpUpdate || op.Task.Title != "Draft v2" {
		t.Errorf("graph push = %+v", op)
	}
	if n, _ := fx.db.PendingJournalCount(context.Background()); n != 0 {
		t.Errorf("pending journal = %d after propagation", n)
	}
}

func TestRunCycle_DuplicateDeliveryIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	change := remoteUpdate(task.ProviderDocstore, "doc-1", "v1",
		&task.Task{Title: "Once", UpdatedAt: ts(900)})

	fx.doc.serve(change)
	fx.run(t)
	fx.doc.serve(change)
	res := fx.run(t)

	if res.Applied != 0 {
		t.Errorf("Applied = %d on duplicate delivery, want 0", res.Applied)
	}
	tasks, err := fx.db.ListTasks(store.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestRunCycle_CursorAdvancesAfterConsumption(t *testing.T) {
	fx := newFixture(t)
	fx.doc.cursor = "doc-cursor-2"
	fx.doc.serve(remoteUpdate(task.ProviderDocstore, "doc-1", "v1",
		&task.Task{Title: "x", UpdatedAt: ts(900)}))

	fx.run(t)
	got, err := fx.db.GetCursor(context.Background(), task.ProviderDocstore)
	if err != nil {
		t.Fatal(err)
	}
	if got != "doc-cursor-2" {
		t.Errorf("cursor = %q, want doc-cursor-2", got)
	}
}

func TestRunCycle_ProviderFailureIsIsolated(t *testing.T) {
	fx := newFixture(t)
	fx.graph.fetchErr = &provider.UnavailableError{Status: 503}
	fx.graph.pushErr = &provider.UnavailableError{Status: 503}
	fx.doc.serve(remoteUpdate(task.ProviderDocstore, "doc-1", "v1",
		&task.Task{Title: "Still flows", UpdatedAt: ts(900)}))
	fx.localCreate(t, "t-local", "Local edit")

	res := fx.run(t)
	if res.Applied != 1 {
		t.Errorf("Applied = %d, docstore work blocked by graph failure", res.Applied)
	}
	if fx.doc.pushCount() == 0 {
		t.Error("local change never reached the healthy provider")
	}
	if _, ok := res.ProviderErrors[task.ProviderGraphTasks]; !ok {
		t.Error("graph failure not surfaced in result")
	}

	// Graph cursor stays put, docstore's advances.
	if c, _ := fx.db.GetCursor(context.Background(), task.ProviderGraphTasks); c != "" {
		t.Errorf("graph cursor = %q, want untouched", c)
	}
	if c, _ := fx.db.GetCursor(context.Background(), task.ProviderDocstore); c == "" {
		t.Error("docstore cursor did not advance")
	}

	// The journal still holds work for the failed provider.
	if n, _ := fx.db.PendingJournalCount(context.Background()); n == 0 {
		t.Error("journal retired despite a failed provider")
	}
}

func TestRunCycle_RetryBoundGoesTerminal(t *testing.T) {
	fx := newFixture(t)
	fx.doc.pushErr = &provider.UnavailableError{Status: 500}
	fx.graph.pushErr = &provider.UnavailableError{Status: 500}
	fx.localCreate(t, "t-1", "Doomed")

	for i := 0; i < 3; i++ {
		fx.run(t)
		fx.advance(10 * time.Minute)
	}

	terminal, err := fx.db.TerminalJournalEntries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(terminal) == 0 {
		t.Fatal("entry never went terminal after max attempts")
	}

	// Terminal entries are excluded from all future cycles.
	fx.doc.pushErr = nil
	fx.graph.pushErr = nil
	fx.run(t)
	if fx.doc.pushCount() != 0 {
		t.Error("terminal entry was retried")
	}
}

func TestRunCycle_RejectedGoesTerminalImmediately(t *testing.T) {
	fx := newFixture(t)
	fx.doc.pushErr = &provider.RejectedError{Status: 422, Message: "bad payload"}
	fx.graph.pushErr = &provider.RejectedError{Status: 422, Message: "bad payload"}
	fx.localCreate(t, "t-1", "Rejected")

	res := fx.run(t)
	if res.Terminal == 0 {
		t.Error("rejected push did not mark entries terminal")
	}
	terminal, _ := fx.db.TerminalJournalEntries(context.Background())
	if len(terminal) != 1 {
		t.Errorf("terminal entries = %d, want 1", len(terminal))
	}
}

func TestRunCycle_AuthExpiryGoesTerminal(t *testing.T) {
	fx := newFixture(t)
	fx.doc.pushErr = provider.ErrAuthExpired
	fx.graph.pushErr = provider.ErrAuthExpired
	fx.localCreate(t, "t-1", "Locked out")

	res := fx.run(t)
	if res.Terminal == 0 {
		t.Error("auth-expired push did not mark entries terminal")
	}
	terminal, _ := fx.db.TerminalJournalEntries(context.Background())
	if len(terminal) != 1 {
		t.Errorf("terminal entries = %d, want 1", len(terminal))
	}

	// The clients already retried once with a refreshed token before
	// surfacing the error; the engine must not keep backing off.
	fx.doc.pushErr = nil
	fx.graph.pushErr = nil
	fx.advance(10 * time.Minute)
	fx.run(t)
	if fx.doc.pushCount() != 0 {
		t.Error("auth-expired entry was retried")
	}
}

func TestRunCycle_RemoteDeletePropagates(t *testing.T) {
	fx := newFixture(t)
	fx.localCreate(t, "t-1", "Shared")
	fx.run(t) // establish links on both providers

	link, err := fx.db.GetLink(context.Background(), "t-1", task.ProviderDocstore)
	if err != nil {
		t.Fatal(err)
	}
	fx.doc.serve(task.RemoteChange{Provider: task.ProviderDocstore, RemoteID: link.RemoteID, Op: task.OpDelete})

	graphPushes := fx.graph.pushCount()
	fx.run(t)

	got, err := fx.db.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted {
		t.Error("remote delete did not tombstone the local row")
	}
	if fx.graph.pushCount() != graphPushes+1 {
		t.Fatalf("graph push count = %d, want one delete push", fx.graph.pushCount())
	}
	if op := fx.graph.lastPush(); op.Op != task.OpDelete {
		t.Errorf("graph push op = %q, want delete", op.Op)
	}

	// After the retention window, the tombstone is purged.
	fx.advance(2 * time.Hour)
	fx.run(t)
	if _, err := fx.db.GetTask("t-1"); err != store.ErrNotFound {
		t.Errorf("GetTask() after purge = %v, want ErrNotFound", err)
	}
}

func TestRunCycle_ConcurrentEditsMerge(t *testing.T) {
	fx := newFixture(t)
	fx.localCreate(t, "t-1", "Buy milk v1")
	fx.run(t)

	// Local renames, graph independently completes.
	fx.clock = ts(2000)
	tk, _ := fx.db.GetTask("t-1")
	tk.Title = "Buy milk v2"
	tk.UpdatedAt = fx.clock
	if _, err := fx.db.UpsertLocal(tk); err != nil {
		t.Fatal(err)
	}

	link, err := fx.db.GetLink(context.Background(), "t-1", task.ProviderGraphTasks)
	if err != nil {
		t.Fatal(err)
	}
	remote := link.Shadow.Clone()
	remote.Completed = true
	remote.UpdatedAt = ts(2001)
	fx.graph.serve(remoteUpdate(task.ProviderGraphTasks, link.RemoteID, "v2", remote))

	res := fx.run(t)
	if res.Conflicts != 0 {
		t.Errorf("Conflicts = %d, non-overlapping merge needs no record", res.Conflicts)
	}

	got, err := fx.db.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Buy milk v2" || !got.Completed {
		t.Errorf("merged task = %+v, want local title and remote completion", got)
	}

	// Both providers end the cycle holding the merged state.
	if op := fx.doc.lastPush(); op.Task.Title != "Buy milk v2" || !op.Task.Completed {
		t.Errorf("doc push = %+v", op.Task)
	}
}

func TestRunCycle_OverlapWritesConflictRecord(t *testing.T) {
	fx := newFixture(t)
	fx.localCreate(t, "t-1", "Original")
	fx.run(t)

	fx.clock = ts(2000)
	tk, _ := fx.db.GetTask("t-1")
	tk.Title = "Local rename"
	tk.UpdatedAt = fx.clock
	if _, err := fx.db.UpsertLocal(tk); err != nil {
		t.Fatal(err)
	}

	link, _ := fx.db.GetLink(context.Background(), "t-1", task.ProviderDocstore)
	remote := link.Shadow.Clone()
	remote.Title = "Remote rename"
	remote.UpdatedAt = ts(2100) // clearly newer
	fx.doc.serve(remoteUpdate(task.ProviderDocstore, link.RemoteID, "v2", remote))

	res := fx.run(t)
	if res.Conflicts != 1 {
		t.Fatalf("Conflicts = %d, want 1", res.Conflicts)
	}

	got, _ := fx.db.GetTask("t-1")
	if got.Title != "Remote rename" {
		t.Errorf("Title = %q, want newer writer", got.Title)
	}

	records, err := fx.db.ListConflicts(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	rec := records[0]
	if rec.Resolution != task.ResolutionLastWriterWins || !rec.Resolved {
		t.Errorf("record = %+v", rec)
	}
	if rec.Local.Title != "Local rename" || rec.Remote.Title != "Remote rename" {
		t.Error("record does not retain both snapshots")
	}
}

func TestRunCycle_CrossProviderTieKeepsPriorityValue(t *testing.T) {
	fx := newFixture(t)
	fx.localCreate(t, "t-1", "Original")
	fx.run(t)

	docLink, err := fx.db.GetLink(context.Background(), "t-1", task.ProviderDocstore)
	if err != nil {
		t.Fatal(err)
	}
	graphLink, err := fx.db.GetLink(context.Background(), "t-1", task.ProviderGraphTasks)
	if err != nil {
		t.Fatal(err)
	}

	// Both providers rename the task with identical timestamps.
	fx.clock = ts(2000)
	docEdit := docLink.Shadow.Clone()
	docEdit.Title = "Docstore rename"
	docEdit.UpdatedAt = ts(2000)
	fx.doc.serve(remoteUpdate(task.ProviderDocstore, docLink.RemoteID, "v2", docEdit))

	graphEdit := graphLink.Shadow.Clone()
	graphEdit.Title = "Graph rename"
	graphEdit.UpdatedAt = ts(2000)
	fx.graph.serve(remoteUpdate(task.ProviderGraphTasks, graphLink.RemoteID, "v2", graphEdit))

	res := fx.run(t)
	if res.Conflicts != 1 {
		t.Fatalf("Conflicts = %d, want 1", res.Conflicts)
	}

	// A timestamp tie goes to the higher-priority provider.
	got, err := fx.db.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Docstore rename" {
		t.Errorf("Title = %q, want docstore value on a tie", got.Title)
	}

	// Graph ends the cycle holding the winning value; nothing echoes
	// back to docstore.
	if op := fx.graph.lastPush(); op.Op != task.OpUpdate || op.Task.Title != "Docstore rename" {
		t.Errorf("graph push = %+v", op)
	}
	if fx.doc.pushCount() != 1 {
		t.Errorf("doc push count = %d, want the initial create only", fx.doc.pushCount())
	}

	records, err := fx.db.ListConflicts(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.RemoteOrigin != task.OriginGraphTasks || rec.Resolution != task.ResolutionLastWriterWins {
		t.Errorf("record = %+v", rec)
	}
	if rec.Local.Title != "Docstore rename" || rec.Remote.Title != "Graph rename" {
		t.Error("record does not retain both sides of the tie")
	}
}

func TestRunCycle_RateLimitPausesOneProvider(t *testing.T) {
	fx := newFixture(t)
	fx.graph.pushErr = &provider.RateLimitedError{RetryAfter: time.Minute}
	fx.localCreate(t, "t-1", "First")
	fx.localCreate(t, "t-2", "Second")

	fx.run(t)
	// Graph got at most one push before being paused; docstore got both.
	if fx.graph.pushCount() > 1 {
		t.Errorf("graph pushes = %d after rate limit, want at most 1", fx.graph.pushCount())
	}
	if fx.doc.pushCount() != 2 {
		t.Errorf("doc pushes = %d, want 2", fx.doc.pushCount())
	}
}
