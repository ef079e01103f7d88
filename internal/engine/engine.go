// Package engine runs sync cycles: fetch deltas from every provider,
// reconcile them against local state, dispatch pending local changes,
// and retire the journal as work is confirmed.
//
// A cycle is structured so that every failure mode degrades safely.
// Provider failures are isolated to that provider; storage failures
// abort the whole cycle with the journal untouched; cursors advance only
// after a provider's delta was durably consumed. All mutations to one
// task are serialized within a cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tododesk/syncd/internal/journal"
	"github.com/tododesk/syncd/internal/provider"
	"github.com/tododesk/syncd/internal/reconcile"
	"github.com/tododesk/syncd/internal/store"
	"github.com/tododesk/syncd/internal/task"
)

// Config holds configuration for the sync engine.
type Config struct {
	// Store is the local database. Required.
	Store *store.DB

	// Clients are the provider clients to sync against. Required.
	Clients []provider.Client

	// Merge configures the conflict-resolution policy.
	Merge reconcile.Config

	// Retry is the journal retry policy.
	Retry journal.Policy

	// BatchSize caps how many journal entries one cycle dispatches.
	// Defaults to 100.
	BatchSize int

	// PurgeAfter is how long confirmed tombstones are retained before
	// hard removal. Defaults to 24h.
	PurgeAfter time.Duration

	// Logger defaults to a stderr logger.
	Logger *log.Logger

	// Now overrides the clock in tests.
	Now func() time.Time

	// NewID overrides canonical id generation in tests.
	NewID func() string
}

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// Applied counts remote changes written to the local store.
	Applied int

	// Pushed counts journal groups fully dispatched and retired.
	Pushed int

	// Conflicts counts conflict records written this cycle.
	Conflicts int

	// Terminal counts journal entries newly marked terminal-failure.
	Terminal int

	// ProviderErrors holds the failure, if any, that stopped each
	// provider's work this cycle. An entry here never aborts the cycle.
	ProviderErrors map[task.Provider]error
}

// Failed reports whether any provider made no progress.
func (r *CycleResult) Failed() bool {
	return len(r.ProviderErrors) > 0
}

// Engine executes sync cycles against the local store and providers.
type Engine struct {
	db         *store.DB
	clients    []provider.Client
	rec        *reconcile.Reconciler
	retry      journal.Policy
	batchSize  int
	purgeAfter time.Duration
	logger     *log.Logger
	now        func() time.Time
	newID      func() string

	mu sync.Mutex // one cycle at a time
}

// New creates a sync engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(cfg.Clients) == 0 {
		return nil, fmt.Errorf("at least one provider client is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 24 * time.Hour
	}
	if cfg.Retry.Base == 0 && cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = journal.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	// Clients ordered by provider priority so higher-priority deltas
	// land first and win timestamp ties downstream.
	ordered := make([]provider.Client, 0, len(cfg.Clients))
	for _, p := range task.Providers() {
		for _, c := range cfg.Clients {
			if c.Provider() == p {
				ordered = append(ordered, c)
			}
		}
	}
	if len(ordered) != len(cfg.Clients) {
		return nil, fmt.Errorf("client with unknown provider")
	}

	return &Engine{
		db:         cfg.Store,
		clients:    ordered,
		rec:        reconcile.New(cfg.Merge),
		retry:      cfg.Retry,
		batchSize:  cfg.BatchSize,
		purgeAfter: cfg.PurgeAfter,
		logger:     cfg.Logger,
		now:        cfg.Now,
		newID:      cfg.NewID,
	}, nil
}

type fetchResult struct {
	changes []task.RemoteChange
	cursor  string
	err     error
}

// RunCycle executes one full sync cycle. The returned error is non-nil
// only for cycle-level failures (storage unavailable, context canceled);
// provider-scoped failures land in CycleResult.ProviderErrors instead.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &CycleResult{
		StartedAt:      e.now(),
		ProviderErrors: make(map[task.Provider]error),
	}
	defer func() { res.FinishedAt = e.now() }()

	fetches, err := e.fetchAll(ctx)
	if err != nil {
		return res, err
	}

	paused := make(map[task.Provider]bool)
	for p, f := range fetches {
		if f.err != nil {
			e.logger.Printf("fetch from %s failed: %v", p, f.err)
			res.ProviderErrors[p] = f.err
			paused[p] = true
		}
	}

	// Apply remote changes in provider priority order, one task at a
	// time. The cursor moves only once every change from that provider
	// is durably in the store.
	for _, client := range e.clients {
		p := client.Provider()
		f := fetches[p]
		if f == nil || f.err != nil {
			continue
		}
		if err := e.applyProvider(ctx, p, f, res); err != nil {
			if store.IsUnavailable(err) || ctx.Err() != nil {
				return res, err
			}
			e.logger.Printf("applying %s changes failed: %v", p, err)
			res.ProviderErrors[p] = err
			paused[p] = true
			continue
		}
		if err := e.db.SetCursor(ctx, p, f.cursor, e.now()); err != nil {
			return res, err
		}
	}

	if err := e.dispatch(ctx, paused, res); err != nil {
		return res, err
	}

	if err := e.purgeTombstones(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// fetchAll pulls deltas from every provider concurrently. Only cursor
// reads can fail the whole cycle; fetch errors stay per-provider.
func (e *Engine) fetchAll(ctx context.Context) (map[task.Provider]*fetchResult, error) {
	results := make(map[task.Provider]*fetchResult, len(e.clients))
	cursors := make(map[task.Provider]string, len(e.clients))
	for _, client := range e.clients {
		p := client.Provider()
		cursor, err := e.db.GetCursor(ctx, p)
		if err != nil {
			return nil, err
		}
		cursors[p] = cursor
		results[p] = &fetchResult{}
	}

	var wg sync.WaitGroup
	for _, client := range e.clients {
		wg.Add(1)
		go func(c provider.Client) {
			defer wg.Done()
			p := c.Provider()
			changes, next, err := c.FetchDelta(ctx, cursors[p])
			results[p].changes = changes
			results[p].cursor = next
			results[p].err = err
		}(client)
	}
	wg.Wait()
	return results, nil
}

func (e *Engine) applyProvider(ctx context.Context, p task.Provider, f *fetchResult, res *CycleResult) error {
	for i := range f.changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.applyChange(ctx, p, f.changes[i], res); err != nil {
			return err
		}
	}
	return nil
}

// applyChange reconciles one remote change against local state and
// executes the outcome.
func (e *Engine) applyChange(ctx context.Context, p task.Provider, ch task.RemoteChange, res *CycleResult) error {
	taskID, err := e.db.ResolveRemoteID(ctx, p, ch.RemoteID)
	isNew := false
	switch {
	case err == store.ErrNotFound:
		if ch.Op == task.OpDelete {
			// Delete of a task we never linked.
			return nil
		}
		isNew = true
		taskID = e.newID()
	case err != nil:
		return err
	}

	var current *task.Task
	var link *task.Link
	if !isNew {
		current, err = e.db.GetTaskContext(ctx, taskID)
		if err == store.ErrNotFound {
			current = nil
		} else if err != nil {
			return err
		}
		link, err = e.db.GetLink(ctx, taskID, p)
		if err == store.ErrNotFound {
			link = nil
		} else if err != nil {
			return err
		}
	}

	remote := &reconcile.Remote{Change: &ch}
	if ch.Op != task.OpDelete {
		snap := ch.Task.Clone()
		snap.ID = taskID
		if current != nil {
			snap.CreatedAt = current.CreatedAt
		} else if snap.CreatedAt.IsZero() {
			snap.CreatedAt = snap.UpdatedAt
		}
		withSnap := ch
		withSnap.Task = snap
		remote.Change = &withSnap

		var shadow *task.Task
		if link != nil {
			shadow = link.Shadow
		}
		remote.Fields = task.Diff(shadow, snap)
	}

	var pending *journal.Pending
	if !isNew {
		entries, err := e.db.PendingJournalForTask(ctx, taskID)
		if err != nil {
			return err
		}
		if groups := journal.Coalesce(derefEntries(entries)); len(groups) > 0 {
			pending = &groups[0]
		}
	}

	out := e.rec.Resolve(current, pending, remote)
	if out.State == reconcile.StateUnchanged {
		return nil
	}

	if out.Delete {
		if out.ApplyLocal {
			if err := e.db.SoftDeleteContext(ctx, taskID, e.now()); err != nil && err != store.ErrNotFound {
				return err
			}
		}
		if ch.Op == task.OpDelete {
			if err := e.db.ConfirmLinkDelete(ctx, taskID, p); err != nil {
				return err
			}
		}
		// A remote delete discards competing local edit entries; the
		// soft-delete journaled its own entry for propagation. A local
		// delete keeps its entry so dispatch can push the tombstone.
		if ch.Op == task.OpDelete && pending != nil && pending.Op != task.OpDelete {
			if err := e.db.RetireJournal(ctx, pending.EntryIDs...); err != nil {
				return err
			}
		}
	} else {
		if out.ApplyLocal {
			if err := e.db.ApplyRemoteContext(ctx, out.Task); err != nil {
				return err
			}
			res.Applied++
		}
		l := task.Link{
			TaskID:   taskID,
			Provider: p,
			RemoteID: ch.RemoteID,
			Etag:     ch.Etag,
			Shadow:   remote.Change.Task.Clone(),
		}
		if err := e.db.SetLink(ctx, l); err != nil {
			return err
		}
		if out.Push && pending == nil {
			// A remote create or edit still has to reach the other
			// provider; journal it so dispatch picks it up. When a
			// pending group exists its entries already cover the push.
			op := task.OpUpdate
			ver := int64(1)
			if isNew {
				op = task.OpCreate
			}
			if current != nil {
				ver = current.Version + 1
			}
			entry := &task.JournalEntry{
				TaskID:        taskID,
				Origin:        task.FromProvider(p),
				Op:            op,
				Payload:       out.Task.Clone(),
				Fields:        remote.Fields,
				LocalVersion:  ver,
				NextAttemptAt: e.now(),
				CreatedAt:     e.now(),
			}
			if err := e.db.AppendJournalContext(ctx, entry); err != nil {
				return err
			}
		}
	}

	if out.Conflict != nil {
		out.Conflict.TaskID = taskID
		out.Conflict.CreatedAt = e.now()
		if _, err := e.db.AppendConflict(ctx, out.Conflict); err != nil {
			return err
		}
		res.Conflicts++
		e.logger.Printf("conflict on task %s auto-resolved (%s, fields %v)",
			taskID, out.Conflict.Resolution, out.Conflict.Fields)
	}
	return nil
}

// dispatch pushes eligible journal groups to every non-paused provider.
func (e *Engine) dispatch(ctx context.Context, paused map[task.Provider]bool, res *CycleResult) error {
	entries, err := e.db.NextJournalBatch(ctx, e.batchSize, e.now())
	if err != nil {
		return err
	}
	groups := journal.Coalesce(derefEntries(entries))

	for i := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.dispatchGroup(ctx, &groups[i], paused, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchGroup(ctx context.Context, g *journal.Pending, paused map[task.Provider]bool, res *CycleResult) error {
	current, err := e.db.GetTaskContext(ctx, g.TaskID)
	if err == store.ErrNotFound {
		// Task purged underneath the journal; nothing left to push.
		return e.db.RetireJournal(ctx, g.EntryIDs...)
	}
	if err != nil {
		return err
	}

	allDone := true
	failed := false
	rejected := false

	for _, client := range e.clients {
		p := client.Provider()
		if paused[p] {
			allDone = false
			continue
		}

		link, err := e.db.GetLink(ctx, g.TaskID, p)
		if err == store.ErrNotFound {
			link = nil
		} else if err != nil {
			return err
		}

		if g.Op == task.OpDelete || current.Deleted {
			if link == nil || link.DeleteConfirmed {
				continue
			}
			_, perr := client.Push(ctx, task.PushOp{
				Provider: p,
				Op:       task.OpDelete,
				RemoteID: link.RemoteID,
				Etag:     link.Etag,
			})
			if perr != nil {
				allDone = false
				if isTerminal(perr) {
					rejected = true
				} else {
					failed = true
				}
				e.notePushError(p, g.TaskID, perr, paused, res)
				continue
			}
			if err := e.db.ConfirmLinkDelete(ctx, g.TaskID, p); err != nil {
				return err
			}
			continue
		}

		// Skip providers that already hold this exact state.
		if link != nil && link.Shadow != nil && len(task.Diff(link.Shadow, current)) == 0 {
			continue
		}

		op := task.OpCreate
		var remoteID, etag string
		if link != nil {
			op = task.OpUpdate
			remoteID = link.RemoteID
			etag = link.Etag
		}

		result, perr := client.Push(ctx, task.PushOp{
			Provider:       p,
			Op:             op,
			RemoteID:       remoteID,
			Etag:           etag,
			Task:           current.Clone(),
			IdempotencyKey: g.TaskID,
		})
		if perr != nil {
			allDone = false
			if isTerminal(perr) {
				rejected = true
			} else {
				failed = true
			}
			e.notePushError(p, g.TaskID, perr, paused, res)
			continue
		}

		l := task.Link{
			TaskID:   g.TaskID,
			Provider: p,
			RemoteID: result.RemoteID,
			Etag:     result.Etag,
			Shadow:   current.Clone(),
		}
		if err := e.db.SetLink(ctx, l); err != nil {
			return err
		}
	}

	switch {
	case allDone:
		if err := e.db.RetireJournal(ctx, g.EntryIDs...); err != nil {
			return err
		}
		res.Pushed++
	case rejected:
		if err := e.db.MarkJournalTerminal(ctx, g.EntryIDs...); err != nil {
			return err
		}
		res.Terminal += len(g.EntryIDs)
		e.logger.Printf("task %s push rejected, journal entries marked terminal", g.TaskID)
	case failed:
		attempts := g.Attempts + 1
		if e.retry.Exhausted(attempts) {
			if err := e.db.MarkJournalTerminal(ctx, g.EntryIDs...); err != nil {
				return err
			}
			res.Terminal += len(g.EntryIDs)
			e.logger.Printf("task %s exhausted %d push attempts, giving up", g.TaskID, attempts)
		} else {
			next := e.retry.NextAttempt(e.now(), attempts)
			if err := e.db.BumpJournalAttempt(ctx, next, g.EntryIDs...); err != nil {
				return err
			}
		}
	}
	return nil
}

// notePushError records a push failure and pauses the provider for the
// rest of the cycle when the failure is provider-wide.
func (e *Engine) notePushError(p task.Provider, taskID string, err error, paused map[task.Provider]bool, res *CycleResult) {
	e.logger.Printf("push of task %s to %s failed: %v", taskID, p, err)
	if _, limited := provider.RetryAfter(err); limited || provider.IsRetryable(err) {
		paused[p] = true
	}
	if _, seen := res.ProviderErrors[p]; !seen {
		res.ProviderErrors[p] = err
	}
}

// isTerminal reports whether a push error can never succeed on retry.
// Auth expiry surfaces only after the client already retried with a
// refreshed token, so backing off would not heal it.
func isTerminal(err error) bool {
	if errors.Is(err, provider.ErrAuthExpired) {
		return true
	}
	return provider.IsRejected(err) && !provider.IsRetryable(err)
}

func (e *Engine) purgeTombstones(ctx context.Context) error {
	ids, err := e.db.PurgeEligible(ctx, e.now().Add(-e.purgeAfter))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.db.PurgeContext(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func derefEntries(entries []*task.JournalEntry) []task.JournalEntry {
	out := make([]task.JournalEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}
