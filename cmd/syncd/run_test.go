package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/tododesk/syncd/internal/config"
	"github.com/tododesk/syncd/internal/engine"
	"github.com/tododesk/syncd/internal/sched"
	"github.com/tododesk/syncd/internal/statusd"
	"github.com/tododesk/syncd/internal/store"
)

type noopRunner struct{}

func (noopRunner) RunCycle(ctx context.Context) (*engine.CycleResult, error) {
	return &engine.CycleResult{}, nil
}

// The daemon must keep starting up after wiring the status event feed;
// consuming the feed is a background concern.
func TestStartDaemon_ReturnsWithFeedWired(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	cfg := config.Default()
	cfg.Status.Enabled = true
	cfg.Status.Port = 0

	type started struct {
		scheduler *sched.Scheduler
		status    *statusd.Server
		err       error
	}
	ch := make(chan started, 1)
	go func() {
		s, st, err := startDaemon(cfg, db, noopRunner{}, io.Discard)
		ch <- started{s, st, err}
	}()

	var got started
	select {
	case got = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("startDaemon() did not return; startup blocked on the event feed")
	}
	if got.err != nil {
		t.Fatalf("startDaemon() failed: %v", got.err)
	}
	defer got.scheduler.Stop()
	defer got.status.Stop()

	// The wired feed still delivers cycle events to the status server.
	events := got.scheduler.Subscribe()
	got.scheduler.TriggerSync()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed before a cycle completed")
			}
			if ev.Type == sched.EventCycleCompleted {
				return
			}
		case <-deadline:
			t.Fatal("no cycle event observed after TriggerSync")
		}
	}
}
