package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tododesk/syncd/internal/store"
	"github.com/tododesk/syncd/internal/task"
)

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

	tests := []struct {
		input string
		check func(time.Time) bool
	}{
		{"2026-03-05", func(got time.Time) bool {
			return got.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
		}},
		{"2026-03-05 17:00", func(got time.Time) bool {
			return got.Equal(time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC))
		}},
		{"2026-03-05T17:00:00Z", func(got time.Time) bool {
			return got.Equal(time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC))
		}},
		{"tomorrow", func(got time.Time) bool {
			return got.Day() == 3 && got.Month() == time.March
		}},
	}
	for _, tc := range tests {
		got, err := parseDue(tc.input, now)
		if err != nil {
			t.Errorf("parseDue(%q) error: %v", tc.input, err)
			continue
		}
		if !tc.check(got) {
			t.Errorf("parseDue(%q) = %v, unexpected", tc.input, got)
		}
	}
}

func TestParseDue_Unparseable(t *testing.T) {
	if _, err := parseDue("not a date at all xyzzy", time.Now()); err == nil {
		t.Fatal("expected error for unparseable input")
	}
}

func TestResolveTaskID(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	now := time.Now().UTC()
	for _, id := range []string{"abc12345-x", "abd67890-y", "zzz00000-z"} {
		_, err := db.UpsertLocal(&task.Task{ID: id, Title: "t " + id, CreatedAt: now, UpdatedAt: now})
		if err != nil {
			t.Fatalf("failed to seed task: %v", err)
		}
	}

	ctx := context.Background()

	id, err := resolveTaskID(ctx, db, "zzz")
	if err != nil {
		t.Fatalf("unique prefix: %v", err)
	}
	if id != "zzz00000-z" {
		t.Errorf("resolved %q, want zzz00000-z", id)
	}

	if _, err := resolveTaskID(ctx, db, "ab"); err == nil {
		t.Error("expected ambiguous-prefix error")
	}
	if _, err := resolveTaskID(ctx, db, "nope"); err == nil {
		t.Error("expected no-match error")
	}

	// An exact id wins even when it is also a prefix of another id.
	id, err = resolveTaskID(ctx, db, "abc12345-x")
	if err != nil {
		t.Fatalf("exact id: %v", err)
	}
	if id != "abc12345-x" {
		t.Errorf("resolved %q, want abc12345-x", id)
	}
}
