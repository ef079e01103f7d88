package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tododesk/syncd/internal/config"
	"github.com/tododesk/syncd/internal/engine"
	"github.com/tododesk/syncd/internal/journal"
	"github.com/tododesk/syncd/internal/provider"
	"github.com/tododesk/syncd/internal/provider/docstore"
	"github.com/tododesk/syncd/internal/provider/graphtasks"
	"github.com/tododesk/syncd/internal/reconcile"
	"github.com/tododesk/syncd/internal/store"
)

// openStore opens the task database named by the config, creating the
// schema on first use.
func openStore(cfg config.Config) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// tokenSource reads the bearer token from the environment variable the
// config names. Tokens never live in the config file itself.
func tokenSource(envVar string) (provider.TokenSource, error) {
	tok := os.Getenv(envVar)
	if tok == "" {
		return nil, fmt.Errorf("environment variable %s is not set", envVar)
	}
	return provider.StaticTokenSource(tok), nil
}

// buildClients constructs one provider client per enabled provider.
func buildClients(cfg config.Config, out io.Writer) ([]provider.Client, error) {
	var clients []provider.Client

	if cfg.Docstore.Enabled {
		tokens, err := tokenSource(cfg.Docstore.TokenEnv)
		if err != nil {
			return nil, fmt.Errorf("docstore: %w", err)
		}
		c, err := docstore.New(docstore.Config{
			BaseURL: cfg.Docstore.BaseURL,
			Project: cfg.Docstore.Project,
			UserID:  cfg.Docstore.UserID,
			Tokens:  tokens,
			Logger:  log.New(out, "[docstore] ", log.LstdFlags),
		})
		if err != nil {
			return nil, fmt.Errorf("docstore: %w", err)
		}
		clients = append(clients, c)
	}

	if cfg.GraphTask.Enabled {
		tokens, err := tokenSource(cfg.GraphTask.TokenEnv)
		if err != nil {
			return nil, fmt.Errorf("graphtasks: %w", err)
		}
		c, err := graphtasks.New(graphtasks.Config{
			BaseURL: cfg.GraphTask.BaseURL,
			ListID:  cfg.GraphTask.ListID,
			Tokens:  tokens,
			Logger:  log.New(out, "[graphtasks] ", log.LstdFlags),
		})
		if err != nil {
			return nil, fmt.Errorf("graphtasks: %w", err)
		}
		clients = append(clients, c)
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no providers enabled; edit %s and enable at least one", configDisplayPath())
	}
	return clients, nil
}

// buildEngine wires the store and clients into a sync engine using the
// config's merge and retry settings.
func buildEngine(cfg config.Config, db *store.DB, clients []provider.Client, out io.Writer) (*engine.Engine, error) {
	return engine.New(engine.Config{
		Store:   db,
		Clients: clients,
		Merge:   reconcile.Config{SkewWindow: cfg.Sync.SkewWindow},
		Retry: journal.Policy{
			Base:        cfg.Sync.BackoffBase,
			Cap:         cfg.Sync.BackoffCap,
			MaxAttempts: cfg.Sync.MaxAttempts,
			Jitter:      0.1,
		},
		BatchSize:  cfg.Sync.BatchSize,
		PurgeAfter: cfg.Sync.PurgeAfter,
		Logger:     log.New(out, "[engine] ", log.LstdFlags),
	})
}

func configDisplayPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// pokeDaemon asks a running daemon to sync soon. Best effort: when no
// daemon is listening the edit just waits for the next manual sync.
func pokeDaemon(cfg config.Config) {
	if !cfg.Status.Enabled {
		return
	}
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/sync", cfg.Status.Port)
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// resolveTaskID expands a task id prefix to the full id. Prefixes are
// accepted as long as they match exactly one live task.
func resolveTaskID(ctx context.Context, db *store.DB, prefix string) (string, error) {
	tasks, err := db.ListTasksContext(ctx, store.ListFilter{})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, t := range tasks {
		if t.ID == prefix {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no task matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// shortID trims a task id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
