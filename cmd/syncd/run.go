package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tododesk/syncd/internal/config"
	"github.com/tododesk/syncd/internal/sched"
	"github.com/tododesk/syncd/internal/statusd"
	"github.com/tododesk/syncd/internal/store"
	"gopkg.in/natefinch/lumberjack.v2"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon syncs the local store against every enabled provider on a
schedule, serves a local status API with a WebSocket feed, and reacts to
manual sync triggers from the CLI.

Provider credentials are read from the environment variables named in the
config file (token_env); they are never stored on disk.

Example usage:
  syncd run                      # Use ~/.syncd/config.yaml
  syncd run --config ./dev.yaml  # Use an alternate config`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logOut := logWriter(cfg)
		logger := log.New(logOut, "[syncd] ", log.LstdFlags)

		db, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		clients, err := buildClients(cfg, logOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		eng, err := buildEngine(cfg, db, clients, logOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
			os.Exit(1)
		}

		scheduler, status, err := startDaemon(cfg, db, eng, logOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if status != nil {
			logger.Printf("status API on http://%s", status.Addr())
		}

		// Config edits take effect on the next daemon start; log them so
		// the operator knows a restart is pending.
		watchErr := config.Watch(configDisplayPath(), func(config.Config) {
			logger.Printf("config file changed; restart to apply")
		}, func(err error) {
			logger.Printf("config file invalid, ignoring: %v", err)
		})
		if watchErr != nil {
			logger.Printf("config watch unavailable: %v", watchErr)
		}

		fmt.Printf("%s syncd running\n", renderAccent("▶"))
		fmt.Printf("   Store:     %s\n", cfg.DBPath)
		fmt.Printf("   Interval:  %s\n", cfg.Sync.Interval)
		if status != nil {
			fmt.Printf("   Status:    http://%s\n", status.Addr())
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// First cycle right away rather than waiting out the interval.
		scheduler.TriggerSync()

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if status != nil {
			if err := status.Stop(); err != nil {
				logger.Printf("status server shutdown: %v", err)
			}
		}
		scheduler.Stop()
		fmt.Println("syncd stopped")
	},
}

// startDaemon wires the scheduler and, when enabled, the status server.
// It returns once both are running; the status event feed is consumed on
// its own goroutine so startup never blocks on it.
func startDaemon(cfg config.Config, db *store.DB, run sched.Runner, logOut io.Writer) (*sched.Scheduler, *statusd.Server, error) {
	scheduler := sched.New(sched.Config{
		Engine:   run,
		Interval: cfg.Sync.Interval,
		Cooldown: cfg.Sync.Cooldown,
		Logger:   log.New(logOut, "[sched] ", log.LstdFlags),
	})
	scheduler.Start()

	if !cfg.Status.Enabled {
		return scheduler, nil, nil
	}
	status, err := statusd.NewServer(statusd.Config{
		Port:   cfg.Status.Port,
		Store:  db,
		Sched:  scheduler,
		Logger: log.New(logOut, "[statusd] ", log.LstdFlags),
	})
	if err != nil {
		scheduler.Stop()
		return nil, nil, fmt.Errorf("creating status server: %w", err)
	}
	if err := status.Start(); err != nil {
		scheduler.Stop()
		return nil, nil, fmt.Errorf("starting status server: %w", err)
	}
	go status.Forward(scheduler.Subscribe())
	return scheduler, status, nil
}

// logWriter returns the daemon log destination: a size-rotated file when
// configured, stderr otherwise.
func logWriter(cfg config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
