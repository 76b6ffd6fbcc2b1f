package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitewise/sitesync/internal/kvstore"
	"github.com/sitewise/sitesync/internal/kvstore/boltdb"
	"github.com/sitewise/sitesync/internal/kvstore/sqlite"
	"github.com/sitewise/sitesync/internal/models"
	"github.com/sitewise/sitesync/internal/netmon"
	"github.com/sitewise/sitesync/internal/offline"
	"github.com/sitewise/sitesync/internal/pending"
	"github.com/sitewise/sitesync/internal/queue"
	"github.com/sitewise/sitesync/internal/remote"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
)

var (
	flagDB      string
	flagStore   string
	flagServer  string
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "sitesync",
		Short:   "Sitesync - offline-first change queue for Sitewise field tasks",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildDate),
		Long: `Sitesync records task changes locally while the device is offline and
replays them to the Sitewise backend once connectivity returns.`,
	}

	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "sitesync.db", "path to the local database")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "bolt", "local store backend: bolt or sqlite")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "Sitewise server URL")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the explicitly constructed services. There is no hidden
// singleton: this is the composition root, and everything below it takes
// its dependencies as constructor arguments.
type app struct {
	store  kvstore.Store
	mon    *netmon.Probe
	client *remote.HTTPApplier
	queue  *queue.Queue
	tasks  *offline.TaskService
	counts *pending.Broadcaster
	logger *slog.Logger
}

func newApp(ctx context.Context) (*app, error) {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var store kvstore.Store
	var err error
	switch flagStore {
	case "bolt":
		store, err = boltdb.New(ctx, flagDB)
	case "sqlite":
		store, err = sqlite.New(ctx, flagDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want bolt or sqlite)", flagStore)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	mon := netmon.NewProbe(ctx, healthChecker(flagServer), 15*time.Second)
	applier := remote.NewHTTPApplier(flagServer)
	q := queue.New(store, applier, mon, logger)

	tasks := offline.NewTaskService(store, q, mon, logger)
	tasks.Start()

	counts, err := pending.New(ctx, q, logger)
	if err != nil {
		tasks.Close()
		store.Close()
		return nil, fmt.Errorf("failed to build pending counts: %w", err)
	}

	return &app{
		store:  store,
		mon:    mon,
		client: applier,
		queue:  q,
		tasks:  tasks,
		counts: counts,
		logger: logger,
	}, nil
}

func (a *app) close() {
	a.counts.Close()
	a.tasks.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close local store", "error", err)
	}
}

// healthChecker probes the server health endpoint. Best effort: the
// result is a connectivity hint, not a reachability guarantee.
func healthChecker(serverURL string) netmon.Checker {
	client := &http.Client{Timeout: 3 * time.Second}
	url := strings.TrimRight(serverURL, "/") + "/api/v1/health"
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < 500
	}
}

func recordCmd() *cobra.Command {
	var (
		taskID    string
		orgID     string
		projectID string
		status    string
		notes     string
		hours     float64
		completed bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a task change (works offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			fields := models.TaskFields{}
			if cmd.Flags().Changed("status") {
				fields.Status = &status
			}
			if cmd.Flags().Changed("notes") {
				fields.Notes = &notes
			}
			if cmd.Flags().Changed("hours") {
				fields.LoggedHours = &hours
			}
			if completed {
				completedStatus := models.TaskStatusCompleted
				now := time.Now()
				fields.Status = &completedStatus
				fields.CompletedAt = &now
			}

			scope := models.Scope{OrgID: orgID, ProjectID: projectID}
			localID, err := a.tasks.RecordChange(ctx, taskID, scope, fields)
			if err != nil {
				return err
			}

			if a.mon.Online() {
				_ = a.queue.Drain(ctx)
			}

			fmt.Printf("Recorded change %s for task %s\n", localID, taskID)
			printCounts(a.counts.Counts())
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "task id (required)")
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "new task status")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes")
	cmd.Flags().Float64Var(&hours, "hours", 0, "logged hours")
	cmd.Flags().BoolVar(&completed, "completed", false, "mark the task completed now")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func fetchCmd() *cobra.Command {
	var orgID, projectID string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Refresh the local task cache from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.mon.Online() {
				fmt.Println(color.YellowString("Offline - serving cached tasks only."))
				return nil
			}

			tasks, err := a.client.ListTasks(ctx, models.Scope{OrgID: orgID, ProjectID: projectID})
			if err != nil {
				return err
			}
			if err := a.tasks.CacheTasks(ctx, tasks); err != nil {
				return err
			}
			fmt.Printf("Cached %d tasks\n", len(tasks))
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "filter by organization id")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	return cmd
}

func tasksCmd() *cobra.Command {
	var orgID, projectID string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List cached tasks with local changes applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.tasks.ReadTasks(ctx, models.Scope{OrgID: orgID, ProjectID: projectID})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No cached tasks.")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("%-24s %-14s %5.1fh  %s", t.ID, t.Status, t.LoggedHours, t.Name)
				if t.Status == models.TaskStatusCompleted {
					line = color.GreenString(line)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "filter by organization id")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show how many changes are waiting to sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			printCounts(a.counts.Counts())
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the mutation queue now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.mon.Online() {
				fmt.Println(color.YellowString("Offline - changes stay queued."))
				return nil
			}
			if err := a.queue.Drain(ctx); err != nil {
				return err
			}
			printCounts(a.counts.Counts())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.mon.Online() {
				fmt.Println("Server:", color.GreenString("online"))
			} else {
				fmt.Println("Server:", color.RedString("offline"))
			}
			printCounts(a.counts.Counts())

			ops, err := a.queue.Operations(ctx)
			if err != nil {
				return err
			}
			for _, op := range ops {
				if op.Status != models.OpFailed {
					continue
				}
				fmt.Println(color.RedString("failed %s %s/%s: %s (retry with: sitesync retry %s)",
					op.Kind, op.Collection, op.EntityID, op.LastError, op.ID))
			}
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Re-arm a permanently failed change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.queue.RetryFailed(ctx, args[0]); err != nil {
				return err
			}
			if a.mon.Online() {
				_ = a.queue.Drain(ctx)
			}
			printCounts(a.counts.Counts())
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the background sync worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			go a.mon.Start(ctx)
			go a.retentionLoop(ctx)

			unsub := a.counts.Subscribe(func(c pending.Counts) { printCounts(c) })
			defer unsub()

			// Blocks until the context is cancelled: drains on start, on
			// reconnect and on a periodic safety tick, and garbage-collects
			// synced operations.
			a.queue.Start(ctx)
			return nil
		},
	}
}

// retentionLoop evicts old synced task updates on an hourly tick.
func (a *app) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if err := a.tasks.CleanupOldUpdates(ctx); err != nil {
			a.logger.Warn("update retention cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printCounts(c pending.Counts) {
	switch {
	case c.Failed > 0:
		fmt.Println(color.RedString("%d pending, %d failed to sync", c.Pending, c.Failed))
	case c.Pending > 0:
		fmt.Println(color.YellowString("%d changes waiting to sync", c.Pending))
	default:
		fmt.Println(color.GreenString("All changes synced"))
	}
}
