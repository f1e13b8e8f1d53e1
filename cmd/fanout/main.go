// cmd/fanout/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mbarrio/fanout/internal/api/routes"
	"github.com/mbarrio/fanout/internal/config"
	"github.com/mbarrio/fanout/internal/launcher"
	"github.com/mbarrio/fanout/internal/logging"
	"github.com/mbarrio/fanout/internal/models"
	"github.com/mbarrio/fanout/internal/restart"
	"github.com/mbarrio/fanout/internal/scheduler"
	"github.com/mbarrio/fanout/internal/storage/leveldb"
	"github.com/mbarrio/fanout/internal/storage/postgres"
	"github.com/mbarrio/fanout/internal/taskfile"
)

// recorder journals every task transition and, when the history store is
// configured, mirrors terminal states there. Called synchronously from the
// scheduler thread; persistence failures are logged, never fatal.
type recorder struct {
	runID   string
	journal *leveldb.Client
	history *postgres.Client
	logger  *slog.Logger
}

func (r *recorder) TaskTransition(task *models.Task) {
	if err := r.journal.RecordTask(r.runID, task); err != nil {
		r.logger.Warn("failed to journal task", "task_id", task.ID, "error", err)
	}
	if r.history != nil && task.State.IsTerminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.history.RecordTaskResult(ctx, models.ResultOf(r.runID, task)); err != nil {
			r.logger.Warn("failed to record task result", "task_id", task.ID, "error", err)
		}
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", "", "path to config file")
		workers      = flag.Int("workers", 0, "worker count (0 derives from reserved CPUs)")
		maxRetries   = flag.Int("max-retries", -1, "retries per failing task (-1 uses config)")
		launcherType = flag.String("launcher", "", "worker backend: local or cluster")
		resumeID     = flag.String("resume", "", "run id to resume: its completed tasks are skipped")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fanout [flags] <taskfile>")
		flag.PrintDefaults()
		return 2
	}
	taskFilePath := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Flags win over file and environment.
	if *workers > 0 {
		cfg.Scheduler.Workers = *workers
	}
	if *maxRetries >= 0 {
		cfg.Scheduler.MaxRetries = *maxRetries
	}
	if *launcherType != "" {
		cfg.Launcher.Type = *launcherType
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	if cfg.Scheduler.Workers == 0 {
		reserved := cfg.Scheduler.ReservedCPUs
		if reserved == 0 {
			reserved = runtime.NumCPU()
		}
		cfg.Scheduler.Workers = scheduler.DefaultWorkers(reserved)
		logger.Info("derived worker count", "reserved_cpus", reserved, "workers", cfg.Scheduler.Workers)
	}

	list, err := taskfile.ParseFile(taskFilePath)
	if err != nil {
		logger.Error("failed to parse task file", "path", taskFilePath, "error", err)
		return 1
	}
	for _, invalid := range list.Invalid {
		logger.Warn("skipping invalid task line",
			"line", invalid.Num,
			"reason", invalid.Reason,
		)
	}
	logger.Info("task file loaded",
		"path", taskFilePath,
		"tasks", len(list.Valid),
		"invalid", len(list.Invalid),
	)

	journal, err := leveldb.NewClient(cfg.LevelDB)
	if err != nil {
		logger.Error("failed to open journal", "error", err)
		return 1
	}
	defer journal.Close()

	var history *postgres.Client
	if cfg.Postgres.URL != "" {
		history, err = postgres.NewClient(cfg.Postgres)
		if err != nil {
			logger.Error("failed to connect to history store", "error", err)
			return 1
		}
		defer history.Close()

		if err := history.Migrate(context.Background()); err != nil {
			logger.Error("failed to migrate history store", "error", err)
			return 1
		}
	}

	if *resumeID != "" {
		completed, err := journal.CompletedTasks(*resumeID)
		if err != nil {
			logger.Error("failed to load journal for resume", "run_id", *resumeID, "error", err)
			return 1
		}
		list.MarkCompleted(completed)
		logger.Info("resuming run", "previous_run_id", *resumeID, "skipped", len(completed))
	}

	run := models.NewRun(taskFilePath, cfg.Scheduler.Workers)
	if err := journal.PutRun(run); err != nil {
		logger.Warn("failed to journal run", "error", err)
	}
	if history != nil {
		if err := history.CreateRun(context.Background(), run); err != nil {
			logger.Warn("failed to record run", "error", err)
		}
	}

	var backend launcher.Launcher
	switch cfg.Launcher.Type {
	case "cluster":
		cluster, err := launcher.NewCluster(launcher.ClusterConfig{
			URL:          cfg.NATS.URL,
			TasksSubject: cfg.NATS.TasksSubject,
			QueueGroup:   cfg.NATS.QueueGroup,
		}, run.ID, cfg.Scheduler.Workers, logger)
		if err != nil {
			logger.Error("failed to start cluster launcher", "error", err)
			return 1
		}
		defer cluster.Close()
		backend = cluster
	default:
		local := launcher.NewLocal(launcher.LocalConfig{
			Nodes:      cfg.Launcher.Nodes,
			CPUBinding: cfg.Scheduler.CPUBinding,
		}, cfg.Scheduler.Workers, logger)
		local.AssignWorkers(scheduler.WorkerIDs(cfg.Scheduler.Workers, cfg.Scheduler.NodeCPUs, cfg.Scheduler.CPUBinding))
		backend = local
	}

	sched := scheduler.New(scheduler.Config{
		Workers:    cfg.Scheduler.Workers,
		MaxRetries: cfg.Scheduler.MaxRetries,
		CPUBinding: cfg.Scheduler.CPUBinding,
		NodeCPUs:   cfg.Scheduler.NodeCPUs,
	}, list, backend, logger)
	sched.SetRecorder(&recorder{
		runID:   run.ID,
		journal: journal,
		history: history,
		logger:  logger,
	})

	if cfg.Server.Enabled && history != nil {
		server := &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      routes.SetupRouter(history),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		}
		go func() {
			logger.Info("status server listening", "port", cfg.Server.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer server.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting run",
		"run_id", run.ID,
		"workers", cfg.Scheduler.Workers,
		"launcher", cfg.Launcher.Type,
		"max_retries", cfg.Scheduler.MaxRetries,
	)

	runErr := sched.Run(ctx)
	if runErr != nil {
		logger.Error("scheduler stopped", "error", runErr)
	}

	// Final accounting and the restart file are written even when the run
	// was interrupted or the backend failed; the in-memory task map is the
	// source of truth.
	run.Tally(sched.Tasks())
	run.Finish(time.Now())
	if runErr != nil {
		run.Status = models.RunStatusFailed
	}

	if err := journal.PutRun(run); err != nil {
		logger.Warn("failed to journal run", "error", err)
	}
	if history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := history.CompleteRun(ctx, run); err != nil {
			logger.Warn("failed to record run completion", "error", err)
		}
		cancel()
	}

	if run.Completed < len(list.Valid) || len(list.Invalid) > 0 {
		path, err := restart.WriteFile(taskFilePath, list, run.ID)
		if err != nil {
			logger.Error("failed to write restart file", "error", err)
		} else {
			logger.Info("restart file written", "path", path, "resume_with", run.ID)
		}
	}

	logger.Info("run finished",
		"run_id", run.ID,
		"status", run.Status,
		"completed", run.Completed,
		"failed", run.Failed,
		"cancelled", run.Cancelled,
		"elapsed", sched.Elapsed(),
	)

	if runErr != nil || run.Status != models.RunStatusCompleted {
		return 1
	}
	return 0
}
