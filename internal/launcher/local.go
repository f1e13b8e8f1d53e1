// internal/launcher/local.go
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/mbarrio/fanout/internal/models"
)

// LocalConfig holds the settings of the local launcher.
type LocalConfig struct {
	// Nodes lists the hosts available to this allocation. Workers are
	// assigned nodes round-robin; a task on a non-local node runs through
	// ssh. An empty list means everything runs on the local host.
	Nodes []string

	// CPUBinding pins each worker's tasks to its slot id with taskset. Slot
	// ids are expected to be spaced as CPU strides by the scheduler.
	CPUBinding bool
}

// Local runs tasks as forked shell processes on the local host or, for
// workers assigned a remote node, through ssh. One goroutine per in-flight
// task; results come back over a buffered channel drained by WaitAny.
type Local struct {
	cfg         LocalConfig
	logger      *slog.Logger
	hostname    string
	workerNodes map[int]string
	completions chan Completion
}

// NewLocal creates a local launcher with room for workers in-flight tasks.
func NewLocal(cfg LocalConfig, workers int, logger *slog.Logger) *Local {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Local{
		cfg:         cfg,
		logger:      logger.With("component", "local-launcher"),
		hostname:    hostname,
		workerNodes: make(map[int]string),
		completions: make(chan Completion, workers),
	}
}

// AssignWorkers binds each worker slot to a node from the configured list,
// round-robin in slot order. Called once with the scheduler's worker ids
// before the first dispatch.
func (l *Local) AssignWorkers(workers []int) {
	for i, w := range workers {
		if len(l.cfg.Nodes) == 0 {
			l.workerNodes[w] = l.hostname
		} else {
			l.workerNodes[w] = l.cfg.Nodes[i%len(l.cfg.Nodes)]
		}
	}
}

// Dispatch forks task.Command for the given worker slot and returns
// immediately.
func (l *Local) Dispatch(worker int, task *models.Task) error {
	node, ok := l.workerNodes[worker]
	if !ok {
		node = l.hostname
		l.workerNodes[worker] = node
	}

	cmd := l.buildCommand(worker, node, task.Command)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start task %d on worker %d: %w", task.ID, worker, err)
	}

	l.logger.Debug("task dispatched",
		"task_id", task.ID,
		"worker", worker,
		"node", node,
		"pid", cmd.Process.Pid,
	)

	go func(taskID int, started time.Time) {
		rc := 0
		if err := cmd.Wait(); err != nil {
			rc = exitCode(err)
		}
		l.completions <- Completion{
			Worker:     worker,
			TaskID:     taskID,
			ReturnCode: rc,
			Hostname:   node,
			Elapsed:    time.Since(started),
		}
	}(task.ID, time.Now())

	return nil
}

// WaitAny blocks until one in-flight task completes.
func (l *Local) WaitAny(ctx context.Context) (Completion, error) {
	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case c := <-l.completions:
		return c, nil
	}
}

// WorkerNode returns the node a worker slot is bound to.
func (l *Local) WorkerNode(worker int) string {
	if node, ok := l.workerNodes[worker]; ok {
		return node
	}
	return l.hostname
}

// buildCommand assembles the shell invocation for a task: plain sh on the
// local node, ssh for remote nodes, with an optional taskset prefix when
// CPU binding is on.
func (l *Local) buildCommand(worker int, node, command string) *exec.Cmd {
	if l.cfg.CPUBinding {
		command = "taskset -c " + strconv.Itoa(worker) + " " + command
	}
	if node != l.hostname {
		return exec.Command("ssh", "-o", "BatchMode=yes", node, command)
	}
	return exec.Command("/bin/sh", "-c", command)
}

// exitCode extracts a process exit status, mapping start/IO failures to -1.
func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
