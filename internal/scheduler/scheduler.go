// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbarrio/fanout/internal/launcher"
	"github.com/mbarrio/fanout/internal/models"
	"github.com/mbarrio/fanout/internal/taskfile"
)

var (
	// ErrNoWorkers is returned when the scheduler is started with zero
	// workers. Nothing is scheduled.
	ErrNoWorkers = errors.New("no workers available, rerun with more resources")

	// ErrNoFreeWorker reports a violated internal invariant: an allocation
	// was attempted with every worker busy.
	ErrNoFreeWorker = errors.New("allocation attempted with no free worker")

	// ErrNoBusyWorker reports a violated internal invariant: a wait was
	// attempted with no task in flight.
	ErrNoBusyWorker = errors.New("wait attempted with no busy worker")
)

// Config holds the scheduler settings.
type Config struct {
	// Workers is the size of the worker pool, fixed for the run.
	Workers int

	// MaxRetries is how many times a failing task is re-run before it is
	// declared failed. Zero means no retry.
	MaxRetries int

	// CPUBinding spaces worker ids as CPU strides over NodeCPUs so a
	// binding launcher can pin each worker's tasks.
	CPUBinding bool

	// NodeCPUs is the CPU count per node, used only for binding strides.
	NodeCPUs int
}

// Recorder observes task state transitions. The scheduler calls it
// synchronously from its single thread; implementations journal or publish
// the transition and return.
type Recorder interface {
	TaskTransition(task *models.Task)
}

// Scheduler drives the tasks of one parsed task file across a fixed pool of
// worker slots, honoring dependencies, retry policy and failure
// propagation. It owns all mutable state: the task map, the
// reverse-dependency index, the ready queue, the blocked set and the worker
// pool. It is single-threaded; the launcher's WaitAny is its only
// suspension point.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	launcher launcher.Launcher
	recorder Recorder

	tasks   map[int]*models.Task
	valid   []int
	revDeps map[int][]int

	ready   []int       // FIFO of waiting task ids
	blocked map[int]bool // ids with unsatisfied dependencies
	free    []int       // FIFO of idle worker ids
	busy    map[int]int // worker id -> running task id

	started  time.Time
	finished time.Time
}

// New creates a scheduler over a parsed task list and a launcher backend.
func New(cfg Config, list *taskfile.List, l launcher.Launcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		launcher: l,
		tasks:    list.Tasks,
		valid:    list.Valid,
		revDeps:  list.RevDeps,
		blocked:  make(map[int]bool),
		busy:     make(map[int]int),
	}
}

// SetRecorder installs an observer for task state transitions. Must be
// called before Run.
func (s *Scheduler) SetRecorder(r Recorder) {
	s.recorder = r
}

// WorkerIDs returns the worker slot ids for a pool: plain indices, or CPU
// strides spaced over the node's CPUs when binding is enabled. Strides
// assume CPUs are numbered sequentially by socket, and require at least one
// CPU per worker to keep slot ids distinct.
func WorkerIDs(workers, nodeCPUs int, cpuBinding bool) []int {
	ids := make([]int, workers)
	for i := range ids {
		if cpuBinding && nodeCPUs >= workers {
			ids[i] = i * nodeCPUs / workers
		} else {
			ids[i] = i
		}
	}
	return ids
}

// WorkerIDs returns this scheduler's worker slot ids.
func (s *Scheduler) WorkerIDs() []int {
	return WorkerIDs(s.cfg.Workers, s.cfg.NodeCPUs, s.cfg.CPUBinding)
}

// DefaultWorkers derives the worker count from the reserved CPU count when
// the operator does not set one: all CPUs up to four, half of them above
// that, leaving room for task child processes on shared allocations.
func DefaultWorkers(reservedCPUs int) int {
	workers := reservedCPUs
	if workers > 4 {
		workers /= 2
	}
	return workers
}

// Run executes the scheduling loop until every valid task has reached a
// terminal state. The task map is mutated in place; after return the
// elapsed timer holds its final value. Per-task failures are data, not
// errors: only structural problems (no workers, backend failure) are
// returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Workers == 0 {
		s.logger.Error("no workers found")
		return ErrNoWorkers
	}

	s.started = time.Now()
	defer func() { s.finished = time.Now() }()

	if s.cfg.CPUBinding {
		s.logger.Info("creating CPU binding workers",
			"workers", s.cfg.Workers,
			"node_cpus", s.cfg.NodeCPUs,
		)
	}
	s.free = append(s.free[:0], s.WorkerIDs()...)

	// Initial ready/blocked partition, in input order.
	for _, id := range s.valid {
		task := s.tasks[id]
		if task.IsWaiting() {
			s.ready = append(s.ready, id)
		} else if task.IsBlocked() {
			s.blocked[id] = true
		}
	}

	// Main scheduling loop: dispatch every ready task onto free workers,
	// block on a completion only when no forward progress is possible.
	for len(s.ready) > 0 || len(s.blocked) > 0 {
		for len(s.ready) > 0 {
			if len(s.free) > 0 {
				id := s.ready[0]
				s.ready = s.ready[1:]
				if err := s.allocate(s.tasks[id]); err != nil {
					return err
				}
			} else {
				if err := s.waitForAnyWorker(ctx); err != nil {
					return err
				}
			}
		}

		if len(s.blocked) > 0 {
			// Queue drained but dependencies remain unsatisfied; wait for
			// running parents to release them.
			if err := s.waitForAnyWorker(ctx); err != nil {
				return err
			}
		}
	}

	// Drain: reap the final generation of running tasks.
	for len(s.free) < s.cfg.Workers {
		if err := s.waitForAnyWorker(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Elapsed returns the wall-clock duration of the run. Final once Run has
// returned.
func (s *Scheduler) Elapsed() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	if s.finished.IsZero() {
		return time.Since(s.started)
	}
	return s.finished.Sub(s.started)
}

// Tasks exposes the authoritative task map, for reporting and the restart
// writer.
func (s *Scheduler) Tasks() map[int]*models.Task {
	return s.tasks
}

// allocate binds a waiting task to the head of the free-worker queue and
// hands its command to the launcher. Does not wait for the task to finish.
func (s *Scheduler) allocate(task *models.Task) error {
	if len(s.free) == 0 {
		return ErrNoFreeWorker
	}
	worker := s.free[0]
	s.free = s.free[1:]

	task.SetState(models.TaskStateRunning)
	s.busy[worker] = task.ID
	s.record(task)

	if err := s.launcher.Dispatch(worker, task); err != nil {
		return fmt.Errorf("backend dispatch failed: %w", err)
	}

	s.logger.Debug("task allocated",
		"task", task.Num,
		"task_id", task.ID,
		"worker", worker,
		"node", s.launcher.WorkerNode(worker),
	)
	return nil
}

// waitForAnyWorker blocks until a running task completes, returns its
// worker to the pool and runs the task epilogue.
func (s *Scheduler) waitForAnyWorker(ctx context.Context) error {
	if len(s.busy) == 0 {
		return ErrNoBusyWorker
	}

	completion, err := s.launcher.WaitAny(ctx)
	if err != nil {
		return fmt.Errorf("backend wait failed: %w", err)
	}

	task, ok := s.tasks[completion.TaskID]
	if !ok {
		return fmt.Errorf("backend reported unknown task %d", completion.TaskID)
	}

	delete(s.busy, completion.Worker)
	s.free = append(s.free, completion.Worker)

	task.ReturnCode = completion.ReturnCode
	task.Hostname = completion.Hostname
	task.Elapsed = completion.Elapsed

	return s.taskEpilogue(task)
}

// taskEpilogue classifies a just-completed task and propagates the
// consequences: success releases dependents, a failure within the retry
// budget re-allocates the task at once (the completing worker is already
// back in the pool, so a worker is free, and dependents never observe an
// intermediate verdict), and an exhausted
// budget fails the task and cancels its descendants.
func (s *Scheduler) taskEpilogue(task *models.Task) error {
	if task.ReturnCode != 0 {
		s.logger.Error("task failed",
			"task", task.Num,
			"task_id", task.ID,
			"return_code", task.ReturnCode,
			"node", task.Hostname,
			"elapsed", task.Elapsed,
		)
		if task.Retries < s.cfg.MaxRetries {
			task.Retries++
			s.logger.Warn("retrying task",
				"task_id", task.ID,
				"retry", task.Retries,
				"max_retries", s.cfg.MaxRetries,
			)
			return s.allocate(task)
		}
		task.SetState(models.TaskStateFailed)
		s.record(task)
		s.updateDependencies(task)
		return nil
	}

	s.logger.Info("task completed",
		"task", task.Num,
		"task_id", task.ID,
		"node", task.Hostname,
		"elapsed", task.Elapsed,
	)
	task.SetState(models.TaskStateCompleted)
	s.record(task)
	s.updateDependencies(task)
	return nil
}

// updateDependencies propagates a parent's terminal state to its
// dependents: completion releases their dependency edge and promotes the
// last-released child to the ready queue; failure or cancellation cancels
// them transitively. The reverse-dependency index is never mutated during
// the walk, only the children's own dependency sets; recursion terminates
// because the graph is acyclic at load time.
func (s *Scheduler) updateDependencies(parent *models.Task) {
	children, ok := s.revDeps[parent.ID]
	if !ok {
		return
	}

	for _, childID := range children {
		child := s.tasks[childID]

		switch parent.State {
		case models.TaskStateCompleted:
			child.RemoveDependency(parent.ID)
			if !child.HasDependencies() && s.blocked[childID] {
				delete(s.blocked, childID)
				s.ready = append(s.ready, childID)
				s.record(child)
			}

		case models.TaskStateFailed, models.TaskStateCancelled:
			if child.State.IsTerminal() {
				// Already cancelled through another parent; do not
				// re-propagate.
				continue
			}
			s.logger.Warn("cancelling task",
				"task_id", childID,
				"parent_id", parent.ID,
				"parent_state", parent.State,
			)
			child.SetState(models.TaskStateCancelled)
			delete(s.blocked, childID)
			s.record(child)
			s.updateDependencies(child)
		}
	}
}

// record notifies the recorder, if any, of a task state transition.
func (s *Scheduler) record(task *models.Task) {
	if s.recorder != nil {
		s.recorder.TaskTransition(task)
	}
}
