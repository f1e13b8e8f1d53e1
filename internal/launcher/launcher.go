// internal/launcher/launcher.go
package launcher

import (
	"context"
	"time"

	"github.com/mbarrio/fanout/internal/models"
)

// Completion is the result of one task finishing on a worker.
type Completion struct {
	Worker     int
	TaskID     int
	ReturnCode int
	Hostname   string
	Elapsed    time.Duration
}

// Launcher is the capability set the scheduler requires of a worker backend.
// Workers are opaque slot identifiers; the backend owns the actual OS
// resources behind them. Dispatch must return without waiting for the task
// to finish; WaitAny is the scheduler's only suspension point.
type Launcher interface {
	// Dispatch starts task.Command on the given worker slot.
	Dispatch(worker int, task *models.Task) error

	// WaitAny blocks until at least one dispatched task has completed and
	// returns its result.
	WaitAny(ctx context.Context) (Completion, error)

	// WorkerNode returns a human-readable node name for a worker slot.
	WorkerNode(worker int) string
}
