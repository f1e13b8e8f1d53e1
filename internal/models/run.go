// internal/models/run.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the overall outcome of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Run represents a single invocation over one task file.
type Run struct {
	ID        string     `json:"id"`
	TaskFile  string     `json:"taskFile"`
	Workers   int        `json:"workers"`
	Status    RunStatus  `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Cancelled int        `json:"cancelled"`
}

// NewRun creates a run record for a task file and worker count.
func NewRun(taskFile string, workers int) *Run {
	return &Run{
		ID:        uuid.New().String(),
		TaskFile:  taskFile,
		Workers:   workers,
		Status:    RunStatusRunning,
		StartTime: time.Now(),
	}
}

// Tally counts the terminal states of the given tasks into the run record
// and derives the overall status.
func (r *Run) Tally(tasks map[int]*Task) {
	r.Completed, r.Failed, r.Cancelled = 0, 0, 0
	for _, t := range tasks {
		switch t.State {
		case TaskStateCompleted:
			r.Completed++
		case TaskStateFailed:
			r.Failed++
		case TaskStateCancelled:
			r.Cancelled++
		}
	}
	if r.Failed > 0 || r.Cancelled > 0 {
		r.Status = RunStatusFailed
	} else {
		r.Status = RunStatusCompleted
	}
}

// Finish stamps the end time.
func (r *Run) Finish(at time.Time) {
	r.EndTime = &at
}

// ToJSON converts the run to JSON.
func (r *Run) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON populates the run from JSON.
func (r *Run) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}

// TaskResult is the per-task record persisted by the journal on every state
// transition and by the history store once a task reaches a terminal state.
type TaskResult struct {
	RunID      string        `json:"runId"`
	TaskID     int           `json:"taskId"`
	TaskNum    int           `json:"taskNum"`
	Command    string        `json:"command"`
	State      TaskState     `json:"state"`
	ReturnCode int           `json:"returnCode"`
	Hostname   string        `json:"hostname,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Retries    int           `json:"retries"`
}

// ResultOf snapshots a task into a TaskResult for persistence.
func ResultOf(runID string, t *Task) *TaskResult {
	return &TaskResult{
		RunID:      runID,
		TaskID:     t.ID,
		TaskNum:    t.Num,
		Command:    t.Command,
		State:      t.State,
		ReturnCode: t.ReturnCode,
		Hostname:   t.Hostname,
		Elapsed:    t.Elapsed,
		Retries:    t.Retries,
	}
}
