// internal/launcher/wire.go
package launcher

import "time"

// Dispatch is the message published to the task subject for one command.
// The agent echoes RunID, Worker and TaskID back unchanged in its Result so
// the master can reconcile the completion with its bindings.
type Dispatch struct {
	RunID   string `json:"runId"`
	Worker  int    `json:"worker"`
	TaskID  int    `json:"taskId"`
	Command string `json:"command"`
}

// Result is the message an agent publishes on the reply subject once the
// command has exited.
type Result struct {
	RunID      string        `json:"runId"`
	Worker     int           `json:"worker"`
	TaskID     int           `json:"taskId"`
	ReturnCode int           `json:"returnCode"`
	Hostname   string        `json:"hostname"`
	Elapsed    time.Duration `json:"elapsed"`
}
