// internal/launcher/local_test.go
package launcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbarrio/fanout/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLocal(t *testing.T, workers int) *Local {
	t.Helper()
	l := NewLocal(LocalConfig{}, workers, testLogger())
	ids := make([]int, workers)
	for i := range ids {
		ids[i] = i
	}
	l.AssignWorkers(ids)
	return l
}

func waitFor(t *testing.T, l *Local) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := l.WaitAny(ctx)
	if err != nil {
		t.Fatalf("WaitAny: %v", err)
	}
	return c
}

func TestLocal_DispatchSuccess(t *testing.T) {
	l := newTestLocal(t, 1)
	task := models.NewTask(7, 1, "exit 0")

	if err := l.Dispatch(0, task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	c := waitFor(t, l)
	if c.TaskID != 7 || c.Worker != 0 {
		t.Errorf("completion = %+v, want task 7 on worker 0", c)
	}
	if c.ReturnCode != 0 {
		t.Errorf("return code = %d, want 0", c.ReturnCode)
	}
	if c.Hostname == "" {
		t.Error("completion hostname is empty")
	}
}

func TestLocal_DispatchFailureCode(t *testing.T) {
	l := newTestLocal(t, 1)

	if err := l.Dispatch(0, models.NewTask(0, 1, "exit 7")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if c := waitFor(t, l); c.ReturnCode != 7 {
		t.Errorf("return code = %d, want 7", c.ReturnCode)
	}
}

func TestLocal_ConcurrentDispatches(t *testing.T) {
	l := newTestLocal(t, 2)

	if err := l.Dispatch(0, models.NewTask(0, 1, "exit 1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := l.Dispatch(1, models.NewTask(1, 2, "exit 0")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	codes := make(map[int]int)
	for i := 0; i < 2; i++ {
		c := waitFor(t, l)
		codes[c.TaskID] = c.ReturnCode
	}
	if codes[0] != 1 || codes[1] != 0 {
		t.Errorf("codes = %v, want {0:1, 1:0}", codes)
	}
}

func TestLocal_WaitAnyHonorsContext(t *testing.T) {
	l := newTestLocal(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.WaitAny(ctx); err == nil {
		t.Fatal("WaitAny returned without a completion on cancelled context")
	}
}

func TestLocal_WorkerNodeAssignment(t *testing.T) {
	l := NewLocal(LocalConfig{Nodes: []string{"node-a", "node-b"}}, 3, testLogger())
	l.AssignWorkers([]int{0, 1, 2})

	if got := l.WorkerNode(0); got != "node-a" {
		t.Errorf("worker 0 node = %q, want node-a", got)
	}
	if got := l.WorkerNode(1); got != "node-b" {
		t.Errorf("worker 1 node = %q, want node-b", got)
	}
	if got := l.WorkerNode(2); got != "node-a" {
		t.Errorf("worker 2 node = %q, want round-robin node-a", got)
	}
}

func TestLocal_WorkerNodeDefaultsToLocalHost(t *testing.T) {
	l := NewLocal(LocalConfig{}, 1, testLogger())
	l.AssignWorkers([]int{0})

	if got := l.WorkerNode(0); got != l.hostname {
		t.Errorf("worker 0 node = %q, want local hostname %q", got, l.hostname)
	}
}
