// internal/scheduler/integration_test.go
package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/mbarrio/fanout/internal/launcher"
	"github.com/mbarrio/fanout/internal/models"
)

// These tests run real shell commands through the local launcher.

func runLocal(t *testing.T, content string, cfg Config) *Scheduler {
	t.Helper()

	local := launcher.NewLocal(launcher.LocalConfig{}, cfg.Workers, testLogger())
	s := New(cfg, mustParse(t, content), local, testLogger())
	local.AssignWorkers(s.WorkerIDs())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return s
}

func TestIntegration_ChainWithFailureCascade(t *testing.T) {
	content := "true\n[#1#] true\nexit 3\n[#3#] true\n[#4#] true\n"
	s := runLocal(t, content, Config{Workers: 2})

	assertState(t, s, 0, models.TaskStateCompleted)
	assertState(t, s, 1, models.TaskStateCompleted)
	assertState(t, s, 2, models.TaskStateFailed)
	assertState(t, s, 3, models.TaskStateCancelled)
	assertState(t, s, 4, models.TaskStateCancelled)

	if got := s.tasks[2].ReturnCode; got != 3 {
		t.Errorf("failed task return code = %d, want 3", got)
	}
	if host := s.tasks[0].Hostname; host == "" {
		t.Error("completed task has no hostname")
	}
	assertPoolRestored(t, s)
}

func TestIntegration_RetryAgainstRealShell(t *testing.T) {
	// The command fails until its marker file exists, which it creates on
	// the first attempt; the retry then succeeds.
	marker := t.TempDir() + "/marker"
	content := "test -e " + marker + " || { touch " + marker + "; exit 1; }\n"

	s := runLocal(t, content, Config{Workers: 1, MaxRetries: 1})

	assertState(t, s, 0, models.TaskStateCompleted)
	if got := s.tasks[0].Retries; got != 1 {
		t.Errorf("retries = %d, want 1", got)
	}
	if s.tasks[0].Elapsed <= 0 {
		t.Error("task elapsed time not recorded")
	}
}
