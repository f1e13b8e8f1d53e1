// internal/restart/writer_test.go
package restart

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mbarrio/fanout/internal/models"
	"github.com/mbarrio/fanout/internal/taskfile"
)

func parse(t *testing.T, content string) *taskfile.List {
	t.Helper()
	list, err := taskfile.Parse(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return list
}

func write(t *testing.T, list *taskfile.List) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, list, "run-1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return buf.String()
}

func TestWrite_CompletedTasksBecomeComments(t *testing.T) {
	list := parse(t, "echo a\necho b\n")
	list.Tasks[0].SetState(models.TaskStateRunning)
	list.Tasks[0].SetState(models.TaskStateCompleted)
	list.Tasks[0].Hostname = "node-3"

	out := write(t, list)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	if len(lines) != 3 {
		t.Fatalf("output = %q, want header + 2 lines", out)
	}
	if !strings.HasPrefix(lines[1], "# task 1 completed on node-3") {
		t.Errorf("line 2 = %q, want completed comment", lines[1])
	}
	if lines[2] != "echo b" {
		t.Errorf("line 3 = %q, want runnable 'echo b'", lines[2])
	}
}

func TestWrite_RemapsDependencies(t *testing.T) {
	// Task a completed, so the cascade b <- c survives with b's dependency
	// on a dropped and c's annotation pointing at b's new line.
	list := parse(t, "echo a\n[#1#] echo b\n[#2#] echo c\n")
	list.MarkCompleted([]int{0})

	out := write(t, list)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	if lines[2] != "echo b" {
		t.Errorf("line 3 = %q, want 'echo b' with satisfied dependency dropped", lines[2])
	}
	if lines[3] != "[# 3 #] echo c" {
		t.Errorf("line 4 = %q, want dependency remapped to line 3", lines[3])
	}
}

func TestWrite_FailedAndCancelledAreRerunnable(t *testing.T) {
	list := parse(t, "exit 1\n[#1#] echo b\n")
	list.Tasks[0].SetState(models.TaskStateFailed)
	list.Tasks[1].SetState(models.TaskStateCancelled)

	out := write(t, list)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	if lines[1] != "exit 1" {
		t.Errorf("line 2 = %q, want failed task re-emitted", lines[1])
	}
	if lines[2] != "[# 2 #] echo b" {
		t.Errorf("line 3 = %q, want cancelled task with remapped dependency", lines[2])
	}
}

func TestWrite_InvalidLinesReportedAsComments(t *testing.T) {
	list := parse(t, "echo a\n[#5#] echo b\n")

	out := write(t, list)
	if !strings.Contains(out, "# invalid line 2") {
		t.Errorf("output = %q, want invalid line comment", out)
	}
}

// The restart file must itself parse as a task file with the same edges.
func TestWrite_RoundTrip(t *testing.T) {
	list := parse(t, "echo a\n[#1#] echo b\n[#1#] echo c\n[#2,3#] echo d\n")
	list.MarkCompleted([]int{0})

	reparsed := parse(t, write(t, list))

	if len(reparsed.Valid) != 3 {
		t.Fatalf("reparsed %d tasks, want 3", len(reparsed.Valid))
	}
	if len(reparsed.Invalid) != 0 {
		t.Fatalf("reparsed invalid lines: %+v", reparsed.Invalid)
	}

	// b and c are free, d still waits on both.
	if !reparsed.Tasks[0].IsWaiting() || !reparsed.Tasks[1].IsWaiting() {
		t.Errorf("b/c states = %s/%s, want WAITING", reparsed.Tasks[0].State, reparsed.Tasks[1].State)
	}
	if got := len(reparsed.Tasks[2].Dependencies); got != 2 {
		t.Errorf("d has %d dependencies, want 2", got)
	}
}
