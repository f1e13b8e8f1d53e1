// internal/restart/writer.go
package restart

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mbarrio/fanout/internal/models"
	"github.com/mbarrio/fanout/internal/taskfile"
)

// Write emits a restart file for an ended run: completed tasks become
// comment lines recording their outcome, everything else (never-started,
// cancelled, failed, still-running-at-abandon) is re-emitted as a runnable
// command line with its remaining dependencies remapped to the new line
// numbers. The output is itself a valid task file.
func Write(w io.Writer, list *taskfile.List, runID string) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# fanout restart file for run %s\n", runID)

	// New line numbers of re-emitted tasks, assigned in a first pass so
	// dependency annotations can point at them. Line 1 is the header.
	line := 1
	newLine := make(map[int]int)
	for _, id := range list.Valid {
		line++
		if !rerun(list.Tasks[id]) {
			continue
		}
		newLine[id] = line
	}

	line = 1
	for _, id := range list.Valid {
		line++
		task := list.Tasks[id]

		if !rerun(task) {
			fmt.Fprintf(bw, "# task %d completed on %s, elapsed %s: %s\n",
				task.Num, task.Hostname, task.Elapsed, task.Command)
			continue
		}

		if annotation := remapDeps(task, newLine); annotation != "" {
			fmt.Fprintf(bw, "[# %s #] %s\n", annotation, task.Command)
		} else {
			fmt.Fprintln(bw, task.Command)
		}
	}

	for _, invalid := range list.Invalid {
		fmt.Fprintf(bw, "# invalid line %d (%s): %s\n", invalid.Num, invalid.Reason, invalid.Text)
	}

	return bw.Flush()
}

// WriteFile writes the restart file next to the original task file, with a
// .rst suffix, and returns its path.
func WriteFile(taskFilePath string, list *taskfile.List, runID string) (string, error) {
	path := taskFilePath + ".rst"

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create restart file: %w", err)
	}
	defer f.Close()

	if err := Write(f, list, runID); err != nil {
		return "", fmt.Errorf("failed to write restart file: %w", err)
	}
	return path, nil
}

// rerun reports whether a task belongs in the restart file as a runnable
// line. Only completed work is dropped.
func rerun(task *models.Task) bool {
	return task.State != models.TaskStateCompleted
}

// remapDeps renders the task's remaining dependencies as an annotation over
// the restart file's line numbers. Dependencies on completed parents were
// already removed during the run; a dependency whose parent is re-emitted
// keeps the edge.
func remapDeps(task *models.Task, newLine map[int]int) string {
	if len(task.Dependencies) == 0 {
		return ""
	}

	var lines []int
	for depID := range task.Dependencies {
		if l, ok := newLine[depID]; ok {
			lines = append(lines, l)
		}
	}
	sort.Ints(lines)

	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = fmt.Sprintf("%d", l)
	}
	return strings.Join(parts, ", ")
}
