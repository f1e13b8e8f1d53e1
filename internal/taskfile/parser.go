// internal/taskfile/parser.go
package taskfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mbarrio/fanout/internal/models"
)

// List is the parsed task file: the task map, the ids accepted for
// execution in input order, the reverse-dependency index and the rejected
// lines. Dependencies on tasks are kept as two flat id-keyed mappings (the
// forward sets on the tasks, the reverse lists here), never as pointers
// between task records.
type List struct {
	Tasks   map[int]*models.Task
	Valid   []int
	RevDeps map[int][]int
	Invalid []InvalidLine
}

// InvalidLine describes a rejected task-file line.
type InvalidLine struct {
	Num    int    // 1-based line number
	Text   string // original line content
	Reason string
}

// Parse reads a task file: one shell command per line. Blank lines and lines
// starting with '#' are skipped but still consume line numbers. A line may
// start with a dependency annotation of the form
//
//	[# 1, 3-5, -1 #] command
//
// listing the line numbers this task waits for. Entries are absolute line
// numbers, inclusive ranges, or negative offsets (-1 is the nearest
// preceding task line). References must point backward to an accepted task
// line; anything else invalidates the line. Backward-only references keep
// the dependency graph acyclic, which the scheduler relies on when it
// propagates cancellations.
func Parse(r io.Reader) (*List, error) {
	list := &List{
		Tasks:   make(map[int]*models.Task),
		RevDeps: make(map[int][]int),
	}

	lineToID := make(map[int]int) // accepted task line -> task id
	var taskLines []int           // accepted task lines in order, for negative offsets

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	num := 0
	for scanner.Scan() {
		num++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}

		annotation, command, err := splitAnnotation(trimmed)
		if err != nil {
			list.reject(num, line, err.Error())
			continue
		}
		if command == "" {
			list.reject(num, line, "empty command")
			continue
		}

		deps, err := resolveDeps(annotation, num, lineToID, taskLines)
		if err != nil {
			list.reject(num, line, err.Error())
			continue
		}

		id := len(list.Valid)
		task := models.NewTask(id, num, command)
		for _, dep := range deps {
			task.AddDependency(dep)
			list.RevDeps[dep] = append(list.RevDeps[dep], id)
		}

		list.Tasks[id] = task
		list.Valid = append(list.Valid, id)
		lineToID[num] = id
		taskLines = append(taskLines, num)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	return list, nil
}

// ParseFile opens and parses a task file from disk.
func ParseFile(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// MarkCompleted flags tasks finished by a previous run as completed and
// releases their dependents, so a rerun over the same file resumes where it
// left off.
func (l *List) MarkCompleted(ids []int) {
	for _, id := range ids {
		task, ok := l.Tasks[id]
		if !ok || task.State.IsTerminal() {
			continue
		}
		task.SetState(models.TaskStateCompleted)
		for _, childID := range l.RevDeps[id] {
			l.Tasks[childID].RemoveDependency(id)
		}
	}
}

func (l *List) reject(num int, text, reason string) {
	l.Invalid = append(l.Invalid, InvalidLine{Num: num, Text: text, Reason: reason})
}

// splitAnnotation separates the optional "[# ... #]" prefix from the command.
func splitAnnotation(line string) (annotation, command string, err error) {
	if !strings.HasPrefix(line, "[#") {
		return "", line, nil
	}
	end := strings.Index(line, "#]")
	if end < 0 {
		return "", "", fmt.Errorf("unterminated dependency annotation")
	}
	annotation = strings.TrimSpace(line[2:end])
	command = strings.TrimSpace(line[end+2:])
	return annotation, command, nil
}

// resolveDeps turns the annotation into a deduplicated list of task ids.
func resolveDeps(annotation string, num int, lineToID map[int]int, taskLines []int) ([]int, error) {
	if annotation == "" {
		return nil, nil
	}

	var deps []int
	seen := make(map[int]bool)

	add := func(line int) error {
		if line >= num {
			return fmt.Errorf("dependency on line %d is not a backward reference", line)
		}
		id, ok := lineToID[line]
		if !ok {
			return fmt.Errorf("dependency on line %d, which holds no valid task", line)
		}
		if !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
		return nil
	}

	for _, tok := range strings.Split(annotation, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("empty dependency entry")
		}

		switch {
		case strings.HasPrefix(tok, "-"):
			off, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("bad dependency entry %q", tok)
			}
			if -off > len(taskLines) {
				return nil, fmt.Errorf("offset %d reaches before the first task", off)
			}
			if err := add(taskLines[len(taskLines)+off]); err != nil {
				return nil, err
			}
		case strings.Contains(tok, "-"):
			lo, hi, err := parseRange(tok)
			if err != nil {
				return nil, err
			}
			for line := lo; line <= hi; line++ {
				// Range endpoints must be tasks; interior comment or blank
				// lines are skipped.
				if _, ok := lineToID[line]; !ok && line != lo && line != hi {
					continue
				}
				if err := add(line); err != nil {
					return nil, err
				}
			}
		default:
			line, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("bad dependency entry %q", tok)
			}
			if err := add(line); err != nil {
				return nil, err
			}
		}
	}

	return deps, nil
}

func parseRange(tok string) (lo, hi int, err error) {
	parts := strings.SplitN(tok, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad dependency range %q", tok)
	}
	lo, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("bad dependency range %q", tok)
	}
	hi, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("bad dependency range %q", tok)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("bad dependency range %q", tok)
	}
	return lo, hi, nil
}
