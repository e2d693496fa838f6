// Package queue implements the shared-filesystem task queue between the
// task emitter and the analysis workers. Task state is the directory a
// file lives in; the pending->processing transition is an atomic rename
// and is the only claim primitive in the system.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DirPending    = "pending"
	DirProcessing = "processing"
	DirCompleted  = "completed"
	DirFailed     = "failed"
)

// Queue is rooted at a shared directory (a network share in the
// intended deployment) with the four state subdirectories.
type Queue struct {
	root string
}

// Open ensures the state subdirectories exist and returns the queue.
func Open(root string) (*Queue, error) {
	for _, d := range []string{DirPending, DirProcessing, DirCompleted, DirFailed} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", d, err)
		}
	}
	return &Queue{root: root}, nil
}

func (q *Queue) path(dir, name string) string {
	return filepath.Join(q.root, dir, name)
}

// WriteTaskIfAbsent creates the task file in pending with O_EXCL.
// Returns false without error when the path already exists: the other
// writer won, which is a benign race, not a failure.
func (q *Queue) WriteTaskIfAbsent(t Task) (bool, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal task %s: %w", t.TaskID, err)
	}

	f, err := os.OpenFile(q.path(DirPending, t.FileName()), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create task file %s: %w", t.FileName(), err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("write task file %s: %w", t.FileName(), err)
	}
	return true, nil
}

// Pending lists the task files currently waiting to be claimed.
func (q *Queue) Pending() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, DirPending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Claim moves a task from pending to processing. A failed rename means
// another worker took it (or it vanished); that is not an error, the
// caller just skips the task.
func (q *Queue) Claim(name string) bool {
	return os.Rename(q.path(DirPending, name), q.path(DirProcessing, name)) == nil
}

// ReadProcessing loads a claimed task.
func (q *Queue) ReadProcessing(name string) (Task, error) {
	return q.ReadFrom(DirProcessing, name)
}

// ReadFrom loads a task file from the given state directory.
func (q *Queue) ReadFrom(dir, name string) (Task, error) {
	data, err := os.ReadFile(q.path(dir, name))
	if err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", name, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", name, err)
	}
	return t, nil
}

// RewriteProcessing replaces a claimed task file with its augmented
// form. Only the owner of the claim calls this.
func (q *Queue) RewriteProcessing(name string, t Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", name, err)
	}
	if err := os.WriteFile(q.path(DirProcessing, name), data, 0o644); err != nil {
		return fmt.Errorf("rewrite task %s: %w", name, err)
	}
	return nil
}

// Complete moves a claimed task to its successful terminal state.
func (q *Queue) Complete(name string) error {
	if err := os.Rename(q.path(DirProcessing, name), q.path(DirCompleted, name)); err != nil {
		return fmt.Errorf("complete task %s: %w", name, err)
	}
	return nil
}

// Fail moves a claimed task to its failed terminal state.
func (q *Queue) Fail(name string) error {
	if err := os.Rename(q.path(DirProcessing, name), q.path(DirFailed, name)); err != nil {
		return fmt.Errorf("fail task %s: %w", name, err)
	}
	return nil
}

// FailFromAnywhere moves a task to failed from whichever directory
// currently holds it. Best effort, used when an error fires between
// claim and relocation and the file's location is uncertain.
func (q *Queue) FailFromAnywhere(name string) {
	for _, dir := range []string{DirProcessing, DirPending} {
		if _, err := os.Stat(q.path(dir, name)); err == nil {
			_ = os.Rename(q.path(dir, name), q.path(DirFailed, name))
			return
		}
	}
}

// InDir reports whether the named task file is currently in the given
// state directory.
func (q *Queue) InDir(dir, name string) bool {
	_, err := os.Stat(q.path(dir, name))
	return err == nil
}
