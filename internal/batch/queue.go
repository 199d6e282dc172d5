// Package batch runs account files through a workflow across a fleet of
// devices: a shared claim queue, a per-device worker pool, and the folder
// utilities around them.
package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrEmpty is returned when an operation needs a non-empty queue.
var ErrEmpty = errors.New("account queue is empty")

// AccountTask is one account file moving through a batch run.
type AccountTask struct {
	Filename string `json:"filename"`
	Filepath string `json:"filepath"`

	Processed    bool   `json:"processed"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`

	// RunningOnDevice is the serial currently holding the claim, empty when
	// unclaimed or finished.
	RunningOnDevice string `json:"running_on_device,omitempty"`
}

// Queue is the shared account queue. Every mutation happens under one mutex
// so claims are linearizable: no two devices ever hold the same account.
type Queue struct {
	mu     sync.Mutex
	folder string
	tasks  []*AccountTask
}

// NewQueue returns an empty queue rooted at folder.
func NewQueue(folder string) *Queue {
	return &Queue{folder: folder}
}

// Folder returns the folder this queue was loaded from.
func (q *Queue) Folder() string { return q.folder }

// Load scans the queue folder for account files with the given extension and
// replaces the queue contents. Files are ordered lexicographically so runs
// are reproducible.
func (q *Queue) Load(ext string) (int, error) {
	entries, err := os.ReadDir(q.folder)
	if err != nil {
		return 0, fmt.Errorf("scan account folder: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ext) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = q.tasks[:0]
	for _, name := range names {
		q.tasks = append(q.tasks, &AccountTask{
			Filename: name,
			Filepath: filepath.Join(q.folder, name),
		})
	}
	log.Info("account queue loaded", "folder", q.folder, "accounts", len(q.tasks))
	return len(q.tasks), nil
}

// Claim hands the next unprocessed, unclaimed account to serial. ok is false
// when nothing is left to claim.
func (q *Queue) Claim(serial string) (AccountTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if !t.Processed && t.RunningOnDevice == "" {
			t.RunningOnDevice = serial
			return *t, true
		}
	}
	return AccountTask{}, false
}

// Complete marks an account finished and releases its claim.
func (q *Queue) Complete(filename string, success bool, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Filename == filename {
			t.Processed = true
			t.Success = success
			t.ErrorMessage = errMsg
			t.RunningOnDevice = ""
			return
		}
	}
}

// ResetRunning releases every claim held by serial without marking the
// accounts processed, so a crashed worker's accounts go back to the pool.
// An empty serial releases every claim, used when resuming after a crash.
func (q *Queue) ResetRunning(serial string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.RunningOnDevice != "" && (serial == "" || t.RunningOnDevice == serial) && !t.Processed {
			t.RunningOnDevice = ""
			n++
		}
	}
	return n
}

// ResetAll clears processed flags and claims so the same queue can be rerun.
func (q *Queue) ResetAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		t.Processed = false
		t.Success = false
		t.ErrorMessage = ""
		t.RunningOnDevice = ""
	}
}

// MarkBugged deletes the account file and drops it from the queue. Used for
// accounts that hard-fail login and should never be retried.
func (q *Queue) MarkBugged(filename string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.Filename == filename {
			if err := os.Remove(t.Filepath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove bugged account: %w", err)
			}
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			log.Info("bugged account removed", "file", filename)
			return nil
		}
	}
	return fmt.Errorf("account %q not in queue", filename)
}

// Stats is a point-in-time summary of queue progress.
type Stats struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Remaining int `json:"remaining"`
}

// Snapshot returns copies of every task plus aggregate counts.
func (q *Queue) Snapshot() ([]AccountTask, Stats) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]AccountTask, 0, len(q.tasks))
	var st Stats
	st.Total = len(q.tasks)
	for _, t := range q.tasks {
		tasks = append(tasks, *t)
		switch {
		case t.Processed && t.Success:
			st.Processed++
			st.Succeeded++
		case t.Processed:
			st.Processed++
			st.Failed++
		case t.RunningOnDevice != "":
			st.Running++
		default:
			st.Remaining++
		}
	}
	return tasks, st
}

// Remaining reports how many accounts are still claimable.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if !t.Processed && t.RunningOnDevice == "" {
			n++
		}
	}
	return n
}

// MoveToDone relocates a processed account file into doneFolder, creating it
// when missing. An empty doneFolder defaults to <queue folder>/done.
func (q *Queue) MoveToDone(filename, doneFolder string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var task *AccountTask
	for _, t := range q.tasks {
		if t.Filename == filename {
			task = t
			break
		}
	}
	if task == nil {
		return fmt.Errorf("account %q not in queue", filename)
	}

	if doneFolder == "" {
		doneFolder = filepath.Join(q.folder, "done")
	}
	if err := os.MkdirAll(doneFolder, 0o755); err != nil {
		return fmt.Errorf("create done folder: %w", err)
	}
	dst := filepath.Join(doneFolder, task.Filename)
	if err := os.Rename(task.Filepath, dst); err != nil {
		return fmt.Errorf("move account to done: %w", err)
	}
	task.Filepath = dst
	return nil
}
