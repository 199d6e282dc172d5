package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeAccounts(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("account "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestQueueLoadOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeAccounts(t, dir, "c.xml", "a.xml", "b.xml", "notes.txt")

	q := NewQueue(dir)
	n, err := q.Load(".xml")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if n != 3 {
		t.Fatalf("loaded = %d, want 3", n)
	}

	tasks, _ := q.Snapshot()
	want := []string{"a.xml", "b.xml", "c.xml"}
	for i, w := range want {
		if tasks[i].Filename != w {
			t.Errorf("task[%d] = %s, want %s", i, tasks[i].Filename, w)
		}
	}
}

func TestQueueClaimIsExclusive(t *testing.T) {
	dir := t.TempDir()
	writeAccounts(t, dir, "a.xml", "b.xml")
	q := NewQueue(dir)
	if _, err := q.Load(".xml"); err != nil {
		t.Fatal(err)
	}

	t1, ok := q.Claim("dev-1")
	if !ok {
		t.Fatal("first claim failed")
	}
	t2, ok := q.Claim("dev-2")
	if !ok {
		t.Fatal("second claim failed")
	}
	if t1.Filename == t2.Filename {
		t.Errorf("both devices claimed %s", t1.Filename)
	}
	if _, ok := q.Claim("dev-3"); ok {
		t.Error("claim succeeded on an exhausted queue")
	}
}

func TestQueueConcurrentClaims(t *testing.T) {
	dir := t.TempDir()
	var names []string
	for i := 0; i < 50; i++ {
		names = append(names, fmt.Sprintf("acc%02d.xml", i))
	}
	writeAccounts(t, dir, names...)

	q := NewQueue(dir)
	if _, err := q.Load(".xml"); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			for {
				task, ok := q.Claim(serial)
				if !ok {
					return
				}
				mu.Lock()
				seen[task.Filename]++
				mu.Unlock()
				q.Complete(task.Filename, true, "")
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()

	for name, n := range seen {
		if n != 1 {
			t.Errorf("%s claimed %d times", name, n)
		}
	}
	_, st := q.Snapshot()
	if st.Succeeded != 50 || st.Remaining != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueueResetRunning(t *testing.T) {
	dir := t.TempDir()
	writeAccounts(t, dir, "a.xml", "b.xml")
	q := NewQueue(dir)
	if _, err := q.Load(".xml"); err != nil {
		t.Fatal(err)
	}

	task, _ := q.Claim("dev-1")
	if n := q.ResetRunning("dev-1"); n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}

	// The released account is claimable again.
	again, ok := q.Claim("dev-2")
	if !ok || again.Filename != task.Filename {
		t.Errorf("reclaim = %+v ok=%v", again, ok)
	}
}

func TestQueueResetRunningAll(t *testing.T) {
	dir := t.TempDir()
	writeAccounts(t, dir, "a.xml", "b.xml", "c.xml")
	q := NewQueue(dir)
	if _, err := q.Load(".xml"); err != nil {
		t.Fatal(err)
	}

	q.Claim("dev-1")
	q.Claim("dev-2")
	if n := q.ResetRunning(""); n != 2 {
		t.Errorf("reset = %d, want 2 (every serial)", n)
	}
	_, st := q.Snapshot()
	if st.Running != 0 || st.Remaining != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueueMarkBugged(t *testing.T) {
	dir := t.TempDir()
	writeAccounts(t, dir, "bad.xml", "good.xml")
	q := NewQueue(dir)
	if _, err := q.Load(".xml"); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkBugged("bad.xml"); err != nil {
		t.Fatalf("MarkBugged() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.xml")); !os.IsNotExist(err) {
		t.Error("bugged file still on disk")
	}
	if _, st := q.Snapshot(); st.Total != 1 {
		t.Errorf("total after bugged = %d, want 1", st.Total)
	}
	if err := q.MarkBugged("bad.xml"); err == nil {
		t.Error("second MarkBugged() should fail")
	}
}

func TestQueueMoveToDone(t *testing.T) {
	dir := t.TempDir()
	writeAccounts(t, dir, "a.xml")
	q := NewQueue(dir)
	if _, err := q.Load(".xml"); err != nil {
		t.Fatal(err)
	}
	q.Complete("a.xml", true, "")

	if err := q.MoveToDone("a.xml", ""); err != nil {
		t.Fatalf("MoveToDone() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "done", "a.xml")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.xml")); !os.IsNotExist(err) {
		t.Error("original still present after move")
	}
}
