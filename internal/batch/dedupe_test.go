package batch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDedupe(t *testing.T) {
	master := t.TempDir()
	candidate := t.TempDir()

	write := func(dir, name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write(master, "m1.xml", "alpha")
	write(master, "m2.xml", "beta")
	write(candidate, "c1.xml", "alpha")   // duplicate of m1
	write(candidate, "c2.xml", "gamma")   // unique
	write(candidate, "c3.xml", "beta")    // duplicate of m2
	write(candidate, "skip.txt", "alpha") // wrong extension

	t.Run("dry run reports without deleting", func(t *testing.T) {
		res, err := Dedupe(master, candidate, ".xml", true)
		if err != nil {
			t.Fatalf("Dedupe() = %v", err)
		}
		if len(res.Duplicates) != 2 || res.Deleted != 0 {
			t.Errorf("result = %+v", res)
		}
		if _, err := os.Stat(filepath.Join(candidate, "c1.xml")); err != nil {
			t.Error("dry run deleted a file")
		}
	})

	t.Run("live run deletes duplicates only", func(t *testing.T) {
		res, err := Dedupe(master, candidate, ".xml", false)
		if err != nil {
			t.Fatalf("Dedupe() = %v", err)
		}
		if res.Deleted != 2 {
			t.Errorf("deleted = %d, want 2", res.Deleted)
		}
		for _, gone := range []string{"c1.xml", "c3.xml"} {
			if _, err := os.Stat(filepath.Join(candidate, gone)); !os.IsNotExist(err) {
				t.Errorf("%s should be deleted", gone)
			}
		}
		if _, err := os.Stat(filepath.Join(candidate, "c2.xml")); err != nil {
			t.Error("unique file was deleted")
		}
		if _, err := os.Stat(filepath.Join(candidate, "skip.txt")); err != nil {
			t.Error("non-matching extension was touched")
		}
	})
}

func TestDedupeMissingFolder(t *testing.T) {
	if _, err := Dedupe(filepath.Join(t.TempDir(), "nope"), t.TempDir(), ".xml", true); err == nil {
		t.Error("Dedupe() should fail on a missing master folder")
	}
}
