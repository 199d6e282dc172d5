package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeExportDev struct {
	shellCmds []string
	pulled    map[string][]byte
}

func (d *fakeExportDev) Serial() string { return "emulator-5554" }

func (d *fakeExportDev) ShellSu(_ context.Context, cmd string) (string, error) {
	d.shellCmds = append(d.shellCmds, cmd)
	return "", nil
}

func (d *fakeExportDev) Pull(_ context.Context, remote string) ([]byte, error) {
	return d.pulled[remote], nil
}

func TestExport(t *testing.T) {
	out := t.TempDir()
	dev := &fakeExportDev{
		pulled: map[string][]byte{
			"/data/local/tmp/account.xml": []byte("<map><string>token</string></map>"),
		},
	}

	e := &Exporter{
		RemoteAccountPath: "/data/data/com.example/shared_prefs/account.xml",
		OutputDir:         out,
	}

	path, err := e.Export(context.Background(), dev, "Main Account")
	if err != nil {
		t.Fatalf("Export() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "token") {
		t.Error("exported content mismatch")
	}

	name := filepath.Base(path)
	if !strings.HasPrefix(name, "main-account_") || !strings.HasSuffix(name, "_account.xml") {
		t.Errorf("export name = %s", name)
	}

	// The staged copy is made readable and cleaned up.
	joined := strings.Join(dev.shellCmds, "\n")
	for _, want := range []string{"cp '", "chmod 644", "rm '"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing shell command %q in %q", want, joined)
		}
	}
}
