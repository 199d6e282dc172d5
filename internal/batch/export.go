package batch

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/droidfarm/droidfarm/internal/util"
)

// ExportDevice is the device surface the exporter needs.
type ExportDevice interface {
	Serial() string
	ShellSu(ctx context.Context, command string) (string, error)
	Pull(ctx context.Context, remotePath string) ([]byte, error)
}

// Exporter pulls the live account file off a device. The file lives inside
// the app's data dir, so it is root-copied to a readable staging path first,
// pulled, then the staging copy is removed.
type Exporter struct {
	// RemoteAccountPath is the on-device account file to export.
	RemoteAccountPath string

	// StagingDir is a shell-readable on-device directory, usually
	// /data/local/tmp.
	StagingDir string

	// OutputDir receives exported files on the host.
	OutputDir string
}

// Export copies the device's current account file into OutputDir under a
// name derived from label and the current date, and returns the written
// path.
func (e *Exporter) Export(ctx context.Context, dev ExportDevice, label string) (string, error) {
	staging := e.StagingDir
	if staging == "" {
		staging = "/data/local/tmp"
	}
	base := path.Base(e.RemoteAccountPath)
	remoteTmp := path.Join(staging, base)

	if _, err := dev.ShellSu(ctx, fmt.Sprintf("cp '%s' '%s'", e.RemoteAccountPath, remoteTmp)); err != nil {
		return "", fmt.Errorf("stage account for export: %w", err)
	}
	if _, err := dev.ShellSu(ctx, fmt.Sprintf("chmod 644 '%s'", remoteTmp)); err != nil {
		return "", fmt.Errorf("make staged account readable: %w", err)
	}

	data, err := dev.Pull(ctx, remoteTmp)
	if err != nil {
		return "", fmt.Errorf("pull account: %w", err)
	}
	if _, err := dev.ShellSu(ctx, fmt.Sprintf("rm '%s'", remoteTmp)); err != nil {
		log.Warn("staged export not cleaned up", "serial", dev.Serial(), "path", remoteTmp, "err", err)
	}

	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s", util.SanitizeForFilename(label), time.Now().Format("20060102"), base)
	out := filepath.Join(e.OutputDir, name)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write exported account: %w", err)
	}

	log.Info("account exported", "serial", dev.Serial(), "file", out)
	return out, nil
}
