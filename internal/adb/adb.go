// Package adb wraps the Android debug bridge for device discovery, input
// injection, screenshots and file transfer.
//
// Every device gets a single command channel (see Device); commands to one
// device never run concurrently, because adb tolerates concurrent clients
// poorly and a screenshot must reflect the inputs issued just before it.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrBridge marks transient debug-bridge failures: adb missing, device
// dropped, command timed out. Callers match it with errors.Is.
var ErrBridge = errors.New("bridge failure")

// ErrDeviceBusy is returned by fail-fast leases when the device channel is
// owned by a running job.
var ErrDeviceBusy = errors.New("device busy")

// Runner executes one adb invocation and returns its combined output.
// The production implementation shells out to the adb binary; tests inject
// fakes.
type Runner interface {
	Output(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error)
}

// execRunner runs the real adb executable.
type execRunner struct {
	path string
}

// NewRunner locates the adb executable (ANDROID_HOME/platform-tools first,
// then PATH) and returns a Runner for it.
func NewRunner() (Runner, error) {
	exe := "adb"

	search := []string{}
	if home := os.Getenv("ANDROID_HOME"); home != "" {
		search = append(search, filepath.Join(home, "platform-tools", exe))
	}
	search = append(search, exe)

	for _, candidate := range search {
		if p, err := exec.LookPath(candidate); err == nil {
			return &execRunner{path: p}, nil
		}
	}
	return nil, fmt.Errorf("%w: adb not found via ANDROID_HOME or PATH", ErrBridge)
}

func (r *execRunner) Output(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("%w: adb %s: %s", ErrBridge, strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}
