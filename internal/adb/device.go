package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// KeycodeBack is the Android back key.
const KeycodeBack = 4

// Options bound adb invocations for one device.
type Options struct {
	// CommandTimeout bounds input/shell commands.
	CommandTimeout time.Duration

	// TransferTimeout bounds push/pull/screenshot commands.
	TransferTimeout time.Duration

	// Retries is how many times a transient bridge error is retried before
	// surfacing.
	Retries int
}

// DefaultOptions mirrors the original tooling's per-command limits.
func DefaultOptions() Options {
	return Options{
		CommandTimeout:  5 * time.Second,
		TransferTimeout: 30 * time.Second,
		Retries:         3,
	}
}

// Device is the serialized command channel to one emulator or phone.
//
// All commands funnel through a single mutex so no two operations hit the
// device simultaneously. A job acquires exclusive ownership for its whole
// run with Acquire/Release; ad-hoc callers (preview screenshots, manual
// keys) either wait on the command mutex or use TrySnapshot to skip when
// the channel is occupied.
type Device struct {
	serial string
	runner Runner
	opts   Options

	// cmdMu serializes every outbound command.
	cmdMu sync.Mutex

	// ownerMu guards owner.
	ownerMu sync.Mutex
	owner   string

	// onBridgeError is invoked with the serial after retries are exhausted,
	// so the registry can flip the device offline.
	onBridgeError func(serial string)
}

// NewDevice builds a command channel for serial on the given runner.
func NewDevice(serial string, runner Runner, opts Options) *Device {
	return &Device{serial: serial, runner: runner, opts: opts}
}

// Serial returns the device serial this channel is bound to.
func (d *Device) Serial() string { return d.serial }

// SetBridgeErrorHook registers a callback fired when a command fails after
// all retries. Used by the registry to mark the device offline.
func (d *Device) SetBridgeErrorHook(fn func(serial string)) {
	d.onBridgeError = fn
}

// Acquire takes exclusive ownership of the channel for a long-running job.
// It fails fast with ErrDeviceBusy when another owner holds it.
func (d *Device) Acquire(owner string) error {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	if d.owner != "" && d.owner != owner {
		return fmt.Errorf("%w: owned by %s", ErrDeviceBusy, d.owner)
	}
	d.owner = owner
	return nil
}

// Release drops ownership if held by owner.
func (d *Device) Release(owner string) {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	if d.owner == owner {
		d.owner = ""
	}
}

// Owned reports whether a job currently owns the channel.
func (d *Device) Owned() bool {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	return d.owner != ""
}

// run executes one adb command against this device under the channel mutex,
// retrying transient failures up to the configured bound.
func (d *Device) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.runLocked(ctx, timeout, args...)
}

func (d *Device) runLocked(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	full := append([]string{"-s", d.serial}, args...)

	var lastErr error
	attempts := d.opts.Retries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := d.runner.Output(ctx, timeout, full...)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, ErrBridge) {
			break
		}
		log.Debug("adb command failed, retrying", "serial", d.serial, "attempt", attempt+1, "err", err)
	}

	if errors.Is(lastErr, ErrBridge) && d.onBridgeError != nil {
		d.onBridgeError(d.serial)
	}
	return nil, lastErr
}

// Tap injects a tap at device-native coordinates.
func (d *Device) Tap(ctx context.Context, x, y int) error {
	_, err := d.run(ctx, d.opts.CommandTimeout,
		"shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Swipe injects a swipe gesture lasting the given duration.
func (d *Device) Swipe(ctx context.Context, x, y, endX, endY int, dur time.Duration) error {
	_, err := d.run(ctx, d.opts.CommandTimeout,
		"shell", "input", "swipe",
		strconv.Itoa(x), strconv.Itoa(y), strconv.Itoa(endX), strconv.Itoa(endY),
		strconv.Itoa(int(dur.Milliseconds())))
	return err
}

// KeyEvent injects an Android keycode.
func (d *Device) KeyEvent(ctx context.Context, code int) error {
	_, err := d.run(ctx, d.opts.CommandTimeout,
		"shell", "input", "keyevent", strconv.Itoa(code))
	return err
}

// Screenshot captures the current frame as a decoded image.
func (d *Device) Screenshot(ctx context.Context) (image.Image, error) {
	out, err := d.run(ctx, d.opts.TransferTimeout, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("%w: decode screenshot: %v", ErrBridge, err)
	}
	return img, nil
}

// TrySnapshot is Screenshot with a non-blocking channel grab, used by
// background preview polling. ok is false when the channel is busy.
func (d *Device) TrySnapshot(ctx context.Context) (image.Image, bool, error) {
	if !d.cmdMu.TryLock() {
		return nil, false, nil
	}
	defer d.cmdMu.Unlock()

	out, err := d.runLocked(ctx, d.opts.TransferTimeout, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, true, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, true, fmt.Errorf("%w: decode screenshot: %v", ErrBridge, err)
	}
	return img, true, nil
}

// Push writes data to remotePath on the device. The bytes are staged in a
// local temp file because adb push only takes paths.
func (d *Device) Push(ctx context.Context, data []byte, remotePath string) error {
	tmp, err := os.CreateTemp("", "droidfarm-push-*")
	if err != nil {
		return fmt.Errorf("stage push: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("stage push: %w", err)
	}
	tmp.Close()

	_, err = d.run(ctx, d.opts.TransferTimeout, "push", tmp.Name(), remotePath)
	return err
}

// Pull reads remotePath from the device and returns its bytes.
func (d *Device) Pull(ctx context.Context, remotePath string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "droidfarm-pull-")
	if err != nil {
		return nil, fmt.Errorf("stage pull: %w", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, filepath.Base(remotePath))
	if _, err := d.run(ctx, d.opts.TransferTimeout, "pull", remotePath, local); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("read pulled file: %w", err)
	}
	return data, nil
}

// Shell runs a command through `adb shell` and returns its output.
func (d *Device) Shell(ctx context.Context, command string) (string, error) {
	out, err := d.run(ctx, d.opts.TransferTimeout, "shell", command)
	return string(out), err
}

// ShellSu runs a command as root via `su -c`. Required for paths under
// /data/data on rooted emulators.
func (d *Device) ShellSu(ctx context.Context, command string) (string, error) {
	escaped := strings.ReplaceAll(command, `"`, `\"`)
	return d.Shell(ctx, fmt.Sprintf(`su -c "%s"`, escaped))
}

// StartApp launches package. With an explicit activity it uses `am start -n`;
// otherwise it falls back to the launcher intent and finally the monkey, the
// ladder the original tooling climbed for stubborn games.
func (d *Device) StartApp(ctx context.Context, pkg, activity string) error {
	if activity != "" {
		out, err := d.run(ctx, d.opts.CommandTimeout,
			"shell", "am", "start", "-n", pkg+"/"+activity)
		if err == nil && !bytes.Contains(out, []byte("Error")) {
			return nil
		}
	}

	out, err := d.run(ctx, d.opts.CommandTimeout,
		"shell", "am", "start",
		"-a", "android.intent.action.MAIN",
		"-c", "android.intent.category.LAUNCHER",
		pkg)
	if err == nil && !bytes.Contains(out, []byte("Error")) {
		return nil
	}

	if _, err := d.run(ctx, d.opts.CommandTimeout,
		"shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1"); err != nil {
		return fmt.Errorf("start %s: %w", pkg, err)
	}
	return nil
}

// ForceStop force-stops package.
func (d *Device) ForceStop(ctx context.Context, pkg string) error {
	_, err := d.run(ctx, d.opts.CommandTimeout, "shell", "am", "force-stop", pkg)
	return err
}

// ClearAppCache empties the app's cache directory as root. Stale cache can
// shadow a freshly installed account file.
func (d *Device) ClearAppCache(ctx context.Context, pkg string) error {
	_, err := d.ShellSu(ctx, fmt.Sprintf("rm -rf /data/data/%s/cache/*", pkg))
	return err
}

// CopyFileWithRoot copies src to dst on-device as root and fixes permissions
// and ownership so the target app accepts the file. Ownership is taken from
// dst's parent directory.
func (d *Device) CopyFileWithRoot(ctx context.Context, src, dst string) error {
	if _, err := d.ShellSu(ctx, fmt.Sprintf("cp '%s' '%s'", src, dst)); err != nil {
		return err
	}
	if _, err := d.ShellSu(ctx, fmt.Sprintf("chmod 660 '%s'", dst)); err != nil {
		return err
	}
	parent := dst
	if i := strings.LastIndex(dst, "/"); i > 0 {
		parent = dst[:i]
	}
	owner, err := d.ShellSu(ctx, fmt.Sprintf("stat -c '%%U:%%G' '%s'", parent))
	if err != nil {
		return err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "system:system"
	}
	_, err = d.ShellSu(ctx, fmt.Sprintf("chown %s '%s'", owner, dst))
	return err
}

var screenSizeRe = regexp.MustCompile(`(\d+)x(\d+)`)

// ScreenSize reads the device resolution from `wm size`.
func (d *Device) ScreenSize(ctx context.Context) (width, height int, err error) {
	out, err := d.run(ctx, d.opts.CommandTimeout, "shell", "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	m := screenSizeRe.FindStringSubmatch(string(out))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: unparseable wm size output %q", ErrBridge, strings.TrimSpace(string(out)))
	}
	width, _ = strconv.Atoi(m[1])
	height, _ = strconv.Atoi(m[2])
	return width, height, nil
}
