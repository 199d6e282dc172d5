package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner records invocations and serves canned responses keyed by a
// space-joined argument prefix.
type fakeRunner struct {
	mu        sync.Mutex
	calls     [][]string
	responses map[string][]byte
	errors    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string][]byte),
		errors:    make(map[string]error),
	}
}

func (f *fakeRunner) Output(_ context.Context, _ time.Duration, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)

	joined := strings.Join(args, " ")
	for prefix, err := range f.errors {
		if strings.HasPrefix(joined, prefix) || strings.Contains(joined, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(joined, prefix) || strings.Contains(joined, prefix) {
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) callCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if strings.Contains(strings.Join(call, " "), substr) {
			n++
		}
	}
	return n
}

func TestParseDevicesOutput(t *testing.T) {
	out := "List of devices attached\n" +
		"emulator-5554\tdevice product:sdk_gphone model:Pixel\n" +
		"emulator-5556\toffline\n" +
		"R58M12ABC\tunauthorized\n" +
		"\n"

	got := ParseDevicesOutput(out)
	want := map[string]Status{
		"emulator-5554": StatusOnline,
		"emulator-5556": StatusOffline,
		"R58M12ABC":     StatusUnauthorized,
	}
	if len(got) != len(want) {
		t.Fatalf("parsed %d devices, want %d: %v", len(got), len(want), got)
	}
	for serial, status := range want {
		if got[serial] != status {
			t.Errorf("%s = %q, want %q", serial, got[serial], status)
		}
	}
}

func TestTapBuildsInputCommand(t *testing.T) {
	fr := newFakeRunner()
	d := NewDevice("emulator-5554", fr, DefaultOptions())

	if err := d.Tap(context.Background(), 120, 240); err != nil {
		t.Fatalf("Tap() = %v", err)
	}

	want := []string{"-s", "emulator-5554", "shell", "input", "tap", "120", "240"}
	got := fr.calls[0]
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v, want %v", got, want)
		}
	}
}

func TestBridgeErrorRetriesThenHook(t *testing.T) {
	fr := newFakeRunner()
	fr.errors["input tap"] = fmt.Errorf("%w: device gone", ErrBridge)

	opts := DefaultOptions()
	opts.Retries = 3
	d := NewDevice("emulator-5554", fr, opts)

	var hookSerial string
	d.SetBridgeErrorHook(func(s string) { hookSerial = s })

	err := d.Tap(context.Background(), 1, 2)
	if !errors.Is(err, ErrBridge) {
		t.Fatalf("err = %v, want ErrBridge", err)
	}
	if n := fr.callCount("input tap"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if hookSerial != "emulator-5554" {
		t.Errorf("bridge hook got %q", hookSerial)
	}
}

func TestScreenshotDecodesPNG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 6))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	fr := newFakeRunner()
	fr.responses["exec-out screencap -p"] = buf.Bytes()

	d := NewDevice("emulator-5554", fr, DefaultOptions())
	img, err := d.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("Screenshot() = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("bounds = %v", b)
	}
}

func TestScreenSizeParsing(t *testing.T) {
	fr := newFakeRunner()
	fr.responses["shell wm size"] = []byte("Physical size: 960x540\n")

	d := NewDevice("emulator-5554", fr, DefaultOptions())
	w, h, err := d.ScreenSize(context.Background())
	if err != nil {
		t.Fatalf("ScreenSize() = %v", err)
	}
	if w != 960 || h != 540 {
		t.Errorf("size = %dx%d, want 960x540", w, h)
	}
}

func TestAcquireRelease(t *testing.T) {
	d := NewDevice("emulator-5554", newFakeRunner(), DefaultOptions())

	if err := d.Acquire("job-1"); err != nil {
		t.Fatalf("first Acquire = %v", err)
	}
	// Re-acquire by the same owner is idempotent.
	if err := d.Acquire("job-1"); err != nil {
		t.Fatalf("re-Acquire = %v", err)
	}
	if err := d.Acquire("job-2"); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Acquire by second owner = %v, want ErrDeviceBusy", err)
	}

	// Release by a non-owner is a no-op.
	d.Release("job-2")
	if !d.Owned() {
		t.Fatal("Release by non-owner dropped ownership")
	}

	d.Release("job-1")
	if d.Owned() {
		t.Fatal("device still owned after Release")
	}
	if err := d.Acquire("job-2"); err != nil {
		t.Fatalf("Acquire after release = %v", err)
	}
}

func TestRegistryRefreshTransitions(t *testing.T) {
	fr := newFakeRunner()
	fr.responses["devices -l"] = []byte("List of devices attached\nemulator-5554\tdevice\n")
	fr.responses["shell wm size"] = []byte("Physical size: 960x540\n")

	r := NewRegistry(fr, DefaultOptions(), nil)
	r.Refresh(context.Background())

	info, ok := r.Get("emulator-5554")
	if !ok {
		t.Fatal("device not registered after refresh")
	}
	if info.Status != StatusOnline {
		t.Errorf("status = %q", info.Status)
	}
	if info.ScreenWidth != 960 || info.ScreenHeight != 540 {
		t.Errorf("screen = %dx%d", info.ScreenWidth, info.ScreenHeight)
	}

	// Device vanishes from the scan: entry is retained, flipped offline.
	fr.mu.Lock()
	fr.responses["devices -l"] = []byte("List of devices attached\n")
	fr.mu.Unlock()
	r.Refresh(context.Background())

	info, ok = r.Get("emulator-5554")
	if !ok {
		t.Fatal("offline device was dropped from the registry")
	}
	if info.Status != StatusOffline {
		t.Errorf("status after disappearance = %q", info.Status)
	}
}

func TestRegistryChannelIsStable(t *testing.T) {
	r := NewRegistry(newFakeRunner(), DefaultOptions(), nil)
	a := r.Channel("emulator-5554")
	b := r.Channel("emulator-5554")
	if a != b {
		t.Error("Channel() should return the same Device per serial")
	}
}

func TestRegistryBridgeErrorHook(t *testing.T) {
	fr := newFakeRunner()
	fr.responses["devices -l"] = []byte("List of devices attached\nemulator-5554\tdevice\n")
	fr.responses["shell wm size"] = []byte("Physical size: 960x540\n")
	fr.errors["input tap"] = fmt.Errorf("%w: device gone", ErrBridge)

	r := NewRegistry(fr, DefaultOptions(), nil)

	var mu sync.Mutex
	var serials []string
	r.SetBridgeErrorHook(func(serial string) {
		mu.Lock()
		serials = append(serials, serial)
		mu.Unlock()
	})
	r.Refresh(context.Background())

	if err := r.Channel("emulator-5554").Tap(context.Background(), 1, 2); !errors.Is(err, ErrBridge) {
		t.Fatalf("Tap() = %v, want ErrBridge", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(serials) != 1 || serials[0] != "emulator-5554" {
		t.Errorf("hook calls = %v, want one for emulator-5554", serials)
	}
	if info, _ := r.Get("emulator-5554"); info.Status != StatusOffline {
		t.Errorf("status = %q, want offline after bridge failure", info.Status)
	}
}
