package adb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/droidfarm/droidfarm/internal/bus"
)

// Status is the bridge-reported connection state of a device.
type Status string

const (
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusUnauthorized Status = "unauthorized"
)

// Task is the label assigned to a device. Assignment alone starts nothing;
// the coordinator decides which devices actually run.
type Task string

const (
	TaskNone       Task = "none"
	TaskDailyLogin Task = "daily_login"
	TaskReID       Task = "re_id"
)

// Info is a read-only snapshot of one registry entry.
type Info struct {
	Serial       string `json:"serial"`
	Status       Status `json:"status"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	AssignedTask Task   `json:"assigned_task"`
	IsRunning    bool   `json:"is_running"`
}

type entry struct {
	info Info
}

// Registry tracks attached devices. It polls `adb devices -l` periodically;
// entries for serials that drop off the bridge flip to offline but are
// retained until removed explicitly.
type Registry struct {
	runner Runner
	opts   Options
	bus    *bus.Bus

	// onBridge is called with the serial on every exhausted-retries failure,
	// before the offline flip. Set once before Start.
	onBridge func(serial string)

	mu       sync.Mutex
	entries  map[string]*entry
	channels map[string]*Device
}

// NewRegistry builds a Registry over the given runner. Events are published
// on b when device status changes.
func NewRegistry(runner Runner, opts Options, b *bus.Bus) *Registry {
	return &Registry{
		runner:   runner,
		opts:     opts,
		bus:      b,
		entries:  make(map[string]*entry),
		channels: make(map[string]*Device),
	}
}

// SetBridgeErrorHook registers fn to run whenever any channel's command
// fails after all retries, in addition to the offline flip.
func (r *Registry) SetBridgeErrorHook(fn func(serial string)) {
	r.onBridge = fn
}

// Start runs the poll loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh re-scans the bridge and reconciles the entry table.
func (r *Registry) Refresh(ctx context.Context) {
	out, err := r.runner.Output(ctx, r.opts.CommandTimeout, "devices", "-l")
	if err != nil {
		log.Warn("device scan failed", "err", err)
		return
	}

	seen := ParseDevicesOutput(string(out))

	type transition struct {
		serial string
		status Status
	}
	var changed []transition
	var needSize []string

	r.mu.Lock()
	for serial, status := range seen {
		e, ok := r.entries[serial]
		if !ok {
			e = &entry{info: Info{Serial: serial, Status: status, AssignedTask: TaskNone}}
			r.entries[serial] = e
			changed = append(changed, transition{serial, status})
		} else if e.info.Status != status {
			e.info.Status = status
			changed = append(changed, transition{serial, status})
		}
		if status == StatusOnline && e.info.ScreenWidth == 0 {
			needSize = append(needSize, serial)
		}
	}
	// Serials that disappeared from the scan go offline but stay listed.
	for serial, e := range r.entries {
		if _, ok := seen[serial]; !ok && e.info.Status != StatusOffline {
			e.info.Status = StatusOffline
			changed = append(changed, transition{serial, StatusOffline})
		}
	}
	r.mu.Unlock()

	for _, serial := range needSize {
		w, h, err := r.Channel(serial).ScreenSize(ctx)
		if err != nil {
			log.Debug("screen size probe failed", "serial", serial, "err", err)
			continue
		}
		r.mu.Lock()
		if e, ok := r.entries[serial]; ok {
			e.info.ScreenWidth = w
			e.info.ScreenHeight = h
		}
		r.mu.Unlock()
	}

	for _, tr := range changed {
		log.Info("device status changed", "serial", tr.serial, "status", tr.status)
		if r.bus != nil {
			r.bus.Publish(bus.Event{
				Type:    bus.EventDeviceStatus,
				Serial:  tr.serial,
				Message: string(tr.status),
			})
		}
	}
}

// ParseDevicesOutput parses `adb devices -l` output into serial → status.
func ParseDevicesOutput(out string) map[string]Status {
	result := make(map[string]Status)
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" {
			// First line is the "List of devices attached" header.
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		var status Status
		switch fields[1] {
		case "device":
			status = StatusOnline
		case "unauthorized":
			status = StatusUnauthorized
		default:
			status = StatusOffline
		}
		result[fields[0]] = status
	}
	return result
}

// Snapshot returns all entries ordered by serial.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Serial < infos[j].Serial })
	return infos
}

// Get returns the entry for serial, if known.
func (r *Registry) Get(serial string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[serial]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Channel returns the command channel for serial, creating it on first use.
// Bridge failures on the channel flip the registry entry offline.
func (r *Registry) Channel(serial string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.channels[serial]; ok {
		return d
	}
	d := NewDevice(serial, r.runner, r.opts)
	d.SetBridgeErrorHook(r.markOffline)
	r.channels[serial] = d
	return d
}

func (r *Registry) markOffline(serial string) {
	if r.onBridge != nil {
		r.onBridge(serial)
	}

	r.mu.Lock()
	e, ok := r.entries[serial]
	wasOnline := ok && e.info.Status == StatusOnline
	if wasOnline {
		e.info.Status = StatusOffline
	}
	r.mu.Unlock()

	if wasOnline {
		log.Warn("device marked offline after bridge failure", "serial", serial)
		if r.bus != nil {
			r.bus.Publish(bus.Event{
				Type:    bus.EventDeviceStatus,
				Serial:  serial,
				Message: string(StatusOffline),
			})
		}
	}
}

// AssignTask sets the task label on serial.
func (r *Registry) AssignTask(serial string, task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[serial]
	if !ok {
		return false
	}
	e.info.AssignedTask = task
	return true
}

// SetRunning flags whether a worker currently drives serial.
func (r *Registry) SetRunning(serial string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[serial]; ok {
		e.info.IsRunning = running
	}
}

// Remove drops the entry and channel for serial.
func (r *Registry) Remove(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, serial)
	delete(r.channels, serial)
}
