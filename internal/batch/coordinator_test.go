package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/bus"
	"github.com/droidfarm/droidfarm/internal/workflow"
)

type fakeWorkerDev struct {
	serial string

	mu       sync.Mutex
	owner    string
	pushes   []string
	copies   [][2]string
	stops    int
	tapErr   error
	goodTaps int
	tapped   int
	waiters  int
}

func (d *fakeWorkerDev) Serial() string { return d.serial }

func (d *fakeWorkerDev) Acquire(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != "" && d.owner != owner {
		return fmt.Errorf("busy: owned by %s", d.owner)
	}
	d.owner = owner
	return nil
}

func (d *fakeWorkerDev) Release(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner == owner {
		d.owner = ""
	}
}

func (d *fakeWorkerDev) owned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner != ""
}

func (d *fakeWorkerDev) Tap(context.Context, int, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tapped++
	if d.tapErr != nil && d.tapped > d.goodTaps {
		return d.tapErr
	}
	return nil
}

func (d *fakeWorkerDev) Swipe(context.Context, int, int, int, int, time.Duration) error { return nil }
func (d *fakeWorkerDev) KeyEvent(context.Context, int) error                            { return nil }

func (d *fakeWorkerDev) Screenshot(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 100, 100)), nil
}

func (d *fakeWorkerDev) ScreenSize(context.Context) (int, int, error) { return 100, 100, nil }

func (d *fakeWorkerDev) StartApp(context.Context, string, string) error { return nil }

func (d *fakeWorkerDev) ForceStop(context.Context, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeWorkerDev) ClearAppCache(context.Context, string) error { return nil }

func (d *fakeWorkerDev) Push(_ context.Context, _ []byte, remote string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushes = append(d.pushes, remote)
	return nil
}

func (d *fakeWorkerDev) CopyFileWithRoot(_ context.Context, src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.copies = append(d.copies, [2]string{src, dst})
	return nil
}

type noTemplates struct{}

func (noTemplates) Load(_ context.Context, ref string) (image.Image, error) {
	return nil, fmt.Errorf("no template %q", ref)
}

func loadedQueue(t *testing.T, accounts ...string) *Queue {
	t.Helper()
	dir := t.TempDir()
	writeAccounts(t, dir, accounts...)
	q := NewQueue(dir)
	if _, err := q.Load(".xml"); err != nil {
		t.Fatal(err)
	}
	return q
}

func tapWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "tap-once", ScreenWidth: 100, ScreenHeight: 100,
		Steps: []workflow.Step{{OrderIndex: 0, Type: workflow.StepClick, X: 5, Y: 5}},
	}
}

func testOptions() Options {
	return Options{
		RemoteAccountPath: "/data/data/com.example/shared_prefs/account.xml",
		RemoteStagingPath: "/data/local/tmp/account.xml",
		Target:            workflow.Target{Package: "com.example"},
	}
}

func TestCoordinatorDrainsQueueAcrossDevices(t *testing.T) {
	q := loadedQueue(t, "a.xml", "b.xml", "c.xml", "d.xml", "e.xml")
	c := NewCoordinator(q, noTemplates{}, bus.New(), nil)

	devs := []WorkerDevice{
		&fakeWorkerDev{serial: "emulator-5554"},
		&fakeWorkerDev{serial: "emulator-5556"},
	}

	job, err := c.Start(context.Background(), devs, tapWorkflow(), testOptions())
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if job.State != JobRunning || len(job.Serials) != 2 {
		t.Errorf("job = %+v", job)
	}
	c.Wait()

	_, st := q.Snapshot()
	if st.Succeeded != 5 || st.Failed != 0 || st.Remaining != 0 {
		t.Errorf("stats = %+v", st)
	}

	// Both devices saw the push pipeline and were released.
	total := 0
	for _, d := range devs {
		fd := d.(*fakeWorkerDev)
		if fd.owned() {
			t.Errorf("%s still owned after job", fd.serial)
		}
		total += len(fd.copies)
	}
	if total != 5 {
		t.Errorf("root copies = %d, want 5", total)
	}

	status, ok := c.Status()
	if !ok || status.State != JobCompleted || status.FinishedAt == nil {
		t.Errorf("status = %+v ok=%v", status, ok)
	}
}

func TestCoordinatorRejectsSecondStart(t *testing.T) {
	q := loadedQueue(t, "a.xml", "b.xml", "c.xml")
	c := NewCoordinator(q, noTemplates{}, nil, nil)

	slow := tapWorkflow()
	slow.Steps = []workflow.Step{{OrderIndex: 0, Type: workflow.StepWait, WaitDurationMS: 5_000}}

	dev := &fakeWorkerDev{serial: "emulator-5554"}
	if _, err := c.Start(context.Background(), []WorkerDevice{dev}, slow, testOptions()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		c.Stop()
	}()

	_, err := c.Start(context.Background(), []WorkerDevice{&fakeWorkerDev{serial: "x"}}, tapWorkflow(), testOptions())
	if !errors.Is(err, ErrJobRunning) {
		t.Errorf("second Start() = %v, want ErrJobRunning", err)
	}
}

func TestCoordinatorStopReleasesClaims(t *testing.T) {
	q := loadedQueue(t, "a.xml", "b.xml", "c.xml")
	c := NewCoordinator(q, noTemplates{}, bus.New(), nil)

	slow := tapWorkflow()
	slow.Steps = []workflow.Step{{OrderIndex: 0, Type: workflow.StepWait, WaitDurationMS: 10_000}}

	dev := &fakeWorkerDev{serial: "emulator-5554"}
	if _, err := c.Start(context.Background(), []WorkerDevice{dev}, slow, testOptions()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	if dev.owned() {
		t.Error("device still owned after stop")
	}
	_, st := q.Snapshot()
	if st.Running != 0 {
		t.Errorf("running after stop = %d, want 0", st.Running)
	}
	if st.Remaining != 3 {
		t.Errorf("remaining after stop = %d, want 3 (nothing processed)", st.Remaining)
	}

	// The surviving queue can be resumed with a fresh start.
	if _, err := c.Start(context.Background(), []WorkerDevice{dev}, tapWorkflow(), testOptions()); err != nil {
		t.Fatalf("resume Start() = %v", err)
	}
	c.Wait()
	if _, st := q.Snapshot(); st.Succeeded != 3 {
		t.Errorf("after resume stats = %+v", st)
	}
}

func TestCoordinatorAcquireRollback(t *testing.T) {
	q := loadedQueue(t, "a.xml")
	c := NewCoordinator(q, noTemplates{}, nil, nil)

	free := &fakeWorkerDev{serial: "emulator-5554"}
	busy := &fakeWorkerDev{serial: "emulator-5556", owner: "someone-else"}

	_, err := c.Start(context.Background(), []WorkerDevice{free, busy}, tapWorkflow(), testOptions())
	if err == nil {
		t.Fatal("Start() should fail when a device is busy")
	}
	if free.owned() {
		t.Error("first device not rolled back after failed start")
	}
}

func TestCoordinatorEmptyQueue(t *testing.T) {
	q := NewQueue(t.TempDir())
	c := NewCoordinator(q, noTemplates{}, nil, nil)

	_, err := c.Start(context.Background(), []WorkerDevice{&fakeWorkerDev{serial: "d"}}, tapWorkflow(), testOptions())
	if !errors.Is(err, ErrEmpty) {
		t.Errorf("Start() = %v, want ErrEmpty", err)
	}
}

func TestCoordinatorRetiresFailingWorker(t *testing.T) {
	q := loadedQueue(t, "a.xml", "b.xml", "c.xml", "d.xml", "e.xml")
	c := NewCoordinator(q, noTemplates{}, bus.New(), nil)

	broken := &fakeWorkerDev{serial: "emulator-5554", tapErr: errors.New("input rejected")}
	if _, err := c.Start(context.Background(), []WorkerDevice{broken}, tapWorkflow(), testOptions()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	_, st := q.Snapshot()
	if st.Failed != consecutiveFailureLimit {
		t.Errorf("failed = %d, want %d (worker retires, rest stay queued)", st.Failed, consecutiveFailureLimit)
	}
	if st.Remaining != 5-consecutiveFailureLimit {
		t.Errorf("remaining = %d", st.Remaining)
	}
	if broken.owned() {
		t.Error("retired worker left device owned")
	}
}

func TestCoordinatorBridgeFailureRetiresWorker(t *testing.T) {
	q := loadedQueue(t, "a.xml", "b.xml", "c.xml", "d.xml", "e.xml")
	c := NewCoordinator(q, noTemplates{}, bus.New(), nil)

	// The dying device completes two accounts, then its bridge goes away.
	// Only the in-flight account may fail; the healthy device drains the rest.
	dying := &fakeWorkerDev{
		serial:   "emulator-5554",
		goodTaps: 2,
		tapErr:   fmt.Errorf("device offline: %w", adb.ErrBridge),
	}
	healthy := &fakeWorkerDev{serial: "emulator-5556"}

	if _, err := c.Start(context.Background(), []WorkerDevice{dying, healthy}, tapWorkflow(), testOptions()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	_, st := q.Snapshot()
	if st.Failed != 1 {
		t.Errorf("failed = %d, want 1 (only the in-flight account)", st.Failed)
	}
	if st.Succeeded != 4 || st.Remaining != 0 {
		t.Errorf("stats = %+v, want 4 successes and an empty queue", st)
	}
	if dying.owned() {
		t.Error("retired worker left device owned")
	}
}

func TestCoordinatorSurvivesOneBrokenDevice(t *testing.T) {
	q := loadedQueue(t, "a.xml", "b.xml", "c.xml", "d.xml", "e.xml", "f.xml", "g.xml", "h.xml")
	c := NewCoordinator(q, noTemplates{}, bus.New(), nil)

	broken := &fakeWorkerDev{serial: "emulator-5554", tapErr: errors.New("input rejected")}
	healthy := &fakeWorkerDev{serial: "emulator-5556"}
	if _, err := c.Start(context.Background(), []WorkerDevice{broken, healthy}, tapWorkflow(), testOptions()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	// The broken device retires after its failure limit; the healthy one
	// keeps claiming until the queue drains.
	_, st := q.Snapshot()
	if st.Failed != consecutiveFailureLimit {
		t.Errorf("failed = %d, want %d", st.Failed, consecutiveFailureLimit)
	}
	if st.Remaining != 0 || st.Succeeded != 8-consecutiveFailureLimit {
		t.Errorf("stats = %+v, healthy device should drain the rest", st)
	}
}

func TestCoordinatorPublishesLifecycleEvents(t *testing.T) {
	q := loadedQueue(t, "a.xml")
	b := bus.New()
	events, cancel := b.Subscribe(64)
	defer cancel()

	c := NewCoordinator(q, noTemplates{}, b, nil)
	if _, err := c.Start(context.Background(), []WorkerDevice{&fakeWorkerDev{serial: "d"}}, tapWorkflow(), testOptions()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	var types []bus.EventType
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == bus.EventJobCompleted {
				if types[0] != bus.EventJobStarted {
					t.Errorf("first event = %s, want job_started", types[0])
				}
				return
			}
		case <-deadline:
			t.Fatalf("never saw job_completed, got %v", types)
		}
	}
}
