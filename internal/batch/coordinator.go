package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/bus"
	"github.com/droidfarm/droidfarm/internal/metrics"
	"github.com/droidfarm/droidfarm/internal/workflow"
)

// ErrJobRunning is returned when a start is attempted while a job is live.
var ErrJobRunning = errors.New("a batch job is already running")

// consecutiveFailureLimit retires a worker whose device keeps failing, so a
// dead emulator cannot eat the whole queue.
const consecutiveFailureLimit = 3

// JobState is the coordinator's lifecycle.
type JobState string

const (
	JobIdle      JobState = "idle"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
)

// WorkerDevice is the device surface a batch worker needs: the interpreter's
// command set plus ownership and the account-push pipeline. *adb.Device
// satisfies it.
type WorkerDevice interface {
	workflow.Device
	Acquire(owner string) error
	Release(owner string)
	Push(ctx context.Context, data []byte, remotePath string) error
	CopyFileWithRoot(ctx context.Context, src, dst string) error
	ClearAppCache(ctx context.Context, pkg string) error
}

// Options carries the per-run knobs Start needs beyond devices and workflow.
type Options struct {
	// RemoteAccountPath is the on-device file the game reads its account from.
	RemoteAccountPath string

	// RemoteStagingPath is a world-writable path the file is pushed to before
	// the root copy into the app's data dir.
	RemoteStagingPath string

	// Target describes the app, passed through to each interpreter.
	Target workflow.Target

	// MoveOnComplete relocates successful account files after processing.
	MoveOnComplete bool
	DoneFolder     string

	// DelayBetweenAccounts paces a worker between consecutive accounts.
	DelayBetweenAccounts time.Duration
}

// Job is a snapshot of one batch run.
type Job struct {
	ID           string     `json:"id"`
	WorkflowName string     `json:"workflow_name"`
	Serials      []string   `json:"serials"`
	State        JobState   `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Stats        Stats      `json:"stats"`
}

// Coordinator owns the process-wide batch job. At most one job runs at a
// time; Start fails fast while one is live.
type Coordinator struct {
	queue     *Queue
	templates workflow.TemplateSource
	bus       *bus.Bus
	metrics   *metrics.Metrics

	mu     sync.Mutex
	state  JobState
	job    *Job
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewCoordinator wires the coordinator over a queue and template source.
// events and m may be nil.
func NewCoordinator(queue *Queue, templates workflow.TemplateSource, events *bus.Bus, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		queue:     queue,
		templates: templates,
		bus:       events,
		metrics:   m,
		state:     JobIdle,
	}
}

// Queue returns the coordinator's account queue.
func (c *Coordinator) Queue() *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// SetQueue swaps in a freshly scanned queue. Fails while a job is running.
func (c *Coordinator) SetQueue(q *Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == JobRunning {
		return ErrJobRunning
	}
	c.queue = q
	return nil
}

// Status reports the current (or last finished) job, if any.
func (c *Coordinator) Status() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return Job{}, false
	}
	j := *c.job
	_, j.Stats = c.queue.Snapshot()
	j.State = c.state
	return j, true
}

// Start launches one worker per device and returns the job snapshot without
// waiting for completion. Every device is acquired up front; failure to
// acquire any of them rolls back the rest and nothing runs.
func (c *Coordinator) Start(ctx context.Context, devices []WorkerDevice, wf *workflow.Workflow, opts Options) (Job, error) {
	if len(devices) == 0 {
		return Job{}, errors.New("no devices selected")
	}

	c.mu.Lock()
	if c.state == JobRunning {
		c.mu.Unlock()
		return Job{}, ErrJobRunning
	}
	if c.queue.Remaining() == 0 {
		c.mu.Unlock()
		return Job{}, ErrEmpty
	}

	jobID := uuid.NewString()
	acquired := make([]WorkerDevice, 0, len(devices))
	for _, d := range devices {
		if err := d.Acquire(jobID); err != nil {
			for _, a := range acquired {
				a.Release(jobID)
			}
			c.mu.Unlock()
			return Job{}, fmt.Errorf("device %s: %w", d.Serial(), err)
		}
		acquired = append(acquired, d)
	}

	serials := make([]string, len(devices))
	for i, d := range devices {
		serials[i] = d.Serial()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.doneCh = make(chan struct{})
	c.state = JobRunning
	c.job = &Job{
		ID:           jobID,
		WorkflowName: wf.Name,
		Serials:      serials,
		State:        JobRunning,
		StartedAt:    time.Now(),
	}
	job := *c.job
	c.mu.Unlock()

	c.metrics.SetJobRunning(true)
	c.publish(bus.Event{Type: bus.EventJobStarted, Message: wf.Name, Payload: job})
	log.Info("batch job started", "job", jobID, "workflow", wf.Name, "devices", len(devices))

	go c.run(runCtx, jobID, devices, wf, opts)
	return job, nil
}

// Stop cancels the running job and blocks until every worker has released
// its device.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state != JobRunning {
		c.mu.Unlock()
		return errors.New("no job running")
	}
	cancel, done := c.cancel, c.doneCh
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Wait blocks until the current job finishes. It returns immediately when
// nothing is running.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.doneCh
	running := c.state == JobRunning
	c.mu.Unlock()
	if running && done != nil {
		<-done
	}
}

func (c *Coordinator) run(ctx context.Context, jobID string, devices []WorkerDevice, wf *workflow.Workflow, opts Options) {
	// Plain group, not WithContext: one device retiring on errors must not
	// cancel the workers still draining the queue.
	var g errgroup.Group
	for _, dev := range devices {
		dev := dev
		g.Go(func() error {
			defer dev.Release(jobID)
			defer c.queue.ResetRunning(dev.Serial())
			return c.worker(ctx, dev, wf, opts)
		})
	}
	err := g.Wait()

	_, stats := c.queue.Snapshot()
	now := time.Now()

	c.mu.Lock()
	c.state = JobCompleted
	if c.job != nil {
		c.job.State = JobCompleted
		c.job.FinishedAt = &now
		c.job.Stats = stats
	}
	done := c.doneCh
	c.mu.Unlock()

	c.metrics.SetJobRunning(false)
	c.publish(bus.Event{Type: bus.EventJobCompleted, Payload: stats})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("batch job finished with worker errors", "job", jobID, "err", err)
	} else {
		log.Info("batch job finished", "job", jobID,
			"succeeded", stats.Succeeded, "failed", stats.Failed, "remaining", stats.Remaining)
	}
	close(done)
}

// worker drains the queue on one device until nothing is claimable, the
// context is canceled, or the device fails repeatedly.
func (c *Coordinator) worker(ctx context.Context, dev WorkerDevice, wf *workflow.Workflow, opts Options) error {
	serial := dev.Serial()
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, ok := c.queue.Claim(serial)
		if !ok {
			log.Debug("queue drained", "serial", serial)
			return nil
		}

		err := c.processAccount(ctx, dev, wf, task, opts)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Claim goes back to the pool on shutdown.
			c.queue.ResetRunning(serial)
			return ctx.Err()
		}

		if err != nil {
			c.queue.Complete(task.Filename, false, err.Error())
			c.metrics.Account("failure")
			c.publish(bus.Event{Type: bus.EventJobProgress, Serial: serial,
				Message: fmt.Sprintf("%s failed: %v", task.Filename, err)})
			log.Warn("account failed", "serial", serial, "account", task.Filename, "err", err)

			// A dead bridge fails every future claim too; retire now so the
			// surviving devices pick up the rest of the queue.
			if errors.Is(err, adb.ErrBridge) {
				return fmt.Errorf("device %s: bridge failure, retiring worker: %w", serial, err)
			}
			failures++
			if failures >= consecutiveFailureLimit {
				return fmt.Errorf("device %s: %d consecutive failures, retiring worker", serial, failures)
			}
		} else {
			failures = 0
			c.queue.Complete(task.Filename, true, "")
			c.metrics.Account("success")
			c.publish(bus.Event{Type: bus.EventJobProgress, Serial: serial,
				Message: fmt.Sprintf("%s completed", task.Filename)})
			log.Info("account completed", "serial", serial, "account", task.Filename)

			if opts.MoveOnComplete {
				if err := c.queue.MoveToDone(task.Filename, opts.DoneFolder); err != nil {
					log.Warn("move to done failed", "account", task.Filename, "err", err)
				}
			}
		}

		if opts.DelayBetweenAccounts > 0 {
			t := time.NewTimer(opts.DelayBetweenAccounts)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// processAccount installs one account file on the device and runs the
// workflow against it: stop the app, push the file to staging, root-copy it
// into the app's data dir, then interpret.
func (c *Coordinator) processAccount(ctx context.Context, dev WorkerDevice, wf *workflow.Workflow, task AccountTask, opts Options) error {
	data, err := os.ReadFile(task.Filepath)
	if err != nil {
		return fmt.Errorf("read account file: %w", err)
	}

	if err := dev.ForceStop(ctx, opts.Target.Package); err != nil {
		return fmt.Errorf("stop app: %w", err)
	}
	if err := dev.ClearAppCache(ctx, opts.Target.Package); err != nil {
		return fmt.Errorf("clear app cache: %w", err)
	}

	staging := opts.RemoteStagingPath
	if staging == "" {
		staging = path.Join("/data/local/tmp", task.Filename)
	}
	if err := dev.Push(ctx, data, staging); err != nil {
		return fmt.Errorf("push account: %w", err)
	}
	if err := dev.CopyFileWithRoot(ctx, staging, opts.RemoteAccountPath); err != nil {
		return fmt.Errorf("install account: %w", err)
	}

	in := workflow.NewInterpreter(dev, c.templates, opts.Target)
	in.OnProgress = func(p workflow.Progress) {
		c.metrics.Step()
		c.publish(bus.Event{Type: bus.EventJobProgress, Serial: p.Serial,
			Message: fmt.Sprintf("step %d/%d %s", p.StepIndex+1, p.StepTotal, p.Description)})
	}
	if err := in.Run(ctx, wf); err != nil {
		return err
	}

	// Leave the device parked between accounts.
	if err := dev.ForceStop(ctx, opts.Target.Package); err != nil {
		log.Debug("post-run force-stop failed", "serial", dev.Serial(), "err", err)
	}
	return nil
}

func (c *Coordinator) publish(ev bus.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}
