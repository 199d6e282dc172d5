package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/droidfarm/droidfarm/internal/vision"
)

// Device is the command surface the interpreter drives. *adb.Device
// satisfies it; tests inject fakes.
type Device interface {
	Serial() string
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x, y, endX, endY int, dur time.Duration) error
	KeyEvent(ctx context.Context, code int) error
	Screenshot(ctx context.Context) (image.Image, error)
	ScreenSize(ctx context.Context) (width, height int, err error)
	StartApp(ctx context.Context, pkg, activity string) error
	ForceStop(ctx context.Context, pkg string) error
}

// TemplateSource resolves template references to decoded images.
type TemplateSource interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// keycodeBack mirrors adb.KeycodeBack without importing the package.
const keycodeBack = 4

// Settle delays after injected input, matching the pacing the workflows
// were authored against.
const (
	tapSettle   = 300 * time.Millisecond
	swipeSettle = 500 * time.Millisecond

	// restartPause sits between force-stop and relaunch.
	restartPause = time.Second

	// sleepSlice bounds how long a sleeping step ignores cancellation.
	sleepSlice = 200 * time.Millisecond
)

// State describes where an interpreter run is in its lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
	StateDone        State = "done"
)

// StepError reports which step failed and why.
type StepError struct {
	Index int
	Type  StepType
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Target describes the app under automation.
type Target struct {
	Package  string
	Activity string

	// ColdStartWait bounds how long start_game waits for the app to come up.
	ColdStartWait time.Duration

	// ReadyTemplates, when non-empty, turns the cold-start wait into a poll:
	// the wait ends early once any of these templates appears on screen.
	ReadyTemplates []string

	// ReadyThreshold is the match confidence for ready polling.
	ReadyThreshold float64
}

// Progress is delivered to the observer after each top-level step.
type Progress struct {
	Serial      string
	StepIndex   int
	StepTotal   int
	Description string
}

// Interpreter executes one workflow against one device. It is single-use:
// construct, Run, inspect State.
type Interpreter struct {
	dev       Device
	templates TemplateSource
	target    Target

	// OnProgress, when set, is called after each completed top-level step.
	OnProgress func(Progress)

	mu    sync.Mutex
	state State

	// device-to-workflow coordinate scaling, fixed at Run start.
	scaleX, scaleY float64
}

// NewInterpreter builds an interpreter for dev using templates for matching.
func NewInterpreter(dev Device, templates TemplateSource, target Target) *Interpreter {
	return &Interpreter{dev: dev, templates: templates, target: target, state: StateIdle}
}

// State returns the current run state.
func (in *Interpreter) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Interpreter) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// Run executes every step of w in order. Steps that belong to a group are
// executed both in their linear position and again on each repeat_group
// iteration that drives their group. Cancellation interrupts between
// commands and inside waits.
func (in *Interpreter) Run(ctx context.Context, w *Workflow) error {
	in.setState(StateRunning)

	if err := in.initScale(ctx, w); err != nil {
		in.setState(StateFailed)
		return err
	}

	for i := range w.Steps {
		s := &w.Steps[i]
		if err := in.executeStep(ctx, w, s); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				in.setState(StateInterrupted)
			} else {
				in.setState(StateFailed)
			}
			return &StepError{Index: s.OrderIndex, Type: s.Type, Err: err}
		}
		if in.OnProgress != nil {
			in.OnProgress(Progress{
				Serial:      in.dev.Serial(),
				StepIndex:   s.OrderIndex,
				StepTotal:   len(w.Steps),
				Description: s.Description,
			})
		}
	}

	in.setState(StateDone)
	return nil
}

// initScale fixes the mapping from workflow coordinates to device pixels.
// Workflows authored at the device's own resolution map one-to-one.
func (in *Interpreter) initScale(ctx context.Context, w *Workflow) error {
	in.scaleX, in.scaleY = 1, 1
	if w.ScreenWidth == 0 || w.ScreenHeight == 0 {
		return nil
	}
	devW, devH, err := in.dev.ScreenSize(ctx)
	if err != nil {
		return fmt.Errorf("read screen size: %w", err)
	}
	if devW > 0 && devH > 0 {
		in.scaleX = float64(devW) / float64(w.ScreenWidth)
		in.scaleY = float64(devH) / float64(w.ScreenHeight)
	}
	return nil
}

// frame captures the current screen normalized to workflow resolution.
func (in *Interpreter) frame(ctx context.Context, w *Workflow) (image.Image, error) {
	img, err := in.dev.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	if w.ScreenWidth > 0 && w.ScreenHeight > 0 {
		b := img.Bounds()
		if b.Dx() != w.ScreenWidth || b.Dy() != w.ScreenHeight {
			img = vision.Resize(img, w.ScreenWidth, w.ScreenHeight)
		}
	}
	return img, nil
}

// tap converts workflow coordinates to device pixels and taps.
func (in *Interpreter) tap(ctx context.Context, x, y int) error {
	return in.dev.Tap(ctx, int(float64(x)*in.scaleX), int(float64(y)*in.scaleY))
}

func (in *Interpreter) executeStep(ctx context.Context, w *Workflow, s *Step) error {
	log.Debug("executing step", "serial", in.dev.Serial(), "index", s.OrderIndex, "type", s.Type)

	switch s.Type {
	case StepClick:
		if err := in.tap(ctx, s.X, s.Y); err != nil {
			return err
		}
		return sleep(ctx, tapSettle)

	case StepSwipe:
		err := in.dev.Swipe(ctx,
			int(float64(s.X)*in.scaleX), int(float64(s.Y)*in.scaleY),
			int(float64(s.EndX)*in.scaleX), int(float64(s.EndY)*in.scaleY),
			time.Duration(s.SwipeDurationMS)*time.Millisecond)
		if err != nil {
			return err
		}
		return sleep(ctx, swipeSettle)

	case StepWait:
		return sleep(ctx, time.Duration(s.WaitDurationMS)*time.Millisecond)

	case StepWaitForColor:
		return in.waitForColor(ctx, w, s)

	case StepImageMatch:
		return in.imageMatch(ctx, w, s)

	case StepFindAllClick:
		return in.findAllClick(ctx, w, s)

	case StepLoopClick:
		return in.loopClick(ctx, w, s)

	case StepRepeatGroup:
		return in.repeatGroup(ctx, w, s)

	case StepPressBack:
		if err := in.dev.KeyEvent(ctx, keycodeBack); err != nil {
			return err
		}
		return sleep(ctx, tapSettle)

	case StepStartGame:
		return in.startGame(ctx, w)

	case StepRestartGame:
		if err := in.dev.ForceStop(ctx, in.target.Package); err != nil {
			return err
		}
		if err := sleep(ctx, restartPause); err != nil {
			return err
		}
		return in.startGame(ctx, w)

	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
}

// waitForColor polls the pixel at the step's coordinates until it matches
// the expected BGR color within tolerance. Tolerance zero means an exact
// match.
func (in *Interpreter) waitForColor(ctx context.Context, w *Workflow, s *Step) error {
	deadline := time.Now().Add(time.Duration(s.MaxWaitSeconds * float64(time.Second)))
	interval := time.Duration(s.CheckInterval * float64(time.Second))

	for {
		img, err := in.frame(ctx, w)
		if err != nil {
			return err
		}
		b, g, r, ok := vision.PixelBGR(img, s.X, s.Y)
		if !ok {
			return fmt.Errorf("pixel (%d,%d) outside screen", s.X, s.Y)
		}
		if colorWithin(int(b), s.ExpectedColor.B(), s.Tolerance) &&
			colorWithin(int(g), s.ExpectedColor.G(), s.Tolerance) &&
			colorWithin(int(r), s.ExpectedColor.R(), s.Tolerance) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("color %v never appeared at (%d,%d), last saw [%d %d %d]",
				*s.ExpectedColor, s.X, s.Y, b, g, r)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func colorWithin(got, want, tolerance int) bool {
	d := got - want
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// imageMatch waits for a template to appear, optionally tapping its center.
func (in *Interpreter) imageMatch(ctx context.Context, w *Workflow, s *Step) error {
	needle, err := in.templates.Load(ctx, s.TemplateRef)
	if err != nil {
		return err
	}
	nb := needle.Bounds()

	deadline := time.Now().Add(time.Duration(s.MaxWaitSeconds * float64(time.Second)))
	interval := time.Duration(s.RetryInterval * float64(time.Second))

	for attempt := 0; ; attempt++ {
		img, err := in.frame(ctx, w)
		if err != nil {
			return err
		}
		m, found, err := vision.BestMatch(img, needle, s.Threshold)
		if err != nil {
			return err
		}
		if found {
			if s.OnMatchAction != ActionNone {
				cx, cy := m.Center(nb.Dx(), nb.Dy())
				if err := in.tap(ctx, cx, cy); err != nil {
					return err
				}
				return sleep(ctx, tapSettle)
			}
			return nil
		}
		// An explicit retry cap wins over the time budget when authored.
		exhausted := time.Now().After(deadline) || (s.MaxRetries > 0 && attempt+1 >= s.MaxRetries)
		if exhausted {
			if s.SkipIfNotFound {
				log.Debug("template not found, skipping", "serial", in.dev.Serial(), "template", s.TemplateRef)
				return nil
			}
			return fmt.Errorf("template %q not found within %gs", s.TemplateRef, s.MaxWaitSeconds)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// findAllClick taps on-screen occurrences of the template from one
// screenshot, highest confidence first. With MatchAll unset only the best
// occurrence is tapped. Zero matches completes the step without error.
func (in *Interpreter) findAllClick(ctx context.Context, w *Workflow, s *Step) error {
	needle, err := in.templates.Load(ctx, s.TemplateRef)
	if err != nil {
		return err
	}
	nb := needle.Bounds()

	img, err := in.frame(ctx, w)
	if err != nil {
		return err
	}
	matches, err := vision.MatchAll(img, needle, s.Threshold)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		log.Debug("no occurrences on screen", "serial", in.dev.Serial(), "template", s.TemplateRef)
		return nil
	}
	if !s.MatchAll {
		matches = matches[:1]
	}

	for _, m := range matches {
		cx, cy := m.Center(nb.Dx(), nb.Dy())
		if err := in.tap(ctx, cx, cy); err != nil {
			return err
		}
		if err := sleep(ctx, tapSettle); err != nil {
			return err
		}
	}
	return nil
}

// loopClick repeatedly taps the template until it stays gone. Every
// screenshot counts as one iteration whether or not it matched; the loop
// ends after NotFoundThreshold consecutive misses or MaxIterations total.
func (in *Interpreter) loopClick(ctx context.Context, w *Workflow, s *Step) error {
	needle, err := in.templates.Load(ctx, s.TemplateRef)
	if err != nil {
		return err
	}
	nb := needle.Bounds()

	notFound := 0
	for iter := 0; iter < s.MaxIterations; iter++ {
		img, err := in.frame(ctx, w)
		if err != nil {
			return err
		}
		m, found, err := vision.BestMatch(img, needle, s.Threshold)
		if err != nil {
			return err
		}
		if found {
			notFound = 0
			cx, cy := m.Center(nb.Dx(), nb.Dy())
			if err := in.tap(ctx, cx, cy); err != nil {
				return err
			}
			if err := sleep(ctx, time.Duration(s.ClickDelay*float64(time.Second))); err != nil {
				return err
			}
			continue
		}
		notFound++
		if notFound >= s.NotFoundThreshold {
			return nil
		}
		if err := sleep(ctx, time.Duration(s.RetryDelay*float64(time.Second))); err != nil {
			return err
		}
	}
	return nil
}

// repeatGroup re-executes a labeled group of steps. The stop template is
// checked before every iteration, so a stop condition that already holds
// runs the group zero times. Without a stop template the group runs exactly
// LoopMaxIterations times.
func (in *Interpreter) repeatGroup(ctx context.Context, w *Workflow, s *Step) error {
	group := w.GroupSteps(s.LoopGroupName)
	if len(group) == 0 {
		return fmt.Errorf("group %q has no steps", s.LoopGroupName)
	}

	var stop image.Image
	if s.StopTemplateRef != "" {
		var err error
		stop, err = in.templates.Load(ctx, s.StopTemplateRef)
		if err != nil {
			return err
		}
	}

	for iter := 0; iter < s.LoopMaxIterations; iter++ {
		if stop != nil {
			img, err := in.frame(ctx, w)
			if err != nil {
				return err
			}
			_, found, err := vision.BestMatch(img, stop, s.Threshold)
			if err != nil {
				return err
			}
			if found != s.StopOnNotFound {
				// found with stop-on-found, or missing with stop-on-not-found.
				return nil
			}
		}
		for i := range group {
			if err := in.executeStep(ctx, w, &group[i]); err != nil {
				return fmt.Errorf("group %q iteration %d: %w", s.LoopGroupName, iter, err)
			}
		}
	}
	return nil
}

// startGame launches the target app and waits for it to become ready. With
// ready templates configured the wait ends as soon as one shows up;
// otherwise the full cold-start delay is slept.
func (in *Interpreter) startGame(ctx context.Context, w *Workflow) error {
	if err := in.dev.StartApp(ctx, in.target.Package, in.target.Activity); err != nil {
		return err
	}

	wait := in.target.ColdStartWait
	if wait <= 0 {
		return nil
	}
	if len(in.target.ReadyTemplates) == 0 {
		return sleep(ctx, wait)
	}

	threshold := in.target.ReadyThreshold
	if threshold == 0 {
		threshold = 0.8
	}

	var needles []image.Image
	for _, ref := range in.target.ReadyTemplates {
		needle, err := in.templates.Load(ctx, ref)
		if err != nil {
			log.Warn("ready template unavailable", "template", ref, "err", err)
			continue
		}
		needles = append(needles, needle)
	}
	if len(needles) == 0 {
		return sleep(ctx, wait)
	}

	deadline := time.Now().Add(wait)
	for {
		img, err := in.frame(ctx, w)
		if err != nil {
			return err
		}
		for _, needle := range needles {
			if _, found, err := vision.BestMatch(img, needle, threshold); err == nil && found {
				return nil
			}
		}
		if time.Now().After(deadline) {
			// The app may simply take longer than the ready screens show;
			// the next step's own waits decide whether that is fatal.
			log.Debug("ready template never appeared, continuing", "serial", in.dev.Serial())
			return nil
		}
		if err := sleep(ctx, 2*time.Second); err != nil {
			return err
		}
	}
}

// sleep waits for d in short slices so cancellation interrupts promptly.
func sleep(ctx context.Context, d time.Duration) error {
	for d > 0 {
		slice := d
		if slice > sleepSlice {
			slice = sleepSlice
		}
		t := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= slice
	}
	return ctx.Err()
}
