// Package control is the service facade over a beamline: the detector
// lifecycle, aperture moves and the health of the event sinks.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/DominicOram/dodal/internal/beamline"
	"github.com/DominicOram/dodal/internal/devices/aperturescatterguard"
	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/devices/eiger"
	"github.com/DominicOram/dodal/internal/events"
	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

var tracer = otel.Tracer("dodal/control")

var (
	// ErrProvisionInProgress is returned when RunProvision is called while a
	// run is already active.
	ErrProvisionInProgress = errors.New("provisioning already in progress")
	// ErrDetectorBusy is returned when the detector is not idle.
	ErrDetectorBusy = errors.New("detector is busy")
	// ErrInvalidRequest wraps request fields that cannot be used.
	ErrInvalidRequest = errors.New("invalid request")
)

// Prober is satisfied by every client in the clients package.
type Prober interface {
	Probe(ctx context.Context) ProbeResult
}

// Provisioner is a sink that must create its streams or tables before use.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithSinks registers the event sinks whose health the controller reports,
// by name.
func WithSinks(sinks map[string]Prober) Option {
	return func(c *Controller) {
		for name, p := range sinks {
			c.sinks[name] = p
		}
	}
}

// WithEvents sets where the controller publishes its own events.
func WithEvents(s events.Sink) Option {
	return func(c *Controller) { c.events = s }
}

// WithMoveTimeout bounds a synchronous aperture move.
func WithMoveTimeout(d time.Duration) Option {
	return func(c *Controller) { c.moveTimeout = d }
}

// Controller drives one beamline.
type Controller struct {
	bl          *beamline.Beamline
	sinks       map[string]Prober
	events      events.Sink
	moveTimeout time.Duration

	// armMu makes the idle check, the params write and the start of the arm
	// chain one step.
	armMu sync.Mutex

	provisionInProgress atomic.Bool
	lastResult          *ProvisionResult
	resultMu            sync.RWMutex
}

// New returns a Controller for bl.
func New(bl *beamline.Beamline, opts ...Option) *Controller {
	c := &Controller{
		bl:          bl,
		sinks:       make(map[string]Prober),
		events:      events.Discard,
		moveTimeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Beamline returns the controlled beamline.
func (c *Controller) Beamline() *beamline.Beamline { return c.bl }

// Devices lists the registered device names.
func (c *Controller) Devices() []string { return c.bl.Devices.Names() }

// Params merges req over the configured defaults.
func (c *Controller) Params(req ArmRequest) (*detector.Params, error) {
	p := *c.bl.Defaults
	if req.EnergyEV > 0 {
		p.CurrentEnergyEV = req.EnergyEV
	}
	if req.ExposureTime > 0 {
		p.ExposureTime = req.ExposureTime
	}
	if req.Directory != "" {
		p.Directory = req.Directory
	}
	if req.Prefix != "" {
		p.Prefix = req.Prefix
	}
	if req.RunNumber > 0 {
		p.RunNumber = req.RunNumber
	}
	if req.DetectorDistance > 0 {
		p.DetectorDistance = req.DetectorDistance
	}
	if req.OmegaStart != 0 {
		p.OmegaStart = req.OmegaStart
	}
	if req.OmegaIncrement != 0 {
		p.OmegaIncrement = req.OmegaIncrement
	}
	if req.ImagesPerTrigger < 0 || req.NumTriggers < 0 {
		return nil, fmt.Errorf("%w: image and trigger counts must not be negative", ErrInvalidRequest)
	}
	if req.ImagesPerTrigger > 0 {
		p.NumImagesPerTrigger = req.ImagesPerTrigger
	}
	if req.NumTriggers > 0 {
		p.NumTriggers = req.NumTriggers
	}
	if req.UseROIMode != nil {
		p.UseROIMode = *req.UseROIMode
	}
	if req.TriggerMode != "" {
		mode, err := detector.ParseTriggerMode(req.TriggerMode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		p.TriggerMode = mode
	}
	return &p, nil
}

// Arm starts arming the detector with req and returns without waiting.
func (c *Controller) Arm(ctx context.Context, req ArmRequest) (*status.Status, error) {
	st, p, err := c.startArm(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "detector arming", "device", c.bl.Eiger.Name(), "filename", p.FullFilename(),
		"images", p.FullNumberOfImages(), "trigger_mode", p.TriggerMode.String())
	return st, nil
}

// startArm refuses unless the detector is idle, then stores the params built
// from req and starts the arm chain. The detector has left Idle by the time
// it returns, so a concurrent caller sees it busy.
func (c *Controller) startArm(ctx context.Context, req ArmRequest) (*status.Status, *detector.Params, error) {
	c.armMu.Lock()
	defer c.armMu.Unlock()

	e := c.bl.Eiger
	if s := e.State(); s != eiger.Idle {
		return nil, nil, fmt.Errorf("%w: %s", ErrDetectorBusy, s)
	}
	p, err := c.Params(req)
	if err != nil {
		return nil, nil, err
	}
	if err := e.SetDetectorParams(p); err != nil {
		return nil, nil, err
	}
	st, err := e.Arm(ctx)
	if errors.Is(err, eiger.ErrNotIdle) {
		return nil, nil, fmt.Errorf("%w: %w", ErrDetectorBusy, err)
	}
	if err != nil {
		return nil, nil, err
	}
	return st, p, nil
}

// Disarm starts disarming the detector and returns without waiting.
func (c *Controller) Disarm(ctx context.Context) *status.Status {
	e := c.bl.Eiger
	st := e.Disarm(context.WithoutCancel(ctx))
	st.AddCallback(func(done *status.Status) {
		if err := done.Err(); err != nil {
			slog.WarnContext(ctx, "detector disarm failed", "device", e.Name(), "err", err)
		}
	})
	return st
}

// DetectorState reports the detector's arm state and collection.
func (c *Controller) DetectorState() DetectorState {
	e := c.bl.Eiger
	s := DetectorState{
		Device:   e.Name(),
		State:    e.State(),
		Armed:    e.IsArmed(),
		Captured: e.Odin.FileWriter.NumCaptured.Get(),
	}
	if p := e.DetectorParams(); p != nil {
		size := p.DetectorSizePixels()
		s.Filename = p.FullFilename()
		s.Images = p.FullNumberOfImages()
		s.Trigger = p.TriggerMode.String()
		s.Size = &size
	}
	return s
}

// Collect stages the detector with req, waits for every frame and unstages
// it.
func (c *Controller) Collect(ctx context.Context, req ArmRequest) (CollectResult, error) {
	e := c.bl.Eiger
	start := time.Now()

	ctx, span := tracer.Start(ctx, "control.collect")
	defer span.End()

	armed, p, err := c.startArm(ctx, req)
	if err != nil {
		return CollectResult{}, err
	}
	res := CollectResult{Device: e.Name(), Filename: p.FullFilename(), Expected: p.FullNumberOfImages()}
	span.SetAttributes(attribute.String("filename", res.Filename), attribute.Int("expected", res.Expected))

	if err := armed.Wait(e.Timeouts().Arming); err != nil {
		c.publish(ctx, events.KindStage, "stage_failed", err)
		return res, fmt.Errorf("staging %s: %w", e.Name(), err)
	}
	c.publish(ctx, events.KindStage, "staged", nil)

	if p.TriggerMode != detector.FreeRun {
		// The file writer only finishes once every frame is written.
		frames := signal.AwaitCondition[int](e.Odin.FileWriter.NumCaptured, func(n int) bool {
			return n >= res.Expected
		}, e.Timeouts().AllFrames)
		if err := frames.WaitContext(ctx); err != nil {
			slog.WarnContext(ctx, "not every frame arrived before unstage", "device", e.Name(), "err", err)
		}
	}

	ok, err := e.Unstage(ctx)
	res.Captured = e.Odin.FileWriter.NumCaptured.Get()
	res.OK = ok && err == nil
	res.Seconds = time.Since(start).Seconds()
	if err != nil {
		res.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
	}
	c.publish(ctx, events.KindStage, "unstaged", err)
	slog.InfoContext(ctx, "collection finished", "device", e.Name(), "filename", res.Filename,
		"captured", res.Captured, "expected", res.Expected, "ok", res.OK)
	return res, err
}

// Stop aborts any collection.
func (c *Controller) Stop(ctx context.Context) error {
	return c.bl.Eiger.Stop(ctx)
}

// MoveAperture moves the aperture-scatterguard to the named position and
// waits for it to arrive.
func (c *Controller) MoveAperture(ctx context.Context, name string) (aperturescatterguard.Position, error) {
	a := c.bl.Aperture
	st, err := a.MoveTo(ctx, name)
	if err != nil {
		return aperturescatterguard.Position{}, err
	}
	if err := st.Wait(c.moveTimeout); err != nil {
		return aperturescatterguard.Position{}, fmt.Errorf("moving %s to %s: %w", a.Name(), name, err)
	}
	pos, _ := a.Positions().Lookup(name)
	return pos, nil
}

// AperturePositions returns the configured positions and the current one, if
// the device is at one of them.
func (c *Controller) AperturePositions() (all []aperturescatterguard.Position, current string) {
	a := c.bl.Aperture
	if a.Positions() != nil {
		all = a.Positions().All()
	}
	if pos, ok := a.CurrentPosition(); ok {
		current = pos.Name
	}
	return all, current
}

// RunProvision prepares every sink concurrently. A failing sink is recorded
// but does not stop the others. Sinks that need no preparation are probed.
func (c *Controller) RunProvision(ctx context.Context) (*ProvisionResult, error) {
	if !c.provisionInProgress.CompareAndSwap(false, true) {
		return nil, ErrProvisionInProgress
	}
	defer c.provisionInProgress.Store(false)

	result := &ProvisionResult{
		Status: StatusInProgress,
		Phases: make(map[string]PhaseResult, len(c.sinks)),
	}

	ctx, span := tracer.Start(ctx, "control.provision")
	defer span.End()

	slog.InfoContext(ctx, "provisioning sinks", "sinks", c.sinkNames())

	var g errgroup.Group
	for name, sink := range c.sinks {
		name, sink := name, sink
		g.Go(func() error {
			var phase PhaseResult
			if p, ok := sink.(Provisioner); ok {
				phase = provisionToPhase(name, p.Provision(ctx))
			} else {
				phase = probeToPhase(name, sink.Probe(ctx))
			}
			logPhase(ctx, phase)
			result.Lock()
			result.Phases[name] = phase
			result.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Status = StatusOK
	for _, phase := range result.Phases {
		if phase.Status == StatusError {
			result.Status = StatusError
			break
		}
	}

	span.SetAttributes(attribute.String("provision.status", result.Status))
	if result.Status == StatusError {
		span.SetStatus(codes.Error, "one or more sinks failed to provision")
		slog.WarnContext(ctx, "provisioning completed with errors", "status", result.Status)
	} else {
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "provisioning completed", "status", result.Status)
	}

	c.resultMu.Lock()
	c.lastResult = result
	c.resultMu.Unlock()

	return result, nil
}

// RunDeepHealth probes every sink concurrently.
func (c *Controller) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(c.sinks))
	var mu sync.Mutex
	var g errgroup.Group

	for name, sink := range c.sinks {
		name, sink := name, sink
		g.Go(func() error {
			probe := sink.Probe(ctx)
			mu.Lock()
			results[name] = probe
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// IsProvisionInProgress returns true while RunProvision is active.
func (c *Controller) IsProvisionInProgress() bool {
	return c.provisionInProgress.Load()
}

// IsReady returns true once the last provisioning run succeeded.
func (c *Controller) IsReady() bool {
	c.resultMu.RLock()
	defer c.resultMu.RUnlock()
	return c.lastResult != nil && c.lastResult.Status == StatusOK
}

func (c *Controller) publish(ctx context.Context, kind events.Kind, state string, cause error) {
	e := events.New(c.bl.Name, c.bl.Eiger.Name(), kind, state, cause)
	if err := c.events.Publish(ctx, e); err != nil {
		slog.WarnContext(ctx, "publishing control event", "kind", kind, "err", err)
	}
}

func (c *Controller) sinkNames() []string {
	names := make([]string, 0, len(c.sinks))
	for n := range c.sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// logPhase emits a trace-correlated log for a provisioning phase.
func logPhase(ctx context.Context, p PhaseResult) {
	if p.Status == StatusOK {
		slog.InfoContext(ctx, "sink ready", "sink", p.Name)
		return
	}
	slog.WarnContext(ctx, "sink not ready", "sink", p.Name, "error", p.Error)
}

func probeToPhase(name string, p ProbeResult) PhaseResult {
	if p.OK {
		return PhaseResult{Name: name, Status: StatusOK}
	}
	return PhaseResult{Name: name, Status: StatusError, Error: p.Error}
}

func provisionToPhase(name string, err error) PhaseResult {
	if err == nil {
		return PhaseResult{Name: name, Status: StatusOK}
	}
	return PhaseResult{Name: name, Status: StatusError, Error: err.Error()}
}
