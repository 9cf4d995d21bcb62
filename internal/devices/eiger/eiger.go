// Package eiger drives an Eiger detector and its Odin file-writing pipeline
// through the arm and disarm state machine.
package eiger

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

var tracer = otel.Tracer("dodal/eiger")

// ArmState is the position of the detector in the arm/disarm cycle.
type ArmState int

const (
	Idle ArmState = iota
	AwaitingOdinReady
	Acquiring
	AwaitingFanReady
	Armed
	Disarming
)

func (s ArmState) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingOdinReady:
		return "awaiting-odin-ready"
	case Acquiring:
		return "acquiring"
	case AwaitingFanReady:
		return "awaiting-fan-ready"
	case Armed:
		return "armed"
	case Disarming:
		return "disarming"
	default:
		return fmt.Sprintf("ArmState(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and logs.
func (s ArmState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateListener is told about every state change. err is the failure that
// caused the change, if any. It is called on the goroutine that drove the
// transition and must not block.
type StateListener func(from, to ArmState, err error)

// Timeouts bound the waits made by the device.
type Timeouts struct {
	General       time.Duration
	StaleParams   time.Duration
	MetaFileReady time.Duration
	AllFrames     time.Duration
	Arming        time.Duration
	Finished      time.Duration
}

// DefaultTimeouts are the timeouts used unless overridden.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		General:       10 * time.Second,
		StaleParams:   60 * time.Second,
		MetaFileReady: 30 * time.Second,
		AllFrames:     120 * time.Second,
		Arming:        60 * time.Second,
		Finished:      30 * time.Second,
	}
}

// DefaultThresholdTolerance is the relative change in photon energy below
// which the threshold is not rewritten.
const DefaultThresholdTolerance = 0.001

// MaxTriggers is the trigger count written for free-run collections.
const MaxTriggers = 1<<31 - 1

// Option configures an Eiger.
type Option func(*Eiger)

// WithTimeouts replaces the default timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(e *Eiger) { e.timeouts = t }
}

// WithThresholdTolerance sets the relative threshold tolerance.
func WithThresholdTolerance(tol float64) Option {
	return func(e *Eiger) { e.tolerance = tol }
}

// WithStateListener registers fn for state changes.
func WithStateListener(fn StateListener) Option {
	return func(e *Eiger) { e.listeners = append(e.listeners, fn) }
}

// Eiger is the detector device.
type Eiger struct {
	name string

	Cam         *Cam
	Odin        *Odin
	MX          *MXSettings
	StaleParams signal.Monitor[int]

	timeouts  Timeouts
	tolerance float64
	listeners []StateListener

	// armMu serialises Arm so that only one chain is ever scheduled.
	armMu sync.Mutex

	mu                  sync.Mutex
	params              *detector.Params
	state               ArmState
	arming              *status.Status
	filewritersFinished *status.Status
}

// New assembles an Eiger from its component signals.
func New(name string, cam *Cam, odin *Odin, mx *MXSettings, staleParams signal.Monitor[int], opts ...Option) *Eiger {
	e := &Eiger{
		name:        name,
		Cam:         cam,
		Odin:        odin,
		MX:          mx,
		StaleParams: staleParams,
		timeouts:    DefaultTimeouts(),
		tolerance:   DefaultThresholdTolerance,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name returns the device name.
func (e *Eiger) Name() string { return e.name }

// Timeouts returns the timeouts in use.
func (e *Eiger) Timeouts() Timeouts { return e.timeouts }

// SetDetectorParams validates and stores the parameters of the next
// collection.
func (e *Eiger) SetDetectorParams(p *detector.Params) error {
	if err := detector.Validate(p); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	return nil
}

// DetectorParams returns the stored parameters, or nil.
func (e *Eiger) DetectorParams() *detector.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// State returns the current arm state.
func (e *Eiger) State() ArmState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ArmStatus returns the Status of the most recent arm, or nil.
func (e *Eiger) ArmStatus() *status.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arming
}

// IsArmed reports whether the hardware says the detector is armed.
func (e *Eiger) IsArmed() bool {
	return e.Odin.Fan.Ready.Get() == 1 && e.Cam.Acquire.Get() == 1
}

func (e *Eiger) transition(to ArmState, cause error) {
	e.mu.Lock()
	from := e.state
	e.state = to
	listeners := e.listeners
	e.mu.Unlock()

	if from == to {
		return
	}
	for _, fn := range listeners {
		fn(from, to, cause)
	}
}

func (e *Eiger) inFlightArm() *status.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.arming != nil && !e.arming.IsDone() {
		return e.arming
	}
	return nil
}

func (e *Eiger) finishedStatus() *status.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filewritersFinished
}
