// Package adsim is the areaDetector simulation detector, used on beamlines
// without real hardware and in system tests.
package adsim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

// Cam is the simulation driver.
type Cam struct {
	PortName       signal.Monitor[string]
	ArrayCounter   signal.PV[int]
	ArrayCallbacks signal.PV[int]
	ImageMode      signal.PV[string]
	TriggerMode    signal.PV[string]
	AcquireTime    signal.PV[float64]
	AcquirePeriod  signal.PV[float64]
	Acquire        signal.PV[int]
}

// HDF5 is the HDF5 file writer plugin.
type HDF5 struct {
	Enable      signal.PV[int]
	NDArrayPort signal.PV[string]
	Capture     signal.PV[int]
}

// Detector stages the simulation detector for software-triggered frames.
type Detector struct {
	name    string
	Cam     *Cam
	HDF     *HDF5
	timeout time.Duration

	stageSettings *signal.Settings

	mu     sync.Mutex
	staged signal.Snapshot
}

// New returns the detector. extra is added to the stage settings and
// replaces any default for the same signal.
func New(name string, cam *Cam, hdf *HDF5, timeout time.Duration, extra ...signal.Override) *Detector {
	d := &Detector{name: name, Cam: cam, HDF: hdf, timeout: timeout}
	d.stageSettings = signal.NewSettings(
		signal.Set[string](hdf.NDArrayPort, cam.PortName.Get()),
		signal.Set[int](cam.ArrayCounter, 0),
		signal.Set[string](cam.ImageMode, "Multiple"),
		// Hardware triggered scans are not supported.
		signal.Set[string](cam.TriggerMode, "Internal"),
	).Add(extra...)
	return d
}

// Name returns the device name.
func (d *Detector) Name() string { return d.name }

// StageSettings returns the settings applied by Stage.
func (d *Detector) StageSettings() *signal.Settings { return d.stageSettings }

// primingSettings take the quickest possible single frame through every
// enabled plugin.
func (d *Detector) primingSettings() []signal.Override {
	return []signal.Override{
		signal.Set[int](d.HDF.Enable, 1),
		signal.Set[string](d.HDF.NDArrayPort, d.Cam.PortName.Get()),
		signal.Set[int](d.Cam.ArrayCallbacks, 1),
		signal.Set[string](d.Cam.ImageMode, "Single"),
		signal.Set[string](d.Cam.TriggerMode, "Off"),
		signal.Set[float64](d.Cam.AcquireTime, 6.3e-05),
		signal.Set[float64](d.Cam.AcquirePeriod, 0.003),
	}
}

// Stage primes the plugins with one frame and then applies the stage
// settings. The acquire period is set to the acquire time because the driver
// does not do so itself.
func (d *Detector) Stage(ctx context.Context) error {
	acquireTime, ok := signal.Value[float64](d.stageSettings, d.Cam.AcquireTime)
	if !ok {
		acquireTime = d.Cam.AcquireTime.Get()
	}
	d.stageSettings.Add(signal.Set[float64](d.Cam.AcquirePeriod, acquireTime))

	if err := d.primeMinimalFrame(); err != nil {
		return fmt.Errorf("priming %s plugins: %w", d.name, err)
	}

	snap := d.stageSettings.Snapshot()
	if err := d.stageSettings.Apply().Wait(d.timeout); err != nil {
		return fmt.Errorf("staging %s: %w", d.name, err)
	}
	d.mu.Lock()
	d.staged = snap
	d.mu.Unlock()

	slog.InfoContext(ctx, "detector staged", "device", d.name, "acquire_time", acquireTime)
	return nil
}

func (d *Detector) primeMinimalFrame() error {
	if err := d.Cam.Acquire.Set(0).Wait(d.timeout); err != nil {
		return err
	}
	return signal.WithOverrides(d.primingSettings(), d.timeout, func(signal.Snapshot) error {
		return d.Cam.Acquire.Set(1).Wait(d.timeout)
	})
}

// Unstage stops HDF capture and restores the values the stage settings
// replaced.
func (d *Detector) Unstage(ctx context.Context) error {
	d.mu.Lock()
	snap := d.staged
	d.staged = nil
	d.mu.Unlock()

	st := d.HDF.Capture.Set(0)
	if snap != nil {
		st = st.And(snap.Restore())
	}
	if err := st.Wait(d.timeout); err != nil {
		return fmt.Errorf("unstaging %s: %w", d.name, err)
	}
	slog.InfoContext(ctx, "detector unstaged", "device", d.name)
	return nil
}

// NewSimulated returns a detector on in-memory signals. A single-image
// acquisition completes one frame and returns acquire to 0.
func NewSimulated(name string, timeout time.Duration, extra ...signal.Override) *Detector {
	pv := func(suffix string) string { return name + "-" + suffix }

	counter := signal.NewSim(pv("cam-array_counter"), 0)
	imageMode := signal.NewSim(pv("cam-image_mode"), "Continuous")
	acquire := signal.NewSim(pv("cam-acquire"), 0)
	acquire.OnSet(func(v int) *status.Status {
		acquire.Put(v)
		if v == 1 && imageMode.Get() == "Single" {
			counter.Put(counter.Get() + 1)
			acquire.Put(0)
		}
		return status.Done()
	})

	cam := &Cam{
		PortName:       signal.NewSim(pv("cam-port_name"), "ADSIM.CAM"),
		ArrayCounter:   counter,
		ArrayCallbacks: signal.NewSim(pv("cam-array_callbacks"), 0),
		ImageMode:      imageMode,
		TriggerMode:    signal.NewSim(pv("cam-trigger_mode"), "Internal"),
		AcquireTime:    signal.NewSim(pv("cam-acquire_time"), 0.1),
		AcquirePeriod:  signal.NewSim(pv("cam-acquire_period"), 0.5),
		Acquire:        acquire,
	}
	hdf := &HDF5{
		Enable:      signal.NewSim(pv("hdf-enable"), 0),
		NDArrayPort: signal.NewSim(pv("hdf-nd_array_port"), ""),
		Capture:     signal.NewSim(pv("hdf-capture"), 0),
	}
	return New(name, cam, hdf, timeout, extra...)
}
