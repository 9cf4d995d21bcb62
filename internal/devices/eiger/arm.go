package eiger

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/sequence"
	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

// Arm starts arming the detector and returns the Status of the whole arm
// chain. If an arm is already in progress its Status is returned instead.
// Arming is refused with ErrNotIdle while disarming or while the hardware
// confirms it is armed; an Armed state the hardware no longer reports is
// rearmed. Missing parameters and an uninitialised Odin are reported before
// anything is written.
func (e *Eiger) Arm(ctx context.Context) (*status.Status, error) {
	e.armMu.Lock()
	defer e.armMu.Unlock()

	if st := e.inFlightArm(); st != nil {
		slog.InfoContext(ctx, "arm already in progress", "device", e.name)
		return st, nil
	}
	switch s := e.State(); {
	case s == Disarming, s == Armed && e.IsArmed():
		return nil, fmt.Errorf("%w: %s is %s", ErrNotIdle, e.name, s)
	}

	params := e.DetectorParams()
	if err := detector.Validate(params); err != nil {
		return nil, err
	}

	if err := e.Odin.ClearErrors().Wait(e.timeouts.General); err != nil {
		return nil, fmt.Errorf("clearing odin errors: %w", err)
	}
	if ok, reason := e.Odin.CheckInitialised(); !ok {
		return nil, &OdinNotInitialisedError{Reason: reason}
	}

	ctx, span := tracer.Start(ctx, "eiger.arm", trace.WithAttributes(
		attribute.String("device", e.name),
		attribute.String("trigger_mode", params.TriggerMode.String()),
		attribute.Bool("roi_mode", params.UseROIMode),
	))

	armed := status.New()
	e.mu.Lock()
	e.arming = armed
	e.filewritersFinished = nil
	e.mu.Unlock()

	e.transition(AwaitingOdinReady, nil)

	chain := sequence.Run(ctx, "eiger.arm", e.armSteps(params), e.timeouts.Arming)
	chain.AddCallback(func(done *status.Status) {
		if err := done.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.transition(Idle, err)
			_ = armed.Fail(err)
		} else {
			_ = armed.Succeed()
		}
		span.End()
	})
	return armed, nil
}

func (e *Eiger) armSteps(p *detector.Params) []sequence.Step {
	var steps []sequence.Step
	if p.UseROIMode != (e.Cam.ROIMode.Get() == 1) {
		steps = append(steps, sequence.Step{Name: "change_roi_mode", Run: func() *status.Status {
			return e.ChangeROIMode(p.UseROIMode)
		}})
	}
	return append(steps,
		sequence.Step{Name: "set_detector_threshold", Run: func() *status.Status {
			return e.SetDetectorThreshold(p.CurrentEnergyEV)
		}},
		sequence.Step{Name: "set_cam_pvs", Run: func() *status.Status { return e.setCamPVs(p) }},
		sequence.Step{Name: "set_odin_number_of_frame_chunks", Run: func() *status.Status {
			return e.Odin.FileWriter.NumFramesChunks.Set(1)
		}},
		sequence.Step{Name: "set_odin_pvs", Run: func() *status.Status { return e.setOdinPVs(p) }},
		sequence.Step{Name: "set_mx_settings_pvs", Run: func() *status.Status { return e.setMXSettingsPVs(p) }},
		sequence.Step{Name: "set_num_triggers_and_captures", Run: func() *status.Status {
			return e.setNumTriggersAndCaptures(p)
		}},
		sequence.Step{Name: "await_stale_parameters", Run: func() *status.Status {
			return signal.AwaitValue[int](e.StaleParams, 0, e.timeouts.StaleParams)
		}},
		sequence.Step{Name: "forward_bit_depth", Run: e.forwardBitDepth},
		sequence.Step{Name: "wait_for_odin_status", Run: e.waitForOdinStatus},
		sequence.Step{Name: "start_acquire", Run: e.startAcquire},
		sequence.Step{Name: "wait_fan_ready", Run: e.waitFanReady},
		sequence.Step{Name: "finish_arm", Run: e.finishArm},
	)
}

// SetDetectorThreshold writes the photon energy only when it differs from the
// current value by more than the configured relative tolerance.
func (e *Eiger) SetDetectorThreshold(energyEV float64) *status.Status {
	current := e.Cam.PhotonEnergy.Get()
	if math.Abs(energyEV-current) <= e.tolerance*math.Abs(current) {
		return status.Done()
	}
	return e.Cam.PhotonEnergy.Set(energyEV)
}

// ChangeROIMode switches the camera and file writer between the ROI and full
// frame image sizes.
func (e *Eiger) ChangeROIMode(enable bool) *status.Status {
	p := e.DetectorParams()
	if err := detector.Validate(p); err != nil {
		return status.Failed(err)
	}
	size := p.SizeConstants.SizePixels
	roi := 0
	if enable {
		size = p.SizeConstants.ROISizePixels
		roi = 1
	}
	fw := e.Odin.FileWriter
	return status.Chain(
		e.Cam.ROIMode.Set(roi),
		fw.ImageHeight.Set(size.Height),
		fw.ImageWidth.Set(size.Width),
		fw.NumRowChunks.Set(size.Height),
		fw.NumColChunks.Set(size.Width),
	)
}

func (e *Eiger) setCamPVs(p *detector.Params) *status.Status {
	return status.Chain(
		e.Cam.AcquireTime.Set(p.ExposureTime),
		e.Cam.AcquirePeriod.Set(p.ExposureTime),
		e.Cam.NumExposures.Set(1),
		e.Cam.ImageMode.Set(ImageModeMultiple),
		e.Cam.TriggerMode.Set(ExternalSeries),
	)
}

func (e *Eiger) setOdinPVs(p *detector.Params) *status.Status {
	name := p.FullFilename()
	fw := e.Odin.FileWriter
	return status.Chain(
		fw.FilePath.Set(p.Directory),
		fw.FileName.Set(name),
		signal.AwaitValue[string](e.Odin.Meta.FileName, name, e.timeouts.MetaFileReady),
		signal.AwaitValue[string](fw.ID, name, e.timeouts.General),
	)
}

func (e *Eiger) setMXSettingsPVs(p *detector.Params) *status.Status {
	x, y := p.BeamPositionPixels(p.DetectorDistance)
	return status.Chain(
		e.MX.BeamCenterX.Set(x),
		e.MX.BeamCenterY.Set(y),
		e.MX.DetectorDistance.Set(p.DetectorDistance),
		e.MX.OmegaStart.Set(p.OmegaStart),
		e.MX.OmegaIncrement.Set(p.OmegaIncrement),
	)
}

func (e *Eiger) setNumTriggersAndCaptures(p *detector.Params) *status.Status {
	st := e.Cam.NumImages.Set(p.NumImagesPerTrigger)
	if p.TriggerMode == detector.FreeRun {
		// The file writer runs until stopped rather than counting frames.
		return st.And(e.Cam.NumTriggers.Set(MaxTriggers)).
			And(e.Odin.FileWriter.NumCapture.Set(0))
	}
	return st.And(e.Cam.NumTriggers.Set(p.NumTriggers)).
		And(e.Odin.FileWriter.NumCapture.Set(p.FullNumberOfImages()))
}

func (e *Eiger) forwardBitDepth() *status.Status {
	dataType := fmt.Sprintf("UInt%d", e.Cam.BitDepth.Get())
	return e.Odin.FileWriter.DataType.Set(dataType).
		And(signal.AwaitValue[int](e.Odin.Meta.Active, 1, e.timeouts.General))
}

func (e *Eiger) waitForOdinStatus() *status.Status {
	return e.Odin.FileWriter.Capture.Set(1).
		And(signal.AwaitValue[int](e.Odin.Meta.Ready, 1, e.timeouts.General))
}

func (e *Eiger) startAcquire() *status.Status {
	e.transition(Acquiring, nil)
	return e.Cam.Acquire.Set(1)
}

func (e *Eiger) waitFanReady() *status.Status {
	e.transition(AwaitingFanReady, nil)
	finished := e.Odin.CreateFinishedStatus()
	e.mu.Lock()
	e.filewritersFinished = finished
	e.mu.Unlock()
	return signal.AwaitValue[int](e.Odin.Fan.Ready, 1, e.timeouts.General)
}

func (e *Eiger) finishArm() *status.Status {
	slog.Info("eiger armed", "device", e.name)
	e.transition(Armed, nil)
	return status.Done()
}
