package eiger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

// ErrOdinState is the failure of a disarm that completed without error but
// left Odin in a bad state.
var ErrOdinState = errors.New("odin in bad state after disarm")

// Stage arms the detector and blocks until it is armed. An arm already in
// progress is waited on first; if the hardware then reports armed nothing
// more is done.
func (e *Eiger) Stage(ctx context.Context) error {
	if err := e.waitOnArming(ctx); err != nil {
		slog.WarnContext(ctx, "previous arm failed, rearming", "device", e.name, "err", err)
	}
	if e.IsArmed() {
		return nil
	}

	slog.InfoContext(ctx, "eiger not armed, arming", "device", e.name)
	st, err := e.Arm(ctx)
	if err != nil {
		return err
	}
	if err := st.Wait(e.timeouts.Arming); err != nil {
		return fmt.Errorf("arming %s: %w", e.name, err)
	}
	return nil
}

// Unstage disarms the detector and waits for the file writers to finish. The
// camera is stopped, Odin is checked and ROI mode is disabled on every path,
// including failures. It reports whether Odin ended in a good state.
func (e *Eiger) Unstage(ctx context.Context) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "eiger.unstage", trace.WithAttributes(attribute.String("device", e.name)))
	defer span.End()

	var errs []error
	defer func() {
		ok, errs = e.cleanup(ctx, errs)
		err = errors.Join(errs...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.transition(Idle, err)
	}()

	// The arm chain owns the state until it resolves.
	if armErr := e.beginDisarm(ctx); armErr != nil {
		errs = append(errs, fmt.Errorf("waiting on arm: %w", armErr))
		return
	}

	params := e.DetectorParams()
	if params != nil && params.TriggerMode == detector.FreeRun {
		// Odin is only ever stopped by hand in free-run.
		if stopErr := e.stopAfterAllFrames(ctx, params.FullNumberOfImages()); stopErr != nil {
			errs = append(errs, stopErr)
			return
		}
	}

	if timeoutErr := e.Odin.FileWriter.StartTimeout.Set(1).Wait(e.timeouts.General); timeoutErr != nil {
		errs = append(errs, fmt.Errorf("starting file writer timeout: %w", timeoutErr))
		return
	}

	slog.InfoContext(ctx, "waiting on filewriting to finish", "device", e.name)
	finished := e.finishedStatus()
	if finished == nil {
		finished = e.Odin.CreateFinishedStatus()
	}
	if finishedErr := finished.Wait(e.timeouts.Finished); finishedErr != nil {
		errs = append(errs, fmt.Errorf("waiting for file writers: %w", finishedErr))
		return
	}
	slog.InfoContext(ctx, "filewriters have finished", "device", e.name)
	return
}

// stopAfterAllFrames waits for expected frames to be captured and then stops
// Odin whether or not they all arrived.
func (e *Eiger) stopAfterAllFrames(ctx context.Context, expected int) error {
	captured := e.Odin.FileWriter.NumCaptured
	waitErr := signal.AwaitValue[int](captured, expected, e.timeouts.AllFrames).Wait(0)
	stopErr := e.Odin.Stop().Wait(e.timeouts.General)

	var errs []error
	if waitErr != nil {
		got := captured.Get()
		slog.ErrorContext(ctx, "not all frames captured", "device", e.name, "expected", expected, "captured", got)
		errs = append(errs, &FrameTimeoutError{Expected: expected, Captured: got})
	}
	if stopErr != nil {
		errs = append(errs, fmt.Errorf("stopping odin: %w", stopErr))
	}
	return errors.Join(errs...)
}

func (e *Eiger) cleanup(ctx context.Context, errs []error) (bool, []error) {
	if err := e.disarmDetector(); err != nil {
		errs = append(errs, err)
	}

	ok, reason := e.Odin.CheckState()
	if !ok {
		slog.WarnContext(ctx, "odin in bad state", "device", e.name, "reason", reason)
	}

	if p := e.DetectorParams(); p != nil {
		if err := e.ChangeROIMode(false).Wait(e.timeouts.General); err != nil {
			errs = append(errs, fmt.Errorf("disabling roi mode: %w", err))
		}
	}
	return ok, errs
}

// Disarm runs Unstage on its own goroutine. The Status fails if Unstage
// fails or leaves Odin in a bad state.
func (e *Eiger) Disarm(ctx context.Context) *status.Status {
	st := status.New()
	go func() {
		ok, err := e.Unstage(ctx)
		switch {
		case err != nil:
			_ = st.Fail(err)
		case !ok:
			_ = st.Fail(ErrOdinState)
		default:
			_ = st.Succeed()
		}
	}()
	return st
}

// Stop stops file writing and then the camera. The camera is stopped even
// if Odin could not be.
func (e *Eiger) Stop(ctx context.Context) error {
	var errs []error
	if err := e.Odin.Stop().Wait(e.timeouts.General); err != nil {
		errs = append(errs, fmt.Errorf("stopping odin: %w", err))
	}
	if err := e.disarmDetector(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		slog.ErrorContext(ctx, "eiger stop failed", "device", e.name, "err", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (e *Eiger) disarmDetector() error {
	if err := e.Cam.Acquire.Set(0).Wait(e.timeouts.General); err != nil {
		return fmt.Errorf("stopping acquisition: %w", err)
	}
	return nil
}

// beginDisarm waits out any in-flight arm and then moves to Disarming. The
// move happens under armMu so no new arm can start in between. A failed wait
// still moves to Disarming so cleanup runs from a known state.
func (e *Eiger) beginDisarm(ctx context.Context) error {
	for {
		waitErr := e.waitOnArming(ctx)

		e.armMu.Lock()
		if waitErr == nil && e.inFlightArm() != nil {
			e.armMu.Unlock()
			continue
		}
		e.transition(Disarming, nil)
		e.armMu.Unlock()
		return waitErr
	}
}

func (e *Eiger) waitOnArming(ctx context.Context) error {
	st := e.inFlightArm()
	if st == nil {
		return nil
	}
	slog.InfoContext(ctx, "waiting on in-flight arm", "device", e.name)
	return st.Wait(e.timeouts.Arming)
}
