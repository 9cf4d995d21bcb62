package beamline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/devices/adsim"
	"github.com/DominicOram/dodal/internal/devices/aperturescatterguard"
	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/devices/eiger"
	"github.com/DominicOram/dodal/internal/events"
)

// Device names on the simulated beamline.
const (
	EigerName    = "eiger"
	ApertureName = "aperture_scatterguard"
	AdSimName    = "adsim"
)

// Beamline is a set of created devices with the defaults they were built
// from.
type Beamline struct {
	Name     string
	Devices  *Registry
	Eiger    *eiger.Eiger
	IOC      *eiger.SimIOC
	Aperture *aperturescatterguard.ApertureScatterguard
	AdSim    *adsim.Detector
	Defaults *detector.Params
}

// NewSim builds the simulated beamline. Device state changes are published
// to sink from device callbacks, so sink must not block.
func NewSim(cfg config.BeamlineConfig, sink events.Sink) (*Beamline, error) {
	if sink == nil {
		sink = events.Discard
	}
	conv, err := NewConverter(cfg.LookupTable)
	if err != nil {
		return nil, fmt.Errorf("loading beam centre lookup table: %w", err)
	}
	defaults, err := ParamsFromConfig(cfg.Detector, conv)
	if err != nil {
		return nil, fmt.Errorf("detector defaults: %w", err)
	}
	positions, err := aperturescatterguard.FromBeamlineParams(cfg.AperturePositions)
	if err != nil {
		return nil, fmt.Errorf("aperture positions: %w", err)
	}

	bl := &Beamline{Name: cfg.Name, Devices: NewRegistry(), Defaults: defaults}
	emit := func(device string, kind events.Kind, state string, cause error) {
		e := events.New(cfg.Name, device, kind, state, cause)
		if err := sink.Publish(context.Background(), e); err != nil {
			slog.Warn("publishing device event", "device", device, "kind", kind, "err", err)
		}
	}

	onArmState := func(from, to eiger.ArmState, cause error) {
		emit(EigerName, events.KindArmState, to.String(), cause)
		if to == eiger.Armed && cfg.SimAutoFrames && bl.IOC != nil {
			if p := bl.Eiger.DetectorParams(); p != nil {
				go bl.IOC.DeliverFrames(p.FullNumberOfImages())
			}
		}
	}
	onMove := func(pos aperturescatterguard.Position, cause error) {
		emit(ApertureName, events.KindApertureMove, pos.Name, cause)
	}

	err = bl.Devices.MakeAll(map[string]Factory{
		EigerName: func() (Device, error) {
			opts := []eiger.Option{
				eiger.WithTimeouts(Timeouts(cfg.Timeouts)),
				eiger.WithStateListener(onArmState),
			}
			if cfg.ThresholdTolerance > 0 {
				opts = append(opts, eiger.WithThresholdTolerance(cfg.ThresholdTolerance))
			}
			e := eiger.NewSimulated(EigerName, opts...)
			ioc, err := eiger.NewSimIOC(e, cfg.SimDelay)
			if err != nil {
				return nil, err
			}
			bl.Eiger, bl.IOC = e, ioc
			return e, nil
		},
		ApertureName: func() (Device, error) {
			bl.Aperture = aperturescatterguard.NewSimulated(ApertureName, positions, cfg.ApertureTravel,
				aperturescatterguard.WithMoveListener(onMove))
			return bl.Aperture, nil
		},
		AdSimName: func() (Device, error) {
			bl.AdSim = adsim.NewSimulated(AdSimName, Timeouts(cfg.Timeouts).General)
			return bl.AdSim, nil
		},
	})
	if err != nil {
		return nil, err
	}

	slog.Info("simulated beamline ready", "beamline", cfg.Name, "devices", bl.Devices.Names())
	return bl, nil
}

// Timeouts converts configured timeouts, taking the default for any left
// unset.
func Timeouts(cfg config.TimeoutsConfig) eiger.Timeouts {
	t := eiger.DefaultTimeouts()
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&t.General, cfg.General)
	set(&t.StaleParams, cfg.StaleParams)
	set(&t.MetaFileReady, cfg.MetaFileReady)
	set(&t.AllFrames, cfg.AllFrames)
	set(&t.Arming, cfg.Arming)
	set(&t.Finished, cfg.Finished)
	return t
}
