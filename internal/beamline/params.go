package beamline

import (
	"fmt"

	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/devices/detector"
)

// simLookupTable is the beam centre calibration used when no lookup file is
// configured: distance mm, beam x mm, beam y mm.
var simLookupTable = [][3]float64{
	{100.0, 153.0, 160.0},
	{250.0, 153.6, 161.1},
	{500.0, 154.4, 162.8},
	{1000.0, 156.0, 166.0},
}

// NewConverter loads the lookup table at path, or the built-in simulated
// calibration when path is empty.
func NewConverter(path string) (*detector.BeamXYConverter, error) {
	if path == "" {
		return detector.NewBeamXYConverterFromTable(simLookupTable), nil
	}
	return detector.NewBeamXYConverter(path)
}

// ParamsFromConfig builds collection parameters from the configured defaults.
func ParamsFromConfig(cfg config.DetectorConfig, conv *detector.BeamXYConverter) (*detector.Params, error) {
	size, err := detector.ConstantsForType(cfg.Type)
	if err != nil {
		return nil, err
	}
	mode, err := detector.ParseTriggerMode(cfg.TriggerMode)
	if err != nil {
		return nil, fmt.Errorf("detector trigger mode: %w", err)
	}
	p := &detector.Params{
		CurrentEnergyEV:     cfg.EnergyEV,
		ExposureTime:        cfg.ExposureTime,
		Directory:           cfg.Directory,
		Prefix:              cfg.Prefix,
		RunNumber:           cfg.RunNumber,
		DetectorDistance:    cfg.DetectorDistance,
		OmegaStart:          cfg.OmegaStart,
		OmegaIncrement:      cfg.OmegaIncrement,
		NumImagesPerTrigger: cfg.ImagesPerTrigger,
		NumTriggers:         cfg.NumTriggers,
		UseROIMode:          cfg.UseROIMode,
		TriggerMode:         mode,
		SizeConstants:       &size,
		BeamXYConverter:     conv,
	}
	if err := detector.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
