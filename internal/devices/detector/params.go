// Package detector holds the parameters of one detector collection and the
// calibration data needed to turn them into hardware settings.
package detector

import (
	"fmt"
	"strings"
)

// TriggerMode selects how the file writer knows when a collection is over.
type TriggerMode int

const (
	// SetFrames writes a fixed number of frames.
	SetFrames TriggerMode = iota
	// FreeRun writes until told to stop.
	FreeRun
)

func (m TriggerMode) String() string {
	switch m {
	case SetFrames:
		return "SET_FRAMES"
	case FreeRun:
		return "FREE_RUN"
	default:
		return fmt.Sprintf("TriggerMode(%d)", int(m))
	}
}

// ParseTriggerMode accepts the names returned by TriggerMode.String.
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch strings.ToUpper(s) {
	case "", "SET_FRAMES":
		return SetFrames, nil
	case "FREE_RUN":
		return FreeRun, nil
	default:
		return SetFrames, fmt.Errorf("unknown trigger mode %q", s)
	}
}

// Params describes one collection.
type Params struct {
	CurrentEnergyEV     float64
	ExposureTime        float64
	Directory           string
	Prefix              string
	RunNumber           int
	DetectorDistance    float64
	OmegaStart          float64
	OmegaIncrement      float64
	NumImagesPerTrigger int
	NumTriggers         int
	UseROIMode          bool
	TriggerMode         TriggerMode

	SizeConstants   *SizeConstants
	BeamXYConverter *BeamXYConverter
}

// FullFilename is the file name prefix the file writer is given.
func (p *Params) FullFilename() string {
	return fmt.Sprintf("%s_%d", p.Prefix, p.RunNumber)
}

// FullNumberOfImages is the number of frames the collection produces.
func (p *Params) FullNumberOfImages() int {
	return p.NumTriggers * p.NumImagesPerTrigger
}

// DetectorSizePixels is the image size for the configured ROI mode.
func (p *Params) DetectorSizePixels() Pixels {
	if p.UseROIMode {
		return p.SizeConstants.ROISizePixels
	}
	return p.SizeConstants.SizePixels
}

// BeamPositionPixels returns the beam centre at distance in image pixels,
// shifted to the ROI origin when ROI mode is on.
func (p *Params) BeamPositionPixels(distance float64) (x, y float64) {
	full := p.SizeConstants.SizePixels
	image := p.DetectorSizePixels()
	dim := p.SizeConstants.Dimension

	x = p.BeamXYConverter.BeamXPixels(distance, full.Width, dim.Width)
	y = p.BeamXYConverter.BeamYPixels(distance, full.Height, dim.Height)

	offsetX := float64(full.Width-image.Width) / 2
	offsetY := float64(full.Height-image.Height) / 2
	return x - offsetX, y - offsetY
}

// ValidationError lists every missing or invalid input, one per line.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "\n")
}

// Validate checks that p carries everything an arm needs. All problems are
// reported together.
func Validate(p *Params) error {
	if p == nil {
		return &ValidationError{Problems: []string{"parameters for scan must be specified"}}
	}
	var problems []string
	if p.SizeConstants == nil {
		problems = append(problems, "detector size must be set")
	}
	if p.BeamXYConverter == nil {
		problems = append(problems, "beam converter must be set")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
