package eiger

import (
	"fmt"
	"strings"

	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

// ImageMode is the areaDetector image mode enum.
type ImageMode int

const (
	ImageModeSingle ImageMode = iota
	ImageModeMultiple
	ImageModeContinuous
)

// CamTriggerMode is the Eiger driver trigger mode enum.
type CamTriggerMode int

const (
	InternalSeries CamTriggerMode = iota
	InternalEnable
	ExternalSeries
	ExternalEnable
)

// Cam is the Eiger detector driver.
type Cam struct {
	AcquireTime   signal.PV[float64]
	AcquirePeriod signal.PV[float64]
	NumExposures  signal.PV[int]
	ImageMode     signal.PV[ImageMode]
	TriggerMode   signal.PV[CamTriggerMode]
	Acquire       signal.PV[int]
	ROIMode       signal.PV[int]
	PhotonEnergy  signal.PV[float64]
	NumImages     signal.PV[int]
	NumTriggers   signal.PV[int]
	BitDepth      signal.Monitor[int]
}

// MXSettings are the crystallography header values written into the
// detector's metadata stream.
type MXSettings struct {
	BeamCenterX      signal.PV[float64]
	BeamCenterY      signal.PV[float64]
	DetectorDistance signal.PV[float64]
	OmegaStart       signal.PV[float64]
	OmegaIncrement   signal.PV[float64]
}

// FileWriter is the Odin HDF5 file writer.
type FileWriter struct {
	Capture         signal.PV[int]
	NumCapture      signal.PV[int]
	NumCaptured     signal.Monitor[int]
	FilePath        signal.PV[string]
	FileName        signal.PV[string]
	ID              signal.Monitor[string]
	StartTimeout    signal.PV[int]
	DataType        signal.PV[string]
	ImageHeight     signal.PV[int]
	ImageWidth      signal.PV[int]
	NumFramesChunks signal.PV[int]
	NumRowChunks    signal.PV[int]
	NumColChunks    signal.PV[int]
}

// Meta is the Odin meta writer.
type Meta struct {
	Initialised signal.Monitor[int]
	Active      signal.Monitor[int]
	Ready       signal.Monitor[int]
	FileName    signal.Monitor[string]
	StopWriting signal.PV[int]
}

// Fan is the Odin frame fan-out process.
type Fan struct {
	ConsumersConnected signal.Monitor[int]
	On                 signal.Monitor[int]
	Connected          signal.Monitor[int]
	Ready              signal.Monitor[int]
}

// Node is one frame processor/receiver pair.
type Node struct {
	Writing       signal.Monitor[int]
	ErrorStatus   signal.Monitor[int]
	ErrorMessage  signal.Monitor[string]
	FPInitialised signal.Monitor[int]
	FRInitialised signal.Monitor[int]
	ClearErrors   signal.PV[int]
}

// Odin is the data acquisition pipeline behind the detector.
type Odin struct {
	FileWriter *FileWriter
	Meta       *Meta
	Fan        *Fan
	Nodes      []*Node
}

// ClearErrors asks every node to clear its error state.
func (o *Odin) ClearErrors() *status.Status {
	statuses := make([]*status.Status, 0, len(o.Nodes))
	for _, n := range o.Nodes {
		statuses = append(statuses, n.ClearErrors.Set(1))
	}
	return status.Chain(statuses...)
}

// CheckInitialised reports whether the pipeline is ready to receive an arm.
// The reason lists every problem found.
func (o *Odin) CheckInitialised() (bool, string) {
	var problems []string
	if o.Fan.ConsumersConnected.Get() == 0 {
		problems = append(problems, "Zero consumers connected")
	}
	if o.Fan.On.Get() == 0 {
		problems = append(problems, "Fan is off")
	}
	if o.Fan.Connected.Get() == 0 {
		problems = append(problems, "Fan disconnected")
	}
	if o.Meta.Initialised.Get() == 0 {
		problems = append(problems, "Meta not initialised")
	}
	for i, n := range o.Nodes {
		if n.FPInitialised.Get() == 0 || n.FRInitialised.Get() == 0 {
			problems = append(problems, fmt.Sprintf("Filewriter %d not initialised", i))
		}
	}
	return len(problems) == 0, strings.Join(problems, ", ")
}

// CheckState is CheckInitialised plus a check that no node reports an error.
func (o *Odin) CheckState() (bool, string) {
	ok, reason := o.CheckInitialised()
	var problems []string
	if !ok {
		problems = append(problems, reason)
	}
	for i, n := range o.Nodes {
		if n.ErrorStatus.Get() != 0 {
			problems = append(problems, fmt.Sprintf("Filewriter %d is in an error state with error message - %s", i, n.ErrorMessage.Get()))
		}
	}
	return len(problems) == 0, strings.Join(problems, ", ")
}

// CreateFinishedStatus returns a Status that succeeds once the meta writer
// and every node have stopped writing.
func (o *Odin) CreateFinishedStatus() *status.Status {
	st := signal.AwaitValue[int](o.Meta.Ready, 0, 0)
	for _, n := range o.Nodes {
		st = st.And(signal.AwaitValue[int](n.Writing, 0, 0))
	}
	return st
}

// Stop ends file writing.
func (o *Odin) Stop() *status.Status {
	return o.FileWriter.Capture.Set(0).And(o.Meta.StopWriting.Set(1))
}
