package control

import (
	"sync"

	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/devices/eiger"
)

// Status values used across ProvisionResult and PhaseResult.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
)

// ProvisionResult is the aggregate result of preparing every event sink.
// Callers must hold the mutex before marshalling while phases may still be
// written.
type ProvisionResult struct {
	sync.Mutex
	Status string                 `json:"status"`
	Phases map[string]PhaseResult `json:"phases"`
}

// PhaseResult is the outcome of preparing one sink.
type PhaseResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ProbeResult is returned by RunDeepHealth for each sink.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// ArmRequest overrides the configured collection defaults. Zero fields keep
// the default.
type ArmRequest struct {
	EnergyEV         float64 `json:"energy_ev,omitempty"`
	ExposureTime     float64 `json:"exposure_time,omitempty"`
	Directory        string  `json:"directory,omitempty"`
	Prefix           string  `json:"prefix,omitempty"`
	RunNumber        int     `json:"run_number,omitempty"`
	DetectorDistance float64 `json:"detector_distance,omitempty"`
	OmegaStart       float64 `json:"omega_start,omitempty"`
	OmegaIncrement   float64 `json:"omega_increment,omitempty"`
	ImagesPerTrigger int     `json:"images_per_trigger,omitempty"`
	NumTriggers      int     `json:"num_triggers,omitempty"`
	UseROIMode       *bool   `json:"use_roi_mode,omitempty"`
	TriggerMode      string  `json:"trigger_mode,omitempty"`
}

// DetectorState is what the API reports about the detector.
type DetectorState struct {
	Device   string           `json:"device"`
	State    eiger.ArmState   `json:"state"`
	Armed    bool             `json:"armed"`
	Filename string           `json:"filename,omitempty"`
	Images   int              `json:"images,omitempty"`
	Captured int              `json:"captured"`
	Trigger  string           `json:"trigger_mode,omitempty"`
	Size     *detector.Pixels `json:"image_size,omitempty"`
}

// CollectResult summarises one staged collection.
type CollectResult struct {
	Device   string  `json:"device"`
	Filename string  `json:"filename"`
	Expected int     `json:"expected"`
	Captured int     `json:"captured"`
	OK       bool    `json:"ok"`
	Seconds  float64 `json:"seconds"`
	Error    string  `json:"error,omitempty"`
}
