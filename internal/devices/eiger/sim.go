package eiger

import (
	"fmt"
	"sync"
	"time"

	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

// NodeCount is the number of Odin nodes on a simulated detector.
const NodeCount = 4

// NewSimulated builds an Eiger on in-memory signals. The Odin pipeline starts
// initialised and idle. Linked records are not simulated; see NewSimIOC.
func NewSimulated(name string, opts ...Option) *Eiger {
	pv := func(suffix string) string { return name + "-" + suffix }

	cam := &Cam{
		AcquireTime:   signal.NewSim(pv("cam-acquire_time"), 0.0),
		AcquirePeriod: signal.NewSim(pv("cam-acquire_period"), 0.0),
		NumExposures:  signal.NewSim(pv("cam-num_exposures"), 0),
		ImageMode:     signal.NewSim(pv("cam-image_mode"), ImageModeSingle),
		TriggerMode:   signal.NewSim(pv("cam-trigger_mode"), InternalSeries),
		Acquire:       signal.NewSim(pv("cam-acquire"), 0),
		ROIMode:       signal.NewSim(pv("cam-roi_mode"), 0),
		PhotonEnergy:  signal.NewSim(pv("cam-photon_energy"), 0.0),
		NumImages:     signal.NewSim(pv("cam-num_images"), 0),
		NumTriggers:   signal.NewSim(pv("cam-num_triggers"), 0),
		BitDepth:      signal.NewSim(pv("cam-bit_depth"), 16),
	}
	mx := &MXSettings{
		BeamCenterX:      signal.NewSim(pv("mx-beam_center_x"), 0.0),
		BeamCenterY:      signal.NewSim(pv("mx-beam_center_y"), 0.0),
		DetectorDistance: signal.NewSim(pv("mx-det_distance"), 0.0),
		OmegaStart:       signal.NewSim(pv("mx-omega_start"), 0.0),
		OmegaIncrement:   signal.NewSim(pv("mx-omega_increment"), 0.0),
	}
	odin := &Odin{
		FileWriter: &FileWriter{
			Capture:         signal.NewSim(pv("odin-fw-capture"), 0),
			NumCapture:      signal.NewSim(pv("odin-fw-num_capture"), 0),
			NumCaptured:     signal.NewSim(pv("odin-fw-num_captured"), 0),
			FilePath:        signal.NewSim(pv("odin-fw-file_path"), ""),
			FileName:        signal.NewSim(pv("odin-fw-file_name"), ""),
			ID:              signal.NewSim(pv("odin-fw-id"), ""),
			StartTimeout:    signal.NewSim(pv("odin-fw-start_timeout"), 0),
			DataType:        signal.NewSim(pv("odin-fw-data_type"), ""),
			ImageHeight:     signal.NewSim(pv("odin-fw-image_height"), 0),
			ImageWidth:      signal.NewSim(pv("odin-fw-image_width"), 0),
			NumFramesChunks: signal.NewSim(pv("odin-fw-num_frames_chunks"), 0),
			NumRowChunks:    signal.NewSim(pv("odin-fw-num_row_chunks"), 0),
			NumColChunks:    signal.NewSim(pv("odin-fw-num_col_chunks"), 0),
		},
		Meta: &Meta{
			Initialised: signal.NewSim(pv("odin-meta-initialised"), 1),
			Active:      signal.NewSim(pv("odin-meta-active"), 0),
			Ready:       signal.NewSim(pv("odin-meta-ready"), 0),
			FileName:    signal.NewSim(pv("odin-meta-file_name"), ""),
			StopWriting: signal.NewSim(pv("odin-meta-stop_writing"), 0),
		},
		Fan: &Fan{
			ConsumersConnected: signal.NewSim(pv("odin-fan-consumers_connected"), 1),
			On:                 signal.NewSim(pv("odin-fan-on"), 1),
			Connected:          signal.NewSim(pv("odin-fan-connected"), 1),
			Ready:              signal.NewSim(pv("odin-fan-ready"), 0),
		},
	}
	for i := 0; i < NodeCount; i++ {
		node := func(suffix string) string { return pv(fmt.Sprintf("odin-node%d-%s", i, suffix)) }
		odin.Nodes = append(odin.Nodes, &Node{
			Writing:       signal.NewSim(node("writing"), 0),
			ErrorStatus:   signal.NewSim(node("error_status"), 0),
			ErrorMessage:  signal.NewSim(node("error_message"), ""),
			FPInitialised: signal.NewSim(node("fp_initialised"), 1),
			FRInitialised: signal.NewSim(node("fr_initialised"), 1),
			ClearErrors:   signal.NewSim(node("clear_errors"), 0),
		})
	}

	return New(name, cam, odin, mx, signal.NewSim(pv("stale_params"), 0), opts...)
}

// SimIOC reproduces the records the real IOC links together, so a simulated
// Eiger can complete a whole arm/disarm cycle on its own.
type SimIOC struct {
	e     *Eiger
	delay time.Duration

	mu     sync.Mutex
	frames int
}

// NewSimIOC installs linked-record behaviour on an Eiger built by
// NewSimulated. Every linked write completes after delay.
func NewSimIOC(e *Eiger, delay time.Duration) (*SimIOC, error) {
	ioc := &SimIOC{e: e, delay: delay}
	if err := ioc.link(); err != nil {
		return nil, err
	}
	return ioc, nil
}

func simOf[V any](r signal.Readable[V]) (*signal.Sim[V], error) {
	s, ok := r.(*signal.Sim[V])
	if !ok {
		return nil, fmt.Errorf("signal %T is not simulated", r)
	}
	return s, nil
}

func (ioc *SimIOC) link() error {
	e := ioc.e
	fw, meta, fan := e.Odin.FileWriter, e.Odin.Meta, e.Odin.Fan

	fileName, err := simOf[string](fw.FileName)
	if err != nil {
		return err
	}
	metaFileName, err := simOf[string](meta.FileName)
	if err != nil {
		return err
	}
	id, err := simOf[string](fw.ID)
	if err != nil {
		return err
	}
	dataType, err := simOf[string](fw.DataType)
	if err != nil {
		return err
	}
	active, err := simOf[int](meta.Active)
	if err != nil {
		return err
	}
	capture, err := simOf[int](fw.Capture)
	if err != nil {
		return err
	}
	metaReady, err := simOf[int](meta.Ready)
	if err != nil {
		return err
	}
	stopWriting, err := simOf[int](meta.StopWriting)
	if err != nil {
		return err
	}
	acquire, err := simOf[int](e.Cam.Acquire)
	if err != nil {
		return err
	}
	fanReady, err := simOf[int](fan.Ready)
	if err != nil {
		return err
	}
	startTimeout, err := simOf[int](fw.StartTimeout)
	if err != nil {
		return err
	}
	numCaptured, err := simOf[int](fw.NumCaptured)
	if err != nil {
		return err
	}
	writing := make([]*signal.Sim[int], 0, len(e.Odin.Nodes))
	for _, n := range e.Odin.Nodes {
		w, err := simOf[int](n.Writing)
		if err != nil {
			return err
		}
		writing = append(writing, w)
	}

	setWriting := func(v int) {
		for _, w := range writing {
			w.Put(v)
		}
	}
	stopFileWriting := func() {
		metaReady.Put(0)
		active.Put(0)
		setWriting(0)
	}

	linked(ioc, fileName, func(v string) {
		metaFileName.Put(v)
		id.Put(v)
	})
	linked(ioc, dataType, func(string) { active.Put(1) })
	linked(ioc, capture, func(v int) {
		if v == 1 {
			ioc.resetFrames()
			numCaptured.Put(0)
			stopWriting.Put(0)
			metaReady.Put(1)
			setWriting(1)
			return
		}
		stopFileWriting()
	})
	linked(ioc, stopWriting, func(v int) {
		if v == 1 {
			stopFileWriting()
		}
	})
	linked(ioc, acquire, func(v int) { fanReady.Put(v) })
	linked(ioc, startTimeout, func(v int) {
		// The writer times out once the expected frames are in.
		if v == 1 && numCaptured.Get() >= e.Odin.FileWriter.NumCapture.Get() {
			stopFileWriting()
		}
	})
	return nil
}

// DeliverFrames simulates n more frames reaching the file writer. Frames are
// dropped unless it is capturing.
func (ioc *SimIOC) DeliverFrames(n int) {
	fw := ioc.e.Odin.FileWriter
	if fw.Capture.Get() != 1 {
		return
	}
	ioc.mu.Lock()
	ioc.frames += n
	total := ioc.frames
	ioc.mu.Unlock()

	if numCaptured, err := simOf[int](fw.NumCaptured); err == nil {
		numCaptured.Put(total)
	}
}

func (ioc *SimIOC) resetFrames() {
	ioc.mu.Lock()
	ioc.frames = 0
	ioc.mu.Unlock()
}

// linked makes writes to s store the value, run then and complete after the
// IOC's delay.
func linked[V any](ioc *SimIOC, s *signal.Sim[V], then func(V)) {
	s.OnSet(func(v V) *status.Status {
		apply := func() {
			s.Put(v)
			then(v)
		}
		if ioc.delay <= 0 {
			apply()
			return status.Done()
		}
		st := status.New()
		time.AfterFunc(ioc.delay, func() {
			apply()
			_ = st.Succeed()
		})
		return st
	})
}
