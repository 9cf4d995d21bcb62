package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicOram/dodal/internal/beamline"
	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/devices/aperturescatterguard"
	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/devices/eiger"
	"github.com/DominicOram/dodal/internal/events"
)

// --- mock implementations ---

type mockProber struct {
	result ProbeResult
}

func (m *mockProber) Probe(_ context.Context) ProbeResult { return m.result }

type mockProvisioner struct {
	mockProber
	provisionErr error
	provisioned  bool
}

func (m *mockProvisioner) Provision(_ context.Context) error {
	m.provisioned = true
	return m.provisionErr
}

// blockingProber blocks until released; used to test the in-progress guard.
type blockingProber struct {
	ready chan struct{}
	done  chan struct{}
}

func (b *blockingProber) Probe(_ context.Context) ProbeResult {
	close(b.ready)
	<-b.done
	return ProbeResult{OK: true}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) states(kind events.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e.State)
		}
	}
	return out
}

// --- helpers ---

func simBeamline(t *testing.T, sink events.Sink) *beamline.Beamline {
	t.Helper()
	bl, err := beamline.NewSim(config.BeamlineConfig{
		Name:               "i03",
		ThresholdTolerance: 0.001,
		ApertureTravel:     time.Millisecond,
		Timeouts: config.TimeoutsConfig{
			General:   time.Second,
			Arming:    2 * time.Second,
			AllFrames: time.Second,
			Finished:  time.Second,
		},
		Detector: config.DetectorConfig{
			Type:             detector.Eiger2X16MType,
			EnergyEV:         12700,
			ExposureTime:     0.004,
			Directory:        "/tmp/dodal",
			Prefix:           "sim",
			RunNumber:        1,
			DetectorDistance: 250,
			OmegaIncrement:   0.1,
			ImagesPerTrigger: 10,
			NumTriggers:      1,
			TriggerMode:      "SET_FRAMES",
		},
		AperturePositions: config.DefaultAperturePositions(),
		SimAutoFrames:     true,
	}, sink)
	require.NoError(t, err)
	return bl
}

func ok(name string) *mockProber {
	return &mockProber{result: ProbeResult{Name: name, OK: true}}
}

func failing(name, msg string) *mockProber {
	return &mockProber{result: ProbeResult{Name: name, OK: false, Error: msg}}
}

// --- tests ---

func TestParams_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	c := New(simBeamline(t, nil))
	roi := true
	p, err := c.Params(ArmRequest{Prefix: "thaumatin", RunNumber: 4, ImagesPerTrigger: 3600, UseROIMode: &roi, TriggerMode: "free_run"})
	require.NoError(t, err)

	assert.Equal(t, "thaumatin_4", p.FullFilename())
	assert.Equal(t, 3600, p.FullNumberOfImages())
	assert.True(t, p.UseROIMode)
	assert.Equal(t, detector.FreeRun, p.TriggerMode)
	assert.Equal(t, 0.004, p.ExposureTime, "unset fields keep the default")
	assert.Equal(t, 10, c.Beamline().Defaults.NumImagesPerTrigger, "defaults are not modified")

	_, err = c.Params(ArmRequest{TriggerMode: "SOMETIMES"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = c.Params(ArmRequest{NumTriggers: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestArmThenDisarm(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := New(simBeamline(t, rec))
	ctx := context.Background()

	st, err := c.Arm(ctx, ArmRequest{Prefix: "lysozyme"})
	require.NoError(t, err)
	require.NoError(t, st.Wait(2*time.Second))

	state := c.DetectorState()
	assert.Equal(t, eiger.Armed, state.State)
	assert.True(t, state.Armed)
	assert.Equal(t, "lysozyme_1", state.Filename)
	assert.Equal(t, 10, state.Images)
	require.NotNil(t, state.Size)
	assert.Equal(t, detector.Eiger2X16M.SizePixels, *state.Size)

	_, err = c.Arm(ctx, ArmRequest{})
	assert.ErrorIs(t, err, ErrDetectorBusy)

	// Simulated frames arrive once armed.
	require.Eventually(t, func() bool { return c.DetectorState().Captured == 10 }, time.Second, time.Millisecond)

	require.NoError(t, c.Disarm(ctx).Wait(2*time.Second))
	assert.Equal(t, eiger.Idle, c.DetectorState().State)
	assert.Contains(t, rec.states(events.KindArmState), "armed")
}

func TestArm_RejectsBadRequestBeforeArming(t *testing.T) {
	t.Parallel()

	c := New(simBeamline(t, nil))
	_, err := c.Arm(context.Background(), ArmRequest{TriggerMode: "SOMETIMES"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, eiger.Idle, c.DetectorState().State)
	assert.Nil(t, c.Beamline().Eiger.ArmStatus())
}

func TestCollect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode string
	}{
		{"set frames", "SET_FRAMES"},
		{"free run", "FREE_RUN"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := &recorder{}
			c := New(simBeamline(t, rec), WithEvents(rec))
			res, err := c.Collect(context.Background(), ArmRequest{TriggerMode: tc.mode})
			require.NoError(t, err)

			assert.True(t, res.OK)
			assert.Equal(t, "sim_1", res.Filename)
			assert.Equal(t, 10, res.Expected)
			assert.Equal(t, 10, res.Captured)
			assert.Empty(t, res.Error)
			assert.Equal(t, []string{"staged", "unstaged"}, rec.states(events.KindStage))
			assert.Equal(t, eiger.Idle, c.DetectorState().State)
		})
	}
}

func TestCollect_RefusedWhileArmed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := New(simBeamline(t, rec), WithEvents(rec))
	ctx := context.Background()

	st, err := c.Arm(ctx, ArmRequest{Prefix: "first"})
	require.NoError(t, err)
	require.NoError(t, st.Wait(2*time.Second))

	_, err = c.Collect(ctx, ArmRequest{Prefix: "second", ImagesPerTrigger: 20})
	assert.ErrorIs(t, err, ErrDetectorBusy)

	state := c.DetectorState()
	assert.Equal(t, "first_1", state.Filename, "params of the running arm are kept")
	assert.Equal(t, 10, state.Images)
	assert.Equal(t, "first_1", c.Beamline().Eiger.Odin.FileWriter.FileName.Get())
	assert.Empty(t, rec.states(events.KindStage))
}

func TestArm_ConcurrentRequestsStartOneChain(t *testing.T) {
	t.Parallel()

	c := New(simBeamline(t, nil))

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
		busy     int
	)
	for i := range callers {
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			_, err := c.Arm(context.Background(), ArmRequest{Prefix: "race", RunNumber: run + 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, fmt.Sprintf("race_%d", run+1))
			case errors.Is(err, ErrDetectorBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	assert.Equal(t, callers-1, busy)
	require.NoError(t, c.Beamline().Eiger.ArmStatus().Wait(2*time.Second))
	assert.Equal(t, accepted[0], c.DetectorState().Filename)
	assert.Equal(t, accepted[0], c.Beamline().Eiger.Odin.FileWriter.FileName.Get())
}

func TestMoveAperture(t *testing.T) {
	t.Parallel()

	c := New(simBeamline(t, nil), WithMoveTimeout(time.Second))
	all, current := c.AperturePositions()
	assert.Len(t, all, 4)
	assert.Equal(t, aperturescatterguard.RobotLoad, current)

	pos, err := c.MoveAperture(context.Background(), "small_aperture")
	require.NoError(t, err)
	assert.Equal(t, aperturescatterguard.Small, pos.Name)
	_, current = c.AperturePositions()
	assert.Equal(t, aperturescatterguard.Small, current)

	_, err = c.MoveAperture(context.Background(), "TINY_APERTURE")
	var perr *aperturescatterguard.UnsupportedPositionError
	assert.ErrorAs(t, err, &perr)
}

func TestRunProvision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		sinks         map[string]Prober
		wantStatus    string
		wantErrPhases []string
	}{
		{
			name:       "no sinks",
			sinks:      nil,
			wantStatus: StatusOK,
		},
		{
			name: "all sinks ready",
			sinks: map[string]Prober{
				"nats":     &mockProvisioner{},
				"redis":    ok("redis"),
				"postgres": &mockProvisioner{},
			},
			wantStatus: StatusOK,
		},
		{
			name: "postgres migration fails",
			sinks: map[string]Prober{
				"nats":     &mockProvisioner{},
				"redis":    ok("redis"),
				"postgres": &mockProvisioner{provisionErr: errors.New("permission denied")},
			},
			wantStatus:    StatusError,
			wantErrPhases: []string{"postgres"},
		},
		{
			name: "redis unreachable",
			sinks: map[string]Prober{
				"redis": failing("redis", "dial tcp refused"),
			},
			wantStatus:    StatusError,
			wantErrPhases: []string{"redis"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := New(simBeamline(t, nil), WithSinks(tc.sinks))
			assert.False(t, c.IsReady())

			result, err := c.RunProvision(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, result.Status)
			assert.Len(t, result.Phases, len(tc.sinks))
			for _, name := range tc.wantErrPhases {
				assert.Equal(t, StatusError, result.Phases[name].Status)
				assert.NotEmpty(t, result.Phases[name].Error)
			}
			assert.Equal(t, tc.wantStatus == StatusOK, c.IsReady())

			for _, s := range tc.sinks {
				if p, ok := s.(*mockProvisioner); ok {
					assert.True(t, p.provisioned)
				}
			}
		})
	}
}

func TestRunProvision_InProgressGuard(t *testing.T) {
	t.Parallel()

	blocker := &blockingProber{ready: make(chan struct{}), done: make(chan struct{})}
	c := New(simBeamline(t, nil), WithSinks(map[string]Prober{"redis": blocker}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.RunProvision(context.Background())
	}()

	<-blocker.ready
	assert.True(t, c.IsProvisionInProgress())
	_, err := c.RunProvision(context.Background())
	assert.ErrorIs(t, err, ErrProvisionInProgress)

	close(blocker.done)
	<-done
	assert.False(t, c.IsProvisionInProgress())
	assert.True(t, c.IsReady())
}

func TestRunDeepHealth(t *testing.T) {
	t.Parallel()

	c := New(simBeamline(t, nil), WithSinks(map[string]Prober{
		"nats":  ok("nats"),
		"redis": failing("redis", "circuit open"),
	}))
	results := c.RunDeepHealth(context.Background())

	require.Len(t, results, 2)
	assert.True(t, results["nats"].OK)
	assert.False(t, results["redis"].OK)
	assert.Equal(t, "circuit open", results["redis"].Error)

	assert.Equal(t, []string{"adsim", "aperture_scatterguard", "eiger"}, c.Devices())
}
