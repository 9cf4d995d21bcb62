package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicOram/dodal/internal/control"
	"github.com/DominicOram/dodal/internal/devices/aperturescatterguard"
	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/devices/eiger"
	"github.com/DominicOram/dodal/internal/status"
)

// noopLogger returns a slog.Logger that discards all output.
func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeControl is a test double that implements controlService.
type fakeControl struct {
	mu       sync.Mutex
	armReq   *control.ArmRequest
	armErr   error
	disarms  int
	state    control.DetectorState
	moveErr  error
	moved    string
	current  string
	devices  []string
	inProg   bool
	ready    bool
	probes   map[string]control.ProbeResult
	provDone chan struct{}
}

func (f *fakeControl) Arm(_ context.Context, req control.ArmRequest) (*status.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armReq = &req
	if f.armErr != nil {
		return nil, f.armErr
	}
	f.state.State = eiger.AwaitingOdinReady
	return status.New(), nil
}

func (f *fakeControl) Disarm(_ context.Context) *status.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarms++
	return status.Done()
}

func (f *fakeControl) DetectorState() control.DetectorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeControl) MoveAperture(_ context.Context, name string) (aperturescatterguard.Position, error) {
	if f.moveErr != nil {
		return aperturescatterguard.Position{}, f.moveErr
	}
	f.moved = name
	return aperturescatterguard.Position{Name: name, ApertureY: 48.974}, nil
}

func (f *fakeControl) AperturePositions() ([]aperturescatterguard.Position, string) {
	return []aperturescatterguard.Position{{Name: aperturescatterguard.Large}, {Name: aperturescatterguard.Small}}, f.current
}

func (f *fakeControl) Devices() []string { return f.devices }

func (f *fakeControl) RunProvision(_ context.Context) (*control.ProvisionResult, error) {
	if f.provDone != nil {
		defer close(f.provDone)
	}
	return &control.ProvisionResult{Status: control.StatusOK, Phases: map[string]control.PhaseResult{}}, nil
}

func (f *fakeControl) RunDeepHealth(_ context.Context) map[string]control.ProbeResult {
	if f.probes != nil {
		return f.probes
	}
	return map[string]control.ProbeResult{}
}

func (f *fakeControl) IsReady() bool               { return f.ready }
func (f *fakeControl) IsProvisionInProgress() bool { return f.inProg }

// newTestEngine builds a minimal Gin engine with only the given handler and
// no middleware, for isolated handler testing.
func newTestEngine(method, path string, h gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Handle(method, path, h)
	return r
}

func serve(engine http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	engine.ServeHTTP(w, req)
	return w
}

// --- Arm handler ---

func TestArm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		armErr   error
		wantCode int
	}{
		{name: "no body uses defaults", wantCode: http.StatusAccepted},
		{name: "overrides", body: `{"prefix":"thaumatin","run_number":3,"trigger_mode":"FREE_RUN"}`, wantCode: http.StatusAccepted},
		{name: "malformed json", body: `{"prefix":`, wantCode: http.StatusBadRequest},
		{
			name:     "invalid request",
			armErr:   fmt.Errorf("%w: unknown trigger mode", control.ErrInvalidRequest),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing parameters",
			armErr:   &detector.ValidationError{Problems: []string{"beam converter must be set"}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "already armed",
			armErr:   fmt.Errorf("%w: armed", control.ErrDetectorBusy),
			wantCode: http.StatusConflict,
		},
		{
			name:     "odin not initialised",
			armErr:   &eiger.OdinNotInitialisedError{Reason: "Fan is off"},
			wantCode: http.StatusConflict,
		},
		{name: "unexpected", armErr: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeControl{armErr: tc.armErr}
			h := &Handler{control: fake}
			w := serve(newTestEngine(http.MethodPost, "/api/v1/detector/arm", h.Arm), http.MethodPost, "/api/v1/detector/arm", tc.body)

			assert.Equal(t, tc.wantCode, w.Code)
			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			if tc.wantCode == http.StatusAccepted {
				assert.Equal(t, "accepted", body["status"])
				det, ok := body["detector"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "awaiting-odin-ready", det["state"])
			} else {
				assert.Equal(t, "error", body["status"])
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestArm_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	fake := &fakeControl{}
	h := &Handler{control: fake}
	w := serve(newTestEngine(http.MethodPost, "/arm", h.Arm), http.MethodPost, "/arm",
		`{"prefix":"thaumatin","images_per_trigger":3600,"use_roi_mode":true}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.NotNil(t, fake.armReq)
	assert.Equal(t, "thaumatin", fake.armReq.Prefix)
	assert.Equal(t, 3600, fake.armReq.ImagesPerTrigger)
	require.NotNil(t, fake.armReq.UseROIMode)
	assert.True(t, *fake.armReq.UseROIMode)
}

// --- Disarm and state handlers ---

func TestDisarm_202(t *testing.T) {
	t.Parallel()

	fake := &fakeControl{}
	h := &Handler{control: fake}
	w := serve(newTestEngine(http.MethodPost, "/disarm", h.Disarm), http.MethodPost, "/disarm", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, fake.disarms)
}

func TestDetectorState(t *testing.T) {
	t.Parallel()

	fake := &fakeControl{state: control.DetectorState{Device: "eiger", State: eiger.Armed, Armed: true, Filename: "sim_1", Images: 10}}
	h := &Handler{control: fake}
	w := serve(newTestEngine(http.MethodGet, "/state", h.DetectorState), http.MethodGet, "/state", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "armed", body["state"])
	assert.Equal(t, true, body["armed"])
	assert.Equal(t, "sim_1", body["filename"])
}

// --- Aperture handlers ---

func TestMoveAperture(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		moveErr  error
		wantCode int
	}{
		{name: "ok", body: `{"position":"SMALL_APERTURE"}`, wantCode: http.StatusOK},
		{name: "missing position", body: `{}`, wantCode: http.StatusBadRequest},
		{
			name: "unsupported position",
			body: `{"position":"TINY_APERTURE"}`,
			moveErr: &aperturescatterguard.UnsupportedPositionError{
				Position: aperturescatterguard.Position{Name: "TINY_APERTURE"}, Reason: "not a known position",
			},
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "move timed out",
			body:     `{"position":"SMALL_APERTURE"}`,
			moveErr:  fmt.Errorf("moving: %w", status.ErrTimeout),
			wantCode: http.StatusGatewayTimeout,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeControl{moveErr: tc.moveErr}
			h := &Handler{control: fake}
			w := serve(newTestEngine(http.MethodPost, "/move", h.MoveAperture), http.MethodPost, "/move", tc.body)
			assert.Equal(t, tc.wantCode, w.Code)
			if tc.wantCode == http.StatusOK {
				assert.Equal(t, "SMALL_APERTURE", fake.moved)
				assert.Contains(t, w.Body.String(), `"aperture_y":48.974`)
			}
		})
	}
}

func TestAperturePositions(t *testing.T) {
	t.Parallel()

	h := &Handler{control: &fakeControl{current: aperturescatterguard.Small}}
	w := serve(newTestEngine(http.MethodGet, "/positions", h.AperturePositions), http.MethodGet, "/positions", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Positions []aperturescatterguard.Position `json:"positions"`
		Current   string                          `json:"current"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Len(t, body.Positions, 2)
	assert.Equal(t, aperturescatterguard.Small, body.Current)
}

// --- Provision handler ---

func TestProvision_202WhenNotRunning(t *testing.T) {
	t.Parallel()

	fake := &fakeControl{provDone: make(chan struct{})}
	h := &Handler{control: fake}
	w := serve(newTestEngine(http.MethodPost, "/provision", h.Provision), http.MethodPost, "/provision", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case <-fake.provDone:
	case <-time.After(time.Second):
		t.Fatal("provisioning did not run")
	}
}

func TestProvision_409WhenInProgress(t *testing.T) {
	t.Parallel()

	h := &Handler{control: &fakeControl{inProg: true}}
	w := serve(newTestEngine(http.MethodPost, "/provision", h.Provision), http.MethodPost, "/provision", "")

	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "in-progress", body["status"])
}

// --- Health handlers ---

func TestHealth_AlwaysReturns200(t *testing.T) {
	t.Parallel()

	h := &Handler{control: &fakeControl{}}
	w := serve(newTestEngine(http.MethodGet, "/health", h.Health), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "shallow", body["mode"])
}

func TestDeepHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		probes     map[string]control.ProbeResult
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no sinks configured",
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "all healthy",
			probes: map[string]control.ProbeResult{
				"nats":  {Name: "nats", OK: true},
				"redis": {Name: "redis", OK: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "one unhealthy",
			probes: map[string]control.ProbeResult{
				"nats":     {Name: "nats", OK: true},
				"postgres": {Name: "postgres", OK: false, Error: "connection refused"},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := &Handler{control: &fakeControl{probes: tc.probes}}
			w := serve(newTestEngine(http.MethodGet, "/health/deep", h.DeepHealth), http.MethodGet, "/health/deep", "")

			assert.Equal(t, tc.wantCode, w.Code)
			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tc.wantStatus, body["status"])
		})
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	for _, ready := range []bool{false, true} {
		h := &Handler{control: &fakeControl{ready: ready}}
		w := serve(newTestEngine(http.MethodGet, "/ready", h.Ready), http.MethodGet, "/ready", "")

		want := http.StatusServiceUnavailable
		if ready {
			want = http.StatusOK
		}
		assert.Equal(t, want, w.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, ready, body["ready"])
	}
}

// --- Recovery middleware ---

func TestRecoveryMiddleware_Returns500OnPanic(t *testing.T) {
	t.Parallel()

	engine := gin.New()
	engine.Use(Recovery(noopLogger()))
	engine.GET("/panic", func(c *gin.Context) {
		panic("intentional test panic")
	})

	w := serve(engine, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "error", body["status"])
}

// --- NewRouter smoke test ---

func TestNewRouter_RoutesRegistered(t *testing.T) {
	t.Parallel()

	fake := &fakeControl{ready: true, devices: []string{"eiger"}, probes: map[string]control.ProbeResult{
		"redis": {Name: "redis", OK: true},
	}}
	router := NewRouter(fake, "dodal-test")

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/health/deep", "", http.StatusOK},
		{http.MethodGet, "/ready", "", http.StatusOK},
		{http.MethodGet, "/api/v1/devices", "", http.StatusOK},
		{http.MethodGet, "/api/v1/detector/state", "", http.StatusOK},
		{http.MethodGet, "/api/v1/aperture/positions", "", http.StatusOK},
		{http.MethodPost, "/api/v1/aperture/move", `{"position":"LARGE_APERTURE"}`, http.StatusOK},
		{http.MethodPost, "/api/v1/detector/arm", "", http.StatusAccepted},
		{http.MethodPost, "/api/v1/detector/disarm", "", http.StatusAccepted},
		{http.MethodPost, "/api/v1/sinks/provision", "", http.StatusAccepted},
	}

	for _, tc := range cases {
		w := serve(router.Handler(), tc.method, tc.path, tc.body)
		assert.Equal(t, tc.want, w.Code, "route %s %s", tc.method, tc.path)
	}
}

// --- RequestLogger middleware ---

func TestRequestLogger_Levels(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	engine := gin.New()
	engine.Use(RequestLogger(logger))
	engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/api/v1/devices", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/api/v1/detector/state", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	serve(engine, http.MethodGet, "/health", "")
	serve(engine, http.MethodGet, "/api/v1/devices", "")
	serve(engine, http.MethodGet, "/api/v1/detector/state", "")

	out := buf.String()
	assert.NotContains(t, out, "route=/health", "probes log at debug")
	assert.Contains(t, out, "level=INFO msg=request method=GET route=/api/v1/devices")
	assert.Contains(t, out, "level=ERROR msg=request method=GET route=/api/v1/detector/state")
}
