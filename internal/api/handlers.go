package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/DominicOram/dodal/internal/control"
	"github.com/DominicOram/dodal/internal/devices/aperturescatterguard"
	"github.com/DominicOram/dodal/internal/devices/detector"
	"github.com/DominicOram/dodal/internal/devices/eiger"
	"github.com/DominicOram/dodal/internal/status"
)

// controlService is the subset of *control.Controller used by the HTTP
// handlers. Declaring it as an interface allows test doubles to be injected.
type controlService interface {
	Arm(ctx context.Context, req control.ArmRequest) (*status.Status, error)
	Disarm(ctx context.Context) *status.Status
	DetectorState() control.DetectorState
	MoveAperture(ctx context.Context, name string) (aperturescatterguard.Position, error)
	AperturePositions() ([]aperturescatterguard.Position, string)
	Devices() []string
	RunProvision(ctx context.Context) (*control.ProvisionResult, error)
	RunDeepHealth(ctx context.Context) map[string]control.ProbeResult
	IsReady() bool
	IsProvisionInProgress() bool
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	control controlService
}

// MoveRequest is the body of POST /api/v1/aperture/move.
type MoveRequest struct {
	Position string `json:"position" binding:"required"`
}

// Arm handles POST /api/v1/detector/arm. The body is optional; fields left
// out keep the configured defaults. Arming continues in the background.
func (h *Handler) Arm(c *gin.Context) {
	var req control.ArmRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	if _, err := h.control.Arm(c.Request.Context(), req); err != nil {
		c.JSON(armErrorCode(err), gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "detector": h.control.DetectorState()})
}

func armErrorCode(err error) int {
	var verr *detector.ValidationError
	var odin *eiger.OdinNotInitialisedError
	switch {
	case errors.Is(err, control.ErrInvalidRequest), errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrDetectorBusy), errors.As(err, &odin):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Disarm handles POST /api/v1/detector/disarm. It returns 202 at once; the
// outcome is visible through the detector state.
func (h *Handler) Disarm(c *gin.Context) {
	h.control.Disarm(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// DetectorState handles GET /api/v1/detector/state.
func (h *Handler) DetectorState(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.DetectorState())
}

// MoveAperture handles POST /api/v1/aperture/move and waits for the move to
// finish.
func (h *Handler) MoveAperture(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	pos, err := h.control.MoveAperture(c.Request.Context(), req.Position)
	if err != nil {
		var perr *aperturescatterguard.UnsupportedPositionError
		code := http.StatusInternalServerError
		switch {
		case errors.As(err, &perr):
			code = http.StatusUnprocessableEntity
		case errors.Is(err, status.ErrTimeout):
			code = http.StatusGatewayTimeout
		}
		c.JSON(code, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "position": pos})
}

// AperturePositions handles GET /api/v1/aperture/positions.
func (h *Handler) AperturePositions(c *gin.Context) {
	all, current := h.control.AperturePositions()
	c.JSON(http.StatusOK, gin.H{"positions": all, "current": current})
}

// Devices handles GET /api/v1/devices.
func (h *Handler) Devices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.control.Devices()})
}

// Provision handles POST /api/v1/sinks/provision.
// It returns 202 immediately when a new run is started, or 409 if one is
// already in progress. The work runs in a background goroutine.
func (h *Handler) Provision(c *gin.Context) {
	if h.control.IsProvisionInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": "in-progress"})
		return
	}
	go func() {
		//nolint:errcheck
		h.control.RunProvision(context.Background()) //nolint:contextcheck
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Health handles GET /health.
// It always returns 200; this is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes every configured sink and returns 200 only when every probe is OK.
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.control.RunDeepHealth(c.Request.Context())

	allOK := true
	for _, p := range probes {
		if !p.OK {
			allOK = false
			break
		}
	}

	health := "healthy"
	code := http.StatusOK
	if !allOK {
		health = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       health,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 only after the sinks were provisioned; 503 otherwise.
func (h *Handler) Ready(c *gin.Context) {
	if h.control.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}
