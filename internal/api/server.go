package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter constructs a Router with the full middleware chain and all routes
// registered. Middleware order:
//  1. Recovery: panic → 500
//  2. Tracing: trace context per request
//  3. RequestLogger: structured request/response logging
func NewRouter(svc controlService, serviceName string) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(slog.Default()))
	engine.Use(Tracing(serviceName))
	engine.Use(RequestLogger(slog.Default()))

	h := &Handler{control: svc}

	v1 := engine.Group("/api/v1")
	v1.POST("/detector/arm", h.Arm)
	v1.POST("/detector/disarm", h.Disarm)
	v1.GET("/detector/state", h.DetectorState)
	v1.POST("/aperture/move", h.MoveAperture)
	v1.GET("/aperture/positions", h.AperturePositions)
	v1.GET("/devices", h.Devices)
	v1.POST("/sinks/provision", h.Provision)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
