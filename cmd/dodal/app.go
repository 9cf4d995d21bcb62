package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DominicOram/dodal/internal/api"
	"github.com/DominicOram/dodal/internal/beamline"
	"github.com/DominicOram/dodal/internal/clients"
	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/control"
	"github.com/DominicOram/dodal/internal/events"
	"github.com/DominicOram/dodal/internal/telemetry"
)

// AppContext holds all constructed application dependencies shared across
// subcommands. It is built once in PersistentPreRunE.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	sinks        *clients.Sinks
	dispatcher   *events.Dispatcher
	beamline     *beamline.Beamline
	control      *control.Controller
	router       *api.Router
	closeLog     func() error
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Creates the configured event sinks, each with its own circuit breaker
//  3. Starts the event dispatcher in front of them
//  4. Creates the simulated beamline and its controller
//  5. Creates the HTTP router
func buildAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	app := &AppContext{cfg: cfg}

	// With no endpoint configured telemetry is disabled entirely.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Info("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(
			ctx,
			cfg.Telemetry.OTLPEndpoint,
			cfg.Telemetry.ServiceName,
			cfg.Beamline.Name,
			cfg.Telemetry.OTLPInsecure,
		)
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
		} else {
			app.otelProvider = tp
		}
	}

	app.sinks = clients.NewSinks(cfg.Sinks)
	fanout := app.sinks.Fanout()
	slog.Info("event sinks configured", "count", fanout.Len())

	app.dispatcher = events.NewDispatcher(fanout,
		events.WithQueueSize(cfg.Beamline.EventQueueSize),
		events.WithPublishTimeout(cfg.Sinks.Timeout),
	)

	bl, err := beamline.NewSim(cfg.Beamline, app.dispatcher)
	if err != nil {
		app.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating beamline %s: %w", cfg.Beamline.Name, err)
	}
	app.beamline = bl

	app.control = control.New(bl,
		control.WithSinks(app.sinks.Probers()),
		control.WithEvents(app.dispatcher),
		control.WithMoveTimeout(cfg.Beamline.Timeouts.General),
	)
	app.router = api.NewRouter(app.control, cfg.Telemetry.ServiceName)

	slog.Info("beamline ready", "beamline", bl.Name, "devices", bl.Devices.Names())
	return app, nil
}

// Close drains pending events, then releases sinks, telemetry and the log
// file. It is safe to call more than once.
func (a *AppContext) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining events: %w", err))
		}
		if n := a.dispatcher.Dropped(); n > 0 {
			slog.Warn("events dropped", "count", n, "failed", a.dispatcher.Failed())
		}
	}
	if a.sinks != nil {
		a.sinks.Close()
		a.sinks = nil
	}
	if a.otelProvider != nil {
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			slog.Warn("OTEL shutdown error", "err", err)
		}
		a.otelProvider = nil
	}
	if a.closeLog != nil {
		if err := a.closeLog(); err != nil {
			errs = append(errs, fmt.Errorf("closing log file: %w", err))
		}
		a.closeLog = nil
	}
	return errors.Join(errs...)
}
