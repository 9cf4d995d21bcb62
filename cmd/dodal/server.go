package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dodal HTTP API server",
	Long: `Start the dodal HTTP server on the configured port (default :8081).

The sinks are provisioned in the background on startup; /ready turns 200 once
that succeeds. The server shuts down cleanly on SIGTERM or SIGINT, stopping
the detector and draining pending events.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		provCtx, cancel := context.WithTimeout(ctx, cfg.Sinks.Timeout*5)
		defer cancel()
		if _, err := app.control.RunProvision(provCtx); err != nil {
			slog.Warn("startup provisioning", "err", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start the server in a goroutine so we can listen for shutdown signals.
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("dodal server listening", "addr", addr, "beamline", cfg.Beamline.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := app.control.Stop(shutCtx); err != nil {
		slog.Warn("stopping detector", "err", err)
	}

	slog.Info("server stopped cleanly")
	return nil
}
