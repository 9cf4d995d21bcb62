package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// app holds all wired dependencies; populated by PersistentPreRunE.
	app *AppContext
)

var rootCmd = &cobra.Command{
	Use:   "dodal",
	Short: "dodal, beamline device control",
	Long: `dodal drives the devices of one beamline: the Eiger detector, the
aperture-scatterguard and the ADSim camera. Device events are published to
the configured sinks (NATS, Redis, Postgres).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogger(logLevel, "")

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level flag takes precedence over value in config file.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		}
		closeLog := initLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFile)

		app, err = buildAppContext(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("building app context: %w", err)
		}
		app.closeLog = closeLog

		return nil
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if app == nil {
			return nil
		}
		return app.Close()
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(positionsCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initLogger installs the default logger. A log file that cannot be opened is
// reported and skipped.
func initLogger(level, logFile string) func() error {
	logger, closeFn, err := telemetry.NewLogger(os.Stdout, level, logFile)
	if err != nil {
		slog.Warn("log file disabled", "err", err)
		logger, closeFn, _ = telemetry.NewLogger(os.Stdout, level, "")
	}
	slog.SetDefault(logger)
	return closeFn
}
