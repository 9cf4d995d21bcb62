package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DominicOram/dodal/internal/control"
)

var collectReq control.ArmRequest

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Stage the detector, collect one run and unstage it",
	Long: `Collect arms the Eiger with the configured detector defaults, overlaid
with any flags given, waits for every frame and disarms it again. The result
is printed as JSON; the exit code is non-zero when the collection failed.`,
	RunE: runCollect,
}

func init() {
	f := collectCmd.Flags()
	f.StringVar(&collectReq.Prefix, "prefix", "", "file name prefix")
	f.IntVar(&collectReq.RunNumber, "run", 0, "run number")
	f.StringVar(&collectReq.Directory, "directory", "", "output directory")
	f.IntVar(&collectReq.ImagesPerTrigger, "images", 0, "images per trigger")
	f.IntVar(&collectReq.NumTriggers, "triggers", 0, "number of triggers")
	f.Float64Var(&collectReq.ExposureTime, "exposure", 0, "exposure time in seconds")
	f.Float64Var(&collectReq.EnergyEV, "energy", 0, "beam energy in eV")
	f.Float64Var(&collectReq.DetectorDistance, "distance", 0, "detector distance in mm")
	f.StringVar(&collectReq.TriggerMode, "trigger-mode", "", "SET_FRAMES or FREE_RUN")
	f.Bool("roi", false, "use the 4M region of interest")
}

func runCollect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := collectReq
	if cmd.Flags().Changed("roi") {
		roi, _ := cmd.Flags().GetBool("roi")
		req.UseROIMode = &roi
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Interrupted: abort the acquisition so unstage returns promptly.
			app.control.Stop(context.Background()) //nolint:errcheck
		case <-done:
		}
	}()

	result, err := app.control.Collect(context.WithoutCancel(ctx), req)
	printJSON(result)
	if err != nil {
		return fmt.Errorf("collect failed: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("collected %d of %d frames", result.Captured, result.Expected)
	}
	return nil
}
