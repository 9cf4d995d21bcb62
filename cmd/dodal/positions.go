package main

import (
	"context"

	"github.com/spf13/cobra"
)

var moveTo string

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Print the aperture-scatterguard positions",
	Long: `Positions prints every configured aperture-scatterguard position as JSON.
With --move the device is first moved to the named position.`,
	RunE: runPositions,
}

func init() {
	positionsCmd.Flags().StringVar(&moveTo, "move", "", "position to move to first (e.g. SMALL_APERTURE)")
}

func runPositions(cmd *cobra.Command, args []string) error {
	if moveTo != "" {
		if _, err := app.control.MoveAperture(context.Background(), moveTo); err != nil {
			return err
		}
	}
	all, current := app.control.AperturePositions()
	printJSON(map[string]any{"positions": all, "current": current})
	return nil
}
