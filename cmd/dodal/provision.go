package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/DominicOram/dodal/internal/control"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Prepare the event sinks and exit",
	Long: `Provision creates the NATS stream and the Postgres audit table, and
checks Redis is reachable.

The command runs once, prints a JSON result to stdout, and exits 0 on
success or non-zero on failure.`,
	RunE: runProvision,
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sinks.Timeout*5)
	defer cancel()

	slog.Info("provisioning sinks")

	result, err := app.control.RunProvision(ctx)
	if err != nil {
		printJSON(map[string]string{"status": control.StatusError, "error": err.Error()})
		return fmt.Errorf("provisioning failed: %w", err)
	}

	printJSON(result)
	if result.Status == control.StatusError {
		return errors.New("provisioning completed with errors")
	}
	slog.Info("provisioning completed successfully")
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stdout, `{"status":%q}`+"\n", "error")
	}
}
