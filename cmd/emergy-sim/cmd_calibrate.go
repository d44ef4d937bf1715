package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxfoundry/emergy-simulator/internal/logging"
)

func newCalibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Derive the generation budget from a unit-impulse drain",
		Long: `Derive the generation budget from a unit-impulse drain.

The system is excited with a unit flow on every source and tank, then
stepped until no live instance remains. The budget is set to five
times the observed drain length.

Examples:
  emergy-sim calibrate --topology estuary.top
  emergy-sim calibrate --topology estuary.top --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topologyPath, _ := cmd.Flags().GetString("topology")
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			sys, err := loadSystem(cfg, topologyPath)
			if err != nil {
				return err
			}

			start := time.Now()
			if err := sys.Calibrate(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			log.Info(context.Background(), "calibration complete",
				logging.String("topology", topologyPath),
				logging.Int("max_steps", sys.Config().MaxSteps),
				logging.Any("duration", elapsed))

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"max_steps":   sys.Config().MaxSteps,
					"duration_ms": elapsed.Milliseconds(),
				})
			}
			fmt.Printf("generation budget: %d (drained in %s)\n", sys.Config().MaxSteps, elapsed)
			return nil
		},
	}

	cmd.Flags().String("topology", "", "Topology file (required)")
	cmd.Flags().Bool("json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("topology")
	return cmd
}
