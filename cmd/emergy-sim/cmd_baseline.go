package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fluxfoundry/emergy-simulator/internal/logging"
)

func newBaselineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Report steady-state emergy and empower per product",
		Long: `Report steady-state emergy and empower per product.

The topology is calibrated, excited with a unit impulse, and drained
to completion. The totals that arrive at each product are the
network's baseline transformation of one unit of source input.

Examples:
  emergy-sim baseline --topology estuary.top
  emergy-sim baseline --topology estuary.top --json`,
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

			if err := sys.Calibrate(); err != nil {
				return err
			}
			emergy, empower, err := sys.AnnualEmergy()
			if err != nil {
				return err
			}

			log.Info(context.Background(), "baseline complete",
				logging.String("topology", topologyPath),
				logging.Int("products", len(emergy)))

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"emergy":  emergy,
					"empower": empower,
				})
			}

			products := make([]string, 0, len(emergy))
			for p := range emergy {
				products = append(products, p)
			}
			sort.Strings(products)
			for _, p := range products {
				fmt.Printf("%-24s emergy=%-14.6g empower=%.6g\n", p, emergy[p], empower[p])
			}
			return nil
		},
	}

	cmd.Flags().String("topology", "", "Topology file (required)")
	cmd.Flags().Bool("json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("topology")
	return cmd
}
