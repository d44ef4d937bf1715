package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxfoundry/emergy-simulator/core"
)

func newHeaderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "header",
		Short: "Print the scenario header template for a topology",
		Long: `Print the scenario header template for a topology.

The header names every column a scenario row must fill: source flows,
tank flows, tank loads, and one operational flag per arc. Start a new
scenario file from this line.

Examples:
  emergy-sim header --topology estuary.top
  emergy-sim header --topology estuary.top --output year.scn`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topologyPath, _ := cmd.Flags().GetString("topology")
			outputPath, _ := cmd.Flags().GetString("output")

			topo, err := core.LoadTopology(topologyPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				return core.WriteScenarioHeader(topo, os.Stdout)
			}

			f, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outputPath, err)
			}
			if err := core.WriteScenarioHeader(topo, f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().String("topology", "", "Topology file (required)")
	cmd.Flags().String("output", "", "Write the header to a file instead of stdout")
	_ = cmd.MarkFlagRequired("topology")
	return cmd
}
