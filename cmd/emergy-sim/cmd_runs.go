package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxfoundry/emergy-simulator/internal/recorder"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, or dump one run's samples",
		Long: `List recorded runs, or dump one run's samples.

Reads the recorder database written by 'run' with recording enabled.

Examples:
  emergy-sim runs --db emergy.db
  emergy-sim runs --db emergy.db --run 4b8c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			runID, _ := cmd.Flags().GetString("run")
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.Recorder.Path
			}
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("recorder database %s: %w", dbPath, err)
			}

			ctx := context.Background()
			rec, err := recorder.Open(ctx, dbPath, 1, nil)
			if err != nil {
				return err
			}
			defer rec.Close()

			if runID != "" {
				samples, err := rec.Samples(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOut {
					return json.NewEncoder(os.Stdout).Encode(samples)
				}
				for _, s := range samples {
					fmt.Printf("%6d %-24s emergy=%-14.6g empower=%.6g\n", s.Step, s.Product, s.Emergy, s.Empower)
				}
				return nil
			}

			runs, err := rec.Runs(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(runs)
			}
			for _, r := range runs {
				finished := r.FinishedAt
				if finished == "" {
					finished = "unfinished"
				}
				fmt.Printf("%s  %-20s %-20s steps=%-6d started=%s finished=%s\n",
					r.ID, r.Scenario, r.Topology, r.Steps, r.StartedAt, finished)
			}
			return nil
		},
	}

	cmd.Flags().String("db", "", "Recorder database path (defaults to the configured path)")
	cmd.Flags().String("run", "", "Dump samples for one run ID")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}
