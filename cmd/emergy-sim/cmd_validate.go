package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxfoundry/emergy-simulator/core"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a topology for structural issues",
		Long: `Check a topology for structural issues.

This command reports:
  - Nodes with no incident arcs
  - Splits whose authored weights sum above 1
  - Tanks with more than one authored output

Issues are advisory; the simulator runs such networks with its
documented fallbacks. With --strict, any issue fails the command.

Examples:
  emergy-sim validate --topology estuary.top
  emergy-sim validate --topology estuary.top --strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topologyPath, _ := cmd.Flags().GetString("topology")
			strict, _ := cmd.Flags().GetBool("strict")
			jsonOut, _ := cmd.Flags().GetBool("json")

			topo, err := core.LoadTopology(topologyPath)
			if err != nil {
				return err
			}
			issues, err := topo.Validate()
			if err != nil {
				return err
			}

			if jsonOut {
				type issueOut struct {
					Kind   string `json:"kind"`
					Label  string `json:"label"`
					Detail string `json:"detail"`
				}
				out := make([]issueOut, 0, len(issues))
				for _, issue := range issues {
					out = append(out, issueOut{Kind: issue.Kind.String(), Label: issue.Label, Detail: issue.Detail})
				}
				if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
					return err
				}
			} else {
				for _, issue := range issues {
					fmt.Printf("%-18s %-24s %s\n", issue.Kind, issue.Label, issue.Detail)
				}
				if len(issues) == 0 {
					fmt.Printf("%s: %d nodes, no issues\n", topologyPath, topo.NumNodes())
				}
			}

			if strict && len(issues) > 0 {
				return fmt.Errorf("%d issue(s) found", len(issues))
			}
			return nil
		},
	}

	cmd.Flags().String("topology", "", "Topology file (required)")
	cmd.Flags().Bool("strict", false, "Fail when any issue is found")
	cmd.Flags().Bool("json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("topology")
	return cmd
}
