package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxfoundry/emergy-simulator/core"
	"github.com/fluxfoundry/emergy-simulator/internal/config"
	"github.com/fluxfoundry/emergy-simulator/internal/logging"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "emergy-sim",
		Short: "Emergy flow simulator for directed resource networks",
		Long: `emergy-sim spreads emergy through a typed resource network and
reports what arrives at its products.

It loads a topology file, drives it with scenario rows describing
source flows, tank states, and arc outages, and writes per-product
emergy and empower for every step.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Override the log format (text, json)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newCalibrateCmd(),
		newBaselineCmd(),
		newEmpowerCmd(),
		newValidateCmd(),
		newHeaderCmd(),
		newRunsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("emergy-sim version %s\n", version)
		},
	}
}

// setup loads configuration and builds the logger, applying
// command-line overrides on top of file and environment settings.
func setup(cmd *cobra.Command) (*config.Config, logging.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}

	log := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	return cfg, log, nil
}

// loadSystem reads a topology file and builds a system from the
// engine configuration.
func loadSystem(cfg *config.Config, topologyPath string) (*core.System, error) {
	topo, err := core.LoadTopology(topologyPath)
	if err != nil {
		return nil, err
	}
	return core.NewSystem(topo, cfg.Engine.CoreConfig())
}
