package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxfoundry/emergy-simulator/core"
	"github.com/fluxfoundry/emergy-simulator/internal/logging"
	"github.com/fluxfoundry/emergy-simulator/internal/observability"
	"github.com/fluxfoundry/emergy-simulator/internal/recorder"
	"github.com/fluxfoundry/emergy-simulator/results"
	"github.com/fluxfoundry/emergy-simulator/timectrl"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario against a topology",
		Long: `Run a scenario against a topology.

Each scenario row declares source flows, tank flows and loads, and
arc statuses for one step. The system spreads emergy to convergence
per row and reports per-product emergy and empower.

Examples:
  emergy-sim run --topology estuary.top --scenario year.scn --output year.out
  emergy-sim run --topology estuary.top --scenario year.scn --calibrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topologyPath, _ := cmd.Flags().GetString("topology")
			scenarioPath, _ := cmd.Flags().GetString("scenario")
			outputPath, _ := cmd.Flags().GetString("output")
			calibrate, _ := cmd.Flags().GetBool("calibrate")

			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			maxAccuracy := cfg.Engine.MaxAccuracy
			if cmd.Flags().Changed("max-accuracy") {
				maxAccuracy, _ = cmd.Flags().GetBool("max-accuracy")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
			if err != nil {
				return err
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

			var collector *observability.EngineCollector
			if cfg.Metrics.Enabled {
				if collector, err = observability.NewEngineCollector(nil); err != nil {
					return err
				}
				metricsSrv := serveMetrics(cfg.Metrics.Listen, collector, log)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = metricsSrv.Shutdown(shutdownCtx)
				}()
			}

			sys, err := loadSystem(cfg, topologyPath)
			if err != nil {
				return err
			}

			var rec *recorder.Recorder
			runID := ""
			if cfg.Recorder.Enabled {
				var recCollector *observability.RecorderCollector
				if cfg.Metrics.Enabled {
					if recCollector, err = observability.NewRecorderCollector(nil); err != nil {
						return err
					}
				}
				if rec, err = recorder.Open(ctx, cfg.Recorder.Path, cfg.Recorder.BatchSize, recCollector); err != nil {
					return err
				}
				defer rec.Close()
				if runID, err = rec.BeginRun(ctx, scenarioPath, topologyPath, cfg.Engine.TimeStep, cfg.Engine.Epsilon); err != nil {
					return err
				}
				ctx = logging.ContextWithRunID(ctx, runID)
			} else {
				ctx, runID = logging.EnsureRunID(ctx)
			}
			log = log.With(logging.String("run_id", runID))

			if calibrate {
				calCtx, span := startSpan(ctx, "system/calibrate", topologyPath)
				if err := sys.Calibrate(); err != nil {
					span.RecordError(err)
					span.End()
					return err
				}
				span.End()
				if collector != nil {
					collector.RecordDrain()
				}
				log.Info(calCtx, "calibrated generation budget",
					logging.Int("max_steps", sys.Config().MaxSteps))
			}

			mode, err := timectrl.ParseMode(cfg.Pacing.Mode)
			if err != nil {
				return err
			}
			pacer := timectrl.NewPacer(time.Now().UTC(), cfg.Engine.TimeStep, mode, cfg.Pacing.Rate)

			store := results.NewStore(runID)
			unsubscribe := store.Subscribe(func(ev results.Event) {
				if ev.Type != results.EventStepRecorded {
					return
				}
				for _, s := range ev.Samples {
					log.Debug(ctx, "step recorded",
						logging.Int("step", s.Step),
						logging.String("product", s.Product),
						logging.Float64("emergy", s.Emergy),
						logging.Float64("empower", s.Empower))
				}
			})
			defer unsubscribe()

			sinks := []core.StepSink{store}
			if rec != nil {
				sinks = append(sinks, rec)
			}
			if collector != nil {
				collector.SetEngineState(0, sys.Config().MaxSteps)
				sinks = append(sinks, newMetricsSink(sys, collector))
			}
			if mode != timectrl.Batch {
				// Release the first row now; the sink paces the rest.
				if _, err := pacer.Next(ctx); err != nil {
					return err
				}
				sinks = append(sinks, &pacingSink{ctx: ctx, pacer: pacer})
			}

			log.Info(ctx, "starting scenario run",
				logging.String("topology", topologyPath),
				logging.String("scenario", scenarioPath),
				logging.String("pacing", mode.String()),
				logging.Any("max_accuracy", maxAccuracy))

			runCtx, span := startSpan(ctx, "scenario/run", scenarioPath,
				attribute.String("topology", topologyPath))
			steps, runErr := sys.RunScenario(runCtx, scenarioPath, outputPath, maxAccuracy, sinks...)
			span.SetAttributes(attribute.Int("steps", steps))
			if runErr != nil {
				span.RecordError(runErr)
			}
			span.End()

			if rec != nil {
				if err := rec.FinishRun(context.Background()); err != nil {
					log.Warn(ctx, "failed to finish recorded run", logging.String("error", err.Error()))
				}
			}
			if runErr != nil {
				return runErr
			}

			log.Info(ctx, "scenario complete",
				logging.Int("steps", steps),
				logging.Int("live_instances", sys.InstanceCount()))
			printSummary(os.Stdout, store)
			return nil
		},
	}

	cmd.Flags().String("topology", "", "Topology file (required)")
	cmd.Flags().String("scenario", "", "Scenario input file (required)")
	cmd.Flags().String("output", "", "Scenario output file")
	cmd.Flags().Bool("calibrate", false, "Calibrate the generation budget before running")
	cmd.Flags().Bool("max-accuracy", true, "Apply all four convergence criteria per row")
	_ = cmd.MarkFlagRequired("topology")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func printSummary(w io.Writer, store *results.Store) {
	for _, p := range store.Products() {
		if s, ok := store.Latest(p); ok {
			fmt.Fprintf(w, "%-24s emergy=%-14.6g empower=%.6g\n", p, s.Emergy, s.Empower)
		}
	}
}

// metricsSink publishes engine metrics after every row. Row duration
// is measured between completions.
type metricsSink struct {
	sys       *core.System
	collector *observability.EngineCollector
	last      time.Time
}

func newMetricsSink(sys *core.System, collector *observability.EngineCollector) *metricsSink {
	return &metricsSink{sys: sys, collector: collector, last: time.Now()}
}

func (m *metricsSink) OnStep(step int, emergy, empower map[string]float64) {
	now := time.Now()
	m.collector.RecordUpdate(m.sys.LastStop().String(), now.Sub(m.last), m.sys.LastGenerations())
	m.last = now
	m.collector.RecordRow()
	m.collector.SetEngineState(m.sys.InstanceCount(), m.sys.Config().MaxSteps)
	m.collector.SetProductOutputs(emergy, empower)
}

// pacingSink delays the next row according to the pacer.
type pacingSink struct {
	ctx   context.Context
	pacer *timectrl.Pacer
}

func (p *pacingSink) OnStep(int, map[string]float64, map[string]float64) {
	_, _ = p.pacer.Next(p.ctx)
}

func serveMetrics(addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
