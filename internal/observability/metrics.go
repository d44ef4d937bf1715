package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles Prometheus metrics for the simulation engine and
// provides a ready-to-use /metrics handler.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Updates           *prometheus.CounterVec
	UpdateDuration    prometheus.Histogram
	UpdateGenerations prometheus.Histogram

	ScenarioRows      prometheus.Counter
	CalibrationDrains prometheus.Counter

	LiveInstances    prometheus.Gauge
	GenerationBudget prometheus.Gauge

	ProductEmergy  *prometheus.GaugeVec
	ProductEmpower *prometheus.GaugeVec
}

// NewEngineCollector registers engine Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	updates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_updates_total",
		Help: "Total number of engine updates, labeled by the criterion that stopped convergence.",
	}, []string{"stop"})
	updates, err := registerCounterVec(reg, updates, "engine_updates_total")
	if err != nil {
		return nil, err
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_update_duration_seconds",
		Help:    "Wall-clock duration of one engine update in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	duration, err = registerHistogram(reg, duration, "engine_update_duration_seconds")
	if err != nil {
		return nil, err
	}

	generations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_update_generations",
		Help:    "Spreading generations run during one engine update.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
	generations, err = registerHistogram(reg, generations, "engine_update_generations")
	if err != nil {
		return nil, err
	}

	rows, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scenario_rows_total",
		Help: "Cumulative number of scenario rows applied to the system.",
	}), "scenario_rows_total")
	if err != nil {
		return nil, err
	}
	drains, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calibration_drains_total",
		Help: "Cumulative number of unit-impulse drains run for calibration or baselines.",
	}), "calibration_drains_total")
	if err != nil {
		return nil, err
	}

	live, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_live_instances",
		Help: "Live node instances held by the engine after the last update.",
	}), "engine_live_instances")
	if err != nil {
		return nil, err
	}
	budget, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_generation_budget",
		Help: "Current per-update generation budget.",
	}), "engine_generation_budget")
	if err != nil {
		return nil, err
	}

	emergy := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "product_emergy",
		Help: "Emergy observed at each product after the last update.",
	}, []string{"product"})
	emergy, err = registerGaugeVec(reg, emergy, "product_emergy")
	if err != nil {
		return nil, err
	}
	empower := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "product_empower",
		Help: "Empower observed at each product over the last update.",
	}, []string{"product"})
	empower, err = registerGaugeVec(reg, empower, "product_empower")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:          gatherer,
		Updates:           updates,
		UpdateDuration:    duration,
		UpdateGenerations: generations,
		ScenarioRows:      rows,
		CalibrationDrains: drains,
		LiveInstances:     live,
		GenerationBudget:  budget,
		ProductEmergy:     emergy,
		ProductEmpower:    empower,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordUpdate records one completed engine update.
func (c *EngineCollector) RecordUpdate(stop string, d time.Duration, generations int) {
	if c == nil {
		return
	}
	if c.Updates != nil {
		c.Updates.WithLabelValues(stop).Inc()
	}
	if c.UpdateDuration != nil {
		c.UpdateDuration.Observe(d.Seconds())
	}
	if c.UpdateGenerations != nil {
		c.UpdateGenerations.Observe(float64(generations))
	}
}

// RecordRow counts one applied scenario row.
func (c *EngineCollector) RecordRow() {
	if c == nil || c.ScenarioRows == nil {
		return
	}
	c.ScenarioRows.Inc()
}

// RecordDrain counts one unit-impulse drain.
func (c *EngineCollector) RecordDrain() {
	if c == nil || c.CalibrationDrains == nil {
		return
	}
	c.CalibrationDrains.Inc()
}

// SetEngineState updates the live-instance and budget gauges.
func (c *EngineCollector) SetEngineState(liveInstances, generationBudget int) {
	if c == nil {
		return
	}
	if c.LiveInstances != nil {
		c.LiveInstances.Set(float64(liveInstances))
	}
	if c.GenerationBudget != nil {
		c.GenerationBudget.Set(float64(generationBudget))
	}
}

// SetProductOutputs publishes per-product emergy and empower gauges.
func (c *EngineCollector) SetProductOutputs(emergy, empower map[string]float64) {
	if c == nil {
		return
	}
	if c.ProductEmergy != nil {
		for product, v := range emergy {
			c.ProductEmergy.WithLabelValues(product).Set(v)
		}
	}
	if c.ProductEmpower != nil {
		for product, v := range empower {
			c.ProductEmpower.WithLabelValues(product).Set(v)
		}
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
