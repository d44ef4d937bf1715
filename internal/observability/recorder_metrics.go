package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecorderCollector exposes recorder-specific Prometheus metrics.
type RecorderCollector struct {
	gatherer prometheus.Gatherer

	FlushDuration  prometheus.Histogram
	PendingSamples prometheus.Gauge
	SamplesTotal   prometheus.Counter
	FlushErrors    prometheus.Counter
}

// NewRecorderCollector registers recorder metrics against the provided registerer.
func NewRecorderCollector(reg prometheus.Registerer) (*RecorderCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	flushHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_flush_duration_seconds",
		Help:    "Duration of sample batch flushes to the recorder database.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	flushHistogram, err := registerHistogram(reg, flushHistogram, "recorder_flush_duration_seconds")
	if err != nil {
		return nil, err
	}

	pendingGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_pending_samples",
		Help: "Number of samples buffered and awaiting a flush.",
	})
	pendingGauge, err = registerGauge(reg, pendingGauge, "recorder_pending_samples")
	if err != nil {
		return nil, err
	}

	samples, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_samples_total",
		Help: "Cumulative number of samples persisted by the recorder.",
	}), "recorder_samples_total")
	if err != nil {
		return nil, err
	}

	flushErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_flush_errors_total",
		Help: "Cumulative number of failed batch flushes.",
	}), "recorder_flush_errors_total")
	if err != nil {
		return nil, err
	}

	return &RecorderCollector{
		gatherer:       gatherer,
		FlushDuration:  flushHistogram,
		PendingSamples: pendingGauge,
		SamplesTotal:   samples,
		FlushErrors:    flushErrors,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RecorderCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFlush records a batch flush duration and size.
func (c *RecorderCollector) ObserveFlush(d time.Duration, samples int) {
	if c == nil {
		return
	}
	if c.FlushDuration != nil {
		c.FlushDuration.Observe(d.Seconds())
	}
	if c.SamplesTotal != nil {
		c.SamplesTotal.Add(float64(samples))
	}
}

// SetPendingSamples updates the buffered-sample gauge.
func (c *RecorderCollector) SetPendingSamples(count int) {
	if c == nil || c.PendingSamples == nil {
		return
	}
	c.PendingSamples.Set(float64(count))
}

// IncFlushErrors increments the failed-flush counter.
func (c *RecorderCollector) IncFlushErrors() {
	if c == nil || c.FlushErrors == nil {
		return
	}
	c.FlushErrors.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
