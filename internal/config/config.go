// Package config provides unified configuration loading for the simulator.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/fluxfoundry/emergy-simulator/core"
)

// Config contains all simulator configuration settings.
type Config struct {
	// Engine contains the numeric settings of the spreading engine.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Logging contains settings for structured logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics controls the Prometheus endpoint.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Recorder controls sample persistence.
	Recorder RecorderConfig `json:"recorder" yaml:"recorder"`

	// Pacing controls how scenario rows are released in time.
	Pacing PacingConfig `json:"pacing" yaml:"pacing"`
}

// EngineConfig configures the spreading engine.
type EngineConfig struct {
	// TimeStep is the duration of one external step.
	TimeStep float64 `json:"time_step" yaml:"time_step"`

	// Epsilon is the threshold below which quantities are negligible.
	Epsilon float64 `json:"epsilon" yaml:"epsilon"`

	// NumCesaro is how many consecutive settled running means declare
	// convergence.
	NumCesaro int `json:"num_cesaro" yaml:"num_cesaro"`

	// MaxSteps caps spreading generations per update. Zero or negative
	// disables the cap; calibration overwrites it.
	MaxSteps int `json:"max_steps" yaml:"max_steps"`

	// MaxAccuracy enables the magnitude and stability stop criteria on
	// scenario updates.
	MaxAccuracy bool `json:"max_accuracy" yaml:"max_accuracy"`

	// Delay selects the slow-arc delay model: "mass" or "fixed".
	Delay string `json:"delay,omitempty" yaml:"delay,omitempty"`

	// FixedDelaySteps is the per-arc step offset when Delay is "fixed".
	FixedDelaySteps int `json:"fixed_delay_steps,omitempty" yaml:"fixed_delay_steps,omitempty"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the log verbosity: debug, info, warn, or error.
	Level string `json:"level" yaml:"level"`

	// Format selects the handler: "text" (default) or "json".
	Format string `json:"format" yaml:"format"`

	// AddSource includes source locations in log records.
	AddSource bool `json:"add_source" yaml:"add_source"`
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// RecorderConfig configures sample persistence.
type RecorderConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `json:"path" yaml:"path"`

	// BatchSize is how many samples are buffered per transaction.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// PacingConfig configures the release of scenario rows.
type PacingConfig struct {
	// Mode is "batch" (as fast as possible), "realtime" (one step per
	// TimeStep second), or "accelerated" (realtime divided by Rate).
	Mode string `json:"mode" yaml:"mode"`

	// Rate is the acceleration factor for "accelerated" mode.
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			TimeStep:    1,
			Epsilon:     0.01,
			NumCesaro:   5,
			MaxSteps:    0,
			MaxAccuracy: true,
			Delay:       "mass",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9090",
		},
		Recorder: RecorderConfig{
			Enabled:   false,
			Path:      "emergy.db",
			BatchSize: 64,
		},
		Pacing: PacingConfig{
			Mode: "batch",
			Rate: 1,
		},
	}
}

// Load loads configuration from the given file (when non-empty) and
// environment variables. Order: defaults -> file -> environment.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return config, nil
}

// CoreConfig maps the engine section onto the engine's own config type.
func (c EngineConfig) CoreConfig() core.Config {
	cfg := core.Config{
		TimeStep:  c.TimeStep,
		Epsilon:   c.Epsilon,
		NumCesaro: c.NumCesaro,
		MaxSteps:  c.MaxSteps,
	}
	if c.Delay == "fixed" {
		cfg.Delay = core.FixedDelay{Steps: c.FixedDelaySteps}
	}
	return cfg
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.TimeStep <= 0 {
		return fmt.Errorf("time_step must be positive, got %g", c.Engine.TimeStep)
	}
	if c.Engine.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", c.Engine.Epsilon)
	}
	if c.Engine.NumCesaro < 1 {
		return fmt.Errorf("num_cesaro must be at least 1, got %d", c.Engine.NumCesaro)
	}

	validDelays := map[string]bool{"": true, "mass": true, "fixed": true}
	if !validDelays[c.Engine.Delay] {
		return fmt.Errorf("invalid delay model: %s (valid: mass, fixed, or empty)", c.Engine.Delay)
	}
	if c.Engine.Delay == "fixed" && c.Engine.FixedDelaySteps < 1 {
		return fmt.Errorf("fixed_delay_steps must be at least 1, got %d", c.Engine.FixedDelaySteps)
	}

	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error, or empty)", c.Logging.Level)
	}
	validFormats := map[string]bool{"": true, "text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: text, json, or empty)", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics enabled but listen address is empty")
	}

	if c.Recorder.Enabled && c.Recorder.Path == "" {
		return fmt.Errorf("recorder enabled but database path is empty")
	}
	if c.Recorder.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.Recorder.BatchSize)
	}

	validModes := map[string]bool{"": true, "batch": true, "realtime": true, "accelerated": true}
	if !validModes[c.Pacing.Mode] {
		return fmt.Errorf("invalid pacing mode: %s (valid: batch, realtime, accelerated, or empty)", c.Pacing.Mode)
	}
	if c.Pacing.Mode == "accelerated" && c.Pacing.Rate <= 0 {
		return fmt.Errorf("pacing rate must be positive in accelerated mode, got %g", c.Pacing.Rate)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("EMERGY_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("EMERGY_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	if v := os.Getenv("EMERGY_TIME_STEP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Engine.TimeStep = f
		}
	}
	if v := os.Getenv("EMERGY_EPSILON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Engine.Epsilon = f
		}
	}
	if v := os.Getenv("EMERGY_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.MaxSteps = n
		}
	}
	if v := os.Getenv("EMERGY_MAX_ACCURACY"); v != "" {
		config.Engine.MaxAccuracy = v == "true" || v == "1"
	}

	if v := os.Getenv("EMERGY_METRICS_ENABLED"); v != "" {
		config.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EMERGY_METRICS_LISTEN"); v != "" {
		config.Metrics.Listen = v
	}

	if v := os.Getenv("EMERGY_RECORDER_ENABLED"); v != "" {
		config.Recorder.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EMERGY_RECORDER_PATH"); v != "" {
		config.Recorder.Path = v
	}

	if v := os.Getenv("EMERGY_PACING_MODE"); v != "" {
		config.Pacing.Mode = v
	}
	if v := os.Getenv("EMERGY_PACING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Pacing.Rate = f
		}
	}
}
