// Package config loads the YAML configuration shared by the command-line
// host: logging, loader, detection and frequency analysis settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/RyanBlaney/sonido-spikes/detection"
	"github.com/RyanBlaney/sonido-spikes/frequency"
	"github.com/RyanBlaney/sonido-spikes/loader"
	"github.com/RyanBlaney/sonido-spikes/logging"
	"github.com/RyanBlaney/sonido-spikes/recording"
)

// ChannelSelection picks which channels a run scans.
type ChannelSelection string

const (
	SelectAll       ChannelSelection = "all"       // every channel of the recording
	SelectSelection ChannelSelection = "selection" // the listed channels only
)

// Config is the root of a configuration file.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Loader    loader.Config    `yaml:"loader"`
	Detection DetectionConfig  `yaml:"detection"`
	Frequency frequency.Config `yaml:"frequency"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// LoggingConfig selects the global logger.
type LoggingConfig struct {
	Level   string `yaml:"level"` // debug, info, warn, error or fatal
	NoColor bool   `yaml:"no_color"`
}

// DetectionConfig holds the detection settings plus host options.
type DetectionConfig struct {
	detection.Settings `yaml:",inline"`

	ChannelSelection ChannelSelection       `yaml:"channel_selection"`
	SaveSpikeTimes   bool                   `yaml:"save_spiketimes"` // write the exported spike times
	Engine           detection.EngineConfig `yaml:"engine"`
}

// MetricsConfig controls Prometheus output of the host.
type MetricsConfig struct {
	// Textfile, when set, receives the collected metrics in text exposition
	// format after the run, for the node exporter textfile collector.
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used for keys missing from a file.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Loader:  *loader.DefaultConfig(),
		Detection: DetectionConfig{
			Settings:         detection.DefaultSettings(),
			ChannelSelection: SelectAll,
			Engine:           *detection.DefaultEngineConfig(),
		},
		Frequency: *frequency.DefaultConfig(),
	}
}

// Load reads filename over the defaults and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}
	return config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks values that can be checked without a recording.
func (c *Config) Validate() error {
	if _, err := c.Logging.ParseLevel(); err != nil {
		return err
	}
	if err := c.Detection.Settings.Validate(); err != nil {
		return err
	}
	switch c.Detection.ChannelSelection {
	case SelectAll, SelectSelection:
	default:
		return fmt.Errorf("%w: unknown channel_selection %q", detection.ErrInvalidSettings, c.Detection.ChannelSelection)
	}
	if c.Detection.Engine.Workers < 1 {
		return fmt.Errorf("%w: engine.workers must be at least 1", detection.ErrInvalidSettings)
	}
	if c.Loader.EventBuffer < 0 || c.Detection.Engine.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must not be negative")
	}
	return nil
}

// ParseLevel returns the configured log level.
func (l LoggingConfig) ParseLevel() (logging.Level, error) {
	return logging.ParseLevel(l.Level)
}

// Selection resolves the channels to scan in a recording of the given
// channel count.
func (d DetectionConfig) Selection(channels int) recording.Selection {
	if d.ChannelSelection == SelectAll {
		return recording.AllChannels(channels)
	}
	return d.Channels
}

// RunSettings returns the immutable per-run settings for a recording of the
// given channel count.
func (d DetectionConfig) RunSettings(channels int) detection.Settings {
	s := d.Settings
	s.Channels = append(recording.Selection(nil), d.Selection(channels)...)
	return s
}
