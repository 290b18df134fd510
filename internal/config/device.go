package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Step sources a device can track from.
const (
	SourceMotion     = "motion"
	SourceSimulation = "simulation"
	SourceFIT        = "fit"
)

// Device defaults.
const (
	DefaultQueuePath        = "stepcount-queue.db"
	DefaultAutosaveEvery    = 10
	DefaultFlushSchedule    = "@every 1m"
	DefaultRolloverSchedule = "0 0 * * *"
	DefaultDeviceMetrics    = ":9103"
	DefaultAPITimeout       = 10 * time.Second
)

// Device is the YAML configuration of `stepctl track`.
type Device struct {
	UserID               string           `yaml:"user_id"`
	API                  APIConfig        `yaml:"api"`
	QueuePath            string           `yaml:"queue_path"`
	Source               string           `yaml:"source"`
	FallbackToSimulation bool             `yaml:"fallback_to_simulation"`
	FIT                  FITConfig        `yaml:"fit"`
	Simulation           SimulationConfig `yaml:"simulation"`
	Detector             DetectorConfig   `yaml:"detector"`
	AutosaveEvery        int              `yaml:"autosave_every"`
	FlushSchedule        string           `yaml:"flush_schedule"`
	RolloverSchedule     string           `yaml:"rollover_schedule"`
	MetricsAddress       string           `yaml:"metrics_address"`
}

// APIConfig locates the step API.
type APIConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// FITConfig selects the recorded activity replayed by the fit source.
type FITConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"` // 0 replays without pauses
}

// SimulationConfig tunes the simulated source.
type SimulationConfig struct {
	Interval time.Duration `yaml:"interval"`
	Seed     uint64        `yaml:"seed"`
}

// DetectorConfig overrides detector tuning; zero values keep the defaults.
type DetectorConfig struct {
	Threshold        float64       `yaml:"threshold"`
	RefractoryPeriod time.Duration `yaml:"refractory_period"`
	Strict           bool          `yaml:"strict"`
	MinDelta         float64       `yaml:"min_delta"`
}

// LoadDevice reads, defaults and validates a device config file.
func LoadDevice(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device config: %w", err)
	}

	var cfg Device
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing device config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDevice writes cfg as YAML to path.
func WriteDevice(path string, cfg *Device) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding device config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing device config: %w", err)
	}
	return nil
}

func (d *Device) applyDefaults() {
	if d.QueuePath == "" {
		d.QueuePath = DefaultQueuePath
	}
	if d.Source == "" {
		d.Source = SourceMotion
	}
	if d.AutosaveEvery == 0 {
		d.AutosaveEvery = DefaultAutosaveEvery
	}
	if d.FlushSchedule == "" {
		d.FlushSchedule = DefaultFlushSchedule
	}
	if d.RolloverSchedule == "" {
		d.RolloverSchedule = DefaultRolloverSchedule
	}
	if d.MetricsAddress == "" {
		d.MetricsAddress = DefaultDeviceMetrics
	}
	if d.API.Timeout <= 0 {
		d.API.Timeout = DefaultAPITimeout
	}
	d.API.URL = strings.TrimRight(d.API.URL, "/")
}

// Validate reports the first invalid setting.
func (d *Device) Validate() error {
	switch {
	case strings.TrimSpace(d.UserID) == "":
		return errors.New("device config: user_id is required")
	case d.API.URL == "":
		return errors.New("device config: api.url is required")
	case d.Source != SourceMotion && d.Source != SourceSimulation && d.Source != SourceFIT:
		return fmt.Errorf("device config: unknown source %q", d.Source)
	case d.Source == SourceFIT && d.FIT.Path == "":
		return errors.New("device config: fit.path is required for the fit source")
	case d.FIT.Speed < 0:
		return errors.New("device config: fit.speed must be >= 0")
	}
	return nil
}
