// Package detector converts motion samples into step counts.
package detector

import (
	"math"
	"time"

	"example.com/stepcount/internal/motion"
)

// Defaults for Config.
const (
	DefaultThreshold        = 12.0
	DefaultRefractoryPeriod = 300 * time.Millisecond
	DefaultMinDelta         = 2.0
	DefaultStepsPerMeter    = 1.3
)

// Config tunes the detector.
type Config struct {
	// Threshold is the acceleration magnitude a step must exceed.
	Threshold float64
	// RefractoryPeriod is the minimum gap between two acceleration steps.
	RefractoryPeriod time.Duration
	// Strict additionally requires the magnitude to jump by more than MinDelta.
	Strict   bool
	MinDelta float64
	// StepsPerMeter converts geolocation displacement into steps.
	StepsPerMeter float64
}

// DefaultConfig returns the tuned defaults with the strict delta check off.
func DefaultConfig() Config {
	return Config{
		Threshold:        DefaultThreshold,
		RefractoryPeriod: DefaultRefractoryPeriod,
		MinDelta:         DefaultMinDelta,
		StepsPerMeter:    DefaultStepsPerMeter,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.RefractoryPeriod <= 0 {
		c.RefractoryPeriod = d.RefractoryPeriod
	}
	if c.MinDelta <= 0 {
		c.MinDelta = d.MinDelta
	}
	if c.StepsPerMeter <= 0 {
		c.StepsPerMeter = d.StepsPerMeter
	}
	return c
}

// Detector is a per-session state machine. It is not safe for concurrent use; the owning
// tracker serialises calls.
type Detector struct {
	cfg Config

	lastMagnitude float64
	haveMagnitude bool
	lastStepAt    time.Time
	lastFix       motion.GeoPoint
	haveFix       bool
	discarded     int
}

// New constructs a Detector. Zero config fields take their defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// Observe feeds one sample and returns how many steps it produced. Malformed samples
// produce zero and are counted as discarded.
func (d *Detector) Observe(sample motion.Sample) int {
	if sample.Timestamp.IsZero() {
		d.discarded++
		return 0
	}

	switch sample.Kind {
	case motion.KindAcceleration:
		return d.observeAcceleration(sample)
	case motion.KindGeolocation:
		return d.observeFix(sample)
	case motion.KindSimulated:
		if sample.Steps < 0 {
			d.discarded++
			return 0
		}
		return sample.Steps
	default:
		d.discarded++
		return 0
	}
}

func (d *Detector) observeAcceleration(sample motion.Sample) int {
	if !sample.Acceleration.Finite() {
		d.discarded++
		return 0
	}

	magnitude := sample.Acceleration.Magnitude()
	previous, havePrevious := d.lastMagnitude, d.haveMagnitude
	d.lastMagnitude, d.haveMagnitude = magnitude, true

	if magnitude <= d.cfg.Threshold {
		return 0
	}
	if !d.lastStepAt.IsZero() && sample.Timestamp.Sub(d.lastStepAt) <= d.cfg.RefractoryPeriod {
		return 0
	}
	if d.cfg.Strict && havePrevious && math.Abs(magnitude-previous) <= d.cfg.MinDelta {
		return 0
	}

	d.lastStepAt = sample.Timestamp
	return 1
}

func (d *Detector) observeFix(sample motion.Sample) int {
	if !sample.Position.Valid() {
		d.discarded++
		return 0
	}

	previous, havePrevious := d.lastFix, d.haveFix
	d.lastFix, d.haveFix = sample.Position, true
	if !havePrevious {
		return 0
	}
	meters := motion.Haversine(previous, sample.Position)
	return int(math.Round(meters * d.cfg.StepsPerMeter))
}

// Discarded returns how many malformed samples were dropped.
func (d *Detector) Discarded() int {
	return d.discarded
}

// Reset clears all state, as at the start of a new session.
func (d *Detector) Reset() {
	*d = Detector{cfg: d.cfg}
}
