package device

import (
	"fmt"

	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/motion"
)

// Sources resolves the configured preferred and fallback sources. The returned bridge is
// non-nil for the motion source; the caller feeds it readings.
func Sources(cfg *config.Device) (primary, fallback motion.Source, bridge *motion.Bridge, err error) {
	switch cfg.Source {
	case config.SourceMotion:
		bridge = motion.NewBridge("motion")
		primary = bridge
	case config.SourceSimulation:
		primary = simulated(cfg)
	case config.SourceFIT:
		replay, ferr := motion.OpenFITReplaySource(cfg.FIT.Path, motion.WithReplaySpeed(cfg.FIT.Speed))
		if ferr != nil {
			return nil, nil, nil, ferr
		}
		primary = replay
	default:
		return nil, nil, nil, fmt.Errorf("unknown source %q", cfg.Source)
	}

	if cfg.FallbackToSimulation && cfg.Source != config.SourceSimulation {
		fallback = simulated(cfg)
	}
	return primary, fallback, bridge, nil
}

func simulated(cfg *config.Device) *motion.SimulatedSource {
	opts := []motion.SimulationOption{motion.WithInterval(cfg.Simulation.Interval)}
	if cfg.Simulation.Seed != 0 {
		opts = append(opts, motion.WithSeed(cfg.Simulation.Seed))
	}
	return motion.NewSimulatedSource(opts...)
}
